// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub001/protocol"
)

var errResponseTimeout = errors.New("modbus: no response within timeout")

// reply is a validated frame handed from the read loop to a waiting request.
type reply struct {
	unitID byte
	pdu    *ProtocolDataUnit
}

// pending is a request waiting for its reply: the single outstanding request
// of a serial line, or one transaction of a TCP connection.
type pending struct {
	id      uint16
	unitID  byte
	replies chan reply
	gone    chan struct{}

	once sync.Once
	err  error
}

func newPending(id uint16, unitID byte) *pending {
	return &pending{
		id:      id,
		unitID:  unitID,
		replies: make(chan reply, 1),
		gone:    make(chan struct{}),
	}
}

// deliver hands r to the waiter. A reply arriving while an earlier one is
// still unread is dropped.
func (p *pending) deliver(r reply) bool {
	select {
	case p.replies <- r:
		return true
	default:
		return false
	}
}

// abort releases the waiter with err.
func (p *pending) abort(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.gone)
	})
}

// await waits for a reply until deadline.
func (p *pending) await(ctx context.Context, deadline time.Time) (reply, error) {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case r := <-p.replies:
		return r, nil
	case <-p.gone:
		return reply{}, p.err
	case <-t.C:
		return reply{}, errResponseTimeout
	}
}

// requestOf validates payload and encodes its PDU.
func requestOf(payload any) (*Request, *ProtocolDataUnit, error) {
	var req *Request
	switch v := payload.(type) {
	case *Request:
		req = v
	case Request:
		req = &v
	default:
		return nil, nil, protocol.NewError(protocol.KindValidationFailed, "modbus request",
			fmt.Errorf("unsupported payload %T", payload))
	}
	if req == nil {
		return nil, nil, protocol.NewError(protocol.KindValidationFailed, "modbus request", errors.New("request is nil"))
	}
	pdu, err := req.PDU()
	if err != nil {
		return nil, nil, protocol.NewError(protocol.KindValidationFailed, "modbus request", err)
	}
	return req, pdu, nil
}

// responseOf parses r as the answer to req. Exceptions become protocol
// errors, malformed answers decoding errors.
func responseOf(req *Request, r reply) (*Response, error) {
	resp, err := parseResponse(req, r.unitID, r.pdu)
	if err != nil {
		var mbErr *Error
		if errors.As(err, &mbErr) {
			return nil, protocol.NewError(protocol.KindProtocolError, "modbus response", err)
		}
		return nil, protocol.NewError(protocol.KindDecodingFailed, "modbus response", err)
	}
	return resp, nil
}

// resetTimer rearms t for d, discarding a tick that was not consumed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
