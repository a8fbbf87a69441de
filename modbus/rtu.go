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

	"go.uber.org/zap"

	"github.com/straticus1/aeimsLib-sub001/protocol"
	"github.com/straticus1/aeimsLib-sub001/transport"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuTimeout = time.Second
)

// ErrInvalidCRC is the cause of a frame discarded for a checksum mismatch.
var ErrInvalidCRC = errors.New("modbus: crc mismatch")

// encodeRTU encodes pdu in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func encodeRTU(unitID byte, pdu *ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
	}
	adu := make([]byte, length)

	adu[0] = unitID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	// Append crc
	checksum := CRC16(adu[0 : length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu, nil
}

// decodeRTU verifies the CRC of adu and extracts its unit id and PDU.
func decodeRTU(adu []byte) (byte, *ProtocolDataUnit, error) {
	length := len(adu)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		return 0, nil, fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
	}
	if length > rtuMaxSize {
		return 0, nil, fmt.Errorf("modbus: response length '%v' must not be bigger than '%v'", length, rtuMaxSize)
	}
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if expected := CRC16(adu[0 : length-2]); checksum != expected {
		return 0, nil, fmt.Errorf("%w: response crc '%v' does not match expected '%v'", ErrInvalidCRC, checksum, expected)
	}
	pdu := &ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}
	return adu[0], pdu, nil
}

// RTUConfig configures a MODBUS RTU protocol.
type RTUConfig struct {
	// Dialer opens the line. When nil a serial port is opened at the connect
	// address, configured by the connect parameters.
	Dialer transport.Dialer
	// Timeout for a response, 1s when zero.
	Timeout time.Duration
	// Retries is how often a request is sent again after a response timeout.
	Retries int
	// InterFrameDelay is the silence kept before each transmission and
	// InterCharDelay the silence that ends a received frame. Both are derived
	// from BaudRate when zero.
	InterFrameDelay time.Duration
	InterCharDelay  time.Duration
	BaudRate        int
	Logger          *zap.Logger
}

// charDelay and frameDelay follow MODBUS over Serial Line - Specification
// and Implementation Guide (page 13).
func (c *RTUConfig) charDelay() time.Duration {
	if c.InterCharDelay > 0 {
		return c.InterCharDelay
	}
	if c.BaudRate <= 0 || c.BaudRate > 19200 {
		return 750 * time.Microsecond
	}
	return time.Duration(15000000/c.BaudRate) * time.Microsecond
}

func (c *RTUConfig) frameDelay() time.Duration {
	if c.InterFrameDelay > 0 {
		return c.InterFrameDelay
	}
	if c.BaudRate <= 0 || c.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/c.BaudRate) * time.Microsecond
}

func (c *RTUConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return rtuTimeout
}

// RTUProtocol speaks MODBUS RTU over a half-duplex line. Only one request
// can be outstanding; frames are delimited by line silence.
type RTUProtocol struct {
	cfg    RTUConfig
	logger *zap.Logger
	line   activityTracker

	mu         sync.Mutex
	stream     transport.Stream
	frameDelay time.Duration
	current    *pending
	loopDone   chan struct{}
}

var _ protocol.Behavior = (*RTUProtocol)(nil)

// NewRTUProtocol allocates an RTU protocol. It is driven by a
// protocol.Runtime, see NewRTUHandler.
func NewRTUProtocol(cfg RTUConfig) *RTUProtocol {
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &RTUProtocol{
		cfg:    cfg,
		logger: l.With(zap.String("protocol", "modbus-rtu")),
	}
}

// NewRTUHandler wraps a new RTU protocol in a runtime.
func NewRTUHandler(cfg RTUConfig, opts protocol.Options) *protocol.Runtime {
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	return protocol.NewRuntime(NewRTUProtocol(cfg), opts)
}

// RTUCapabilities are the capabilities of MODBUS RTU.
func RTUCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Binary:        true,
		MaxPacketSize: rtuMaxSize,
		MaxBatchSize:  32,
		HalfDuplex:    true,
		Concurrency:   1,
		Features: []string{
			"crc16", "half-duplex", "broadcast",
			"read-coils", "read-discrete-inputs", "read-holding-registers", "read-input-registers",
			"write-single-coil", "write-single-register", "write-multiple-coils", "write-multiple-registers",
			"read-exception-status",
		},
	}
}

func (p *RTUProtocol) Capabilities() protocol.Capabilities {
	return RTUCapabilities()
}

// Open opens the line and starts reading frames.
func (p *RTUProtocol) Open(ctx context.Context, opts protocol.ConnectOptions, session *protocol.Session) error {
	cfg := p.cfg
	dialer := cfg.Dialer
	if dialer == nil {
		sd := transport.NewSerialDialer(opts.Address)
		if err := sd.ApplyParams(opts.Params); err != nil {
			return err
		}
		sd.Logger = p.logger
		if cfg.BaudRate <= 0 {
			cfg.BaudRate = sd.BaudRate
		}
		dialer = sd
	}

	p.mu.Lock()
	if p.stream != nil {
		p.mu.Unlock()
		return protocol.NewError(protocol.KindInvalidState, "open", errors.New("line already open"))
	}
	p.mu.Unlock()

	stream, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	charDelay, frameDelay := cfg.charDelay(), cfg.frameDelay()

	p.mu.Lock()
	p.stream = stream
	p.frameDelay = frameDelay
	p.loopDone = done
	p.mu.Unlock()

	p.line.reset()
	go p.readLoop(stream, session, charDelay, done)
	p.logger.Debug("modbus: line open",
		zap.String("address", opts.Address),
		zap.Duration("char_delay", charDelay),
		zap.Duration("frame_delay", frameDelay),
	)
	return nil
}

// Close closes the line. A request still waiting fails with
// KindConnectionLost.
func (p *RTUProtocol) Close(ctx context.Context) error {
	p.mu.Lock()
	stream, done := p.stream, p.loopDone
	p.stream, p.loopDone = nil, nil
	if p.current != nil {
		p.current.abort(protocol.NewError(protocol.KindConnectionLost, "close", transport.ErrClosed))
	}
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Close()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Send transmits a *Request and waits for its response. A second request
// while one is outstanding fails with KindInvalidState.
func (p *RTUProtocol) Send(ctx context.Context, payload any) (any, error) {
	req, pdu, err := requestOf(payload)
	if err != nil {
		return nil, err
	}
	if req.UnitID == 0 && !broadcastable(req.FunctionCode) {
		return nil, protocol.NewError(protocol.KindValidationFailed, "modbus rtu",
			fmt.Errorf("modbus: function code '%v' cannot be broadcast", req.FunctionCode))
	}
	adu, err := encodeRTU(req.UnitID, pdu)
	if err != nil {
		return nil, protocol.NewError(protocol.KindEncodingFailed, "modbus rtu", err)
	}

	p.mu.Lock()
	stream, frameDelay := p.stream, p.frameDelay
	if stream == nil {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindConnectionLost, "modbus rtu", errors.New("line is not open"))
	}
	if p.current != nil {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindInvalidState, "modbus rtu", errors.New("a request is already pending"))
	}
	current := newPending(0, req.UnitID)
	p.current = current
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.current == current {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.logger.Debug("modbus: retrying request", zap.Int("attempt", attempt+1), zap.Binary("adu", adu))
		}
		if err := p.line.waitSilence(ctx, frameDelay); err != nil {
			return nil, err
		}
		p.logger.Debug(fmt.Sprintf("modbus: send % x", adu))
		if err := stream.Write(ctx, adu); err != nil {
			return nil, protocol.NewError(protocol.KindConnectionLost, "modbus rtu", err)
		}
		p.line.touch()

		// Broadcast requests are never answered
		if req.UnitID == 0 {
			return &Response{FunctionCode: req.FunctionCode}, nil
		}

		resp, err := p.awaitResponse(ctx, req, current)
		if errors.Is(err, errResponseTimeout) {
			continue
		}
		return resp, err
	}
	return nil, protocol.NewError(protocol.KindTimeout, "modbus rtu",
		fmt.Errorf("%w after %d attempts", errResponseTimeout, p.cfg.Retries+1))
}

// awaitResponse waits for a frame that answers req. Frames of another unit
// or function are dropped and the wait goes on.
func (p *RTUProtocol) awaitResponse(ctx context.Context, req *Request, current *pending) (*Response, error) {
	deadline := time.Now().Add(p.cfg.timeout())
	for {
		r, err := current.await(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if r.unitID != req.UnitID || r.pdu.FunctionCode&^exceptionBit != req.FunctionCode {
			p.logger.Warn("modbus: discarding unexpected frame",
				zap.Uint8("unit_id", r.unitID),
				zap.Uint8("function_code", r.pdu.FunctionCode),
			)
			continue
		}
		return responseOf(req, r)
	}
}

// readLoop owns the receive buffer. Received bytes accumulate until the line
// stays silent for the inter-character delay.
func (p *RTUProtocol) readLoop(stream transport.Stream, session *protocol.Session, charDelay time.Duration, done chan struct{}) {
	defer close(done)

	var buf []byte
	silence := time.NewTimer(charDelay)
	silence.Stop()
	defer silence.Stop()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				p.lost(stream, session, nil)
				return
			}
			if ev.Kind == transport.EventClosed {
				p.lost(stream, session, ev.Err)
				return
			}
			p.line.touch()
			buf = append(buf, ev.Data...)
			if len(buf) > rtuMaxSize {
				p.logger.Warn("modbus: discarding oversized frame", zap.Int("length", len(buf)))
				buf = nil
			}
			resetTimer(silence, charDelay)
		case <-silence.C:
			frame := buf
			buf = nil
			if len(frame) > 0 {
				p.frame(frame)
			}
		}
	}
}

func (p *RTUProtocol) frame(adu []byte) {
	p.logger.Debug(fmt.Sprintf("modbus: recv % x", adu))
	unitID, pdu, err := decodeRTU(adu)
	if err != nil {
		p.logger.Warn("modbus: discarding frame",
			zap.Error(protocol.NewError(protocol.KindProtocolError, "modbus rtu", err)))
		return
	}

	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current == nil {
		p.logger.Warn("modbus: discarding unsolicited frame", zap.Uint8("unit_id", unitID))
		return
	}
	if !current.deliver(reply{unitID: unitID, pdu: pdu}) {
		p.logger.Warn("modbus: discarding surplus frame", zap.Uint8("unit_id", unitID))
	}
}

// lost handles the end of stream. cause is nil when the line was closed
// locally.
func (p *RTUProtocol) lost(stream transport.Stream, session *protocol.Session, cause error) {
	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		return
	}
	p.stream, p.loopDone = nil, nil
	if cause == nil {
		cause = transport.ErrClosed
	}
	err := protocol.NewError(protocol.KindConnectionLost, "modbus rtu", cause)
	if p.current != nil {
		p.current.abort(err)
	}
	p.mu.Unlock()

	_ = stream.Close()
	p.logger.Warn("modbus: line lost", zap.Error(cause))
	session.ConnectionLost(err)
}
