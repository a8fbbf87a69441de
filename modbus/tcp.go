// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/straticus1/aeimsLib-sub001/protocol"
	"github.com/straticus1/aeimsLib-sub001/transport"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpPrefixSize = 6
	tcpMaxLength  = 260

	tcpTimeout         = 5 * time.Second
	tcpMaxTransactions = 16
)

// ErrTCPHeaderLength informs about a wrong header length.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in response header '%d' must not be zero or greater than '%v'",
		int(length), tcpMaxLength-tcpHeaderSize+1)
}

// encodeTCP adds modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func encodeTCP(transactionID uint16, unitID byte, pdu *ProtocolDataUnit) ([]byte, error) {
	if tcpHeaderSize+1+len(pdu.Data) > tcpMaxLength {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", len(pdu.Data), tcpMaxLength-tcpHeaderSize-1)
	}
	adu := make([]byte, tcpHeaderSize+1+len(pdu.Data))

	binary.BigEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(UnitID) + sizeof(FunctionCode) + Data
	binary.BigEndian.PutUint16(adu[4:], uint16(1+1+len(pdu.Data)))
	adu[6] = unitID

	// PDU
	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return adu, nil
}

// tcpFrameLength returns the size of the frame at the start of buf, or 0
// when the 6 byte prefix is not complete yet.
func tcpFrameLength(buf []byte) (int, error) {
	if len(buf) < tcpPrefixSize {
		return 0, nil
	}
	length := int(binary.BigEndian.Uint16(buf[4:]))
	// Unit id and function code at least
	if length < 2 || length > tcpMaxLength-tcpPrefixSize {
		return 0, ErrTCPHeaderLength(length)
	}
	return tcpPrefixSize + length, nil
}

// decodeTCP extracts transaction id, unit id and PDU from a complete frame.
func decodeTCP(adu []byte) (uint16, byte, *ProtocolDataUnit, error) {
	if len(adu) < tcpHeaderSize+1 {
		return 0, 0, nil, fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", len(adu), tcpHeaderSize+1)
	}
	length := binary.BigEndian.Uint16(adu[4:])
	pduLength := len(adu) - tcpHeaderSize
	if pduLength != int(length)-1 {
		return 0, 0, nil, fmt.Errorf("modbus: length in response '%v' does not match pdu data length '%v'", int(length)-1, pduLength)
	}
	if id := binary.BigEndian.Uint16(adu[2:]); id != tcpProtocolIdentifier {
		return 0, 0, nil, fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", id, tcpProtocolIdentifier)
	}
	pdu := &ProtocolDataUnit{
		FunctionCode: adu[tcpHeaderSize],
		Data:         adu[tcpHeaderSize+1:],
	}
	return binary.BigEndian.Uint16(adu), adu[6], pdu, nil
}

// TCPConfig configures a MODBUS TCP protocol.
type TCPConfig struct {
	// Dialer opens the connection. When nil a TCP connection to the connect
	// address is opened.
	Dialer transport.Dialer
	// Timeout of a single transaction, 5s when zero.
	Timeout time.Duration
	// Retries is how often a transaction is sent again after a timeout.
	Retries int
	// MaxTransactions bounds the outstanding transactions, 16 when zero.
	MaxTransactions int
	// KeepAliveInterval of idle connection after which a Read Exception
	// Status is sent. Zero disables keep-alive.
	KeepAliveInterval time.Duration
	// UnitID addressed by keep-alive requests.
	UnitID byte
	Logger *zap.Logger
}

func (c *TCPConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return tcpTimeout
}

func (c *TCPConfig) maxTransactions() int {
	if c.MaxTransactions > 0 {
		return min(c.MaxTransactions, 1<<16-1)
	}
	return tcpMaxTransactions
}

// TCPProtocol speaks MODBUS TCP. Transactions are multiplexed on one
// connection and matched to their responses by transaction id.
type TCPProtocol struct {
	cfg    TCPConfig
	logger *zap.Logger
	line   activityTracker
	slots  chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	stream       transport.Stream
	transactions map[uint16]*pending
	nextID       uint16
	loopDone     chan struct{}
}

var _ protocol.Behavior = (*TCPProtocol)(nil)

// NewTCPProtocol allocates a TCP protocol. It is driven by a
// protocol.Runtime, see NewTCPHandler.
func NewTCPProtocol(cfg TCPConfig) *TCPProtocol {
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &TCPProtocol{
		cfg:          cfg,
		logger:       l.With(zap.String("protocol", "modbus-tcp")),
		slots:        make(chan struct{}, cfg.maxTransactions()),
		transactions: make(map[uint16]*pending),
		nextID:       1,
	}
}

// NewTCPHandler wraps a new TCP protocol in a runtime.
func NewTCPHandler(cfg TCPConfig, opts protocol.Options) *protocol.Runtime {
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	return protocol.NewRuntime(NewTCPProtocol(cfg), opts)
}

// TCPCapabilities are the capabilities of MODBUS TCP with at most
// maxTransactions outstanding.
func TCPCapabilities(maxTransactions int) protocol.Capabilities {
	if maxTransactions <= 0 {
		maxTransactions = tcpMaxTransactions
	}
	return protocol.Capabilities{
		Bidirectional: true,
		Binary:        true,
		MaxPacketSize: tcpMaxLength,
		MaxBatchSize:  maxTransactions,
		Concurrency:   maxTransactions,
		Features: []string{
			"mbap", "transactions", "keep-alive",
			"read-coils", "read-discrete-inputs", "read-holding-registers", "read-input-registers",
			"write-single-coil", "write-single-register", "write-multiple-coils", "write-multiple-registers",
			"read-exception-status", "report-server-id", "file-records", "mask-write-register",
			"read-write-multiple-registers", "read-fifo-queue",
		},
	}
}

func (p *TCPProtocol) Capabilities() protocol.Capabilities {
	return TCPCapabilities(p.cfg.maxTransactions())
}

// Open connects and starts reading responses.
func (p *TCPProtocol) Open(ctx context.Context, opts protocol.ConnectOptions, session *protocol.Session) error {
	dialer := p.cfg.Dialer
	if dialer == nil {
		td := transport.NewTCPDialer(opts.Address)
		if opts.Timeout > 0 {
			td.Timeout = opts.Timeout
		}
		td.Logger = p.logger
		dialer = td
	}

	p.mu.Lock()
	if p.stream != nil {
		p.mu.Unlock()
		return protocol.NewError(protocol.KindInvalidState, "open", errors.New("connection already open"))
	}
	p.mu.Unlock()

	stream, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})

	p.mu.Lock()
	p.stream = stream
	p.loopDone = done
	p.mu.Unlock()

	p.line.touch()
	go p.readLoop(stream, session, done)
	p.logger.Debug("modbus: connection open", zap.String("address", opts.Address))
	return nil
}

// Close closes the connection. Every outstanding transaction fails with
// KindConnectionLost.
func (p *TCPProtocol) Close(ctx context.Context) error {
	p.mu.Lock()
	stream, done := p.stream, p.loopDone
	p.stream, p.loopDone = nil, nil
	p.abortAllLocked(protocol.NewError(protocol.KindConnectionLost, "close", transport.ErrClosed))
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Close()
	wait := make(chan struct{})
	go func() {
		<-done
		p.wg.Wait()
		close(wait)
	}()
	select {
	case <-wait:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Send transmits a *Request as a new transaction and waits for its response.
// When MaxTransactions are outstanding Send waits for a free slot.
func (p *TCPProtocol) Send(ctx context.Context, payload any) (any, error) {
	req, pdu, err := requestOf(payload)
	if err != nil {
		return nil, err
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()
	return p.transact(ctx, req, pdu)
}

// transact runs one transaction. The caller holds a slot.
func (p *TCPProtocol) transact(ctx context.Context, req *Request, pdu *ProtocolDataUnit) (*Response, error) {
	p.mu.Lock()
	stream := p.stream
	if stream == nil {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindConnectionLost, "modbus tcp", errors.New("connection is not open"))
	}
	id := p.allocateIDLocked()
	adu, err := encodeTCP(id, req.UnitID, pdu)
	if err != nil {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.KindEncodingFailed, "modbus tcp", err)
	}
	tx := newPending(id, req.UnitID)
	p.transactions[id] = tx
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.transactions[id] == tx {
			delete(p.transactions, id)
		}
		p.mu.Unlock()
	}()

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.logger.Debug("modbus: retrying transaction", zap.Uint16("transaction_id", id), zap.Int("attempt", attempt+1))
		}
		p.logger.Debug(fmt.Sprintf("modbus: send % x", adu))
		if err := stream.Write(ctx, adu); err != nil {
			return nil, protocol.NewError(protocol.KindConnectionLost, "modbus tcp", err)
		}
		p.line.touch()

		resp, err := p.awaitResponse(ctx, req, tx)
		if errors.Is(err, errResponseTimeout) {
			continue
		}
		return resp, err
	}
	return nil, protocol.NewError(protocol.KindTimeout, "modbus tcp",
		fmt.Errorf("%w: transaction %d after %d attempts", errResponseTimeout, id, p.cfg.Retries+1))
}

func (p *TCPProtocol) awaitResponse(ctx context.Context, req *Request, tx *pending) (*Response, error) {
	deadline := time.Now().Add(p.cfg.timeout())
	for {
		r, err := tx.await(ctx, deadline)
		if err != nil {
			return nil, err
		}
		// Unit id (1 byte)
		if r.unitID != req.UnitID {
			p.logger.Warn("modbus: discarding response of other unit",
				zap.Uint16("transaction_id", tx.id),
				zap.Uint8("unit_id", r.unitID),
			)
			continue
		}
		return responseOf(req, r)
	}
}

// allocateIDLocked returns the next transaction id that is not pending. The
// counter wraps around at 0xFFFF.
func (p *TCPProtocol) allocateIDLocked() uint16 {
	for {
		id := p.nextID
		p.nextID++
		if _, busy := p.transactions[id]; !busy {
			return id
		}
	}
}

func (p *TCPProtocol) abortAllLocked(err error) {
	for id, tx := range p.transactions {
		tx.abort(err)
		delete(p.transactions, id)
	}
}

// readLoop reassembles frames from the stream and dispatches them. It also
// runs the keep-alive timer, so the receive buffer and the timer have one
// owner.
func (p *TCPProtocol) readLoop(stream transport.Stream, session *protocol.Session, done chan struct{}) {
	defer close(done)

	var (
		buf       []byte
		keepAlive *time.Timer
		tick      <-chan time.Time
	)
	if p.cfg.KeepAliveInterval > 0 {
		keepAlive = time.NewTimer(p.cfg.KeepAliveInterval)
		defer keepAlive.Stop()
		tick = keepAlive.C
	}

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
			buf = p.reassemble(append(buf, ev.Data...))
		case <-tick:
			p.keepAlive(keepAlive)
		}
	}
}

// reassemble dispatches every complete frame in buf and returns the rest.
func (p *TCPProtocol) reassemble(buf []byte) []byte {
	for {
		n, err := tcpFrameLength(buf)
		if err != nil {
			p.logger.Warn("modbus: dropping receive buffer", zap.Int("bytes", len(buf)), zap.Error(err))
			return nil
		}
		if n == 0 || len(buf) < n {
			return buf
		}
		frame := make([]byte, n)
		copy(frame, buf)
		buf = buf[n:]
		p.dispatch(frame)
	}
}

func (p *TCPProtocol) dispatch(adu []byte) {
	p.logger.Debug(fmt.Sprintf("modbus: recv % x", adu))
	id, unitID, pdu, err := decodeTCP(adu)
	if err != nil {
		p.logger.Warn("modbus: discarding frame",
			zap.Error(protocol.NewError(protocol.KindProtocolError, "modbus tcp", err)))
		return
	}

	p.mu.Lock()
	tx := p.transactions[id]
	p.mu.Unlock()

	if tx == nil {
		p.logger.Warn("modbus: dropping response of unknown transaction", zap.Uint16("transaction_id", id))
		return
	}
	if !tx.deliver(reply{unitID: unitID, pdu: pdu}) {
		p.logger.Warn("modbus: dropping duplicate response", zap.Uint16("transaction_id", id))
	}
}

// keepAlive probes an idle connection with a Read Exception Status. A
// connection with a transaction outstanding is not idle, and a probe never
// waits for a slot.
func (p *TCPProtocol) keepAlive(t *time.Timer) {
	interval := p.cfg.KeepAliveInterval
	if idle := p.line.idle(); idle < interval {
		t.Reset(interval - idle)
		return
	}
	t.Reset(interval)

	p.mu.Lock()
	busy := len(p.transactions) > 0
	p.mu.Unlock()
	if busy {
		return
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		req := &Request{UnitID: p.cfg.UnitID, FunctionCode: FuncCodeReadExceptionStatus}
		pdu, _ := req.PDU()
		_, err := p.transact(ctx, req, pdu)
		switch {
		case err == nil, protocol.KindOf(err) == protocol.KindProtocolError:
			// an exception answer shows the peer is alive as well
			p.logger.Debug("modbus: keep-alive answered")
		default:
			p.logger.Warn("modbus: keep-alive failed", zap.Error(err))
		}
	}()
}

// lost handles the end of stream. cause is nil when the connection was
// closed locally.
func (p *TCPProtocol) lost(stream transport.Stream, session *protocol.Session, cause error) {
	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		return
	}
	p.stream, p.loopDone = nil, nil
	if cause == nil {
		cause = transport.ErrClosed
	}
	err := protocol.NewError(protocol.KindConnectionLost, "modbus tcp", cause)
	p.abortAllLocked(err)
	p.mu.Unlock()

	_ = stream.Close()
	p.logger.Warn("modbus: connection lost", zap.Error(cause))
	session.ConnectionLost(err)
}
