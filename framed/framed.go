// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package framed implements a request/response protocol of length prefixed
frames:

	Length  : 4 bytes, big endian
	Payload : Length bytes

Payloads pass through the runtime codec, so they may be compressed and
encrypted. A batch travels as one frame holding a JSON array.
*/
package framed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/straticus1/aeimsLib-sub001/protocol"
	"github.com/straticus1/aeimsLib-sub001/transport"
)

// ProtocolID is the id of the framed protocol in the registry.
const ProtocolID = "framed"

const (
	headerSize          = 4
	defaultTimeout      = 5 * time.Second
	defaultMaxFrameSize = 1 << 20
	maxBatchSize        = 64
)

// ErrFrameTooLarge is returned for frames above the configured maximum.
var ErrFrameTooLarge = errors.New("framed: frame too large")

// Config configures the framed protocol.
type Config struct {
	// Dialer opens the stream. When nil a TCP connection to the connect
	// address is opened.
	Dialer transport.Dialer
	// Timeout for a response, 5s when zero.
	Timeout time.Duration
	// MaxFrameSize bounds payloads in both directions, 1 MiB when zero.
	MaxFrameSize int
	Logger       *zap.Logger
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Config) maxFrameSize() int {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return defaultMaxFrameSize
}

// Protocol exchanges one frame per request. Requests are serialized.
type Protocol struct {
	cfg    Config
	logger *zap.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	stream  transport.Stream
	codec   *protocol.Codec
	replies chan []byte
	gone    chan struct{}
	goneErr error
	done    chan struct{}
}

var (
	_ protocol.Behavior    = (*Protocol)(nil)
	_ protocol.BatchSender = (*Protocol)(nil)
)

// NewProtocol allocates a framed protocol.
func NewProtocol(cfg Config) *Protocol {
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Protocol{cfg: cfg, logger: l.With(zap.String("protocol", ProtocolID))}
}

// NewHandler wraps a new framed protocol in a runtime.
func NewHandler(cfg Config, opts protocol.Options) *protocol.Runtime {
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	return protocol.NewRuntime(NewProtocol(cfg), opts)
}

// Capabilities of the framed protocol with the given frame size limit.
func Capabilities(maxFrameSize int) protocol.Capabilities {
	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return protocol.Capabilities{
		Bidirectional: true,
		Binary:        true,
		Encryption:    true,
		Compression:   true,
		Batching:      true,
		MaxPacketSize: maxFrameSize,
		MaxBatchSize:  maxBatchSize,
		Concurrency:   1,
		Features:      []string{"length-prefix", "json"},
	}
}

func (p *Protocol) Capabilities() protocol.Capabilities {
	return Capabilities(p.cfg.maxFrameSize())
}

func (p *Protocol) Open(ctx context.Context, opts protocol.ConnectOptions, session *protocol.Session) error {
	dialer := p.cfg.Dialer
	if dialer == nil {
		td := transport.NewTCPDialer(opts.Address)
		if opts.Timeout > 0 {
			td.Timeout = opts.Timeout
		}
		td.Logger = p.logger
		dialer = td
	}
	stream, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		_ = stream.Close()
		return protocol.NewError(protocol.KindInvalidState, "open", errors.New("stream already open"))
	}
	p.stream = stream
	p.codec = session.Codec
	p.replies = make(chan []byte, 1)
	p.gone = make(chan struct{})
	p.goneErr = nil
	p.done = make(chan struct{})
	go p.readLoop(stream, session, p.replies, p.gone, p.done)
	return nil
}

func (p *Protocol) Close(ctx context.Context) error {
	p.mu.Lock()
	stream, done := p.stream, p.done
	if stream != nil {
		p.shutdownLocked(transport.ErrClosed)
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

func (p *Protocol) shutdownLocked(cause error) {
	p.stream = nil
	p.goneErr = protocol.NewError(protocol.KindConnectionLost, "framed", cause)
	close(p.gone)
}

// Send encodes payload, sends it as one frame and decodes the answer.
func (p *Protocol) Send(ctx context.Context, payload any) (any, error) {
	return p.exchange(ctx, payload)
}

// SendBatch sends payloads as one JSON array and expects an array of equal
// length back.
func (p *Protocol) SendBatch(ctx context.Context, payloads []any) ([]any, error) {
	res, err := p.exchange(ctx, payloads)
	if err != nil {
		return nil, err
	}
	results, ok := res.([]any)
	if !ok {
		return nil, protocol.NewError(protocol.KindDecodingFailed, "framed batch",
			fmt.Errorf("answer is %T, not an array", res))
	}
	if len(results) != len(payloads) {
		return nil, protocol.NewError(protocol.KindDecodingFailed, "framed batch",
			fmt.Errorf("got %d results for %d commands", len(results), len(payloads)))
	}
	return results, nil
}

func (p *Protocol) exchange(ctx context.Context, payload any) (any, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	stream, codec, replies, gone := p.stream, p.codec, p.replies, p.gone
	p.mu.Unlock()
	if stream == nil {
		return nil, protocol.NewError(protocol.KindConnectionLost, "framed", errors.New("stream is not open"))
	}

	body, err := codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	if len(body) > p.cfg.maxFrameSize() {
		return nil, protocol.NewError(protocol.KindEncodingFailed, "framed", fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body)))
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)

	// a late answer to an earlier request that timed out
	select {
	case stale := <-replies:
		p.logger.Warn("framed: dropping stale frame", zap.Int("bytes", len(stale)))
	default:
	}

	if err := stream.Write(ctx, frame); err != nil {
		return nil, protocol.NewError(protocol.KindConnectionLost, "framed", err)
	}
	p.logger.Debug("framed: sent", zap.Int("bytes", len(body)))

	t := time.NewTimer(p.cfg.timeout())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-gone:
		p.mu.Lock()
		err := p.goneErr
		p.mu.Unlock()
		return nil, err
	case <-t.C:
		return nil, protocol.NewError(protocol.KindTimeout, "framed", errors.New("no answer within timeout"))
	case b := <-replies:
		return codec.Decode(b)
	}
}

func (p *Protocol) readLoop(stream transport.Stream, session *protocol.Session, replies chan []byte, gone, done chan struct{}) {
	defer close(done)

	var buf []byte
	for ev := range stream.Events() {
		if ev.Kind == transport.EventClosed {
			p.lost(stream, session, ev.Err)
			return
		}
		buf = append(buf, ev.Data...)
		for len(buf) >= headerSize {
			n := int(binary.BigEndian.Uint32(buf))
			if n > p.cfg.maxFrameSize() {
				p.logger.Warn("framed: dropping receive buffer", zap.Error(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)))
				buf = nil
				break
			}
			if len(buf) < headerSize+n {
				break
			}
			body := make([]byte, n)
			copy(body, buf[headerSize:])
			buf = buf[headerSize+n:]
			select {
			case replies <- body:
			case <-gone:
				return
			default:
				p.logger.Warn("framed: dropping unsolicited frame", zap.Int("bytes", n))
			}
		}
	}
	p.lost(stream, session, nil)
}

func (p *Protocol) lost(stream transport.Stream, session *protocol.Session, cause error) {
	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		return
	}
	if cause == nil {
		cause = transport.ErrClosed
	}
	p.shutdownLocked(cause)
	err := p.goneErr
	p.mu.Unlock()

	_ = stream.Close()
	p.logger.Warn("framed: stream lost", zap.Error(cause))
	session.ConnectionLost(err)
}

// Register adds the framed protocol to reg. It matches devices declaring
// the "framed" protocol.
func Register(reg *protocol.Registry, cfg Config, opts protocol.Options) error {
	caps := Capabilities(cfg.maxFrameSize())
	return reg.Register(protocol.Registration{
		ID:           ProtocolID,
		Name:         "Length prefixed frames",
		Version:      "1.0.0",
		Capabilities: &caps,
		Factory: func() (protocol.Handler, error) {
			return NewHandler(cfg, opts), nil
		},
		Matcher: func(info protocol.DeviceInfo) bool {
			return strings.EqualFold(info.Metadata["protocol"], ProtocolID)
		},
	})
}
