// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package transport provides byte streams for protocol implementations.

A Stream pushes everything it receives, and its end of life, onto a channel
of Events. The consumer is the only reader of that channel, which makes the
protocol state machine the single owner of whatever it accumulates.
*/
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	readBufferSize  = 512
	eventBufferSize = 64
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport: stream closed")

// EventKind tells data apart from the end of the stream.
type EventKind uint8

const (
	// EventData carries bytes received from the peer.
	EventData EventKind = iota
	// EventClosed is the last event of a stream. Err is nil when the stream
	// was closed locally.
	EventClosed
)

// Event is something that happened on a stream.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Stream is an open, bidirectional byte stream.
type Stream interface {
	// Write sends p completely or returns an error.
	Write(ctx context.Context, p []byte) error
	// Events delivers received data and, last, an EventClosed. The channel
	// is closed after that.
	Events() <-chan Event
	Close() error
}

// Dialer opens streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Stream, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type stream struct {
	rwc    io.ReadWriteCloser
	events chan Event
	done   chan struct{}
	logger *zap.Logger

	// wsem is held for the duration of a write
	wsem      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream turns rwc into a Stream. A goroutine reads rwc until it fails or
// the stream is closed.
func NewStream(rwc io.ReadWriteCloser, logger *zap.Logger) Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &stream{
		rwc:    rwc,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		wsem:   make(chan struct{}, 1),
		logger: logger,
	}
	go s.readLoop()
	return s
}

func (s *stream) Events() <-chan Event {
	return s.events
}

// Write honours ctx while waiting for a previous write and during its own.
// Connections get the ctx deadline as write deadline. Ports without
// deadlines write on a separate goroutine, and a write abandoned through ctx
// keeps the stream busy until the port returns from it.
func (s *stream) Write(ctx context.Context, p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case s.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	if wd, ok := s.rwc.(writeDeadliner); ok {
		defer func() { <-s.wsem }()
		deadline, _ := ctx.Deadline()
		if err := wd.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return s.write(p)
	}

	errc := make(chan error, 1)
	go func() {
		defer func() { <-s.wsem }()
		errc <- s.write(p)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) write(p []byte) error {
	if _, err := s.rwc.Write(p); err != nil {
		return err
	}
	s.logger.Debug("transport: wrote", zap.Int("bytes", len(p)))
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

func (s *stream) readLoop() {
	defer close(s.events)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.emit(Event{Kind: EventData, Data: data}) {
				return
			}
		}
		if err != nil {
			var cause error
			if !s.closed.Load() {
				cause = err
				if errors.Is(err, io.EOF) {
					cause = io.ErrUnexpectedEOF
				}
				s.logger.Debug("transport: read failed", zap.Error(err))
			}
			s.emit(Event{Kind: EventClosed, Err: cause})
			return
		}
	}
}

// emit hands ev to the consumer unless the stream is closed locally.
func (s *stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
