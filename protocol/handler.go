// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Handler is the contract callers use to talk to a device, regardless of
// the protocol behind it.
type Handler interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// SendCommand submits payload and blocks until its response is decoded
	// or the command fails.
	SendCommand(ctx context.Context, payload any) (any, error)
	// SendBatch submits payloads together; results are in submission order.
	SendBatch(ctx context.Context, payloads []any) ([]any, error)
	Capabilities() Capabilities
}

// ConnectOptions parametrizes Connect. Address is whatever the transport
// understands: host:port, a device path or a URL.
type ConnectOptions struct {
	Address string
	Timeout time.Duration
	// Params carries transport specific settings such as "baud_rate".
	Params map[string]any
}

// DeviceInfo is the metadata a discovery step hands over for protocol matching.
type DeviceInfo struct {
	ID        string
	Name      string
	Transport string
	Address   string
	Metadata  map[string]string
}

// Behavior is implemented by a concrete protocol. The runtime drives it and
// owns everything that is common: state, queueing, batching and retries.
type Behavior interface {
	Capabilities() Capabilities
	// Open establishes the link. The session stays valid until Close.
	Open(ctx context.Context, opts ConnectOptions, session *Session) error
	Close(ctx context.Context) error
	// Send transmits one command and returns its decoded response.
	Send(ctx context.Context, payload any) (any, error)
}

// BatchSender is implemented by behaviors that transmit a batch natively.
type BatchSender interface {
	SendBatch(ctx context.Context, payloads []any) ([]any, error)
}

// Session is handed to a Behavior on Open.
type Session struct {
	Codec  *Codec
	Logger *zap.Logger

	lost func(error)
}

// ConnectionLost tells the runtime that the link dropped without a Close.
func (s *Session) ConnectionLost(err error) {
	if s != nil && s.lost != nil {
		s.lost(err)
	}
}
