// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	tcpTimeout   = 10 * time.Second
	tcpKeepAlive = 30 * time.Second
)

// TCPDialer opens TCP streams.
type TCPDialer struct {
	// Connect string
	Address string
	// Connect timeout
	Timeout time.Duration
	// TCP keep-alive period, negative disables it
	KeepAlive time.Duration
	Logger    *zap.Logger
}

// NewTCPDialer allocates a TCPDialer with default timeouts.
func NewTCPDialer(address string) *TCPDialer {
	return &TCPDialer{
		Address:   address,
		Timeout:   tcpTimeout,
		KeepAlive: tcpKeepAlive,
	}
}

// Dial connects to Address.
func (d *TCPDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", d.Address, err)
	}
	return NewStream(conn, logger(d.Logger).With(zap.String("remote", conn.RemoteAddr().String()))), nil
}

// UDPDialer opens a connected UDP socket and treats the datagrams it
// receives as one byte stream. Used for RTU over UDP gateways.
type UDPDialer struct {
	Address string
	Logger  *zap.Logger
}

// Dial sets up the socket. Since UDP is connectionless this does little more
// than binding a local port.
func (d *UDPDialer) Dial(ctx context.Context) (Stream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", d.Address, err)
	}
	return NewStream(conn, logger(d.Logger)), nil
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
