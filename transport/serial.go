// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grid-x/serial"
	"github.com/spf13/cast"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// Default read timeout of the port, reads keep polling after it.
	serialTimeout = 500 * time.Millisecond

	serialBaudRate = 19200
	serialDataBits = 8
	serialStopBits = 1
	serialParity   = "E"
)

// SerialBackend selects the library that drives the port.
type SerialBackend string

const (
	// BackendGridX uses github.com/grid-x/serial, which supports RS485 settings.
	BackendGridX SerialBackend = "gridx"
	// BackendBugst uses go.bug.st/serial.
	BackendBugst SerialBackend = "bugst"
)

// SerialDialer opens serial ports.
type SerialDialer struct {
	// Serial port configuration.
	serial.Config

	Backend SerialBackend
	Logger  *zap.Logger
}

// NewSerialDialer creates a serial dialer with default configuration:
// 19200 baud, 8 data bits, even parity, 1 stop bit.
func NewSerialDialer(address string) *SerialDialer {
	return &SerialDialer{
		Config: serial.Config{
			Address:  address,
			BaudRate: serialBaudRate,
			DataBits: serialDataBits,
			StopBits: serialStopBits,
			Parity:   serialParity,
			Timeout:  serialTimeout,
		},
		Backend: BackendGridX,
	}
}

// ApplyParams overrides the configuration from loosely typed connect
// parameters: baud_rate, data_bits, stop_bits, parity, backend and rs485.
func (d *SerialDialer) ApplyParams(params map[string]any) error {
	var err error
	for key, v := range params {
		switch key {
		case "baud_rate":
			d.BaudRate, err = cast.ToIntE(v)
		case "data_bits":
			d.DataBits, err = cast.ToIntE(v)
		case "stop_bits":
			d.StopBits, err = cast.ToIntE(v)
		case "parity":
			var p string
			if p, err = cast.ToStringE(v); err == nil {
				d.Parity, err = normalizeParity(p)
			}
		case "timeout":
			d.Timeout, err = cast.ToDurationE(v)
		case "backend":
			var b string
			if b, err = cast.ToStringE(v); err == nil {
				d.Backend = SerialBackend(strings.ToLower(b))
			}
		case "rs485":
			d.RS485.Enabled, err = cast.ToBoolE(v)
		}
		if err != nil {
			return fmt.Errorf("serial parameter %s: %w", key, err)
		}
	}
	return nil
}

func normalizeParity(p string) (string, error) {
	switch strings.ToUpper(p) {
	case "N", "NONE":
		return "N", nil
	case "E", "EVEN":
		return "E", nil
	case "O", "ODD":
		return "O", nil
	}
	return "", fmt.Errorf("unknown parity %q", p)
}

// Dial opens the port.
func (d *SerialDialer) Dial(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		rwc io.ReadWriteCloser
		err error
	)
	switch d.Backend {
	case "", BackendGridX:
		rwc, err = d.openGridX()
	case BackendBugst:
		rwc, err = d.openBugst()
	default:
		err = fmt.Errorf("unknown serial backend %q", d.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", d.Address, err)
	}
	return NewStream(rwc, logger(d.Logger).With(zap.String("port", d.Address))), nil
}

func (d *SerialDialer) openGridX() (io.ReadWriteCloser, error) {
	port, err := serial.Open(&d.Config)
	if err != nil {
		return nil, err
	}
	return &pollingPort{ReadWriteCloser: port}, nil
}

func (d *SerialDialer) openBugst() (io.ReadWriteCloser, error) {
	mode := &bugst.Mode{
		BaudRate: d.BaudRate,
		DataBits: d.DataBits,
		StopBits: bugst.OneStopBit,
		Parity:   bugst.NoParity,
	}
	if d.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	switch d.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	}
	port, err := bugst.Open(d.Address, mode)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		if err := port.SetReadTimeout(d.Timeout); err != nil {
			port.Close()
			return nil, err
		}
	}
	return port, nil
}

// pollingPort turns read timeouts of the port into empty reads so the
// stream keeps reading.
type pollingPort struct {
	io.ReadWriteCloser
}

func (p *pollingPort) Read(b []byte) (int, error) {
	n, err := p.ReadWriteCloser.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}
