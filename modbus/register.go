// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/straticus1/aeimsLib-sub001/protocol"
)

// Protocol ids in the registry.
const (
	ProtocolRTU = "modbus-rtu"
	ProtocolTCP = "modbus-tcp"

	version = "1.0.0"
)

// Options parametrizes the handlers created by registered factories.
type Options struct {
	RTU     RTUConfig
	TCP     TCPConfig
	Runtime protocol.Options
	Logger  *zap.Logger
}

// Register adds MODBUS RTU and MODBUS TCP to reg. TCP is the default.
func Register(reg *protocol.Registry, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runtime.Logger == nil {
		opts.Runtime.Logger = opts.Logger
	}
	if opts.RTU.Logger == nil {
		opts.RTU.Logger = opts.Logger
	}
	if opts.TCP.Logger == nil {
		opts.TCP.Logger = opts.Logger
	}

	rtuCaps := RTUCapabilities()
	err := reg.Register(protocol.Registration{
		ID:           ProtocolRTU,
		Name:         "MODBUS RTU",
		Version:      version,
		Capabilities: &rtuCaps,
		Factory: func() (protocol.Handler, error) {
			return NewRTUHandler(opts.RTU, opts.Runtime), nil
		},
		Matcher: matchRTU,
	})
	if err != nil {
		return err
	}

	tcpCaps := TCPCapabilities(opts.TCP.maxTransactions())
	return reg.Register(protocol.Registration{
		ID:           ProtocolTCP,
		Name:         "MODBUS TCP",
		Version:      version,
		Capabilities: &tcpCaps,
		Factory: func() (protocol.Handler, error) {
			return NewTCPHandler(opts.TCP, opts.Runtime), nil
		},
		Matcher: matchTCP,
		Default: true,
	})
}

func declared(info protocol.DeviceInfo) string {
	return strings.ToLower(info.Metadata["protocol"])
}

// matchRTU accepts serial devices that declare MODBUS.
func matchRTU(info protocol.DeviceInfo) bool {
	switch strings.ToLower(info.Transport) {
	case "serial", "rs485", "rs232":
	default:
		return declared(info) == ProtocolRTU
	}
	p := declared(info)
	return p == "modbus" || p == ProtocolRTU
}

// matchTCP accepts network devices that declare MODBUS or listen on port 502.
func matchTCP(info protocol.DeviceInfo) bool {
	if strings.ToLower(info.Transport) != "tcp" {
		return declared(info) == ProtocolTCP
	}
	if p := declared(info); p == "modbus" || p == ProtocolTCP {
		return true
	}
	_, port, err := net.SplitHostPort(info.Address)
	return err == nil && port == "502"
}
