// Copyright 2018 xft. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straticus1/aeimsLib-sub001/framed"
	"github.com/straticus1/aeimsLib-sub001/internal/modbustest"
	"github.com/straticus1/aeimsLib-sub001/modbus"
	"github.com/straticus1/aeimsLib-sub001/protocol"
	"github.com/straticus1/aeimsLib-sub001/transport"
)

func connectHandler(t *testing.T, h protocol.Handler, address string) {
	t.Helper()
	require.NoError(t, h.Connect(context.Background(), protocol.ConnectOptions{Address: address, Timeout: time.Second}))
	t.Cleanup(func() { _ = h.Disconnect(context.Background()) })
}

func TestRTUOverTCPClient(t *testing.T) {
	bank := modbustest.NewBank()
	bank.SetDiscreteInputs(15, true, false)
	addr := modbustest.ListenRTU(t, 17, bank)

	reg := protocol.NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, modbus.Register(reg, modbus.Options{
		RTU:    modbus.RTUConfig{Dialer: transport.NewTCPDialer(addr), Timeout: time.Second},
		Logger: zaptest.NewLogger(t),
	}))
	h, err := reg.CreateHandler(modbus.ProtocolRTU)
	require.NoError(t, err)
	connectHandler(t, h, addr)

	ctx := context.Background()
	client := modbus.NewClient(h, 17)

	bits, err := client.ReadDiscreteInputs(ctx, 15, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, bits)

	require.NoError(t, client.WriteMultipleRegisters(ctx, 1, []uint16{3, 4}))
	assert.Equal(t, []uint16{3, 4}, bank.Holding(1, 2))

	coils := []bool{false, false, true, false, false, false, false, false, true, true}
	require.NoError(t, client.WriteMultipleCoils(ctx, 5, coils))
	for i, want := range coils {
		assert.Equal(t, want, bank.Coil(uint16(5+i)), "coil %d", 5+i)
	}

	// another unit on the same line never answers
	other := modbus.NewClient(h, 18)
	_, err = other.ReadHoldingRegisters(ctx, 0, 1)
	assert.Equal(t, protocol.KindTimeout, protocol.KindOf(err))
}

func TestMixedDevices(t *testing.T) {
	plc := modbustest.NewBank()
	plc.SetHolding(0, 1200, 1300)
	plcAddr := modbustest.ListenTCP(t, plc)

	meter := modbustest.NewBank()
	meter.SetInput(0x10, 230)
	meterAddr := modbustest.ListenRTU(t, 3, meter)

	reg := protocol.NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, modbus.Register(reg, modbus.Options{
		RTU:    modbus.RTUConfig{Dialer: transport.NewTCPDialer(meterAddr), Timeout: time.Second},
		TCP:    modbus.TCPConfig{Timeout: time.Second},
		Logger: zaptest.NewLogger(t),
	}))
	require.NoError(t, framed.Register(reg, framed.Config{}, protocol.Options{}))

	plcHandler, found, err := reg.CreateHandlerForDevice(protocol.DeviceInfo{ID: "plc", Transport: "tcp", Address: plcAddr})
	require.NoError(t, err)
	assert.Equal(t, modbus.ProtocolTCP, found.ID, "unmatched devices use the default")
	connectHandler(t, plcHandler, plcAddr)

	meterHandler, found, err := reg.CreateHandlerForDevice(protocol.DeviceInfo{
		ID:        "meter",
		Transport: "rs485",
		Address:   meterAddr,
		Metadata:  map[string]string{"protocol": "modbus-rtu"},
	})
	require.NoError(t, err)
	assert.Equal(t, modbus.ProtocolRTU, found.ID)
	connectHandler(t, meterHandler, meterAddr)

	ctx := context.Background()
	regs, err := modbus.NewClient(plcHandler, 1).ReadHoldingRegisters(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1200, 1300}, regs)

	regs, err = modbus.NewClient(meterHandler, 3).ReadInputRegisters(ctx, 0x10, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{230}, regs)

	found, err = reg.FindForDevice(protocol.DeviceInfo{Transport: "tcp", Metadata: map[string]string{"protocol": "framed"}})
	require.NoError(t, err)
	assert.Equal(t, framed.ProtocolID, found.ID)
}
