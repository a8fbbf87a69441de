// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "context"

// Client declares the functionality of a Modbus client regardless of the underlying transport stream.
type Client interface {
	// Bit access

	// ReadCoils reads from 1 to 2000 contiguous status of coils in a
	// remote device and returns coil status.
	ReadCoils(ctx context.Context, address, quantity uint16) (results []bool, err error)
	// ReadDiscreteInputs reads from 1 to 2000 contiguous status of
	// discrete inputs in a remote device and returns input status.
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []bool, err error)
	// WriteSingleCoil write a single output to either ON or OFF in a
	// remote device.
	WriteSingleCoil(ctx context.Context, address uint16, value bool) error
	// WriteMultipleCoils forces each coil in a sequence of coils to either
	// ON or OFF in a remote device.
	WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error

	// 16-bit access

	// ReadInputRegisters reads from 1 to 125 contiguous input registers in
	// a remote device and returns input registers.
	ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []uint16, err error)
	// ReadHoldingRegisters reads the contents of a contiguous block of
	// holding registers in a remote device and returns register value.
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []uint16, err error)
	// WriteSingleRegister writes a single holding register in a remote
	// device.
	WriteSingleRegister(ctx context.Context, address, value uint16) error
	// WriteMultipleRegisters writes a block of contiguous registers
	// (1 to 123 registers) in a remote device.
	WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error
	// ReadWriteMultipleRegisters performs a combination of one read
	// operation and one write operation. It returns read registers value.
	ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress uint16, values []uint16) (results []uint16, err error)
	// MaskWriteRegister modify the contents of a specified holding
	// register using a combination of an AND mask, an OR mask, and the
	// register's current contents.
	MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error
	// ReadFIFOQueue reads the contents of a First-In-First-Out (FIFO) queue
	// of register in a remote device and returns FIFO value register.
	ReadFIFOQueue(ctx context.Context, address uint16) (results []uint16, err error)

	// Diagnostics

	// ReadExceptionStatus reads the eight exception status outputs.
	ReadExceptionStatus(ctx context.Context) (status byte, err error)
	// ReportServerID returns the server id, run indicator and additional
	// data of a remote device, as sent.
	ReportServerID(ctx context.Context) (results []byte, err error)
}
