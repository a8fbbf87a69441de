// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"

	"github.com/straticus1/aeimsLib-sub001/protocol"
)

type client struct {
	handler protocol.Handler
	unitID  byte
}

// NewClient creates a modbus client that addresses unitID through handler,
// usually a runtime created by NewRTUHandler, NewTCPHandler or the registry.
func NewClient(handler protocol.Handler, unitID byte) Client {
	return &client{handler: handler, unitID: unitID}
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadCoils, Address: address, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return resp.Bools(), nil
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadDiscreteInputs, Address: address, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return resp.Bools(), nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadHoldingRegisters, Address: address, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : N bytes
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadInputRegisters, Address: address, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (mb *client) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	var state uint16
	if value {
		state = 0xFF00
	}
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeWriteSingleCoil, Address: address, Values: []uint16{state}})
	if err != nil {
		return err
	}
	return checkEcho(resp, state)
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeWriteSingleRegister, Address: address, Values: []uint16{value}})
	if err != nil {
		return err
	}
	return checkEcho(resp, value)
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (mb *client) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error {
	states := make([]uint16, len(values))
	for i, v := range values {
		if v {
			states[i] = 1
		}
	}
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeWriteMultipleCoils, Address: address, Values: states})
	if err != nil {
		return err
	}
	return checkEcho(resp, uint16(len(values)))
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (mb *client) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeWriteMultipleRegisters, Address: address, Values: values})
	if err != nil {
		return err
	}
	return checkEcho(resp, uint16(len(values)))
}

// Request:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
func (mb *client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeMaskWriteRegister, Address: address, Values: []uint16{andMask, orMask}})
	if err != nil {
		return err
	}
	if len(resp.Values) < 2 {
		return nil
	}
	if resp.Values[0] != andMask {
		return fmt.Errorf("modbus: response AND-mask '%v' does not match request '%v'", resp.Values[0], andMask)
	}
	if resp.Values[1] != orMask {
		return fmt.Errorf("modbus: response OR-mask '%v' does not match request '%v'", resp.Values[1], orMask)
	}
	return nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (mb *client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	resp, err := mb.send(ctx, &Request{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Address:      readAddress,
		Quantity:     readQuantity,
		WriteAddress: writeAddress,
		Values:       values,
	})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x18)
//	FIFO pointer address  : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x18)
//	Byte count            : 2 bytes
//	FIFO count            : 2 bytes
//	FIFO count            : 2 bytes (<=31)
//	FIFO value register   : Nx2 bytes
func (mb *client) ReadFIFOQueue(ctx context.Context, address uint16) ([]uint16, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadFIFOQueue, Address: address})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x07)
//
// Response:
//
//	Function code         : 1 byte (0x07)
//	Output data           : 1 byte
func (mb *client) ReadExceptionStatus(ctx context.Context) (byte, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReadExceptionStatus})
	if err != nil {
		return 0, err
	}
	return byte(resp.Values[0]), nil
}

// Request:
//
//	Function code         : 1 byte (0x11)
//
// Response:
//
//	Function code         : 1 byte (0x11)
//	Byte count            : 1 byte
//	Server ID             : device specific
//	Run indicator status  : 1 byte
//	Additional data       : device specific
func (mb *client) ReportServerID(ctx context.Context) ([]byte, error) {
	resp, err := mb.send(ctx, &Request{FunctionCode: FuncCodeReportServerID})
	if err != nil {
		return nil, err
	}
	return resp.Data[1:], nil
}

func (mb *client) send(ctx context.Context, req *Request) (*Response, error) {
	req.UnitID = mb.unitID
	res, err := mb.handler.SendCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := res.(*Response)
	if !ok {
		return nil, fmt.Errorf("modbus: unexpected result %T", res)
	}
	return resp, nil
}

// checkEcho compares the value echoed by a write with the one sent.
func checkEcho(resp *Response, value uint16) error {
	// Broadcasts carry no echo
	if len(resp.Values) < 2 {
		return nil
	}
	if resp.Values[1] != value {
		return fmt.Errorf("modbus: response value '%v' does not match request '%v'", resp.Values[1], value)
	}
	return nil
}
