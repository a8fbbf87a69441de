// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// Request is one MODBUS command addressed to a unit.
type Request struct {
	UnitID       byte
	FunctionCode byte
	// Address is the starting address, or the read address of a
	// read/write multiple registers request.
	Address  uint16
	Quantity uint16
	// WriteAddress is the write address of a read/write multiple registers
	// request.
	WriteAddress uint16
	// Values are register values, or coil states as 0/1 for coil writes.
	// A mask write register request carries the AND and the OR mask.
	Values []uint16
	// Data is sent verbatim for function codes without a structured encoding
	// (file records).
	Data []byte
}

// Response is the decoded answer to a Request.
type Response struct {
	UnitID       byte
	FunctionCode byte
	// Data is the PDU data after the function code.
	Data []byte
	// Values holds registers, coil states (0/1), the echoed address and
	// value/quantity of a write, or the status byte of an exception status read.
	Values []uint16
}

// Bools returns Values as booleans, for coil and discrete input reads.
func (r *Response) Bools() []bool {
	out := make([]bool, len(r.Values))
	for i, v := range r.Values {
		out[i] = v != 0
	}
	return out
}

// PDU encodes the request, checking that quantity and values agree with what
// the function code puts on the wire.
//
// Request:
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity / value      : 2 bytes
//	Byte count            : 1 byte (multiple writes only)
//	Values                : N bytes (multiple writes only)
func (r *Request) PDU() (*ProtocolDataUnit, error) {
	pdu := &ProtocolDataUnit{FunctionCode: r.FunctionCode}
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if r.Quantity < 1 || r.Quantity > 2000 {
			return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", r.Quantity, 1, 2000)
		}
		pdu.Data = dataBlock(r.Address, r.Quantity)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if r.Quantity < 1 || r.Quantity > 125 {
			return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", r.Quantity, 1, 125)
		}
		pdu.Data = dataBlock(r.Address, r.Quantity)
	case FuncCodeWriteSingleCoil:
		if len(r.Values) != 1 {
			return nil, fmt.Errorf("modbus: write single coil takes exactly one value, got '%v'", len(r.Values))
		}
		// The requested ON/OFF state can only be 0xFF00 and 0x0000
		var state uint16
		switch r.Values[0] {
		case 0:
		case 1, 0xFF00:
			state = 0xFF00
		default:
			return nil, fmt.Errorf("modbus: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", r.Values[0])
		}
		pdu.Data = dataBlock(r.Address, state)
	case FuncCodeWriteSingleRegister:
		if len(r.Values) != 1 {
			return nil, fmt.Errorf("modbus: write single register takes exactly one value, got '%v'", len(r.Values))
		}
		pdu.Data = dataBlock(r.Address, r.Values[0])
	case FuncCodeReadExceptionStatus, FuncCodeReportServerID:
		// function code only
	case FuncCodeWriteMultipleCoils:
		quantity, err := r.quantityOfValues(1968)
		if err != nil {
			return nil, err
		}
		pdu.Data = dataBlockSuffix(packBits(r.Values), r.Address, quantity)
	case FuncCodeWriteMultipleRegisters:
		quantity, err := r.quantityOfValues(123)
		if err != nil {
			return nil, err
		}
		pdu.Data = dataBlockSuffix(registerBytes(r.Values), r.Address, quantity)
	case FuncCodeMaskWriteRegister:
		if len(r.Values) != 2 {
			return nil, fmt.Errorf("modbus: mask write register takes an AND and an OR mask, got '%v' values", len(r.Values))
		}
		pdu.Data = dataBlock(r.Address, r.Values[0], r.Values[1])
	case FuncCodeReadWriteMultipleRegisters:
		if r.Quantity < 1 || r.Quantity > 125 {
			return nil, fmt.Errorf("modbus: quantity to read '%v' must be between '%v' and '%v',", r.Quantity, 1, 125)
		}
		if len(r.Values) < 1 || len(r.Values) > 121 {
			return nil, fmt.Errorf("modbus: quantity to write '%v' must be between '%v' and '%v',", len(r.Values), 1, 121)
		}
		pdu.Data = dataBlockSuffix(registerBytes(r.Values), r.Address, r.Quantity, r.WriteAddress, uint16(len(r.Values)))
	case FuncCodeReadFIFOQueue:
		pdu.Data = dataBlock(r.Address)
	default:
		if r.Data == nil {
			return nil, fmt.Errorf("modbus: function code '%v' needs raw data", r.FunctionCode)
		}
		pdu.Data = append([]byte(nil), r.Data...)
	}
	return pdu, nil
}

// quantityOfValues checks that an explicit Quantity agrees with Values.
func (r *Request) quantityOfValues(max int) (uint16, error) {
	n := len(r.Values)
	if n < 1 || n > max {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v',", n, 1, max)
	}
	if r.Quantity != 0 && int(r.Quantity) != n {
		return 0, fmt.Errorf("modbus: quantity '%v' does not match number of values '%v'", r.Quantity, n)
	}
	return uint16(n), nil
}

// broadcastable reports whether a request with function code fc may be sent
// to unit 0, which no server answers.
func broadcastable(fc byte) bool {
	switch fc {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters, FuncCodeMaskWriteRegister, FuncCodeWriteFileRecord:
		return true
	}
	return false
}

// parseResponse checks pdu against the request it answers.
func parseResponse(req *Request, unitID byte, pdu *ProtocolDataUnit) (*Response, error) {
	// Check correct function code returned (exception)
	if pdu.FunctionCode == req.FunctionCode|exceptionBit {
		return nil, responseError(pdu)
	}
	if pdu.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", pdu.FunctionCode, req.FunctionCode)
	}
	if len(pdu.Data) == 0 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	resp := &Response{UnitID: unitID, FunctionCode: pdu.FunctionCode, Data: pdu.Data}

	switch req.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		data, err := countedData(pdu.Data)
		if err != nil {
			return nil, err
		}
		if want := (int(req.Quantity) + 7) / 8; len(data) != want {
			return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", len(data), req.Quantity)
		}
		resp.Values = unpackBits(data, int(req.Quantity))
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		data, err := countedData(pdu.Data)
		if err != nil {
			return nil, err
		}
		if len(data) != 2*int(req.Quantity) {
			return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", len(data), req.Quantity)
		}
		resp.Values = registers(data)
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		// Fixed response length
		if len(pdu.Data) != 4 {
			return nil, fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(pdu.Data), 4)
		}
		respValue := binary.BigEndian.Uint16(pdu.Data)
		if req.Address != respValue {
			return nil, fmt.Errorf("modbus: response address '%v' does not match request '%v'", respValue, req.Address)
		}
		resp.Values = registers(pdu.Data)
	case FuncCodeMaskWriteRegister:
		if len(pdu.Data) != 6 {
			return nil, fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(pdu.Data), 6)
		}
		respValue := binary.BigEndian.Uint16(pdu.Data)
		if req.Address != respValue {
			return nil, fmt.Errorf("modbus: response address '%v' does not match request '%v'", respValue, req.Address)
		}
		resp.Values = registers(pdu.Data[2:])
	case FuncCodeReadExceptionStatus:
		if len(pdu.Data) != 1 {
			return nil, fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(pdu.Data), 1)
		}
		resp.Values = []uint16{uint16(pdu.Data[0])}
	case FuncCodeReadFIFOQueue:
		// Byte count : 2 bytes, FIFO count : 2 bytes, FIFO value register : Nx2 bytes
		if len(pdu.Data) < 4 {
			return nil, fmt.Errorf("modbus: response data size '%v' is less than expected '%v'", len(pdu.Data), 4)
		}
		count := int(binary.BigEndian.Uint16(pdu.Data))
		if count != len(pdu.Data)-2 {
			return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(pdu.Data)-2, count)
		}
		fifo := int(binary.BigEndian.Uint16(pdu.Data[2:]))
		if fifo > 31 {
			return nil, fmt.Errorf("modbus: fifo count '%v' is greater than expected '%v'", fifo, 31)
		}
		if len(pdu.Data[4:]) != 2*fifo {
			return nil, fmt.Errorf("modbus: fifo data size '%v' does not match fifo count '%v'", len(pdu.Data[4:]), fifo)
		}
		resp.Values = registers(pdu.Data[4:])
	case FuncCodeReportServerID:
		if _, err := countedData(pdu.Data); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// countedData returns the bytes announced by the leading byte count.
func countedData(data []byte) ([]byte, error) {
	count := int(data[0])
	length := len(data) - 1
	if count != length {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", length, count)
	}
	return data[1:], nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func registerBytes(values []uint16) []byte {
	return dataBlock(values...)
}

func registers(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}

// packBits packs coil states LSB first.
func packBits(values []uint16) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v != 0 {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func unpackBits(data []byte, quantity int) []uint16 {
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = uint16(data[i/8]>>(uint(i)%8)) & 1
	}
	return out
}
