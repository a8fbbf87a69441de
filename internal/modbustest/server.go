// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbustest provides an in-memory MODBUS server for tests.
package modbustest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/straticus1/aeimsLib-sub001/modbus"
)

// Bank is the data model of a server: coils, discrete inputs, holding and
// input registers, each with 65536 entries.
type Bank struct {
	mu       sync.Mutex
	coils    [1 << 16]bool
	inputs   [1 << 16]bool
	holding  [1 << 16]uint16
	input    [1 << 16]uint16
	fifo     []uint16
	status   byte
	serverID []byte
	requests map[byte]int
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{serverID: []byte{0x42, 0xFF}, requests: make(map[byte]int)}
}

// Requests returns how many requests with function code fc were handled.
func (b *Bank) Requests(fc byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[fc]
}

// SetHolding stores values from address on.
func (b *Bank) SetHolding(address uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.holding[int(address)+i] = v
	}
}

// Holding returns quantity registers from address on.
func (b *Bank) Holding(address, quantity uint16) []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, quantity)
	copy(out, b.holding[address:int(address)+int(quantity)])
	return out
}

// SetInput stores input register values from address on.
func (b *Bank) SetInput(address uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.input[int(address)+i] = v
	}
}

// SetDiscreteInputs stores discrete input states from address on.
func (b *Bank) SetDiscreteInputs(address uint16, values ...bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range values {
		b.inputs[int(address)+i] = v
	}
}

// Coil returns the state of a coil.
func (b *Bank) Coil(address uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coils[address]
}

// SetFIFO sets the content of the FIFO queue.
func (b *Bank) SetFIFO(values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifo = append([]uint16(nil), values...)
}

// SetExceptionStatus sets the byte returned by Read Exception Status.
func (b *Bank) SetExceptionStatus(status byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func exception(fc byte, code byte) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{FunctionCode: fc | 0x80, Data: []byte{code}}
}

func inRange(address, quantity uint16) bool {
	return int(address)+int(quantity) <= 1<<16
}

// Handle executes a request PDU and returns the response PDU.
func (b *Bank) Handle(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	b.mu.Lock()
	defer b.mu.Unlock()

	fc, d := req.FunctionCode, req.Data
	b.requests[fc]++
	u16 := func(i int) uint16 { return binary.BigEndian.Uint16(d[i:]) }
	need := func(n int) bool { return len(d) >= n }

	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if !need(4) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address, quantity := u16(0), u16(2)
		if !inRange(address, quantity) {
			return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		src := b.coils[:]
		if fc == modbus.FuncCodeReadDiscreteInputs {
			src = b.inputs[:]
		}
		out := make([]byte, 1+(int(quantity)+7)/8)
		out[0] = byte(len(out) - 1)
		for i := 0; i < int(quantity); i++ {
			if src[int(address)+i] {
				out[1+i/8] |= 1 << (i % 8)
			}
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if !need(4) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address, quantity := u16(0), u16(2)
		if !inRange(address, quantity) {
			return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		src := b.holding[:]
		if fc == modbus.FuncCodeReadInputRegisters {
			src = b.input[:]
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: registerData(src[address : int(address)+int(quantity)])}
	case modbus.FuncCodeWriteSingleCoil:
		if !need(4) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		switch u16(2) {
		case 0xFF00:
			b.coils[u16(0)] = true
		case 0x0000:
			b.coils[u16(0)] = false
		default:
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), d[:4]...)}
	case modbus.FuncCodeWriteSingleRegister:
		if !need(4) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		b.holding[u16(0)] = u16(2)
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), d[:4]...)}
	case modbus.FuncCodeWriteMultipleCoils:
		if !need(5) || len(d) != 5+int(d[4]) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address, quantity := u16(0), u16(2)
		if int(d[4]) != (int(quantity)+7)/8 {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		if !inRange(address, quantity) {
			return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		for i := 0; i < int(quantity); i++ {
			b.coils[int(address)+i] = d[5+i/8]&(1<<(i%8)) != 0
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), d[:4]...)}
	case modbus.FuncCodeWriteMultipleRegisters:
		if !need(5) || len(d) != 5+int(d[4]) || int(d[4]) != 2*int(u16(2)) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address, quantity := u16(0), u16(2)
		if !inRange(address, quantity) {
			return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		for i := 0; i < int(quantity); i++ {
			b.holding[int(address)+i] = u16(5 + 2*i)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), d[:4]...)}
	case modbus.FuncCodeMaskWriteRegister:
		if !need(6) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address, and, or := u16(0), u16(2), u16(4)
		b.holding[address] = (b.holding[address] & and) | (or &^ and)
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), d[:6]...)}
	case modbus.FuncCodeReadWriteMultipleRegisters:
		if !need(9) || len(d) != 9+int(d[8]) {
			return exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		readAddress, readQuantity := u16(0), u16(2)
		writeAddress, writeQuantity := u16(4), u16(6)
		if !inRange(readAddress, readQuantity) || !inRange(writeAddress, writeQuantity) {
			return exception(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		// the write is performed before the read
		for i := 0; i < int(writeQuantity); i++ {
			b.holding[int(writeAddress)+i] = u16(9 + 2*i)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: registerData(b.holding[readAddress : int(readAddress)+int(readQuantity)])}
	case modbus.FuncCodeReadFIFOQueue:
		out := make([]byte, 4+2*len(b.fifo))
		binary.BigEndian.PutUint16(out, uint16(2+2*len(b.fifo)))
		binary.BigEndian.PutUint16(out[2:], uint16(len(b.fifo)))
		for i, v := range b.fifo {
			binary.BigEndian.PutUint16(out[4+2*i:], v)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
	case modbus.FuncCodeReadExceptionStatus:
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: []byte{b.status}}
	case modbus.FuncCodeReportServerID:
		out := append([]byte{byte(len(b.serverID))}, b.serverID...)
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
	}
	return exception(fc, modbus.ExceptionCodeIllegalFunction)
}

func registerData(regs []uint16) []byte {
	out := make([]byte, 1+2*len(regs))
	out[0] = byte(2 * len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out
}

// ServeTCP answers MBAP framed requests on conn until it fails.
func ServeTCP(conn net.Conn, bank *Bank) error {
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		length := int(binary.BigEndian.Uint16(header[4:]))
		if length < 2 {
			return errors.New("modbustest: invalid length")
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return err
		}
		resp := bank.Handle(&modbus.ProtocolDataUnit{FunctionCode: body[0], Data: body[1:]})
		if _, err := conn.Write(EncodeTCP(binary.BigEndian.Uint16(header), header[6], resp)); err != nil {
			return err
		}
	}
}

// EncodeTCP builds an MBAP frame.
func EncodeTCP(transactionID uint16, unitID byte, pdu *modbus.ProtocolDataUnit) []byte {
	adu := make([]byte, 8+len(pdu.Data))
	binary.BigEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[4:], uint16(2+len(pdu.Data)))
	adu[6] = unitID
	adu[7] = pdu.FunctionCode
	copy(adu[8:], pdu.Data)
	return adu
}

// ServeRTU answers RTU framed requests addressed to unitID on conn until it
// fails. Broadcasts are executed without an answer.
func ServeRTU(conn net.Conn, unitID byte, bank *Bank) error {
	for {
		adu, err := readRTURequest(conn)
		if err != nil {
			return err
		}
		n := len(adu)
		if modbus.CRC16(adu[:n-2]) != uint16(adu[n-2])|uint16(adu[n-1])<<8 {
			continue
		}
		if adu[0] != unitID && adu[0] != 0 {
			continue
		}
		resp := bank.Handle(&modbus.ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : n-2]})
		if adu[0] == 0 {
			continue
		}
		if _, err := conn.Write(EncodeRTU(unitID, resp)); err != nil {
			return err
		}
	}
}

// EncodeRTU builds an RTU frame.
func EncodeRTU(unitID byte, pdu *modbus.ProtocolDataUnit) []byte {
	adu := make([]byte, 0, 4+len(pdu.Data))
	adu = append(adu, unitID, pdu.FunctionCode)
	adu = append(adu, pdu.Data...)
	crc := modbus.CRC16(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// readRTURequest reads one request frame, its length derived from the
// function code.
func readRTURequest(r io.Reader) ([]byte, error) {
	adu := make([]byte, 2, 260)
	if _, err := io.ReadFull(r, adu); err != nil {
		return nil, err
	}
	var rest int
	switch adu[1] {
	case modbus.FuncCodeReadExceptionStatus, modbus.FuncCodeReportServerID:
		rest = 0
	case modbus.FuncCodeReadFIFOQueue:
		rest = 2
	case modbus.FuncCodeMaskWriteRegister:
		rest = 6
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		prefix := make([]byte, 5)
		if _, err := io.ReadFull(r, prefix); err != nil {
			return nil, err
		}
		adu = append(adu, prefix...)
		rest = int(prefix[4])
	case modbus.FuncCodeReadWriteMultipleRegisters:
		prefix := make([]byte, 9)
		if _, err := io.ReadFull(r, prefix); err != nil {
			return nil, err
		}
		adu = append(adu, prefix...)
		rest = int(prefix[8])
	default:
		rest = 4
	}
	tail := make([]byte, rest+2)
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, err
	}
	return append(adu, tail...), nil
}

// ListenTCP serves bank over MODBUS TCP on a loopback port until the test
// ends, and returns the address.
func ListenTCP(t testing.TB, bank *Bank) string {
	t.Helper()
	return listen(t, func(conn net.Conn) error { return ServeTCP(conn, bank) })
}

// ListenRTU serves bank as unit unitID with RTU framing over TCP, the way a
// serial gateway does.
func ListenRTU(t testing.TB, unitID byte, bank *Bank) string {
	t.Helper()
	return listen(t, func(conn net.Conn) error { return ServeRTU(conn, unitID, bank) })
}

func listen(t testing.TB, serve func(net.Conn) error) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				_ = serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return l.Addr().String()
}
