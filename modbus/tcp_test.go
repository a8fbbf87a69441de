// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestTCPEncoding(t *testing.T) {
	pdu := ProtocolDataUnit{}
	pdu.FunctionCode = 3
	pdu.Data = []byte{0, 4, 0, 3}

	adu, err := encodeTCP(1, 0, &pdu)
	if err != nil {
		t.Fatal(err)
	}

	expected := []byte{0, 1, 0, 0, 0, 6, 0, 3, 0, 4, 0, 3}
	if !bytes.Equal(expected, adu) {
		t.Fatalf("Expected %v, actual %v", expected, adu)
	}
}

func TestTCPHeaderLength(t *testing.T) {
	// a 4 byte PDU and the unit id
	adu, err := encodeTCP(0x1234, 1, &ProtocolDataUnit{FunctionCode: FuncCodeReadFileRecord, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0, 0, 0, 5, 1}, adu[:tcpHeaderSize])

	_, err = encodeTCP(1, 1, &ProtocolDataUnit{FunctionCode: 0x10, Data: make([]byte, tcpMaxLength-tcpHeaderSize)})
	assert.Error(t, err)
}

func TestTCPDecoding(t *testing.T) {
	adu := []byte{0, 1, 0, 0, 0, 6, 17, 3, 0, 120, 0, 3}

	id, unitID, pdu, err := decodeTCP(adu)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint16(1), id)
	assert.Equal(t, byte(17), unitID)

	if 3 != pdu.FunctionCode {
		t.Fatalf("Function code: expected %v, actual %v", 3, pdu.FunctionCode)
	}
	expected := []byte{0, 120, 0, 3}
	if !bytes.Equal(expected, pdu.Data) {
		t.Fatalf("Data: expected %v, actual %v", expected, adu)
	}

	_, _, _, err = decodeTCP([]byte{0, 1, 0, 1, 0, 2, 17, 3})
	assert.ErrorContains(t, err, "protocol id")

	_, _, _, err = decodeTCP([]byte{0, 1, 0, 0, 0, 9, 17, 3})
	assert.ErrorContains(t, err, "does not match")
}

func TestTCPEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.Uint16().Draw(t, "transactionID")
		unitID := rapid.Byte().Draw(t, "unitID")
		pdu := &ProtocolDataUnit{
			FunctionCode: rapid.Byte().Draw(t, "functionCode"),
			Data:         rapid.SliceOfN(rapid.Byte(), 0, tcpMaxLength-tcpHeaderSize-1).Draw(t, "data"),
		}

		raw, err := encodeTCP(id, unitID, pdu)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}
		n, err := tcpFrameLength(raw)
		if err != nil || n != len(raw) {
			t.Fatalf("frame length %v (%v), want %v", n, err, len(raw))
		}

		gotID, gotUnitID, dpdu, err := decodeTCP(raw)
		if err != nil {
			t.Fatalf("error while decoding: %+v", err)
		}
		if gotID != id || gotUnitID != unitID {
			t.Errorf("header %v/%v, want %v/%v", gotID, gotUnitID, id, unitID)
		}
		if !cmp.Equal(pdu, dpdu, cmpopts.EquateEmpty()) {
			t.Errorf("invalid pdu: %s", cmp.Diff(pdu, dpdu, cmpopts.EquateEmpty()))
		}
	})
}

func TestTCPFrameLength(t *testing.T) {
	n, err := tcpFrameLength([]byte{0, 1, 0, 0, 0})
	require.NoError(t, err)
	assert.Zero(t, n, "prefix incomplete")

	n, err = tcpFrameLength([]byte{0, 1, 0, 0, 0, 6})
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	for _, length := range []byte{0, 1} {
		_, err = tcpFrameLength([]byte{0, 1, 0, 0, 0, length})
		var lengthErr ErrTCPHeaderLength
		assert.ErrorAs(t, err, &lengthErr)
	}
	_, err = tcpFrameLength([]byte{0, 1, 0, 0, 0x01, 0x00})
	assert.Error(t, err)
}

func TestTCPTransactionIDs(t *testing.T) {
	p := NewTCPProtocol(TCPConfig{Logger: zaptest.NewLogger(t)})

	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Equal(t, uint16(1), p.allocateIDLocked())
	assert.Equal(t, uint16(2), p.allocateIDLocked())

	// outstanding ids are skipped
	p.transactions[3] = newPending(3, 1)
	p.transactions[4] = newPending(4, 1)
	assert.Equal(t, uint16(5), p.allocateIDLocked())

	// the counter wraps and keeps skipping
	p.nextID = 0xFFFF
	p.transactions[0] = newPending(0, 1)
	assert.Equal(t, uint16(0xFFFF), p.allocateIDLocked())
	assert.Equal(t, uint16(1), p.allocateIDLocked())
}

func TestTCPTransactionIDsUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewTCPProtocol(TCPConfig{})
		p.nextID = rapid.Uint16().Draw(t, "start")
		outstanding := rapid.IntRange(1, 300).Draw(t, "outstanding")

		p.mu.Lock()
		defer p.mu.Unlock()
		for i := 0; i < outstanding; i++ {
			id := p.allocateIDLocked()
			if _, dup := p.transactions[id]; dup {
				t.Fatalf("id %v allocated twice", id)
			}
			p.transactions[id] = newPending(id, 1)
		}
	})
}

func TestTCPReassembly(t *testing.T) {
	p := NewTCPProtocol(TCPConfig{Logger: zaptest.NewLogger(t)})
	tx := newPending(7, 1)
	p.transactions[7] = tx

	frame := []byte{0, 7, 0, 0, 0, 5, 1, 3, 2, 0, 42}
	// garbage for an unknown transaction in front, then the frame in pieces
	unknown := []byte{0, 9, 0, 0, 0, 3, 1, 7, 0}
	buf := p.reassemble(append(unknown, frame[:4]...))
	assert.Equal(t, frame[:4], buf)
	assert.Empty(t, tx.replies)

	buf = p.reassemble(append(buf, frame[4:]...))
	assert.Empty(t, buf)
	require.Len(t, tx.replies, 1)
	r := <-tx.replies
	assert.Equal(t, byte(1), r.unitID)
	assert.Equal(t, &ProtocolDataUnit{FunctionCode: 3, Data: []byte{2, 0, 42}}, r.pdu)

	// an invalid length drops the buffer
	assert.Nil(t, p.reassemble([]byte{0, 7, 0, 0, 0, 0, 1, 3}))
}

func TestTCPCapabilities(t *testing.T) {
	caps := NewTCPProtocol(TCPConfig{MaxTransactions: 4}).Capabilities()
	assert.Equal(t, 4, caps.Concurrency)
	assert.Equal(t, 4, caps.MaxBatchSize)
	assert.True(t, caps.Bidirectional)
	assert.True(t, caps.HasFeature("transactions"))

	assert.Equal(t, tcpMaxTransactions, TCPCapabilities(0).Concurrency)
	assert.Equal(t, 1, RTUCapabilities().Concurrency)
}
