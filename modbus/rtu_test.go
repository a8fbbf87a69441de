package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCRC(t *testing.T) {
	// 01 03 00 00 00 02 C4 0B, low byte first on the wire
	assert.Equal(t, uint16(0x0BC4), CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}))
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}

func TestCRCResidue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		crc := CRC16(data)
		framed := append(append([]byte(nil), data...), byte(crc), byte(crc>>8))
		if residue := CRC16(framed); residue != 0 {
			t.Fatalf("crc over data and checksum is %#04x, want 0", residue)
		}
	})
}

func TestRTUEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unitID := rapid.Byte().Draw(t, "unitID")
		pdu := &ProtocolDataUnit{
			FunctionCode: rapid.Byte().Draw(t, "functionCode"),
			Data:         rapid.SliceOfN(rapid.Byte(), 0, rtuMaxSize-rtuMinSize).Draw(t, "data"),
		}

		raw, err := encodeRTU(unitID, pdu)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}

		gotUnitID, dpdu, err := decodeRTU(raw)
		if err != nil {
			t.Fatalf("error while decoding: %+v", err)
		}
		if gotUnitID != unitID {
			t.Errorf("invalid unit id: %v, want %v", gotUnitID, unitID)
		}
		if !cmp.Equal(pdu, dpdu, cmpopts.EquateEmpty()) {
			t.Errorf("invalid pdu: %s", cmp.Diff(pdu, dpdu, cmpopts.EquateEmpty()))
		}
	})
}

func TestRTUCorruptedFrame(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pdu := &ProtocolDataUnit{
			FunctionCode: rapid.Byte().Draw(t, "functionCode"),
			Data:         rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data"),
		}
		raw, err := encodeRTU(rapid.Byte().Draw(t, "unitID"), pdu)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}
		bit := rapid.IntRange(0, 8*len(raw)-1).Draw(t, "bit")
		raw[bit/8] ^= 1 << (bit % 8)

		if _, _, err := decodeRTU(raw); !errors.Is(err, ErrInvalidCRC) {
			t.Fatalf("flipped bit %d: got %v, want crc mismatch", bit, err)
		}
	})
}

func TestRTUFrameFixture(t *testing.T) {
	req := &Request{UnitID: 1, FunctionCode: FuncCodeReadHoldingRegisters, Address: 0x0000, Quantity: 2}
	pdu, err := req.PDU()
	require.NoError(t, err)
	adu, err := encodeRTU(req.UnitID, pdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}, adu)

	body := []byte{0x01, 0x03, 0x04, 0x00, 0x0A, 0x00, 0x0B}
	crc := CRC16(body)
	unitID, respPDU, err := decodeRTU(append(body, byte(crc), byte(crc>>8)))
	require.NoError(t, err)
	resp, err := parseResponse(req, unitID, respPDU)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 11}, resp.Values)
	assert.Equal(t, byte(1), resp.UnitID)
}

func TestRTUDecodeLength(t *testing.T) {
	_, _, err := decodeRTU([]byte{0x01, 0x03, 0x00})
	assert.ErrorContains(t, err, "minimum")

	_, _, err = decodeRTU(make([]byte, rtuMaxSize+1))
	assert.ErrorContains(t, err, "bigger")

	_, err = encodeRTU(1, &ProtocolDataUnit{FunctionCode: 0x10, Data: make([]byte, rtuMaxSize-3)})
	assert.Error(t, err)
}

func TestRTUTiming(t *testing.T) {
	tests := []struct {
		baudRate   int
		charDelay  time.Duration
		frameDelay time.Duration
	}{
		{0, 750 * time.Microsecond, 1750 * time.Microsecond},
		{2400, 6250 * time.Microsecond, 14583 * time.Microsecond},
		{9600, 1562 * time.Microsecond, 3645 * time.Microsecond},
		{19200, 781 * time.Microsecond, 1822 * time.Microsecond},
		{38400, 750 * time.Microsecond, 1750 * time.Microsecond},
		{115200, 750 * time.Microsecond, 1750 * time.Microsecond},
	}
	for _, tc := range tests {
		c := RTUConfig{BaudRate: tc.baudRate}
		assert.Equal(t, tc.charDelay, c.charDelay(), "character delay at %d baud", tc.baudRate)
		assert.Equal(t, tc.frameDelay, c.frameDelay(), "frame delay at %d baud", tc.baudRate)
	}

	c := RTUConfig{BaudRate: 9600, InterCharDelay: time.Millisecond, InterFrameDelay: 5 * time.Millisecond}
	assert.Equal(t, time.Millisecond, c.charDelay())
	assert.Equal(t, 5*time.Millisecond, c.frameDelay())
	assert.Equal(t, rtuTimeout, c.timeout())
}

func TestActivityTracker(t *testing.T) {
	var a activityTracker
	assert.Greater(t, a.idle(), time.Hour, "a line without traffic is idle")

	a.touch()
	assert.Less(t, a.idle(), time.Second)

	start := time.Now()
	require.NoError(t, a.waitSilence(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	a.reset()
	start = time.Now()
	require.NoError(t, a.waitSilence(context.Background(), time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	a.touch()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.waitSilence(ctx, time.Hour), context.Canceled)
}
