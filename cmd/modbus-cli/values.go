package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
)

// byteOrder resolves a forced order such as "CDAB" against the endianness
// flag. swap reports whether the bytes of each register pair are exchanged
// (mid endian).
func byteOrder(forced string, bigEndian bool) (order binary.ByteOrder, swap bool, err error) {
	order = binary.BigEndian
	if !bigEndian {
		order = binary.LittleEndian
	}
	switch fo := strings.ToUpper(forced); fo {
	case "":
		// nothing is forced
	case "AB", "ABCD":
		order = binary.BigEndian
	case "BA", "DCBA":
		order = binary.LittleEndian
	case "BADC":
		order, swap = binary.BigEndian, true
	case "CDAB":
		order, swap = binary.LittleEndian, true
	default:
		return nil, false, fmt.Errorf("forced order %s not known", fo)
	}
	return order, swap, nil
}

func swapPairs(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	if len(out) == 4 {
		out[0], out[1], out[2], out[3] = out[1], out[0], out[3], out[2]
	}
	return out
}

func registersToBytes(regs []uint16) []byte {
	b := make([]byte, 2*len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(b[2*i:], r)
	}
	return b
}

func bytesToRegisters(b []byte) []uint16 {
	regs := make([]uint16, len(b)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return regs
}

// encodeValue converts val, in engineering units, to the registers of the
// given datatype. The raw value is val divided by scale.
func encodeValue(dataType string, order binary.ByteOrder, swap bool, val, scale decimal.Decimal) ([]uint16, error) {
	if scale.IsZero() {
		return nil, fmt.Errorf("scale must not be zero")
	}
	raw := val.Div(scale)

	inRange := func(min, max decimal.Decimal) error {
		if raw.LessThan(min) || raw.GreaterThan(max) {
			return fmt.Errorf("overflow: %s does not fit into datatype %s", raw, dataType)
		}
		return nil
	}

	var (
		buf bytes.Buffer
		v   any
	)
	switch dataType {
	case "uint16":
		if err := inRange(decimal.Zero, decimal.NewFromInt(math.MaxUint16)); err != nil {
			return nil, err
		}
		v = uint16(raw.Round(0).IntPart())
	case "int16":
		if err := inRange(decimal.NewFromInt(math.MinInt16), decimal.NewFromInt(math.MaxInt16)); err != nil {
			return nil, err
		}
		v = int16(raw.Round(0).IntPart())
	case "uint32":
		if err := inRange(decimal.Zero, decimal.NewFromInt(math.MaxUint32)); err != nil {
			return nil, err
		}
		v = uint32(raw.Round(0).IntPart())
	case "int32":
		if err := inRange(decimal.NewFromInt(math.MinInt32), decimal.NewFromInt(math.MaxInt32)); err != nil {
			return nil, err
		}
		v = int32(raw.Round(0).IntPart())
	case "float32":
		if err := inRange(decimal.NewFromFloat(-math.MaxFloat32), decimal.NewFromFloat(math.MaxFloat32)); err != nil {
			return nil, err
		}
		f, _ := raw.Float64()
		v = float32(f)
	case "float64":
		f, _ := raw.Float64()
		v = f
	default:
		return nil, fmt.Errorf("unsupported datatype: %s", dataType)
	}
	if err := binary.Write(&buf, order, v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if swap {
		b = swapPairs(b)
	}
	return bytesToRegisters(b), nil
}

// decodeValue interprets b as dataType and multiplies numbers by scale.
func decodeValue(b []byte, dataType string, order binary.ByteOrder, swap bool, scale decimal.Decimal) (string, error) {
	if swap {
		b = swapPairs(b)
	}
	if dataType == "string" {
		return string(b), nil
	}

	size := map[string]int{
		"uint16": 2, "int16": 2,
		"uint32": 4, "int32": 4, "float32": 4,
		"uint64": 8, "int64": 8, "float64": 8,
	}[dataType]
	if size == 0 {
		return "", fmt.Errorf("unsupported datatype: %s", dataType)
	}
	if len(b) < size {
		return "", fmt.Errorf("%s needs %d bytes, got %d", dataType, size, len(b))
	}
	b = b[:size]

	var d decimal.Decimal
	switch dataType {
	case "uint16":
		d = decimal.NewFromInt(int64(order.Uint16(b)))
	case "int16":
		d = decimal.NewFromInt(int64(int16(order.Uint16(b))))
	case "uint32":
		d = decimal.NewFromInt(int64(order.Uint32(b)))
	case "int32":
		d = decimal.NewFromInt(int64(int32(order.Uint32(b))))
	case "uint64":
		d = decimal.NewFromBigInt(new(big.Int).SetUint64(order.Uint64(b)), 0)
	case "int64":
		d = decimal.NewFromInt(int64(order.Uint64(b)))
	case "float32":
		d = decimal.NewFromFloat32(math.Float32frombits(order.Uint32(b)))
	case "float64":
		d = decimal.NewFromFloat(math.Float64frombits(order.Uint64(b)))
	}
	return d.Mul(scale).String(), nil
}

func rawString(regs []uint16, startReg int) string {
	var sb strings.Builder
	for i, r := range regs {
		hi, lo := byte(r>>8), byte(r)
		fmt.Fprintf(&sb, "%d\t0x%X 0x%X\t %b %b\n", startReg+i, hi, lo, hi, lo)
	}
	return sb.String()
}

func bitsString(bits []bool, start int) string {
	var sb strings.Builder
	for i, b := range bits {
		v := 0
		if b {
			v = 1
		}
		fmt.Fprintf(&sb, "%d\t%d\n", start+i, v)
	}
	return sb.String()
}

// allString decodes b in every commonly used datatype and byte order.
func allString(b []byte, scale decimal.Decimal) (string, error) {
	type variant struct {
		label string
		order string
	}
	var (
		types    []string
		variants []variant
	)
	switch len(b) {
	case 2:
		types = []string{"int16", "uint16"}
		variants = []variant{{"Big Endian (AB)", "AB"}, {"Little Endian (BA)", "BA"}}
	case 4:
		types = []string{"int32", "uint32", "float32"}
		variants = []variant{
			{"Big Endian (ABCD)", "ABCD"},
			{"Little Endian (DCBA)", "DCBA"},
			{"Mid-Big Endian (BADC)", "BADC"},
			{"Mid-Little Endian (CDAB)", "CDAB"},
		}
	default:
		return "", fmt.Errorf("can't convert data with length %d", len(b))
	}

	buf := new(bytes.Buffer)
	w := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	for i, t := range types {
		if i > 0 {
			fmt.Fprintln(w, "\t")
		}
		for _, v := range variants {
			order, swap, err := byteOrder(v.order, true)
			if err != nil {
				return "", err
			}
			s, err := decodeValue(b, t, order, swap, scale)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(w, "%s\t%s:\t%s\t\n", strings.ToUpper(t), v.label, s)
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
