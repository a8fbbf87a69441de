// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Table of CRC values for the reflected polynomial 0xA001.
var crcTable = func() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return
}()

// crc computes the MODBUS CRC16.
type crc struct {
	crc uint16
}

func (c *crc) reset() *crc {
	c.crc = 0xFFFF
	return c
}

func (c *crc) pushBytes(bs []byte) *crc {
	for _, b := range bs {
		c.crc = c.crc>>8 ^ crcTable[byte(c.crc)^b]
	}
	return c
}

func (c *crc) value() uint16 {
	return c.crc
}

// CRC16 returns the MODBUS CRC16 of data. On the wire the low byte goes first.
func CRC16(data []byte) uint16 {
	var c crc
	return c.reset().pushBytes(data).value()
}
