// Package crc implements the checksums used by the OTA engine: a streaming
// CRC-16/CCITT-FALSE over transferred image bytes and the IEEE CRC-32 used for
// the whole-image check recorded in the boot parameters.
package crc

// Init16 is the initial value of the CRC16 register.
const Init16 = 0xFFFF

// CRC16 is a running CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF, no final
// XOR). The zero value is not ready for use; start from New16 or Resume16.
//
// Feeding data in any number of Update calls yields the same Sum as a
// single call over the concatenation.
type CRC16 struct {
	crc uint16
}

// New16 returns a CRC16 context in its initial state.
func New16() CRC16 {
	return CRC16{crc: Init16}
}

// Resume16 restores a context from a previously checkpointed Sum.
func Resume16(sum uint16) CRC16 {
	return CRC16{crc: sum}
}

// Update folds p into the running checksum.
func (c *CRC16) Update(p []byte) {
	crc := c.crc
	for _, b := range p {
		crc = crc>>8 | crc<<8
		crc ^= uint16(b)
		crc ^= (crc & 0xFF) >> 4
		crc ^= crc << 12
		crc ^= (crc & 0xFF) << 5
	}
	c.crc = crc
}

// Sum returns the checksum of all bytes folded so far.
func (c CRC16) Sum() uint16 {
	return c.crc
}

// Checksum16 is the one-shot form of New16, Update and Sum.
func Checksum16(p []byte) uint16 {
	c := New16()
	c.Update(p)
	return c.Sum()
}
