package crc

import "hash/crc32"

// Checksum32 returns the reflected CRC-32 (poly 0xEDB88320, init and final
// complement 0xFFFFFFFF) of p.
func Checksum32(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// CRC32 accumulates a CRC-32 over data read in pieces, such as an image read
// back from flash page by page.
type CRC32 struct {
	crc uint32
}

// Update folds p into the running checksum.
func (c *CRC32) Update(p []byte) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
}

// Sum returns the checksum of all bytes folded so far.
func (c CRC32) Sum() uint32 {
	return c.crc
}
