// Package flash defines the byte-addressed flash capability the OTA engine is
// written against, the partition table that carves a device into regions and
// two software backends: an in-memory NOR emulator and a file-backed image.
//
// A Device behaves like NOR flash: Erase sets a range to 0xFF and WriteAt may
// only clear bits. Writing into bytes that were not erased is a caller error.
package flash

import (
	"io"

	"github.com/pkg/errors"
)

var (
	ErrOutOfRange = errors.New("flash: access out of range")
	ErrUnaligned  = errors.New("flash: erase not aligned to erase size")
	ErrNotErased  = errors.New("flash: program over non-erased bytes")
)

// Device is a byte-addressed flash part. Offsets are absolute within the part.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Erase erases n bytes at off. off must be aligned to EraseSize and n is
	// rounded up to a multiple of it.
	Erase(off, n int64) error

	// EraseSize returns the erase granularity in bytes.
	EraseSize() int64

	// Size returns the device capacity in bytes.
	Size() int64
}

// AlignUp rounds n up to a multiple of size. size must be a power of two.
func AlignUp(n, size int64) int64 {
	return (n + size - 1) &^ (size - 1)
}

func checkRange(dev Device, off, n int64) error {
	if off < 0 || n < 0 || off+n > dev.Size() {
		return errors.Wrapf(ErrOutOfRange, "0x%X+%d (size 0x%X)", off, n, dev.Size())
	}
	return nil
}
