package flash

import "github.com/pkg/errors"

// Region restricts a Device to one partition. Offsets passed to its methods
// are relative to the partition start.
type Region struct {
	dev  Device
	part Partition
}

// NewRegion returns a view of n bytes of dev starting at off.
func NewRegion(dev Device, id PartitionID, off, n int64) (*Region, error) {
	if err := checkRange(dev, off, n); err != nil {
		return nil, err
	}
	return &Region{dev: dev, part: Partition{ID: id, Offset: off, Length: n}}, nil
}

// ID returns the partition the region covers.
func (r *Region) ID() PartitionID { return r.part.ID }

// Base returns the absolute device address of the region start.
func (r *Region) Base() uint32 { return uint32(r.part.Offset) }

// Len returns the region length in bytes.
func (r *Region) Len() int64 { return r.part.Length }

// EraseSize returns the erase granularity of the underlying device.
func (r *Region) EraseSize() int64 { return r.dev.EraseSize() }

func (r *Region) check(off, n int64) error {
	if off < 0 || n < 0 || off+n > r.part.Length {
		return errors.Wrapf(ErrOutOfRange, "%s: 0x%X+%d (len 0x%X)", r.part.ID, off, n, r.part.Length)
	}
	return nil
}

// Erase erases n bytes at off, rounding n up to the erase size but never past
// the end of the region.
func (r *Region) Erase(off, n int64) error {
	es := r.dev.EraseSize()
	if off%es != 0 {
		return errors.Wrapf(ErrUnaligned, "%s: erase at 0x%X", r.part.ID, off)
	}
	n = min(AlignUp(n, es), r.part.Length-off)
	if err := r.check(off, n); err != nil {
		return err
	}
	return r.dev.Erase(r.part.Offset+off, n)
}

// Write programs p at off.
func (r *Region) Write(off int64, p []byte) error {
	if err := r.check(off, int64(len(p))); err != nil {
		return err
	}
	_, err := r.dev.WriteAt(p, r.part.Offset+off)
	return err
}

// Read fills p from off.
func (r *Region) Read(off int64, p []byte) error {
	if err := r.check(off, int64(len(p))); err != nil {
		return err
	}
	_, err := r.dev.ReadAt(p, r.part.Offset+off)
	return err
}

// CopyTo copies n bytes from the start of r to the start of dst, erasing dst
// first. It is what a single-bank bootloader does when applying an image.
func (r *Region) CopyTo(dst *Region, n int64) error {
	if err := r.check(0, n); err != nil {
		return err
	}
	if err := dst.Erase(0, n); err != nil {
		return err
	}
	buf := make([]byte, r.dev.EraseSize())
	for off := int64(0); off < n; {
		chunk := buf[:min(int64(len(buf)), n-off)]
		if err := r.Read(off, chunk); err != nil {
			return err
		}
		if err := dst.Write(off, chunk); err != nil {
			return err
		}
		off += int64(len(chunk))
	}
	return nil
}
