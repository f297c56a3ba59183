// Package erase schedules page erases ahead of the image write cursor so that
// erase latency overlaps the transfer instead of front-loading it.
package erase

import (
	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/flash"
)

var ErrEraseFault = errors.New("erase: flash erase failed")

// Plan returns how many pages still have to be erased to hold an image of
// expected bytes when received bytes are already in flash. The page holding a
// partially written tail is counted as erased.
func Plan(expected, received, pageSize uint32) uint32 {
	total := pages(expected, pageSize)
	done := pages(received, pageSize)
	if done >= total {
		return 0
	}
	return total - done
}

func pages(n, pageSize uint32) uint32 {
	return uint32((uint64(n) + uint64(pageSize) - 1) / uint64(pageSize))
}

// Cursor tracks erased pages of a staging region. Erased never exceeds Total.
type Cursor struct {
	region   *flash.Region
	pageSize uint32
	erased   uint32
	total    uint32
}

// NewCursor returns a cursor for an image of expected bytes of which received
// bytes were written by an earlier session.
func NewCursor(region *flash.Region, pageSize, expected, received uint32) *Cursor {
	return &Cursor{
		region:   region,
		pageSize: pageSize,
		erased:   pages(received, pageSize),
		total:    pages(expected, pageSize),
	}
}

// Done reports whether every page the image needs has been erased.
func (c *Cursor) Done() bool {
	return c.erased >= c.total
}

// Erased returns the number of erased pages.
func (c *Cursor) Erased() uint32 { return c.erased }

// Total returns the number of pages the image occupies.
func (c *Cursor) Total() uint32 { return c.total }

// ErasedBytes returns the length of the erased prefix of the region; the
// write cursor must never pass it.
func (c *Cursor) ErasedBytes() uint32 {
	return c.erased * c.pageSize
}

// EraseNext erases exactly one page at base + Erased*pageSize. Calling it
// when Done is a no-op. Device errors are returned wrapped in ErrEraseFault
// and leave the cursor unchanged.
func (c *Cursor) EraseNext() error {
	if c.Done() {
		return nil
	}
	off := int64(c.erased) * int64(c.pageSize)
	if err := c.region.Erase(off, int64(c.pageSize)); err != nil {
		return errors.Wrapf(ErrEraseFault, "page %d at 0x%X: %v", c.erased, off, err)
	}
	c.erased++
	return nil
}

// EnsureErased erases pages until the first n bytes are covered or the image
// is fully erased.
func (c *Cursor) EnsureErased(n uint32) error {
	for !c.Done() && c.ErasedBytes() < n {
		if err := c.EraseNext(); err != nil {
			return err
		}
	}
	return nil
}
