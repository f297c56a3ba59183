// Package image turns a stream of arbitrarily sized chunks into page-sized
// flash writes in the staging region, folding every byte into the session
// CRC16 and checkpointing it so an interrupted transfer can resume exactly.
package image

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/erase"
	"github.com/gentam/uota/internal/flash"
)

// Checkpointer persists the transfer breakpoint. Both the boot record store
// and the kv checkpoint implement it.
type Checkpointer interface {
	Save(offset uint32, sum uint16) error
	Load() (offset uint32, sum uint16, err error)
}

// EraseTracker reports the length of the erased prefix of the staging region.
type EraseTracker interface {
	ErasedBytes() uint32
}

// Params describe one upgrade session.
type Params struct {
	// Offset is where the session starts. Non-zero resumes a breakpoint
	// and must equal the checkpointed offset.
	Offset uint32
	Length uint32

	// EagerErase erases the whole image area in Init on a fresh session.
	// transfer.Machine leaves it unset and erases ahead of the write cursor
	// through an EraseTracker instead; direct callers of Writer with no
	// scheduler set it.
	EagerErase bool
}

// Result is the outcome of a verified image.
type Result struct {
	Length uint32
	CRC16  uint16
	CRC32  uint32
}

// Writer is the flash write engine. It is not safe for concurrent use.
type Writer struct {
	region   *flash.Region
	pageSize uint32
	ckpt     Checkpointer
	guard    EraseTracker
	log      logrus.FieldLogger

	length   uint32
	received uint32
	crc      crc.CRC16

	buf    []byte
	bufOff uint32

	flushedOff uint32
	flushedCRC uint16
	savedOff   uint32
}

// NewWriter returns a Writer for region. pageSize is the staging buffer
// capacity and must be a multiple of the region erase size. A nil log
// discards output.
func NewWriter(region *flash.Region, pageSize uint32, ckpt Checkpointer, log logrus.FieldLogger) *Writer {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Writer{
		region:   region,
		pageSize: pageSize,
		ckpt:     ckpt,
		log:      log,
		buf:      make([]byte, 0, pageSize),
	}
}

// SetEraseTracker makes every flush fail with flash.ErrNotErased if it would
// program past the erased prefix reported by t.
func (w *Writer) SetEraseTracker(t EraseTracker) { w.guard = t }

// Init starts a session. A fresh session resets the CRC16 and the persisted
// breakpoint; a resumed one restores the CRC16 from the checkpointer.
func (w *Writer) Init(p Params) error {
	if p.Length == 0 || int64(p.Length) > w.region.Len() {
		return errors.Wrapf(ErrInvalidSize, "%d bytes for %s of %d", p.Length, w.region.ID(), w.region.Len())
	}
	if p.Offset > p.Length || p.Offset%4 != 0 {
		return errors.Wrapf(ErrInvalidParam, "offset %d", p.Offset)
	}

	w.length = p.Length
	w.buf = w.buf[:0]
	if p.Offset == 0 {
		w.crc = crc.New16()
		if p.EagerErase {
			if err := w.region.Erase(0, int64(p.Length)); err != nil {
				return errors.Wrapf(erase.ErrEraseFault, "%v", err)
			}
		}
		if err := w.ckpt.Save(0, crc.Init16); err != nil {
			return errors.Wrap(err, "image: reset checkpoint")
		}
	} else {
		off, sum, err := w.ckpt.Load()
		if err != nil {
			return errors.Wrap(err, "image: load checkpoint")
		}
		if off != p.Offset {
			return errors.Wrapf(ErrInvalidParam, "resume at %d, checkpoint at %d", p.Offset, off)
		}
		w.crc = crc.Resume16(sum)
	}
	w.received = p.Offset
	w.bufOff = p.Offset
	w.flushedOff = p.Offset
	w.flushedCRC = w.crc.Sum()
	w.savedOff = p.Offset

	w.log.WithFields(logrus.Fields{
		"offset": p.Offset,
		"length": p.Length,
		"crc16":  fmt.Sprintf("0x%04X", w.flushedCRC),
	}).Info("image session started")
	return nil
}

// Write folds chunk into the CRC16 and buffers it, flushing every completed
// page and the final partial page of the image.
func (w *Writer) Write(chunk []byte) error {
	switch {
	case len(chunk) == 0:
		return errors.Wrap(ErrInvalidParam, "empty chunk")
	case uint32(len(chunk)) > w.pageSize:
		return errors.Wrapf(ErrOversizedChunk, "%d > %d", len(chunk), w.pageSize)
	case uint64(w.received)+uint64(len(chunk)) > uint64(w.length):
		return errors.Wrapf(ErrOverflow, "%d+%d > %d", w.received, len(chunk), w.length)
	}
	for len(chunk) > 0 {
		space := w.pageSize - w.received%w.pageSize
		seg := chunk[:min(uint32(len(chunk)), space)]
		chunk = chunk[len(seg):]

		w.crc.Update(seg)
		w.buf = append(w.buf, seg...)
		w.received += uint32(len(seg))

		if w.received%w.pageSize == 0 || w.received == w.length {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	end := w.bufOff + uint32(len(w.buf))
	if w.guard != nil && end > w.guard.ErasedBytes() {
		return errors.Wrapf(flash.ErrNotErased, "flush to %d, erased %d", end, w.guard.ErasedBytes())
	}
	if err := w.region.Write(int64(w.bufOff), w.buf); err != nil {
		return errors.Wrapf(ErrWriteFault, "at %d: %v", w.bufOff, err)
	}
	w.flushedOff = end
	w.flushedCRC = w.crc.Sum()
	w.bufOff = end
	w.buf = w.buf[:0]
	w.log.WithFields(logrus.Fields{
		"offset": end,
		"crc16":  fmt.Sprintf("0x%04X", w.flushedCRC),
	}).Debug("page flushed")
	return nil
}

// Received returns the number of image bytes accepted so far.
func (w *Writer) Received() uint32 { return w.received }

// Length returns the declared image length.
func (w *Writer) Length() uint32 { return w.length }

// Complete reports whether every declared byte has been accepted.
func (w *Writer) Complete() bool { return w.length != 0 && w.received == w.length }

// CRC16 returns the running checksum over all accepted bytes.
func (w *Writer) CRC16() uint16 { return w.crc.Sum() }

// Checkpoint returns the offset and CRC16 of the data known to be in flash.
func (w *Writer) Checkpoint() (uint32, uint16) { return w.flushedOff, w.flushedCRC }

// CheckpointDue reports whether a page or more was flushed since the last
// Commit, or the image is complete and its end was not yet committed.
func (w *Writer) CheckpointDue() bool {
	if w.flushedOff >= w.savedOff+w.pageSize {
		return true
	}
	return w.Complete() && w.flushedOff == w.length && w.savedOff != w.length
}

// Commit persists the current flash checkpoint.
func (w *Writer) Commit() error {
	if err := w.ckpt.Save(w.flushedOff, w.flushedCRC); err != nil {
		return errors.Wrap(err, "image: checkpoint")
	}
	w.savedOff = w.flushedOff
	w.log.WithField("offset", w.flushedOff).Debug("checkpoint saved")
	return nil
}

// Breakpoint flushes any partial page and persists offset and CRC16 so that
// a later Init with Offset equal to Received continues the same checksum.
func (w *Writer) Breakpoint() error {
	if w.length == 0 {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.log.WithField("offset", w.received).Info("breakpoint")
	return w.Commit()
}

// Finish compares the running CRC16 to expected. On mismatch the persisted
// breakpoint is reset so a retry starts from scratch. On match the image is
// read back for its CRC32.
func (w *Writer) Finish(expected uint16) (Result, error) {
	if !w.Complete() {
		return Result{}, errors.Wrapf(ErrInvalidParam, "finish at %d of %d", w.received, w.length)
	}
	if err := w.flush(); err != nil {
		return Result{}, err
	}
	sum := w.crc.Sum()
	if sum != expected {
		w.log.WithFields(logrus.Fields{
			"expected": fmt.Sprintf("0x%04X", expected),
			"actual":   fmt.Sprintf("0x%04X", sum),
		}).Error("image crc16 mismatch")
		if err := w.ckpt.Save(0, crc.Init16); err != nil {
			return Result{}, errors.Wrap(err, "image: reset checkpoint")
		}
		w.savedOff = 0
		return Result{}, &MismatchError{Expected: expected, Actual: sum}
	}

	var c32 crc.CRC32
	page := make([]byte, w.pageSize)
	for off := uint32(0); off < w.length; {
		p := page[:min(w.pageSize, w.length-off)]
		if err := w.region.Read(int64(off), p); err != nil {
			return Result{}, errors.Wrap(err, "image: read back")
		}
		c32.Update(p)
		off += uint32(len(p))
	}
	res := Result{Length: w.length, CRC16: sum, CRC32: c32.Sum()}
	w.log.WithFields(logrus.Fields{
		"length": res.Length,
		"crc16":  fmt.Sprintf("0x%04X", res.CRC16),
		"crc32":  fmt.Sprintf("0x%08X", res.CRC32),
	}).Info("image verified")
	return res, nil
}

// Reset drops the in-memory session. Flash and the persisted breakpoint are
// left untouched.
func (w *Writer) Reset() {
	w.length = 0
	w.received = 0
	w.buf = w.buf[:0]
	w.bufOff = 0
	w.flushedOff = 0
	w.flushedCRC = crc.Init16
	w.savedOff = 0
	w.crc = crc.New16()
}
