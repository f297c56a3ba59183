// Package bootsim stands in for the bootloader that consumes the boot
// parameter record after the updater reboots the device. It lets the whole
// update cycle run on a host, against the same flash layout the device uses.
package bootsim

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/flash"
)

// DefaultMaxAttempts is how many boots may try to apply one image.
const DefaultMaxAttempts = 3

// Outcome is what one boot did with the record.
type Outcome int

const (
	// NoUpdate means no verified image was waiting.
	NoUpdate Outcome = iota
	// Applied means the image was installed and the record marked done.
	Applied
	// Retry means applying failed and the next boot tries again.
	Retry
	// RolledBack means the image was abandoned.
	RolledBack
	// Deferred means the image needs a bootloader that can patch diffs.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case NoUpdate:
		return "no update"
	case Applied:
		return "applied"
	case Retry:
		return "retry"
	case RolledBack:
		return "rolled back"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Option func(*Bootloader)

func WithMaxAttempts(n int) Option {
	return func(b *Bootloader) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bootloader) {
		b.log = l
	}
}

// Bootloader applies staged images between partitions identified by their
// base address.
type Bootloader struct {
	params      *bootparam.Store
	regions     []*flash.Region
	maxAttempts int
	log         logrus.FieldLogger
}

// New returns a Bootloader that may copy between regions.
func New(params *bootparam.Store, regions []*flash.Region, opts ...Option) *Bootloader {
	b := &Bootloader{params: params, regions: regions, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		b.log = l
	}
	return b
}

func (b *Bootloader) region(addr uint32) *flash.Region {
	for _, r := range b.regions {
		if r.Base() == addr {
			return r
		}
	}
	return nil
}

// Boot runs one boot. Every attempt is counted in the record before any
// partition is touched, so an attempt cut short by power loss still counts.
// The running image clears the count once it is up (see
// bootparam.Store.RollbackCheck).
func (b *Bootloader) Boot() (Outcome, error) {
	rec, err := b.params.Read()
	if errors.Is(err, bootparam.ErrCorruptRecord) {
		b.log.Debug("no valid boot record")
		return NoUpdate, nil
	}
	if err != nil {
		return NoUpdate, err
	}
	if rec.Flags&bootparam.FlagReady == 0 {
		return NoUpdate, nil
	}
	log := b.log.WithFields(logrus.Fields{
		"version": rec.Version,
		"len":     rec.Length,
		"src":     fmt.Sprintf("0x%08X", rec.SourceAddr),
		"dst":     fmt.Sprintf("0x%08X", rec.DestAddr),
	})
	if rec.Kind == bootparam.KindDiff {
		log.Warn("diff image left for a patching bootloader")
		return Deferred, nil
	}
	if int(rec.BootCount) >= b.maxAttempts {
		return b.rollBack(log, rec, "attempts exhausted")
	}

	rec.BootCount++
	if err := b.params.Write(rec); err != nil {
		return NoUpdate, errors.Wrap(err, "bootsim: count attempt")
	}
	log = log.WithField("attempt", rec.BootCount)

	src, dst := b.region(rec.SourceAddr), b.region(rec.DestAddr)
	if src == nil || dst == nil {
		return b.rollBack(log, rec, "no partition at record address")
	}
	if int64(rec.Length) > src.Len() || int64(rec.Length) > dst.Len() {
		return b.rollBack(log, rec, "image larger than partition")
	}
	sum, err := checksum(src, rec.Length)
	if err != nil {
		return Retry, err
	}
	if sum != rec.ImageCRC32 {
		log.WithField("crc32", fmt.Sprintf("0x%08X", sum)).Error("staged image corrupt")
		return b.rollBack(log, rec, "staged image crc mismatch")
	}

	if dst != src {
		if err := src.CopyTo(dst, int64(rec.Length)); err != nil {
			log.WithError(err).Error("copy failed")
			return Retry, errors.Wrap(err, "bootsim: copy")
		}
		if sum, err := checksum(dst, rec.Length); err != nil || sum != rec.ImageCRC32 {
			log.WithError(err).Error("installed image does not verify")
			return Retry, errors.Errorf("bootsim: installed image crc 0x%08X", sum)
		}
	}

	rec.Flags = rec.Flags&^bootparam.FlagReady | bootparam.FlagDone
	if err := b.params.Write(rec); err != nil {
		return Retry, errors.Wrap(err, "bootsim: mark done")
	}
	log.Info("image applied")
	return Applied, nil
}

func (b *Bootloader) rollBack(log logrus.FieldLogger, rec bootparam.Record, reason string) (Outcome, error) {
	log.WithField("reason", reason).Warn("rolling back")
	rec.Flags = rec.Flags&^bootparam.FlagReady | bootparam.FlagRolledBack
	if err := b.params.Write(rec); err != nil {
		return Retry, errors.Wrap(err, "bootsim: mark rolled back")
	}
	return RolledBack, nil
}

func checksum(r *flash.Region, n uint32) (uint32, error) {
	var sum crc.CRC32
	buf := make([]byte, r.EraseSize())
	for off := int64(0); off < int64(n); {
		chunk := buf[:min(int64(len(buf)), int64(n)-off)]
		if err := r.Read(off, chunk); err != nil {
			return 0, errors.Wrap(err, "bootsim: read")
		}
		sum.Update(chunk)
		off += int64(len(chunk))
	}
	return sum.Sum(), nil
}
