package bootparam

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/flash"
)

var ErrVerifyMismatch = errors.New("bootparam: read-back verify mismatch")

// Store owns the parameter partition. Each Write is an erase, program, read
// back and compare sequence; callers must not interleave other access to the
// partition.
type Store struct {
	region *flash.Region
	log    logrus.FieldLogger
}

// NewStore returns a Store on region. A nil log discards output.
func NewStore(region *flash.Region, log logrus.FieldLogger) *Store {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Store{region: region, log: log.WithField("partition", region.ID().String())}
}

// Write persists rec and verifies it by reading it back.
func (s *Store) Write(rec Record) error {
	b, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.region.Erase(0, RecordSize); err != nil {
		return errors.Wrap(err, "bootparam: erase")
	}
	if err := s.region.Write(0, b); err != nil {
		return errors.Wrap(err, "bootparam: write")
	}
	back := make([]byte, RecordSize)
	if err := s.region.Read(0, back); err != nil {
		return errors.Wrap(err, "bootparam: read back")
	}
	if !bytes.Equal(b, back) {
		s.log.WithField("written", b).WithField("read", back).Error("boot record verify failed")
		return ErrVerifyMismatch
	}
	s.log.WithFields(logrus.Fields{
		"src":      fmt.Sprintf("0x%08X", rec.SourceAddr),
		"dst":      fmt.Sprintf("0x%08X", rec.DestAddr),
		"len":      rec.Length,
		"crc16":    fmt.Sprintf("0x%04X", rec.ImageCRC16),
		"pending":  rec.PendingOffset,
		"flags":    rec.Flags,
		"bootcnt":  rec.BootCount,
		"checksum": fmt.Sprintf("0x%04X", crc.Checksum16(b[:checksumOff])),
	}).Debug("boot record written")
	return nil
}

// Read loads and checks the record. ErrCorruptRecord means there is no valid
// pending operation; an erased partition reads that way.
func (s *Store) Read() (Record, error) {
	b := make([]byte, RecordSize)
	if err := s.region.Read(0, b); err != nil {
		return Record{}, errors.Wrap(err, "bootparam: read")
	}
	var rec Record
	if err := rec.UnmarshalBinary(b); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// RollbackCheck clears a non-zero boot count left by the bootloader, telling
// it the running image booted far enough to be kept. It returns the record as
// persisted afterwards.
func (s *Store) RollbackCheck() (Record, error) {
	rec, err := s.Read()
	if err != nil {
		return Record{}, err
	}
	if rec.BootCount != 0 {
		s.log.WithField("bootcnt", rec.BootCount).Info("clearing boot count")
		rec.BootCount = 0
		if err := s.Write(rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Save records a transfer breakpoint in the pending fields of the record.
func (s *Store) Save(offset uint32, sum uint16) error {
	rec, err := s.Read()
	if err != nil {
		return errors.Wrap(err, "bootparam: checkpoint")
	}
	rec.PendingOffset = offset
	rec.PendingCRC16 = sum
	return s.Write(rec)
}

// Load returns the recorded breakpoint. A corrupt record reads as a fresh
// transfer.
func (s *Store) Load() (uint32, uint16, error) {
	rec, err := s.Read()
	if errors.Is(err, ErrCorruptRecord) {
		return 0, crc.Init16, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return rec.PendingOffset, rec.PendingCRC16, nil
}
