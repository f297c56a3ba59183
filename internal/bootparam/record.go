// Package bootparam persists the boot parameter record: the only OTA state
// that survives a power cycle and the sole channel between the updater and
// the bootloader.
//
// # Layout
//
// The record is RecordSize bytes, little-endian, at offset 0 of the parameter
// partition:
//
//	off size field
//	  0    4 source address (staging bank)
//	  4    4 destination address
//	  8    4 image length
//	 12    4 image CRC32
//	 16    4 split size (diff upgrades)
//	 20    4 pending offset (resume breakpoint)
//	 24    2 image CRC16
//	 26    2 pending CRC16 (running CRC16 at the pending offset)
//	 28    1 kind
//	 29    1 bin type
//	 30    1 flags
//	 31    1 boot count
//	 32    1 version length
//	 33   15 version
//	 48    2 reserved (zero)
//	 50    2 record checksum: CRC16 over bytes [0, 50)
package bootparam

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/crc"
)

const (
	RecordSize    = 52
	MaxVersionLen = 15

	checksumOff = 50
	versionOff  = 33
)

var (
	ErrCorruptRecord = errors.New("bootparam: corrupt record")
	ErrVersionLength = errors.New("bootparam: version too long")
)

// Kind selects how the bootloader applies the staged image.
type Kind uint8

const (
	KindNormal Kind = iota
	KindDiff
)

// BinType identifies the image carried in the staging bank.
type BinType uint8

const (
	BinUnknown BinType = iota
	BinApp
	BinKernel
	BinSingle
)

func (b BinType) String() string {
	switch b {
	case BinApp:
		return "app"
	case BinKernel:
		return "kernel"
	case BinSingle:
		return "single"
	}
	return "unknown"
}

// Flags track the record through its lifecycle.
type Flags uint8

const (
	// FlagReady marks a verified image the bootloader should apply.
	FlagReady Flags = 1 << iota
	// FlagDone is set by the bootloader once the image has been applied.
	FlagDone
	// FlagRolledBack is set by the bootloader when it gave up on the image.
	FlagRolledBack
)

// Record is the decoded boot parameter record.
type Record struct {
	SourceAddr    uint32
	DestAddr      uint32
	Length        uint32
	ImageCRC32    uint32
	SplitSize     uint32
	PendingOffset uint32
	ImageCRC16    uint16
	PendingCRC16  uint16
	Kind          Kind
	BinType       BinType
	Flags         Flags
	BootCount     uint8
	Version       string
}

// MarshalBinary encodes r with a freshly computed record checksum.
func (r Record) MarshalBinary() ([]byte, error) {
	if len(r.Version) > MaxVersionLen {
		return nil, errors.Wrapf(ErrVersionLength, "%q", r.Version)
	}
	b := make([]byte, RecordSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], r.SourceAddr)
	le.PutUint32(b[4:], r.DestAddr)
	le.PutUint32(b[8:], r.Length)
	le.PutUint32(b[12:], r.ImageCRC32)
	le.PutUint32(b[16:], r.SplitSize)
	le.PutUint32(b[20:], r.PendingOffset)
	le.PutUint16(b[24:], r.ImageCRC16)
	le.PutUint16(b[26:], r.PendingCRC16)
	b[28] = byte(r.Kind)
	b[29] = byte(r.BinType)
	b[30] = byte(r.Flags)
	b[31] = r.BootCount
	b[32] = byte(len(r.Version))
	copy(b[versionOff:], r.Version)
	le.PutUint16(b[checksumOff:], crc.Checksum16(b[:checksumOff]))
	return b, nil
}

// UnmarshalBinary decodes b, rejecting it with ErrCorruptRecord when the
// stored checksum disagrees with the contents.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return errors.Wrapf(ErrCorruptRecord, "length %d", len(b))
	}
	le := binary.LittleEndian
	if want, got := le.Uint16(b[checksumOff:]), crc.Checksum16(b[:checksumOff]); want != got {
		return errors.Wrapf(ErrCorruptRecord, "checksum 0x%04X, computed 0x%04X", want, got)
	}
	n := int(b[32])
	if n > MaxVersionLen {
		return errors.Wrapf(ErrCorruptRecord, "version length %d", n)
	}
	*r = Record{
		SourceAddr:    le.Uint32(b[0:]),
		DestAddr:      le.Uint32(b[4:]),
		Length:        le.Uint32(b[8:]),
		ImageCRC32:    le.Uint32(b[12:]),
		SplitSize:     le.Uint32(b[16:]),
		PendingOffset: le.Uint32(b[20:]),
		ImageCRC16:    le.Uint16(b[24:]),
		PendingCRC16:  le.Uint16(b[26:]),
		Kind:          Kind(b[28]),
		BinType:       BinType(b[29]),
		Flags:         Flags(b[30]),
		BootCount:     b[31],
		Version:       string(b[versionOff : versionOff+n]),
	}
	return nil
}
