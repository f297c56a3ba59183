package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/bootparam"
)

// Cmd is a protocol command code.
type Cmd uint8

const (
	CmdError          Cmd = 0x0F
	CmdVersionQuery   Cmd = 0x20
	CmdVersionReply   Cmd = 0x21
	CmdUpgradeRequest Cmd = 0x22
	CmdUpgradeReply   Cmd = 0x23
	CmdProgress       Cmd = 0x24
	CmdCRCResult      Cmd = 0x25
	CmdUpdateSuccess  Cmd = 0x26
	CmdQuerySize      Cmd = 0x27
	CmdFinish         Cmd = 0x28
	CmdData           Cmd = 0x2F

	// cmdFamilyMask selects the command family; the upgrade family is 0x20.
	cmdFamilyMask    = 0xF0
	cmdFamilyUpgrade = 0x20
)

func (c Cmd) String() string {
	switch c {
	case CmdError:
		return "error"
	case CmdVersionQuery:
		return "version-query"
	case CmdVersionReply:
		return "version-reply"
	case CmdUpgradeRequest:
		return "upgrade-request"
	case CmdUpgradeReply:
		return "upgrade-reply"
	case CmdProgress:
		return "progress"
	case CmdCRCResult:
		return "crc-result"
	case CmdUpdateSuccess:
		return "update-success"
	case CmdQuerySize:
		return "query-size"
	case CmdFinish:
		return "finish"
	case CmdData:
		return "data"
	}
	return fmt.Sprintf("cmd(0x%02X)", uint8(c))
}

// Command is one inbound command as handed over by the transport.
type Command struct {
	Code Cmd
	// Frames is the number of transport frames the payload arrived in.
	Frames  uint8
	Payload []byte
}

// upgradeTrailer is the fixed part after the version string: kind, size and
// CRC16.
const upgradeTrailer = 1 + 4 + 2

// UpgradeRequest is the decoded payload of CmdUpgradeRequest:
//
//	version[n] kind u8 size u32 crc16 u16
type UpgradeRequest struct {
	Version string
	Kind    bootparam.Kind
	Size    uint32
	CRC16   uint16
}

func (r UpgradeRequest) MarshalBinary() ([]byte, error) {
	if len(r.Version) > bootparam.MaxVersionLen {
		return nil, errors.Wrapf(ErrInvalidParam, "version %q too long", r.Version)
	}
	b := make([]byte, len(r.Version)+upgradeTrailer)
	n := copy(b, r.Version)
	b[n] = byte(r.Kind)
	binary.LittleEndian.PutUint32(b[n+1:], r.Size)
	binary.LittleEndian.PutUint16(b[n+5:], r.CRC16)
	return b, nil
}

func (r *UpgradeRequest) UnmarshalBinary(b []byte) error {
	n := len(b) - upgradeTrailer
	if n <= 0 || n > bootparam.MaxVersionLen {
		return errors.Wrapf(ErrInvalidParam, "upgrade request of %d bytes", len(b))
	}
	r.Version = string(b[:n])
	r.Kind = bootparam.Kind(b[n])
	r.Size = binary.LittleEndian.Uint32(b[n+1:])
	r.CRC16 = binary.LittleEndian.Uint16(b[n+5:])
	return nil
}

// Progress is the payload of CmdProgress.
type Progress struct {
	Frames uint16
	Bytes  uint32
}

func (p Progress) MarshalBinary() ([]byte, error) {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b, p.Frames)
	binary.LittleEndian.PutUint32(b[2:], p.Bytes)
	return b, nil
}

func (p *Progress) UnmarshalBinary(b []byte) error {
	if len(b) != 6 {
		return errors.Wrapf(ErrInvalidParam, "progress of %d bytes", len(b))
	}
	p.Frames = binary.LittleEndian.Uint16(b)
	p.Bytes = binary.LittleEndian.Uint32(b[2:])
	return nil
}

func boolPayload(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
