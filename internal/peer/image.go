package peer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/crc"
)

// Image is a firmware image ready to upload.
type Image struct {
	Version string
	Kind    bootparam.Kind
	Data    []byte
}

// CRC16 returns the checksum declared in the upgrade request.
func (img Image) CRC16() uint16 { return crc.Checksum16(img.Data) }

// LoadImage reads a raw binary, or an Intel HEX file (.hex, .ihex) flattened
// from its lowest to its highest address with gaps filled with 0xFF. The
// result is padded with 0xFF to a multiple of 4 bytes.
func LoadImage(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "peer: read image")
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		data, err = flattenHex(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "peer: %s", path)
		}
	default:
		data = raw
	}
	if len(data) == 0 {
		return nil, errors.Errorf("peer: %s is empty", path)
	}
	for len(data)%4 != 0 {
		data = append(data, 0xFF)
	}
	return data, nil
}

func flattenHex(raw []byte) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, nil
	}
	start := segs[0].Address
	last := segs[len(segs)-1]
	end := last.Address + uint32(len(last.Data))
	return mem.ToBinary(start, end-start, 0xFF), nil
}
