package transfer

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/bootparam"
)

// BinInfoOffset is where the image type magic sits in every image.
const BinInfoOffset = 0x28

const (
	MagicApp    uint32 = 0xabababab
	MagicKernel uint32 = 0xcdcdcdcd
	MagicSingle uint32 = 0xefefefef
)

var binMagics = map[uint32]bootparam.BinType{
	MagicApp:    bootparam.BinApp,
	MagicKernel: bootparam.BinKernel,
	MagicSingle: bootparam.BinSingle,
}

// crossesBinInfo reports whether a chunk of n bytes written at off covers
// the image type magic.
func crossesBinInfo(off uint32, n int) bool {
	return off <= BinInfoOffset && off+uint32(n) >= BinInfoOffset+4
}

// detectBinType reads the magic from a chunk written at off and checks it
// against the device capability.
func detectBinType(chunk []byte, off uint32, multiImage bool) (bootparam.BinType, error) {
	i := BinInfoOffset - off
	magic := binary.LittleEndian.Uint32(chunk[i : i+4])
	bt, ok := binMagics[magic]
	if !ok {
		return bootparam.BinUnknown, errors.Wrapf(ErrBadMagic, "magic 0x%08X", magic)
	}
	if multiImage && bt == bootparam.BinSingle {
		return bt, errors.Wrap(ErrBadMagic, "single image on multi-image device")
	}
	if !multiImage && bt != bootparam.BinSingle {
		return bt, errors.Wrapf(ErrBadMagic, "%s image on single-image device", bt)
	}
	return bt, nil
}
