package transfer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gentam/uota/internal/bootparam"
)

func TestUpgradeRequestLayout(t *testing.T) {
	req := UpgradeRequest{Version: "1.2.3", Kind: bootparam.KindDiff, Size: 0x01020304, CRC16: 0xBEEF}
	b, err := req.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'1', '.', '2', '.', '3', 0x01, 0x04, 0x03, 0x02, 0x01, 0xEF, 0xBE}
	if !bytes.Equal(b, want) {
		t.Fatalf("MarshalBinary() = % X, want % X", b, want)
	}
	var got UpgradeRequest
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Errorf("UnmarshalBinary() = %+v, want %+v", got, req)
	}
}

func TestUpgradeRequestMalformed(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{name: "empty", b: nil},
		{name: "no version", b: make([]byte, upgradeTrailer)},
		{name: "version too long", b: make([]byte, upgradeTrailer+bootparam.MaxVersionLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r UpgradeRequest
			if err := r.UnmarshalBinary(tt.b); !errors.Is(err, ErrInvalidParam) {
				t.Errorf("UnmarshalBinary() err = %v, want ErrInvalidParam", err)
			}
		})
	}
}

func TestProgressLayout(t *testing.T) {
	b, _ := Progress{Frames: 0x0102, Bytes: 0x0A0B0C0D}.MarshalBinary()
	want := []byte{0x02, 0x01, 0x0D, 0x0C, 0x0B, 0x0A}
	if !bytes.Equal(b, want) {
		t.Errorf("MarshalBinary() = % X, want % X", b, want)
	}
}

func TestDetectBinType(t *testing.T) {
	chunk := func(magic uint32) []byte {
		b := make([]byte, 64)
		b[BinInfoOffset] = byte(magic)
		b[BinInfoOffset+1] = byte(magic >> 8)
		b[BinInfoOffset+2] = byte(magic >> 16)
		b[BinInfoOffset+3] = byte(magic >> 24)
		return b
	}
	tests := []struct {
		name  string
		magic uint32
		multi bool
		want  bootparam.BinType
		ok    bool
	}{
		{name: "single on single", magic: MagicSingle, want: bootparam.BinSingle, ok: true},
		{name: "app on single", magic: MagicApp, ok: false},
		{name: "app on multi", magic: MagicApp, multi: true, want: bootparam.BinApp, ok: true},
		{name: "kernel on multi", magic: MagicKernel, multi: true, want: bootparam.BinKernel, ok: true},
		{name: "single on multi", magic: MagicSingle, multi: true, ok: false},
		{name: "unknown", magic: 0x12345678, multi: true, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt, err := detectBinType(chunk(tt.magic), 0, tt.multi)
			if tt.ok != (err == nil) {
				t.Fatalf("detectBinType() err = %v, want ok=%v", err, tt.ok)
			}
			if !tt.ok {
				if !errors.Is(err, ErrBadMagic) {
					t.Errorf("err = %v, want ErrBadMagic", err)
				}
				return
			}
			if bt != tt.want {
				t.Errorf("detectBinType() = %s, want %s", bt, tt.want)
			}
		})
	}
}

func TestCrossesBinInfo(t *testing.T) {
	tests := []struct {
		off  uint32
		n    int
		want bool
	}{
		{0, 0x2C, true},
		{0, 0x28, false},
		{0x28, 4, true},
		{0x2C, 100, false},
		{0x20, 12, true},
	}
	for _, tt := range tests {
		if got := crossesBinInfo(tt.off, tt.n); got != tt.want {
			t.Errorf("crossesBinInfo(0x%X, %d) = %v, want %v", tt.off, tt.n, got, tt.want)
		}
	}
}
