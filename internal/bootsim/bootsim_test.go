package bootsim

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/flash"
)

type board struct {
	mem     *flash.Mem
	app     *flash.Region
	staging *flash.Region
	params  *bootparam.Store
	img     []byte
}

func newBoard(t *testing.T, n int) *board {
	t.Helper()
	mem := flash.NewMem(64*1024, 1024)
	tbl, err := flash.DefaultLayout(mem)
	if err != nil {
		t.Fatal(err)
	}
	app, _ := tbl.Region(flash.PartitionApplication)
	staging, _ := tbl.Region(flash.PartitionOTATemp)
	pr, _ := tbl.Region(flash.PartitionParameter)
	b := &board{mem: mem, app: app, staging: staging, params: bootparam.NewStore(pr, nil)}

	b.img = make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b.img)
	if err := staging.Erase(0, int64(n)); err != nil {
		t.Fatal(err)
	}
	if err := staging.Write(0, b.img); err != nil {
		t.Fatal(err)
	}
	return b
}

func (b *board) stage(t *testing.T, edit func(*bootparam.Record)) {
	t.Helper()
	rec := bootparam.Record{
		SourceAddr:    b.staging.Base(),
		DestAddr:      b.app.Base(),
		Length:        uint32(len(b.img)),
		ImageCRC32:    crc.Checksum32(b.img),
		ImageCRC16:    crc.Checksum16(b.img),
		PendingOffset: uint32(len(b.img)),
		PendingCRC16:  crc.Checksum16(b.img),
		BinType:       bootparam.BinSingle,
		Flags:         bootparam.FlagReady,
		Version:       "1.1.0",
	}
	if edit != nil {
		edit(&rec)
	}
	if err := b.params.Write(rec); err != nil {
		t.Fatal(err)
	}
}

func (b *board) record(t *testing.T) bootparam.Record {
	t.Helper()
	rec, err := b.params.Read()
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (b *board) installed() []byte {
	return b.mem.Bytes()[b.app.Base() : int(b.app.Base())+len(b.img)]
}

func TestBoot(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*bootparam.Record)
		corrupt bool
		want    Outcome
		flags   bootparam.Flags
		copied  bool
	}{
		{name: "single bank", want: Applied, flags: bootparam.FlagDone, copied: true},
		{
			name:  "dual bank",
			edit:  func(r *bootparam.Record) { r.DestAddr = r.SourceAddr },
			want:  Applied,
			flags: bootparam.FlagDone,
		},
		{
			name:    "corrupt staging",
			corrupt: true,
			want:    RolledBack,
			flags:   bootparam.FlagRolledBack,
		},
		{
			name:  "unknown destination",
			edit:  func(r *bootparam.Record) { r.DestAddr = 0x00100000 },
			want:  RolledBack,
			flags: bootparam.FlagRolledBack,
		},
		{
			name:  "attempts exhausted",
			edit:  func(r *bootparam.Record) { r.BootCount = DefaultMaxAttempts },
			want:  RolledBack,
			flags: bootparam.FlagRolledBack,
		},
		{
			name:  "diff deferred",
			edit:  func(r *bootparam.Record) { r.Kind = bootparam.KindDiff; r.SplitSize = 4096 },
			want:  Deferred,
			flags: bootparam.FlagReady,
		},
		{
			name:  "not ready",
			edit:  func(r *bootparam.Record) { r.Flags = 0 },
			want:  NoUpdate,
			flags: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBoard(t, 5000)
			b.stage(t, tt.edit)
			if tt.corrupt {
				b.mem.Corrupt(int64(b.staging.Base())+100, 0x80)
			}
			before := b.record(t)

			got, err := New(b.params, []*flash.Region{b.app, b.staging}).Boot()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Boot() = %s, want %s", got, tt.want)
			}
			rec := b.record(t)
			if rec.Flags != tt.flags {
				t.Errorf("flags = %b, want %b", rec.Flags, tt.flags)
			}
			if copied := bytes.Equal(b.installed(), b.img); copied != tt.copied {
				t.Errorf("image installed = %v, want %v", copied, tt.copied)
			}
			if tt.want == Deferred || tt.want == NoUpdate {
				if rec != before {
					t.Errorf("record changed: %+v, was %+v", rec, before)
				}
			}
		})
	}
}

func TestBootCountsAttempts(t *testing.T) {
	b := newBoard(t, 3000)
	b.stage(t, nil)
	appEnd := int64(b.app.Base()) + b.app.Len()
	b.mem.WriteFault = func(off int64, p []byte) error {
		if off < appEnd {
			return errors.New("program timeout")
		}
		return nil
	}
	boot := New(b.params, []*flash.Region{b.app, b.staging}, WithMaxAttempts(2))

	for attempt := 1; attempt <= 2; attempt++ {
		got, err := boot.Boot()
		if got != Retry || err == nil {
			t.Fatalf("attempt %d: Boot() = %s, %v; want retry with error", attempt, got, err)
		}
		if rec := b.record(t); int(rec.BootCount) != attempt || rec.Flags != bootparam.FlagReady {
			t.Fatalf("attempt %d: record = %+v", attempt, rec)
		}
	}
	if got, err := boot.Boot(); got != RolledBack || err != nil {
		t.Fatalf("final Boot() = %s, %v; want rolled back", got, err)
	}
	if rec := b.record(t); rec.Flags != bootparam.FlagRolledBack {
		t.Errorf("flags = %b, want rolled back", rec.Flags)
	}
}

func TestBootRecoversAfterTransientFault(t *testing.T) {
	b := newBoard(t, 3000)
	b.stage(t, nil)
	fail := true
	b.mem.WriteFault = func(off int64, p []byte) error {
		if fail && off < int64(b.app.Base())+b.app.Len() {
			return errors.New("brown-out")
		}
		return nil
	}
	boot := New(b.params, []*flash.Region{b.app, b.staging})
	if got, _ := boot.Boot(); got != Retry {
		t.Fatalf("first Boot() = %s, want retry", got)
	}
	fail = false
	if got, err := boot.Boot(); got != Applied || err != nil {
		t.Fatalf("second Boot() = %s, %v", got, err)
	}
	if !bytes.Equal(b.installed(), b.img) {
		t.Error("image not installed")
	}

	// The running image confirms itself.
	rec, err := b.params.RollbackCheck()
	if err != nil {
		t.Fatal(err)
	}
	if rec.BootCount != 0 || rec.Flags != bootparam.FlagDone {
		t.Errorf("after rollback check: %+v", rec)
	}
	if got, _ := boot.Boot(); got != NoUpdate {
		t.Errorf("Boot() after apply = %s, want no update", got)
	}
}

func TestBootCorruptRecord(t *testing.T) {
	b := newBoard(t, 1024)
	got, err := New(b.params, []*flash.Region{b.app, b.staging}).Boot()
	if got != NoUpdate || err != nil {
		t.Errorf("Boot() on erased record = %s, %v", got, err)
	}
}
