package image

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/erase"
	"github.com/gentam/uota/internal/flash"
	"github.com/gentam/uota/internal/kv"
)

const pageSize = 1024

func newFixture(t *testing.T) (*flash.Mem, *flash.Region, kv.Checkpoint) {
	t.Helper()
	m := flash.NewMem(64*1024, pageSize)
	r, err := flash.NewRegion(m, flash.PartitionOTATemp, 32*1024, 16*1024)
	if err != nil {
		t.Fatal(err)
	}
	return m, r, kv.Checkpoint{Store: kv.NewMem()}
}

func randImage(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// feed writes img[from:] in chunks whose sizes cycle through sizes.
func feed(t *testing.T, w *Writer, img []byte, from int, sizes ...int) {
	t.Helper()
	for i, off := 0, from; off < len(img); i++ {
		n := min(sizes[i%len(sizes)], len(img)-off)
		if err := w.Write(img[off : off+n]); err != nil {
			t.Fatalf("Write at %d: %v", off, err)
		}
		off += n
	}
}

func TestWriteAndFinish(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		sizes []int
	}{
		{name: "page chunks", size: 4 * pageSize, sizes: []int{pageSize}},
		{name: "small chunks", size: 3000, sizes: []int{20}},
		{name: "irregular chunks", size: 5000, sizes: []int{244, 1000, 4, 512}},
		{name: "single word", size: 4, sizes: []int{4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, r, ckpt := newFixture(t)
			img := randImage(tt.size)
			w := NewWriter(r, pageSize, ckpt, nil)
			if err := w.Init(Params{Length: uint32(tt.size)}); err != nil {
				t.Fatal(err)
			}
			feed(t, w, img, 0, tt.sizes...)

			res, err := w.Finish(crc.Checksum16(img))
			if err != nil {
				t.Fatal(err)
			}
			if res.CRC32 != crc.Checksum32(img) {
				t.Errorf("CRC32 = 0x%08X, want 0x%08X", res.CRC32, crc.Checksum32(img))
			}
			got := m.Bytes()[32*1024 : 32*1024+tt.size]
			if !bytes.Equal(got, img) {
				t.Error("flash contents differ from image")
			}
		})
	}
}

func TestWriteRejects(t *testing.T) {
	_, r, ckpt := newFixture(t)
	w := NewWriter(r, pageSize, ckpt, nil)
	if err := w.Init(Params{Length: 2048}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		chunk []byte
		err   error
	}{
		{name: "empty", chunk: nil, err: ErrInvalidParam},
		{name: "oversized", chunk: make([]byte, pageSize+4), err: ErrOversizedChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.Write(tt.chunk); !errors.Is(err, tt.err) {
				t.Errorf("Write() err = %v, want %v", err, tt.err)
			}
			if w.Received() != 0 {
				t.Errorf("Received() = %d after rejected write", w.Received())
			}
		})
	}

	feed(t, w, make([]byte, 2044), 0, 1000)
	if err := w.Write(make([]byte, 8)); !errors.Is(err, ErrOverflow) {
		t.Errorf("Write() past length err = %v, want ErrOverflow", err)
	}
}

func TestEagerErase(t *testing.T) {
	m, r, ckpt := newFixture(t)
	// Leftovers of an earlier image would make every program fail.
	m.WriteAt(make([]byte, r.Len()), int64(r.Base()))
	img := randImage(3000)

	w := NewWriter(r, pageSize, ckpt, nil)
	if err := w.Init(Params{Length: uint32(len(img)), EagerErase: true}); err != nil {
		t.Fatal(err)
	}
	feed(t, w, img, 0, 500)
	if _, err := w.Finish(crc.Checksum16(img)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Bytes()[32*1024:32*1024+len(img)], img) {
		t.Error("flash contents differ from image")
	}

	m.EraseFault = func(off, n int64) error { return errors.New("erase timeout") }
	w2 := NewWriter(r, pageSize, ckpt, nil)
	if err := w2.Init(Params{Length: 1024, EagerErase: true}); !errors.Is(err, erase.ErrEraseFault) {
		t.Errorf("Init() with failing erase err = %v, want ErrEraseFault", err)
	}
}

func TestInitInvalidSize(t *testing.T) {
	_, r, ckpt := newFixture(t)
	w := NewWriter(r, pageSize, ckpt, nil)
	for _, n := range []uint32{0, uint32(r.Len()) + 1} {
		if err := w.Init(Params{Length: n}); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Init(Length: %d) err = %v, want ErrInvalidSize", n, err)
		}
	}
}

func TestBreakpointResume(t *testing.T) {
	img := randImage(7000)
	want := crc.Checksum16(img)

	for _, cut := range []int{4, 1020, 1024, 2048, 3332, 6996} {
		m, r, ckpt := newFixture(t)
		w := NewWriter(r, pageSize, ckpt, nil)
		if err := w.Init(Params{Length: uint32(len(img))}); err != nil {
			t.Fatal(err)
		}
		feed(t, w, img[:cut], 0, 244)
		if err := w.Breakpoint(); err != nil {
			t.Fatal(err)
		}
		off, sum, err := ckpt.Load()
		if err != nil {
			t.Fatal(err)
		}
		if off != uint32(cut) || sum != crc.Checksum16(img[:cut]) {
			t.Fatalf("cut %d: checkpoint (%d, 0x%04X), want (%d, 0x%04X)", cut, off, sum, cut, crc.Checksum16(img[:cut]))
		}

		w2 := NewWriter(r, pageSize, ckpt, nil)
		if err := w2.Init(Params{Offset: off, Length: uint32(len(img))}); err != nil {
			t.Fatal(err)
		}
		feed(t, w2, img, cut, 100, 244)
		res, err := w2.Finish(want)
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if res.CRC16 != want {
			t.Errorf("cut %d: CRC16 = 0x%04X, want 0x%04X", cut, res.CRC16, want)
		}
		if !bytes.Equal(m.Bytes()[32*1024:32*1024+len(img)], img) {
			t.Errorf("cut %d: flash contents differ", cut)
		}
	}
}

func TestResumeOffsetMismatch(t *testing.T) {
	_, r, ckpt := newFixture(t)
	ckpt.Save(2048, 0x1234)
	w := NewWriter(r, pageSize, ckpt, nil)
	if err := w.Init(Params{Offset: 1024, Length: 4096}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Init() err = %v, want ErrInvalidParam", err)
	}
}

func TestFinishMismatchResetsCheckpoint(t *testing.T) {
	_, r, ckpt := newFixture(t)
	img := randImage(3000)
	w := NewWriter(r, pageSize, ckpt, nil)
	if err := w.Init(Params{Length: uint32(len(img))}); err != nil {
		t.Fatal(err)
	}
	want := crc.Checksum16(img)
	img[len(img)-1] ^= 0x01
	feed(t, w, img, 0, 500)
	if !w.CheckpointDue() {
		t.Fatal("CheckpointDue() = false at end of image")
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err := w.Finish(want)
	var me *MismatchError
	if !errors.As(err, &me) || !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("Finish() err = %v, want *MismatchError", err)
	}
	if me.Expected != want || me.Actual != crc.Checksum16(img) {
		t.Errorf("MismatchError = %+v", me)
	}
	off, sum, _ := ckpt.Load()
	if off != 0 || sum != crc.Init16 {
		t.Errorf("checkpoint after mismatch = (%d, 0x%04X), want (0, 0xFFFF)", off, sum)
	}
}

func TestFinishIncomplete(t *testing.T) {
	_, r, ckpt := newFixture(t)
	w := NewWriter(r, pageSize, ckpt, nil)
	w.Init(Params{Length: 2048})
	w.Write(make([]byte, 1024))
	if _, err := w.Finish(0); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Finish() err = %v, want ErrInvalidParam", err)
	}
}

func TestEraseTrackerGuard(t *testing.T) {
	m, r, ckpt := newFixture(t)
	m.WriteAt(make([]byte, r.Len()), int64(r.Base()))
	w := NewWriter(r, pageSize, ckpt, nil)
	if err := w.Init(Params{Length: 4096}); err != nil {
		t.Fatal(err)
	}
	cur := erase.NewCursor(r, pageSize, 4096, 0)
	w.SetEraseTracker(cur)

	if err := w.Write(make([]byte, pageSize)); !errors.Is(err, flash.ErrNotErased) {
		t.Fatalf("Write() without erase err = %v, want ErrNotErased", err)
	}

	w2 := NewWriter(r, pageSize, ckpt, nil)
	w2.Init(Params{Length: 4096})
	w2.SetEraseTracker(cur)
	img := randImage(4096)
	for off := 0; off < len(img); off += 512 {
		if err := cur.EnsureErased(uint32(off + 512)); err != nil {
			t.Fatal(err)
		}
		if err := w2.Write(img[off : off+512]); err != nil {
			t.Fatalf("Write at %d: %v", off, err)
		}
		if w2.Received() > cur.ErasedBytes() {
			t.Fatalf("write cursor %d passed erase cursor %d", w2.Received(), cur.ErasedBytes())
		}
	}
	if _, err := w2.Finish(crc.Checksum16(img)); err != nil {
		t.Fatal(err)
	}
}

func TestWriteFault(t *testing.T) {
	m, r, ckpt := newFixture(t)
	m.WriteFault = func(off int64, p []byte) error { return errors.New("program timeout") }
	w := NewWriter(r, pageSize, ckpt, nil)
	w.Init(Params{Length: 2048})
	if err := w.Write(make([]byte, pageSize)); !errors.Is(err, ErrWriteFault) {
		t.Errorf("Write() err = %v, want ErrWriteFault", err)
	}
}

func TestCheckpointDue(t *testing.T) {
	_, r, ckpt := newFixture(t)
	w := NewWriter(r, pageSize, ckpt, nil)
	w.Init(Params{Length: 3 * pageSize})

	w.Write(make([]byte, 1000))
	if w.CheckpointDue() {
		t.Error("CheckpointDue() before first page flushed")
	}
	w.Write(make([]byte, 100))
	if !w.CheckpointDue() {
		t.Fatal("CheckpointDue() = false after page flush")
	}
	w.Commit()
	if off, _ := w.Checkpoint(); off != pageSize {
		t.Errorf("Checkpoint() offset = %d, want %d", off, pageSize)
	}
	if w.CheckpointDue() {
		t.Error("CheckpointDue() right after Commit")
	}
}
