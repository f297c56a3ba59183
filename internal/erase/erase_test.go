package erase

import (
	"errors"
	"testing"

	"github.com/gentam/uota/internal/flash"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		expected uint32
		received uint32
		want     uint32
	}{
		{name: "fresh exact pages", expected: 4096, received: 0, want: 4},
		{name: "fresh partial last page", expected: 4097, received: 0, want: 5},
		{name: "resume on boundary", expected: 4096, received: 2048, want: 2},
		{name: "resume mid page", expected: 4096, received: 2100, want: 1},
		{name: "resume complete", expected: 4096, received: 4096, want: 0},
		{name: "tiny image", expected: 4, received: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Plan(tt.expected, tt.received, 1024); got != tt.want {
				t.Errorf("Plan(%d, %d) = %d, want %d", tt.expected, tt.received, got, tt.want)
			}
		})
	}
}

func newRegion(t *testing.T, m *flash.Mem) *flash.Region {
	t.Helper()
	r, err := flash.NewRegion(m, flash.PartitionOTATemp, 4096, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEraseNext(t *testing.T) {
	m := flash.NewMem(8192, 1024)
	// Dirty the whole staging bank.
	m.WriteAt(make([]byte, 4096), 4096)
	c := NewCursor(newRegion(t, m), 1024, 3000, 0)

	for i := uint32(1); i <= 3; i++ {
		if err := c.EraseNext(); err != nil {
			t.Fatal(err)
		}
		if c.Erased() != i {
			t.Fatalf("Erased() = %d, want %d", c.Erased(), i)
		}
		b := make([]byte, 1)
		m.ReadAt(b, 4096+int64(i-1)*1024)
		if b[0] != 0xFF {
			t.Errorf("page %d not erased", i-1)
		}
	}
	if !c.Done() {
		t.Error("Done() = false after erasing all pages")
	}
	erases := m.Erases
	if err := c.EraseNext(); err != nil || m.Erases != erases {
		t.Error("EraseNext() past the image touched flash")
	}
	b := make([]byte, 1)
	m.ReadAt(b, 4096+3*1024)
	if b[0] != 0x00 {
		t.Error("page beyond image was erased")
	}
}

func TestZeroPagesIsComplete(t *testing.T) {
	m := flash.NewMem(8192, 1024)
	c := NewCursor(newRegion(t, m), 1024, 2048, 2048)
	if !c.Done() {
		t.Fatal("resume at end of image should need no erase")
	}
	if err := c.EnsureErased(2048); err != nil {
		t.Fatal(err)
	}
	if m.Erases != 0 {
		t.Errorf("Erases = %d, want 0", m.Erases)
	}
}

func TestEnsureErased(t *testing.T) {
	m := flash.NewMem(8192, 1024)
	c := NewCursor(newRegion(t, m), 1024, 4096, 0)
	if err := c.EnsureErased(1500); err != nil {
		t.Fatal(err)
	}
	if c.Erased() != 2 {
		t.Errorf("Erased() = %d, want 2", c.Erased())
	}
	if c.ErasedBytes() < 1500 {
		t.Errorf("ErasedBytes() = %d does not cover 1500", c.ErasedBytes())
	}
}

func TestEraseFault(t *testing.T) {
	m := flash.NewMem(8192, 1024)
	m.EraseFault = func(off, n int64) error { return errors.New("device timeout") }
	c := NewCursor(newRegion(t, m), 1024, 4096, 0)

	if err := c.EraseNext(); !errors.Is(err, ErrEraseFault) {
		t.Fatalf("EraseNext() err = %v, want ErrEraseFault", err)
	}
	if c.Erased() != 0 {
		t.Errorf("cursor advanced on failure: Erased() = %d", c.Erased())
	}
}
