package flash

import (
	"sync"

	"github.com/pkg/errors"
)

// Mem is an in-memory NOR flash. Erase sets bytes to 0xFF and WriteAt
// refuses to program a byte whose erased bits it would have to set.
//
// The fault hooks are consulted before each operation; returning a non-nil
// error makes the operation fail without touching the array.
type Mem struct {
	mu        sync.Mutex
	data      []byte
	eraseSize int64

	EraseFault func(off, n int64) error
	WriteFault func(off int64, p []byte) error

	// Erases counts successful Erase calls.
	Erases int
}

// NewMem returns a fully erased device of size bytes.
func NewMem(size, eraseSize int64) *Mem {
	m := &Mem{data: make([]byte, size), eraseSize: eraseSize}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

func (m *Mem) Size() int64      { return int64(len(m.data)) }
func (m *Mem) EraseSize() int64 { return m.eraseSize }

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(m, off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(m, off, int64(len(p))); err != nil {
		return 0, err
	}
	if m.WriteFault != nil {
		if err := m.WriteFault(off, p); err != nil {
			return 0, err
		}
	}
	for i, b := range p {
		if cur := m.data[off+int64(i)]; cur&b != b {
			return i, errors.Wrapf(ErrNotErased, "at 0x%X", off+int64(i))
		}
	}
	for i, b := range p {
		m.data[off+int64(i)] &= b
	}
	return len(p), nil
}

func (m *Mem) Erase(off, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off%m.eraseSize != 0 {
		return errors.Wrapf(ErrUnaligned, "erase at 0x%X", off)
	}
	n = AlignUp(n, m.eraseSize)
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	if m.EraseFault != nil {
		if err := m.EraseFault(off, n); err != nil {
			return err
		}
	}
	for i := off; i < off+n; i++ {
		m.data[i] = 0xFF
	}
	m.Erases++
	return nil
}

// Bytes returns a copy of the whole array.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Corrupt XORs the byte at off with mask, bypassing NOR rules. It stands in
// for bit rot and torn writes in tests.
func (m *Mem) Corrupt(off int64, mask byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[off] ^= mask
}
