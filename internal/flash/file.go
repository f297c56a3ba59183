package flash

import (
	"os"

	"github.com/pkg/errors"
)

// File is a flash image kept in a regular file, so the parameter partition and
// staged image survive restarts of a host-side device emulation. It applies
// the same NOR rules as Mem.
type File struct {
	f         *os.File
	size      int64
	eraseSize int64
}

// OpenFile opens or creates path as a device of size bytes. A new or short
// file is extended with erased (0xFF) bytes.
func OpenFile(path string, size, eraseSize int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open flash image")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat flash image")
	}
	if cur := st.Size(); cur < size {
		pad := make([]byte, size-cur)
		for i := range pad {
			pad[i] = 0xFF
		}
		if _, err := f.WriteAt(pad, cur); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "extend flash image")
		}
	}
	return &File{f: f, size: size, eraseSize: eraseSize}, nil
}

func (d *File) Size() int64      { return d.size }
func (d *File) EraseSize() int64 { return d.eraseSize }
func (d *File) Close() error     { return d.f.Close() }

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, off, int64(len(p))); err != nil {
		return 0, err
	}
	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, off); err != nil {
		return 0, err
	}
	for i, b := range p {
		if cur[i]&b != b {
			return 0, errors.Wrapf(ErrNotErased, "at 0x%X", off+int64(i))
		}
		cur[i] &= b
	}
	return d.f.WriteAt(cur, off)
}

func (d *File) Erase(off, n int64) error {
	if off%d.eraseSize != 0 {
		return errors.Wrapf(ErrUnaligned, "erase at 0x%X", off)
	}
	n = AlignUp(n, d.eraseSize)
	if err := checkRange(d, off, n); err != nil {
		return err
	}
	blank := make([]byte, n)
	for i := range blank {
		blank[i] = 0xFF
	}
	_, err := d.f.WriteAt(blank, off)
	return err
}
