// Package kv is the small key-value store the OTA engine uses to checkpoint
// the running CRC16 when the boot record is not the checkpoint target.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/gentam/uota/internal/crc"
)

var ErrNotFound = errors.New("kv: key not found")

// Store gets and sets opaque values by key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte) error
}

// Mem is a map-backed Store.
type Mem struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewMem() *Mem {
	return &Mem{m: make(map[string][]byte)}
}

func (s *Mem) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (s *Mem) Set(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), val...)
	return nil
}

// File is a Store persisted as a JSON object. Every Set rewrites the file
// through a temporary and a rename so a crash leaves either the old or the
// new contents.
type File struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (s *File) load() (map[string][]byte, error) {
	m := make(map[string][]byte)
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "kv: read")
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrapf(err, "kv: %s is not a kv file", s.path)
	}
	return m, nil
}

func (s *File) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return v, nil
}

func (s *File) Set(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = val
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "kv: encode")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".kv-*")
	if err != nil {
		return errors.Wrap(err, "kv: write")
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "kv: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "kv: write")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "kv: commit")
}

// Keys used by Checkpoint.
const (
	KeyCRC16  = "ota_file_crc16"
	KeyOffset = "ota_file_offset"
)

// Checkpoint stores the transfer breakpoint (offset and running CRC16) in a
// Store. A missing entry reads as a fresh transfer.
type Checkpoint struct {
	Store Store
}

func (c Checkpoint) Save(offset uint32, sum uint16) error {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[:2], sum)
	if err := c.Store.Set(KeyCRC16, b[:2]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[:], offset)
	return c.Store.Set(KeyOffset, b[:])
}

func (c Checkpoint) Load() (uint32, uint16, error) {
	off, err := c.Store.Get(KeyOffset)
	if errors.Is(err, ErrNotFound) {
		return 0, crc.Init16, nil
	}
	if err != nil {
		return 0, 0, err
	}
	sum, err := c.Store.Get(KeyCRC16)
	if errors.Is(err, ErrNotFound) {
		return 0, crc.Init16, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(off) != 4 || len(sum) != 2 {
		return 0, 0, errors.New("kv: malformed checkpoint")
	}
	return binary.LittleEndian.Uint32(off), binary.LittleEndian.Uint16(sum), nil
}
