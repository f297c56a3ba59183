package flash

import (
	"fmt"

	"github.com/pkg/errors"
)

// PartitionID names a logical partition.
type PartitionID int

const (
	PartitionApplication PartitionID = iota
	PartitionKernel
	PartitionOTATemp
	PartitionParameter
	PartitionKV
)

func (id PartitionID) String() string {
	switch id {
	case PartitionApplication:
		return "application"
	case PartitionKernel:
		return "kernel"
	case PartitionOTATemp:
		return "ota-temp"
	case PartitionParameter:
		return "parameter"
	case PartitionKV:
		return "kv"
	}
	return fmt.Sprintf("partition(%d)", int(id))
}

// Partition is a contiguous, erase-aligned range of a device.
type Partition struct {
	ID     PartitionID
	Offset int64
	Length int64
}

// Table maps partition IDs to their placement on one device.
type Table struct {
	dev   Device
	parts map[PartitionID]Partition
}

// NewTable validates parts against dev: every partition must be erase
// aligned, fit on the device and not overlap another.
func NewTable(dev Device, parts ...Partition) (*Table, error) {
	t := &Table{dev: dev, parts: make(map[PartitionID]Partition, len(parts))}
	es := dev.EraseSize()
	for i, p := range parts {
		if p.Offset%es != 0 || p.Length%es != 0 || p.Length <= 0 {
			return nil, errors.Wrapf(ErrUnaligned, "%s: 0x%X+0x%X", p.ID, p.Offset, p.Length)
		}
		if err := checkRange(dev, p.Offset, p.Length); err != nil {
			return nil, errors.Wrapf(err, "%s", p.ID)
		}
		if _, dup := t.parts[p.ID]; dup {
			return nil, errors.Errorf("flash: duplicate partition %s", p.ID)
		}
		for _, q := range parts[:i] {
			if p.Offset < q.Offset+q.Length && q.Offset < p.Offset+p.Length {
				return nil, errors.Errorf("flash: partition %s overlaps %s", p.ID, q.ID)
			}
		}
		t.parts[p.ID] = p
	}
	return t, nil
}

// DefaultLayout splits dev the way the reference boards do: the top erase
// block holds the boot parameters, the one below it the key-value store, and
// the rest is halved into the running application and the OTA staging bank.
func DefaultLayout(dev Device) (*Table, error) {
	es := dev.EraseSize()
	size := dev.Size() &^ (es - 1)
	if size < 4*es {
		return nil, errors.Wrapf(ErrOutOfRange, "device too small for default layout (0x%X)", size)
	}
	bank := (size - 2*es) / 2 &^ (es - 1)
	return NewTable(dev,
		Partition{ID: PartitionApplication, Offset: 0, Length: bank},
		Partition{ID: PartitionOTATemp, Offset: bank, Length: bank},
		Partition{ID: PartitionKV, Offset: size - 2*es, Length: es},
		Partition{ID: PartitionParameter, Offset: size - es, Length: es},
	)
}

// Info returns the placement of id.
func (t *Table) Info(id PartitionID) (Partition, bool) {
	p, ok := t.parts[id]
	return p, ok
}

// Region returns a bounds-checked view of partition id.
func (t *Table) Region(id PartitionID) (*Region, error) {
	p, ok := t.parts[id]
	if !ok {
		return nil, errors.Errorf("flash: no %s partition", id)
	}
	return &Region{dev: t.dev, part: p}, nil
}

// Device returns the underlying device.
func (t *Table) Device() Device {
	return t.dev
}
