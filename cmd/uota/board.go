package main

import (
	"flag"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota"
	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/bootsim"
	"github.com/gentam/uota/internal/flash"
	"github.com/gentam/uota/internal/kv"
	"github.com/gentam/uota/internal/transfer"
)

// flashFlags select the flash backend a command works on.
type flashFlags struct {
	backend   string
	size      int64
	eraseSize int64
}

func (f *flashFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backend, "flash", "mem", "flash backend: mem, file:PATH or ftdi")
	fs.Int64Var(&f.size, "size", 1<<20, "flash size for mem and file backends")
	fs.Int64Var(&f.eraseSize, "erase-size", 4096, "erase size for mem and file backends")
}

// board is the flash layout of one device and the OTA pieces bound to it.
type board struct {
	dev    flash.Device
	table  *flash.Table
	target transfer.Target
	params *bootparam.Store
	spi    *uota.Device

	close func() error
}

func (f *flashFlags) open(log logrus.FieldLogger) (*board, error) {
	b := &board{close: func() error { return nil }}
	switch {
	case f.backend == "mem":
		b.dev = flash.NewMem(f.size, f.eraseSize)
	case strings.HasPrefix(f.backend, "file:"):
		fd, err := flash.OpenFile(strings.TrimPrefix(f.backend, "file:"), f.size, f.eraseSize)
		if err != nil {
			return nil, err
		}
		b.dev, b.close = fd, fd.Close
	case f.backend == "ftdi":
		d, err := uota.NewDevice()
		if err != nil {
			return nil, err
		}
		if err := d.HoldTarget(); err != nil {
			return nil, errors.Wrap(err, "hold target in reset")
		}
		if err := d.Flash.PowerUp(); err != nil {
			return nil, errors.Wrap(err, "flash power up failed")
		}
		id, name, err := d.Flash.ReadID()
		if err != nil {
			return nil, errors.Wrap(err, "read flash ID failed")
		}
		if name == "" {
			return nil, errors.Wrapf(uota.ErrUnknownChip, "JEDEC ID %X", id)
		}
		log.WithFields(logrus.Fields{"id": id, "chip": name}).Info("flash identified")
		b.dev, b.spi = d.Flash, d
		b.close = func() error {
			d.Flash.PowerDown()
			return d.ReleaseTarget()
		}
	default:
		return nil, errors.Errorf("unknown flash backend %q", f.backend)
	}

	tbl, err := flash.DefaultLayout(b.dev)
	if err != nil {
		b.close()
		return nil, err
	}
	b.table = tbl
	staging, _ := tbl.Region(flash.PartitionOTATemp)
	app, _ := tbl.Region(flash.PartitionApplication)
	pr, _ := tbl.Region(flash.PartitionParameter)
	b.params = bootparam.NewStore(pr, log)
	b.target = transfer.Target{Staging: staging, App: app, Params: b.params}
	return b, nil
}

// bootloader returns the simulator for this layout.
func (b *board) bootloader(log logrus.FieldLogger) *bootsim.Bootloader {
	regions := []*flash.Region{b.target.App, b.target.Staging}
	if b.target.Kernel != nil {
		regions = append(regions, b.target.Kernel)
	}
	return bootsim.New(b.params, regions, bootsim.WithLogger(log))
}

// engineFlags configure the transfer machine.
type engineFlags struct {
	version   string
	multi     bool
	dual      bool
	diffSplit uint
	kvPath    string
	disabled  bool
}

func (e *engineFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&e.version, "version", "1.0.0", "running firmware version")
	fs.BoolVar(&e.multi, "multi", false, "accept separate app and kernel images instead of single images")
	fs.BoolVar(&e.dual, "dual", false, "dual-bank device: boot the staging bank in place")
	fs.UintVar(&e.diffSplit, "diff", 0, "accept diff images with this split size (0 disables)")
	fs.StringVar(&e.kvPath, "kv", "", "keep transfer breakpoints in a key-value file instead of the boot record (\"mem\" for in memory)")
	fs.BoolVar(&e.disabled, "disabled", false, "leave the OTA feature disabled")
}

func (e *engineFlags) options(b *board, log logrus.FieldLogger) []transfer.Option {
	opts := []transfer.Option{
		transfer.WithPageSize(uint32(b.dev.EraseSize())),
		transfer.WithMultiImage(e.multi),
		transfer.WithDualBank(e.dual),
		transfer.WithFeatureEnabled(!e.disabled),
		transfer.WithLogger(log),
	}
	if e.diffSplit > 0 {
		opts = append(opts, transfer.WithDiffUpgrade(uint32(e.diffSplit)))
	}
	switch e.kvPath {
	case "":
	case "mem":
		opts = append(opts, transfer.WithCheckpointer(kv.Checkpoint{Store: kv.NewMem()}))
	default:
		opts = append(opts, transfer.WithCheckpointer(kv.Checkpoint{Store: kv.NewFile(e.kvPath)}))
	}
	return opts
}
