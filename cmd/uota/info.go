package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/flash"
)

var partitions = []flash.PartitionID{
	flash.PartitionApplication,
	flash.PartitionKernel,
	flash.PartitionOTATemp,
	flash.PartitionKV,
	flash.PartitionParameter,
}

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var ff flashFlags
	ff.register(fs)
	fs.Parse(args)

	log := newLogger()
	b, err := ff.open(log)
	if err != nil {
		fatalf("open flash: %v", err)
	}
	defer b.close()

	if b.spi != nil {
		id, name, err := b.spi.Flash.ReadID()
		if err != nil {
			fatalf("read flash ID failed: %v", err)
		}
		fmt.Printf("Flash ID:        %X\t%s\n", id, name)
		sr, err := b.spi.Flash.ReadStatusRegister()
		if err != nil {
			fatalf("read flash status register failed: %v", err)
		}
		fmt.Printf("Status:          %s\n", sr)
	}
	fmt.Printf("Flash size:      %#x (erase %#x)\n", b.dev.Size(), b.dev.EraseSize())
	for _, id := range partitions {
		if p, ok := b.table.Info(id); ok {
			fmt.Printf("%-16s %#08x +%#x\n", id.String()+":", p.Offset, p.Length)
		}
	}

	rec, err := b.params.Read()
	if errors.Is(err, bootparam.ErrCorruptRecord) {
		fmt.Println("Boot record:     none")
		return
	}
	if err != nil {
		fatalf("read boot record: %v", err)
	}
	printRecord(rec)
}

func printRecord(rec bootparam.Record) {
	fmt.Printf("Boot record:\n")
	fmt.Printf("  Version:       %s\n", rec.Version)
	fmt.Printf("  Image:         %s, %d bytes, crc16 %#04x, crc32 %#08x\n", rec.BinType, rec.Length, rec.ImageCRC16, rec.ImageCRC32)
	fmt.Printf("  Copy:          %#08x -> %#08x\n", rec.SourceAddr, rec.DestAddr)
	fmt.Printf("  Pending:       %d (crc16 %#04x)\n", rec.PendingOffset, rec.PendingCRC16)
	if rec.Kind == bootparam.KindDiff {
		fmt.Printf("  Diff split:    %d\n", rec.SplitSize)
	}
	var flags []string
	for _, f := range []struct {
		bit  bootparam.Flags
		name string
	}{
		{bootparam.FlagReady, "ready"},
		{bootparam.FlagDone, "done"},
		{bootparam.FlagRolledBack, "rolled-back"},
	} {
		if rec.Flags&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	fmt.Printf("  Flags:         %v\n", flags)
	fmt.Printf("  Boot count:    %d\n", rec.BootCount)
}

func rollbackCommand(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	var (
		ff   flashFlags
		boot bool
	)
	ff.register(fs)
	fs.BoolVar(&boot, "boot", false, "run the bootloader simulator first")
	fs.Parse(args)

	log := newLogger()
	b, err := ff.open(log)
	if err != nil {
		fatalf("open flash: %v", err)
	}
	defer b.close()

	if boot {
		out, err := b.bootloader(log).Boot()
		if err != nil {
			fatalf("boot: %v", err)
		}
		fmt.Printf("Bootloader:      %s\n", out)
	}
	rec, err := b.params.RollbackCheck()
	if err != nil {
		fatalf("rollback check: %v", err)
	}
	printRecord(rec)
}
