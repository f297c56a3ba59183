package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gentam/uota/internal/bootsim"
	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/peer"
	"github.com/gentam/uota/internal/transfer"
)

type boot struct {
	out     bootsim.Outcome
	version string
}

// simCommand runs device and peer in one process over in-memory pipes: an
// upload, optionally cut short and resumed, the reboot into the bootloader
// simulator and the update-success report of the next boot.
func simCommand(args []string) {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	var (
		ff       flashFlags
		ef       engineFlags
		filename string
		size     int
		version  string
		drop     float64
		chunk    int
	)
	ff.register(fs)
	ef.register(fs)
	fs.StringVar(&filename, "f", "", "image file (default: random single image)")
	fs.IntVar(&size, "n", 64<<10, "random image size")
	fs.StringVar(&version, "to", "1.1.0", "version of the uploaded image")
	fs.Float64Var(&drop, "drop", 0, "drop the link once this fraction of the image is sent, then resume")
	fs.IntVar(&chunk, "chunk", 240, "data chunk size")
	fs.Parse(args)

	data, err := simImage(filename, size, ef.multi)
	if err != nil {
		fatalf("%v", err)
	}
	img := peer.Image{Version: version, Data: data}

	log := newLogger()
	b, err := ff.open(log)
	if err != nil {
		fatalf("open flash: %v", err)
	}
	defer b.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := runSim(ctx, b, ef, img, drop, chunk, log); err != nil {
		fatalf("sim: %v", err)
	}
}

func runSim(ctx context.Context, b *board, ef engineFlags, img peer.Image, drop float64, chunk int, log logrus.FieldLogger) error {
	pipes := make(chan net.Conn)
	boots := make(chan boot, 4)
	p := new(link.Port)
	e := &engine{
		board: b,
		flags: ef,
		tr:    p,
		sink:  new(relay),
		log:   log.WithField("side", "device"),
		serve: func(ctx context.Context, sink link.Sink) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case c := <-pipes:
					if err := p.Serve(ctx, link.NewConn(c, log), sink); err != nil {
						log.WithError(err).Warn("session ended")
					}
				}
			}
		},
		booted: func(out bootsim.Outcome, v string) { boots <- boot{out, v} },
	}

	g, gctx := errgroup.WithContext(ctx)
	dctx, stopDevice := context.WithCancel(gctx)
	g.Go(func() error { return e.run(dctx) })
	g.Go(func() error {
		defer stopDevice()
		return simPeer(gctx, img, pipes, boots, drop, chunk, log.WithField("side", "peer"))
	})
	return g.Wait()
}

func simImage(filename string, size int, multi bool) ([]byte, error) {
	if filename != "" {
		return peer.LoadImage(filename)
	}
	if size < transfer.BinInfoOffset+4 {
		return nil, errors.Errorf("image size %d too small", size)
	}
	data := make([]byte, size&^3)
	rand.New(rand.NewSource(int64(size))).Read(data)
	magic := transfer.MagicSingle
	if multi {
		magic = transfer.MagicApp
	}
	binary.LittleEndian.PutUint32(data[transfer.BinInfoOffset:], magic)
	return data, nil
}

func simPeer(ctx context.Context, img peer.Image, pipes chan<- net.Conn, boots <-chan boot, drop float64, chunk int, log logrus.FieldLogger) error {
	connect := func(opts ...peer.Option) (*peer.Client, net.Conn, error) {
		dev, host := net.Pipe()
		select {
		case pipes <- dev:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		opts = append([]peer.Option{peer.WithLogger(log), peer.WithChunkSize(chunk)}, opts...)
		return peer.NewClient(link.NewConn(host, log), opts...), host, nil
	}

	bar := newBar(len(img.Data), "Uploading")
	progress := peer.WithProgress(func(done, total uint32) { bar.Set(int(done)) })

	if drop > 0 && drop < 1 {
		uctx, cut := context.WithCancel(ctx)
		c, host, err := connect(peer.WithProgress(func(done, total uint32) {
			bar.Set(int(done))
			if float64(done) >= drop*float64(total) {
				cut()
			}
		}))
		if err != nil {
			cut()
			return err
		}
		_, err = c.Upload(uctx, img)
		cut()
		host.Close()
		if !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "interrupted upload")
		}
		log.Info("link dropped")
	}

	c, host, err := connect(progress)
	if err != nil {
		return err
	}
	res, err := c.Upload(ctx, img)
	host.Close()
	if err != nil {
		return err
	}
	bar.Finish()
	printResult(res, img)

	var b boot
	select {
	case b = <-boots:
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Printf("Bootloader:      %s\n", b.out)
	if b.out != bootsim.Applied {
		return errors.Errorf("bootloader did not apply the image: %s", b.out)
	}

	c, host, err = connect()
	if err != nil {
		return err
	}
	defer host.Close()
	if err := c.WaitApplied(ctx); err != nil {
		return errors.Wrap(err, "waiting for update report")
	}
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Running version: %s\n", v)
	if v != img.Version {
		return errors.Errorf("device runs %s, want %s", v, img.Version)
	}
	return nil
}
