package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/peer"
)

func newBar(total int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

func uploadCommand(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	var (
		filename string
		version  string
		diff     bool
		addr     string
		port     string
		baud     int
		chunk    int
		timeout  time.Duration
		wait     bool
	)
	fs.StringVar(&filename, "f", "", "image file (.bin or .hex)")
	fs.StringVar(&version, "version", "", "image version")
	fs.BoolVar(&diff, "diff", false, "image is a diff patch")
	fs.StringVar(&addr, "addr", "127.0.0.1:4650", "device address (tcp)")
	fs.StringVar(&port, "port", "", "serial port, instead of -addr")
	fs.IntVar(&baud, "baud", 115200, "serial baud rate")
	fs.IntVar(&chunk, "chunk", 240, "data chunk size")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	fs.BoolVar(&wait, "wait", false, "wait for the device to report the image applied")
	fs.Parse(args)

	if filename == "" || version == "" {
		fatalUsage("-f and -version are required")
	}
	data, err := peer.LoadImage(filename)
	if err != nil {
		fatalf("%v", err)
	}
	img := peer.Image{Version: version, Data: data}
	if diff {
		img.Kind = bootparam.KindDiff
	}

	log := newLogger()
	dial := func() (*link.Conn, error) {
		if port != "" {
			return link.OpenSerial(port, baud, log)
		}
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return link.NewConn(nc, log), nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, err := dial()
	if err != nil {
		fatalf("connect: %v", err)
	}
	bar := newBar(len(data), "Uploading")
	c := peer.NewClient(conn,
		peer.WithChunkSize(chunk),
		peer.WithReplyTimeout(timeout),
		peer.WithLogger(log),
		peer.WithProgress(func(done, total uint32) { bar.Set(int(done)) }),
	)
	res, err := c.Upload(ctx, img)
	conn.Close()
	if err != nil {
		fatalf("upload: %v", err)
	}
	bar.Finish()
	printResult(res, img)

	if !wait {
		return
	}
	if err := waitApplied(ctx, dial, timeout, log); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("device reports the image applied")
}

func printResult(res peer.Result, img peer.Image) {
	fmt.Printf("Device version:  %s\n", res.DeviceVersion)
	fmt.Printf("Image version:   %s\n", img.Version)
	fmt.Printf("Image size:      %d\n", len(img.Data))
	fmt.Printf("Image CRC16:     %#04x\n", img.CRC16())
	if res.ResumedAt > 0 {
		fmt.Printf("Resumed at:      %d\n", res.ResumedAt)
	}
}

// waitApplied reconnects until the rebooted device sends its update-success
// notice.
func waitApplied(ctx context.Context, dial func() (*link.Conn, error), timeout time.Duration, log logrus.FieldLogger) error {
	deadline := time.Now().Add(10 * timeout)
	for {
		conn, err := dial()
		if err == nil {
			c := peer.NewClient(conn, peer.WithReplyTimeout(timeout), peer.WithLogger(log))
			err = c.WaitApplied(ctx)
			conn.Close()
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return fmt.Errorf("device did not report the image applied: %v", err)
		}
		log.WithError(err).Debug("waiting for device")
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}
}
