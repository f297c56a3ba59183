package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/link"
)

func serveCommand(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		ff        flashFlags
		ef        engineFlags
		transport string
		port      string
		baud      int
		listen    string
		name      string
	)
	ff.register(fs)
	ef.register(fs)
	fs.StringVar(&transport, "transport", "tcp", "peer transport: tcp, serial or ble")
	fs.StringVar(&port, "port", "", "serial port (serial transport)")
	fs.IntVar(&baud, "baud", 115200, "serial baud rate")
	fs.StringVar(&listen, "listen", "127.0.0.1:4650", "listen address (tcp transport)")
	fs.StringVar(&name, "name", "uota", "advertised name (ble transport)")
	fs.Parse(args)

	log := newLogger()
	b, err := ff.open(log)
	if err != nil {
		fatalf("open flash: %v", err)
	}
	defer b.close()

	e := &engine{board: b, flags: ef, sink: new(relay), log: log}
	switch transport {
	case "tcp":
		p := new(link.Port)
		e.tr = p
		e.serve = func(ctx context.Context, sink link.Sink) error {
			l, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			log.WithField("addr", l.Addr()).Info("listening")
			return p.Listen(ctx, l, sink, log)
		}
	case "serial":
		if port == "" {
			fatalUsage("-port is required for the serial transport")
		}
		p := new(link.Port)
		e.tr = p
		e.serve = func(ctx context.Context, sink link.Sink) error {
			return serveSerial(ctx, p, port, baud, sink, log)
		}
	case "ble":
		tr, err := startBLE(name, e.sink, log)
		if err != nil {
			fatalf("%v", err)
		}
		e.tr = tr
	default:
		fatalUsage("unknown transport %q", transport)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := e.run(ctx); err != nil {
		fatalf("%v", err)
	}
}

// serveSerial reopens the port after every session, the way a UART link
// comes back after the device drops it.
func serveSerial(ctx context.Context, p *link.Port, name string, baud int, sink link.Sink, log logrus.FieldLogger) error {
	for ctx.Err() == nil {
		c, err := link.OpenSerial(name, baud, log)
		if err != nil {
			return err
		}
		if err := p.Serve(ctx, c, sink); err != nil {
			log.WithError(err).Warn("serial session ended")
		}
	}
	return nil
}
