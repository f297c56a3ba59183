package link

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/gentam/uota/internal/transfer"
)

// Conn is a stream link. Send and Disconnect make it a transfer.Transport;
// Recv is used by the peer side.
type Conn struct {
	rwc io.ReadWriteCloser
	log logrus.FieldLogger

	mu    sync.Mutex
	txSeq uint8
}

// NewConn wraps rwc. A nil log discards output.
func NewConn(rwc io.ReadWriteCloser, log logrus.FieldLogger) *Conn {
	if log == nil {
		log = discard()
	}
	return &Conn{rwc: rwc, log: log}
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OpenSerial opens a UART link.
func OpenSerial(name string, baud int, log logrus.FieldLogger) (*Conn, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "link: open %s", name)
	}
	return NewConn(port, log), nil
}

// Send writes one single-frame command.
func (c *Conn) Send(cmd transfer.Cmd, payload []byte) error {
	return c.SendFrames(cmd, 1, payload)
}

// SendFrames writes a command that stands for frames transport frames.
func (c *Conn) SendFrames(cmd transfer.Cmd, frames uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := Frame{Seq: c.txSeq, Cmd: cmd, Frames: frames, Payload: payload}
	if err := WriteFrame(c.rwc, f); err != nil {
		return errors.Wrapf(err, "link: send %s", cmd)
	}
	c.txSeq++
	c.log.WithFields(logrus.Fields{"cmd": cmd, "bytes": len(payload)}).Trace("tx")
	return nil
}

// Recv reads the next frame.
func (c *Conn) Recv() (Frame, error) {
	f, err := ReadFrame(c.rwc)
	if err != nil {
		return Frame{}, err
	}
	c.log.WithFields(logrus.Fields{"cmd": f.Cmd, "bytes": len(f.Payload)}).Trace("rx")
	return f, nil
}

// Disconnect closes the link.
func (c *Conn) Disconnect() error { return c.rwc.Close() }

// Close is Disconnect.
func (c *Conn) Close() error { return c.rwc.Close() }

// Serve feeds frames from c into sink until the link closes or ctx is done.
// The link counts as authenticated once it is up; closing it reports a
// disconnect. A closed link is not an error.
func Serve(ctx context.Context, c *Conn, sink Sink) error {
	rx := NewReceiver(sink, c.log)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.log.Info("link up")
	sink.OnAuth(true)
	for {
		f, err := c.Recv()
		if err != nil {
			c.log.WithError(err).Info("link down")
			sink.OnDisconnect()
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "link: receive")
		}
		rx.Handle(f)
	}
}
