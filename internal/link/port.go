package link

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/transfer"
)

var ErrNoConn = errors.New("link: no connection")

// Port is the transfer.Transport of a device that accepts one connection at a
// time. It forwards to whichever Conn is being served, so one Machine
// outlives many connections.
type Port struct {
	mu sync.Mutex
	c  *Conn
}

func (p *Port) current() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c
}

func (p *Port) Send(cmd transfer.Cmd, payload []byte) error {
	c := p.current()
	if c == nil {
		return ErrNoConn
	}
	return c.Send(cmd, payload)
}

func (p *Port) Disconnect() error {
	c := p.current()
	if c == nil {
		return ErrNoConn
	}
	return c.Disconnect()
}

// Serve makes c the current connection and serves it.
func (p *Port) Serve(ctx context.Context, c *Conn, sink Sink) error {
	p.mu.Lock()
	p.c = c
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.c == c {
			p.c = nil
		}
		p.mu.Unlock()
	}()
	return Serve(ctx, c, sink)
}

// Listen accepts connections on l and serves them one after another until ctx
// is done.
func (p *Port) Listen(ctx context.Context, l net.Listener, sink Sink, log logrus.FieldLogger) error {
	if log == nil {
		log = discard()
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "link: accept")
		}
		clog := log.WithField("peer", nc.RemoteAddr().String())
		if err := p.Serve(ctx, NewConn(nc, clog), sink); err != nil {
			clog.WithError(err).Warn("session ended")
		}
	}
}
