// Package peer is the host side of the OTA protocol. It uploads an image to a
// device over a link, resuming from wherever the device reports it stopped.
package peer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

var (
	ErrRejected    = errors.New("peer: upgrade rejected by device")
	ErrCRCMismatch = errors.New("peer: device reported crc mismatch")
	ErrDevice      = errors.New("peer: device reported an error")
	ErrTimeout     = errors.New("peer: timed out waiting for reply")
)

// Config holds Client settings.
type Config struct {
	ChunkSize    int
	ReplyTimeout time.Duration
	// Progress, when set, is called after every acknowledged chunk.
	Progress func(done, total uint32)
	Logger   logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		ChunkSize:    240,
		ReplyTimeout: 5 * time.Second,
	}
}

type Option func(*Config)

// WithChunkSize sets the data chunk size, rounded down to a multiple of 4.
func WithChunkSize(n int) Option {
	return func(c *Config) {
		if n >= 4 {
			c.ChunkSize = n &^ 3
		}
	}
}

func WithReplyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReplyTimeout = d
		}
	}
}

func WithProgress(fn func(done, total uint32)) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Result describes a completed upload.
type Result struct {
	DeviceVersion string
	// ResumedAt is the offset the device resumed from; zero for a fresh
	// transfer.
	ResumedAt uint32
	// Applied is set when the device reported that a previous upgrade was
	// applied by its bootloader.
	Applied bool
}

// Client drives one device over a link.Conn.
type Client struct {
	conn   *link.Conn
	cfg    Config
	log    logrus.FieldLogger
	frames chan link.Frame
	errc   chan error

	applied bool
}

// NewClient starts reading replies from conn.
func NewClient(conn *link.Conn, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	c := &Client{
		conn:   conn,
		cfg:    cfg,
		log:    log,
		frames: make(chan link.Frame, 16),
		errc:   make(chan error, 1),
	}
	go c.read()
	return c
}

func (c *Client) read() {
	for {
		f, err := c.conn.Recv()
		if err != nil {
			c.errc <- err
			return
		}
		c.frames <- f
	}
}

// recv returns the next reply, skipping the unsolicited update-success
// notice.
func (c *Client) recv(ctx context.Context) (link.Frame, error) {
	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return link.Frame{}, ctx.Err()
		case err := <-c.errc:
			return link.Frame{}, errors.Wrap(err, "peer: receive")
		case <-timer.C:
			return link.Frame{}, ErrTimeout
		case f := <-c.frames:
			if f.Cmd == transfer.CmdUpdateSuccess {
				c.log.Info("device reports previous upgrade applied")
				c.applied = true
				continue
			}
			return f, nil
		}
	}
}

// expect reads the next reply and requires it to be want.
func (c *Client) expect(ctx context.Context, want transfer.Cmd) ([]byte, error) {
	f, err := c.recv(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for %s", want)
	}
	if f.Cmd == transfer.CmdError {
		return nil, errors.Wrapf(ErrDevice, "waiting for %s", want)
	}
	if f.Cmd != want {
		return nil, errors.Errorf("peer: got %s, want %s", f.Cmd, want)
	}
	return f.Payload, nil
}

// progress waits for a progress reply. A single error reply before it is the
// device recovering from a lost frame, and the progress that follows tells
// where to continue.
func (c *Client) progress(ctx context.Context) (transfer.Progress, error) {
	var p transfer.Progress
	f, err := c.recv(ctx)
	if err != nil {
		return p, err
	}
	if f.Cmd == transfer.CmdError {
		c.log.Warn("device reported error, waiting for resync")
		if f, err = c.recv(ctx); err != nil {
			if errors.Is(err, ErrTimeout) {
				return p, ErrDevice
			}
			return p, err
		}
	}
	if f.Cmd != transfer.CmdProgress {
		return p, errors.Errorf("peer: got %s, want progress", f.Cmd)
	}
	err = p.UnmarshalBinary(f.Payload)
	return p, err
}

// Version asks the device for its running version.
func (c *Client) Version(ctx context.Context) (string, error) {
	if err := c.conn.Send(transfer.CmdVersionQuery, nil); err != nil {
		return "", err
	}
	b, err := c.expect(ctx, transfer.CmdVersionReply)
	return string(b), err
}

// Upload transfers img and waits for the device to accept it.
func (c *Client) Upload(ctx context.Context, img Image) (Result, error) {
	var res Result
	v, err := c.Version(ctx)
	if err != nil {
		return res, err
	}
	res.DeviceVersion = v
	log := c.log.WithFields(logrus.Fields{"device": v, "image": img.Version, "bytes": len(img.Data)})
	log.Info("requesting upgrade")

	req, err := transfer.UpgradeRequest{
		Version: img.Version,
		Kind:    img.Kind,
		Size:    uint32(len(img.Data)),
		CRC16:   img.CRC16(),
	}.MarshalBinary()
	if err != nil {
		return res, err
	}
	if err := c.conn.Send(transfer.CmdUpgradeRequest, req); err != nil {
		return res, err
	}
	b, err := c.expect(ctx, transfer.CmdUpgradeReply)
	if err != nil {
		return res, err
	}
	if len(b) != 1 || b[0] != 1 {
		return res, errors.Wrapf(ErrRejected, "%s over %s", img.Version, v)
	}

	if err := c.conn.Send(transfer.CmdQuerySize, nil); err != nil {
		return res, err
	}
	p, err := c.progress(ctx)
	if err != nil {
		return res, err
	}
	res.ResumedAt = p.Bytes
	if p.Bytes > 0 {
		log.WithField("offset", p.Bytes).Info("resuming")
	}

	total := uint32(len(img.Data))
	for off := p.Bytes; off < total; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(off+uint32(c.cfg.ChunkSize), total)
		if err := c.conn.SendFrames(transfer.CmdData, 1, img.Data[off:end]); err != nil {
			return res, err
		}
		p, err := c.progress(ctx)
		if err != nil {
			return res, errors.Wrapf(err, "at offset %d", off)
		}
		if p.Bytes > total {
			return res, fmt.Errorf("peer: device at %d past image end %d", p.Bytes, total)
		}
		off = p.Bytes
		if c.cfg.Progress != nil {
			c.cfg.Progress(off, total)
		}
	}

	if err := c.conn.Send(transfer.CmdFinish, nil); err != nil {
		return res, err
	}
	b, err = c.expect(ctx, transfer.CmdCRCResult)
	if err != nil {
		return res, err
	}
	res.Applied = c.applied
	if len(b) != 1 || b[0] != 1 {
		return res, ErrCRCMismatch
	}
	log.Info("device accepted image")
	return res, nil
}

// WaitApplied waits for the update-success notice a device sends after its
// bootloader applied an image.
func (c *Client) WaitApplied(ctx context.Context) error {
	if c.applied {
		return nil
	}
	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.errc:
			return errors.Wrap(err, "peer: receive")
		case <-timer.C:
			return ErrTimeout
		case f := <-c.frames:
			if f.Cmd == transfer.CmdUpdateSuccess {
				c.applied = true
				return nil
			}
			c.log.WithField("cmd", f.Cmd).Debug("ignoring reply")
		}
	}
}
