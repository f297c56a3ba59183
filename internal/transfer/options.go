package transfer

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/image"
)

// Config holds Machine settings.
type Config struct {
	// RunningVersion is reported to version queries and compared against
	// upgrade requests.
	RunningVersion string

	// PageSize is the write and erase granularity of the staging bank.
	PageSize uint32

	// MultiImage accepts separate application and kernel images and
	// rejects combined single images. Without it only single images are
	// accepted.
	MultiImage bool

	// DualBank boots the staging bank in place instead of copying it over
	// the running image.
	DualBank bool

	// DiffUpgrade accepts diff-patch images; SplitSize is recorded for the
	// bootloader.
	DiffUpgrade bool
	SplitSize   uint32

	QueueSize int

	// DisconnectDelay is how long the device waits after the CRC result
	// reply left before dropping the link to reboot.
	DisconnectDelay time.Duration

	// Checkpointer persists transfer breakpoints. Nil uses the boot
	// record's pending fields.
	Checkpointer image.Checkpointer

	FeatureEnabled bool

	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		RunningVersion:  "0.0.0",
		PageSize:        4096,
		MultiImage:      false,
		QueueSize:       8,
		DisconnectDelay: 2 * time.Second,
		FeatureEnabled:  true,
	}
}

// Option configures a Machine.
type Option func(*Config)

// WithRunningVersion sets the version of the running firmware.
func WithRunningVersion(v string) Option {
	return func(c *Config) {
		c.RunningVersion = v
	}
}

// WithPageSize sets the staging page size. It must be a non-zero multiple of
// the flash erase size.
func WithPageSize(n uint32) Option {
	return func(c *Config) {
		if n > 0 {
			c.PageSize = n
		}
	}
}

func WithMultiImage(v bool) Option {
	return func(c *Config) {
		c.MultiImage = v
	}
}

func WithDualBank(v bool) Option {
	return func(c *Config) {
		c.DualBank = v
	}
}

// WithDiffUpgrade accepts diff images with the given split size.
func WithDiffUpgrade(splitSize uint32) Option {
	return func(c *Config) {
		c.DiffUpgrade = true
		c.SplitSize = splitSize
	}
}

// WithQueueSize sets the capacity of the inbound command queue.
func WithQueueSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.QueueSize = n
		}
	}
}

func WithDisconnectDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.DisconnectDelay = d
		}
	}
}

// WithCheckpointer stores breakpoints somewhere other than the boot record,
// such as a kv.Checkpoint.
func WithCheckpointer(cp image.Checkpointer) Option {
	return func(c *Config) {
		c.Checkpointer = cp
	}
}

// WithFeatureEnabled controls whether authentication opens an upgrade
// session at all.
func WithFeatureEnabled(v bool) Option {
	return func(c *Config) {
		c.FeatureEnabled = v
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
