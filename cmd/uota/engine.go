package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/bootsim"
	"github.com/gentam/uota/internal/link"
	"github.com/gentam/uota/internal/transfer"
)

var errOffline = errors.New("engine is rebooting")

// relay forwards link events to the machine of the current boot, so a
// transport set up once outlives every simulated reboot.
type relay struct {
	mu sync.Mutex
	m  *transfer.Machine
}

func (r *relay) set(m *transfer.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = m
}

func (r *relay) get() *transfer.Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

func (r *relay) Dispatch(c transfer.Command) error {
	m := r.get()
	if m == nil {
		return errOffline
	}
	return m.Dispatch(c)
}

func (r *relay) OnAuth(ok bool) {
	if m := r.get(); m != nil {
		m.OnAuth(ok)
	}
}

func (r *relay) OnDisconnect() {
	if m := r.get(); m != nil {
		m.OnDisconnect()
	}
}

func (r *relay) OnDiscontinuity() {
	if m := r.get(); m != nil {
		m.OnDiscontinuity()
	}
}

// rebootSignal is the Rebooter of one boot.
type rebootSignal chan struct{}

func (r rebootSignal) Reboot() error {
	select {
	case r <- struct{}{}:
	default:
	}
	return nil
}

// engine runs the device side: the transfer machine, its link and, on every
// reboot it asks for, the bootloader simulator.
type engine struct {
	board *board
	flags engineFlags
	tr    transfer.Transport
	sink  *relay
	// serve runs the link for one boot. It is nil for transports that run on
	// their own, such as BLE.
	serve func(ctx context.Context, sink link.Sink) error
	log   logrus.FieldLogger

	// booted, when set, is called after each simulated reboot.
	booted func(out bootsim.Outcome, version string)
}

func (e *engine) run(ctx context.Context) error {
	version := e.flags.version
	boot := e.board.bootloader(e.log)
	for {
		reboot := make(rebootSignal, 1)
		opts := append(e.flags.options(e.board, e.log), transfer.WithRunningVersion(version))
		m := transfer.New(e.tr, e.board.target, reboot, opts...)
		e.sink.set(m)
		e.log.WithField("version", version).Info("engine up")

		g, gctx := errgroup.WithContext(ctx)
		sctx, stop := context.WithCancel(gctx)
		g.Go(func() error { return m.Run(sctx) })
		if e.serve != nil {
			g.Go(func() error { return e.serve(sctx, e.sink) })
		}
		g.Go(func() error {
			select {
			case <-reboot:
				e.log.Info("reboot requested")
				stop()
			case <-sctx.Done():
			}
			return nil
		})
		err := g.Wait()
		stop()
		e.sink.set(nil)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		out, err := boot.Boot()
		if err != nil {
			e.log.WithError(err).Error("bootloader failed")
		}
		rec, err := e.board.params.RollbackCheck()
		switch {
		case errors.Is(err, bootparam.ErrCorruptRecord):
		case err != nil:
			e.log.WithError(err).Error("rollback check failed")
		case out == bootsim.Applied:
			version = rec.Version
		}
		e.log.WithFields(logrus.Fields{"outcome": out, "version": version}).Info("booted")
		if e.booted != nil {
			e.booted(out, version)
		}
	}
}
