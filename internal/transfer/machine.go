// Package transfer is the device side of the OTA protocol: a state machine
// that validates each inbound command against the current phase, drives the
// erase scheduler and flash write engine, and persists boot parameters at
// milestones.
//
// All flash and boot record access runs on a single worker goroutine. The
// machine keeps at most one operation of the live session in flight and does
// not dequeue further commands until it completes. Disconnect is handled at
// any time; results of operations issued by a torn down session are ignored.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gentam/uota/internal/bootparam"
	"github.com/gentam/uota/internal/crc"
	"github.com/gentam/uota/internal/erase"
	"github.com/gentam/uota/internal/flash"
	"github.com/gentam/uota/internal/image"
)

// Transport carries replies to the peer. A nil error from Send means the
// reply left the device.
type Transport interface {
	Send(cmd Cmd, payload []byte) error
	Disconnect() error
}

// Rebooter restarts the device into the bootloader.
type Rebooter interface {
	Reboot() error
}

// Target is the flash the machine writes to.
type Target struct {
	Staging *flash.Region
	App     *flash.Region
	// Kernel receives kernel images on multi-image devices. Nil sends them
	// to App.
	Kernel *flash.Region
	Params *bootparam.Store
}

type eventKind int

const (
	eventAuth eventKind = iota
	eventDisconnect
	eventDiscontinuity
)

type event struct {
	kind eventKind
	ok   bool
}

type job struct {
	gen  uint64
	name string
	run  func() error
	then func(error)
}

type result struct {
	job job
	err error
}

// session is the in-memory state of one upgrade attempt.
type session struct {
	version  string
	kind     bootparam.Kind
	size     uint32
	crc16    uint16
	binType  bootparam.BinType
	received uint32
	frames   uint16
}

// Machine is the transfer state machine.
type Machine struct {
	cfg    Config
	log    logrus.FieldLogger
	t      Transport
	target Target
	reboot Rebooter
	ckpt   image.Checkpointer

	fsm    *fsm.FSM
	writer *image.Writer
	cursor *erase.Cursor

	cmds    chan Command
	events  chan event
	jobs    chan job
	results chan result

	// Owned by the Run goroutine.
	sess    session
	gen     uint64
	busy    bool
	gap     bool // discontinuity seen while an operation was in flight
	newFW   bool
	txDone  []Cmd
	drop    *time.Timer
	backlog []job
}

// New returns a Machine in state Off. Run must be called to process input.
func New(t Transport, target Target, r Rebooter, opts ...Option) *Machine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}
	ckpt := cfg.Checkpointer
	if ckpt == nil {
		ckpt = target.Params
	}
	m := &Machine{
		cfg:     cfg,
		log:     log,
		t:       t,
		target:  target,
		reboot:  r,
		ckpt:    ckpt,
		writer:  image.NewWriter(target.Staging, cfg.PageSize, ckpt, log),
		cmds:    make(chan Command, cfg.QueueSize),
		events:  make(chan event, 8),
		jobs:    make(chan job, 4),
		results: make(chan result, 4),
	}
	m.fsm = newFSM(func(_ context.Context, e *fsm.Event) {
		m.log.WithFields(logrus.Fields{
			"event": e.Event,
			"from":  e.Src,
			"to":    e.Dst,
		}).Debug("state change")
	})
	return m
}

// State returns the current phase. It is safe to call from any goroutine.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// Dispatch queues an inbound command without blocking.
func (m *Machine) Dispatch(c Command) error {
	c.Payload = append([]byte(nil), c.Payload...)
	select {
	case m.cmds <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// OnAuth reports the outcome of link authentication.
func (m *Machine) OnAuth(ok bool) { m.events <- event{kind: eventAuth, ok: ok} }

// OnDisconnect reports that the link went down.
func (m *Machine) OnDisconnect() { m.events <- event{kind: eventDisconnect} }

// OnDiscontinuity reports a gap in the transport frame sequence.
func (m *Machine) OnDiscontinuity() { m.events <- event{kind: eventDiscontinuity} }

// Run processes events, commands and flash completions until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	go m.work(ctx)
	for {
		cmds := m.cmds
		if m.busy {
			cmds = nil
		}
		var (
			jobs chan<- job
			next job
		)
		if len(m.backlog) > 0 {
			jobs, next = m.jobs, m.backlog[0]
		}
		// Link events go first so that a command queued behind an
		// authentication is never handled in Off.
		select {
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
			m.drainTxDone(ctx)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		case jobs <- next:
			m.backlog[0] = job{}
			m.backlog = m.backlog[1:]
		case r := <-m.results:
			m.handleResult(ctx, r)
		case c := <-cmds:
			m.handleCommand(ctx, c)
		}
		m.drainTxDone(ctx)
	}
}

func (m *Machine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.jobs:
			err := j.run()
			if j.then == nil {
				continue
			}
			select {
			case m.results <- result{job: j, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// submit hands a flash operation of the live session to the worker.
func (m *Machine) submit(name string, run func() error, then func(error)) {
	m.busy = true
	m.backlog = append(m.backlog, job{gen: m.gen, name: name, run: run, then: then})
}

// submitDetached runs a flash operation whose result nobody waits for.
func (m *Machine) submitDetached(name string, run func() error) {
	log := m.log
	m.backlog = append(m.backlog, job{gen: m.gen - 1, name: name, run: func() error {
		err := run()
		if err != nil {
			log.WithError(err).WithField("op", name).Error("background flash operation failed")
		}
		return err
	}})
}

func (m *Machine) handleResult(ctx context.Context, r result) {
	if r.job.gen != m.gen {
		m.log.WithField("op", r.job.name).Debug("dropping result of stale session")
		return
	}
	m.busy = false
	if r.job.then != nil {
		r.job.then(r.err)
	}
	if m.gap && !m.busy {
		m.gap = false
		// Replies of the finished operation must leave first, or the
		// progress it sent would count as the resend request.
		m.drainTxDone(ctx)
		m.onDiscontinuity(ctx)
	}
}

func (m *Machine) fire(ctx context.Context, ev string) {
	if err := m.fsm.Event(ctx, ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"event": ev,
			"state": m.fsm.Current(),
		}).Error("invalid transition")
	}
}

func (m *Machine) send(cmd Cmd, payload []byte) {
	if err := m.t.Send(cmd, payload); err != nil {
		m.log.WithError(err).WithField("cmd", cmd).Warn("send failed")
		return
	}
	m.txDone = append(m.txDone, cmd)
}

func (m *Machine) sendError() { m.send(CmdError, nil) }

func (m *Machine) sendProgress() {
	b, _ := Progress{Frames: m.sess.frames, Bytes: m.sess.received}.MarshalBinary()
	m.send(CmdProgress, b)
}

func (m *Machine) drainTxDone(ctx context.Context) {
	for len(m.txDone) > 0 {
		cmd := m.txDone[0]
		m.txDone = m.txDone[1:]
		m.onTxDone(ctx, cmd)
	}
}

func (m *Machine) onTxDone(ctx context.Context, cmd Cmd) {
	switch m.State() {
	case StateResetPrepare:
		if cmd == CmdCRCResult && !m.newFW {
			m.newFW = true
			m.log.Info("image accepted, dropping link to reboot")
			t, log := m.t, m.log
			m.drop = time.AfterFunc(m.cfg.DisconnectDelay, func() {
				if err := t.Disconnect(); err != nil {
					log.WithError(err).Error("disconnect failed")
				}
			})
		}
	case StateReceiveErr:
		switch cmd {
		case CmdError:
			m.sendProgress()
		case CmdProgress:
			m.fire(ctx, evResent)
		}
	}
}

func (m *Machine) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventAuth:
		m.onAuth(ctx, ev.ok)
	case eventDisconnect:
		m.onDisconnect()
	case eventDiscontinuity:
		m.onDiscontinuity(ctx)
	}
}

func (m *Machine) onAuth(ctx context.Context, ok bool) {
	if !ok {
		return
	}
	if m.State() != StateOff {
		m.log.WithField("state", m.State()).Error("authenticated outside off")
		return
	}
	params := m.target.Params
	var done bool
	m.submit("check-update-finished", func() error {
		rec, err := params.Read()
		if errors.Is(err, bootparam.ErrCorruptRecord) {
			return nil
		}
		if err != nil {
			return err
		}
		done = rec.Flags&bootparam.FlagDone != 0
		return nil
	}, func(err error) {
		if err != nil {
			m.log.WithError(err).Error("reading boot record on auth")
			return
		}
		if done {
			m.reportUpdate(ctx)
			return
		}
		if m.cfg.FeatureEnabled {
			m.fire(ctx, evAuth)
		}
	})
}

// reportUpdate clears the applied flag left by the bootloader and tells the
// peer the previous upgrade took effect.
func (m *Machine) reportUpdate(ctx context.Context) {
	m.log.Info("bootloader applied previous image, reporting")
	m.fire(ctx, evReport)
	params, ckpt := m.target.Params, m.ckpt
	m.submit("clear-update-finished", func() error {
		rec, err := params.Read()
		if err != nil {
			return err
		}
		rec.Flags &^= bootparam.FlagDone
		if err := params.Write(rec); err != nil {
			return err
		}
		// The applied image is no longer a transfer to resume.
		return ckpt.Save(0, crc.Init16)
	}, func(err error) {
		if err != nil {
			m.log.WithError(err).Error("clearing update finished flag")
			return
		}
		if m.cfg.FeatureEnabled {
			m.fire(ctx, evReported)
		} else {
			m.fire(ctx, evReportedOff)
		}
		m.send(CmdUpdateSuccess, []byte{1})
	})
}

func (m *Machine) onDisconnect() {
	st := m.State()
	m.log.WithField("state", st).Info("disconnected")

	m.gen++
	m.busy = false
	m.gap = false
	m.txDone = nil
	// The peer may hang up first; the delayed drop must not hit a later link.
	if m.drop != nil {
		m.drop.Stop()
		m.drop = nil
	}

	switch st {
	case StateReceive, StateReceiveErr, StateWrite, StateWriteSettings, StateFwCheck:
		w := m.writer
		m.submitDetached("breakpoint", func() error {
			defer w.Reset()
			return w.Breakpoint()
		})
	}
	m.sess = session{}
	m.fsm.SetState(string(StateOff))

	if m.newFW {
		m.newFW = false
		m.log.Info("firmware download completed, rebooting")
		m.submitDetached("reboot", m.reboot.Reboot)
	}
}

func (m *Machine) onDiscontinuity(ctx context.Context) {
	st := m.State()
	switch {
	case m.busy && (st == StateReceive || st == StateWrite || st == StateWriteSettings):
		m.log.WithField("state", st).Debug("discontinuity deferred until the operation completes")
		m.gap = true
		return
	case st != StateReceive:
		m.log.WithField("state", st).Debug("ignoring discontinuity")
		return
	}
	m.log.WithField("offset", m.sess.received).Warn("frame discontinuity")
	m.fire(ctx, evDiscontinuity)
	w := m.writer
	m.submit("breakpoint", w.Breakpoint, func(err error) {
		if err != nil {
			m.fault(ctx, err)
			return
		}
		m.sendError()
	})
}

// fault aborts the session after an erase or write failure.
func (m *Machine) fault(ctx context.Context, err error) {
	m.log.WithError(err).WithField("state", m.State()).Error("session aborted")
	m.sendError()
	if m.fsm.Can(evAbort) {
		m.fire(ctx, evAbort)
	}
	m.sess = session{}
	m.gap = false
}

func (m *Machine) handleCommand(ctx context.Context, c Command) {
	if c.Code&cmdFamilyMask != cmdFamilyUpgrade {
		m.log.WithField("cmd", c.Code).Warn("ignoring command outside upgrade family")
		return
	}
	st := m.State()
	if !Allowed(st, c.Code) {
		m.log.WithFields(logrus.Fields{
			"cmd":   c.Code,
			"state": st,
		}).Warn(ErrProtocolViolation)
		m.sendError()
		return
	}
	switch c.Code {
	case CmdVersionQuery:
		m.send(CmdVersionReply, []byte(m.cfg.RunningVersion))
	case CmdUpgradeRequest:
		m.onUpgradeRequest(ctx, c.Payload)
	case CmdData:
		m.onData(ctx, c)
	case CmdQuerySize:
		m.onQuerySize(ctx)
	case CmdFinish:
		m.onFinish(ctx)
	}
}

func (m *Machine) reject(reason string, fields logrus.Fields) {
	m.log.WithFields(fields).WithField("reason", reason).Warn(ErrInvalidUpgrade)
	m.send(CmdUpgradeReply, boolPayload(false))
}

func (m *Machine) onUpgradeRequest(ctx context.Context, payload []byte) {
	var req UpgradeRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		m.log.WithError(err).Warn("malformed upgrade request")
		m.sendError()
		return
	}
	fields := logrus.Fields{
		"version": req.Version,
		"size":    req.Size,
		"crc16":   fmt.Sprintf("0x%04X", req.CRC16),
	}
	switch {
	case req.Size == 0:
		m.reject("zero size", fields)
		return
	case int64(req.Size) > m.target.Staging.Len():
		m.reject("larger than staging bank", fields)
		return
	case req.Kind == bootparam.KindDiff && !m.cfg.DiffUpgrade:
		m.reject("diff upgrades disabled", fields)
		return
	case req.Kind > bootparam.KindDiff:
		m.reject("unknown kind", fields)
		return
	}
	newer := Newer(req.Version, m.cfg.RunningVersion)

	params, ckpt, w, staging := m.target.Params, m.ckpt, m.writer, m.target.Staging
	page := m.cfg.PageSize
	split := m.cfg.SplitSize
	var (
		accepted bool
		resumed  bool
		binType  bootparam.BinType
		cursor   *erase.Cursor
	)
	m.submit("prepare", func() error {
		rec, rerr := params.Read()
		off, _, err := ckpt.Load()
		if err != nil {
			return err
		}
		resumed = rerr == nil &&
			rec.Flags&(bootparam.FlagReady|bootparam.FlagDone|bootparam.FlagRolledBack) == 0 &&
			rec.Version == req.Version && rec.Length == req.Size && rec.ImageCRC16 == req.CRC16 &&
			off > 0 && off <= req.Size
		if !newer && !resumed {
			return nil
		}
		accepted = true
		if resumed {
			if err := w.Init(image.Params{Offset: off, Length: req.Size}); err != nil {
				return err
			}
			binType = rec.BinType
		} else {
			begin := bootparam.Record{
				SourceAddr: staging.Base(),
				Length:     req.Size,
				ImageCRC16: req.CRC16,
				Kind:       req.Kind,
				Version:    req.Version,
			}
			if req.Kind == bootparam.KindDiff {
				begin.SplitSize = split
			}
			if err := params.Write(begin); err != nil {
				return err
			}
			if err := w.Init(image.Params{Length: req.Size}); err != nil {
				return err
			}
		}
		cursor = erase.NewCursor(staging, page, req.Size, w.Received())
		w.SetEraseTracker(cursor)
		return cursor.EraseNext()
	}, func(err error) {
		if err != nil {
			m.log.WithError(err).WithFields(fields).Error("preparing upgrade")
			m.sendError()
			return
		}
		if !accepted {
			m.reject("not newer than "+m.cfg.RunningVersion, fields)
			return
		}
		m.cursor = cursor
		m.sess = session{
			version:  req.Version,
			kind:     req.Kind,
			size:     req.Size,
			crc16:    req.CRC16,
			binType:  binType,
			received: w.Received(),
		}
		m.log.WithFields(fields).WithFields(logrus.Fields{
			"resumed": resumed,
			"offset":  m.sess.received,
			"pages":   erase.Plan(req.Size, m.sess.received, page),
		}).Info("upgrade accepted")
		m.fire(ctx, evAccept)
		m.send(CmdUpgradeReply, boolPayload(true))
	})
}

func (m *Machine) onData(ctx context.Context, c Command) {
	n := len(c.Payload)
	switch {
	case n == 0 || n%4 != 0:
		m.log.WithField("bytes", n).Warn("data length not a multiple of 4")
		m.sendError()
		return
	case uint32(n) > m.cfg.PageSize:
		m.log.WithField("bytes", n).Warn(image.ErrOversizedChunk)
		m.sendError()
		return
	case uint64(m.sess.received)+uint64(n) > uint64(m.sess.size):
		m.log.WithField("bytes", n).Warn(image.ErrOverflow)
		m.sendError()
		return
	}
	start := m.sess.received
	detected := bootparam.BinUnknown
	if crossesBinInfo(start, n) {
		bt, err := detectBinType(c.Payload, start, m.cfg.MultiImage)
		if err != nil {
			m.abortBadImage(ctx, err)
			return
		}
		m.log.WithField("bintype", bt).Info("image type detected")
		m.sess.binType = bt
		detected = bt
	}

	m.fire(ctx, evWrite)
	w, cur, page, params := m.writer, m.cursor, m.cfg.PageSize, m.target.Params
	var (
		received uint32
		due      bool
	)
	m.submit("write", func() error {
		// A resumed session starts past the magic and reads the type back
		// from the record.
		if detected != bootparam.BinUnknown {
			if err := recordBinType(params, detected); err != nil {
				return err
			}
		}
		end := start + uint32(n)
		if err := cur.EnsureErased(end); err != nil {
			return err
		}
		if err := w.Write(c.Payload); err != nil {
			return err
		}
		if start/page != end/page {
			if err := cur.EraseNext(); err != nil {
				return err
			}
		}
		received = w.Received()
		due = w.CheckpointDue()
		return nil
	}, func(err error) {
		if err != nil {
			m.fault(ctx, err)
			return
		}
		m.sess.received = received
		m.sess.frames += uint16(c.Frames)
		if !due {
			m.fire(ctx, evWritten)
			m.sendProgress()
			return
		}
		m.fire(ctx, evSettings)
		m.submit("checkpoint", w.Commit, func(err error) {
			if err != nil {
				m.fault(ctx, err)
				return
			}
			if m.sess.received >= m.sess.size {
				m.fire(ctx, evComplete)
			} else {
				m.fire(ctx, evSettled)
			}
			m.sendProgress()
		})
	})
}

// abortBadImage ends a session whose image cannot run on this device. The
// breakpoint is cleared so the next attempt starts over.
func (m *Machine) abortBadImage(ctx context.Context, err error) {
	m.log.WithError(err).Error("rejecting image")
	m.sendError()
	m.fire(ctx, evAbort)
	m.sess = session{}
	ckpt := m.ckpt
	m.submit("clear-breakpoint", func() error {
		return ckpt.Save(0, crc.Init16)
	}, func(err error) {
		if err != nil {
			m.log.WithError(err).Error("clearing breakpoint")
		}
	})
}

func (m *Machine) onQuerySize(ctx context.Context) {
	cur := m.cursor
	m.submit("erase-ahead", cur.EraseNext, func(err error) {
		if err != nil {
			m.fault(ctx, err)
			return
		}
		m.sendProgress()
		if m.sess.received >= m.sess.size {
			m.fire(ctx, evComplete)
		}
	})
}

func (m *Machine) onFinish(ctx context.Context) {
	w, params, sess := m.writer, m.target.Params, m.sess
	dest := m.destination(sess.binType)
	staging := m.target.Staging
	split := m.cfg.SplitSize
	m.submit("finish", func() error {
		res, err := w.Finish(sess.crc16)
		if err != nil {
			return err
		}
		rec := bootparam.Record{
			SourceAddr:    staging.Base(),
			DestAddr:      dest,
			Length:        res.Length,
			ImageCRC32:    res.CRC32,
			ImageCRC16:    res.CRC16,
			PendingOffset: res.Length,
			PendingCRC16:  res.CRC16,
			Kind:          sess.kind,
			BinType:       sess.binType,
			Flags:         bootparam.FlagReady,
			Version:       sess.version,
		}
		if sess.kind == bootparam.KindDiff {
			rec.SplitSize = split
		}
		return params.Write(rec)
	}, func(err error) {
		switch {
		case errors.Is(err, image.ErrIntegrityMismatch):
			m.log.WithError(err).Error("image rejected")
			m.fire(ctx, evAbort)
			m.sess = session{}
			m.send(CmdCRCResult, boolPayload(false))
		case err != nil:
			m.fault(ctx, err)
		default:
			m.log.WithField("version", sess.version).Info("image verified, boot record written")
			m.fire(ctx, evVerified)
			m.send(CmdCRCResult, boolPayload(true))
		}
	})
}

func recordBinType(params *bootparam.Store, bt bootparam.BinType) error {
	rec, err := params.Read()
	if err != nil {
		return errors.Wrap(err, "transfer: record image type")
	}
	if rec.BinType == bt {
		return nil
	}
	rec.BinType = bt
	return params.Write(rec)
}

func (m *Machine) destination(bt bootparam.BinType) uint32 {
	switch {
	case m.cfg.DualBank:
		return m.target.Staging.Base()
	case bt == bootparam.BinKernel && m.target.Kernel != nil:
		return m.target.Kernel.Base()
	}
	return m.target.App.Base()
}
