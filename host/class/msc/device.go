package msc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/pkg"
)

// Config configures a Device.
type Config struct {
	// Profile is the resolved wire protocol, dialect and quirks.
	Profile Profile

	// Interface is the bInterfaceNumber class requests are addressed to.
	Interface uint8

	// QueueDepth bounds the commands waiting behind the active one.
	QueueDepth int

	// TimeoutMargin is added to every command timeout.
	TimeoutMargin time.Duration

	// StatusTimeout bounds the status stage.
	StatusTimeout time.Duration

	// ResetTimeout bounds each control request of the reset sequence.
	ResetTimeout time.Duration

	// ClearStallTimeout bounds each clear-halt request.
	ClearStallTimeout time.Duration

	// Serial, when set, answers unit serial number inquiries locally and
	// is added to the device's supported VPD pages list.
	Serial string

	// Metrics is optional.
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = TimeoutMargin
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStageTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultStageTimeout
	}
	if c.ClearStallTimeout <= 0 {
		c.ClearStallTimeout = DefaultStageTimeout
	}
}

type controlKind uint8

const (
	controlReset controlKind = iota
	controlClose
)

type controlMsg struct {
	kind  controlKind
	reply chan error
}

// Device runs one mass-storage interface. All protocol state is owned by
// a single goroutine; commands wait in a bounded FIFO and run one at a
// time.
type Device struct {
	cfg    Config
	tr     Transport
	eng    engine
	maxLUN uint8

	mu      sync.Mutex
	queue   []*Command
	closing bool

	kick    chan struct{}
	events  chan host.Completion
	control chan controlMsg
	done    chan struct{}
	state   atomic.Uint32

	// owned by the loop goroutine
	tag           uint32
	current       *transaction
	outstanding   bool
	aborting      bool
	resetting     bool
	pendingReset  bool
	resetWaiters  []chan error
	activeWaiters []chan error
	stopping      bool
	stopped       bool
}

// New starts a device loop over tr without attach-time requests.
func New(tr Transport, cfg Config) (*Device, error) {
	return newDevice(tr, cfg, 0)
}

func newDevice(tr Transport, cfg Config, maxLUN uint8) (*Device, error) {
	if tr == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "nil transport")
	}
	if !cfg.Profile.Supported() {
		return nil, errors.Wrapf(pkg.ErrNotSupported, "profile %s", cfg.Profile)
	}
	cfg.setDefaults()

	eng, err := newEngine(engineParams{
		profile: cfg.Profile,
		iface:   cfg.Interface,
		timeouts: timeouts{
			margin:     cfg.TimeoutMargin,
			status:     cfg.StatusTimeout,
			reset:      cfg.ResetTimeout,
			clearStall: cfg.ClearStallTimeout,
		},
		maxChunk: tr.MaxTransferSize(),
		metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:     cfg,
		tr:      tr,
		eng:     eng,
		maxLUN:  maxLUN,
		kick:    make(chan struct{}, 1),
		events:  make(chan host.Completion, 1),
		control: make(chan controlMsg),
		done:    make(chan struct{}),
	}
	d.state.Store(uint32(StateIdle))

	pkg.LogInfo(pkg.ComponentMSC, "device started",
		"profile", cfg.Profile.String(), "interface", cfg.Interface, "maxLUN", maxLUN)
	go d.run()
	return d, nil
}

// Profile returns the device profile.
func (d *Device) Profile() Profile {
	return d.cfg.Profile
}

// MaxLUN returns the highest logical unit number.
func (d *Device) MaxLUN() uint8 {
	return d.maxLUN
}

// State returns the current protocol state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Submit queues cmd. It fails with pkg.ErrBusy when the queue is full and
// pkg.ErrNotRunning once Close has begun; cmd.Done is not invoked then.
// Otherwise cmd.Done is invoked exactly once from the device goroutine,
// which must not call Reset or Close.
func (d *Device) Submit(cmd *Command) error {
	if cmd == nil || cmd.Done == nil {
		return errors.Wrap(pkg.ErrInvalidParameter, "command needs a Done function")
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return pkg.ErrNotRunning
	}
	if len(d.queue) >= d.cfg.QueueDepth {
		d.mu.Unlock()
		return pkg.ErrBusy
	}
	d.queue = append(d.queue, cmd)
	d.mu.Unlock()

	d.cfg.Metrics.queued(1)
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// Reset runs the recovery sequence and waits until the device is idle.
// An active command fails with StatusWireFailed; queued commands run
// afterwards.
func (d *Device) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case d.control <- controlMsg{kind: controlReset, reply: reply}:
	case <-d.done:
		return pkg.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the outstanding transfer, fails the active command and
// then every queued command with StatusWireFailed, and waits for the
// device goroutine to exit.
func (d *Device) Close() error {
	d.mu.Lock()
	first := !d.closing
	d.closing = true
	d.mu.Unlock()

	if first {
		select {
		case d.control <- controlMsg{kind: controlClose}:
		case <-d.done:
		}
	}
	<-d.done
	return nil
}

// Done is closed when the device goroutine has exited.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

func (d *Device) run() {
	defer close(d.done)

	for {
		d.schedule()
		if d.stopped {
			break
		}

		select {
		case c := <-d.events:
			d.completed(c)
		case m := <-d.control:
			d.handle(m)
		case <-d.kick:
		}
	}

	d.state.Store(uint32(StateClosed))
	pkg.LogInfo(pkg.ComponentMSC, "device stopped", "profile", d.cfg.Profile.String())
}

// schedule starts whatever work is due while nothing is outstanding.
func (d *Device) schedule() {
	defer d.publish()

	for !d.outstanding && !d.aborting {
		switch {
		case d.stopping:
			d.drain()
			d.stopped = true
			return

		case d.pendingReset:
			d.pendingReset = false
			d.resetting = true
			d.activeWaiters, d.resetWaiters = d.resetWaiters, nil
			d.apply(d.eng.reset())

		default:
			cmd := d.dequeue()
			if cmd == nil {
				return
			}
			d.start(cmd)
		}
	}
}

func (d *Device) publish() {
	d.state.Store(uint32(d.eng.state()))
}

func (d *Device) handle(m controlMsg) {
	switch m.kind {
	case controlReset:
		d.pendingReset = true
		d.resetWaiters = append(d.resetWaiters, m.reply)
		if d.outstanding && d.current != nil {
			d.abort()
		}
	case controlClose:
		d.stopping = true
		if d.outstanding {
			d.abort()
		}
	}
}

// abort cancels the outstanding submission. Its completion ends the
// active transaction.
func (d *Device) abort() {
	if d.aborting {
		return
	}
	pkg.LogDebug(pkg.ComponentMSC, "cancelling outstanding transfer", "state", d.eng.state().String())
	d.aborting = true
	d.tr.CancelAll()
}

func (d *Device) completed(c host.Completion) {
	if !d.outstanding {
		pkg.LogWarn(pkg.ComponentMSC, "unexpected completion", "status", c.Status.String())
		return
	}
	d.outstanding = false

	if !d.aborting {
		d.apply(d.eng.step(c))
		return
	}

	d.aborting = false
	d.eng.abort()
	if t := d.current; t != nil {
		d.finish(t.result(StatusWireFailed, t.residue(), errors.Wrap(pkg.ErrCancelled, "command aborted")))
	}
	if d.resetting {
		d.resetting = false
		d.replyReset(pkg.ErrCancelled)
	}
}

// apply performs actions until one is outstanding or the transaction ends.
func (d *Device) apply(a action) {
	for {
		var err error
		switch a.kind {
		case actionSubmit:
			d.outstanding = true
			err = d.tr.Submit(a.req, d.post)
		case actionClearStall:
			d.outstanding = true
			err = d.tr.ClearStall(a.channel, a.timeout, d.post)
		case actionFinish:
			d.finish(a.result)
			return
		case actionIdle:
			if d.resetting {
				d.resetting = false
				d.replyReset(a.err)
			}
			return
		}

		if err == nil {
			return
		}
		d.outstanding = false
		a = d.eng.step(host.Completion{Status: pkg.StatusOf(err), Err: err})
	}
}

// post is the completion callback handed to the transport.
func (d *Device) post(c host.Completion) {
	d.events <- c
}

func (d *Device) replyReset(err error) {
	for _, w := range d.activeWaiters {
		w <- err
	}
	d.activeWaiters = nil
}

func (d *Device) dequeue() *Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	cmd := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.cfg.Metrics.queued(-1)
	return cmd
}

// start transforms cmd and begins its transaction, or answers it at once
// when it cannot or need not reach the wire.
func (d *Device) start(cmd *Command) {
	tr := Transform(d.cfg.Profile.Dialect, d.cfg.Profile.Quirks, cmd.CDB)
	if tr.Kind == Rejected {
		err := ErrRejected
		if len(cmd.CDB) > 0 {
			err = errors.Wrapf(ErrRejected, "opcode 0x%02X, dialect %s", cmd.CDB[0], d.cfg.Profile.Dialect)
		}
		d.deliver(cmd, Result{Status: StatusInvalidRequest, Residue: declaredLength(cmd), Err: err})
		return
	}
	if f := d.synthesize(cmd, &tr); f != nil {
		d.deliver(cmd, fakeResult(cmd, f))
		return
	}

	if cmd.LUN > d.maxLUN {
		d.deliver(cmd, Result{
			Status:  StatusInvalidRequest,
			Residue: declaredLength(cmd),
			Err:     errors.Wrapf(pkg.ErrInvalidParameter, "lun %d > max lun %d", cmd.LUN, d.maxLUN),
		})
		return
	}

	d.tag++
	t := newTransaction(cmd, &tr, d.tag, d.cfg.TimeoutMargin)
	d.current = t
	d.apply(d.eng.begin(t))
}

// finish delivers the result of the active transaction.
func (d *Device) finish(r Result) {
	t := d.current
	d.current = nil
	if t == nil {
		return
	}
	fixup(d.cfg.Profile.Quirks, d.cfg.Serial, t, &r)
	d.cfg.Metrics.observe(d.eng.protocol(), time.Since(t.started))
	d.deliver(t.cmd, r)
}

func (d *Device) deliver(cmd *Command, r Result) {
	d.cfg.Metrics.command(d.cfg.Profile.Wire, r.Status)
	if r.Status == StatusWireFailed {
		pkg.LogDebug(pkg.ComponentMSC, "command failed on the wire", "error", r.Err)
	}
	cmd.Done(r)
}

// drain fails every queued command and pending reset during shutdown.
func (d *Device) drain() {
	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, cmd := range queue {
		d.cfg.Metrics.queued(-1)
		d.deliver(cmd, Result{Status: StatusWireFailed, Residue: declaredLength(cmd), Err: pkg.ErrNotRunning})
	}
	for _, w := range d.resetWaiters {
		w <- pkg.ErrNotRunning
	}
	d.resetWaiters = nil
}

func declaredLength(cmd *Command) uint32 {
	if cmd.Direction == DirectionNone {
		return 0
	}
	return uint32(len(cmd.Data))
}
