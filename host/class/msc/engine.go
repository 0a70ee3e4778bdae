package msc

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// State is the protocol state of a device.
type State uint8

// Protocol states. BBB and CBI share the names; StateStatusClearStall is
// reached only by BBB and StateResetClearInterrupt only by CBI with a
// completion interrupt.
const (
	StateIdle State = iota
	StateCommand
	StateDataIn
	StateDataOut
	StateDataClearStall
	StateStatus
	StateStatusClearStall
	StateReset
	StateResetClearIn
	StateResetClearOut
	StateResetClearInterrupt
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateCommand:             "command",
	StateDataIn:              "data-in",
	StateDataOut:             "data-out",
	StateDataClearStall:      "data-clear-stall",
	StateStatus:              "status",
	StateStatusClearStall:    "status-clear-stall",
	StateReset:               "reset",
	StateResetClearIn:        "reset-clear-in",
	StateResetClearOut:       "reset-clear-out",
	StateResetClearInterrupt: "reset-clear-interrupt",
	StateClosed:              "closed",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Recovering reports whether s belongs to the reset sequence.
func (s State) Recovering() bool {
	return s >= StateReset && s <= StateResetClearInterrupt
}

type actionKind uint8

const (
	// actionSubmit issues req.
	actionSubmit actionKind = iota

	// actionClearStall clears the halt on channel.
	actionClearStall

	// actionFinish delivers result for the active transaction.
	actionFinish

	// actionIdle reports the end of a reset with no transaction; err is
	// set when recovery failed.
	actionIdle
)

// action is what a transition asks the device loop to do next.
type action struct {
	kind    actionKind
	req     Request
	channel Channel
	timeout time.Duration
	result  Result
	err     error
}

// engine is a wire protocol state machine. Every method is a pure
// transition on engine state; the device loop performs the returned
// action and feeds the completion back through step.
type engine interface {
	// begin starts t. The engine must be idle.
	begin(t *transaction) action

	// step consumes the completion of the last submit or clear-stall.
	step(c host.Completion) action

	// reset runs the recovery sequence with no transaction.
	reset() action

	// abort drops the active transaction after its submission was
	// cancelled, leaving the engine idle and flagged for recovery.
	abort()

	state() State
	protocol() WireProtocol
}

// recoveryGoal is what happens once the reset sequence completes.
type recoveryGoal uint8

const (
	// goalFail fails the active transaction with the recorded cause.
	goalFail recoveryGoal = iota

	// goalCommand starts the active transaction afterwards.
	goalCommand

	// goalIdle returns to idle with no transaction.
	goalIdle
)

// base holds the state and recovery machinery shared by both engines.
type base struct {
	component pkg.Component
	wire      WireProtocol
	profile   Profile
	iface     uint8
	timeouts  timeouts
	maxChunk  int
	metrics   *Metrics

	st         State
	t          *transaction
	needsReset bool

	// reset sequence
	steps []State
	index int
	goal  recoveryGoal
	cause error

	// resetRequest builds the first step of the reset sequence.
	resetRequest func() Request

	// command starts the command stage of the active transaction.
	command func() action
}

// timeouts are the fixed stage deadlines.
type timeouts struct {
	margin     time.Duration
	status     time.Duration
	reset      time.Duration
	clearStall time.Duration
}

func (b *base) state() State            { return b.st }
func (b *base) protocol() WireProtocol { return b.wire }

func (b *base) enter(s State) {
	if b.st != s {
		pkg.LogDebug(b.component, "state", "from", b.st.String(), "to", s.String())
	}
	b.st = s
}

func (b *base) begin(t *transaction) action {
	b.t = t
	if b.needsReset {
		pkg.LogWarn(b.component, "recovering before command", "tag", t.tag)
		return b.recover(goalCommand, nil, "pending")
	}
	return b.command()
}

func (b *base) reset() action {
	b.t = nil
	return b.recover(goalIdle, nil, "requested")
}

func (b *base) abort() {
	b.t = nil
	b.needsReset = true
	b.enter(StateIdle)
}

// submit enters s and asks for req.
func (b *base) submit(s State, req Request) action {
	b.enter(s)
	return action{kind: actionSubmit, req: req}
}

// clearStall enters s and asks for a clear-halt on ch.
func (b *base) clearStall(s State, ch Channel) action {
	b.enter(s)
	return action{kind: actionClearStall, channel: ch, timeout: b.timeouts.clearStall}
}

// finish ends the active transaction.
func (b *base) finish(s Status, residue uint32, err error) action {
	r := b.t.result(s, residue, err)
	pkg.LogDebug(b.component, "command done",
		"tag", b.t.tag, "status", r.Status.String(), "residue", r.Residue)
	b.t = nil
	b.enter(StateIdle)
	return action{kind: actionFinish, result: r}
}

// failed handles an unrecoverable stage completion of the active
// transaction. A vanished device or a cancelled submission fails at once;
// anything else runs the reset sequence first.
func (b *base) failed(c host.Completion, stage string) action {
	err := completionError(c, stage)
	switch c.Status {
	case pkg.TransferStatusNoDevice:
		pkg.LogWarn(b.component, "device gone", "stage", stage)
		return b.finish(StatusWireFailed, b.t.residue(), err)
	case pkg.TransferStatusCancelled:
		b.needsReset = true
		return b.finish(StatusWireFailed, b.t.residue(), err)
	}
	return b.recover(goalFail, err, stage)
}

// recover starts the reset sequence.
func (b *base) recover(goal recoveryGoal, cause error, reason string) action {
	pkg.LogWarn(b.component, "reset recovery", "reason", reason, "cause", cause)
	b.metrics.recovery(b.wire, reason)
	b.goal = goal
	b.cause = cause
	b.index = 0
	b.needsReset = true
	return b.recoveryStep()
}

func (b *base) recoveryStep() action {
	s := b.steps[b.index]
	switch s {
	case StateReset:
		return b.submit(s, b.resetRequest())
	case StateResetClearIn:
		return b.clearStall(s, ChannelBulkIn)
	case StateResetClearOut:
		return b.clearStall(s, ChannelBulkOut)
	default:
		return b.clearStall(s, ChannelInterrupt)
	}
}

// stepRecovery consumes the completion of one reset step.
func (b *base) stepRecovery(c host.Completion) action {
	if !c.OK() {
		err := errors.Wrapf(ErrRecoveryFailed, "%v", completionError(c, b.st.String()))
		pkg.LogError(b.component, "reset recovery failed", "step", b.st.String(), "error", err)
		if b.goal == goalIdle || b.t == nil {
			b.enter(StateIdle)
			return action{kind: actionIdle, err: err}
		}
		return b.finish(StatusWireFailed, b.t.residue(), err)
	}

	b.index++
	if b.index < len(b.steps) {
		return b.recoveryStep()
	}

	b.needsReset = false
	pkg.LogDebug(b.component, "reset recovery complete")
	switch {
	case b.goal == goalCommand && b.t != nil:
		return b.command()
	case b.goal == goalFail && b.t != nil:
		return b.finish(StatusWireFailed, b.t.residue(), b.cause)
	}
	b.enter(StateIdle)
	return action{kind: actionIdle}
}

// resetSteps lists the reset sequence of a wire protocol.
func resetSteps(wire WireProtocol) []State {
	steps := []State{StateReset, StateResetClearIn, StateResetClearOut}
	if wire.HasStatusPipe() {
		steps = append(steps, StateResetClearInterrupt)
	}
	return steps
}

// classRequest builds a class request to the interface.
func (b *base) classRequest(request uint8, data []byte, in bool) Request {
	rt := uint8(host.RequestTypeClass | host.RequestTypeInterface)
	if in {
		rt |= host.RequestTypeIn
	}
	return Request{
		Channel: ChannelControl,
		Setup: &hal.SetupPacket{
			RequestType: rt,
			Request:     request,
			Index:       uint16(b.iface),
			Length:      uint16(len(data)),
		},
		Data:    data,
		Timeout: b.timeouts.reset,
	}
}

// dataStage asks for the next chunk of the data phase.
func (b *base) dataStage() action {
	t := b.t
	if t.cmd.Direction == DirectionIn {
		return b.submit(StateDataIn, Request{Channel: ChannelBulkIn, Data: t.next(b.maxChunk), Timeout: t.timeout})
	}
	return b.submit(StateDataOut, Request{Channel: ChannelBulkOut, Data: t.next(b.maxChunk), Timeout: t.timeout})
}

// dataChannel is the bulk channel of the active data phase.
func (b *base) dataChannel() Channel {
	if b.st == StateDataIn {
		return ChannelBulkIn
	}
	return ChannelBulkOut
}

// completionError describes a failed completion.
func completionError(c host.Completion, stage string) error {
	if c.Err != nil {
		return errors.Wrapf(c.Err, "%s stage", stage)
	}
	if c.OK() {
		return errors.Errorf("%s stage: unexpected completion", stage)
	}
	return errors.Wrapf(c.Status.Error(), "%s stage", stage)
}

// engineParams configures a new engine.
type engineParams struct {
	profile  Profile
	iface    uint8
	timeouts timeouts
	maxChunk int
	metrics  *Metrics
}

func (p engineParams) base(component pkg.Component, wire WireProtocol) base {
	return base{
		component: component,
		wire:      wire,
		profile:   p.profile,
		iface:     p.iface,
		timeouts:  p.timeouts,
		maxChunk:  p.maxChunk,
		metrics:   p.metrics,
		steps:     resetSteps(wire),
	}
}

// newEngine selects the engine of the profile's wire protocol.
func newEngine(p engineParams) (engine, error) {
	switch p.profile.Wire {
	case WireBBB:
		return newBBB(p), nil
	case WireCBI, WireCBICCI:
		return newCBI(p, p.profile.Wire), nil
	}
	return nil, errors.Wrapf(pkg.ErrNotSupported, "wire protocol %s", p.profile.Wire)
}
