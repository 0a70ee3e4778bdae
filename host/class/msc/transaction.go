package msc

import (
	"errors"
	"time"
)

// Errors reported in Result.Err.
var (
	// ErrBadSignature indicates a status frame with an unknown signature.
	ErrBadSignature = errors.New("bad status signature")

	// ErrTagMismatch indicates a status frame answering another command.
	ErrTagMismatch = errors.New("status tag mismatch")

	// ErrPhaseError indicates the device reported a phase error.
	ErrPhaseError = errors.New("phase error")

	// ErrOverrun indicates more data moved than the command declared.
	ErrOverrun = errors.New("data overrun")

	// ErrStatusDecode indicates a status block that could not be decoded.
	ErrStatusDecode = errors.New("undecodable status")

	// ErrRecoveryFailed indicates the reset recovery sequence did not complete.
	ErrRecoveryFailed = errors.New("reset recovery failed")

	// ErrRejected indicates the command is not expressible in the dialect.
	ErrRejected = errors.New("command rejected by dialect")
)

// Direction is the data phase direction of a command.
type Direction uint8

// Data directions.
const (
	DirectionNone Direction = iota
	DirectionIn             // device to host
	DirectionOut            // host to device
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "unknown"
	}
}

// Status is the outcome of a command.
type Status uint8

// Command outcomes.
const (
	// StatusOK means the device executed the command.
	StatusOK Status = iota

	// StatusCommandFailed means the device reported failure; fetch sense.
	StatusCommandFailed

	// StatusCommandIndeterminate means the outcome is unknown; treat it
	// like a failure and fetch sense.
	StatusCommandIndeterminate

	// StatusWireFailed is a transport failure. No sense data exists.
	StatusWireFailed

	// StatusInvalidRequest means the command never reached the wire.
	StatusInvalidRequest
)

// String returns the outcome name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCommandFailed:
		return "command_failed"
	case StatusCommandIndeterminate:
		return "command_indeterminate"
	case StatusWireFailed:
		return "wire_failed"
	case StatusInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Result is delivered exactly once to Command.Done.
type Result struct {
	Status Status

	// Residue is the number of declared bytes not transferred.
	Residue uint32

	// Sense is set only for results synthesized without the wire.
	Sense []byte

	// Err describes a wire failure or rejected command.
	Err error
}

// Command is a generic command block with its data phase.
type Command struct {
	LUN uint8

	// CDB is the generic command block; it is copied at dequeue.
	CDB []byte

	// Data is borrowed for the duration of the command. Its length is the
	// declared transfer length.
	Data      []byte
	Direction Direction

	// Timeout bounds the command and data stages, plus a fixed margin.
	Timeout time.Duration

	// Retry marks a re-issue by the caller; data stage errors then fail
	// at once.
	Retry bool

	// Done receives the result on the device goroutine.
	Done func(Result)
}

// transaction is the engine's record of the active command.
type transaction struct {
	cmd     *Command
	cdb     [MaxCommandLength]byte
	cdbLen  int
	tag     uint32
	timeout time.Duration
	started time.Time

	// data cursor
	dataLen   uint32
	offset    uint32
	remaining uint32
	actual    uint32

	// per-command status bookkeeping
	statusRetried bool
	rereads       int
	chunk         int
}

func newTransaction(cmd *Command, tr *TransformResult, tag uint32, margin time.Duration) *transaction {
	t := &transaction{
		cmd:     cmd,
		cdb:     tr.CDB,
		cdbLen:  tr.Length,
		tag:     tag,
		timeout: cmd.Timeout + margin,
		started: time.Now(),
	}
	if cmd.Direction != DirectionNone {
		t.dataLen = uint32(len(cmd.Data))
		if tr.MaxData > 0 && t.dataLen > tr.MaxData {
			t.dataLen = tr.MaxData
		}
	}
	t.remaining = t.dataLen
	return t
}

func (t *transaction) command() []byte {
	return t.cdb[:t.cdbLen]
}

func (t *transaction) direction() Direction {
	if t.dataLen == 0 {
		return DirectionNone
	}
	return t.cmd.Direction
}

// next returns the buffer for the next data stage, capped at max bytes.
func (t *transaction) next(max int) []byte {
	n := t.remaining
	if max > 0 && n > uint32(max) {
		n = uint32(max)
	}
	t.chunk = int(n)
	return t.cmd.Data[t.offset : t.offset+n]
}

// advance records n bytes moved by the last data stage. A short stage ends
// the data phase.
func (t *transaction) advance(n int) {
	if n > t.chunk {
		n = t.chunk
	}
	t.actual += uint32(n)
	t.offset += uint32(n)
	t.remaining -= uint32(n)
	if n < t.chunk {
		t.remaining = 0
	}
}

// residue is the computed residue.
func (t *transaction) residue() uint32 {
	return t.dataLen - t.actual
}

// result builds a result with residue clamped to the declared length.
func (t *transaction) result(s Status, residue uint32, err error) Result {
	if residue > t.dataLen {
		residue = t.dataLen
	}
	return Result{Status: s, Residue: residue, Err: err}
}
