package msc

import (
	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/pkg"
)

// bbbEngine drives Bulk-Only Transport.
type bbbEngine struct {
	base

	cbw [CBWSize]byte
	csw [CSWSize]byte
}

func newBBB(p engineParams) *bbbEngine {
	e := &bbbEngine{base: p.base(pkg.ComponentBBB, WireBBB)}
	e.resetRequest = func() Request {
		return e.classRequest(RequestBulkOnlyMassStorageReset, nil, false)
	}
	e.command = e.sendCommand
	return e
}

func (e *bbbEngine) sendCommand() action {
	t := e.t
	w := CommandBlockWrapper{
		Tag:        t.tag,
		DataLength: t.dataLen,
		LUN:        t.cmd.LUN,
		CDBLength:  uint8(t.cdbLen),
	}
	if t.direction() == DirectionIn {
		w.Flags = CBWFlagDataIn
	}
	copy(w.CDB[:], t.command())
	w.MarshalTo(e.cbw[:])

	pkg.LogDebug(e.component, "command block",
		"tag", t.tag, "lun", t.cmd.LUN, "opcode", t.cdb[0],
		"length", t.dataLen, "direction", t.direction().String())
	return e.submit(StateCommand, Request{Channel: ChannelBulkOut, Data: e.cbw[:], Timeout: t.timeout})
}

func (e *bbbEngine) readStatus() action {
	return e.submit(StateStatus, Request{Channel: ChannelBulkIn, Data: e.csw[:], Timeout: e.timeouts.status})
}

func (e *bbbEngine) step(c host.Completion) action {
	switch e.st {
	case StateCommand:
		if !c.OK() {
			return e.failed(c, "command")
		}
		if c.Actual != CBWSize {
			return e.recover(goalFail,
				errors.Wrapf(pkg.ErrProtocol, "command block sent %d of %d bytes", c.Actual, CBWSize), "command")
		}
		if e.t.direction() == DirectionNone {
			return e.readStatus()
		}
		return e.dataStage()

	case StateDataIn, StateDataOut:
		switch c.Status {
		case pkg.TransferStatusSuccess:
			e.t.advance(c.Actual)
			if e.t.remaining > 0 {
				return e.dataStage()
			}
			return e.readStatus()
		case pkg.TransferStatusStall:
			e.t.advance(c.Actual)
			return e.clearStall(StateDataClearStall, e.dataChannel())
		}
		return e.failed(c, e.st.String())

	case StateDataClearStall:
		if !c.OK() {
			return e.failed(c, "data clear-stall")
		}
		e.metrics.stallCleared(e.wire)
		return e.readStatus()

	case StateStatus:
		if c.OK() {
			return e.status(c.Actual)
		}
		switch {
		case c.Status == pkg.TransferStatusCancelled, c.Status == pkg.TransferStatusNoDevice, e.t.statusRetried:
			return e.failed(c, "status")
		}
		e.t.statusRetried = true
		pkg.LogDebug(e.component, "status read failed, retrying", "tag", e.t.tag, "status", c.Status.String())
		if c.Status == pkg.TransferStatusStall {
			return e.clearStall(StateStatusClearStall, ChannelBulkIn)
		}
		return e.readStatus()

	case StateStatusClearStall:
		if !c.OK() {
			return e.failed(c, "status clear-stall")
		}
		e.metrics.stallCleared(e.wire)
		return e.readStatus()
	}

	if e.st.Recovering() {
		return e.stepRecovery(c)
	}
	pkg.LogWarn(e.component, "completion while idle", "status", c.Status.String())
	return action{kind: actionIdle, err: pkg.ErrProtocol}
}

// status validates the status frame and ends the transaction.
func (e *bbbEngine) status(n int) action {
	t := e.t
	csw := ParseCommandStatusWrapper(e.csw[:n])
	if err := csw.Validate(t.tag, t.dataLen, t.actual, e.profile.Quirks); err != nil {
		return e.recover(goalFail, err, statusFailureReason(err))
	}

	residue := csw.Residue
	if e.profile.Quirks.Has(QuirkIgnoreResidue) || t.actual == 0 {
		residue = t.residue()
	}
	if residue > t.dataLen {
		pkg.LogDebug(e.component, "truncating residue", "residue", residue, "length", t.dataLen)
	}

	if csw.Status == CSWStatusFailed {
		return e.finish(StatusCommandFailed, residue, nil)
	}
	return e.finish(StatusOK, residue, nil)
}

// statusFailureReason labels a rejected status frame for metrics.
func statusFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "signature"
	case errors.Is(err, ErrTagMismatch):
		return "tag"
	case errors.Is(err, ErrPhaseError):
		return "phase"
	case errors.Is(err, ErrOverrun):
		return "overrun"
	default:
		return "decode"
	}
}
