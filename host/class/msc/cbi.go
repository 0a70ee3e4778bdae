package msc

import (
	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/pkg"
)

// cbiResetBlock is SEND DIAGNOSTIC with SelfTest cleared and the
// remaining bytes set, the command reset of the CBI specification.
var cbiResetBlock = [CBIResetLength]byte{
	SCSISendDiagnostic, 0x04, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// cbiEngine drives Control/Bulk/Interrupt transport, with or without the
// command completion interrupt.
type cbiEngine struct {
	base

	resetBlock [CBIResetLength]byte
	idb        [CBIIDBSize]byte
}

func newCBI(p engineParams, wire WireProtocol) *cbiEngine {
	e := &cbiEngine{base: p.base(pkg.ComponentCBI, wire)}
	e.resetRequest = func() Request {
		e.resetBlock = cbiResetBlock
		return e.classRequest(RequestADSC, e.resetBlock[:], false)
	}
	e.command = e.sendCommand
	return e
}

func (e *cbiEngine) sendCommand() action {
	t := e.t
	if t.cdbLen > CBICommandLength {
		return e.finish(StatusInvalidRequest, t.dataLen,
			errors.Wrapf(ErrRejected, "%d byte command exceeds %d", t.cdbLen, CBICommandLength))
	}
	req := e.classRequest(RequestADSC, t.command(), false)
	req.Timeout = t.timeout

	pkg.LogDebug(e.component, "command block",
		"tag", t.tag, "opcode", t.cdb[0], "length", t.dataLen, "direction", t.direction().String())
	return e.submit(StateCommand, req)
}

// readStatus reads the interrupt data block. Without an interrupt pipe
// the outcome cannot be known.
func (e *cbiEngine) readStatus() action {
	if !e.wire.HasStatusPipe() {
		return e.finish(StatusCommandIndeterminate, e.t.residue(), nil)
	}
	e.idb = [CBIIDBSize]byte{}
	return e.submit(StateStatus, Request{Channel: ChannelInterrupt, Data: e.idb[:], Timeout: e.timeouts.status})
}

func (e *cbiEngine) step(c host.Completion) action {
	switch e.st {
	case StateCommand:
		if !c.OK() {
			return e.failed(c, "command")
		}
		if e.t.direction() == DirectionNone {
			return e.readStatus()
		}
		return e.dataStage()

	case StateDataIn, StateDataOut:
		if c.OK() {
			e.t.advance(c.Actual)
			if e.t.remaining > 0 {
				return e.dataStage()
			}
			return e.readStatus()
		}
		if e.t.cmd.Retry {
			// a retried command on a failing device must not loop
			e.needsReset = true
			return e.finish(StatusWireFailed, e.t.residue(), completionError(c, e.st.String()))
		}
		if c.Status == pkg.TransferStatusStall {
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
		if !c.OK() {
			return e.failed(c, "status")
		}
		return e.status(c.Actual)
	}

	if e.st.Recovering() {
		return e.stepRecovery(c)
	}
	pkg.LogWarn(e.component, "completion while idle", "status", c.Status.String())
	return action{kind: actionIdle, err: pkg.ErrProtocol}
}

// status decodes the interrupt data block.
func (e *cbiEngine) status(n int) action {
	t := e.t
	switch decodeIDB(e.idb[:n], e.profile.Dialect) {
	case idbPass:
		return e.finish(StatusOK, t.residue(), nil)
	case idbFail:
		return e.finish(StatusCommandFailed, t.residue(), nil)
	case idbPhaseError:
		return e.recover(goalFail, ErrPhaseError, "phase")
	}

	if t.rereads >= maxStatusRereads {
		return e.recover(goalFail,
			errors.Wrapf(ErrStatusDecode, "interrupt data block % x after %d reads", e.idb[:n], t.rereads+1), "decode")
	}
	t.rereads++
	pkg.LogDebug(e.component, "unrecognized interrupt data block, reading again",
		"tag", t.tag, "block", e.idb[:n], "reread", t.rereads)
	return e.readStatus()
}
