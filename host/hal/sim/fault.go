package sim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/pkg"
)

// Stage is the part of a transaction a fault applies to.
type Stage uint8

// Transaction stages.
const (
	StageCommand Stage = iota // CBW or ADSC
	StageData                 // bulk data
	StageStatus               // CSW or interrupt data block
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageCommand:
		return "command"
	case StageData:
		return "data"
	case StageStatus:
		return "status"
	default:
		return "unknown"
	}
}

func parseStage(s string) (Stage, bool) {
	for st := StageCommand; st <= StageStatus; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// FaultKind is what goes wrong.
type FaultKind uint8

// Fault kinds. The status-frame kinds only apply to StageStatus.
const (
	FaultStall        FaultKind = iota // halt the pipe
	FaultTimeout                       // never answer
	FaultBadSignature                  // corrupt the CSW signature
	FaultBadTag                        // answer with the wrong tag
	FaultPhaseError                    // report a phase error
	FaultShortStatus                   // truncate the status frame
	FaultUnknownIDB                    // interrupt data block of unknown type
)

var faultNames = [...]string{
	"stall", "timeout", "bad-signature", "bad-tag", "phase-error", "short-status", "unknown-idb",
}

// String returns the fault name.
func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return "unknown"
}

// ParseFaultKind parses the names produced by String.
func ParseFaultKind(s string) (FaultKind, bool) {
	for i, name := range faultNames {
		if name == s {
			return FaultKind(i), true
		}
	}
	return 0, false
}

// Fault is one injected failure.
type Fault struct {
	Stage Stage
	Kind  FaultKind
}

// String formats the fault as stage:kind.
func (f Fault) String() string {
	return f.Stage.String() + ":" + f.Kind.String()
}

// ParseFault parses the stage:kind form produced by String.
func ParseFault(s string) (Fault, error) {
	stage, kind, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !ok {
		return Fault{}, errors.Wrapf(pkg.ErrInvalidParameter, "fault %q: want stage:kind", s)
	}
	var f Fault
	if f.Stage, ok = parseStage(stage); !ok {
		return Fault{}, errors.Wrapf(pkg.ErrInvalidParameter, "fault %q: unknown stage", s)
	}
	if f.Kind, ok = ParseFaultKind(kind); !ok {
		return Fault{}, errors.Wrapf(pkg.ErrInvalidParameter, "fault %q: unknown kind", s)
	}
	return f, nil
}

// Inject queues faults. Each fires once, in order, the next time the
// target reaches its stage; a fault blocks the ones behind it.
func (t *Target) Inject(faults ...Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, faults...)
}

// Pending returns the faults that have not fired.
func (t *Target) Pending() []Fault {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Fault(nil), t.faults...)
}

// fault pops the head fault if it targets stage.
func (t *Target) fault(stage Stage) (Fault, bool) {
	if len(t.faults) == 0 || t.faults[0].Stage != stage {
		return Fault{}, false
	}
	f := t.faults[0]
	t.faults = t.faults[1:]
	t.stats.Faults++
	pkg.LogDebug(pkg.ComponentSim, "fault injected", "fault", f.String())
	return f, true
}
