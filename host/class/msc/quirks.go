package msc

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// WireProtocol selects the transport engine.
type WireProtocol uint8

// Wire protocols. WireUnknown in a table entry defers to the descriptors.
const (
	WireUnknown WireProtocol = iota
	WireBBB                  // Bulk-Only
	WireCBI                  // Control/Bulk/Interrupt, no completion interrupt
	WireCBICCI               // Control/Bulk/Interrupt with completion interrupt
)

// String returns the protocol name.
func (w WireProtocol) String() string {
	switch w {
	case WireBBB:
		return "bbb"
	case WireCBI:
		return "cbi"
	case WireCBICCI:
		return "cbi-cci"
	default:
		return "unknown"
	}
}

// HasStatusPipe reports whether status arrives on an interrupt pipe.
func (w WireProtocol) HasStatusPipe() bool {
	return w == WireCBICCI
}

// ParseWireProtocol parses the names produced by String.
func ParseWireProtocol(s string) (WireProtocol, error) {
	switch strings.ToLower(s) {
	case "", "unknown":
		return WireUnknown, nil
	case "bbb", "bulk-only", "bot":
		return WireBBB, nil
	case "cbi":
		return WireCBI, nil
	case "cbi-cci", "cbi_i", "cci":
		return WireCBICCI, nil
	default:
		return WireUnknown, errors.Errorf("unknown wire protocol %q", s)
	}
}

// Dialect is the command set a device expects.
type Dialect uint8

// Command dialects. DialectNone in a table entry defers to the descriptors.
const (
	DialectNone Dialect = iota
	DialectSCSI
	DialectRBC
	DialectUFI
	DialectATAPI
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectSCSI:
		return "scsi"
	case DialectRBC:
		return "rbc"
	case DialectUFI:
		return "ufi"
	case DialectATAPI:
		return "atapi"
	default:
		return "none"
	}
}

// ParseDialect parses the names produced by String.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DialectNone, nil
	case "scsi":
		return DialectSCSI, nil
	case "rbc":
		return DialectRBC, nil
	case "ufi":
		return DialectUFI, nil
	case "atapi", "8070i", "8020i":
		return DialectATAPI, nil
	default:
		return DialectNone, errors.Errorf("unknown dialect %q", s)
	}
}

// Quirk is a bitmask of device deviations.
type Quirk uint32

// Device quirks.
const (
	QuirkNoTestUnitReady    Quirk = 1 << iota // TEST UNIT READY rewritten to START STOP UNIT
	QuirkNoClearUA                            // REQUEST SENSE does not clear UNIT ATTENTION
	QuirkNoStartStop                          // START STOP UNIT unsupported
	QuirkForceShortInquiry                    // INQUIRY must ask for 36 bytes
	QuirkShuttleInit                          // Shuttle vendor request at attach
	QuirkAltIface1                            // use alternate interface 1
	QuirkFloppySpeed                          // slow floppy timings
	QuirkIgnoreResidue                        // CSW residue is unreliable
	QuirkNoGetMaxLUN                          // GET MAX LUN unsupported
	QuirkWrongCSWSignature                    // CSW carries a known wrong signature
	QuirkNoInquiry                            // INQUIRY data synthesized
	QuirkNoInquiryEVPD                        // INQUIRY with EVPD fails
	QuirkRBCPadTo12                           // RBC commands padded to 12 bytes
	QuirkReadCapacityOffBy1                   // READ CAPACITY reports block count
	QuirkNoSynchronizeCache                   // SYNCHRONIZE CACHE synthesized
)

// NoQuirks is the empty quirk set.
const NoQuirks Quirk = 0

var quirkNames = [...]string{
	"no_test_unit_ready",
	"rs_no_clear_ua",
	"no_start_stop",
	"force_short_inquiry",
	"shuttle_init",
	"alt_iface_1",
	"floppy_speed",
	"ignore_residue",
	"no_getmaxlun",
	"wrong_csw_signature",
	"no_inquiry",
	"no_inquiry_evpd",
	"rbc_pad_to_12",
	"read_capacity_off_by_1",
	"no_synchronize_cache",
}

// Has reports whether every bit of q is set.
func (m Quirk) Has(q Quirk) bool {
	return m&q == q
}

// Names returns the name of every set bit, lowest first.
func (m Quirk) Names() []string {
	names := make([]string, 0, bits.OnesCount32(uint32(m)))
	for i, name := range quirkNames {
		if m&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if rest := m &^ (1<<len(quirkNames) - 1); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return names
}

// String joins Names with "|".
func (m Quirk) String() string {
	if m == NoQuirks {
		return "none"
	}
	return strings.Join(m.Names(), "|")
}

// ParseQuirks folds a list of quirk names into a mask.
func ParseQuirks(names []string) (Quirk, error) {
	var m Quirk
	for _, n := range names {
		q, ok := lookupQuirkName(n)
		if !ok {
			return m, errors.Errorf("unknown quirk %q", n)
		}
		m |= q
	}
	return m, nil
}

func lookupQuirkName(s string) (Quirk, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range quirkNames {
		if name == s {
			return 1 << i, true
		}
	}
	return 0, false
}

// Profile is the immutable per-device configuration resolved at attach.
type Profile struct {
	Wire    WireProtocol
	Dialect Dialect
	Quirks  Quirk
}

// String formats the profile for logs.
func (p Profile) String() string {
	return fmt.Sprintf("%s/%s quirks=%s", p.Wire, p.Dialect, p.Quirks)
}

// Supported reports whether both wire protocol and dialect are known.
func (p Profile) Supported() bool {
	return p.Wire != WireUnknown && p.Dialect != DialectNone
}
