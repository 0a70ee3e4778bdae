package msc

import (
	"github.com/ardnew/umass/pkg"
)

// TransformKind tags a TransformResult.
type TransformKind uint8

// Transform outcomes.
const (
	// Rewritten carries command bytes for the wire.
	Rewritten TransformKind = iota

	// Faked carries a synthesized result; the wire is not touched.
	Faked

	// Rejected means the command cannot be expressed in the dialect.
	Rejected
)

// String returns the outcome name.
func (k TransformKind) String() string {
	switch k {
	case Rewritten:
		return "rewritten"
	case Faked:
		return "faked"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FakeResponse is the synthesized answer of a Faked transform.
type FakeResponse struct {
	// Status is StatusOK or StatusCommandFailed.
	Status Status

	// Data is copied into the caller's buffer on success.
	Data []byte

	// Sense accompanies a synthesized failure.
	Sense []byte
}

// TransformResult is the outcome of Transform.
type TransformResult struct {
	Kind TransformKind

	// CDB holds Length command bytes when Kind is Rewritten.
	CDB    [MaxCommandLength]byte
	Length int

	// MaxData caps the data phase length; zero leaves it unchanged.
	MaxData uint32

	// Fake is set when Kind is Faked.
	Fake *FakeResponse
}

// Bytes returns the rewritten command block.
func (r *TransformResult) Bytes() []byte {
	return r.CDB[:r.Length]
}

// fixedSlot is the command block size of UFI and ATAPI.
const fixedSlot = 12

var (
	fakeInquiryData = [InquiryShortLength]byte{
		0,    // direct access
		0x80, // removable
		0x02, // SCSI-2
		0x02, // response format
		31,   // additional length
	}

	fakeSynchronizeCache = &FakeResponse{Status: StatusOK}
	fakeInquiry          = &FakeResponse{Status: StatusOK, Data: fakeInquiryData[:]}
	fakeInvalidField     = &FakeResponse{
		Status: StatusCommandFailed,
		Sense:  fixedSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0),
	}
)

// fixedSense builds fixed-format sense data.
func fixedSense(key, asc, ascq uint8) []byte {
	sense := make([]byte, SenseDataLength)
	sense[0] = SenseFixedCurrent
	sense[2] = key & 0x0F
	sense[7] = SenseDataLength - 8
	sense[12] = asc
	sense[13] = ascq
	return sense
}

var rbcCommands = map[byte]bool{
	SCSIRead10:              true,
	SCSIReadCapacity10:      true,
	SCSIStartStopUnit:       true,
	SCSISynchronizeCache10:  true,
	SCSIWrite10:             true,
	SCSIVerify10:            true,
	SCSIInquiry:             true,
	SCSIModeSelect10:        true,
	SCSIModeSense10:         true,
	SCSITestUnitReady:       true,
	SCSIWriteBuffer:         true,
	SCSIRequestSense:        true,
	SCSIPreventAllowRemoval: true,
}

var ufiCommands = map[byte]bool{
	SCSITestUnitReady:        true,
	SCSIRezeroUnit:           true,
	SCSIRequestSense:         true,
	SCSIFormatUnit:           true,
	SCSIInquiry:              true,
	SCSIStartStopUnit:        true,
	SCSISendDiagnostic:       true,
	SCSIPreventAllowRemoval:  true,
	SCSIReadCapacity10:       true,
	SCSIRead10:               true,
	SCSIWrite10:              true,
	SCSISeek10:               true,
	SCSIWriteAndVerify10:     true,
	SCSIVerify10:             true,
	SCSIModeSelect10:         true,
	SCSIModeSense10:          true,
	SCSIRead12:               true,
	SCSIWrite12:              true,
	SCSIReadFormatCapacities: true,
}

// Transform rewrites a generic command block for dialect under quirks.
// It is pure; cdb is never modified.
func Transform(dialect Dialect, quirks Quirk, cdb []byte) TransformResult {
	var r TransformResult
	if len(cdb) == 0 || len(cdb) > MaxCommandLength {
		r.Kind = Rejected
		pkg.LogInfo(pkg.ComponentTransform, "command length out of range", "len", len(cdb))
		return r
	}

	switch dialect {
	case DialectSCSI:
		transformSCSI(&r, quirks, cdb)
	case DialectRBC:
		transformRBC(&r, quirks, cdb)
	case DialectUFI:
		transformUFI(&r, quirks, cdb)
	case DialectATAPI:
		transformATAPI(&r, quirks, cdb)
	default:
		r.Kind = Rejected
	}

	if r.Kind == Rewritten {
		fakeFor(&r, quirks)
	}
	if r.Kind == Rejected {
		pkg.LogInfo(pkg.ComponentTransform, "command rejected",
			"dialect", dialect.String(), "opcode", cdb[0])
	}
	return r
}

func transformSCSI(r *TransformResult, quirks Quirk, cdb []byte) {
	r.Length = copy(r.CDB[:], cdb)
	rewriteCommon(r, quirks)
}

func transformRBC(r *TransformResult, quirks Quirk, cdb []byte) {
	if !rbcCommands[cdb[0]] {
		r.Kind = Rejected
		return
	}
	r.Length = copy(r.CDB[:], cdb)
	if quirks.Has(QuirkRBCPadTo12) && r.Length < fixedSlot {
		r.Length = fixedSlot
	}
}

func transformUFI(r *TransformResult, quirks Quirk, cdb []byte) {
	if len(cdb) > fixedSlot {
		r.Kind = Rejected
		return
	}
	copy(r.CDB[:], cdb)
	r.Length = fixedSlot

	switch op := cdb[0]; {
	case op == SCSITestUnitReady && quirks.Has(QuirkNoTestUnitReady):
		rewriteTestUnitReady(r)
	case op == SCSISynchronizeCache10:
		r.Kind = Faked
		r.Fake = fakeSynchronizeCache
	case !ufiCommands[op]:
		r.Kind = Rejected
	}
}

func transformATAPI(r *TransformResult, quirks Quirk, cdb []byte) {
	if len(cdb) > fixedSlot {
		r.Kind = Rejected
		return
	}
	copy(r.CDB[:], cdb)
	r.Length = fixedSlot
	rewriteCommon(r, quirks)

	switch r.CDB[0] {
	case SCSITestUnitReady, SCSIRequestSense, SCSIInquiry, SCSIStartStopUnit,
		SCSIPreventAllowRemoval, SCSIReadCapacity10, SCSIRead10, SCSIWrite10,
		SCSIVerify10, SCSIModeSelect10, SCSIModeSense10, SCSIRead12,
		SCSIWrite12, SCSIReadFormatCapacities, SCSISynchronizeCache10:
	default:
		pkg.LogDebug(pkg.ComponentTransform, "unknown ATAPI command, trying anyway", "opcode", r.CDB[0])
	}
}

// rewriteCommon applies the SCSI-style TEST UNIT READY and INQUIRY quirks.
func rewriteCommon(r *TransformResult, quirks Quirk) {
	switch r.CDB[0] {
	case SCSITestUnitReady:
		if quirks.Has(QuirkNoTestUnitReady) {
			rewriteTestUnitReady(r)
		}
	case SCSIInquiry:
		if quirks.Has(QuirkForceShortInquiry) {
			r.CDB[3] = 0
			r.CDB[4] = InquiryShortLength
			r.MaxData = InquiryShortLength
		}
	}
}

// rewriteTestUnitReady turns the command into START STOP UNIT with START
// set, keeping the slot length.
func rewriteTestUnitReady(r *TransformResult) {
	clear(r.CDB[:])
	r.CDB[0] = SCSIStartStopUnit
	r.CDB[4] = StartStopStart
	pkg.LogDebug(pkg.ComponentTransform, "TEST UNIT READY rewritten to START STOP UNIT")
}

// fakeFor replaces commands the device is known to mishandle.
func fakeFor(r *TransformResult, quirks Quirk) {
	switch r.CDB[0] {
	case SCSIInquiry:
		evpd := r.CDB[1]&InquiryEVPD != 0
		switch {
		case evpd && quirks&(QuirkNoInquiryEVPD|QuirkNoInquiry) != 0:
			r.Kind = Faked
			r.Fake = fakeInvalidField
		case quirks.Has(QuirkNoInquiry):
			r.Kind = Faked
			r.Fake = fakeInquiry
		}
	case SCSISynchronizeCache10:
		if quirks.Has(QuirkNoSynchronizeCache) {
			r.Kind = Faked
			r.Fake = fakeSynchronizeCache
		}
	}
}
