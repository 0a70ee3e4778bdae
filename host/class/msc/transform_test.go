package msc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransformLength(t *testing.T) {
	for _, d := range []Dialect{DialectSCSI, DialectRBC, DialectUFI, DialectATAPI, DialectNone} {
		t.Run(d.String(), func(t *testing.T) {
			require.Equal(t, Rejected, Transform(d, NoQuirks, nil).Kind)
			require.Equal(t, Rejected, Transform(d, NoQuirks, make([]byte, MaxCommandLength+1)).Kind)
		})
	}
}

func TestTransformNoneRejects(t *testing.T) {
	r := Transform(DialectNone, NoQuirks, cdbTestUnitReady)
	require.Equal(t, Rejected, r.Kind)
}

func TestTransformSCSIPassThrough(t *testing.T) {
	cdb := make([]byte, 16)
	cdb[0] = 0x88 // READ(16)
	cdb[13] = 8

	r := Transform(DialectSCSI, NoQuirks, cdb)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, cdb, r.Bytes())
	require.Zero(t, r.MaxData)
}

func TestTransformDoesNotModifyInput(t *testing.T) {
	cdb := []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}
	orig := append([]byte(nil), cdb...)

	r := Transform(DialectSCSI, QuirkNoTestUnitReady, cdb)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, orig, cdb)
}

func TestTransformFixedSlot(t *testing.T) {
	tests := []struct {
		dialect Dialect
		cdb     []byte
	}{
		{DialectUFI, cdbRead10},
		{DialectUFI, cdbTestUnitReady},
		{DialectATAPI, cdbRead10},
		{DialectATAPI, cdbInquiry},
		{DialectATAPI, []byte{0xEE, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.String(), func(t *testing.T) {
			r := Transform(tt.dialect, NoQuirks, tt.cdb)
			require.Equal(t, Rewritten, r.Kind)
			require.Len(t, r.Bytes(), fixedSlot)
			require.Equal(t, tt.cdb, r.Bytes()[:len(tt.cdb)])
			for _, b := range r.Bytes()[len(tt.cdb):] {
				require.Zero(t, b)
			}
		})
	}

	long := make([]byte, 16)
	long[0] = SCSIRead10
	require.Equal(t, Rejected, Transform(DialectUFI, NoQuirks, long).Kind)
	require.Equal(t, Rejected, Transform(DialectATAPI, NoQuirks, long).Kind)
}

func TestTransformTestUnitReady(t *testing.T) {
	want := []byte{SCSIStartStopUnit, 0, 0, 0, StartStopStart, 0, 0, 0, 0, 0, 0, 0}

	r := Transform(DialectUFI, QuirkNoTestUnitReady, cdbTestUnitReady)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, want, r.Bytes())

	r = Transform(DialectATAPI, QuirkNoTestUnitReady, cdbTestUnitReady)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, want, r.Bytes())

	r = Transform(DialectSCSI, QuirkNoTestUnitReady, cdbTestUnitReady)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, want[:len(cdbTestUnitReady)], r.Bytes())

	r = Transform(DialectUFI, NoQuirks, cdbTestUnitReady)
	require.Equal(t, SCSITestUnitReady, int(r.CDB[0]))
}

func TestTransformRBC(t *testing.T) {
	r := Transform(DialectRBC, NoQuirks, cdbRead10)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, cdbRead10, r.Bytes())

	r = Transform(DialectRBC, QuirkRBCPadTo12, cdbRead10)
	require.Equal(t, Rewritten, r.Kind)
	require.Len(t, r.Bytes(), fixedSlot)
	require.Equal(t, cdbRead10, r.Bytes()[:len(cdbRead10)])

	for _, op := range []byte{SCSIFormatUnit, SCSIModeSense6, SCSIRead12} {
		r = Transform(DialectRBC, NoQuirks, []byte{op, 0, 0, 0, 0, 0})
		require.Equal(t, Rejected, r.Kind, "opcode 0x%02X", op)
	}
}

func TestTransformUFIWhitelist(t *testing.T) {
	r := Transform(DialectUFI, NoQuirks, []byte{SCSIModeSense6, 0, 0, 0, 0, 0})
	require.Equal(t, Rejected, r.Kind)

	r = Transform(DialectUFI, NoQuirks, []byte{SCSIReadFormatCapacities, 0, 0, 0, 0, 0, 0, 0, 0xFC, 0})
	require.Equal(t, Rewritten, r.Kind)
}

func TestTransformSynchronizeCache(t *testing.T) {
	sync := []byte{SCSISynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	r := Transform(DialectUFI, NoQuirks, sync)
	require.Equal(t, Faked, r.Kind)
	require.Equal(t, StatusOK, r.Fake.Status)

	r = Transform(DialectSCSI, NoQuirks, sync)
	require.Equal(t, Rewritten, r.Kind)

	r = Transform(DialectSCSI, QuirkNoSynchronizeCache, sync)
	require.Equal(t, Faked, r.Kind)
	require.Equal(t, StatusOK, r.Fake.Status)
	require.Empty(t, r.Fake.Data)
}

func TestTransformInquiry(t *testing.T) {
	evpd := []byte{SCSIInquiry, InquiryEVPD, VPDUnitSerial, 0, 255, 0}

	tests := []struct {
		name   string
		quirks Quirk
		cdb    []byte
		kind   TransformKind
		status Status
	}{
		{"plain", NoQuirks, cdbInquiry, Rewritten, StatusOK},
		{"no inquiry", QuirkNoInquiry, cdbInquiry, Faked, StatusOK},
		{"no inquiry evpd", QuirkNoInquiry, evpd, Faked, StatusCommandFailed},
		{"no evpd standard", QuirkNoInquiryEVPD, cdbInquiry, Rewritten, StatusOK},
		{"no evpd", QuirkNoInquiryEVPD, evpd, Faked, StatusCommandFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Transform(DialectSCSI, tt.quirks, tt.cdb)
			require.Equal(t, tt.kind, r.Kind)
			if r.Kind != Faked {
				return
			}
			require.Equal(t, tt.status, r.Fake.Status)
			if tt.status == StatusOK {
				require.Len(t, r.Fake.Data, InquiryShortLength)
				require.Equal(t, byte(0x80), r.Fake.Data[1])
				return
			}
			require.Len(t, r.Fake.Sense, SenseDataLength)
			require.Equal(t, byte(SenseIllegalRequest), r.Fake.Sense[2])
			require.Equal(t, byte(ASCInvalidFieldInCDB), r.Fake.Sense[12])
		})
	}
}

func TestTransformForceShortInquiry(t *testing.T) {
	cdb := []byte{SCSIInquiry, 0, 0, 0x01, 0x00, 0}

	r := Transform(DialectSCSI, QuirkForceShortInquiry, cdb)
	require.Equal(t, Rewritten, r.Kind)
	require.Equal(t, byte(0), r.CDB[3])
	require.Equal(t, byte(InquiryShortLength), r.CDB[4])
	require.Equal(t, uint32(InquiryShortLength), r.MaxData)

	r = Transform(DialectATAPI, QuirkForceShortInquiry, cdb)
	require.Equal(t, byte(InquiryShortLength), r.CDB[4])
	require.Len(t, r.Bytes(), fixedSlot)
}

func TestTransformKindString(t *testing.T) {
	require.Equal(t, "rewritten", Rewritten.String())
	require.Equal(t, "faked", Faked.String())
	require.Equal(t, "rejected", Rejected.String())
	require.Equal(t, "unknown", TransformKind(9).String())
}
