package msc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/umass/pkg"
)

func bulkOnlySCSI(vendor, product, revision uint16) Identity {
	return Identity{
		Vendor:   vendor,
		Product:  product,
		Revision: revision,
		Class:    0x08,
		Subclass: SubclassSCSI,
		Protocol: ProtocolBulkOnly,
	}
}

func TestProtocolFromDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		subclass uint8
		protocol uint8
		wire     WireProtocol
		dialect  Dialect
	}{
		{"scsi bulk-only", SubclassSCSI, ProtocolBulkOnly, WireBBB, DialectSCSI},
		{"scsi old bulk-only", SubclassSCSI, ProtocolBulkOnlyOld, WireBBB, DialectSCSI},
		{"ufi cci", SubclassUFI, ProtocolCBICCI, WireCBICCI, DialectUFI},
		{"ufi cbi", SubclassUFI, ProtocolCBI, WireCBI, DialectUFI},
		{"rbc cbi", SubclassRBC, ProtocolCBI, WireCBI, DialectRBC},
		{"8020i", SubclassSFF8020I, ProtocolCBICCI, WireCBICCI, DialectATAPI},
		{"8070i", SubclassSFF8070I, ProtocolBulkOnly, WireBBB, DialectATAPI},
		{"qic157", SubclassQIC157, ProtocolBulkOnly, WireUnknown, DialectNone},
		{"unknown protocol", SubclassSCSI, 0x62, WireUnknown, DialectNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, d := ProtocolFromDescriptor(Identity{Class: 0x08, Subclass: tt.subclass, Protocol: tt.protocol})
			require.Equal(t, tt.wire, w)
			require.Equal(t, tt.dialect, d)
		})
	}

	w, d := ProtocolFromDescriptor(Identity{Class: 0x03, Subclass: SubclassSCSI, Protocol: ProtocolBulkOnly})
	require.Equal(t, WireUnknown, w)
	require.Equal(t, DialectNone, d)
}

func TestLookupYEData(t *testing.T) {
	table := DefaultQuirkTable()

	tests := []struct {
		revision uint16
		wire     WireProtocol
		quirks   Quirk
	}{
		{0x0100, WireCBI, floppy | QuirkNoTestUnitReady},
		{0x0127, WireCBI, floppy | QuirkNoTestUnitReady},
		{0x0128, WireCBICCI, floppy | QuirkNoTestUnitReady},
		{0x0129, WireCBICCI, floppy},
	}

	for _, tt := range tests {
		id := Identity{Vendor: vendorYEData, Product: productFlashBuster, Revision: tt.revision}
		p, err := table.Lookup(id)
		require.NoError(t, err, id.String())
		require.Equal(t, tt.wire, p.Wire, id.String())
		require.Equal(t, DialectUFI, p.Dialect, id.String())
		require.Equal(t, tt.quirks, p.Quirks, id.String())
	}
}

func TestLookupSony(t *testing.T) {
	table := DefaultQuirkTable()

	p, err := table.Lookup(Identity{Vendor: vendorSony, Product: productSonyDSC, Revision: 0x0500})
	require.NoError(t, err)
	require.Equal(t, Profile{Wire: WireCBI, Dialect: DialectRBC, Quirks: QuirkRBCPadTo12}, p)

	p, err = table.Lookup(Identity{Vendor: vendorSony, Product: productSonyDSC, Revision: 0x0700})
	require.NoError(t, err)
	require.Equal(t, Profile{Wire: WireCBI, Dialect: DialectRBC}, p)
}

func TestLookupFallsBackToDescriptor(t *testing.T) {
	table := DefaultQuirkTable()

	// Wildcard vendor entry only contributes quirks.
	p, err := table.Lookup(bulkOnlySCSI(vendorAsahiOptical, 0x1234, 0x0100))
	require.NoError(t, err)
	require.Equal(t, Profile{Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkNoClearUA}, p)

	// SDDR-09 leaves the wire protocol to the descriptor.
	id := bulkOnlySCSI(vendorSanDisk, productSDDR09, 0)
	id.Protocol = ProtocolCBI
	p, err = table.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, WireCBI, p.Wire)
	require.True(t, p.Quirks.Has(QuirkReadCapacityOffBy1))

	p, err = table.Lookup(bulkOnlySCSI(0xFFFF, 0x0001, 0x0100))
	require.NoError(t, err)
	require.Equal(t, Profile{Wire: WireBBB, Dialect: DialectSCSI}, p)
}

func TestLookupUnsupported(t *testing.T) {
	table := DefaultQuirkTable()

	_, err := table.Lookup(Identity{Vendor: 0xFFFF, Class: 0x03})
	require.ErrorIs(t, err, pkg.ErrNotSupported)

	// An entry that fixes only the dialect cannot rescue a non-storage interface.
	_, err = table.Lookup(Identity{Vendor: vendorSanDisk, Product: productSDDR09, Class: 0xFF})
	require.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestQuirkTablePrecedence(t *testing.T) {
	const vendor, product = 0x1111, 0x2222

	table := NewQuirkTable(
		QuirkEntry{Name: "vendor", Match: Match{Vendor: vendor, AnyProduct: true, AnyRevision: true}, Quirks: QuirkNoClearUA},
		QuirkEntry{Name: "any", Match: Match{Vendor: vendor, Product: product, AnyRevision: true}, Quirks: QuirkIgnoreResidue},
		QuirkEntry{Name: "below", Match: Match{Vendor: vendor, Product: product, RevisionBelow: 0x0200}, Quirks: QuirkNoGetMaxLUN},
		QuirkEntry{Name: "exact", Match: Match{Vendor: vendor, Product: product, Revision: 0x0100}, Quirks: QuirkNoInquiry},
	)

	tests := []struct {
		product  uint16
		revision uint16
		want     string
	}{
		{product, 0x0100, "exact"},
		{product, 0x0150, "below"},
		{product, 0x0200, "any"},
		{0x3333, 0x0100, "vendor"},
	}
	for _, tt := range tests {
		e, ok := table.Find(Identity{Vendor: vendor, Product: tt.product, Revision: tt.revision})
		require.True(t, ok)
		require.Equal(t, tt.want, e.Name)
	}

	_, ok := table.Find(Identity{Vendor: 0x4444, Product: product})
	require.False(t, ok)
}

func TestQuirkTableWith(t *testing.T) {
	base := DefaultQuirkTable()
	override := QuirkEntry{
		Name:    "olympus-local",
		Match:   Match{Vendor: vendorOlympus, Product: productOlympusC1, AnyRevision: true},
		Wire:    WireBBB,
		Dialect: DialectSCSI,
		Quirks:  QuirkWrongCSWSignature | QuirkIgnoreResidue,
	}

	table := base.With(override)
	e, ok := table.Find(Identity{Vendor: vendorOlympus, Product: productOlympusC1})
	require.True(t, ok)
	require.Equal(t, "olympus-local", e.Name)
	require.Len(t, table.Entries(), len(base.Entries())+1)

	e, ok = base.Find(Identity{Vendor: vendorOlympus, Product: productOlympusC1})
	require.True(t, ok)
	require.Equal(t, "olympus-c1", e.Name)
}

func TestIdentityString(t *testing.T) {
	id := Identity{Vendor: 0x07b4, Product: 0x0102, Revision: 0x0100}
	require.Equal(t, "07b4:0102 rev 0100", id.String())
}
