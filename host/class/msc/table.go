package msc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/pkg"
)

// Identity is what the bus reports about a device and its storage interface.
type Identity struct {
	Vendor   uint16
	Product  uint16
	Revision uint16 // bcdDevice

	Class    uint8 // bInterfaceClass
	Subclass uint8 // bInterfaceSubClass
	Protocol uint8 // bInterfaceProtocol
}

// IdentityOf builds an Identity from parsed descriptors.
func IdentityOf(dev *host.DeviceDescriptor, iface *host.InterfaceDescriptor) Identity {
	return Identity{
		Vendor:   dev.VendorID,
		Product:  dev.ProductID,
		Revision: dev.DeviceVersion,
		Class:    iface.InterfaceClass,
		Subclass: iface.InterfaceSubClass,
		Protocol: iface.InterfaceProtocol,
	}
}

// String formats the identity as vvvv:pppp rev rrrr.
func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x rev %04x", id.Vendor, id.Product, id.Revision)
}

// Match selects the devices a QuirkEntry applies to.
type Match struct {
	Vendor uint16

	// AnyProduct matches every product of Vendor.
	AnyProduct bool
	Product    uint16

	// Exactly one of these forms applies: an exact revision, every
	// revision strictly below RevisionBelow, or any revision.
	AnyRevision   bool
	Revision      uint16
	RevisionBelow uint16
}

// specificity ranks how precisely m pins a device. Zero means no match.
func (m Match) specificity(id Identity) int {
	if m.Vendor != id.Vendor {
		return 0
	}
	score := 1
	switch {
	case m.AnyProduct:
	case m.Product == id.Product:
		score += 4
	default:
		return 0
	}
	switch {
	case m.AnyRevision:
	case m.RevisionBelow != 0:
		if id.Revision >= m.RevisionBelow {
			return 0
		}
		score++
	case m.Revision == id.Revision:
		score += 2
	default:
		return 0
	}
	return score
}

// QuirkEntry describes one known device. A zero Wire or Dialect is taken
// from the interface descriptor.
type QuirkEntry struct {
	Name    string
	Match   Match
	Wire    WireProtocol
	Dialect Dialect
	Quirks  Quirk
}

// QuirkTable is an ordered list of entries. At equal specificity the
// earlier entry wins.
type QuirkTable struct {
	entries []QuirkEntry
}

// NewQuirkTable creates a table from entries.
func NewQuirkTable(entries ...QuirkEntry) *QuirkTable {
	return &QuirkTable{entries: append([]QuirkEntry(nil), entries...)}
}

// With returns a new table in which overrides take precedence over t at
// equal specificity.
func (t *QuirkTable) With(overrides ...QuirkEntry) *QuirkTable {
	entries := make([]QuirkEntry, 0, len(overrides)+len(t.entries))
	entries = append(entries, overrides...)
	entries = append(entries, t.entries...)
	return &QuirkTable{entries: entries}
}

// Entries returns a copy of the table contents.
func (t *QuirkTable) Entries() []QuirkEntry {
	return append([]QuirkEntry(nil), t.entries...)
}

// Find returns the most specific entry for id.
func (t *QuirkTable) Find(id Identity) (QuirkEntry, bool) {
	best, bestScore := -1, 0
	for i := range t.entries {
		if s := t.entries[i].Match.specificity(id); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return QuirkEntry{}, false
	}
	return t.entries[best], true
}

// Lookup resolves the profile of id. Fields the matching entry leaves
// open, or every field when nothing matches, come from the interface
// descriptor. It fails with pkg.ErrNotSupported when the result has no
// usable wire protocol or dialect.
func (t *QuirkTable) Lookup(id Identity) (Profile, error) {
	var p Profile
	if e, ok := t.Find(id); ok {
		p = Profile{Wire: e.Wire, Dialect: e.Dialect, Quirks: e.Quirks}
		pkg.LogDebug(pkg.ComponentQuirk, "table match", "device", id.String(), "entry", e.Name)
	}

	if p.Wire == WireUnknown || p.Dialect == DialectNone {
		wire, dialect := ProtocolFromDescriptor(id)
		if p.Wire == WireUnknown {
			p.Wire = wire
		}
		if p.Dialect == DialectNone {
			p.Dialect = dialect
		}
	}

	if !p.Supported() {
		return p, errors.Wrapf(pkg.ErrNotSupported, "%s (class 0x%02x subclass 0x%02x protocol 0x%02x)",
			id, id.Class, id.Subclass, id.Protocol)
	}
	return p, nil
}

// ProtocolFromDescriptor maps standard interface codes to a wire protocol
// and dialect. Non mass-storage interfaces yield neither.
func ProtocolFromDescriptor(id Identity) (WireProtocol, Dialect) {
	if id.Class != host.ClassMassStorage {
		return WireUnknown, DialectNone
	}

	var dialect Dialect
	switch id.Subclass {
	case SubclassSCSI:
		dialect = DialectSCSI
	case SubclassUFI:
		dialect = DialectUFI
	case SubclassRBC:
		dialect = DialectRBC
	case SubclassSFF8020I, SubclassSFF8070I:
		dialect = DialectATAPI
	default:
		return WireUnknown, DialectNone
	}

	switch id.Protocol {
	case ProtocolCBI:
		return WireCBI, dialect
	case ProtocolCBICCI:
		return WireCBICCI, dialect
	case ProtocolBulkOnly, ProtocolBulkOnlyOld:
		return WireBBB, dialect
	default:
		return WireUnknown, DialectNone
	}
}

// Vendor and product codes of the built-in table.
const (
	vendorShuttle      = 0x04e6
	vendorCypress      = 0x04b4
	productXX6830XX    = 0x6830
	productShuttleEUSB = 0x0001
	vendorSony         = 0x054c
	productSonyDSC     = 0x0010
	productHandycam    = 0x002e
	vendorYEData       = 0x057b
	productFlashBuster = 0x0000
	vendorIomega       = 0x059b
	productZip100      = 0x0001
	vendorLexar        = 0x05dc
	productLexarCF     = 0xb002
	vendorGenesys      = 0x05e3
	productGL641USB    = 0x0700
	productGL641USBIDE = 0x0702
	vendorSanDisk      = 0x0781
	productSDDR05A     = 0x0001
	productSDDR31      = 0x0002
	productSDDR12      = 0x0100
	productSDDR09      = 0x0200
	vendorMitsumi      = 0x03ee
	productMitsumiFDD  = 0x6901
	vendorHP           = 0x03f0
	productCDW8200     = 0x0207
	vendorOlympus      = 0x07b4
	productOlympusC1   = 0x0102
	vendorCasio        = 0x07cf
	productQVDigicam   = 0x1001
	vendorMSystems     = 0x08ec
	productDiskOnKey   = 0x0010
	productDiskOnKey2  = 0x0011
	vendorAsahiOptical = 0x0a17
)

const floppy = QuirkNoClearUA | QuirkFloppySpeed

var builtinEntries = []QuirkEntry{
	{Name: "asahi-optical", Match: Match{Vendor: vendorAsahiOptical, AnyProduct: true, AnyRevision: true},
		Quirks: QuirkNoClearUA},
	{Name: "casio-qv", Match: Match{Vendor: vendorCasio, Product: productQVDigicam, AnyRevision: true},
		Wire: WireCBI, Dialect: DialectSCSI, Quirks: QuirkNoInquiry},
	{Name: "cypress-xx6830xx", Match: Match{Vendor: vendorCypress, Product: productXX6830XX, AnyRevision: true},
		Quirks: QuirkNoGetMaxLUN | QuirkNoSynchronizeCache},
	{Name: "genesys-gl641usb", Match: Match{Vendor: vendorGenesys, Product: productGL641USB, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkForceShortInquiry | QuirkNoStartStop | QuirkIgnoreResidue},
	{Name: "genesys-gl641usb2ide", Match: Match{Vendor: vendorGenesys, Product: productGL641USBIDE, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI,
		Quirks: QuirkForceShortInquiry | QuirkNoStartStop | QuirkIgnoreResidue | QuirkNoSynchronizeCache},
	{Name: "hp-cdw8200", Match: Match{Vendor: vendorHP, Product: productCDW8200, AnyRevision: true},
		Wire: WireCBICCI, Dialect: DialectATAPI, Quirks: QuirkNoTestUnitReady | QuirkNoStartStop},
	{Name: "iomega-zip100", Match: Match{Vendor: vendorIomega, Product: productZip100, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkNoTestUnitReady},
	{Name: "lexar-cf-reader", Match: Match{Vendor: vendorLexar, Product: productLexarCF, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkNoInquiry},
	{Name: "mitsumi-fdd", Match: Match{Vendor: vendorMitsumi, Product: productMitsumiFDD, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkNoGetMaxLUN},
	{Name: "msystems-diskonkey", Match: Match{Vendor: vendorMSystems, Product: productDiskOnKey, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkIgnoreResidue | QuirkNoGetMaxLUN | QuirkNoClearUA},
	{Name: "msystems-diskonkey2", Match: Match{Vendor: vendorMSystems, Product: productDiskOnKey2, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectATAPI},
	{Name: "olympus-c1", Match: Match{Vendor: vendorOlympus, Product: productOlympusC1, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkWrongCSWSignature},
	{Name: "sandisk-sddr05a", Match: Match{Vendor: vendorSanDisk, Product: productSDDR05A, AnyRevision: true},
		Wire: WireCBI, Dialect: DialectSCSI, Quirks: QuirkReadCapacityOffBy1 | QuirkNoGetMaxLUN},
	{Name: "sandisk-sddr09", Match: Match{Vendor: vendorSanDisk, Product: productSDDR09, AnyRevision: true},
		Dialect: DialectSCSI, Quirks: QuirkReadCapacityOffBy1 | QuirkNoGetMaxLUN},
	{Name: "sandisk-sddr12", Match: Match{Vendor: vendorSanDisk, Product: productSDDR12, AnyRevision: true},
		Wire: WireCBI, Dialect: DialectSCSI, Quirks: QuirkReadCapacityOffBy1 | QuirkNoGetMaxLUN},
	{Name: "sandisk-sddr31", Match: Match{Vendor: vendorSanDisk, Product: productSDDR31, AnyRevision: true},
		Wire: WireBBB, Dialect: DialectSCSI, Quirks: QuirkReadCapacityOffBy1},
	{Name: "shuttle-eusb", Match: Match{Vendor: vendorShuttle, Product: productShuttleEUSB, AnyRevision: true},
		Wire: WireCBICCI, Dialect: DialectATAPI, Quirks: QuirkNoTestUnitReady | QuirkNoStartStop | QuirkShuttleInit},
	{Name: "sony-dsc-0500", Match: Match{Vendor: vendorSony, Product: productSonyDSC, Revision: 0x0500},
		Wire: WireCBI, Dialect: DialectRBC, Quirks: QuirkRBCPadTo12},
	{Name: "sony-dsc-0600", Match: Match{Vendor: vendorSony, Product: productSonyDSC, Revision: 0x0600},
		Wire: WireCBI, Dialect: DialectRBC, Quirks: QuirkRBCPadTo12},
	{Name: "sony-dsc", Match: Match{Vendor: vendorSony, Product: productSonyDSC, AnyRevision: true},
		Wire: WireCBI, Dialect: DialectRBC},
	{Name: "sony-handycam-0500", Match: Match{Vendor: vendorSony, Product: productHandycam, Revision: 0x0500},
		Wire: WireCBI, Dialect: DialectRBC, Quirks: QuirkRBCPadTo12},
	{Name: "sony-handycam", Match: Match{Vendor: vendorSony, Product: productHandycam, AnyRevision: true},
		Wire: WireCBI, Dialect: DialectRBC},
	// Revisions below 1.28 mishandle the interrupt pipe; 1.28 itself
	// still has a broken TEST UNIT READY.
	{Name: "yedata-flashbuster-old", Match: Match{Vendor: vendorYEData, Product: productFlashBuster, RevisionBelow: 0x0128},
		Wire: WireCBI, Dialect: DialectUFI, Quirks: floppy | QuirkNoTestUnitReady},
	{Name: "yedata-flashbuster-128", Match: Match{Vendor: vendorYEData, Product: productFlashBuster, Revision: 0x0128},
		Wire: WireCBICCI, Dialect: DialectUFI, Quirks: floppy | QuirkNoTestUnitReady},
	{Name: "yedata-flashbuster", Match: Match{Vendor: vendorYEData, Product: productFlashBuster, AnyRevision: true},
		Wire: WireCBICCI, Dialect: DialectUFI, Quirks: floppy},
}

// DefaultQuirkTable returns the built-in device table.
func DefaultQuirkTable() *QuirkTable {
	return NewQuirkTable(builtinEntries...)
}
