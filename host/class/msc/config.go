package msc

import (
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"

	"github.com/ardnew/umass/pkg"
)

// QuirkFile is the HCL schema of a quirk override file.
//
//	device "olympus-c1" {
//	  vendor   = "07b4"
//	  product  = "0102"
//	  revision = "*"
//	  wire     = "bbb"
//	  dialect  = "scsi"
//	  quirks   = ["wrong_csw_signature"]
//	}
//
// product and revision default to "*". revision also accepts "<0128" for
// every revision below 0x0128.
type QuirkFile struct {
	Devices []QuirkBlock `hcl:"device,block"`
}

// QuirkBlock is one device block of a QuirkFile.
type QuirkBlock struct {
	Name     string   `hcl:"name,label"`
	Vendor   string   `hcl:"vendor"`
	Product  string   `hcl:"product,optional"`
	Revision string   `hcl:"revision,optional"`
	Wire     string   `hcl:"wire,optional"`
	Dialect  string   `hcl:"dialect,optional"`
	Quirks   []string `hcl:"quirks,optional"`
}

// LoadQuirkFile decodes the HCL file at path into table entries.
func LoadQuirkFile(path string) ([]QuirkEntry, error) {
	var (
		ctx  hcl.EvalContext
		file QuirkFile
	)

	if err := hclsimple.DecodeFile(path, &ctx, &file); err != nil {
		return nil, errors.Wrapf(err, "decode quirk file %s", path)
	}
	return file.Entries()
}

// ParseQuirkFile decodes HCL source. filename must end in .hcl and is
// used in diagnostics.
func ParseQuirkFile(filename string, src []byte) ([]QuirkEntry, error) {
	var (
		ctx  hcl.EvalContext
		file QuirkFile
	)

	if err := hclsimple.Decode(filename, src, &ctx, &file); err != nil {
		return nil, errors.Wrapf(err, "decode quirk file %s", filename)
	}
	return file.Entries()
}

// Entries converts every block, in file order.
func (f *QuirkFile) Entries() ([]QuirkEntry, error) {
	entries := make([]QuirkEntry, 0, len(f.Devices))
	for _, b := range f.Devices {
		e, err := b.Entry()
		if err != nil {
			return nil, errors.Wrapf(err, "device %q", b.Name)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Entry converts the block to a QuirkEntry.
func (b *QuirkBlock) Entry() (QuirkEntry, error) {
	e := QuirkEntry{Name: b.Name}

	vendor, err := ParseID(b.Vendor)
	if err != nil {
		return e, errors.Wrap(err, "vendor")
	}
	e.Match.Vendor = vendor

	if isWildcard(b.Product) {
		e.Match.AnyProduct = true
	} else if e.Match.Product, err = ParseID(b.Product); err != nil {
		return e, errors.Wrap(err, "product")
	}

	switch rev := strings.TrimSpace(b.Revision); {
	case isWildcard(rev):
		e.Match.AnyRevision = true
	case strings.HasPrefix(rev, "<"):
		if e.Match.RevisionBelow, err = ParseID(rev[1:]); err != nil {
			return e, errors.Wrap(err, "revision")
		}
		if e.Match.RevisionBelow == 0 {
			return e, errors.New("revision: nothing is below 0")
		}
	default:
		if e.Match.Revision, err = ParseID(rev); err != nil {
			return e, errors.Wrap(err, "revision")
		}
	}

	if e.Wire, err = ParseWireProtocol(b.Wire); err != nil {
		return e, err
	}
	if e.Dialect, err = ParseDialect(b.Dialect); err != nil {
		return e, err
	}
	if e.Quirks, err = ParseQuirks(b.Quirks); err != nil {
		return e, err
	}
	return e, nil
}

func isWildcard(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "*"
}

// ParseID parses a 16-bit hexadecimal identifier with optional 0x prefix.
func ParseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 16)
	if err != nil {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "id %q", s)
	}
	return uint16(v), nil
}
