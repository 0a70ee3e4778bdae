package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/class/msc"
)

// lookupCmd is the struct for the lookup cmd required by kong command line parser
type lookupCmd struct {
	Vendor     string `flag:"" required:"" short:"v" help:"idVendor, hexadecimal"`
	Product    string `flag:"" required:"" short:"p" help:"idProduct, hexadecimal"`
	Revision   string `flag:"" default:"0000" short:"r" help:"bcdDevice, hexadecimal"`
	Subclass   string `flag:"" default:"06" help:"bInterfaceSubClass, hexadecimal"`
	Protocol   string `flag:"" default:"50" help:"bInterfaceProtocol, hexadecimal"`
	QuirksFile string `flag:"" optional:"" type:"existingfile" help:"HCL quirk file layered over the built-in table"`
	Dump       bool   `flag:"" help:"Dump the matching table entry"`
}

func (l *lookupCmd) identity() (msc.Identity, error) {
	id := msc.Identity{Class: host.ClassMassStorage}
	var err error
	if id.Vendor, err = parseHex("vendor", l.Vendor); err != nil {
		return id, err
	}
	if id.Product, err = parseHex("product", l.Product); err != nil {
		return id, err
	}
	if id.Revision, err = parseHex("revision", l.Revision); err != nil {
		return id, err
	}
	v, err := parseHex("subclass", l.Subclass)
	if err != nil {
		return id, err
	}
	id.Subclass = uint8(v)
	if v, err = parseHex("protocol", l.Protocol); err != nil {
		return id, err
	}
	id.Protocol = uint8(v)
	return id, nil
}

// Run executes when the lookup command is invoked
func (l *lookupCmd) Run(ctx *runContext) error {
	id, err := l.identity()
	if err != nil {
		return err
	}
	table, err := loadTable(l.QuirksFile)
	if err != nil {
		return err
	}

	entry, matched := table.Find(id)
	profile, err := table.Lookup(id)
	if err != nil {
		return err
	}

	name := "(descriptor)"
	if matched {
		name = entry.Name
	}
	fmt.Fprintf(ctx.out, "%s: %s [%s]\n", id, profile, name)
	if l.Dump && matched {
		spew.Fdump(ctx.out, entry)
	}
	return nil
}

// tableCmd is the struct for the table cmd required by kong command line parser
type tableCmd struct {
	QuirksFile string `flag:"" optional:"" type:"existingfile" help:"HCL quirk file layered over the built-in table"`
}

// Run executes when the table command is invoked
func (c *tableCmd) Run(ctx *runContext) error {
	table, err := loadTable(c.QuirksFile)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMATCH\tWIRE\tDIALECT\tQUIRKS")
	for _, e := range table.Entries() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, formatMatch(e.Match), e.Wire, e.Dialect, e.Quirks)
	}
	return w.Flush()
}

func formatMatch(m msc.Match) string {
	product := "*"
	if !m.AnyProduct {
		product = fmt.Sprintf("%04x", m.Product)
	}
	var revision string
	switch {
	case m.AnyRevision:
		revision = "*"
	case m.RevisionBelow != 0:
		revision = fmt.Sprintf("<%04x", m.RevisionBelow)
	default:
		revision = fmt.Sprintf("%04x", m.Revision)
	}
	return fmt.Sprintf("%04x:%s rev %s", m.Vendor, product, revision)
}
