package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/class/msc"
	"github.com/ardnew/umass/host/hal/sim"
	"github.com/ardnew/umass/pkg"
)

// simulateCmd is the struct for the simulate cmd required by kong command line parser
type simulateCmd struct {
	Wire       string        `flag:"" default:"bbb" enum:"bbb,cbi,cbi-cci" help:"Wire protocol of the simulated device"`
	Subclass   string        `flag:"" default:"06" help:"bInterfaceSubClass, hexadecimal"`
	Vendor     string        `flag:"" default:"0000" help:"idVendor, hexadecimal"`
	Product    string        `flag:"" default:"0000" help:"idProduct, hexadecimal"`
	Revision   string        `flag:"" default:"0100" help:"bcdDevice, hexadecimal"`
	Image      string        `flag:"" optional:"" type:"existingfile" short:"i" help:"Disk image backing the device"`
	ReadOnly   bool          `flag:"" help:"Write-protect the medium"`
	Blocks     uint64        `flag:"" default:"2048" help:"Block count of the in-memory medium"`
	BlockSize  uint32        `flag:"" default:"512" help:"Block size of the medium"`
	LBA        uint32        `flag:"" name:"lba" default:"0" help:"First block to read"`
	Count      uint16        `flag:"" default:"1" help:"Blocks to read"`
	Write      bool          `flag:"" help:"Write a test pattern before reading it back"`
	Fault      []string      `flag:"" short:"f" help:"Fault to inject, as stage:kind (e.g. status:stall)"`
	WrongSig   bool          `flag:"" help:"Answer with the Olympus C-1 CSW signature"`
	OffByOne   bool          `flag:"" help:"Report the block count as the last block"`
	QuirksFile string        `flag:"" optional:"" type:"existingfile" help:"HCL quirk file layered over the built-in table"`
	Metrics    bool          `flag:"" help:"Print engine metrics after the script"`
	Timeout    time.Duration `flag:"" default:"5s" help:"Timeout of each command"`
}

var (
	colorOK     = color.New(color.FgGreen)
	colorFailed = color.New(color.FgYellow)
	colorWire   = color.New(color.FgRed, color.Bold)
)

func statusColor(s msc.Status) *color.Color {
	switch s {
	case msc.StatusOK:
		return colorOK
	case msc.StatusCommandFailed, msc.StatusCommandIndeterminate:
		return colorFailed
	default:
		return colorWire
	}
}

func (s *simulateCmd) targetConfig() (sim.Config, func() error, error) {
	var cfg sim.Config
	var err error
	if cfg.VendorID, err = parseHex("vendor", s.Vendor); err != nil {
		return cfg, nil, err
	}
	if cfg.ProductID, err = parseHex("product", s.Product); err != nil {
		return cfg, nil, err
	}
	if cfg.Revision, err = parseHex("revision", s.Revision); err != nil {
		return cfg, nil, err
	}
	sub, err := parseHex("subclass", s.Subclass)
	if err != nil {
		return cfg, nil, err
	}
	cfg.Subclass = uint8(sub)

	wire, err := msc.ParseWireProtocol(s.Wire)
	if err != nil {
		return cfg, nil, err
	}
	switch wire {
	case msc.WireCBI:
		cfg.Wire = sim.WireCBI
	case msc.WireCBICCI:
		cfg.Wire = sim.WireCBICCI
	default:
		cfg.Wire = sim.WireBulkOnly
	}

	cfg.Vendor, cfg.Product, cfg.ProductRevision = "UMASS", "Simulated Disk", "1.00"
	cfg.CapacityOffByOne = s.OffByOne
	if s.WrongSig {
		cfg.CSWSignature = msc.CSWSignatureOlympus
	}

	release := func() error { return nil }
	if s.Image != "" {
		fs, err := sim.OpenFileStorage(s.Image, s.BlockSize, s.ReadOnly)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Storage, release = fs, fs.Close
	} else {
		ms := sim.NewMemoryStorage(s.Blocks, s.BlockSize)
		ms.SetReadOnly(s.ReadOnly)
		cfg.Storage = ms
	}
	return cfg, release, nil
}

// Run executes when the simulate command is invoked
func (s *simulateCmd) Run(ctx *runContext) error {
	cfg, release, err := s.targetConfig()
	if err != nil {
		return err
	}
	defer release()

	faults := make([]sim.Fault, 0, len(s.Fault))
	for _, f := range s.Fault {
		fault, err := sim.ParseFault(f)
		if err != nil {
			return err
		}
		faults = append(faults, fault)
	}

	table, err := loadTable(s.QuirksFile)
	if err != nil {
		return err
	}

	var (
		reg     *prometheus.Registry
		metrics *msc.Metrics
	)
	if s.Metrics {
		reg = prometheus.NewRegistry()
		metrics = msc.NewMetrics(reg)
	}

	bg := context.Background()
	target := sim.New(cfg)
	if err := target.Init(bg); err != nil {
		return err
	}
	if err := target.Start(); err != nil {
		return err
	}
	defer target.Close()

	tm := host.NewTransferManager(target, 2)
	if err := tm.Start(bg); err != nil {
		return err
	}
	defer tm.Stop()

	dev, err := attach(bg, target, tm, table, metrics)
	if err != nil {
		return err
	}
	defer dev.Close()
	fmt.Fprintf(ctx.out, "attached %04x:%04x as %s, max lun %d\n",
		cfg.VendorID, cfg.ProductID, dev.Profile(), dev.MaxLUN())

	target.Inject(faults...)
	for _, st := range s.script(target.Storage().BlockSize()) {
		s.runStep(ctx.out, dev, st)
	}

	stats := target.Stats()
	fmt.Fprintf(ctx.out, "device: %d commands, %d resets, %d halts cleared, %d faults fired\n",
		stats.Commands, stats.Resets, stats.ClearHalts, stats.Faults)

	if reg != nil {
		return writeMetrics(ctx.out, reg)
	}
	return nil
}

// attach reads the descriptors of target, probes its interface and starts
// a device on it.
func attach(ctx context.Context, target *sim.Target, tm *host.TransferManager, table *msc.QuirkTable, metrics *msc.Metrics) (*msc.Device, error) {
	desc, err := host.ReadDeviceDescriptor(ctx, target, target.Address())
	if err != nil {
		return nil, err
	}
	conf, err := host.ReadConfiguration(ctx, target, target.Address(), 0)
	if err != nil {
		return nil, err
	}
	iface := conf.Interface(0)
	if iface == nil {
		return nil, errors.Wrap(pkg.ErrNoDevice, "no interface 0")
	}

	profile, eps, err := msc.Probe(&desc, &iface.Descriptor, iface.Endpoints, table)
	if err != nil {
		return nil, err
	}
	if err := target.ClaimInterface(target.Address(), iface.Descriptor.InterfaceNumber); err != nil {
		return nil, err
	}

	tr := msc.NewHALTransport(tm, uint8(target.Address()), eps, 0)
	return msc.Attach(ctx, tr, msc.Config{
		Profile:   profile,
		Interface: iface.Descriptor.InterfaceNumber,
		Metrics:   metrics,
	})
}

// step is one command of the script.
type step struct {
	name   string
	cmd    msc.Command
	report func(data []byte) string
}

func (s *simulateCmd) script(blockSize uint32) []step {
	steps := []step{
		{name: "TEST UNIT READY", cmd: msc.Command{CDB: []byte{msc.SCSITestUnitReady, 0, 0, 0, 0, 0}}},
		{
			name: "INQUIRY",
			cmd: msc.Command{
				CDB:       []byte{msc.SCSIInquiry, 0, 0, 0, 36, 0},
				Data:      make([]byte, 36),
				Direction: msc.DirectionIn,
			},
			report: func(d []byte) string {
				return fmt.Sprintf("%q %q %q",
					strings.TrimSpace(string(d[8:16])), strings.TrimSpace(string(d[16:32])), strings.TrimSpace(string(d[32:36])))
			},
		},
		{
			name: "READ CAPACITY",
			cmd: msc.Command{
				CDB:       []byte{msc.SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0},
				Data:      make([]byte, 8),
				Direction: msc.DirectionIn,
			},
			report: func(d []byte) string {
				last, size := binary.BigEndian.Uint32(d[0:4]), binary.BigEndian.Uint32(d[4:8])
				return fmt.Sprintf("%d blocks of %d bytes", uint64(last)+1, size)
			},
		},
	}

	n := int(s.Count) * int(blockSize)
	var pattern []byte
	if s.Write {
		pattern = make([]byte, n)
		for i := range pattern {
			pattern[i] = byte(i*7 + 1)
		}
		steps = append(steps,
			step{name: "WRITE(10)", cmd: msc.Command{
				CDB:       blockCommand(msc.SCSIWrite10, s.LBA, s.Count),
				Data:      pattern,
				Direction: msc.DirectionOut,
			}},
			step{name: "SYNCHRONIZE CACHE", cmd: msc.Command{
				CDB: []byte{msc.SCSISynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			}},
		)
	}

	steps = append(steps, step{
		name: "READ(10)",
		cmd: msc.Command{
			CDB:       blockCommand(msc.SCSIRead10, s.LBA, s.Count),
			Data:      make([]byte, n),
			Direction: msc.DirectionIn,
		},
		report: func(d []byte) string {
			if pattern == nil {
				return fmt.Sprintf("%d bytes", len(d))
			}
			if bytes.Equal(d, pattern) {
				return fmt.Sprintf("%d bytes, pattern verified", len(d))
			}
			return fmt.Sprintf("%d bytes, pattern MISMATCH", len(d))
		},
	})
	return steps
}

func blockCommand(op byte, lba uint32, count uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], count)
	return cdb
}

// runStep runs one command and prints its outcome. A failed command is
// followed by REQUEST SENSE.
func (s *simulateCmd) runStep(w io.Writer, dev *msc.Device, st step) {
	res := s.execute(dev, &st.cmd)
	statusColor(res.Status).Fprintf(w, "%-22s", res.Status)
	fmt.Fprintf(w, " %-18s residue=%d", st.name, res.Residue)

	switch {
	case res.Err != nil:
		fmt.Fprintf(w, " error=%q", res.Err)
	case res.Status == msc.StatusOK && st.report != nil:
		fmt.Fprintf(w, " %s", st.report(st.cmd.Data))
	}
	fmt.Fprintln(w)

	if res.Status != msc.StatusCommandFailed && res.Status != msc.StatusCommandIndeterminate {
		return
	}
	sense := res.Sense
	if len(sense) == 0 {
		buf := make([]byte, msc.SenseDataLength)
		rs := s.execute(dev, &msc.Command{
			CDB:       []byte{msc.SCSIRequestSense, 0, 0, 0, msc.SenseDataLength, 0},
			Data:      buf,
			Direction: msc.DirectionIn,
		})
		if rs.Status != msc.StatusOK {
			statusColor(rs.Status).Fprintf(w, "%-22s", rs.Status)
			fmt.Fprintln(w, " REQUEST SENSE")
			return
		}
		sense = buf
	}
	if len(sense) >= 14 {
		fmt.Fprintf(w, "%-22s sense key=0x%02x asc=0x%02x ascq=0x%02x\n", "", sense[2]&0x0F, sense[12], sense[13])
	}
}

// execute runs cmd to completion.
func (s *simulateCmd) execute(dev *msc.Device, cmd *msc.Command) msc.Result {
	done := make(chan msc.Result, 1)
	cmd.Timeout = s.Timeout
	cmd.Done = func(r msc.Result) { done <- r }
	if err := dev.Submit(cmd); err != nil {
		return msc.Result{Status: msc.StatusInvalidRequest, Err: err}
	}
	return <-done
}

// writeMetrics prints every gathered family in the text exposition format.
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrap(err, "serialize metrics")
		}
	}
	return nil
}
