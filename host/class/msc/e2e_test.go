package msc

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/hal/sim"
	"github.com/ardnew/umass/pkg"
)

// attachSim runs the full attach path against a simulated device: read
// the descriptors, probe the interface, bind a HAL transport and attach.
func attachSim(t *testing.T, cfg sim.Config, table *QuirkTable) (*Device, *sim.Target) {
	t.Helper()
	ctx := context.Background()

	target := sim.New(cfg)
	require.NoError(t, target.Init(ctx))
	require.NoError(t, target.Start())

	tm := host.NewTransferManager(target, 2)
	require.NoError(t, tm.Start(ctx))
	t.Cleanup(func() {
		_ = tm.Stop()
		_ = target.Close()
	})

	dev, err := host.ReadDeviceDescriptor(ctx, target, target.Address())
	require.NoError(t, err)
	conf, err := host.ReadConfiguration(ctx, target, target.Address(), 0)
	require.NoError(t, err)
	iface := conf.Interface(0)
	require.NotNil(t, iface)

	profile, eps, err := Probe(&dev, &iface.Descriptor, iface.Endpoints, table)
	require.NoError(t, err)

	tr := NewHALTransport(tm, uint8(target.Address()), eps, 0)
	d, err := Attach(ctx, tr, Config{Profile: profile})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, target
}

func rw10(op byte, lba uint32, blocks uint16) []byte {
	cdb := []byte{op, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

func requestSense(t *testing.T, d *Device) []byte {
	t.Helper()
	sense := make([]byte, SenseDataLength)
	res := runCommand(t, d, &Command{
		CDB:       []byte{SCSIRequestSense, 0, 0, 0, SenseDataLength, 0},
		Data:      sense,
		Direction: DirectionIn,
	})
	require.Equal(t, StatusOK, res.Status)
	return sense
}

func TestSimBulkOnly(t *testing.T) {
	d, target := attachSim(t, sim.Config{
		Vendor:  "ARDNEW",
		Product: "Sim Disk",
		MaxLUN:  1,
		Storage: sim.NewMemoryStorage(64, 512),
	}, nil)

	require.Equal(t, Profile{Wire: WireBBB, Dialect: DialectSCSI}, d.Profile())
	require.Equal(t, uint8(1), d.MaxLUN())

	inquiry := make([]byte, 36)
	res := runCommand(t, d, &Command{CDB: cdbInquiry, Data: inquiry, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Zero(t, res.Residue)
	require.Equal(t, "ARDNEW  ", string(inquiry[8:16]))

	capa := make([]byte, readCapacityLength)
	res = runCommand(t, d, &Command{CDB: []byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Data: capa, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, uint32(63), binary.BigEndian.Uint32(capa[0:4]))
	require.Equal(t, uint32(512), binary.BigEndian.Uint32(capa[4:8]))

	data := bytes.Repeat([]byte("umass!"), 1024/6+1)[:1024]
	res = runCommand(t, d, &Command{CDB: rw10(SCSIWrite10, 8, 2), Data: data, Direction: DirectionOut})
	require.Equal(t, StatusOK, res.Status)

	got := make([]byte, 1024)
	res = runCommand(t, d, &Command{CDB: rw10(SCSIRead10, 8, 2), Data: got, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, data, got)

	block := make([]byte, 1024)
	require.NoError(t, target.Storage().ReadBlocks(8, block))
	require.Equal(t, data, block)

	// A buffer larger than the device sends leaves a residue.
	long := make([]byte, 64)
	res = runCommand(t, d, &Command{CDB: []byte{SCSIInquiry, 0, 0, 0, 64, 0}, Data: long, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, uint32(28), res.Residue)
}

func TestSimBulkOnlyCommandFailure(t *testing.T) {
	d, target := attachSim(t, sim.Config{Storage: sim.NewMemoryStorage(4, 512)}, nil)

	res := runCommand(t, d, &Command{CDB: rw10(SCSIRead10, 100, 1), Data: make([]byte, 512), Direction: DirectionIn})
	require.Equal(t, StatusCommandFailed, res.Status)
	require.Equal(t, uint32(512), res.Residue)
	require.Equal(t, 1, target.Stats().ClearHalts)
	require.False(t, target.Halted(sim.EndpointBulkIn))

	sense := requestSense(t, d)
	require.Equal(t, byte(SenseIllegalRequest), sense[2]&0x0F)
	require.Equal(t, byte(sim.ASCLBAOutOfRange), sense[12])
}

func TestSimBulkOnlyDataStall(t *testing.T) {
	d, target := attachSim(t, sim.Config{}, nil)
	target.Inject(sim.Fault{Stage: sim.StageData, Kind: sim.FaultStall})

	res := runCommand(t, d, &Command{CDB: cdbRead10, Data: make([]byte, 512), Direction: DirectionIn})
	require.Equal(t, StatusCommandFailed, res.Status)
	require.Equal(t, uint32(512), res.Residue)

	sense := requestSense(t, d)
	require.Equal(t, byte(sim.SenseHardwareError), sense[2]&0x0F)
	require.Equal(t, byte(sim.ASCInternalFailure), sense[12])
}

func TestSimBulkOnlyStatusRetry(t *testing.T) {
	d, target := attachSim(t, sim.Config{}, nil)
	target.Inject(sim.Fault{Stage: sim.StageStatus, Kind: sim.FaultStall})

	res := runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, target.Stats().ClearHalts)
	require.Zero(t, target.Stats().Resets)
}

func TestSimBulkOnlyResetRecovery(t *testing.T) {
	d, target := attachSim(t, sim.Config{}, nil)
	target.Inject(sim.Fault{Stage: sim.StageStatus, Kind: sim.FaultBadTag})

	res := runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusWireFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrTagMismatch)

	s := target.Stats()
	require.Equal(t, 1, s.Resets)
	require.Equal(t, 2, s.ClearHalts)

	res = runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, StateIdle, d.State())
}

func TestSimWrongSignature(t *testing.T) {
	cfg := sim.Config{VendorID: 0x07b4, ProductID: 0x0102, CSWSignature: 0x55425355}

	d, _ := attachSim(t, cfg, nil)
	require.True(t, d.Profile().Quirks.Has(QuirkWrongCSWSignature))
	res := runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusOK, res.Status)

	// Without the table entry the same device fails every status stage.
	table := DefaultQuirkTable().With(QuirkEntry{
		Name:    "olympus-c1",
		Match:   Match{Vendor: 0x07b4, Product: 0x0102, AnyRevision: true},
		Wire:    WireBBB,
		Dialect: DialectSCSI,
	})
	d, target := attachSim(t, cfg, table)
	res = runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusWireFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrBadSignature)
	require.Equal(t, 1, target.Stats().Resets)
}

func TestSimCapacityOffByOne(t *testing.T) {
	d, _ := attachSim(t, sim.Config{
		VendorID:         0x0781,
		ProductID:        0x0002,
		CapacityOffByOne: true,
		Storage:          sim.NewMemoryStorage(100, 512),
	}, nil)
	require.True(t, d.Profile().Quirks.Has(QuirkReadCapacityOffBy1))

	capa := make([]byte, readCapacityLength)
	res := runCommand(t, d, &Command{CDB: []byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Data: capa, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, uint32(99), binary.BigEndian.Uint32(capa[0:4]))
}

func TestSimNoGetMaxLUN(t *testing.T) {
	d, _ := attachSim(t, sim.Config{MaxLUN: 3, NoGetMaxLUN: true}, nil)
	require.Zero(t, d.MaxLUN())

	res := runCommand(t, d, &Command{LUN: 1, CDB: cdbTestUnitReady})
	require.Equal(t, StatusInvalidRequest, res.Status)
}

func TestSimCompletionInterrupt(t *testing.T) {
	store := sim.NewMemoryStorage(32, 512)
	d, target := attachSim(t, sim.Config{Wire: sim.WireCBICCI, Subclass: sim.SubclassSFF8070I, Storage: store}, nil)
	require.Equal(t, Profile{Wire: WireCBICCI, Dialect: DialectATAPI}, d.Profile())

	res := runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusOK, res.Status)

	data := bytes.Repeat([]byte{0xA5}, 512)
	res = runCommand(t, d, &Command{CDB: rw10(SCSIWrite10, 3, 1), Data: data, Direction: DirectionOut})
	require.Equal(t, StatusOK, res.Status)

	got := make([]byte, 512)
	res = runCommand(t, d, &Command{CDB: rw10(SCSIRead10, 3, 1), Data: got, Direction: DirectionIn})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, data, got)

	res = runCommand(t, d, &Command{CDB: rw10(SCSIRead10, 300, 1), Data: got, Direction: DirectionIn})
	require.Equal(t, StatusCommandFailed, res.Status)
	require.False(t, target.Halted(sim.EndpointBulkIn))

	require.NoError(t, d.Reset(context.Background()))
	require.Eventually(t, func() bool { return d.State() == StateIdle }, 2*time.Second, time.Millisecond)
	require.Equal(t, 1, target.Stats().Resets)
}

func TestSimUFI(t *testing.T) {
	store := sim.NewMemoryStorage(2880, 512)
	store.SetRemovable(true)
	d, _ := attachSim(t, sim.Config{Wire: sim.WireCBICCI, Subclass: sim.SubclassUFI, Storage: store}, nil)
	require.Equal(t, DialectUFI, d.Profile().Dialect)

	res := runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusOK, res.Status)

	store.SetPresent(false)
	res = runCommand(t, d, &Command{CDB: cdbTestUnitReady})
	require.Equal(t, StatusCommandFailed, res.Status)
}

func TestSimClose(t *testing.T) {
	d, target := attachSim(t, sim.Config{}, nil)
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Submit(&Command{CDB: cdbTestUnitReady, Done: func(Result) {}}), pkg.ErrNotRunning)
	require.Zero(t, target.Stats().Commands)
}
