package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// Wire selects how the target frames commands and status.
type Wire uint8

// Wire protocols.
const (
	WireBulkOnly Wire = iota // CBW/CSW on the bulk pipes
	WireCBI                  // ADSC commands, no completion interrupt
	WireCBICCI               // ADSC commands, status on the interrupt pipe
)

// String returns the protocol name.
func (w Wire) String() string {
	switch w {
	case WireBulkOnly:
		return "bbb"
	case WireCBI:
		return "cbi"
	case WireCBICCI:
		return "cbi-cci"
	default:
		return "unknown"
	}
}

// protocol returns the bInterfaceProtocol code.
func (w Wire) protocol() uint8 {
	switch w {
	case WireCBI:
		return 0x01
	case WireCBICCI:
		return 0x00
	default:
		return 0x50
	}
}

// Interface subclass codes.
const (
	SubclassRBC      = 0x01
	SubclassSFF8020I = 0x02
	SubclassUFI      = 0x04
	SubclassSFF8070I = 0x05
	SubclassSCSI     = 0x06
)

// Endpoint addresses of the simulated interface.
const (
	EndpointBulkIn    = 0x81
	EndpointBulkOut   = 0x02
	EndpointInterrupt = 0x83
)

// Wire framing constants.
const (
	cbwSignature = 0x43425355
	cbwSize      = 31
	cswSignature = 0x53425355
	cswSize      = 13
	idbSize      = 2

	cswGood       = 0x00
	cswFailed     = 0x01
	cswPhaseError = 0x02
)

// Request fields the target decodes.
const (
	requestTypeMask   = 0x60
	requestStandard   = 0x00
	requestClass      = 0x20
	requestVendor     = 0x40
	recipientMask     = 0x1F
	recipientIface    = 0x01
	recipientEndpoint = 0x02

	requestClearFeature  = 0x01
	requestGetDescriptor = 0x06
	requestSetInterface  = 0x0B
	requestADSC          = 0x00
	requestGetMaxLUN     = 0xFE
	requestReset         = 0xFF
	requestShuttleInit   = 0x01

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
)

// Config describes a simulated mass-storage target.
type Config struct {
	// Address is the bus address; zero means 1.
	Address hal.DeviceAddress

	VendorID  uint16
	ProductID uint16
	Revision  uint16 // bcdDevice

	Wire     Wire
	Subclass uint8 // zero means SubclassSCSI
	MaxLUN   uint8

	// INQUIRY strings and the VPD unit serial number.
	Vendor          string
	Product         string
	ProductRevision string
	Serial          string

	// MaxPacketSize of the bulk endpoints; zero means 512.
	MaxPacketSize uint16

	// Storage backs every LUN; nil means 2048 blocks of 512 bytes.
	Storage Storage

	// CSWSignature replaces the status signature when non-zero.
	CSWSignature uint32

	// CapacityOffByOne makes READ CAPACITY report the block count.
	CapacityOffByOne bool

	// NoGetMaxLUN stalls GET MAX LUN.
	NoGetMaxLUN bool

	// Unsupported opcodes fail with ILLEGAL REQUEST.
	Unsupported []byte
}

type phase uint8

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

// command is the transaction the target is working on.
type command struct {
	tag     uint32
	dataLen uint32
	in      bool
	data    []byte
	moved   int
	receive int
	commit  func([]byte) bool
	status  uint8
}

// Stats counts target activity.
type Stats struct {
	Commands   int
	Resets     int
	ClearHalts int
	Faults     int
}

// Target is an in-memory hal.HostHAL with one mass-storage device
// attached.
type Target struct {
	cfg     Config
	storage Storage

	mu       sync.Mutex
	running  bool
	closed   bool
	gone     bool
	claimed  map[uint8]bool
	halted   map[uint8]bool
	alt      uint8
	phase    phase
	cmd      command
	zlp      bool
	idb      [idbSize]byte
	idbReady bool
	sense    Sense
	faults   []Fault
	stats    Stats
}

// New creates a target.
func New(cfg Config) *Target {
	if cfg.Address == 0 {
		cfg.Address = 1
	}
	if cfg.Subclass == 0 {
		cfg.Subclass = SubclassSCSI
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 512
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage(2048, 512)
	}
	return &Target{
		cfg:     cfg,
		storage: cfg.Storage,
		claimed: make(map[uint8]bool),
		halted:  make(map[uint8]bool),
	}
}

// Address returns the bus address of the device.
func (t *Target) Address() hal.DeviceAddress {
	return t.cfg.Address
}

// Storage returns the backing store.
func (t *Target) Storage() Storage {
	return t.storage
}

// Stats returns a snapshot of the counters.
func (t *Target) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Sense returns the current sense data.
func (t *Target) Sense() Sense {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sense
}

// Halted reports whether endpoint ep is halted.
func (t *Target) Halted(ep uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted[ep]
}

// Disconnect makes every later transfer fail with pkg.ErrNoDevice.
func (t *Target) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gone = true
}

// Init implements hal.HostHAL.
func (t *Target) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pkg.ErrNotRunning
	}
	return ctx.Err()
}

// Start implements hal.HostHAL.
func (t *Target) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pkg.ErrNotRunning
	}
	t.running = true
	pkg.LogDebug(pkg.ComponentSim, "target started",
		"address", t.cfg.Address, "wire", t.cfg.Wire.String())
	return nil
}

// Stop implements hal.HostHAL.
func (t *Target) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

// Close implements hal.HostHAL.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.closed = true
	return nil
}

// ClaimInterface implements hal.HostHAL.
func (t *Target) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(addr); err != nil {
		return err
	}
	if iface != 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "interface %d", iface)
	}
	if t.claimed[iface] {
		return errors.Wrapf(pkg.ErrBusy, "interface %d", iface)
	}
	t.claimed[iface] = true
	return nil
}

// ReleaseInterface implements hal.HostHAL.
func (t *Target) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(addr); err != nil {
		return err
	}
	delete(t.claimed, iface)
	return nil
}

// outcome is the answer to one transfer. A hanging transfer waits for its
// context; the device never responds.
type outcome struct {
	n    int
	err  error
	hang bool
}

func stalled(ep uint8) outcome {
	return outcome{err: errors.Wrapf(pkg.ErrStall, "endpoint 0x%02X", ep)}
}

func (o outcome) wait(ctx context.Context) (int, error) {
	if o.hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return o.n, o.err
}

func (t *Target) check(addr hal.DeviceAddress) error {
	switch {
	case !t.running:
		return pkg.ErrNotRunning
	case t.gone, addr != t.cfg.Address:
		return errors.Wrapf(pkg.ErrNoDevice, "address %d", addr)
	}
	return nil
}

func (t *Target) halt(ep uint8) outcome {
	t.halted[ep] = true
	pkg.LogDebug(pkg.ComponentSim, "endpoint halted", "endpoint", ep)
	return stalled(ep)
}

// ControlTransfer implements hal.HostHAL.
func (t *Target) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	t.mu.Lock()
	o := t.control(addr, setup, data)
	t.mu.Unlock()
	return o.wait(ctx)
}

func (t *Target) control(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) outcome {
	if err := t.check(addr); err != nil {
		return outcome{err: err}
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	switch setup.RequestType & requestTypeMask {
	case requestStandard:
		return t.standardRequest(setup, data)
	case requestClass:
		if setup.RequestType&recipientMask != recipientIface || setup.Index != 0 {
			break
		}
		if setup.IsIn() {
			if setup.Request == requestGetMaxLUN && t.cfg.Wire == WireBulkOnly && !t.cfg.NoGetMaxLUN && len(data) > 0 {
				data[0] = t.cfg.MaxLUN
				return outcome{n: 1}
			}
			break
		}
		switch {
		case setup.Request == requestReset && t.cfg.Wire == WireBulkOnly:
			t.reset()
			return outcome{}
		case setup.Request == requestADSC && t.cfg.Wire != WireBulkOnly:
			return t.adsc(data)
		}
	case requestVendor:
		if setup.IsIn() && setup.Request == requestShuttleInit {
			clear(data)
			return outcome{n: len(data)}
		}
	}
	pkg.LogDebug(pkg.ComponentSim, "control request stalled", "setup", setup.String())
	return outcome{err: errors.Wrapf(pkg.ErrStall, "request 0x%02X/0x%02X", setup.RequestType, setup.Request)}
}

func (t *Target) standardRequest(setup *hal.SetupPacket, data []byte) outcome {
	switch setup.Request {
	case requestGetDescriptor:
		var desc []byte
		switch uint8(setup.Value >> 8) {
		case descriptorDevice:
			desc = t.deviceDescriptor()
		case descriptorConfiguration:
			desc = t.configurationDescriptor()
		default:
			return stalled(0)
		}
		return outcome{n: copy(data, desc)}

	case requestClearFeature:
		if setup.RequestType&recipientMask != recipientEndpoint || setup.Value != 0 {
			break
		}
		ep := uint8(setup.Index)
		delete(t.halted, ep)
		t.stats.ClearHalts++
		pkg.LogDebug(pkg.ComponentSim, "endpoint halt cleared", "endpoint", ep)
		return outcome{}

	case requestSetInterface:
		if setup.Index != 0 || setup.Value > 1 {
			break
		}
		t.alt = uint8(setup.Value)
		return outcome{}
	}
	return stalled(0)
}

// reset returns the target to the command phase. Halted endpoints stay
// halted until cleared.
func (t *Target) reset() {
	t.stats.Resets++
	t.phase = phaseCommand
	t.cmd = command{}
	t.zlp = false
	t.idbReady = false
	pkg.LogDebug(pkg.ComponentSim, "target reset")
}

// adsc accepts a CBI command block.
func (t *Target) adsc(cdb []byte) outcome {
	if len(cdb) >= 2 && cdb[0] == 0x1D && cdb[1] == 0x04 {
		t.reset()
		return outcome{n: len(cdb)}
	}
	if f, ok := t.fault(StageCommand); ok {
		switch f.Kind {
		case FaultStall:
			return stalled(0)
		case FaultTimeout:
			return outcome{hang: true}
		}
	}

	r := t.execute(0, cdb)
	t.cmd = command{}
	t.zlp = false
	t.idbReady = false
	switch {
	case r.failed:
		t.cmd.status = cswFailed
		t.endData()
	case r.data != nil:
		t.cmd.in = true
		t.cmd.data = r.data
		t.phase = phaseDataIn
		if len(r.data) == 0 {
			t.endData()
		}
	case r.receive > 0:
		t.cmd.data = make([]byte, r.receive)
		t.cmd.receive = r.receive
		t.cmd.commit = r.commit
		t.phase = phaseDataOut
	default:
		t.endData()
	}
	return outcome{n: len(cdb)}
}

// receiveCBW accepts a Bulk-Only command block.
func (t *Target) receiveCBW(buf []byte) outcome {
	if len(buf) != cbwSize || binary.LittleEndian.Uint32(buf[0:4]) != cbwSignature {
		pkg.LogWarn(pkg.ComponentSim, "invalid command block wrapper", "length", len(buf))
		t.halted[EndpointBulkIn] = true
		t.halted[EndpointBulkOut] = true
		return outcome{n: len(buf)}
	}

	c := command{
		tag:     binary.LittleEndian.Uint32(buf[4:8]),
		dataLen: binary.LittleEndian.Uint32(buf[8:12]),
		in:      buf[12]&0x80 != 0,
	}
	lun := buf[13] & 0x0F
	cdbLen := int(buf[14] & 0x1F)
	if cdbLen > 16 {
		cdbLen = 16
	}
	r := t.execute(lun, buf[15:15+cdbLen])
	t.cmd = c
	t.zlp = false

	dataPipe := uint8(EndpointBulkOut)
	if c.in {
		dataPipe = EndpointBulkIn
	}

	switch {
	case r.failed:
		t.cmd.status = cswFailed
		if c.dataLen > 0 {
			t.halted[dataPipe] = true
		}
		t.phase = phaseStatus

	case r.data != nil:
		switch {
		case c.dataLen == 0 && len(r.data) > 0, c.dataLen > 0 && !c.in:
			t.phaseError(c.dataLen > 0, dataPipe)
		default:
			t.cmd.data = truncate(r.data, int(c.dataLen))
			t.phase = phaseDataIn
			if c.dataLen == 0 {
				t.phase = phaseStatus
			}
		}

	case r.receive > 0:
		if c.dataLen == 0 || c.in || uint32(r.receive) > c.dataLen {
			t.phaseError(c.dataLen > 0, dataPipe)
			break
		}
		t.cmd.data = make([]byte, c.dataLen)
		t.cmd.receive = r.receive
		t.cmd.commit = r.commit
		t.phase = phaseDataOut

	default:
		// The host expects data the command does not have.
		if c.dataLen > 0 {
			t.halted[dataPipe] = true
		}
		t.phase = phaseStatus
	}
	return outcome{n: len(buf)}
}

func (t *Target) phaseError(haltData bool, pipe uint8) {
	t.cmd.status = cswPhaseError
	if haltData {
		t.halted[pipe] = true
	}
	t.phase = phaseStatus
}

// endData finishes the data stage.
func (t *Target) endData() {
	c := &t.cmd
	if c.commit != nil {
		n := min(c.moved, c.receive)
		if !c.commit(c.data[:n]) {
			c.status = cswFailed
		}
		c.commit = nil
	}
	t.phase = phaseStatus
	if t.cfg.Wire != WireBulkOnly {
		t.idb = t.interruptBlock()
		t.idbReady = t.cfg.Wire == WireCBICCI
	}
}

// interruptBlock encodes the completion of the current command. UFI
// reports the additional sense code and qualifier instead.
func (t *Target) interruptBlock() [idbSize]byte {
	if t.cfg.Subclass == SubclassUFI {
		if t.cmd.status == cswGood {
			return [idbSize]byte{}
		}
		return [idbSize]byte{t.sense.ASC, t.sense.ASCQ}
	}
	return [idbSize]byte{0x00, t.cmd.status & 0x03}
}

// BulkTransfer implements hal.HostHAL.
func (t *Target) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	t.mu.Lock()
	o := t.bulk(addr, endpoint, data)
	t.mu.Unlock()
	return o.wait(ctx)
}

func (t *Target) bulk(addr hal.DeviceAddress, ep uint8, data []byte) outcome {
	if err := t.check(addr); err != nil {
		return outcome{err: err}
	}
	if ep != EndpointBulkIn && ep != EndpointBulkOut {
		return outcome{err: errors.Wrapf(pkg.ErrInvalidEndpoint, "endpoint 0x%02X", ep)}
	}
	if t.halted[ep] {
		return stalled(ep)
	}
	if ep == EndpointBulkOut {
		return t.bulkOut(data)
	}
	return t.bulkIn(data)
}

func (t *Target) bulkOut(data []byte) outcome {
	switch t.phase {
	case phaseCommand:
		if t.cfg.Wire != WireBulkOnly {
			return t.halt(EndpointBulkOut)
		}
		if f, ok := t.fault(StageCommand); ok {
			switch f.Kind {
			case FaultStall:
				return t.halt(EndpointBulkOut)
			case FaultTimeout:
				return outcome{hang: true}
			}
		}
		return t.receiveCBW(data)

	case phaseDataOut:
		if o, ok := t.dataFault(EndpointBulkOut); ok {
			return o
		}
		c := &t.cmd
		n := copy(c.data[c.moved:], data)
		c.moved += n
		if c.moved == len(c.data) {
			t.endData()
		}
		return outcome{n: n}
	}
	return t.halt(EndpointBulkOut)
}

func (t *Target) bulkIn(data []byte) outcome {
	switch t.phase {
	case phaseCommand:
		if t.cfg.Wire == WireBulkOnly {
			return outcome{hang: true}
		}
	case phaseDataIn:
		if o, ok := t.dataFault(EndpointBulkIn); ok {
			return o
		}
		c := &t.cmd
		n := copy(data, c.data[c.moved:])
		c.moved += n
		if c.moved < len(c.data) {
			return outcome{n: n}
		}
		full := n > 0 && n == len(data)
		if t.cfg.Wire == WireBulkOnly && full && uint32(c.moved) < c.dataLen {
			// A zero-length packet ends the stage on the next read.
			return outcome{n: n}
		}
		t.zlp = full && t.cfg.Wire != WireBulkOnly
		t.endData()
		return outcome{n: n}
	case phaseStatus:
		if t.cfg.Wire == WireBulkOnly {
			return t.sendCSW(data)
		}
		if t.zlp {
			t.zlp = false
			return outcome{}
		}
	}
	return t.halt(EndpointBulkIn)
}

// dataFault applies a data-stage fault. A stall ends the data stage
// with whatever has moved so far.
func (t *Target) dataFault(ep uint8) (outcome, bool) {
	f, ok := t.fault(StageData)
	if !ok {
		return outcome{}, false
	}
	switch f.Kind {
	case FaultStall:
		t.cmd.commit = nil
		t.cmd.status = cswFailed
		t.sense = Sense{Key: SenseHardwareError, ASC: ASCInternalFailure}
		t.endData()
		return t.halt(ep), true
	case FaultTimeout:
		return outcome{hang: true}, true
	}
	return outcome{}, false
}

func (t *Target) sendCSW(data []byte) outcome {
	c := &t.cmd
	sig := uint32(cswSignature)
	if t.cfg.CSWSignature != 0 {
		sig = t.cfg.CSWSignature
	}
	var csw [cswSize]byte
	binary.LittleEndian.PutUint32(csw[0:4], sig)
	binary.LittleEndian.PutUint32(csw[4:8], c.tag)
	binary.LittleEndian.PutUint32(csw[8:12], c.dataLen-uint32(min(c.moved, int(c.dataLen))))
	csw[12] = c.status
	size := cswSize

	if f, ok := t.fault(StageStatus); ok {
		switch f.Kind {
		case FaultStall:
			return t.halt(EndpointBulkIn)
		case FaultTimeout:
			return outcome{hang: true}
		case FaultBadSignature:
			binary.LittleEndian.PutUint32(csw[0:4], 0xDEADBEEF)
		case FaultBadTag:
			binary.LittleEndian.PutUint32(csw[4:8], c.tag+1)
		case FaultPhaseError:
			csw[12] = cswPhaseError
		case FaultShortStatus:
			size--
		}
	}

	t.phase = phaseCommand
	return outcome{n: copy(data, csw[:size])}
}

// InterruptTransfer implements hal.HostHAL.
func (t *Target) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	t.mu.Lock()
	o := t.interrupt(addr, endpoint, data)
	t.mu.Unlock()
	return o.wait(ctx)
}

func (t *Target) interrupt(addr hal.DeviceAddress, ep uint8, data []byte) outcome {
	if err := t.check(addr); err != nil {
		return outcome{err: err}
	}
	if t.cfg.Wire != WireCBICCI || ep != EndpointInterrupt {
		return outcome{err: errors.Wrapf(pkg.ErrInvalidEndpoint, "endpoint 0x%02X", ep)}
	}
	if t.halted[ep] {
		return stalled(ep)
	}
	if !t.idbReady {
		return outcome{hang: true}
	}

	idb := t.idb
	if f, ok := t.fault(StageStatus); ok {
		switch f.Kind {
		case FaultStall:
			return t.halt(ep)
		case FaultTimeout:
			return outcome{hang: true}
		case FaultShortStatus:
			return outcome{n: copy(data, idb[:1])}
		case FaultBadSignature, FaultBadTag, FaultUnknownIDB:
			return outcome{n: copy(data, []byte{0x01, 0x00})}
		case FaultPhaseError:
			idb = [idbSize]byte{0x00, cswPhaseError}
		}
	}

	t.idbReady = false
	t.phase = phaseCommand
	return outcome{n: copy(data, idb[:])}
}

func (t *Target) deviceDescriptor() []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = descriptorDevice
	binary.LittleEndian.PutUint16(d[2:], 0x0200)
	d[7] = 64
	binary.LittleEndian.PutUint16(d[8:], t.cfg.VendorID)
	binary.LittleEndian.PutUint16(d[10:], t.cfg.ProductID)
	binary.LittleEndian.PutUint16(d[12:], t.cfg.Revision)
	d[17] = 1
	return d
}

func (t *Target) configurationDescriptor() []byte {
	type endpoint struct {
		addr, attr uint8
		size       uint16
		interval   uint8
	}
	eps := []endpoint{
		{EndpointBulkIn, 0x02, t.cfg.MaxPacketSize, 0},
		{EndpointBulkOut, 0x02, t.cfg.MaxPacketSize, 0},
	}
	if t.cfg.Wire == WireCBICCI {
		eps = append(eps, endpoint{EndpointInterrupt, 0x03, idbSize, 10})
	}

	total := 9 + 9 + 7*len(eps)
	d := make([]byte, 0, total)
	d = append(d, 9, descriptorConfiguration, byte(total), byte(total>>8), 1, 1, 0, 0x80, 50)
	d = append(d, 9, 0x04, 0, 0, byte(len(eps)), 0x08, t.cfg.Subclass, t.cfg.Wire.protocol(), 0)
	for _, ep := range eps {
		d = append(d, 7, 0x05, ep.addr, ep.attr, byte(ep.size), byte(ep.size>>8), ep.interval)
	}
	return d
}

var _ hal.HostHAL = (*Target)(nil)
