package sim

import (
	"encoding/binary"

	"github.com/ardnew/umass/pkg"
)

// SCSI operation codes the target understands.
const (
	opTestUnitReady        = 0x00
	opRezeroUnit           = 0x01
	opRequestSense         = 0x03
	opInquiry              = 0x12
	opModeSense6           = 0x1A
	opStartStopUnit        = 0x1B
	opPreventAllowRemoval  = 0x1E
	opReadFormatCapacities = 0x23
	opReadCapacity10       = 0x25
	opRead10               = 0x28
	opWrite10              = 0x2A
	opSeek10               = 0x2B
	opVerify10             = 0x2F
	opSynchronizeCache10   = 0x35
	opModeSense10          = 0x5A
)

// Sense keys and additional sense codes.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseDataProtect    = 0x07

	ASCNone              = 0x00
	ASCUnrecoveredRead   = 0x11
	ASCInvalidCommand    = 0x20
	ASCLBAOutOfRange     = 0x21
	ASCInvalidFieldInCDB = 0x24
	ASCWriteProtected    = 0x27
	ASCMediumNotPresent  = 0x3A
	ASCInternalFailure   = 0x44
)

const (
	inquiryLength = 36
	senseLength   = 18
	vpdSupported  = 0x00
	vpdSerial     = 0x80
)

// Sense is the target's current sense data.
type Sense struct {
	Key, ASC, ASCQ uint8
}

// marshal encodes fixed-format sense data.
func (s Sense) marshal() []byte {
	buf := make([]byte, senseLength)
	buf[0] = 0x70
	buf[2] = s.Key & 0x0F
	buf[7] = senseLength - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ
	return buf
}

// reply is how a command wants its data stage to go.
type reply struct {
	failed bool

	// data is the IN payload. It is non-nil for every command that
	// moves data to the host, even when empty.
	data []byte

	// receive is the number of OUT bytes the command consumes, handed
	// to commit once they arrived.
	receive int
	commit  func([]byte) bool
}

func (t *Target) fail(key, asc uint8) reply {
	t.sense = Sense{Key: key, ASC: asc}
	return reply{failed: true}
}

func (t *Target) good(data []byte) reply {
	t.sense = Sense{}
	return reply{data: data}
}

// execute runs one command block against the medium.
func (t *Target) execute(lun uint8, cdb []byte) reply {
	if len(cdb) == 0 {
		return t.fail(SenseIllegalRequest, ASCInvalidCommand)
	}
	op := cdb[0]
	t.stats.Commands++
	pkg.LogDebug(pkg.ComponentSim, "command", "opcode", op, "lun", lun)

	if lun > t.cfg.MaxLUN {
		return t.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
	for _, u := range t.cfg.Unsupported {
		if u == op {
			return t.fail(SenseIllegalRequest, ASCInvalidCommand)
		}
	}

	switch op {
	case opRequestSense:
		return t.requestSense(cdb)
	case opInquiry:
		return t.inquiry(cdb)
	}

	if !t.storage.Present() {
		return t.fail(SenseNotReady, ASCMediumNotPresent)
	}

	switch op {
	case opTestUnitReady, opRezeroUnit, opPreventAllowRemoval, opSeek10, opVerify10:
		return t.good(nil)
	case opStartStopUnit:
		return t.startStop(cdb)
	case opReadCapacity10:
		return t.readCapacity()
	case opReadFormatCapacities:
		return t.readFormatCapacities(cdb)
	case opRead10:
		return t.read10(cdb)
	case opWrite10:
		return t.write10(cdb)
	case opModeSense6:
		return t.modeSense(cdb, false)
	case opModeSense10:
		return t.modeSense(cdb, true)
	case opSynchronizeCache10:
		if err := t.storage.Sync(); err != nil {
			return t.fail(SenseHardwareError, ASCInternalFailure)
		}
		return t.good(nil)
	}

	pkg.LogWarn(pkg.ComponentSim, "unsupported command", "opcode", op)
	return t.fail(SenseIllegalRequest, ASCInvalidCommand)
}

func field16(cdb []byte, off int) uint16 {
	if off+2 > len(cdb) {
		return 0
	}
	return binary.BigEndian.Uint16(cdb[off:])
}

func field32(cdb []byte, off int) uint32 {
	if off+4 > len(cdb) {
		return 0
	}
	return binary.BigEndian.Uint32(cdb[off:])
}

func truncate(data []byte, alloc int) []byte {
	if alloc < len(data) {
		return data[:alloc]
	}
	return data
}

// requestSense reports and then clears the current sense.
func (t *Target) requestSense(cdb []byte) reply {
	alloc := senseLength
	if len(cdb) > 4 && cdb[4] != 0 {
		alloc = int(cdb[4])
	}
	data := truncate(t.sense.marshal(), alloc)
	return t.good(data)
}

func (t *Target) inquiry(cdb []byte) reply {
	alloc := int(field16(cdb, 3))
	if len(cdb) > 1 && cdb[1]&0x01 != 0 {
		return t.vpd(cdb[2], alloc)
	}

	buf := make([]byte, inquiryLength)
	if t.storage.Removable() {
		buf[1] = 0x80
	}
	buf[2] = 0x06 // SPC-4
	buf[3] = 0x02
	buf[4] = inquiryLength - 5
	copy(buf[8:16], pad(t.cfg.Vendor, 8))
	copy(buf[16:32], pad(t.cfg.Product, 16))
	copy(buf[32:36], pad(t.cfg.ProductRevision, 4))
	return t.good(truncate(buf, alloc))
}

// vpd answers the supported-pages and unit serial number pages.
func (t *Target) vpd(page uint8, alloc int) reply {
	var buf []byte
	switch page {
	case vpdSupported:
		buf = []byte{0, vpdSupported, 0, 1, vpdSupported}
		if t.cfg.Serial != "" {
			buf = append(buf, vpdSerial)
			buf[3] = 2
		}
	case vpdSerial:
		if t.cfg.Serial == "" {
			return t.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		}
		buf = append([]byte{0, vpdSerial, 0, byte(len(t.cfg.Serial))}, t.cfg.Serial...)
	default:
		return t.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
	return t.good(truncate(buf, alloc))
}

func (t *Target) startStop(cdb []byte) reply {
	var flags byte
	if len(cdb) > 4 {
		flags = cdb[4]
	}
	start, loej := flags&0x01 != 0, flags&0x02 != 0
	if loej && !start {
		if err := t.storage.Eject(); err != nil {
			return t.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		}
	}
	return t.good(nil)
}

func (t *Target) readCapacity() reply {
	last := t.storage.BlockCount()
	if !t.cfg.CapacityOffByOne && last > 0 {
		last--
	}
	if last > 0xFFFFFFFF {
		last = 0xFFFFFFFF
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(last))
	binary.BigEndian.PutUint32(buf[4:8], t.storage.BlockSize())
	return t.good(buf)
}

// readFormatCapacities returns one current/maximum descriptor for
// formatted media.
func (t *Target) readFormatCapacities(cdb []byte) reply {
	buf := make([]byte, 12)
	buf[3] = 8
	binary.BigEndian.PutUint32(buf[4:8], uint32(t.storage.BlockCount()))
	bs := t.storage.BlockSize()
	buf[8] = 0x02
	buf[9] = uint8(bs >> 16)
	buf[10] = uint8(bs >> 8)
	buf[11] = uint8(bs)
	return t.good(truncate(buf, int(field16(cdb, 7))))
}

func (t *Target) modeSense(cdb []byte, ten bool) reply {
	var wp byte
	if t.storage.ReadOnly() {
		wp = 0x80
	}
	if ten {
		buf := []byte{0, 6, 0, wp, 0, 0, 0, 0}
		return t.good(truncate(buf, int(field16(cdb, 7))))
	}
	var alloc int
	if len(cdb) > 4 {
		alloc = int(cdb[4])
	}
	return t.good(truncate([]byte{3, 0, wp, 0}, alloc))
}

// blockRange validates the LBA and length fields of a 10-byte command.
func (t *Target) blockRange(cdb []byte) (lba uint64, n int, r reply, ok bool) {
	lba = uint64(field32(cdb, 2))
	blocks := uint64(field16(cdb, 7))
	if lba+blocks > t.storage.BlockCount() {
		return 0, 0, t.fail(SenseIllegalRequest, ASCLBAOutOfRange), false
	}
	return lba, int(blocks) * int(t.storage.BlockSize()), reply{}, true
}

func (t *Target) read10(cdb []byte) reply {
	lba, n, r, ok := t.blockRange(cdb)
	if !ok {
		return r
	}
	buf := make([]byte, n)
	if err := t.storage.ReadBlocks(lba, buf); err != nil {
		pkg.LogWarn(pkg.ComponentSim, "read failed", "lba", lba, "error", err)
		return t.fail(SenseMediumError, ASCUnrecoveredRead)
	}
	return t.good(buf)
}

func (t *Target) write10(cdb []byte) reply {
	if t.storage.ReadOnly() {
		return t.fail(SenseDataProtect, ASCWriteProtected)
	}
	lba, n, r, ok := t.blockRange(cdb)
	if !ok {
		return r
	}
	if n == 0 {
		return t.good(nil)
	}

	t.sense = Sense{}
	return reply{
		receive: n,
		commit: func(data []byte) bool {
			if len(data) < n {
				t.sense = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB}
				return false
			}
			if err := t.storage.WriteBlocks(lba, data[:n]); err != nil {
				pkg.LogWarn(pkg.ComponentSim, "write failed", "lba", lba, "error", err)
				t.sense = Sense{Key: SenseMediumError, ASC: ASCInternalFailure}
				return false
			}
			return true
		},
	}
}

// pad space-fills or truncates s to n bytes.
func pad(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		if i < len(s) {
			out[i] = s[i]
		} else {
			out[i] = ' '
		}
	}
	return out
}
