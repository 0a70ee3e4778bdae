package msc

import (
	"encoding/binary"

	"github.com/ardnew/umass/pkg"
)

const (
	// readCapacityLength is the READ CAPACITY (10) response size.
	readCapacityLength = 8

	// maxSupportedPages bounds the page list of the supported VPD pages page.
	maxSupportedPages = 251
)

// synthesize returns the response answering cmd without the wire, or nil
// when cmd must reach the device. With Config.Serial set the unit serial
// number page is always answered locally.
func (d *Device) synthesize(cmd *Command, tr *TransformResult) *FakeResponse {
	if d.cfg.Serial != "" && isVPDInquiry(cmd.CDB, VPDUnitSerial) {
		pkg.LogDebug(pkg.ComponentTransform, "serial number page synthesized")
		return &FakeResponse{Status: StatusOK, Data: vpdSerialPage(d.cfg.Serial)}
	}
	if tr.Kind == Faked {
		return tr.Fake
	}
	return nil
}

func isVPDInquiry(cdb []byte, page uint8) bool {
	return len(cdb) > 2 && cdb[0] == SCSIInquiry && cdb[1]&InquiryEVPD != 0 && cdb[2] == page
}

// vpdSerialPage builds the unit serial number VPD page.
func vpdSerialPage(serial string) []byte {
	if len(serial) > 0xFF {
		serial = serial[:0xFF]
	}
	page := make([]byte, 4+len(serial))
	page[1] = VPDUnitSerial
	page[3] = byte(len(serial))
	copy(page[4:], serial)
	return page
}

// fakeResult answers cmd with f without touching the wire.
func fakeResult(cmd *Command, f *FakeResponse) Result {
	declared := declaredLength(cmd)
	r := Result{Status: f.Status, Residue: declared}
	if f.Status == StatusOK && cmd.Direction == DirectionIn {
		n := copy(cmd.Data, f.Data)
		r.Residue -= uint32(n)
	}
	if len(f.Sense) > 0 {
		r.Sense = append([]byte(nil), f.Sense...)
	}
	return r
}

// fixup corrects the data of a completed command for device quirks, and
// advertises the unit serial number page when serial is set.
func fixup(quirks Quirk, serial string, t *transaction, r *Result) {
	if r.Status != StatusOK {
		return
	}
	switch t.cdb[0] {
	case SCSIInquiry:
		if serial != "" && isVPDInquiry(t.cdb[:], VPDSupportedPages) {
			advertiseSerialPage(t.cmd.Data, t.actual, r)
		}
	case SCSIReadCapacity10:
		if quirks.Has(QuirkReadCapacityOffBy1) && t.actual >= readCapacityLength {
			// the device reports the block count, not the last block
			last := binary.BigEndian.Uint32(t.cmd.Data[0:4])
			if last > 0 {
				binary.BigEndian.PutUint32(t.cmd.Data[0:4], last-1)
			}
		}
	}
}

// advertiseSerialPage appends the unit serial number page to a supported
// pages list of n valid bytes held in data.
func advertiseSerialPage(data []byte, n uint32, r *Result) {
	if n < 4 || int(n) > len(data) {
		return
	}
	length := int(data[3])
	list := data[4:n]
	if length < len(list) {
		list = list[:length]
	}
	for _, p := range list {
		if p == VPDUnitSerial {
			return
		}
	}
	end := 4 + len(list)
	if len(list)+1 >= maxSupportedPages || end >= len(data) {
		return
	}
	data[end] = VPDUnitSerial
	data[3] = byte(len(list) + 1)
	if uint32(end) >= n && r.Residue > 0 {
		r.Residue--
	}
	pkg.LogDebug(pkg.ComponentTransform, "serial number page advertised")
}
