package msc

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CommandBlockWrapper is the BBB command frame.
type CommandBlockWrapper struct {
	Tag        uint32
	DataLength uint32
	Flags      uint8
	LUN        uint8
	CDBLength  uint8
	CDB        [CBWCDBLength]byte
}

// MarshalTo encodes the wrapper into buf, which must hold CBWSize bytes.
func (w *CommandBlockWrapper) MarshalTo(buf []byte) int {
	_ = buf[CBWSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], w.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], w.DataLength)
	buf[12] = w.Flags
	buf[13] = w.LUN & 0x0F
	buf[14] = w.CDBLength & 0x1F
	copy(buf[15:CBWSize], w.CDB[:])
	return CBWSize
}

// ParseCommandBlockWrapper decodes a command frame. It reports false if buf
// is not a well-formed wrapper.
func ParseCommandBlockWrapper(buf []byte, w *CommandBlockWrapper) bool {
	if len(buf) != CBWSize || binary.LittleEndian.Uint32(buf[0:4]) != CBWSignature {
		return false
	}
	w.Tag = binary.LittleEndian.Uint32(buf[4:8])
	w.DataLength = binary.LittleEndian.Uint32(buf[8:12])
	w.Flags = buf[12]
	w.LUN = buf[13] & 0x0F
	w.CDBLength = buf[14] & 0x1F
	copy(w.CDB[:], buf[15:CBWSize])
	return true
}

// CommandStatusWrapper is the BBB status frame.
type CommandStatusWrapper struct {
	Signature uint32
	Tag       uint32
	Residue   uint32
	Status    uint8
}

// ParseCommandStatusWrapper decodes a status frame. Missing trailing bytes
// read as zero, so a truncated frame fails signature validation.
func ParseCommandStatusWrapper(buf []byte) CommandStatusWrapper {
	var raw [CSWSize]byte
	if len(buf) >= CSWSize {
		copy(raw[:], buf)
	}
	return CommandStatusWrapper{
		Signature: binary.LittleEndian.Uint32(raw[0:4]),
		Tag:       binary.LittleEndian.Uint32(raw[4:8]),
		Residue:   binary.LittleEndian.Uint32(raw[8:12]),
		Status:    raw[12],
	}
}

// MarshalTo encodes the status frame into buf, which must hold CSWSize bytes.
func (s *CommandStatusWrapper) MarshalTo(buf []byte) int {
	_ = buf[CSWSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], s.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], s.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], s.Residue)
	buf[12] = s.Status
	return CSWSize
}

// validSignature reports whether sig is acceptable under quirks.
func validSignature(sig uint32, quirks Quirk) bool {
	switch sig {
	case CSWSignature:
		return true
	case CSWSignatureImagination, CSWSignatureOlympus:
		return quirks.Has(QuirkWrongCSWSignature)
	}
	return false
}

// Validate checks the status frame against the command it answers. Checks
// run in order: signature, tag, status code, phase error, overrun.
func (s *CommandStatusWrapper) Validate(tag, dataLen, actual uint32, quirks Quirk) error {
	switch {
	case !validSignature(s.Signature, quirks):
		return errors.Wrapf(ErrBadSignature, "signature 0x%08X", s.Signature)
	case s.Tag != tag:
		return errors.Wrapf(ErrTagMismatch, "tag 0x%08X, want 0x%08X", s.Tag, tag)
	case s.Status > CSWStatusPhaseError:
		return errors.Wrapf(ErrStatusDecode, "status %d", s.Status)
	case s.Status == CSWStatusPhaseError:
		return ErrPhaseError
	case actual > dataLen:
		return errors.Wrapf(ErrOverrun, "%d > %d", actual, dataLen)
	}
	return nil
}

// idbOutcome is the decoded meaning of a CBI interrupt data block.
type idbOutcome uint8

const (
	idbPass idbOutcome = iota
	idbFail
	idbPhaseError
	idbUnknown
)

// decodeIDB interprets an interrupt data block.
func decodeIDB(idb []byte, dialect Dialect) idbOutcome {
	if len(idb) < CBIIDBSize {
		return idbUnknown
	}
	if dialect == DialectUFI {
		// ASC and ASCQ of the current sense data
		if idb[0] == 0 && idb[1] == 0 {
			return idbPass
		}
		return idbFail
	}
	if idb[0] != IDBTypeCCI {
		return idbUnknown
	}
	switch idb[1] & IDBValueMask {
	case IDBValuePass:
		return idbPass
	case IDBValuePhaseError:
		return idbPhaseError
	default:
		return idbFail
	}
}
