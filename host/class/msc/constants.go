package msc

import "time"

// MSC Subclass codes.
const (
	SubclassRBC      = 0x01 // Reduced Block Commands
	SubclassSFF8020I = 0x02 // ATAPI (SFF-8020i / MMC-2)
	SubclassQIC157   = 0x03 // QIC-157 tape
	SubclassUFI      = 0x04 // USB Floppy Interface
	SubclassSFF8070I = 0x05 // ATAPI removable (SFF-8070i)
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
)

// MSC Protocol codes.
const (
	ProtocolCBICCI      = 0x00 // Control/Bulk/Interrupt with command completion interrupt
	ProtocolCBI         = 0x01 // Control/Bulk/Interrupt without command completion
	ProtocolBulkOnlyOld = 0x02 // Bulk-Only, pre-release protocol code
	ProtocolBulkOnly    = 0x50 // Bulk-Only Transport (BOT)
)

// Class-specific request codes.
const (
	RequestADSC                     = 0x00 // Accept Device-Specific Command (CBI)
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number (BBB)
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device (BBB)
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWCDBLength   = 16         // Command slot size
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// Signatures some devices put in the CSW instead of CSWSignature.
const (
	CSWSignatureImagination = 0x43425355 // Imagination DBX1 echoes the CBW signature
	CSWSignatureOlympus     = 0x55425355 // Olympus C-1 digital camera
)

// CBI command and interrupt data block constants.
const (
	CBICommandLength = 12 // ADSC command block size
	CBIIDBSize       = 2  // Interrupt data block size
	CBIResetLength   = 12 // SEND DIAGNOSTIC reset block size

	IDBTypeCCI = 0x00 // Command completion notification

	IDBValueMask       = 0x03
	IDBValuePass       = 0x00
	IDBValueFail       = 0x01
	IDBValuePhaseError = 0x02
	IDBValuePersistent = 0x03
)

// MaxCommandLength is the largest generic command block accepted.
const MaxCommandLength = 16

// SCSI operation codes used by the dialect transforms.
const (
	SCSITestUnitReady        = 0x00
	SCSIRezeroUnit           = 0x01
	SCSIRequestSense         = 0x03
	SCSIFormatUnit           = 0x04
	SCSIInquiry              = 0x12
	SCSIModeSelect6          = 0x15
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSISendDiagnostic       = 0x1D
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSISeek10               = 0x2B
	SCSIWriteAndVerify10     = 0x2E
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
	SCSIWriteBuffer          = 0x3B
	SCSIModeSelect10         = 0x55
	SCSIModeSense10          = 0x5A
	SCSIRead12               = 0xA8
	SCSIWrite12              = 0xAA
)

// Command field values.
const (
	InquiryEVPD        = 0x01 // Enable vital product data (byte 1)
	InquiryShortLength = 36   // Allocation length forced by FORCE_SHORT_INQUIRY
	VPDSupportedPages  = 0x00 // Supported VPD pages list
	VPDUnitSerial      = 0x80 // Unit serial number page
	StartStopStart     = 0x01 // START bit of START STOP UNIT (byte 4)
)

// SCSI sense keys and additional sense codes.
const (
	SenseNoSense         = 0x00
	SenseIllegalRequest  = 0x05
	ASCInvalidFieldInCDB = 0x24
	SenseFixedCurrent    = 0x70 // Fixed-format current sense response code
	SenseDataLength      = 18
)

// Timeouts.
const (
	// TimeoutMargin is added to every caller-supplied command timeout.
	TimeoutMargin = 5 * time.Second

	// DefaultStageTimeout bounds reset, clear-stall and status stages.
	DefaultStageTimeout = 5 * time.Second
)

// DefaultQueueDepth is the number of commands that may wait behind the
// active transaction.
const DefaultQueueDepth = 8

// maxStatusRereads bounds re-reads of an unusable CBI interrupt data block.
const maxStatusRereads = 3
