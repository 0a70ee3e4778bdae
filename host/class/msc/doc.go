// Package msc implements the host side of the USB Mass Storage Class: the
// command transport that carries SCSI-style command blocks to a device over
// Bulk-Only Transport (BBB) or Command/Bulk/Interrupt (CBI, with or without
// the command completion interrupt).
//
// # Architecture
//
// A [Device] owns one mass-storage interface:
//
//  1. Command Transform - rewrites a generic command block into the
//     device dialect (SCSI, RBC, UFI, ATAPI) and applies quirks
//  2. Engine - the BBB or CBI state machine, a pure transition function
//     from completions to the next transfer
//  3. Event loop - a goroutine that performs those transfers on a
//     [Transport] and runs queued commands one at a time
//
// # Bulk-Only Transport
//
// Each command runs three phases:
//
//  1. Command Phase - Command Block Wrapper (CBW) on bulk-out
//  2. Data Phase - Optional, in the declared direction
//  3. Status Phase - Command Status Wrapper (CSW) on bulk-in
//
// A malformed CSW, a timeout or an unclearable stall runs reset recovery:
// the Bulk-Only Mass Storage Reset request, then clear-halt on bulk-in and
// bulk-out.
//
// # Command/Bulk/Interrupt
//
// Commands travel in an ADSC control request. Status arrives as an
// interrupt data block when the device has an interrupt pipe; otherwise
// the outcome is [StatusCommandIndeterminate]. Recovery sends the
// SEND DIAGNOSTIC command reset and clears every pipe.
//
// # Device Identification
//
// [QuirkTable.Lookup] maps vendor, product and revision to a [Profile].
// Entries not in the built-in table can be supplied in HCL with
// [LoadQuirkFile].
//
// # Usage Example
//
//	profile, eps, err := msc.Probe(&dev, &iface.Descriptor, iface.Endpoints, nil)
//	tr := msc.NewHALTransport(tm, addr, eps, 64*1024)
//	disk, err := msc.Attach(ctx, tr, msc.Config{Profile: profile, Interface: 0})
//	defer disk.Close()
//
//	buf := make([]byte, 36)
//	disk.Submit(&msc.Command{
//	    CDB:       []byte{0x12, 0, 0, 0, 36, 0},
//	    Data:      buf,
//	    Direction: msc.DirectionIn,
//	    Timeout:   time.Second,
//	    Done: func(r msc.Result) {
//	        // r.Status, r.Residue
//	    },
//	})
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - USB Mass Storage Class CBI Transport 1.1
//   - USB Mass Storage Class UFI Command Specification 1.0
package msc
