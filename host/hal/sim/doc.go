// Package sim provides an in-memory [hal.HostHAL] with one USB
// mass-storage device attached, for tests and the umassctl simulator.
//
// The [Target] answers GET_DESCRIPTOR with a device and configuration
// descriptor for a single mass-storage interface and speaks one wire
// protocol:
//
//   - Bulk-Only: command block wrappers on the bulk-out pipe, data on
//     the bulk pipes, command status wrappers on bulk-in, GET MAX LUN and
//     the class reset on the control pipe.
//   - CBI: command blocks through ADSC on the control pipe, data on the
//     bulk pipes, and with the completion interrupt variant a two byte
//     interrupt data block per command.
//
// Commands run against a [Storage]: [MemoryStorage] or a disk image
// opened with [OpenFileStorage]. The target implements the SCSI block
// commands a mass-storage host issues (TEST UNIT READY, REQUEST SENSE,
// INQUIRY with the serial number page, READ CAPACITY, READ/WRITE (10),
// MODE SENSE, START STOP UNIT, PREVENT ALLOW MEDIUM REMOVAL, SYNCHRONIZE
// CACHE, READ FORMAT CAPACITIES).
//
// Protocol violations are answered the way real devices answer them:
// halted pipes, phase errors and short packets. [Target.Inject] queues
// further faults (stalls, timeouts, corrupt status frames) that fire once
// at a given stage, and [Config] can reproduce common device deviations
// such as a wrong CSW signature or an off-by-one READ CAPACITY.
//
// A hanging transfer only returns when its context ends, so every call
// through a host.TransferManager should carry a timeout.
package sim
