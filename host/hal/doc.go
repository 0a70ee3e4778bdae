// Package hal defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL provides a platform-agnostic interface between the transfer
// manager and the underlying USB controller. It moves bytes on control,
// bulk and interrupt pipes of a device that has already been enumerated.
//
// # Interface Overview
//
// The [HostHAL] interface defines the contract for host-side USB operations:
//   - Controller lifecycle
//   - Control transfers for class and standard requests
//   - Bulk and interrupt data transfers
//   - Interface claim and release
//
// # Errors
//
// Implementations report endpoint halts by returning an error that wraps
// pkg.ErrStall, a vanished device with pkg.ErrNoDevice, and honor context
// cancellation and deadlines for every transfer.
//
// An in-memory mass-storage target is available in
// [github.com/ardnew/umass/host/hal/sim].
package hal
