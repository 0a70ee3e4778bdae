// Package host implements the host side of a pure-Go USB stack: descriptor
// parsing and asynchronous transfer execution.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/ardnew/umass/host/hal package.
//
// # Transfers
//
// [TransferManager] runs control, bulk and interrupt transfers on a worker
// pool. Every accepted [Transfer] receives exactly one [Completion] through
// its callback, including transfers that were cancelled or timed out:
//
//	tm := host.NewTransferManager(h, 2)
//	tm.Start(ctx)
//	defer tm.Stop()
//
//	tm.Submit(&host.Transfer{
//	    Address:  1,
//	    Endpoint: 0x81,
//	    Type:     hal.TransferBulk,
//	    Data:     buf,
//	    Timeout:  5 * time.Second,
//	    Callback: func(t *host.Transfer, c host.Completion) {
//	        // c.Status, c.Actual
//	    },
//	})
//
// Halted endpoints are recovered with [TransferManager.ClearHalt].
//
// # Descriptors
//
// [ReadDeviceDescriptor] and [ReadConfiguration] fetch descriptors with
// synchronous GET_DESCRIPTOR requests; [ParseConfiguration] groups the
// endpoints of each interface.
//
// Mass-storage transports built on this package live in
// [github.com/ardnew/umass/host/class/msc].
package host
