package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// Completion describes how a transfer finished.
type Completion struct {
	// Status is the classified outcome.
	Status pkg.TransferStatus

	// Actual is the number of bytes moved in the data phase.
	Actual int

	// Err is the error reported by the HAL, if any.
	Err error
}

// OK reports whether the transfer completed successfully.
func (c Completion) OK() bool {
	return c.Status == pkg.TransferStatusSuccess
}

// Transfer represents a USB transfer request.
type Transfer struct {
	// Device address
	Address uint8

	// Endpoint address (0x00-0x0F for OUT, 0x80-0x8F for IN)
	Endpoint uint8

	// Transfer type
	Type hal.TransferType

	// Data buffer. The manager releases it before invoking Callback.
	Data []byte

	// Setup packet (for control transfers only)
	Setup *hal.SetupPacket

	// Timeout bounds the HAL call; zero means no deadline.
	Timeout time.Duration

	// Callback is invoked exactly once for every accepted transfer,
	// including cancelled ones.
	Callback func(*Transfer, Completion)

	// Internal state
	id        uint64
	completed int32
	result    Completion
	ctx       context.Context
	cancel    context.CancelFunc
}

// ID returns the identifier assigned at submission.
func (t *Transfer) ID() uint64 {
	return t.id
}

// IsComplete returns true if the transfer has completed.
func (t *Transfer) IsComplete() bool {
	return atomic.LoadInt32(&t.completed) != 0
}

// Result returns the transfer completion.
func (t *Transfer) Result() Completion {
	return t.result
}

// TransferManager executes asynchronous transfers on a HAL with a worker pool.
type TransferManager struct {
	hal hal.HostHAL

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.RWMutex

	// Next transfer ID
	nextID uint64

	// Worker pool
	workers int
	jobs    chan *Transfer
	wg      sync.WaitGroup

	// State
	stateMu sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTransferManager creates a new transfer manager.
func NewTransferManager(h hal.HostHAL, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	return &TransferManager{
		hal:     h,
		pending: make(map[uint64]*Transfer),
		workers: workers,
	}
}

// Start starts the transfer manager.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()

	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.jobs = make(chan *Transfer, 100)
	tm.running = true

	// Start workers
	for i := 0; i < tm.workers; i++ {
		tm.wg.Add(1)
		go tm.worker(i, tm.jobs)
	}

	return nil
}

// Stop stops the transfer manager. Queued transfers complete as cancelled.
func (tm *TransferManager) Stop() error {
	tm.stateMu.RLock()
	cancel := tm.cancel
	tm.stateMu.RUnlock()
	if cancel != nil {
		cancel()
	}

	tm.stateMu.Lock()
	if !tm.running {
		tm.stateMu.Unlock()
		return nil
	}
	tm.running = false
	close(tm.jobs)
	tm.stateMu.Unlock()

	tm.wg.Wait()
	return nil
}

// Submit submits a transfer for execution.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	tm.stateMu.RLock()
	defer tm.stateMu.RUnlock()

	if !tm.running {
		return 0, pkg.ErrNotRunning
	}
	if t.Type == hal.TransferControl && t.Setup == nil {
		return 0, pkg.ErrInvalidParameter
	}

	// Assign ID
	t.id = atomic.AddUint64(&tm.nextID, 1)
	t.ctx, t.cancel = context.WithCancel(tm.ctx)
	atomic.StoreInt32(&t.completed, 0)

	// Add to pending
	tm.pendingMu.Lock()
	tm.pending[t.id] = t
	tm.pendingMu.Unlock()

	// Submit to worker pool
	select {
	case tm.jobs <- t:
		return t.id, nil
	case <-tm.ctx.Done():
		tm.pendingMu.Lock()
		delete(tm.pending, t.id)
		tm.pendingMu.Unlock()
		t.cancel()
		return 0, pkg.ErrCancelled
	}
}

// ClearHalt submits CLEAR_FEATURE(ENDPOINT_HALT) for an endpoint.
func (tm *TransferManager) ClearHalt(addr, endpoint uint8, timeout time.Duration, cb func(*Transfer, Completion)) (uint64, error) {
	return tm.Submit(&Transfer{
		Address: addr,
		Type:    hal.TransferControl,
		Setup: &hal.SetupPacket{
			RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
			Request:     RequestClearFeature,
			Value:       FeatureEndpointHalt,
			Index:       uint16(endpoint),
		},
		Timeout:  timeout,
		Callback: cb,
	})
}

// Cancel cancels a pending transfer. Its callback still runs, with
// status Cancelled unless the HAL call had already finished.
func (tm *TransferManager) Cancel(id uint64) error {
	tm.pendingMu.RLock()
	t, ok := tm.pending[id]
	tm.pendingMu.RUnlock()

	if !ok {
		return nil
	}

	t.cancel()
	return nil
}

// CancelAll cancels every pending transfer.
func (tm *TransferManager) CancelAll() {
	tm.pendingMu.RLock()
	defer tm.pendingMu.RUnlock()

	for _, t := range tm.pending {
		t.cancel()
	}
}

// worker processes transfers.
func (tm *TransferManager) worker(id int, jobs <-chan *Transfer) {
	defer tm.wg.Done()
	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)

	for t := range jobs {
		tm.executeTransfer(t)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)
}

// executeTransfer executes a single transfer.
func (tm *TransferManager) executeTransfer(t *Transfer) {
	ctx := t.ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	// Check if already cancelled
	if err := ctx.Err(); err != nil {
		tm.completeTransfer(t, Completion{Status: pkg.StatusOf(err), Err: err})
		return
	}

	var n int
	var err error

	addr := hal.DeviceAddress(t.Address)
	switch t.Type {
	case hal.TransferControl:
		n, err = tm.hal.ControlTransfer(ctx, addr, t.Setup, t.Data)

	case hal.TransferBulk:
		n, err = tm.hal.BulkTransfer(ctx, addr, t.Endpoint, t.Data)

	case hal.TransferInterrupt:
		n, err = tm.hal.InterruptTransfer(ctx, addr, t.Endpoint, t.Data)

	default:
		err = pkg.ErrNotSupported
	}

	// A HAL may surface its own error once the deadline or cancel fires.
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
	}

	tm.completeTransfer(t, Completion{Status: pkg.StatusOf(err), Actual: n, Err: err})
}

// completeTransfer handles transfer completion.
func (tm *TransferManager) completeTransfer(t *Transfer, c Completion) {
	if !atomic.CompareAndSwapInt32(&t.completed, 0, 1) {
		return
	}
	t.result = c
	t.cancel()

	// Remove from pending
	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	tm.pendingMu.Unlock()

	pkg.LogDebug(pkg.ComponentTransfer, "transfer complete",
		"id", t.id, "type", t.Type.String(), "endpoint", t.Endpoint,
		"status", c.Status.String(), "actual", c.Actual)

	// Invoke callback
	if t.Callback != nil {
		t.Callback(t, c)
	}
}

// PendingCount returns the number of pending transfers.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.RLock()
	defer tm.pendingMu.RUnlock()
	return len(tm.pending)
}

// WaitAll waits for all pending transfers to complete.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if tm.PendingCount() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
