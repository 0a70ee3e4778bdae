package msc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/pkg"
)

// op is one call made on fakeTransport.
type op struct {
	clear   bool
	channel Channel
	req     Request
}

func (o op) String() string {
	switch {
	case o.clear:
		return "clear " + o.channel.String()
	case o.channel == ChannelControl:
		return fmt.Sprintf("control 0x%02X", o.req.Setup.Request)
	default:
		return fmt.Sprintf("%s %d", o.channel, len(o.req.Data))
	}
}

// step answers one op. held leaves the op outstanding until release or
// CancelAll.
type step func(o op) (c host.Completion, held bool)

// fakeTransport answers operations from a script. Unscripted operations
// succeed with their full length.
type fakeTransport struct {
	mu          sync.Mutex
	ops         []op
	steps       []step
	maxTransfer int
	held        func(host.Completion)
	cancels     int
	submitErr   error
}

func newFakeTransport(steps ...step) *fakeTransport {
	return &fakeTransport{steps: steps}
}

func (f *fakeTransport) script(steps ...step) {
	f.mu.Lock()
	f.steps = append(f.steps, steps...)
	f.mu.Unlock()
}

func (f *fakeTransport) Submit(req Request, done func(host.Completion)) error {
	return f.run(op{channel: req.Channel, req: req}, done)
}

func (f *fakeTransport) ClearStall(ch Channel, timeout time.Duration, done func(host.Completion)) error {
	return f.run(op{clear: true, channel: ch, req: Request{Channel: ch, Timeout: timeout}}, done)
}

func (f *fakeTransport) run(o op, done func(host.Completion)) error {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.ops = append(f.ops, o)
		f.mu.Unlock()
		return err
	}
	f.ops = append(f.ops, o)
	s := respondOK
	if len(f.steps) > 0 {
		s = f.steps[0]
		f.steps = f.steps[1:]
	}
	c, held := s(o)
	if held {
		f.held = done
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	done(c)
	return nil
}

func (f *fakeTransport) CancelAll() {
	f.mu.Lock()
	f.cancels++
	done := f.held
	f.held = nil
	f.mu.Unlock()
	if done != nil {
		done(host.Completion{Status: pkg.TransferStatusCancelled, Err: pkg.ErrCancelled})
	}
}

func (f *fakeTransport) MaxTransferSize() int {
	return f.maxTransfer
}

// release completes the held op.
func (f *fakeTransport) release(c host.Completion) {
	f.mu.Lock()
	done := f.held
	f.held = nil
	f.mu.Unlock()
	if done != nil {
		done(c)
	}
}

func (f *fakeTransport) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held != nil
}

func (f *fakeTransport) trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	for i, o := range f.ops {
		out[i] = o.String()
	}
	return out
}

// lastCBW decodes the most recent command block wrapper.
func (f *fakeTransport) lastCBW(t *testing.T) CommandBlockWrapper {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.ops) - 1; i >= 0; i-- {
		o := f.ops[i]
		var w CommandBlockWrapper
		if !o.clear && o.channel == ChannelBulkOut && ParseCommandBlockWrapper(o.req.Data, &w) {
			return w
		}
	}
	t.Fatal("no command block sent")
	return CommandBlockWrapper{}
}

func respondOK(o op) (host.Completion, bool) {
	return host.Completion{Status: pkg.TransferStatusSuccess, Actual: len(o.req.Data)}, false
}

// reply copies data into an IN buffer.
func reply(data []byte) step {
	return func(o op) (host.Completion, bool) {
		n := copy(o.req.Data, data)
		return host.Completion{Status: pkg.TransferStatusSuccess, Actual: n}, false
	}
}

// short completes with n bytes.
func short(n int) step {
	return func(op) (host.Completion, bool) {
		return host.Completion{Status: pkg.TransferStatusSuccess, Actual: n}, false
	}
}

func fail(s pkg.TransferStatus) step {
	return func(op) (host.Completion, bool) {
		return host.Completion{Status: s, Err: s.Error()}, false
	}
}

func hold() step {
	return func(op) (host.Completion, bool) {
		return host.Completion{}, true
	}
}

// csw answers a status read for tag.
func csw(sig, tag, residue uint32, status uint8) step {
	w := CommandStatusWrapper{Signature: sig, Tag: tag, Residue: residue, Status: status}
	var buf [CSWSize]byte
	w.MarshalTo(buf[:])
	return reply(buf[:])
}

func goodCSW(tag, residue uint32) step {
	return csw(CSWSignature, tag, residue, CSWStatusGood)
}

func idb(b0, b1 byte) step {
	return reply([]byte{b0, b1})
}

// capacity returns READ CAPACITY data.
func capacity(last, block uint32) []byte {
	buf := make([]byte, readCapacityLength)
	binary.BigEndian.PutUint32(buf[0:4], last)
	binary.BigEndian.PutUint32(buf[4:8], block)
	return buf
}

// results collects command outcomes in delivery order.
type results struct {
	mu  sync.Mutex
	got []labeled
	ch  chan labeled
}

type labeled struct {
	name string
	Result
}

func newResults() *results {
	return &results{ch: make(chan labeled, 64)}
}

func (r *results) done(name string) func(Result) {
	return func(res Result) {
		l := labeled{name: name, Result: res}
		r.mu.Lock()
		r.got = append(r.got, l)
		r.mu.Unlock()
		r.ch <- l
	}
}

func (r *results) wait(t *testing.T) labeled {
	t.Helper()
	select {
	case l := <-r.ch:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return labeled{}
	}
}

func (r *results) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.got))
	for i, l := range r.got {
		names[i] = l.name
	}
	return names
}

// newTestDevice starts a device and closes it with the test.
func newTestDevice(t *testing.T, tr Transport, profile Profile) *Device {
	t.Helper()
	d, err := New(tr, Config{Profile: profile})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// runCommand submits one command and waits for its result.
func runCommand(t *testing.T, d *Device, cmd *Command) Result {
	t.Helper()
	r := newResults()
	cmd.Done = r.done("cmd")
	require.NoError(t, d.Submit(cmd))
	return r.wait(t).Result
}

// waitHeld waits until the transport holds an op.
func waitHeld(t *testing.T, f *fakeTransport) {
	t.Helper()
	require.Eventually(t, f.isHeld, 2*time.Second, time.Millisecond)
}

var (
	cdbTestUnitReady = []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}
	cdbRead10        = []byte{SCSIRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	cdbWrite10       = []byte{SCSIWrite10, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	cdbInquiry       = []byte{SCSIInquiry, 0, 0, 0, 36, 0}
)
