package msc

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// Channel is a logical pipe of a mass-storage interface.
type Channel uint8

// Channels.
const (
	ChannelControl Channel = iota
	ChannelBulkIn
	ChannelBulkOut
	ChannelInterrupt
)

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelBulkIn:
		return "bulk-in"
	case ChannelBulkOut:
		return "bulk-out"
	case ChannelInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Request is one transfer on a channel. Setup is required on the control
// channel and ignored elsewhere.
type Request struct {
	Channel Channel
	Setup   *hal.SetupPacket
	Data    []byte
	Timeout time.Duration
}

// Transport submits transfers on behalf of one device.
//
// Each accepted Submit or ClearStall invokes done exactly once, possibly
// on another goroutine. A returned error means done will not be invoked.
type Transport interface {
	Submit(req Request, done func(host.Completion)) error
	ClearStall(ch Channel, timeout time.Duration, done func(host.Completion)) error

	// CancelAll cancels every outstanding submission of this device.
	CancelAll()

	// MaxTransferSize caps one data stage; zero means unlimited.
	MaxTransferSize() int
}

// Endpoints holds the endpoint addresses of a mass-storage interface.
// Interrupt is zero when the interface has no interrupt pipe.
type Endpoints struct {
	BulkIn    uint8
	BulkOut   uint8
	Interrupt uint8
}

// HALTransport implements Transport over a host.TransferManager.
type HALTransport struct {
	tm          *host.TransferManager
	addr        uint8
	eps         Endpoints
	maxTransfer int

	mu      sync.Mutex
	pending map[*host.Transfer]struct{}
}

// NewHALTransport binds a device address and its endpoints to tm.
func NewHALTransport(tm *host.TransferManager, addr uint8, eps Endpoints, maxTransfer int) *HALTransport {
	return &HALTransport{
		tm:          tm,
		addr:        addr,
		eps:         eps,
		maxTransfer: maxTransfer,
		pending:     make(map[*host.Transfer]struct{}),
	}
}

// Endpoints returns the bound endpoints.
func (ht *HALTransport) Endpoints() Endpoints {
	return ht.eps
}

func (ht *HALTransport) endpoint(ch Channel) (uint8, hal.TransferType, error) {
	switch ch {
	case ChannelControl:
		return 0, hal.TransferControl, nil
	case ChannelBulkIn:
		return ht.eps.BulkIn, hal.TransferBulk, nil
	case ChannelBulkOut:
		return ht.eps.BulkOut, hal.TransferBulk, nil
	case ChannelInterrupt:
		if ht.eps.Interrupt == 0 {
			return 0, 0, pkg.ErrInvalidEndpoint
		}
		return ht.eps.Interrupt, hal.TransferInterrupt, nil
	}
	return 0, 0, pkg.ErrInvalidEndpoint
}

// Submit implements Transport.
func (ht *HALTransport) Submit(req Request, done func(host.Completion)) error {
	ep, typ, err := ht.endpoint(req.Channel)
	if err != nil {
		return errors.Wrapf(err, "channel %s", req.Channel)
	}
	return ht.submit(&host.Transfer{
		Address:  ht.addr,
		Endpoint: ep,
		Type:     typ,
		Data:     req.Data,
		Setup:    req.Setup,
		Timeout:  req.Timeout,
	}, done)
}

// ClearStall implements Transport.
func (ht *HALTransport) ClearStall(ch Channel, timeout time.Duration, done func(host.Completion)) error {
	ep, _, err := ht.endpoint(ch)
	if err != nil {
		return errors.Wrapf(err, "channel %s", ch)
	}
	return ht.submit(&host.Transfer{
		Address: ht.addr,
		Type:    hal.TransferControl,
		Setup: &hal.SetupPacket{
			RequestType: host.RequestTypeOut | host.RequestTypeStandard | host.RequestTypeEndpoint,
			Request:     host.RequestClearFeature,
			Value:       host.FeatureEndpointHalt,
			Index:       uint16(ep),
		},
		Timeout: timeout,
	}, done)
}

func (ht *HALTransport) submit(t *host.Transfer, done func(host.Completion)) error {
	t.Callback = func(t *host.Transfer, c host.Completion) {
		ht.mu.Lock()
		delete(ht.pending, t)
		ht.mu.Unlock()
		done(c)
	}

	ht.mu.Lock()
	ht.pending[t] = struct{}{}
	ht.mu.Unlock()

	if _, err := ht.tm.Submit(t); err != nil {
		ht.mu.Lock()
		delete(ht.pending, t)
		ht.mu.Unlock()
		return err
	}
	return nil
}

// CancelAll implements Transport.
func (ht *HALTransport) CancelAll() {
	ht.mu.Lock()
	ids := make([]uint64, 0, len(ht.pending))
	for t := range ht.pending {
		ids = append(ids, t.ID())
	}
	ht.mu.Unlock()

	for _, id := range ids {
		_ = ht.tm.Cancel(id)
	}
}

// MaxTransferSize implements Transport.
func (ht *HALTransport) MaxTransferSize() int {
	return ht.maxTransfer
}

// Probe resolves the profile of a mass-storage interface and selects its
// pipes. A nil table means DefaultQuirkTable.
func Probe(dev *host.DeviceDescriptor, iface *host.InterfaceDescriptor, eps []host.EndpointDescriptor, table *QuirkTable) (Profile, Endpoints, error) {
	if table == nil {
		table = DefaultQuirkTable()
	}
	id := IdentityOf(dev, iface)
	profile, err := table.Lookup(id)
	if err != nil {
		return profile, Endpoints{}, err
	}

	var sel Endpoints
	for i := range eps {
		ep := &eps[i]
		switch {
		case ep.IsBulk() && ep.IsIn() && sel.BulkIn == 0:
			sel.BulkIn = ep.EndpointAddress
		case ep.IsBulk() && ep.IsOut() && sel.BulkOut == 0:
			sel.BulkOut = ep.EndpointAddress
		case ep.IsInterrupt() && ep.IsIn() && sel.Interrupt == 0:
			sel.Interrupt = ep.EndpointAddress
		}
	}

	if sel.BulkIn == 0 || sel.BulkOut == 0 {
		return profile, sel, errors.Wrapf(pkg.ErrInvalidEndpoint, "%s: missing bulk endpoint", id)
	}
	if profile.Wire.HasStatusPipe() && sel.Interrupt == 0 {
		return profile, sel, errors.Wrapf(pkg.ErrInvalidEndpoint, "%s: %s needs an interrupt endpoint", id, profile.Wire)
	}
	if !profile.Wire.HasStatusPipe() {
		sel.Interrupt = 0
	}

	pkg.LogInfo(pkg.ComponentMSC, "probed interface",
		"identity", id.String(), "profile", profile.String(),
		"bulkIn", sel.BulkIn, "bulkOut", sel.BulkOut, "interrupt", sel.Interrupt)
	return profile, sel, nil
}
