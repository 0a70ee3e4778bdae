package msc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ardnew/umass/host"
	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// Vendor request issued to Shuttle devices at attach. Its meaning is
// undocumented; devices misbehave without it.
const (
	shuttleInitRequest = 0x01
	shuttleInitLength  = 2
)

// maxLUNLimit is the largest LUN a Bulk-Only device can report.
const maxLUNLimit = 15

// Attach runs the attach-time requests of cfg.Profile on tr and starts the
// device loop. A device without GET MAX LUN support has a single LUN.
func Attach(ctx context.Context, tr Transport, cfg Config) (*Device, error) {
	if tr == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "nil transport")
	}
	cfg.setDefaults()
	quirks := cfg.Profile.Quirks

	if quirks.Has(QuirkAltIface1) {
		setup := &hal.SetupPacket{
			RequestType: host.RequestTypeOut | host.RequestTypeStandard | host.RequestTypeInterface,
			Request:     host.RequestSetInterface,
			Value:       1,
			Index:       uint16(cfg.Interface),
		}
		if _, err := control(ctx, tr, setup, nil, cfg); err != nil {
			return nil, errors.Wrap(err, "select alternate interface 1")
		}
	}

	if quirks.Has(QuirkShuttleInit) {
		var status [shuttleInitLength]byte
		setup := &hal.SetupPacket{
			RequestType: host.RequestTypeIn | host.RequestTypeVendor | host.RequestTypeDevice,
			Request:     shuttleInitRequest,
			Index:       uint16(cfg.Interface),
			Length:      shuttleInitLength,
		}
		_, err := control(ctx, tr, setup, status[:], cfg)
		if errors.Is(err, pkg.ErrNoDevice) {
			return nil, err
		}
		pkg.LogDebug(pkg.ComponentMSC, "shuttle init", "status", status[:], "error", err)
	}

	var maxLUN uint8
	if cfg.Profile.Wire == WireBBB && !quirks.Has(QuirkNoGetMaxLUN) {
		var err error
		maxLUN, err = getMaxLUN(ctx, tr, cfg)
		if errors.Is(err, pkg.ErrNoDevice) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if err != nil {
			pkg.LogInfo(pkg.ComponentMSC, "GET MAX LUN not supported", "error", err)
		}
	}

	return newDevice(tr, cfg, maxLUN)
}

// getMaxLUN asks a Bulk-Only device for its highest LUN.
func getMaxLUN(ctx context.Context, tr Transport, cfg Config) (uint8, error) {
	var buf [1]byte
	setup := &hal.SetupPacket{
		RequestType: host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     RequestGetMaxLUN,
		Index:       uint16(cfg.Interface),
		Length:      1,
	}
	n, err := control(ctx, tr, setup, buf[:], cfg)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Wrap(pkg.ErrProtocol, "empty GET MAX LUN response")
	}
	if buf[0] > maxLUNLimit {
		return 0, errors.Wrapf(pkg.ErrProtocol, "max lun %d", buf[0])
	}
	return buf[0], nil
}

// control runs one control request synchronously. The transfer is
// cancelled if ctx ends first.
func control(ctx context.Context, tr Transport, setup *hal.SetupPacket, data []byte, cfg Config) (int, error) {
	done := make(chan host.Completion, 1)
	req := Request{Channel: ChannelControl, Setup: setup, Data: data, Timeout: cfg.ResetTimeout}
	if err := tr.Submit(req, func(c host.Completion) { done <- c }); err != nil {
		return 0, err
	}

	var c host.Completion
	select {
	case c = <-done:
	case <-ctx.Done():
		tr.CancelAll()
		<-done
		return 0, ctx.Err()
	}
	if !c.OK() {
		return c.Actual, completionError(c, "control")
	}
	return c.Actual, nil
}
