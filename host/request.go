package host

import (
	"context"
	"fmt"

	"github.com/ardnew/umass/host/hal"
	"github.com/ardnew/umass/pkg"
)

// GetDescriptor performs a synchronous GET_DESCRIPTOR request.
func GetDescriptor(ctx context.Context, h hal.HostHAL, addr hal.DeviceAddress, descType, descIndex uint8, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Length:      uint16(len(data)),
	}

	return h.ControlTransfer(ctx, addr, &setup, data)
}

// ReadDeviceDescriptor fetches and parses the device descriptor.
func ReadDeviceDescriptor(ctx context.Context, h hal.HostHAL, addr hal.DeviceAddress) (DeviceDescriptor, error) {
	var desc DeviceDescriptor
	buf := make([]byte, DeviceDescriptorSize)

	n, err := GetDescriptor(ctx, h, addr, DescriptorTypeDevice, 0, buf)
	if err != nil {
		return desc, fmt.Errorf("get device descriptor: %w", err)
	}
	if !ParseDeviceDescriptor(buf[:n], &desc) {
		return desc, pkg.ErrDescriptorTooShort
	}
	return desc, nil
}

// ReadConfiguration fetches configuration index and parses its tree.
// The header is read first to learn the total length.
func ReadConfiguration(ctx context.Context, h hal.HostHAL, addr hal.DeviceAddress, index uint8) (Configuration, error) {
	var hdr ConfigurationDescriptor
	buf := make([]byte, ConfigurationDescriptorSize)

	n, err := GetDescriptor(ctx, h, addr, DescriptorTypeConfiguration, index, buf)
	if err != nil {
		return Configuration{}, fmt.Errorf("get configuration header: %w", err)
	}
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return Configuration{}, pkg.ErrDescriptorTooShort
	}

	buf = make([]byte, hdr.TotalLength)
	n, err = GetDescriptor(ctx, h, addr, DescriptorTypeConfiguration, index, buf)
	if err != nil {
		return Configuration{}, fmt.Errorf("get configuration: %w", err)
	}
	return ParseConfiguration(buf[:n])
}
