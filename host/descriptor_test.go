package host

import (
	"errors"
	"testing"

	"github.com/ardnew/umass/pkg"
)

// =============================================================================
// Descriptor Parsing Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, 0x01, // Length, Type
		0x00, 0x02, // USB Version 2.0 (little-endian)
		0x00, 0x00, 0x00, // Class, SubClass, Protocol
		64,         // MaxPacketSize0
		0x34, 0x12, // VendorID (little-endian)
		0x78, 0x56, // ProductID (little-endian)
		0x01, 0x00, // DeviceVersion
		1, 2, 3, // Manufacturer, Product, SerialNumber indices
		1, // NumConfigurations
	}

	var desc DeviceDescriptor
	if !ParseDeviceDescriptor(data, &desc) {
		t.Fatal("ParseDeviceDescriptor returned false")
	}

	if desc.Length != 18 {
		t.Errorf("Length = %d, want 18", desc.Length)
	}
	if desc.DescriptorType != 0x01 {
		t.Errorf("DescriptorType = 0x%02X, want 0x01", desc.DescriptorType)
	}
	if desc.USBVersion != 0x0200 {
		t.Errorf("USBVersion = 0x%04X, want 0x0200", desc.USBVersion)
	}
	if desc.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", desc.MaxPacketSize0)
	}
	if desc.VendorID != 0x1234 {
		t.Errorf("VendorID = 0x%04X, want 0x1234", desc.VendorID)
	}
	if desc.ProductID != 0x5678 {
		t.Errorf("ProductID = 0x%04X, want 0x5678", desc.ProductID)
	}
	if desc.ManufacturerIndex != 1 {
		t.Errorf("ManufacturerIndex = %d, want 1", desc.ManufacturerIndex)
	}
	if desc.ProductIndex != 2 {
		t.Errorf("ProductIndex = %d, want 2", desc.ProductIndex)
	}
	if desc.SerialNumberIndex != 3 {
		t.Errorf("SerialNumberIndex = %d, want 3", desc.SerialNumberIndex)
	}
	if desc.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", desc.NumConfigurations)
	}
}

func TestParseDeviceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, DeviceDescriptorSize-1)
	var desc DeviceDescriptor
	if ParseDeviceDescriptor(data, &desc) {
		t.Error("ParseDeviceDescriptor should return false for short data")
	}
}

func TestParseConfigurationDescriptor(t *testing.T) {
	data := []byte{
		9, 0x02, // Length, Type
		0x20, 0x00, // TotalLength (little-endian)
		2,    // NumInterfaces
		1,    // ConfigurationValue
		4,    // ConfigurationIndex
		0xA0, // Attributes
		50,   // MaxPower
	}

	var desc ConfigurationDescriptor
	if !ParseConfigurationDescriptor(data, &desc) {
		t.Fatal("ParseConfigurationDescriptor returned false")
	}

	if desc.Length != 9 {
		t.Errorf("Length = %d, want 9", desc.Length)
	}
	if desc.TotalLength != 0x0020 {
		t.Errorf("TotalLength = %d, want 32", desc.TotalLength)
	}
	if desc.NumInterfaces != 2 {
		t.Errorf("NumInterfaces = %d, want 2", desc.NumInterfaces)
	}
	if desc.ConfigurationValue != 1 {
		t.Errorf("ConfigurationValue = %d, want 1", desc.ConfigurationValue)
	}
}

func TestParseConfigurationDescriptor_TooShort(t *testing.T) {
	data := make([]byte, ConfigurationDescriptorSize-1)
	var desc ConfigurationDescriptor
	if ParseConfigurationDescriptor(data, &desc) {
		t.Error("ParseConfigurationDescriptor should return false for short data")
	}
}

func TestParseInterfaceDescriptor(t *testing.T) {
	data := []byte{
		9, 0x04, // Length, Type
		0,    // InterfaceNumber
		0,    // AlternateSetting
		2,    // NumEndpoints
		0x08, // InterfaceClass (Mass Storage)
		0x06, // InterfaceSubClass (SCSI)
		0x50, // InterfaceProtocol (Bulk-Only)
		5,    // InterfaceIndex
	}

	var desc InterfaceDescriptor
	if !ParseInterfaceDescriptor(data, &desc) {
		t.Fatal("ParseInterfaceDescriptor returned false")
	}

	if desc.InterfaceNumber != 0 {
		t.Errorf("InterfaceNumber = %d, want 0", desc.InterfaceNumber)
	}
	if desc.NumEndpoints != 2 {
		t.Errorf("NumEndpoints = %d, want 2", desc.NumEndpoints)
	}
	if desc.InterfaceClass != ClassMassStorage {
		t.Errorf("InterfaceClass = 0x%02X, want 0x08", desc.InterfaceClass)
	}
	if desc.InterfaceProtocol != 0x50 {
		t.Errorf("InterfaceProtocol = 0x%02X, want 0x50", desc.InterfaceProtocol)
	}
}

func TestParseInterfaceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, InterfaceDescriptorSize-1)
	var desc InterfaceDescriptor
	if ParseInterfaceDescriptor(data, &desc) {
		t.Error("ParseInterfaceDescriptor should return false for short data")
	}
}

func TestParseEndpointDescriptor(t *testing.T) {
	data := []byte{
		7, 0x05, // Length, Type
		0x81,       // EndpointAddress (EP1 IN)
		0x02,       // Attributes (Bulk)
		0x00, 0x02, // MaxPacketSize (512)
		0, // Interval
	}

	var desc EndpointDescriptor
	if !ParseEndpointDescriptor(data, &desc) {
		t.Fatal("ParseEndpointDescriptor returned false")
	}

	if desc.EndpointAddress != 0x81 {
		t.Errorf("EndpointAddress = 0x%02X, want 0x81", desc.EndpointAddress)
	}
	if desc.Attributes != 0x02 {
		t.Errorf("Attributes = 0x%02X, want 0x02", desc.Attributes)
	}
	if desc.MaxPacketSize != 512 {
		t.Errorf("MaxPacketSize = %d, want 512", desc.MaxPacketSize)
	}
}

func TestParseEndpointDescriptor_TooShort(t *testing.T) {
	data := make([]byte, EndpointDescriptorSize-1)
	var desc EndpointDescriptor
	if ParseEndpointDescriptor(data, &desc) {
		t.Error("ParseEndpointDescriptor should return false for short data")
	}
}

func TestEndpointDescriptor_Methods(t *testing.T) {
	tests := []struct {
		name   string
		desc   EndpointDescriptor
		number uint8
		isIn   bool
		isOut  bool
		isBulk bool
		isIntr bool
	}{
		{
			name:   "BulkIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk},
			number: 1, isIn: true, isBulk: true,
		},
		{
			name:   "BulkOUT",
			desc:   EndpointDescriptor{EndpointAddress: 0x02, Attributes: EndpointTypeBulk},
			number: 2, isOut: true, isBulk: true,
		},
		{
			name:   "InterruptIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x83, Attributes: EndpointTypeInterrupt},
			number: 3, isIn: true, isIntr: true,
		},
		{
			name:   "IsochronousIN",
			desc:   EndpointDescriptor{EndpointAddress: 0x84, Attributes: EndpointTypeIsochronous},
			number: 4, isIn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Number(); got != tt.number {
				t.Errorf("Number() = %d, want %d", got, tt.number)
			}
			if got := tt.desc.IsIn(); got != tt.isIn {
				t.Errorf("IsIn() = %v, want %v", got, tt.isIn)
			}
			if got := tt.desc.IsOut(); got != tt.isOut {
				t.Errorf("IsOut() = %v, want %v", got, tt.isOut)
			}
			if got := tt.desc.IsBulk(); got != tt.isBulk {
				t.Errorf("IsBulk() = %v, want %v", got, tt.isBulk)
			}
			if got := tt.desc.IsInterrupt(); got != tt.isIntr {
				t.Errorf("IsInterrupt() = %v, want %v", got, tt.isIntr)
			}
		})
	}
}

// cbiConfiguration is a single-interface CBI configuration with a
// class-specific descriptor wedged between the endpoints.
var cbiConfiguration = []byte{
	9, 0x02, 39, 0x00, 1, 1, 0, 0x80, 50, // configuration
	9, 0x04, 0, 0, 3, 0x08, 0x04, 0x00, 0, // interface: mass storage, UFI, CBI
	7, 0x05, 0x81, 0x02, 0x40, 0x00, 0, // bulk in
	7, 0x05, 0x02, 0x02, 0x40, 0x00, 0, // bulk out
	3, 0x24, 0x00, // class-specific
	4, 0x05, 0x83, 0x03, // truncated endpoint, skipped
}

func TestParseConfiguration(t *testing.T) {
	data := append([]byte(nil), cbiConfiguration...)
	// replace the truncated endpoint with a full interrupt endpoint
	data = append(data[:len(data)-4], 7, 0x05, 0x83, 0x03, 0x02, 0x00, 1)
	data[2] = byte(len(data))

	cfg, err := ParseConfiguration(data)
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("len(Interfaces) = %d, want 1", len(cfg.Interfaces))
	}

	iface := cfg.Interface(0)
	if iface == nil {
		t.Fatal("Interface(0) = nil")
	}
	if iface.Descriptor.InterfaceSubClass != 0x04 {
		t.Errorf("InterfaceSubClass = 0x%02X, want 0x04", iface.Descriptor.InterfaceSubClass)
	}
	if len(iface.Endpoints) != 3 {
		t.Fatalf("len(Endpoints) = %d, want 3", len(iface.Endpoints))
	}
	if !iface.Endpoints[2].IsInterrupt() || !iface.Endpoints[2].IsIn() {
		t.Errorf("Endpoints[2] = %+v, want interrupt IN", iface.Endpoints[2])
	}
	if cfg.Interface(1) != nil {
		t.Error("Interface(1) should be nil")
	}
}

func TestParseConfiguration_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", []byte{9, 0x02, 9}, pkg.ErrDescriptorTooShort},
		{"wrong type", []byte{9, 0x01, 9, 0, 0, 1, 0, 0x80, 50}, pkg.ErrInvalidParameter},
		{"bad child length", []byte{9, 0x02, 20, 0, 1, 1, 0, 0x80, 50, 9, 0x04, 0}, pkg.ErrDescriptorTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfiguration(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("ParseConfiguration() error = %v, want %v", err, tt.want)
			}
		})
	}
}
