package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbfs-cdc/pkg"
)

// Descriptor types (USB 2.0 Table 9-5 and the IAD ECN).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeCSInterface          = 0x24
	DescriptorTypeCSEndpoint           = 0x25
)

// Class codes used by this stack.
const (
	ClassPerInterface = 0x00 // class defined by each interface
	ClassCDC          = 0x02 // communications
	ClassCDCData      = 0x0A // CDC data
	ClassMisc         = 0xEF // miscellaneous, used with IADs
	ClassVendor       = 0xFF
)

// Subclass and protocol that announce interface association descriptors.
const (
	SubClassCommon = 0x02
	ProtocolIAD    = 0x01
)

// putHeader writes the two-byte descriptor header.
func putHeader(buf []byte, size int, descType uint8) {
	buf[0] = uint8(size)
	buf[1] = descType
}

// checkHeader verifies that data holds at least size bytes of the given
// descriptor type.
func checkHeader(data []byte, size int, descType uint8) error {
	if len(data) < size {
		return fmt.Errorf("%w: type 0x%02X needs %d bytes, have %d",
			pkg.ErrDescriptorTooShort, descType, size, len(data))
	}
	if data[1] != descType {
		return fmt.Errorf("%w: want 0x%02X, have 0x%02X",
			pkg.ErrDescriptorTypeMismatch, descType, data[1])
	}
	return nil
}

// DeviceDescriptor is the 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // bcdUSB
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo writes the descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	putHeader(buf, DeviceDescriptorSize, DescriptorTypeDevice)
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := checkHeader(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationDescriptor is the 9-byte configuration header.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // in 2 mA units
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // reserved, always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// ConfigurationDescriptorSize is the size of a configuration descriptor.
const ConfigurationDescriptorSize = 9

// MarshalTo writes the descriptor to buf.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	putHeader(buf, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor decodes a configuration header into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := checkHeader(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// MarshalTo writes the descriptor to buf.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	putHeader(buf, InterfaceDescriptorSize, DescriptorTypeInterface)
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor decodes an interface descriptor into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkHeader(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// MarshalTo writes the descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	putHeader(buf, EndpointDescriptorSize, DescriptorTypeEndpoint)
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor decodes an endpoint descriptor into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkHeader(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	out.Interval = data[6]
	return nil
}

// InterfaceAssociationDescriptor groups contiguous interfaces into one
// function, as CDC-ACM does with its communication and data interfaces.
type InterfaceAssociationDescriptor struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

// IADSize is the size of an interface association descriptor.
const IADSize = 8

// MarshalTo writes the descriptor to buf.
func (i *InterfaceAssociationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < IADSize {
		return 0
	}
	putHeader(buf, IADSize, DescriptorTypeInterfaceAssociation)
	buf[2] = i.FirstInterface
	buf[3] = i.InterfaceCount
	buf[4] = i.FunctionClass
	buf[5] = i.FunctionSubClass
	buf[6] = i.FunctionProtocol
	buf[7] = i.FunctionIndex
	return IADSize
}

// StringDescriptorTo writes s to buf as a UTF-16LE string descriptor.
// Strings longer than a descriptor can hold are truncated. Returns the
// number of bytes written, or 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	if max := (255 - 2) / 2; len(runes) > max {
		runes = runes[:max]
	}
	length := 2 + 2*len(runes)
	if len(buf) < length {
		return 0
	}
	putHeader(buf, length, DescriptorTypeString)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+2*i:], uint16(r))
	}
	return length
}

// ParseStringDescriptor decodes a UTF-16LE string descriptor.
func ParseStringDescriptor(data []byte) (string, error) {
	if err := checkHeader(data, 2, DescriptorTypeString); err != nil {
		return "", err
	}
	n := int(data[0])
	if n > len(data) {
		n = len(data)
	}
	runes := make([]rune, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		runes = append(runes, rune(binary.LittleEndian.Uint16(data[i:])))
	}
	return string(runes), nil
}

// LanguageDescriptorTo writes string descriptor zero, the list of
// supported language IDs.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + 2*len(langIDs)
	if len(buf) < length {
		return 0
	}
	putHeader(buf, length, DescriptorTypeString)
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// WalkDescriptors calls fn for each descriptor in a configuration set,
// passing its type and raw bytes. Walking stops at the first error from fn
// or at a malformed length byte.
func WalkDescriptors(data []byte, fn func(descType uint8, raw []byte) error) error {
	for len(data) >= 2 {
		n := int(data[0])
		if n < 2 || n > len(data) {
			return fmt.Errorf("%w: length %d with %d bytes left",
				pkg.ErrDescriptorTooShort, n, len(data))
		}
		if err := fn(data[1], data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
