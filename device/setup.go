package device

import (
	"fmt"

	"github.com/ardnew/usbfs-cdc/device/hal"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType fields.
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03
)

// SetupPacket is a decoded SETUP packet. It has the same layout as
// hal.SetupPacket and converts to and from it directly.
type SetupPacket hal.SetupPacket

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = hal.SetupPacketSize

// Direction returns the data stage direction bit.
func (s *SetupPacket) Direction() uint8 {
	return s.RequestType & RequestTypeDirectionMask
}

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.Direction() == RequestDirectionDeviceToHost
}

// IsHostToDevice reports whether the data stage, if any, flows to the device.
func (s *SetupPacket) IsHostToDevice() bool {
	return s.Direction() == RequestDirectionHostToDevice
}

// Type returns the request type (standard, class or vendor).
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeTypeMask
}

// IsStandard reports whether this is a chapter 9 request.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// IsClass reports whether this is a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.Type() == RequestTypeClass
}

// IsVendor reports whether this is a vendor-specific request.
func (s *SetupPacket) IsVendor() bool {
	return s.Type() == RequestTypeVendor
}

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

func (s *SetupPacket) IsDeviceRecipient() bool {
	return s.Recipient() == RequestRecipientDevice
}

func (s *SetupPacket) IsInterfaceRecipient() bool {
	return s.Recipient() == RequestRecipientInterface
}

func (s *SetupPacket) IsEndpointRecipient() bool {
	return s.Recipient() == RequestRecipientEndpoint
}

// DescriptorType returns the descriptor type from the high byte of wValue.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from the low byte of wValue.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value)
}

// InterfaceNumber returns the interface number from wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 {
	return uint8(s.Index)
}

// EndpointAddress returns the endpoint address from wIndex.
func (s *SetupPacket) EndpointAddress() uint8 {
	return uint8(s.Index)
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	typ := "Standard"
	switch s.Type() {
	case RequestTypeClass:
		typ = "Class"
	case RequestTypeVendor:
		typ = "Vendor"
	}
	recip := "Device"
	switch s.Recipient() {
	case RequestRecipientInterface:
		recip = "Interface"
	case RequestRecipientEndpoint:
		recip = "Endpoint"
	case RequestRecipientOther:
		recip = "Other"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, typ, recip, s.Request, s.Value, s.Index, s.Length)
}

// The request constructors below build the SETUP packets a host issues
// during enumeration. They return hal.SetupPacket so the result can be
// handed straight to a bus port.

func standardIn(recipient, request uint8, value, index, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

func standardOut(recipient, request uint8, value, index uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
	}
}

// GetDescriptorRequest reads length bytes of a descriptor.
func GetDescriptorRequest(descType, descIndex uint8, langID, length uint16) hal.SetupPacket {
	return standardIn(RequestRecipientDevice, RequestGetDescriptor,
		uint16(descType)<<8|uint16(descIndex), langID, length)
}

// SetAddressRequest assigns the device address.
func SetAddressRequest(address uint8) hal.SetupPacket {
	return standardOut(RequestRecipientDevice, RequestSetAddress, uint16(address), 0)
}

// SetConfigurationRequest selects a configuration; 0 deconfigures.
func SetConfigurationRequest(value uint8) hal.SetupPacket {
	return standardOut(RequestRecipientDevice, RequestSetConfiguration, uint16(value), 0)
}

// GetConfigurationRequest reads the active configuration value.
func GetConfigurationRequest() hal.SetupPacket {
	return standardIn(RequestRecipientDevice, RequestGetConfiguration, 0, 0, 1)
}

// GetStatusRequest reads the two status bytes of a recipient.
func GetStatusRequest(recipient uint8, index uint16) hal.SetupPacket {
	return standardIn(recipient, RequestGetStatus, 0, index, 2)
}

// SetFeatureRequest sets a feature on a recipient.
func SetFeatureRequest(recipient uint8, feature, index uint16) hal.SetupPacket {
	return standardOut(recipient, RequestSetFeature, feature, index)
}

// ClearFeatureRequest clears a feature on a recipient.
func ClearFeatureRequest(recipient uint8, feature, index uint16) hal.SetupPacket {
	return standardOut(recipient, RequestClearFeature, feature, index)
}

// SetInterfaceRequest selects an alternate setting.
func SetInterfaceRequest(iface, alt uint8) hal.SetupPacket {
	return standardOut(RequestRecipientInterface, RequestSetInterface, uint16(alt), uint16(iface))
}

// GetInterfaceRequest reads the alternate setting of an interface.
func GetInterfaceRequest(iface uint8) hal.SetupPacket {
	return standardIn(RequestRecipientInterface, RequestGetInterface, 0, uint16(iface), 1)
}

// ClassInterfaceRequest builds a class request addressed to an interface.
// The direction follows in.
func ClassInterfaceRequest(in bool, request uint8, value uint16, iface uint8, length uint16) hal.SetupPacket {
	dir := uint8(RequestDirectionHostToDevice)
	if in {
		dir = RequestDirectionDeviceToHost
	}
	return hal.SetupPacket{
		RequestType: dir | RequestTypeClass | RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(iface),
		Length:      length,
	}
}
