package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbfs-cdc/pkg"
)

// MaxDescriptorResponseSize bounds any standard request response.
const MaxDescriptorResponseSize = MaxConfigurationSize

// deviceQualifierSize is the size of a device qualifier descriptor.
const deviceQualifierSize = 10

// StandardRequestHandler answers chapter 9 requests from the device model.
// Responses reference an internal buffer that is reused by the next call.
type StandardRequestHandler struct {
	device      *Device
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler for dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// unsupported builds the error returned for requests that must stall.
func unsupported(setup *SetupPacket) error {
	return fmt.Errorf("%w: %s", pkg.ErrInvalidRequest, setup)
}

// HandleSetup processes a standard request and returns the IN data stage,
// if any. An error means EP0 must stall.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, unsupported(setup)
	}

	switch setup.Recipient() {
	case RequestRecipientDevice:
		switch setup.Request {
		case RequestGetStatus:
			return h.status(uint16(h.device.GetStatus())), nil
		case RequestClearFeature, RequestSetFeature:
			return nil, h.deviceFeature(setup)
		case RequestSetAddress:
			return nil, h.device.SetAddress(uint8(setup.Value & 0x7F))
		case RequestGetDescriptor:
			return h.getDescriptor(setup)
		case RequestGetConfiguration:
			var value uint8
			if config := h.device.ActiveConfiguration(); config != nil {
				value = config.Value
			}
			h.responseBuf[0] = value
			return h.responseBuf[:1], nil
		case RequestSetConfiguration:
			return nil, h.device.SetConfiguration(uint8(setup.Value))
		}

	case RequestRecipientInterface:
		iface := h.device.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			return nil, fmt.Errorf("%w: interface %d", pkg.ErrInvalidRequest, setup.InterfaceNumber())
		}
		switch setup.Request {
		case RequestGetStatus:
			return h.status(0), nil
		case RequestGetInterface:
			h.responseBuf[0] = iface.Descriptor().AlternateSetting
			return h.responseBuf[:1], nil
		case RequestSetInterface:
			return nil, iface.SetAlternate(uint8(setup.Value))
		}

	case RequestRecipientEndpoint:
		address := setup.EndpointAddress()
		switch setup.Request {
		case RequestGetStatus:
			if address&0x0F == 0 {
				return h.status(0), nil
			}
			ep := h.device.GetEndpoint(address)
			if ep == nil {
				return nil, fmt.Errorf("%w: 0x%02X", pkg.ErrInvalidEndpoint, address)
			}
			var halt uint16
			if ep.IsStalled() {
				halt = 1
			}
			return h.status(halt), nil
		case RequestClearFeature, RequestSetFeature:
			if setup.Value != FeatureEndpointHalt {
				return nil, unsupported(setup)
			}
			return nil, h.device.SetEndpointStall(address, setup.Request == RequestSetFeature)
		}
	}
	return nil, unsupported(setup)
}

func (h *StandardRequestHandler) status(bits uint16) []byte {
	binary.LittleEndian.PutUint16(h.responseBuf[:2], bits)
	return h.responseBuf[:2]
}

func (h *StandardRequestHandler) deviceFeature(setup *SetupPacket) error {
	if setup.Value != FeatureDeviceRemoteWakeup {
		return unsupported(setup)
	}
	h.device.EnableRemoteWakeup(setup.Request == RequestSetFeature)
	return nil
}

// getDescriptor answers GET_DESCRIPTOR, truncating to wLength.
func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		config := h.device.ConfigurationAt(setup.DescriptorIndex())
		if config == nil {
			return nil, unsupported(setup)
		}
		n = config.MarshalTo(h.responseBuf[:])

	case DescriptorTypeString:
		str := h.device.GetString(setup.DescriptorIndex())
		if str == nil {
			return nil, unsupported(setup)
		}
		n = copy(h.responseBuf[:], str)

	case DescriptorTypeDeviceQualifier:
		// Only high-speed capable devices answer; full-speed devices stall.
		if h.device.Speed() != SpeedHigh {
			return nil, fmt.Errorf("%w: device qualifier at %s", pkg.ErrNotSupported, h.device.Speed())
		}
		n = h.deviceQualifier()

	default:
		return nil, unsupported(setup)
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	if n > int(setup.Length) {
		n = int(setup.Length)
	}
	return h.responseBuf[:n], nil
}

func (h *StandardRequestHandler) deviceQualifier() int {
	desc := h.device.Descriptor
	buf := h.responseBuf[:deviceQualifierSize]
	putHeader(buf, deviceQualifierSize, DescriptorTypeDeviceQualifier)
	binary.LittleEndian.PutUint16(buf[2:4], desc.USBVersion)
	buf[4] = desc.DeviceClass
	buf[5] = desc.DeviceSubClass
	buf[6] = desc.DeviceProtocol
	buf[7] = desc.MaxPacketSize0
	buf[8] = desc.NumConfigurations
	buf[9] = 0
	return deviceQualifierSize
}
