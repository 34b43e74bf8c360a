package host

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// maxStringDescriptorSize is the largest possible string descriptor.
const maxStringDescriptorSize = 255

// Interface is one interface of the active configuration as seen by the
// host, with its endpoints and class-specific descriptors.
type Interface struct {
	Descriptor       device.InterfaceDescriptor
	Endpoints        []device.EndpointDescriptor
	ClassDescriptors [][]byte
}

// Device is an enumerated device.
type Device struct {
	port    Port
	address uint8

	descriptor   device.DeviceDescriptor
	config       device.ConfigurationDescriptor
	interfaces   []Interface
	associations []device.InterfaceAssociationDescriptor
	strings      map[uint8]string
	langID       uint16

	mutex              sync.RWMutex
	configurationValue uint8
}

func newDevice(port Port) *Device {
	return &Device{
		port:    port,
		strings: make(map[uint8]string),
	}
}

// Address returns the assigned bus address.
func (d *Device) Address() uint8 { return d.address }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() device.DeviceDescriptor { return d.descriptor }

// ConfigDescriptor returns the configuration descriptor header.
func (d *Device) ConfigDescriptor() device.ConfigurationDescriptor { return d.config }

// Interfaces returns the interfaces of the configuration in descriptor order.
func (d *Device) Interfaces() []Interface { return d.interfaces }

// Associations returns the interface association descriptors.
func (d *Device) Associations() []device.InterfaceAssociationDescriptor { return d.associations }

// GetInterface returns the interface with the given number, or nil.
func (d *Device) GetInterface(number uint8) *Interface {
	for i := range d.interfaces {
		if d.interfaces[i].Descriptor.InterfaceNumber == number {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *device.EndpointDescriptor {
	for i := range d.interfaces {
		eps := d.interfaces[i].Endpoints
		for j := range eps {
			if eps[j].EndpointAddress == address {
				return &eps[j]
			}
		}
	}
	return nil
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// Control performs a control transfer to the device.
func (d *Device) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) ([]byte, error) {
	return d.port.Control(ctx, setup, data)
}

// GetDescriptor performs a GET_DESCRIPTOR request for up to length bytes.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID, length uint16) ([]byte, error) {
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeStandard | device.RequestRecipientDevice,
		Request:     device.RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      length,
	}
	return d.port.Control(ctx, &setup, nil)
}

// SetConfiguration selects a configuration. Zero deconfigures the device.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeStandard | device.RequestRecipientDevice,
		Request:     device.RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.port.Control(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	d.mutex.Unlock()
	return nil
}

// Configuration returns the configuration value last set by the host.
func (d *Device) Configuration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// GetConfiguration asks the device for its active configuration.
func (d *Device) GetConfiguration(ctx context.Context) (uint8, error) {
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeStandard | device.RequestRecipientDevice,
		Request:     device.RequestGetConfiguration,
		Length:      1,
	}
	resp, err := d.port.Control(ctx, &setup, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, pkg.ErrProtocol
	}
	return resp[0], nil
}

// GetStatus performs a device GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	return d.status(ctx, device.RequestRecipientDevice, 0)
}

// GetEndpointStatus performs an endpoint GET_STATUS request. Bit 0 is the
// halt flag.
func (d *Device) GetEndpointStatus(ctx context.Context, endpoint uint8) (uint16, error) {
	return d.status(ctx, device.RequestRecipientEndpoint, uint16(endpoint))
}

func (d *Device) status(ctx context.Context, recipient uint8, index uint16) (uint16, error) {
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeStandard | recipient,
		Request:     device.RequestGetStatus,
		Index:       index,
		Length:      2,
	}
	resp, err := d.port.Control(ctx, &setup, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, pkg.ErrProtocol
	}
	return binary.LittleEndian.Uint16(resp), nil
}

// feature sends SET_FEATURE or CLEAR_FEATURE.
func (d *Device) feature(ctx context.Context, request, recipient uint8, selector, index uint16) error {
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeStandard | recipient,
		Request:     request,
		Value:       selector,
		Index:       index,
	}
	_, err := d.port.Control(ctx, &setup, nil)
	return err
}

// SetFeature performs a device SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, selector uint16) error {
	return d.feature(ctx, device.RequestSetFeature, device.RequestRecipientDevice, selector, 0)
}

// ClearFeature performs a device CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, selector uint16) error {
	return d.feature(ctx, device.RequestClearFeature, device.RequestRecipientDevice, selector, 0)
}

// HaltEndpoint sets the halt feature of an endpoint.
func (d *Device) HaltEndpoint(ctx context.Context, endpoint uint8) error {
	return d.feature(ctx, device.RequestSetFeature, device.RequestRecipientEndpoint,
		device.FeatureEndpointHalt, uint16(endpoint))
}

// ClearEndpointHalt clears the halt condition on an endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	return d.feature(ctx, device.RequestClearFeature, device.RequestRecipientEndpoint,
		device.FeatureEndpointHalt, uint16(endpoint))
}

// parseConfigurationTree parses a full configuration descriptor set.
// Class-specific descriptors attach to the interface they follow.
func (d *Device) parseConfigurationTree(data []byte) error {
	if err := device.ParseConfigurationDescriptor(data, &d.config); err != nil {
		return err
	}
	if int(d.config.TotalLength) < len(data) {
		data = data[:d.config.TotalLength]
	}

	d.interfaces = make([]Interface, 0, d.config.NumInterfaces)
	d.associations = nil

	current := -1
	return device.WalkDescriptors(data[device.ConfigurationDescriptorSize:], func(descType uint8, raw []byte) error {
		switch descType {
		case device.DescriptorTypeInterface:
			var iface Interface
			if err := device.ParseInterfaceDescriptor(raw, &iface.Descriptor); err != nil {
				return err
			}
			d.interfaces = append(d.interfaces, iface)
			current = len(d.interfaces) - 1

		case device.DescriptorTypeEndpoint:
			var ep device.EndpointDescriptor
			if err := device.ParseEndpointDescriptor(raw, &ep); err != nil {
				return err
			}
			if current >= 0 {
				d.interfaces[current].Endpoints = append(d.interfaces[current].Endpoints, ep)
			}

		case device.DescriptorTypeInterfaceAssociation:
			if len(raw) >= device.IADSize {
				d.associations = append(d.associations, device.InterfaceAssociationDescriptor{
					FirstInterface:   raw[2],
					InterfaceCount:   raw[3],
					FunctionClass:    raw[4],
					FunctionSubClass: raw[5],
					FunctionProtocol: raw[6],
					FunctionIndex:    raw[7],
				})
			}

		default:
			if current >= 0 {
				d.interfaces[current].ClassDescriptors = append(
					d.interfaces[current].ClassDescriptors, append([]byte(nil), raw...))
			}
		}
		return nil
	})
}

// readStrings caches string zero's first language and every string the
// device and interface descriptors reference.
func (d *Device) readStrings(ctx context.Context) error {
	raw, err := d.GetDescriptor(ctx, device.DescriptorTypeString, 0, 0, maxStringDescriptorSize)
	if err != nil {
		return err
	}
	if len(raw) < 4 || raw[1] != device.DescriptorTypeString {
		return pkg.ErrDescriptorTooShort
	}
	d.langID = binary.LittleEndian.Uint16(raw[2:])

	indices := []uint8{
		d.descriptor.ManufacturerIndex,
		d.descriptor.ProductIndex,
		d.descriptor.SerialNumberIndex,
		d.config.ConfigurationIndex,
	}
	for i := range d.interfaces {
		indices = append(indices, d.interfaces[i].Descriptor.InterfaceIndex)
	}

	var firstErr error
	for _, index := range indices {
		if index == 0 {
			continue
		}
		if _, ok := d.strings[index]; ok {
			continue
		}
		raw, err := d.GetDescriptor(ctx, device.DescriptorTypeString, index, d.langID, maxStringDescriptorSize)
		if err == nil {
			var s string
			if s, err = device.ParseStringDescriptor(raw); err == nil {
				d.strings[index] = s
				pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "value", s)
				continue
			}
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
