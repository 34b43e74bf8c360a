package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Port is the host end of a bus with one device attached.
type Port interface {
	// BusReset drives a reset and waits for the device to acknowledge it.
	BusReset(ctx context.Context) error

	// Control performs a control transfer. For device-to-host requests the
	// IN data stage is returned.
	Control(ctx context.Context, setup *hal.SetupPacket, data []byte) ([]byte, error)

	// Out sends one packet to OUT endpoint num.
	Out(ctx context.Context, num uint8, data []byte) error

	// In receives one packet from IN endpoint num.
	In(ctx context.Context, num uint8) ([]byte, error)
}

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// MaxDevices is the number of assignable bus addresses.
const MaxDevices = 127

// Host enumerates and tracks the device on a Port.
type Host struct {
	port Port

	mutex       sync.Mutex
	nextAddress uint8
	device      *Device
}

// New creates a host for port.
func New(port Port) *Host {
	return &Host{
		port:        port,
		nextAddress: 1,
	}
}

// Device returns the last enumerated device, or nil.
func (h *Host) Device() *Device {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.device
}

// allocateAddress hands out addresses round-robin in 1..MaxDevices,
// skipping the one in use.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		address := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if h.device == nil || h.device.address != address {
			return address
		}
	}
	return 0
}

// Enumerate resets the bus and configures the attached device.
func (h *Host) Enumerate(ctx context.Context) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration")

	if err := h.port.BusReset(ctx); err != nil {
		return nil, fmt.Errorf("bus reset: %w", err)
	}

	dev := newDevice(h.port)

	// The first 8 bytes carry bMaxPacketSize0.
	head, err := dev.GetDescriptor(ctx, device.DescriptorTypeDevice, 0, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if len(head) < 8 {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, len(head))
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", head[7])

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	setup := hal.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeStandard | device.RequestRecipientDevice,
		Request:     device.RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := h.port.Control(ctx, &setup, nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	dev.address = address
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	raw, err := dev.GetDescriptor(ctx, device.DescriptorTypeDevice, 0, 0, device.DeviceDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := device.ParseDeviceDescriptor(raw, &dev.descriptor); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Header first for wTotalLength, then the whole set.
	raw, err = dev.GetDescriptor(ctx, device.DescriptorTypeConfiguration, 0, 0, device.ConfigurationDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	var header device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	if int(header.TotalLength) > hal.MaxControlDataSize {
		return nil, fmt.Errorf("%w: configuration of %d bytes", pkg.ErrBufferTooSmall, header.TotalLength)
	}
	raw, err = dev.GetDescriptor(ctx, device.DescriptorTypeConfiguration, 0, 0, header.TotalLength)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if err := dev.parseConfigurationTree(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue)

	if err := dev.readStrings(ctx); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return nil, fmt.Errorf("set configuration: %w", err)
		}
	}

	h.mutex.Lock()
	h.device = dev
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", dev.address,
		"product", dev.Product(),
		"interfaces", len(dev.interfaces))
	return dev, nil
}
