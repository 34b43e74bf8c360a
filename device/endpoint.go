package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Endpoint transfer types (USB 2.0 Table 9-13).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Endpoint is a data endpoint declared by an interface. The halt flag
// mirrors the hardware stall so GET_STATUS can report it.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	stalled bool
	mutex   sync.Mutex
}

// NewEndpoint creates an endpoint from a descriptor.
func NewEndpoint(desc *EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

// Number returns the endpoint number.
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (e *Endpoint) Direction() uint8 {
	return e.Address & 0x80
}

func (e *Endpoint) IsIn() bool  { return e.Direction() == EndpointDirectionIn }
func (e *Endpoint) IsOut() bool { return e.Direction() == EndpointDirectionOut }

// TransferType returns the transfer type bits.
func (e *Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}

func (e *Endpoint) IsBulk() bool      { return e.TransferType() == EndpointTypeBulk }
func (e *Endpoint) IsInterrupt() bool { return e.TransferType() == EndpointTypeInterrupt }

// SetStall records the halt feature.
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	e.stalled = stalled
	e.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentDevice, "endpoint halt",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"halted", stalled)
}

// IsStalled reports whether the halt feature is set.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() EndpointDescriptor {
	return EndpointDescriptor{
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// Config returns the hardware configuration for this endpoint.
func (e *Endpoint) Config() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       e.Address,
		Attributes:    e.Attributes,
		MaxPacketSize: e.MaxPacketSize,
		Interval:      e.Interval,
	}
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeIsochronous:
		return "Isochronous"
	case EndpointTypeBulk:
		return "Bulk"
	default:
		return "Interrupt"
	}
}
