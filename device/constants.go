package device

import (
	"fmt"

	"github.com/ardnew/usbfs-cdc/device/hal"
)

// Fixed table sizes. Descriptors and the interface registry live in arrays
// sized by these limits so that enumeration never allocates.
const (
	// MaxEndpointsPerInterface matches the number of data endpoints the
	// USB-FS block provides.
	MaxEndpointsPerInterface = hal.MaxDataEndpoints

	// MaxInterfacesPerConfiguration covers two CDC functions with two
	// interfaces each, plus headroom.
	MaxInterfacesPerConfiguration = 8

	// MaxAssociationsPerConfiguration bounds the interface association
	// descriptors in one configuration.
	MaxAssociationsPerConfiguration = 4

	// MaxClassDescriptorSize bounds the class-specific descriptor bytes that
	// follow a single interface descriptor.
	MaxClassDescriptorSize = 32

	// MaxConfigurations is the maximum number of configurations per device.
	MaxConfigurations = 2

	// MaxStrings is the maximum number of string descriptors per device.
	MaxStrings = 8

	// MaxConfigurationSize bounds the full configuration descriptor set
	// returned by GET_DESCRIPTOR(CONFIGURATION).
	MaxConfigurationSize = hal.MaxControlDataSize
)

// Bus speeds.
const (
	SpeedLow  Speed = 0 // 1.5 Mbps
	SpeedFull Speed = 1 // 12 Mbps
	SpeedHigh Speed = 2 // 480 Mbps
)

// Speed is the bus speed negotiated by the device.
type Speed uint8

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the largest EP0 packet allowed at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

// speedFromHAL converts the block's speed report.
func speedFromHAL(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// Device states (USB 2.0 section 9.1).
const (
	StateAttached   State = 0 // attached, not powered
	StatePowered    State = 1 // powered, awaiting reset
	StateDefault    State = 2 // reset, answering on address 0
	StateAddress    State = 3 // unique address assigned
	StateConfigured State = 4 // configuration selected, endpoints live
	StateSuspended  State = 5 // bus idle for more than 3 ms
)

// State is a USB device state.
type State uint8

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}
