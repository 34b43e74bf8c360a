package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// MaxDataEndpoints is the number of data endpoints (EP1-EP8) in a USB-FS block.
const MaxDataEndpoints = 8

// MaxPacketSize is the largest full-speed bulk/interrupt packet.
const MaxPacketSize = 64

// MaxControlDataSize is the largest control data stage the block latches.
const MaxControlDataSize = 512

// EndpointConfig describes an endpoint configuration for the HAL.
// This is a minimal, platform-agnostic representation used to configure
// hardware endpoints when a configuration is activated.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsDeviceToHost reports whether the data stage (if any) flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&0x80 != 0
}

// DeviceHAL is the register-level contract of a USB full-speed device block.
//
// The block latches bus events into an interrupt cause register and routes
// each cause to one of three interrupt lines (see [Level]). A peripheral
// driver reads and clears causes from interrupt context and moves packets
// through the EP0 and data endpoint buffers. None of the buffer operations
// block: an endpoint that is not ready reports [pkg.ErrNAK] or [pkg.ErrBusy].
type DeviceHAL interface {
	// Init powers up the block. The context bounds any transport setup.
	Init(ctx context.Context) error

	// Start enables the D+ pull-up, making the device visible to the host.
	Start() error

	// Stop removes the pull-up and releases the block.
	Stop() error

	// SetAddress programs the device address assigned by the host.
	SetAddress(address uint8) error

	// ConfigureEndpoints programs the data endpoints of the active
	// configuration. An empty slice disables all data endpoints.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// Interrupt registers

	// Cause returns the pending, enabled interrupt causes.
	Cause() Cause

	// ClearCause acknowledges the given causes.
	ClearCause(c Cause)

	// EnableCause sets the mask of causes that may assert an interrupt line.
	EnableCause(c Cause)

	// SetLevelSelect routes causes to interrupt lines.
	SetLevelSelect(sel LevelSelect)

	// SetLineHandler installs the function called when a line asserts.
	SetLineHandler(fn func(Level))

	// Control endpoint (EP0)

	// ReadSetup copies the latched SETUP packet into out.
	ReadSetup(out *SetupPacket) error

	// ReadEP0 copies the OUT data stage latched with the last SETUP.
	ReadEP0(buf []byte) (int, error)

	// WriteEP0 sends the IN data stage of the current control transfer.
	WriteEP0(data []byte) error

	// StallEP0 stalls the current control transfer.
	StallEP0() error

	// AckEP0 completes the status stage of the current control transfer.
	AckEP0() error

	// Data endpoints

	// Arm allows an OUT endpoint to accept one packet from the host.
	Arm(address uint8) error

	// ReadEndpoint copies the packet received on an OUT endpoint.
	ReadEndpoint(address uint8, buf []byte) (int, error)

	// WriteEndpoint loads one packet into an IN endpoint. A nil or empty
	// slice loads a zero-length packet.
	WriteEndpoint(address uint8, data []byte) error

	// Stall stalls the specified endpoint.
	Stall(address uint8) error

	// ClearStall clears a stall condition on the specified endpoint. A
	// packet still loaded in an IN endpoint is discarded.
	ClearStall(address uint8) error

	// Connection state

	// IsConnected returns true while the pull-up is enabled.
	IsConnected() bool

	// GetSpeed returns the bus speed.
	GetSpeed() Speed
}
