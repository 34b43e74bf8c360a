package cdc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/usbfs"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// MaxPorts is the number of COM ports one Class can serve.
const MaxPorts = 2

// Endpoint sizing of the functions added by ConfigureDevice.
const (
	DataPacketSize   = hal.MaxPacketSize
	NotifyPacketSize = 16
	NotifyInterval   = 8 // frames
)

// PortConfig describes the interfaces and endpoints of one COM port.
type PortConfig struct {
	CommInterface  uint8
	DataInterface  uint8
	NotifyEndpoint uint8 // interrupt IN
	InEndpoint     uint8 // bulk IN
	OutEndpoint    uint8 // bulk OUT
}

// Config selects the configuration and ports served by a Class.
type Config struct {
	// Configuration is the bConfigurationValue holding the ports. Zero
	// selects 1.
	Configuration uint8

	Ports []PortConfig
}

// DefaultConfig returns a single port using endpoints 0x81 (notify),
// 0x82 (IN) and 0x03 (OUT).
func DefaultConfig() Config {
	return Config{
		Configuration: 1,
		Ports: []PortConfig{{
			CommInterface:  0,
			DataInterface:  1,
			NotifyEndpoint: 0x81,
			InEndpoint:     0x82,
			OutEndpoint:    0x03,
		}},
	}
}

// ConfigureDevice adds one CDC-ACM function per port to the builder's
// current configuration: an IAD, the communications interface with its
// functional descriptors and notification endpoint, and the data interface
// with its bulk endpoints. The interface numbers it assigns are recorded in
// cfg.
func ConfigureDevice(b *device.DeviceBuilder, cfg *Config) *device.DeviceBuilder {
	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		p.CommInterface = b.NextInterfaceNumber()
		p.DataInterface = p.CommInterface + 1

		var fd [FunctionalDescriptorsSize]byte
		n := FunctionalDescriptorsTo(fd[:], p.CommInterface, p.DataInterface)

		b.AddAssociation(p.CommInterface, 2, device.ClassCDC, SubclassACM, ProtocolAT).
			AddInterface(device.ClassCDC, SubclassACM, ProtocolAT).
			AddClassDescriptor(fd[:n]).
			AddEndpoint(p.NotifyEndpoint|device.EndpointDirectionIn,
				device.EndpointTypeInterrupt, NotifyPacketSize, NotifyInterval).
			AddInterface(device.ClassCDCData, 0, ProtocolNone).
			AddEndpoint(p.InEndpoint|device.EndpointDirectionIn,
				device.EndpointTypeBulk, DataPacketSize, 0).
			AddEndpoint(p.OutEndpoint&^device.EndpointDirectionIn,
				device.EndpointTypeBulk, DataPacketSize, 0)
	}
	return b
}

// Class is the CDC-ACM class. Its data API polls the driver's endpoint
// state and never blocks, except for PutString.
type Class struct {
	mutex    sync.RWMutex
	drv      *usbfs.Driver
	ports    [MaxPorts]*acm
	numPorts int

	onLineCoding  func(port int, lc LineCoding)
	onControlLine func(port int, dtr, rts bool)
	onBreak       func(port int, millis uint16)
}

// New creates an uninitialized class.
func New() *Class {
	return &Class{}
}

// Init binds a class driver to the interfaces of every port in cfg.
func (c *Class) Init(cfg *Config, stack *device.Stack) error {
	if cfg == nil || stack == nil {
		return fmt.Errorf("%w: nil config or stack", pkg.ErrInvalidParameter)
	}
	if len(cfg.Ports) == 0 || len(cfg.Ports) > MaxPorts {
		return fmt.Errorf("%w: %d ports, want 1..%d", pkg.ErrInvalidParameter, len(cfg.Ports), MaxPorts)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.drv != nil {
		return pkg.ErrAlreadyRunning
	}

	value := cfg.Configuration
	if value == 0 {
		value = 1
	}
	config := stack.Device().GetConfiguration(value)
	if config == nil {
		return fmt.Errorf("%w: no configuration %d", pkg.ErrInvalidParameter, value)
	}

	var ports [MaxPorts]*acm
	for i, pc := range cfg.Ports {
		comm := config.GetInterface(pc.CommInterface)
		data := config.GetInterface(pc.DataInterface)
		if comm == nil || data == nil {
			return fmt.Errorf("%w: port %d interfaces %d/%d not found",
				pkg.ErrInvalidParameter, i, pc.CommInterface, pc.DataInterface)
		}
		if comm.GetEndpoint(pc.NotifyEndpoint|device.EndpointDirectionIn) == nil {
			return fmt.Errorf("%w: port %d notify endpoint 0x%02X", pkg.ErrInvalidEndpoint, i, pc.NotifyEndpoint)
		}
		in := data.GetEndpoint(pc.InEndpoint | device.EndpointDirectionIn)
		out := data.GetEndpoint(pc.OutEndpoint &^ device.EndpointDirectionIn)
		if in == nil || out == nil {
			return fmt.Errorf("%w: port %d data endpoints 0x%02X/0x%02X",
				pkg.ErrInvalidEndpoint, i, pc.InEndpoint, pc.OutEndpoint)
		}
		if out.MaxPacketSize > DataPacketSize {
			return fmt.Errorf("%w: port %d packet size %d", pkg.ErrInvalidParameter, i, out.MaxPacketSize)
		}
		pc.NotifyEndpoint |= device.EndpointDirectionIn
		pc.InEndpoint |= device.EndpointDirectionIn
		pc.OutEndpoint &^= device.EndpointDirectionIn
		ports[i] = newACM(c, i, pc, in.MaxPacketSize)
	}

	for i, p := range ports[:len(cfg.Ports)] {
		comm := config.GetInterface(p.cfg.CommInterface)
		data := config.GetInterface(p.cfg.DataInterface)
		if err := errors.Join(comm.SetClassDriver(p), data.SetClassDriver(p)); err != nil {
			return fmt.Errorf("port %d: %w", i, err)
		}
	}

	c.drv = stack.Driver()
	c.ports = ports
	c.numPorts = len(cfg.Ports)

	pkg.LogDebug(pkg.ComponentCDC, "class initialized", "ports", c.numPorts)
	return nil
}

// SetOnLineCodingChange sets the SET_LINE_CODING callback. Callbacks run
// in interrupt context.
func (c *Class) SetOnLineCodingChange(cb func(port int, lc LineCoding)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onLineCoding = cb
}

// SetOnControlLineStateChange sets the SET_CONTROL_LINE_STATE callback.
func (c *Class) SetOnControlLineStateChange(cb func(port int, dtr, rts bool)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onControlLine = cb
}

// SetOnBreak sets the SEND_BREAK callback.
func (c *Class) SetOnBreak(cb func(port int, millis uint16)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onBreak = cb
}

func (c *Class) lineCodingHandler() func(int, LineCoding) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.onLineCoding
}

func (c *Class) controlLineHandler() func(int, bool, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.onControlLine
}

func (c *Class) breakHandler() func(int, uint16) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.onBreak
}

// NumPorts returns the number of initialized ports.
func (c *Class) NumPorts() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.numPorts
}

func (c *Class) lookup(port int) (*acm, *usbfs.Driver, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.drv == nil {
		return nil, nil, pkg.ErrNotConfigured
	}
	if port < 0 || port >= c.numPorts {
		return nil, nil, fmt.Errorf("%w: %d", pkg.ErrInvalidPort, port)
	}
	return c.ports[port], c.drv, nil
}

// IsDataReady reports whether the host has sent a packet to port.
func (c *Class) IsDataReady(port int) bool {
	p, drv, err := c.lookup(port)
	if err != nil {
		return false
	}
	return drv.EndpointState(p.cfg.OutEndpoint) == usbfs.EndpointCompleted
}

// GetCount returns the size of the packet waiting on port, or 0.
func (c *Class) GetCount(port int) int {
	p, drv, err := c.lookup(port)
	if err != nil {
		return 0
	}
	return drv.GetEndpointCount(p.cfg.OutEndpoint)
}

// GetAll reads the packet waiting on port into buf, which must hold a full
// packet, and re-arms the endpoint. It returns 0 if no packet is waiting.
func (c *Class) GetAll(port int, buf []byte) (int, error) {
	p, drv, err := c.lookup(port)
	if err != nil {
		return 0, err
	}
	if len(buf) < int(p.maxPacket) {
		return 0, fmt.Errorf("%w: %d bytes, packet is %d", pkg.ErrBufferTooSmall, len(buf), p.maxPacket)
	}
	n, err := drv.ReadOutEndpoint(p.cfg.OutEndpoint, buf)
	if errors.Is(err, pkg.ErrNAK) {
		return 0, nil
	}
	return n, err
}

// GetData reads up to len(buf) bytes of the packet waiting on port and
// re-arms the endpoint. Bytes that do not fit in buf are discarded.
func (c *Class) GetData(port int, buf []byte) (int, error) {
	p, drv, err := c.lookup(port)
	if err != nil {
		return 0, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	n, err := drv.ReadOutEndpoint(p.cfg.OutEndpoint, p.rxBuf[:])
	if errors.Is(err, pkg.ErrNAK) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n > len(buf) {
		pkg.LogDebug(pkg.ComponentCDC, "packet truncated",
			"port", port,
			"received", n,
			"kept", len(buf))
	}
	return copy(buf, p.rxBuf[:n]), nil
}

// GetChar reads the first byte of the packet waiting on port. It returns
// pkg.ErrNAK if no packet is waiting.
func (c *Class) GetChar(port int) (byte, error) {
	var b [1]byte
	n, err := c.GetData(port, b[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, pkg.ErrNAK
	}
	return b[0], nil
}

// IsReady reports whether port can accept a packet for the host.
func (c *Class) IsReady(port int) bool {
	p, drv, err := c.lookup(port)
	if err != nil {
		return false
	}
	switch drv.EndpointState(p.cfg.InEndpoint) {
	case usbfs.EndpointIdle, usbfs.EndpointCompleted:
		return true
	}
	return false
}

// PutData loads one packet for the host. An empty data loads a zero-length
// packet. It returns pkg.ErrBusy if the previous packet has not been taken.
func (c *Class) PutData(port int, data []byte) error {
	p, drv, err := c.lookup(port)
	if err != nil {
		return err
	}
	if len(data) > int(p.maxPacket) {
		return fmt.Errorf("%w: %d bytes exceeds packet size %d", pkg.ErrInvalidParameter, len(data), p.maxPacket)
	}
	return drv.LoadInEndpoint(p.cfg.InEndpoint, data)
}

// PutChar sends one byte.
func (c *Class) PutChar(port int, b byte) error {
	return c.PutData(port, []byte{b})
}

// PutString sends s as a sequence of packets, waiting for the endpoint
// between them. A string whose last packet is full is terminated with a
// zero-length packet.
func (c *Class) PutString(ctx context.Context, port int, s string) error {
	p, _, err := c.lookup(port)
	if err != nil {
		return err
	}
	size := int(p.maxPacket)
	data := []byte(s)
	for {
		n := min(len(data), size)
		if err := c.WaitReady(ctx, port); err != nil {
			return err
		}
		if err := c.PutData(port, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 && n < size {
			return nil
		}
	}
}

// WaitReady spins until port can accept a packet or ctx ends.
func (c *Class) WaitReady(ctx context.Context, port int) error {
	for !c.IsReady(port) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := c.lookup(port); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// LineCoding returns the line coding last set by the host.
func (c *Class) LineCoding(port int) LineCoding {
	p, _, err := c.lookup(port)
	if err != nil {
		return DefaultLineCoding
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.lineCoding
}

// DTR reports the Data Terminal Ready line set by the host.
func (c *Class) DTR(port int) bool {
	return c.controlLine(port)&ControlLineDTR != 0
}

// RTS reports the Request To Send line set by the host.
func (c *Class) RTS(port int) bool {
	return c.controlLine(port)&ControlLineRTS != 0
}

func (c *Class) controlLine(port int) uint16 {
	p, _, err := c.lookup(port)
	if err != nil {
		return 0
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.controlState
}

// SendSerialState sends a SERIAL_STATE notification on port's interrupt
// endpoint. It returns pkg.ErrBusy if the previous notification has not
// been taken.
func (c *Class) SendSerialState(port int, state uint16) error {
	p, drv, err := c.lookup(port)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	msg := serialStateTo(p.notifyBuf[:], p.cfg.CommInterface, state)
	if err := drv.LoadInEndpoint(p.cfg.NotifyEndpoint, msg); err != nil {
		return err
	}
	p.serialState = state
	return nil
}

// SerialState returns the last serial state sent on port.
func (c *Class) SerialState(port int) uint16 {
	p, _, err := c.lookup(port)
	if err != nil {
		return 0
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.serialState
}
