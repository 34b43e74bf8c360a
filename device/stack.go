package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/usbfs"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// MaxControlDataSize is the largest control OUT data stage the stack
// accepts.
const MaxControlDataSize = hal.MaxControlDataSize

// Stack binds the device model to the peripheral driver. It has no thread
// of its own: everything it does on the bus happens in the driver callbacks,
// which run in interrupt context.
type Stack struct {
	device  *Device
	drv     *usbfs.Driver
	handler *StandardRequestHandler

	mutex     sync.Mutex
	initDone  bool
	connected bool
	changed   chan struct{}

	onEndpoint func(address uint8)

	frames atomic.Uint32

	// Touched only from the setup callback, which never nests.
	ep0Buf [MaxControlDataSize]byte
}

// NewStack creates a stack for dev on drv.
func NewStack(dev *Device, drv *usbfs.Driver) *Stack {
	return &Stack{
		device:  dev,
		drv:     drv,
		handler: NewStandardRequestHandler(dev),
		changed: make(chan struct{}),
	}
}

// Init initializes the driver with cfg and installs the stack's callbacks.
func (s *Stack) Init(cfg *usbfs.Config) error {
	s.mutex.Lock()
	if s.initDone {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.mutex.Unlock()

	if err := s.drv.Init(cfg); err != nil {
		return fmt.Errorf("driver init: %w", err)
	}
	s.drv.SetCallbacks(usbfs.Callbacks{
		BusReset: s.busReset,
		Setup:    s.setup,
		SOF:      s.startOfFrame,
		Suspend:  s.device.Suspend,
		Resume:   s.device.Resume,
		Endpoint: s.endpoint,
	})
	s.device.SetOnStateChange(s.stateChanged)
	s.device.SetOnConfigure(s.configure)
	s.device.SetOnEndpointHalt(s.halt)

	s.mutex.Lock()
	s.initDone = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack initialized",
		"vendor", fmt.Sprintf("0x%04X", s.device.Descriptor.VendorID),
		"product", fmt.Sprintf("0x%04X", s.device.Descriptor.ProductID))
	return nil
}

// Device returns the device model.
func (s *Stack) Device() *Device {
	return s.device
}

// Driver returns the peripheral driver.
func (s *Stack) Driver() *usbfs.Driver {
	return s.drv
}

// SetOnEndpoint sets a callback for data endpoint completions. It runs in
// interrupt context.
func (s *Stack) SetOnEndpoint(cb func(address uint8)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onEndpoint = cb
}

// Connect attaches the device to the bus. With wait set it then blocks
// until the host selects a configuration or ctx ends.
func (s *Stack) Connect(ctx context.Context, wait bool) error {
	s.mutex.Lock()
	initDone, connected := s.initDone, s.connected
	s.mutex.Unlock()

	if !initDone {
		return pkg.ErrNotConfigured
	}
	if !connected {
		// Powered must precede the pull-up: the host may reset the bus as
		// soon as it sees the device.
		s.device.PowerOn()
		if err := s.drv.Enable(); err != nil {
			s.device.Detach()
			return fmt.Errorf("enable: %w", err)
		}
		s.mutex.Lock()
		s.connected = true
		s.mutex.Unlock()
		pkg.LogInfo(pkg.ComponentStack, "device connected")
	}
	if !wait {
		return nil
	}
	return s.WaitConfigured(ctx)
}

// WaitConfigured blocks until the device is Configured or ctx ends.
func (s *Stack) WaitConfigured(ctx context.Context) error {
	for {
		s.mutex.Lock()
		changed := s.changed
		s.mutex.Unlock()

		if s.device.IsConfigured() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Disconnect detaches the device from the bus.
func (s *Stack) Disconnect() error {
	s.mutex.Lock()
	connected := s.connected
	s.connected = false
	s.mutex.Unlock()

	if !connected {
		return nil
	}
	err := s.drv.Disable()
	s.device.Detach()
	pkg.LogInfo(pkg.ComponentStack, "device disconnected")
	return err
}

// IsConfigured reports whether the host has selected a configuration.
func (s *Stack) IsConfigured() bool {
	return s.device.IsConfigured()
}

// FrameCount returns the number of start-of-frame interrupts seen.
func (s *Stack) FrameCount() uint32 {
	return s.frames.Load()
}

func (s *Stack) stateChanged(_, _ State) {
	s.mutex.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mutex.Unlock()
}

func (s *Stack) busReset() {
	s.device.SetSpeed(speedFromHAL(s.drv.Speed()))
	s.device.Reset()
}

func (s *Stack) startOfFrame() {
	s.frames.Add(1)
}

func (s *Stack) endpoint(address uint8) {
	s.mutex.Lock()
	cb := s.onEndpoint
	s.mutex.Unlock()
	if cb != nil {
		cb(address)
	}
}

// setup runs one control transfer to completion: read the OUT data stage,
// dispatch, then send the IN data stage or the status handshake.
func (s *Stack) setup(hs *hal.SetupPacket) {
	setup := SetupPacket(*hs)
	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", setup.String())

	var data []byte
	if setup.IsHostToDevice() && setup.Length > 0 {
		n, err := s.drv.ControlRead(s.ep0Buf[:])
		if err != nil {
			s.stall(&setup, err)
			return
		}
		data = s.ep0Buf[:n]
	}

	resp, err := s.dispatch(&setup, data)
	if err != nil {
		s.stall(&setup, err)
		return
	}

	if setup.IsDeviceToHost() {
		if len(resp) > int(setup.Length) {
			resp = resp[:setup.Length]
		}
		err = s.drv.ControlWrite(resp)
	} else {
		err = s.drv.ControlAck()
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentStack, "control transfer not completed",
			"request", setup.String(),
			"error", err)
		return
	}

	// The new address takes effect after the status stage.
	if setup.IsStandard() && setup.IsDeviceRecipient() && setup.Request == RequestSetAddress {
		if err := s.drv.SetAddress(uint8(setup.Value & 0x7F)); err != nil {
			pkg.LogWarn(pkg.ComponentStack, "set address failed", "error", err)
		}
	}
}

func (s *Stack) dispatch(setup *SetupPacket, data []byte) ([]byte, error) {
	if setup.IsStandard() {
		return s.handler.HandleSetup(setup, data)
	}
	if setup.IsInterfaceRecipient() {
		iface := s.device.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			return nil, fmt.Errorf("%w: interface %d not active", pkg.ErrInvalidRequest, setup.InterfaceNumber())
		}
		return iface.HandleSetup(setup, data)
	}
	return nil, fmt.Errorf("%w: %s", pkg.ErrNotSupported, setup)
}

func (s *Stack) stall(setup *SetupPacket, cause error) {
	level := pkg.LogWarn
	if errors.Is(cause, pkg.ErrInvalidRequest) || errors.Is(cause, pkg.ErrNotSupported) {
		level = pkg.LogDebug
	}
	level(pkg.ComponentStack, "stalling control request",
		"request", setup.String(),
		"error", cause)
	if err := s.drv.ControlStall(); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "EP0 stall failed", "error", err)
	}
}

// configure programs the hardware for config, arms every OUT endpoint and
// resets the class drivers to alternate setting zero.
func (s *Stack) configure(config *Configuration) error {
	if config == nil {
		return s.drv.ConfigureEndpoints(nil)
	}

	var buf [hal.MaxDataEndpoints]hal.EndpointConfig
	cfgs := config.EndpointConfigs(buf[:0])
	if err := s.drv.ConfigureEndpoints(cfgs); err != nil {
		return err
	}
	for i := range cfgs {
		if cfgs[i].IsIn() {
			continue
		}
		if err := s.drv.EnableOutEndpoint(cfgs[i].Address); err != nil {
			return err
		}
	}
	for _, iface := range config.Interfaces() {
		if err := iface.SetAlternate(0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) halt(address uint8, halted bool) error {
	if halted {
		return s.drv.StallEndpoint(address)
	}
	if err := s.drv.ClearStall(address); err != nil {
		return err
	}
	// A cleared OUT endpoint goes back to receiving.
	if address&EndpointDirectionIn == 0 && s.drv.EndpointState(address) == usbfs.EndpointIdle {
		return s.drv.EnableOutEndpoint(address)
	}
	return nil
}
