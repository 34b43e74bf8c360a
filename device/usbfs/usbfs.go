package usbfs

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// EndpointState is the driver's view of a data endpoint buffer.
type EndpointState uint8

// Endpoint states.
const (
	EndpointDisabled  EndpointState = iota // Not part of the active configuration
	EndpointIdle                           // Configured, no transfer armed
	EndpointPending                        // IN packet loaded or OUT endpoint armed
	EndpointCompleted                      // IN packet taken or OUT packet received
	EndpointStalled                        // Halted
)

// String returns the state name.
func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "disabled"
	case EndpointIdle:
		return "idle"
	case EndpointPending:
		return "pending"
	case EndpointCompleted:
		return "completed"
	case EndpointStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Config holds driver configuration.
type Config struct {
	// Levels routes interrupt causes to lines. The zero value selects
	// hal.DefaultLevelSelect.
	Levels hal.LevelSelect

	// Causes is the interrupt mask. Zero enables every cause.
	Causes hal.Cause
}

// Callbacks are invoked from interrupt context by [Driver.Interrupt].
// A nil callback is skipped.
type Callbacks struct {
	BusReset func()
	Setup    func(setup *hal.SetupPacket)
	SOF      func()
	Suspend  func()
	Resume   func()
	Endpoint func(address uint8)
}

// endpoint is the driver's bookkeeping for one data endpoint, including
// the SRAM copy of the last OUT packet.
type endpoint struct {
	state     EndpointState
	in        bool
	maxPacket uint16
	count     int
	buf       [hal.MaxPacketSize]byte
}

// Driver is the USB-FS peripheral driver. It owns the block's interrupt
// registers and endpoint buffers and reports bus events to the middleware
// through [Callbacks].
type Driver struct {
	hw hal.DeviceHAL

	mutex     sync.Mutex
	initDone  bool
	levels    hal.LevelSelect
	callbacks Callbacks
	eps       [hal.MaxDataEndpoints]endpoint
}

// New creates a driver for hw.
func New(hw hal.DeviceHAL) *Driver {
	return &Driver{hw: hw}
}

// Init programs the interrupt routing and mask.
func (d *Driver) Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	levels := cfg.Levels
	if levels == (hal.LevelSelect{}) {
		levels = hal.DefaultLevelSelect
	}
	if err := levels.Validate(); err != nil {
		return err
	}
	causes := cfg.Causes
	if causes == 0 {
		causes = hal.CauseAll
	}

	d.mutex.Lock()
	if d.initDone {
		d.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	d.levels = levels
	d.eps = [hal.MaxDataEndpoints]endpoint{}
	d.initDone = true
	d.mutex.Unlock()

	d.hw.SetLevelSelect(levels)
	d.hw.EnableCause(causes)

	pkg.LogDebug(pkg.ComponentDriver, "driver initialized",
		"high", levels.High,
		"medium", levels.Medium,
		"low", levels.Low)
	return nil
}

// DeInit masks every interrupt and disables the data endpoints.
func (d *Driver) DeInit() {
	d.hw.EnableCause(0)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.initDone = false
	d.eps = [hal.MaxDataEndpoints]endpoint{}
}

// SetCallbacks installs the middleware callbacks.
func (d *Driver) SetCallbacks(cb Callbacks) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.callbacks = cb
}

// Enable attaches the device to the bus.
func (d *Driver) Enable() error {
	d.mutex.Lock()
	initDone := d.initDone
	d.mutex.Unlock()
	if !initDone {
		return pkg.ErrNotConfigured
	}
	return d.hw.Start()
}

// Disable detaches the device from the bus.
func (d *Driver) Disable() error {
	return d.hw.Stop()
}

// IsConnected reports whether the device is attached.
func (d *Driver) IsConnected() bool {
	return d.hw.IsConnected()
}

// Speed returns the speed reported by the block.
func (d *Driver) Speed() hal.Speed {
	return d.hw.GetSpeed()
}

// InterruptCause returns the pending causes routed to level.
func (d *Driver) InterruptCause(level hal.Level) hal.Cause {
	d.mutex.Lock()
	mask := d.levels.Mask(level)
	d.mutex.Unlock()
	return d.hw.Cause() & mask
}

// InterruptCauseHigh returns the pending causes routed to the high line.
func (d *Driver) InterruptCauseHigh() hal.Cause { return d.InterruptCause(hal.LevelHigh) }

// InterruptCauseMedium returns the pending causes routed to the medium line.
func (d *Driver) InterruptCauseMedium() hal.Cause { return d.InterruptCause(hal.LevelMedium) }

// InterruptCauseLow returns the pending causes routed to the low line.
func (d *Driver) InterruptCauseLow() hal.Cause { return d.InterruptCause(hal.LevelLow) }

// Interrupt services the given causes. Each cause is cleared before its
// callback runs, so an event that recurs during the callback is latched
// again rather than lost.
func (d *Driver) Interrupt(cause hal.Cause) {
	if cause == 0 {
		return
	}

	d.mutex.Lock()
	cb := d.callbacks
	d.mutex.Unlock()

	if cause&hal.CauseBusReset != 0 {
		d.hw.ClearCause(hal.CauseBusReset)
		d.busReset()
		pkg.LogDebug(pkg.ComponentDriver, "bus reset")
		if cb.BusReset != nil {
			cb.BusReset()
		}
	}

	if cause&hal.CauseEP0 != 0 {
		d.hw.ClearCause(hal.CauseEP0)
		var setup hal.SetupPacket
		if err := d.hw.ReadSetup(&setup); err != nil {
			pkg.LogDebug(pkg.ComponentDriver, "spurious EP0 interrupt", "error", err)
		} else if cb.Setup != nil {
			cb.Setup(&setup)
		}
	}

	if cause&hal.CauseSOF != 0 {
		d.hw.ClearCause(hal.CauseSOF)
		if cb.SOF != nil {
			cb.SOF()
		}
	}

	// Suspend first so that a resume latched in the same pass wins.
	if cause&hal.CauseSuspend != 0 {
		d.hw.ClearCause(hal.CauseSuspend)
		pkg.LogDebug(pkg.ComponentDriver, "suspend")
		if cb.Suspend != nil {
			cb.Suspend()
		}
	}

	if cause&hal.CauseResume != 0 {
		d.hw.ClearCause(hal.CauseResume)
		pkg.LogDebug(pkg.ComponentDriver, "resume")
		if cb.Resume != nil {
			cb.Resume()
		}
	}

	var nums [hal.MaxDataEndpoints]uint8
	for _, num := range cause.Endpoints(&nums) {
		d.hw.ClearCause(hal.CauseEndpoint(num))
		address, ok := d.complete(num)
		if ok && cb.Endpoint != nil {
			cb.Endpoint(address)
		}
	}
}

// busReset returns every endpoint to the disabled state.
func (d *Driver) busReset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for i := range d.eps {
		d.eps[i].state = EndpointDisabled
		d.eps[i].count = 0
	}
}

// complete records an endpoint completion. OUT packets are copied out of
// the hardware buffer so the byte count can be queried before the read.
func (d *Driver) complete(num uint8) (uint8, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep := &d.eps[num-1]
	if ep.state != EndpointPending {
		pkg.LogDebug(pkg.ComponentDriver, "unexpected completion",
			"endpoint", num, "state", ep.state)
		return 0, false
	}
	if ep.in {
		ep.state = EndpointCompleted
		return num | 0x80, true
	}

	n, err := d.hw.ReadEndpoint(num, ep.buf[:])
	if err != nil {
		pkg.LogWarn(pkg.ComponentDriver, "OUT read failed", "endpoint", num, "error", err)
		return 0, false
	}
	ep.count = n
	ep.state = EndpointCompleted
	return num, true
}

// ConfigureEndpoints programs the data endpoints of a configuration and
// leaves each of them idle.
func (d *Driver) ConfigureEndpoints(cfgs []hal.EndpointConfig) error {
	for i := range cfgs {
		if num := cfgs[i].Number(); num == 0 || num > hal.MaxDataEndpoints {
			return fmt.Errorf("endpoint 0x%02X: %w", cfgs[i].Address, pkg.ErrInvalidEndpoint)
		}
	}
	if err := d.hw.ConfigureEndpoints(cfgs); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.eps = [hal.MaxDataEndpoints]endpoint{}
	for i := range cfgs {
		ep := &d.eps[cfgs[i].Number()-1]
		ep.state = EndpointIdle
		ep.in = cfgs[i].IsIn()
		ep.maxPacket = cfgs[i].MaxPacketSize
	}
	pkg.LogDebug(pkg.ComponentDriver, "endpoints configured", "count", len(cfgs))
	return nil
}

// lookup validates an endpoint address. Caller must hold d.mutex.
func (d *Driver) lookup(address uint8, in bool) (*endpoint, error) {
	num := address & 0x0F
	if num == 0 || num > hal.MaxDataEndpoints {
		return nil, fmt.Errorf("endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	ep := &d.eps[num-1]
	if ep.state == EndpointDisabled {
		return nil, pkg.ErrNotConfigured
	}
	if ep.in != in {
		return nil, fmt.Errorf("endpoint 0x%02X direction: %w", address, pkg.ErrInvalidEndpoint)
	}
	return ep, nil
}

// EndpointState returns the state of a data endpoint.
func (d *Driver) EndpointState(address uint8) EndpointState {
	num := address & 0x0F
	if num == 0 || num > hal.MaxDataEndpoints {
		return EndpointDisabled
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.eps[num-1].state
}

// EndpointMaxPacket returns the configured packet size of a data endpoint.
func (d *Driver) EndpointMaxPacket(address uint8) uint16 {
	num := address & 0x0F
	if num == 0 || num > hal.MaxDataEndpoints {
		return 0
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.eps[num-1].maxPacket
}

// LoadInEndpoint loads one packet for the host to read. An empty data
// slice loads a zero-length packet. Returns pkg.ErrBusy while the
// previous packet has not been taken.
func (d *Driver) LoadInEndpoint(address uint8, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, true)
	if err != nil {
		return err
	}
	switch ep.state {
	case EndpointPending:
		return pkg.ErrBusy
	case EndpointStalled:
		return pkg.ErrStall
	}
	if len(data) > int(ep.maxPacket) {
		return pkg.ErrInvalidParameter
	}
	if err := d.hw.WriteEndpoint(address|0x80, data); err != nil {
		return err
	}
	ep.state = EndpointPending
	return nil
}

// EnableOutEndpoint arms an OUT endpoint to receive one packet.
func (d *Driver) EnableOutEndpoint(address uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, false)
	if err != nil {
		return err
	}
	return d.armLocked(address, ep)
}

// armLocked arms ep. Caller must hold d.mutex.
func (d *Driver) armLocked(address uint8, ep *endpoint) error {
	if ep.state == EndpointStalled {
		return pkg.ErrStall
	}
	ep.count = 0
	ep.state = EndpointPending
	if err := d.hw.Arm(address & 0x0F); err != nil {
		ep.state = EndpointIdle
		return err
	}
	return nil
}

// GetEndpointCount returns the size of the received OUT packet, or 0 if
// none is waiting.
func (d *Driver) GetEndpointCount(address uint8) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, false)
	if err != nil || ep.state != EndpointCompleted {
		return 0
	}
	return ep.count
}

// ReadOutEndpoint copies the received OUT packet into buf and re-arms the
// endpoint. Returns pkg.ErrNAK if no packet is waiting.
func (d *Driver) ReadOutEndpoint(address uint8, buf []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, false)
	if err != nil {
		return 0, err
	}
	if ep.state != EndpointCompleted {
		return 0, pkg.ErrNAK
	}
	if len(buf) < ep.count {
		return 0, pkg.ErrBufferTooSmall
	}
	n := copy(buf, ep.buf[:ep.count])
	if err := d.armLocked(address, ep); err != nil {
		return n, err
	}
	return n, nil
}

// StallEndpoint halts a data endpoint.
func (d *Driver) StallEndpoint(address uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, address&0x80 != 0)
	if err != nil {
		return err
	}
	if err := d.hw.Stall(address); err != nil {
		return err
	}
	ep.state = EndpointStalled
	return nil
}

// ClearStall clears a halt and returns the endpoint to idle. An IN packet
// that was loaded before the halt is dropped by the hardware, so an IN
// endpoint goes idle from the pending state too.
func (d *Driver) ClearStall(address uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	ep, err := d.lookup(address, address&0x80 != 0)
	if err != nil {
		return err
	}
	if err := d.hw.ClearStall(address); err != nil {
		return err
	}
	if ep.state == EndpointStalled || (ep.in && ep.state == EndpointPending) {
		ep.state = EndpointIdle
	}
	return nil
}

// Control endpoint

// ControlRead copies the OUT data stage of the current control transfer.
func (d *Driver) ControlRead(buf []byte) (int, error) {
	return d.hw.ReadEP0(buf)
}

// ControlWrite sends the IN data stage of the current control transfer.
func (d *Driver) ControlWrite(data []byte) error {
	return d.hw.WriteEP0(data)
}

// ControlStall stalls the current control transfer.
func (d *Driver) ControlStall() error {
	return d.hw.StallEP0()
}

// ControlAck completes the status stage of the current control transfer.
func (d *Driver) ControlAck() error {
	return d.hw.AckEP0()
}

// SetAddress programs the device address.
func (d *Driver) SetAddress(address uint8) error {
	return d.hw.SetAddress(address)
}
