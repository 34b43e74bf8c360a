package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/pkg"
)

// Device holds the descriptors, configurations and chapter 9 state of a
// USB device. It does not touch hardware; the [Stack] applies its
// decisions through the peripheral driver.
type Device struct {
	Descriptor *DeviceDescriptor

	configurations     [MaxConfigurations]*Configuration
	configurationCount int
	activeConfig       *Configuration

	strings [MaxStrings][]byte

	state         State
	previousState State
	address       uint8
	speed         Speed

	remoteWakeupEnabled bool

	mutex sync.RWMutex

	onStateChange  func(old, new State)
	onConfigure    func(config *Configuration) error
	onEndpointHalt func(address uint8, halted bool) error
}

// NewDevice creates a device in the Attached state.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.configurationCount >= MaxConfigurations {
		return pkg.ErrNoMemory
	}
	for _, c := range d.configurations[:d.configurationCount] {
		if c.Value == config.Value {
			return fmt.Errorf("%w: configuration %d declared twice", pkg.ErrBusy, config.Value)
		}
	}
	d.configurations[d.configurationCount] = config
	d.configurationCount++
	return nil
}

// GetConfiguration returns the configuration with the given value, or nil.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, c := range d.configurations[:d.configurationCount] {
		if c.Value == value {
			return c
		}
	}
	return nil
}

// ConfigurationAt returns the configuration at a GET_DESCRIPTOR index, or nil.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if int(index) >= d.configurationCount {
		return nil
	}
	return d.configurations[index]
}

// ActiveConfiguration returns the selected configuration, or nil.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// SetStringFrom encodes s into buf as a string descriptor and registers it
// at index. Index 0 is reserved for the language list.
func (d *Device) SetStringFrom(index uint8, buf []byte, s string) int {
	if index == 0 || index >= MaxStrings {
		return 0
	}
	n := StringDescriptorTo(buf, s)
	if n > 0 {
		d.mutex.Lock()
		d.strings[index] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// SetLanguagesFrom encodes the language list into buf and registers it as
// string descriptor zero.
func (d *Device) SetLanguagesFrom(buf []byte, langIDs ...uint16) int {
	n := LanguageDescriptorTo(buf, langIDs...)
	if n > 0 {
		d.mutex.Lock()
		d.strings[0] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// GetString returns the string descriptor at index, or nil.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(next State) {
	d.mutex.Lock()
	prev := d.state
	d.state = next
	cb := d.onStateChange
	d.mutex.Unlock()

	if prev == next {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "device state changed",
		"from", prev.String(),
		"to", next.String())
	if cb != nil {
		cb(prev, next)
	}
}

// Address returns the assigned device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the bus speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed records the bus speed.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// IsConfigured reports whether a configuration is selected.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// IsSuspended reports whether the device is suspended.
func (d *Device) IsSuspended() bool {
	return d.State() == StateSuspended
}

// PowerOn moves an attached device to Powered. The stack calls it when it
// connects to the bus.
func (d *Device) PowerOn() {
	d.setState(StatePowered)
}

// Detach returns the device to Attached and drops the configuration.
func (d *Device) Detach() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.mutex.Unlock()
	d.setState(StateAttached)
}

// Reset handles a bus reset: address zero, no configuration, Default state.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	d.mutex.Unlock()

	d.setState(StateDefault)
}

// SetAddress records the address assigned by SET_ADDRESS.
func (d *Device) SetAddress(address uint8) error {
	if address > 127 {
		return fmt.Errorf("%w: address %d", pkg.ErrInvalidParameter, address)
	}
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		state := d.state
		d.mutex.Unlock()
		return fmt.Errorf("%w: SET_ADDRESS in %s state", pkg.ErrInvalidState, state)
	}
	d.address = address
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}
	return nil
}

// SetConfiguration selects a configuration by value; 0 deconfigures.
// The configure hook runs before the state changes, so by the time the
// device reports Configured its endpoints are live.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		state := d.state
		d.mutex.Unlock()
		return fmt.Errorf("%w: SET_CONFIGURATION in %s state", pkg.ErrInvalidState, state)
	}
	var config *Configuration
	if value != 0 {
		for _, c := range d.configurations[:d.configurationCount] {
			if c.Value == value {
				config = c
				break
			}
		}
		if config == nil {
			d.mutex.Unlock()
			return fmt.Errorf("%w: no configuration %d", pkg.ErrInvalidRequest, value)
		}
	}
	cb := d.onConfigure
	d.mutex.Unlock()

	if cb != nil {
		if err := cb(config); err != nil {
			return err
		}
	}

	d.mutex.Lock()
	d.activeConfig = config
	d.mutex.Unlock()

	if config == nil {
		d.setState(StateAddress)
		return nil
	}
	d.setState(StateConfigured)
	pkg.LogDebug(pkg.ComponentDevice, "device configured",
		"configuration", value)
	return nil
}

// Suspend enters the Suspended state, remembering the state to resume to.
// A detached or already suspended device is left alone.
func (d *Device) Suspend() {
	d.mutex.Lock()
	if d.state == StateSuspended || d.state == StateAttached {
		d.mutex.Unlock()
		return
	}
	d.previousState = d.state
	d.mutex.Unlock()
	d.setState(StateSuspended)
}

// Resume leaves the Suspended state. It does nothing if the device is not
// suspended.
func (d *Device) Resume() {
	d.mutex.Lock()
	if d.state != StateSuspended {
		d.mutex.Unlock()
		return
	}
	prev := d.previousState
	d.mutex.Unlock()

	if prev == StateAttached || prev == StatePowered {
		prev = StateDefault
	}
	d.setState(prev)
}

// EnableRemoteWakeup sets the remote wakeup feature.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// IsRemoteWakeupEnabled reports whether the host enabled remote wakeup.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeupEnabled
}

// GetInterface returns an interface of the active configuration, or nil.
func (d *Device) GetInterface(number uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns a data endpoint of the active configuration, or nil.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.FindEndpoint(address)
}

// SetEndpointStall sets or clears the halt feature of a data endpoint and
// applies it through the halt hook.
func (d *Device) SetEndpointStall(address uint8, stalled bool) error {
	ep := d.GetEndpoint(address)
	if ep == nil {
		return fmt.Errorf("%w: 0x%02X", pkg.ErrInvalidEndpoint, address)
	}
	d.mutex.RLock()
	cb := d.onEndpointHalt
	d.mutex.RUnlock()
	if cb != nil {
		if err := cb(address, stalled); err != nil {
			return err
		}
	}
	ep.SetStall(stalled)
	return nil
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnConfigure sets the hook that programs the hardware for a newly
// selected configuration. It receives nil when the device is deconfigured.
func (d *Device) SetOnConfigure(cb func(config *Configuration) error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onConfigure = cb
}

// SetOnEndpointHalt sets the hook that stalls or un-stalls an endpoint in
// hardware.
func (d *Device) SetOnEndpointHalt(cb func(address uint8, halted bool) error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onEndpointHalt = cb
}

// Close closes every configuration's class drivers.
func (d *Device) Close() error {
	d.mutex.Lock()
	configs := d.configurations
	n := d.configurationCount
	d.activeConfig = nil
	d.mutex.Unlock()

	var errs []error
	for _, c := range configs[:n] {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeviceStatus is the two-byte GET_STATUS(device) response.
type DeviceStatus uint16

const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device status bits.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	config := d.activeConfig
	wakeup := d.remoteWakeupEnabled
	d.mutex.RUnlock()

	var status DeviceStatus
	if config != nil && config.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if wakeup {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}

// DeviceBuilder assembles a Device with a fluent API. Errors are collected
// and reported by Build.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	errs   []error

	stringBufs [MaxStrings][256]byte
}

// NewDeviceBuilder creates a builder for a USB 2.0 device with a 64-byte
// EP0.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{
		device: NewDevice(&DeviceDescriptor{
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		}),
	}
}

func (b *DeviceBuilder) fail(err error) *DeviceBuilder {
	b.errs = append(b.errs, err)
	return b
}

// WithVendorProduct sets the vendor and product IDs.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithDeviceVersion sets bcdDevice.
func (b *DeviceBuilder) WithDeviceVersion(bcd uint16) *DeviceBuilder {
	b.device.Descriptor.DeviceVersion = bcd
	return b
}

// WithDeviceClass sets the device class triple.
func (b *DeviceBuilder) WithDeviceClass(class, subClass, protocol uint8) *DeviceBuilder {
	b.device.Descriptor.DeviceClass = class
	b.device.Descriptor.DeviceSubClass = subClass
	b.device.Descriptor.DeviceProtocol = protocol
	return b
}

// WithStrings sets the manufacturer, product and serial number strings.
// Empty strings are omitted.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	b.device.SetLanguagesFrom(b.stringBufs[0][:], LangIDUSEnglish)
	for i, s := range [...]string{manufacturer, product, serial} {
		if s == "" {
			continue
		}
		index := uint8(i + 1)
		b.device.SetStringFrom(index, b.stringBufs[index][:], s)
		switch index {
		case 1:
			b.device.Descriptor.ManufacturerIndex = index
		case 2:
			b.device.Descriptor.ProductIndex = index
		case 3:
			b.device.Descriptor.SerialNumberIndex = index
		}
	}
	return b
}

// AddConfiguration starts a new configuration.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	b.config = NewConfiguration(value)
	b.iface = nil
	if err := b.device.AddConfiguration(b.config); err != nil {
		return b.fail(err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// WithMaxPower sets the current configuration's bMaxPower in milliamps.
func (b *DeviceBuilder) WithMaxPower(milliamps uint16) *DeviceBuilder {
	if b.config == nil {
		return b.fail(fmt.Errorf("%w: WithMaxPower before AddConfiguration", pkg.ErrInvalidState))
	}
	b.config.MaxPower = uint8(milliamps / 2)
	return b
}

// NextInterfaceNumber returns the number the next AddInterface assigns.
func (b *DeviceBuilder) NextInterfaceNumber() uint8 {
	if b.config == nil {
		return 0
	}
	return uint8(b.config.NumInterfaces())
}

// AddAssociation adds an IAD covering count interfaces starting at first.
func (b *DeviceBuilder) AddAssociation(first, count, class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		return b.fail(fmt.Errorf("%w: AddAssociation before AddConfiguration", pkg.ErrInvalidState))
	}
	err := b.config.AddAssociation(InterfaceAssociationDescriptor{
		FirstInterface:   first,
		InterfaceCount:   count,
		FunctionClass:    class,
		FunctionSubClass: subClass,
		FunctionProtocol: protocol,
	})
	if err != nil {
		return b.fail(err)
	}
	return b
}

// AddInterface adds an interface to the current configuration.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		return b.fail(fmt.Errorf("%w: AddInterface before AddConfiguration", pkg.ErrInvalidState))
	}
	b.iface = NewInterface(&InterfaceDescriptor{
		InterfaceNumber:   uint8(b.config.NumInterfaces()),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		return b.fail(err)
	}
	return b
}

// AddClassDescriptor appends class-specific descriptor bytes to the current
// interface.
func (b *DeviceBuilder) AddClassDescriptor(raw []byte) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(fmt.Errorf("%w: AddClassDescriptor before AddInterface", pkg.ErrInvalidState))
	}
	if err := b.iface.AddClassDescriptor(raw); err != nil {
		return b.fail(err)
	}
	return b
}

// AddEndpoint adds a data endpoint to the current interface.
func (b *DeviceBuilder) AddEndpoint(address, transferType uint8, maxPacketSize uint16, interval uint8) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(fmt.Errorf("%w: AddEndpoint before AddInterface", pkg.ErrInvalidState))
	}
	ep := &Endpoint{
		Address:       address,
		Attributes:    transferType,
		MaxPacketSize: maxPacketSize,
		Interval:      interval,
	}
	if err := b.iface.AddEndpoint(ep); err != nil {
		return b.fail(err)
	}
	return b
}

// Build returns the device, or the joined errors collected while building.
func (b *DeviceBuilder) Build() (*Device, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	if b.device.Descriptor.NumConfigurations == 0 {
		return nil, fmt.Errorf("%w: device has no configuration", pkg.ErrInvalidState)
	}
	return b.device, nil
}
