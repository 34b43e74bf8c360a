package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Interface is an interface within a configuration: its descriptor fields,
// the class-specific descriptors that follow it, its data endpoints and
// the class driver that answers its requests.
type Interface struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	StringIndex      uint8

	endpoints     [MaxEndpointsPerInterface]*Endpoint
	endpointCount int

	classDesc    [MaxClassDescriptorSize]byte
	classDescLen int

	classDriver ClassDriver
	mutex       sync.RWMutex
}

// ClassDriver handles the class-specific side of one or more interfaces.
type ClassDriver interface {
	// Init binds the driver to iface.
	Init(iface *Interface) error

	// HandleSetup answers a class or vendor request addressed to iface.
	// data holds the OUT data stage, if any. For IN requests the returned
	// bytes are sent to the host. A request the driver does not know must
	// return pkg.ErrNotSupported so that EP0 stalls.
	HandleSetup(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error)

	// SetAlternate is called on SET_INTERFACE and when the configuration
	// holding iface is selected.
	SetAlternate(iface *Interface, alt uint8) error

	// Close releases the driver.
	Close() error
}

// NewInterface creates an interface from a descriptor.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:           desc.InterfaceNumber,
		AlternateSetting: desc.AlternateSetting,
		Class:            desc.InterfaceClass,
		SubClass:         desc.InterfaceSubClass,
		Protocol:         desc.InterfaceProtocol,
		StringIndex:      desc.InterfaceIndex,
	}
}

// AddEndpoint adds a data endpoint to the interface.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	if n := ep.Number(); n == 0 || n > hal.MaxDataEndpoints {
		return fmt.Errorf("%w: 0x%02X", pkg.ErrInvalidEndpoint, ep.Address)
	}

	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.endpointCount >= MaxEndpointsPerInterface {
		return pkg.ErrNoMemory
	}
	for _, e := range i.endpoints[:i.endpointCount] {
		if e.Address == ep.Address {
			return fmt.Errorf("%w: endpoint 0x%02X declared twice", pkg.ErrBusy, ep.Address)
		}
	}
	i.endpoints[i.endpointCount] = ep
	i.endpointCount++

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added to interface",
		"interface", i.Number,
		"endpoint", fmt.Sprintf("0x%02X", ep.Address),
		"type", TransferTypeName(ep.TransferType()))
	return nil
}

// AddClassDescriptor appends raw class-specific descriptor bytes, such as
// CDC functional descriptors. They are emitted right after the interface
// descriptor.
func (i *Interface) AddClassDescriptor(raw []byte) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.classDescLen+len(raw) > MaxClassDescriptorSize {
		return pkg.ErrNoMemory
	}
	i.classDescLen += copy(i.classDesc[i.classDescLen:], raw)
	return nil
}

// ClassDescriptors returns the class-specific descriptor bytes.
// The returned slice references internal storage; do not modify.
func (i *Interface) ClassDescriptors() []byte {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDesc[:i.classDescLen]
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	for _, e := range i.endpoints[:i.endpointCount] {
		if e.Address == address {
			return e
		}
	}
	return nil
}

// Endpoints returns the interface's endpoints.
// The returned slice references internal storage; do not modify.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints[:i.endpointCount]
}

// NumEndpoints returns the number of data endpoints.
func (i *Interface) NumEndpoints() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpointCount
}

// SetClassDriver attaches driver to the interface, closing any previous
// driver. Init and Close run outside the interface lock.
func (i *Interface) SetClassDriver(driver ClassDriver) error {
	i.mutex.Lock()
	old := i.classDriver
	i.classDriver = driver
	i.mutex.Unlock()

	if old != nil && old != driver {
		if err := old.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "error closing previous class driver",
				"interface", i.Number,
				"error", err)
		}
	}
	if driver != nil {
		return driver.Init(i)
	}
	return nil
}

// ClassDriver returns the attached class driver, or nil.
func (i *Interface) ClassDriver() ClassDriver {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDriver
}

// HandleSetup forwards a request to the class driver.
func (i *Interface) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	driver := i.ClassDriver()
	if driver == nil {
		return nil, fmt.Errorf("%w: interface %d has no class driver", pkg.ErrNotSupported, i.Number)
	}
	return driver.HandleSetup(i, setup, data)
}

// SetAlternate selects an alternate setting and notifies the class driver.
func (i *Interface) SetAlternate(alt uint8) error {
	i.mutex.Lock()
	i.AlternateSetting = alt
	driver := i.classDriver
	i.mutex.Unlock()

	if driver != nil {
		return driver.SetAlternate(i, alt)
	}
	return nil
}

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return InterfaceDescriptor{
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(i.endpointCount),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// size returns the number of configuration bytes this interface adds.
func (i *Interface) size() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return InterfaceDescriptorSize + i.classDescLen + i.endpointCount*EndpointDescriptorSize
}

// marshalTo writes the interface descriptor, its class descriptors and its
// endpoint descriptors.
func (i *Interface) marshalTo(buf []byte) int {
	desc := i.Descriptor()
	off := desc.MarshalTo(buf)
	if off == 0 {
		return 0
	}
	class := i.ClassDescriptors()
	if len(buf[off:]) < len(class) {
		return 0
	}
	off += copy(buf[off:], class)
	for _, ep := range i.Endpoints() {
		d := ep.Descriptor()
		n := d.MarshalTo(buf[off:])
		if n == 0 {
			return 0
		}
		off += n
	}
	return off
}

// Close detaches and closes the class driver.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.classDriver
	i.classDriver = nil
	i.mutex.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}

// Configuration is one device configuration.
type Configuration struct {
	Value       uint8
	Attributes  uint8
	MaxPower    uint8 // in 2 mA units
	StringIndex uint8

	interfaces     [MaxInterfacesPerConfiguration]*Interface
	interfaceCount int

	associations     [MaxAssociationsPerConfiguration]InterfaceAssociationDescriptor
	associationCount int

	mutex sync.RWMutex
}

// NewConfiguration creates a bus-powered 100 mA configuration.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50,
	}
}

// AddInterface adds an interface to the configuration.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return pkg.ErrNoMemory
	}
	for _, existing := range c.interfaces[:c.interfaceCount] {
		if existing.Number == iface.Number {
			return fmt.Errorf("%w: interface %d declared twice", pkg.ErrBusy, iface.Number)
		}
	}
	c.interfaces[c.interfaceCount] = iface
	c.interfaceCount++
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, iface := range c.interfaces[:c.interfaceCount] {
		if iface.Number == number {
			return iface
		}
	}
	return nil
}

// Interfaces returns the configuration's interfaces.
// The returned slice references internal storage; do not modify.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces[:c.interfaceCount]
}

// NumInterfaces returns the number of interfaces.
func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaceCount
}

// AddAssociation adds an interface association descriptor.
func (c *Configuration) AddAssociation(iad InterfaceAssociationDescriptor) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.associationCount >= MaxAssociationsPerConfiguration {
		return pkg.ErrNoMemory
	}
	c.associations[c.associationCount] = iad
	c.associationCount++
	return nil
}

// Associations returns the interface associations.
// The returned slice references internal storage; do not modify.
func (c *Configuration) Associations() []InterfaceAssociationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.associations[:c.associationCount]
}

// FindEndpoint returns the endpoint with the given address in any
// interface, or nil.
func (c *Configuration) FindEndpoint(address uint8) *Endpoint {
	for _, iface := range c.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

// EndpointConfigs appends the hardware configuration of every data
// endpoint in the configuration to out.
func (c *Configuration) EndpointConfigs(out []hal.EndpointConfig) []hal.EndpointConfig {
	for _, iface := range c.Interfaces() {
		for _, ep := range iface.Endpoints() {
			out = append(out, ep.Config())
		}
	}
	return out
}

// Descriptor returns the configuration header with the total length of the
// full descriptor set.
func (c *Configuration) Descriptor() ConfigurationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.descriptorLocked()
}

func (c *Configuration) descriptorLocked() ConfigurationDescriptor {
	total := ConfigurationDescriptorSize + c.associationCount*IADSize
	for _, iface := range c.interfaces[:c.interfaceCount] {
		total += iface.size()
	}
	return ConfigurationDescriptor{
		TotalLength:        uint16(total),
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

// MarshalTo writes the full configuration descriptor set to buf: the
// header, the IADs, then each interface followed by its class-specific and
// endpoint descriptors. IADs precede the interfaces they group, which holds
// as long as every association names the interfaces that follow it.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	hdr := c.descriptorLocked()
	if len(buf) < int(hdr.TotalLength) {
		return 0
	}
	off := hdr.MarshalTo(buf)

	next := 0
	for _, iface := range c.interfaces[:c.interfaceCount] {
		for next < c.associationCount && c.associations[next].FirstInterface == iface.Number {
			off += c.associations[next].MarshalTo(buf[off:])
			next++
		}
		off += iface.marshalTo(buf[off:])
	}
	for ; next < c.associationCount; next++ {
		off += c.associations[next].MarshalTo(buf[off:])
	}
	return off
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

// IsSelfPowered reports whether the configuration is self-powered.
func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// SetRemoteWakeup sets or clears the remote wakeup capability.
func (c *Configuration) SetRemoteWakeup(enabled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if enabled {
		c.Attributes |= ConfigAttrRemoteWakeup
	} else {
		c.Attributes &^= ConfigAttrRemoteWakeup
	}
}

// SupportsRemoteWakeup reports whether remote wakeup is advertised.
func (c *Configuration) SupportsRemoteWakeup() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrRemoteWakeup != 0
}

// Close closes every interface's class driver.
func (c *Configuration) Close() error {
	var lastErr error
	for _, iface := range c.Interfaces() {
		if err := iface.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
