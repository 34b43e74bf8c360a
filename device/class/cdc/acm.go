package cdc

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// acm is the class driver of one COM port. It is bound to both the
// communications and the data interface of its function and answers the
// PSTN requests sent to the communications interface.
type acm struct {
	class *Class
	index int
	cfg   PortConfig

	maxPacket uint16

	mutex        sync.Mutex
	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	// Touched only from interrupt context.
	lcBuf [LineCodingSize]byte

	// Guarded by mutex.
	rxBuf     [DataPacketSize]byte
	notifyBuf [SerialStateNotificationSize]byte
}

func newACM(class *Class, index int, cfg PortConfig, maxPacket uint16) *acm {
	return &acm{
		class:      class,
		index:      index,
		cfg:        cfg,
		maxPacket:  maxPacket,
		lineCoding: DefaultLineCoding,
	}
}

// Init binds the driver to one of its two interfaces.
func (a *acm) Init(iface *device.Interface) error {
	pkg.LogDebug(pkg.ComponentCDC, "interface bound",
		"port", a.index,
		"interface", iface.Number,
		"class", iface.Class)
	return nil
}

// HandleSetup answers the class requests of the communications interface.
func (a *acm) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsClass() || iface.Number != a.cfg.CommInterface {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNotSupported, setup)
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return nil, a.setLineCoding(data)
	case RequestGetLineCoding:
		a.mutex.Lock()
		n := a.lineCoding.MarshalTo(a.lcBuf[:])
		a.mutex.Unlock()
		return a.lcBuf[:n], nil
	case RequestSetControlLineState:
		a.setControlLineState(setup.Value)
		return nil, nil
	case RequestSendBreak:
		pkg.LogDebug(pkg.ComponentCDC, "break", "port", a.index, "duration_ms", setup.Value)
		if cb := a.class.breakHandler(); cb != nil {
			cb(a.index, setup.Value)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", pkg.ErrNotSupported, setup)
}

func (a *acm) setLineCoding(data []byte) error {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return fmt.Errorf("%w: line coding needs %d bytes, have %d",
			pkg.ErrBufferTooSmall, LineCodingSize, len(data))
	}
	a.mutex.Lock()
	a.lineCoding = lc
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentCDC, "line coding set",
		"port", a.index,
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)

	if cb := a.class.lineCodingHandler(); cb != nil {
		cb(a.index, lc)
	}
	return nil
}

func (a *acm) setControlLineState(value uint16) {
	a.mutex.Lock()
	a.controlState = value
	a.mutex.Unlock()

	dtr := value&ControlLineDTR != 0
	rts := value&ControlLineRTS != 0
	pkg.LogDebug(pkg.ComponentCDC, "control line state set",
		"port", a.index,
		"dtr", dtr,
		"rts", rts)

	if cb := a.class.controlLineHandler(); cb != nil {
		cb(a.index, dtr, rts)
	}
}

// SetAlternate accepts only alternate setting zero. Selecting the
// communications interface drops DTR and RTS.
func (a *acm) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return fmt.Errorf("%w: interface %d has no alternate setting %d",
			pkg.ErrInvalidRequest, iface.Number, alt)
	}
	if iface.Number == a.cfg.CommInterface {
		a.mutex.Lock()
		a.controlState = 0
		a.mutex.Unlock()
	}
	return nil
}

// Close resets the port's line state.
func (a *acm) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.lineCoding = DefaultLineCoding
	a.controlState = 0
	a.serialState = 0
	return nil
}

var _ device.ClassDriver = (*acm)(nil)
