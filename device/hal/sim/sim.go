package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Control transfer reply kinds.
const (
	replyNone uint8 = iota
	replyData
	replyAck
	replyStall
)

// endpoint is one single-direction data endpoint buffer.
type endpoint struct {
	configured bool
	in         bool
	maxPacket  uint16
	stalled    bool
	ready      bool // IN: packet loaded; OUT: armed
	full       bool // OUT: packet received and not yet read
	n          int
	buf        [hal.MaxPacketSize]byte
}

// Block is an in-memory USB full-speed device block.
//
// The device side implements hal.DeviceHAL. The host side (BusReset,
// Control, Out, In) plays the role of the bus: each completed host
// transaction latches an interrupt cause exactly as the hardware would.
type Block struct {
	hal.Interrupts

	mutex   sync.Mutex
	changed chan struct{}

	initDone bool
	attached bool
	speed    hal.Speed
	address  uint8
	frame    uint16

	// Control endpoint state
	ctrlMutex  sync.Mutex // serializes host control transfers
	ctrlActive bool
	setup      hal.SetupPacket
	hasSetup   bool
	ep0Out     [hal.MaxControlDataSize]byte
	ep0OutLen  int
	reply      uint8
	ep0In      [hal.MaxControlDataSize]byte
	ep0InLen   int

	eps [hal.MaxDataEndpoints]endpoint
}

// New creates a detached block.
func New() *Block {
	return &Block{
		changed: make(chan struct{}),
		speed:   hal.SpeedUnknown,
	}
}

// notifyLocked wakes every goroutine waiting on a state change.
// Caller must hold b.mutex.
func (b *Block) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// wait evaluates cond under the lock until it reports done or fails.
func (b *Block) wait(ctx context.Context, cond func() (bool, error)) error {
	for {
		b.mutex.Lock()
		done, err := cond()
		ch := b.changed
		b.mutex.Unlock()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// dataEndpoint validates an endpoint address against the block's
// configuration. Caller must hold b.mutex.
func (b *Block) dataEndpoint(address uint8, in bool) (*endpoint, error) {
	num := address & 0x0F
	if num == 0 || num > hal.MaxDataEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}
	ep := &b.eps[num-1]
	if !ep.configured || ep.in != in {
		return nil, pkg.ErrInvalidEndpoint
	}
	return ep, nil
}

// Init powers up the block.
func (b *Block) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.initDone {
		return pkg.ErrAlreadyRunning
	}
	b.initDone = true
	b.speed = hal.SpeedFull
	pkg.LogDebug(pkg.ComponentHAL, "sim block initialized")
	return nil
}

// Start attaches the block to the bus.
func (b *Block) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.initDone {
		return pkg.ErrNotConfigured
	}
	b.attached = true
	b.notifyLocked()
	pkg.LogDebug(pkg.ComponentHAL, "sim block attached")
	return nil
}

// Stop detaches the block and fails any pending host transaction.
func (b *Block) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.attached = false
	b.initDone = false
	b.speed = hal.SpeedUnknown
	b.notifyLocked()
	pkg.LogDebug(pkg.ComponentHAL, "sim block detached")
	return nil
}

// SetAddress programs the device address.
func (b *Block) SetAddress(address uint8) error {
	if address > 127 {
		return pkg.ErrInvalidParameter
	}
	b.mutex.Lock()
	b.address = address
	b.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// ConfigureEndpoints programs the data endpoints, disabling all others.
func (b *Block) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var eps [hal.MaxDataEndpoints]endpoint
	for i := range endpoints {
		cfg := &endpoints[i]
		num := cfg.Number()
		if num == 0 || num > hal.MaxDataEndpoints {
			return fmt.Errorf("endpoint 0x%02X: %w", cfg.Address, pkg.ErrInvalidEndpoint)
		}
		if cfg.MaxPacketSize == 0 || cfg.MaxPacketSize > hal.MaxPacketSize {
			return fmt.Errorf("endpoint 0x%02X packet size %d: %w",
				cfg.Address, cfg.MaxPacketSize, pkg.ErrInvalidParameter)
		}
		eps[num-1] = endpoint{
			configured: true,
			in:         cfg.IsIn(),
			maxPacket:  cfg.MaxPacketSize,
		}
	}
	b.eps = eps
	b.notifyLocked()

	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", len(endpoints))
	return nil
}

// ReadSetup copies the latched SETUP packet.
func (b *Block) ReadSetup(out *hal.SetupPacket) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasSetup {
		return pkg.ErrNAK
	}
	*out = b.setup
	b.hasSetup = false
	return nil
}

// ReadEP0 copies the OUT data stage of the current control transfer.
func (b *Block) ReadEP0(buf []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.ctrlActive {
		return 0, pkg.ErrInvalidState
	}
	if len(buf) < b.ep0OutLen {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, b.ep0Out[:b.ep0OutLen]), nil
}

// completeEP0 records the reply to the current control transfer.
func (b *Block) completeEP0(kind uint8, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.ctrlActive || b.reply != replyNone {
		return pkg.ErrInvalidState
	}
	if len(data) > len(b.ep0In) {
		return pkg.ErrBufferTooSmall
	}
	b.ep0InLen = copy(b.ep0In[:], data)
	b.reply = kind
	b.notifyLocked()
	return nil
}

// WriteEP0 sends the IN data stage.
func (b *Block) WriteEP0(data []byte) error {
	return b.completeEP0(replyData, data)
}

// StallEP0 stalls the current control transfer.
func (b *Block) StallEP0() error {
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return b.completeEP0(replyStall, nil)
}

// AckEP0 completes the status stage.
func (b *Block) AckEP0() error {
	return b.completeEP0(replyAck, nil)
}

// Arm allows an OUT endpoint to receive one packet.
func (b *Block) Arm(address uint8) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep, err := b.dataEndpoint(address, false)
	if err != nil {
		return err
	}
	ep.ready = true
	ep.full = false
	ep.n = 0
	b.notifyLocked()
	return nil
}

// ReadEndpoint copies the packet received on an OUT endpoint.
// Returns pkg.ErrNAK if no packet has arrived.
func (b *Block) ReadEndpoint(address uint8, buf []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep, err := b.dataEndpoint(address, false)
	if err != nil {
		return 0, err
	}
	if !ep.full {
		return 0, pkg.ErrNAK
	}
	if len(buf) < ep.n {
		return 0, pkg.ErrBufferTooSmall
	}
	n := copy(buf, ep.buf[:ep.n])
	ep.full = false
	return n, nil
}

// WriteEndpoint loads one packet into an IN endpoint.
// Returns pkg.ErrBusy while the previous packet is still loaded.
func (b *Block) WriteEndpoint(address uint8, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep, err := b.dataEndpoint(address, true)
	if err != nil {
		return err
	}
	if ep.ready {
		return pkg.ErrBusy
	}
	if len(data) > int(ep.maxPacket) {
		return pkg.ErrInvalidParameter
	}
	ep.n = copy(ep.buf[:], data)
	ep.ready = true
	b.notifyLocked()
	return nil
}

// setStall updates the stall flag of a data endpoint in either direction.
func (b *Block) setStall(address uint8, stalled bool) error {
	if address&0x0F == 0 {
		if stalled {
			return b.StallEP0()
		}
		return nil
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep, err := b.dataEndpoint(address, address&0x80 != 0)
	if err != nil {
		return err
	}
	ep.stalled = stalled
	if !stalled && ep.in {
		// Clearing a halt resets the IN buffer along with the data toggle.
		ep.ready = false
		ep.n = 0
	}
	b.notifyLocked()
	return nil
}

// Stall stalls an endpoint.
func (b *Block) Stall(address uint8) error {
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stalled", "address", address)
	return b.setStall(address, true)
}

// ClearStall clears an endpoint stall.
func (b *Block) ClearStall(address uint8) error {
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stall cleared", "address", address)
	return b.setStall(address, false)
}

// IsConnected returns true while the block is attached.
func (b *Block) IsConnected() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.attached
}

// GetSpeed returns the bus speed.
func (b *Block) GetSpeed() hal.Speed {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.speed
}

// Compile-time interface check
var _ hal.DeviceHAL = (*Block)(nil)
