package sysint

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ardnew/usbfs-cdc/pkg"
)

// IRQn identifies an interrupt source.
type IRQn uint8

// NumSources is the number of interrupt sources.
const NumSources = 32

// NumPriorities is the number of priority levels. Zero is the most urgent.
const NumPriorities = 8

// Config is the registration record of one interrupt source.
type Config struct {
	Source   IRQn
	Priority uint8
}

// Validate checks that the source and priority are in range.
func (c *Config) Validate() error {
	if c.Source >= NumSources {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidIRQ, c.Source)
	}
	if c.Priority >= NumPriorities {
		return fmt.Errorf("%w: %d", pkg.ErrInvalidPriority, c.Priority)
	}
	return nil
}

// Controller is a software interrupt controller. Sources are raised with
// SetPending from any goroutine. One dispatcher goroutine runs the handlers
// of pending, enabled sources while global interrupts are enabled, the most
// urgent first. Handlers never run concurrently with each other.
type Controller struct {
	mutex    sync.Mutex
	handlers [NumSources]func()
	priority [NumSources]uint8
	enabled  uint32
	pending  uint32
	global   bool
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a controller with global interrupts disabled and starts its
// dispatcher.
func New() *Controller {
	c := &Controller{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.dispatcher()
	return c
}

// Init registers isr for cfg.Source at cfg.Priority. The source stays
// disabled until EnableIRQ.
func (c *Controller) Init(cfg *Config, isr func()) error {
	if cfg == nil || isr == nil {
		return fmt.Errorf("%w: nil config or handler", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return pkg.ErrNotRunning
	}
	c.handlers[cfg.Source] = isr
	c.priority[cfg.Source] = cfg.Priority

	pkg.LogDebug(pkg.ComponentSysInt, "handler registered",
		"irq", cfg.Source,
		"priority", cfg.Priority)
	return nil
}

// SetPriority changes the priority of src.
func (c *Controller) SetPriority(src IRQn, priority uint8) error {
	if err := (&Config{Source: src, Priority: priority}).Validate(); err != nil {
		return err
	}
	c.mutex.Lock()
	c.priority[src] = priority
	c.mutex.Unlock()
	return nil
}

// Priority returns the priority of src.
func (c *Controller) Priority(src IRQn) uint8 {
	if src >= NumSources {
		return 0
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.priority[src]
}

func (c *Controller) update(src IRQn, fn func(bit uint32)) {
	if src >= NumSources {
		pkg.LogWarn(pkg.ComponentSysInt, "ignoring invalid source", "irq", src)
		return
	}
	c.mutex.Lock()
	fn(1 << src)
	c.mutex.Unlock()
	c.kick()
}

// EnableIRQ enables src.
func (c *Controller) EnableIRQ(src IRQn) {
	c.update(src, func(bit uint32) { c.enabled |= bit })
}

// DisableIRQ disables src. A pending request stays pending.
func (c *Controller) DisableIRQ(src IRQn) {
	c.update(src, func(bit uint32) { c.enabled &^= bit })
}

// SetPending raises src.
func (c *Controller) SetPending(src IRQn) {
	c.update(src, func(bit uint32) { c.pending |= bit })
}

// ClearPending drops a request for src that has not been serviced yet.
func (c *Controller) ClearPending(src IRQn) {
	c.update(src, func(bit uint32) { c.pending &^= bit })
}

// IsEnabled reports whether src is enabled.
func (c *Controller) IsEnabled(src IRQn) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return src < NumSources && c.enabled&(1<<src) != 0
}

// IsPending reports whether src is waiting to be serviced.
func (c *Controller) IsPending(src IRQn) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return src < NumSources && c.pending&(1<<src) != 0
}

// EnableGlobal lets the dispatcher run handlers.
func (c *Controller) EnableGlobal() {
	c.mutex.Lock()
	c.global = true
	c.mutex.Unlock()
	c.kick()
}

// DisableGlobal holds every handler until EnableGlobal. A handler already
// running completes.
func (c *Controller) DisableGlobal() {
	c.mutex.Lock()
	c.global = false
	c.mutex.Unlock()
}

// Close stops the dispatcher and waits for a running handler to return.
func (c *Controller) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	close(c.stop)
	<-c.done
	pkg.LogDebug(pkg.ComponentSysInt, "controller stopped")
	return nil
}

func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next claims the most urgent pending, enabled source that has a handler.
// Equal priorities are served lowest source number first.
func (c *Controller) next() func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.global || c.closed {
		return nil
	}
	var (
		best  IRQn
		found bool
	)
	for ready := c.pending & c.enabled; ready != 0; ready &= ready - 1 {
		src := IRQn(bits.TrailingZeros32(ready))
		if c.handlers[src] == nil {
			continue
		}
		if !found || c.priority[src] < c.priority[best] {
			best, found = src, true
		}
	}
	if !found {
		return nil
	}
	c.pending &^= 1 << best
	return c.handlers[best]
}

func (c *Controller) dispatcher() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}
		for isr := c.next(); isr != nil; isr = c.next() {
			isr()
		}
	}
}
