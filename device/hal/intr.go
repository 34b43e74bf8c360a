package hal

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ardnew/usbfs-cdc/pkg"
)

// Cause is a bitmask of interrupt causes latched by a USB block.
type Cause uint32

// Interrupt cause bits.
const (
	CauseBusReset Cause = 1 << 0 // Bus reset detected
	CauseEP0      Cause = 1 << 1 // SETUP packet received on EP0
	CauseSOF      Cause = 1 << 2 // Start of frame
	CauseSuspend  Cause = 1 << 3 // Bus idle, device must suspend
	CauseResume   Cause = 1 << 4 // Resume signaling after suspend
	CauseEP1      Cause = 1 << 8 // EP1 transfer complete; EP2-EP8 follow
)

// CauseAllEndpoints covers EP1-EP8.
const CauseAllEndpoints Cause = 0xFF << 8

// CauseAll covers every cause bit the block implements.
const CauseAll = CauseBusReset | CauseEP0 | CauseSOF | CauseSuspend | CauseResume | CauseAllEndpoints

// CauseEndpoint returns the completion cause for data endpoint num (1-8),
// or 0 for any other number.
func CauseEndpoint(num uint8) Cause {
	if num == 0 || num > MaxDataEndpoints {
		return 0
	}
	return CauseEP1 << (num - 1)
}

// Endpoints returns the data endpoint numbers whose completion bit is set.
// The caller provides the output buffer to avoid allocation.
func (c Cause) Endpoints(out *[MaxDataEndpoints]uint8) []uint8 {
	n := 0
	for num := uint8(1); num <= MaxDataEndpoints; num++ {
		if c&CauseEndpoint(num) != 0 {
			out[n] = num
			n++
		}
	}
	return out[:n]
}

// String returns the names of the set bits, e.g. "BUS_RESET|EP2".
func (c Cause) String() string {
	if c == 0 {
		return "NONE"
	}
	var parts []string
	if c&CauseBusReset != 0 {
		parts = append(parts, "BUS_RESET")
	}
	if c&CauseEP0 != 0 {
		parts = append(parts, "EP0")
	}
	if c&CauseSOF != 0 {
		parts = append(parts, "SOF")
	}
	if c&CauseSuspend != 0 {
		parts = append(parts, "SUSPEND")
	}
	if c&CauseResume != 0 {
		parts = append(parts, "RESUME")
	}
	for num := uint8(1); num <= MaxDataEndpoints; num++ {
		if c&CauseEndpoint(num) != 0 {
			parts = append(parts, fmt.Sprintf("EP%d", num))
		}
	}
	if rest := c &^ CauseAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Level identifies one of the block's three interrupt lines.
type Level uint8

// Interrupt levels.
const (
	LevelHigh Level = iota
	LevelMedium
	LevelLow
)

// NumLevels is the number of interrupt lines.
const NumLevels = 3

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	case LevelLow:
		return "low"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// LevelSelect routes each cause to one interrupt line.
// A cause present in no mask never asserts a line.
type LevelSelect struct {
	High   Cause
	Medium Cause
	Low    Cause
}

// DefaultLevelSelect services bus reset and control traffic on the high
// line and data endpoints on the medium line. Frame ticks and bus power
// events go to the low line.
var DefaultLevelSelect = LevelSelect{
	High:   CauseBusReset | CauseEP0,
	Medium: CauseAllEndpoints,
	Low:    CauseSOF | CauseSuspend | CauseResume,
}

// Mask returns the causes routed to level l.
func (s LevelSelect) Mask(l Level) Cause {
	switch l {
	case LevelHigh:
		return s.High
	case LevelMedium:
		return s.Medium
	case LevelLow:
		return s.Low
	default:
		return 0
	}
}

// Validate returns an error if a cause is routed to more than one line.
func (s LevelSelect) Validate() error {
	if s.High&s.Medium != 0 || s.High&s.Low != 0 || s.Medium&s.Low != 0 {
		return fmt.Errorf("cause routed to multiple levels: %w", pkg.ErrInvalidParameter)
	}
	return nil
}

// Interrupts implements the cause, mask and level-select registers of a
// USB block. Implementations embed it and call [Interrupts.Raise] when a
// bus event completes.
type Interrupts struct {
	mutex   sync.Mutex
	pending Cause
	enabled Cause
	sel     LevelSelect
	line    func(Level)
}

// Cause returns the pending, enabled interrupt causes.
func (r *Interrupts) Cause() Cause {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.pending & r.enabled
}

// ClearCause acknowledges the given causes.
func (r *Interrupts) ClearCause(c Cause) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.pending &^= c
}

// EnableCause sets the interrupt mask. Causes that are already pending
// and newly enabled assert their lines immediately.
func (r *Interrupts) EnableCause(c Cause) {
	r.mutex.Lock()
	r.enabled = c
	r.mutex.Unlock()
	r.assert()
}

// SetLevelSelect routes causes to interrupt lines.
func (r *Interrupts) SetLevelSelect(sel LevelSelect) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sel = sel
}

// SetLineHandler installs the function called when a line asserts.
func (r *Interrupts) SetLineHandler(fn func(Level)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.line = fn
}

// Raise latches causes and asserts every line with an enabled cause pending.
func (r *Interrupts) Raise(c Cause) {
	r.mutex.Lock()
	r.pending |= c
	r.mutex.Unlock()
	r.assert()
}

// Pending returns the latched causes regardless of the mask.
func (r *Interrupts) Pending() Cause {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.pending
}

// assert calls the line handler outside the lock so that it may read the
// registers back.
func (r *Interrupts) assert() {
	r.mutex.Lock()
	active := r.pending & r.enabled
	sel := r.sel
	line := r.line
	r.mutex.Unlock()

	if line == nil || active == 0 {
		return
	}
	for l := LevelHigh; l <= LevelLow; l++ {
		if active&sel.Mask(l) != 0 {
			line(l)
		}
	}
}
