// Package hal defines the register-level interface of a USB full-speed
// device block.
//
// The interface mirrors what a USB-FS peripheral exposes to its driver:
// an interrupt cause register, a mask, a level-select register routing
// causes to three interrupt lines, the EP0 setup/data buffers and eight
// single-direction data endpoint buffers. Nothing here blocks. Bus events
// arrive asynchronously as interrupt causes and the peripheral driver in
// package usbfs services them from the interrupt handlers.
//
// # Interrupt Routing
//
// Each [Cause] bit is routed to one [Level] by a [LevelSelect]. With
// [DefaultLevelSelect], bus reset and SETUP traffic use the high line,
// data endpoint completions the medium line and start-of-frame the low line.
//
//	blk.SetLevelSelect(hal.DefaultLevelSelect)
//	blk.SetLineHandler(func(l hal.Level) { nvic.SetPending(lineIRQ[l]) })
//	blk.EnableCause(hal.CauseAll)
//
// Implementations embed [Interrupts], which provides the register file and
// asserts lines when [Interrupts.Raise] latches a cause.
//
// # Implementations
//
//   - hal/sim: in-memory block with a host port, used by tests
//   - hal/fifo: the in-memory block driven over named pipes by a host process
//
// # Zero-Allocation Design
//
// Endpoint buffers are fixed-size arrays inside the block and callers supply
// their own slices for reads, so the packet path never allocates.
package hal
