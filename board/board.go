package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/hal/fifo"
	"github.com/ardnew/usbfs-cdc/pkg"
	"github.com/ardnew/usbfs-cdc/sysint"
)

// Interrupt sources of the USB block's three lines.
const (
	USBInterruptHigh   sysint.IRQn = 8
	USBInterruptMedium sysint.IRQn = 9
	USBInterruptLow    sysint.IRQn = 10
)

// IRQForLevel returns the interrupt source wired to a USB interrupt line.
func IRQForLevel(l hal.Level) sysint.IRQn {
	switch l {
	case hal.LevelHigh:
		return USBInterruptHigh
	case hal.LevelMedium:
		return USBInterruptMedium
	default:
		return USBInterruptLow
	}
}

// Config selects the USB block of the board.
type Config struct {
	// BusDir is the FIFO bus directory. Used when Block is nil.
	BusDir string

	// Block is a caller-provided, uninitialized USB block.
	Block hal.DeviceHAL
}

// Board holds the peripherals brought up by Init.
type Board struct {
	Interrupts *sysint.Controller
	USB        hal.DeviceHAL

	fifo *fifo.Device
}

// Init brings up the interrupt controller and the USB block and wires the
// block's interrupt lines to USBInterruptHigh, USBInterruptMedium and
// USBInterruptLow. Global interrupts are left disabled.
func Init(ctx context.Context, cfg *Config) (*Board, error) {
	if cfg == nil || (cfg.Block == nil && cfg.BusDir == "") {
		return nil, fmt.Errorf("%w: no USB block or bus directory", pkg.ErrInvalidParameter)
	}

	b := &Board{USB: cfg.Block}
	if b.USB == nil {
		b.fifo = fifo.New(cfg.BusDir)
		b.USB = b.fifo
	}
	if err := b.USB.Init(ctx); err != nil {
		return nil, fmt.Errorf("usb block: %w", err)
	}

	b.Interrupts = sysint.New()
	ctrl := b.Interrupts
	b.USB.SetLineHandler(func(l hal.Level) {
		ctrl.SetPending(IRQForLevel(l))
	})

	pkg.LogInfo(pkg.ComponentBoard, "board initialized",
		"fifo", b.fifo != nil,
		"deviceDir", b.DeviceDir())
	return b, nil
}

// DeviceDir returns the FIFO device directory, or "" for other blocks.
func (b *Board) DeviceDir() string {
	if b.fifo == nil {
		return ""
	}
	return b.fifo.DeviceDir()
}

// Close detaches the USB block and stops the interrupt controller.
func (b *Board) Close() error {
	b.USB.SetLineHandler(nil)
	err := errors.Join(b.USB.Stop(), b.Interrupts.Close())
	pkg.LogDebug(pkg.ComponentBoard, "board closed")
	return err
}
