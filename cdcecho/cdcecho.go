package cdcecho

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/usbfs-cdc/board"
	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/device/usbfs"
	"github.com/ardnew/usbfs-cdc/pkg"
	"github.com/ardnew/usbfs-cdc/sysint"
)

// ComPort is the CDC port that is echoed.
const ComPort = 0

// Config is the static configuration of the echo device.
type Config struct {
	Board  board.Config
	Driver usbfs.Config
	CDC    cdc.Config

	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16 // BCD
	Manufacturer  string
	Product       string
	SerialNumber  string
	MaxPower      uint16 // mA

	// Interrupts of the high, medium and low USB lines, in that order.
	Interrupts [3]sysint.Config
}

// DefaultConfig returns the configuration of a bus-powered single-port
// device with the USB lines at priorities 0, 1 and 2.
func DefaultConfig() Config {
	return Config{
		CDC:           cdc.DefaultConfig(),
		VendorID:      0x04B4,
		ProductID:     0xF232,
		DeviceVersion: 0x0100,
		Manufacturer:  "Cypress Semiconductor",
		Product:       "USB CDC Echo",
		SerialNumber:  "0000000001",
		MaxPower:      100,
		Interrupts: [3]sysint.Config{
			{Source: board.USBInterruptHigh, Priority: 0},
			{Source: board.USBInterruptMedium, Priority: 1},
			{Source: board.USBInterruptLow, Priority: 2},
		},
	}
}

// App is a running echo device.
type App struct {
	Board  *board.Board
	Driver *usbfs.Driver
	Stack  *device.Stack
	CDC    *cdc.Class
	Echo   *Echo
}

// HighISR services the causes routed to the high USB line.
func (a *App) HighISR() { a.Driver.Interrupt(a.Driver.InterruptCauseHigh()) }

// MediumISR services the causes routed to the medium USB line.
func (a *App) MediumISR() { a.Driver.Interrupt(a.Driver.InterruptCauseMedium()) }

// LowISR services the causes routed to the low USB line.
func (a *App) LowISR() { a.Driver.Interrupt(a.Driver.InterruptCauseLow()) }

// buildDevice assembles the descriptors of the echo device.
func buildDevice(cfg *Config) (*device.Device, error) {
	b := device.NewDeviceBuilder().
		WithVendorProduct(cfg.VendorID, cfg.ProductID).
		WithDeviceVersion(cfg.DeviceVersion).
		WithDeviceClass(device.ClassMisc, device.SubClassCommon, device.ProtocolIAD).
		WithStrings(cfg.Manufacturer, cfg.Product, cfg.SerialNumber).
		AddConfiguration(cfg.CDC.Configuration).
		WithMaxPower(cfg.MaxPower)
	return cdc.ConfigureDevice(b, &cfg.CDC).Build()
}

// Setup brings up the board, the USB stack and the interrupts, then
// connects and blocks until the host configures the device or ctx ends.
// Any failure tears down what was brought up and is returned annotated
// with the failing step.
func Setup(ctx context.Context, cfg *Config) (app *App, err error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	if cfg.CDC.Configuration == 0 {
		cfg.CDC.Configuration = 1
	}

	app = &App{}
	defer func() {
		if err != nil {
			err = errors.Join(err, app.Close())
			app = nil
		}
	}()

	if app.Board, err = board.Init(ctx, &cfg.Board); err != nil {
		return app, fmt.Errorf("board init: %w", err)
	}
	app.Board.Interrupts.EnableGlobal()

	dev, err := buildDevice(cfg)
	if err != nil {
		return app, fmt.Errorf("usb device init: %w", err)
	}
	app.Driver = usbfs.New(app.Board.USB)
	app.Stack = device.NewStack(dev, app.Driver)
	if err = app.Stack.Init(&cfg.Driver); err != nil {
		return app, fmt.Errorf("usb device init: %w", err)
	}

	app.CDC = cdc.New()
	if err = app.CDC.Init(&cfg.CDC, app.Stack); err != nil {
		return app, fmt.Errorf("cdc init: %w", err)
	}

	isrs := [3]func(){app.HighISR, app.MediumISR, app.LowISR}
	for i := range cfg.Interrupts {
		if err = app.Board.Interrupts.Init(&cfg.Interrupts[i], isrs[i]); err != nil {
			return app, fmt.Errorf("interrupt init: %w", err)
		}
	}
	for i := range cfg.Interrupts {
		app.Board.Interrupts.EnableIRQ(cfg.Interrupts[i].Source)
	}

	if err = app.Stack.Connect(ctx, true); err != nil {
		return app, fmt.Errorf("connect: %w", err)
	}

	app.Echo = NewEcho(app.CDC, ComPort)
	pkg.LogInfo(pkg.ComponentApp, "device configured",
		"vendorID", cfg.VendorID,
		"productID", cfg.ProductID,
		"deviceDir", app.Board.DeviceDir())
	return app, nil
}

// Close disconnects the device and releases the board.
func (a *App) Close() error {
	var errs []error
	if a.Stack != nil {
		errs = append(errs, a.Stack.Disconnect())
	}
	if a.Board != nil {
		errs = append(errs, a.Board.Close())
	}
	return errors.Join(errs...)
}

// Run brings the device up and echoes until ctx ends.
func Run(ctx context.Context, cfg *Config) error {
	app, err := Setup(ctx, cfg)
	if err != nil {
		return err
	}
	return errors.Join(app.Echo.Run(ctx), app.Close())
}
