// Package device implements the USB device middleware that sits between the
// USB-FS peripheral driver ([github.com/ardnew/usbfs-cdc/device/usbfs]) and
// the class drivers.
//
// # Architecture
//
//   - [Device] holds descriptors, strings, configurations and the chapter 9
//     device state machine.
//   - [Stack] installs itself as the driver's callbacks. It answers control
//     transfers, programs the endpoints on SET_CONFIGURATION and reports
//     data endpoint completions.
//   - [Interface] groups endpoints and class-specific descriptors and routes
//     class requests to a [ClassDriver].
//   - [StandardRequestHandler] answers the standard requests.
//
// The stack has no goroutine. Everything it does on the bus happens inside
// the driver callbacks, which run in interrupt context.
//
// # Device States
//
//	Attached → Powered → Default → Address → Configured ⇄ Suspended
//
// # Class Drivers
//
//	type ClassDriver interface {
//	    Init(iface *Interface) error
//	    HandleSetup(iface *Interface, setup *SetupPacket, data []byte) ([]byte, error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// HandleSetup receives the OUT data stage and returns the IN data stage.
// Returning an error stalls EP0.
//
// # Example
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0x4001).
//	    WithStrings("Acme", "Echo", "0001").
//	    AddConfiguration(1).
//	    AddInterface(device.ClassCDCData, 0, 0).
//	    AddEndpoint(0x81, device.EndpointTypeBulk, 64, 0).
//	    AddEndpoint(0x02, device.EndpointTypeBulk, 64, 0).
//	    Build()
//
//	stack := device.NewStack(dev, usbfs.New(block))
//	err = stack.Init(nil)
//	err = stack.Connect(ctx, true)
package device
