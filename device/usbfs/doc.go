// Package usbfs is the peripheral driver for a USB full-speed device block.
//
// The driver sits between the hardware block (hal.DeviceHAL) and the USB
// device middleware. It programs the interrupt routing, services interrupt
// causes and keeps per-endpoint state so that the application can poll
// endpoints without touching the hardware.
//
// # Interrupts
//
// Each of the three interrupt handlers reads the causes routed to its line
// and passes them to [Driver.Interrupt]:
//
//	func highISR() {
//	    drv.Interrupt(drv.InterruptCauseHigh())
//	}
//
// Interrupt clears each cause and reports it through the registered
// [Callbacks]: bus reset, SETUP received, start of frame and data endpoint
// completion.
//
// # Endpoints
//
// A data endpoint moves through [EndpointIdle], [EndpointPending] and
// [EndpointCompleted]. Loading an IN packet or arming an OUT endpoint makes
// it pending; the completion interrupt makes it completed. Received OUT
// packets are copied into the driver on completion, so
// [Driver.GetEndpointCount] reports the size before [Driver.ReadOutEndpoint]
// consumes the packet and re-arms the endpoint.
package usbfs
