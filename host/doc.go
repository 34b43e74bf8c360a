// Package host is the host side of a single-device USB bus.
//
// It enumerates the device attached to a [Port], caches its descriptors and
// strings, and drives CDC ACM functions through [ACM]. Both the in-process
// simulated block (sim.Block) and the named-pipe peer (fifo.Host) implement
// Port, so the same code talks to a device in a test or in another process.
//
// # Enumeration
//
// [Host.Enumerate] runs the standard sequence:
//
//  1. Bus reset
//  2. GET_DESCRIPTOR(device), first 8 bytes, to learn bMaxPacketSize0
//  3. SET_ADDRESS
//  4. GET_DESCRIPTOR(device), full
//  5. GET_DESCRIPTOR(configuration), header and then wTotalLength
//  6. GET_DESCRIPTOR(string) for language zero and every referenced index
//  7. SET_CONFIGURATION with the first configuration
//
// String failures are logged and ignored.
//
// # Example
//
//	h := host.New(port)
//	dev, err := h.Enumerate(ctx)
//	if err != nil {
//		return err
//	}
//	acm, err := dev.FindACM(0)
//	if err != nil {
//		return err
//	}
//	acm.SetControlLineState(ctx, true, true)
//	acm.Write(ctx, []byte("hello"))
//	echo, err := acm.ReadTransfer(ctx)
package host
