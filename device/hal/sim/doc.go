// Package sim implements an in-memory USB full-speed device block.
//
// A [Block] has two faces. The device side satisfies hal.DeviceHAL and is
// driven by the peripheral driver from interrupt context. The host side
// acts as the bus: [Block.Control], [Block.Out] and [Block.In] complete
// transactions and latch the matching interrupt cause, and
// [Block.BusReset] and [Block.StartOfFrame] inject bus events.
//
// Host operations block while the device NAKs, so tests can drive a full
// enumeration and data exchange from a single goroutine:
//
//	blk := sim.New()
//	// ... bring up the stack on blk ...
//	_ = blk.WaitAttached(ctx)
//	_ = blk.BusReset(ctx)
//	desc, _ := blk.Control(ctx, &getDeviceDescriptor, nil)
//	_ = blk.Out(ctx, 2, []byte("hello"))
//	echo, _ := blk.In(ctx, 1)
//
// The fifo package exposes the same host side over named pipes.
package sim
