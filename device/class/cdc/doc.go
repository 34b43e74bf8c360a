// Package cdc implements the USB Communications Device Class, Abstract
// Control Model, as a polling COM port API on top of the device middleware.
//
// Each COM port is one CDC-ACM function: a communications interface with
// an interrupt IN notification endpoint, and a data interface with a bulk
// IN and a bulk OUT endpoint. [ConfigureDevice] adds the descriptors of
// every port to a [device.DeviceBuilder]; [Class.Init] binds the class
// driver to the interfaces once the device is built.
//
// The data API never blocks. The host's packets are read with
// [Class.IsDataReady] and [Class.GetAll]; packets for the host are written
// with [Class.IsReady] and [Class.PutData]:
//
//	cfg := cdc.DefaultConfig()
//	b := device.NewDeviceBuilder().
//	    WithVendorProduct(0x04B4, 0xF232).
//	    AddConfiguration(1)
//	dev, _ := cdc.ConfigureDevice(b, &cfg).Build()
//
//	stack := device.NewStack(dev, drv)
//	_ = stack.Init(nil)
//	com := cdc.New()
//	_ = com.Init(&cfg, stack)
//
//	if com.IsDataReady(0) {
//	    n, _ := com.GetAll(0, buf[:])
//	    for !com.IsReady(0) {
//	    }
//	    _ = com.PutData(0, buf[:n])
//	}
//
// The class answers SET_LINE_CODING, GET_LINE_CODING,
// SET_CONTROL_LINE_STATE and SEND_BREAK. Any other class request stalls.
package cdc
