package host

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/hal/fifo"
	"github.com/ardnew/usbfs-cdc/device/hal/sim"
	"github.com/ardnew/usbfs-cdc/device/usbfs"
	"github.com/ardnew/usbfs-cdc/pkg"
)

var (
	_ Port = (*sim.Block)(nil)
	_ Port = (*fifo.Host)(nil)
)

type testBus struct {
	blk   *sim.Block
	stack *device.Stack
	class *cdc.Class
}

// newTestBus attaches an unenumerated single-port CDC device to a
// simulated block.
func newTestBus(t *testing.T) *testBus {
	t.Helper()
	cfg := cdc.DefaultConfig()
	b := device.NewDeviceBuilder().
		WithVendorProduct(0x04B4, 0xF232).
		WithDeviceClass(device.ClassMisc, device.SubClassCommon, device.ProtocolIAD).
		WithStrings("Acme", "CDC Echo", "0001").
		AddConfiguration(1)
	dev, err := cdc.ConfigureDevice(b, &cfg).Build()
	require.NoError(t, err)

	blk := sim.New()
	require.NoError(t, blk.Init(context.Background()))
	drv := usbfs.New(blk)
	stack := device.NewStack(dev, drv)
	require.NoError(t, stack.Init(nil))
	blk.SetLineHandler(func(l hal.Level) {
		drv.Interrupt(drv.InterruptCause(l))
	})

	class := cdc.New()
	require.NoError(t, class.Init(&cfg, stack))
	require.NoError(t, stack.Connect(context.Background(), false))
	t.Cleanup(func() { stack.Disconnect() })

	return &testBus{blk: blk, stack: stack, class: class}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func enumerate(t *testing.T, bus *testBus) *Device {
	t.Helper()
	dev, err := New(bus.blk).Enumerate(testContext(t))
	require.NoError(t, err)
	return dev
}

func findACM(t *testing.T, dev *Device) *ACM {
	t.Helper()
	a, err := dev.FindACM(0)
	require.NoError(t, err)
	return a
}

func TestEnumerate(t *testing.T) {
	bus := newTestBus(t)
	h := New(bus.blk)
	assert.Nil(t, h.Device())

	ctx := testContext(t)
	dev, err := h.Enumerate(ctx)
	require.NoError(t, err)
	assert.Same(t, dev, h.Device())

	assert.Equal(t, uint8(1), dev.Address())
	assert.Equal(t, uint8(1), bus.blk.Address())
	assert.Equal(t, uint16(0x04B4), dev.Descriptor().VendorID)
	assert.Equal(t, uint16(0xF232), dev.Descriptor().ProductID)
	assert.Equal(t, "Acme", dev.Manufacturer())
	assert.Equal(t, "CDC Echo", dev.Product())
	assert.Equal(t, "0001", dev.SerialNumber())

	require.Len(t, dev.Interfaces(), 2)
	comm := dev.GetInterface(0)
	require.NotNil(t, comm)
	assert.Equal(t, uint8(device.ClassCDC), comm.Descriptor.InterfaceClass)
	assert.Len(t, comm.ClassDescriptors, 4)
	assert.Len(t, dev.GetInterface(1).Endpoints, 2)
	assert.Nil(t, dev.GetInterface(2))

	require.Len(t, dev.Associations(), 1)
	assert.Equal(t, uint8(2), dev.Associations()[0].InterfaceCount)

	ep := dev.GetEndpoint(0x82)
	require.NotNil(t, ep)
	assert.Equal(t, uint16(cdc.DataPacketSize), ep.MaxPacketSize)

	assert.Equal(t, uint8(1), dev.Configuration())
	assert.True(t, bus.stack.IsConfigured())
	value, err := dev.GetConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), value)

	// A second enumeration moves to a fresh address.
	dev, err = h.Enumerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), dev.Address())
}

func TestEnumerateDetached(t *testing.T) {
	blk := sim.New()
	require.NoError(t, blk.Init(context.Background()))
	_, err := New(blk).Enumerate(testContext(t))
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

func TestAllocateAddressWraps(t *testing.T) {
	h := New(nil)
	h.nextAddress = MaxDevices
	h.device = &Device{address: 1}
	assert.Equal(t, uint8(MaxDevices), h.allocateAddress())
	assert.Equal(t, uint8(2), h.allocateAddress())
}

func TestFindACM(t *testing.T) {
	dev := enumerate(t, newTestBus(t))

	a := findACM(t, dev)
	assert.Equal(t, uint8(0), a.CommInterface)
	assert.Equal(t, uint8(1), a.DataInterface)
	assert.Equal(t, uint8(0x81), a.NotifyEndpoint)
	assert.Equal(t, uint8(0x82), a.InEndpoint)
	assert.Equal(t, uint8(0x03), a.OutEndpoint)
	assert.Equal(t, cdc.DataPacketSize, a.MaxPacket())

	_, err := dev.FindACM(1)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestACMRequests(t *testing.T) {
	bus := newTestBus(t)
	var brk uint16
	bus.class.SetOnBreak(func(_ int, millis uint16) { brk = millis })

	ctx := testContext(t)
	a := findACM(t, enumerate(t, bus))

	lc, err := a.GetLineCoding(ctx)
	require.NoError(t, err)
	assert.Equal(t, cdc.DefaultLineCoding, lc)

	want := cdc.LineCoding{DTERate: 9600, CharFormat: cdc.StopBits2, ParityType: cdc.ParityEven, DataBits: 7}
	require.NoError(t, a.SetLineCoding(ctx, &want))
	assert.Equal(t, want, bus.class.LineCoding(0))
	lc, err = a.GetLineCoding(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, lc)

	require.NoError(t, a.SetControlLineState(ctx, true, false))
	assert.True(t, bus.class.DTR(0))
	assert.False(t, bus.class.RTS(0))

	require.NoError(t, a.SendBreak(ctx, 100))
	assert.Equal(t, uint16(100), brk)
}

func TestACMWriteRead(t *testing.T) {
	bus := newTestBus(t)
	ctx := testContext(t)
	a := findACM(t, enumerate(t, bus))

	require.NoError(t, a.Write(ctx, []byte("ping")))
	require.True(t, bus.class.IsDataReady(0))
	buf := make([]byte, cdc.DataPacketSize)
	n, err := bus.class.GetData(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	tests := []struct {
		name string
		size int
	}{
		{"short", 10},
		{"one full packet", cdc.DataPacketSize},
		{"two packets", cdc.DataPacketSize + 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := strings.Repeat("x", tt.size)
			errc := make(chan error, 1)
			go func() { errc <- bus.class.PutString(ctx, 0, msg) }()

			got, err := a.ReadTransfer(ctx)
			require.NoError(t, err)
			assert.Equal(t, msg, string(got))
			require.NoError(t, <-errc)
		})
	}
}

func TestACMWriteFullPacket(t *testing.T) {
	bus := newTestBus(t)
	ctx := testContext(t)
	a := findACM(t, enumerate(t, bus))

	errc := make(chan error, 1)
	go func() { errc <- a.Write(ctx, make([]byte, cdc.DataPacketSize)) }()

	buf := make([]byte, cdc.DataPacketSize)
	require.Eventually(t, func() bool { return bus.class.IsDataReady(0) }, time.Second, time.Millisecond)
	n, err := bus.class.GetAll(0, buf)
	require.NoError(t, err)
	assert.Equal(t, cdc.DataPacketSize, n)

	// The transfer ends with a zero-length packet.
	require.Eventually(t, func() bool { return bus.class.IsDataReady(0) }, time.Second, time.Millisecond)
	assert.Zero(t, bus.class.GetCount(0))
	_, err = bus.class.GetAll(0, buf)
	require.NoError(t, err)
	require.NoError(t, <-errc)
}

func TestACMSerialState(t *testing.T) {
	bus := newTestBus(t)
	ctx := testContext(t)
	a := findACM(t, enumerate(t, bus))

	state := uint16(cdc.SerialStateRxCarrier | cdc.SerialStateTxCarrier)
	require.NoError(t, bus.class.SendSerialState(0, state))
	got, err := a.ReadSerialState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestEndpointHalt(t *testing.T) {
	bus := newTestBus(t)
	ctx := testContext(t)
	dev := enumerate(t, bus)
	a := findACM(t, dev)

	require.NoError(t, dev.HaltEndpoint(ctx, a.InEndpoint))
	status, err := dev.GetEndpointStatus(ctx, a.InEndpoint)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), status)

	_, err = a.ReadPacket(ctx)
	assert.ErrorIs(t, err, pkg.ErrStall)

	require.NoError(t, dev.ClearEndpointHalt(ctx, a.InEndpoint))
	status, err = dev.GetEndpointStatus(ctx, a.InEndpoint)
	require.NoError(t, err)
	assert.Zero(t, status)

	_, err = dev.GetStatus(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, dev.SetFeature(ctx, device.FeatureTestMode), pkg.ErrStall)
}
