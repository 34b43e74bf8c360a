package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// newAttached returns a started block with every cause enabled.
func newAttached(t *testing.T) *Block {
	t.Helper()
	b := New()
	require.NoError(t, b.Init(context.Background()))
	require.NoError(t, b.Start())
	b.SetLevelSelect(hal.DefaultLevelSelect)
	b.EnableCause(hal.CauseAll)
	t.Cleanup(func() { b.Stop() })
	return b
}

func bulkPair(t *testing.T, b *Block) {
	t.Helper()
	require.NoError(t, b.ConfigureEndpoints([]hal.EndpointConfig{
		{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64},
		{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64},
	}))
}

func TestLifecycle(t *testing.T) {
	b := New()
	assert.ErrorIs(t, b.Start(), pkg.ErrNotConfigured)
	assert.False(t, b.IsConnected())

	require.NoError(t, b.Init(context.Background()))
	assert.ErrorIs(t, b.Init(context.Background()), pkg.ErrAlreadyRunning)
	assert.Equal(t, hal.SpeedFull, b.GetSpeed())

	require.NoError(t, b.Start())
	assert.True(t, b.IsConnected())
	require.NoError(t, b.WaitAttached(context.Background()))

	require.NoError(t, b.Stop())
	assert.False(t, b.IsConnected())
}

func TestControlIn(t *testing.T) {
	b := newAttached(t)
	descriptor := []byte{18, 1, 0x00, 0x02, 0xEF, 0x02, 0x01, 64, 0xB4, 0x04}

	b.SetLineHandler(func(l hal.Level) {
		assert.Equal(t, hal.LevelHigh, l)
		cause := b.Cause()
		b.ClearCause(cause)
		var setup hal.SetupPacket
		require.NoError(t, b.ReadSetup(&setup))
		assert.Equal(t, uint8(0x06), setup.Request)
		assert.ErrorIs(t, b.ReadSetup(&setup), pkg.ErrNAK)
		require.NoError(t, b.WriteEP0(descriptor))
	})

	setup := hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8}
	resp, err := b.Control(context.Background(), &setup, nil)
	require.NoError(t, err)
	assert.Equal(t, descriptor[:8], resp)
}

func TestControlOutData(t *testing.T) {
	b := newAttached(t)
	var got []byte

	b.SetLineHandler(func(hal.Level) {
		b.ClearCause(b.Cause())
		var setup hal.SetupPacket
		require.NoError(t, b.ReadSetup(&setup))
		buf := make([]byte, setup.Length)
		n, err := b.ReadEP0(buf)
		require.NoError(t, err)
		got = buf[:n]
		require.NoError(t, b.AckEP0())
		assert.ErrorIs(t, b.AckEP0(), pkg.ErrInvalidState)
	})

	lineCoding := []byte{0x00, 0xC2, 0x01, 0x00, 0x00, 0x00, 0x08}
	setup := hal.SetupPacket{RequestType: 0x21, Request: 0x20, Length: 7}
	resp, err := b.Control(context.Background(), &setup, lineCoding)
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.Equal(t, lineCoding, got)
}

func TestControlStall(t *testing.T) {
	b := newAttached(t)
	b.SetLineHandler(func(hal.Level) {
		b.ClearCause(b.Cause())
		require.NoError(t, b.StallEP0())
	})

	setup := hal.SetupPacket{RequestType: 0x80, Request: 0xFF, Length: 2}
	_, err := b.Control(context.Background(), &setup, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestControlCancelled(t *testing.T) {
	b := newAttached(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	setup := hal.SetupPacket{RequestType: 0x80, Request: 0x06, Length: 18}
	_, err := b.Control(ctx, &setup, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late reply from the device is rejected.
	assert.ErrorIs(t, b.WriteEP0([]byte{1}), pkg.ErrInvalidState)
}

func TestControlDetached(t *testing.T) {
	b := New()
	setup := hal.SetupPacket{}
	_, err := b.Control(context.Background(), &setup, nil)
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

func TestOutWaitsForArm(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	done := make(chan error, 1)
	go func() {
		done <- b.Out(context.Background(), 2, []byte("hello"))
	}()

	select {
	case err := <-done:
		t.Fatalf("out completed before arm: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Arm(0x02))
	require.NoError(t, <-done)
	assert.Equal(t, hal.CauseEndpoint(2), b.Cause())

	buf := make([]byte, 64)
	n, err := b.ReadEndpoint(0x02, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = b.ReadEndpoint(0x02, buf)
	assert.ErrorIs(t, err, pkg.ErrNAK)
}

func TestOutBufferTooSmall(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)
	require.NoError(t, b.Arm(0x02))
	require.NoError(t, b.Out(context.Background(), 2, make([]byte, 10)))

	_, err := b.ReadEndpoint(0x02, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

func TestInLoadsOnePacket(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	require.NoError(t, b.WriteEndpoint(0x81, []byte("abc")))
	assert.ErrorIs(t, b.WriteEndpoint(0x81, []byte("def")), pkg.ErrBusy)

	data, err := b.In(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, hal.CauseEndpoint(1), b.Cause())

	require.NoError(t, b.WriteEndpoint(0x81, nil))
	data, err = b.In(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, data)
	assert.Empty(t, data)
}

func TestEndpointDirection(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	assert.ErrorIs(t, b.WriteEndpoint(0x02, []byte{1}), pkg.ErrInvalidEndpoint)
	assert.ErrorIs(t, b.Arm(0x81), pkg.ErrInvalidEndpoint)
	assert.ErrorIs(t, b.Out(context.Background(), 1, []byte{1}), pkg.ErrInvalidEndpoint)
	assert.ErrorIs(t, b.WriteEndpoint(0x83, []byte{1}), pkg.ErrInvalidEndpoint)
}

func TestConfigureEndpointsRejectsInvalid(t *testing.T) {
	b := newAttached(t)
	err := b.ConfigureEndpoints([]hal.EndpointConfig{{Address: 0x89, MaxPacketSize: 64}})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	err = b.ConfigureEndpoints([]hal.EndpointConfig{{Address: 0x81, MaxPacketSize: 512}})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestStallEndpoint(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	require.NoError(t, b.Stall(0x81))
	_, err := b.In(context.Background(), 1)
	assert.ErrorIs(t, err, pkg.ErrStall)

	require.NoError(t, b.ClearStall(0x81))
	require.NoError(t, b.WriteEndpoint(0x81, []byte{7}))
	data, err := b.In(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, data)
}

func TestClearStallFlushesInPacket(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	require.NoError(t, b.WriteEndpoint(0x81, []byte("stale")))
	require.NoError(t, b.Stall(0x81))
	require.NoError(t, b.ClearStall(0x81))

	require.NoError(t, b.WriteEndpoint(0x81, []byte("fresh")))
	data, err := b.In(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestSuspendResume(t *testing.T) {
	b := newAttached(t)
	var lines []hal.Level
	b.SetLineHandler(func(l hal.Level) { lines = append(lines, l) })

	b.Suspend()
	assert.Equal(t, hal.CauseSuspend, b.Cause())
	b.Resume()
	assert.Equal(t, hal.CauseSuspend|hal.CauseResume, b.Cause())
	assert.Equal(t, []hal.Level{hal.LevelLow, hal.LevelLow}, lines)

	// A detached block sees no bus events.
	b.ClearCause(hal.CauseAll)
	require.NoError(t, b.Stop())
	b.Suspend()
	assert.Zero(t, b.Pending())
}

func TestBusReset(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)
	require.NoError(t, b.SetAddress(5))

	require.NoError(t, b.BusReset(context.Background()))
	assert.Equal(t, uint8(0), b.Address())
	assert.Equal(t, hal.CauseBusReset, b.Cause())
	assert.ErrorIs(t, b.WriteEndpoint(0x81, []byte{1}), pkg.ErrInvalidEndpoint)
}

func TestStartOfFrame(t *testing.T) {
	b := newAttached(t)
	var lines []hal.Level
	b.SetLineHandler(func(l hal.Level) { lines = append(lines, l) })

	b.StartOfFrame()
	b.StartOfFrame()
	assert.Equal(t, uint16(2), b.Frame())
	assert.Equal(t, []hal.Level{hal.LevelLow, hal.LevelLow}, lines)
}

func TestStopFailsPendingTransaction(t *testing.T) {
	b := newAttached(t)
	bulkPair(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := b.In(context.Background(), 1)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Stop())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkg.ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending IN not released by stop")
	}
}
