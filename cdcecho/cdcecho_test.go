package cdcecho

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/hal/sim"
	"github.com/ardnew/usbfs-cdc/device/usbfs"
	"github.com/ardnew/usbfs-cdc/host"
	"github.com/ardnew/usbfs-cdc/pkg"
)

func testContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// pollBus is a configured echo device whose interrupt lines call the
// driver synchronously, so Poll can be driven step by step.
type pollBus struct {
	blk  *sim.Block
	echo *Echo
	acm  *host.ACM
}

func newPollBus(t *testing.T) *pollBus {
	t.Helper()
	cfg := DefaultConfig()
	dev, err := buildDevice(&cfg)
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
	require.NoError(t, class.Init(&cfg.CDC, stack))
	require.NoError(t, stack.Connect(context.Background(), false))
	t.Cleanup(func() { stack.Disconnect() })

	hdev, err := host.New(blk).Enumerate(testContext(t, 2*time.Second))
	require.NoError(t, err)
	acm, err := hdev.FindACM(0)
	require.NoError(t, err)

	return &pollBus{blk: blk, echo: NewEcho(class, ComPort), acm: acm}
}

// send delivers one packet to the device.
func (b *pollBus) send(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, b.blk.Out(testContext(t, time.Second), b.acm.OutEndpoint, data))
}

// assertSilent checks that the device has nothing queued for the host.
func (b *pollBus) assertSilent(t *testing.T) {
	t.Helper()
	_, err := b.acm.ReadPacket(testContext(t, 20*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollIdle(t *testing.T) {
	b := newPollBus(t)
	n, err := b.echo.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	b.assertSilent(t)
}

func TestPollEchoes(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantZLP bool
	}{
		{"one byte", 1, false},
		{"ten bytes", 10, false},
		{"short packet", BufferSize - 1, false},
		{"full packet", BufferSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newPollBus(t)
			ctx := testContext(t, time.Second)

			msg := bytes.Repeat([]byte{0x5A}, tt.size)
			msg[0] = 0x01
			b.send(t, msg)

			// Poll blocks on the zero-length packet until the echo is read.
			errc := make(chan error, 1)
			go func() {
				n, err := b.echo.Poll(ctx)
				assert.Equal(t, tt.size, n)
				errc <- err
			}()

			got, err := b.acm.ReadPacket(ctx)
			require.NoError(t, err)
			assert.Equal(t, msg, got)

			if tt.wantZLP {
				zlp, err := b.acm.ReadPacket(ctx)
				require.NoError(t, err)
				assert.Empty(t, zlp)
			}
			require.NoError(t, <-errc)
			b.assertSilent(t)
		})
	}
}

func TestPollZeroLengthPacket(t *testing.T) {
	b := newPollBus(t)
	b.send(t, nil)

	n, err := b.echo.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	b.assertSilent(t)
}

func TestPollWaitsForReady(t *testing.T) {
	b := newPollBus(t)
	ctx := testContext(t, time.Second)

	// Occupy the IN endpoint so the echo must wait.
	require.NoError(t, b.echo.class.PutData(ComPort, []byte("busy")))
	b.send(t, []byte("next"))

	var done atomic.Bool
	errc := make(chan error, 1)
	go func() {
		_, err := b.echo.Poll(ctx)
		done.Store(true)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, done.Load())

	got, err := b.acm.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "busy", string(got))
	got, err = b.acm.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", string(got))
	require.NoError(t, <-errc)
}

func TestPollCancelledWhileWaiting(t *testing.T) {
	b := newPollBus(t)
	require.NoError(t, b.echo.class.PutData(ComPort, []byte("busy")))
	b.send(t, []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.echo.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Run returns without error once the context is done.
	assert.NoError(t, b.echo.Run(ctx))
}

func TestISRsForwardTheirOwnLevel(t *testing.T) {
	blk := sim.New()
	require.NoError(t, blk.Init(context.Background()))
	drv := usbfs.New(blk)
	require.NoError(t, drv.Init(nil))

	var resets, frames int
	drv.SetCallbacks(usbfs.Callbacks{
		BusReset: func() { resets++ },
		SOF:      func() { frames++ },
	})
	app := &App{Driver: drv}

	blk.Raise(hal.CauseBusReset | hal.CauseSOF)

	app.MediumISR()
	assert.Equal(t, hal.CauseBusReset|hal.CauseSOF, blk.Pending())
	assert.Zero(t, resets+frames)

	app.LowISR()
	assert.Equal(t, hal.CauseBusReset, blk.Pending())
	assert.Equal(t, 1, frames)
	assert.Zero(t, resets)

	app.HighISR()
	assert.Zero(t, blk.Pending())
	assert.Equal(t, 1, resets)
}

// startApp runs Setup on a simulated block and enumerates it from the
// host side, as a real host would while Connect blocks.
func startApp(t *testing.T) (*App, *host.ACM) {
	t.Helper()
	blk := sim.New()
	cfg := DefaultConfig()
	cfg.Board.Block = blk

	ctx := testContext(t, 5*time.Second)
	type result struct {
		app *App
		err error
	}
	setup := make(chan result, 1)
	go func() {
		app, err := Setup(ctx, &cfg)
		setup <- result{app, err}
	}()

	require.NoError(t, blk.WaitAttached(ctx))
	dev, err := host.New(blk).Enumerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Product, dev.Product())
	assert.Equal(t, cfg.DeviceVersion, dev.Descriptor().DeviceVersion)

	r := <-setup
	require.NoError(t, r.err)
	t.Cleanup(func() { assert.NoError(t, r.app.Close()) })

	acm, err := dev.FindACM(0)
	require.NoError(t, err)
	return r.app, acm
}

func TestEchoEndToEnd(t *testing.T) {
	app, acm := startApp(t)
	assert.True(t, app.Stack.IsConfigured())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	stopped := make(chan error, 1)
	go func() { stopped <- app.Echo.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-stopped)
	})

	short := []byte("0123456789")
	require.NoError(t, acm.Write(ctx, short))
	got, err := acm.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, short, got)

	full := bytes.Repeat([]byte("abcdefgh"), BufferSize/8)
	require.NoError(t, acm.Write(ctx, full))
	got, err = acm.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	zlp, err := acm.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Empty(t, zlp)

	_, err = acm.ReadPacket(testContext(t, 20*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ctx    time.Duration
		step   string
		want   error
	}{
		{
			name:   "no usb block",
			modify: func(c *Config) { c.Board.Block = nil },
			step:   "board init",
			want:   pkg.ErrInvalidParameter,
		},
		{
			name: "conflicting level routing",
			modify: func(c *Config) {
				c.Driver.Levels = hal.LevelSelect{High: hal.CauseSOF, Low: hal.CauseSOF}
			},
			step: "usb device init",
			want: pkg.ErrInvalidParameter,
		},
		{
			name:   "no cdc ports",
			modify: func(c *Config) { c.CDC.Ports = nil },
			step:   "cdc init",
			want:   pkg.ErrInvalidParameter,
		},
		{
			name:   "interrupt priority out of range",
			modify: func(c *Config) { c.Interrupts[2].Priority = 9 },
			step:   "interrupt init",
			want:   pkg.ErrInvalidPriority,
		},
		{
			name:   "host never configures",
			modify: func(*Config) {},
			ctx:    50 * time.Millisecond,
			step:   "connect",
			want:   context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := sim.New()
			cfg := DefaultConfig()
			cfg.Board.Block = blk
			tt.modify(&cfg)

			d := tt.ctx
			if d == 0 {
				d = time.Second
			}
			app, err := Setup(testContext(t, d), &cfg)
			assert.Nil(t, app)
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.step)

			// A failed bring-up leaves the block detached and free to reuse.
			assert.False(t, blk.IsConnected())
			assert.NoError(t, blk.Init(context.Background()))
		})
	}
}
