package hal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/pkg"
)

func TestSetupPacketRoundTrip(t *testing.T) {
	raw := []byte{0xA1, 0x21, 0x00, 0x00, 0x00, 0x00, 0x07, 0x00}

	var pkt SetupPacket
	require.True(t, ParseSetupPacket(raw, &pkt))
	assert.Equal(t, uint8(0xA1), pkt.RequestType)
	assert.Equal(t, uint8(0x21), pkt.Request)
	assert.Equal(t, uint16(7), pkt.Length)
	assert.True(t, pkt.IsDeviceToHost())

	var buf [SetupPacketSize]byte
	require.Equal(t, SetupPacketSize, pkt.MarshalTo(buf[:]))
	assert.Equal(t, raw, buf[:])

	assert.False(t, ParseSetupPacket(raw[:7], &pkt))
	assert.Zero(t, pkt.MarshalTo(buf[:7]))
}

func TestEndpointConfig(t *testing.T) {
	ep := EndpointConfig{Address: 0x82, Attributes: 0x02, MaxPacketSize: 64}
	assert.Equal(t, uint8(2), ep.Number())
	assert.True(t, ep.IsIn())
	assert.Equal(t, uint8(0x02), ep.TransferType())
}

func TestCauseEndpoint(t *testing.T) {
	assert.Equal(t, CauseEP1, CauseEndpoint(1))
	assert.Equal(t, Cause(1<<15), CauseEndpoint(8))
	assert.Zero(t, CauseEndpoint(0))
	assert.Zero(t, CauseEndpoint(9))

	var out [MaxDataEndpoints]uint8
	eps := (CauseEndpoint(2) | CauseEndpoint(5) | CauseSOF).Endpoints(&out)
	assert.Equal(t, []uint8{2, 5}, eps)
}

func TestCauseString(t *testing.T) {
	assert.Equal(t, "NONE", Cause(0).String())
	assert.Equal(t, "BUS_RESET|EP2", (CauseBusReset | CauseEndpoint(2)).String())
	assert.Equal(t, "EP0|SOF", (CauseEP0 | CauseSOF).String())
	assert.Equal(t, "SUSPEND|RESUME|EP8", (CauseSuspend | CauseResume | CauseEndpoint(8)).String())
}

func TestLevelSelectValidate(t *testing.T) {
	require.NoError(t, DefaultLevelSelect.Validate())

	bad := LevelSelect{High: CauseEP0, Low: CauseEP0}
	assert.ErrorIs(t, bad.Validate(), pkg.ErrInvalidParameter)

	assert.Equal(t, CauseSOF|CauseSuspend|CauseResume, DefaultLevelSelect.Mask(LevelLow))
	assert.Zero(t, DefaultLevelSelect.Mask(Level(7)))
}

// lineRecorder collects asserted lines.
type lineRecorder struct {
	mu    sync.Mutex
	lines []Level
}

func (r *lineRecorder) assert(l Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

func (r *lineRecorder) get() []Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Level(nil), r.lines...)
}

func TestInterruptsRouting(t *testing.T) {
	var regs Interrupts
	var rec lineRecorder
	regs.SetLevelSelect(DefaultLevelSelect)
	regs.SetLineHandler(rec.assert)

	// Masked causes latch without asserting a line.
	regs.Raise(CauseEP0)
	assert.Empty(t, rec.get())
	assert.Zero(t, regs.Cause())
	assert.Equal(t, CauseEP0, regs.Pending())

	// Enabling a pending cause asserts its line.
	regs.EnableCause(CauseAll)
	assert.Equal(t, []Level{LevelHigh}, rec.get())
	assert.Equal(t, CauseEP0, regs.Cause())

	regs.ClearCause(CauseEP0)
	assert.Zero(t, regs.Cause())

	regs.Raise(CauseEndpoint(1) | CauseSOF)
	assert.Equal(t, []Level{LevelHigh, LevelMedium, LevelLow}, rec.get())
}

func TestInterruptsHandlerReadsBack(t *testing.T) {
	var regs Interrupts
	regs.SetLevelSelect(DefaultLevelSelect)
	regs.EnableCause(CauseAll)

	var seen Cause
	regs.SetLineHandler(func(Level) {
		seen = regs.Cause()
		regs.ClearCause(seen)
	})

	regs.Raise(CauseBusReset)
	assert.Equal(t, CauseBusReset, seen)
	assert.Zero(t, regs.Pending())
}

func TestSpeedString(t *testing.T) {
	assert.Equal(t, "Full Speed", SpeedFull.String())
	assert.Equal(t, "Unknown", Speed(99).String())
	assert.Equal(t, "medium", LevelMedium.String())
}
