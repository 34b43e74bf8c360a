package fifo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Host is the host-side peer of a pipe-backed [Device]. It implements the
// same bus operations as sim.Block's host side, so host code can run
// against either.
type Host struct {
	deviceDir string

	hostToDevice *os.File
	deviceToHost *os.File
	connection   *os.File
	epIn         [hal.MaxDataEndpoints]*os.File
	epOut        [hal.MaxDataEndpoints]*os.File

	// Serializes control transfers
	ctrlMutex sync.Mutex
	ctrlBuf   [headerSize + maxPayload]byte

	// Per-endpoint scratch space
	epMutex [hal.MaxDataEndpoints]sync.Mutex
	epBuf   [hal.MaxDataEndpoints][headerSize + hal.MaxPacketSize]byte

	gone      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open waits for a device to appear under busDir and signal connection,
// then opens its pipes.
func Open(ctx context.Context, busDir string) (*Host, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if dir, ok := findDevice(busDir); ok {
			h, err := openHost(ctx, dir)
			if err == nil {
				return h, nil
			}
			pkg.LogDebug(pkg.ComponentHost, "device not ready", "dir", dir, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// findDevice returns the first device directory under busDir.
func findDevice(busDir string) (string, bool) {
	entries, err := os.ReadDir(busDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), devicePrefix) {
			return filepath.Join(busDir, e.Name()), true
		}
	}
	return "", false
}

func openHost(ctx context.Context, dir string) (*Host, error) {
	h := &Host{
		deviceDir: dir,
		gone:      make(chan struct{}),
	}

	var err error
	open := func(name string, out **os.File) {
		if err != nil {
			return
		}
		*out, err = openFIFO(dir, name)
	}
	open(fifoConnection, &h.connection)
	open(fifoHostToDevice, &h.hostToDevice)
	open(fifoDeviceToHost, &h.deviceToHost)
	for num := uint8(1); num <= hal.MaxDataEndpoints; num++ {
		open(epInName(num), &h.epIn[num-1])
		open(epOutName(num), &h.epOut[num-1])
	}
	if err != nil {
		h.closeFiles()
		return nil, err
	}

	// The first signal byte must announce the connection.
	var sig [1]byte
	if err := readFull(ctx, nil, h.connection, sig[:]); err != nil {
		h.closeFiles()
		return nil, err
	}
	if sig[0] != sigConnect {
		h.closeFiles()
		return nil, pkg.ErrNotConnected
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.monitorConnection(monitorCtx)

	pkg.LogInfo(pkg.ComponentHost, "device connected", "dir", dir)
	return h, nil
}

// monitorConnection marks the device gone when it signals disconnection.
func (h *Host) monitorConnection(ctx context.Context) {
	defer h.wg.Done()

	var sig [1]byte
	for {
		if err := readFull(ctx, nil, h.connection, sig[:]); err != nil {
			return
		}
		if sig[0] == sigDisconnect {
			pkg.LogInfo(pkg.ComponentHost, "device disconnected", "dir", h.deviceDir)
			h.closeOnce.Do(func() { close(h.gone) })
			return
		}
	}
}

// DeviceDir returns the directory of the connected device.
func (h *Host) DeviceDir() string {
	return h.deviceDir
}

// Close releases the pipes. The device is not affected.
func (h *Host) Close() error {
	h.cancel()
	h.wg.Wait()
	h.closeOnce.Do(func() { close(h.gone) })
	h.closeFiles()
	return nil
}

func (h *Host) closeFiles() {
	files := []*os.File{h.hostToDevice, h.deviceToHost, h.connection}
	files = append(files, h.epIn[:]...)
	files = append(files, h.epOut[:]...)
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// exchange sends one message on the control pipe and reads the reply.
// Caller must hold h.ctrlMutex.
func (h *Host) exchange(ctx context.Context, msgType byte, parts ...[]byte) (byte, []byte, error) {
	select {
	case <-h.gone:
		return 0, nil, pkg.ErrNotConnected
	default:
	}
	if err := writeMessage(h.hostToDevice, h.ctrlBuf[:], msgType, parts...); err != nil {
		return 0, nil, err
	}
	return readMessage(ctx, h.gone, h.deviceToHost, h.ctrlBuf[:])
}

// BusReset resets the device.
func (h *Host) BusReset(ctx context.Context) error {
	h.ctrlMutex.Lock()
	defer h.ctrlMutex.Unlock()

	reply, _, err := h.exchange(ctx, msgReset)
	if err != nil {
		return err
	}
	if reply != msgAck {
		return pkg.ErrNotConnected
	}
	return nil
}

// StartOfFrame issues one start-of-frame token.
func (h *Host) StartOfFrame() error {
	h.ctrlMutex.Lock()
	defer h.ctrlMutex.Unlock()
	return writeMessage(h.hostToDevice, h.ctrlBuf[:], msgSOF)
}

// Suspend stops bus traffic so the device suspends.
func (h *Host) Suspend() error {
	h.ctrlMutex.Lock()
	defer h.ctrlMutex.Unlock()
	return writeMessage(h.hostToDevice, h.ctrlBuf[:], msgSuspend)
}

// Resume wakes a suspended device.
func (h *Host) Resume() error {
	h.ctrlMutex.Lock()
	defer h.ctrlMutex.Unlock()
	return writeMessage(h.hostToDevice, h.ctrlBuf[:], msgResume)
}

// Control performs one control transfer. The returned slice is the IN data
// stage, if any.
func (h *Host) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) ([]byte, error) {
	if len(data) > hal.MaxControlDataSize {
		return nil, pkg.ErrInvalidParameter
	}

	h.ctrlMutex.Lock()
	defer h.ctrlMutex.Unlock()

	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])

	reply, payload, err := h.exchange(ctx, msgSetup, raw[:], data)
	if err != nil {
		return nil, err
	}
	switch reply {
	case msgData:
		return append([]byte{}, payload...), nil
	case msgAck:
		return nil, nil
	case msgStall:
		return nil, pkg.ErrStall
	case msgNak:
		return nil, pkg.ErrNAK
	default:
		return nil, pkg.ErrProtocol
	}
}

// Out sends one packet to an OUT endpoint.
func (h *Host) Out(ctx context.Context, num uint8, data []byte) error {
	if num == 0 || num > hal.MaxDataEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	if len(data) > hal.MaxPacketSize {
		return pkg.ErrInvalidParameter
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.gone:
		return pkg.ErrNotConnected
	default:
	}

	h.epMutex[num-1].Lock()
	defer h.epMutex[num-1].Unlock()
	return writeMessage(h.epOut[num-1], h.epBuf[num-1][:], msgData, data)
}

// In receives one packet from an IN endpoint. A zero-length packet returns
// an empty slice.
func (h *Host) In(ctx context.Context, num uint8) ([]byte, error) {
	if num == 0 || num > hal.MaxDataEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}

	h.epMutex[num-1].Lock()
	defer h.epMutex[num-1].Unlock()

	msgType, payload, err := readMessage(ctx, h.gone, h.epIn[num-1], h.epBuf[num-1][:])
	if err != nil {
		return nil, err
	}
	switch msgType {
	case msgData:
		return append([]byte{}, payload...), nil
	case msgStall:
		return nil, pkg.ErrStall
	default:
		return nil, pkg.ErrProtocol
	}
}
