package fifo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/device/hal/sim"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Device is a USB-FS block whose bus is a directory of named pipes.
//
// The register-level behavior comes from an embedded sim.Block. Pump
// goroutines translate pipe messages from a host process into bus
// transactions on the block, which in turn latch interrupt causes for the
// peripheral driver.
type Device struct {
	*sim.Block

	busDir    string
	deviceDir string
	uuid      string

	hostToDevice *os.File
	deviceToHost *os.File
	connection   *os.File
	epIn         [hal.MaxDataEndpoints]*os.File
	epOut        [hal.MaxDataEndpoints]*os.File

	mutex    sync.Mutex
	initDone bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pipe-backed device under busDir.
// The device creates its own subdirectory (device-{uuid}/) during Init.
func New(busDir string) *Device {
	return &Device{
		Block:  sim.New(),
		busDir: busDir,
	}
}

// generateUUID generates a random UUID using crypto/rand.
func generateUUID() (string, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return hex.EncodeToString(uuid[:]), nil
}

// Init creates the device directory and its pipes, then powers up the block.
func (d *Device) Init(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.initDone {
		return pkg.ErrAlreadyRunning
	}

	uuid, err := generateUUID()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	d.uuid = uuid
	d.deviceDir = filepath.Join(d.busDir, devicePrefix+uuid)

	if err := os.MkdirAll(d.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost, fifoConnection}
	for num := uint8(1); num <= hal.MaxDataEndpoints; num++ {
		names = append(names, epInName(num), epOutName(num))
	}
	for _, name := range names {
		if err := createFIFO(d.deviceDir, name); err != nil {
			d.cleanup()
			return err
		}
	}

	open := func(name string, out **os.File) {
		if err != nil {
			return
		}
		*out, err = openFIFO(d.deviceDir, name)
	}
	open(fifoConnection, &d.connection)
	open(fifoDeviceToHost, &d.deviceToHost)
	open(fifoHostToDevice, &d.hostToDevice)
	for num := uint8(1); num <= hal.MaxDataEndpoints; num++ {
		open(epInName(num), &d.epIn[num-1])
		open(epOutName(num), &d.epOut[num-1])
	}
	if err != nil {
		d.cleanup()
		return err
	}

	if err := d.Block.Init(ctx); err != nil {
		d.cleanup()
		return err
	}

	d.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo device initialized",
		"busDir", d.busDir,
		"deviceDir", d.deviceDir,
		"uuid", d.uuid)
	return nil
}

// Start attaches the block, signals connection to the host and starts
// the pipe pumps.
func (d *Device) Start() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initDone {
		return pkg.ErrNotConfigured
	}
	if d.running {
		return pkg.ErrAlreadyRunning
	}
	if err := d.Block.Start(); err != nil {
		return err
	}

	if _, err := d.connection.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.controlPump(ctx)
	for num := uint8(1); num <= hal.MaxDataEndpoints; num++ {
		d.wg.Add(2)
		go d.outPump(ctx, num)
		go d.inPump(ctx, num)
	}

	pkg.LogInfo(pkg.ComponentHAL, "fifo device started")
	return nil
}

// Stop signals disconnection, stops the pumps and removes the pipes.
func (d *Device) Stop() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.running {
		if _, err := d.connection.Write([]byte{sigDisconnect}); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "failed to signal disconnection", "error", err)
		}
		d.cancel()
	}
	err := d.Block.Stop()
	d.wg.Wait()
	d.running = false

	d.cleanup()
	d.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo device stopped")
	return err
}

// cleanup closes all pipes and removes the device directory.
func (d *Device) cleanup() {
	closeFile := func(f **os.File) {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	closeFile(&d.hostToDevice)
	closeFile(&d.deviceToHost)
	closeFile(&d.connection)
	for i := range d.epIn {
		closeFile(&d.epIn[i])
		closeFile(&d.epOut[i])
	}
	if d.deviceDir != "" {
		os.RemoveAll(d.deviceDir)
	}
}

// DeviceDir returns the device subdirectory path.
func (d *Device) DeviceDir() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.deviceDir
}

// UUID returns the device's unique identifier.
func (d *Device) UUID() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.uuid
}

// controlPump services bus resets, frames and control transfers.
func (d *Device) controlPump(ctx context.Context) {
	defer d.wg.Done()

	var (
		rbuf [headerSize + maxPayload]byte
		wbuf [headerSize + hal.MaxControlDataSize]byte
	)
	for {
		msgType, payload, err := readMessage(ctx, nil, d.hostToDevice, rbuf[:])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHAL, "control read failed", "error", err)
			continue
		}

		switch msgType {
		case msgReset:
			pkg.LogDebug(pkg.ComponentHAL, "bus reset received")
			reply := byte(msgAck)
			if err := d.Block.BusReset(ctx); err != nil {
				reply = msgNak
			}
			err = writeMessage(d.deviceToHost, wbuf[:], reply)

		case msgSOF:
			d.Block.StartOfFrame()
			continue

		case msgSuspend:
			d.Block.Suspend()
			continue

		case msgResume:
			d.Block.Resume()
			continue

		case msgSetup:
			var setup hal.SetupPacket
			if !hal.ParseSetupPacket(payload, &setup) {
				pkg.LogWarn(pkg.ComponentHAL, "short setup message", "length", len(payload))
				err = writeMessage(d.deviceToHost, wbuf[:], msgStall)
				break
			}
			resp, cerr := d.Block.Control(ctx, &setup, payload[hal.SetupPacketSize:])
			switch {
			case errors.Is(cerr, pkg.ErrStall):
				err = writeMessage(d.deviceToHost, wbuf[:], msgStall)
			case cerr != nil:
				if ctx.Err() != nil {
					return
				}
				err = writeMessage(d.deviceToHost, wbuf[:], msgNak)
			case setup.IsDeviceToHost():
				err = writeMessage(d.deviceToHost, wbuf[:], msgData, resp)
			default:
				err = writeMessage(d.deviceToHost, wbuf[:], msgAck)
			}

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", msgType)
			continue
		}

		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "control reply failed", "error", err)
		}
	}
}

// outPump moves host packets from an endpoint pipe into the OUT buffer.
func (d *Device) outPump(ctx context.Context, num uint8) {
	defer d.wg.Done()

	var buf [headerSize + hal.MaxPacketSize]byte
	for {
		msgType, payload, err := readMessage(ctx, nil, d.epOut[num-1], buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHAL, "OUT read failed", "endpoint", num, "error", err)
			continue
		}
		if msgType != msgData {
			pkg.LogWarn(pkg.ComponentHAL, "unexpected OUT message", "endpoint", num, "type", msgType)
			continue
		}
		if err := d.Block.Out(ctx, num, payload); err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogDebug(pkg.ComponentHAL, "OUT packet dropped", "endpoint", num, "error", err)
		}
	}
}

// inPump forwards packets loaded into an IN buffer to the endpoint pipe.
func (d *Device) inPump(ctx context.Context, num uint8) {
	defer d.wg.Done()

	var buf [headerSize + hal.MaxPacketSize]byte
	for {
		data, err := d.Block.In(ctx, num)
		switch {
		case err == nil:
			err = writeMessage(d.epIn[num-1], buf[:], msgData, data)
		case errors.Is(err, pkg.ErrStall):
			err = writeMessage(d.epIn[num-1], buf[:], msgStall)
			select {
			case <-ctx.Done():
			case <-time.After(pollInterval):
			}
		case errors.Is(err, pkg.ErrNotConnected):
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "IN write failed", "endpoint", num, "error", err)
		}
	}
}

// Compile-time interface check
var _ hal.DeviceHAL = (*Device)(nil)
