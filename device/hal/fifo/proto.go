package fifo

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// Message types of the pipe protocol. Every message is framed as
// [type, len_lo, len_hi, payload...].
const (
	msgSetup   = 0x01 // SETUP packet plus OUT data stage (host to device)
	msgData    = 0x02 // Data packet or IN data stage
	msgAck     = 0x03 // Status stage completed
	msgNak     = 0x04 // Transaction not accepted
	msgStall   = 0x05 // STALL handshake
	msgSOF     = 0x11 // Start of frame
	msgReset   = 0x12 // Bus reset
	msgSuspend = 0x13 // Bus suspend
	msgResume  = 0x14 // Resume signaling
)

// Header size for messages.
const headerSize = 3 // type (1) + length (2)

// maxPayload bounds any message payload: a SETUP packet plus the largest
// control data stage.
const maxPayload = hal.SetupPacketSize + hal.MaxControlDataSize

// Connection signal bytes (one-way signaling to host).
const (
	sigConnect    = 0x01 // Device connected
	sigDisconnect = 0x00 // Device disconnected
)

// FIFO file names.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
	devicePrefix     = "device-"
)

// pollInterval bounds each blocking read so cancellation is observed.
const pollInterval = 100 * time.Millisecond

func epInName(num uint8) string  { return fmt.Sprintf("ep%d_in", num) }
func epOutName(num uint8) string { return fmt.Sprintf("ep%d_out", num) }

// createFIFO creates a named pipe, replacing any stale file.
func createFIFO(dir, name string) error {
	path := filepath.Join(dir, name)
	os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

// openFIFO opens a named pipe read-write and non-blocking. Holding both
// ends open keeps the pipe buffer alive while the peer is absent.
func openFIFO(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, retrying on read deadlines until
// ctx is done or gone is closed.
func readFull(ctx context.Context, gone <-chan struct{}, f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return pkg.ErrNotConnected
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// readMessage reads one framed message into buf and returns its type and
// payload. The payload aliases buf.
func readMessage(ctx context.Context, gone <-chan struct{}, f *os.File, buf []byte) (byte, []byte, error) {
	if err := readFull(ctx, gone, f, buf[:headerSize]); err != nil {
		return 0, nil, err
	}
	msgType := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if headerSize+length > len(buf) {
		// Skip the payload so the next read starts on a header.
		for left := length; left > 0; {
			n := min(left, len(buf))
			if err := readFull(ctx, gone, f, buf[:n]); err != nil {
				return msgType, nil, err
			}
			left -= n
		}
		return msgType, nil, fmt.Errorf("message length %d: %w", length, pkg.ErrProtocol)
	}
	payload := buf[headerSize : headerSize+length]
	if err := readFull(ctx, gone, f, payload); err != nil {
		return msgType, nil, err
	}
	return msgType, payload, nil
}

// writeMessage frames and writes one message using buf as scratch space.
func writeMessage(f *os.File, buf []byte, msgType byte, parts ...[]byte) error {
	n := headerSize
	for _, p := range parts {
		if n+len(p) > len(buf) {
			return pkg.ErrBufferTooSmall
		}
		n += copy(buf[n:], p)
	}
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(n-headerSize))

	written := 0
	for written < n {
		m, err := f.Write(buf[written:n])
		written += m
		if err != nil {
			return err
		}
	}
	return nil
}
