package cdcecho

import (
	"context"
	"runtime"

	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// BufferSize is the receive buffer size, one full-speed bulk packet.
const BufferSize = cdc.DataPacketSize

// Echo writes back whatever the host sends to one COM port.
type Echo struct {
	class *cdc.Class
	port  int
	buf   [BufferSize]byte
}

// NewEcho creates an echo loop for port.
func NewEcho(class *cdc.Class, port int) *Echo {
	return &Echo{class: class, port: port}
}

// Poll echoes the packet waiting on the port, if any, and returns the
// number of bytes echoed. It only fails if ctx ends while waiting for the
// port to accept data.
func (e *Echo) Poll(ctx context.Context) (int, error) {
	if !e.class.IsDataReady(e.port) {
		return 0, nil
	}

	n, err := e.class.GetAll(e.port, e.buf[:])
	if err != nil {
		pkg.LogDebug(pkg.ComponentApp, "receive failed", "port", e.port, "error", err)
		return 0, nil
	}
	if n == 0 {
		return 0, nil
	}

	if err := e.class.WaitReady(ctx, e.port); err != nil {
		return 0, err
	}
	if err := e.class.PutData(e.port, e.buf[:n]); err != nil {
		pkg.LogDebug(pkg.ComponentApp, "send failed", "port", e.port, "error", err)
	}

	// A full packet needs a zero-length packet to end the transfer.
	if n == BufferSize {
		if err := e.class.WaitReady(ctx, e.port); err != nil {
			return n, err
		}
		if err := e.class.PutData(e.port, nil); err != nil {
			pkg.LogDebug(pkg.ComponentApp, "zero-length packet failed", "port", e.port, "error", err)
		}
	}

	pkg.LogDebug(pkg.ComponentApp, "echoed", "port", e.port, "bytes", n)
	return n, nil
}

// Run polls until ctx ends.
func (e *Echo) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		n, err := e.Poll(ctx)
		if err != nil {
			break
		}
		if n == 0 {
			runtime.Gosched()
		}
	}
	pkg.LogDebug(pkg.ComponentApp, "echo loop stopped", "port", e.port)
	return nil
}
