package sim

import (
	"context"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// WaitAttached blocks until the device enables its pull-up.
func (b *Block) WaitAttached(ctx context.Context) error {
	return b.wait(ctx, func() (bool, error) {
		return b.attached, nil
	})
}

// Address returns the address assigned by the host.
func (b *Block) Address() uint8 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.address
}

// Frame returns the number of start-of-frame tokens issued.
func (b *Block) Frame() uint16 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.frame
}

// BusReset signals a bus reset. The address returns to zero and every
// data endpoint is disabled until the next SET_CONFIGURATION.
func (b *Block) BusReset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mutex.Lock()
	if !b.attached {
		b.mutex.Unlock()
		return pkg.ErrNotConnected
	}
	b.address = 0
	b.eps = [hal.MaxDataEndpoints]endpoint{}
	b.hasSetup = false
	b.notifyLocked()
	b.mutex.Unlock()

	b.Raise(hal.CauseBusReset)
	return nil
}

// StartOfFrame issues one start-of-frame token.
func (b *Block) StartOfFrame() {
	b.mutex.Lock()
	attached := b.attached
	if attached {
		b.frame = (b.frame + 1) & 0x7FF
	}
	b.mutex.Unlock()

	if attached {
		b.Raise(hal.CauseSOF)
	}
}

// Suspend stops bus traffic long enough for the device to suspend.
func (b *Block) Suspend() {
	b.busEvent(hal.CauseSuspend)
}

// Resume signals resume to a suspended device.
func (b *Block) Resume() {
	b.busEvent(hal.CauseResume)
}

// busEvent latches c if the device is attached.
func (b *Block) busEvent(c hal.Cause) {
	b.mutex.Lock()
	attached := b.attached
	b.mutex.Unlock()

	if attached {
		b.Raise(c)
	}
}

// Control performs one control transfer. For host-to-device requests data
// is the OUT data stage. For device-to-host requests the IN data stage is
// returned, truncated to setup.Length. A STALL handshake returns
// pkg.ErrStall.
func (b *Block) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) ([]byte, error) {
	if len(data) > hal.MaxControlDataSize {
		return nil, pkg.ErrInvalidParameter
	}

	b.ctrlMutex.Lock()
	defer b.ctrlMutex.Unlock()

	b.mutex.Lock()
	if !b.attached {
		b.mutex.Unlock()
		return nil, pkg.ErrNotConnected
	}
	b.setup = *setup
	b.hasSetup = true
	b.ep0OutLen = copy(b.ep0Out[:], data)
	b.ep0InLen = 0
	b.reply = replyNone
	b.ctrlActive = true
	b.mutex.Unlock()

	b.Raise(hal.CauseEP0)

	var (
		kind uint8
		resp []byte
	)
	err := b.wait(ctx, func() (bool, error) {
		if !b.attached {
			return false, pkg.ErrNotConnected
		}
		if b.reply == replyNone {
			return false, nil
		}
		kind = b.reply
		n := b.ep0InLen
		if n > int(setup.Length) {
			n = int(setup.Length)
		}
		resp = append([]byte(nil), b.ep0In[:n]...)
		return true, nil
	})

	b.mutex.Lock()
	b.ctrlActive = false
	b.hasSetup = false
	b.reply = replyNone
	b.mutex.Unlock()

	if err != nil {
		return nil, err
	}
	if kind == replyStall {
		return nil, pkg.ErrStall
	}
	return resp, nil
}

// Out sends one packet to an OUT endpoint. It blocks (NAK) until the
// device arms the endpoint.
func (b *Block) Out(ctx context.Context, num uint8, data []byte) error {
	if num == 0 || num > hal.MaxDataEndpoints {
		return pkg.ErrInvalidEndpoint
	}

	err := b.wait(ctx, func() (bool, error) {
		if !b.attached {
			return false, pkg.ErrNotConnected
		}
		ep := &b.eps[num-1]
		if !ep.configured {
			return false, nil
		}
		if ep.in {
			return false, pkg.ErrInvalidEndpoint
		}
		if ep.stalled {
			return false, pkg.ErrStall
		}
		if len(data) > int(ep.maxPacket) {
			return false, pkg.ErrInvalidParameter
		}
		if !ep.ready || ep.full {
			return false, nil
		}
		ep.n = copy(ep.buf[:], data)
		ep.full = true
		ep.ready = false
		return true, nil
	})
	if err != nil {
		return err
	}

	b.Raise(hal.CauseEndpoint(num))
	return nil
}

// In receives one packet from an IN endpoint. It blocks (NAK) until the
// device loads a packet. A zero-length packet returns an empty slice.
func (b *Block) In(ctx context.Context, num uint8) ([]byte, error) {
	if num == 0 || num > hal.MaxDataEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}

	var data []byte
	err := b.wait(ctx, func() (bool, error) {
		if !b.attached {
			return false, pkg.ErrNotConnected
		}
		ep := &b.eps[num-1]
		if !ep.configured || !ep.in {
			return false, nil
		}
		if ep.stalled {
			return false, pkg.ErrStall
		}
		if !ep.ready {
			return false, nil
		}
		data = append([]byte{}, ep.buf[:ep.n]...)
		ep.ready = false
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	b.Raise(hal.CauseEndpoint(num))
	return data, nil
}
