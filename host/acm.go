package host

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbfs-cdc/device"
	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// ACM drives one CDC ACM function of a device.
type ACM struct {
	dev *Device

	CommInterface  uint8
	DataInterface  uint8
	NotifyEndpoint uint8 // zero if the function has none
	InEndpoint     uint8
	OutEndpoint    uint8

	maxPacket int
}

// FindACM locates the index-th ACM function of the device. The data
// interface is taken from the union functional descriptor, or is the
// interface following the communications interface when there is none.
func (d *Device) FindACM(index int) (*ACM, error) {
	seen := 0
	for i := range d.interfaces {
		comm := &d.interfaces[i]
		desc := comm.Descriptor
		if desc.InterfaceClass != device.ClassCDC || desc.InterfaceSubClass != cdc.SubclassACM {
			continue
		}
		if seen != index {
			seen++
			continue
		}

		a := &ACM{
			dev:           d,
			CommInterface: desc.InterfaceNumber,
			DataInterface: desc.InterfaceNumber + 1,
		}
		for _, raw := range comm.ClassDescriptors {
			if len(raw) >= cdc.UnionDescriptorSize &&
				raw[1] == device.DescriptorTypeCSInterface && raw[2] == cdc.SubtypeUnion {
				a.DataInterface = raw[4]
			}
		}
		for _, ep := range comm.Endpoints {
			if ep.EndpointAddress&device.EndpointDirectionIn != 0 {
				a.NotifyEndpoint = ep.EndpointAddress
			}
		}

		data := d.GetInterface(a.DataInterface)
		if data == nil || data.Descriptor.InterfaceClass != device.ClassCDCData {
			return nil, fmt.Errorf("%w: no data interface %d", pkg.ErrNoDevice, a.DataInterface)
		}
		for _, ep := range data.Endpoints {
			if ep.Attributes&0x03 != device.EndpointTypeBulk {
				continue
			}
			if ep.EndpointAddress&device.EndpointDirectionIn != 0 {
				a.InEndpoint = ep.EndpointAddress
			} else {
				a.OutEndpoint = ep.EndpointAddress
			}
			a.maxPacket = int(ep.MaxPacketSize)
		}
		if a.InEndpoint == 0 || a.OutEndpoint == 0 {
			return nil, fmt.Errorf("%w: data interface %d lacks bulk endpoints",
				pkg.ErrInvalidEndpoint, a.DataInterface)
		}

		pkg.LogDebug(pkg.ComponentHost, "found ACM function",
			"comm", a.CommInterface,
			"data", a.DataInterface,
			"in", a.InEndpoint,
			"out", a.OutEndpoint)
		return a, nil
	}
	return nil, fmt.Errorf("%w: ACM function %d", pkg.ErrNoDevice, index)
}

// MaxPacket returns the bulk endpoint packet size.
func (a *ACM) MaxPacket() int { return a.maxPacket }

func (a *ACM) classRequest(ctx context.Context, in bool, request uint8, value, length uint16, data []byte) ([]byte, error) {
	dir := uint8(device.RequestDirectionHostToDevice)
	if in {
		dir = device.RequestDirectionDeviceToHost
	}
	setup := hal.SetupPacket{
		RequestType: dir | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(a.CommInterface),
		Length:      length,
	}
	return a.dev.Control(ctx, &setup, data)
}

// SetLineCoding sends SET_LINE_CODING.
func (a *ACM) SetLineCoding(ctx context.Context, lc *cdc.LineCoding) error {
	var buf [cdc.LineCodingSize]byte
	lc.MarshalTo(buf[:])
	_, err := a.classRequest(ctx, false, cdc.RequestSetLineCoding, 0, cdc.LineCodingSize, buf[:])
	return err
}

// GetLineCoding sends GET_LINE_CODING.
func (a *ACM) GetLineCoding(ctx context.Context) (cdc.LineCoding, error) {
	var lc cdc.LineCoding
	resp, err := a.classRequest(ctx, true, cdc.RequestGetLineCoding, 0, cdc.LineCodingSize, nil)
	if err != nil {
		return lc, err
	}
	if !cdc.ParseLineCoding(resp, &lc) {
		return lc, fmt.Errorf("%w: line coding of %d bytes", pkg.ErrProtocol, len(resp))
	}
	return lc, nil
}

// SetControlLineState sends SET_CONTROL_LINE_STATE.
func (a *ACM) SetControlLineState(ctx context.Context, dtr, rts bool) error {
	var value uint16
	if dtr {
		value |= cdc.ControlLineDTR
	}
	if rts {
		value |= cdc.ControlLineRTS
	}
	_, err := a.classRequest(ctx, false, cdc.RequestSetControlLineState, value, 0, nil)
	return err
}

// SendBreak sends SEND_BREAK for the given duration in milliseconds.
func (a *ACM) SendBreak(ctx context.Context, millis uint16) error {
	_, err := a.classRequest(ctx, false, cdc.RequestSendBreak, millis, 0, nil)
	return err
}

// Write sends data as one bulk transfer. A transfer whose last packet is
// full, including an empty one, is terminated by a zero-length packet.
func (a *ACM) Write(ctx context.Context, data []byte) error {
	num := a.OutEndpoint & 0x0F
	for {
		n := min(len(data), a.maxPacket)
		if err := a.dev.port.Out(ctx, num, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if n < a.maxPacket {
			return nil
		}
	}
}

// ReadPacket receives one packet from the bulk IN endpoint.
func (a *ACM) ReadPacket(ctx context.Context) ([]byte, error) {
	return a.dev.port.In(ctx, a.InEndpoint&0x0F)
}

// ReadTransfer receives packets until a short or zero-length one ends the
// transfer.
func (a *ACM) ReadTransfer(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		pkt, err := a.ReadPacket(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, pkt...)
		if len(pkt) < a.maxPacket {
			return out, nil
		}
	}
}

// ReadSerialState waits for a SERIAL_STATE notification and returns its
// state bitmap.
func (a *ACM) ReadSerialState(ctx context.Context) (uint16, error) {
	if a.NotifyEndpoint == 0 {
		return 0, pkg.ErrNotSupported
	}
	pkt, err := a.dev.port.In(ctx, a.NotifyEndpoint&0x0F)
	if err != nil {
		return 0, err
	}
	if len(pkt) < cdc.SerialStateNotificationSize || pkt[1] != cdc.NotificationSerialState {
		return 0, fmt.Errorf("%w: unexpected notification % X", pkg.ErrProtocol, pkt)
	}
	return binary.LittleEndian.Uint16(pkt[8:]), nil
}
