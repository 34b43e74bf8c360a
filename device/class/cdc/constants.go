package cdc

import (
	"encoding/binary"

	"github.com/ardnew/usbfs-cdc/device"
)

// Functional descriptor subtypes (CDC 1.2 Table 13) used by ACM.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// Communications interface subclass and protocol.
const (
	SubclassACM  = 0x02 // Abstract Control Model
	ProtocolNone = 0x00
	ProtocolAT   = 0x01 // V.250 AT commands
)

// CDCVersion is the bcdCDC announced in the header functional descriptor.
const CDCVersion = 0x0120

// PSTN class requests (PSTN 1.2 Table 13).
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// NotificationSerialState is the bNotification code of SERIAL_STATE.
const NotificationSerialState = 0x20

// SerialStateNotificationSize is the size of a SERIAL_STATE notification:
// an 8-byte header followed by the 2-byte state bitmap.
const SerialStateNotificationSize = 10

// Stop bits (bCharFormat).
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity (bParityType).
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// Control line state bits (wValue of SET_CONTROL_LINE_STATE).
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// Serial state bits (SERIAL_STATE notification).
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// Call management capability bits.
const (
	CallMgmtSelf     = 1 << 0 // device handles call management itself
	CallMgmtOverData = 1 << 1 // over the data class interface
)

// ACM capability bits.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1 // SET/GET_LINE_CODING, SET_CONTROL_LINE_STATE
	ACMCapSendBreak   = 1 << 2
	ACMCapNetworkConn = 1 << 3
)

// LineCoding is the serial line configuration exchanged by
// SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // bits per second
	CharFormat uint8  // StopBits*
	ParityType uint8  // Parity*
	DataBits   uint8  // 5, 6, 7, 8 or 16
}

// LineCodingSize is the wire size of LineCoding.
const LineCodingSize = 7

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes lc to buf and returns the number of bytes written, or 0
// if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes data into out. It returns false if data is too
// short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = binary.LittleEndian.Uint32(data)
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// Functional descriptor sizes.
const (
	HeaderDescriptorSize         = 5
	CallManagementDescriptorSize = 5
	ACMDescriptorSize            = 4
	UnionDescriptorSize          = 5

	// FunctionalDescriptorsSize is the size of the set written by
	// FunctionalDescriptorsTo.
	FunctionalDescriptorsSize = HeaderDescriptorSize + CallManagementDescriptorSize +
		ACMDescriptorSize + UnionDescriptorSize
)

// FunctionalDescriptorsTo writes the header, call management, ACM and union
// functional descriptors of one ACM function to buf. It returns 0 if buf is
// too small.
func FunctionalDescriptorsTo(buf []byte, commIface, dataIface uint8) int {
	if len(buf) < FunctionalDescriptorsSize {
		return 0
	}
	b := buf[:0]
	b = append(b, HeaderDescriptorSize, device.DescriptorTypeCSInterface, SubtypeHeader,
		byte(CDCVersion&0xFF), byte(CDCVersion>>8))
	b = append(b, CallManagementDescriptorSize, device.DescriptorTypeCSInterface, SubtypeCallManagement,
		0, dataIface)
	b = append(b, ACMDescriptorSize, device.DescriptorTypeCSInterface, SubtypeACM,
		ACMCapLineCoding|ACMCapSendBreak)
	b = append(b, UnionDescriptorSize, device.DescriptorTypeCSInterface, SubtypeUnion,
		commIface, dataIface)
	return len(b)
}

// serialStateTo writes a SERIAL_STATE notification for iface to buf, which
// must hold SerialStateNotificationSize bytes.
func serialStateTo(buf []byte, iface uint8, state uint16) []byte {
	buf[0] = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
	buf[1] = NotificationSerialState
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint16(buf[4:], uint16(iface))
	binary.LittleEndian.PutUint16(buf[6:], 2)
	binary.LittleEndian.PutUint16(buf[8:], state)
	return buf[:SerialStateNotificationSize]
}
