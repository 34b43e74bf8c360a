// Package fifo connects a USB-FS device block to a host process through
// named pipes.
//
// [Device] embeds the in-memory block from package sim and pumps pipe
// messages into bus transactions on it. [Host] is the matching peer: it
// discovers the device directory, then issues resets, control transfers
// and endpoint packets over the pipes.
//
// # Layout
//
// Each device instance creates a unique subdirectory under a shared bus
// directory:
//
//	/tmp/usb-bus/                    # Bus directory (shared with host)
//	└── device-{uuid}/               # Device subdirectory (unique per device)
//	    ├── connection               # Connection signaling (device → host)
//	    ├── host_to_device           # Reset, SOF and SETUP messages
//	    ├── device_to_host           # Control replies
//	    ├── ep1_in, ep1_out          # Endpoint 1 data pipes
//	    └── ...                      # (up to ep8_in/ep8_out)
//
// # Protocol
//
// Every message is framed as [type, len_lo, len_hi, payload...]. A SETUP
// message carries the 8-byte setup packet followed by any OUT data stage.
// The device answers each reset or SETUP on device_to_host with DATA
// (IN data stage), ACK, NAK or STALL. Endpoint pipes carry one DATA
// message per packet; a zero-length DATA message is a ZLP.
//
// The device writes 0x01 to the connection pipe when it attaches and 0x00
// when it detaches.
//
// # Usage
//
//	dev := fifo.New("/tmp/usb-bus")
//	// hand dev to board.Init as the USB block
//
//	// in another process
//	h, err := fifo.Open(ctx, "/tmp/usb-bus")
//	_ = h.BusReset(ctx)
package fifo
