// Package cdcecho is a USB CDC virtual serial port that echoes every byte
// the host sends.
//
// [Setup] brings the system up in a fixed order and stops at the first
// failure:
//
//  1. board.Init
//  2. enable global interrupts
//  3. USB device init (driver and middleware)
//  4. CDC class init
//  5. register the high, medium and low USB interrupt handlers
//  6. enable the three interrupt sources
//  7. connect, waiting until the host configures the device
//
// [Echo] then polls COM port 0. Received packets are written back
// unchanged, and a packet that filled the 64-byte buffer is followed by a
// zero-length packet so the host sees the end of the transfer.
package cdcecho
