// Package pkg provides shared utilities for the USB-FS CDC stack.
//
// This package contains common functionality used across the hardware,
// driver, middleware, and application layers, including:
//
//   - Component-tagged structured logging backed by [github.com/sirupsen/logrus]
//   - Sentinel error values for USB and interrupt-controller errors
//   - The compile-time debug switch ([DebugEnabled], set with -tags debug)
//
// # Logging
//
// Log calls take a component and alternating key/value pairs:
//
//	pkg.SetLogLevel(logrus.DebugLevel)
//	pkg.LogInfo(pkg.ComponentDevice, "device configured", "config", 1)
//
// [DefaultLogger] is the logrus standard logger. Executables register
// golib's log flags and call [ConfigureLogging] after flag.Parse; a binary
// built with -tags debug logs at debug level whatever the flags say.
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // IN endpoint still holds the previous packet
//	}
package pkg
