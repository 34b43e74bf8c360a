// Command cdc-echo runs the CDC echo device on a FIFO bus.
//
// Usage:
//
//	cdc-echo [options] <bus-dir>
//
// The device creates its own subdirectory (device-{uuid}/) under bus-dir
// and waits for a host, such as cdc-term, to configure it. Everything the
// host writes is sent back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/antongulenko/golib"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbfs-cdc/cdcecho"
	"github.com/ardnew/usbfs-cdc/pkg"
)

func main() {
	cfg := cdcecho.DefaultConfig()
	jsonLog := flag.Bool("json", false, "Use JSON log format")
	vid := flag.Uint("vid", uint(cfg.VendorID), "USB vendor ID")
	pid := flag.Uint("pid", uint(cfg.ProductID), "USB product ID")
	flag.StringVar(&cfg.Product, "product", cfg.Product, "Product string")
	flag.StringVar(&cfg.SerialNumber, "serial", cfg.SerialNumber, "Serial number string")
	golib.RegisterLogFlags()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] <bus-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	pkg.ConfigureLogging()
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *vid > 0xFFFF || *pid > 0xFFFF {
		golib.Checkerr(fmt.Errorf("%w: vendor/product ID out of range", pkg.ErrInvalidParameter))
	}
	cfg.VendorID = uint16(*vid)
	cfg.ProductID = uint16(*pid)
	cfg.Board.BusDir = flag.Arg(0)

	golib.Checkerr(doMain(&cfg))
}

func doMain(cfg *cdcecho.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	pkg.LogInfo(pkg.ComponentApp, "starting CDC echo device", "busDir", cfg.Board.BusDir)
	err := cdcecho.Run(ctx, cfg)
	if errors.Is(err, context.Canceled) {
		// Interrupted before a host configured the device.
		err = nil
	}
	pkg.LogInfo(pkg.ComponentApp, "shut down")
	return err
}
