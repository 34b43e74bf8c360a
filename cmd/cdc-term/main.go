// Command cdc-term is a host-side terminal for a CDC device on a FIFO bus.
//
// Usage:
//
//	cdc-term [options] <bus-dir>
//
// It waits for a device to appear under bus-dir, enumerates it, opens the
// first ACM port, and then copies stdin to the device and the device's
// output to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/antongulenko/golib"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbfs-cdc/device/class/cdc"
	"github.com/ardnew/usbfs-cdc/device/hal/fifo"
	"github.com/ardnew/usbfs-cdc/host"
	"github.com/ardnew/usbfs-cdc/pkg"
)

type term struct {
	busDir      string
	baud        uint
	openTimeout time.Duration
	linger      time.Duration
}

func main() {
	t := term{
		baud:        uint(cdc.DefaultLineCoding.DTERate),
		openTimeout: 10 * time.Second,
		linger:      500 * time.Millisecond,
	}
	jsonLog := flag.Bool("json", false, "Use JSON log format")
	flag.UintVar(&t.baud, "baud", t.baud, "Line rate sent with SET_LINE_CODING")
	flag.DurationVar(&t.openTimeout, "open-timeout", t.openTimeout, "Time to wait for a device to appear and enumerate")
	flag.DurationVar(&t.linger, "linger", t.linger, "Time to keep printing device output after stdin closes")
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
	t.busDir = flag.Arg(0)

	golib.Checkerr(t.run())
}

func (t *term) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, t.openTimeout)
	defer cancel()

	pkg.LogInfo(pkg.ComponentHost, "waiting for device", "busDir", t.busDir)
	port, err := fifo.Open(openCtx, t.busDir)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer func() { golib.Printerr(port.Close()) }()

	dev, err := host.New(port).Enumerate(openCtx)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	acm, err := dev.FindACM(0)
	if err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "device ready",
		"manufacturer", dev.Manufacturer(),
		"product", dev.Product(),
		"serial", dev.SerialNumber())

	lc := cdc.DefaultLineCoding
	lc.DTERate = uint32(t.baud)
	if err := acm.SetLineCoding(openCtx, &lc); err != nil {
		return fmt.Errorf("set line coding: %w", err)
	}
	if err := acm.SetControlLineState(openCtx, true, true); err != nil {
		return fmt.Errorf("set control line state: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		golib.Printerr(acm.SetControlLineState(closeCtx, false, false))
	}()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	readDone := make(chan error, 1)
	go func() { readDone <- t.print(readCtx, acm) }()

	err = t.send(ctx, acm)
	if err == nil {
		// Give the device time to answer the last line.
		select {
		case <-time.After(t.linger):
		case <-ctx.Done():
		}
	}
	stopReading()
	if rerr := <-readDone; !errors.Is(rerr, context.Canceled) {
		err = errors.Join(err, rerr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// send copies stdin to the device until EOF or ctx ends.
func (t *term) send(ctx context.Context, acm *host.ACM) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4*acm.MaxPacket())
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stdin: %w", err)
		case chunk := <-chunks:
			if err := acm.Write(ctx, chunk); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// print copies device output to stdout until ctx ends.
func (t *term) print(ctx context.Context, acm *host.ACM) error {
	for {
		pkt, err := acm.ReadPacket(ctx)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(pkt); err != nil {
			return fmt.Errorf("stdout: %w", err)
		}
	}
}
