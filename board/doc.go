// Package board brings up the peripherals of the target: a software
// interrupt controller and a USB full-speed block, either on a FIFO bus
// directory or supplied by the caller.
package board
