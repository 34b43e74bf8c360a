// Package sysint is a software interrupt controller with prioritized,
// individually enabled sources and a global enable.
//
// Handlers run on the controller's dispatcher goroutine, which plays the
// role of interrupt context: a handler is never preempted by another
// handler and must not block for long.
//
//	ctrl := sysint.New()
//	defer ctrl.Close()
//	ctrl.EnableGlobal()
//	_ = ctrl.Init(&sysint.Config{Source: 4, Priority: 0}, isr)
//	ctrl.EnableIRQ(4)
//	ctrl.SetPending(4) // isr runs on the dispatcher
package sysint
