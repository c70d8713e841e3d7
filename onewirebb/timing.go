// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"runtime"
	"time"
)

// Clock provides the delays the bus timing is built on.
type Clock interface {
	// Delay returns after at least d has elapsed.
	Delay(d time.Duration)
}

// BusyWait is a Clock that spins on the monotonic clock.
//
// time.Sleep has a granularity far coarser than a 1-wire time slot, so the
// goroutine keeps the CPU for the whole delay.
type BusyWait struct{}

// Delay implements Clock.
func (BusyWait) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	for start := time.Now(); time.Since(start) < d; {
	}
}

// TimingSection brackets a time critical bus primitive.
//
// Begin enters the section and returns the function that leaves it. Callers
// use it as:
//
//	defer section.Begin()()
type TimingSection interface {
	Begin() (end func())
}

// LockedThread is a TimingSection that wires the calling goroutine to its
// OS thread for the duration of the section.
type LockedThread struct{}

// Begin implements TimingSection.
func (LockedThread) Begin() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// NoSection is a TimingSection that does nothing. It is meant for simulated
// buses where time is virtual.
type NoSection struct{}

// Begin implements TimingSection.
func (NoSection) Begin() func() {
	return func() {}
}

var _ Clock = BusyWait{}
var _ TimingSection = LockedThread{}
var _ TimingSection = NoSection{}
