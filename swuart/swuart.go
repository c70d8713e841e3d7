// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package swuart implements a transmit only software UART over a GPIO pin.
//
// Frames are 8N1: a start bit, 8 data bits least significant bit first and a
// stop bit. The line idles high.
package swuart

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtherm/onewirebb"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	Baud int // bits per second, 300..115200

	Clock   onewirebb.Clock         // nil means onewirebb.BusyWait
	Section onewirebb.TimingSection // nil means onewirebb.LockedThread
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{Baud: 9600}

// New returns a transmitter on pin p and drives the line idle.
func New(p gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Baud < 300 || opts.Baud > 115200 {
		return nil, errors.New("swuart: Baud must be within 300..115200")
	}
	d := &Dev{p: p, bit: time.Second / time.Duration(opts.Baud), clock: opts.Clock, section: opts.Section}
	if d.clock == nil {
		d.clock = onewirebb.BusyWait{}
	}
	if d.section == nil {
		d.section = onewirebb.LockedThread{}
	}
	if err := d.out(gpio.High); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a software UART transmitter. It implements io.Writer.
type Dev struct {
	mu      sync.Mutex
	p       gpio.PinOut
	bit     time.Duration
	clock   onewirebb.Clock
	section onewirebb.TimingSection
}

func (d *Dev) String() string {
	return "swuart{" + d.p.String() + "}"
}

// Halt implements conn.Resource.
//
// It drives the line idle.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out(gpio.High)
}

// Write sends b, one frame per byte.
//
// On error, n is the number of bytes fully sent.
func (d *Dev) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range b {
		if err := d.frame(c); err != nil {
			// Leave the line idle so the receiver can resynchronize.
			_ = d.out(gpio.High)
			return i, err
		}
	}
	return len(b), nil
}

// frame sends one byte. Its timing must not be interrupted.
func (d *Dev) frame(c byte) error {
	defer d.section.Begin()()
	if err := d.send(gpio.Low); err != nil {
		return err
	}
	for i := range 8 {
		if err := d.send(c>>uint(i)&1 != 0); err != nil {
			return err
		}
	}
	return d.send(gpio.High)
}

func (d *Dev) send(l gpio.Level) error {
	if err := d.out(l); err != nil {
		return err
	}
	d.clock.Delay(d.bit)
	return nil
}

func (d *Dev) out(l gpio.Level) error {
	if err := d.p.Out(l); err != nil {
		return fmt.Errorf("swuart: failed to drive %s: %w", d.p, err)
	}
	return nil
}

var _ conn.Resource = &Dev{}
