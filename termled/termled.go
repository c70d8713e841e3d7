// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package termled implements a gpio.PinOut that shows a LED on the terminal
// using ANSI color codes.
//
// Useful to watch a LED pattern on a host without a LED wired to it.
package termled

import (
	"bytes"
	"errors"
	"image/color"
	"io"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Opts represents the options available for this LED.
type Opts struct {
	Name    string      // pin name
	Color   color.NRGBA // color at full brightness
	Palette *ansi256.Palette
	W       io.Writer // nil means stdout

	_ struct{}
}

// DefaultOpts is a green LED on stdout.
var DefaultOpts = Opts{Name: "LED", Color: color.NRGBA{G: 255, A: 255}}

// Dev is a LED emulator that outputs to the console.
type Dev struct {
	name    string
	w       io.Writer
	on      color.NRGBA
	palette ansi256.Palette

	mu   sync.Mutex
	duty gpio.Duty
	buf  bytes.Buffer
}

// New returns a LED that displays at the console. It starts off and is not
// drawn until its level is first set.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	name := opts.Name
	if name == "" {
		name = DefaultOpts.Name
	}
	return &Dev{name: name, w: w, on: opts.Color, palette: *p}
}

func (d *Dev) String() string {
	return "TermLED(" + d.name + ")"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Name implements pin.Pin.
func (d *Dev) Name() string {
	return d.name
}

// Number implements pin.Pin.
func (d *Dev) Number() int {
	return -1
}

// Function implements pin.Pin.
func (d *Dev) Function() string {
	return "Out"
}

// Out implements gpio.PinOut.
func (d *Dev) Out(l gpio.Level) error {
	if l {
		return d.set(gpio.DutyMax)
	}
	return d.set(0)
}

// PWM implements gpio.PinOut.
//
// The brightness is the color scaled by duty, f is ignored.
func (d *Dev) PWM(duty gpio.Duty, f physic.Frequency) error {
	if !duty.Valid() {
		return errors.New("termled: invalid duty cycle")
	}
	return d.set(duty)
}

// Duty returns the current duty cycle.
func (d *Dev) Duty() gpio.Duty {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duty
}

// Color returns the color currently shown.
func (d *Dev) Color() color.NRGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.color()
}

//

func (d *Dev) set(duty gpio.Duty) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duty = duty
	return d.refresh()
}

func (d *Dev) color() color.NRGBA {
	scale := func(v uint8) uint8 {
		return uint8(int64(v) * int64(d.duty) / int64(gpio.DutyMax))
	}
	return color.NRGBA{scale(d.on.R), scale(d.on.G), scale(d.on.B), 255}
}

func (d *Dev) refresh() error {
	// This code is designed to minimize the amount of memory allocated per call.
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	_, _ = io.WriteString(&d.buf, d.palette.Block(d.color()))
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return err
}

var _ gpio.PinOut = &Dev{}
