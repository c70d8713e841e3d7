// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package report formats the progress and the readings of a polling cycle as
// lines of text for a serial terminal.
//
// Each sensor reading is one line made of the ROM code, CRC byte first, and
// the temperature:
//
//	740000070E41AC28 +077.0
//
// A blank line ends each cycle that got a presence pulse. Lines end with
// CRLF.
package report

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/GermanBionicSystems/owtherm/ds18b20"
	"github.com/GermanBionicSystems/owtherm/romsearch"
)

// Unit is the temperature unit used in sensor lines.
type Unit int

const (
	Fahrenheit Unit = iota
	Celsius
)

func (u Unit) String() string {
	if u == Celsius {
		return "Celsius"
	}
	return "Fahrenheit"
}

// Format formats a reading in tenths of u, like "+077.0".
func (u Unit) Format(r ds18b20.Reading) string {
	if u == Celsius {
		return ds18b20.FormatTenths(r.Celsius())
	}
	return ds18b20.FormatTenths(r.Fahrenheit())
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Verbose adds progress messages and the raw scratchpad to the output.
	Verbose bool
	Unit    Unit
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{Unit: Fahrenheit}

const newline = "\r\n"

// New returns a Reporter writing to w.
func New(w io.Writer, opts *Opts) *Reporter {
	if opts == nil {
		opts = &DefaultOpts
	}
	return &Reporter{w: w, opts: *opts}
}

// Reporter writes the report of polling cycles.
//
// Write errors are sticky: once one happened, nothing else is written and
// Err returns it.
type Reporter struct {
	w    io.Writer
	opts Opts
	buf  strings.Builder
	err  error
}

// Start reports that a cycle started.
func (r *Reporter) Start() {
	r.progress("Received start signal. Querying bus...")
}

// Presence reports the outcome of the first reset of a cycle.
func (r *Reporter) Presence(present bool) {
	if present {
		r.progress("Received presence pulse. Requesting temp. conversion")
	} else {
		r.progress("Presence pulse not detected.")
	}
}

// Converting reports that the conversion is in progress.
func (r *Reporter) Converting() {
	r.progress("Awaiting conversion")
}

// Searching reports that the search for sensors started.
func (r *Reporter) Searching() {
	r.progress("Searching for DS18B20 devices and reading data")
}

// Sensor reports the reading of one sensor.
func (r *Reporter) Sensor(rom romsearch.ROM, spad *ds18b20.Scratchpad, reading ds18b20.Reading) {
	r.buf.Reset()
	if r.opts.Verbose {
		r.buf.WriteString("Scratchpad: ")
		r.buf.WriteString(strings.ToUpper(hex.EncodeToString(spad[:])))
		r.buf.WriteString(newline)
		r.buf.WriteString("Romcode: ")
	}
	r.buf.WriteString(rom.String())
	if r.opts.Verbose {
		r.buf.WriteString(newline)
		r.buf.WriteString("Temperature:")
	}
	r.buf.WriteByte(' ')
	r.buf.WriteString(r.Format(reading))
	r.buf.WriteString(newline)
	r.write(r.buf.String())
}

// Failure reports an error that did not stop the polling.
func (r *Reporter) Failure(err error) {
	r.write("Error: " + err.Error() + newline)
}

// End closes the report of a cycle.
func (r *Reporter) End() {
	r.write(newline)
}

// Format formats a reading in the configured unit, like "+077.0".
func (r *Reporter) Format(reading ds18b20.Reading) string {
	return r.opts.Unit.Format(reading)
}

// Err returns the first write error.
func (r *Reporter) Err() error {
	return r.err
}

//

func (r *Reporter) progress(msg string) {
	if r.opts.Verbose {
		r.write(msg + newline)
	}
}

func (r *Reporter) write(s string) {
	if r.err != nil {
		return
	}
	_, r.err = io.WriteString(r.w, s)
}
