// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtherm/romsearch"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
//
// The durations are the standard speed values of the Maxim application note
// "1-Wire Communication Through Software". Overdrive speed is not supported.
type Opts struct {
	InternalPullup bool // enable the pin's internal pull-up when releasing the line

	ResetLow       time.Duration // reset pulse, at least 480μs
	PresenceSample time.Duration // delay between release and presence sampling, 60μs..240μs
	ResetRecovery  time.Duration // delay after the presence sample
	Write1Low      time.Duration // low time of a write-1 slot, 1μs..15μs
	Write1Release  time.Duration // recovery after a write-1 low pulse
	Write0Low      time.Duration // low time of a write-0 slot, 60μs..120μs
	Write0Release  time.Duration // recovery after a write-0 low pulse
	ReadLow        time.Duration // low time starting a read slot, 1μs..15μs
	ReadSample     time.Duration // delay between release and sampling
	ReadRelease    time.Duration // recovery after sampling

	Clock   Clock         // nil means BusyWait
	Section TimingSection // nil means LockedThread
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       480 * time.Microsecond,
	PresenceSample: 70 * time.Microsecond,
	ResetRecovery:  410 * time.Microsecond,
	Write1Low:      6 * time.Microsecond,
	Write1Release:  64 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Release:  10 * time.Microsecond,
	ReadLow:        6 * time.Microsecond,
	ReadSample:     9 * time.Microsecond,
	ReadRelease:    55 * time.Microsecond,
}

// New returns a 1-wire bus master driving the line through pin q.
//
// The pin must be able to switch between output and input, and the line
// needs a pull-up resistor unless opts.InternalPullup is set and the pin
// provides one strong enough.
func New(q gpio.PinIO, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	d := &Dev{q: q, opts: *opts, pull: gpio.PullNoChange, clock: opts.Clock, section: opts.Section}
	if opts.InternalPullup {
		d.pull = gpio.PullUp
	}
	if d.clock == nil {
		d.clock = BusyWait{}
	}
	if d.section == nil {
		d.section = LockedThread{}
	}
	if err := d.release(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a bit-banged 1-wire bus master and it implements the
// onewire.BusSearcher interface.
//
// Tx and Search lock the bus for the duration of the transaction. Reset and
// the bit and byte primitives do not: a caller using them directly owns the
// sequencing of its transactions.
type Dev struct {
	sync.Mutex               // lock for the bus while a transaction is in progress
	q          gpio.PinIO    // data line
	opts       Opts          // slot timing
	pull       gpio.Pull     // pull applied when releasing the line
	clock      Clock         // delay source
	section    TimingSection // wraps each reset and time slot
}

func (d *Dev) String() string {
	return "onewirebb{" + d.q.String() + "}"
}

// Halt implements conn.Resource.
//
// It releases the line.
func (d *Dev) Halt() error {
	return d.release()
}

// Q implements onewire.Pins.
func (d *Dev) Q() gpio.PinIO {
	return d.q
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// With onewire.StrongPullup the master actively drives the line high after
// the last byte, until the next reset. This powers parasitic devices during
// a temperature conversion or an EEPROM write.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()

	if present, err := d.Reset(); err != nil {
		return err
	} else if !present {
		return noDevicesError("onewirebb: no device present")
	}
	for _, b := range w {
		if err := d.WriteByte(b); err != nil {
			return err
		}
	}
	for i := range r {
		b, err := d.ReadByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	if power == onewire.StrongPullup {
		if err := d.q.Out(gpio.High); err != nil {
			return fmt.Errorf("onewirebb: strong pull-up: %w", err)
		}
	}
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	s := romsearch.Searcher{Alarm: alarmOnly}
	roms, err := romsearch.All(d, &s)
	addrs := make([]onewire.Address, 0, len(roms))
	for _, r := range roms {
		addrs = append(addrs, r.Address())
	}
	return addrs, err
}

// SearchTriplet performs a single bit search triplet on the bus: it reads
// the bit and its complement from the devices still participating in the
// search and writes back the direction taken.
//
// When devices disagree, direction is taken. When no device answers a one is
// written; the search is aborted by the caller anyway.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	id, err := d.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	cmp, err := d.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	tr := onewire.TripletResult{GotZero: id == 0, GotOne: cmp == 0}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		tr.Taken = 1
	}
	return tr, d.WriteBit(tr.Taken)
}

// Reset issues a reset pulse on the 1-wire bus and returns true if any device
// responded with a presence pulse.
//
// A line that is still low once released is reported as a shorted bus.
func (d *Dev) Reset() (bool, error) {
	defer d.section.Begin()()
	if err := d.release(); err != nil {
		return false, err
	}
	if d.q.Read() == gpio.Low {
		return false, shortedBusError("onewirebb: bus has a short")
	}
	if err := d.low(); err != nil {
		return false, err
	}
	d.clock.Delay(d.opts.ResetLow)
	if err := d.release(); err != nil {
		return false, err
	}
	d.clock.Delay(d.opts.PresenceSample)
	present := d.q.Read() == gpio.Low
	d.clock.Delay(d.opts.ResetRecovery)
	return present, nil
}

// WriteBit writes the least significant bit of b in one time slot.
func (d *Dev) WriteBit(b byte) error {
	low, rel := d.opts.Write0Low, d.opts.Write0Release
	if b&1 != 0 {
		low, rel = d.opts.Write1Low, d.opts.Write1Release
	}
	defer d.section.Begin()()
	if err := d.low(); err != nil {
		return err
	}
	d.clock.Delay(low)
	if err := d.release(); err != nil {
		return err
	}
	d.clock.Delay(rel)
	return nil
}

// ReadBit generates a read time slot and returns the bit a device sent, 0 or 1.
//
// With no device on the bus, the pull-up makes every bit read as 1.
func (d *Dev) ReadBit() (byte, error) {
	defer d.section.Begin()()
	if err := d.low(); err != nil {
		return 0, err
	}
	d.clock.Delay(d.opts.ReadLow)
	if err := d.release(); err != nil {
		return 0, err
	}
	d.clock.Delay(d.opts.ReadSample)
	var b byte
	if d.q.Read() == gpio.High {
		b = 1
	}
	d.clock.Delay(d.opts.ReadRelease)
	return b, nil
}

// WriteByte writes b on the bus, least significant bit first.
func (d *Dev) WriteByte(b byte) error {
	for i := range 8 {
		if err := d.WriteBit(b >> uint(i)); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte reads a byte from the bus, least significant bit first.
func (d *Dev) ReadByte() (byte, error) {
	var v byte
	for i := range 8 {
		b, err := d.ReadBit()
		if err != nil {
			return 0, err
		}
		v |= b << uint(i)
	}
	return v, nil
}

//

func (d *Dev) low() error {
	if err := d.q.Out(gpio.Low); err != nil {
		return fmt.Errorf("onewirebb: failed to drive %s low: %w", d.q, err)
	}
	return nil
}

func (d *Dev) release() error {
	if err := d.q.In(d.pull, gpio.NoEdge); err != nil {
		return fmt.Errorf("onewirebb: failed to release %s: %w", d.q, err)
	}
	return nil
}

func (o *Opts) validate() error {
	const us = time.Microsecond
	switch {
	case o.ResetLow < 480*us:
		return errors.New("onewirebb: ResetLow must be at least 480μs")
	case o.PresenceSample < 60*us || o.PresenceSample > 240*us:
		return errors.New("onewirebb: PresenceSample must be within 60μs..240μs")
	case o.PresenceSample+o.ResetRecovery < 480*us:
		return errors.New("onewirebb: PresenceSample+ResetRecovery must be at least 480μs")
	case o.Write1Low < us || o.Write1Low > 15*us:
		return errors.New("onewirebb: Write1Low must be within 1μs..15μs")
	case o.Write0Low < 60*us || o.Write0Low > 120*us:
		return errors.New("onewirebb: Write0Low must be within 60μs..120μs")
	case o.ReadLow < us || o.ReadLow+o.ReadSample > 15*us:
		return errors.New("onewirebb: ReadLow+ReadSample must be within 1μs..15μs")
	case o.Write1Release <= 0 || o.Write0Release <= 0 || o.ReadRelease <= 0:
		return errors.New("onewirebb: release times must be positive")
	}
	return nil
}

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

var _ conn.Resource = &Dev{}
var _ onewire.BusSearcher = &Dev{}
var _ onewire.Pins = &Dev{}
var _ romsearch.Bus = &Dev{}
