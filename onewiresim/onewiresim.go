// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiresim simulates a 1-wire bus at the electrical level.
//
// Bus plays the part of the master's GPIO pin and of the clock timing it:
// time is virtual and only moves forward when the master calls Delay. Each
// time the master releases the line, the simulated devices look at how long
// it was held low to tell a reset from a time slot and a 0 from a 1, exactly
// like real devices do, and pull the line low themselves to send presence
// pulses and 0 bits. The level seen by the master is the wired-AND of
// everybody.
//
// This makes it possible to test a bit-banged master, its timing included,
// without hardware.
package onewiresim

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"
)

// Timing of the simulated devices, in the middle of the datasheet ranges.
const (
	resetMin      = 480 * time.Microsecond // shortest low pulse seen as a reset
	presenceWait  = 20 * time.Microsecond  // delay between release and presence pulse
	presenceLen   = 120 * time.Microsecond // length of the presence pulse
	slotThreshold = 15 * time.Microsecond  // low pulses shorter than this are 1s
	holdLen       = 30 * time.Microsecond  // how long a device holds a 0 bit from the slot start
)

// Slot is one time slot as observed on the bus.
type Slot struct {
	Start time.Duration // virtual time of the falling edge
	Low   time.Duration // how long the master held the line low
}

// Bit returns the bit a receiving device decodes from the slot.
func (s Slot) Bit() byte {
	if s.Low < slotThreshold {
		return 1
	}
	return 0
}

// Bus is a simulated 1-wire bus. It implements gpio.PinIO for the master side
// and a Delay method advancing virtual time.
//
// The zero value is an empty bus.
type Bus struct {
	N string // pin name

	sync.Mutex
	// Short simulates a line stuck low.
	Short bool

	slaves    []*slave
	now       time.Duration
	masterLow bool
	lowSince  time.Duration
	strong    bool
	pull      gpio.Pull
	holds     []hold
	slots     []Slot
	resets    int
	dropAfter int
}

type hold struct {
	from, until time.Duration
}

// New returns a bus with the given devices attached.
func New(devs ...Device) *Bus {
	b := &Bus{N: "sim"}
	for _, d := range devs {
		b.Attach(d)
	}
	return b
}

// Attach connects a device to the bus. It stays idle until the next reset.
func (b *Bus) Attach(d Device) {
	b.Lock()
	defer b.Unlock()
	b.slaves = append(b.slaves, &slave{dev: d})
}

// Detach disconnects the device with the given ROM code, if present.
func (b *Bus) Detach(rom [8]byte) {
	b.Lock()
	defer b.Unlock()
	for i, s := range b.slaves {
		if s.dev.ROM() == rom {
			b.slaves = append(b.slaves[:i], b.slaves[i+1:]...)
			return
		}
	}
}

// DropAfter makes every device stop responding after n more time slots,
// until the next reset. It simulates devices losing contact in the middle of
// a transaction.
func (b *Bus) DropAfter(n int) {
	b.Lock()
	defer b.Unlock()
	b.dropAfter = n
}

// Now returns the virtual time elapsed since the bus was created.
func (b *Bus) Now() time.Duration {
	b.Lock()
	defer b.Unlock()
	return b.now
}

// Resets returns the number of reset pulses seen.
func (b *Bus) Resets() int {
	b.Lock()
	defer b.Unlock()
	return b.resets
}

// Slots returns the time slots seen since the last reset.
func (b *Bus) Slots() []Slot {
	b.Lock()
	defer b.Unlock()
	return append([]Slot(nil), b.slots...)
}

// Bits returns the bits encoded by the master in the time slots seen since
// the last reset. Read slots decode as 1s.
func (b *Bus) Bits() []byte {
	b.Lock()
	defer b.Unlock()
	bits := make([]byte, len(b.slots))
	for i, s := range b.slots {
		bits[i] = s.Bit()
	}
	return bits
}

// StrongPullup returns true if the master is actively driving the line high.
func (b *Bus) StrongPullup() bool {
	b.Lock()
	defer b.Unlock()
	return b.strong
}

// Delay advances virtual time by d.
func (b *Bus) Delay(d time.Duration) {
	b.Lock()
	defer b.Unlock()
	if d > 0 {
		b.now += d
	}
}

// String implements conn.Resource.
func (b *Bus) String() string {
	return b.N
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	return nil
}

// Name implements pin.Pin.
func (b *Bus) Name() string {
	return b.N
}

// Number implements pin.Pin.
func (b *Bus) Number() int {
	return -1
}

// Function implements pin.Pin.
func (b *Bus) Function() string {
	return "1-wire"
}

// In implements gpio.PinIn. It releases the line.
func (b *Bus) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("onewiresim: edge detection not supported")
	}
	b.Lock()
	defer b.Unlock()
	b.pull = pull
	b.strong = false
	b.rise()
	return nil
}

// Read implements gpio.PinIn.
func (b *Bus) Read() gpio.Level {
	b.Lock()
	defer b.Unlock()
	if b.Short || b.masterLow {
		return gpio.Low
	}
	for _, h := range b.holds {
		if h.from <= b.now && b.now < h.until {
			return gpio.Low
		}
	}
	return gpio.High
}

// WaitForEdge implements gpio.PinIn.
func (b *Bus) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull implements gpio.PinIn.
func (b *Bus) Pull() gpio.Pull {
	b.Lock()
	defer b.Unlock()
	return b.pull
}

// DefaultPull implements gpio.PinIn. The bus has an external pull-up.
func (b *Bus) DefaultPull() gpio.Pull {
	return gpio.PullUp
}

// Out implements gpio.PinOut.
//
// Driving the line high is the strong pull-up used to power parasitic
// devices; it ends any low pulse like a release does.
func (b *Bus) Out(l gpio.Level) error {
	b.Lock()
	defer b.Unlock()
	if l == gpio.High {
		b.rise()
		b.strong = true
		return nil
	}
	b.strong = false
	if !b.masterLow {
		b.masterLow = true
		b.lowSince = b.now
	}
	return nil
}

// PWM implements gpio.PinOut.
func (b *Bus) PWM(gpio.Duty, physic.Frequency) error {
	return errors.New("onewiresim: PWM not supported")
}

// rise handles the master releasing the line, which is when the devices
// decide what the low pulse meant.
func (b *Bus) rise() {
	if !b.masterLow {
		return
	}
	b.masterLow = false
	low := b.now - b.lowSince
	b.prune()
	if low >= resetMin {
		b.resets++
		b.slots = b.slots[:0]
		b.dropAfter = 0
		for _, s := range b.slaves {
			s.reset()
			b.holds = append(b.holds, hold{b.now + presenceWait, b.now + presenceWait + presenceLen})
		}
		return
	}
	slot := Slot{Start: b.lowSince, Low: low}
	b.slots = append(b.slots, slot)
	for _, s := range b.slaves {
		if s.slot(slot.Bit()) {
			b.holds = append(b.holds, hold{slot.Start, slot.Start + holdLen})
		}
	}
	if b.dropAfter > 0 {
		if b.dropAfter--; b.dropAfter == 0 {
			for _, s := range b.slaves {
				s.state = stIdle
			}
		}
	}
}

// prune forgets the holds that ended.
func (b *Bus) prune() {
	holds := b.holds[:0]
	for _, h := range b.holds {
		if h.until > b.now {
			holds = append(holds, h)
		}
	}
	b.holds = holds
}

var _ gpio.PinIO = &Bus{}
var _ pin.Pin = &Bus{}
