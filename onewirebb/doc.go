// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebb implements a 1-wire bus master by bit-banging a single
// GPIO pin.
//
// The pin is used as an open-drain output: the master pulls the line low
// with Out(gpio.Low) and releases it by switching the pin to input, letting
// the external pull-up resistor (typically 4.7kΩ) bring it back high.
//
// Every reset and time slot is generated with microsecond delays provided by
// a Clock and runs inside a TimingSection, so the goroutine is not moved to
// another thread in the middle of a slot. Even so, a preemptive kernel may
// stretch a slot; the CRC checks done by the ROM search and the device
// drivers catch the resulting corruption.
//
// Dev implements onewire.Bus and onewire.BusSearcher so the periph 1-wire
// device drivers can be used on top of it.
//
// # Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
package onewirebb
