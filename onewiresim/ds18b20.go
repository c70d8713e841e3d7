// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

import "github.com/GermanBionicSystems/owtherm/common"

// DS18B20 simulates a DS18B20 digital thermometer.
//
// Set Temp before a conversion to choose the temperature it measures. The
// scratchpad holds the power-up value of 85°C until the first conversion.
type DS18B20 struct {
	Addr      [8]byte
	Temp      int16 // temperature in 1/16°C measured by the next conversion
	Parasitic bool  // answers READ POWER SUPPLY with a 0

	Conversions int // number of CONVERT T received

	spad      [8]byte
	eeprom    [3]byte
	converted bool
}

// NewDS18B20 returns a thermometer in its power-up state with the given ROM
// code.
func NewDS18B20(rom [8]byte, temp int16) *DS18B20 {
	d := &DS18B20{Addr: rom, Temp: temp, eeprom: [3]byte{0x4b, 0x46, 0x7f}}
	d.spad = [8]byte{0x50, 0x05, 0, 0, 0, 0xff, 0x0c, 0x10}
	d.recall()
	return d
}

// ROM implements Device.
func (d *DS18B20) ROM() [8]byte {
	return d.Addr
}

// Alarm implements Device.
//
// The alarm condition is only evaluated once a conversion was done.
func (d *DS18B20) Alarm() bool {
	if !d.converted {
		return false
	}
	t := int8(int16(uint16(d.spad[1])<<8|uint16(d.spad[0])) >> 4)
	return t >= int8(d.spad[2]) || t <= int8(d.spad[3])
}

// SetAlarm sets the alarm thresholds, in whole degrees Celsius, as WRITE
// SCRATCHPAD followed by COPY SCRATCHPAD would.
func (d *DS18B20) SetAlarm(th, tl int8) {
	d.spad[2], d.spad[3] = byte(th), byte(tl)
	copy(d.eeprom[:], d.spad[2:5])
}

// Scratchpad returns the 9 bytes READ SCRATCHPAD returns.
func (d *DS18B20) Scratchpad() [9]byte {
	var s [9]byte
	copy(s[:], d.spad[:])
	s[8] = common.CRC8(s[:8])
	return s
}

// Resolution returns the configured resolution in bits.
func (d *DS18B20) Resolution() int {
	return 9 + int(d.spad[4]>>5&3)
}

// Command implements Device.
func (d *DS18B20) Command(cmd byte) Response {
	switch cmd {
	case 0x44: // CONVERT T
		d.Conversions++
		d.convert()
	case 0xbe: // READ SCRATCHPAD
		s := d.Scratchpad()
		return Response{Send: s[:]}
	case 0x4e: // WRITE SCRATCHPAD
		return Response{Receive: 3, OnReceive: func(data []byte) {
			d.spad[2], d.spad[3] = data[0], data[1]
			d.spad[4] = data[2]&0x60 | 0x1f
		}}
	case 0x48: // COPY SCRATCHPAD
		copy(d.eeprom[:], d.spad[2:5])
	case 0xb8: // RECALL E²
		d.recall()
	case 0xb4: // READ POWER SUPPLY
		if d.Parasitic {
			return Response{Send: []byte{0}, Bits: 1}
		}
	}
	return Response{}
}

func (d *DS18B20) convert() {
	// The undefined low bits read as 0 at lower resolutions.
	t := uint16(d.Temp) &^ (1<<uint(12-d.Resolution()) - 1)
	d.spad[0] = byte(t)
	d.spad[1] = byte(t >> 8)
	d.converted = true
}

func (d *DS18B20) recall() {
	copy(d.spad[2:5], d.eeprom[:])
}

var _ Device = &DS18B20{}
var _ Device = ROMDevice{}
