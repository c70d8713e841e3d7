// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"time"

	"github.com/GermanBionicSystems/owtherm/common"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Function commands, sent after a ROM command selected the devices.
const (
	ConvertT        byte = 0x44 // start a temperature conversion
	ReadScratchpad  byte = 0xbe // read the 9 bytes of scratchpad
	WriteScratchpad byte = 0x4e // write TH, TL and the configuration register
	CopyScratchpad  byte = 0x48 // save TH, TL and configuration to EEPROM
	RecallEEPROM    byte = 0xb8 // reload TH, TL and configuration from EEPROM
	ReadPowerSupply byte = 0xb4 // parasitic devices answer with a 0 bit
)

// ConvertAll performs a conversion on all DS18B20 devices on the bus.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices and returns when the conversions have completed. This time
// period is determined by the maximum resolution of all devices on the bus and
// must be provided.
//
// ConvertAll uses time.Sleep to wait for the conversion to finish, which takes
// from 94ms to 752ms.
func ConvertAll(o onewire.Bus, maxResolutionBits int) error {
	if maxResolutionBits < 9 || maxResolutionBits > 12 {
		return errors.New("ds18b20: invalid maxResolutionBits")
	}
	if err := StartAll(o); err != nil {
		return err
	}
	conversionSleep(maxResolutionBits)
	return nil
}

// StartAll starts a conversion on all DS18B20 devices on the bus.
// Similar to ConvertAll but returns without waiting for conversion to finish.
// To be used in conjunction with LastTemp() function. Conversion timing must be
// handled by other means.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{romsearch.SkipROM, ConvertT}, nil, onewire.StrongPullup)
}

// ConversionTime returns how long a conversion takes at the given resolution:
// 9bits:94ms, 10bits:188ms, 11bits:376ms, 12bits:752ms, datasheet p.6.
func ConversionTime(bits int) time.Duration {
	return (94 << uint(bits-9)) * time.Millisecond
}

// Parasitic returns true if any device on the bus is parasite powered.
//
// Such devices need the strong pull-up during conversions and copies to
// EEPROM.
func Parasitic(o onewire.Bus) (bool, error) {
	var r [1]byte
	if err := o.Tx([]byte{romsearch.SkipROM, ReadPowerSupply}, r[:], onewire.WeakPullup); err != nil {
		return false, err
	}
	return r[0]&1 == 0, nil
}

// Read reads the scratchpad of the device at addr and checks its CRC.
//
// It is meant for devices discovered by a search, which need no setup. Use New
// to also set the resolution.
func Read(o onewire.Bus, addr onewire.Address) (Scratchpad, error) {
	d := Dev{onewire: onewire.Dev{Bus: o, Addr: addr}}
	return d.ReadScratchpad()
}

// New returns an object that communicates over 1-wire to the DS18B20 sensor
// with the specified 64-bit address.
//
// resolutionBits must be in the range 9..12 and determines how many bits of
// precision the readings have. The resolution affects the conversion time:
// 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
//
// A resolution of 10 bits corresponds to 0.25C and tends to be a good
// compromise between conversion time and the device's inherent accuracy of
// +/-0.5C.
func New(o onewire.Bus, addr onewire.Address, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}

	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: resolutionBits}

	// Start by reading the scratchpad memory, this will tell us whether we can
	// talk to the device correctly and also how it's configured.
	spad, err := d.ReadScratchpad()
	if err != nil {
		return nil, err
	}

	// Change the resolution, if necessary (datasheet p.6).
	if spad.Resolution() != resolutionBits {
		if err := d.write(spad[2], spad[3]); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 temperature sensor on a
// 1-wire bus.
type Dev struct {
	onewire    onewire.Dev // device on 1-wire bus
	resolution int         // resolution in bits (9..12)
}

func (d *Dev) Family() Family {
	return Family(d.onewire.Addr & 0xFF)
}

// ROM returns the device's ROM code.
func (d *Dev) ROM() romsearch.ROM {
	return romsearch.FromAddress(d.onewire.Addr)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.onewire.TxPower([]byte{ConvertT}, nil); err != nil {
		return err
	}
	conversionSleep(d.resolution)
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	// TODO(maruel): Manually poll in a loop via time.NewTicker.
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	r, err := d.LastReading()
	if err != nil {
		return 0, err
	}
	return r.Temperature(), nil
}

// LastReading is like LastTemp but returns the raw fixed point value.
func (d *Dev) LastReading() (Reading, error) {
	spad, err := d.ReadScratchpad()
	if err != nil {
		return 0, err
	}
	r := spad.Reading(d.Family())

	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power. This prevents reading a temp of exactly 85°C,
	// but that seems like the right tradeoff.
	if r == PowerOn {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}
	return r, nil
}

// SetAlarm sets the alarm thresholds, in whole degrees Celsius, and saves them
// to EEPROM. A device whose last conversion is at or above th, or at or below
// tl, answers alarm searches.
func (d *Dev) SetAlarm(th, tl int8) error {
	return d.write(byte(th), byte(tl))
}

// ReadScratchpad reads the 9 bytes of scratchpad and checks the CRC.
func (d *Dev) ReadScratchpad() (Scratchpad, error) {
	var spad Scratchpad
	if err := d.onewire.Tx([]byte{ReadScratchpad}, spad[:]); err != nil {
		return spad, err
	}

	if !spad.Valid() {
		for _, s := range spad {
			if s != 0xff {
				return spad, busError("ds18b20: incorrect scratchpad CRC")
			}
		}
		return spad, busError("ds18b20: device did not respond")
	}
	return spad, nil
}

// write sets TH, TL and the resolution, then copies them to EEPROM.
func (d *Dev) write(th, tl byte) error {
	res := d.resolution
	if res == 0 {
		res = 12
	}
	if err := d.onewire.Tx([]byte{WriteScratchpad, th, tl, byte((res-9)<<5) | 0x1f}, nil); err != nil {
		return err
	}
	// Copy the scratchpad to EEPROM to save the values.
	if err := d.onewire.TxPower([]byte{CopyScratchpad}, nil); err != nil {
		return err
	}
	// Wait for the write to complete.
	sleep(10 * time.Millisecond)
	return nil
}

// Scratchpad is the content of the device's scratchpad memory, CRC included.
type Scratchpad [9]byte

// Valid returns true if the CRC byte matches.
func (s *Scratchpad) Valid() bool {
	return common.CheckCRC8(s[:])
}

// Raw returns the temperature register, in 1/16°C for a DS18B20.
func (s *Scratchpad) Raw() int16 {
	// s[1] is MSB and s[0] is LSB of the raw temperature value
	return int16(s[1])<<8 | int16(s[0])
}

// TH returns the high alarm threshold.
func (s *Scratchpad) TH() int8 {
	return int8(s[2])
}

// TL returns the low alarm threshold.
func (s *Scratchpad) TL() int8 {
	return int8(s[3])
}

// Resolution returns the resolution set in the configuration register, 9 to
// 12 bits.
func (s *Scratchpad) Resolution() int {
	return 9 + int(s[4]>>5&3)
}

// Reading returns the temperature, handling the special calculation for
// DS18S20.
func (s *Scratchpad) Reading(f Family) Reading {
	rawTemp := s.Raw()
	if f == DS18S20 && s[7] != 0 {
		// for higher resolution some additional calculation is required
		// TEMPERATURE = TEMP_READ - 0,25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		//  TEMP_READ = value from spad[1] (MSB) and spad[0] (LSB) with truncated last bit (0,5°C)
		//  COUNT_PER_C = spad[7]
		//  COUNT_REMAIN = spad[6]

		// calculation from http://myarduinotoy.blogspot.com/2013/02/12bit-result-from-ds18s20.html
		mask := 0xFFFE
		rawTemp = ((rawTemp & int16(mask)) << 3) + 12 - int16(s[6])
	}
	return Reading(rawTemp)
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

func conversionSleep(bits int) {
	sleep(ConversionTime(bits))
}

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
