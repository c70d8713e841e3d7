// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package romsearch enumerates the devices present on a 1-wire bus.
//
// The search walks the binary tree formed by the 64-bit ROM codes of the
// devices, least significant bit first. On each pass the master reads, for
// the current bit position, the bit and its complement as sent by every
// device still participating, then writes the direction it takes; devices
// whose bit differs drop out until the next reset. A pass resolves one ROM
// code, and the position of the last branch where the 0 side was taken tells
// the next pass where to take the 1 side instead.
//
// The state carried between passes lives in a Searcher owned by the caller,
// so several buses, or several independent enumerations of the same bus, can
// be handled at once.
//
// # Reference
//
// https://www.analog.com/en/resources/app-notes/1wire-search-algorithm.html
package romsearch

import (
	"strconv"

	"periph.io/x/conn/v3/onewire"
)

// ROM layer commands.
const (
	ReadROM     byte = 0x33 // read the ROM code of the single device on the bus
	MatchROM    byte = 0x55 // address one device, followed by its 8 ROM bytes
	SkipROM     byte = 0xcc // address all devices
	AlarmSearch byte = 0xec // search among devices with an alarm condition
	SearchROM   byte = 0xf0 // search among all devices
)

// Bus is the subset of a 1-wire bus master needed to search the bus.
type Bus interface {
	// Reset issues a reset pulse and returns true if a device answered with a
	// presence pulse.
	Reset() (bool, error)
	// WriteByte writes a byte, least significant bit first.
	WriteByte(b byte) error
	// SearchTriplet reads a bit and its complement and writes the direction
	// taken, which is direction when both a 0 and a 1 were seen.
	SearchTriplet(direction byte) (onewire.TripletResult, error)
}

// Searcher holds the state of an enumeration between two search passes.
//
// The zero value is ready to use. Call First to start an enumeration, then
// Next until it returns false.
type Searcher struct {
	// ROM is the code read by the last pass. It may fail its CRC check when
	// the line was disturbed, see ROM.Valid.
	ROM ROM
	// LastDiscrepancy is the bit position, 1 to 64, of the last branch where
	// the 0 side was taken, or 0 when none is left to explore.
	LastDiscrepancy int
	// LastFamilyDiscrepancy is like LastDiscrepancy but limited to the 8
	// bits of the family code.
	LastFamilyDiscrepancy int
	// LastDevice is set once the last device in tree order has been found.
	LastDevice bool
	// Alarm restricts the search to devices with an alarm condition.
	Alarm bool

	family   byte
	filtered bool
}

// First starts a new enumeration and returns true if a device was found. Its
// code is then in s.ROM.
//
// false with a nil error means the bus is empty. Any error leaves the
// Searcher ready for a new First.
//
// A pass that read a code failing its CRC check still returns true, with the
// corrupted code in s.ROM, so that the enumeration can move past it. Callers
// must check s.ROM.Valid() before addressing the device.
func (s *Searcher) First(b Bus) (bool, error) {
	s.LastDiscrepancy = 0
	s.LastFamilyDiscrepancy = 0
	s.LastDevice = false
	return s.search(b)
}

// Next continues the enumeration and returns true if one more device was
// found. It returns false without touching the bus once the last device has
// been found.
//
// As with First, s.ROM.Valid() has to be checked when true is returned.
func (s *Searcher) Next(b Bus) (bool, error) {
	return s.search(b)
}

// Verify returns true if the device with the ROM code rom is present on the
// bus. The state of the enumeration in progress is preserved.
func (s *Searcher) Verify(b Bus, rom ROM) (bool, error) {
	saved := *s
	defer func() { *s = saved }()
	s.ROM = rom
	s.LastDiscrepancy = 64
	s.LastFamilyDiscrepancy = 0
	s.LastDevice = false
	ok, err := s.search(b)
	return ok && s.ROM == rom, err
}

// TargetSetup prepares the next call to Next to find the first device of
// the given family, if any is present.
//
// The device found may still belong to another family when none of family is
// on the bus, so the caller has to check s.ROM.Family().
func (s *Searcher) TargetSetup(family byte) {
	s.ROM = ROM{family}
	s.LastDiscrepancy = 64
	s.LastFamilyDiscrepancy = 0
	s.LastDevice = false
}

// FamilySkipSetup prepares the next call to Next to skip all the remaining
// devices that share the family code of the last device found.
func (s *Searcher) FamilySkipSetup() {
	s.LastDiscrepancy = s.LastFamilyDiscrepancy
	s.LastFamilyDiscrepancy = 0
	if s.LastDiscrepancy == 0 {
		s.LastDevice = true
	}
}

// SetFilter restricts Match to ROM codes of the given family.
func (s *Searcher) SetFilter(family byte) {
	s.family = family
	s.filtered = true
}

// ClearFilter removes the filter set by SetFilter.
func (s *Searcher) ClearFilter() {
	s.filtered = false
}

// Filter returns the family set by SetFilter and whether a filter is set.
func (s *Searcher) Filter() (byte, bool) {
	return s.family, s.filtered
}

// Match returns true if s.ROM passes the family filter.
//
// The filter is never applied within a search pass, so the enumeration
// covers the same tree with or without it.
func (s *Searcher) Match() bool {
	return !s.filtered || s.ROM.Family() == s.family
}

// All enumerates the bus with s and returns the ROM codes that pass its
// family filter, in tree order.
//
// If an error occurs during the search the already-discovered codes are
// returned with the error. Codes failing their CRC check are skipped and the
// enumeration goes on; the first of them is then reported as the error.
func All(b Bus, s *Searcher) ([]ROM, error) {
	var roms []ROM
	var bad error
	ok, err := s.First(b)
	for ; ok; ok, err = s.Next(b) {
		if err := s.ROM.Check(); err != nil {
			if bad == nil {
				bad = err
			}
			continue
		}
		if s.Match() {
			roms = append(roms, s.ROM)
		}
	}
	if err == nil {
		err = bad
	}
	return roms, err
}

// Family returns the ROM codes of all the devices of the given family.
//
// It jumps straight to the family's branch of the tree with TargetSetup and
// stops at the first device of another family: devices sharing a family code
// share the first 8 bits and are therefore contiguous in tree order.
//
// Codes failing their CRC check are skipped, as in All.
func Family(b Bus, s *Searcher, family byte) ([]ROM, error) {
	var roms []ROM
	var bad error
	s.TargetSetup(family)
	for {
		ok, err := s.Next(b)
		if err == nil && ok && !s.ROM.Valid() {
			if bad == nil {
				bad = s.ROM.Check()
			}
			continue
		}
		if err != nil || !ok || s.ROM.Family() != family {
			if err == nil {
				err = bad
			}
			return roms, err
		}
		roms = append(roms, s.ROM)
	}
}

//

// search runs one pass down the tree.
func (s *Searcher) search(b Bus) (bool, error) {
	if s.LastDevice {
		return false, nil
	}
	present, err := b.Reset()
	if err != nil || !present {
		s.clear()
		return false, err
	}
	cmd := SearchROM
	if s.Alarm {
		cmd = AlarmSearch
	}
	if err := b.WriteByte(cmd); err != nil {
		s.clear()
		return false, err
	}

	lastZero := 0
	lastFamilyZero := s.LastFamilyDiscrepancy
	var rom ROM
	for id := 1; id <= 64; id++ {
		i := id - 1
		// Direction to take if devices disagree on this bit.
		var dir byte
		if id < s.LastDiscrepancy {
			// Follow the path of the previous device.
			dir = s.ROM[i>>3] >> uint(i&7) & 1
		} else if id == s.LastDiscrepancy {
			// 0 was taken here last time, now explore the 1 side.
			dir = 1
		}
		tr, err := b.SearchTriplet(dir)
		if err != nil {
			s.clear()
			return false, err
		}
		if !tr.GotZero && !tr.GotOne {
			s.clear()
			if id == 1 && s.Alarm {
				// No device is in alarm.
				return false, nil
			}
			return false, busError("romsearch: no device answered bit " + strconv.Itoa(id))
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			lastZero = id
			if id <= 8 {
				lastFamilyZero = id
			}
		}
		if tr.Taken != 0 {
			rom[i>>3] |= 1 << uint(i&7)
		}
	}

	// The branches taken are committed even when the CRC does not match, so
	// the next pass moves on instead of walking the same path again.
	s.ROM = rom
	s.LastDiscrepancy = lastZero
	s.LastFamilyDiscrepancy = lastFamilyZero
	s.LastDevice = lastZero == 0
	return true, nil
}

func (s *Searcher) clear() {
	s.LastDiscrepancy = 0
	s.LastFamilyDiscrepancy = 0
	s.LastDevice = false
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }
