// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package romsearch

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/GermanBionicSystems/owtherm/common"
	"periph.io/x/conn/v3/onewire"
)

// ROM is the 64-bit registration number of a 1-wire device, in transmission
// order: family code, 48-bit serial number least significant byte first,
// then the CRC-8 of the first 7 bytes.
type ROM [8]byte

// NewROM returns the ROM code made of family and the low 48 bits of serial,
// with its CRC byte computed.
func NewROM(family byte, serial uint64) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], serial<<8|uint64(family))
	r[7] = common.CRC8(r[:7])
	return r
}

// FromAddress converts a periph onewire.Address to a ROM code.
func FromAddress(a onewire.Address) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// Family returns the family code, which identifies the device type.
func (r ROM) Family() byte {
	return r[0]
}

// Serial returns the 48-bit serial number.
func (r ROM) Serial() uint64 {
	return binary.LittleEndian.Uint64(r[:]) << 8 >> 16
}

// CRC returns the check byte as stored in the ROM code.
func (r ROM) CRC() byte {
	return r[7]
}

// Valid returns true if the check byte matches the first 7 bytes.
func (r ROM) Valid() bool {
	return common.CheckCRC8(r[:])
}

// Check returns an error implementing onewire.BusError if r fails its CRC
// check.
func (r ROM) Check() error {
	if r.Valid() {
		return nil
	}
	return busError(fmt.Sprintf("romsearch: CRC error during search, rom=% x", r[:]))
}

// Address returns the ROM code in the representation used by periph's
// onewire package.
func (r ROM) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(r[:]))
}

// String returns the ROM code as 16 hexadecimal digits, CRC byte first, the
// way it is printed in the device datasheets.
func (r ROM) String() string {
	var b [8]byte
	for i := range r {
		b[7-i] = r[i]
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// ParseROM parses a ROM code.
//
// Two formats are accepted, all digits being hexadecimal:
//
//	CCSSSSSSSSSSSSFF   as returned by String
//	cc.ssssssssssss.ff crc, serial number and family separated by dots
//
// In the dotted format, a crc of "--" is computed instead of verified and
// leading zeros of the serial number may be omitted.
func ParseROM(s string) (ROM, error) {
	if parts := strings.Split(s, "."); len(parts) == 3 {
		return parseDotted(parts)
	}
	if len(s) != 16 {
		return ROM{}, errors.New("romsearch: invalid ROM code " + s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ROM{}, errors.New("romsearch: invalid ROM code " + s)
	}
	var r ROM
	for i := range r {
		r[i] = b[7-i]
	}
	if !r.Valid() {
		return ROM{}, errors.New("romsearch: crc check failed for " + s)
	}
	return r, nil
}

func parseDotted(parts []string) (ROM, error) {
	family, err := hex.DecodeString(parts[2])
	if err != nil || len(family) != 1 {
		return ROM{}, errors.New("romsearch: invalid family " + parts[2])
	}
	sn := parts[1]
	if len(sn) == 0 || len(sn) > 12 {
		return ROM{}, errors.New("romsearch: invalid serial number " + sn)
	}
	sn = strings.Repeat("0", 12-len(sn)) + sn
	snb, err := hex.DecodeString(sn)
	if err != nil {
		return ROM{}, errors.New("romsearch: invalid serial number " + parts[1])
	}
	var serial uint64
	for _, b := range snb {
		serial = serial<<8 | uint64(b)
	}
	r := NewROM(family[0], serial)
	if parts[0] == "--" {
		return r, nil
	}
	crc, err := hex.DecodeString(parts[0])
	if err != nil || len(crc) != 1 {
		return ROM{}, errors.New("romsearch: invalid crc " + parts[0])
	}
	if crc[0] != r.CRC() {
		return ROM{}, errors.New("romsearch: crc check failed for " + strings.Join(parts, "."))
	}
	return r, nil
}
