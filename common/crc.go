// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages, such as
// the Dallas/Maxim CRC-8 protecting 1-wire ROM codes and scratchpads.
package common

// UpdateCRC8 folds one byte into a running Dallas/Maxim CRC-8
// (x⁸+x⁵+x⁴+1, processed LSB first) and returns the new value.
//
// Start with a crc of 0.
func UpdateCRC8(crc, b byte) byte {
	for range 8 {
		mix := (crc ^ b) & 0x01
		crc >>= 1
		if mix != 0 {
			crc ^= 0x8c
		}
		b >>= 1
	}
	return crc
}

// CRC8 calculates the Dallas/Maxim CRC-8 of the byte slice parameter.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc = UpdateCRC8(crc, val)
	}
	return crc
}

// CheckCRC8 returns true if the last byte of buf is the CRC-8 of the
// preceding bytes. An empty buffer never checks.
func CheckCRC8(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return CRC8(buf[:len(buf)-1]) == buf[len(buf)-1]
}
