// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"strconv"

	"periph.io/x/conn/v3/physic"
)

// Reading is a temperature as held in the temperature register, in 1/16°C.
//
// Its methods only use integer arithmetic.
type Reading int16

// PowerOn is the value of the temperature register before the first
// conversion, 85°C.
const PowerOn Reading = 85 << 4

// Temperature converts the reading to a physic.Temperature.
func (r Reading) Temperature() physic.Temperature {
	// Need to do sign extension multiply by 1000 to get Millis, divide by 16
	// due to 4 fractional bits. Datasheet p.4.
	return physic.Temperature(r)*physic.Kelvin/16 + physic.ZeroCelsius
}

// Celsius returns the temperature in tenths of °C, rounded toward zero.
func (r Reading) Celsius() int {
	v := int(r)
	neg := v < 0
	if neg {
		v = -v
	}
	// Each 1/16 step is 625/10000.
	t := (v>>4)*10 + (v&15)*625/1000
	if neg {
		return -t
	}
	return t
}

// Fahrenheit returns the temperature in tenths of °F, rounded toward zero
// from the Celsius tenths.
func (r Reading) Fahrenheit() int {
	return r.Celsius()*9/5 + 320
}

// String returns the temperature in °C, like "+025.0°C".
func (r Reading) String() string {
	return FormatTenths(r.Celsius()) + "°C"
}

// FormatTenths formats a value in tenths with a sign, at least 3 digits
// before the decimal point and one after, like "+077.0" or "-004.5".
func FormatTenths(t int) string {
	sign := "+"
	if t < 0 {
		sign = "-"
		t = -t
	}
	whole := strconv.Itoa(t / 10)
	for len(whole) < 3 {
		whole = "0" + whole
	}
	return sign + whole + "." + strconv.Itoa(t%10)
}
