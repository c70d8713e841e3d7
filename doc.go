// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtherm reads DS18B20 thermometers on a 1-wire bus.
//
// onewirebb drives the bus by bit-banging a GPIO pin, ds248x through a
// DS2482/DS2483 I²C master. romsearch enumerates the devices of either and
// ds18b20 talks to the thermometers found. poll runs complete measurement
// cycles and report formats their results for a serial terminal. panel draws
// them on a display such as the ssd1306 OLED.
//
// onewiresim simulates a bus and its devices at the electrical level, for
// tests.
//
// The command cmd/owtherm puts it all together.
package owtherm
