// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim_test

import (
	"testing"
	"time"

	"github.com/GermanBionicSystems/owtherm/common"
	"github.com/GermanBionicSystems/owtherm/onewirebb"
	"github.com/GermanBionicSystems/owtherm/onewiresim"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

var rom = romsearch.NewROM(0x28, 0x0000070e41ac)

func newMaster(t *testing.T, bus *onewiresim.Bus) *onewirebb.Dev {
	t.Helper()
	opts := onewirebb.DefaultOpts
	opts.Clock = bus
	opts.Section = onewirebb.NoSection{}
	d, err := onewirebb.New(bus, &opts)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestBus_presence(t *testing.T) {
	bus := onewiresim.New(onewiresim.ROMDevice(rom))
	if err := bus.Out(gpio.Low); err != nil {
		t.Fatal(err)
	}
	bus.Delay(480 * time.Microsecond)
	if err := bus.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		at   time.Duration
		want gpio.Level
	}{
		{490 * time.Microsecond, gpio.High},
		{550 * time.Microsecond, gpio.Low},
		{650 * time.Microsecond, gpio.High},
	} {
		bus.Delay(tc.at - bus.Now())
		if l := bus.Read(); l != tc.want {
			t.Fatalf("at %s: %s", tc.at, l)
		}
	}
	if n := bus.Resets(); n != 1 {
		t.Fatalf("%d resets", n)
	}
}

func TestBus_shortPulseIsNotReset(t *testing.T) {
	bus := onewiresim.New(onewiresim.ROMDevice(rom))
	_ = bus.Out(gpio.Low)
	bus.Delay(400 * time.Microsecond)
	_ = bus.In(gpio.PullNoChange, gpio.NoEdge)
	bus.Delay(70 * time.Microsecond)
	if bus.Read() != gpio.High {
		t.Fatal("unexpected presence pulse")
	}
	if n := bus.Resets(); n != 0 {
		t.Fatalf("%d resets", n)
	}
	if diff := cmp.Diff([]byte{0}, bus.Bits()); diff != "" {
		t.Fatal(diff)
	}
}

func TestBus_short(t *testing.T) {
	bus := onewiresim.New()
	bus.Short = true
	if bus.Read() != gpio.Low {
		t.Fatal("short not visible")
	}
}

func TestBus_edges(t *testing.T) {
	bus := onewiresim.New()
	if err := bus.In(gpio.PullUp, gpio.RisingEdge); err == nil {
		t.Fatal("expected an error")
	}
	if err := bus.PWM(gpio.DutyHalf, 0); err == nil {
		t.Fatal("expected an error")
	}
	if bus.WaitForEdge(time.Second) {
		t.Fatal("unexpected edge")
	}
}

func TestBus_detach(t *testing.T) {
	bus := onewiresim.New(onewiresim.ROMDevice(rom))
	d := newMaster(t, bus)
	if present, err := d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
	bus.Detach(rom)
	if present, err := d.Reset(); present || err != nil {
		t.Fatal(present, err)
	}
	bus.Attach(onewiresim.ROMDevice(rom))
	if present, err := d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
}

func TestDS18B20_readROM(t *testing.T) {
	bus := onewiresim.New(onewiresim.NewDS18B20(rom, 0))
	d := newMaster(t, bus)
	var r [8]byte
	if err := d.Tx([]byte{romsearch.ReadROM}, r[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if r != rom {
		t.Fatalf("% x", r)
	}
}

func TestDS18B20_powerUp(t *testing.T) {
	dev := onewiresim.NewDS18B20(rom, 0x191)
	want := [9]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10, 0x1c}
	if s := dev.Scratchpad(); s != want {
		t.Fatalf("% x", s)
	}
	if dev.Alarm() {
		t.Fatal("alarm before conversion")
	}
	if r := dev.Resolution(); r != 12 {
		t.Fatal(r)
	}
}

func TestDS18B20_convert(t *testing.T) {
	dev := onewiresim.NewDS18B20(rom, 0x191)
	d := newMaster(t, onewiresim.New(dev))
	if err := d.Tx([]byte{romsearch.SkipROM, 0x44}, nil, onewire.StrongPullup); err != nil {
		t.Fatal(err)
	}
	var spad [9]byte
	if err := d.Tx([]byte{romsearch.SkipROM, 0xbe}, spad[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if spad[0] != 0x91 || spad[1] != 0x01 {
		t.Fatalf("% x", spad)
	}
	if !common.CheckCRC8(spad[:]) {
		t.Fatalf("bad CRC % x", spad)
	}
}

func TestDS18B20_writeScratchpad(t *testing.T) {
	dev := onewiresim.NewDS18B20(rom, 0x191)
	d := newMaster(t, onewiresim.New(dev))
	// TH=30, TL=-5, 9 bits.
	if err := d.Tx([]byte{romsearch.SkipROM, 0x4e, 30, 0xfb, 0x00}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if r := dev.Resolution(); r != 9 {
		t.Fatal(r)
	}
	if err := d.Tx([]byte{romsearch.SkipROM, 0x44}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	s := dev.Scratchpad()
	if s[0] != 0x90 || s[1] != 0x01 || s[2] != 30 || s[3] != 0xfb || s[4] != 0x1f {
		t.Fatalf("% x", s)
	}
	// 25.0625°C is not an alarm between -5 and 30.
	if dev.Alarm() {
		t.Fatal("unexpected alarm")
	}

	// RECALL E² restores the values from before the write.
	if err := d.Tx([]byte{romsearch.SkipROM, 0xb8}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if s := dev.Scratchpad(); s[2] != 0x4b || s[3] != 0x46 || s[4] != 0x7f {
		t.Fatalf("% x", s)
	}

	// COPY SCRATCHPAD makes them stick.
	if err := d.Tx([]byte{romsearch.SkipROM, 0x4e, 20, 10, 0x3f}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if err := d.Tx([]byte{romsearch.SkipROM, 0x48}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if err := d.Tx([]byte{romsearch.SkipROM, 0xb8}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if s := dev.Scratchpad(); s[2] != 20 || s[3] != 10 || s[4] != 0x3f {
		t.Fatalf("% x", s)
	}
	if r := dev.Resolution(); r != 10 {
		t.Fatal(r)
	}
	// Still 25°C, now above TH.
	if !dev.Alarm() {
		t.Fatal("expected an alarm")
	}
}

func TestDS18B20_powerSupply(t *testing.T) {
	for _, parasitic := range []bool{false, true} {
		dev := onewiresim.NewDS18B20(rom, 0)
		dev.Parasitic = parasitic
		bus := onewiresim.New(dev)
		d := newMaster(t, bus)
		if present, err := d.Reset(); !present || err != nil {
			t.Fatal(present, err)
		}
		for _, b := range []byte{romsearch.SkipROM, 0xb4} {
			if err := d.WriteByte(b); err != nil {
				t.Fatal(err)
			}
		}
		bit, err := d.ReadBit()
		if err != nil {
			t.Fatal(err)
		}
		if (bit == 0) != parasitic {
			t.Fatalf("parasitic=%t: read %d", parasitic, bit)
		}
		// Only one bit is sent.
		if bit, _ = d.ReadBit(); bit != 1 {
			t.Fatalf("parasitic=%t: second bit %d", parasitic, bit)
		}
	}
}

func TestDS18B20_matchROM(t *testing.T) {
	other := romsearch.NewROM(0x28, 2)
	a := onewiresim.NewDS18B20(rom, 0x191)
	b := onewiresim.NewDS18B20(other, 0x050)
	d := newMaster(t, onewiresim.New(a, b))
	dev := onewire.Dev{Bus: d, Addr: other.Address()}
	if err := dev.Tx([]byte{0x44}, nil); err != nil {
		t.Fatal(err)
	}
	if a.Conversions != 0 || b.Conversions != 1 {
		t.Fatalf("conversions %d, %d", a.Conversions, b.Conversions)
	}
}
