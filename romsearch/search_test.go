// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package romsearch_test

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"math/rand"
	"sort"
	"testing"

	"github.com/GermanBionicSystems/owtherm/onewirebb"
	"github.com/GermanBionicSystems/owtherm/onewiresim"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
)

func newBus(t *testing.T, roms ...romsearch.ROM) (*onewirebb.Dev, *onewiresim.Bus) {
	t.Helper()
	var devs []onewiresim.Device
	for _, r := range roms {
		devs = append(devs, onewiresim.ROMDevice(r))
	}
	sim := onewiresim.New(devs...)
	opts := onewirebb.DefaultOpts
	opts.Clock = sim
	opts.Section = onewirebb.NoSection{}
	d, err := onewirebb.New(sim, &opts)
	if err != nil {
		t.Fatal(err)
	}
	return d, sim
}

// treeOrder sorts roms in the order a search finds them: ascending, comparing
// bits starting from the least significant bit of the family code.
func treeOrder(roms []romsearch.ROM) []romsearch.ROM {
	out := append([]romsearch.ROM(nil), roms...)
	key := func(r romsearch.ROM) uint64 {
		return bits.Reverse64(binary.LittleEndian.Uint64(r[:]))
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func randomROMs(rnd *rand.Rand, n int, families ...byte) []romsearch.ROM {
	seen := map[romsearch.ROM]bool{}
	var roms []romsearch.ROM
	for len(roms) < n {
		r := romsearch.NewROM(families[rnd.Intn(len(families))], rnd.Uint64())
		if !seen[r] {
			seen[r] = true
			roms = append(roms, r)
		}
	}
	return roms
}

func TestAll(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		roms := randomROMs(rnd, n, 0x28, 0x10, 0x22, 0x3b)
		d, _ := newBus(t, roms...)
		var s romsearch.Searcher
		got, err := romsearch.All(d, &s)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(treeOrder(roms), got); diff != "" {
			t.Fatalf("%d devices (-want +got):\n%s", n, diff)
		}
		if !s.LastDevice {
			t.Fatal("LastDevice not set")
		}
	}
}

func TestAll_siblings(t *testing.T) {
	// Serial numbers differing only in their last bits exercise discrepancies
	// deep in the tree.
	var roms []romsearch.ROM
	for i := range 8 {
		roms = append(roms, romsearch.NewROM(0x28, 0x800000000000|uint64(i)))
	}
	d, _ := newBus(t, roms...)
	got, err := romsearch.All(d, &romsearch.Searcher{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(treeOrder(roms), got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestAll_deterministic(t *testing.T) {
	roms := randomROMs(rand.New(rand.NewSource(2)), 6, 0x28)
	d, _ := newBus(t, roms...)
	var s romsearch.Searcher
	first, err := romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("(-first +second):\n%s", diff)
	}
}

func TestFirst_empty(t *testing.T) {
	d, sim := newBus(t)
	var s romsearch.Searcher
	ok, err := s.First(d)
	if ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.LastDiscrepancy != 0 || s.LastFamilyDiscrepancy != 0 || s.LastDevice {
		t.Fatalf("unexpected state %+v", s)
	}
	if n := sim.Resets(); n != 1 {
		t.Fatalf("%d resets", n)
	}
}

func TestFirst_single(t *testing.T) {
	rom := romsearch.NewROM(0x28, 0x0000070e41ac)
	d, sim := newBus(t, rom)
	var s romsearch.Searcher
	ok, err := s.First(d)
	if !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != rom {
		t.Fatalf("found %s, expected %s", s.ROM, rom)
	}
	if !s.LastDevice || s.LastDiscrepancy != 0 {
		t.Fatalf("unexpected state %+v", s)
	}
	// The bus is left alone once the last device was found.
	ok, err = s.Next(d)
	if ok || err != nil {
		t.Fatal(ok, err)
	}
	if n := sim.Resets(); n != 1 {
		t.Fatalf("%d resets", n)
	}
}

func TestFirst_restarts(t *testing.T) {
	roms := []romsearch.ROM{romsearch.NewROM(0x28, 1), romsearch.NewROM(0x28, 2)}
	d, _ := newBus(t, roms...)
	var s romsearch.Searcher
	if ok, err := s.First(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	first := s.ROM
	if ok, err := s.Next(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if ok, err := s.First(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != first {
		t.Fatalf("First found %s, then %s", first, s.ROM)
	}
}

// dropBus makes the devices stop answering a few slots into each search.
type dropBus struct {
	*onewirebb.Dev
	sim   *onewiresim.Bus
	slots int
}

func (d *dropBus) Reset() (bool, error) {
	present, err := d.Dev.Reset()
	d.sim.DropAfter(d.slots)
	return present, err
}

func TestNext_devicesLost(t *testing.T) {
	roms := []romsearch.ROM{romsearch.NewROM(0x28, 1), romsearch.NewROM(0x28, 2)}
	d, sim := newBus(t, roms...)
	var s romsearch.Searcher
	// 8 slots for the command, then 3 per bit.
	b := &dropBus{Dev: d, sim: sim, slots: 8 + 3*20}
	ok, err := s.First(b)
	if ok {
		t.Fatal("expected failure")
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Fatalf("expected a bus error, got %v", err)
	}
	if s.LastDiscrepancy != 0 || s.LastDevice {
		t.Fatalf("state not reset: %+v", s)
	}
	// Once the devices behave again the enumeration starts over.
	got, err := romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(treeOrder(roms), got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

// corrupted returns the codes of three devices in tree order, the middle one
// carrying a wrong CRC byte.
func corrupted() (good, bad, after romsearch.ROM) {
	// The codes part on bits 10 and 11.
	good = romsearch.NewROM(0x28, 1)
	bad = romsearch.NewROM(0x28, 3)
	bad[7] ^= 0xff
	after = romsearch.NewROM(0x28, 7)
	return good, bad, after
}

func TestNext_badCRC(t *testing.T) {
	good, bad, after := corrupted()
	d, _ := newBus(t, after, bad, good)
	var s romsearch.Searcher
	if ok, err := s.First(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != good {
		t.Fatalf("found %s", s.ROM)
	}
	ok, err := s.Next(d)
	if !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != bad || s.ROM.Valid() {
		t.Fatalf("found %s", s.ROM)
	}
	var be onewire.BusError
	if err := s.ROM.Check(); !errors.As(err, &be) {
		t.Fatalf("expected a bus error, got %v", err)
	}
	// The enumeration moves past the corrupted code.
	ok, err = s.Next(d)
	if !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != after {
		t.Fatalf("found %s, want %s", s.ROM, after)
	}
	if s.ROM.String() != "9B00000000000728" {
		t.Fatal(s.ROM.String())
	}
	if !s.LastDevice {
		t.Fatal("LastDevice not set")
	}
	if ok, err := s.Next(d); ok || err != nil {
		t.Fatal(ok, err)
	}
}

func TestAll_badCRC(t *testing.T) {
	good, bad, after := corrupted()
	d, _ := newBus(t, good, bad, after)
	got, err := romsearch.All(d, &romsearch.Searcher{})
	var be onewire.BusError
	if !errors.As(err, &be) {
		t.Fatalf("expected a bus error, got %v", err)
	}
	if diff := cmp.Diff([]romsearch.ROM{good, after}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestFamily_badCRC(t *testing.T) {
	good, bad, after := corrupted()
	other := romsearch.NewROM(0x3b, 1)
	d, _ := newBus(t, other, good, bad, after)
	got, err := romsearch.Family(d, &romsearch.Searcher{}, 0x28)
	if err == nil {
		t.Fatal("expected a CRC error")
	}
	if diff := cmp.Diff([]romsearch.ROM{good, after}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestFamily(t *testing.T) {
	roms := []romsearch.ROM{
		romsearch.NewROM(0x10, 0x000803360745),
		romsearch.NewROM(0x28, 0x0000070e41ac),
		romsearch.NewROM(0x3b, 0x0000000001),
		romsearch.NewROM(0x28, 0x0000070e41ad),
		romsearch.NewROM(0x10, 0x000803360746),
		romsearch.NewROM(0x28, 0x00000000ffff),
	}
	d, _ := newBus(t, roms...)
	for _, family := range []byte{0x10, 0x28, 0x3b} {
		var want []romsearch.ROM
		for _, r := range treeOrder(roms) {
			if r.Family() == family {
				want = append(want, r)
			}
		}
		got, err := romsearch.Family(d, &romsearch.Searcher{}, family)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("family %#02x (-want +got):\n%s", family, diff)
		}
	}
	got, err := romsearch.Family(d, &romsearch.Searcher{}, 0x22)
	if err != nil || len(got) != 0 {
		t.Fatal(got, err)
	}
}

func TestFamily_empty(t *testing.T) {
	d, _ := newBus(t)
	got, err := romsearch.Family(d, &romsearch.Searcher{}, 0x28)
	if err != nil || len(got) != 0 {
		t.Fatal(got, err)
	}
}

func TestFamilySkipSetup(t *testing.T) {
	roms := []romsearch.ROM{
		romsearch.NewROM(0x10, 1),
		romsearch.NewROM(0x10, 2),
		romsearch.NewROM(0x28, 1),
	}
	d, _ := newBus(t, roms...)
	var s romsearch.Searcher
	if ok, err := s.First(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if f := s.ROM.Family(); f != 0x10 {
		t.Fatalf("found family %#02x first", f)
	}
	s.FamilySkipSetup()
	if ok, err := s.Next(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	if s.ROM != roms[2] {
		t.Fatalf("found %s after skipping the family", s.ROM)
	}
	s.FamilySkipSetup()
	if !s.LastDevice {
		t.Fatal("no family left to skip to")
	}
	if ok, err := s.Next(d); ok || err != nil {
		t.Fatal(ok, err)
	}
}

func TestVerify(t *testing.T) {
	roms := []romsearch.ROM{
		romsearch.NewROM(0x28, 1),
		romsearch.NewROM(0x28, 2),
		romsearch.NewROM(0x10, 3),
	}
	d, _ := newBus(t, roms...)
	var s romsearch.Searcher
	if ok, err := s.First(d); !ok || err != nil {
		t.Fatal(ok, err)
	}
	before := s
	for _, r := range roms {
		ok, err := s.Verify(d, r)
		if !ok || err != nil {
			t.Fatalf("%s: %t, %v", r, ok, err)
		}
	}
	ok, err := s.Verify(d, romsearch.NewROM(0x28, 4))
	if ok || err != nil {
		t.Fatal(ok, err)
	}
	if diff := cmp.Diff(before, s, cmp.AllowUnexported(romsearch.Searcher{})); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
}

func TestFilter(t *testing.T) {
	roms := []romsearch.ROM{
		romsearch.NewROM(0x28, 1),
		romsearch.NewROM(0x10, 2),
		romsearch.NewROM(0x28, 3),
	}
	d, _ := newBus(t, roms...)
	var s romsearch.Searcher
	s.SetFilter(0x28)
	if f, ok := s.Filter(); f != 0x28 || !ok {
		t.Fatal(f, ok)
	}
	got, err := romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	want := treeOrder([]romsearch.ROM{roms[0], roms[2]})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	s.ClearFilter()
	if _, ok := s.Filter(); ok {
		t.Fatal("filter still set")
	}
	got, err = romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("found %d devices", len(got))
	}
}

func TestAlarm(t *testing.T) {
	hot := onewiresim.NewDS18B20(romsearch.NewROM(0x28, 1), 90<<4)
	mild := onewiresim.NewDS18B20(romsearch.NewROM(0x28, 2), 25<<4)
	cold := onewiresim.NewDS18B20(romsearch.NewROM(0x28, 3), -20<<4)
	for _, dev := range []*onewiresim.DS18B20{hot, mild, cold} {
		dev.SetAlarm(70, 0)
	}
	sim := onewiresim.New(hot, mild, cold)
	opts := onewirebb.DefaultOpts
	opts.Clock = sim
	opts.Section = onewirebb.NoSection{}
	d, err := onewirebb.New(sim, &opts)
	if err != nil {
		t.Fatal(err)
	}
	s := romsearch.Searcher{Alarm: true}
	// No alarm before the first conversion.
	got, err := romsearch.All(d, &s)
	if err != nil || len(got) != 0 {
		t.Fatal(got, err)
	}
	if err := d.Tx([]byte{romsearch.SkipROM, 0x44}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	got, err = romsearch.All(d, &s)
	if err != nil {
		t.Fatal(err)
	}
	want := treeOrder([]romsearch.ROM{hot.ROM(), cold.ROM()})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

// failBus fails after a number of operations.
type failBus struct {
	ops int
	err error
}

func (f *failBus) tick() error {
	if f.ops--; f.ops < 0 {
		return f.err
	}
	return nil
}

func (f *failBus) Reset() (bool, error) {
	return true, f.tick()
}

func (f *failBus) WriteByte(byte) error {
	return f.tick()
}

func (f *failBus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	return onewire.TripletResult{GotZero: true}, f.tick()
}

func TestSearch_busErrors(t *testing.T) {
	want := errors.New("pin failure")
	for _, ops := range []int{0, 1, 2, 40} {
		s := romsearch.Searcher{LastDiscrepancy: 12, LastFamilyDiscrepancy: 3}
		ok, err := s.Next(&failBus{ops: ops, err: want})
		if ok || !errors.Is(err, want) {
			t.Fatalf("after %d ops: %t, %v", ops, ok, err)
		}
		if s.LastDiscrepancy != 0 || s.LastFamilyDiscrepancy != 0 || s.LastDevice {
			t.Fatalf("after %d ops: state not reset: %+v", ops, s)
		}
	}
}
