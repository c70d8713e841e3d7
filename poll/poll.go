// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package poll reads all the DS18B20 thermometers of a 1-wire bus, one cycle
// at a time.
//
// A cycle resets the bus, starts a conversion on every device at once, waits
// for it to complete, then enumerates the thermometers and reads their
// scratchpad one by one. Progress and readings go to a report.Reporter.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/owtherm/ds18b20"
	"github.com/GermanBionicSystems/owtherm/report"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"periph.io/x/conn/v3/onewire"
)

// Bus is a 1-wire bus master able to run transactions and searches.
//
// onewirebb.Dev and ds248x.Dev implement it.
type Bus interface {
	onewire.Bus
	romsearch.Bus
}

// Opts contains options to pass to the constructor.
type Opts struct {
	Family      byte          // family code of the thermometers to read
	ConvertWait time.Duration // time given to the conversion
	// OnCycle, when set, is called by Run with the results of each cycle.
	OnCycle func(results []Result)
}

// DefaultOpts reads DS18B20 devices at their default 12 bits resolution.
var DefaultOpts = Opts{
	Family:      byte(ds18b20.DS18B20),
	ConvertWait: 750 * time.Millisecond,
}

// Result is the reading of one thermometer.
type Result struct {
	ROM        romsearch.ROM
	Scratchpad ds18b20.Scratchpad
	Reading    ds18b20.Reading
}

// New returns a Poller reading the thermometers on bus.
func New(bus Bus, rep *report.Reporter, opts *Opts) (*Poller, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ConvertWait < 0 {
		return nil, errors.New("poll: ConvertWait must not be negative")
	}
	return &Poller{bus: bus, rep: rep, opts: *opts}, nil
}

// Poller runs polling cycles. It is not safe for concurrent use.
type Poller struct {
	bus  Bus
	rep  *report.Reporter
	opts Opts
	s    romsearch.Searcher
}

func (p *Poller) String() string {
	return "poll{" + p.bus.String() + "}"
}

// Cycle runs one polling cycle and returns the readings with a valid
// scratchpad, in search order.
//
// An empty bus is not an error. A device whose ROM code or scratchpad fails
// its CRC check is reported and skipped. Other bus errors are reported and
// end the cycle.
func (p *Poller) Cycle() ([]Result, error) {
	p.rep.Start()
	present, err := p.bus.Reset()
	if err != nil {
		return nil, p.fail(err)
	}
	p.rep.Presence(present)
	if !present {
		return nil, p.rep.Err()
	}
	if err := ds18b20.StartAll(p.bus); err != nil {
		return nil, p.fail(err)
	}
	p.rep.Converting()
	sleep(p.opts.ConvertWait)
	p.rep.Searching()

	var results []Result
	p.s.TargetSetup(p.opts.Family)
	for {
		ok, err := p.s.Next(p.bus)
		if err != nil {
			return results, p.fail(err)
		}
		if !ok {
			break
		}
		rom := p.s.ROM
		if err := rom.Check(); err != nil {
			p.rep.Failure(err)
			continue
		}
		// The search goes on with the following families.
		if rom.Family() != p.opts.Family {
			break
		}
		spad, err := ds18b20.Read(p.bus, rom.Address())
		if err != nil {
			if !isBusError(err) {
				p.rep.End()
				return results, err
			}
			p.rep.Failure(fmt.Errorf("%s: %w", rom, err))
			continue
		}
		r := Result{ROM: rom, Scratchpad: spad, Reading: spad.Reading(ds18b20.Family(rom.Family()))}
		p.rep.Sensor(rom, &r.Scratchpad, r.Reading)
		results = append(results, r)
	}
	p.rep.End()
	return results, p.rep.Err()
}

// Run runs a cycle each time trigger receives, until ctx is done or trigger
// is closed.
//
// Bus errors are reported and polling goes on. Any other error stops it and
// is returned.
func (p *Poller) Run(ctx context.Context, trigger <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-trigger:
			if !ok {
				return nil
			}
		}
		results, err := p.Cycle()
		if err != nil && !isBusError(err) {
			return err
		}
		if p.opts.OnCycle != nil {
			p.opts.OnCycle(results)
		}
	}
}

//

// fail reports bus errors and closes the cycle.
func (p *Poller) fail(err error) error {
	if !isBusError(err) {
		return err
	}
	p.rep.Failure(err)
	p.rep.End()
	if werr := p.rep.Err(); werr != nil {
		return werr
	}
	return err
}

func isBusError(err error) bool {
	var b onewire.BusError
	return errors.As(err, &b) && b.BusError()
}

var sleep = time.Sleep
