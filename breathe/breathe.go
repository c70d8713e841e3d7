// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package breathe makes a LED "breathe": its brightness ramps up linearly to
// a peak, back down to off, then stays off for one tick before starting over.
package breathe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	Step      int              // position increment per tick
	Peak      int              // position of full brightness
	Tick      time.Duration    // interval between steps
	Frequency physic.Frequency // PWM frequency
	Clock     clockwork.Clock  // nil means the real clock
}

// DefaultOpts is the recommended default options: a full breath every 25s.
var DefaultOpts = Opts{
	Step:      1000,
	Peak:      12000,
	Tick:      time.Second,
	Frequency: physic.KiloHertz,
}

// Next returns the position following pos and the brightness level to
// apply, in the range [0, o.Peak].
//
// Positions go up by o.Step until o.Peak while the level follows them, go on
// up to twice o.Peak while the level goes back down, then reset to 0.
func (o *Opts) Next(pos int) (next, level int) {
	switch {
	case pos < o.Peak:
		pos += o.Step
		return pos, min(pos, o.Peak)
	case pos < 2*o.Peak:
		pos += o.Step
		return pos, max(2*o.Peak-pos, 0)
	default:
		return 0, 0
	}
}

// Duty converts a level returned by Next to a PWM duty cycle.
func (o *Opts) Duty(level int) gpio.Duty {
	return gpio.Duty(int64(level) * int64(gpio.DutyMax) / int64(o.Peak))
}

// New returns a breathing LED on pin p. The LED is turned off until Start is
// called.
func New(p gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	switch {
	case opts.Step <= 0:
		return nil, errors.New("breathe: Step must be positive")
	case opts.Peak < opts.Step:
		return nil, errors.New("breathe: Peak must be at least Step")
	case opts.Tick <= 0:
		return nil, errors.New("breathe: Tick must be positive")
	case opts.Frequency <= 0:
		return nil, errors.New("breathe: Frequency must be positive")
	}
	d := &Dev{p: p, opts: *opts, clock: opts.Clock}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if err := d.off(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a breathing LED.
type Dev struct {
	p     gpio.PinOut
	opts  Opts
	clock clockwork.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (d *Dev) String() string {
	return "breathe{" + d.p.String() + "}"
}

// Start starts breathing in a goroutine, until ctx is done or Halt is
// called.
func (d *Dev) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return errors.New("breathe: already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.err = nil
	t := d.clock.NewTicker(d.opts.Tick)
	go d.run(ctx, t, d.done)
	return nil
}

// Halt implements conn.Resource.
//
// It stops breathing, turns the LED off and returns the error that stopped
// the goroutine, if any.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		d.cancel()
		<-d.done
		d.done = nil
	}
	err := d.err
	d.err = nil
	if err2 := d.off(); err == nil {
		err = err2
	}
	return err
}

//

func (d *Dev) run(ctx context.Context, t clockwork.Ticker, done chan<- struct{}) {
	defer close(done)
	defer t.Stop()
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
		var level int
		pos, level = d.opts.Next(pos)
		if err := d.p.PWM(d.opts.Duty(level), d.opts.Frequency); err != nil {
			// Read by Halt once done is closed.
			d.err = fmt.Errorf("breathe: failed to set %s: %w", d.p, err)
			return
		}
	}
}

func (d *Dev) off() error {
	if err := d.p.Out(gpio.Low); err != nil {
		return fmt.Errorf("breathe: failed to turn %s off: %w", d.p, err)
	}
	return nil
}

var _ conn.Resource = &Dev{}
