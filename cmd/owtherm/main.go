// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owtherm polls the DS18B20 thermometers of a 1-wire bus and prints their
// readings.
//
// The bus is either bit-banged on a GPIO pin or driven by a DS2482 I²C
// master. Readings go to stdout or to a software UART on a GPIO pin, and
// optionally to a PNG file or a SSD1306 OLED display, while a LED breathes to
// show the program is alive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/GermanBionicSystems/owtherm/breathe"
	"github.com/GermanBionicSystems/owtherm/ds248x"
	"github.com/GermanBionicSystems/owtherm/onewirebb"
	"github.com/GermanBionicSystems/owtherm/panel"
	"github.com/GermanBionicSystems/owtherm/poll"
	"github.com/GermanBionicSystems/owtherm/report"
	"github.com/GermanBionicSystems/owtherm/ssd1306"
	"github.com/GermanBionicSystems/owtherm/swuart"
	"github.com/GermanBionicSystems/owtherm/termled"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func mainImpl() error {
	pin := flag.String("pin", "GPIO4", "1-wire data pin")
	pullup := flag.Bool("pullup", false, "enable the internal pull-up of the 1-wire pin")
	i2cName := flag.String("i2c", "", "use a DS2482 on this I²C bus instead of -pin")
	addr := flag.Uint("addr", 0x18, "I²C address of the DS2482")
	tx := flag.String("tx", "", "software UART transmit pin; stdout when empty")
	baud := flag.Int("baud", swuart.DefaultOpts.Baud, "software UART baud rate")
	led := flag.String("led", "", "LED pin; a LED on the terminal when empty")
	interval := flag.Duration("interval", 5*time.Second, "time between cycles; 0 runs a cycle per line read on stdin")
	verbose := flag.Bool("verbose", false, "print progress messages and scratchpads")
	celsius := flag.Bool("celsius", false, "print Celsius instead of Fahrenheit")
	once := flag.Bool("once", false, "run a single cycle and exit")
	pngPath := flag.String("png", "", "render the readings to this PNG file after each cycle")
	oled := flag.String("ssd1306", "", "show the readings on a SSD1306 OLED display on this I²C bus")
	oledH := flag.Int("ssd1306-h", ssd1306.DefaultOpts.H, "height of the SSD1306 display, 32 or 64")
	sh1106 := flag.Bool("sh1106", false, "the -ssd1306 display has a SH1106 controller")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	if _, err := host.Init(); err != nil {
		return err
	}

	bus, err := openBus(*pin, *pullup, *i2cName, uint16(*addr))
	if err != nil {
		return err
	}
	defer bus.Halt()

	var out io.Writer = os.Stdout
	if *tx != "" {
		p := gpioreg.ByName(*tx)
		if p == nil {
			return fmt.Errorf("invalid pin %q", *tx)
		}
		u, err := swuart.New(p, &swuart.Opts{Baud: *baud})
		if err != nil {
			return err
		}
		defer u.Halt()
		out = u
	}
	ro := report.Opts{Verbose: *verbose}
	if *celsius {
		ro.Unit = report.Celsius
	}
	rep := report.New(out, &ro)

	var drawers []display.Drawer
	if *pngPath != "" {
		drawers = append(drawers, &pngFile{path: *pngPath, b: image.Rect(0, 0, 128, 64)})
	}
	if *oled != "" {
		i, err := i2creg.Open(*oled)
		if err != nil {
			return err
		}
		defer i.Close()
		so := ssd1306.DefaultOpts
		so.H = *oledH
		so.Sequential = so.H == 32
		so.SH1106 = *sh1106
		d, err := ssd1306.NewI2C(i, &so)
		if err != nil {
			return err
		}
		defer d.Halt()
		drawers = append(drawers, d)
	}
	show, err := newShow(drawers, ro.Unit)
	if err != nil {
		return err
	}

	opts := poll.DefaultOpts
	if show != nil {
		opts.OnCycle = func(results []poll.Result) {
			if err := show(results); err != nil {
				log.Printf("panel: %v", err)
			}
		}
	}
	p, err := poll.New(bus, rep, &opts)
	if err != nil {
		return err
	}

	if *once {
		results, err := p.Cycle()
		if err != nil {
			return err
		}
		if show != nil {
			return show(results)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	l, err := openLED(*led)
	if err != nil {
		return err
	}
	b, err := breathe.New(l, nil)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Halt()

	trigger := make(chan struct{})
	if *interval == 0 {
		go triggerLines(ctx, os.Stdin, trigger)
	} else {
		go triggerTicks(ctx, *interval, trigger)
	}
	if err := p.Run(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBus(pin string, pullup bool, i2cName string, addr uint16) (poll.Bus, error) {
	if i2cName != "" {
		i, err := i2creg.Open(i2cName)
		if err != nil {
			return nil, err
		}
		d, err := ds248x.New(i, addr, nil)
		if err != nil {
			i.Close()
			return nil, err
		}
		return d, nil
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, fmt.Errorf("invalid pin %q", pin)
	}
	opts := onewirebb.DefaultOpts
	opts.InternalPullup = pullup
	return onewirebb.New(p, &opts)
}

func openLED(name string) (gpio.PinOut, error) {
	if name == "" {
		return termled.New(&termled.Opts{Name: "LED", Color: color.NRGBA{G: 255, A: 255}, W: colorable.NewColorableStderr()}), nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("invalid pin %q", name)
	}
	return p, nil
}

// triggerTicks triggers a cycle right away, then every interval.
func triggerTicks(ctx context.Context, interval time.Duration, trigger chan<- struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case trigger <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

// triggerLines triggers a cycle per line read from r, like a start byte
// received on a serial line.
func triggerLines(ctx context.Context, r io.Reader, trigger chan<- struct{}) {
	defer close(trigger)
	s := bufio.NewScanner(r)
	for s.Scan() {
		select {
		case trigger <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// newShow returns a function drawing the results of a cycle on every
// display, or nil when there is none.
func newShow(drawers []display.Drawer, unit report.Unit) (func([]poll.Result) error, error) {
	if len(drawers) == 0 {
		return nil, nil
	}
	panels := make([]*panel.Dev, 0, len(drawers))
	for _, d := range drawers {
		p, err := panel.New(d, &panel.Opts{Title: "owtherm", Unit: unit})
		if err != nil {
			return nil, err
		}
		panels = append(panels, p)
	}
	return func(results []poll.Result) error {
		entries := make([]panel.Entry, 0, len(results))
		for _, r := range results {
			entries = append(entries, panel.Entry{ROM: r.ROM, Reading: r.Reading})
		}
		var errs []error
		for _, p := range panels {
			if err := p.Show(entries); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
			}
		}
		return errors.Join(errs...)
	}, nil
}

// pngFile is a display that saves each frame as a PNG file.
type pngFile struct {
	path string
	b    image.Rectangle
}

func (p *pngFile) String() string          { return "png(" + strconv.Quote(p.path) + ")" }
func (p *pngFile) Halt() error             { return nil }
func (p *pngFile) ColorModel() color.Model { return color.NRGBAModel }
func (p *pngFile) Bounds() image.Rectangle { return p.b }

func (p *pngFile) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	img := image.NewNRGBA(p.b)
	draw.Draw(img, r.Intersect(p.b), src, sp, draw.Src)
	f, err := os.Create(p.path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	if err := mainImpl(); err != nil {
		log.Fatalf("owtherm: %s.", err)
	}
}
