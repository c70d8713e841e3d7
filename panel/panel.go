// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package panel draws the latest temperature readings on a display.
package panel

import (
	"fmt"
	"image"

	"github.com/GermanBionicSystems/owtherm/ds18b20"
	"github.com/GermanBionicSystems/owtherm/report"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	Title    string
	FontSize float64 // in points; 0 selects the 7x13 bitmap font
	Unit     report.Unit
}

// DefaultOpts fits a 128x64 monochrome display.
var DefaultOpts = Opts{Title: "owtherm"}

// Entry is one line of the panel.
type Entry struct {
	ROM     romsearch.ROM
	Reading ds18b20.Reading
}

// New returns a panel drawing on d.
func New(d display.Drawer, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := &Dev{d: d, opts: *opts}
	if opts.FontSize <= 0 {
		p.face = basicfont.Face7x13
		return p, nil
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("panel: %w", err)
	}
	p.face = truetype.NewFace(f, &truetype.Options{Size: opts.FontSize})
	return p, nil
}

// Dev draws readings on a display.
type Dev struct {
	d    display.Drawer
	opts Opts
	face font.Face
}

func (p *Dev) String() string {
	return "panel{" + p.d.String() + "}"
}

// Halt implements conn.Resource.
func (p *Dev) Halt() error {
	return p.d.Halt()
}

// Render returns the image of entries, the size of the display.
//
// Entries that do not fit are not drawn.
func (p *Dev) Render(entries []Entry) image.Image {
	b := p.d.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.SetFontFace(p.face)
	h := dc.FontHeight()
	y := h
	if p.opts.Title != "" {
		dc.DrawString(p.opts.Title, 0, y)
		y += h + 2
	}
	if len(entries) == 0 {
		dc.DrawString("no sensor", 0, y)
	}
	for _, e := range entries {
		dc.DrawString(p.Line(e), 0, y)
		y += h
	}
	return dc.Image()
}

// Show renders entries and draws them on the display.
func (p *Dev) Show(entries []Entry) error {
	img := p.Render(entries)
	return p.d.Draw(p.d.Bounds(), img, image.Point{})
}

// Line returns the text of one entry: the low 32 bits of the serial number
// and the temperature.
func (p *Dev) Line(e Entry) string {
	return fmt.Sprintf("%08X %s", e.ROM.Serial()&0xffffffff, p.opts.Unit.Format(e.Reading))
}

var _ conn.Resource = &Dev{}
