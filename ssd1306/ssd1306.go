// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ssd1306

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/i2c"
)

const (
	_CHARGEPUMP          = 0x8D
	_COLUMNADDR          = 0x21
	_COMSCANDEC          = 0xC8
	_COMSCANINC          = 0xC0
	_DEACTIVATE_SCROLL   = 0x2E
	_DISPLAYALLON_RESUME = 0xA4
	_DISPLAYOFF          = 0xAE
	_DISPLAYON           = 0xAF
	_INVERTDISPLAY       = 0xA7
	_MEMORYMODE          = 0x20
	_NORMALDISPLAY       = 0xA6
	_PAGEADDR            = 0x22
	_PAGESTARTADDRESS    = 0xB0
	_SEGREMAP            = 0xA0
	_SETCOMPINS          = 0xDA
	_SETCONTRAST         = 0x81
	_SETDISPLAYCLOCKDIV  = 0xD5
	_SETDISPLAYOFFSET    = 0xD3
	_SETHIGHCOLUMN       = 0x10
	_SETLOWCOLUMN        = 0x00
	_SETMULTIPLEX        = 0xA8
	_SETPRECHARGE        = 0xD9
	_SETSEGMENTREMAP     = 0xA1
	_SETSTARTLINE        = 0x40
	_SETVCOMDETECT       = 0xDB
)

const (
	i2cCmd  = 0x00 // I²C transaction has stream of command bytes
	i2cData = 0x40 // I²C transaction has stream of data bytes
)

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	W:    128,
	H:    64,
	Addr: 0x3c,
}

// Opts defines the options for the device.
type Opts struct {
	W int
	H int
	// Sequential corresponds to the Sequential/Alternative COM pin configuration
	// in the OLED panel hardware. Try toggling this if half the rows appear to be
	// missing on your display. Particularly on 32 pixel height displays.
	Sequential bool
	// MirrorVertical corresponds to the COM remap configuration in the OLED panel
	// hardware. Try toggling this if the display is flipped vertically.
	MirrorVertical bool
	// MirrorHorizontal corresponds to the SEG remap configuration in the OLED panel
	// hardware. Try toggling this if the display is flipped horizontally.
	MirrorHorizontal bool
	// SwapTopBottom corresponds to the Left/Right remap COM pin configuration in
	// the OLED panel hardware. Try toggling this if the top and bottom halves of
	// your display are swapped.
	SwapTopBottom bool
	// SH1106 selects the SH1106 controller, whose 132 columns of RAM are
	// centered on the 128 pixels of the panel.
	SH1106 bool
	// The I2C address of the display.
	Addr uint16
}

// NewI2C returns a Dev object that communicates over I²C to a SSD1306 display
// controller.
//
// Maximum clock speed is 1/2.5µs = 400KHz.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.W < 8 || opts.W > 128 || opts.W&7 != 0 {
		return nil, fmt.Errorf("ssd1306: invalid width %d", opts.W)
	}
	if opts.H < 8 || opts.H > 64 || opts.H&7 != 0 {
		return nil, fmt.Errorf("ssd1306: invalid height %d", opts.H)
	}
	addr := opts.Addr
	if addr == 0 {
		addr = DefaultOpts.Addr
	}
	d := &Dev{
		c:      &i2c.Dev{Bus: b, Addr: addr},
		rect:   image.Rect(0, 0, opts.W, opts.H),
		buffer: make([]byte, opts.W*opts.H/8),
		next:   make([]byte, opts.W*opts.H/8),
		stale:  true,
		name:   "ssd1306",
	}
	if opts.SH1106 {
		d.offset = 2
		d.name = "sh1106"
	}
	if err := d.sendCommand(initCmd(opts)); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is an open handle to the display controller.
type Dev struct {
	c    conn.Conn
	rect image.Rectangle
	name string

	// GDDRAM content, in 8 pixels high pages of W bytes each. The least
	// significant bit of a byte is its top pixel.
	buffer []byte
	// next is the frame being drawn.
	next []byte
	// stale is set until the first frame was sent in full.
	stale  bool
	halted bool
	// Column of pixel 0 in RAM.
	offset byte
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s, %s}", d.name, d.c, d.rect.Max)
}

// ColorModel implements display.Drawer.
//
// Pixels are either lit or dark, see OnOff.
func (d *Dev) ColorModel() color.Model {
	return OnOff
}

// Bounds implements display.Drawer. Min is guaranteed to be {0, 0}.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Draw implements display.Drawer.
//
// It draws synchronously, once this function returns, the display is updated.
// Only the smallest rectangle of pages and columns that changed since the
// previous frame is sent.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	copy(d.next, d.buffer)
	r = r.Intersect(d.rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			i := y/8*d.rect.Dx() + x
			mask := byte(1) << uint(y&7)
			if lit(src.At(sp.X+x-r.Min.X, sp.Y+y-r.Min.Y)) {
				d.next[i] |= mask
			} else {
				d.next[i] &^= mask
			}
		}
	}
	return d.flush()
}

// Write writes a whole frame, packed in pages 8 pixels high of one byte per
// column, the top pixel in the least significant bit.
func (d *Dev) Write(pixels []byte) (int, error) {
	if len(pixels) != len(d.buffer) {
		return 0, fmt.Errorf("%s: invalid pixel stream length; expected %d bytes, got %d bytes", d.name, len(d.buffer), len(pixels))
	}
	copy(d.next, pixels)
	if err := d.flush(); err != nil {
		return 0, err
	}
	return len(pixels), nil
}

// SetContrast changes the screen contrast.
func (d *Dev) SetContrast(level byte) error {
	return d.sendCommand([]byte{_SETCONTRAST, level})
}

// Invert the display (black on white vs white on black).
func (d *Dev) Invert(blackOnWhite bool) error {
	b := []byte{_NORMALDISPLAY}
	if blackOnWhite {
		b[0] = _INVERTDISPLAY
	}
	return d.sendCommand(b)
}

// Halt turns off the display.
//
// Sending any other command afterward reenables the display.
func (d *Dev) Halt() error {
	d.halted = false
	err := d.sendCommand([]byte{_DISPLAYOFF})
	if err == nil {
		d.halted = true
	}
	return err
}

// OnOff converts colors to lit (white) or dark (black) pixels: a pixel is lit
// when its luminance is at least half the maximum.
var OnOff = color.ModelFunc(func(c color.Color) color.Color {
	if lit(c) {
		return color.Gray{Y: 0xff}
	}
	return color.Gray{}
})

//

func lit(c color.Color) bool {
	return color.GrayModel.Convert(c).(color.Gray).Y >= 0x80
}

func initCmd(opts *Opts) []byte {
	// Set COM output scan direction; C0 means normal; C8 means reversed
	comScan := byte(_COMSCANDEC)
	if opts.MirrorVertical {
		comScan = _COMSCANINC
	}
	// See page 40.
	columnAddr := byte(_SETSEGMENTREMAP)
	if opts.MirrorHorizontal {
		columnAddr = _SEGREMAP
	}
	// See page 40.
	hwLayout := byte(0x02)
	if !opts.Sequential {
		hwLayout |= 0x10
	}
	if opts.SwapTopBottom {
		hwLayout |= 0x20
	}
	// Page 64 has the full recommended flow. Page 28 lists all the commands.
	return []byte{
		_DISPLAYOFF,
		_SETDISPLAYOFFSET, 0x00,
		_SETSTARTLINE,
		columnAddr,
		comScan,
		_SETCOMPINS, hwLayout,
		_SETCONTRAST, 0xFF,
		_DISPLAYALLON_RESUME,      // Set display to use GDDRAM content
		_NORMALDISPLAY,            // 1=lit
		_SETDISPLAYCLOCKDIV, 0xF0, // Max oscillator frequency to limit tearing on I²C
		_CHARGEPUMP, 0x14, // Enable charge pump regulator; page 62
		_SETPRECHARGE, 0xF1,
		_SETVCOMDETECT, 0x40, // Set Vcomh deselect level; page 32
		_DEACTIVATE_SCROLL,
		_SETMULTIPLEX, byte(opts.H - 1),
		_MEMORYMODE, 0x00, // Horizontal addressing
		_COLUMNADDR, 0, byte(opts.W - 1),
		_PAGEADDR, 0, byte(opts.H/8 - 1),
		_DISPLAYON,
	}
}

// changed returns the pages [p0, p1) and columns [c0, c1) that differ
// between the frame on the display and the next one. p0 == p1 when nothing
// changed.
func (d *Dev) changed() (p0, p1, c0, c1 int) {
	w := d.rect.Dx()
	p1 = d.rect.Dy() / 8
	c1 = w
	if d.stale {
		return 0, p1, 0, c1
	}
	page := func(p int) bool {
		return !bytes.Equal(d.buffer[p*w:(p+1)*w], d.next[p*w:(p+1)*w])
	}
	for p0 < p1 && !page(p0) {
		p0++
	}
	for p1 > p0 && !page(p1-1) {
		p1--
	}
	column := func(c int) bool {
		for p := p0; p < p1; p++ {
			if d.buffer[p*w+c] != d.next[p*w+c] {
				return true
			}
		}
		return false
	}
	for c0 < c1 && !column(c0) {
		c0++
	}
	for c1 > c0 && !column(c1-1) {
		c1--
	}
	return p0, p1, c0, c1
}

// flush sends the changed part of d.next.
func (d *Dev) flush() error {
	p0, p1, c0, c1 := d.changed()
	if p0 == p1 {
		return nil
	}
	w := d.rect.Dx()
	col := byte(c0) + d.offset
	for p := p0; p < p1; p++ {
		err := d.sendCommand([]byte{
			_PAGESTARTADDRESS | byte(p),
			_SETLOWCOLUMN | col&0x0F,
			_SETHIGHCOLUMN | col>>4,
		})
		if err != nil {
			return err
		}
		if err := d.sendData(d.next[p*w+c0 : p*w+c1]); err != nil {
			return err
		}
		copy(d.buffer[p*w+c0:p*w+c1], d.next[p*w+c0:p*w+c1])
	}
	d.stale = false
	return nil
}

func (d *Dev) sendData(c []byte) error {
	if d.halted {
		// Transparently enable the display.
		if err := d.sendCommand(nil); err != nil {
			return err
		}
	}
	return d.tx(append([]byte{i2cData}, c...))
}

func (d *Dev) sendCommand(c []byte) error {
	if d.halted {
		// Transparently enable the display.
		c = append([]byte{_DISPLAYON}, c...)
		d.halted = false
	}
	return d.tx(append([]byte{i2cCmd}, c...))
}

func (d *Dev) tx(w []byte) error {
	if err := d.c.Tx(w, nil); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return nil
}

var _ display.Drawer = &Dev{}
