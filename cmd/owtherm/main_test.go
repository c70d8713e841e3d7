// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GermanBionicSystems/owtherm/poll"
	"github.com/GermanBionicSystems/owtherm/report"
	"github.com/GermanBionicSystems/owtherm/romsearch"
	"github.com/GermanBionicSystems/owtherm/ssd1306"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestTriggerLines(t *testing.T) {
	trigger := make(chan struct{})
	go triggerLines(context.Background(), strings.NewReader("go\n\ngo\n"), trigger)
	n := 0
	for range trigger {
		n++
	}
	if n != 3 {
		t.Fatal(n)
	}
}

func TestTriggerTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		triggerTicks(ctx, time.Millisecond, trigger)
	}()
	for range 3 {
		<-trigger
	}
	cancel()
	<-done
}

func TestPNGFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	p := &pngFile{path: path, b: image.Rect(0, 0, 4, 2)}
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	src.Set(1, 1, color.NRGBA{255, 255, 255, 255})
	if err := p.Draw(p.Bounds(), src, image.Point{}); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != p.b {
		t.Fatal(img.Bounds())
	}
	if r, _, _, _ := img.At(1, 1).RGBA(); r != 0xffff {
		t.Fatal(r)
	}
	if r, _, _, _ := img.At(0, 0).RGBA(); r != 0 {
		t.Fatal(r)
	}
}

func TestNewShow(t *testing.T) {
	if show, err := newShow(nil, report.Fahrenheit); show != nil || err != nil {
		t.Fatal("expected no display")
	}
	var rec i2ctest.Record
	d, err := ssd1306.NewI2C(&rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out.png")
	show, err := newShow([]display.Drawer{d, &pngFile{path: path, b: d.Bounds()}}, report.Celsius)
	if err != nil {
		t.Fatal(err)
	}
	results := []poll.Result{{ROM: romsearch.NewROM(0x28, 0x0000070e41ac), Reading: 25 << 4}}
	if err := show(results); err != nil {
		t.Fatal(err)
	}
	// Initialization, then the 8 pages of the first frame.
	if len(rec.Ops) != 1+2*8 {
		t.Fatal(len(rec.Ops))
	}
	lit := false
	for _, op := range rec.Ops[1:] {
		if op.W[0] != 0x40 {
			continue
		}
		for _, b := range op.W[1:] {
			lit = lit || b != 0
		}
	}
	if !lit {
		t.Fatal("nothing drawn")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	// The same readings do not touch the OLED again.
	if err := show(results); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 1+2*8 {
		t.Fatal(len(rec.Ops))
	}
}
