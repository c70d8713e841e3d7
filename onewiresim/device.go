// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

// Device is a simulated 1-wire slave.
//
// The bus handles the ROM layer (search, match, skip and read ROM) on behalf
// of the device and calls Command with the function command that follows
// once the device is selected.
type Device interface {
	// ROM returns the 64-bit ROM code in transmission order.
	ROM() [8]byte
	// Alarm returns true if the device answers an alarm search.
	Alarm() bool
	// Command handles a function command.
	Command(cmd byte) Response
}

// Response tells the bus what a device does after a function command.
type Response struct {
	// Send is transmitted to the master, least significant bit first.
	Send []byte
	// Bits limits the transmission to the first Bits bits of Send when not 0.
	Bits int
	// Receive is the number of bytes the device expects from the master.
	Receive int
	// OnReceive is called once Receive bytes were received.
	OnReceive func(data []byte)
}

// ROMDevice is a device that only implements the ROM layer.
type ROMDevice [8]byte

// ROM implements Device.
func (r ROMDevice) ROM() [8]byte {
	return r
}

// Alarm implements Device.
func (r ROMDevice) Alarm() bool {
	return false
}

// Command implements Device.
func (r ROMDevice) Command(byte) Response {
	return Response{}
}

type state int

const (
	stIdle     state = iota // waiting for a reset
	stROM                   // receiving the ROM command
	stSearch                // taking part in a search
	stMatch                 // receiving the ROM code to match
	stSend                  // transmitting
	stFunction              // receiving the function command
	stReceive               // receiving function command data
)

// slave runs the slot level state machine of one device.
type slave struct {
	dev   Device
	state state

	rx    []byte // bytes being received
	nbits int    // bits received in the current byte
	want  int    // bytes to receive in stReceive
	onRx  func([]byte)

	tx   []byte // bits to transmit, one per byte
	next state  // state once tx is exhausted

	pos   int // bit position in the ROM code
	phase int // search phase: 0 bit, 1 complement, 2 direction
}

func (s *slave) reset() {
	s.state = stROM
	s.rx = s.rx[:0]
	s.nbits = 0
	s.tx = nil
	s.pos = 0
	s.phase = 0
}

// slot processes one time slot, bit being the value the master wrote. It
// returns true if the device pulls the line low during the slot.
func (s *slave) slot(bit byte) bool {
	switch s.state {
	case stROM:
		if b, ok := s.receive(bit); ok {
			s.romCommand(b)
		}
	case stSearch:
		return s.search(bit)
	case stMatch:
		rom := s.dev.ROM()
		if rom[s.pos>>3]>>uint(s.pos&7)&1 != bit {
			s.state = stIdle
			return false
		}
		if s.pos++; s.pos == 64 {
			s.startFunction()
		}
	case stSend:
		if len(s.tx) == 0 {
			s.state = s.next
			return s.slot(bit)
		}
		b := s.tx[0]
		s.tx = s.tx[1:]
		if len(s.tx) == 0 {
			s.state = s.next
			if s.next == stFunction {
				s.startFunction()
			}
		}
		return b == 0
	case stFunction:
		if b, ok := s.receive(bit); ok {
			s.function(b)
		}
	case stReceive:
		if _, ok := s.receive(bit); ok && len(s.rx) == s.want {
			data := append([]byte(nil), s.rx...)
			s.state = stIdle
			if s.onRx != nil {
				s.onRx(data)
			}
		}
	}
	return false
}

// receive shifts in one bit and returns the byte once 8 bits were received.
func (s *slave) receive(bit byte) (byte, bool) {
	if s.nbits == 0 {
		s.rx = append(s.rx, 0)
	}
	s.rx[len(s.rx)-1] |= bit << uint(s.nbits)
	if s.nbits++; s.nbits < 8 {
		return 0, false
	}
	s.nbits = 0
	return s.rx[len(s.rx)-1], true
}

func (s *slave) romCommand(cmd byte) {
	s.pos = 0
	s.phase = 0
	switch cmd {
	case 0xf0:
		s.state = stSearch
	case 0xec:
		s.state = stIdle
		if s.dev.Alarm() {
			s.state = stSearch
		}
	case 0x55:
		s.state = stMatch
	case 0xcc:
		s.startFunction()
	case 0x33:
		rom := s.dev.ROM()
		s.send(rom[:], 64, stFunction)
	default:
		s.state = stIdle
	}
}

func (s *slave) search(bit byte) bool {
	rom := s.dev.ROM()
	own := rom[s.pos>>3] >> uint(s.pos&7) & 1
	switch s.phase {
	case 0:
		s.phase = 1
		return own == 0
	case 1:
		s.phase = 2
		return own == 1
	default:
		s.phase = 0
		if bit != own {
			s.state = stIdle
			return false
		}
		if s.pos++; s.pos == 64 {
			// A new search needs a reset.
			s.state = stIdle
		}
		return false
	}
}

func (s *slave) startFunction() {
	s.state = stFunction
	s.rx = s.rx[:0]
	s.nbits = 0
}

func (s *slave) function(cmd byte) {
	r := s.dev.Command(cmd)
	s.rx = s.rx[:0]
	s.nbits = 0
	switch {
	case len(r.Send) != 0:
		n := r.Bits
		if n == 0 || n > 8*len(r.Send) {
			n = 8 * len(r.Send)
		}
		s.send(r.Send, n, stIdle)
	case r.Receive != 0:
		s.state = stReceive
		s.want = r.Receive
		s.onRx = r.OnReceive
	default:
		s.state = stIdle
	}
}

func (s *slave) send(data []byte, n int, next state) {
	s.tx = make([]byte, n)
	for i := range s.tx {
		s.tx[i] = data[i>>3] >> uint(i&7) & 1
	}
	s.state = stSend
	s.next = next
}
