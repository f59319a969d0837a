// Package derand removes the CCSDS pseudo-randomiser and NRZ-M/NRZ-S
// differential coding.
package derand

import (
	"fmt"
	"strings"
)

// PNLength is the period of the CCSDS pseudo-noise sequence in bytes.
const PNLength = 255

// pn is the sequence of h(x) = x^8 + x^7 + x^5 + x^3 + 1 from an all-ones
// seed. Built once and never written again.
var pn = func() [PNLength]byte {
	var t [PNLength]byte
	var reg [8]byte
	for i := range reg {
		reg[i] = 1
	}
	bits := make([]byte, 0, PNLength*8)
	for k := 0; k < PNLength*8; k++ {
		bits = append(bits, reg[0])
		next := reg[0] ^ reg[3] ^ reg[5] ^ reg[7]
		copy(reg[:], reg[1:])
		reg[7] = next
	}
	for i := range t {
		var b byte
		for _, bit := range bits[i*8 : i*8+8] {
			b = b<<1 | bit
		}
		t[i] = b
	}
	return t
}()

// Sequence returns a copy of the pseudo-noise table.
func Sequence() []byte {
	out := make([]byte, PNLength)
	copy(out, pn[:])
	return out
}

// Derandomize XORs data in place with the PN sequence, restarting the
// sequence at data[0]. Applying it twice restores the input.
func Derandomize(data []byte) {
	for i := range data {
		data[i] ^= pn[i%PNLength]
	}
}

// Mode selects the differential code.
type Mode int

const (
	NRZM Mode = iota + 1 // a change in level encodes a 1
	NRZS                 // a change in level encodes a 0
)

func (m Mode) String() string {
	switch m {
	case NRZM:
		return "nrz-m"
	case NRZS:
		return "nrz-s"
	}
	return "none"
}

// ParseMode accepts "nrz-m", "nrzm", "nrz-s", "nrzs" or "none"/"" (zero Mode).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "", "none":
		return 0, nil
	case "nrzm":
		return NRZM, nil
	case "nrzs":
		return NRZS, nil
	}
	return 0, fmt.Errorf("unknown differential mode %q", s)
}

// Differential decodes a differentially encoded stream. Its only state is
// the previous level, carried across calls.
type Differential struct {
	Mode    Mode
	lastBit byte
}

// Reset clears the carried level.
func (d *Differential) Reset() {
	d.lastBit = 0
}

// DecodeBits decodes one bit per byte in place.
func (d *Differential) DecodeBits(bits []byte) {
	for i, e := range bits {
		e &= 1
		out := e ^ d.lastBit
		if d.Mode == NRZS {
			out ^= 1
		}
		d.lastBit = e
		bits[i] = out
	}
}

// EncodeBits is the inverse of DecodeBits, sharing the same carried level.
func (d *Differential) EncodeBits(bits []byte) {
	for i, b := range bits {
		b &= 1
		if d.Mode == NRZS {
			b ^= 1
		}
		d.lastBit ^= b
		bits[i] = d.lastBit
	}
}

// DecodeSoft decodes soft values in place. The sign of each output follows
// the hard decision of the previous input; magnitudes are kept.
func (d *Differential) DecodeSoft(soft []int8) {
	for i, s := range soft {
		flip := d.lastBit == 1
		if d.Mode == NRZS {
			flip = !flip
		}
		if s > 0 {
			d.lastBit = 1
		} else {
			d.lastBit = 0
		}
		if flip {
			if s == -128 {
				soft[i] = 127
			} else {
				soft[i] = -s
			}
		}
	}
}
