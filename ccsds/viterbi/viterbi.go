// Package viterbi implements rate 1/n convolutional coding with a soft
// decision, sliding-window Viterbi decoder.
package viterbi

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var ErrInvalidCode = errors.New("invalid convolutional code")

// Code describes a rate 1/n convolutional code. Polynomials use the usual
// octal notation where the most significant of the K bits taps the newest
// input bit. Invert marks outputs that are transmitted inverted.
type Code struct {
	K      int
	Polys  []uint32
	Invert []bool
}

// CCSDS is the K=7 rate 1/2 code of CCSDS 131.0-B with G2 inverted.
func CCSDS() Code {
	return Code{K: 7, Polys: []uint32{0o171, 0o133}, Invert: []bool{false, true}}
}

// Rate returns n, the channel bits per input bit.
func (c Code) Rate() int { return len(c.Polys) }

// Validate checks the code parameters.
func (c Code) Validate() error {
	if c.K < 3 || c.K > 9 {
		return fmt.Errorf("%w: constraint length %d", ErrInvalidCode, c.K)
	}
	if len(c.Polys) < 2 || len(c.Polys) > 4 {
		return fmt.Errorf("%w: %d polynomials", ErrInvalidCode, len(c.Polys))
	}
	if len(c.Invert) != 0 && len(c.Invert) != len(c.Polys) {
		return fmt.Errorf("%w: %d inversion flags for %d polynomials", ErrInvalidCode, len(c.Invert), len(c.Polys))
	}
	for _, p := range c.Polys {
		if p == 0 || p >= 1<<uint(c.K) {
			return fmt.Errorf("%w: polynomial %o does not fit K=%d", ErrInvalidCode, p, c.K)
		}
	}
	return nil
}

// outputs returns, for every K-bit register value (newest bit in the LSB),
// the expected channel bits packed LSB first.
func (c Code) outputs() []uint8 {
	rev := make([]uint32, len(c.Polys))
	for i, p := range c.Polys {
		rev[i] = bits.Reverse32(p) >> uint(32-c.K)
	}
	out := make([]uint8, 1<<uint(c.K))
	for reg := range out {
		var o uint8
		for i, rp := range rev {
			b := uint8(bits.OnesCount32(uint32(reg)&rp) & 1)
			if len(c.Invert) > 0 && c.Invert[i] {
				b ^= 1
			}
			o |= b << uint(i)
		}
		out[reg] = o
	}
	return out
}

// Encoder is a stateful convolutional encoder.
type Encoder struct {
	n    int
	mask uint32
	reg  uint32
	out  []uint8
}

// NewEncoder returns an encoder in the all-zero state.
func NewEncoder(c Code) (*Encoder, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{n: c.Rate(), mask: 1<<uint(c.K) - 1, out: c.outputs()}, nil
}

// Reset returns the encoder to the all-zero state.
func (e *Encoder) Reset() { e.reg = 0 }

func (e *Encoder) step(bit byte) uint8 {
	e.reg = (e.reg<<1 | uint32(bit&1)) & e.mask
	return e.out[e.reg]
}

// Encode takes one bit per byte and returns n channel bits per input bit.
func (e *Encoder) Encode(in []byte) []byte {
	out := make([]byte, 0, len(in)*e.n)
	for _, b := range in {
		o := e.step(b)
		for i := 0; i < e.n; i++ {
			out = append(out, o>>uint(i)&1)
		}
	}
	return out
}

// Mismatches re-encodes bits from the current state and counts the channel
// values in soft whose sign disagrees. Erasures are skipped. soft holds n
// values per bit.
func (e *Encoder) Mismatches(bits []byte, soft []int8) int {
	errs := 0
	for j, b := range bits {
		o := e.step(b)
		for i := 0; i < e.n; i++ {
			s := soft[j*e.n+i]
			if s == 0 {
				continue
			}
			var rx uint8
			if s > 0 {
				rx = 1
			}
			if rx != o>>uint(i)&1 {
				errs++
			}
		}
	}
	return errs
}

// EncodeWord encodes the low bits of word, MSB first, from the zero state
// and returns the channel bits packed MSB first.
func EncodeWord(c Code, word uint64, nbits int) (uint64, int, error) {
	e, err := NewEncoder(c)
	if err != nil {
		return 0, 0, err
	}
	if nbits*c.Rate() > 64 {
		return 0, 0, fmt.Errorf("%w: %d coded bits exceed 64", ErrInvalidCode, nbits*c.Rate())
	}
	in := make([]byte, nbits)
	for i := range in {
		in[i] = byte(word>>uint(nbits-1-i)) & 1
	}
	var coded uint64
	out := e.Encode(in)
	for _, b := range out {
		coded = coded<<1 | uint64(b)
	}
	return coded, len(out), nil
}

// Decoder is a soft-decision Viterbi decoder with a sliding traceback window.
// Path metrics and undecided steps persist across Decode calls until Reset,
// so every bit Decode returns was traced back from at least depth steps
// later in the stream. Flush decides the held steps at the end of a stream.
type Decoder struct {
	k       int
	n       int
	nstates int
	depth   int
	out     []uint8

	metrics []uint32
	next    []uint32
	costs   []uint32

	window [][]uint64 // ring of per-step decision bits
	head   int
	steps  int

	pending []int8
	held    []int8 // channel values of the undecided steps
	tb      []byte
	enc     *Encoder
}

// NewDecoder returns a decoder that traces back every depth steps over a
// window of 2*depth steps.
func NewDecoder(c Code, depth int) (*Decoder, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if depth < c.K {
		return nil, fmt.Errorf("%w: traceback depth %d shorter than K=%d", ErrInvalidCode, depth, c.K)
	}
	enc, _ := NewEncoder(c)
	nstates := 1 << uint(c.K-1)
	words := (nstates + 63) / 64
	d := &Decoder{
		k:       c.K,
		n:       c.Rate(),
		nstates: nstates,
		depth:   depth,
		out:     c.outputs(),
		metrics: make([]uint32, nstates),
		next:    make([]uint32, nstates),
		costs:   make([]uint32, 1<<uint(c.Rate())),
		window:  make([][]uint64, 2*depth),
		tb:      make([]byte, 2*depth),
		enc:     enc,
	}
	for i := range d.window {
		d.window[i] = make([]uint64, words)
	}
	return d, nil
}

// Reset forgets path metrics, held decisions and the re-encoder state.
func (d *Decoder) Reset() {
	clear(d.metrics)
	d.head, d.steps = 0, 0
	d.pending = d.pending[:0]
	d.held = d.held[:0]
	d.enc.Reset()
}

// Held returns the number of steps decoded but not yet returned.
func (d *Decoder) Held() int { return d.steps }

func clamp(s int8) int {
	if s == math.MinInt8 {
		return -127
	}
	return int(s)
}

// acs runs one add-compare-select step over n soft values.
func (d *Decoder) acs(sym []int8) {
	for p := range d.costs {
		var c uint32
		for i := 0; i < d.n; i++ {
			s := clamp(sym[i])
			if p>>uint(i)&1 == 1 {
				c += uint32(127 - s)
			} else {
				c += uint32(127 + s)
			}
		}
		d.costs[p] = c
	}

	slot := d.window[(d.head+d.steps)%len(d.window)]
	clear(slot)
	hi := d.k - 2
	best := uint32(math.MaxUint32)
	for s := 0; s < d.nstates; s++ {
		p0 := s >> 1
		p1 := 1<<uint(hi) | s>>1
		m0 := d.metrics[p0] + d.costs[d.out[s]]
		m1 := d.metrics[p1] + d.costs[d.out[1<<uint(d.k-1)|s]]
		if m1 < m0 {
			d.next[s] = m1
			slot[s>>6] |= 1 << uint(s&63)
		} else {
			d.next[s] = m0
		}
		if d.next[s] < best {
			best = d.next[s]
		}
	}
	for s := range d.next {
		d.next[s] -= best
	}
	d.metrics, d.next = d.next, d.metrics
	d.steps++
}

func (d *Decoder) bestState() int {
	best := 0
	for s, m := range d.metrics {
		if m < d.metrics[best] {
			best = s
		}
	}
	return best
}

// traceback walks the held decisions back from the best state and appends
// the oldest emit bits to dst.
func (d *Decoder) traceback(dst []byte, emit int) []byte {
	s := d.bestState()
	hi := uint(d.k - 2)
	for t := d.steps - 1; t >= 0; t-- {
		slot := d.window[(d.head+t)%len(d.window)]
		d.tb[t] = byte(s & 1)
		c := int(slot[s>>6] >> uint(s&63) & 1)
		s = c<<hi | s>>1
	}
	dst = append(dst, d.tb[:emit]...)
	d.head = (d.head + emit) % len(d.window)
	d.steps -= emit
	return dst
}

// Decode consumes soft values (positive means 1, zero is an erasure) and
// returns the bits that have been decided, plus the number of their channel
// values that disagree with the re-encoded decision. Between depth and
// 2*depth steps stay held for later calls; a trailing partial group of n
// values is kept as well.
func (d *Decoder) Decode(soft []int8) ([]byte, int) {
	syms := append(d.pending, soft...)
	m := len(syms) / d.n
	out := make([]byte, 0, m)
	for j := 0; j < m; j++ {
		group := syms[j*d.n : j*d.n+d.n]
		d.held = append(d.held, group...)
		d.acs(group)
		if d.steps == len(d.window) {
			out = d.traceback(out, d.depth)
		}
	}
	errs := d.commit(out)
	d.pending = append(d.pending[:0], syms[m*d.n:]...)
	return out, errs
}

// Flush decides every held step from the best final state and returns those
// bits. A partial group is dropped. The path metrics are kept.
func (d *Decoder) Flush() ([]byte, int) {
	out := make([]byte, 0, d.steps)
	if d.steps > 0 {
		out = d.traceback(out, d.steps)
	}
	d.pending = d.pending[:0]
	return out, d.commit(out)
}

// commit re-encodes the oldest held steps against the decided bits and drops
// their channel values.
func (d *Decoder) commit(bits []byte) int {
	n := len(bits) * d.n
	errs := d.enc.Mismatches(bits, d.held[:n])
	d.held = d.held[:copy(d.held, d.held[n:])]
	return errs
}
