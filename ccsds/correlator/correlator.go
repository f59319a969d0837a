// Package correlator scores a window of soft symbols against a sync marker
// under every phase ambiguity of the modulation.
package correlator

import (
	"errors"
	"fmt"
	"strings"
)

// Modulation selects the phase ambiguity set.
type Modulation int

const (
	BPSK Modulation = iota
	QPSK
)

func (m Modulation) String() string {
	if m == QPSK {
		return "qpsk"
	}
	return "bpsk"
}

// ParseModulation accepts "bpsk" or "qpsk", case insensitive.
func ParseModulation(s string) (Modulation, error) {
	switch strings.ToLower(s) {
	case "bpsk", "":
		return BPSK, nil
	case "qpsk":
		return QPSK, nil
	}
	return BPSK, fmt.Errorf("unknown modulation %q", s)
}

var ErrBadMarker = errors.New("sync marker length must be 8..64 bits")

// Hypothesis is one carrier phase ambiguity. Phase counts quarter turns.
// For QPSK the I/Q swap is applied before the rotation.
type Hypothesis struct {
	Phase   int  `json:"phase"`
	Swapped bool `json:"swapped"`
}

func (h Hypothesis) String() string {
	if h.Swapped {
		return fmt.Sprintf("%d°/swap", h.Phase*90)
	}
	return fmt.Sprintf("%d°", h.Phase*90)
}

func neg(v int8) int8 {
	if v == -128 {
		return 127
	}
	return -v
}

// value returns the corrected soft value at index j of src. pairOffset is 1
// when src[0] is the Q half of an I/Q pair. Values whose partner lies
// outside src come back as erasures.
func (h Hypothesis) value(src []int8, j, pairOffset int, mod Modulation) int8 {
	if mod == BPSK {
		if h.Phase == 2 {
			return neg(src[j])
		}
		return src[j]
	}

	isQ := (j+pairOffset)&1 == 1
	partner := j + 1
	if isQ {
		partner = j - 1
	}
	if h.Phase == 0 && !h.Swapped {
		return src[j]
	}
	if h.Phase == 2 && !h.Swapped {
		return neg(src[j])
	}
	if partner < 0 || partner >= len(src) {
		return 0
	}

	var i, q int8
	if isQ {
		i, q = src[partner], src[j]
	} else {
		i, q = src[j], src[partner]
	}
	if h.Swapped {
		i, q = q, i
	}
	switch h.Phase {
	case 1:
		i, q = neg(q), i
	case 2:
		i, q = neg(i), neg(q)
	case 3:
		i, q = q, neg(i)
	}
	if isQ {
		return q
	}
	return i
}

// Apply writes the corrected form of src into dst, which must be at least
// as long as src.
func (h Hypothesis) Apply(dst, src []int8, pairOffset int, mod Modulation) {
	for j := range src {
		dst[j] = h.value(src, j, pairOffset, mod)
	}
}

// Hypotheses lists the ambiguity set of a modulation in tie-break order.
// BPSK has the single phase 0 entry: its 180 degree ambiguity is the
// inverted polarity. For QPSK a phase p scored inverted equals phase p+2
// scored normally; the earlier entry wins unless a previous lock says
// otherwise.
func Hypotheses(mod Modulation) []Hypothesis {
	if mod == BPSK {
		return []Hypothesis{{Phase: 0}}
	}
	hs := make([]Hypothesis, 0, 8)
	for _, swap := range []bool{false, true} {
		for p := 0; p < 4; p++ {
			hs = append(hs, Hypothesis{Phase: p, Swapped: swap})
		}
	}
	return hs
}

// Result is the best scoring hypothesis for a window.
type Result struct {
	Hypothesis Hypothesis
	Score      int // agreeing bits, out of the marker length
	Inverted   bool
}

// Correlator holds a sync marker. It is immutable and safe for concurrent use.
type Correlator struct {
	marker []byte // one bit per byte, MSB of the syncword first
	mod    Modulation
	hyps   []Hypothesis
}

// New builds a correlator for the low bits of syncword.
func New(syncword uint64, bits int, mod Modulation) (*Correlator, error) {
	if bits < 8 || bits > 64 {
		return nil, fmt.Errorf("%w: %d", ErrBadMarker, bits)
	}
	if mod != BPSK && mod != QPSK {
		return nil, fmt.Errorf("unknown modulation %d", mod)
	}
	c := &Correlator{
		marker: make([]byte, bits),
		mod:    mod,
		hyps:   Hypotheses(mod),
	}
	for i := 0; i < bits; i++ {
		c.marker[i] = byte(syncword>>uint(bits-1-i)) & 1
	}
	return c, nil
}

// Bits returns the marker length, which is also the window length.
func (c *Correlator) Bits() int { return len(c.marker) }

// Modulation returns the configured ambiguity set.
func (c *Correlator) Modulation() Modulation { return c.mod }

// Score counts the window bits that agree with the marker under h.
func (c *Correlator) Score(window []int8, h Hypothesis, inverted bool) int {
	return c.ScoreAt(window, 0, h, inverted)
}

// ScoreAt is Score for a window whose first value sits at pairOffset
// within its I/Q pair.
func (c *Correlator) ScoreAt(window []int8, pairOffset int, h Hypothesis, inverted bool) int {
	agree := c.agree(window, pairOffset, h)
	if inverted {
		return len(c.marker) - agree
	}
	return agree
}

func (c *Correlator) agree(window []int8, pairOffset int, h Hypothesis) int {
	n := 0
	for j, want := range c.marker[:min(len(window), len(c.marker))] {
		var bit byte
		if h.value(window, j, pairOffset, c.mod) > 0 {
			bit = 1
		}
		if bit == want {
			n++
		}
	}
	return n
}

// Correlate scores a pair-aligned window under every hypothesis.
func (c *Correlator) Correlate(window []int8, prev *Hypothesis) Result {
	return c.CorrelateAt(window, 0, prev)
}

// CorrelateAt returns the best hypothesis and polarity for the window. On
// equal scores the previous hypothesis wins, then the earlier entry of
// Hypotheses, then normal polarity.
func (c *Correlator) CorrelateAt(window []int8, pairOffset int, prev *Hypothesis) Result {
	var best Result
	best.Score = -1
	var prevBest *Result

	for _, h := range c.hyps {
		agree := c.agree(window, pairOffset, h)
		normal := Result{Hypothesis: h, Score: agree}
		inverted := Result{Hypothesis: h, Score: len(c.marker) - agree, Inverted: true}
		if normal.Score > best.Score {
			best = normal
		}
		if inverted.Score > best.Score {
			best = inverted
		}
		if prev != nil && h == *prev {
			r := normal
			if inverted.Score > normal.Score {
				r = inverted
			}
			prevBest = &r
		}
	}
	if prevBest != nil && prevBest.Score == best.Score {
		return *prevBest
	}
	return best
}
