package correlator

import (
	"errors"
	"testing"
)

const asm = 0x1ACFFC1D

func markerSoft(word uint64, bits int) []int8 {
	out := make([]int8, bits)
	for i := range out {
		if word>>uint(bits-1-i)&1 == 1 {
			out[i] = 90
		} else {
			out[i] = -90
		}
	}
	return out
}

func TestNewValidates(t *testing.T) {
	for _, bits := range []int{0, 7, 65} {
		if _, err := New(asm, bits, BPSK); !errors.Is(err, ErrBadMarker) {
			t.Errorf("New(bits=%d) err = %v", bits, err)
		}
	}
	if _, err := New(asm, 32, Modulation(7)); err == nil {
		t.Error("unknown modulation accepted")
	}
}

func TestBPSKPolarity(t *testing.T) {
	c, err := New(asm, 32, BPSK)
	if err != nil {
		t.Fatal(err)
	}
	w := markerSoft(asm, 32)
	r := c.Correlate(w, nil)
	if r.Score != 32 || r.Inverted || r.Hypothesis.Phase != 0 {
		t.Fatalf("clean marker: %+v", r)
	}

	for i := range w {
		w[i] = -w[i]
	}
	r = c.Correlate(w, nil)
	if r.Score != 32 || !r.Inverted || r.Hypothesis.Phase != 0 {
		t.Fatalf("inverted marker: %+v", r)
	}
}

func TestQPSKHysteresis(t *testing.T) {
	c, _ := New(asm, 32, QPSK)
	w := markerSoft(asm, 32)
	for i := range w {
		w[i] = -w[i]
	}
	// a half turn: phase 0 inverted and phase 2 both score 32
	if r := c.Correlate(w, nil); r.Score != 32 || r.Hypothesis != (Hypothesis{}) || !r.Inverted {
		t.Fatalf("no previous lock: %+v", r)
	}
	prev := Hypothesis{Phase: 2}
	if r := c.Correlate(w, &prev); r.Score != 32 || r.Hypothesis != prev || r.Inverted {
		t.Fatalf("previous lock not kept: %+v", r)
	}
}

func TestScoreCountsBitErrors(t *testing.T) {
	c, _ := New(asm, 32, BPSK)
	w := markerSoft(asm, 32)
	w[0], w[9], w[31] = -w[0], -w[9], 0
	if got := c.Score(w, Hypothesis{}, false); got != 29 {
		// w[31] was a 1 bit, an erasure decides as 0
		t.Errorf("Score = %d, want 29", got)
	}
	if got := c.Score(w, Hypothesis{}, true); got != 3 {
		t.Errorf("inverted Score = %d, want 3", got)
	}
}

func TestQPSKAmbiguities(t *testing.T) {
	c, err := New(asm, 32, QPSK)
	if err != nil {
		t.Fatal(err)
	}
	clean := markerSoft(asm, 32)

	channel := []struct {
		name string
		f    func(i, q int8) (int8, int8)
	}{
		{"identity", func(i, q int8) (int8, int8) { return i, q }},
		{"rot90", func(i, q int8) (int8, int8) { return -q, i }},
		{"rot180", func(i, q int8) (int8, int8) { return -i, -q }},
		{"rot270", func(i, q int8) (int8, int8) { return q, -i }},
		{"swap", func(i, q int8) (int8, int8) { return q, i }},
		{"swap rot90", func(i, q int8) (int8, int8) { return -i, q }},
	}
	for _, tt := range channel {
		t.Run(tt.name, func(t *testing.T) {
			rx := make([]int8, len(clean))
			for k := 0; k < len(clean); k += 2 {
				rx[k], rx[k+1] = tt.f(clean[k], clean[k+1])
			}
			r := c.Correlate(rx, nil)
			if r.Score != 32 {
				t.Fatalf("score %d, want 32 (%+v)", r.Score, r)
			}
			fixed := make([]int8, len(rx))
			r.Hypothesis.Apply(fixed, rx, 0, QPSK)
			for k := range fixed {
				if r.Inverted {
					fixed[k] = -fixed[k]
				}
				if fixed[k] != clean[k] {
					t.Fatalf("%v did not undo the channel at %d", r, k)
				}
			}
		})
	}
}

func TestHypothesesOrder(t *testing.T) {
	if got := Hypotheses(BPSK); len(got) != 1 || got[0] != (Hypothesis{}) {
		t.Errorf("BPSK hypotheses = %v", got)
	}
	q := Hypotheses(QPSK)
	if len(q) != 8 || q[0] != (Hypothesis{}) || !q[4].Swapped {
		t.Errorf("QPSK hypotheses = %v", q)
	}
}

func TestParseModulation(t *testing.T) {
	if m, err := ParseModulation("QPSK"); err != nil || m != QPSK {
		t.Errorf("ParseModulation(QPSK) = %v, %v", m, err)
	}
	if _, err := ParseModulation("8psk"); err == nil {
		t.Error("8psk accepted")
	}
}
