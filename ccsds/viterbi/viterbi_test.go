package viterbi

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomBits(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Intn(2))
	}
	return b
}

func toSoft(bits []byte) []int8 {
	s := make([]int8, len(bits))
	for i, b := range bits {
		if b == 1 {
			s[i] = 100
		} else {
			s[i] = -100
		}
	}
	return s
}

func encode(t *testing.T, c Code, bits []byte) []int8 {
	t.Helper()
	e, err := NewEncoder(c)
	if err != nil {
		t.Fatal(err)
	}
	return toSoft(e.Encode(bits))
}

// decodeAll decodes a complete stream in one call and flushes the decoder.
func decodeAll(d *Decoder, soft []int8) ([]byte, int) {
	out, errs := d.Decode(soft)
	tail, e := d.Flush()
	return append(out, tail...), errs + e
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		code Code
	}{
		{"K too small", Code{K: 2, Polys: []uint32{3, 1}}},
		{"K too large", Code{K: 10, Polys: []uint32{0o1171, 0o1133}}},
		{"single poly", Code{K: 7, Polys: []uint32{0o171}}},
		{"poly too wide", Code{K: 3, Polys: []uint32{0o17, 0o5}}},
		{"zero poly", Code{K: 3, Polys: []uint32{0, 0o5}}},
		{"invert mismatch", Code{K: 3, Polys: []uint32{0o7, 0o5}, Invert: []bool{true}}},
	}
	for _, tt := range tests {
		if err := tt.code.Validate(); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
	if err := CCSDS().Validate(); err != nil {
		t.Errorf("CCSDS code rejected: %v", err)
	}
	if _, err := NewDecoder(CCSDS(), 3); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("short traceback accepted: %v", err)
	}
}

func TestEncoderKnownOutput(t *testing.T) {
	// K=3 (7,5): impulse response 11 10 11
	e, _ := NewEncoder(Code{K: 3, Polys: []uint32{0o7, 0o5}})
	got := e.Encode([]byte{1, 0, 0, 0})
	want := []byte{1, 1, 1, 0, 1, 1, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("impulse response %v, want %v", got, want)
	}

	// inverted G2 turns the all-zero input into 0101...
	e, _ = NewEncoder(CCSDS())
	got = e.Encode(make([]byte, 4))
	want = []byte{0, 1, 0, 1, 0, 1, 0, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("CCSDS zero input %v, want %v", got, want)
	}
}

func TestDecodeClean(t *testing.T) {
	for _, code := range []Code{CCSDS(), {K: 3, Polys: []uint32{0o7, 0o5}}, {K: 5, Polys: []uint32{0o25, 0o33, 0o37}}} {
		bits := randomBits(3000, int64(code.K))
		soft := encode(t, code, bits)

		d, err := NewDecoder(code, 32)
		if err != nil {
			t.Fatal(err)
		}
		var got []byte
		errs := 0
		chunk := 250 * code.Rate()
		for i := 0; i < len(soft); i += chunk {
			out, e := d.Decode(soft[i:min(i+chunk, len(soft))])
			got = append(got, out...)
			errs += e
		}
		out, e := d.Flush()
		got = append(got, out...)
		errs += e
		if !bytes.Equal(got, bits) {
			t.Errorf("K=%d: decoded bits differ", code.K)
		}
		if errs != 0 {
			t.Errorf("K=%d: %d channel errors reported on a clean stream", code.K, errs)
		}
	}
}

func TestDecodeCorrectsScatteredErrors(t *testing.T) {
	bits := randomBits(2000, 11)
	soft := encode(t, CCSDS(), bits)
	flips := 0
	for i := 25; i < len(soft)-200; i += 50 {
		soft[i] = -soft[i]
		flips++
	}

	d, _ := NewDecoder(CCSDS(), 40)
	got, errs := decodeAll(d, soft)
	if !bytes.Equal(got, bits) {
		t.Fatal("scattered channel errors were not corrected")
	}
	if errs != flips {
		t.Errorf("reported %d channel errors, injected %d", errs, flips)
	}
}

func TestDecodeErasures(t *testing.T) {
	bits := randomBits(1500, 5)
	soft := encode(t, CCSDS(), bits)
	for i := 0; i < len(soft)-60; i += 6 {
		soft[i] = 0
	}
	d, _ := NewDecoder(CCSDS(), 48)
	got, errs := decodeAll(d, soft)
	if !bytes.Equal(got, bits) {
		t.Fatal("erasures not decoded")
	}
	if errs != 0 {
		t.Errorf("erasures counted as %d errors", errs)
	}
}

func TestPartialGroupsCarried(t *testing.T) {
	bits := randomBits(400, 9)
	soft := encode(t, CCSDS(), bits)
	d, _ := NewDecoder(CCSDS(), 35)

	a, _ := d.Decode(soft[:301]) // 150 steps plus one pending value
	if len(a) > 150-35 {
		t.Errorf("%d bits returned after 150 steps, want at least 35 held", len(a))
	}
	if len(a)+d.Held() != 150 {
		t.Errorf("%d returned + %d held, want 150", len(a), d.Held())
	}
	b, _ := d.Decode(soft[301:])
	c, _ := d.Flush()
	got := append(append(a, b...), c...)
	if !bytes.Equal(got, bits) {
		t.Error("split decode differs")
	}
	if d.Held() != 0 {
		t.Errorf("%d steps held after Flush", d.Held())
	}

	d.Reset()
	got, _ = decodeAll(d, encode(t, CCSDS(), bits))
	if !bytes.Equal(got, bits) {
		t.Error("decode after Reset differs")
	}
}

func TestDecodeHoldsAcrossCalls(t *testing.T) {
	const frameBits = 2048
	bits := randomBits(40*frameBits, 3)
	soft := encode(t, CCSDS(), bits)
	rng := rand.New(rand.NewSource(17))
	for i, s := range soft {
		v := int(s)*40/100 + int(rng.NormFloat64()*30)
		soft[i] = int8(max(-127, min(127, v)))
	}

	whole, _ := NewDecoder(CCSDS(), 35)
	want, wantErrs := decodeAll(whole, soft)

	// one call per frame must decide every bit exactly as a single call does,
	// frame tails included
	framed, _ := NewDecoder(CCSDS(), 35)
	var got []byte
	gotErrs := 0
	for i := 0; i < len(soft); i += 2 * frameBits {
		out, e := framed.Decode(soft[i : i+2*frameBits])
		if framed.Held() < 35 {
			t.Fatalf("frame %d: %d steps held, want at least the traceback depth", i/(2*frameBits), framed.Held())
		}
		got = append(got, out...)
		gotErrs += e
	}
	out, e := framed.Flush()
	got = append(got, out...)
	gotErrs += e

	if !bytes.Equal(got, want) {
		tail := 0
		for i := range got {
			if got[i] != want[i] && i%frameBits >= frameBits-35 {
				tail++
			}
		}
		t.Errorf("per-frame decoding differs from a single pass, %d differences in frame tails", tail)
	}
	if gotErrs != wantErrs {
		t.Errorf("per-frame decoding counted %d channel errors, single pass %d", gotErrs, wantErrs)
	}
}

func TestMismatches(t *testing.T) {
	bits := randomBits(64, 21)
	e, _ := NewEncoder(CCSDS())
	soft := toSoft(e.Encode(bits))
	soft[3] = -soft[3]
	soft[10] = 0

	e.Reset()
	if n := e.Mismatches(bits, soft); n != 1 {
		t.Errorf("Mismatches = %d, want 1", n)
	}
}

func TestEncodeWord(t *testing.T) {
	coded, n, err := EncodeWord(CCSDS(), 0x1ACFFC1D, 32)
	if err != nil || n != 64 {
		t.Fatalf("EncodeWord = %x, %d, %v", coded, n, err)
	}
	e, _ := NewEncoder(CCSDS())
	in := make([]byte, 32)
	for i := range in {
		in[i] = byte(uint32(0x1ACFFC1D)>>uint(31-i)) & 1
	}
	var want uint64
	for _, b := range e.Encode(in) {
		want = want<<1 | uint64(b)
	}
	if coded != want {
		t.Errorf("coded marker %016x, want %016x", coded, want)
	}
	if _, _, err := EncodeWord(CCSDS(), 0, 33); err == nil {
		t.Error("66 coded bits accepted")
	}
}
