package derand

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSequencePrefix(t *testing.T) {
	want := []byte{0xFF, 0x48, 0x0E, 0xC0, 0x9A, 0x0D, 0x70, 0xBC}
	if got := Sequence()[:len(want)]; !bytes.Equal(got, want) {
		t.Errorf("PN prefix = % X, want % X", got, want)
	}
}

func TestDerandomizeInvolution(t *testing.T) {
	for _, n := range []int{1, 223, 255, 1020, 2000} {
		orig := make([]byte, n)
		rand.New(rand.NewSource(int64(n))).Read(orig)
		buf := append([]byte(nil), orig...)
		Derandomize(buf)
		if n > 8 && bytes.Equal(buf, orig) {
			t.Fatalf("n=%d: randomisation left data unchanged", n)
		}
		Derandomize(buf)
		if !bytes.Equal(buf, orig) {
			t.Errorf("n=%d: double application did not restore data", n)
		}
	}
}

func TestDerandomizeZeroesGivePN(t *testing.T) {
	buf := make([]byte, 2*PNLength)
	Derandomize(buf)
	if !bytes.Equal(buf[:PNLength], buf[PNLength:]) {
		t.Error("sequence does not repeat with period 255")
	}
	if !bytes.Equal(buf[:PNLength], Sequence()) {
		t.Error("zero frame does not yield the PN table")
	}
}

func encode(mode Mode, data []byte) []byte {
	out := append([]byte(nil), data...)
	enc := Differential{Mode: mode}
	enc.EncodeBits(out)
	return out
}

func TestDifferential(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(rng.Intn(2))
	}
	for _, mode := range []Mode{NRZM, NRZS} {
		t.Run(mode.String(), func(t *testing.T) {
			enc := encode(mode, data)

			// split into two calls to exercise the carried state
			d := Differential{Mode: mode}
			bits := append([]byte(nil), enc...)
			d.DecodeBits(bits[:137])
			d.DecodeBits(bits[137:])
			if !bytes.Equal(bits, data) {
				t.Error("hard decode mismatch")
			}
			if bytes.Equal(enc, data) {
				t.Error("encoding left the data unchanged")
			}

			d.Reset()
			soft := make([]int8, len(enc))
			for i, b := range enc {
				soft[i] = int8(-40 + 80*int(b))
			}
			d.DecodeSoft(soft[:50])
			d.DecodeSoft(soft[50:])
			for i, s := range soft {
				if (s > 0) != (data[i] == 1) {
					t.Fatalf("soft decode mismatch at %d", i)
				}
				if s != 40 && s != -40 {
					t.Fatalf("magnitude changed at %d: %d", i, s)
				}
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"NRZ-M", NRZM, true},
		{"nrzs", NRZS, true},
		{"", 0, true},
		{"manchester", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
