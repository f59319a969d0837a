package reedsolomon

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func codeword(t *testing.T, c *Codec, rng *rand.Rand, k int) []byte {
	t.Helper()
	data := make([]byte, k)
	rng.Read(data)
	parity, err := c.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	return append(data, parity...)
}

func corrupt(rng *rand.Rand, block []byte, n int) {
	for _, p := range rng.Perm(len(block))[:n] {
		block[p] ^= byte(1 + rng.Intn(255))
	}
}

func TestDecodeCorrectable(t *testing.T) {
	for _, p := range []Profile{RS223, RS239} {
		for _, dual := range []bool{false, true} {
			for _, pad := range []int{0, 33} {
				name := fmt.Sprintf("%s/dual=%v/pad=%d", p.Name, dual, pad)
				t.Run(name, func(t *testing.T) {
					c, err := New(p, dual)
					if err != nil {
						t.Fatal(err)
					}
					rng := rand.New(rand.NewSource(int64(p.NRoots + pad)))
					for nerr := 0; nerr <= c.T(); nerr++ {
						orig := codeword(t, c, rng, p.DataLen()-pad)
						rx := append([]byte(nil), orig...)
						corrupt(rng, rx, nerr)

						got, err := c.Decode(rx, pad)
						if err != nil {
							t.Fatalf("%d errors: %v", nerr, err)
						}
						if got != nerr {
							t.Errorf("corrected %d, injected %d", got, nerr)
						}
						if !bytes.Equal(rx, orig) {
							t.Fatalf("%d errors: block not restored", nerr)
						}
					}
				})
			}
		}
	}
}

func TestDecodeUncorrectableLeavesBlock(t *testing.T) {
	for _, p := range []Profile{RS223, RS239} {
		c, _ := New(p, false)
		rng := rand.New(rand.NewSource(99))
		for trial := 0; trial < 20; trial++ {
			orig := codeword(t, c, rng, p.DataLen())
			rx := append([]byte(nil), orig...)
			corrupt(rng, rx, c.T()+1)
			before := append([]byte(nil), rx...)

			n, err := c.Decode(rx, 0)
			if err == nil {
				// a miscorrection can only land on another codeword
				if bytes.Equal(rx, orig) {
					t.Fatalf("%s: %d errors decoded to the original", p.Name, c.T()+1)
				}
				if _, clean := c.syndromes(rx); !clean {
					t.Fatalf("%s: success reported for a non-codeword", p.Name)
				}
				continue
			}
			if !errors.Is(err, ErrUncorrectable) || n != 0 {
				t.Fatalf("%s: Decode = %d, %v", p.Name, n, err)
			}
			if !bytes.Equal(rx, before) {
				t.Fatalf("%s: failed decode modified the block", p.Name)
			}
		}
	}
}

func TestDecodeBlockSize(t *testing.T) {
	c, _ := New(RS223, false)
	if _, err := c.Decode(make([]byte, 200), 0); !errors.Is(err, ErrBlockSize) {
		t.Errorf("err = %v", err)
	}
	if _, err := c.Decode(make([]byte, 32), 223); !errors.Is(err, ErrBlockSize) {
		t.Errorf("parity-only block accepted: %v", err)
	}
	if _, err := c.Encode(make([]byte, 224)); !errors.Is(err, ErrBlockSize) {
		t.Errorf("oversized message accepted: %v", err)
	}
}

func TestDualBasisTables(t *testing.T) {
	want := map[byte]byte{1: 0x7b, 2: 0xaf, 3: 0xd4, 0x80: 0x8d}
	for in, out := range want {
		if taltab[in] != out {
			t.Errorf("taltab[%#x] = %#x, want %#x", in, taltab[in], out)
		}
	}
	for i := 0; i < 256; i++ {
		if tal1tab[taltab[i]] != byte(i) || taltab[tal1tab[i]] != byte(i) {
			t.Fatalf("tables are not inverse at %#x", i)
		}
	}
}

func TestFieldTables(t *testing.T) {
	seen := make(map[byte]bool)
	for i := 0; i < 255; i++ {
		seen[gfExp[i]] = true
	}
	if len(seen) != 255 || seen[0] {
		t.Fatal("alpha is not primitive under 0x187")
	}
	for a := 1; a < 256; a++ {
		if gfMul(byte(a), gfDiv(1, byte(a))) != 1 {
			t.Fatalf("inverse of %#x wrong", a)
		}
	}
}

func TestInterleaved(t *testing.T) {
	c, _ := New(RS223, true)
	il, err := NewInterleaved(c, 4)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(4))
	data := make([]byte, 4*223)
	rng.Read(data)
	frame, err := il.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != 1020 || !bytes.Equal(frame[:len(data)], data) {
		t.Fatalf("coded frame %d bytes", len(frame))
	}
	orig := append([]byte(nil), frame...)

	// a 40-byte burst spreads to 10 errors per branch
	for i := 100; i < 140; i++ {
		frame[i] ^= 0x5A
	}
	// branch 3 also gets 6 scattered errors, reaching t
	for j := 0; j < 6; j++ {
		frame[(150+j*12)*4+3] ^= 0xFF
	}
	res, err := il.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uncorrectable || res.Errors != 46 {
		t.Fatalf("result %+v", res)
	}
	want := []int{10, 10, 10, 16}
	for b, n := range res.Corrected {
		if n != want[b] {
			t.Errorf("branch %d corrected %d, want %d", b, n, want[b])
		}
	}
	if !bytes.Equal(frame, orig) {
		t.Fatal("frame not restored")
	}
	if il.DataLen(len(frame)) != 892 {
		t.Errorf("DataLen = %d", il.DataLen(len(frame)))
	}

	// push branch 0 past t: it fails alone and is left as received
	for j := 0; j < 17; j++ {
		frame[j*4*5] ^= 0x11
	}
	damaged := append([]byte(nil), frame...)
	res, _ = il.Decode(frame)
	if !res.Uncorrectable || res.Corrected[0] != -1 || res.Corrected[1] != 0 {
		t.Fatalf("result %+v", res)
	}
	if !bytes.Equal(frame, damaged) {
		t.Error("failed branch was modified")
	}
}

func TestInterleavedShortened(t *testing.T) {
	c, _ := New(RS239, false)
	il, _ := NewInterleaved(c, 2)
	data := bytes.Repeat([]byte{0xA5, 0x3C}, 100)
	frame, err := il.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	pad, err := il.CheckFrame(len(frame))
	if err != nil || pad != 255-116 {
		t.Fatalf("CheckFrame = %d, %v", pad, err)
	}
	frame[7] ^= 1
	res, err := il.Decode(frame)
	if err != nil || res.Errors != 1 || res.Corrected[1] != 1 {
		t.Fatalf("Decode = %+v, %v", res, err)
	}
	if !bytes.Equal(frame[:len(data)], data) {
		t.Error("data not restored")
	}

	if _, err := il.CheckFrame(3); !errors.Is(err, ErrBlockSize) {
		t.Errorf("odd frame accepted: %v", err)
	}
	if _, err := NewInterleaved(c, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("depth 0 accepted: %v", err)
	}
}

func TestParseProfile(t *testing.T) {
	if p, err := ParseProfile("239"); err != nil || p != RS239 {
		t.Errorf("ParseProfile(239) = %v, %v", p, err)
	}
	if _, err := ParseProfile("127"); err == nil {
		t.Error("127 accepted")
	}
}
