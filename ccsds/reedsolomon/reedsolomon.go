// Package reedsolomon implements the CCSDS Reed-Solomon codes (255,223) and
// (255,239) with optional dual-basis symbols, shortening and interleaving.
//
// Symbol j of an n-symbol codeword is the coefficient of x^(n-1-j). The code
// roots are beta^(fcr+i), i < nroots, with beta = alpha^11.
package reedsolomon

import (
	"errors"
	"fmt"
)

const (
	blockLen  = 255
	rootPrime = 11 // beta = alpha^11
)

var (
	ErrUncorrectable = errors.New("reed-solomon block uncorrectable")
	ErrBlockSize     = errors.New("invalid reed-solomon block size")
	ErrInvalidConfig = errors.New("invalid reed-solomon configuration")
)

// Profile selects one of the CCSDS codes.
type Profile struct {
	Name   string
	NRoots int
	FCR    int
}

var (
	RS223 = Profile{Name: "223", NRoots: 32, FCR: 112}
	RS239 = Profile{Name: "239", NRoots: 16, FCR: 120}
)

// DataLen is the unshortened message length.
func (p Profile) DataLen() int { return blockLen - p.NRoots }

// ParseProfile accepts "223" or "239" (optionally prefixed "rs").
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "223", "rs223", "RS223", "255,223":
		return RS223, nil
	case "239", "rs239", "RS239", "255,239":
		return RS239, nil
	}
	return Profile{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidConfig, s)
}

// Codec encodes and decodes single codewords. It is immutable after New and
// safe for concurrent use.
type Codec struct {
	profile Profile
	dual    bool
	gen     []byte // generator coefficients below the leading one, highest power first
}

// New builds a codec. With dual set, symbols are exchanged in the Berlekamp
// dual basis.
func New(p Profile, dual bool) (*Codec, error) {
	if p.NRoots <= 0 || p.NRoots >= blockLen || p.NRoots%2 != 0 {
		return nil, fmt.Errorf("%w: %d roots", ErrInvalidConfig, p.NRoots)
	}
	// g(x) = prod (x + beta^(fcr+i)), ascending powers
	g := []byte{1}
	for i := 0; i < p.NRoots; i++ {
		root := gfPow(rootPrime * (p.FCR + i))
		next := make([]byte, len(g)+1)
		for j, c := range g {
			next[j+1] ^= c
			next[j] ^= gfMul(c, root)
		}
		g = next
	}
	gen := make([]byte, p.NRoots)
	for j := range gen {
		gen[j] = g[p.NRoots-1-j]
	}
	return &Codec{profile: p, dual: dual, gen: gen}, nil
}

// Profile returns the code profile.
func (c *Codec) Profile() Profile { return c.profile }

// T is the number of symbol errors the code corrects.
func (c *Codec) T() int { return c.profile.NRoots / 2 }

// Encode returns the parity symbols for data, a message of at most
// 255-nroots symbols (shorter messages are virtually zero filled).
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > c.profile.DataLen() {
		return nil, fmt.Errorf("%w: %d data symbols", ErrBlockSize, len(data))
	}
	nr := c.profile.NRoots
	parity := make([]byte, nr)
	for _, d := range data {
		if c.dual {
			d = tal1tab[d]
		}
		fb := d ^ parity[0]
		copy(parity, parity[1:])
		parity[nr-1] = 0
		if fb != 0 {
			for j := 0; j < nr; j++ {
				parity[j] ^= gfMul(fb, c.gen[j])
			}
		}
	}
	if c.dual {
		ToDual(parity)
	}
	return parity, nil
}

// Decode corrects block, a codeword shortened by pad virtual leading zeros
// (len(block)+pad must be 255), in place and returns the number of symbols
// corrected. On ErrUncorrectable the block is left untouched.
func (c *Codec) Decode(block []byte, pad int) (int, error) {
	n := len(block)
	if pad < 0 || n+pad != blockLen || n <= c.profile.NRoots {
		return 0, fmt.Errorf("%w: %d symbols with %d pad", ErrBlockSize, n, pad)
	}

	work := make([]byte, n)
	copy(work, block)
	if c.dual {
		FromDual(work)
	}

	synd, clean := c.syndromes(work)
	if clean {
		return 0, nil
	}

	lambda := berlekampMassey(synd)
	deg := len(lambda) - 1
	if deg > c.T() {
		return 0, ErrUncorrectable
	}

	// Chien search over every degree, so errors in the fill region are seen
	var locs []int
	for e := 0; e < blockLen; e++ {
		if polyEval(lambda, gfPow(-rootPrime*e)) == 0 {
			locs = append(locs, e)
		}
	}
	if len(locs) != deg {
		return 0, ErrUncorrectable
	}

	// omega = S(x) * lambda(x) mod x^nroots
	nr := c.profile.NRoots
	omega := make([]byte, nr)
	for i := 0; i < nr; i++ {
		for j := 0; j <= i && j < len(lambda); j++ {
			omega[i] ^= gfMul(synd[i-j], lambda[j])
		}
	}
	// formal derivative keeps the odd terms
	deriv := make([]byte, len(lambda))
	for i := 1; i < len(lambda); i += 2 {
		deriv[i-1] = lambda[i]
	}

	for _, e := range locs {
		if e >= n {
			return 0, ErrUncorrectable
		}
		xinv := gfPow(-rootPrime * e)
		den := polyEval(deriv, xinv)
		if den == 0 {
			return 0, ErrUncorrectable
		}
		num := gfMul(polyEval(omega, xinv), gfPow(rootPrime*e*(1-c.profile.FCR)))
		work[n-1-e] ^= gfDiv(num, den)
	}

	if _, ok := c.syndromes(work); !ok {
		return 0, ErrUncorrectable
	}
	if c.dual {
		ToDual(work)
	}
	copy(block, work)
	return len(locs), nil
}

// syndromes evaluates the received word at each root. The second result is
// true when all syndromes are zero.
func (c *Codec) syndromes(word []byte) ([]byte, bool) {
	nr := c.profile.NRoots
	synd := make([]byte, nr)
	clean := true
	for i := 0; i < nr; i++ {
		x := gfPow(rootPrime * (c.profile.FCR + i))
		var acc byte
		for _, b := range word {
			acc = gfMul(acc, x) ^ b
		}
		synd[i] = acc
		if acc != 0 {
			clean = false
		}
	}
	return synd, clean
}

// berlekampMassey returns the error locator polynomial, ascending powers,
// trimmed to its degree.
func berlekampMassey(synd []byte) []byte {
	n := len(synd)
	cur := make([]byte, n+1)
	prev := make([]byte, n+1)
	cur[0], prev[0] = 1, 1
	l, m := 0, 1
	b := byte(1)

	for r := 0; r < n; r++ {
		d := synd[r]
		for i := 1; i <= l; i++ {
			d ^= gfMul(cur[i], synd[r-i])
		}
		if d == 0 {
			m++
			continue
		}
		coef := gfDiv(d, b)
		if 2*l <= r {
			saved := append([]byte(nil), cur...)
			for i := 0; i+m <= n; i++ {
				cur[i+m] ^= gfMul(coef, prev[i])
			}
			l = r + 1 - l
			prev = saved
			b = d
			m = 1
		} else {
			for i := 0; i+m <= n; i++ {
				cur[i+m] ^= gfMul(coef, prev[i])
			}
			m++
		}
	}

	deg := 0
	for i := n; i > 0; i-- {
		if cur[i] != 0 {
			deg = i
			break
		}
	}
	if deg != l {
		// inconsistent locator: report a degree the caller rejects
		return make([]byte, n+2)
	}
	return cur[:deg+1]
}
