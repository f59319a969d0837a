package reedsolomon

// GF(2^8) with the CCSDS field polynomial x^8+x^7+x^2+x+1.
const fieldPoly = 0x187

// Log/antilog tables, filled once at package init and read-only afterwards.
var (
	gfExp [512]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= fieldPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
	gfLog[0] = -1
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[gfLog[a]+gfLog[b]]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[gfLog[a]-gfLog[b]+255]
}

// gfPow returns alpha^e for any integer e.
func gfPow(e int) byte {
	e %= 255
	if e < 0 {
		e += 255
	}
	return gfExp[e]
}

// polyEval evaluates p (coefficients by ascending power) at x.
func polyEval(p []byte, x byte) byte {
	var acc byte
	for i := len(p) - 1; i >= 0; i-- {
		acc = gfMul(acc, x) ^ p[i]
	}
	return acc
}

// Berlekamp dual-basis conversion tables. taltab maps the conventional
// representation to the dual basis; tal1tab is its inverse.
var (
	taltab  [256]byte
	tal1tab [256]byte
)

func init() {
	tal := [8]byte{0x8d, 0xef, 0xec, 0x86, 0xfa, 0x99, 0xaf, 0x7b}
	for i := 0; i < 256; i++ {
		var v byte
		for k := 0; k < 8; k++ {
			if i&(1<<uint(k)) != 0 {
				v ^= tal[7-k]
			}
		}
		taltab[i] = v
		tal1tab[v] = byte(i)
	}
}

// ToDual converts conventional symbols to the dual basis in place.
func ToDual(data []byte) {
	for i, b := range data {
		data[i] = taltab[b]
	}
}

// FromDual converts dual-basis symbols to the conventional basis in place.
func FromDual(data []byte) {
	for i, b := range data {
		data[i] = tal1tab[b]
	}
}
