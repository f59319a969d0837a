package reedsolomon

import "fmt"

// Result reports the outcome of decoding one interleaved frame.
type Result struct {
	Corrected     []int // symbols corrected per branch, -1 when the branch failed
	Errors        int   // total symbols corrected
	Uncorrectable bool  // at least one branch failed
}

// Interleaved decodes frames carrying Depth interleaved codewords: branch b
// holds bytes b, b+Depth, b+2*Depth, ...
type Interleaved struct {
	codec *Codec
	depth int

	branch []byte
}

// NewInterleaved returns a frame codec for the given interleave depth.
func NewInterleaved(c *Codec, depth int) (*Interleaved, error) {
	if depth < 1 || depth > 8 {
		return nil, fmt.Errorf("%w: interleave depth %d", ErrInvalidConfig, depth)
	}
	return &Interleaved{codec: c, depth: depth, branch: make([]byte, blockLen)}, nil
}

// Depth returns the interleave depth.
func (il *Interleaved) Depth() int { return il.depth }

// Codec returns the single-codeword codec.
func (il *Interleaved) Codec() *Codec { return il.codec }

// CheckFrame validates a coded frame length and returns the virtual fill
// per codeword.
func (il *Interleaved) CheckFrame(frameLen int) (int, error) {
	if frameLen%il.depth != 0 {
		return 0, fmt.Errorf("%w: frame of %d bytes is not a multiple of depth %d", ErrBlockSize, frameLen, il.depth)
	}
	n := frameLen / il.depth
	if n > blockLen || n <= il.codec.profile.NRoots {
		return 0, fmt.Errorf("%w: %d-symbol codewords", ErrBlockSize, n)
	}
	return blockLen - n, nil
}

// DataLen is the frame length left once parity is removed.
func (il *Interleaved) DataLen(frameLen int) int {
	return frameLen - il.depth*il.codec.profile.NRoots
}

// Decode corrects frame in place. Branches that fail are left untouched.
func (il *Interleaved) Decode(frame []byte) (Result, error) {
	pad, err := il.CheckFrame(len(frame))
	if err != nil {
		return Result{}, err
	}
	n := len(frame) / il.depth
	res := Result{Corrected: make([]int, il.depth)}
	cw := il.branch[:n]
	for b := 0; b < il.depth; b++ {
		for j := range cw {
			cw[j] = frame[j*il.depth+b]
		}
		fixed, err := il.codec.Decode(cw, pad)
		if err != nil {
			res.Corrected[b] = -1
			res.Uncorrectable = true
			continue
		}
		res.Corrected[b] = fixed
		res.Errors += fixed
		if fixed > 0 {
			for j, v := range cw {
				frame[j*il.depth+b] = v
			}
		}
	}
	return res, nil
}

// Encode interleaves data (Depth messages of equal length) with its parity
// and returns the coded frame.
func (il *Interleaved) Encode(data []byte) ([]byte, error) {
	if len(data)%il.depth != 0 {
		return nil, fmt.Errorf("%w: %d data bytes for depth %d", ErrBlockSize, len(data), il.depth)
	}
	k := len(data) / il.depth
	nr := il.codec.profile.NRoots
	out := make([]byte, len(data)+il.depth*nr)
	copy(out, data)
	msg := make([]byte, k)
	for b := 0; b < il.depth; b++ {
		for j := range msg {
			msg[j] = data[j*il.depth+b]
		}
		parity, err := il.codec.Encode(msg)
		if err != nil {
			return nil, err
		}
		for j, p := range parity {
			out[(k+j)*il.depth+b] = p
		}
	}
	return out, nil
}
