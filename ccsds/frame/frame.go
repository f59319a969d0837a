// Package frame defines the CADU carried between the decoding stages.
package frame

import (
	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
)

// LockState is the deframer's synchronisation state.
type LockState int

const (
	NoSync LockState = iota
	Syncing
	Synced
)

func (s LockState) String() string {
	switch s {
	case NoSync:
		return "NO_SYNC"
	case Syncing:
		return "SYNCING"
	case Synced:
		return "SYNCED"
	}
	return "UNKNOWN"
}

// MarshalText renders the state by name in JSON and YAML.
func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Quality summarises the soft-symbol magnitudes of one frame.
type Quality struct {
	Mean   float64 `json:"mean"`    // mean |soft|
	StdDev float64 `json:"std_dev"` // standard deviation of |soft|
	SNR    float64 `json:"snr_db"`  // dB, mean^2/variance of the magnitudes
}

// Frame is one channel access data unit. Stages annotate and rewrite it in
// place as it moves down the pipeline; a frame has one owner at a time.
type Frame struct {
	Seq        uint64 // frames emitted by the deframer, starting at 1
	Session    uint64 // lock session, incremented on every acquisition
	State      LockState
	SyncErrors uint64 // marker mismatches seen so far

	SyncScore    int
	SyncMismatch bool
	Hypothesis   correlator.Hypothesis
	Inverted     bool

	// Marker and Soft hold the phase-corrected soft values of the sync
	// marker and of the rest of the frame.
	Marker []int8
	Soft   []int8

	// Data is the hard-decision (or decoded) frame body, marker excluded.
	Data []byte

	Quality Quality

	ViterbiBits   int // decoded bits
	ViterbiErrors int // channel bit errors found by re-encoding

	RSCorrected   []int // symbols corrected per interleave branch, -1 if failed
	RSErrors      int
	Uncorrectable bool
}

// Harden packs the sign of each payload soft value into Data, MSB first.
func (f *Frame) Harden() {
	f.Data = PackSoft(f.Data[:0], f.Soft)
}

// BER returns the Viterbi channel bit error rate estimate for the frame.
func (f *Frame) BER() float64 {
	channel := len(f.Marker) + len(f.Soft)
	if f.ViterbiBits == 0 || channel == 0 {
		return 0
	}
	return float64(f.ViterbiErrors) / float64(channel)
}

// HardBit is the decision rule shared by every stage: positive means 1.
func HardBit(s int8) byte {
	if s > 0 {
		return 1
	}
	return 0
}

// PackSoft appends hard decisions of soft to dst, eight per byte, MSB first.
// A trailing partial byte is zero padded.
func PackSoft(dst []byte, soft []int8) []byte {
	var cur byte
	for i, s := range soft {
		cur = cur<<1 | HardBit(s)
		if i&7 == 7 {
			dst = append(dst, cur)
			cur = 0
		}
	}
	if rem := len(soft) & 7; rem != 0 {
		dst = append(dst, cur<<(8-rem))
	}
	return dst
}

// PackBits packs one-bit-per-byte values into bytes, MSB first.
func PackBits(dst []byte, bits []byte) []byte {
	var cur byte
	for i, b := range bits {
		cur = cur<<1 | b&1
		if i&7 == 7 {
			dst = append(dst, cur)
			cur = 0
		}
	}
	if rem := len(bits) & 7; rem != 0 {
		dst = append(dst, cur<<(8-rem))
	}
	return dst
}

// UnpackBits expands bytes MSB first into one bit per byte.
func UnpackBits(dst []byte, data []byte) []byte {
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			dst = append(dst, b>>uint(i)&1)
		}
	}
	return dst
}

// BitsToSoft maps hard bits onto full-scale soft values.
func BitsToSoft(dst []int8, bits []byte) []int8 {
	for _, b := range bits {
		if b&1 == 1 {
			dst = append(dst, 127)
		} else {
			dst = append(dst, -127)
		}
	}
	return dst
}
