package pipeline

import (
	"errors"
	"fmt"

	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
	"github.com/cwsl/ccsds_downlink/ccsds/deframer"
	"github.com/cwsl/ccsds_downlink/ccsds/demux"
	"github.com/cwsl/ccsds_downlink/ccsds/derand"
	"github.com/cwsl/ccsds_downlink/ccsds/frame"
	"github.com/cwsl/ccsds_downlink/ccsds/reedsolomon"
	"github.com/cwsl/ccsds_downlink/ccsds/viterbi"
)

// ASM is the CCSDS attached sync marker.
const ASM = 0x1ACFFC1D

var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Config is the complete decoder chain configuration.
type Config struct {
	// FrameSize is the CADU length in bytes, marker included.
	FrameSize  int
	Syncword   uint64
	SyncBits   int
	Modulation correlator.Modulation

	MaxSyncErrors     int
	GoodFramesToLock  int
	LockLossThreshold int

	Differential derand.Mode

	Viterbi        bool
	Code           viterbi.Code
	TracebackDepth int
	// CodedSyncword is searched for instead of the marker when Viterbi is
	// enabled. Zero derives it by encoding Syncword.
	CodedSyncword uint64

	Derandomize bool

	ReedSolomon     bool
	RSProfile       reedsolomon.Profile
	InterleaveDepth int
	DualBasis       bool
	StripParity     bool

	InsertZoneSize    int
	MaxPacketSize     int
	DropUncorrectable bool

	// Stream capacities: soft values, frames between stages, packets out.
	SymbolBuffer int
	FrameBuffer  int
	PacketBuffer int
	// ReadBatch is the number of soft values a deframer read takes at most.
	ReadBatch int
}

// DefaultConfig is the CCSDS concatenated downlink: 1024-byte CADUs, rate
// 1/2 K=7 convolutional code, randomiser, RS(255,223) interleaved 4 times.
func DefaultConfig() Config {
	return Config{
		FrameSize:         1024,
		Syncword:          ASM,
		SyncBits:          32,
		Modulation:        correlator.BPSK,
		LockLossThreshold: deframer.DefaultLockLossThreshold,
		GoodFramesToLock:  deframer.DefaultGoodFramesToLock,
		Viterbi:           true,
		Code:              viterbi.CCSDS(),
		TracebackDepth:    35,
		Derandomize:       true,
		ReedSolomon:       true,
		RSProfile:         reedsolomon.RS223,
		InterleaveDepth:   4,
		DualBasis:         true,
		StripParity:       true,
		MaxPacketSize:     demux.DefaultMaxPacketSize,
		DropUncorrectable: true,
		SymbolBuffer:      1 << 18,
		FrameBuffer:       64,
		PacketBuffer:      1024,
		ReadBatch:         1 << 14,
	}
}

// DataLen is the length of the frame body after the marker.
func (c Config) DataLen() int {
	return c.FrameSize - c.SyncBits/8
}

// rate is the channel bits per frame bit.
func (c Config) rate() int {
	if c.Viterbi {
		return c.Code.Rate()
	}
	return 1
}

// TrailerSize is the number of Reed-Solomon parity bytes left at the end of
// each frame body.
func (c Config) TrailerSize() int {
	if !c.ReedSolomon || c.StripParity {
		return 0
	}
	return c.InterleaveDepth * c.RSProfile.NRoots
}

// deframerConfig derives the marker actually present in the channel and the
// frame length in soft values.
func (c Config) deframerConfig() (deframer.Config, error) {
	word, bits := c.Syncword, c.SyncBits
	if c.Viterbi {
		if c.CodedSyncword != 0 {
			word, bits = c.CodedSyncword, c.SyncBits*c.rate()
		} else {
			w, n, err := viterbi.EncodeWord(c.Code, c.Syncword, c.SyncBits)
			if err != nil {
				return deframer.Config{}, err
			}
			word, bits = w, n
		}
	}
	if c.Differential != 0 {
		// the marker is sent differentially encoded; its polarity follows the
		// level the previous frame ended on
		raw := frame.UnpackBits(nil, []byte{
			byte(word >> 56), byte(word >> 48), byte(word >> 40), byte(word >> 32),
			byte(word >> 24), byte(word >> 16), byte(word >> 8), byte(word),
		})[64-bits:]
		enc := derand.Differential{Mode: c.Differential}
		enc.EncodeBits(raw)
		word = 0
		for _, b := range raw {
			word = word<<1 | uint64(b)
		}
	}
	return deframer.Config{
		Syncword:          word,
		SyncBits:          bits,
		FrameBits:         c.FrameSize * 8 * c.rate(),
		Modulation:        c.Modulation,
		MaxSyncErrors:     c.MaxSyncErrors,
		GoodFramesToLock:  c.GoodFramesToLock,
		LockLossThreshold: c.LockLossThreshold,
		AnyPolarity:       c.Differential != 0,
	}, nil
}

// Validate checks every stage parameter so a bad configuration fails before
// any goroutine starts.
func (c Config) Validate() error {
	if c.SyncBits <= 0 || c.SyncBits%8 != 0 || c.SyncBits > 64 {
		return fmt.Errorf("%w: sync marker of %d bits", ErrInvalidConfig, c.SyncBits)
	}
	if c.FrameSize*8 <= c.SyncBits {
		return fmt.Errorf("%w: frame size %d bytes", ErrInvalidConfig, c.FrameSize)
	}
	if c.Viterbi {
		if err := c.Code.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if c.SyncBits*c.Code.Rate() > 64 {
			return fmt.Errorf("%w: coded marker of %d bits", ErrInvalidConfig, c.SyncBits*c.Code.Rate())
		}
		if c.TracebackDepth < c.Code.K {
			return fmt.Errorf("%w: traceback depth %d", ErrInvalidConfig, c.TracebackDepth)
		}
	}
	if c.Differential != 0 && c.Differential != derand.NRZM && c.Differential != derand.NRZS {
		return fmt.Errorf("%w: differential mode %d", ErrInvalidConfig, c.Differential)
	}
	dataLen := c.DataLen()
	if c.ReedSolomon {
		if c.InterleaveDepth < 1 {
			return fmt.Errorf("%w: interleave depth %d", ErrInvalidConfig, c.InterleaveDepth)
		}
		if dataLen%c.InterleaveDepth != 0 {
			return fmt.Errorf("%w: %d-byte frame body does not split into %d codewords",
				ErrInvalidConfig, dataLen, c.InterleaveDepth)
		}
		n := dataLen / c.InterleaveDepth
		if n > 255 || n <= c.RSProfile.NRoots {
			return fmt.Errorf("%w: %d-byte codewords for RS(255,%d)", ErrInvalidConfig, n, c.RSProfile.DataLen())
		}
		// the packet zone never includes parity, stripped or not
		dataLen -= c.InterleaveDepth * c.RSProfile.NRoots
	}
	if dataLen < 6+c.InsertZoneSize+2+1 {
		return fmt.Errorf("%w: %d-byte frame body cannot hold the VCDU headers", ErrInvalidConfig, dataLen)
	}
	if c.SymbolBuffer <= 0 || c.FrameBuffer <= 0 || c.PacketBuffer <= 0 || c.ReadBatch <= 0 {
		return fmt.Errorf("%w: buffer capacities must be positive", ErrInvalidConfig)
	}
	return nil
}
