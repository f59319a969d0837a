package pipeline

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/cwsl/ccsds_downlink/ccsds/deframer"
	"github.com/cwsl/ccsds_downlink/ccsds/demux"
	"github.com/cwsl/ccsds_downlink/ccsds/derand"
	"github.com/cwsl/ccsds_downlink/ccsds/frame"
	"github.com/cwsl/ccsds_downlink/ccsds/reedsolomon"
	"github.com/cwsl/ccsds_downlink/ccsds/viterbi"
)

// DeframerStage cuts soft values into frames.
type DeframerStage struct {
	d      *deframer.Deframer
	logger *log.Logger

	mu    sync.Mutex
	stats deframer.Stats
}

func newDeframerStage(cfg deframer.Config, logger *log.Logger) (*DeframerStage, error) {
	d, err := deframer.New(cfg)
	if err != nil {
		return nil, err
	}
	return &DeframerStage{d: d, logger: logger, stats: d.Stats()}, nil
}

func (s *DeframerStage) Name() string { return "deframer" }

func (s *DeframerStage) Process(batch []int8, emit func(*frame.Frame) bool) bool {
	prev := s.d.State()
	ok := s.d.Process(batch, func(f *frame.Frame) bool {
		if f.State != prev {
			s.logTransition(prev, f)
			prev = f.State
		}
		return emit(f)
	})
	st := s.d.Stats()

	s.mu.Lock()
	if st.LockLosses != s.stats.LockLosses {
		s.logger.Warn("frame lock lost", "session", st.Session, "lock_losses", st.LockLosses)
	}
	s.stats = st
	s.mu.Unlock()
	return ok
}

func (s *DeframerStage) logTransition(prev frame.LockState, f *frame.Frame) {
	switch f.State {
	case frame.Synced:
		s.logger.Info("frame lock acquired",
			"session", f.Session, "score", f.SyncScore,
			"phase", f.Hypothesis.Phase*90, "swapped", f.Hypothesis.Swapped, "inverted", f.Inverted)
	case frame.Syncing:
		s.logger.Debug("marker found", "from", prev, "session", f.Session, "score", f.SyncScore)
	}
}

// Stats returns the counters as of the last processed batch.
func (s *DeframerStage) Stats() deframer.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// DifferentialStage undoes NRZ-M or NRZ-S coding on the soft values and
// refreshes the hard decisions.
type DifferentialStage struct {
	dec     derand.Differential
	session uint64
}

func newDifferentialStage(mode derand.Mode) *DifferentialStage {
	return &DifferentialStage{dec: derand.Differential{Mode: mode}}
}

func (s *DifferentialStage) Name() string { return "differential" }

func (s *DifferentialStage) Process(batch []*frame.Frame, emit func(*frame.Frame) bool) bool {
	for _, f := range batch {
		if f.Session != s.session {
			s.dec.Reset()
			s.session = f.Session
		}
		s.dec.DecodeSoft(f.Marker)
		s.dec.DecodeSoft(f.Soft)
		f.Harden()
		if !emit(f) {
			return false
		}
	}
	return true
}

// ViterbiStats accumulates the convolutional decoder's error estimate.
type ViterbiStats struct {
	Frames  uint64  `json:"frames"`
	Bits    uint64  `json:"bits"`
	Errors  uint64  `json:"errors"`
	LastBER float64 `json:"last_ber"`
}

// BER is the channel bit error rate over every decoded frame.
func (v ViterbiStats) BER() float64 {
	if v.Bits == 0 {
		return 0
	}
	return float64(v.Errors) / float64(v.Bits)
}

// ViterbiStage decodes the marker and body of each frame as one continuous
// code stream. The decoded marker bits are discarded. A frame is held until
// the decoder has looked far enough into the following frame to decide its
// last bits.
type ViterbiStage struct {
	dec      *viterbi.Decoder
	enc      *viterbi.Encoder
	rate     int
	syncBits int
	session  uint64

	queue []*frame.Frame
	bits  []byte
	syms  []int8

	mu    sync.Mutex
	stats ViterbiStats
}

func newViterbiStage(c viterbi.Code, depth, syncBits int) (*ViterbiStage, error) {
	dec, err := viterbi.NewDecoder(c, depth)
	if err != nil {
		return nil, err
	}
	enc, err := viterbi.NewEncoder(c)
	if err != nil {
		return nil, err
	}
	return &ViterbiStage{dec: dec, enc: enc, rate: c.Rate(), syncBits: syncBits}, nil
}

func (s *ViterbiStage) Name() string { return "viterbi" }

func (s *ViterbiStage) Process(batch []*frame.Frame, emit func(*frame.Frame) bool) bool {
	for _, f := range batch {
		if f.Session != s.session {
			// the code stream restarts with the new lock
			if !s.Finish(emit) {
				return false
			}
			s.dec.Reset()
			s.enc.Reset()
			s.session = f.Session
		}
		s.queue = append(s.queue, f)
		out, _ := s.dec.Decode(f.Marker)
		s.bits = append(s.bits, out...)
		out, _ = s.dec.Decode(f.Soft)
		s.bits = append(s.bits, out...)
		if !s.emitDecided(emit, false) {
			return false
		}
	}
	return true
}

// Finish decides the held steps and releases every queued frame. It runs on
// a session change and at the end of input.
func (s *ViterbiStage) Finish(emit func(*frame.Frame) bool) bool {
	out, _ := s.dec.Flush()
	s.bits = append(s.bits, out...)
	ok := s.emitDecided(emit, true)
	s.bits = s.bits[:0]
	return ok
}

// emitDecided releases queued frames whose bits are all decided. With force
// set, frames go out with whatever bits remain.
func (s *ViterbiStage) emitDecided(emit func(*frame.Frame) bool, force bool) bool {
	for len(s.queue) > 0 {
		f := s.queue[0]
		need := (len(f.Marker) + len(f.Soft)) / s.rate
		if len(s.bits) < need {
			if !force {
				return true
			}
			need = len(s.bits)
		}
		s.decoded(f, s.bits[:need])
		s.bits = s.bits[:copy(s.bits, s.bits[need:])]
		s.queue[0] = nil
		s.queue = s.queue[:copy(s.queue, s.queue[1:])]
		if !emit(f) {
			s.queue = s.queue[:0]
			return false
		}
	}
	return true
}

// decoded stores the body bits in f and re-encodes them against the frame's
// channel values for the error estimate.
func (s *ViterbiStage) decoded(f *frame.Frame, bits []byte) {
	s.syms = append(append(s.syms[:0], f.Marker...), f.Soft...)
	errs := s.enc.Mismatches(bits, s.syms[:len(bits)*s.rate])

	body := bits[min(s.syncBits, len(bits)):]
	f.Data = frame.PackBits(f.Data[:0], body)
	f.ViterbiBits = len(body)
	f.ViterbiErrors = errs

	s.mu.Lock()
	s.stats.Frames++
	s.stats.Bits += uint64(len(s.syms))
	s.stats.Errors += uint64(errs)
	s.stats.LastBER = f.BER()
	s.mu.Unlock()
}

func (s *ViterbiStage) Stats() ViterbiStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// DerandomizeStage removes the pseudo-randomiser from the frame body.
type DerandomizeStage struct{}

func (DerandomizeStage) Name() string { return "derandomize" }

func (DerandomizeStage) Process(batch []*frame.Frame, emit func(*frame.Frame) bool) bool {
	for _, f := range batch {
		derand.Derandomize(f.Data)
		if !emit(f) {
			return false
		}
	}
	return true
}

// RSStats accumulates Reed-Solomon outcomes.
type RSStats struct {
	Frames        uint64   `json:"frames"`
	Corrected     []uint64 `json:"corrected"` // symbols per branch
	Errors        uint64   `json:"errors"`
	Uncorrectable uint64   `json:"uncorrectable"`
}

// ReedSolomonStage corrects each frame body in place, annotates the frame
// with the outcome and optionally strips the parity.
type ReedSolomonStage struct {
	il     *reedsolomon.Interleaved
	strip  bool
	logger *log.Logger

	mu    sync.Mutex
	stats RSStats
}

func newReedSolomonStage(p reedsolomon.Profile, depth int, dual, strip bool, logger *log.Logger) (*ReedSolomonStage, error) {
	codec, err := reedsolomon.New(p, dual)
	if err != nil {
		return nil, err
	}
	il, err := reedsolomon.NewInterleaved(codec, depth)
	if err != nil {
		return nil, err
	}
	return &ReedSolomonStage{
		il:     il,
		strip:  strip,
		logger: logger,
		stats:  RSStats{Corrected: make([]uint64, depth)},
	}, nil
}

func (s *ReedSolomonStage) Name() string { return "reed-solomon" }

func (s *ReedSolomonStage) Process(batch []*frame.Frame, emit func(*frame.Frame) bool) bool {
	for _, f := range batch {
		res, err := s.il.Decode(f.Data)
		if err != nil {
			// a body of the wrong size cannot be checked
			s.logger.Error("reed-solomon", "seq", f.Seq, "error", err)
			res = reedsolomon.Result{Uncorrectable: true}
		}
		f.RSCorrected = res.Corrected
		f.RSErrors = res.Errors
		f.Uncorrectable = res.Uncorrectable
		if res.Uncorrectable {
			s.logger.Debug("uncorrectable frame", "seq", f.Seq, "branches", res.Corrected)
		}
		if s.strip && err == nil {
			f.Data = f.Data[:s.il.DataLen(len(f.Data))]
		}

		s.mu.Lock()
		s.stats.Frames++
		s.stats.Errors += uint64(res.Errors)
		for b, n := range res.Corrected {
			if n > 0 {
				s.stats.Corrected[b] += uint64(n)
			}
		}
		if res.Uncorrectable {
			s.stats.Uncorrectable++
		}
		s.mu.Unlock()

		if !emit(f) {
			return false
		}
	}
	return true
}

func (s *ReedSolomonStage) Stats() RSStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Corrected = append([]uint64(nil), s.stats.Corrected...)
	return st
}

// DemuxStage turns frames into space packets.
type DemuxStage struct {
	d *demux.Demux

	mu    sync.Mutex
	stats demux.Stats
}

func newDemuxStage(cfg demux.Config) (*DemuxStage, error) {
	d, err := demux.New(cfg)
	if err != nil {
		return nil, err
	}
	return &DemuxStage{d: d, stats: d.Stats()}, nil
}

func (s *DemuxStage) Name() string { return "demux" }

func (s *DemuxStage) Process(batch []*frame.Frame, emit func(demux.SpacePacket) bool) bool {
	ok := true
	for _, f := range batch {
		if ok = s.d.Process(f, emit); !ok {
			break
		}
	}
	st := s.d.Stats()
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
	return ok
}

func (s *DemuxStage) Stats() demux.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
