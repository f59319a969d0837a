// Package deframer locates sync markers in a soft-symbol stream and cuts it
// into fixed-length frames, tracking lock with a three-state machine.
package deframer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/cwsl/ccsds_downlink/ccsds/correlator"
	"github.com/cwsl/ccsds_downlink/ccsds/frame"
)

var ErrInvalidConfig = errors.New("invalid deframer configuration")

// Config describes the frame layout. Lengths are counted in soft values,
// and FrameBits includes the marker.
type Config struct {
	Syncword   uint64
	SyncBits   int
	FrameBits  int
	Modulation correlator.Modulation

	MaxSyncErrors     int // marker bit errors still accepted as a match
	GoodFramesToLock  int // consecutive matches (acquisition included) before SYNCED
	LockLossThreshold int // consecutive misses in SYNCED before NO_SYNC

	// AnyPolarity accepts the marker in either polarity on every frame and
	// leaves the soft values uninverted. Differentially coded channels need
	// it: the marker's polarity follows the level the previous frame ended on.
	AnyPolarity bool
}

// Defaults for the lock thresholds.
const (
	DefaultGoodFramesToLock  = 2
	DefaultLockLossThreshold = 3
)

// DefaultMaxSyncErrors scales the tolerated marker errors with its length:
// 3 for the 32-bit ASM, 12 for a 64-bit coded marker.
func DefaultMaxSyncErrors(syncBits int) int {
	if syncBits >= 64 {
		return 12
	}
	return syncBits * 3 / 32
}

func (c *Config) applyDefaults() {
	if c.MaxSyncErrors == 0 {
		c.MaxSyncErrors = DefaultMaxSyncErrors(c.SyncBits)
	}
	if c.GoodFramesToLock == 0 {
		c.GoodFramesToLock = DefaultGoodFramesToLock
	}
	if c.LockLossThreshold == 0 {
		c.LockLossThreshold = DefaultLockLossThreshold
	}
}

// Validate checks the layout after defaults have been applied.
func (c Config) Validate() error {
	if c.SyncBits < 8 || c.SyncBits > 64 {
		return fmt.Errorf("%w: sync marker of %d bits", ErrInvalidConfig, c.SyncBits)
	}
	if c.FrameBits <= c.SyncBits {
		return fmt.Errorf("%w: frame of %d soft values does not exceed the %d-bit marker",
			ErrInvalidConfig, c.FrameBits, c.SyncBits)
	}
	if c.Modulation == correlator.QPSK && (c.FrameBits%2 != 0 || c.SyncBits%2 != 0) {
		return fmt.Errorf("%w: QPSK needs even frame and marker lengths", ErrInvalidConfig)
	}
	if c.MaxSyncErrors < 0 || c.MaxSyncErrors >= c.SyncBits/2 {
		return fmt.Errorf("%w: max sync errors %d", ErrInvalidConfig, c.MaxSyncErrors)
	}
	if c.GoodFramesToLock < 1 {
		return fmt.Errorf("%w: good frames to lock %d", ErrInvalidConfig, c.GoodFramesToLock)
	}
	if c.LockLossThreshold < 1 {
		return fmt.Errorf("%w: lock loss threshold %d", ErrInvalidConfig, c.LockLossThreshold)
	}
	return nil
}

// Stats is a snapshot of the deframer counters.
type Stats struct {
	State       frame.LockState       `json:"state"`
	Session     uint64                `json:"session"`
	Frames      uint64                `json:"frames"`
	SyncErrors  uint64                `json:"sync_errors"`
	LockLosses  uint64                `json:"lock_losses"`
	Discarded   uint64                `json:"discarded"` // soft values skipped while searching
	LastScore   int                   `json:"last_score"`
	Hypothesis  correlator.Hypothesis `json:"hypothesis"`
	Inverted    bool                  `json:"inverted"`
	LastQuality frame.Quality         `json:"quality"`
}

// Deframer is the frame synchroniser. It is driven by a single goroutine.
type Deframer struct {
	cfg       Config
	corr      *correlator.Correlator
	threshold int

	buf  []int8
	base uint64 // absolute stream position of buf[0]

	state    frame.LockState
	hyp      correlator.Hypothesis
	inverted bool
	fresh    bool // next frame is the acquisition frame, already scored
	score    int
	good     int
	misses   int

	session    uint64
	frames     uint64
	syncErrors uint64
	lockLosses uint64
	discarded  uint64
	quality    frame.Quality

	mags []float64
}

// New validates cfg (filling defaults) and returns a deframer in NO_SYNC.
func New(cfg Config) (*Deframer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	corr, err := correlator.New(cfg.Syncword, cfg.SyncBits, cfg.Modulation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Deframer{
		cfg:       cfg,
		corr:      corr,
		threshold: cfg.SyncBits - cfg.MaxSyncErrors,
		buf:       make([]int8, 0, 2*cfg.FrameBits),
	}, nil
}

// Config returns the effective configuration.
func (d *Deframer) Config() Config { return d.cfg }

// State returns the current lock state.
func (d *Deframer) State() frame.LockState { return d.state }

// Reset drops buffered input and returns to NO_SYNC. Counters are kept.
func (d *Deframer) Reset() {
	d.base += uint64(len(d.buf))
	d.buf = d.buf[:0]
	d.state = frame.NoSync
	d.fresh = false
	d.good, d.misses = 0, 0
}

func (d *Deframer) pairOffset(i int) int {
	if d.cfg.Modulation != correlator.QPSK {
		return 0
	}
	return int((d.base + uint64(i)) & 1)
}

// Process consumes soft values and emits every complete frame. It returns
// false as soon as emit does.
func (d *Deframer) Process(soft []int8, emit func(*frame.Frame) bool) bool {
	d.buf = append(d.buf, soft...)
	consumed := 0
	ok := true

loop:
	for ok {
		switch d.state {
		case frame.NoSync:
			found := false
			// after a lock loss ties go to the hypothesis last locked
			var prev *correlator.Hypothesis
			if d.session > 0 {
				prev = &d.hyp
			}
			last := len(d.buf) - d.cfg.SyncBits
			for ; consumed <= last; consumed++ {
				w := d.buf[consumed : consumed+d.cfg.SyncBits]
				r := d.corr.CorrelateAt(w, d.pairOffset(consumed), prev)
				if r.Score >= d.threshold {
					d.acquire(r)
					found = true
					break
				}
				d.discarded++
			}
			if !found {
				break loop
			}

		default:
			if len(d.buf)-consumed < d.cfg.FrameBits {
				break loop
			}
			mismatch := false
			if d.fresh {
				d.fresh = false
			} else {
				d.score = d.scoreLocked(consumed)
				if d.score >= d.threshold {
					d.misses = 0
					if d.state == frame.Syncing {
						d.good++
						if d.good >= d.cfg.GoodFramesToLock {
							d.state = frame.Synced
						}
					}
				} else {
					mismatch = true
					d.syncErrors++
					if d.state == frame.Syncing {
						d.state = frame.NoSync
						continue
					}
					d.misses++
					if d.misses >= d.cfg.LockLossThreshold {
						d.lockLosses++
						d.state = frame.NoSync
						continue
					}
				}
			}
			f := d.cut(consumed, mismatch)
			consumed += d.cfg.FrameBits
			ok = emit(f)
		}
	}

	d.base += uint64(consumed)
	d.buf = append(d.buf[:0], d.buf[consumed:]...)
	return ok
}

// scoreLocked scores the marker at buf[at] against the locked hypothesis.
func (d *Deframer) scoreLocked(at int) int {
	w := d.buf[at : at+d.cfg.SyncBits]
	po := d.pairOffset(at)
	score := d.corr.ScoreAt(w, po, d.hyp, d.inverted)
	if d.cfg.AnyPolarity {
		if alt := d.corr.ScoreAt(w, po, d.hyp, !d.inverted); alt > score {
			return alt
		}
	}
	return score
}

func (d *Deframer) acquire(r correlator.Result) {
	d.session++
	d.state = frame.Syncing
	d.hyp = r.Hypothesis
	d.inverted = r.Inverted
	d.score = r.Score
	d.fresh = true
	d.good = 1
	d.misses = 0
	if d.good >= d.cfg.GoodFramesToLock {
		d.state = frame.Synced
	}
}

// cut builds the frame starting at buf[at], correcting phase and polarity.
func (d *Deframer) cut(at int, mismatch bool) *frame.Frame {
	raw := d.buf[at : at+d.cfg.FrameBits]
	corrected := make([]int8, len(raw))
	d.hyp.Apply(corrected, raw, d.pairOffset(at), d.cfg.Modulation)
	if d.inverted && !d.cfg.AnyPolarity {
		for i, v := range corrected {
			if v == -128 {
				corrected[i] = 127
			} else {
				corrected[i] = -v
			}
		}
	}

	d.frames++
	f := &frame.Frame{
		Seq:          d.frames,
		Session:      d.session,
		State:        d.state,
		SyncErrors:   d.syncErrors,
		SyncScore:    d.score,
		SyncMismatch: mismatch,
		Hypothesis:   d.hyp,
		Inverted:     d.inverted,
		Marker:       corrected[:d.cfg.SyncBits:d.cfg.SyncBits],
		Soft:         corrected[d.cfg.SyncBits:],
	}
	f.Quality = d.measure(f.Soft)
	f.Harden()
	d.quality = f.Quality
	return f
}

const maxSNR = 60

func (d *Deframer) measure(soft []int8) frame.Quality {
	d.mags = d.mags[:0]
	for _, s := range soft {
		d.mags = append(d.mags, math.Abs(float64(s)))
	}
	mean, std := stat.MeanStdDev(d.mags, nil)
	q := frame.Quality{Mean: mean, StdDev: std}
	if std > 0 {
		q.SNR = 10 * math.Log10(mean*mean/(std*std))
	}
	if std == 0 || q.SNR > maxSNR {
		q.SNR = maxSNR
	}
	return q
}

// Stats returns a snapshot of the counters.
func (d *Deframer) Stats() Stats {
	return Stats{
		State:       d.state,
		Session:     d.session,
		Frames:      d.frames,
		SyncErrors:  d.syncErrors,
		LockLosses:  d.lockLosses,
		Discarded:   d.discarded,
		LastScore:   d.score,
		Hypothesis:  d.hyp,
		Inverted:    d.inverted,
		LastQuality: d.quality,
	}
}
