// Package pipeline chains the decoding stages over bounded streams, one
// goroutine per stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cwsl/ccsds_downlink/ccsds/deframer"
	"github.com/cwsl/ccsds_downlink/ccsds/demux"
	"github.com/cwsl/ccsds_downlink/ccsds/frame"
	"github.com/cwsl/ccsds_downlink/ccsds/stream"
)

// ErrStopped is returned by Wait when the pipeline was stopped before its
// input drained.
var ErrStopped = errors.New("pipeline stopped")

var errNotStarted = errors.New("pipeline not started")

// Pipeline owns the streams and stages of one decoder chain.
type Pipeline struct {
	cfg    Config
	logger *log.Logger
	runID  string

	input   *stream.Stream[int8]
	links   []*stream.Stream[*frame.Frame]
	packets *stream.Stream[demux.SpacePacket]

	deframer *DeframerStage
	chain    []Stage[*frame.Frame, *frame.Frame]
	viterbi  *ViterbiStage
	rs       *ReedSolomonStage
	demux    *DemuxStage

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	startedAt atomic.Int64 // unix nanoseconds
	done      chan struct{}
	err       error // set before done is closed
}

// New validates cfg and builds every stage. Nothing runs until Start.
func New(cfg Config, logger *log.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	runID := uuid.New().String()
	logger = logger.With("run", runID[:8])

	dcfg, err := cfg.deframerConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		done:   make(chan struct{}),
	}
	if p.deframer, err = newDeframerStage(dcfg, logger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.Differential != 0 {
		p.chain = append(p.chain, newDifferentialStage(cfg.Differential))
	}
	if cfg.Viterbi {
		if p.viterbi, err = newViterbiStage(cfg.Code, cfg.TracebackDepth, cfg.SyncBits); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.chain = append(p.chain, p.viterbi)
	}
	if cfg.Derandomize {
		p.chain = append(p.chain, DerandomizeStage{})
	}
	if cfg.ReedSolomon {
		p.rs, err = newReedSolomonStage(cfg.RSProfile, cfg.InterleaveDepth, cfg.DualBasis, cfg.StripParity, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.chain = append(p.chain, p.rs)
	}
	p.demux, err = newDemuxStage(demux.Config{
		InsertZoneSize:    cfg.InsertZoneSize,
		MaxPacketSize:     cfg.MaxPacketSize,
		DropUncorrectable: cfg.DropUncorrectable,
		TrailerSize:       cfg.TrailerSize(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if p.input, err = stream.New[int8](cfg.SymbolBuffer); err != nil {
		return nil, err
	}
	for i := 0; i < len(p.chain)+1; i++ {
		link, err := stream.New[*frame.Frame](cfg.FrameBuffer)
		if err != nil {
			return nil, err
		}
		p.links = append(p.links, link)
	}
	if p.packets, err = stream.New[demux.SpacePacket](cfg.PacketBuffer); err != nil {
		return nil, err
	}
	return p, nil
}

// RunID identifies this pipeline instance in logs and published stats.
func (p *Pipeline) RunID() string { return p.runID }

// Config returns the validated configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Start launches one goroutine per stage. Cancelling ctx stops the
// pipeline; calling Start again has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		started := time.Now()
		p.startedAt.Store(started.UnixNano())
		p.running.Store(true)
		stages := make([]string, 0, len(p.chain)+2)
		stages = append(stages, p.deframer.Name())
		for _, s := range p.chain {
			stages = append(stages, s.Name())
		}
		stages = append(stages, p.demux.Name())
		p.logger.Info("starting pipeline", "stages", stages, "frame_size", p.cfg.FrameSize)

		g := new(errgroup.Group)
		frameBatch := p.cfg.FrameBuffer
		g.Go(func() error {
			return runStage(p.deframer, p.input, p.links[0], p.cfg.ReadBatch, p.logger)
		})
		for i, s := range p.chain {
			s := s
			in, out := p.links[i], p.links[i+1]
			g.Go(func() error {
				return runStage(s, in, out, frameBatch, p.logger)
			})
		}
		g.Go(func() error {
			return runStage(p.demux, p.links[len(p.links)-1], p.packets, frameBatch, p.logger)
		})

		go func() {
			p.err = g.Wait()
			uptime := time.Since(started).Round(time.Millisecond)
			if p.err != nil {
				p.logger.Info("pipeline stopped", "uptime", uptime)
			} else {
				p.logger.Info("pipeline drained", "uptime", uptime)
			}
			close(p.done)
		}()
		go func() {
			select {
			case <-ctx.Done():
				p.Stop()
			case <-p.done:
			}
		}()
	})
}

// Write feeds soft values, blocking while the input buffer is full. It
// returns false once the pipeline is stopped or the input closed.
func (p *Pipeline) Write(soft []int8) bool {
	return p.input.Write(soft)
}

// CloseInput marks the end of the soft-symbol stream. Frames and packets
// already buffered still flow through.
func (p *Pipeline) CloseInput() {
	p.input.Close()
}

// ReadPackets blocks for decoded packets and copies up to len(dst) of them.
// It returns 0 once every stage has drained or the pipeline is stopped.
func (p *Pipeline) ReadPackets(dst []demux.SpacePacket) int {
	return p.packets.ReadInto(dst)
}

// Stop aborts every stream. Blocked writers and readers return at once and
// partially assembled packets are discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Debug("stopping pipeline")
		p.input.StopWriter()
		for _, l := range p.links {
			l.StopWriter()
		}
		p.packets.StopReader()
	})
}

// Wait blocks until every stage goroutine has returned. It returns nil after
// a normal drain and ErrStopped after Stop.
func (p *Pipeline) Wait() error {
	if !p.running.Load() {
		return errNotStarted
	}
	<-p.done
	return p.err
}

// Done is closed once every stage goroutine has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// StreamStats is the fill level of one inter-stage stream.
type StreamStats struct {
	Name string `json:"name"`
	Len  int    `json:"len"`
	Cap  int    `json:"cap"`
}

// Stats is a point-in-time view of every stage.
type Stats struct {
	RunID       string          `json:"run_id"`
	Uptime      float64         `json:"uptime_seconds"`
	State       frame.LockState `json:"state"`
	Deframer    deframer.Stats  `json:"deframer"`
	Viterbi     *ViterbiStats   `json:"viterbi,omitempty"`
	ReedSolomon *RSStats        `json:"reed_solomon,omitempty"`
	Demux       demux.Stats     `json:"demux"`
	Streams     []StreamStats   `json:"streams"`
}

// Stats collects the stage snapshots. It is safe to call from any goroutine.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		RunID:    p.runID,
		Deframer: p.deframer.Stats(),
		Demux:    p.demux.Stats(),
	}
	if ns := p.startedAt.Load(); ns != 0 {
		st.Uptime = time.Since(time.Unix(0, ns)).Seconds()
	}
	st.State = st.Deframer.State
	if p.viterbi != nil {
		v := p.viterbi.Stats()
		st.Viterbi = &v
	}
	if p.rs != nil {
		r := p.rs.Stats()
		st.ReedSolomon = &r
	}

	st.Streams = append(st.Streams, StreamStats{"symbols", p.input.Len(), p.input.Cap()})
	names := []string{p.deframer.Name()}
	for _, s := range p.chain {
		names = append(names, s.Name())
	}
	for i, l := range p.links {
		st.Streams = append(st.Streams, StreamStats{names[i] + " frames", l.Len(), l.Cap()})
	}
	st.Streams = append(st.Streams, StreamStats{"packets", p.packets.Len(), p.packets.Cap()})
	return st
}
