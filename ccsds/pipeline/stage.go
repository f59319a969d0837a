package pipeline

import (
	"github.com/charmbracelet/log"

	"github.com/cwsl/ccsds_downlink/ccsds/stream"
)

// Stage is one step of the decoder chain. Process handles a batch in order,
// calling emit for every output; it returns false once emit has refused an
// item, which means the downstream stream was stopped.
type Stage[In, Out any] interface {
	Name() string
	Process(batch []In, emit func(Out) bool) bool
}

// Finisher is implemented by stages that hold items back. Finish releases
// them once the input has ended.
type Finisher[Out any] interface {
	Finish(emit func(Out) bool) bool
}

// runStage drives s until its input ends or either stream is stopped. A
// normal end of input is propagated by closing the output; an abort returns
// ErrStopped.
func runStage[In, Out any](s Stage[In, Out], in *stream.Stream[In], out *stream.Stream[Out], batch int, logger *log.Logger) error {
	buf := make([]In, batch)
	one := make([]Out, 1)
	emit := func(o Out) bool {
		one[0] = o
		return out.Write(one)
	}

	for {
		n := in.ReadInto(buf)
		if n == 0 {
			if f, ok := s.(Finisher[Out]); ok && !in.Stopped() {
				f.Finish(emit)
			}
			break
		}
		if !s.Process(buf[:n], emit) {
			break
		}
	}

	if in.Stopped() || out.Stopped() {
		logger.Debug("stage stopped", "stage", s.Name())
		// an abort on either side tears down both neighbours
		in.StopReader()
		out.StopWriter()
		return ErrStopped
	}
	logger.Debug("stage drained", "stage", s.Name())
	out.Close()
	return nil
}
