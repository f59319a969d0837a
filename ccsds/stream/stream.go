// Package stream provides the bounded single-producer/single-consumer buffer
// that connects the stages of the downlink pipeline.
//
// A Stream never grows: a producer that outruns its consumer blocks in Write
// until the consumer retires items with Flush. Either side can be stopped at
// any time, which releases every goroutine waiting on the stream.
package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("stream capacity must be positive")

// Stream is a fixed-capacity FIFO with exactly one writer and one reader.
//
// The mutex only guards the read/write counters and the state flags. Item
// copies run outside the lock: the writer only touches slots in [w, r+cap)
// and the reader only touches slots in [r, w), so the regions never overlap.
type Stream[T any] struct {
	buf []T

	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond

	r uint64 // total items retired by the reader
	w uint64 // total items published by the writer

	closed        bool // writer finished normally, reader may drain
	readerStopped bool
	writerStopped bool
}

// New creates a stream holding at most capacity items.
func New[T any](capacity int) (*Stream[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	s := &Stream[T]{buf: make([]T, capacity)}
	s.readable = sync.NewCond(&s.mu)
	s.writable = sync.NewCond(&s.mu)
	return s, nil
}

func (s *Stream[T]) stopped() bool {
	return s.readerStopped || s.writerStopped
}

// Write appends items, blocking while the buffer is full. It returns false
// without writing the remainder once the stream is stopped or closed.
func (s *Stream[T]) Write(items []T) bool {
	size := uint64(len(s.buf))
	for len(items) > 0 {
		s.mu.Lock()
		for s.w-s.r == size && !s.stopped() && !s.closed {
			s.writable.Wait()
		}
		if s.stopped() || s.closed {
			s.mu.Unlock()
			return false
		}
		free := int(size - (s.w - s.r))
		start := int(s.w % size)
		s.mu.Unlock()

		n := min(free, len(items), len(s.buf)-start)
		copy(s.buf[start:start+n], items[:n])
		items = items[n:]

		s.mu.Lock()
		s.w += uint64(n)
		s.readable.Signal()
		s.mu.Unlock()
	}
	return true
}

// Read blocks until items are readable and returns how many. It returns 0
// at end of stream (closed and drained) and immediately once stopped.
func (s *Stream[T]) Read() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.w == s.r && !s.closed && !s.stopped() {
		s.readable.Wait()
	}
	if s.stopped() {
		return 0
	}
	return int(s.w - s.r)
}

// Peek copies up to len(dst) readable items into dst without consuming them.
func (s *Stream[T]) Peek(dst []T) int {
	s.mu.Lock()
	r, w := s.r, s.w
	s.mu.Unlock()

	size := uint64(len(s.buf))
	n := min(int(w-r), len(dst))
	start := int(r % size)
	first := min(n, len(s.buf)-start)
	copy(dst[:first], s.buf[start:start+first])
	copy(dst[first:n], s.buf[:n-first])
	return n
}

// Flush retires n consumed items and wakes a blocked writer.
func (s *Stream[T]) Flush(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	avail := int(s.w - s.r)
	if n > avail {
		n = avail
	}
	var zero T
	size := uint64(len(s.buf))
	for i := 0; i < n; i++ {
		// drop references so retired frames can be collected
		s.buf[(s.r+uint64(i))%size] = zero
	}
	s.r += uint64(n)
	s.writable.Signal()
	s.mu.Unlock()
}

// ReadInto blocks like Read, then copies and retires up to len(dst) items.
func (s *Stream[T]) ReadInto(dst []T) int {
	if s.Read() == 0 {
		return 0
	}
	n := s.Peek(dst)
	s.Flush(n)
	return n
}

// Close marks the end of input. The reader drains the remaining items and
// then sees end of stream. Further writes fail.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.mu.Unlock()
}

// StopReader aborts the reading side: a blocked Read returns 0 and the
// writer stops being accepted since nothing will consume its data.
func (s *Stream[T]) StopReader() {
	s.mu.Lock()
	s.readerStopped = true
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.mu.Unlock()
}

// StopWriter aborts the writing side: a blocked Write returns false and
// pending items are abandoned, so Read returns 0 right away.
func (s *Stream[T]) StopWriter() {
	s.mu.Lock()
	s.writerStopped = true
	s.readable.Broadcast()
	s.writable.Broadcast()
	s.mu.Unlock()
}

// Stopped reports whether either side has been stopped.
func (s *Stream[T]) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped()
}

// Len returns the number of readable items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.w - s.r)
}

// Cap returns the fixed capacity.
func (s *Stream[T]) Cap() int {
	return len(s.buf)
}
