// Package sequence provides a shared generator of block-number ranges.
// Workers pop disjoint chunks from it, requeue failed ones, and the block
// fetcher caps it when the node reports the end of the chain.
package sequence

import (
	"errors"
	"fmt"
	"sync"
)

// ErrHalt is returned by Pop when a finite sequence is exhausted.
var ErrHalt = errors.New("sequence: exhausted")

// Range is an inclusive block-number range. A descending range has
// First > Last.
type Range struct {
	First uint64
	Last  uint64
}

// Ascending reports whether the range runs low to high.
func (r Range) Ascending() bool { return r.First <= r.Last }

// Len returns the number of block numbers covered by the range.
func (r Range) Len() uint64 {
	if r.Ascending() {
		return r.Last - r.First + 1
	}
	return r.First - r.Last + 1
}

// Sequence hands out ranges chunked by |step|. It is either finite (a fixed
// queue of ranges) or infinite (an advancing cursor after the queue drains);
// Cap transitions infinite to finite.
type Sequence struct {
	mu       sync.Mutex
	queue    []Range
	step     int
	infinite bool
	cursor   uint64
}

// New creates a finite sequence over the given ranges, pre-chunked by |step|.
// step must be nonzero; its sign must match the direction of every range.
func New(ranges []Range, step int) (*Sequence, error) {
	if step == 0 {
		return nil, errors.New("sequence: step must be nonzero")
	}
	queue := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		chunks, err := chunk(r, step)
		if err != nil {
			return nil, err
		}
		queue = append(queue, chunks...)
	}
	return &Sequence{queue: queue, step: step}, nil
}

// NewInfinite creates a sequence that keeps producing |step|-sized ranges
// from first onward (in the direction of step) once its queue is empty.
func NewInfinite(first uint64, step int) (*Sequence, error) {
	if step == 0 {
		return nil, errors.New("sequence: step must be nonzero")
	}
	return &Sequence{step: step, infinite: true, cursor: first}, nil
}

// Pop returns the next range. Concurrent callers receive distinct ranges.
// A finite sequence with an empty queue returns ErrHalt.
func (s *Sequence) Pop() (Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r, nil
	}
	if !s.infinite {
		return Range{}, ErrHalt
	}

	size := uint64(s.step)
	if s.step < 0 {
		size = uint64(-s.step)
	}
	var r Range
	if s.step > 0 {
		r = Range{First: s.cursor, Last: s.cursor + size - 1}
		s.cursor += size
	} else {
		last := uint64(0)
		if s.cursor >= size-1 {
			last = s.cursor - (size - 1)
		}
		r = Range{First: s.cursor, Last: last}
		if last == 0 {
			s.infinite = false
		} else {
			s.cursor = last - 1
		}
	}
	return r, nil
}

// Queue re-inserts a range at the tail, re-chunked by the sequence step.
// Used by workers to hand back a failed range.
func (s *Sequence) Queue(r Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, err := chunk(r, s.step)
	if err != nil {
		return err
	}
	s.queue = append(s.queue, chunks...)
	return nil
}

// Cap transitions an infinite sequence to finite. Pop of an exhausted queue
// then returns ErrHalt.
func (s *Sequence) Cap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infinite = false
}

// chunk splits r into |step|-sized ranges preserving both endpoints and the
// direction implied by the sign of step.
func chunk(r Range, step int) ([]Range, error) {
	if step > 0 && !r.Ascending() {
		return nil, fmt.Errorf("sequence: descending range %v with ascending step %d", r, step)
	}
	if step < 0 && r.Ascending() && r.First != r.Last {
		return nil, fmt.Errorf("sequence: ascending range %v with descending step %d", r, step)
	}

	size := uint64(step)
	if step < 0 {
		size = uint64(-step)
	}

	var out []Range
	if step > 0 {
		for first := r.First; ; {
			last := first + size - 1
			if last >= r.Last || last < first { // overflow guard
				out = append(out, Range{First: first, Last: r.Last})
				break
			}
			out = append(out, Range{First: first, Last: last})
			first = last + 1
		}
	} else {
		for first := r.First; ; {
			if first < r.Last {
				break
			}
			var last uint64
			if first >= size-1 {
				last = first - (size - 1)
			}
			if last <= r.Last {
				out = append(out, Range{First: first, Last: r.Last})
				break
			}
			out = append(out, Range{First: first, Last: last})
			first = last - 1
		}
	}
	return out, nil
}
