package task

import (
	"sync"
	"time"
)

// BoundedInterval produces delays in [lo, hi]. Increase doubles the current
// delay (capped at hi), Decrease resets it to lo. The block fetcher uses it
// to back off the catch-up timer while nothing is missing and snap back when
// gaps reappear.
type BoundedInterval struct {
	mu  sync.Mutex
	lo  time.Duration
	hi  time.Duration
	cur time.Duration
}

// NewBoundedInterval creates an interval starting at lo.
func NewBoundedInterval(lo, hi time.Duration) *BoundedInterval {
	if hi < lo {
		hi = lo
	}
	return &BoundedInterval{lo: lo, hi: hi, cur: lo}
}

// Current returns the current delay.
func (b *BoundedInterval) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Increase doubles the delay, capped at hi, and returns the new value.
func (b *BoundedInterval) Increase() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur *= 2
	if b.cur > b.hi {
		b.cur = b.hi
	}
	return b.cur
}

// Decrease resets the delay to lo and returns it.
func (b *BoundedInterval) Decrease() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = b.lo
	return b.cur
}
