// Package task provides the generic batching work queue backing the async
// fetchers, and the adaptive timer used by the catch-up loop.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner is the callback contract of a BufferedTask.
type Runner[T any] interface {
	// Init streams the initial unfinished entries from the store, paged by
	// chunkSize, handing each page to buffer. Invoked once at startup.
	Init(ctx context.Context, chunkSize int, buffer func([]T)) error

	// Run processes one batch. A nil return acknowledges the batch; an error
	// wrapped with Halt drops it; any other error (or a panic) re-queues the
	// batch with retries incremented. retries is 0 on the first attempt.
	Run(ctx context.Context, batch []T, retries int) error
}

type haltError struct{ err error }

func (h haltError) Error() string { return "halt: " + h.err.Error() }
func (h haltError) Unwrap() error { return h.err }

// Halt wraps an error so that Run's batch is dropped instead of retried.
func Halt(err error) error { return haltError{err: err} }

// IsHalt reports whether err carries a Halt marker.
func IsHalt(err error) bool {
	var h haltError
	return errors.As(err, &h)
}

// Config holds the recognized BufferedTask options.
type Config struct {
	// Name identifies the task in logs and metrics.
	Name string

	// FlushInterval is the period at which buffered entries are re-batched
	// onto the batch queue.
	FlushInterval time.Duration

	// MaxBatchSize is the largest batch handed to Run.
	MaxBatchSize int

	// MaxConcurrency bounds concurrent in-flight batches.
	MaxConcurrency int

	// InitChunkSize is the page size used by Init when scanning the store.
	InitChunkSize int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if c.InitChunkSize <= 0 {
		return fmt.Errorf("init chunk size must be positive")
	}
	return nil
}

type batch[T any] struct {
	entries []T
	retries int
}

// BufferedTask is a batching producer-consumer queue. Producers call Buffer
// at any time (never blocking); a flush ticker re-batches the buffer to
// MaxBatchSize; a dispatcher runs batches through the Runner with at most
// MaxConcurrency in flight, re-queueing failed batches indefinitely until
// the Runner halts them.
//
// Order is not preserved and the retry counter is unbounded; callers express
// give-up via Halt.
type BufferedTask[T any] struct {
	cfg    Config
	runner Runner[T]
	logger *zap.Logger

	mu      sync.Mutex
	pending []T
	backlog []batch[T]

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

// NewBufferedTask creates a BufferedTask; Start must be called to run it.
func NewBufferedTask[T any](cfg Config, runner Runner[T], logger *zap.Logger) (*BufferedTask[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid buffered task config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferedTask[T]{
		cfg:    cfg,
		runner: runner,
		logger: logger.With(zap.String("task", cfg.Name)),
		wake:   make(chan struct{}, 1),
		sem:    make(chan struct{}, cfg.MaxConcurrency),
	}, nil
}

// Start launches the init seeding, the flush ticker and the dispatcher.
// It returns immediately; the task stops when ctx is cancelled.
func (t *BufferedTask[T]) Start(ctx context.Context) {
	t.wg.Add(3)

	go func() {
		defer t.wg.Done()
		if err := t.runner.Init(ctx, t.cfg.InitChunkSize, t.Buffer); err != nil && ctx.Err() == nil {
			t.logger.Error("initial scan failed", zap.Error(err))
		}
	}()

	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.flush()
			}
		}
	}()

	go func() {
		defer t.wg.Done()
		t.dispatch(ctx)
	}()
}

// Wait blocks until every loop and in-flight batch has returned. Call after
// cancelling the context passed to Start.
func (t *BufferedTask[T]) Wait() {
	t.wg.Wait()
}

// Buffer accepts entries for a future batch. It never blocks and is always
// accepted.
func (t *BufferedTask[T]) Buffer(entries []T) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, entries...)
	t.mu.Unlock()
}

// QueueDepth returns the number of entries not yet handed to the Runner.
func (t *BufferedTask[T]) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	for _, b := range t.backlog {
		n += len(b.entries)
	}
	return n
}

// Shrink drops half the backlog and returns the number of entries shed. The
// dropped work is re-derived from the store by the next Init scan.
func (t *BufferedTask[T]) Shrink() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	shed := 0
	if n := len(t.backlog); n > 1 {
		keep := n / 2
		for _, b := range t.backlog[keep:] {
			shed += len(b.entries)
		}
		t.backlog = t.backlog[:keep]
	}
	if n := len(t.pending); n > 1 {
		keep := n / 2
		shed += n - keep
		t.pending = t.pending[:keep]
	}
	if shed > 0 {
		t.logger.Warn("shed queued entries under memory pressure", zap.Int("entries", shed))
	}
	return shed
}

// flush re-batches pending entries onto the backlog in MaxBatchSize chunks.
func (t *BufferedTask[T]) flush() {
	t.mu.Lock()
	for len(t.pending) > 0 {
		n := t.cfg.MaxBatchSize
		if n > len(t.pending) {
			n = len(t.pending)
		}
		entries := make([]T, n)
		copy(entries, t.pending[:n])
		t.pending = t.pending[n:]
		t.backlog = append(t.backlog, batch[T]{entries: entries})
	}
	t.mu.Unlock()
	t.signal()
}

func (t *BufferedTask[T]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *BufferedTask[T]) dispatch(ctx context.Context) {
	for {
		t.mu.Lock()
		var b batch[T]
		have := len(t.backlog) > 0
		if have {
			b = t.backlog[0]
			t.backlog = t.backlog[1:]
		}
		t.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case t.sem <- struct{}{}:
		}

		t.wg.Add(1)
		go func(b batch[T]) {
			defer t.wg.Done()
			defer func() { <-t.sem }()
			t.runBatch(ctx, b)
		}(b)
	}
}

func (t *BufferedTask[T]) runBatch(ctx context.Context, b batch[T]) {
	err := t.safeRun(ctx, b)
	switch {
	case err == nil:
	case IsHalt(err):
		t.logger.Error("batch halted",
			zap.Int("entries", len(b.entries)),
			zap.Int("retries", b.retries),
			zap.Error(err),
		)
	case ctx.Err() != nil:
		// Shutting down; the batch is re-derived by the next Init scan.
	default:
		t.logger.Warn("batch failed, re-queueing",
			zap.Int("entries", len(b.entries)),
			zap.Int("retries", b.retries),
			zap.Error(err),
		)
		t.mu.Lock()
		t.backlog = append(t.backlog, batch[T]{entries: b.entries, retries: b.retries + 1})
		t.mu.Unlock()
		t.signal()
	}
}

// safeRun invokes the Runner, converting a panic into a retryable error.
func (t *BufferedTask[T]) safeRun(ctx context.Context, b batch[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return t.runner.Run(ctx, b.entries, b.retries)
}
