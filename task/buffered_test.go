package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		Name:           "test",
		FlushInterval:  5 * time.Millisecond,
		MaxBatchSize:   3,
		MaxConcurrency: 2,
		InitChunkSize:  10,
	}
}

// funcRunner adapts plain functions to the Runner interface.
type funcRunner[T any] struct {
	init func(ctx context.Context, chunkSize int, buffer func([]T)) error
	run  func(ctx context.Context, batch []T, retries int) error
}

func (r funcRunner[T]) Init(ctx context.Context, chunkSize int, buffer func([]T)) error {
	if r.init == nil {
		return nil
	}
	return r.init(ctx, chunkSize, buffer)
}

func (r funcRunner[T]) Run(ctx context.Context, batch []T, retries int) error {
	return r.run(ctx, batch, retries)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MaxConcurrency = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.FlushInterval = 0
	assert.Error(t, bad.Validate())
}

func TestBufferedEntriesAreBatched(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int

	r := funcRunner[int]{
		run: func(_ context.Context, batch []int, _ int) error {
			mu.Lock()
			cp := make([]int, len(batch))
			copy(cp, batch)
			batches = append(batches, cp)
			mu.Unlock()
			return nil
		},
	}

	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	bt.Buffer([]int{1, 2, 3, 4, 5, 6, 7})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, b := range batches {
			total += len(b)
		}
		return total == 7
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 3, "batch exceeds max_batch_size")
	}
}

func TestInitSeedsTheQueue(t *testing.T) {
	var got atomic.Int64
	r := funcRunner[int]{
		init: func(_ context.Context, chunkSize int, buffer func([]int)) error {
			assert.Equal(t, 10, chunkSize)
			buffer([]int{1, 2, 3})
			buffer([]int{4, 5})
			return nil
		},
		run: func(_ context.Context, batch []int, _ int) error {
			got.Add(int64(len(batch)))
			return nil
		},
	}

	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	require.Eventually(t, func() bool { return got.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestRetryIncrementsCounter(t *testing.T) {
	var seen atomic.Int64
	done := make(chan struct{})

	r := funcRunner[int]{
		run: func(_ context.Context, batch []int, retries int) error {
			n := seen.Add(1)
			if int(n-1) != retries {
				t.Errorf("attempt %d saw retries=%d", n-1, retries)
			}
			if retries < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	}

	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	bt.Buffer([]int{1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never succeeded after retries")
	}
}

func TestHaltDropsBatch(t *testing.T) {
	var runs atomic.Int64
	r := funcRunner[int]{
		run: func(_ context.Context, _ []int, _ int) error {
			runs.Add(1)
			return Halt(errors.New("give up"))
		},
	}

	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	bt.Buffer([]int{1})

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Halted batches do not come back.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
	assert.Equal(t, 0, bt.QueueDepth())
}

func TestPanicEquivalentToRetry(t *testing.T) {
	var runs atomic.Int64
	done := make(chan struct{})

	r := funcRunner[int]{
		run: func(_ context.Context, _ []int, retries int) error {
			runs.Add(1)
			if retries == 0 {
				panic("boom")
			}
			close(done)
			return nil
		},
	}

	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	bt.Buffer([]int{1})

	select {
	case <-done:
		assert.Equal(t, int64(2), runs.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("panicked batch was not retried")
	}
}

func TestConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	r := funcRunner[int]{
		run: func(_ context.Context, _ []int, _ int) error {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}

	cfg := testConfig()
	cfg.MaxBatchSize = 1
	bt, err := NewBufferedTask(cfg, r, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bt.Start(ctx)

	bt.Buffer([]int{1, 2, 3, 4, 5, 6, 7, 8})

	require.Eventually(t, func() bool { return bt.QueueDepth() == 0 && inFlight.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(cfg.MaxConcurrency))
}

func TestShrinkHalvesBacklog(t *testing.T) {
	block := make(chan struct{})
	r := funcRunner[int]{
		run: func(_ context.Context, _ []int, _ int) error {
			<-block
			return nil
		},
	}

	cfg := testConfig()
	cfg.FlushInterval = time.Hour // flush manually
	bt, err := NewBufferedTask(cfg, r, zap.NewNop())
	require.NoError(t, err)

	bt.Buffer([]int{1, 2, 3, 4, 5, 6, 7, 8})
	depth := bt.QueueDepth()
	require.Equal(t, 8, depth)

	shed := bt.Shrink()
	assert.Equal(t, 4, shed)
	assert.Equal(t, 4, bt.QueueDepth())
	close(block)
}

func TestShrinkOnMinimalQueueShedsNothing(t *testing.T) {
	r := funcRunner[int]{run: func(_ context.Context, _ []int, _ int) error { return nil }}
	bt, err := NewBufferedTask(testConfig(), r, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 0, bt.Shrink())

	bt.Buffer([]int{1})
	assert.Equal(t, 0, bt.Shrink())
	assert.Equal(t, 1, bt.QueueDepth())
}

func TestBufferNeverBlocks(t *testing.T) {
	r := funcRunner[int]{run: func(_ context.Context, _ []int, _ int) error { return nil }}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	bt, err := NewBufferedTask(cfg, r, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bt.Buffer([]int{i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Buffer blocked")
	}
	assert.Equal(t, 10000, bt.QueueDepth())
}
