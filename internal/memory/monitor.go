// Package memory watches the process RSS and sheds queued fetch work when a
// soft limit is crossed.
package memory

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Shrinkable is a queue that can shed half its backlog under memory
// pressure. The dropped work is re-derived from the store later.
type Shrinkable interface {
	QueueDepth() int
	Shrink() int
}

// Config bounds the monitor.
type Config struct {
	// Limit is the soft RSS limit in bytes. Crossing it triggers a shrink
	// pass over every registered queue.
	Limit uint64

	// SampleInterval is how often RSS is sampled.
	SampleInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Limit == 0 {
		out.Limit = 1 << 30
	}
	if out.SampleInterval <= 0 {
		out.SampleInterval = time.Minute
	}
	return out
}

// Monitor samples process RSS and halves the registered queues when the soft
// limit is exceeded.
type Monitor struct {
	cfg    Config
	queues map[string]Shrinkable
	proc   *process.Process
	logger *zap.Logger

	rssGauge  prometheus.Gauge
	shedTotal prometheus.Counter
}

// NewMonitor builds a Monitor over the current process. reg may be nil.
func NewMonitor(cfg Config, reg prometheus.Registerer, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	factory := promauto.With(reg)
	return &Monitor{
		cfg:    cfg.withDefaults(),
		queues: make(map[string]Shrinkable),
		proc:   proc,
		logger: logger.Named("memory_monitor"),
		rssGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Subsystem: "memory",
			Name:      "rss_bytes",
			Help:      "Resident set size of the indexer process.",
		}),
		shedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "memory",
			Name:      "shed_entries_total",
			Help:      "Queue entries shed under memory pressure.",
		}),
	}, nil
}

// Register adds a queue under a name used in logs.
func (m *Monitor) Register(name string, queue Shrinkable) {
	m.queues[name] = queue
}

// Run samples until ctx is canceled. Call in a goroutine after every
// Register.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.Warn("failed to read process memory", zap.Error(err))
		return
	}
	m.rssGauge.Set(float64(info.RSS))

	if info.RSS <= m.cfg.Limit {
		return
	}

	shed := m.shed()
	if shed == 0 {
		m.logger.Error("memory limit exceeded with nothing left to shed",
			zap.Uint64("rss_bytes", info.RSS),
			zap.Uint64("limit_bytes", m.cfg.Limit),
		)
		return
	}

	m.shedTotal.Add(float64(shed))
	m.logger.Warn("memory limit exceeded, shed queued work",
		zap.Uint64("rss_bytes", info.RSS),
		zap.Uint64("limit_bytes", m.cfg.Limit),
		zap.Int("entries", shed),
	)
}

// shed halves the registered queues, deepest first, and returns the total
// entries dropped.
func (m *Monitor) shed() int {
	type entry struct {
		name  string
		queue Shrinkable
		depth int
	}
	ordered := make([]entry, 0, len(m.queues))
	for name, queue := range m.queues {
		ordered = append(ordered, entry{name, queue, queue.QueueDepth()})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].depth > ordered[j].depth })

	total := 0
	for _, e := range ordered {
		dropped := e.queue.Shrink()
		total += dropped
		if dropped > 0 {
			m.logger.Info("shrank queue",
				zap.String("queue", e.name),
				zap.Int("depth_before", e.depth),
				zap.Int("dropped", dropped),
			)
		}
	}
	return total
}
