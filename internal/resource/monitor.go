package internal_resource

import (
	"context"
	"sync"
	"time"

	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// Level is the derived resource pressure level. It is recomputed on every
// sampling cycle and never persisted.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// severity orders levels for comparisons.
func (l Level) severity() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Thresholds are the two watermark bands per resource. Memory is a used
// ratio (above = pressure); disk free and battery are remaining ratios
// (below = pressure).
type Thresholds struct {
	MemoryUsedWarning  float64
	MemoryUsedCritical float64

	DiskFreeWarning  float64
	DiskFreeCritical float64

	BatteryWarning  float64
	BatteryCritical float64
}

// DefaultThresholds returns the stock watermark bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryUsedWarning:  0.80,
		MemoryUsedCritical: 0.92,
		DiskFreeWarning:    0.10,
		DiskFreeCritical:   0.03,
		BatteryWarning:     0.15,
		BatteryCritical:    0.05,
	}
}

// Monitor samples memory, disk and battery on a fixed interval, derives a
// pressure Level and publishes level TRANSITIONS (never raw samples) to
// subscribers. It owns no session state; side effects belong entirely to the
// subscribers, preserving the recorder's single-writer ownership.
type Monitor struct {
	logger     commons.Logger
	sampler    Sampler
	thresholds Thresholds
	interval   time.Duration

	mu    sync.Mutex
	level Level
	subs  []chan Level
}

// NewMonitor builds a Monitor. The initial level is normal until the first
// sample says otherwise.
func NewMonitor(logger commons.Logger, sampler Sampler, thresholds Thresholds, interval time.Duration) *Monitor {
	return &Monitor{
		logger:     logger,
		sampler:    sampler,
		thresholds: thresholds,
		interval:   interval,
		level:      LevelNormal,
	}
}

// Level returns the current pressure level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Subscribe returns a channel receiving level transitions. The channel is
// buffered; a slow subscriber misses intermediate transitions rather than
// blocking the sampler.
func (m *Monitor) Subscribe() <-chan Level {
	ch := make(chan Level, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warnw("Resource sample failed", "error", err.Error())
		return
	}
	next := deriveLevel(sample, m.thresholds)

	m.mu.Lock()
	prev := m.level
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.level = next
	subs := make([]chan Level, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Infow("Resource pressure transition",
		"from", string(prev),
		"to", string(next),
		"memUsed", sample.MemoryUsedRatio,
		"diskFree", sample.DiskFreeRatio,
		"battery", sample.BatteryRatio,
	)
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			m.logger.Warnw("Pressure subscriber channel full, dropping transition", "level", string(next))
		}
	}
}

// deriveLevel maps a sample onto the worst band any resource has crossed.
func deriveLevel(s Sample, t Thresholds) Level {
	level := LevelNormal
	raise := func(l Level) {
		if l.severity() > level.severity() {
			level = l
		}
	}

	if s.MemoryUsedRatio >= t.MemoryUsedCritical {
		raise(LevelCritical)
	} else if s.MemoryUsedRatio >= t.MemoryUsedWarning {
		raise(LevelWarning)
	}

	if s.DiskFreeRatio <= t.DiskFreeCritical {
		raise(LevelCritical)
	} else if s.DiskFreeRatio <= t.DiskFreeWarning {
		raise(LevelWarning)
	}

	if s.BatteryRatio >= 0 {
		if s.BatteryRatio <= t.BatteryCritical {
			raise(LevelCritical)
		} else if s.BatteryRatio <= t.BatteryWarning {
			raise(LevelWarning)
		}
	}
	return level
}
