// Package profiler - lightweight phase timing for build and replay paths.
package profiler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timer tracks named phase durations. Safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	order  []string
	phases map[string]*phase
}

type phase struct {
	total time.Duration
	min   time.Duration
	max   time.Duration
	count int64
}

// NewTimer creates an empty timer.
func NewTimer() *Timer {
	return &Timer{phases: map[string]*phase{}}
}

// Track runs fn and records its duration under name.
func (t *Timer) Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Observe(name, time.Since(start))
	return err
}

// Observe records one duration sample for name.
func (t *Timer) Observe(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.phases[name]
	if !ok {
		p = &phase{min: d, max: d}
		t.phases[name] = p
		t.order = append(t.order, name)
	}
	p.total += d
	p.count++
	if d < p.min {
		p.min = d
	}
	if d > p.max {
		p.max = d
	}
}

// Count returns how many samples name has.
func (t *Timer) Count(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.phases[name]; ok {
		return p.count
	}
	return 0
}

// Total returns the accumulated time spent in name.
func (t *Timer) Total(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.phases[name]; ok {
		return p.total
	}
	return 0
}

// Log emits one Debug line per phase, in first-observation order.
func (t *Timer) Log(logger *zap.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.order {
		p := t.phases[name]
		avg := p.total / time.Duration(p.count)
		logger.Debug("phase timing",
			zap.String("phase", name),
			zap.Int64("count", p.count),
			zap.Duration("total", p.total),
			zap.Duration("avg", avg),
			zap.Duration("min", p.min),
			zap.Duration("max", p.max))
	}
}
