package budget

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Default configuration values.
const (
	DefaultWindow            = 120
	DefaultRecomputeInterval = time.Second
	DefaultTarget            = 16667 * time.Microsecond
)

// Config holds configuration for creating a Tracker.
type Config struct {
	// Window is the number of recent frames kept. Defaults to DefaultWindow.
	Window int

	// RecomputeInterval bounds how often Stats sorts the window.
	// Defaults to DefaultRecomputeInterval.
	RecomputeInterval time.Duration

	// Target is the frame budget. Defaults to DefaultTarget (60 Hz).
	Target time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = DefaultRecomputeInterval
	}
	if c.Target <= 0 {
		c.Target = DefaultTarget
	}
	return c
}

// Tracker keeps a ring of recent frame durations. Record is O(1); the
// derived statistics are recomputed lazily, at most once per
// RecomputeInterval.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	ring []time.Duration
	next int
	full bool

	recorded   uint64
	overBudget uint64

	cached     Stats
	computedAt time.Time
	valid      bool

	now func() time.Time
}

// New creates a frame budget tracker.
func New(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:  cfg,
		ring: make([]time.Duration, cfg.Window),
		now:  time.Now,
	}
}

// SetClock replaces the time source that rate-limits recomputation.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.valid = false
	t.mu.Unlock()
}

// Record adds one frame duration to the window.
func (t *Tracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring[t.next] = d
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.full = true
	}
	t.recorded++
	if d > t.cfg.Target {
		t.overBudget++
	}
}

// Target returns the frame budget.
func (t *Tracker) Target() time.Duration { return t.cfg.Target }

// Stats returns the window statistics, recomputing them if the cached
// values are older than RecomputeInterval.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.valid && now.Sub(t.computedAt) < t.cfg.RecomputeInterval {
		st := t.cached
		st.Recorded = t.recorded
		st.OverBudget = t.overBudget
		return st
	}

	t.cached = summarize(t.windowLocked())
	t.computedAt = now
	t.valid = true

	st := t.cached
	st.Recorded = t.recorded
	st.OverBudget = t.overBudget
	return st
}

func (t *Tracker) windowLocked() []time.Duration {
	if t.full {
		return slices.Clone(t.ring)
	}
	return slices.Clone(t.ring[:t.next])
}

// ShouldSkipOptional reports whether optional layers should be skipped
// because the recent p95 frame time exceeds the target. Advisory only.
func (t *Tracker) ShouldSkipOptional() bool {
	st := t.Stats()
	return st.Samples > 0 && st.P95 > t.cfg.Target
}

// Reset truncates the window. Lifetime counters are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.ring)
	t.next = 0
	t.full = false
	t.valid = false
}

// summarize sorts samples in place and derives the statistics.
// Percentiles use the nearest-rank method.
func summarize(samples []time.Duration) Stats {
	n := len(samples)
	if n == 0 {
		return Stats{}
	}
	slices.Sort(samples)

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	st := Stats{
		Samples: n,
		Mean:    sum / time.Duration(n),
		Median:  rank(samples, 50),
		P95:     rank(samples, 95),
		P99:     rank(samples, 99),
		Min:     samples[0],
		Max:     samples[n-1],
	}
	st.Spread = st.Max - st.Min
	return st
}

// rank returns the p-th percentile of sorted by nearest rank.
func rank(sorted []time.Duration, p int) time.Duration {
	n := len(sorted)
	idx := (p*n + 99) / 100 // ceil(p/100 * n)
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}

// Stats contains frame duration statistics.
type Stats struct {
	// Samples is the number of frames in the window.
	Samples int

	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	P99    time.Duration
	Min    time.Duration
	Max    time.Duration
	// Spread is Max - Min.
	Spread time.Duration

	// Recorded is the number of frames recorded since creation.
	Recorded uint64
	// OverBudget is the number of recorded frames above the target.
	OverBudget uint64
}

// String returns a human-readable string of frame stats.
func (s Stats) String() string {
	return fmt.Sprintf("Budget[%d frames, mean %v, p50 %v, p95 %v, p99 %v, max %v, spread %v, %d/%d over]",
		s.Samples, s.Mean, s.Median, s.P95, s.P99, s.Max, s.Spread, s.OverBudget, s.Recorded)
}
