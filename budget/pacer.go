package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gridpaint"
)

// Flags describe how a frame reached the screen.
type Flags uint32

const (
	// FlagVSync means the frame was presented on a vertical retrace.
	FlagVSync Flags = 1 << iota
	// FlagHWClock means the timestamp came from the display hardware.
	FlagHWClock
	// FlagHWCompletion means completion was signaled by the hardware.
	FlagHWCompletion
	// FlagZeroCopy means the buffer was scanned out without a copy.
	FlagZeroCopy
)

// Feedback is the compositor's report for one presented frame.
type Feedback struct {
	PresentTime     time.Time
	RefreshInterval time.Duration
	Flags           Flags
}

// DefaultRefreshHz is the refresh rate assumed before any feedback.
const DefaultRefreshHz = 60

// Pacer estimates display timing from presentation feedback so rendering
// can start as late as the frame budget allows.
//
// The refresh interval estimate is an exponential moving average of the
// gaps between successive present times.
type Pacer struct {
	mu sync.Mutex

	last     *Feedback
	interval time.Duration

	feedbacks uint64
	vsync     uint64
	zeroCopy  uint64

	statsInterval time.Duration
	lastStats     time.Time
	now           func() time.Time
}

// NewPacer creates a pacer assuming refreshHz until feedback arrives.
// Zero means DefaultRefreshHz.
func NewPacer(refreshHz int) *Pacer {
	if refreshHz <= 0 {
		refreshHz = DefaultRefreshHz
	}
	p := &Pacer{
		interval:      time.Second / time.Duration(refreshHz),
		statsInterval: 60 * time.Second,
		now:           time.Now,
	}
	p.lastStats = p.now()
	return p
}

// SetClock replaces the time source.
func (p *Pacer) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.lastStats = now()
	p.mu.Unlock()
}

// RecordFeedback folds one presentation report into the estimate.
func (p *Pacer) RecordFeedback(fb Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.feedbacks++
	if fb.Flags&FlagVSync != 0 {
		p.vsync++
	}
	if fb.Flags&FlagZeroCopy != 0 {
		p.zeroCopy++
	}
	if p.last != nil {
		if gap := fb.PresentTime.Sub(p.last.PresentTime); gap > 0 {
			p.interval = time.Duration(0.9*float64(p.interval) + 0.1*float64(gap))
		}
	}
	p.last = &fb

	if now := p.now(); now.Sub(p.lastStats) > p.statsInterval {
		p.lastStats = now
		st := p.statsLocked()
		logger().Info("presentation stats",
			"feedbacks", st.Feedbacks,
			"refresh_hz", st.RefreshHz,
			"vsync_pct", st.VSyncRate*100,
			"zero_copy_pct", st.ZeroCopyRate*100)
	}
}

// PredictNextVsync returns the next expected vertical retrace.
func (p *Pacer) PredictNextVsync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextVsyncLocked(p.now())
}

func (p *Pacer) nextVsyncLocked(now time.Time) time.Time {
	if p.last == nil {
		return now.Add(p.interval)
	}
	interval := p.last.RefreshInterval
	if interval <= 0 {
		interval = p.interval
	}
	elapsed := now.Sub(p.last.PresentTime)
	if elapsed < 0 {
		return p.last.PresentTime.Add(interval)
	}
	passed := elapsed / interval
	return p.last.PresentTime.Add(interval * (passed + 1))
}

// OptimalRenderStart returns when rendering should start to finish a
// frame of the given cost just before the next retrace. If there is not
// enough time left before the retrace, it returns now.
func (p *Pacer) OptimalRenderStart(cost time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.last == nil {
		return now
	}
	next := p.nextVsyncLocked(now)
	if next.After(now.Add(cost)) {
		return next.Add(-cost)
	}
	return now
}

// ShouldRenderNow reports whether the optimal start for a frame of the
// given cost has been reached.
func (p *Pacer) ShouldRenderNow(cost time.Duration) bool {
	start := p.OptimalRenderStart(cost)
	p.mu.Lock()
	now := p.now()
	p.mu.Unlock()
	return !now.Before(start)
}

// RefreshInterval returns the estimated refresh interval.
func (p *Pacer) RefreshInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// RefreshRateHz returns the estimated refresh rate.
func (p *Pacer) RefreshRateHz() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(time.Second) / float64(p.interval)
}

// Stats returns a snapshot of presentation statistics.
func (p *Pacer) Stats() PacerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pacer) statsLocked() PacerStats {
	st := PacerStats{
		Feedbacks: p.feedbacks,
		RefreshHz: float64(time.Second) / float64(p.interval),
	}
	if p.feedbacks > 0 {
		st.VSyncRate = float64(p.vsync) / float64(p.feedbacks)
		st.ZeroCopyRate = float64(p.zeroCopy) / float64(p.feedbacks)
	}
	return st
}

// PacerStats contains presentation statistics.
type PacerStats struct {
	Feedbacks    uint64
	RefreshHz    float64
	VSyncRate    float64
	ZeroCopyRate float64
}

// String returns a human-readable string of presentation stats.
func (s PacerStats) String() string {
	if s.Feedbacks == 0 {
		return "Presentation[no feedback]"
	}
	return fmt.Sprintf("Presentation[%d feedbacks, %.1f Hz, vsync %.1f%%, zero-copy %.1f%%]",
		s.Feedbacks, s.RefreshHz, s.VSyncRate*100, s.ZeroCopyRate*100)
}

func logger() *slog.Logger { return gridpaint.LoggerFor("budget") }
