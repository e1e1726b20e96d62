package paint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/pool"
)

// Scheduler errors.
var (
	// ErrFrameAborted wraps every error that abandons a frame. The window
	// stays usable; the next PaintFrame starts clean.
	ErrFrameAborted = errors.New("paint: frame aborted")

	// ErrMissingResource is returned by New when a component is nil.
	ErrMissingResource = errors.New("paint: missing resource")
)

// Scheduler drives the frames of one window. Each PaintFrame applies any
// deferred atlas growth, acquires per-layer buffers and runs a bounded
// number of render passes, ending in Done or Fatal.
//
// PaintFrame calls are serialized.
type Scheduler struct {
	mu sync.Mutex

	res      Resources
	renderer Renderer
	layout   LayoutSource
	opts     options

	frame uint64
	known map[gridpaint.LayerID]struct{}

	stats Stats
}

// New creates a scheduler over the given per-window resources.
func New(res Resources, renderer Renderer, layout LayoutSource, opts ...Option) (*Scheduler, error) {
	switch {
	case res.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingResource)
	case res.Pool == nil:
		return nil, fmt.Errorf("%w: buffer pool", ErrMissingResource)
	case res.Atlas == nil:
		return nil, fmt.Errorf("%w: atlas", ErrMissingResource)
	case res.Rotation == nil:
		return nil, fmt.Errorf("%w: rotation", ErrMissingResource)
	case res.Budget == nil:
		return nil, fmt.Errorf("%w: budget", ErrMissingResource)
	case renderer == nil:
		return nil, fmt.Errorf("%w: renderer", ErrMissingResource)
	case layout == nil:
		return nil, fmt.Errorf("%w: layout", ErrMissingResource)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		res:      res,
		renderer: renderer,
		layout:   layout,
		opts:     o,
		known:    make(map[gridpaint.LayerID]struct{}),
	}, nil
}

// Stats returns a snapshot of scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Frame returns the number of the last frame started.
func (s *Scheduler) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// frame is the state of one PaintFrame call.
type frame struct {
	s      *Scheduler
	ctx    context.Context
	result FrameResult

	width   int
	height  int
	targets []*LayerTarget

	submission uint64
}

// PaintFrame renders one frame. It returns an error wrapping
// ErrFrameAborted when the frame had to be abandoned; resource exhaustion
// that can be recovered from is reported through FrameResult instead.
func (s *Scheduler) PaintFrame(ctx context.Context) (FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.opts.now()
	s.frame++
	s.stats.Frames++

	f := &frame{s: s, ctx: ctx, result: FrameResult{Frame: s.frame}}
	res, err := f.run()

	res.Quality = s.res.Atlas.Quality()
	res.Duration = s.opts.now().Sub(start)
	s.res.Budget.Record(res.Duration)
	return res, err
}

func (f *frame) run() (FrameResult, error) {
	s := f.s

	completed := s.res.Queue.PollCompleted()
	s.res.Pool.Collect(completed)
	s.res.Atlas.Collect(completed)

	f.applyPendingGrowth()
	s.res.Rotation.ReclaimDisplayed()

	w, h := s.opts.window.Size()
	scale := s.opts.window.ScaleFactor()
	f.width = int(float64(w) * scale)
	f.height = int(float64(h) * scale)
	s.res.Rotation.Resize(f.width, f.height)

	if err := f.acquire(s.layout.Layout(f.width, f.height)); err != nil {
		return f.fatal(0, err)
	}
	if len(f.targets) == 0 {
		f.step(StateDone, 0)
		f.result.Final = StateDone
		return f.result, nil
	}

	// attempt bounds the work of the frame; pass is the logical pass. A
	// buffer regrow or a synchronous growth retries the same pass, so only
	// an eviction moves on to the next one.
	pass := 0
	for attempt := 0; ; attempt++ {
		if attempt >= s.opts.maxPasses {
			logger().Warn("pass limit reached, presenting partial frame",
				"frame", f.result.Frame,
				"passes", attempt)
			f.step(StateDone, pass)
			f.result.Partial = true
			return f.done()
		}
		if err := f.ctx.Err(); err != nil {
			return f.fatal(pass, err)
		}

		f.step(StatePass, pass)
		pr, err := s.renderer.RenderPass(f.ctx, &Pass{
			Index:   pass,
			Frame:   f.result.Frame,
			Quality: s.res.Atlas.Quality(),
			Width:   f.width,
			Height:  f.height,
			Layers:  f.targets,
		})
		f.result.Passes++
		s.stats.Passes++
		f.submission = max(f.submission, pr.Submission)
		f.result.Rendered = pr.Rendered

		var oos *atlas.OutOfSpaceError
		switch {
		case err == nil && len(pr.NeedCapacity) > 0:
			if err := f.regrow(pr.NeedCapacity); err != nil {
				return f.fatal(pass, err)
			}

		case err == nil:
			f.step(StateDone, pass)
			return f.done()

		case errors.As(err, &oos):
			atMax := oos.Current >= s.res.Atlas.MaxSize()
			switch {
			case pass > 0 && atMax:
				return f.fatal(pass, fmt.Errorf("%w: frame content exceeds a %dx%d atlas: %w",
					atlas.ErrImpossibleSize, oos.Current, oos.Current, err))
			case pass > 0:
				return f.deferGrowth(pass, f.growthTarget(oos))
			case atMax:
				s.res.Atlas.Evict()
				s.stats.Evictions++
				f.invalidateAll()
				pass++
			default:
				target := f.growthTarget(oos)
				if !f.growSync(pass, target) {
					return f.deferGrowth(pass, target)
				}
			}

		default:
			return f.fatal(pass, err)
		}
	}
}

// growthTarget is the atlas side that holds the whole glyph set of the
// frame, or at least what oos asks for.
func (f *frame) growthTarget(oos *atlas.OutOfSpaceError) int {
	q := f.s.res.Atlas.Quality()
	var entries []atlas.Entry
	for _, lt := range f.targets {
		entries = append(entries, lt.Desc.Entries(q)...)
	}
	return max(oos.Required, f.s.res.Atlas.SizeFor(entries))
}

// growSync grows the atlas to target on the spot. A failed growth is
// reported as false so the frame can defer it instead.
func (f *frame) growSync(pass, target int) bool {
	s := f.s
	f.step(StateGrowingSync, pass)
	if _, err := s.res.Atlas.Grow(target); err != nil {
		log := logger().Debug
		if s.res.Atlas.Pending() == 0 {
			log = logger().Warn
		}
		log("synchronous atlas growth failed, deferring",
			"frame", f.result.Frame,
			"requested", target,
			"error", err)
		return false
	}
	s.stats.SyncGrowths++
	f.invalidateAll()
	return true
}

// applyPendingGrowth performs a growth queued by an earlier frame before
// any pass runs, so no pass observes the atlas mid-growth.
func (f *frame) applyPendingGrowth() {
	s := f.s
	if s.res.Atlas.Pending() == 0 {
		return
	}
	d, err := s.res.Atlas.ApplyPendingGrowth()
	if err != nil {
		s.stats.GrowthFailures++
		logger().Warn("deferred atlas growth failed, keeping reduced quality",
			"frame", f.result.Frame,
			"requested", s.res.Atlas.Pending(),
			"error", err)
		return
	}
	s.stats.AppliedGrowths++
	f.result.GrowthApplied = true
	f.result.GrowthLatency = d
	f.invalidateAll()
}

// acquire binds every layer to a rotation buffer and a pooled buffer.
// Layers whose buffers are all busy skip the frame.
func (f *frame) acquire(descs []LayerDesc) error {
	s := f.s
	skipOptional := s.res.Budget.ShouldSkipOptional()
	busy := false

	for i := range descs {
		d := &descs[i]
		s.known[d.Layer] = struct{}{}

		if d.Optional && skipOptional {
			f.skip(d.Layer)
			continue
		}
		id, ok := s.res.Rotation.Acquire(d.Layer)
		if !ok {
			f.skip(d.Layer)
			busy = true
			continue
		}
		lt := &LayerTarget{Desc: d, Target: id}
		f.targets = append(f.targets, lt)

		view, err := s.res.Rotation.Target(id)
		if err != nil {
			return err
		}
		lt.View = view

		buf, err := s.res.Pool.Acquire(d.Layer, d.Units())
		if err != nil {
			return err
		}
		lt.Buffer = buf
	}

	if busy {
		s.opts.window.RequestRedraw()
	}
	return nil
}

func (f *frame) skip(layer gridpaint.LayerID) {
	f.result.Skipped = append(f.result.Skipped, layer)
	f.s.stats.SkippedLayers++
}

// regrow swaps the pooled buffers of layers that need more capacity.
func (f *frame) regrow(need map[gridpaint.LayerID]int) error {
	s := f.s
	for _, lt := range f.targets {
		units, ok := need[lt.Desc.Layer]
		if !ok {
			continue
		}
		if pool.CapacityClass(units) <= lt.Buffer.Capacity() {
			units = lt.Buffer.Capacity() * 2
		}
		buf, err := s.res.Pool.Acquire(lt.Desc.Layer, units)
		if err != nil {
			return err
		}
		f.release(lt.Buffer)
		lt.Buffer = buf
		s.stats.BufferRegrows++

		logger().Debug("regrew layer buffer",
			"frame", f.result.Frame,
			"layer", lt.Desc.Layer,
			"capacity", buf.Capacity())
	}
	return nil
}

// deferGrowth ends the frame at reduced quality and leaves the growth to
// the next frame. Retrying here would fail identically.
func (f *frame) deferGrowth(pass, target int) (FrameResult, error) {
	s := f.s
	f.step(StateDeferredGrowthQueued, pass)

	s.res.Atlas.RequestGrowth(target)
	if s.res.Atlas.DegradeOneStep(f.result.Frame) {
		f.result.Degraded = true
		s.stats.Degraded++
		f.invalidateAll()
	}
	s.opts.window.RequestRedraw()
	s.stats.Deferred++

	f.step(StateDone, pass)
	f.result.Partial = true
	return f.done()
}

// done queues and presents every rendered layer and hands the pooled
// buffers back once the GPU has consumed them.
func (f *frame) done() (FrameResult, error) {
	s := f.s
	f.result.Final = StateDone
	if f.result.Partial {
		s.stats.Partial++
	}

	for _, lt := range f.targets {
		f.release(lt.Buffer)
		lt.Buffer = nil

		if err := s.res.Rotation.Queue(lt.Target, f.submission); err != nil {
			logger().Warn("queue failed", "buffer", lt.Target, "error", err)
			continue
		}
		if err := s.res.Rotation.Present(lt.Target, s.opts.presenter); err != nil {
			logger().Warn("present failed", "buffer", lt.Target, "error", err)
			continue
		}
		f.result.Presented = append(f.result.Presented, lt.Target)
	}
	return f.result, nil
}

// fatal abandons the frame and returns every resource it acquired.
func (f *frame) fatal(pass int, cause error) (FrameResult, error) {
	s := f.s
	f.step(StateFatal, pass)
	f.result.Final = StateFatal
	s.stats.Fatal++

	for _, lt := range f.targets {
		if lt.Buffer != nil {
			f.release(lt.Buffer)
			lt.Buffer = nil
		}
		if err := s.res.Rotation.Abandon(lt.Target); err != nil {
			logger().Debug("abandon failed", "buffer", lt.Target, "error", err)
		}
	}

	logger().Warn("frame aborted",
		"frame", f.result.Frame,
		"pass", pass,
		"error", cause)
	return f.result, fmt.Errorf("%w: frame %d: %w", ErrFrameAborted, f.result.Frame, cause)
}

func (f *frame) release(buf *pool.Buffer) {
	var err error
	if f.submission > 0 {
		err = f.s.res.Pool.ReleaseAfter(buf, f.submission)
	} else {
		err = f.s.res.Pool.Release(buf)
	}
	if err != nil {
		logger().Debug("release failed", "buffer", buf, "error", err)
	}
}

func (f *frame) invalidateAll() {
	inv := f.s.opts.invalidator
	if inv == nil {
		return
	}
	for layer := range f.s.known {
		inv.InvalidateLayer(layer)
	}
}

func (f *frame) step(state State, pass int) {
	f.result.Trace = append(f.result.Trace, Step{State: state, Pass: pass})
}

func logger() *slog.Logger { return gridpaint.LoggerFor("paint") }
