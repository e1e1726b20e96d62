package paint

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/pool"
	"github.com/gogpu/gridpaint/rotation"
)

// Quad is one textured rectangle in pixels. A zero Glyph draws a solid
// rectangle in Color. Image quads set Glyph.Image and carry the source
// pixels; they are scaled or dropped by the current atlas quality.
type Quad struct {
	X, Y, W, H float32
	Glyph      atlas.GlyphKey
	Color      [4]float32
	Image      image.Image

	// Underline adds a decoration the renderer draws as a second quad.
	// Layouts do not count it, so the renderer may report NeedCapacity.
	Underline bool
}

// Entry returns the atlas entry the quad samples at quality q. A glyph
// entry is W x H texels; an image entry is its bounds reduced by the
// quality scale. ok is false for solid quads and for suppressed images.
func (q *Quad) Entry(quality atlas.Quality) (e atlas.Entry, ok bool) {
	if q.Glyph == (atlas.GlyphKey{}) {
		return e, false
	}
	w := int(math.Ceil(float64(q.W)))
	h := int(math.Ceil(float64(q.H)))
	e.Key = q.Glyph
	if e.Key.Image != 0 {
		if quality.Suppressed() {
			return e, false
		}
		scale := quality.Scale()
		e.Key.Scale = uint8(scale) //nolint:gosec // scale is at most 8
		w, h = max(w/scale, 1), max(h/scale, 1)
	}
	e.Width, e.Height = w, h
	return e, true
}

// LayerDesc declares what one layer draws this frame.
type LayerDesc struct {
	Layer gridpaint.LayerID
	Quads []Quad

	// Optional layers are decorative and are skipped while frames run
	// over budget.
	Optional bool
}

// Units returns the number of drawable units, never less than one.
func (d *LayerDesc) Units() int {
	return max(len(d.Quads), 1)
}

// Entries returns the distinct atlas entries the layer samples at quality
// q, in drawing order.
func (d *LayerDesc) Entries(q atlas.Quality) []atlas.Entry {
	seen := make(map[atlas.GlyphKey]struct{}, len(d.Quads))
	var out []atlas.Entry
	for i := range d.Quads {
		e, ok := d.Quads[i].Entry(q)
		if !ok {
			continue
		}
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// LayoutSource produces the per-layer content of a frame for a surface of
// width x height pixels.
type LayoutSource interface {
	Layout(width, height int) []LayerDesc
}

// Invalidator is told when a layer's cached representation is out of date
// because quality changed or the atlas was rebuilt.
type Invalidator interface {
	InvalidateLayer(layer gridpaint.LayerID)
}

// LayerTarget binds a layer to the resources it renders with this frame.
type LayerTarget struct {
	Desc   *LayerDesc
	Buffer *pool.Buffer
	Target rotation.BufferID
	View   hal.TextureView
}

// Pass is one rendering attempt handed to the Renderer.
type Pass struct {
	Index   int
	Frame   uint64
	Quality atlas.Quality
	Width   int
	Height  int
	Layers  []*LayerTarget
}

// PassResult reports what a render pass did.
type PassResult struct {
	// NeedCapacity maps layers to the unit count they need when their
	// pooled buffer turned out too small. Nothing is submitted when it is
	// non-empty.
	NeedCapacity map[gridpaint.LayerID]int

	// Submission is the queue submission index of the work recorded, or 0.
	Submission uint64

	// Rendered is the number of quads drawn.
	Rendered int
}

// Renderer records and submits one pass over all layers.
//
// When the atlas runs out of space the renderer submits what fit and
// returns the partial result together with the *atlas.OutOfSpaceError.
type Renderer interface {
	RenderPass(ctx context.Context, pass *Pass) (PassResult, error)
}

// Resources are the per-window components a Scheduler drives. They must
// not be shared with another window.
type Resources struct {
	Queue    hal.Queue
	Pool     *pool.Pool
	Atlas    *atlas.Manager
	Rotation *rotation.Manager
	Budget   BudgetTracker
}

// BudgetTracker is the part of budget.Tracker the scheduler uses.
type BudgetTracker interface {
	Record(d time.Duration)
	ShouldSkipOptional() bool
}

// FrameResult describes how a frame ended.
type FrameResult struct {
	Frame uint64

	// Final is StateDone or StateFatal.
	Final State
	// Passes is the number of render passes run.
	Passes int
	// Partial is set when the frame finished with less than its full
	// content: growth was deferred or the pass limit was reached.
	Partial bool
	// Degraded is set when image quality was lowered this frame.
	Degraded bool
	Quality  atlas.Quality

	// GrowthApplied is set when a deferred growth was applied at the start
	// of the frame; GrowthLatency is what it cost.
	GrowthApplied bool
	GrowthLatency time.Duration

	Skipped   []gridpaint.LayerID
	Presented []rotation.BufferID
	Rendered  int

	Trace    []Step
	Duration time.Duration
}

// TraceString returns the trace as "pass(0) -> growing-sync -> ...".
func (r FrameResult) TraceString() string {
	parts := make([]string, len(r.Trace))
	for i, s := range r.Trace {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}

// Stats contains scheduler statistics.
type Stats struct {
	Frames  uint64
	Passes  uint64
	Partial uint64
	// Deferred counts frames that ended by queueing a growth.
	Deferred       uint64
	SyncGrowths    uint64
	AppliedGrowths uint64
	GrowthFailures uint64
	Evictions      uint64
	BufferRegrows  uint64
	Degraded       uint64
	Fatal          uint64
	SkippedLayers  uint64
}

// String returns a human-readable string of scheduler stats.
func (s Stats) String() string {
	return fmt.Sprintf("Scheduler[%d frames, %d passes, %d partial, %d deferred, %d sync growths, %d applied, %d degraded, %d fatal, %d skipped layers]",
		s.Frames, s.Passes, s.Partial, s.Deferred, s.SyncGrowths, s.AppliedGrowths, s.Degraded, s.Fatal, s.SkippedLayers)
}
