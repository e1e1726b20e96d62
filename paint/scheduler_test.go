package paint

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/budget"
	"github.com/gogpu/gridpaint/internal/gputest"
	"github.com/gogpu/gridpaint/internal/logtest"
	"github.com/gogpu/gridpaint/pool"
	"github.com/gogpu/gridpaint/rotation"
)

const glyphSide = 16

// stack is one window's worth of resources on the noop backend.
type stack struct {
	device *gputest.FaultyDevice
	queue  hal.Queue
	pool   *pool.Pool
	atlas  *atlas.Manager
	rot    *rotation.Manager
	budget *budget.Tracker
}

func newStack(t *testing.T, acfg atlas.Config) *stack {
	t.Helper()
	device, queue := gputest.OpenNoop(t)
	faulty := gputest.NewFaulty(device)

	if acfg.Padding == 0 {
		acfg.Padding = -1
	}
	at, err := atlas.New(faulty, queue, acfg)
	require.NoError(t, err)

	st := &stack{
		device: faulty,
		queue:  queue,
		pool:   pool.New(faulty, pool.Config{}),
		atlas:  at,
		rot:    rotation.New(faulty, rotation.Config{Width: 320, Height: 200}),
		budget: budget.New(budget.Config{}),
	}
	t.Cleanup(func() {
		st.rot.Close()
		st.pool.Close()
		st.atlas.Close()
	})
	return st
}

func (st *stack) resources() Resources {
	return Resources{
		Queue:    st.queue,
		Pool:     st.pool,
		Atlas:    st.atlas,
		Rotation: st.rot,
		Budget:   st.budget,
	}
}

// confirm is a compositor that displays every presented buffer at once.
func (st *stack) confirm() rotation.Presenter {
	return rotation.PresenterFunc(func(id rotation.BufferID, _ hal.TextureView) error {
		return st.rot.MarkDisplayed(id)
	})
}

func captureLogs(t *testing.T) *logtest.Recorder {
	t.Helper()
	orig := gridpaint.Logger()
	l, rec := logtest.New()
	gridpaint.SetLogger(l)
	t.Cleanup(func() { gridpaint.SetLogger(orig) })
	return rec
}

type staticLayout []LayerDesc

func (l staticLayout) Layout(int, int) []LayerDesc {
	out := make([]LayerDesc, len(l))
	copy(out, l)
	return out
}

func textLayer(glyphs int) LayerDesc {
	d := LayerDesc{Layer: gridpaint.LayerText}
	for i := range glyphs {
		d.Quads = append(d.Quads, Quad{
			X: float32(i * glyphSide), W: glyphSide, H: glyphSide,
			Glyph: atlas.GlyphKey{Rune: rune(0x4e00 + i), Cells: 1},
		})
	}
	return d
}

// atlasRenderer inserts every glyph of every layer as a 16x16 entry and
// submits whatever fit, like a real renderer does. With decorations set
// every quad needs a second one, which the layout does not count.
type atlasRenderer struct {
	st          *stack
	decorations bool
	passes      []Pass
}

func (r *atlasRenderer) RenderPass(_ context.Context, p *Pass) (PassResult, error) {
	r.passes = append(r.passes, *p)

	for _, lt := range p.Layers {
		units := len(lt.Desc.Quads)
		if r.decorations {
			units *= 2
		}
		if units > lt.Buffer.Capacity() {
			return PassResult{NeedCapacity: map[gridpaint.LayerID]int{lt.Desc.Layer: units}}, nil
		}
	}

	var res PassResult
	var err error
	px := make([]byte, glyphSide*glyphSide*4)
layers:
	for _, lt := range p.Layers {
		for _, q := range lt.Desc.Quads {
			if _, err = r.st.atlas.Insert(q.Glyph, glyphSide, glyphSide, px); err != nil {
				break layers
			}
			res.Rendered++
		}
	}
	idx, serr := r.st.queue.Submit(nil)
	if serr != nil {
		return res, serr
	}
	res.Submission = idx
	return res, err
}

// scriptRenderer returns whatever fn decides, submitting on success.
type scriptRenderer struct {
	st     *stack
	fn     func(p *Pass) (PassResult, error)
	passes []Pass
}

func (r *scriptRenderer) RenderPass(_ context.Context, p *Pass) (PassResult, error) {
	r.passes = append(r.passes, *p)
	res, err := r.fn(p)
	if len(res.NeedCapacity) == 0 {
		idx, _ := r.st.queue.Submit(nil)
		res.Submission = idx
		res.Rendered = max(res.Rendered, 1)
	}
	return res, err
}

type recordingInvalidator struct {
	layers []gridpaint.LayerID
}

func (r *recordingInvalidator) InvalidateLayer(l gridpaint.LayerID) {
	r.layers = append(r.layers, l)
}

type countingWindow struct {
	gpucontext.NullWindowProvider
	redraws int
}

func (w *countingWindow) RequestRedraw() { w.redraws++ }

type fixedBudget struct {
	skip     bool
	recorded []time.Duration
}

func (b *fixedBudget) Record(d time.Duration)  { b.recorded = append(b.recorded, d) }
func (b *fixedBudget) ShouldSkipOptional() bool { return b.skip }

func steps(states ...any) []Step {
	var out []Step
	for i := 0; i < len(states); i += 2 {
		out = append(out, Step{State: states[i].(State), Pass: states[i+1].(int)})
	}
	return out
}

func TestNewRequiresResources(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}

	res := st.resources()
	res.Atlas = nil
	_, err := New(res, r, staticLayout{})
	require.ErrorIs(t, err, ErrMissingResource)

	_, err = New(st.resources(), nil, staticLayout{})
	require.ErrorIs(t, err, ErrMissingResource)

	_, err = New(st.resources(), r, staticLayout{})
	require.NoError(t, err)
}

func TestFrameSucceedsFirstPass(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128})
	r := &atlasRenderer{st: st}
	s, err := New(st.resources(), r, staticLayout{textLayer(10)}, WithPresenter(st.confirm()))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.Final)
	assert.Equal(t, 1, res.Passes)
	assert.False(t, res.Partial)
	assert.Equal(t, 10, res.Rendered)
	assert.Len(t, res.Presented, 1)
	assert.Equal(t, steps(StatePass, 0, StateDone, 0), res.Trace)
	assert.Equal(t, "pass(0) -> done", res.TraceString())

	assert.Equal(t, []rotation.State{rotation.StateDisplayed, rotation.StateAvailable, rotation.StateAvailable},
		st.rot.States(gridpaint.LayerText))
	ps := st.pool.Stats()
	assert.Equal(t, 0, ps.Held)
	assert.Equal(t, 1, ps.Pending, "buffer waits for its submission")
}

func TestScenarioGrowthThenStable(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128})
	r := &atlasRenderer{st: st}
	inv := &recordingInvalidator{}
	// 128x128 holds 64 entries of 16x16; 100 glyphs need the next size.
	s, err := New(st.resources(), r, staticLayout{textLayer(100)},
		WithPresenter(st.confirm()), WithInvalidator(inv))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, steps(StatePass, 0, StateGrowingSync, 0, StatePass, 0, StateDone, 0), res.Trace)
	assert.Equal(t, atlas.QualityFull, res.Quality)
	assert.False(t, res.Partial)
	assert.Equal(t, 100, res.Rendered)
	assert.Equal(t, 256, st.atlas.Size())
	assert.Equal(t, []gridpaint.LayerID{gridpaint.LayerText}, inv.layers)

	for frame := 2; frame <= 10; frame++ {
		res, err := s.PaintFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Passes, "frame %d", frame)
		assert.Equal(t, atlas.QualityFull, res.Quality, "frame %d", frame)
		assert.False(t, res.GrowthApplied)
	}

	as := st.atlas.Stats()
	assert.Equal(t, uint64(1), as.Growths)
	assert.Zero(t, as.Deferred)
	assert.Equal(t, uint64(1), s.Stats().SyncGrowths)
}

func TestRegrowThenGrowthStaysOnPassZero(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128})
	r := &atlasRenderer{st: st, decorations: true}
	s, err := New(st.resources(), r, staticLayout{textLayer(100)}, WithPresenter(st.confirm()))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pass(0) -> pass(0) -> growing-sync -> pass(0) -> done", res.TraceString())
	assert.Equal(t, atlas.QualityFull, res.Quality)
	assert.False(t, res.Partial)
	assert.False(t, res.Degraded)
	assert.Equal(t, 100, res.Rendered)
	assert.Equal(t, 256, st.atlas.Size())
	assert.Zero(t, st.atlas.Pending())
	for _, p := range r.passes {
		assert.Equal(t, 0, p.Index)
	}

	ss := s.Stats()
	assert.Equal(t, uint64(1), ss.BufferRegrows)
	assert.Equal(t, uint64(1), ss.SyncGrowths)
	assert.Zero(t, ss.Deferred)
}

func TestSyncGrowthCoversWholeGlyphSet(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 32})
	r := &atlasRenderer{st: st}
	// 32x32 holds 4 entries, 64x64 holds 16; 50 glyphs need two doublings.
	s, err := New(st.resources(), r, staticLayout{textLayer(50)}, WithPresenter(st.confirm()))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, steps(StatePass, 0, StateGrowingSync, 0, StatePass, 0, StateDone, 0), res.Trace)
	assert.Equal(t, 128, st.atlas.Size())
	assert.Equal(t, 50, res.Rendered)
	assert.Equal(t, atlas.QualityFull, res.Quality)
	assert.False(t, res.Partial)
	assert.Equal(t, uint64(1), st.atlas.Stats().Growths)
}

func TestPassZeroKeepsGrowing(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128, MaxSize: 4096})
	// The renderer needs room the layout does not declare.
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		if size := st.atlas.Size(); size < 1024 {
			return PassResult{}, &atlas.OutOfSpaceError{Current: size, Required: size * 2}
		}
		return PassResult{}, nil
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(4)})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pass(0) -> growing-sync -> pass(0) -> growing-sync -> pass(0) -> growing-sync -> pass(0) -> done",
		res.TraceString())
	assert.Equal(t, 4, res.Passes)
	assert.False(t, res.Partial)
	assert.Equal(t, 1024, st.atlas.Size())
}

func TestGrowingIsBoundedByPassLimit(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128, MaxSize: 4096})
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		size := st.atlas.Size()
		return PassResult{}, &atlas.OutOfSpaceError{Current: size, Required: size * 2}
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(4)}, WithMaxPasses(3))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Passes)
	assert.True(t, res.Partial)
	assert.Equal(t, StateDone, res.Final)
	assert.Equal(t, 1024, st.atlas.Size())
}

func TestScenarioSustainedPressure(t *testing.T) {
	rec := captureLogs(t)
	st := newStack(t, atlas.Config{InitialSize: 128})
	st.device.FailTexturesAbove.Store(128)

	// Every pass runs out of atlas space and the atlas cannot grow.
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		return PassResult{Rendered: 40}, &atlas.OutOfSpaceError{Current: 128, Required: 256}
	}
	inv := &recordingInvalidator{}
	win := &countingWindow{}
	s, err := New(st.resources(), r, staticLayout{textLayer(20)},
		WithPresenter(st.confirm()), WithInvalidator(inv), WithWindow(win))
	require.NoError(t, err)

	want := []atlas.Quality{atlas.QualityScale2, atlas.QualityScale4, atlas.QualityScale8,
		atlas.QualitySuppressed, atlas.QualitySuppressed}
	for i, q := range want {
		rec.Reset()
		res, err := s.PaintFrame(context.Background())
		require.NoError(t, err, "frame %d", i+1)

		assert.Equal(t, StateDone, res.Final)
		assert.True(t, res.Partial)
		assert.LessOrEqual(t, res.Passes, DefaultMaxPasses)
		assert.Equal(t, steps(StatePass, 0, StateGrowingSync, 0, StateDeferredGrowthQueued, 0, StateDone, 0), res.Trace)
		assert.Equal(t, q, res.Quality, "frame %d", i+1)
		assert.Equal(t, i < 4, res.Degraded, "frame %d", i+1)
		assert.Positive(t, res.Rendered, "frame still produces output")
		assert.Len(t, res.Presented, 1)

		assert.LessOrEqual(t, rec.Count(slog.LevelWarn, "degrading image quality"), 1)
		assert.LessOrEqual(t, rec.Count(slog.LevelWarn, "synchronous atlas growth failed"), 1)
		assert.Equal(t, 256, st.atlas.Pending(), "exactly one pending growth")
	}

	as := st.atlas.Stats()
	assert.Equal(t, uint64(1), as.Deferred, "one growth episode")
	assert.Equal(t, uint64(4), as.Deduped)
	assert.Zero(t, as.Growths)
	assert.Equal(t, uint64(4), as.Degradations)
	assert.Equal(t, 5, win.redraws)
	assert.Len(t, inv.layers, 4, "invalidated once per quality step")

	ss := s.Stats()
	assert.Equal(t, uint64(5), ss.Deferred)
	assert.Zero(t, ss.SyncGrowths)
	assert.Equal(t, uint64(4), ss.GrowthFailures, "growth retried at the start of frames 2-5")
}

func TestDeferredGrowthAppliedNextFrame(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128})
	frames := 0
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		if frames == 1 {
			return PassResult{}, &atlas.OutOfSpaceError{Current: 128, Required: 512}
		}
		return PassResult{}, nil
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(4)}, WithPresenter(st.confirm()))
	require.NoError(t, err)

	frames = 1
	st.device.FailTextures.Store(true)
	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pass(0) -> growing-sync -> deferred-growth-queued -> done", res.TraceString())
	assert.True(t, res.Degraded)
	assert.Equal(t, atlas.QualityScale2, res.Quality)
	assert.Equal(t, 512, st.atlas.Pending())

	frames = 2
	st.device.FailTextures.Store(false)
	r.passes = nil
	res, err = s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.True(t, res.GrowthApplied)
	assert.Equal(t, 512, st.atlas.Size())
	assert.Equal(t, atlas.QualityFull, res.Quality)
	require.Len(t, r.passes, 1)
	assert.Equal(t, atlas.QualityFull, r.passes[0].Quality, "growth is applied before the first pass")
}

func TestTerminationUnderPermanentExhaustion(t *testing.T) {
	rec := captureLogs(t)
	st := newStack(t, atlas.Config{InitialSize: 128, MaxSize: 4096})
	st.device.FailTextures.Store(true)

	r := &scriptRenderer{st: st}
	r.fn = func(p *Pass) (PassResult, error) {
		return PassResult{}, &atlas.OutOfSpaceError{Current: 128, Required: 256}
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(8)}, WithPresenter(st.confirm()))
	require.NoError(t, err)

	for frame := 1; frame <= 200; frame++ {
		rec.Reset()
		res, err := s.PaintFrame(context.Background())
		require.NoError(t, err)
		require.True(t, res.Final.Terminal())
		require.LessOrEqual(t, res.Passes, DefaultMaxPasses)
		require.LessOrEqual(t, rec.Count(slog.LevelWarn, "degrading image quality"), 1, "frame %d", frame)
		require.LessOrEqual(t, rec.Count(slog.LevelWarn, "growth deferred"), 1, "frame %d", frame)
	}
	assert.Equal(t, atlas.QualitySuppressed, st.atlas.Quality())
	assert.Equal(t, uint64(1), st.atlas.Stats().Deferred)
}

func TestPassLimit(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		return PassResult{NeedCapacity: map[gridpaint.LayerID]int{gridpaint.LayerText: 64}}, nil
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(8)}, WithMaxPasses(4))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Passes)
	assert.True(t, res.Partial)
	assert.Equal(t, Step{State: StateDone, Pass: 0}, res.Trace[len(res.Trace)-1], "regrows retry the same pass")
	assert.Equal(t, uint64(4), s.Stats().BufferRegrows)
	assert.Equal(t, 0, st.pool.Stats().Held)
}

func TestBufferRegrowRetriesWithLargerBuffer(t *testing.T) {
	st := newStack(t, atlas.Config{})
	var capacities []int
	// The layout undercounts: the renderer finds 200 quads for 40 cells.
	r := &scriptRenderer{st: st}
	r.fn = func(p *Pass) (PassResult, error) {
		capacities = append(capacities, p.Layers[0].Buffer.Capacity())
		if p.Layers[0].Buffer.Capacity() < 200 {
			return PassResult{NeedCapacity: map[gridpaint.LayerID]int{gridpaint.LayerText: 200}}, nil
		}
		return PassResult{}, nil
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(40)})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, "pass(0) -> pass(0) -> done", res.TraceString())
	assert.Equal(t, []int{64, 256}, capacities)
	assert.Equal(t, 0, st.pool.Stats().Held)
}

func TestEvictAtMaxSizeThenFatal(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 64, MaxSize: 64})
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		return PassResult{}, &atlas.OutOfSpaceError{Current: 64, Required: 128}
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(4)})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.ErrorIs(t, err, ErrFrameAborted)
	require.ErrorIs(t, err, atlas.ErrImpossibleSize)
	assert.Equal(t, StateFatal, res.Final)
	assert.Equal(t, steps(StatePass, 0, StatePass, 1, StateFatal, 1), res.Trace)
	assert.Equal(t, uint64(1), st.atlas.Stats().Evictions)

	for _, state := range st.rot.States(gridpaint.LayerText) {
		assert.Equal(t, rotation.StateAvailable, state, "rendering buffer abandoned")
	}
	assert.Equal(t, 0, st.pool.Stats().Held)
}

func TestEvictAtMaxSizeRecovers(t *testing.T) {
	st := newStack(t, atlas.Config{InitialSize: 128, MaxSize: 128})
	r := &atlasRenderer{st: st}

	// Fill the atlas with entries of an earlier frame.
	px := make([]byte, glyphSide*glyphSide*4)
	for i := range 64 {
		_, err := st.atlas.Insert(atlas.GlyphKey{Rune: rune('a' + i)}, glyphSide, glyphSide, px)
		require.NoError(t, err)
	}

	s, err := New(st.resources(), r, staticLayout{textLayer(10)})
	require.NoError(t, err)
	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, steps(StatePass, 0, StatePass, 1, StateDone, 1), res.Trace)
	assert.Equal(t, 10, st.atlas.Stats().Glyphs)
}

func TestImpossibleSizeIsFatal(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &scriptRenderer{st: st}
	r.fn = func(*Pass) (PassResult, error) {
		return PassResult{}, atlas.ErrImpossibleSize
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(1)})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.ErrorIs(t, err, ErrFrameAborted)
	require.ErrorIs(t, err, atlas.ErrImpossibleSize)
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, uint64(1), s.Stats().Fatal)

	// The window keeps working.
	r.fn = func(*Pass) (PassResult, error) { return PassResult{}, nil }
	_, err = s.PaintFrame(context.Background())
	require.NoError(t, err)
}

func TestPoolFailureIsFatal(t *testing.T) {
	st := newStack(t, atlas.Config{})
	st.device.FailBuffers.Store(true)
	r := &atlasRenderer{st: st}
	s, err := New(st.resources(), r, staticLayout{textLayer(1), {Layer: gridpaint.LayerStatus}})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.ErrorIs(t, err, ErrFrameAborted)
	require.ErrorIs(t, err, pool.ErrAllocationFailed)
	assert.Empty(t, r.passes)
	assert.Equal(t, steps(StateFatal, 0), res.Trace)
	for _, state := range st.rot.States(gridpaint.LayerText) {
		assert.Equal(t, rotation.StateAvailable, state)
	}
}

func TestBusyLayerSkipped(t *testing.T) {
	st := newStack(t, atlas.Config{})
	st.rot = rotation.New(st.device, rotation.Config{Depth: 2, StarvationFrames: 100})
	r := &atlasRenderer{st: st}
	win := &countingWindow{}
	// No presenter confirms, so buffers pile up in Queued.
	s, err := New(st.resources(), r, staticLayout{textLayer(1)}, WithWindow(win))
	require.NoError(t, err)

	for range 2 {
		res, err := s.PaintFrame(context.Background())
		require.NoError(t, err)
		require.Empty(t, res.Skipped)
	}
	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gridpaint.LayerID{gridpaint.LayerText}, res.Skipped)
	assert.Zero(t, res.Passes)
	assert.Equal(t, 1, win.redraws)
}

func TestOptionalLayersSkippedOverBudget(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}
	b := &fixedBudget{skip: true}
	res := st.resources()
	res.Budget = b

	layout := staticLayout{
		textLayer(2),
		{Layer: gridpaint.LayerOverlay, Optional: true, Quads: []Quad{{W: 10, H: 10}}},
	}
	s, err := New(res, r, layout)
	require.NoError(t, err)

	fr, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gridpaint.LayerID{gridpaint.LayerOverlay}, fr.Skipped)
	require.Len(t, r.passes, 1)
	assert.Len(t, r.passes[0].Layers, 1)
	assert.Len(t, b.recorded, 1, "frame duration recorded")
}

func TestCanceledContextAbortsFrame(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}
	s, err := New(st.resources(), r, staticLayout{textLayer(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.PaintFrame(ctx)
	require.ErrorIs(t, err, ErrFrameAborted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSurfaceSizeFollowsWindow(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}
	win := &countingWindow{NullWindowProvider: gpucontext.NullWindowProvider{W: 400, H: 300, SF: 2}}
	s, err := New(st.resources(), r, staticLayout{textLayer(1)}, WithWindow(win))
	require.NoError(t, err)

	_, err = s.PaintFrame(context.Background())
	require.NoError(t, err)
	require.Len(t, r.passes, 1)
	assert.Equal(t, 800, r.passes[0].Width)
	assert.Equal(t, 600, r.passes[0].Height)
}

func TestFrameDurationUsesClock(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(4 * time.Millisecond)
		return now
	}
	s, err := New(st.resources(), r, staticLayout{textLayer(1)}, WithClock(clock))
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4*time.Millisecond, res.Duration)
	assert.Equal(t, 1, st.budget.Stats().Samples)
}

func TestEmptyLayout(t *testing.T) {
	st := newStack(t, atlas.Config{})
	r := &atlasRenderer{st: st}
	s, err := New(st.resources(), r, staticLayout{})
	require.NoError(t, err)

	res, err := s.PaintFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.Final)
	assert.Zero(t, res.Passes)
}

func TestRendererErrorIsFatal(t *testing.T) {
	st := newStack(t, atlas.Config{})
	boom := errors.New("device lost")
	r := &scriptRenderer{st: st, fn: func(*Pass) (PassResult, error) { return PassResult{}, boom }}
	s, err := New(st.resources(), r, staticLayout{textLayer(1)})
	require.NoError(t, err)

	_, err = s.PaintFrame(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, s.Stats().String(), "1 fatal")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "deferred-growth-queued", StateDeferredGrowthQueued.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "pass(3)", Step{State: StatePass, Pass: 3}.String())
	assert.True(t, StateFatal.Terminal())
	assert.False(t, StateGrowingSync.Terminal())
}

func TestLayerDescEntries(t *testing.T) {
	d := LayerDesc{Quads: []Quad{
		{W: 7, H: 13, Glyph: atlas.GlyphKey{Rune: 'a', Cells: 1}},
		{W: 7, H: 13, Glyph: atlas.GlyphKey{Rune: 'a', Cells: 1}},
		{W: 7, H: 13},
		{W: 64, H: 30, Glyph: atlas.GlyphKey{Image: 3}},
	}}
	assert.Equal(t, []atlas.Entry{
		{Key: atlas.GlyphKey{Rune: 'a', Cells: 1}, Width: 7, Height: 13},
		{Key: atlas.GlyphKey{Image: 3, Scale: 1}, Width: 64, Height: 30},
	}, d.Entries(atlas.QualityFull))
	assert.Equal(t, []atlas.Entry{
		{Key: atlas.GlyphKey{Rune: 'a', Cells: 1}, Width: 7, Height: 13},
		{Key: atlas.GlyphKey{Image: 3, Scale: 4}, Width: 16, Height: 7},
	}, d.Entries(atlas.QualityScale4))
	assert.Len(t, d.Entries(atlas.QualitySuppressed), 1, "suppressed images need no entry")

	assert.Equal(t, 4, d.Units())
	assert.Equal(t, 1, (&LayerDesc{}).Units())
}
