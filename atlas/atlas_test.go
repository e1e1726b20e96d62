package atlas

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/internal/gputest"
	"github.com/gogpu/gridpaint/internal/logtest"
)

func newTestAtlas(t *testing.T, cfg Config) (*Manager, *gputest.FaultyDevice, hal.Queue) {
	t.Helper()
	device, queue := gputest.OpenNoop(t)
	faulty := gputest.NewFaulty(device)
	m, err := New(faulty, queue, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, faulty, queue
}

func captureLogs(t *testing.T) *logtest.Recorder {
	t.Helper()
	orig := gridpaint.Logger()
	l, rec := logtest.New()
	gridpaint.SetLogger(l)
	t.Cleanup(func() { gridpaint.SetLogger(orig) })
	return rec
}

func pixels(w, h int) []byte {
	return make([]byte, w*h*4)
}

func glyph(r rune) GlyphKey {
	return GlyphKey{Rune: r, Cells: 1}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultInitialSize, cfg.InitialSize)
	assert.Equal(t, 8192, cfg.MaxSize)
	assert.Equal(t, DefaultPadding, cfg.Padding)

	cfg = Config{InitialSize: 100, MaxSize: 1000, Padding: -1}.withDefaults()
	assert.Equal(t, 128, cfg.InitialSize)
	assert.Equal(t, 512, cfg.MaxSize)
	assert.Equal(t, 0, cfg.Padding)

	cfg = Config{InitialSize: 4096, MaxSize: 1024}.withDefaults()
	assert.Equal(t, 1024, cfg.InitialSize)
}

func TestNewFailsWithoutTexture(t *testing.T) {
	device, queue := gputest.OpenNoop(t)
	faulty := gputest.NewFaulty(device)
	faulty.FailTextures.Store(true)

	_, err := New(faulty, queue, Config{})
	require.ErrorIs(t, err, ErrGrowthFailed)
	require.ErrorIs(t, err, gputest.ErrInjected)
}

func TestInsertAndLookup(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 64})

	r, err := m.Insert(glyph('a'), 7, 13, pixels(7, 13))
	require.NoError(t, err)
	assert.True(t, r.IsValid())

	got, ok := m.Lookup(glyph('a'))
	require.True(t, ok)
	assert.Equal(t, r, got)

	again, err := m.Insert(glyph('a'), 7, 13, nil)
	require.NoError(t, err, "existing entries are not uploaded again")
	assert.Equal(t, r, again)

	_, ok = m.Lookup(glyph('b'))
	assert.False(t, ok)
	assert.Equal(t, 1, m.Stats().Glyphs)
}

func TestInsertInvalidGlyph(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{})

	_, err := m.Insert(glyph('a'), 0, 13, nil)
	require.ErrorIs(t, err, ErrInvalidGlyph)

	_, err = m.Insert(glyph('a'), 4, 4, pixels(4, 3))
	require.ErrorIs(t, err, ErrInvalidGlyph)
}

func TestInsertOutOfSpace(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 32, MaxSize: 256, Padding: -1})

	_, err := m.Insert(glyph('a'), 32, 32, pixels(32, 32))
	require.NoError(t, err)

	_, err = m.Insert(glyph('b'), 8, 8, pixels(8, 8))
	require.ErrorIs(t, err, ErrAtlasFull)

	var oos *OutOfSpaceError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, 32, oos.Current)
	assert.Equal(t, 64, oos.Required)
	assert.Equal(t, glyph('b'), oos.Key)
	assert.Contains(t, err.Error(), "32x32 atlas needs 64x64")
}

func TestInsertRequiredCoversLargeEntry(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 32, MaxSize: 1024, Padding: -1})

	_, err := m.Insert(GlyphKey{Image: 1, Scale: 1}, 200, 100, pixels(200, 100))
	var oos *OutOfSpaceError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, 256, oos.Required)
}

func TestInsertImpossibleSize(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 32, MaxSize: 64})

	_, err := m.Insert(GlyphKey{Image: 7, Scale: 1}, 100, 10, pixels(100, 10))
	require.ErrorIs(t, err, ErrImpossibleSize)
	assert.NotErrorIs(t, err, ErrAtlasFull)
}

func TestRequestGrowthDedup(t *testing.T) {
	rec := captureLogs(t)
	m, _, _ := newTestAtlas(t, Config{InitialSize: 128})

	assert.True(t, m.RequestGrowth(256))
	assert.False(t, m.RequestGrowth(512), "second request while pending is a no-op")
	assert.False(t, m.RequestGrowth(1024))
	assert.Equal(t, 256, m.Pending())

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Deferred)
	assert.Equal(t, uint64(2), st.Deduped)
	assert.Equal(t, 1, rec.Count(slog.LevelWarn, "growth deferred"))
	assert.Positive(t, rec.CountAttr(gridpaint.ComponentKey, "atlas"))
	assert.Zero(t, rec.CountAttr(gridpaint.ComponentKey, "paint"))

	_, err := m.ApplyPendingGrowth()
	require.NoError(t, err)
	_, err = m.ApplyPendingGrowth()
	require.NoError(t, err)

	st = m.Stats()
	assert.Equal(t, 256, st.Size)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, uint64(1), st.Growths)
}

func TestRequestGrowthNormalizesTarget(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 128, MaxSize: 512})

	assert.False(t, m.RequestGrowth(100), "target not above current size")
	assert.False(t, m.RequestGrowth(128))
	assert.Equal(t, 0, m.Pending())

	assert.True(t, m.RequestGrowth(5000))
	assert.Equal(t, 512, m.Pending(), "clamped to max size")

	m2, _, _ := newTestAtlas(t, Config{InitialSize: 128})
	assert.True(t, m2.RequestGrowth(300))
	assert.Equal(t, 512, m2.Pending(), "rounded up to a power of two")
}

func entries(first rune, n, side int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{Key: glyph(first + rune(i)), Width: side, Height: side}
	}
	return out
}

func TestSizeFor(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 32, MaxSize: 256, Padding: -1})
	for i := range 4 {
		_, err := m.Insert(glyph(rune('a'+i)), 16, 16, pixels(16, 16))
		require.NoError(t, err)
	}

	assert.Equal(t, 32, m.SizeFor(entries('a', 4, 16)), "entries already present")
	assert.Equal(t, 64, m.SizeFor(entries(0x100, 1, 16)))

	// 32 -> 64 holds 8 more, 128 holds 60 more.
	assert.Equal(t, 128, m.SizeFor(entries(0x100, 50, 16)), "two doublings")
	assert.Equal(t, 256, m.SizeFor(entries(0x100, 61, 16)))
	assert.Equal(t, 256, m.SizeFor(entries(0x100, 1000, 16)), "clamped to max size")

	dup := append(entries(0x100, 8, 16), entries(0x100, 8, 16)...)
	assert.Equal(t, 64, m.SizeFor(dup), "duplicates counted once")
	assert.Equal(t, 4, m.Stats().Glyphs, "trial packing leaves the atlas alone")
	assert.Equal(t, 32, m.Size())
}

func TestGrowKeepsEntries(t *testing.T) {
	m, _, queue := newTestAtlas(t, Config{InitialSize: 32, Padding: -1})

	r, err := m.Insert(glyph('a'), 16, 16, pixels(16, 16))
	require.NoError(t, err)
	gen := m.Generation()

	_, err = m.Grow(64)
	require.NoError(t, err)

	assert.Equal(t, 64, m.Size())
	assert.Greater(t, m.Generation(), gen)
	got, ok := m.Lookup(glyph('a'))
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, err = m.Insert(glyph('b'), 40, 40, pixels(40, 40))
	require.NoError(t, err, "grown area is usable")

	assert.Equal(t, 1, m.Stats().Retired)
	assert.Equal(t, 1, m.Collect(queue.PollCompleted()))
	assert.Equal(t, 0, m.Stats().Retired)
}

func TestGrowNoopForSmallerTarget(t *testing.T) {
	m, faulty, _ := newTestAtlas(t, Config{InitialSize: 128})
	created := faulty.TexturesCreated.Load()

	d, err := m.Grow(64)
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Equal(t, created, faulty.TexturesCreated.Load())
}

func TestGrowthLatency(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 128})

	now := time.Unix(0, 0)
	m.SetClock(func() time.Time {
		now = now.Add(3 * time.Millisecond)
		return now
	})

	m.RequestGrowth(256)
	d, err := m.ApplyPendingGrowth()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, d)

	st := m.Stats()
	assert.Equal(t, 3*time.Millisecond, st.LastGrowth)
	assert.Equal(t, 3*time.Millisecond, st.AvgGrowth())
}

func TestApplyPendingGrowthFailureKeepsTarget(t *testing.T) {
	m, faulty, _ := newTestAtlas(t, Config{InitialSize: 128})

	m.RequestGrowth(256)
	require.True(t, m.DegradeOneStep(1))

	faulty.FailTextures.Store(true)
	_, err := m.ApplyPendingGrowth()
	require.ErrorIs(t, err, ErrGrowthFailed)
	assert.Equal(t, 256, m.Pending())
	assert.Equal(t, 128, m.Size())
	assert.Equal(t, QualityScale2, m.Quality(), "quality holds until growth succeeds")
	assert.Equal(t, uint64(1), m.Stats().FailedGrowths)

	faulty.FailTextures.Store(false)
	_, err = m.ApplyPendingGrowth()
	require.NoError(t, err)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, QualityFull, m.Quality())
}

func TestDegradeOneStepRequiresPendingGrowth(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{})
	assert.False(t, m.DegradeOneStep(1))
	assert.Equal(t, QualityFull, m.Quality())
}

func TestDegradeOneStepPerFrame(t *testing.T) {
	rec := captureLogs(t)
	m, _, _ := newTestAtlas(t, Config{InitialSize: 128})
	m.RequestGrowth(256)

	want := []Quality{QualityScale2, QualityScale4, QualityScale8, QualitySuppressed, QualitySuppressed, QualitySuppressed}
	for i, q := range want {
		frame := uint64(i + 1)
		m.DegradeOneStep(frame)
		for range 50 {
			assert.False(t, m.DegradeOneStep(frame), "repeated calls within a frame")
		}
		assert.Equal(t, q, m.Quality(), "frame %d", frame)
	}

	assert.Equal(t, 4, rec.Count(slog.LevelWarn, "degrading image quality"))
	assert.Equal(t, uint64(4), m.Stats().Degradations)

	_, err := m.ApplyPendingGrowth()
	require.NoError(t, err)
	assert.Equal(t, QualityFull, m.Quality())
}

func TestEvict(t *testing.T) {
	rec := captureLogs(t)
	m, _, _ := newTestAtlas(t, Config{InitialSize: 32, Padding: -1})

	_, err := m.Insert(glyph('a'), 32, 32, pixels(32, 32))
	require.NoError(t, err)
	gen := m.Generation()

	m.Evict()
	_, ok := m.Lookup(glyph('a'))
	assert.False(t, ok)
	assert.Greater(t, m.Generation(), gen)

	_, err = m.Insert(glyph('b'), 32, 32, pixels(32, 32))
	require.NoError(t, err, "evicted space is reusable")
	assert.Equal(t, uint64(1), m.Stats().Evictions)
	assert.Equal(t, 1, rec.Count(slog.LevelWarn, "evicted"))
}

func TestClosedAtlas(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{})
	m.Close()
	m.Close()

	_, err := m.Insert(glyph('a'), 1, 1, pixels(1, 1))
	require.ErrorIs(t, err, ErrAtlasClosed)
	_, err = m.ApplyPendingGrowth()
	require.ErrorIs(t, err, ErrAtlasClosed)
	assert.False(t, m.RequestGrowth(1024))
}

func TestStatsString(t *testing.T) {
	m, _, _ := newTestAtlas(t, Config{InitialSize: 128})
	s := m.Stats().String()
	assert.Contains(t, s, "Atlas[128x128/8192")
	assert.Contains(t, s, "quality full")
}
