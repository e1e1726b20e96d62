package atlas

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
)

// Atlas errors.
var (
	// ErrAtlasFull is matched by every *OutOfSpaceError.
	ErrAtlasFull = errors.New("atlas: out of space")

	// ErrImpossibleSize is returned for entries that would not fit even in
	// an empty atlas of the maximum size. No amount of growth helps.
	ErrImpossibleSize = errors.New("atlas: entry exceeds maximum atlas size")

	// ErrAtlasClosed is returned when operating on a closed atlas.
	ErrAtlasClosed = errors.New("atlas: atlas is closed")

	// ErrGrowthFailed is returned when the GPU could not provide the larger
	// texture or the copy into it.
	ErrGrowthFailed = errors.New("atlas: growth failed")

	// ErrInvalidGlyph is returned for empty entries or pixel data shorter
	// than width*height*4 bytes.
	ErrInvalidGlyph = errors.New("atlas: invalid glyph data")
)

// OutOfSpaceError reports that the current atlas cannot hold an entry.
// Required is the smallest power-of-two side that would hold the entry
// on its own; it may exceed the maximum size when the atlas is already
// at its limit.
type OutOfSpaceError struct {
	Key      GlyphKey
	Current  int
	Required int
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("atlas: out of space: %dx%d atlas needs %dx%d for %v",
		e.Current, e.Current, e.Required, e.Required, e.Key)
}

// Is reports whether target is ErrAtlasFull.
func (e *OutOfSpaceError) Is(target error) bool {
	return target == ErrAtlasFull
}

// GlyphKey identifies one atlas entry. Text glyphs set Rune and Cells.
// Inline images set Image, and Scale records the quality divisor the
// image was rasterized at.
type GlyphKey struct {
	Rune  rune
	Cells uint8
	Image uint32
	Scale uint8
}

func (k GlyphKey) String() string {
	if k.Image != 0 {
		return fmt.Sprintf("image(%d/%d)", k.Image, k.Scale)
	}
	return fmt.Sprintf("glyph(%q x%d)", k.Rune, k.Cells)
}

// Entry is an atlas entry and its size in texels.
type Entry struct {
	Key           GlyphKey
	Width, Height int
}

// Default configuration values.
const (
	DefaultInitialSize = 128
	DefaultPadding     = 1
)

// Config holds configuration for creating a Manager.
type Config struct {
	// InitialSize is the starting side length. Rounded up to a power of two.
	// Defaults to DefaultInitialSize.
	InitialSize int

	// MaxSize is the largest side length growth may reach. Rounded down to
	// a power of two. Defaults to the device texture dimension limit.
	MaxSize int

	// Padding is the gap between entries in texels. Defaults to
	// DefaultPadding; negative disables padding.
	Padding int

	// Label is a debug label for the atlas textures.
	Label string
}

func (c Config) withDefaults() Config {
	if c.InitialSize <= 0 {
		c.InitialSize = DefaultInitialSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = int(gputypes.DefaultLimits().MaxTextureDimension2D)
	}
	c.InitialSize = ceilPow2(c.InitialSize)
	c.MaxSize = floorPow2(c.MaxSize)
	if c.InitialSize > c.MaxSize {
		c.InitialSize = c.MaxSize
	}
	switch {
	case c.Padding == 0:
		c.Padding = DefaultPadding
	case c.Padding < 0:
		c.Padding = 0
	}
	if c.Label == "" {
		c.Label = "gridpaint_atlas"
	}
	return c
}

func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func floorPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

// retired is a texture kept alive until the GPU finishes the copy out of it.
type retired struct {
	texture    hal.Texture
	view       hal.TextureView
	submission uint64
}

// Manager owns the glyph atlas texture of one window: the entries packed
// into it, at most one pending growth target, and the quality ladder used
// while that growth is outstanding.
//
// Growth is normally deferred: RequestGrowth records the target and the
// next frame calls ApplyPendingGrowth before rendering. Grow reallocates
// immediately for the first pass of a frame.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	cfg    Config

	texture hal.Texture
	view    hal.TextureView
	size    int

	alloc   *ShelfAllocator
	regions map[GlyphKey]Region

	generation uint64

	pending      int
	quality      Quality
	degraded     bool
	degradeFrame uint64

	retired []retired

	growths       uint64
	deferred      uint64
	deduped       uint64
	failedGrowths uint64
	evictions     uint64
	degradations  uint64
	lastGrowth    time.Duration
	totalGrowth   time.Duration

	now    func() time.Time
	closed bool
}

// New creates an atlas with an InitialSize x InitialSize RGBA texture.
func New(device hal.Device, queue hal.Queue, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		device:  device,
		queue:   queue,
		cfg:     cfg,
		alloc:   NewShelfAllocator(cfg.InitialSize, cfg.InitialSize, cfg.Padding),
		regions: make(map[GlyphKey]Region),
		now:     time.Now,
	}
	tex, view, err := m.createTexture(cfg.InitialSize)
	if err != nil {
		return nil, err
	}
	m.texture = tex
	m.view = view
	m.size = cfg.InitialSize
	m.generation = 1

	logger().Debug("created",
		"size", m.size,
		"max", cfg.MaxSize)
	return m, nil
}

// SetClock replaces the time source used for growth latency.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manager) createTexture(side int) (hal.Texture, hal.TextureView, error) {
	label := fmt.Sprintf("%s_%d", m.cfg.Label, side)
	tex, err := m.device.CreateTexture(&hal.TextureDescriptor{
		Label: label,
		Size: hal.Extent3D{
			Width:              uint32(side), //nolint:gosec // side bounded by MaxSize
			Height:             uint32(side), //nolint:gosec // side bounded by MaxSize
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage: gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create %dx%d texture: %w", ErrGrowthFailed, side, side, err)
	}
	view, err := m.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		m.device.DestroyTexture(tex)
		return nil, nil, fmt.Errorf("%w: create %dx%d view: %w", ErrGrowthFailed, side, side, err)
	}
	return tex, view, nil
}

// Insert packs a w x h RGBA entry and uploads its pixels. An entry that is
// already present is returned without another upload.
//
// A full atlas returns *OutOfSpaceError; an entry larger than MaxSize
// returns ErrImpossibleSize.
func (m *Manager) Insert(key GlyphKey, w, h int, rgba []byte) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Region{}, ErrAtlasClosed
	}
	if r, ok := m.regions[key]; ok {
		return r, nil
	}
	if w <= 0 || h <= 0 || len(rgba) < w*h*4 {
		return Region{}, fmt.Errorf("%w: %v %dx%d with %d bytes", ErrInvalidGlyph, key, w, h, len(rgba))
	}
	if !m.alloc.Fits(w, h, m.cfg.MaxSize) {
		return Region{}, fmt.Errorf("%w: %v is %dx%d, max atlas %d", ErrImpossibleSize, key, w, h, m.cfg.MaxSize)
	}

	r := m.alloc.Allocate(w, h)
	if !r.IsValid() {
		required := m.size * 2
		for !m.alloc.Fits(w, h, required) {
			required *= 2
		}
		return Region{}, &OutOfSpaceError{Key: key, Current: m.size, Required: required}
	}

	err := m.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture: m.texture,
			Origin:  hal.Origin3D{X: uint32(r.X), Y: uint32(r.Y)}, //nolint:gosec // inside atlas bounds
			Aspect:  gputypes.TextureAspectAll,
		},
		rgba[:w*h*4],
		&hal.ImageDataLayout{
			BytesPerRow:  uint32(w * 4), //nolint:gosec // w bounded by MaxSize
			RowsPerImage: uint32(h),     //nolint:gosec // h bounded by MaxSize
		},
		&hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1}, //nolint:gosec // bounded by MaxSize
	)
	if err != nil {
		return Region{}, fmt.Errorf("atlas: upload %v: %w", key, err)
	}
	m.regions[key] = r
	return r, nil
}

// Lookup returns the region of key if it is in the atlas.
func (m *Manager) Lookup(key GlyphKey) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[key]
	return r, ok
}

// SizeFor returns the smallest side length, from the current size up to
// MaxSize, at which every entry not yet in the atlas packs next to the
// current content. The packing is simulated on a copy of the allocator in
// the given order. MaxSize is returned when even that is too small.
func (m *Manager) SizeFor(entries []Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	missing := make([]Entry, 0, len(entries))
	seen := make(map[GlyphKey]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := m.regions[e.Key]; ok {
			continue
		}
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		missing = append(missing, e)
	}

	for side := m.size; side < m.cfg.MaxSize; side *= 2 {
		if packs(m.alloc, side, missing) {
			return side
		}
	}
	return m.cfg.MaxSize
}

// packs reports whether entries fit into a copy of alloc grown to side.
func packs(alloc *ShelfAllocator, side int, entries []Entry) bool {
	trial := alloc.clone()
	trial.Grow(side, side)
	for _, e := range entries {
		if !trial.Allocate(e.Width, e.Height).IsValid() {
			return false
		}
	}
	return true
}

// RequestGrowth records target as the side length to grow to at the start
// of the next frame. Only the first request of an episode is recorded;
// while a target is pending further requests are no-ops. Targets are
// rounded up to a power of two and clamped to MaxSize. Returns true if the
// request was recorded.
func (m *Manager) RequestGrowth(target int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.pending != 0 {
		m.deduped++
		return false
	}
	target = min(ceilPow2(target), m.cfg.MaxSize)
	if target <= m.size {
		return false
	}

	m.pending = target
	m.deferred++
	logger().Warn("out of space, growth deferred to next frame",
		"requested", target,
		"current", m.size,
		"max", m.cfg.MaxSize)
	return true
}

// Pending returns the pending growth target, or 0.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// ApplyPendingGrowth performs the pending growth, if any, and returns the
// time it took. On success the quality resets to QualityFull. On failure
// the target stays pending for a later frame.
func (m *Manager) ApplyPendingGrowth() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrAtlasClosed
	}
	if m.pending == 0 {
		return 0, nil
	}
	return m.reallocateLocked(m.pending)
}

// Grow reallocates the atlas to target immediately. Targets are rounded up
// to a power of two and clamped to MaxSize; a target not above the current
// size does nothing.
func (m *Manager) Grow(target int) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrAtlasClosed
	}
	target = min(ceilPow2(target), m.cfg.MaxSize)
	if target <= m.size {
		return 0, nil
	}
	return m.reallocateLocked(target)
}

// reallocateLocked moves the atlas into a target x target texture. Existing
// regions keep their coordinates, so only the old texels are copied.
func (m *Manager) reallocateLocked(target int) (time.Duration, error) {
	start := m.now()

	tex, view, err := m.createTexture(target)
	if err != nil {
		m.failedGrowths++
		return 0, err
	}

	submission, err := m.copyLocked(m.texture, tex)
	if err != nil {
		m.device.DestroyTextureView(view)
		m.device.DestroyTexture(tex)
		m.failedGrowths++
		return 0, err
	}

	m.retired = append(m.retired, retired{texture: m.texture, view: m.view, submission: submission})
	old := m.size
	m.texture = tex
	m.view = view
	m.size = target
	m.alloc.Grow(target, target)
	m.generation++

	if m.pending != 0 && m.pending <= target {
		m.pending = 0
		m.quality = QualityFull
		m.degraded = false
	}

	elapsed := m.now().Sub(start)
	m.growths++
	m.lastGrowth = elapsed
	m.totalGrowth += elapsed

	logger().Info("grown",
		"from", old,
		"to", target,
		"glyphs", len(m.regions),
		"elapsed", elapsed)
	return elapsed, nil
}

func (m *Manager) copyLocked(src, dst hal.Texture) (uint64, error) {
	encoder, err := m.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: m.cfg.Label + "_grow"})
	if err != nil {
		return 0, fmt.Errorf("%w: create encoder: %w", ErrGrowthFailed, err)
	}
	if err := encoder.BeginEncoding(m.cfg.Label + "_grow"); err != nil {
		return 0, fmt.Errorf("%w: begin encoding: %w", ErrGrowthFailed, err)
	}

	side := uint32(m.size) //nolint:gosec // size bounded by MaxSize
	encoder.CopyTextureToTexture(src, dst, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{Texture: src, Aspect: gputypes.TextureAspectAll},
		DstBase: hal.ImageCopyTexture{Texture: dst, Aspect: gputypes.TextureAspectAll},
		Size:    hal.Extent3D{Width: side, Height: side, DepthOrArrayLayers: 1},
	}})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("%w: end encoding: %w", ErrGrowthFailed, err)
	}
	defer m.device.FreeCommandBuffer(cmdBuf)

	submission, err := m.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return 0, fmt.Errorf("%w: submit copy: %w", ErrGrowthFailed, err)
	}
	return submission, nil
}

// Collect destroys textures replaced by growth whose copy has completed.
func (m *Manager) Collect(completed uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	kept := m.retired[:0]
	for _, r := range m.retired {
		if r.submission <= completed {
			m.device.DestroyTextureView(r.view)
			m.device.DestroyTexture(r.texture)
			n++
			continue
		}
		kept = append(kept, r)
	}
	clear(m.retired[len(kept):])
	m.retired = kept
	return n
}

// Quality returns the current quality level.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// DegradeOneStep lowers the quality by one level for frame. It does
// nothing unless a growth is pending, when the level already moved during
// this frame, or at QualitySuppressed. Returns true if the level changed.
func (m *Manager) DegradeOneStep(frame uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == 0 || m.quality.Suppressed() {
		return false
	}
	if m.degraded && m.degradeFrame == frame {
		return false
	}

	m.quality = m.quality.Next()
	m.degraded = true
	m.degradeFrame = frame
	m.degradations++

	logger().Warn("degrading image quality until growth completes",
		"quality", m.quality,
		"frame", frame,
		"requested", m.pending,
		"current", m.size)
	return true
}

// Evict drops every entry so the atlas can be refilled with only what the
// current frame needs. Used when the atlas is full at MaxSize.
func (m *Manager) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.regions)
	clear(m.regions)
	m.alloc.Reset()
	m.generation++
	m.evictions++

	logger().Warn("full at maximum size, evicted all entries",
		"size", m.size,
		"evicted", n)
}

// Size returns the current side length.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// MaxSize returns the largest side length the atlas may grow to.
func (m *Manager) MaxSize() int { return m.cfg.MaxSize }

// Generation changes whenever the texture is replaced or entries are
// evicted. Holders of regions or bind groups must refresh them when it
// differs from the value they saw.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Texture returns the current atlas texture.
func (m *Manager) Texture() hal.Texture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texture
}

// View returns the view of the current atlas texture.
func (m *Manager) View() hal.TextureView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Close destroys the atlas texture and every retired texture.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, r := range m.retired {
		m.device.DestroyTextureView(r.view)
		m.device.DestroyTexture(r.texture)
	}
	m.retired = nil
	m.device.DestroyTextureView(m.view)
	m.device.DestroyTexture(m.texture)
	m.view = nil
	m.texture = nil
	clear(m.regions)
}

// Stats returns a snapshot of atlas statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Size:          m.size,
		MaxSize:       m.cfg.MaxSize,
		Glyphs:        len(m.regions),
		Utilization:   m.alloc.Utilization(),
		Generation:    m.generation,
		Growths:       m.growths,
		Deferred:      m.deferred,
		Deduped:       m.deduped,
		FailedGrowths: m.failedGrowths,
		Evictions:     m.evictions,
		Degradations:  m.degradations,
		LastGrowth:    m.lastGrowth,
		TotalGrowth:   m.totalGrowth,
		Quality:       m.quality,
		Pending:       m.pending,
		Retired:       len(m.retired),
	}
}

// Stats contains atlas statistics.
type Stats struct {
	Size        int
	MaxSize     int
	Glyphs      int
	Utilization float64
	Generation  uint64

	// Growths counts completed reallocations, synchronous or deferred.
	Growths uint64
	// Deferred counts growth episodes: requests that set a pending target.
	Deferred uint64
	// Deduped counts requests ignored because a target was pending.
	Deduped       uint64
	FailedGrowths uint64
	Evictions     uint64
	Degradations  uint64

	LastGrowth  time.Duration
	TotalGrowth time.Duration

	Quality Quality
	Pending int
	Retired int
}

// AvgGrowth returns the mean growth latency.
func (s Stats) AvgGrowth() time.Duration {
	if s.Growths == 0 {
		return 0
	}
	return s.TotalGrowth / time.Duration(s.Growths) //nolint:gosec // count fits
}

// String returns a human-readable string of atlas stats.
func (s Stats) String() string {
	return fmt.Sprintf("Atlas[%dx%d/%d, %d glyphs (%.1f%%), %d growths (avg %v), %d deferred, %d deduped, %d evictions, quality %s]",
		s.Size, s.Size, s.MaxSize, s.Glyphs, s.Utilization*100, s.Growths, s.AvgGrowth(),
		s.Deferred, s.Deduped, s.Evictions, s.Quality)
}

func logger() *slog.Logger { return gridpaint.LoggerFor("atlas") }
