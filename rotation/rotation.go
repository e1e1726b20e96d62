package rotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
)

// Rotation errors.
var (
	// ErrStaleBuffer is returned for a BufferID whose buffer was handed
	// out again or forcibly reclaimed since.
	ErrStaleBuffer = errors.New("rotation: stale buffer id")

	// ErrUnknownBuffer is returned for a BufferID that names no slot.
	ErrUnknownBuffer = errors.New("rotation: unknown buffer")

	// ErrInvalidTransition is returned when a buffer is not in the state
	// the operation requires.
	ErrInvalidTransition = errors.New("rotation: invalid state transition")

	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("rotation: manager is closed")
)

// Default configuration values.
const (
	DefaultDepth            = 3
	MinDepth                = 2
	DefaultStarvationFrames = 3
	DefaultRecoveryFrames   = 120
	DefaultStatsInterval    = 60 * time.Second
)

// Config holds configuration for creating a Manager.
type Config struct {
	// Depth is the number of buffers per layer. Defaults to DefaultDepth;
	// values below MinDepth are raised to it.
	Depth int

	// StarvationFrames is how many consecutive failed acquires of a layer
	// trigger the starvation fallback. Defaults to DefaultStarvationFrames.
	StarvationFrames int

	// RecoveryFrames is how many consecutive successful acquires restore
	// one step of reduced depth. Defaults to DefaultRecoveryFrames.
	RecoveryFrames int

	// Width and Height size the render targets. Zero leaves targets
	// unallocated until Resize.
	Width  int
	Height int

	// Format is the render target format. Defaults to BGRA8Unorm.
	Format gputypes.TextureFormat

	// StatsInterval is the period of the statistics log. Defaults to
	// DefaultStatsInterval.
	StatsInterval time.Duration

	// Label is a debug label prefix for render targets.
	Label string
}

func (c Config) withDefaults() Config {
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
	if c.Depth < MinDepth {
		c.Depth = MinDepth
	}
	if c.StarvationFrames <= 0 {
		c.StarvationFrames = DefaultStarvationFrames
	}
	if c.RecoveryFrames <= 0 {
		c.RecoveryFrames = DefaultRecoveryFrames
	}
	if c.Format == gputypes.TextureFormatUndefined {
		c.Format = gputypes.TextureFormatBGRA8Unorm
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.Label == "" {
		c.Label = "gridpaint_target"
	}
	return c
}

// Manager rotates Depth render targets per layer through the states
// Available, Rendering, Queued and Displayed so that rendering never waits
// for the compositor to hand a buffer back.
//
// At most one buffer per layer is Rendering. When no buffer of a layer is
// Available, Acquire reports false and the layer skips the frame. After
// StarvationFrames such frames the oldest buffer not being rendered is
// forcibly reclaimed and the layer runs with one buffer less until it has
// acquired successfully for RecoveryFrames frames.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	device hal.Device
	cfg    Config

	layers map[gridpaint.LayerID]*ring

	acquires        uint64
	failedAcquires  uint64
	presents        uint64
	reclaimed       uint64
	forced          uint64
	starvations     uint64
	depthReductions uint64
	depthRestores   uint64

	now       func() time.Time
	lastStats time.Time
	closed    bool
}

// New creates a rotation manager. Render targets are created lazily, the
// first time a buffer is rendered into.
func New(device hal.Device, cfg Config) *Manager {
	m := &Manager{
		device: device,
		cfg:    cfg.withDefaults(),
		layers: make(map[gridpaint.LayerID]*ring),
		now:    time.Now,
	}
	m.lastStats = m.now()
	return m
}

// SetClock replaces the time source used for time-in-state and the
// statistics log.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.lastStats = now()
	m.mu.Unlock()
}

func (m *Manager) ringLocked(layer gridpaint.LayerID) *ring {
	r, ok := m.layers[layer]
	if !ok {
		r = &ring{slots: make([]*slot, m.cfg.Depth), active: m.cfg.Depth}
		t := m.now()
		for i := range r.slots {
			r.slots[i] = &slot{since: t}
		}
		m.layers[layer] = r
	}
	return r
}

// Acquire hands out an Available buffer of layer and marks it Rendering.
// It returns false when the layer already has a buffer in Rendering or no
// buffer is Available; the caller skips the layer for this frame.
func (m *Manager) Acquire(layer gridpaint.LayerID) (BufferID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return BufferID{}, false
	}
	m.maybeLogStatsLocked()

	r := m.ringLocked(layer)
	if r.rendering() {
		return BufferID{}, false
	}

	idx := r.oldest(r.active, func(s State) bool { return s == StateAvailable })
	if idx < 0 {
		r.failures++
		r.successes = 0
		m.failedAcquires++
		if r.failures < m.cfg.StarvationFrames {
			return BufferID{}, false
		}
		idx = m.starveLocked(layer, r)
		if idx < 0 {
			return BufferID{}, false
		}
	} else {
		m.recoverLocked(layer, r)
	}

	r.failures = 0
	return m.handOutLocked(layer, r, idx), true
}

// starveLocked applies the starvation fallback and returns the slot freed
// for the caller, or -1.
func (m *Manager) starveLocked(layer gridpaint.LayerID, r *ring) int {
	if !r.starving {
		r.starving = true
		m.starvations++
		if r.active > 1 {
			r.active--
			m.depthReductions++
		}
		logger().Warn("buffer starvation, reducing rotation depth",
			"layer", layer,
			"frames", r.failures,
			"depth", r.active,
			"configured", m.cfg.Depth)
	}

	idx := r.oldest(r.active, func(s State) bool { return s != StateRendering })
	if idx < 0 {
		return -1
	}
	s := r.slots[idx]
	logger().Debug("forcibly reclaimed buffer",
		"layer", layer,
		"slot", idx,
		"state", s.state,
		"held", m.now().Sub(s.since))
	s.gen++
	m.setStateLocked(s, StateAvailable)
	m.forced++
	return idx
}

func (m *Manager) recoverLocked(layer gridpaint.LayerID, r *ring) {
	r.starving = false
	if r.active >= len(r.slots) {
		r.successes = 0
		return
	}
	r.successes++
	if r.successes < m.cfg.RecoveryFrames {
		return
	}
	r.successes = 0
	r.active++
	m.depthRestores++
	logger().Info("restored rotation depth",
		"layer", layer,
		"depth", r.active)
}

func (m *Manager) handOutLocked(layer gridpaint.LayerID, r *ring, idx int) BufferID {
	s := r.slots[idx]
	s.gen++
	s.uses++
	s.submission = 0
	s.presented = false
	s.displayed = 0
	m.setStateLocked(s, StateRendering)
	m.acquires++
	return BufferID{Layer: layer, Slot: idx, Gen: s.gen}
}

func (m *Manager) setStateLocked(s *slot, state State) {
	s.state = state
	s.since = m.now()
}

func (m *Manager) slotLocked(id BufferID) (*ring, *slot, error) {
	if m.closed {
		return nil, nil, ErrClosed
	}
	r, ok := m.layers[id.Layer]
	if !ok || id.Slot < 0 || id.Slot >= len(r.slots) {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownBuffer, id)
	}
	s := r.slots[id.Slot]
	if s.gen != id.Gen {
		return nil, nil, fmt.Errorf("%w: %v, current generation %d", ErrStaleBuffer, id, s.gen)
	}
	return r, s, nil
}

func (m *Manager) expectLocked(id BufferID, want State) (*ring, *slot, error) {
	r, s, err := m.slotLocked(id)
	if err != nil {
		return nil, nil, err
	}
	if s.state != want {
		return nil, nil, fmt.Errorf("%w: %v is %s, want %s", ErrInvalidTransition, id, s.state, want)
	}
	return r, s, nil
}

// Target returns the render target view of a Rendering buffer, creating
// or resizing its texture as needed.
func (m *Manager) Target(id BufferID) (hal.TextureView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, s, err := m.expectLocked(id, StateRendering)
	if err != nil {
		return nil, err
	}
	if m.cfg.Width <= 0 || m.cfg.Height <= 0 {
		return nil, nil
	}
	if s.texture != nil && s.texW == m.cfg.Width && s.texH == m.cfg.Height {
		return s.view, nil
	}
	m.destroyTargetLocked(s)

	label := fmt.Sprintf("%s_%s_%d", m.cfg.Label, id.Layer, id.Slot)
	tex, err := m.device.CreateTexture(&hal.TextureDescriptor{
		Label: label,
		Size: hal.Extent3D{
			Width:              uint32(m.cfg.Width),  //nolint:gosec // window size fits uint32
			Height:             uint32(m.cfg.Height), //nolint:gosec // window size fits uint32
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        m.cfg.Format,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("rotation: create target %v: %w", id, err)
	}
	view, err := m.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        m.cfg.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		m.device.DestroyTexture(tex)
		return nil, fmt.Errorf("rotation: create target view %v: %w", id, err)
	}
	s.texture = tex
	s.view = view
	s.texW = m.cfg.Width
	s.texH = m.cfg.Height
	return view, nil
}

func (m *Manager) destroyTargetLocked(s *slot) {
	if s.view != nil {
		m.device.DestroyTextureView(s.view)
		s.view = nil
	}
	if s.texture != nil {
		m.device.DestroyTexture(s.texture)
		s.texture = nil
	}
	s.texW, s.texH = 0, 0
}

// Queue moves a Rendering buffer to Queued once its GPU work is submitted.
func (m *Manager) Queue(id BufferID, submission uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, s, err := m.expectLocked(id, StateRendering)
	if err != nil {
		return err
	}
	s.submission = submission
	m.setStateLocked(s, StateQueued)
	return nil
}

// Present hands a Queued buffer to p. Buffers in any other state are
// rejected, and each buffer is presented at most once per hand-out.
func (m *Manager) Present(id BufferID, p Presenter) error {
	m.mu.Lock()
	_, s, err := m.expectLocked(id, StateQueued)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.presented {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v already presented", ErrInvalidTransition, id)
	}
	s.presented = true
	view := s.view
	m.presents++
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.Present(id, view); err != nil {
		return fmt.Errorf("rotation: present %v: %w", id, err)
	}
	return nil
}

// MarkDisplayed records the compositor's confirmation that a Queued buffer
// is on screen. Confirmations for reclaimed buffers return ErrStaleBuffer.
func (m *Manager) MarkDisplayed(id BufferID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, s, err := m.expectLocked(id, StateQueued)
	if err != nil {
		return err
	}
	r.displaySeq++
	s.displayed = r.displaySeq
	m.setStateLocked(s, StateDisplayed)
	return nil
}

// ReclaimDisplayed makes every Displayed buffer that is not the most
// recently displayed one of its layer Available again and returns how
// many were reclaimed.
func (m *Manager) ReclaimDisplayed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.layers {
		var latest uint64
		for _, s := range r.slots {
			if s.state == StateDisplayed && s.displayed > latest {
				latest = s.displayed
			}
		}
		for _, s := range r.slots {
			if s.state == StateDisplayed && s.displayed < latest {
				m.setStateLocked(s, StateAvailable)
				n++
			}
		}
	}
	m.reclaimed += uint64(n) //nolint:gosec // n is non-negative
	return n
}

// Abandon returns a Rendering buffer to Available without presenting it,
// for frames that were aborted.
func (m *Manager) Abandon(id BufferID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, s, err := m.expectLocked(id, StateRendering)
	if err != nil {
		return err
	}
	m.setStateLocked(s, StateAvailable)
	return nil
}

// Resize changes the render target size. Targets are recreated the next
// time their buffer is rendered into.
func (m *Manager) Resize(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if width == m.cfg.Width && height == m.cfg.Height {
		return
	}
	m.cfg.Width = width
	m.cfg.Height = height
	for _, r := range m.layers {
		for _, s := range r.slots {
			if s.state == StateAvailable {
				m.destroyTargetLocked(s)
			}
		}
	}
	logger().Debug("resized targets", "width", width, "height", height)
}

// States returns the state of every buffer of layer, in slot order.
func (m *Manager) States(layer gridpaint.LayerID) []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.layers[layer]
	if !ok {
		return nil
	}
	out := make([]State, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.state
	}
	return out
}

// ActiveDepth returns how many buffers of layer may currently be handed
// out. It is below the configured depth while the layer recovers from
// starvation.
func (m *Manager) ActiveDepth(layer gridpaint.LayerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.layers[layer]; ok {
		return r.active
	}
	return m.cfg.Depth
}

// Close destroys every render target.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, r := range m.layers {
		for _, s := range r.slots {
			m.destroyTargetLocked(s)
		}
	}
}

func (m *Manager) maybeLogStatsLocked() {
	now := m.now()
	if now.Sub(m.lastStats) < m.cfg.StatsInterval {
		return
	}
	m.lastStats = now
	st := m.statsLocked()
	logger().Info("stats",
		"layers", st.Layers,
		"acquires", st.Acquires,
		"failed", st.FailedAcquires,
		"presents", st.Presents,
		"reclaimed", st.Reclaimed,
		"forced", st.ForcedReclaims,
		"starvations", st.Starvations)
}

// Stats returns a snapshot of rotation statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	st := Stats{
		Layers:          len(m.layers),
		Depth:           m.cfg.Depth,
		Acquires:        m.acquires,
		FailedAcquires:  m.failedAcquires,
		Presents:        m.presents,
		Reclaimed:       m.reclaimed,
		ForcedReclaims:  m.forced,
		Starvations:     m.starvations,
		DepthReductions: m.depthReductions,
		DepthRestores:   m.depthRestores,
	}
	for _, r := range m.layers {
		for _, s := range r.slots {
			st.InState[s.state]++
		}
	}
	return st
}

// Stats contains rotation statistics.
type Stats struct {
	Layers int
	Depth  int

	Acquires       uint64
	FailedAcquires uint64
	Presents       uint64
	// Reclaimed counts Displayed buffers returned by ReclaimDisplayed.
	Reclaimed uint64
	// ForcedReclaims counts buffers taken back by the starvation fallback.
	ForcedReclaims  uint64
	Starvations     uint64
	DepthReductions uint64
	DepthRestores   uint64

	// InState counts buffers per State across all layers.
	InState [4]int
}

// String returns a human-readable string of rotation stats.
func (s Stats) String() string {
	return fmt.Sprintf("Rotation[%d layers x %d, %d acquires (%d failed), %d presents, %d reclaimed, %d forced, %d starvations, avail/rend/queued/disp %d/%d/%d/%d]",
		s.Layers, s.Depth, s.Acquires, s.FailedAcquires, s.Presents, s.Reclaimed, s.ForcedReclaims,
		s.Starvations, s.InState[StateAvailable], s.InState[StateRendering], s.InState[StateQueued], s.InState[StateDisplayed])
}

func logger() *slog.Logger { return gridpaint.LoggerFor("rotation") }
