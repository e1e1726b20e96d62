package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
)

// Pool errors.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: buffer pool is closed")

	// ErrInvalidCapacity is returned for requests of zero, negative, or
	// more than MaxCapacity units.
	ErrInvalidCapacity = errors.New("pool: invalid buffer capacity")

	// ErrAllocationFailed is returned when the GPU refuses a new buffer.
	// Callers treat it as backpressure and must not retry in a loop.
	ErrAllocationFailed = errors.New("pool: GPU buffer allocation failed")

	// ErrNotHeld is returned when releasing a buffer that is not currently
	// held, such as a double release.
	ErrNotHeld = errors.New("pool: buffer is not held")
)

// Capacity limits in renderable units.
const (
	// MinCapacity is the smallest capacity class.
	MinCapacity = 32

	// MaxCapacity is the largest capacity a single buffer may hold.
	MaxCapacity = 1 << 20
)

// Default per-unit layout: one textured quad is four 32-byte vertices
// followed, in the index region, by six uint32 indices.
const (
	DefaultVertexUnitSize = 4 * 32
	DefaultIndexUnitSize  = 6 * 4
)

// Config holds configuration for creating a Pool.
type Config struct {
	// VertexUnitSize is the vertex bytes per unit. Defaults to DefaultVertexUnitSize.
	VertexUnitSize uint64

	// IndexUnitSize is the index bytes per unit. Defaults to DefaultIndexUnitSize.
	IndexUnitSize uint64

	// MaxFreePerClass caps the free-list length of each capacity class.
	// Zero means unlimited: released buffers are never destroyed eagerly.
	MaxFreePerClass int

	// Label is a debug label prefix for GPU buffers.
	Label string
}

func (c Config) withDefaults() Config {
	if c.VertexUnitSize == 0 {
		c.VertexUnitSize = DefaultVertexUnitSize
	}
	if c.IndexUnitSize == 0 {
		c.IndexUnitSize = DefaultIndexUnitSize
	}
	if c.MaxFreePerClass < 0 {
		c.MaxFreePerClass = 0
	}
	if c.Label == "" {
		c.Label = "gridpaint_quads"
	}
	return c
}

// CapacityClass rounds units up to its capacity class: the next power of
// two, never below MinCapacity.
func CapacityClass(units int) int {
	if units <= MinCapacity {
		return MinCapacity
	}
	return 1 << bits.Len(uint(units-1))
}

// Pool owns free-lists of GPU buffers keyed by capacity class.
// Acquire reuses a free buffer of the exact class before allocating.
//
// A Pool belongs to one window. Pool is safe for concurrent use, but
// buffers must not be shared between layers.
type Pool struct {
	mu sync.Mutex

	device hal.Device
	cfg    Config

	free    map[int][]*Buffer
	held    map[*Buffer]struct{}
	pending []*Buffer

	generation uint64

	allocations uint64
	reuses      uint64
	releases    uint64
	discards    uint64
	failures    uint64

	closed bool
}

// New creates a buffer pool allocating from device.
func New(device hal.Device, cfg Config) *Pool {
	return &Pool{
		device: device,
		cfg:    cfg.withDefaults(),
		free:   make(map[int][]*Buffer),
		held:   make(map[*Buffer]struct{}),
	}
}

// Acquire returns a buffer able to hold units renderable units, owned by
// layer until it is released.
func (p *Pool) Acquire(layer gridpaint.LayerID, units int) (*Buffer, error) {
	if units <= 0 || units > MaxCapacity {
		return nil, fmt.Errorf("%w: %d units", ErrInvalidCapacity, units)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	capacity := CapacityClass(units)
	if list := p.free[capacity]; len(list) > 0 {
		buf := list[len(list)-1]
		list[len(list)-1] = nil
		p.free[capacity] = list[:len(list)-1]
		p.reuses++
		p.handOutLocked(buf, layer)
		return buf, nil
	}

	size := uint64(capacity) * (p.cfg.VertexUnitSize + p.cfg.IndexUnitSize) //nolint:gosec // capacity bounded by MaxCapacity
	handle, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("%s_%d", p.cfg.Label, capacity),
		Size:  size,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		p.failures++
		return nil, fmt.Errorf("%w: capacity %d (%d bytes): %w", ErrAllocationFailed, capacity, size, err)
	}

	buf := &Buffer{
		handle:     handle,
		capacity:   capacity,
		vertexUnit: p.cfg.VertexUnitSize,
		size:       size,
	}
	p.allocations++
	p.handOutLocked(buf, layer)

	logger().Debug("allocated buffer",
		"layer", layer,
		"requested", units,
		"capacity", capacity,
		"allocations", p.allocations,
		"reuses", p.reuses)
	return buf, nil
}

func (p *Pool) handOutLocked(buf *Buffer, layer gridpaint.LayerID) {
	p.generation++
	buf.generation = p.generation
	buf.owner = layer
	buf.submission = 0
	p.held[buf] = struct{}{}
}

// Release returns buf to its capacity class free-list. The caller must
// guarantee that no submitted GPU work still reads from it; use
// ReleaseAfter otherwise.
func (p *Pool) Release(buf *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.unholdLocked(buf); err != nil {
		return err
	}
	p.recycleLocked(buf)
	return nil
}

// ReleaseAfter returns buf to the pool once the GPU has completed the
// given queue submission. Until Collect observes that, the buffer sits on
// a pending list and cannot be reacquired.
func (p *Pool) ReleaseAfter(buf *Buffer, submission uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.unholdLocked(buf); err != nil {
		return err
	}
	buf.submission = submission
	p.pending = append(p.pending, buf)
	return nil
}

// Collect moves pending buffers whose submission has completed to their
// free-lists and returns how many were recycled.
func (p *Pool) Collect(completed uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	kept := p.pending[:0]
	for _, buf := range p.pending {
		if buf.submission <= completed {
			p.recycleLocked(buf)
			n++
			continue
		}
		kept = append(kept, buf)
	}
	clear(p.pending[len(kept):])
	p.pending = kept
	return n
}

func (p *Pool) unholdLocked(buf *Buffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrNotHeld)
	}
	if _, ok := p.held[buf]; !ok {
		return fmt.Errorf("%w: capacity %d generation %d", ErrNotHeld, buf.capacity, buf.generation)
	}
	delete(p.held, buf)
	p.releases++
	return nil
}

func (p *Pool) recycleLocked(buf *Buffer) {
	if p.closed {
		p.device.DestroyBuffer(buf.handle)
		return
	}
	list := p.free[buf.capacity]
	if p.cfg.MaxFreePerClass > 0 && len(list) >= p.cfg.MaxFreePerClass {
		p.device.DestroyBuffer(buf.handle)
		p.discards++
		return
	}
	p.free[buf.capacity] = append(list, buf)
}

// Clear destroys every buffer on the free-lists. Held and pending buffers
// are unaffected.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for capacity, list := range p.free {
		for _, buf := range list {
			p.device.DestroyBuffer(buf.handle)
		}
		delete(p.free, capacity)
	}
	logger().Debug("cleared free buffers")
}

// Close destroys free and pending buffers. Buffers still held are
// destroyed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	p.Clear()
	for _, buf := range pending {
		p.device.DestroyBuffer(buf.handle)
	}
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for _, list := range p.free {
		free += len(list)
	}
	return Stats{
		Allocations: p.allocations,
		Reuses:      p.reuses,
		Releases:    p.releases,
		Discards:    p.discards,
		Failures:    p.failures,
		Free:        free,
		Held:        len(p.held),
		Pending:     len(p.pending),
	}
}

func logger() *slog.Logger { return gridpaint.LoggerFor("pool") }
