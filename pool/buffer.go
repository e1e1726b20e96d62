package pool

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
)

// Buffer is a pooled GPU buffer holding the vertices and indices of up to
// Capacity renderable units. Vertices start at VertexOffset, indices at
// IndexOffset.
//
// A Buffer is owned by exactly one layer between Acquire and Release.
type Buffer struct {
	handle     hal.Buffer
	capacity   int
	vertexUnit uint64
	size       uint64

	generation uint64
	owner      gridpaint.LayerID
	submission uint64
}

// Handle returns the GPU buffer.
func (b *Buffer) Handle() hal.Buffer { return b.handle }

// Capacity returns how many units the buffer holds.
func (b *Buffer) Capacity() int { return b.capacity }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Generation identifies the current hand-out. It changes every time the
// buffer is acquired, so a stale reference can be detected by comparing
// generations.
func (b *Buffer) Generation() uint64 { return b.generation }

// Owner returns the layer that acquired the buffer most recently.
func (b *Buffer) Owner() gridpaint.LayerID { return b.owner }

// VertexOffset returns the byte offset of the vertex region.
func (b *Buffer) VertexOffset() uint64 { return 0 }

// IndexOffset returns the byte offset of the index region.
func (b *Buffer) IndexOffset() uint64 {
	return uint64(b.capacity) * b.vertexUnit //nolint:gosec // capacity bounded by MaxCapacity
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s cap=%d gen=%d)", b.owner, b.capacity, b.generation)
}

// Stats contains buffer pool statistics.
type Stats struct {
	// Allocations is the number of GPU buffers created.
	Allocations uint64
	// Reuses is the number of acquisitions served from a free-list.
	Reuses uint64
	// Releases is the number of buffers handed back.
	Releases uint64
	// Discards is the number of released buffers destroyed because their
	// free-list was full.
	Discards uint64
	// Failures is the number of GPU allocations that failed.
	Failures uint64
	// Free is the number of buffers on free-lists.
	Free int
	// Held is the number of buffers owned by layers.
	Held int
	// Pending is the number of released buffers waiting for the GPU.
	Pending int
}

// ReuseRate returns the fraction of acquisitions served without a GPU
// allocation (0.0 to 1.0).
func (s Stats) ReuseRate() float64 {
	total := s.Allocations + s.Reuses
	if total == 0 {
		return 0
	}
	return float64(s.Reuses) / float64(total)
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[%d allocs, %d reuses (%.1f%%), %d free, %d held, %d pending, %d discarded]",
		s.Allocations, s.Reuses, s.ReuseRate()*100, s.Free, s.Held, s.Pending, s.Discards)
}
