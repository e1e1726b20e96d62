package rotation

import (
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
)

// State is the lifecycle state of a rotation buffer.
//
//	Available -> Rendering -> Queued -> Displayed -> Available
//
// Rendering may also fall back to Available when a frame is abandoned.
type State uint8

const (
	// StateAvailable buffers may be acquired for rendering.
	StateAvailable State = iota
	// StateRendering buffers are being drawn into by the CPU and GPU.
	StateRendering
	// StateQueued buffers are submitted and may be presented.
	StateQueued
	// StateDisplayed buffers are on screen or held by the compositor.
	StateDisplayed
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateRendering:
		return "rendering"
	case StateQueued:
		return "queued"
	case StateDisplayed:
		return "displayed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// BufferID names one hand-out of a rotation buffer. Gen changes with every
// hand-out, so an ID kept past its buffer's reuse is detected as stale.
type BufferID struct {
	Layer gridpaint.LayerID
	Slot  int
	Gen   uint64
}

func (id BufferID) String() string {
	return fmt.Sprintf("%s/%d#%d", id.Layer, id.Slot, id.Gen)
}

// Presenter hands a queued buffer to the compositor.
type Presenter interface {
	Present(id BufferID, view hal.TextureView) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(id BufferID, view hal.TextureView) error

// Present calls f(id, view).
func (f PresenterFunc) Present(id BufferID, view hal.TextureView) error {
	return f(id, view)
}

type slot struct {
	state State
	gen   uint64

	texture hal.Texture
	view    hal.TextureView
	texW    int
	texH    int

	since      time.Time
	uses       uint64
	submission uint64
	presented  bool
	displayed  uint64 // display sequence number, larger is newer
}

// ring is the set of rotation buffers of one layer.
type ring struct {
	slots  []*slot
	active int // slots[:active] may be handed out

	failures  int // consecutive failed acquires
	successes int // consecutive successful acquires while reduced
	starving  bool

	displaySeq uint64
}

func (r *ring) rendering() bool {
	for _, s := range r.slots {
		if s.state == StateRendering {
			return true
		}
	}
	return false
}

// oldest returns the index of the slot in slots[:limit] that has been in
// one of the given states the longest, or -1.
func (r *ring) oldest(limit int, match func(State) bool) int {
	best := -1
	for i := range limit {
		s := r.slots[i]
		if !match(s.state) {
			continue
		}
		if best < 0 || s.since.Before(r.slots[best].since) {
			best = i
		}
	}
	return best
}
