package paint

import (
	"time"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/gridpaint/rotation"
)

// DefaultMaxPasses bounds the render passes of one frame.
const DefaultMaxPasses = 8

// Option configures a Scheduler during creation.
type Option func(*options)

type options struct {
	maxPasses   int
	invalidator Invalidator
	presenter   rotation.Presenter
	window      gpucontext.WindowProvider
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		maxPasses: DefaultMaxPasses,
		window:    gpucontext.NullWindowProvider{},
		now:       time.Now,
	}
}

// WithMaxPasses sets the pass bound. Values below 2 are raised to 2 so
// that a synchronous growth can be followed by a retry.
func WithMaxPasses(n int) Option {
	return func(o *options) {
		o.maxPasses = max(n, 2)
	}
}

// WithInvalidator sets the collaborator notified when layers must be
// rebuilt.
func WithInvalidator(inv Invalidator) Option {
	return func(o *options) {
		o.invalidator = inv
	}
}

// WithPresenter sets the compositor hand-off for queued buffers.
func WithPresenter(p rotation.Presenter) Option {
	return func(o *options) {
		o.presenter = p
	}
}

// WithWindow sets the window that provides the surface size and accepts
// redraw requests after a frame was cut short.
func WithWindow(w gpucontext.WindowProvider) Option {
	return func(o *options) {
		if w != nil {
			o.window = w
		}
	}
}

// WithClock sets the time source for frame durations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
