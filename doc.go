// Package gridpaint is the GPU render resource and frame scheduling core of
// a text-grid (terminal) renderer.
//
// # Overview
//
// A window owns one instance of each resource component and drives them
// once per presentation opportunity through the paint scheduler:
//
//	pool/      pooled vertex/index buffers keyed by capacity class
//	atlas/     glyph texture atlas with deferred growth and a quality ladder
//	rotation/  N-deep presentation buffers per layer with a lifecycle
//	budget/    rolling frame-duration statistics and presentation pacing
//	paint/     the bounded multi-pass frame state machine
//
// The scheduler never retries a failing pass without new capacity. Atlas
// exhaustion on the first pass grows the atlas synchronously; exhaustion on
// any later pass records a growth for the next frame, degrades image
// quality one step and ends the frame. Growth is state carried across
// frames, not a blocked task.
//
// # Concurrency
//
// Resource components are owned by exactly one scheduler. Windows that
// render on separate goroutines each build their own stack; nothing in this
// module is shared between windows except the logger.
//
// # Logging
//
// gridpaint is silent by default. Call [SetLogger] to route diagnostics
// from every sub-package to a [log/slog] logger.
package gridpaint
