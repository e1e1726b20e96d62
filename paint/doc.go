// Package paint schedules the frames of a window.
//
// A Scheduler owns the per-window resources (buffer pool, atlas, rotation
// buffers and budget tracker) and runs each frame as an explicit state
// machine:
//
//   - A growth deferred by the previous frame is applied first, before any
//     pass can observe the atlas.
//   - Every layer acquires a rotation buffer and a pooled vertex buffer.
//     Busy layers skip the frame.
//   - Passes run until one succeeds. A pass that needs bigger buffers is
//     retried with them. An atlas that fills up on the first pass is grown
//     on the spot to hold the whole glyph set of the frame, and the pass is
//     retried. When the growth fails, or the atlas fills up on a later
//     pass, the growth is queued for the next frame, image quality drops
//     one step and the frame ends with what was rendered.
//
// The number of render attempts is bounded, so PaintFrame always returns.
package paint
