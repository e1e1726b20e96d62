// Package rotation implements per-layer multi-buffering of render targets.
//
// Each layer owns a fixed ring of buffers that move through
// Available, Rendering, Queued and Displayed. The scheduler acquires a
// buffer, renders into its Target, queues it with the GPU submission index
// and presents it; the compositor confirms with MarkDisplayed; and
// ReclaimDisplayed returns buffers that a newer one has replaced on
// screen.
//
// Acquire never blocks. A layer without an Available buffer skips the
// frame, and a layer that starves for several frames in a row runs with
// one buffer less until it has recovered.
package rotation
