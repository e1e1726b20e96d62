// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package render draws terminal layers on the GPU.
//
// QuadRenderer implements paint.Renderer. Each layer is a list of quads
// in pixel coordinates; glyph quads sample the window's texture atlas and
// solid quads are filled with their color. The quad shader is written in
// WGSL and compiled to SPIR-V with naga when the first pass runs.
//
// Vertices and indices are written into the layer's pooled buffer:
//
//	[0, capacity*128)           four 32-byte vertices per quad
//	[capacity*128, size)        six uint32 indices per quad
//
// A pass that finds more quads than the buffer holds (decorations are not
// counted by layouts) reports NeedCapacity and submits nothing. A pass that
// fills the atlas submits what fit and returns *atlas.OutOfSpaceError.
package render
