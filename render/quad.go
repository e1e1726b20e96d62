// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/internal/glyph"
	"github.com/gogpu/gridpaint/paint"
)

// ErrRendererClosed is returned when rendering with a closed renderer.
var ErrRendererClosed = errors.New("render: renderer is closed")

// underlineHeight is the thickness of underline decorations in pixels.
const underlineHeight = 1

// Config holds configuration for creating a QuadRenderer.
type Config struct {
	// Format is the render target format. Must match the rotation targets.
	// Defaults to BGRA8Unorm.
	Format gputypes.TextureFormat

	// Clear is the color each layer target is cleared to.
	Clear gputypes.Color
}

func (c Config) withDefaults() Config {
	if c.Format == gputypes.TextureFormatUndefined {
		c.Format = gputypes.TextureFormatBGRA8Unorm
	}
	return c
}

// QuadRenderer draws layers of textured quads into their rotation targets.
// It implements paint.Renderer.
//
// Every pass first checks that each layer's pooled buffer holds all of its
// quads including decorations, then makes sure every glyph and image the
// layers reference is in the atlas, uploads vertices and indices into the
// pooled buffers and records one render pass per layer. The whole pass is
// one queue submission.
//
// A QuadRenderer belongs to one window and its atlas.
type QuadRenderer struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	atlas  *atlas.Manager
	raster *glyph.Rasterizer
	cfg    Config

	pipe      *pipeline
	bindGroup hal.BindGroup
	boundGen  uint64

	staging []byte
	indices []byte

	stats  Stats
	closed bool
}

// New creates a renderer. The pipeline is created on the first pass.
func New(device hal.Device, queue hal.Queue, am *atlas.Manager, raster *glyph.Rasterizer, cfg Config) *QuadRenderer {
	if raster == nil {
		raster = glyph.New(nil)
	}
	return &QuadRenderer{
		device: device,
		queue:  queue,
		atlas:  am,
		raster: raster,
		cfg:    cfg.withDefaults(),
	}
}

// layerDraw is the geometry of one layer for the current pass.
type layerDraw struct {
	target *paint.LayerTarget
	quads  int
}

// RenderPass implements paint.Renderer.
func (r *QuadRenderer) RenderPass(ctx context.Context, pass *paint.Pass) (paint.PassResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return paint.PassResult{}, ErrRendererClosed
	}
	if err := ctx.Err(); err != nil {
		return paint.PassResult{}, err
	}
	r.stats.Passes++

	if need := r.checkCapacity(pass); len(need) > 0 {
		r.stats.CapacityMisses++
		logger().Debug("layer buffers too small",
			"frame", pass.Frame,
			"pass", pass.Index,
			"need", len(need))
		return paint.PassResult{NeedCapacity: need}, nil
	}

	if r.pipe == nil {
		pipe, err := createPipeline(r.device, r.cfg.Format)
		if err != nil {
			return paint.PassResult{}, err
		}
		r.pipe = pipe
	}

	// Fill the atlas. On exhaustion keep going with what fit; quads whose
	// entry is missing are left out of this pass.
	oos, err := r.populateAtlas(pass)
	if err != nil {
		return paint.PassResult{}, err
	}

	draws := make([]layerDraw, 0, len(pass.Layers))
	var res paint.PassResult
	for _, lt := range pass.Layers {
		n, err := r.upload(lt, pass.Quality)
		if err != nil {
			return paint.PassResult{}, err
		}
		draws = append(draws, layerDraw{target: lt, quads: n})
	}

	if err := r.bindLocked(); err != nil {
		return paint.PassResult{}, err
	}
	uniforms := makeUniforms(pass.Width, pass.Height, r.atlas.Size())
	if err := r.queue.WriteBuffer(r.pipe.uniformBuffer, 0, uniforms); err != nil {
		return paint.PassResult{}, fmt.Errorf("render: write uniforms: %w", err)
	}

	submission, rendered, err := r.record(pass, draws)
	if err != nil {
		return paint.PassResult{}, err
	}
	res.Submission = submission
	res.Rendered = rendered
	r.stats.Submits++
	r.stats.Quads += uint64(rendered) //nolint:gosec // rendered is non-negative

	if oos != nil {
		r.stats.Partial++
		return res, oos
	}
	return res, nil
}

// checkCapacity returns the layers whose pooled buffer cannot hold every
// quad plus decorations.
func (r *QuadRenderer) checkCapacity(pass *paint.Pass) map[gridpaint.LayerID]int {
	var need map[gridpaint.LayerID]int
	for _, lt := range pass.Layers {
		n := quadCount(lt.Desc, pass.Quality)
		if n <= lt.Buffer.Capacity() {
			continue
		}
		if need == nil {
			need = make(map[gridpaint.LayerID]int)
		}
		need[lt.Desc.Layer] = n
	}
	return need
}

// quadCount returns the number of quads a layer draws at quality q.
func quadCount(d *paint.LayerDesc, q atlas.Quality) int {
	n := 0
	for i := range d.Quads {
		quad := &d.Quads[i]
		if quad.Glyph.Image != 0 && q.Suppressed() {
			continue
		}
		n++
		if quad.Underline {
			n++
		}
	}
	return n
}

// populateAtlas inserts every missing entry. It returns the first
// *atlas.OutOfSpaceError, or any other atlas error.
func (r *QuadRenderer) populateAtlas(pass *paint.Pass) (*atlas.OutOfSpaceError, error) {
	for _, lt := range pass.Layers {
		for i := range lt.Desc.Quads {
			quad := &lt.Desc.Quads[i]
			if quad.Glyph == (atlas.GlyphKey{}) {
				continue
			}
			if quad.Glyph.Image != 0 && pass.Quality.Suppressed() {
				r.stats.ImagesSuppressed++
				continue
			}
			entry, _ := quad.Entry(pass.Quality)
			key := entry.Key
			if _, ok := r.atlas.Lookup(key); ok {
				continue
			}

			var img []byte
			var w, h int
			if key.Image != 0 {
				if quad.Image == nil {
					continue
				}
				scaled := glyph.Downscale(quad.Image, pass.Quality.Scale())
				img, w, h = glyph.Pixels(scaled), scaled.Rect.Dx(), scaled.Rect.Dy()
			} else {
				g := r.raster.Rasterize(key.Rune, int(key.Cells))
				img, w, h = glyph.Pixels(g), g.Rect.Dx(), g.Rect.Dy()
			}

			_, err := r.atlas.Insert(key, w, h, img)
			var oos *atlas.OutOfSpaceError
			switch {
			case err == nil:
				r.stats.Inserted++
			case errors.As(err, &oos):
				return oos, nil
			default:
				return nil, err
			}
		}
	}
	return nil, nil
}

// upload writes the vertices and indices of one layer into its pooled
// buffer and returns the number of quads written.
func (r *QuadRenderer) upload(lt *paint.LayerTarget, q atlas.Quality) (int, error) {
	r.staging = r.staging[:0]
	n := 0
	for i := range lt.Desc.Quads {
		quad := &lt.Desc.Quads[i]
		uv := [4]float32{-1, -1, -1, -1}
		if quad.Glyph != (atlas.GlyphKey{}) {
			if quad.Glyph.Image != 0 && q.Suppressed() {
				continue
			}
			entry, _ := quad.Entry(q)
			region, ok := r.atlas.Lookup(entry.Key)
			if !ok {
				continue
			}
			uv = [4]float32{
				float32(region.X), float32(region.Y),
				float32(region.X + region.Width), float32(region.Y + region.Height),
			}
		}
		r.staging = appendQuad(r.staging, quad.X, quad.Y, quad.W, quad.H, uv, quad.Color)
		n++
		if quad.Underline {
			r.staging = appendQuad(r.staging, quad.X, quad.Y+quad.H-underlineHeight, quad.W, underlineHeight,
				[4]float32{-1, -1, -1, -1}, quad.Color)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}

	buf := lt.Buffer
	if err := r.queue.WriteBuffer(buf.Handle(), buf.VertexOffset(), r.staging); err != nil {
		return 0, fmt.Errorf("render: write vertices of %s: %w", lt.Desc.Layer, err)
	}
	r.indices = appendIndices(r.indices[:0], n)
	if err := r.queue.WriteBuffer(buf.Handle(), buf.IndexOffset(), r.indices); err != nil {
		return 0, fmt.Errorf("render: write indices of %s: %w", lt.Desc.Layer, err)
	}
	r.stats.BytesUploaded += uint64(len(r.staging) + len(r.indices)) //nolint:gosec // lengths are non-negative
	return n, nil
}

// bindLocked rebuilds the bind group when the atlas texture changed.
func (r *QuadRenderer) bindLocked() error {
	gen := r.atlas.Generation()
	if r.bindGroup != nil && gen == r.boundGen {
		return nil
	}
	bg, err := r.pipe.bindAtlas(r.atlas.View())
	if err != nil {
		return err
	}
	if r.bindGroup != nil {
		r.device.DestroyBindGroup(r.bindGroup)
	}
	r.bindGroup = bg
	r.boundGen = gen
	r.stats.Rebinds++
	return nil
}

// record encodes one render pass per layer and submits them together.
func (r *QuadRenderer) record(pass *paint.Pass, draws []layerDraw) (uint64, int, error) {
	encoder, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "quad_frame"})
	if err != nil {
		return 0, 0, fmt.Errorf("render: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("quad_frame"); err != nil {
		return 0, 0, fmt.Errorf("render: begin encoding: %w", err)
	}

	rendered := 0
	for _, d := range draws {
		if d.target.View == nil {
			continue
		}
		rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "quad_" + d.target.Desc.Layer.String(),
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:       d.target.View,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: r.cfg.Clear,
			}},
		})
		if d.quads > 0 {
			buf := d.target.Buffer
			rp.SetPipeline(r.pipe.pipeline)
			rp.SetBindGroup(0, r.bindGroup, nil)
			rp.SetVertexBuffer(0, buf.Handle(), buf.VertexOffset())
			rp.SetIndexBuffer(buf.Handle(), gputypes.IndexFormatUint32, buf.IndexOffset())
			rp.SetViewport(0, 0, float32(pass.Width), float32(pass.Height), 0, 1)
			rp.DrawIndexed(uint32(d.quads*6), 1, 0, 0, 0) //nolint:gosec // bounded by buffer capacity
			rendered += d.quads
		}
		rp.End()
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return 0, 0, fmt.Errorf("render: end encoding: %w", err)
	}
	defer r.device.FreeCommandBuffer(cmdBuf)

	submission, err := r.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return 0, 0, fmt.Errorf("render: submit: %w", err)
	}
	return submission, rendered, nil
}

// Close destroys the pipeline and bind group.
func (r *QuadRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if r.bindGroup != nil {
		r.device.DestroyBindGroup(r.bindGroup)
		r.bindGroup = nil
	}
	if r.pipe != nil {
		r.pipe.destroy()
		r.pipe = nil
	}
}

// Stats returns a snapshot of renderer statistics.
func (r *QuadRenderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Stats contains renderer statistics.
type Stats struct {
	Passes  uint64
	Submits uint64
	// CapacityMisses counts passes that returned NeedCapacity.
	CapacityMisses uint64
	// Partial counts passes cut short by a full atlas.
	Partial          uint64
	Quads            uint64
	Inserted         uint64
	ImagesSuppressed uint64
	Rebinds          uint64
	BytesUploaded    uint64
}

// String returns a human-readable string of renderer stats.
func (s Stats) String() string {
	return fmt.Sprintf("Renderer[%d passes, %d submits, %d capacity misses, %d partial, %d quads, %d inserted, %d rebinds]",
		s.Passes, s.Submits, s.CapacityMisses, s.Partial, s.Quads, s.Inserted, s.Rebinds)
}

// appendQuad appends the four vertices of a quad. uv holds the texel
// rectangle (u0, v0, u1, v1); negative values mark a solid quad.
func appendQuad(buf []byte, x, y, w, h float32, uv [4]float32, color [4]float32) []byte {
	buf = appendVertex(buf, x, y, uv[0], uv[1], color)
	buf = appendVertex(buf, x+w, y, uv[2], uv[1], color)
	buf = appendVertex(buf, x+w, y+h, uv[2], uv[3], color)
	return appendVertex(buf, x, y+h, uv[0], uv[3], color)
}

// appendVertex writes a single vertex.
// Layout: position (vec2<f32>) + uv (vec2<f32>) + color (vec4<f32>) = 32 bytes.
func appendVertex(buf []byte, x, y, u, v float32, color [4]float32) []byte {
	for _, f := range [8]float32{x, y, u, v, color[0], color[1], color[2], color[3]} {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// appendIndices appends two triangles per quad.
func appendIndices(buf []byte, quads int) []byte {
	for i := range quads {
		base := uint32(i * 4) //nolint:gosec // bounded by buffer capacity
		for _, idx := range [6]uint32{base, base + 1, base + 2, base, base + 2, base + 3} {
			buf = binary.LittleEndian.AppendUint32(buf, idx)
		}
	}
	return buf
}

func logger() *slog.Logger { return gridpaint.LoggerFor("render") }
