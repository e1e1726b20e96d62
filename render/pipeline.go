// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/quad.wgsl
var quadShaderSource string

// quadVertexStride is the byte stride per vertex.
// Layout per vertex:
//
//	position (vec2<f32>) = 8 bytes  (location 0)
//	uv       (vec2<f32>) = 8 bytes  (location 1)
//	color    (vec4<f32>) = 16 bytes (location 2)
//
// Total = 32 bytes per vertex, four vertices per quad.
const quadVertexStride = 32

// quadUniformSize is viewport (vec2<f32>) plus atlas size (vec2<f32>).
const quadUniformSize = 16

// compileQuadShader compiles the WGSL quad shader to SPIR-V words.
func compileQuadShader() ([]uint32, error) {
	if quadShaderSource == "" {
		return nil, fmt.Errorf("quad shader source is empty")
	}
	spirvBytes, err := naga.Compile(quadShaderSource)
	if err != nil {
		return nil, fmt.Errorf("compile quad shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// pipeline holds the GPU objects shared by every pass of a renderer.
type pipeline struct {
	device hal.Device

	shader        hal.ShaderModule
	bindLayout    hal.BindGroupLayout
	pipeLayout    hal.PipelineLayout
	pipeline      hal.RenderPipeline
	sampler       hal.Sampler
	uniformBuffer hal.Buffer
}

// createPipeline compiles the quad shader and creates the render pipeline
// with premultiplied alpha blending for targets of the given format.
func createPipeline(device hal.Device, format gputypes.TextureFormat) (*pipeline, error) {
	p := &pipeline{device: device}
	if err := p.create(format); err != nil {
		p.destroy()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) create(format gputypes.TextureFormat) error {
	spirv, err := compileQuadShader()
	if err != nil {
		return err
	}
	shader, err := p.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "quad_shader",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fmt.Errorf("create quad shader module: %w", err)
	}
	p.shader = shader

	// Bind group layout:
	//   Binding 0: uniforms (vertex)
	//   Binding 1: atlas texture (fragment)
	//   Binding 2: sampler (fragment)
	bindLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "quad_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create quad bind group layout: %w", err)
	}
	p.bindLayout = bindLayout

	pipeLayout, err := p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "quad_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create quad pipeline layout: %w", err)
	}
	p.pipeLayout = pipeLayout

	// Nearest filtering keeps bitmap glyphs crisp.
	sampler, err := p.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "quad_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
	})
	if err != nil {
		return fmt.Errorf("create quad sampler: %w", err)
	}
	p.sampler = sampler

	uniformBuffer, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "quad_uniforms",
		Size:  quadUniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create quad uniform buffer: %w", err)
	}
	p.uniformBuffer = uniformBuffer

	premulBlend := gputypes.BlendStatePremultiplied()
	rp, err := p.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "quad_pipeline",
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     p.shader,
			EntryPoint: "vs_main",
			Buffers:    quadVertexLayout(),
		},
		Fragment: &hal.FragmentState{
			Module:     p.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    format,
					Blend:     &premulBlend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create quad pipeline: %w", err)
	}
	p.pipeline = rp
	return nil
}

// bindAtlas creates a bind group over the current atlas view.
func (p *pipeline) bindAtlas(view hal.TextureView) (hal.BindGroup, error) {
	bg, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "quad_bind",
		Layout: p.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: p.uniformBuffer.NativeHandle(), Offset: 0, Size: quadUniformSize,
			}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
			{Binding: 2, Resource: gputypes.SamplerBinding{Sampler: p.sampler.NativeHandle()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create quad bind group: %w", err)
	}
	return bg, nil
}

// destroy releases all pipeline resources in reverse creation order.
func (p *pipeline) destroy() {
	if p.pipeline != nil {
		p.device.DestroyRenderPipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.uniformBuffer != nil {
		p.device.DestroyBuffer(p.uniformBuffer)
		p.uniformBuffer = nil
	}
	if p.sampler != nil {
		p.device.DestroySampler(p.sampler)
		p.sampler = nil
	}
	if p.pipeLayout != nil {
		p.device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.bindLayout != nil {
		p.device.DestroyBindGroupLayout(p.bindLayout)
		p.bindLayout = nil
	}
	if p.shader != nil {
		p.device.DestroyShaderModule(p.shader)
		p.shader = nil
	}
}

func quadVertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: quadVertexStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},  // position
				{Format: gputypes.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},  // uv
				{Format: gputypes.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 2}, // color
			},
		},
	}
}

// makeUniforms encodes the viewport and atlas sizes.
func makeUniforms(width, height, atlasSize int) []byte {
	buf := make([]byte, quadUniformSize)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(float32(width)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(float32(height)))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(float32(atlasSize)))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(float32(atlasSize)))
	return buf
}
