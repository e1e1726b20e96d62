// Package gputest provides noop-backed GPU devices for tests.
package gputest

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// ErrInjected is returned by FaultyDevice when a fault is armed.
var ErrInjected = errors.New("gputest: injected allocation failure")

// OpenNoop opens a device and queue on the noop backend. The device is
// destroyed when the test finishes.
func OpenNoop(t testing.TB) (hal.Device, hal.Queue) {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Fatal("noop backend exposed no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

// FaultyDevice wraps a device and fails buffer or texture creation while
// the corresponding fault is armed. It also counts successful creations
// and destructions so tests can check for leaks.
type FaultyDevice struct {
	hal.Device

	FailBuffers  atomic.Bool
	FailTextures atomic.Bool

	// FailTexturesAbove fails only textures wider than this many texels
	// when non-zero.
	FailTexturesAbove atomic.Uint32

	BuffersCreated   atomic.Int64
	BuffersDestroyed atomic.Int64
	TexturesCreated  atomic.Int64
}

// NewFaulty wraps device with no faults armed.
func NewFaulty(device hal.Device) *FaultyDevice {
	return &FaultyDevice{Device: device}
}

func (d *FaultyDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if d.FailBuffers.Load() {
		return nil, ErrInjected
	}
	buf, err := d.Device.CreateBuffer(desc)
	if err == nil {
		d.BuffersCreated.Add(1)
	}
	return buf, err
}

func (d *FaultyDevice) DestroyBuffer(buf hal.Buffer) {
	d.BuffersDestroyed.Add(1)
	d.Device.DestroyBuffer(buf)
}

func (d *FaultyDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.FailTextures.Load() {
		return nil, ErrInjected
	}
	if limit := d.FailTexturesAbove.Load(); limit != 0 && desc != nil && desc.Size.Width > limit {
		return nil, ErrInjected
	}
	tex, err := d.Device.CreateTexture(desc)
	if err == nil {
		d.TexturesCreated.Add(1)
	}
	return tex, err
}
