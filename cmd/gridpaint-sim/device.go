package main

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// device is one headless GPU device. Every simulated window owns one so
// that windows never share GPU resources.
type device struct {
	instance hal.Instance
	hal.Device
	queue hal.Queue
}

func openDevice() (*device, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("noop backend exposed no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open adapter: %w", err)
	}
	return &device{instance: instance, Device: open.Device, queue: open.Queue}, nil
}

func (d *device) close() {
	d.Device.Destroy()
	d.instance.Destroy()
}
