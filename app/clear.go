package app

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/device"
	"github.com/vkngwrapper/tutorials/gpu"
)

// clearPass is the whole frame of the device stage: transition the back
// buffer, clear it, transition it back.
type clearPass struct {
	manager *device.Manager
	list    gpu.CommandList
	color   [4]float32
}

func newClearPass(m *device.Manager, color [4]float32) (*clearPass, error) {
	list, err := m.Device().CreateCommandList(m.CommandAllocator(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command list")
	}
	if err := list.Close(); err != nil {
		list.Release()
		return nil, errors.Wrap(err, "close command list")
	}
	return &clearPass{manager: m, list: list, color: color}, nil
}

func (c *clearPass) render() error {
	allocator := c.manager.CommandAllocator()
	if err := allocator.Reset(); err != nil {
		return errors.Wrap(err, "reset command allocator")
	}
	if err := c.list.Reset(allocator, nil); err != nil {
		return errors.Wrap(err, "reset command list")
	}

	target := c.manager.RenderTarget()
	rtv := c.manager.RenderTargetView()
	c.list.ResourceBarrier(gpu.TransitionBarrier{Resource: target, Before: gpu.StatePresent, After: gpu.StateRenderTarget})
	c.list.ClearRenderTargetView(rtv, c.color)
	c.list.SetRenderTargets(rtv, nil)
	c.list.ResourceBarrier(gpu.TransitionBarrier{Resource: target, Before: gpu.StateRenderTarget, After: gpu.StatePresent})

	if err := c.list.Close(); err != nil {
		return errors.Wrap(err, "close command list")
	}
	return errors.Wrap(c.manager.CommandQueue().ExecuteCommandLists(c.list), "execute command list")
}

func (c *clearPass) release() {
	c.list.Release()
}
