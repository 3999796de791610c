package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/tutorials/gpu"
)

type commandAllocator struct {
	dev  *Device
	pool core1_0.CommandPool
}

var _ gpu.CommandAllocator = (*commandAllocator)(nil)

func (a *commandAllocator) Reset() error {
	res, err := a.pool.Reset(0)
	return a.dev.check(res, err, "vulkan: reset command pool")
}

func (a *commandAllocator) Release() {
	a.pool.Destroy(nil)
}

// commandList records into one command buffer per allocator it has been
// reset against, since Vulkan command buffers cannot change pools.
type commandList struct {
	dev     *Device
	buffers map[*commandAllocator]core1_0.CommandBuffer
	current core1_0.CommandBuffer
	tr      *translator
	closed  bool
	err     error
}

var _ gpu.CommandList = (*commandList)(nil)

func (l *commandList) Reset(allocator gpu.CommandAllocator, ps gpu.PipelineState) error {
	if !l.closed {
		return errors.New("vulkan: command list reset while recording")
	}
	a, ok := allocator.(*commandAllocator)
	if !ok || a.dev != l.dev {
		return errors.Newf("vulkan: foreign command allocator %T", allocator)
	}
	var pso *pipelineState
	if ps != nil {
		if pso, ok = ps.(*pipelineState); !ok || pso.dev != l.dev {
			return errors.Newf("vulkan: foreign pipeline state %T", ps)
		}
	}

	buffer, ok := l.buffers[a]
	if !ok {
		buffers, _, err := l.dev.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
			CommandPool:        a.pool,
			Level:              core1_0.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		})
		if err != nil {
			return errors.Wrap(err, "vulkan: allocate command buffer")
		}
		buffer = buffers[0]
		l.buffers[a] = buffer
	}

	res, err := buffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err := l.dev.check(res, err, "vulkan: begin command buffer"); err != nil {
		return err
	}

	l.current = buffer
	l.tr = newTranslator(buffer, l.dev, l.dev.resolve)
	l.tr.pipeline = pso
	l.closed = false
	l.err = nil
	return nil
}

func (l *commandList) Close() error {
	if l.closed {
		return errors.New("vulkan: command list closed twice")
	}
	l.closed = true
	l.err = l.tr.finish()

	res, err := l.current.End()
	if err := l.dev.check(res, err, "vulkan: end command buffer"); err != nil && l.err == nil {
		l.err = err
	}
	return l.err
}

// recording returns the translator, or nil after reporting a command
// recorded into a closed list.
func (l *commandList) recording() *translator {
	if l.closed {
		if l.tr != nil {
			l.tr.fail(errors.New("vulkan: command recorded into a closed list"))
		}
		return nil
	}
	return l.tr
}

func (l *commandList) SetGraphicsRootSignature(sig gpu.RootSignature) {
	t := l.recording()
	if t == nil {
		return
	}
	rs, ok := sig.(*rootSignature)
	if !ok {
		t.fail(errors.Newf("vulkan: foreign root signature %T", sig))
		return
	}
	t.rootSignature = rs
}

func (l *commandList) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	t := l.recording()
	if t == nil {
		return
	}
	t.heaps = t.heaps[:0]
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok || dh.dev != l.dev {
			t.fail(errors.Newf("vulkan: foreign descriptor heap %T", h))
			return
		}
		if !dh.desc.ShaderVisible {
			t.fail(errors.New("vulkan: bound descriptor heap is not shader visible"))
			return
		}
		t.heaps = append(t.heaps, dh)
	}
}

func (l *commandList) SetGraphicsRootDescriptorTable(parameter int, base gpu.DescriptorHandle) {
	if t := l.recording(); t != nil {
		t.tables[parameter] = base
	}
}

func (l *commandList) SetViewports(viewports ...gpu.Viewport) {
	if t := l.recording(); t != nil {
		t.setViewports(viewports)
	}
}

func (l *commandList) SetScissorRects(rects ...gpu.Rect) {
	if t := l.recording(); t != nil {
		t.setScissors(rects)
	}
}

func (l *commandList) ResourceBarrier(barriers ...gpu.TransitionBarrier) {
	if t := l.recording(); t != nil {
		t.barrier(barriers)
	}
}

func (l *commandList) ClearRenderTargetView(rtv gpu.DescriptorHandle, color [4]float32) {
	if t := l.recording(); t != nil {
		t.clearRenderTarget(rtv, color)
	}
}

func (l *commandList) ClearDepthStencilView(dsv gpu.DescriptorHandle, depth float32) {
	if t := l.recording(); t != nil {
		t.clearDepth(dsv, depth)
	}
}

func (l *commandList) SetRenderTargets(rtv gpu.DescriptorHandle, dsv *gpu.DescriptorHandle) {
	if t := l.recording(); t != nil {
		t.setRenderTargets(rtv, dsv)
	}
}

func (l *commandList) SetPrimitiveTopology(topology gpu.PrimitiveTopology) {
	if t := l.recording(); t != nil {
		t.topology = topology
	}
}

func (l *commandList) SetVertexBuffers(startSlot int, views ...gpu.VertexBufferView) {
	if t := l.recording(); t != nil {
		t.setVertexBuffers(startSlot, views)
	}
}

func (l *commandList) DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance int) {
	if t := l.recording(); t != nil {
		t.draw(vertexCountPerInstance, instanceCount, startVertex, startInstance)
	}
}

func (l *commandList) CopyBufferRegion(dst gpu.Resource, dstOffset int, src gpu.Resource, srcOffset int, size int) {
	t := l.recording()
	if t == nil {
		return
	}
	d, err := asBuffer(dst)
	if err != nil {
		t.fail(err)
		return
	}
	s, err := asBuffer(src)
	if err != nil {
		t.fail(err)
		return
	}
	t.copyBuffer(d, dstOffset, s, srcOffset, size)
}

func (l *commandList) Release() {
	for a, buffer := range l.buffers {
		l.dev.device.FreeCommandBuffers([]core1_0.CommandBuffer{buffer})
		delete(l.buffers, a)
	}
}
