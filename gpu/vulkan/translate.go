package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/tutorials/gpu"
)

// recorder is the part of core1_0.CommandBuffer the translator emits into.
type recorder interface {
	CmdBeginRenderPass(contents core1_0.SubpassContents, beginInfo core1_0.RenderPassBeginInfo) error
	CmdEndRenderPass()
	CmdBindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline core1_0.Pipeline)
	CmdBindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout core1_0.PipelineLayout, sets []core1_0.DescriptorSet, dynamicOffsets []int)
	CmdBindVertexBuffers(firstBinding int, buffers []core1_0.Buffer, bufferOffsets []int)
	CmdSetViewport(viewports []core1_0.Viewport)
	CmdSetScissor(scissors []core1_0.Rect2D)
	CmdDraw(vertexCount, instanceCount int, firstVertex, firstInstance uint32)
	CmdCopyBuffer(srcBuffer core1_0.Buffer, dstBuffer core1_0.Buffer, copyRegions []core1_0.BufferCopy) error
	CmdPipelineBarrier(srcStageMask, dstStageMask core1_0.PipelineStageFlags, dependencies core1_0.DependencyFlags, memoryBarriers []core1_0.MemoryBarrier, bufferMemoryBarriers []core1_0.BufferMemoryBarrier, imageMemoryBarriers []core1_0.ImageMemoryBarrier) error
}

type passCache interface {
	renderPass(key passKey) (core1_0.RenderPass, error)
	framebuffer(renderPass core1_0.RenderPass, color, depth *texture) (core1_0.Framebuffer, error)
}

// passKey identifies a render pass. FormatUndefined means the attachment
// is absent. Passes differing only in clears are compatible.
type passKey struct {
	color, depth           core1_0.Format
	clearColor, clearDepth bool
}

// translator turns the explicit-barrier command model into Vulkan commands.
// Clears are deferred and become load operations of the render pass that
// next draws to the target; a clear nothing draws to gets a pass of its
// own before the next barrier, copy or the end of the list.
type translator struct {
	rec     recorder
	passes  passCache
	resolve func(addr uint64) (*buffer, int, error)
	err     error

	pipeline      *pipelineState
	rootSignature *rootSignature
	heaps         []*descriptorHeap
	tables        map[int]gpu.DescriptorHandle
	viewports     []core1_0.Viewport
	scissors      []core1_0.Rect2D
	topology      gpu.PrimitiveTopology
	rtv, dsv      *texture
	vertexBuffers []core1_0.Buffer
	vertexOffsets []int
	vertexStride  int

	colorClears map[*texture][4]float32
	depthClears map[*texture]float32

	inPass           bool
	passRTV, passDSV *texture
}

func newTranslator(rec recorder, passes passCache, resolve func(uint64) (*buffer, int, error)) *translator {
	return &translator{
		rec:         rec,
		passes:      passes,
		resolve:     resolve,
		tables:      map[int]gpu.DescriptorHandle{},
		colorClears: map[*texture][4]float32{},
		depthClears: map[*texture]float32{},
	}
}

func (t *translator) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *translator) setViewports(viewports []gpu.Viewport) {
	t.viewports = t.viewports[:0]
	for _, v := range viewports {
		t.viewports = append(t.viewports, core1_0.Viewport{
			X: v.TopLeftX, Y: v.TopLeftY,
			Width: v.Width, Height: v.Height,
			MinDepth: v.MinDepth, MaxDepth: v.MaxDepth,
		})
	}
}

func (t *translator) setScissors(rects []gpu.Rect) {
	t.scissors = t.scissors[:0]
	for _, r := range rects {
		t.scissors = append(t.scissors, core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: r.Left, Y: r.Top},
			Extent: core1_0.Extent2D{Width: r.Right - r.Left, Height: r.Bottom - r.Top},
		})
	}
}

func (t *translator) setVertexBuffers(startSlot int, views []gpu.VertexBufferView) {
	if startSlot != 0 || len(views) != 1 {
		t.fail(errors.Newf("vulkan: vertex buffers must be bound to slot 0 only, got start %d count %d", startSlot, len(views)))
		return
	}
	b, offset, err := t.resolve(views[0].BufferLocation)
	if err != nil {
		t.fail(err)
		return
	}
	if offset+views[0].SizeInBytes > b.size {
		t.fail(errors.Newf("vulkan: vertex buffer view overruns buffer of %d bytes", b.size))
		return
	}
	t.vertexBuffers = []core1_0.Buffer{b.buffer}
	t.vertexOffsets = []int{offset}
	t.vertexStride = views[0].StrideInBytes
}

func (t *translator) clearRenderTarget(handle gpu.DescriptorHandle, color [4]float32) {
	tex, err := lookupTexture(handle)
	if err != nil {
		t.fail(err)
		return
	}
	if t.inPass && t.passRTV == tex {
		t.endPass()
	}
	t.colorClears[tex] = color
}

func (t *translator) clearDepth(handle gpu.DescriptorHandle, depth float32) {
	tex, err := lookupTexture(handle)
	if err != nil {
		t.fail(err)
		return
	}
	if t.inPass && t.passDSV == tex {
		t.endPass()
	}
	t.depthClears[tex] = depth
}

func (t *translator) setRenderTargets(rtv gpu.DescriptorHandle, dsv *gpu.DescriptorHandle) {
	color, err := lookupTexture(rtv)
	if err != nil {
		t.fail(err)
		return
	}
	var depth *texture
	if dsv != nil {
		if depth, err = lookupTexture(*dsv); err != nil {
			t.fail(err)
			return
		}
	}
	t.rtv, t.dsv = color, depth
}

func (t *translator) barrier(barriers []gpu.TransitionBarrier) {
	t.flush()

	var (
		srcStage, dstStage core1_0.PipelineStageFlags
		images             []core1_0.ImageMemoryBarrier
		buffers            []core1_0.BufferMemoryBarrier
	)
	for _, b := range barriers {
		before, after := stateUsage(b.Before), stateUsage(b.After)
		srcStage |= before.srcStage
		dstStage |= after.dstStage

		switch r := b.Resource.(type) {
		case *texture:
			oldLayout := before.layout
			// Presented contents are never read back, so the transition
			// out of Present discards them.
			if b.Before == gpu.StatePresent {
				oldLayout = core1_0.ImageLayoutUndefined
			}
			images = append(images, core1_0.ImageMemoryBarrier{
				SrcAccessMask:       before.access,
				DstAccessMask:       after.access,
				OldLayout:           oldLayout,
				NewLayout:           after.layout,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               r.image,
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask:     r.aspect,
					BaseMipLevel:   0,
					LevelCount:     1,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
			})
		case *buffer:
			buffers = append(buffers, core1_0.BufferMemoryBarrier{
				SrcAccessMask:       before.access,
				DstAccessMask:       after.access,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Buffer:              r.buffer,
				Offset:              0,
				Size:                r.size,
			})
		default:
			t.fail(errors.Newf("vulkan: barrier on foreign resource %T", b.Resource))
			return
		}
	}
	if err := t.rec.CmdPipelineBarrier(srcStage, dstStage, 0, nil, buffers, images); err != nil {
		t.fail(errors.Wrap(err, "vulkan: pipeline barrier"))
	}
}

func (t *translator) copyBuffer(dst *buffer, dstOffset int, src *buffer, srcOffset int, size int) {
	if size <= 0 || srcOffset < 0 || dstOffset < 0 || srcOffset+size > src.size || dstOffset+size > dst.size {
		t.fail(errors.Newf("vulkan: copy of %d bytes from [%d] of %d into [%d] of %d is out of bounds",
			size, srcOffset, src.size, dstOffset, dst.size))
		return
	}
	t.flush()
	err := t.rec.CmdCopyBuffer(src.buffer, dst.buffer, []core1_0.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size},
	})
	if err != nil {
		t.fail(errors.Wrap(err, "vulkan: copy buffer"))
	}
}

func (t *translator) draw(vertexCount, instanceCount, startVertex, startInstance int) {
	p, rs := t.pipeline, t.rootSignature
	switch {
	case p == nil:
		t.fail(errors.New("vulkan: draw without a pipeline state"))
		return
	case rs == nil || rs != p.rootSignature:
		t.fail(errors.New("vulkan: draw with a root signature the pipeline was not built for"))
		return
	case t.rtv == nil:
		t.fail(errors.New("vulkan: draw without a render target"))
		return
	case t.rtv.vkFormat != p.key.color:
		t.fail(errors.Newf("vulkan: render target format %s does not match the pipeline", t.rtv.format))
		return
	case p.key.depth != core1_0.FormatUndefined && t.dsv == nil:
		t.fail(errors.New("vulkan: depth-tested draw without a depth target"))
		return
	case len(t.viewports) == 0 || len(t.scissors) == 0:
		t.fail(errors.New("vulkan: draw without viewport and scissor"))
		return
	case t.topology != p.topology:
		t.fail(errors.Newf("vulkan: topology %d does not match the pipeline", t.topology))
		return
	case len(t.vertexBuffers) == 0:
		t.fail(errors.New("vulkan: draw without a vertex buffer"))
		return
	case t.vertexStride != p.stride:
		t.fail(errors.Newf("vulkan: vertex stride %d, pipeline input layout needs %d", t.vertexStride, p.stride))
		return
	}

	sets, err := t.descriptorSets(rs)
	if err != nil {
		t.fail(err)
		return
	}

	depth := t.dsv
	if p.key.depth == core1_0.FormatUndefined {
		depth = nil
	}
	if !t.inPass || t.passRTV != t.rtv || t.passDSV != depth {
		t.endPass()
		t.beginPass(t.rtv, depth)
		if t.err != nil {
			return
		}
	}

	t.rec.CmdBindPipeline(core1_0.PipelineBindPointGraphics, p.pipeline)
	t.rec.CmdSetViewport(t.viewports)
	t.rec.CmdSetScissor(t.scissors)
	if len(sets) > 0 {
		t.rec.CmdBindDescriptorSets(core1_0.PipelineBindPointGraphics, rs.layout, sets, nil)
	}
	t.rec.CmdBindVertexBuffers(0, t.vertexBuffers, t.vertexOffsets)
	t.rec.CmdDraw(vertexCount, instanceCount, uint32(startVertex), uint32(startInstance))
}

func (t *translator) descriptorSets(rs *rootSignature) ([]core1_0.DescriptorSet, error) {
	sets := make([]core1_0.DescriptorSet, 0, len(rs.desc.Parameters))
	for i := range rs.desc.Parameters {
		handle, ok := t.tables[i]
		if !ok {
			return nil, errors.Newf("vulkan: root parameter %d has no descriptor table", i)
		}
		h, ok := handle.Heap.(*descriptorHeap)
		if !ok || !t.heapBound(h) {
			return nil, errors.Newf("vulkan: descriptor table %d points into an unbound heap", i)
		}
		if handle.Index < 0 || handle.Index >= len(h.sets) || h.slots[handle.Index].buffer == nil {
			return nil, errors.Newf("vulkan: descriptor table %d points at an empty slot %d", i, handle.Index)
		}
		sets = append(sets, h.sets[handle.Index])
	}
	return sets, nil
}

func (t *translator) heapBound(h *descriptorHeap) bool {
	for _, bound := range t.heaps {
		if bound == h {
			return true
		}
	}
	return false
}

func (t *translator) beginPass(color, depth *texture) {
	key := passKey{color: core1_0.FormatUndefined, depth: core1_0.FormatUndefined}
	var clearValues []core1_0.ClearValue
	width, height := 0, 0
	if color != nil {
		key.color = color.vkFormat
		c, ok := t.colorClears[color]
		key.clearColor = ok
		delete(t.colorClears, color)
		clearValues = append(clearValues, core1_0.ClearValueFloat{c[0], c[1], c[2], c[3]})
		width, height = color.width, color.height
	}
	if depth != nil {
		key.depth = depth.vkFormat
		d, ok := t.depthClears[depth]
		key.clearDepth = ok
		delete(t.depthClears, depth)
		clearValues = append(clearValues, core1_0.ClearValueDepthStencil{Depth: d, Stencil: 0})
		if color == nil || depth.width < width {
			width = depth.width
		}
		if color == nil || depth.height < height {
			height = depth.height
		}
	}

	renderPass, err := t.passes.renderPass(key)
	if err != nil {
		t.fail(err)
		return
	}
	framebuffer, err := t.passes.framebuffer(renderPass, color, depth)
	if err != nil {
		t.fail(err)
		return
	}

	err = t.rec.CmdBeginRenderPass(core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  renderPass,
		Framebuffer: framebuffer,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: core1_0.Extent2D{Width: width, Height: height},
		},
		ClearValues: clearValues,
	})
	if err != nil {
		t.fail(errors.Wrap(err, "vulkan: begin render pass"))
		return
	}
	t.inPass, t.passRTV, t.passDSV = true, color, depth
}

func (t *translator) endPass() {
	if !t.inPass {
		return
	}
	t.rec.CmdEndRenderPass()
	t.inPass, t.passRTV, t.passDSV = false, nil, nil
}

// flush ends the open pass and applies clears nothing has drawn to yet.
func (t *translator) flush() {
	t.endPass()
	for t.err == nil && len(t.colorClears)+len(t.depthClears) > 0 {
		var color, depth *texture
		if _, ok := t.colorClears[t.rtv]; ok && t.rtv != nil {
			color = t.rtv
		}
		if _, ok := t.depthClears[t.dsv]; ok && t.dsv != nil {
			depth = t.dsv
		}
		if color == nil && depth == nil {
			for tex := range t.colorClears {
				color = tex
				break
			}
		}
		if color == nil && depth == nil {
			for tex := range t.depthClears {
				depth = tex
				break
			}
		}
		t.beginPass(color, depth)
		t.endPass()
	}
}

func (t *translator) finish() error {
	t.flush()
	return t.err
}
