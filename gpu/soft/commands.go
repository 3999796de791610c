package soft

import (
	"bytes"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

type commandAllocator struct {
	dev     *Device
	pending atomic.Int32
}

var _ gpu.CommandAllocator = (*commandAllocator)(nil)

func (a *commandAllocator) Reset() error {
	if n := a.pending.Load(); n > 0 {
		err := errors.Newf("soft: command allocator reset with %d command lists in flight", n)
		a.dev.report(err)
		return err
	}
	return nil
}

func (a *commandAllocator) Release() {
	if n := a.pending.Load(); n > 0 {
		a.dev.report(errors.Newf("soft: command allocator released with %d command lists in flight", n))
	}
}

type opKind int

const (
	opSetRootSignature opKind = iota
	opSetDescriptorHeaps
	opSetDescriptorTable
	opSetViewports
	opSetScissors
	opBarrier
	opClearRTV
	opClearDSV
	opSetRenderTargets
	opSetTopology
	opSetVertexBuffers
	opDraw
	opCopy
)

type op struct {
	kind opKind

	rootSignature *rootSignature
	heaps         []*descriptorHeap
	parameter     int
	handle        gpu.DescriptorHandle
	dsv           *gpu.DescriptorHandle
	viewports     []gpu.Viewport
	rects         []gpu.Rect
	barriers      []gpu.TransitionBarrier
	color         [4]float32
	depth         float32
	topology      gpu.PrimitiveTopology
	vertexBuffers []gpu.VertexBufferView

	draw [4]int

	dst, src       *resource
	dstOff, srcOff int
	size           int
}

type commandList struct {
	dev       *Device
	allocator *commandAllocator
	pso       *pipelineState
	ops       []op
	closed    bool
	err       error
}

var _ gpu.CommandList = (*commandList)(nil)

func (l *commandList) Reset(allocator gpu.CommandAllocator, ps gpu.PipelineState) error {
	if !l.closed {
		return errors.New("soft: command list reset while recording")
	}
	a, ok := allocator.(*commandAllocator)
	if !ok || a.dev != l.dev {
		return errors.Newf("soft: foreign command allocator %T", allocator)
	}
	var pso *pipelineState
	if ps != nil {
		p, ok := ps.(*pipelineState)
		if !ok || p.dev != l.dev {
			return errors.Newf("soft: foreign pipeline state %T", ps)
		}
		pso = p
	}

	l.allocator = a
	l.pso = pso
	l.ops = nil
	l.err = nil
	l.closed = false
	return nil
}

func (l *commandList) Close() error {
	if l.closed {
		return errors.New("soft: command list closed twice")
	}
	l.closed = true
	return l.err
}

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) push(o op) {
	if l.closed {
		l.fail(errors.New("soft: command recorded into a closed list"))
		return
	}
	l.ops = append(l.ops, o)
}

func (l *commandList) SetGraphicsRootSignature(sig gpu.RootSignature) {
	rs, ok := sig.(*rootSignature)
	if !ok || rs.dev != l.dev {
		l.fail(errors.Newf("soft: foreign root signature %T", sig))
		return
	}
	l.push(op{kind: opSetRootSignature, rootSignature: rs})
}

func (l *commandList) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	var hs []*descriptorHeap
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok || dh.dev != l.dev {
			l.fail(errors.Newf("soft: foreign descriptor heap %T", h))
			return
		}
		if !dh.desc.ShaderVisible {
			l.fail(errors.New("soft: bound descriptor heap is not shader visible"))
			return
		}
		hs = append(hs, dh)
	}
	l.push(op{kind: opSetDescriptorHeaps, heaps: hs})
}

func (l *commandList) SetGraphicsRootDescriptorTable(parameter int, base gpu.DescriptorHandle) {
	l.push(op{kind: opSetDescriptorTable, parameter: parameter, handle: base})
}

func (l *commandList) SetViewports(viewports ...gpu.Viewport) {
	l.push(op{kind: opSetViewports, viewports: append([]gpu.Viewport(nil), viewports...)})
}

func (l *commandList) SetScissorRects(rects ...gpu.Rect) {
	l.push(op{kind: opSetScissors, rects: append([]gpu.Rect(nil), rects...)})
}

func (l *commandList) ResourceBarrier(barriers ...gpu.TransitionBarrier) {
	for _, b := range barriers {
		if _, err := asResource(l.dev, b.Resource); err != nil {
			l.fail(err)
			return
		}
	}
	l.push(op{kind: opBarrier, barriers: append([]gpu.TransitionBarrier(nil), barriers...)})
}

func (l *commandList) ClearRenderTargetView(rtv gpu.DescriptorHandle, color [4]float32) {
	l.push(op{kind: opClearRTV, handle: rtv, color: color})
}

func (l *commandList) ClearDepthStencilView(dsv gpu.DescriptorHandle, depth float32) {
	l.push(op{kind: opClearDSV, handle: dsv, depth: depth})
}

func (l *commandList) SetRenderTargets(rtv gpu.DescriptorHandle, dsv *gpu.DescriptorHandle) {
	o := op{kind: opSetRenderTargets, handle: rtv}
	if dsv != nil {
		h := *dsv
		o.dsv = &h
	}
	l.push(o)
}

func (l *commandList) SetPrimitiveTopology(topology gpu.PrimitiveTopology) {
	l.push(op{kind: opSetTopology, topology: topology})
}

func (l *commandList) SetVertexBuffers(startSlot int, views ...gpu.VertexBufferView) {
	if startSlot != 0 {
		l.fail(errors.Newf("soft: only vertex buffer slot 0 is supported, got %d", startSlot))
		return
	}
	l.push(op{kind: opSetVertexBuffers, vertexBuffers: append([]gpu.VertexBufferView(nil), views...)})
}

func (l *commandList) DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance int) {
	l.push(op{kind: opDraw, draw: [4]int{vertexCountPerInstance, instanceCount, startVertex, startInstance}})
}

func (l *commandList) CopyBufferRegion(dst gpu.Resource, dstOffset int, src gpu.Resource, srcOffset int, size int) {
	d, err := asResource(l.dev, dst)
	if err != nil {
		l.fail(err)
		return
	}
	s, err := asResource(l.dev, src)
	if err != nil {
		l.fail(err)
		return
	}
	if d.texture || s.texture {
		l.fail(errors.New("soft: buffer copy between textures"))
		return
	}
	if dstOffset < 0 || srcOffset < 0 || size <= 0 || dstOffset+size > len(d.data) || srcOffset+size > len(s.data) {
		l.fail(errors.Newf("soft: copy of %d bytes out of bounds", size))
		return
	}
	l.push(op{kind: opCopy, dst: d, dstOff: dstOffset, src: s, srcOff: srcOffset, size: size})
}

func (l *commandList) Release() {}

// freeze captures what the list references at submission time. Constant
// buffer contents are copied so execution can tell whether the CPU wrote
// into them while the draw was still pending.
func (l *commandList) freeze() *submission {
	s := &submission{
		pso:       l.pso,
		ops:       append([]op(nil), l.ops...),
		allocator: l.allocator,
		constants: map[int][]byte{},
	}

	seen := map[*resource]bool{}
	touch := func(r *resource) {
		if r != nil && !seen[r] {
			seen[r] = true
			s.touched = append(s.touched, r)
		}
	}

	var table *gpu.DescriptorHandle
	for i, o := range s.ops {
		switch o.kind {
		case opSetDescriptorTable:
			if o.parameter == 0 {
				h := o.handle
				table = &h
			}
		case opBarrier:
			for _, b := range o.barriers {
				r, _ := asResource(l.dev, b.Resource)
				touch(r)
			}
		case opCopy:
			touch(o.dst)
			touch(o.src)
		case opSetVertexBuffers:
			for _, v := range o.vertexBuffers {
				if r, _, err := l.dev.resolve(v.BufferLocation); err == nil {
					touch(r)
				}
			}
		case opDraw:
			if table == nil {
				continue
			}
			if d, err := lookup(*table, descriptorCBV); err == nil {
				touch(d.resource)
				s.constants[i] = append([]byte(nil), d.resource.data[d.offset:d.offset+d.size]...)
			}
		}
	}
	return s
}

type executionState struct {
	rootSignature *rootSignature
	heaps         []*descriptorHeap
	tables        map[int]gpu.DescriptorHandle
	viewports     []gpu.Viewport
	rtv           *resource
	dsv           *resource
	topology      gpu.PrimitiveTopology
	vertexBuffers []gpu.VertexBufferView
}

func execute(dev *Device, s *submission) {
	st := executionState{tables: map[int]gpu.DescriptorHandle{}}
	pso := s.pso

	for i, o := range s.ops {
		switch o.kind {
		case opSetRootSignature:
			st.rootSignature = o.rootSignature
		case opSetDescriptorHeaps:
			st.heaps = o.heaps
		case opSetDescriptorTable:
			st.tables[o.parameter] = o.handle
		case opSetViewports:
			st.viewports = o.viewports
		case opSetScissors:
		case opBarrier:
			for _, b := range o.barriers {
				r := b.Resource.(*resource)
				if r.state != b.Before {
					dev.report(errors.Newf("soft: barrier on resource %d expects %s, resource is in %s", r.id, b.Before, r.state))
				}
				r.state = b.After
			}
		case opClearRTV:
			d, err := lookup(o.handle, descriptorRTV)
			if err != nil {
				dev.report(errors.Wrap(err, "soft: clear render target"))
				continue
			}
			if d.resource.state != gpu.StateRenderTarget {
				dev.report(errors.Newf("soft: clear of render target %d in state %s", d.resource.id, d.resource.state))
			}
			dev.record(func(s *Stats) { s.Clears++ })
		case opClearDSV:
			d, err := lookup(o.handle, descriptorDSV)
			if err != nil {
				dev.report(errors.Wrap(err, "soft: clear depth stencil"))
				continue
			}
			if d.resource.state != gpu.StateDepthWrite {
				dev.report(errors.Newf("soft: clear of depth buffer %d in state %s", d.resource.id, d.resource.state))
			}
			dev.record(func(s *Stats) { s.Clears++ })
		case opSetRenderTargets:
			d, err := lookup(o.handle, descriptorRTV)
			if err != nil {
				dev.report(errors.Wrap(err, "soft: set render targets"))
				continue
			}
			st.rtv = d.resource
			st.dsv = nil
			if o.dsv != nil {
				dd, err := lookup(*o.dsv, descriptorDSV)
				if err != nil {
					dev.report(errors.Wrap(err, "soft: set depth stencil"))
					continue
				}
				st.dsv = dd.resource
			}
		case opSetTopology:
			st.topology = o.topology
		case opSetVertexBuffers:
			st.vertexBuffers = o.vertexBuffers
		case opDraw:
			executeDraw(dev, &st, pso, o, s.constants[i])
		case opCopy:
			if o.dst.state != gpu.StateCopyDest {
				dev.report(errors.Newf("soft: copy into resource %d in state %s", o.dst.id, o.dst.state))
			}
			copy(o.dst.data[o.dstOff:o.dstOff+o.size], o.src.data[o.srcOff:o.srcOff+o.size])
			dev.record(func(s *Stats) { s.Copies++ })
		}
	}
}

func executeDraw(dev *Device, st *executionState, pso *pipelineState, o op, submitted []byte) {
	switch {
	case pso == nil:
		dev.report(errors.New("soft: draw without a pipeline state"))
		return
	case st.rootSignature == nil:
		dev.report(errors.New("soft: draw without a root signature"))
		return
	case pso.desc.RootSignature != st.rootSignature:
		dev.report(errors.New("soft: draw with a root signature that does not match the pipeline state"))
		return
	case st.rtv == nil:
		dev.report(errors.New("soft: draw without a render target"))
		return
	case len(st.viewports) == 0:
		dev.report(errors.New("soft: draw without a viewport"))
		return
	case st.topology != pso.desc.Topology:
		dev.report(errors.Newf("soft: draw topology %d does not match pipeline topology %d", st.topology, pso.desc.Topology))
		return
	}
	if st.rtv.state != gpu.StateRenderTarget {
		dev.report(errors.Newf("soft: draw into render target %d in state %s", st.rtv.id, st.rtv.state))
	}
	if pso.desc.DepthStencil.DepthEnable && st.dsv == nil {
		dev.report(errors.New("soft: depth-tested draw without a depth buffer"))
	}

	vertices := o.draw[0] + o.draw[2]
	if len(pso.desc.InputLayout) > 0 {
		if len(st.vertexBuffers) == 0 {
			dev.report(errors.New("soft: draw without a vertex buffer"))
			return
		}
		vb := st.vertexBuffers[0]
		r, _, err := dev.resolve(vb.BufferLocation)
		if err != nil {
			dev.report(errors.Wrap(err, "soft: vertex buffer"))
			return
		}
		if r.state != gpu.StateVertexAndConstantBuffer && r.heap != gpu.HeapUpload {
			dev.report(errors.Newf("soft: vertex buffer %d read in state %s", r.id, r.state))
		}
		if vb.StrideInBytes < pso.stride {
			dev.report(errors.Newf("soft: vertex stride %d smaller than input layout %d", vb.StrideInBytes, pso.stride))
		}
		if vertices*vb.StrideInBytes > vb.SizeInBytes {
			dev.report(errors.Newf("soft: draw reads %d vertices past a %d byte vertex buffer", vertices, vb.SizeInBytes))
		}
	}

	call := DrawCall{
		VertexCount:        o.draw[0],
		InstanceCount:      o.draw[1],
		StartVertex:        o.draw[2],
		StartInstance:      o.draw[3],
		ConstantBufferSlot: -1,
	}

	hazard := false
	if len(st.rootSignature.desc.Parameters) > 0 {
		table, ok := st.tables[0]
		if !ok {
			dev.report(errors.New("soft: draw without a descriptor table for root parameter 0"))
			return
		}
		if !heapBound(st.heaps, table.Heap) {
			dev.report(errors.New("soft: descriptor table from a heap that is not bound"))
		}
		d, err := lookup(table, descriptorCBV)
		if err != nil {
			dev.report(errors.Wrap(err, "soft: constant buffer"))
			return
		}
		call.ConstantBufferSlot = table.Index
		call.Constants = append([]byte(nil), d.resource.data[d.offset:d.offset+d.size]...)
		if submitted != nil && !bytes.Equal(submitted, call.Constants) {
			hazard = true
		}
	}

	dev.record(func(s *Stats) {
		s.Draws = append(s.Draws, call)
		if hazard {
			s.ConstantBufferHazards++
		}
	})
}

func heapBound(heaps []*descriptorHeap, h gpu.DescriptorHeap) bool {
	for _, b := range heaps {
		if gpu.DescriptorHeap(b) == h {
			return true
		}
	}
	return false
}
