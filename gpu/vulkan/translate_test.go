package vulkan

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/tutorials/gpu"
)

type fakeRecorder struct {
	calls    []string
	begins   []core1_0.RenderPassBeginInfo
	images   []core1_0.ImageMemoryBarrier
	buffers  []core1_0.BufferMemoryBarrier
	copies   []core1_0.BufferCopy
	draws    int
	setCount int
}

func (r *fakeRecorder) CmdBeginRenderPass(contents core1_0.SubpassContents, info core1_0.RenderPassBeginInfo) error {
	r.calls = append(r.calls, "begin")
	r.begins = append(r.begins, info)
	return nil
}

func (r *fakeRecorder) CmdEndRenderPass() { r.calls = append(r.calls, "end") }

func (r *fakeRecorder) CmdBindPipeline(core1_0.PipelineBindPoint, core1_0.Pipeline) {
	r.calls = append(r.calls, "pipeline")
}

func (r *fakeRecorder) CmdBindDescriptorSets(_ core1_0.PipelineBindPoint, _ core1_0.PipelineLayout, sets []core1_0.DescriptorSet, _ []int) {
	r.calls = append(r.calls, "sets")
	r.setCount = len(sets)
}

func (r *fakeRecorder) CmdBindVertexBuffers(int, []core1_0.Buffer, []int) {
	r.calls = append(r.calls, "vb")
}

func (r *fakeRecorder) CmdSetViewport([]core1_0.Viewport) { r.calls = append(r.calls, "viewport") }
func (r *fakeRecorder) CmdSetScissor([]core1_0.Rect2D)    { r.calls = append(r.calls, "scissor") }

func (r *fakeRecorder) CmdDraw(int, int, uint32, uint32) {
	r.calls = append(r.calls, "draw")
	r.draws++
}

func (r *fakeRecorder) CmdCopyBuffer(_, _ core1_0.Buffer, regions []core1_0.BufferCopy) error {
	r.calls = append(r.calls, "copy")
	r.copies = append(r.copies, regions...)
	return nil
}

func (r *fakeRecorder) CmdPipelineBarrier(_, _ core1_0.PipelineStageFlags, _ core1_0.DependencyFlags, _ []core1_0.MemoryBarrier, buffers []core1_0.BufferMemoryBarrier, images []core1_0.ImageMemoryBarrier) error {
	r.calls = append(r.calls, "barrier")
	r.buffers = append(r.buffers, buffers...)
	r.images = append(r.images, images...)
	return nil
}

type fakePasses struct {
	keys []passKey
}

func (p *fakePasses) renderPass(key passKey) (core1_0.RenderPass, error) {
	p.keys = append(p.keys, key)
	return nil, nil
}

func (p *fakePasses) framebuffer(core1_0.RenderPass, *texture, *texture) (core1_0.Framebuffer, error) {
	return nil, nil
}

type scene struct {
	rec    *fakeRecorder
	passes *fakePasses
	tr     *translator

	backBuffer, depth *texture
	rtvHeap, dsvHeap  *descriptorHeap
	cbvHeap           *descriptorHeap
	vertices          *buffer
	rs                *rootSignature
	pso               *pipelineState
}

func newScene() *scene {
	s := &scene{rec: &fakeRecorder{}, passes: &fakePasses{}}

	s.backBuffer = &texture{
		format: gpu.FormatB8G8R8A8Unorm, vkFormat: core1_0.FormatB8G8R8A8UnsignedNormalized,
		aspect: core1_0.ImageAspectColor, width: 800, height: 600,
	}
	s.depth = &texture{
		format: gpu.FormatD32Float, vkFormat: core1_0.FormatD32SignedFloat,
		aspect: core1_0.ImageAspectDepth, width: 1024, height: 512,
	}
	s.rtvHeap = &descriptorHeap{slots: []descriptor{{texture: s.backBuffer}}}
	s.dsvHeap = &descriptorHeap{slots: []descriptor{{texture: s.depth}}}

	s.vertices = &buffer{addr: addressAlignment, size: 3 * 12, heap: gpu.HeapDefault}
	constants := &buffer{addr: 2 * addressAlignment, size: 256, heap: gpu.HeapUpload}
	s.cbvHeap = &descriptorHeap{
		desc:  gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapCBVSRVUAV, NumDescriptors: 1, ShaderVisible: true},
		slots: []descriptor{{buffer: constants, size: 256}},
		sets:  make([]core1_0.DescriptorSet, 1),
	}

	s.rs = &rootSignature{desc: gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{
		{Ranges: []gpu.DescriptorRange{{Type: gpu.RangeCBV, Count: 1}}},
	}}}
	s.pso = &pipelineState{
		rootSignature: s.rs,
		topology:      gpu.TopologyTriangleList,
		key:           passKey{color: core1_0.FormatB8G8R8A8UnsignedNormalized, depth: core1_0.FormatD32SignedFloat},
		stride:        12,
	}

	buffers := []*buffer{s.vertices, constants}
	resolve := func(addr uint64) (*buffer, int, error) {
		for _, b := range buffers {
			if addr >= b.addr && addr < b.addr+uint64(b.size) {
				return b, int(addr - b.addr), nil
			}
		}
		return nil, 0, errors.Newf("no buffer at %#x", addr)
	}
	s.tr = newTranslator(s.rec, s.passes, resolve)
	s.tr.pipeline = s.pso
	return s
}

func (s *scene) rtv() gpu.DescriptorHandle { return gpu.DescriptorHandle{Heap: s.rtvHeap} }
func (s *scene) dsv() gpu.DescriptorHandle { return gpu.DescriptorHandle{Heap: s.dsvHeap} }

// bind sets everything a draw needs.
func (s *scene) bind() {
	dsv := s.dsv()
	s.tr.rootSignature = s.rs
	s.tr.heaps = []*descriptorHeap{s.cbvHeap}
	s.tr.tables[0] = gpu.DescriptorHandle{Heap: s.cbvHeap}
	s.tr.setViewports([]gpu.Viewport{{Width: 800, Height: 600, MaxDepth: 1}})
	s.tr.setScissors([]gpu.Rect{{Right: 800, Bottom: 600}})
	s.tr.setRenderTargets(s.rtv(), &dsv)
	s.tr.topology = gpu.TopologyTriangleList
	s.tr.setVertexBuffers(0, []gpu.VertexBufferView{
		{BufferLocation: s.vertices.addr, SizeInBytes: s.vertices.size, StrideInBytes: 12},
	})
}

func calls(r *fakeRecorder) string { return strings.Join(r.calls, ",") }

func TestClearsBecomeLoadOps(t *testing.T) {
	s := newScene()
	s.bind()
	s.tr.clearRenderTarget(s.rtv(), [4]float32{0, 0.2, 0.4, 1})
	s.tr.clearDepth(s.dsv(), 1)
	s.tr.draw(3, 1, 0, 0)
	if err := s.tr.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if want := "begin,pipeline,viewport,scissor,sets,vb,draw,end"; calls(s.rec) != want {
		t.Errorf("calls = %s, want %s", calls(s.rec), want)
	}
	if len(s.passes.keys) != 1 {
		t.Fatalf("got %d render passes, want 1", len(s.passes.keys))
	}
	key := s.passes.keys[0]
	if !key.clearColor || !key.clearDepth {
		t.Errorf("pass key %+v should clear both attachments", key)
	}
	info := s.rec.begins[0]
	if len(info.ClearValues) != 2 {
		t.Fatalf("got %d clear values, want 2", len(info.ClearValues))
	}
	if c := info.ClearValues[0].(core1_0.ClearValueFloat); c[2] != 0.4 {
		t.Errorf("color clear = %v", c)
	}
	if d := info.ClearValues[1].(core1_0.ClearValueDepthStencil); d.Depth != 1 {
		t.Errorf("depth clear = %v", d.Depth)
	}
	// The render area is the intersection of the attachments.
	if e := info.RenderArea.Extent; e.Width != 800 || e.Height != 512 {
		t.Errorf("render area = %dx%d, want 800x512", e.Width, e.Height)
	}
	if s.rec.setCount != 1 {
		t.Errorf("bound %d descriptor sets, want 1", s.rec.setCount)
	}
}

func TestDrawsShareAPass(t *testing.T) {
	s := newScene()
	s.bind()
	s.tr.clearRenderTarget(s.rtv(), [4]float32{})
	s.tr.draw(3, 1, 0, 0)
	s.tr.draw(3, 1, 0, 0)
	if err := s.tr.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(s.rec.begins) != 1 || s.rec.draws != 2 {
		t.Errorf("got %d passes and %d draws, want 1 and 2", len(s.rec.begins), s.rec.draws)
	}
	if s.passes.keys[0].clearDepth {
		t.Errorf("depth was never cleared but the pass clears it")
	}
}

func TestClearWithoutDrawIsFlushedAtBarrier(t *testing.T) {
	s := newScene()
	s.tr.setRenderTargets(s.rtv(), nil)
	s.tr.clearRenderTarget(s.rtv(), [4]float32{1, 0, 0, 1})
	s.tr.barrier([]gpu.TransitionBarrier{
		{Resource: s.backBuffer, Before: gpu.StateRenderTarget, After: gpu.StatePresent},
	})
	if err := s.tr.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if want := "begin,end,barrier"; calls(s.rec) != want {
		t.Errorf("calls = %s, want %s", calls(s.rec), want)
	}
	if key := s.passes.keys[0]; !key.clearColor || key.depth != core1_0.FormatUndefined {
		t.Errorf("pass key %+v should clear color only", key)
	}
}

func TestClearEndsOpenPass(t *testing.T) {
	s := newScene()
	s.bind()
	s.tr.draw(3, 1, 0, 0)
	s.tr.clearRenderTarget(s.rtv(), [4]float32{})
	s.tr.draw(3, 1, 0, 0)
	if err := s.tr.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(s.passes.keys) != 2 {
		t.Fatalf("got %d passes, want 2", len(s.passes.keys))
	}
	if s.passes.keys[0].clearColor || !s.passes.keys[1].clearColor {
		t.Errorf("only the second pass should clear, keys %+v", s.passes.keys)
	}
}

func TestBarrierLayouts(t *testing.T) {
	s := newScene()
	s.tr.barrier([]gpu.TransitionBarrier{
		{Resource: s.backBuffer, Before: gpu.StatePresent, After: gpu.StateRenderTarget},
		{Resource: s.vertices, Before: gpu.StateCopyDest, After: gpu.StateVertexAndConstantBuffer},
	})
	s.tr.barrier([]gpu.TransitionBarrier{
		{Resource: s.backBuffer, Before: gpu.StateRenderTarget, After: gpu.StatePresent},
	})
	if err := s.tr.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if len(s.rec.images) != 2 || len(s.rec.buffers) != 1 {
		t.Fatalf("got %d image and %d buffer barriers", len(s.rec.images), len(s.rec.buffers))
	}
	in, out := s.rec.images[0], s.rec.images[1]
	if in.OldLayout != core1_0.ImageLayoutUndefined || in.NewLayout != core1_0.ImageLayoutColorAttachmentOptimal {
		t.Errorf("present to render target: %v -> %v", in.OldLayout, in.NewLayout)
	}
	if out.OldLayout != core1_0.ImageLayoutColorAttachmentOptimal || out.NewLayout != khr_swapchain.ImageLayoutPresentSrc {
		t.Errorf("render target to present: %v -> %v", out.OldLayout, out.NewLayout)
	}
	if b := s.rec.buffers[0]; b.SrcAccessMask != core1_0.AccessTransferWrite || b.Size != s.vertices.size {
		t.Errorf("buffer barrier = %+v", b)
	}
}

func TestCopyBounds(t *testing.T) {
	s := newScene()
	upload := &buffer{size: 36, heap: gpu.HeapUpload}
	s.tr.copyBuffer(s.vertices, 0, upload, 0, 36)
	if err := s.tr.finish(); err != nil {
		t.Fatalf("in-bounds copy: %v", err)
	}
	if len(s.rec.copies) != 1 || s.rec.copies[0].Size != 36 {
		t.Errorf("copies = %+v", s.rec.copies)
	}

	s = newScene()
	s.tr.copyBuffer(s.vertices, 8, upload, 0, 36)
	if err := s.tr.finish(); err == nil {
		t.Errorf("overrunning copy should fail")
	}
}

func TestDrawValidation(t *testing.T) {
	tests := []struct {
		name   string
		breaks func(s *scene)
		want   string
	}{
		{"no pipeline", func(s *scene) { s.tr.pipeline = nil }, "without a pipeline"},
		{"root signature", func(s *scene) { s.tr.rootSignature = &rootSignature{} }, "root signature"},
		{"no viewport", func(s *scene) { s.tr.setViewports(nil) }, "viewport"},
		{"no depth", func(s *scene) { s.tr.dsv = nil }, "depth target"},
		{"stride", func(s *scene) { s.tr.vertexStride = 16 }, "stride"},
		{"topology", func(s *scene) { s.tr.topology = gpu.TopologyUndefined }, "topology"},
		{"unbound heap", func(s *scene) { s.tr.heaps = nil }, "unbound heap"},
		{"missing table", func(s *scene) { delete(s.tr.tables, 0) }, "no descriptor table"},
		{"format", func(s *scene) { s.backBuffer.vkFormat = core1_0.FormatR8G8B8A8UnsignedNormalized }, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScene()
			s.bind()
			tt.breaks(s)
			s.tr.draw(3, 1, 0, 0)
			err := s.tr.finish()
			if err == nil {
				t.Fatalf("draw should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if s.rec.draws != 0 {
				t.Errorf("invalid draw was recorded")
			}
		})
	}
}

func TestVertexBufferSlots(t *testing.T) {
	s := newScene()
	view := gpu.VertexBufferView{BufferLocation: s.vertices.addr, SizeInBytes: 12, StrideInBytes: 12}
	s.tr.setVertexBuffers(1, []gpu.VertexBufferView{view})
	if s.tr.finish() == nil {
		t.Errorf("binding slot 1 should fail")
	}

	s = newScene()
	view.BufferLocation = s.vertices.addr + 30
	s.tr.setVertexBuffers(0, []gpu.VertexBufferView{view})
	if s.tr.finish() == nil {
		t.Errorf("a view past the end of the buffer should fail")
	}
}

func TestFormatMapping(t *testing.T) {
	for f, want := range map[gpu.Format]core1_0.Format{
		gpu.FormatB8G8R8A8Unorm:  core1_0.FormatB8G8R8A8UnsignedNormalized,
		gpu.FormatR8G8B8A8Unorm:  core1_0.FormatR8G8B8A8UnsignedNormalized,
		gpu.FormatD32Float:       core1_0.FormatD32SignedFloat,
		gpu.FormatR32G32B32Float: core1_0.FormatR32G32B32SignedFloat,
	} {
		got, err := vkFormat(f)
		if err != nil || got != want {
			t.Errorf("vkFormat(%s) = %v, %v", f, got, err)
		}
	}
	if _, err := vkFormat(gpu.FormatUnknown); err == nil {
		t.Errorf("unknown format should not map")
	}
}

func TestRequiredVersion(t *testing.T) {
	for level, want := range map[gpu.FeatureLevel]common.APIVersion{
		gpu.FeatureLevel11_0: common.Vulkan1_0,
		gpu.FeatureLevel11_1: common.Vulkan1_0,
		gpu.FeatureLevel12_0: common.Vulkan1_1,
		gpu.FeatureLevel12_1: common.Vulkan1_2,
	} {
		if got := requiredVersion(level); got != want {
			t.Errorf("requiredVersion(%s) = %v, want %v", level, got, want)
		}
	}
}

func TestBytesToBytecode(t *testing.T) {
	code := bytesToBytecode([]byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00})
	if len(code) != 2 || code[0] != 0x07230203 || code[1] != 0x00010000 {
		t.Errorf("bytecode = %#x", code)
	}
}

func TestSurfaceSupports(t *testing.T) {
	formats := []khr_surface.SurfaceFormat{
		{Format: core1_0.FormatB8G8R8A8UnsignedNormalized, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
	}
	if !surfaceSupports(formats, core1_0.FormatB8G8R8A8UnsignedNormalized) {
		t.Errorf("listed format should be supported")
	}
	if surfaceSupports(formats, core1_0.FormatR8G8B8A8UnsignedNormalized) {
		t.Errorf("unlisted format should not be supported")
	}
	undefined := []khr_surface.SurfaceFormat{{Format: core1_0.FormatUndefined, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear}}
	if !surfaceSupports(undefined, core1_0.FormatR8G8B8A8UnsignedNormalized) {
		t.Errorf("an undefined surface format accepts anything")
	}
}

func TestPortabilityEnumeration(t *testing.T) {
	tests := []struct {
		available []string
		names     int
		flags     core1_0.InstanceCreateFlags
	}{
		{nil, 0, 0},
		{[]string{"VK_KHR_surface"}, 0, 0},
		{[]string{"VK_KHR_surface", "VK_KHR_portability_enumeration"}, 1, instanceCreateEnumeratePortability},
	}
	for _, tt := range tests {
		set := map[string]bool{}
		for _, name := range tt.available {
			set[name] = true
		}
		names, flags := portabilityEnumeration(func(name string) bool { return set[name] })
		if len(names) != tt.names || flags != tt.flags {
			t.Errorf("available %v: names %v flags %#x", tt.available, names, flags)
		}
		if len(names) == 1 && names[0] != "VK_KHR_portability_enumeration" {
			t.Errorf("enabled %q", names[0])
		}
	}
}
