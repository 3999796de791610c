package soft

import (
	"math"
	"testing"
	"time"

	"github.com/vkngwrapper/tutorials/gpu"
)

func newTestDevice(t *testing.T) (*Device, gpu.CommandQueue) {
	t.Helper()

	f := NewFactory(Options{})
	a, err := f.SoftwareAdapter()
	if err != nil {
		t.Fatalf("SoftwareAdapter: %v", err)
	}
	d, err := f.CreateDevice(a, gpu.FeatureLevel11_0)
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	q, err := d.CreateCommandQueue()
	if err != nil {
		t.Fatalf("CreateCommandQueue: %v", err)
	}
	t.Cleanup(d.Release)
	return d.(*Device), q
}

func TestFactoryAdapters(t *testing.T) {
	f := NewFactory(Options{Adapters: []AdapterConfig{
		{Description: "Legacy", MaxFeatureLevel: gpu.FeatureLevel11_0},
		{Description: "Discrete", MaxFeatureLevel: gpu.FeatureLevel12_1},
	}})

	adapters, err := f.Adapters()
	if err != nil {
		t.Fatalf("Adapters: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("got %d adapters, want 2", len(adapters))
	}
	if adapters[0].SupportsFeatureLevel(gpu.FeatureLevel11_1) {
		t.Errorf("legacy adapter should not support 11_1")
	}
	if !adapters[1].SupportsFeatureLevel(gpu.FeatureLevel11_1) {
		t.Errorf("discrete adapter should support 11_1")
	}
	if adapters[0].Desc().ID == adapters[1].Desc().ID {
		t.Errorf("adapter ids should differ")
	}

	if _, err := f.CreateDevice(adapters[0], gpu.FeatureLevel12_0); err == nil {
		t.Errorf("CreateDevice above the adapter's level should fail")
	}

	warp, _ := f.SoftwareAdapter()
	if !warp.Desc().Software {
		t.Errorf("software adapter should report Software")
	}
	if warp.Desc().Description != softwareDescription {
		t.Errorf("Description = %q", warp.Desc().Description)
	}
}

func TestFenceOrdering(t *testing.T) {
	d, q := newTestDevice(t)

	gf, _ := d.CreateFence(0)
	resume := d.Suspend()

	if err := q.Signal(gf, 1); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if v := gf.CompletedValue(); v != 0 {
		t.Errorf("CompletedValue while suspended = %d, want 0", v)
	}

	resume()
	if err := gf.Wait(1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v := gf.CompletedValue(); v != 1 {
		t.Errorf("CompletedValue = %d, want 1", v)
	}
}

func TestRemovedDeviceUnblocksWaits(t *testing.T) {
	d, q := newTestDevice(t)

	gf, _ := d.CreateFence(0)
	resume := d.Suspend()
	defer resume()

	done := make(chan struct{})
	go func() {
		_ = gf.Wait(10)
		close(done)
	}()

	d.Remove(gpu.ErrDeviceReset)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after device removal")
	}

	if v := gf.CompletedValue(); v != math.MaxUint64 {
		t.Errorf("CompletedValue = %d, want MaxUint64", v)
	}
	if err := q.Signal(gf, 11); !gpu.IsDeviceLost(err) {
		t.Errorf("Signal error = %v, want device lost", err)
	}
}

func TestAllocatorResetWhileInFlight(t *testing.T) {
	d, q := newTestDevice(t)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, nil)
	if err := list.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resume := d.Suspend()
	if err := q.ExecuteCommandLists(list); err != nil {
		t.Fatalf("ExecuteCommandLists: %v", err)
	}
	if err := alloc.Reset(); err == nil {
		t.Errorf("Reset with a list in flight should fail")
	}
	resume()

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	if err := alloc.Reset(); err != nil {
		t.Errorf("Reset after completion: %v", err)
	}
	if len(d.Problems()) != 1 {
		t.Errorf("got %d problems, want 1", len(d.Problems()))
	}
}

func TestCommandListErrorsSurfaceOnClose(t *testing.T) {
	d, _ := newTestDevice(t)

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, nil)
	list.SetVertexBuffers(1)
	if err := list.Close(); err == nil {
		t.Errorf("Close should report the recording error")
	}
	if err := list.Close(); err == nil {
		t.Errorf("second Close should fail")
	}
}

func TestConstantBufferHazard(t *testing.T) {
	d, q := newTestDevice(t)
	heap, _ := d.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapCBVSRVUAV, NumDescriptors: 1, ShaderVisible: true})
	rtvHeap, _ := d.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapRTV, NumDescriptors: 1})

	cb, _ := d.CreateBuffer(gpu.BufferDesc{Size: 256, Heap: gpu.HeapUpload, InitialState: gpu.StateGenericRead})
	if err := d.CreateConstantBufferView(gpu.ConstantBufferViewDesc{BufferLocation: cb.GPUVirtualAddress(), SizeInBytes: 256}, heap.Start()); err != nil {
		t.Fatalf("CreateConstantBufferView: %v", err)
	}
	rt, _ := d.CreateTexture(gpu.TextureDesc{Width: 4, Height: 4, Format: gpu.FormatB8G8R8A8Unorm, InitialState: gpu.StateRenderTarget})
	if err := d.CreateRenderTargetView(rt, rtvHeap.Start()); err != nil {
		t.Fatalf("CreateRenderTargetView: %v", err)
	}

	rs, _ := d.CreateRootSignature(gpu.RootSignatureDesc{Parameters: []gpu.RootParameter{{
		Ranges:     []gpu.DescriptorRange{{Type: gpu.RangeCBV, Count: 1}},
		Visibility: gpu.VisibilityVertex,
	}}})
	pso, err := d.CreateGraphicsPipelineState(gpu.GraphicsPipelineStateDesc{
		RootSignature: rs,
		VS:            []byte{1},
		PS:            []byte{1},
		RTVFormats:    []gpu.Format{gpu.FormatB8G8R8A8Unorm},
		Topology:      gpu.TopologyTriangleList,
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipelineState: %v", err)
	}

	mapped, err := cb.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	mapped[0] = 1

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, pso)
	list.SetGraphicsRootSignature(rs)
	list.SetDescriptorHeaps(heap)
	list.SetGraphicsRootDescriptorTable(0, heap.Start())
	list.SetViewports(gpu.Viewport{Width: 4, Height: 4, MaxDepth: 1})
	list.SetRenderTargets(rtvHeap.Start(), nil)
	list.SetPrimitiveTopology(gpu.TopologyTriangleList)
	list.DrawInstanced(3, 1, 0, 0)
	if err := list.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resume := d.Suspend()
	if err := q.ExecuteCommandLists(list); err != nil {
		t.Fatalf("ExecuteCommandLists: %v", err)
	}
	mapped[0] = 2
	resume()

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	stats := d.Stats()
	if len(stats.Draws) != 1 {
		t.Fatalf("got %d draws, want 1", len(stats.Draws))
	}
	if stats.ConstantBufferHazards != 1 {
		t.Errorf("ConstantBufferHazards = %d, want 1", stats.ConstantBufferHazards)
	}
	if got := stats.Draws[0].Constants[0]; got != 2 {
		t.Errorf("draw read %d, want 2", got)
	}
	if problems := d.Problems(); len(problems) != 0 {
		t.Errorf("unexpected problems: %v", problems)
	}
}

func TestListResetAfterSubmitKeepsPipeline(t *testing.T) {
	d, q := newTestDevice(t)
	rtvHeap, _ := d.CreateDescriptorHeap(gpu.DescriptorHeapDesc{Type: gpu.DescriptorHeapRTV, NumDescriptors: 1})
	rt, _ := d.CreateTexture(gpu.TextureDesc{Width: 4, Height: 4, Format: gpu.FormatB8G8R8A8Unorm, InitialState: gpu.StateRenderTarget})
	if err := d.CreateRenderTargetView(rt, rtvHeap.Start()); err != nil {
		t.Fatalf("CreateRenderTargetView: %v", err)
	}
	rs, _ := d.CreateRootSignature(gpu.RootSignatureDesc{})
	pso, err := d.CreateGraphicsPipelineState(gpu.GraphicsPipelineStateDesc{
		RootSignature: rs,
		VS:            []byte{1},
		PS:            []byte{1},
		RTVFormats:    []gpu.Format{gpu.FormatB8G8R8A8Unorm},
		Topology:      gpu.TopologyTriangleList,
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipelineState: %v", err)
	}

	first, _ := d.CreateCommandAllocator()
	second, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(first, pso)
	list.SetGraphicsRootSignature(rs)
	list.SetViewports(gpu.Viewport{Width: 4, Height: 4, MaxDepth: 1})
	list.SetRenderTargets(rtvHeap.Start(), nil)
	list.SetPrimitiveTopology(gpu.TopologyTriangleList)
	list.DrawInstanced(3, 1, 0, 0)
	if err := list.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resume := d.Suspend()
	if err := q.ExecuteCommandLists(list); err != nil {
		t.Fatalf("ExecuteCommandLists: %v", err)
	}
	// Only the allocator has to wait for the GPU; the list may be reused.
	if err := list.Reset(second, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	resume()

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	if draws := len(d.Stats().Draws); draws != 1 {
		t.Errorf("got %d draws, want 1", draws)
	}
	if problems := d.Problems(); len(problems) != 0 {
		t.Errorf("unexpected problems: %v", problems)
	}
}

func TestBarrierStateMismatch(t *testing.T) {
	d, q := newTestDevice(t)

	buf, _ := d.CreateBuffer(gpu.BufferDesc{Size: 64, InitialState: gpu.StateCopyDest})
	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, nil)
	list.ResourceBarrier(gpu.TransitionBarrier{Resource: buf, Before: gpu.StateCommon, After: gpu.StateVertexAndConstantBuffer})
	_ = list.Close()
	_ = q.ExecuteCommandLists(list)

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	if len(d.Problems()) != 1 {
		t.Errorf("got %d problems, want 1", len(d.Problems()))
	}
}

func TestCopyBufferRegion(t *testing.T) {
	d, q := newTestDevice(t)

	src, _ := d.CreateBuffer(gpu.BufferDesc{Size: 16, Heap: gpu.HeapUpload, InitialState: gpu.StateGenericRead})
	dst, _ := d.CreateBuffer(gpu.BufferDesc{Size: 16, InitialState: gpu.StateCopyDest})

	mapped, _ := src.Map()
	copy(mapped, "0123456789abcdef")
	src.Unmap()

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, nil)
	list.CopyBufferRegion(dst, 0, src, 0, 16)
	list.ResourceBarrier(gpu.TransitionBarrier{Resource: dst, Before: gpu.StateCopyDest, After: gpu.StateVertexAndConstantBuffer})
	_ = list.Close()
	_ = q.ExecuteCommandLists(list)

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	if got := string(dst.(*resource).data); got != "0123456789abcdef" {
		t.Errorf("dst = %q", got)
	}
	if s := d.Stats(); s.Copies != 1 || s.Maps != 1 || s.Unmaps != 1 {
		t.Errorf("stats = %+v", s)
	}
	if len(d.Problems()) != 0 {
		t.Errorf("unexpected problems: %v", d.Problems())
	}
}

func TestReleaseInFlight(t *testing.T) {
	d, q := newTestDevice(t)

	dst, _ := d.CreateBuffer(gpu.BufferDesc{Size: 16, InitialState: gpu.StateCopyDest})
	src, _ := d.CreateBuffer(gpu.BufferDesc{Size: 16, Heap: gpu.HeapUpload, InitialState: gpu.StateGenericRead})

	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc, nil)
	list.CopyBufferRegion(dst, 0, src, 0, 16)
	_ = list.Close()

	resume := d.Suspend()
	_ = q.ExecuteCommandLists(list)
	src.Release()
	resume()

	if len(d.Problems()) != 1 {
		t.Errorf("got %d problems, want 1", len(d.Problems()))
	}
}

func TestSwapChainPresentAndResize(t *testing.T) {
	d, q := newTestDevice(t)
	f := NewFactory(Options{})

	sc, err := f.CreateSwapChain(q, nil, gpu.SwapChainDesc{Width: 8, Height: 8, Format: gpu.FormatB8G8R8A8Unorm, BufferCount: 3})
	if err != nil {
		t.Fatalf("CreateSwapChain: %v", err)
	}

	for i := 0; i < 4; i++ {
		if got := sc.CurrentBackBufferIndex(); got != i%3 {
			t.Errorf("frame %d: index %d", i, got)
		}
		if err := sc.Present(1); err != nil {
			t.Fatalf("Present: %v", err)
		}
	}

	b, _ := sc.Buffer(0)
	if err := sc.ResizeBuffers(0, 16, 16, gpu.FormatUnknown); err == nil {
		t.Errorf("resize with a referenced back buffer should fail")
	}
	b.Release()

	gf, _ := d.CreateFence(0)
	_ = q.Signal(gf, 1)
	_ = gf.Wait(1)

	if err := sc.ResizeBuffers(0, 16, 16, gpu.FormatUnknown); err != nil {
		t.Fatalf("ResizeBuffers: %v", err)
	}
	desc := sc.Desc()
	if desc.BufferCount != 3 || desc.Width != 16 || desc.Format != gpu.FormatB8G8R8A8Unorm {
		t.Errorf("desc = %+v", desc)
	}
	if sc.CurrentBackBufferIndex() != 0 {
		t.Errorf("index after resize = %d", sc.CurrentBackBufferIndex())
	}

	stats := d.Stats()
	if stats.Presents != 4 || stats.Resizes != 1 {
		t.Errorf("stats = %+v", stats)
	}

	d.Remove(nil)
	if err := sc.Present(1); !gpu.IsDeviceLost(err) {
		t.Errorf("Present after removal = %v", err)
	}
	if err := sc.ResizeBuffers(0, 8, 8, gpu.FormatUnknown); !gpu.IsDeviceLost(err) {
		t.Errorf("ResizeBuffers after removal = %v", err)
	}
}
