// Package gpu is the object model shared by the device manager, the
// renderer and the backends that drive real or emulated hardware.
//
// The model is explicit: work reaches the GPU only through a CommandQueue,
// command lists are recorded against a CommandAllocator, and CPU/GPU
// ordering is expressed with monotonic Fence values. Backends report device
// loss by returning errors that satisfy IsDeviceLost.
package gpu

// Window is the host surface a swap chain presents to. Backends document
// which concrete types they accept.
type Window interface{}

type Adapter interface {
	Desc() AdapterDesc
	// SupportsFeatureLevel reports whether a device could be created on this
	// adapter at level, without creating one.
	SupportsFeatureLevel(level FeatureLevel) bool
}

type Factory interface {
	// Adapters lists adapters in preference order.
	Adapters() ([]Adapter, error)
	// SoftwareAdapter returns the CPU rasterizer, if the backend has one.
	SoftwareAdapter() (Adapter, error)
	CreateDevice(adapter Adapter, level FeatureLevel) (Device, error)
	CreateSwapChain(queue CommandQueue, window Window, desc SwapChainDesc) (SwapChain, error)
	Close() error
}

type Device interface {
	CreateCommandQueue() (CommandQueue, error)
	CreateCommandAllocator() (CommandAllocator, error)
	// CreateCommandList returns a list in the recording state.
	CreateCommandList(allocator CommandAllocator, pipelineState PipelineState) (CommandList, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateBuffer(desc BufferDesc) (Resource, error)
	CreateTexture(desc TextureDesc) (Resource, error)
	CreateRenderTargetView(resource Resource, dest DescriptorHandle) error
	CreateDepthStencilView(resource Resource, dest DescriptorHandle) error
	CreateConstantBufferView(desc ConstantBufferViewDesc, dest DescriptorHandle) error
	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)
	CreateGraphicsPipelineState(desc GraphicsPipelineStateDesc) (PipelineState, error)
	Release()
}

type CommandQueue interface {
	ExecuteCommandLists(lists ...CommandList) error
	// Signal enqueues a fence update that happens once all previously
	// submitted work has finished.
	Signal(fence Fence, value uint64) error
}

type CommandAllocator interface {
	// Reset reclaims the memory of every list recorded against the
	// allocator. The caller guarantees the GPU is done with them.
	Reset() error
	Release()
}

// CommandList records commands. Recording errors are deferred and returned
// by Close.
type CommandList interface {
	Reset(allocator CommandAllocator, pipelineState PipelineState) error
	Close() error

	SetGraphicsRootSignature(rootSignature RootSignature)
	SetDescriptorHeaps(heaps ...DescriptorHeap)
	SetGraphicsRootDescriptorTable(parameter int, base DescriptorHandle)
	SetViewports(viewports ...Viewport)
	SetScissorRects(rects ...Rect)
	ResourceBarrier(barriers ...TransitionBarrier)
	ClearRenderTargetView(rtv DescriptorHandle, color [4]float32)
	ClearDepthStencilView(dsv DescriptorHandle, depth float32)
	SetRenderTargets(rtv DescriptorHandle, dsv *DescriptorHandle)
	SetPrimitiveTopology(topology PrimitiveTopology)
	SetVertexBuffers(startSlot int, views ...VertexBufferView)
	DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance int)
	CopyBufferRegion(dst Resource, dstOffset int, src Resource, srcOffset int, size int)

	Release()
}

type Fence interface {
	CompletedValue() uint64
	// Wait blocks until the fence reaches value. There is no timeout.
	Wait(value uint64) error
	Release()
}

type SwapChain interface {
	Desc() SwapChainDesc
	// ResizeBuffers discards the back buffers and creates new ones. Buffers
	// previously returned by Buffer must not be used afterwards.
	ResizeBuffers(count, width, height int, format Format) error
	Buffer(index int) (Resource, error)
	CurrentBackBufferIndex() int
	Present(syncInterval int) error
	Release()
}

type DescriptorHeap interface {
	Desc() DescriptorHeapDesc
	Start() DescriptorHandle
	Release()
}

type Resource interface {
	GPUVirtualAddress() uint64
	Size() int
	// Map returns CPU-visible memory for upload-heap resources. The slice
	// stays valid until Unmap.
	Map() ([]byte, error)
	Unmap()
	Release()
}

type RootSignature interface {
	Desc() RootSignatureDesc
	Release()
}

type PipelineState interface {
	Release()
}
