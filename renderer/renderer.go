// Package renderer draws a single rotating triangle. Device objects come
// from a DeviceResources, usually a *device.Manager.
//
// Loading runs on its own goroutine: the two shader blobs are read
// concurrently, then the pipeline state is built, then the geometry is
// uploaded and the constant buffer mapped. Render is a no-op until all of
// that has finished.
package renderer

import (
	"fmt"
	"io/fs"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/vkngwrapper/tutorials/gpu"
	"github.com/vkngwrapper/tutorials/settings"
)

// FrameCount matches the swap chain depth of the device manager.
const FrameCount = 3

const radiansPerSecond = math.Pi / 4

// DeviceResources is what the renderer needs from the device manager.
type DeviceResources interface {
	Device() gpu.Device
	CommandQueue() gpu.CommandQueue
	CommandAllocator() gpu.CommandAllocator
	CurrentFrameIndex() int
	RenderTarget() gpu.Resource
	RenderTargetView() gpu.DescriptorHandle
	DepthStencilView() gpu.DescriptorHandle
	OutputSize() gpu.Size
	ScreenViewport() gpu.Viewport
	OrientationTransform3D() mgl32.Mat4
	BackBufferFormat() gpu.Format
	DepthBufferFormat() gpu.Format
	WaitForGpu() error
}

type LoadState int32

const (
	NotLoaded LoadState = iota
	ShadersLoading
	PipelineStateReady
	AssetsUploading
	LoadingComplete
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case ShadersLoading:
		return "ShadersLoading"
	case PipelineStateReady:
		return "PipelineStateReady"
	case AssetsUploading:
		return "AssetsUploading"
	case LoadingComplete:
		return "LoadingComplete"
	}
	return fmt.Sprintf("LoadState(%d)", int32(s))
}

// Shader file names inside the shader file system.
const (
	D3DVertexShader   = "SampleVertexShader.cso"
	D3DPixelShader    = "SamplePixelShader.cso"
	SPIRVVertexShader = "vert.spv"
	SPIRVPixelShader  = "frag.spv"
)

var cornflowerBlue = [4]float32{0.392156899, 0.584313750, 0.929411829, 1}

type Options struct {
	VertexShader string
	PixelShader  string
	ClearColor   *[4]float32
}

func (o Options) withDefaults() Options {
	if o.VertexShader == "" {
		o.VertexShader = D3DVertexShader
	}
	if o.PixelShader == "" {
		o.PixelShader = D3DPixelShader
	}
	if o.ClearColor == nil {
		c := cornflowerBlue
		o.ClearColor = &c
	}
	return o
}

type Renderer struct {
	res     DeviceResources
	store   settings.Store
	shaders fs.FS
	opts    Options

	rootSignature    gpu.RootSignature
	pipelineState    gpu.PipelineState
	commandList      gpu.CommandList
	cbvHeap          gpu.DescriptorHeap
	vertexBuffer     gpu.Resource
	vertexBufferView gpu.VertexBufferView
	constantBuffer   gpu.Resource
	mapping          *persistentMapping

	state   atomic.Int32
	loaded  chan struct{}
	loadErr error

	constants ModelViewProjection
	scissor   gpu.Rect
	angle     float32
	tracking  bool
	closed    bool
}

// New restores the saved rotation, builds the root signature and starts
// loading in the background. It does not wait for the load.
func New(res DeviceResources, store settings.Store, shaders fs.FS, opts Options) (*Renderer, error) {
	r := &Renderer{
		res:     res,
		store:   store,
		shaders: shaders,
		opts:    opts.withDefaults(),
		loaded:  make(chan struct{}),
	}
	r.constants.Model = mgl32.Ident4()

	r.loadState()

	if err := r.createRootSignature(); err != nil {
		return nil, err
	}
	r.CreateWindowSizeDependentResources()
	r.rotate(r.angle)

	go r.load()
	return r, nil
}

func (r *Renderer) createRootSignature() error {
	rs, err := r.res.Device().CreateRootSignature(gpu.RootSignatureDesc{
		Parameters: []gpu.RootParameter{{
			Ranges:     []gpu.DescriptorRange{{Type: gpu.RangeCBV, Count: 1, BaseRegister: 0}},
			Visibility: gpu.VisibilityVertex,
		}},
		// Only the input assembler and the vertex stage need the table.
		Flags: gpu.RootSignatureAllowInputAssemblerInputLayout |
			gpu.RootSignatureDenyDomainShaderRootAccess |
			gpu.RootSignatureDenyGeometryShaderRootAccess |
			gpu.RootSignatureDenyHullShaderRootAccess |
			gpu.RootSignatureDenyPixelShaderRootAccess,
	})
	if err != nil {
		return errors.Wrap(err, "create root signature")
	}
	r.rootSignature = rs
	return nil
}

func (r *Renderer) setState(s LoadState) {
	r.state.Store(int32(s))
	gpu.Logger().Debug("renderer: load state", "state", s.String())
}

func (r *Renderer) State() LoadState {
	return LoadState(r.state.Load())
}

// Loaded is closed when loading finished, successfully or not.
func (r *Renderer) Loaded() <-chan struct{} {
	return r.loaded
}

// Wait blocks until loading finished and returns its error.
func (r *Renderer) Wait() error {
	<-r.loaded
	return r.loadErr
}

// Err returns the load error without blocking.
func (r *Renderer) Err() error {
	select {
	case <-r.loaded:
		return r.loadErr
	default:
		return nil
	}
}

func (r *Renderer) ready() bool {
	select {
	case <-r.loaded:
		return r.loadErr == nil
	default:
		return false
	}
}

func (r *Renderer) load() {
	defer close(r.loaded)

	if err := r.loadAssets(); err != nil {
		r.loadErr = err
		gpu.Logger().Error("renderer: load failed", "state", r.State().String(), "error", err)
	}
}

func (r *Renderer) loadAssets() error {
	r.setState(ShadersLoading)

	var vertexShader, pixelShader []byte
	g := new(errgroup.Group)
	g.Go(func() error {
		b, err := fs.ReadFile(r.shaders, r.opts.VertexShader)
		if err != nil {
			return errors.Wrap(err, "read vertex shader")
		}
		vertexShader = b
		return nil
	})
	g.Go(func() error {
		b, err := fs.ReadFile(r.shaders, r.opts.PixelShader)
		if err != nil {
			return errors.Wrap(err, "read pixel shader")
		}
		pixelShader = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	dev := r.res.Device()
	pso, err := dev.CreateGraphicsPipelineState(gpu.GraphicsPipelineStateDesc{
		RootSignature: r.rootSignature,
		VS:            vertexShader,
		PS:            pixelShader,
		InputLayout: []gpu.InputElementDesc{
			{SemanticName: "POSITION", Format: gpu.FormatR32G32B32Float, AlignedByteOffset: 0},
			{SemanticName: "COLOR", Format: gpu.FormatR32G32B32Float, AlignedByteOffset: 12},
		},
		Rasterizer:   gpu.DefaultRasterizerState(),
		Blend:        gpu.DefaultBlendState(),
		DepthStencil: gpu.DefaultDepthStencilState(),
		SampleMask:   math.MaxUint32,
		Topology:     gpu.TopologyTriangleList,
		RTVFormats:   []gpu.Format{r.res.BackBufferFormat()},
		DSVFormat:    r.res.DepthBufferFormat(),
		SampleCount:  1,
	})
	if err != nil {
		return errors.Wrap(err, "create pipeline state")
	}
	r.pipelineState = pso
	r.setState(PipelineStateReady)

	r.setState(AssetsUploading)
	return r.uploadAssets()
}

func (r *Renderer) uploadAssets() error {
	dev := r.res.Device()

	list, err := dev.CreateCommandList(r.res.CommandAllocator(), r.pipelineState)
	if err != nil {
		return errors.Wrap(err, "create command list")
	}
	r.commandList = list

	vertices := vertexBytes(triangleVertices)

	r.vertexBuffer, err = dev.CreateBuffer(gpu.BufferDesc{
		Size:         len(vertices),
		Heap:         gpu.HeapDefault,
		InitialState: gpu.StateCopyDest,
	})
	if err != nil {
		return errors.Wrap(err, "create vertex buffer")
	}

	// The upload buffer has to outlive the copy, so it is released only
	// after WaitForGpu below.
	upload, err := dev.CreateBuffer(gpu.BufferDesc{
		Size:         len(vertices),
		Heap:         gpu.HeapUpload,
		InitialState: gpu.StateGenericRead,
	})
	if err != nil {
		return errors.Wrap(err, "create vertex upload buffer")
	}
	defer upload.Release()

	staging, err := upload.Map()
	if err != nil {
		return errors.Wrap(err, "map vertex upload buffer")
	}
	copy(staging, vertices)
	upload.Unmap()

	list.CopyBufferRegion(r.vertexBuffer, 0, upload, 0, len(vertices))
	list.ResourceBarrier(gpu.TransitionBarrier{
		Resource: r.vertexBuffer,
		Before:   gpu.StateCopyDest,
		After:    gpu.StateVertexAndConstantBuffer,
	})

	r.cbvHeap, err = dev.CreateDescriptorHeap(gpu.DescriptorHeapDesc{
		Type:           gpu.DescriptorHeapCBVSRVUAV,
		NumDescriptors: FrameCount,
		ShaderVisible:  true,
	})
	if err != nil {
		return errors.Wrap(err, "create cbv heap")
	}

	r.constantBuffer, err = dev.CreateBuffer(gpu.BufferDesc{
		Size:         FrameCount * alignedConstantBufferSize,
		Heap:         gpu.HeapUpload,
		InitialState: gpu.StateGenericRead,
	})
	if err != nil {
		return errors.Wrap(err, "create constant buffer")
	}

	address := r.constantBuffer.GPUVirtualAddress()
	handle := r.cbvHeap.Start()
	for n := 0; n < FrameCount; n++ {
		err := dev.CreateConstantBufferView(gpu.ConstantBufferViewDesc{
			BufferLocation: address,
			SizeInBytes:    alignedConstantBufferSize,
		}, handle.Offset(n))
		if err != nil {
			return errors.Wrapf(err, "create constant buffer view %d", n)
		}
		address += uint64(alignedConstantBufferSize)
	}

	r.mapping, err = mapPersistently(r.constantBuffer)
	if err != nil {
		return err
	}
	if err := r.mapping.zero(); err != nil {
		return err
	}

	if err := list.Close(); err != nil {
		return errors.Wrap(err, "close upload command list")
	}
	if err := r.res.CommandQueue().ExecuteCommandLists(list); err != nil {
		return errors.Wrap(err, "execute upload command list")
	}

	r.vertexBufferView = gpu.VertexBufferView{
		BufferLocation: r.vertexBuffer.GPUVirtualAddress(),
		StrideInBytes:  vertexStride,
		SizeInBytes:    len(vertices),
	}

	if err := r.res.WaitForGpu(); err != nil {
		return errors.Wrap(err, "wait for upload")
	}

	r.setState(LoadingComplete)
	return nil
}

// CreateWindowSizeDependentResources recomputes the scissor rectangle, the
// projection and the view for the current output size and orientation.
func (r *Renderer) CreateWindowSizeDependentResources() {
	size := r.res.OutputSize()
	// A manager whose window was never set reports a zero size.
	aspect := max(size.Width, 1) / max(size.Height, 1)
	fovY := mgl32.DegToRad(70)

	viewport := r.res.ScreenViewport()
	r.scissor = gpu.Rect{Right: int(viewport.Width), Bottom: int(viewport.Height)}

	// Portrait windows get a wider field of view so the triangle still fits.
	if aspect < 1 {
		fovY *= 2
	}

	perspective := perspectiveFovRH(fovY, aspect, 0.01, 100)
	r.constants.Projection = r.res.OrientationTransform3D().Mul4(perspective)

	eye := mgl32.Vec3{0, 0.7, 1.5}
	at := mgl32.Vec3{0, -0.1, 0}
	up := mgl32.Vec3{0, 1, 0}
	r.constants.View = mgl32.LookAtV(eye, at, up)
}

// Update advances the rotation unless the pointer drives it, and writes the
// constants into the current frame's slot once the buffer is mapped.
func (r *Renderer) Update(elapsedSeconds float64) error {
	if !r.tracking {
		r.angle += float32(elapsedSeconds * radiansPerSecond)
		r.rotate(r.angle)
	}

	if !r.ready() {
		return nil
	}
	offset := r.res.CurrentFrameIndex() * alignedConstantBufferSize
	return r.mapping.write(offset, r.constants.bytes())
}

func (r *Renderer) rotate(radians float32) {
	r.constants.Model = mgl32.HomogRotate3DY(radians)
}

func (r *Renderer) StartTracking() {
	r.tracking = true
}

// TrackingUpdate turns the pointer's x position into an absolute angle:
// dragging across the whole output spins the triangle twice.
func (r *Renderer) TrackingUpdate(pointerX float32) {
	if !r.tracking {
		return
	}
	r.angle = 2 * math.Pi * 2 * pointerX / r.res.OutputSize().Width
	r.rotate(r.angle)
}

func (r *Renderer) StopTracking() {
	r.tracking = false
}

func (r *Renderer) Tracking() bool { return r.tracking }

func (r *Renderer) Angle() float32 { return r.angle }

// Constants returns the constant data for the next Update.
func (r *Renderer) Constants() ModelViewProjection { return r.constants }

// Render records and submits the frame. It reports false until loading
// completed.
func (r *Renderer) Render() (bool, error) {
	if r.closed {
		return false, errors.New("renderer: render after close")
	}
	if !r.ready() {
		return false, nil
	}

	frame := r.res.CurrentFrameIndex()
	allocator := r.res.CommandAllocator()
	if err := allocator.Reset(); err != nil {
		return false, errors.Wrap(err, "reset command allocator")
	}

	list := r.commandList
	if err := list.Reset(allocator, r.pipelineState); err != nil {
		return false, errors.Wrap(err, "reset command list")
	}

	list.SetGraphicsRootSignature(r.rootSignature)
	list.SetDescriptorHeaps(r.cbvHeap)
	list.SetGraphicsRootDescriptorTable(0, r.cbvHeap.Start().Offset(frame))

	list.SetViewports(r.res.ScreenViewport())
	list.SetScissorRects(r.scissor)

	renderTarget := r.res.RenderTarget()
	list.ResourceBarrier(gpu.TransitionBarrier{
		Resource: renderTarget,
		Before:   gpu.StatePresent,
		After:    gpu.StateRenderTarget,
	})

	rtv := r.res.RenderTargetView()
	dsv := r.res.DepthStencilView()
	list.ClearRenderTargetView(rtv, *r.opts.ClearColor)
	list.ClearDepthStencilView(dsv, 1)
	list.SetRenderTargets(rtv, &dsv)

	list.SetPrimitiveTopology(gpu.TopologyTriangleList)
	list.SetVertexBuffers(0, r.vertexBufferView)
	list.DrawInstanced(3, 1, 0, 0)

	list.ResourceBarrier(gpu.TransitionBarrier{
		Resource: renderTarget,
		Before:   gpu.StateRenderTarget,
		After:    gpu.StatePresent,
	})

	if err := list.Close(); err != nil {
		return false, errors.Wrap(err, "close command list")
	}
	if err := r.res.CommandQueue().ExecuteCommandLists(list); err != nil {
		return false, errors.Wrap(err, "execute command list")
	}
	return true, nil
}

// loadState restores the rotation and removes the saved entries.
func (r *Renderer) loadState() {
	if angle, ok := r.store.Float32(settings.AngleKey); ok {
		r.angle = angle
		r.store.Remove(settings.AngleKey)
	}
	if tracking, ok := r.store.Bool(settings.TrackingKey); ok {
		r.tracking = tracking
		r.store.Remove(settings.TrackingKey)
	}
}

// SaveState stores the rotation, replacing earlier entries, and flushes the
// store.
func (r *Renderer) SaveState() error {
	r.store.Remove(settings.AngleKey)
	r.store.Remove(settings.TrackingKey)
	r.store.SetFloat32(settings.AngleKey, r.angle)
	r.store.SetBool(settings.TrackingKey, r.tracking)

	if err := r.store.Flush(); err != nil {
		return errors.Wrap(err, "save renderer state")
	}
	return nil
}

// Close waits for loading and for the GPU, then releases the mapping and
// the device objects. Later Updates fail with ErrMappingReleased.
func (r *Renderer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	<-r.loaded

	err := r.res.WaitForGpu()

	if r.mapping != nil {
		r.mapping.release()
	}
	for _, res := range []gpu.Resource{r.constantBuffer, r.vertexBuffer} {
		if res != nil {
			res.Release()
		}
	}
	if r.cbvHeap != nil {
		r.cbvHeap.Release()
	}
	if r.commandList != nil {
		r.commandList.Release()
	}
	if r.pipelineState != nil {
		r.pipelineState.Release()
	}
	if r.rootSignature != nil {
		r.rootSignature.Release()
	}
	if err != nil {
		return errors.Wrap(err, "wait for gpu")
	}
	return nil
}
