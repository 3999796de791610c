// Package device owns the GPU device, its command queue, the triple-buffered
// swap chain and the fence that paces the CPU against the GPU.
//
// Device loss is never returned as an error. Present and SetWindow record it
// in a sticky flag; the owner checks DeviceRemoved before the next frame and
// rebuilds the Manager.
package device

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/tutorials/gpu"
)

// FrameCount is the number of swap chain buffers and of per-frame slots.
const FrameCount = 3

type Options struct {
	// Debug allows the software adapter when no hardware adapter qualifies.
	Debug bool
	// MinFeatureLevel defaults to gpu.FeatureLevel11_0.
	MinFeatureLevel   gpu.FeatureLevel
	BackBufferFormat  gpu.Format
	DepthBufferFormat gpu.Format
}

func (o Options) withDefaults() Options {
	if o.MinFeatureLevel == 0 {
		o.MinFeatureLevel = gpu.FeatureLevel11_0
	}
	if o.BackBufferFormat == gpu.FormatUnknown {
		o.BackBufferFormat = gpu.FormatB8G8R8A8Unorm
	}
	if o.DepthBufferFormat == gpu.FormatUnknown {
		o.DepthBufferFormat = gpu.FormatD32Float
	}
	return o
}

type Manager struct {
	factory gpu.Factory
	opts    Options

	adapter    gpu.Adapter
	device     gpu.Device
	queue      gpu.CommandQueue
	rtvHeap    gpu.DescriptorHeap
	dsvHeap    gpu.DescriptorHeap
	allocators [FrameCount]gpu.CommandAllocator
	fence      gpu.Fence

	window        gpu.Window
	swapChain     gpu.SwapChain
	renderTargets [FrameCount]gpu.Resource
	depthStencil  gpu.Resource

	removed atomic.Bool

	// mu guards the frame state below. The load chain of a renderer calls
	// WaitForGpu from its own goroutine.
	mu          sync.Mutex
	current     int
	fenceValues [FrameCount]uint64
	outputSize  gpu.Size
	viewport    gpu.Viewport
	orientation mgl32.Mat4
}

// New selects an adapter and creates the device-level objects.
func New(factory gpu.Factory, opts Options) (*Manager, error) {
	m := &Manager{
		factory:     factory,
		opts:        opts.withDefaults(),
		orientation: mgl32.Ident4(),
	}
	if err := m.createDeviceResources(); err != nil {
		m.release()
		return nil, err
	}
	return m, nil
}

func (m *Manager) createDeviceResources() error {
	adapter, err := m.selectAdapter()
	if err != nil {
		return err
	}
	m.adapter = adapter

	m.device, err = m.factory.CreateDevice(adapter, m.opts.MinFeatureLevel)
	if err != nil {
		return errors.Wrapf(err, "create device on %q", adapter.Desc().Description)
	}

	m.queue, err = m.device.CreateCommandQueue()
	if err != nil {
		return errors.Wrap(err, "create command queue")
	}

	m.rtvHeap, err = m.device.CreateDescriptorHeap(gpu.DescriptorHeapDesc{
		Type:           gpu.DescriptorHeapRTV,
		NumDescriptors: FrameCount,
	})
	if err != nil {
		return errors.Wrap(err, "create rtv heap")
	}

	m.dsvHeap, err = m.device.CreateDescriptorHeap(gpu.DescriptorHeapDesc{
		Type:           gpu.DescriptorHeapDSV,
		NumDescriptors: 1,
	})
	if err != nil {
		return errors.Wrap(err, "create dsv heap")
	}

	for n := range m.allocators {
		m.allocators[n], err = m.device.CreateCommandAllocator()
		if err != nil {
			return errors.Wrapf(err, "create command allocator %d", n)
		}
	}

	m.fence, err = m.device.CreateFence(m.fenceValues[m.current])
	if err != nil {
		return errors.Wrap(err, "create fence")
	}
	m.fenceValues[m.current]++

	desc := adapter.Desc()
	gpu.Logger().Info("device: created",
		"adapter", desc.Description,
		"id", desc.ID.String(),
		"software", desc.Software,
		"level", m.opts.MinFeatureLevel.String())
	return nil
}

// selectAdapter returns the first hardware adapter supporting the minimum
// feature level. The software adapter is only considered in debug mode.
func (m *Manager) selectAdapter() (gpu.Adapter, error) {
	adapters, err := m.factory.Adapters()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate adapters")
	}

	for _, a := range adapters {
		desc := a.Desc()
		if desc.Software {
			continue
		}
		if a.SupportsFeatureLevel(m.opts.MinFeatureLevel) {
			return a, nil
		}
		gpu.Logger().Debug("device: adapter skipped", "adapter", desc.Description)
	}

	if !m.opts.Debug {
		return nil, errors.Wrapf(gpu.ErrNoAdapter, "feature level %s", m.opts.MinFeatureLevel)
	}

	warp, err := m.factory.SoftwareAdapter()
	if err != nil {
		return nil, errors.Wrap(err, "software adapter")
	}
	if warp == nil || !warp.SupportsFeatureLevel(m.opts.MinFeatureLevel) {
		return nil, errors.Wrapf(gpu.ErrNoAdapter, "feature level %s", m.opts.MinFeatureLevel)
	}
	gpu.Logger().Warn("device: no hardware adapter, falling back to software", "adapter", warp.Desc().Description)
	return warp, nil
}

// lost turns device loss into the sticky flag. Any other error is wrapped
// and returned.
func (m *Manager) lost(err error, msg string) error {
	if err == nil {
		return nil
	}
	if gpu.IsDeviceLost(err) {
		if !m.removed.Swap(true) {
			gpu.Logger().Warn("device: removed", "during", msg, "error", err)
		}
		return nil
	}
	return errors.Wrap(err, msg)
}

// SetWindow creates the swap chain for window, or resizes the existing one
// to outputSize, then rebuilds the size dependent views.
func (m *Manager) SetWindow(window gpu.Window, outputSize gpu.Size) error {
	if m.removed.Load() {
		return nil
	}
	if err := m.WaitForGpu(); err != nil {
		return err
	}
	if m.removed.Load() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = window
	m.outputSize = gpu.Size{
		Width:  float32(math.Max(1, float64(outputSize.Width))),
		Height: float32(math.Max(1, float64(outputSize.Height))),
	}
	width := int(math.Round(float64(m.outputSize.Width)))
	height := int(math.Round(float64(m.outputSize.Height)))

	// Back buffer references must be gone before a resize, and every slot
	// restarts from the value of the current one.
	for n := range m.renderTargets {
		if m.renderTargets[n] != nil {
			m.renderTargets[n].Release()
			m.renderTargets[n] = nil
		}
		m.fenceValues[n] = m.fenceValues[m.current]
	}
	if m.depthStencil != nil {
		m.depthStencil.Release()
		m.depthStencil = nil
	}

	if m.swapChain != nil {
		err := m.swapChain.ResizeBuffers(FrameCount, width, height, m.opts.BackBufferFormat)
		if err != nil {
			return m.lost(err, "resize swap chain")
		}
		gpu.Logger().Info("device: swap chain resized", "width", width, "height", height)
	} else {
		sc, err := m.factory.CreateSwapChain(m.queue, window, gpu.SwapChainDesc{
			Width:       width,
			Height:      height,
			Format:      m.opts.BackBufferFormat,
			BufferCount: FrameCount,
		})
		if err != nil {
			return m.lost(err, "create swap chain")
		}
		m.swapChain = sc
		gpu.Logger().Info("device: swap chain created", "width", width, "height", height, "buffers", FrameCount)
	}

	m.current = m.swapChain.CurrentBackBufferIndex()
	rtv := m.rtvHeap.Start()
	for n := 0; n < FrameCount; n++ {
		buf, err := m.swapChain.Buffer(n)
		if err != nil {
			return errors.Wrapf(err, "get back buffer %d", n)
		}
		m.renderTargets[n] = buf
		if err := m.device.CreateRenderTargetView(buf, rtv.Offset(n)); err != nil {
			return errors.Wrapf(err, "create render target view %d", n)
		}
	}

	depth, err := m.device.CreateTexture(gpu.TextureDesc{
		Width:        width,
		Height:       height,
		Format:       m.opts.DepthBufferFormat,
		InitialState: gpu.StateDepthWrite,
		ClearDepth:   1,
	})
	if err != nil {
		return errors.Wrap(err, "create depth buffer")
	}
	m.depthStencil = depth
	if err := m.device.CreateDepthStencilView(depth, m.dsvHeap.Start()); err != nil {
		return errors.Wrap(err, "create depth stencil view")
	}

	m.viewport = gpu.Viewport{
		Width:    m.outputSize.Width,
		Height:   m.outputSize.Height,
		MaxDepth: 1,
	}
	return nil
}

// SetOrientation sets the display rotation applied on top of the
// projection.
func (m *Manager) SetOrientation(orientation mgl32.Mat4) {
	m.mu.Lock()
	m.orientation = orientation
	m.mu.Unlock()
}

// Present shows the current back buffer with vsync and moves to the next
// frame.
func (m *Manager) Present() error {
	if m.removed.Load() {
		return nil
	}
	if m.swapChain == nil {
		return errors.New("present without a swap chain")
	}
	if err := m.swapChain.Present(1); err != nil {
		return m.lost(err, "present")
	}
	return m.MoveToNextFrame()
}

// MoveToNextFrame schedules a signal for the current slot, then blocks
// until the slot of the new back buffer is free again.
func (m *Manager) MoveToNextFrame() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentFenceValue := m.fenceValues[m.current]
	if err := m.queue.Signal(m.fence, currentFenceValue); err != nil {
		return m.lost(err, "signal fence")
	}

	m.current = m.swapChain.CurrentBackBufferIndex()

	if m.fence.CompletedValue() < m.fenceValues[m.current] {
		if err := m.fence.Wait(m.fenceValues[m.current]); err != nil {
			return m.lost(err, "wait for frame")
		}
	}

	m.fenceValues[m.current] = currentFenceValue + 1
	return nil
}

// WaitForGpu blocks until all submitted work has finished.
func (m *Manager) WaitForGpu() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := m.fenceValues[m.current]
	if err := m.queue.Signal(m.fence, value); err != nil {
		return m.lost(err, "signal fence")
	}
	if err := m.fence.Wait(value); err != nil {
		return m.lost(err, "wait for gpu")
	}
	m.fenceValues[m.current]++
	return nil
}

// ValidateDevice marks the device removed when its adapter is no longer
// enumerated, for example after a driver update.
func (m *Manager) ValidateDevice() error {
	if m.removed.Load() || m.adapter.Desc().Software {
		return nil
	}
	adapters, err := m.factory.Adapters()
	if err != nil {
		return errors.Wrap(err, "enumerate adapters")
	}
	id := m.adapter.Desc().ID
	for _, a := range adapters {
		if a.Desc().ID == id {
			return nil
		}
	}
	return m.lost(errors.Mark(errors.Newf("adapter %s disappeared", id), gpu.ErrDeviceRemoved), "validate device")
}

func (m *Manager) DeviceRemoved() bool {
	return m.removed.Load()
}

func (m *Manager) Device() gpu.Device             { return m.device }
func (m *Manager) CommandQueue() gpu.CommandQueue { return m.queue }
func (m *Manager) SwapChain() gpu.SwapChain       { return m.swapChain }
func (m *Manager) AdapterDesc() gpu.AdapterDesc   { return m.adapter.Desc() }
func (m *Manager) BackBufferFormat() gpu.Format   { return m.opts.BackBufferFormat }
func (m *Manager) DepthBufferFormat() gpu.Format  { return m.opts.DepthBufferFormat }
func (m *Manager) BufferCount() int               { return FrameCount }

func (m *Manager) CurrentFrameIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) CommandAllocator() gpu.CommandAllocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocators[m.current]
}

func (m *Manager) RenderTarget() gpu.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderTargets[m.current]
}

func (m *Manager) RenderTargetView() gpu.DescriptorHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtvHeap.Start().Offset(m.current)
}

func (m *Manager) DepthStencilView() gpu.DescriptorHandle {
	return m.dsvHeap.Start()
}

func (m *Manager) OutputSize() gpu.Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputSize
}

func (m *Manager) ScreenViewport() gpu.Viewport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewport
}

func (m *Manager) OrientationTransform3D() mgl32.Mat4 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orientation
}

// FenceValues returns the per-slot fence values and the value the GPU has
// completed.
func (m *Manager) FenceValues() (values [FrameCount]uint64, completed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fenceValues, m.fence.CompletedValue()
}

// Close waits for outstanding work and releases every object.
func (m *Manager) Close() error {
	var err error
	if m.queue != nil && m.fence != nil {
		err = m.WaitForGpu()
	}
	m.release()
	return err
}

func (m *Manager) release() {
	for n := range m.renderTargets {
		if m.renderTargets[n] != nil {
			m.renderTargets[n].Release()
			m.renderTargets[n] = nil
		}
	}
	if m.depthStencil != nil {
		m.depthStencil.Release()
		m.depthStencil = nil
	}
	if m.swapChain != nil {
		m.swapChain.Release()
		m.swapChain = nil
	}
	for n := range m.allocators {
		if m.allocators[n] != nil {
			m.allocators[n].Release()
			m.allocators[n] = nil
		}
	}
	if m.fence != nil {
		m.fence.Release()
		m.fence = nil
	}
	if m.rtvHeap != nil {
		m.rtvHeap.Release()
	}
	if m.dsvHeap != nil {
		m.dsvHeap.Release()
	}
	if m.device != nil {
		m.device.Release()
		m.device = nil
	}
}
