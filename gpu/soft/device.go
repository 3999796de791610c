package soft

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

const addressAlignment = 1 << 16

// DrawCall is one executed draw, as seen by the GPU timeline.
type DrawCall struct {
	VertexCount   int
	InstanceCount int
	StartVertex   int
	StartInstance int
	// ConstantBufferSlot is the descriptor index bound to root parameter 0.
	ConstantBufferSlot int
	// Constants is the constant-buffer region the draw read.
	Constants []byte
}

type Stats struct {
	Submissions int
	Draws       []DrawCall
	Clears      int
	Copies      int
	Presents    int
	Resizes     int
	Maps        int
	Unmaps      int
	// ConstantBufferHazards counts draws whose constant data changed between
	// submission and execution.
	ConstantBufferHazards int
}

type Device struct {
	adapter *Adapter
	delay   time.Duration

	removed atomic.Pointer[error]

	mu        sync.Mutex
	nextAddr  uint64
	nextID    int
	resources []*resource
	fences    []*fence
	queues    []*commandQueue
	stats     Stats
	problems  []error
	released  bool
}

var _ gpu.Device = (*Device)(nil)

func newDevice(a *Adapter, delay time.Duration) *Device {
	return &Device{
		adapter:  a,
		delay:    delay,
		nextAddr: addressAlignment,
	}
}

func (d *Device) Adapter() *Adapter { return d.adapter }

// Remove simulates device loss. reason should be gpu.ErrDeviceRemoved or
// gpu.ErrDeviceReset. Fences report completion from then on, so no CPU
// wait can hang on a lost device.
func (d *Device) Remove(reason error) {
	if reason == nil {
		reason = gpu.ErrDeviceRemoved
	}
	d.removed.Store(&reason)

	d.mu.Lock()
	fences := append([]*fence(nil), d.fences...)
	d.mu.Unlock()

	for _, f := range fences {
		f.wake()
	}
	gpu.Logger().Warn("soft: device removed", "reason", reason)
}

func (d *Device) lost() error {
	if p := d.removed.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a copy of the execution statistics.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Draws = append([]DrawCall(nil), d.stats.Draws...)
	return s
}

// Problems returns every validation failure observed so far.
func (d *Device) Problems() []error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]error(nil), d.problems...)
}

func (d *Device) report(err error) {
	d.mu.Lock()
	d.problems = append(d.problems, err)
	d.mu.Unlock()

	gpu.Logger().Warn("soft: validation", "error", err)
}

func (d *Device) record(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// LiveResources returns the number of resources not yet released.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := 0
	for _, r := range d.resources {
		if !r.released.Load() {
			live++
		}
	}
	return live
}

func (d *Device) allocate(size int) (id int, addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id = d.nextID
	d.nextID++
	addr = d.nextAddr
	span := uint64(size+addressAlignment-1) &^ (addressAlignment - 1)
	if span == 0 {
		span = addressAlignment
	}
	d.nextAddr += span
	return id, addr
}

func (d *Device) track(r *resource) {
	d.mu.Lock()
	d.resources = append(d.resources, r)
	d.mu.Unlock()
}

// resolve finds the buffer containing a GPU virtual address and the offset
// of the address inside it.
func (d *Device) resolve(addr uint64) (*resource, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.resources {
		if r.texture || r.released.Load() {
			continue
		}
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r, int(addr - r.addr), nil
		}
	}
	return nil, 0, errors.Newf("soft: no live buffer at address %#x", addr)
}

func (d *Device) CreateCommandQueue() (gpu.CommandQueue, error) {
	q := newCommandQueue(d)

	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q, nil
}

func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	return &commandAllocator{dev: d}, nil
}

func (d *Device) CreateCommandList(allocator gpu.CommandAllocator, ps gpu.PipelineState) (gpu.CommandList, error) {
	l := &commandList{dev: d, closed: true}
	if err := l.Reset(allocator, ps); err != nil {
		return nil, err
	}
	return l, nil
}

func (d *Device) CreateDescriptorHeap(desc gpu.DescriptorHeapDesc) (gpu.DescriptorHeap, error) {
	if desc.NumDescriptors <= 0 {
		return nil, errors.Newf("soft: descriptor heap needs at least one descriptor, got %d", desc.NumDescriptors)
	}
	if desc.ShaderVisible && desc.Type != gpu.DescriptorHeapCBVSRVUAV {
		return nil, errors.New("soft: only CBV/SRV/UAV heaps can be shader visible")
	}
	return &descriptorHeap{
		dev:         d,
		desc:        desc,
		descriptors: make([]descriptor, desc.NumDescriptors),
	}, nil
}

func (d *Device) CreateFence(initialValue uint64) (gpu.Fence, error) {
	f := newFence(d, initialValue)

	d.mu.Lock()
	d.fences = append(d.fences, f)
	d.mu.Unlock()
	return f, nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Resource, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("soft: invalid buffer size %d", desc.Size)
	}
	if desc.Heap == gpu.HeapUpload && desc.InitialState != gpu.StateGenericRead {
		return nil, errors.Newf("soft: upload heap buffers must start in GenericRead, not %s", desc.InitialState)
	}

	id, addr := d.allocate(desc.Size)
	r := &resource{
		dev:   d,
		id:    id,
		addr:  addr,
		heap:  desc.Heap,
		data:  make([]byte, desc.Size),
		state: desc.InitialState,
	}
	r.refs.Store(1)
	d.track(r)
	return r, nil
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Resource, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, errors.Newf("soft: invalid texture size %dx%d", desc.Width, desc.Height)
	}
	if desc.Format.Size() == 0 {
		return nil, errors.Newf("soft: unsupported texture format %s", desc.Format)
	}
	return d.newTexture(desc), nil
}

func (d *Device) newTexture(desc gpu.TextureDesc) *resource {
	size := desc.Width * desc.Height * desc.Format.Size()
	id, addr := d.allocate(size)
	r := &resource{
		dev:     d,
		id:      id,
		addr:    addr,
		texture: true,
		tex:     desc,
		size:    size,
		state:   desc.InitialState,
	}
	r.refs.Store(1)
	d.track(r)
	return r
}

func (d *Device) heapSlot(handle gpu.DescriptorHandle, want gpu.DescriptorHeapType) (*descriptor, error) {
	h, ok := handle.Heap.(*descriptorHeap)
	if !ok || h.dev != d {
		return nil, errors.New("soft: descriptor handle from a foreign heap")
	}
	if h.desc.Type != want {
		return nil, errors.Newf("soft: descriptor heap type %d, want %d", h.desc.Type, want)
	}
	if handle.Index < 0 || handle.Index >= len(h.descriptors) {
		return nil, errors.Newf("soft: descriptor index %d out of range [0,%d)", handle.Index, len(h.descriptors))
	}
	return &h.descriptors[handle.Index], nil
}

func (d *Device) CreateRenderTargetView(res gpu.Resource, dest gpu.DescriptorHandle) error {
	r, ok := res.(*resource)
	if !ok || !r.texture {
		return errors.New("soft: render target view needs a texture")
	}
	slot, err := d.heapSlot(dest, gpu.DescriptorHeapRTV)
	if err != nil {
		return err
	}
	*slot = descriptor{kind: descriptorRTV, resource: r}
	return nil
}

func (d *Device) CreateDepthStencilView(res gpu.Resource, dest gpu.DescriptorHandle) error {
	r, ok := res.(*resource)
	if !ok || !r.texture || r.tex.Format != gpu.FormatD32Float {
		return errors.New("soft: depth stencil view needs a depth texture")
	}
	slot, err := d.heapSlot(dest, gpu.DescriptorHeapDSV)
	if err != nil {
		return err
	}
	*slot = descriptor{kind: descriptorDSV, resource: r}
	return nil
}

func (d *Device) CreateConstantBufferView(desc gpu.ConstantBufferViewDesc, dest gpu.DescriptorHandle) error {
	if desc.SizeInBytes <= 0 || desc.SizeInBytes%256 != 0 {
		return errors.Newf("soft: constant buffer view size %d is not a positive multiple of 256", desc.SizeInBytes)
	}
	r, offset, err := d.resolve(desc.BufferLocation)
	if err != nil {
		return err
	}
	if offset+desc.SizeInBytes > len(r.data) {
		return errors.Newf("soft: constant buffer view [%d,%d) overruns buffer of %d bytes", offset, offset+desc.SizeInBytes, len(r.data))
	}
	slot, err := d.heapSlot(dest, gpu.DescriptorHeapCBVSRVUAV)
	if err != nil {
		return err
	}
	*slot = descriptor{kind: descriptorCBV, resource: r, offset: offset, size: desc.SizeInBytes}
	return nil
}

func (d *Device) CreateRootSignature(desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	for i, p := range desc.Parameters {
		if len(p.Ranges) == 0 {
			return nil, errors.Newf("soft: root parameter %d has no descriptor ranges", i)
		}
		for _, r := range p.Ranges {
			if r.Count <= 0 {
				return nil, errors.Newf("soft: root parameter %d has an empty range", i)
			}
		}
	}
	return &rootSignature{dev: d, desc: desc}, nil
}

func (d *Device) CreateGraphicsPipelineState(desc gpu.GraphicsPipelineStateDesc) (gpu.PipelineState, error) {
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok || rs.dev != d {
		return nil, errors.New("soft: pipeline state needs a root signature from this device")
	}
	if len(desc.VS) == 0 {
		return nil, errors.New("soft: pipeline state has no vertex shader")
	}
	if len(desc.PS) == 0 {
		return nil, errors.New("soft: pipeline state has no pixel shader")
	}
	if len(desc.RTVFormats) == 0 || len(desc.RTVFormats) > 8 {
		return nil, errors.Newf("soft: %d render target formats", len(desc.RTVFormats))
	}
	if desc.Topology == gpu.TopologyUndefined {
		return nil, errors.New("soft: pipeline state has no primitive topology")
	}
	stride := 0
	for _, e := range desc.InputLayout {
		if e.SemanticName == "" {
			return nil, errors.New("soft: input element without semantic name")
		}
		if end := e.AlignedByteOffset + e.Format.Size(); end > stride {
			stride = end
		}
	}
	return &pipelineState{dev: d, desc: desc, stride: stride}, nil
}

func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		q.shutdown()
	}
}

type rootSignature struct {
	dev  *Device
	desc gpu.RootSignatureDesc
}

func (r *rootSignature) Desc() gpu.RootSignatureDesc { return r.desc }
func (r *rootSignature) Release()                    {}

type pipelineState struct {
	dev    *Device
	desc   gpu.GraphicsPipelineStateDesc
	stride int
}

func (p *pipelineState) Release() {}
