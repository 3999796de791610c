package soft

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/gpu"
)

type resource struct {
	dev     *Device
	id      int
	addr    uint64
	heap    gpu.HeapType
	data    []byte
	texture bool
	tex     gpu.TextureDesc
	size    int

	// owner is set for swap chain back buffers, which are only borrowed by
	// the caller.
	owner *swapChain

	// state is only touched on the GPU timeline.
	state gpu.ResourceState

	refs     atomic.Int32
	inflight atomic.Int32
	released atomic.Bool

	mapMu  sync.Mutex
	mapped bool
}

var _ gpu.Resource = (*resource)(nil)

func (r *resource) GPUVirtualAddress() uint64 { return r.addr }

func (r *resource) Size() int {
	if r.texture {
		return r.size
	}
	return len(r.data)
}

func (r *resource) Map() ([]byte, error) {
	if r.texture || r.heap != gpu.HeapUpload {
		return nil, errors.Newf("soft: resource %d is not in an upload heap", r.id)
	}
	if r.released.Load() {
		return nil, errors.Newf("soft: map of released resource %d", r.id)
	}

	r.mapMu.Lock()
	r.mapped = true
	r.mapMu.Unlock()

	r.dev.record(func(s *Stats) { s.Maps++ })
	return r.data, nil
}

func (r *resource) Unmap() {
	r.mapMu.Lock()
	wasMapped := r.mapped
	r.mapped = false
	r.mapMu.Unlock()

	if !wasMapped {
		r.dev.report(errors.Newf("soft: unmap of resource %d which is not mapped", r.id))
		return
	}
	r.dev.record(func(s *Stats) { s.Unmaps++ })
}

func (r *resource) Release() {
	if r.owner != nil {
		if r.refs.Add(-1) < 0 {
			r.refs.Store(0)
			r.dev.report(errors.Newf("soft: back buffer %d released more often than acquired", r.id))
		}
		return
	}
	if r.released.Swap(true) {
		return
	}
	if n := r.inflight.Load(); n > 0 {
		r.dev.report(errors.Newf("soft: resource %d released while %d submissions still use it", r.id, n))
	}
}

type descriptorKind int

const (
	descriptorEmpty descriptorKind = iota
	descriptorRTV
	descriptorDSV
	descriptorCBV
)

type descriptor struct {
	kind     descriptorKind
	resource *resource
	offset   int
	size     int
}

type descriptorHeap struct {
	dev         *Device
	desc        gpu.DescriptorHeapDesc
	descriptors []descriptor
}

func (h *descriptorHeap) Desc() gpu.DescriptorHeapDesc { return h.desc }

func (h *descriptorHeap) Start() gpu.DescriptorHandle {
	return gpu.DescriptorHandle{Heap: h}
}

func (h *descriptorHeap) Release() {}

// lookup resolves a handle on the executing timeline.
func lookup(handle gpu.DescriptorHandle, kind descriptorKind) (descriptor, error) {
	h, ok := handle.Heap.(*descriptorHeap)
	if !ok {
		return descriptor{}, errors.New("soft: descriptor handle without a heap")
	}
	if handle.Index < 0 || handle.Index >= len(h.descriptors) {
		return descriptor{}, errors.Newf("soft: descriptor index %d out of range", handle.Index)
	}
	d := h.descriptors[handle.Index]
	if d.kind != kind {
		return descriptor{}, errors.Newf("soft: descriptor %d has kind %d, want %d", handle.Index, d.kind, kind)
	}
	return d, nil
}

func asResource(dev *Device, r gpu.Resource) (*resource, error) {
	res, ok := r.(*resource)
	if !ok || res.dev != dev {
		return nil, errors.Newf("soft: foreign resource %T", r)
	}
	return res, nil
}
