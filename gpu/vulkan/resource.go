package vulkan

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/tutorials/gpu"
)

type buffer struct {
	dev    *Device
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	addr   uint64
	size   int
	heap   gpu.HeapType

	mapMu    sync.Mutex
	mapped   []byte
	released bool
}

func (b *buffer) GPUVirtualAddress() uint64 { return b.addr }
func (b *buffer) Size() int                 { return b.size }

func (b *buffer) Map() ([]byte, error) {
	if b.heap != gpu.HeapUpload {
		return nil, errors.New("vulkan: only upload buffers can be mapped")
	}

	b.mapMu.Lock()
	defer b.mapMu.Unlock()

	if b.released {
		return nil, errors.New("vulkan: map of a released buffer")
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	ptr, res, err := b.memory.Map(0, b.size, 0)
	if err := b.dev.check(res, err, "vulkan: map memory"); err != nil {
		return nil, err
	}
	b.mapped = unsafe.Slice((*byte)(ptr), b.size)
	return b.mapped, nil
}

func (b *buffer) Unmap() {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()

	if b.mapped == nil {
		return
	}
	b.memory.Unmap()
	b.mapped = nil
}

func (b *buffer) Release() {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()

	if b.released {
		return
	}
	b.released = true
	if b.mapped != nil {
		b.memory.Unmap()
		b.mapped = nil
	}
	b.dev.forget(b)
	b.buffer.Destroy(nil)
	b.memory.Free(nil)
}

// texture is a depth buffer or a swap chain image, with the one view the
// gpu model needs for it.
type texture struct {
	dev      *Device
	format   gpu.Format
	vkFormat core1_0.Format
	aspect   core1_0.ImageAspectFlags
	// memory is nil for swap chain images.
	memory core1_0.DeviceMemory

	image         core1_0.Image
	view          core1_0.ImageView
	width, height int

	owner    *swapChain
	refs     atomic.Int32
	released atomic.Bool
}

func (t *texture) attach(image core1_0.Image, format core1_0.Format, width, height int) error {
	view, _, err := t.dev.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     t.aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return errors.Wrap(err, "vulkan: create image view")
	}
	t.image, t.view, t.vkFormat = image, view, format
	t.width, t.height = width, height
	return nil
}

// detach drops the view and every framebuffer built on it.
func (t *texture) detach() {
	if t.view == nil {
		return
	}
	t.dev.dropFramebuffers(t.view)
	t.view.Destroy(nil)
	t.view, t.image = nil, nil
}

func (t *texture) GPUVirtualAddress() uint64 { return 0 }
func (t *texture) Size() int                 { return t.width * t.height * t.format.Size() }

func (t *texture) Map() ([]byte, error) {
	return nil, errors.New("vulkan: textures cannot be mapped")
}

func (t *texture) Unmap() {}

// Release of a swap chain image only drops the reference Buffer handed
// out; the swap chain owns the image.
func (t *texture) Release() {
	if t.owner != nil {
		t.refs.Add(-1)
		return
	}
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	image := t.image
	t.detach()
	if image != nil {
		image.Destroy(nil)
	}
	if t.memory != nil {
		t.memory.Free(nil)
	}
}

type descriptor struct {
	texture *texture
	buffer  *buffer
	offset  int
	size    int
}

type descriptorHeap struct {
	dev   *Device
	desc  gpu.DescriptorHeapDesc
	slots []descriptor

	// Shader-visible heaps back every slot with a descriptor set.
	pool core1_0.DescriptorPool
	sets []core1_0.DescriptorSet
}

func (h *descriptorHeap) Desc() gpu.DescriptorHeapDesc { return h.desc }

func (h *descriptorHeap) Start() gpu.DescriptorHandle {
	return gpu.DescriptorHandle{Heap: h}
}

func (h *descriptorHeap) Release() {
	if h.pool != nil {
		h.pool.Destroy(nil)
		h.pool, h.sets = nil, nil
	}
}

func lookupTexture(handle gpu.DescriptorHandle) (*texture, error) {
	h, ok := handle.Heap.(*descriptorHeap)
	if !ok {
		return nil, errors.Newf("vulkan: descriptor handle of foreign heap %T", handle.Heap)
	}
	if handle.Index < 0 || handle.Index >= len(h.slots) || h.slots[handle.Index].texture == nil {
		return nil, errors.Newf("vulkan: descriptor %d holds no view", handle.Index)
	}
	return h.slots[handle.Index].texture, nil
}

func asBuffer(r gpu.Resource) (*buffer, error) {
	b, ok := r.(*buffer)
	if !ok {
		return nil, errors.Newf("vulkan: %T is not a buffer", r)
	}
	return b, nil
}
