package vulkan

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_portability_subset"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/tutorials/gpu"
)

const (
	addressAlignment        = 1 << 16
	constantBufferAlignment = 256
)

type Device struct {
	adapter *Adapter
	device  core1_0.Device

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue
	swapchainExt  khr_swapchain.Extension

	// cbvLayout is the set layout of one shader-visible CBV slot.
	cbvLayout core1_0.DescriptorSetLayout

	lostErr atomic.Pointer[error]

	mu           sync.Mutex
	nextAddr     uint64
	buffers      []*buffer
	queue        *commandQueue
	renderPasses map[passKey]core1_0.RenderPass
	framebuffers map[framebufferKey]core1_0.Framebuffer
}

var _ gpu.Device = (*Device)(nil)

func newDevice(a *Adapter) (*Device, error) {
	families := []int{a.graphicsFamily}
	if a.presentFamily != a.graphicsFamily {
		families = append(families, a.presentFamily)
	}
	var queueInfos []core1_0.DeviceQueueCreateInfo
	for _, family := range families {
		queueInfos = append(queueInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{1},
		})
	}

	extensionNames := append([]string(nil), deviceExtensions...)
	// Required where the implementation is a portability subset (MoltenVK).
	extensions, _, err := a.physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: device extensions")
	}
	if _, ok := extensions[khr_portability_subset.ExtensionName]; ok {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	device, _, err := a.physicalDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueInfos,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vulkan: create device on %q", a.desc.Description)
	}

	d := &Device{
		adapter:       a,
		device:        device,
		graphicsQueue: device.GetQueue(a.graphicsFamily, 0),
		presentQueue:  device.GetQueue(a.presentFamily, 0),
		swapchainExt:  khr_swapchain.CreateExtensionFromDevice(device),
		nextAddr:      addressAlignment,
		renderPasses:  map[passKey]core1_0.RenderPass{},
		framebuffers:  map[framebufferKey]core1_0.Framebuffer{},
	}

	d.cbvLayout, _, err = device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,
				StageFlags:      core1_0.StageVertex | core1_0.StageFragment,
			},
		},
	})
	if err != nil {
		device.Destroy(nil)
		return nil, errors.Wrap(err, "vulkan: create descriptor set layout")
	}

	gpu.Logger().Debug("vulkan: device created", "adapter", a.desc.Description, "api", a.properties.APIVersion)
	return d, nil
}

// check converts a failed call into an error, marking the device lost
// when the driver says so.
func (d *Device) check(res common.VkResult, err error, msg string) error {
	if err == nil {
		return nil
	}
	if res == core1_0.VKErrorDeviceLost {
		d.lose()
		return errors.Mark(errors.Wrap(err, msg), gpu.ErrDeviceRemoved)
	}
	return errors.Wrap(err, msg)
}

func (d *Device) lose() {
	reason := gpu.ErrDeviceRemoved
	if d.lostErr.CompareAndSwap(nil, &reason) {
		gpu.Logger().Warn("vulkan: device lost", "adapter", d.adapter.desc.Description)
	}
}

func (d *Device) lost() error {
	if p := d.lostErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Device) CreateCommandQueue() (gpu.CommandQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Vulkan hands out the queue, so every gpu queue shares it.
	if d.queue == nil {
		d.queue = &commandQueue{dev: d, queue: d.graphicsQueue}
	}
	return d.queue, nil
}

func (d *Device) CreateCommandAllocator() (gpu.CommandAllocator, error) {
	pool, _, err := d.device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: d.adapter.graphicsFamily,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create command pool")
	}
	return &commandAllocator{dev: d, pool: pool}, nil
}

func (d *Device) CreateCommandList(allocator gpu.CommandAllocator, ps gpu.PipelineState) (gpu.CommandList, error) {
	l := &commandList{dev: d, buffers: map[*commandAllocator]core1_0.CommandBuffer{}, closed: true}
	if err := l.Reset(allocator, ps); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func (d *Device) CreateDescriptorHeap(desc gpu.DescriptorHeapDesc) (gpu.DescriptorHeap, error) {
	if desc.NumDescriptors <= 0 {
		return nil, errors.Newf("vulkan: descriptor heap of %d descriptors", desc.NumDescriptors)
	}
	if desc.ShaderVisible && desc.Type != gpu.DescriptorHeapCBVSRVUAV {
		return nil, errors.New("vulkan: only CBV heaps can be shader visible")
	}

	h := &descriptorHeap{dev: d, desc: desc, slots: make([]descriptor, desc.NumDescriptors)}
	if !desc.ShaderVisible {
		return h, nil
	}

	var err error
	h.pool, _, err = d.device.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: desc.NumDescriptors,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: desc.NumDescriptors},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create descriptor pool")
	}

	layouts := make([]core1_0.DescriptorSetLayout, desc.NumDescriptors)
	for i := range layouts {
		layouts[i] = d.cbvLayout
	}
	h.sets, _, err = d.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: h.pool,
		SetLayouts:     layouts,
	})
	if err != nil {
		h.pool.Destroy(nil)
		return nil, errors.Wrap(err, "vulkan: allocate descriptor sets")
	}
	return h, nil
}

func (d *Device) CreateFence(initialValue uint64) (gpu.Fence, error) {
	return newFence(d, initialValue), nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Resource, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("vulkan: buffer of %d bytes", desc.Size)
	}
	if desc.Heap == gpu.HeapUpload && desc.InitialState != gpu.StateGenericRead {
		return nil, errors.Newf("vulkan: upload buffers start in GenericRead, not %s", desc.InitialState)
	}

	bufferUsage := core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageUniformBuffer
	memoryProperties := core1_0.MemoryPropertyDeviceLocal
	if desc.Heap == gpu.HeapUpload {
		bufferUsage |= core1_0.BufferUsageTransferSrc
		memoryProperties = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	} else {
		bufferUsage |= core1_0.BufferUsageTransferDst
	}

	vkBuffer, _, err := d.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        desc.Size,
		Usage:       bufferUsage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create buffer")
	}

	memory, err := d.allocate(vkBuffer.MemoryRequirements(), memoryProperties)
	if err != nil {
		vkBuffer.Destroy(nil)
		return nil, err
	}
	if _, err := vkBuffer.BindBufferMemory(memory, 0); err != nil {
		vkBuffer.Destroy(nil)
		memory.Free(nil)
		return nil, errors.Wrap(err, "vulkan: bind buffer memory")
	}

	b := &buffer{dev: d, buffer: vkBuffer, memory: memory, size: desc.Size, heap: desc.Heap}

	d.mu.Lock()
	b.addr = d.nextAddr
	d.nextAddr += uint64((desc.Size + addressAlignment - 1) &^ (addressAlignment - 1))
	d.buffers = append(d.buffers, b)
	d.mu.Unlock()

	return b, nil
}

func (d *Device) allocate(reqs *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, error) {
	typeIndex, err := d.adapter.findMemoryType(reqs.MemoryTypeBits, properties)
	if err != nil {
		return nil, err
	}
	memory, _, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: allocate memory")
	}
	return memory, nil
}

// resolve finds the buffer containing a GPU virtual address.
func (d *Device) resolve(addr uint64) (*buffer, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range d.buffers {
		if addr >= b.addr && addr < b.addr+uint64(b.size) {
			return b, int(addr - b.addr), nil
		}
	}
	return nil, 0, errors.Newf("vulkan: address %#x is not inside a live buffer", addr)
}

func (d *Device) forget(b *buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, other := range d.buffers {
		if other == b {
			d.buffers = append(d.buffers[:i], d.buffers[i+1:]...)
			return
		}
	}
}

// CreateTexture creates depth buffers. Color targets come from swap chains.
func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Resource, error) {
	if desc.Format != gpu.FormatD32Float {
		return nil, errors.Newf("vulkan: textures of format %s are not supported", desc.Format)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, errors.Newf("vulkan: texture of %dx%d", desc.Width, desc.Height)
	}
	format, err := vkFormat(desc.Format)
	if err != nil {
		return nil, err
	}

	image, _, err := d.device.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Extent:        core1_0.Extent3D{Width: desc.Width, Height: desc.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageDepthStencilAttachment,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create image")
	}
	memory, err := d.allocate(image.MemoryRequirements(), core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		image.Destroy(nil)
		return nil, err
	}
	if _, err := image.BindImageMemory(memory, 0); err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return nil, errors.Wrap(err, "vulkan: bind image memory")
	}

	t := &texture{
		dev:    d,
		format: desc.Format,
		aspect: core1_0.ImageAspectDepth,
		memory: memory,
	}
	if err := t.attach(image, format, desc.Width, desc.Height); err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return nil, err
	}
	return t, nil
}

func (d *Device) heapSlot(dest gpu.DescriptorHandle, want gpu.DescriptorHeapType) (*descriptorHeap, error) {
	h, ok := dest.Heap.(*descriptorHeap)
	if !ok || h.dev != d {
		return nil, errors.Newf("vulkan: descriptor handle of foreign heap %T", dest.Heap)
	}
	if h.desc.Type != want {
		return nil, errors.Newf("vulkan: descriptor heap type %d, want %d", h.desc.Type, want)
	}
	if dest.Index < 0 || dest.Index >= len(h.slots) {
		return nil, errors.Newf("vulkan: descriptor index %d outside heap of %d", dest.Index, len(h.slots))
	}
	return h, nil
}

func (d *Device) CreateRenderTargetView(resource gpu.Resource, dest gpu.DescriptorHandle) error {
	h, err := d.heapSlot(dest, gpu.DescriptorHeapRTV)
	if err != nil {
		return err
	}
	t, ok := resource.(*texture)
	if !ok || t.aspect != core1_0.ImageAspectColor {
		return errors.Newf("vulkan: render target view of %T", resource)
	}
	h.slots[dest.Index] = descriptor{texture: t}
	return nil
}

func (d *Device) CreateDepthStencilView(resource gpu.Resource, dest gpu.DescriptorHandle) error {
	h, err := d.heapSlot(dest, gpu.DescriptorHeapDSV)
	if err != nil {
		return err
	}
	t, ok := resource.(*texture)
	if !ok || t.aspect != core1_0.ImageAspectDepth {
		return errors.Newf("vulkan: depth stencil view of %T", resource)
	}
	h.slots[dest.Index] = descriptor{texture: t}
	return nil
}

func (d *Device) CreateConstantBufferView(desc gpu.ConstantBufferViewDesc, dest gpu.DescriptorHandle) error {
	h, err := d.heapSlot(dest, gpu.DescriptorHeapCBVSRVUAV)
	if err != nil {
		return err
	}
	if desc.SizeInBytes <= 0 || desc.SizeInBytes%constantBufferAlignment != 0 {
		return errors.Newf("vulkan: constant buffer view of %d bytes is not a multiple of %d", desc.SizeInBytes, constantBufferAlignment)
	}
	b, offset, err := d.resolve(desc.BufferLocation)
	if err != nil {
		return err
	}
	if offset+desc.SizeInBytes > b.size {
		return errors.Newf("vulkan: constant buffer view [%d,%d) outside buffer of %d bytes", offset, offset+desc.SizeInBytes, b.size)
	}

	h.slots[dest.Index] = descriptor{buffer: b, offset: offset, size: desc.SizeInBytes}
	if !h.desc.ShaderVisible {
		return nil
	}
	return d.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          h.sets[dest.Index],
			DstBinding:      0,
			DstArrayElement: 0,
			DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
			BufferInfo: []core1_0.DescriptorBufferInfo{
				{Buffer: b.buffer, Offset: offset, Range: desc.SizeInBytes},
			},
		},
	}, nil)
}

// CreateRootSignature maps every root parameter to a descriptor set holding
// one constant buffer at binding 0.
func (d *Device) CreateRootSignature(desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	layouts := make([]core1_0.DescriptorSetLayout, 0, len(desc.Parameters))
	for i, param := range desc.Parameters {
		if len(param.Ranges) != 1 || param.Ranges[0].Type != gpu.RangeCBV || param.Ranges[0].Count != 1 {
			return nil, errors.Newf("vulkan: root parameter %d must be a table of one CBV", i)
		}
		layouts = append(layouts, d.cbvLayout)
	}

	layout, _, err := d.device.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: layouts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create pipeline layout")
	}
	return &rootSignature{desc: desc, layout: layout}, nil
}

func (d *Device) Release() {
	if d.device == nil {
		return
	}
	d.device.WaitIdle()

	d.mu.Lock()
	for _, fb := range d.framebuffers {
		fb.Destroy(nil)
	}
	for _, rp := range d.renderPasses {
		rp.Destroy(nil)
	}
	d.framebuffers, d.renderPasses = nil, nil
	if d.queue != nil {
		d.queue.release()
	}
	d.mu.Unlock()

	if d.cbvLayout != nil {
		d.cbvLayout.Destroy(nil)
	}
	d.device.Destroy(nil)
	d.device = nil
}

type rootSignature struct {
	desc   gpu.RootSignatureDesc
	layout core1_0.PipelineLayout
}

func (r *rootSignature) Desc() gpu.RootSignatureDesc { return r.desc }

func (r *rootSignature) Release() {
	r.layout.Destroy(nil)
}
