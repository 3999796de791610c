package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/tutorials/gpu"
)

// swapChain keeps one image acquired at all times, so the current back
// buffer index is known before any command list is recorded against it.
type swapChain struct {
	queue   *commandQueue
	dev     *Device
	surface khr_surface.Surface

	mu        sync.Mutex
	desc      gpu.SwapChainDesc
	swapchain khr_swapchain.Swapchain
	textures  []*texture
	// acquireSems rotate per acquire; presentSems are indexed by image.
	acquireSems []core1_0.Semaphore
	presentSems []core1_0.Semaphore
	acquireIdx  int
	current     int
	released    bool
}

var _ gpu.SwapChain = (*swapChain)(nil)

func newSwapChain(q *commandQueue, surface khr_surface.Surface, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	if err := q.dev.lost(); err != nil {
		return nil, errors.Wrap(err, "vulkan: create swap chain")
	}
	if err := validateSwapChain(desc); err != nil {
		return nil, err
	}

	sc := &swapChain{queue: q, dev: q.dev, surface: surface, desc: desc}
	if err := sc.recreate(desc); err != nil {
		sc.destroy()
		return nil, err
	}
	if err := sc.acquire(); err != nil {
		sc.destroy()
		return nil, err
	}
	return sc, nil
}

func validateSwapChain(desc gpu.SwapChainDesc) error {
	if desc.BufferCount < 2 || desc.BufferCount > 16 {
		return errors.Newf("vulkan: swap chain buffer count %d outside [2,16]", desc.BufferCount)
	}
	if desc.Width <= 0 || desc.Height <= 0 {
		return errors.Newf("vulkan: invalid swap chain size %dx%d", desc.Width, desc.Height)
	}
	if desc.Format != gpu.FormatB8G8R8A8Unorm && desc.Format != gpu.FormatR8G8B8A8Unorm {
		return errors.Newf("vulkan: unsupported swap chain format %s", desc.Format)
	}
	return nil
}

// recreate builds a swap chain for desc, replacing the current one. The
// queue must be idle. sc.mu must be held or sc unpublished.
func (sc *swapChain) recreate(desc gpu.SwapChainDesc) error {
	pd := sc.dev.adapter.physicalDevice
	caps, res, err := sc.surface.PhysicalDeviceSurfaceCapabilities(pd)
	if err := sc.dev.check(res, err, "vulkan: surface capabilities"); err != nil {
		return err
	}

	format, err := vkFormat(desc.Format)
	if err != nil {
		return err
	}
	formats, _, err := sc.surface.PhysicalDeviceSurfaceFormats(pd)
	if err != nil {
		return errors.Wrap(err, "vulkan: surface formats")
	}
	if !surfaceSupports(formats, format) {
		return errors.Newf("vulkan: surface cannot present %s", desc.Format)
	}

	if caps.MinImageCount > desc.BufferCount || (caps.MaxImageCount > 0 && caps.MaxImageCount < desc.BufferCount) {
		return errors.Newf("vulkan: surface needs [%d,%d] images, not %d", caps.MinImageCount, caps.MaxImageCount, desc.BufferCount)
	}

	// The surface dictates the extent when it reports one.
	extent := core1_0.Extent2D{Width: desc.Width, Height: desc.Height}
	if caps.CurrentExtent.Width != -1 {
		extent = caps.CurrentExtent
	}
	extent.Width = clamp(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	extent.Height = clamp(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	if extent.Width == 0 || extent.Height == 0 {
		return errors.New("vulkan: surface has no area")
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	if a := sc.dev.adapter; a.graphicsFamily != a.presentFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = []int{a.graphicsFamily, a.presentFamily}
	}

	swapchain, _, err := sc.dev.swapchainExt.CreateSwapchain(sc.dev.device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: sc.surface,

		MinImageCount:    desc.BufferCount,
		ImageFormat:      format,
		ImageColorSpace:  khr_surface.ColorSpaceSRGBNonlinear,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		// FIFO is the one mode every implementation has, and it paces
		// presentation to the display like a sync interval of 1.
		PresentMode:  khr_surface.PresentModeFIFO,
		Clipped:      true,
		OldSwapchain: sc.swapchain,
	})
	if err != nil {
		return errors.Wrap(err, "vulkan: create swapchain")
	}

	images, _, err := swapchain.SwapchainImages()
	if err != nil {
		swapchain.Destroy(nil)
		return errors.Wrap(err, "vulkan: swapchain images")
	}
	if len(images) != desc.BufferCount {
		swapchain.Destroy(nil)
		return errors.Newf("vulkan: surface gave %d images, want %d", len(images), desc.BufferCount)
	}

	// Views go before the images they were made from.
	for _, t := range sc.textures {
		t.detach()
	}
	if sc.swapchain != nil {
		sc.swapchain.Destroy(nil)
	}
	sc.swapchain = swapchain

	if err := sc.resize(len(images)); err != nil {
		return err
	}
	for i, image := range images {
		t := sc.textures[i]
		t.format = desc.Format
		if err := t.attach(image, format, extent.Width, extent.Height); err != nil {
			return err
		}
	}

	desc.Width, desc.Height = extent.Width, extent.Height
	sc.desc = desc
	gpu.Logger().Debug("vulkan: swapchain created", "width", extent.Width, "height", extent.Height, "images", len(images))
	return nil
}

// resize grows or shrinks the texture and semaphore sets to count images.
func (sc *swapChain) resize(count int) error {
	for len(sc.textures) > count {
		n := len(sc.textures) - 1
		sc.textures[n].detach()
		sc.textures[n].released.Store(true)
		sc.textures = sc.textures[:n]
		sc.presentSems[n].Destroy(nil)
		sc.presentSems = sc.presentSems[:n]
	}
	for len(sc.textures) < count {
		sem, _, err := sc.dev.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			return errors.Wrap(err, "vulkan: create semaphore")
		}
		sc.presentSems = append(sc.presentSems, sem)
		sc.textures = append(sc.textures, &texture{
			dev:    sc.dev,
			aspect: core1_0.ImageAspectColor,
			owner:  sc,
		})
	}
	// One spare, since an acquire happens before the previous image's
	// wait has been consumed by a submission.
	for len(sc.acquireSems) < count+1 {
		sem, _, err := sc.dev.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			return errors.Wrap(err, "vulkan: create semaphore")
		}
		sc.acquireSems = append(sc.acquireSems, sem)
	}
	return nil
}

func surfaceSupports(formats []khr_surface.SurfaceFormat, format core1_0.Format) bool {
	for _, f := range formats {
		if f.ColorSpace != khr_surface.ColorSpaceSRGBNonlinear {
			continue
		}
		if f.Format == format || f.Format == core1_0.FormatUndefined {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// acquire takes the next image and makes the next submission wait for it.
// sc.mu must be held or sc unpublished.
func (sc *swapChain) acquire() error {
	for attempt := 0; ; attempt++ {
		sem := sc.acquireSems[sc.acquireIdx]
		index, res, err := sc.swapchain.AcquireNextImage(common.NoTimeout, sem, nil)
		if res == khr_swapchain.VKErrorOutOfDate && attempt == 0 {
			if err := sc.idle(); err != nil {
				return err
			}
			if err := sc.recreate(sc.desc); err != nil {
				return err
			}
			continue
		}
		if err := sc.dev.check(res, err, "vulkan: acquire next image"); err != nil {
			return err
		}
		sc.acquireIdx = (sc.acquireIdx + 1) % len(sc.acquireSems)
		sc.current = index
		sc.queue.waitFor(sem)
		return nil
	}
}

// idle consumes pending acquire waits and waits for the device, so images
// and semaphores can be replaced.
func (sc *swapChain) idle() error {
	if err := sc.queue.drainWaits(); err != nil {
		return err
	}
	res, err := sc.dev.device.WaitIdle()
	return sc.dev.check(res, err, "vulkan: wait idle")
}

func (sc *swapChain) Desc() gpu.SwapChainDesc {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.desc
}

// ResizeBuffers keeps the current count when count is 0 and the current
// format when format is FormatUnknown. The surface may override the size.
func (sc *swapChain) ResizeBuffers(count, width, height int, format gpu.Format) error {
	if err := sc.dev.lost(); err != nil {
		return errors.Wrap(err, "vulkan: resize buffers")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	desc := sc.desc
	if count != 0 {
		desc.BufferCount = count
	}
	if format != gpu.FormatUnknown {
		desc.Format = format
	}
	desc.Width, desc.Height = width, height
	if err := validateSwapChain(desc); err != nil {
		return err
	}
	for i, t := range sc.textures {
		if n := t.refs.Load(); n > 0 {
			return errors.Newf("vulkan: resize with back buffer %d still referenced %d times", i, n)
		}
	}

	if err := sc.idle(); err != nil {
		return err
	}
	if err := sc.recreate(desc); err != nil {
		return err
	}
	return sc.acquire()
}

func (sc *swapChain) Buffer(index int) (gpu.Resource, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if index < 0 || index >= len(sc.textures) {
		return nil, errors.Newf("vulkan: back buffer %d out of range [0,%d)", index, len(sc.textures))
	}
	t := sc.textures[index]
	t.refs.Add(1)
	return t, nil
}

func (sc *swapChain) CurrentBackBufferIndex() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current
}

// Present queues the current image behind all submitted work, then
// acquires the next one. Presentation is always FIFO; syncInterval is
// ignored.
func (sc *swapChain) Present(syncInterval int) error {
	if err := sc.dev.lost(); err != nil {
		return errors.Wrap(err, "vulkan: present")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	sem := sc.presentSems[sc.current]
	if err := sc.queue.signalSemaphore(sem); err != nil {
		return err
	}
	res, err := sc.dev.swapchainExt.QueuePresent(sc.dev.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{sem},
		Swapchains:     []khr_swapchain.Swapchain{sc.swapchain},
		ImageIndices:   []int{sc.current},
	})
	switch {
	case res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal:
		gpu.Logger().Debug("vulkan: swapchain out of date", "result", res)
		if err := sc.idle(); err != nil {
			return err
		}
		if err := sc.recreate(sc.desc); err != nil {
			return err
		}
	case err != nil:
		return sc.dev.check(res, err, "vulkan: present")
	}
	return sc.acquire()
}

func (sc *swapChain) Release() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.released {
		return
	}
	sc.released = true
	if sc.dev.lost() == nil {
		if err := sc.idle(); err != nil {
			gpu.Logger().Warn("vulkan: swap chain release", "err", err)
		}
	}
	sc.destroy()
}

func (sc *swapChain) destroy() {
	for _, t := range sc.textures {
		t.detach()
		t.released.Store(true)
	}
	sc.textures = nil
	for _, sem := range sc.acquireSems {
		sem.Destroy(nil)
	}
	for _, sem := range sc.presentSems {
		sem.Destroy(nil)
	}
	sc.acquireSems, sc.presentSems = nil, nil
	if sc.swapchain != nil {
		sc.swapchain.Destroy(nil)
		sc.swapchain = nil
	}
}
