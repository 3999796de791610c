package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/tutorials/gpu"
)

var deviceExtensions = []string{khr_swapchain.ExtensionName}

type Adapter struct {
	physicalDevice core1_0.PhysicalDevice
	surface        khr_surface.Surface
	properties     *core1_0.PhysicalDeviceProperties
	desc           gpu.AdapterDesc

	graphicsFamily int
	presentFamily  int
}

// newAdapter fails for physical devices that cannot draw to surface.
func newAdapter(pd core1_0.PhysicalDevice, surface khr_surface.Surface) (*Adapter, error) {
	props, err := pd.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: physical device properties")
	}

	a := &Adapter{
		physicalDevice: pd,
		surface:        surface,
		properties:     props,
		desc: gpu.AdapterDesc{
			Description: props.DriverName,
			ID:          props.PipelineCacheUUID,
			VendorID:    props.VendorID,
			DeviceID:    props.DeviceID,
			Software:    props.DriverType == core1_0.PhysicalDeviceTypeCPU,
		},
	}
	if err := a.findQueueFamilies(); err != nil {
		return nil, err
	}
	if err := a.checkDeviceExtensionSupport(); err != nil {
		return nil, err
	}

	formats, _, err := surface.PhysicalDeviceSurfaceFormats(pd)
	if err != nil {
		return nil, errors.Wrapf(err, "vulkan: surface formats of %q", a.desc.Description)
	}
	presentModes, _, err := surface.PhysicalDeviceSurfacePresentModes(pd)
	if err != nil {
		return nil, errors.Wrapf(err, "vulkan: present modes of %q", a.desc.Description)
	}
	if len(formats) == 0 || len(presentModes) == 0 {
		return nil, errors.Newf("vulkan: %q cannot present to the surface", a.desc.Description)
	}
	return a, nil
}

func (a *Adapter) findQueueFamilies() error {
	graphics, present := -1, -1
	for idx, family := range a.physicalDevice.QueueFamilyProperties() {
		if graphics < 0 && family.QueueFlags&core1_0.QueueGraphics != 0 {
			graphics = idx
		}
		supported, _, err := a.surface.PhysicalDeviceSurfaceSupport(a.physicalDevice, idx)
		if err != nil {
			return errors.Wrapf(err, "vulkan: surface support of %q", a.desc.Description)
		}
		if supported && (present < 0 || idx == graphics) {
			present = idx
		}
	}
	if graphics < 0 || present < 0 {
		return errors.Newf("vulkan: %q has no graphics and present queue", a.desc.Description)
	}
	a.graphicsFamily, a.presentFamily = graphics, present
	return nil
}

func (a *Adapter) checkDeviceExtensionSupport() error {
	extensions, _, err := a.physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return errors.Wrapf(err, "vulkan: device extensions of %q", a.desc.Description)
	}
	for _, name := range deviceExtensions {
		if _, ok := extensions[name]; !ok {
			return errors.Newf("vulkan: %q lacks %s", a.desc.Description, name)
		}
	}
	return nil
}

func (a *Adapter) rank() int {
	switch a.properties.DriverType {
	case core1_0.PhysicalDeviceTypeDiscreteGPU:
		return 0
	case core1_0.PhysicalDeviceTypeIntegratedGPU:
		return 1
	case core1_0.PhysicalDeviceTypeCPU:
		return 3
	}
	return 2
}

func (a *Adapter) Desc() gpu.AdapterDesc { return a.desc }

func (a *Adapter) SupportsFeatureLevel(level gpu.FeatureLevel) bool {
	return a.properties.APIVersion.IsAtLeast(requiredVersion(level))
}

// findMemoryType picks the first memory type allowed by typeFilter that has
// all of properties.
func (a *Adapter) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := a.physicalDevice.MemoryProperties()
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)
		if typeFilter&typeBit != 0 && memoryType.PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, errors.Newf("vulkan: no memory type with %s", properties)
}
