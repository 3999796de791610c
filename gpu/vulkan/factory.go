// Package vulkan drives the gpu object model with Vulkan through
// vkngwrapper. A Factory is bound to one SDL2 window: the instance, the
// debug messenger and the presentation surface are created with it.
package vulkan

import (
	"context"
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"github.com/vkngwrapper/extensions/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2"

	"github.com/vkngwrapper/tutorials/gpu"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// VK_KHR_portability_enumeration is not wrapped by the pinned extensions
// module, so it is enabled by name.
const (
	portabilityEnumerationExtension                                = "VK_KHR_portability_enumeration"
	instanceCreateEnumeratePortability core1_0.InstanceCreateFlags = 0x00000001
)

type Options struct {
	ApplicationName string
	// Validation enables the Khronos validation layer and routes its
	// messages to gpu.Logger.
	Validation bool
}

type Factory struct {
	window *sdl.Window
	opts   Options

	loader         core.Loader
	instance       core1_0.Instance
	debugMessenger ext_debug_utils.DebugUtilsMessenger
	surface        khr_surface.Surface
}

var _ gpu.Factory = (*Factory)(nil)

// NewFactory creates the instance for window, which must have been created
// with sdl.WINDOW_VULKAN.
func NewFactory(window *sdl.Window, opts Options) (*Factory, error) {
	if opts.ApplicationName == "" {
		opts.ApplicationName = "Triangle"
	}

	loader, err := core.CreateLoaderFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create loader")
	}

	f := &Factory{window: window, opts: opts, loader: loader}
	if err := f.createInstance(); err != nil {
		f.Close()
		return nil, err
	}
	if opts.Validation {
		debugLoader := ext_debug_utils.CreateExtensionFromInstance(f.instance)
		f.debugMessenger, _, err = debugLoader.CreateDebugUtilsMessenger(f.instance, nil, f.debugMessengerOptions())
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "vulkan: create debug messenger")
		}
	}

	surfaceLoader := khr_surface.CreateExtensionFromInstance(f.instance)
	f.surface, err = vkng_sdl2.CreateSurface(f.instance, surfaceLoader, window)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "vulkan: create surface")
	}
	return f, nil
}

func (f *Factory) createInstance() error {
	info := core1_0.InstanceCreateInfo{
		ApplicationName:    f.opts.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "No Engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := f.loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "vulkan: enumerate instance extensions")
	}
	for _, ext := range f.window.VulkanGetInstanceExtensions() {
		if _, ok := extensions[ext]; !ok {
			return errors.Newf("vulkan: missing instance extension %s", ext)
		}
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext)
	}
	names, flags := portabilityEnumeration(func(name string) bool {
		_, ok := extensions[name]
		return ok
	})
	info.EnabledExtensionNames = append(info.EnabledExtensionNames, names...)
	info.Flags |= flags

	if f.opts.Validation {
		layers, _, err := f.loader.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "vulkan: enumerate layers")
		}
		if _, ok := layers[validationLayer]; !ok {
			return errors.Newf("vulkan: validation layer %s not available, install the Vulkan SDK", validationLayer)
		}
		info.EnabledLayerNames = append(info.EnabledLayerNames, validationLayer)
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		// Covers instance creation and destruction too.
		info.Next = f.debugMessengerOptions()
	}

	f.instance, _, err = f.loader.CreateInstance(nil, info)
	if err != nil {
		return errors.Wrap(err, "vulkan: create instance")
	}
	return nil
}

// portabilityEnumeration lists portability implementations such as MoltenVK
// when the loader offers the extension.
func portabilityEnumeration(available func(name string) bool) ([]string, core1_0.InstanceCreateFlags) {
	if !available(portabilityEnumerationExtension) {
		return nil, 0
	}
	return []string{portabilityEnumerationExtension}, instanceCreateEnumeratePortability
}

func (f *Factory) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning | ext_debug_utils.SeverityInfo,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    logDebug,
	}
}

func logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelDebug
	switch {
	case severity&ext_debug_utils.SeverityError != 0:
		level = slog.LevelError
	case severity&ext_debug_utils.SeverityWarning != 0:
		level = slog.LevelWarn
	}
	gpu.Logger().Log(context.Background(), level, data.Message, "type", msgType.String())
	return false
}

// Adapters lists every physical device that can present to the window,
// discrete GPUs first, CPU implementations last.
func (f *Factory) Adapters() ([]gpu.Adapter, error) {
	physicalDevices, _, err := f.instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: enumerate physical devices")
	}

	var found []*Adapter
	for _, pd := range physicalDevices {
		a, err := newAdapter(pd, f.surface)
		if err != nil {
			gpu.Logger().Debug("vulkan: skipping physical device", "err", err)
			continue
		}
		found = append(found, a)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].rank() < found[j].rank()
	})

	adapters := make([]gpu.Adapter, 0, len(found))
	for _, a := range found {
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// SoftwareAdapter returns a CPU implementation such as lavapipe or
// SwiftShader, if one is installed.
func (f *Factory) SoftwareAdapter() (gpu.Adapter, error) {
	adapters, err := f.Adapters()
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		if a.Desc().Software {
			return a, nil
		}
	}
	return nil, errors.Wrap(gpu.ErrNoAdapter, "vulkan: no CPU implementation installed")
}

func (f *Factory) CreateDevice(adapter gpu.Adapter, level gpu.FeatureLevel) (gpu.Device, error) {
	a, ok := adapter.(*Adapter)
	if !ok {
		return nil, errors.Newf("vulkan: foreign adapter %T", adapter)
	}
	if !a.SupportsFeatureLevel(level) {
		return nil, errors.Newf("vulkan: adapter %q does not support feature level %s", a.desc.Description, level)
	}
	return newDevice(a)
}

// CreateSwapChain accepts the window the factory was created for, either
// as *sdl.Window or wrapped in a gpu.Window.
func (f *Factory) CreateSwapChain(queue gpu.CommandQueue, window gpu.Window, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	q, ok := queue.(*commandQueue)
	if !ok {
		return nil, errors.Newf("vulkan: foreign command queue %T", queue)
	}
	if w, ok := window.(*sdl.Window); !ok || w != f.window {
		return nil, errors.Newf("vulkan: swap chain window %T is not the factory's window", window)
	}
	return newSwapChain(q, f.surface, desc)
}

func (f *Factory) Close() error {
	if f.surface != nil {
		f.surface.Destroy(nil)
		f.surface = nil
	}
	if f.debugMessenger != nil {
		f.debugMessenger.Destroy(nil)
		f.debugMessenger = nil
	}
	if f.instance != nil {
		f.instance.Destroy(nil)
		f.instance = nil
	}
	return nil
}
