// Package soft is a CPU implementation of the gpu object model. Command
// lists execute in submission order on a dedicated goroutine, so fences,
// allocator reuse and resource lifetimes behave like they do on hardware.
//
// Besides acting as the software fallback adapter, the package validates
// what it executes: resource state transitions, allocator resets while work
// is in flight, releases of resources the GPU still reads, and writes into
// constant-buffer memory that a pending draw has not consumed yet. Device
// removal can be injected with Device.Remove.
package soft

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vkngwrapper/tutorials/gpu"
)

// AdapterConfig describes a simulated adapter.
type AdapterConfig struct {
	Description     string
	Software        bool
	MaxFeatureLevel gpu.FeatureLevel
}

type Options struct {
	// Adapters are the simulated hardware adapters, in enumeration order.
	Adapters []AdapterConfig
	// ExecutionDelay is slept before every command list runs, which keeps
	// the GPU timeline behind the CPU.
	ExecutionDelay time.Duration
}

var adapterNamespace = uuid.MustParse("6f1c5d1e-7d0b-4c33-9b6e-2a7f3f4d7c11")

const softwareDescription = "Soft Basic Render Driver"

type Adapter struct {
	desc     gpu.AdapterDesc
	maxLevel gpu.FeatureLevel
}

func newAdapter(index int, cfg AdapterConfig) *Adapter {
	return &Adapter{
		desc: gpu.AdapterDesc{
			Description: cfg.Description,
			ID:          uuid.NewSHA1(adapterNamespace, []byte(cfg.Description)),
			VendorID:    0x1414,
			DeviceID:    uint32(index),
			Software:    cfg.Software,
		},
		maxLevel: cfg.MaxFeatureLevel,
	}
}

func (a *Adapter) Desc() gpu.AdapterDesc { return a.desc }

func (a *Adapter) SupportsFeatureLevel(level gpu.FeatureLevel) bool {
	return level <= a.maxLevel
}

type Factory struct {
	opts     Options
	adapters []*Adapter
	warp     *Adapter

	mu      sync.Mutex
	devices []*Device
}

var _ gpu.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	f := &Factory{
		opts: opts,
		warp: newAdapter(len(opts.Adapters), AdapterConfig{
			Description:     softwareDescription,
			Software:        true,
			MaxFeatureLevel: gpu.FeatureLevel12_1,
		}),
	}
	for i, cfg := range opts.Adapters {
		f.adapters = append(f.adapters, newAdapter(i, cfg))
	}
	return f
}

func (f *Factory) Adapters() ([]gpu.Adapter, error) {
	adapters := make([]gpu.Adapter, 0, len(f.adapters))
	for _, a := range f.adapters {
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func (f *Factory) SoftwareAdapter() (gpu.Adapter, error) {
	return f.warp, nil
}

func (f *Factory) CreateDevice(adapter gpu.Adapter, level gpu.FeatureLevel) (gpu.Device, error) {
	a, ok := adapter.(*Adapter)
	if !ok {
		return nil, errors.Newf("soft: foreign adapter %T", adapter)
	}
	if !a.SupportsFeatureLevel(level) {
		return nil, errors.Newf("soft: adapter %q does not support feature level %s", a.desc.Description, level)
	}

	d := newDevice(a, f.opts.ExecutionDelay)

	f.mu.Lock()
	f.devices = append(f.devices, d)
	f.mu.Unlock()

	gpu.Logger().Debug("soft: device created", "adapter", a.desc.Description, "level", level.String())
	return d, nil
}

func (f *Factory) CreateSwapChain(queue gpu.CommandQueue, window gpu.Window, desc gpu.SwapChainDesc) (gpu.SwapChain, error) {
	q, ok := queue.(*commandQueue)
	if !ok {
		return nil, errors.Newf("soft: foreign command queue %T", queue)
	}
	return newSwapChain(q, window, desc)
}

// Devices returns every device created by the factory, oldest first.
func (f *Factory) Devices() []*Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Device(nil), f.devices...)
}

// LastDevice returns the most recently created device, or nil.
func (f *Factory) LastDevice() *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}

func (f *Factory) Close() error {
	return nil
}
