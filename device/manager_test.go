package device

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/tutorials/gpu"
	"github.com/vkngwrapper/tutorials/gpu/soft"
)

func newManager(t *testing.T, factory *soft.Factory, opts Options) *Manager {
	t.Helper()

	m, err := New(factory, opts)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.SetWindow(nil, gpu.Size{Width: 320, Height: 240}); err != nil {
		t.Fatalf("SetWindow: %+v", err)
	}
	return m
}

func hardwareFactory() *soft.Factory {
	return soft.NewFactory(soft.Options{Adapters: []soft.AdapterConfig{
		{Description: "Basic Display Adapter", Software: true, MaxFeatureLevel: gpu.FeatureLevel12_1},
		{Description: "Old Card", MaxFeatureLevel: 0x9300},
		{Description: "Test Card", MaxFeatureLevel: gpu.FeatureLevel12_0},
	}})
}

func TestAdapterSelection(t *testing.T) {
	tests := []struct {
		name     string
		adapters []soft.AdapterConfig
		debug    bool
		want     string
		wantErr  bool
	}{
		{
			name: "first capable hardware adapter",
			adapters: []soft.AdapterConfig{
				{Description: "Basic Display Adapter", Software: true, MaxFeatureLevel: gpu.FeatureLevel12_1},
				{Description: "Old Card", MaxFeatureLevel: 0x9300},
				{Description: "Test Card", MaxFeatureLevel: gpu.FeatureLevel12_0},
				{Description: "Second Card", MaxFeatureLevel: gpu.FeatureLevel12_1},
			},
			want: "Test Card",
		},
		{
			name:    "no hardware adapter in release",
			wantErr: true,
		},
		{
			name:  "software fallback in debug",
			debug: true,
			want:  "Soft Basic Render Driver",
		},
		{
			name: "software adapters are never enumerated as hardware",
			adapters: []soft.AdapterConfig{
				{Description: "Basic Display Adapter", Software: true, MaxFeatureLevel: gpu.FeatureLevel12_1},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(soft.NewFactory(soft.Options{Adapters: tc.adapters}), Options{Debug: tc.debug})
			if tc.wantErr {
				if !errors.Is(err, gpu.ErrNoAdapter) {
					t.Fatalf("err = %v, want ErrNoAdapter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %+v", err)
			}
			defer m.Close()

			if got := m.AdapterDesc().Description; got != tc.want {
				t.Errorf("adapter = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInitialFenceValues(t *testing.T) {
	m, err := New(hardwareFactory(), Options{})
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	defer m.Close()

	values, completed := m.FenceValues()
	if values != [FrameCount]uint64{1, 0, 0} {
		t.Errorf("fence values = %v", values)
	}
	if completed != 0 {
		t.Errorf("completed = %d, want 0", completed)
	}
}

func TestSetWindowViewport(t *testing.T) {
	m := newManager(t, hardwareFactory(), Options{})

	want := gpu.Viewport{Width: 320, Height: 240, MaxDepth: 1}
	if got := m.ScreenViewport(); got != want {
		t.Errorf("viewport = %+v, want %+v", got, want)
	}
	if got := m.SwapChain().Desc().BufferCount; got != FrameCount {
		t.Errorf("buffer count = %d, want %d", got, FrameCount)
	}
	if m.RenderTarget() == nil {
		t.Errorf("no render target for the current frame")
	}
	if m.RenderTargetView().Index != m.CurrentFrameIndex() {
		t.Errorf("rtv index %d, frame %d", m.RenderTargetView().Index, m.CurrentFrameIndex())
	}
}

func TestResizeKeepsBufferCount(t *testing.T) {
	f := hardwareFactory()
	m := newManager(t, f, Options{})

	sizes := []gpu.Size{{Width: 640, Height: 480}, {Width: 100, Height: 700}, {Width: 0, Height: 0}}
	for _, size := range sizes {
		if err := m.SetWindow(nil, size); err != nil {
			t.Fatalf("SetWindow(%v): %+v", size, err)
		}
		desc := m.SwapChain().Desc()
		if desc.BufferCount != FrameCount {
			t.Errorf("after resize to %v: buffer count = %d", size, desc.BufferCount)
		}
	}

	if got := m.OutputSize(); got != (gpu.Size{Width: 1, Height: 1}) {
		t.Errorf("zero size should clamp to 1x1, got %v", got)
	}
	if problems := f.LastDevice().Problems(); len(problems) != 0 {
		t.Errorf("validation problems: %v", problems)
	}
	if got := f.LastDevice().Stats().Resizes; got != len(sizes) {
		t.Errorf("resizes = %d, want %d", got, len(sizes))
	}
}

// TestFramePacing presents with a clear per frame. The software allocator
// refuses a reset while a list recorded against it is still in flight, so
// a clean run shows every slot waited for its fence value.
func TestFramePacing(t *testing.T) {
	f := soft.NewFactory(soft.Options{
		Adapters: []soft.AdapterConfig{{Description: "Test Card", MaxFeatureLevel: gpu.FeatureLevel12_0}},
	})
	m := newManager(t, f, Options{})
	dev := f.LastDevice()

	list, err := m.Device().CreateCommandList(m.CommandAllocator(), nil)
	if err != nil {
		t.Fatalf("CreateCommandList: %+v", err)
	}
	_ = list.Close()

	for frame := 0; frame < 10; frame++ {
		slot := m.CurrentFrameIndex()

		alloc := m.CommandAllocator()
		if err := alloc.Reset(); err != nil {
			t.Fatalf("frame %d: allocator reset: %+v", frame, err)
		}
		if err := list.Reset(alloc, nil); err != nil {
			t.Fatalf("frame %d: list reset: %+v", frame, err)
		}
		rt := m.RenderTarget()
		list.ResourceBarrier(gpu.TransitionBarrier{Resource: rt, Before: gpu.StatePresent, After: gpu.StateRenderTarget})
		list.ClearRenderTargetView(m.RenderTargetView(), [4]float32{0, 0, 0, 1})
		list.ResourceBarrier(gpu.TransitionBarrier{Resource: rt, Before: gpu.StateRenderTarget, After: gpu.StatePresent})
		if err := list.Close(); err != nil {
			t.Fatalf("frame %d: close: %+v", frame, err)
		}
		if err := m.CommandQueue().ExecuteCommandLists(list); err != nil {
			t.Fatalf("frame %d: execute: %+v", frame, err)
		}
		if err := m.Present(); err != nil {
			t.Fatalf("frame %d: present: %+v", frame, err)
		}
		if next := m.CurrentFrameIndex(); next != (slot+1)%FrameCount {
			t.Errorf("frame %d: next slot %d, want %d", frame, next, (slot+1)%FrameCount)
		}
	}

	if err := m.WaitForGpu(); err != nil {
		t.Fatalf("WaitForGpu: %+v", err)
	}
	stats := dev.Stats()
	if stats.Presents != 10 || stats.Clears != 10 {
		t.Errorf("stats = %+v", stats)
	}
	if problems := dev.Problems(); len(problems) != 0 {
		t.Errorf("validation problems: %v", problems)
	}
}

func TestDeviceRemovedIsAFlag(t *testing.T) {
	for _, reason := range []error{gpu.ErrDeviceRemoved, gpu.ErrDeviceReset} {
		t.Run(reason.Error(), func(t *testing.T) {
			f := hardwareFactory()
			m := newManager(t, f, Options{})

			f.LastDevice().Remove(reason)

			if err := m.Present(); err != nil {
				t.Fatalf("Present after removal: %+v", err)
			}
			if !m.DeviceRemoved() {
				t.Fatalf("DeviceRemoved = false after Present")
			}
			if err := m.SetWindow(nil, gpu.Size{Width: 10, Height: 10}); err != nil {
				t.Fatalf("SetWindow after removal: %+v", err)
			}
			if err := m.WaitForGpu(); err != nil {
				t.Fatalf("WaitForGpu after removal: %+v", err)
			}
		})
	}
}

func TestResizeOnRemovedDevice(t *testing.T) {
	f := hardwareFactory()
	m := newManager(t, f, Options{})

	f.LastDevice().Remove(gpu.ErrDeviceReset)

	if err := m.SetWindow(nil, gpu.Size{Width: 800, Height: 600}); err != nil {
		t.Fatalf("SetWindow: %+v", err)
	}
	if !m.DeviceRemoved() {
		t.Fatalf("DeviceRemoved = false after resize")
	}
	if got := m.OutputSize(); got != (gpu.Size{Width: 320, Height: 240}) {
		t.Errorf("output size changed to %v on a removed device", got)
	}
}

func TestValidateDevice(t *testing.T) {
	m := newManager(t, hardwareFactory(), Options{})
	if err := m.ValidateDevice(); err != nil {
		t.Fatalf("ValidateDevice: %+v", err)
	}
	if m.DeviceRemoved() {
		t.Errorf("device flagged removed while its adapter is present")
	}
}

func TestOrientation(t *testing.T) {
	m := newManager(t, hardwareFactory(), Options{})
	if !m.OrientationTransform3D().ApproxEqual(mgl32.Ident4()) {
		t.Errorf("default orientation should be identity")
	}

	rot := mgl32.HomogRotate3DZ(mgl32.DegToRad(90))
	m.SetOrientation(rot)
	if !m.OrientationTransform3D().ApproxEqual(rot) {
		t.Errorf("orientation not stored")
	}
}
