package renderer

import (
	"context"
	"io/fs"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/device"
	"github.com/vkngwrapper/tutorials/gpu"
	"github.com/vkngwrapper/tutorials/gpu/soft"
	"github.com/vkngwrapper/tutorials/settings"
)

var testShaders = fstest.MapFS{
	D3DVertexShader: {Data: []byte("vertex shader bytecode")},
	D3DPixelShader:  {Data: []byte("pixel shader bytecode")},
}

type scene struct {
	factory *soft.Factory
	manager *device.Manager
	gpu     *soft.Device
	store   *settings.Memory
}

func newScene(t *testing.T, size gpu.Size) *scene {
	t.Helper()

	f := soft.NewFactory(soft.Options{Adapters: []soft.AdapterConfig{
		{Description: "Test Card", MaxFeatureLevel: gpu.FeatureLevel12_0},
	}})
	m, err := device.New(f, device.Options{})
	if err != nil {
		t.Fatalf("device.New: %+v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.SetWindow(nil, size); err != nil {
		t.Fatalf("SetWindow: %+v", err)
	}
	return &scene{factory: f, manager: m, gpu: f.LastDevice(), store: settings.NewMemory()}
}

func (s *scene) renderer(t *testing.T, shaders fs.FS) *Renderer {
	t.Helper()

	r, err := New(s.manager, s.store, shaders, Options{})
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func (s *scene) frame(t *testing.T, r *Renderer, elapsed float64) bool {
	t.Helper()

	if err := r.Update(elapsed); err != nil {
		t.Fatalf("Update: %+v", err)
	}
	drawn, err := r.Render()
	if err != nil {
		t.Fatalf("Render: %+v", err)
	}
	if drawn {
		if err := s.manager.Present(); err != nil {
			t.Fatalf("Present: %+v", err)
		}
	}
	return drawn
}

// gatedFS blocks every Open until the gate is closed.
type gatedFS struct {
	fs.FS
	gate chan struct{}
}

func (g gatedFS) Open(name string) (fs.File, error) {
	<-g.gate
	return g.FS.Open(name)
}

func TestRenderNotReadyUntilLoaded(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	gate := make(chan struct{})
	r := s.renderer(t, gatedFS{FS: testShaders, gate: gate})

	for i := 0; i < 5; i++ {
		if s.frame(t, r, 1.0/60) {
			t.Fatalf("frame %d drawn before loading completed", i)
		}
	}
	if got := r.State(); got != NotLoaded && got != ShadersLoading {
		t.Errorf("state while shaders block = %s", got)
	}

	close(gate)
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %+v", err)
	}
	if r.State() != LoadingComplete {
		t.Errorf("state = %s, want LoadingComplete", r.State())
	}

	for i := 0; i < 6; i++ {
		if !s.frame(t, r, 1.0/60) {
			t.Fatalf("frame %d not drawn after loading", i)
		}
	}
	if err := s.manager.WaitForGpu(); err != nil {
		t.Fatal(err)
	}

	stats := s.gpu.Stats()
	if len(stats.Draws) != 6 {
		t.Fatalf("draws = %d, want 6", len(stats.Draws))
	}
	for i, d := range stats.Draws {
		if d.VertexCount != 3 || d.InstanceCount != 1 || d.StartVertex != 0 || d.StartInstance != 0 {
			t.Errorf("draw %d = %+v", i, d)
		}
	}
	if stats.Clears != 12 {
		t.Errorf("clears = %d, want 12", stats.Clears)
	}
	if stats.ConstantBufferHazards != 0 {
		t.Errorf("constant buffer hazards = %d", stats.ConstantBufferHazards)
	}
	if problems := s.gpu.Problems(); len(problems) != 0 {
		t.Errorf("validation problems: %v", problems)
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (h *stateRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (h *stateRecorder) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *stateRecorder) WithGroup(string) slog.Handler            { return h }

func (h *stateRecorder) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "renderer: load state" {
		return nil
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "state" {
			h.mu.Lock()
			h.states = append(h.states, a.Value.String())
			h.mu.Unlock()
		}
		return true
	})
	return nil
}

func TestLoadStateSequence(t *testing.T) {
	rec := &stateRecorder{}
	gpu.SetLogger(slog.New(rec))
	defer gpu.SetLogger(nil)

	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %+v", err)
	}

	want := []string{"ShadersLoading", "PipelineStateReady", "AssetsUploading", "LoadingComplete"}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !reflect.DeepEqual(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
}

func TestLoadFailure(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, fstest.MapFS{D3DVertexShader: {Data: []byte("vs")}})

	err := r.Wait()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Wait = %v, want a missing pixel shader", err)
	}
	if r.Err() == nil {
		t.Errorf("Err should report the load failure")
	}
	if drawn := s.frame(t, r, 0.1); drawn {
		t.Errorf("frame drawn after a failed load")
	}
}

func TestAngleAccumulates(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	steps := []float64{0.5, 0.25, 1.0 / 60, 2}
	total := 0.0
	for _, dt := range steps {
		before := r.Angle()
		s.frame(t, r, dt)
		total += dt

		want := before + float32(dt*math.Pi/4)
		if math.Abs(float64(r.Angle()-want)) > 1e-5 {
			t.Errorf("after %v s: angle %v, want %v", dt, r.Angle(), want)
		}
	}
	if want := float32(total * math.Pi / 4); math.Abs(float64(r.Angle()-want)) > 1e-4 {
		t.Errorf("angle = %v, want %v", r.Angle(), want)
	}
}

func TestTracking(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	r.TrackingUpdate(100)
	if r.Angle() != 0 {
		t.Errorf("TrackingUpdate without tracking changed the angle to %v", r.Angle())
	}

	r.StartTracking()
	tests := []struct {
		x    float32
		want float64
	}{
		{0, 0},
		{80, math.Pi},
		{160, 2 * math.Pi},
		{320, 4 * math.Pi},
	}
	for _, tc := range tests {
		r.TrackingUpdate(tc.x)
		s.frame(t, r, 5)
		if math.Abs(float64(r.Angle())-tc.want) > 1e-5 {
			t.Errorf("x=%v: angle %v, want %v", tc.x, r.Angle(), tc.want)
		}
	}

	r.StopTracking()
	before := r.Angle()
	s.frame(t, r, 1)
	if want := before + math.Pi/4; math.Abs(float64(r.Angle()-want)) > 1e-5 {
		t.Errorf("after StopTracking: angle %v, want %v", r.Angle(), want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	s.frame(t, r, 1)
	r.StartTracking()
	if err := r.SaveState(); err != nil {
		t.Fatalf("SaveState: %+v", err)
	}
	angle := r.Angle()

	next := s.renderer(t, testShaders)
	if next.Angle() != angle {
		t.Errorf("restored angle %v, want %v", next.Angle(), angle)
	}
	if !next.Tracking() {
		t.Errorf("restored tracking = false")
	}
	if s.store.Has(settings.AngleKey) || s.store.Has(settings.TrackingKey) {
		t.Errorf("loading should remove the saved entries")
	}

	empty := newScene(t, gpu.Size{Width: 320, Height: 240}).renderer(t, testShaders)
	if empty.Angle() != 0 || empty.Tracking() {
		t.Errorf("defaults = %v, %v", empty.Angle(), empty.Tracking())
	}
}

func TestConstantsReachTheDraw(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	var want [][]byte
	var slots []int
	for i := 0; i < 5; i++ {
		slots = append(slots, s.manager.CurrentFrameIndex())
		s.frame(t, r, 0.1)
		c := r.Constants()
		want = append(want, c.bytes())
	}
	if err := s.manager.WaitForGpu(); err != nil {
		t.Fatal(err)
	}

	draws := s.gpu.Stats().Draws
	if len(draws) != len(want) {
		t.Fatalf("draws = %d, want %d", len(draws), len(want))
	}
	for i, d := range draws {
		if d.ConstantBufferSlot != slots[i] {
			t.Errorf("draw %d used slot %d, want %d", i, d.ConstantBufferSlot, slots[i])
		}
		if string(d.Constants[:len(want[i])]) != string(want[i]) {
			t.Errorf("draw %d read stale constants", i)
		}
	}
}

func TestProjectionFollowsAspect(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	landscape := r.Constants().Projection
	if want := float32(1 / math.Tan(35*math.Pi/180)); math.Abs(float64(landscape[5]-want)) > 1e-5 {
		t.Errorf("landscape y scale %v, want %v", landscape[5], want)
	}
	if want := landscape[5] / (320.0 / 240.0); math.Abs(float64(landscape[0]-want)) > 1e-5 {
		t.Errorf("landscape x scale %v, want %v", landscape[0], want)
	}

	if err := s.manager.SetWindow(nil, gpu.Size{Width: 240, Height: 320}); err != nil {
		t.Fatal(err)
	}
	r.CreateWindowSizeDependentResources()

	portrait := r.Constants().Projection
	if want := float32(1 / math.Tan(70*math.Pi/180)); math.Abs(float64(portrait[5]-want)) > 1e-5 {
		t.Errorf("portrait y scale %v, want %v", portrait[5], want)
	}

	for i := 0; i < 4; i++ {
		if !s.frame(t, r, 0.1) {
			t.Fatalf("frame %d not drawn after resize", i)
		}
	}
	if err := s.manager.WaitForGpu(); err != nil {
		t.Fatal(err)
	}
	if problems := s.gpu.Problems(); len(problems) != 0 {
		t.Errorf("validation problems after resize: %v", problems)
	}
}

func TestProjectionWithoutWindow(t *testing.T) {
	f := soft.NewFactory(soft.Options{Adapters: []soft.AdapterConfig{
		{Description: "Test Card", MaxFeatureLevel: gpu.FeatureLevel12_0},
	}})
	m, err := device.New(f, device.Options{})
	if err != nil {
		t.Fatalf("device.New: %+v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	r, err := New(m, settings.NewMemory(), testShaders, Options{})
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	for i, v := range r.Constants().Projection {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("projection[%d] = %v with a zero output size", i, v)
		}
	}
}

func TestCloseReleasesMappingOnce(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r, err := New(s.manager, s.store, testShaders, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}
	s.frame(t, r, 0.1)

	before := s.gpu.Stats().Unmaps
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %+v", err)
	}
	if got := s.gpu.Stats().Unmaps - before; got != 1 {
		t.Errorf("unmaps during Close = %d, want 1", got)
	}
	if err := r.Update(0.1); !errors.Is(err, ErrMappingReleased) {
		t.Errorf("Update after Close = %v, want ErrMappingReleased", err)
	}
	if problems := s.gpu.Problems(); len(problems) != 0 {
		t.Errorf("validation problems: %v", problems)
	}
}

func TestDeviceRemovedDuringRendering(t *testing.T) {
	s := newScene(t, gpu.Size{Width: 320, Height: 240})
	r := s.renderer(t, testShaders)
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	s.frame(t, r, 0.1)
	s.gpu.Remove(gpu.ErrDeviceRemoved)
	s.frame(t, r, 0.1)

	if !s.manager.DeviceRemoved() {
		t.Errorf("device removal not flagged")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on a removed device: %+v", err)
	}
}
