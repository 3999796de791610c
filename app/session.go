package app

import (
	"io/fs"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/device"
	"github.com/vkngwrapper/tutorials/gpu"
	"github.com/vkngwrapper/tutorials/renderer"
	"github.com/vkngwrapper/tutorials/settings"
	"github.com/vkngwrapper/tutorials/timer"
)

// Stage is how much of the tutorial a binary runs.
type Stage int

const (
	// StageWindow opens the window and pumps events.
	StageWindow Stage = iota
	// StageDevice adds the device manager and presents cleared frames.
	StageDevice
	// StageTriangle adds the renderer.
	StageTriangle
)

type SessionConfig struct {
	Factory gpu.Factory
	Window  gpu.Window
	Size    gpu.Size
	Stage   Stage

	Store    settings.Store
	Shaders  fs.FS
	Device   device.Options
	Renderer renderer.Options
	// Clock defaults to the hrtime clock.
	Clock timer.Clock
}

// Session owns the device manager and the renderer for one window and
// drives them frame by frame. It knows nothing about the windowing system;
// the Host feeds it events.
type Session struct {
	cfg SessionConfig

	manager  *device.Manager
	renderer *renderer.Renderer
	clear    *clearPass
	timer    *timer.Step

	size     gpu.Size
	visible  bool
	recovers int
	closed   bool
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		cfg.Store = settings.NewMemory()
	}
	s := &Session{cfg: cfg, size: cfg.Size, visible: true}
	if cfg.Clock != nil {
		s.timer = timer.NewWithClock(cfg.Clock)
	} else {
		s.timer = timer.New()
	}

	if cfg.Stage == StageWindow {
		return s, nil
	}
	if err := s.createDeviceResources(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Session) createDeviceResources() error {
	m, err := device.New(s.cfg.Factory, s.cfg.Device)
	if err != nil {
		return errors.Wrap(err, "create device manager")
	}
	s.manager = m
	desc := m.AdapterDesc()
	gpu.Logger().Info("app: adapter selected",
		"adapter", desc.Description, "id", desc.ID.String(), "software", desc.Software)

	if err := m.SetWindow(s.cfg.Window, s.size); err != nil {
		return errors.Wrap(err, "set window")
	}

	switch s.cfg.Stage {
	case StageDevice:
		s.clear, err = newClearPass(m, ClearColor)
		if err != nil {
			return err
		}
	case StageTriangle:
		s.renderer, err = renderer.New(m, s.cfg.Store, s.cfg.Shaders, s.cfg.Renderer)
		if err != nil {
			return errors.Wrap(err, "create renderer")
		}
	}
	return nil
}

// release drops device objects in reverse creation order.
func (s *Session) release() error {
	var err error
	if s.renderer != nil {
		err = errors.CombineErrors(err, s.renderer.Close())
		s.renderer = nil
	}
	if s.clear != nil {
		s.clear.release()
		s.clear = nil
	}
	if s.manager != nil {
		err = errors.CombineErrors(err, s.manager.Close())
		s.manager = nil
	}
	return err
}

// recreate rebuilds everything after device loss. The renderer's state
// survives through the store.
func (s *Session) recreate() error {
	gpu.Logger().Warn("app: device lost, recreating")
	s.recovers++

	if s.renderer != nil {
		if err := s.renderer.SaveState(); err != nil {
			gpu.Logger().Warn("app: save state before recovery", "error", err)
		}
	}
	if err := s.release(); err != nil && !gpu.IsDeviceLost(err) {
		gpu.Logger().Warn("app: release lost device", "error", err)
	}
	if err := s.createDeviceResources(); err != nil {
		return errors.Wrap(err, "recreate device")
	}
	s.timer.ResetElapsedTime()
	return nil
}

// Resize follows a change of the window's drawable size.
func (s *Session) Resize(size gpu.Size) error {
	s.size = size
	if s.manager == nil {
		return nil
	}
	if err := s.manager.SetWindow(s.cfg.Window, size); err != nil {
		return err
	}
	if s.renderer != nil {
		s.renderer.CreateWindowSizeDependentResources()
	}
	return nil
}

// SetVisible pauses rendering while the window is hidden or minimized.
func (s *Session) SetVisible(visible bool) {
	if visible && !s.visible {
		s.timer.ResetElapsedTime()
	}
	s.visible = visible
}

func (s *Session) Visible() bool { return s.visible }

func (s *Session) PointerPressed(x float32) {
	if s.renderer != nil {
		s.renderer.StartTracking()
		s.renderer.TrackingUpdate(x)
	}
}

func (s *Session) PointerMoved(x float32) {
	if s.renderer != nil {
		s.renderer.TrackingUpdate(x)
	}
}

func (s *Session) PointerReleased() {
	if s.renderer != nil {
		s.renderer.StopTracking()
	}
}

// Frame updates and renders one frame. It reports whether a frame was
// presented.
func (s *Session) Frame() (bool, error) {
	if s.closed {
		return false, errors.New("frame after close")
	}
	if s.manager == nil || !s.visible {
		return false, nil
	}
	if s.manager.DeviceRemoved() {
		if err := s.recreate(); err != nil {
			return false, err
		}
	}

	var updateErr error
	s.timer.Tick(func() {
		if s.renderer != nil {
			updateErr = s.renderer.Update(s.timer.ElapsedSeconds())
		}
	})
	if updateErr != nil {
		return false, errors.Wrap(updateErr, "update")
	}
	// Nothing is drawn before the first tick.
	if s.timer.FrameCount() == 0 {
		return false, nil
	}

	drawn, err := s.render()
	switch {
	case err != nil && !gpu.IsDeviceLost(err):
		return false, err
	case err == nil && !drawn:
		return false, nil
	}
	// On a lost device Present raises the manager's removed flag, and the
	// next frame recreates everything.
	if err := s.manager.Present(); err != nil {
		return false, errors.Wrap(err, "present")
	}
	return !s.manager.DeviceRemoved(), nil
}

func (s *Session) render() (bool, error) {
	switch {
	case s.renderer != nil:
		if err := s.renderer.Err(); err != nil {
			return false, errors.Wrap(err, "load renderer")
		}
		return s.renderer.Render()
	case s.clear != nil:
		return true, s.clear.render()
	}
	return false, nil
}

// Save stores the renderer's state, for example before the process is
// suspended.
func (s *Session) Save() error {
	if s.renderer == nil {
		return nil
	}
	return s.renderer.SaveState()
}

// Close saves state and releases the device.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.Save()
	return errors.CombineErrors(err, s.release())
}

func (s *Session) Manager() *device.Manager     { return s.manager }
func (s *Session) Renderer() *renderer.Renderer { return s.renderer }

// Recoveries counts device recreations after loss.
func (s *Session) Recoveries() int { return s.recovers }
