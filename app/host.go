package app

import (
	"io/fs"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/tutorials/device"
	"github.com/vkngwrapper/tutorials/gpu"
	"github.com/vkngwrapper/tutorials/gpu/soft"
	"github.com/vkngwrapper/tutorials/gpu/vulkan"
	"github.com/vkngwrapper/tutorials/settings"
)

// idleDelay is how long the loop sleeps, in milliseconds, when it has
// nothing to draw.
const idleDelay = 16

// Host runs one tutorial stage in an SDL2 window. Run must be called from
// the main OS thread.
type Host struct {
	opts     Options
	stage    Stage
	embedded fs.FS

	window      *sdl.Window
	factory     gpu.Factory
	store       settings.Store
	session     *Session
	pointerDown bool
}

// NewHost prepares a host. embedded holds a "shaders" directory used when
// the shader directory from the options does not exist; it may be nil.
func NewHost(opts Options, stage Stage, embedded fs.FS) *Host {
	return &Host{opts: opts, stage: stage, embedded: embedded}
}

func (h *Host) Run() error {
	err := h.initWindow()
	if err != nil {
		return err
	}
	defer h.cleanup()

	err = h.initSession()
	if err != nil {
		return err
	}

	return h.mainLoop()
}

func (h *Host) initWindow() error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "init SDL")
	}

	flags := uint32(sdl.WINDOW_SHOWN | sdl.WINDOW_RESIZABLE)
	if !h.opts.Software {
		flags |= sdl.WINDOW_VULKAN
	}
	window, err := sdl.CreateWindow(ApplicationName, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(h.opts.Width), int32(h.opts.Height), flags)
	if err != nil {
		return errors.Wrap(err, "create window")
	}
	h.window = window
	return nil
}

func (h *Host) initSession() error {
	cfg := SessionConfig{
		Window: h.window,
		Size:   h.size(),
		Stage:  h.stage,
		Device: device.Options{
			Debug:             h.opts.Debug || h.opts.Software,
			BackBufferFormat:  PreferredSurfaceFormat,
			DepthBufferFormat: DepthFormat,
		},
	}
	if h.stage == StageWindow {
		session, err := NewSession(cfg)
		if err != nil {
			return err
		}
		h.session = session
		return nil
	}

	if h.opts.Software {
		h.factory = soft.NewFactory(soft.Options{})
	} else {
		f, err := vulkan.NewFactory(h.window, vulkan.Options{
			ApplicationName: ApplicationName,
			Validation:      h.opts.Validation,
		})
		if err != nil {
			return err
		}
		h.factory = f
	}
	cfg.Factory = h.factory

	if h.stage == StageTriangle {
		store, err := h.openStore()
		if err != nil {
			return err
		}
		h.store = store
		cfg.Store = store

		cfg.Shaders, err = resolveShaders(h.opts.ShaderDir, h.embedded)
		if err != nil {
			return err
		}
		cfg.Renderer = shaderNames(cfg.Shaders, h.opts.Software)
		if err := checkShaders(cfg.Shaders, cfg.Renderer); err != nil {
			return err
		}
		cfg.Renderer.ClearColor = &ClearColor
	}

	session, err := NewSession(cfg)
	if err != nil {
		return err
	}
	h.session = session
	return nil
}

func (h *Host) openStore() (settings.Store, error) {
	path := h.opts.StatePath
	if path == "" {
		var err error
		if path, err = settings.DefaultPath(settingsDir); err != nil {
			return nil, err
		}
	}
	store, err := settings.Open(path)
	if err != nil {
		return nil, err
	}
	gpu.Logger().Debug("app: settings", "path", store.Path())
	return store, nil
}

func (h *Host) size() gpu.Size {
	w, hgt := h.window.GetSize()
	return gpu.Size{Width: float32(w), Height: float32(hgt)}
}

func (h *Host) mainLoop() error {
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			quit, err := h.handleEvent(event)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}

		drawn, err := h.session.Frame()
		if err != nil {
			return err
		}
		if !drawn {
			sdl.Delay(idleDelay)
		}
	}
}

func (h *Host) handleEvent(event sdl.Event) (bool, error) {
	switch e := event.(type) {
	case *sdl.QuitEvent:
		return true, nil
	case *sdl.KeyboardEvent:
		if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_ESCAPE {
			return true, nil
		}
	case *sdl.WindowEvent:
		switch e.Event {
		case sdl.WINDOWEVENT_MINIMIZED, sdl.WINDOWEVENT_HIDDEN:
			h.session.SetVisible(false)
		case sdl.WINDOWEVENT_RESTORED, sdl.WINDOWEVENT_SHOWN:
			h.session.SetVisible(true)
		case sdl.WINDOWEVENT_FOCUS_LOST:
			// The process may be killed while in the background.
			if err := h.session.Save(); err != nil {
				gpu.Logger().Warn("app: save state", "error", err)
			}
		case sdl.WINDOWEVENT_SIZE_CHANGED:
			size := h.size()
			if size.Width <= 0 || size.Height <= 0 {
				h.session.SetVisible(false)
				return false, nil
			}
			h.session.SetVisible(true)
			if err := h.session.Resize(size); err != nil {
				return false, errors.Wrap(err, "resize")
			}
		}
	case *sdl.MouseButtonEvent:
		if e.Button != sdl.BUTTON_LEFT {
			return false, nil
		}
		if e.Type == sdl.MOUSEBUTTONDOWN {
			h.pointerDown = true
			h.session.PointerPressed(float32(e.X))
		} else {
			h.pointerDown = false
			h.session.PointerReleased()
		}
	case *sdl.MouseMotionEvent:
		if h.pointerDown {
			h.session.PointerMoved(float32(e.X))
		}
	}
	return false, nil
}

func (h *Host) cleanup() {
	if h.session != nil {
		if err := h.session.Close(); err != nil {
			gpu.Logger().Error("app: close", "error", err)
		}
	}
	if h.factory != nil {
		if err := h.factory.Close(); err != nil {
			gpu.Logger().Error("app: close factory", "error", err)
		}
	}
	if h.window != nil {
		h.window.Destroy()
	}
	sdl.Quit()
}
