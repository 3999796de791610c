package app

import "github.com/vkngwrapper/tutorials/gpu"

const (
	ApplicationName = "Hello Triangle"

	DefaultWidth     = 800
	DefaultHeight    = 600
	DefaultShaderDir = "shaders"

	// settingsDir names the directory under the user config dir that holds
	// the saved renderer state.
	settingsDir = "vkngwrapper-tutorials"

	PreferredSurfaceFormat gpu.Format = gpu.FormatB8G8R8A8Unorm
	DepthFormat            gpu.Format = gpu.FormatD32Float
)

var ClearColor = [4]float32{0.392156899, 0.584313750, 0.929411829, 1}
