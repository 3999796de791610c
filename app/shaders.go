package app

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/renderer"
)

// resolveShaders opens dir, relative to the executable unless absolute.
// When dir does not exist the embedded shaders subtree is used instead.
func resolveShaders(dir string, embedded fs.FS) (fs.FS, error) {
	if !filepath.IsAbs(dir) {
		exe, err := os.Executable()
		if err == nil {
			dir = filepath.Join(filepath.Dir(exe), dir)
		}
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return os.DirFS(dir), nil
	}
	if embedded == nil {
		return nil, errors.Newf("shader directory %s not found", dir)
	}
	sub, err := fs.Sub(embedded, DefaultShaderDir)
	if err != nil {
		return nil, errors.Wrap(err, "open embedded shaders")
	}
	return sub, nil
}

// shaderNames picks the blob names for the backend. The software device
// takes any bytes, so it uses the D3D names when present and the SPIR-V
// ones otherwise.
func shaderNames(fsys fs.FS, software bool) renderer.Options {
	if software {
		if _, err := fs.Stat(fsys, renderer.D3DVertexShader); err == nil {
			return renderer.Options{VertexShader: renderer.D3DVertexShader, PixelShader: renderer.D3DPixelShader}
		}
	}
	return renderer.Options{VertexShader: renderer.SPIRVVertexShader, PixelShader: renderer.SPIRVPixelShader}
}

// checkShaders fails early, naming the fix, when the compiled shaders are
// missing. The triangle binary embeds them only after go generate.
func checkShaders(fsys fs.FS, opts renderer.Options) error {
	for _, name := range []string{opts.VertexShader, opts.PixelShader} {
		if _, err := fs.Stat(fsys, name); err != nil {
			return errors.Wrapf(err, "shader %s missing; run go generate ./03_drawing_triangle (needs glslc) or pass --shaders", name)
		}
	}
	return nil
}
