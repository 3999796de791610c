// Command 03_drawing_triangle draws a rotating triangle.
//
// The SPIR-V it embeds is not checked in. Build it first with
//
//	go generate ./03_drawing_triangle
//
// which runs glslc from the Vulkan SDK, or point --shaders at a directory
// holding vert.spv and frag.spv.
package main

import (
	"embed"
	"log"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/app"
)

//go:generate glslc shaders/shader.vert -o shaders/vert.spv
//go:generate glslc shaders/shader.frag -o shaders/frag.spv

//go:embed shaders
var shaders embed.FS

func init() {
	runtime.LockOSThread()
}

func main() {
	opts, err := app.ParseArgs(os.Args[1:], os.Stdout)
	if errors.Is(err, app.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalln(err)
	}
	app.InstallLogger(os.Stderr, opts.Debug)

	host := app.NewHost(opts, app.StageTriangle, shaders)
	if err := host.Run(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}
