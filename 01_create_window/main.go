package main

import (
	"log"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/app"
)

func init() {
	// SDL wants every window call on the main thread.
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

	host := app.NewHost(opts, app.StageWindow, nil)
	if err := host.Run(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}
