package main

import (
	"log"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/tutorials/app"
)

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

	// Clears each back buffer to cornflower blue and presents it.
	host := app.NewHost(opts, app.StageDevice, nil)
	if err := host.Run(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}
