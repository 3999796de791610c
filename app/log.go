package app

import (
	"io"
	"log/slog"

	"github.com/vkngwrapper/tutorials/gpu"
)

// InstallLogger sends the gpu, device and renderer logs to w as text.
// Debug lowers the level to include per-object and validation output.
func InstallLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	gpu.SetLogger(logger)
	return logger
}
