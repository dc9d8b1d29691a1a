// Package logging builds the service loggers. Everything logs through
// hclog, the logger raft already uses; the engine's raw output goes to its
// own size-rotated file.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the service logger.
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns the root service logger.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      hclog.LevelFromString(opts.Level),
		JSONFormat: opts.JSON,
		Output:     out,
	})
}

// EngineLogOptions configures the engine diagnostic log.
type EngineLogOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// EngineLog returns a debug-level logger writing engine output to a rotated
// file, and the closer for that file. An empty path discards the output.
func EngineLog(opts EngineLogOptions) (hclog.Logger, io.Closer, error) {
	if opts.Path == "" {
		return hclog.NewNullLogger(), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 2
	}
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:       "engine",
		Level:      hclog.Debug,
		Output:     w,
		TimeFormat: "2006-01-02 15:04:05,000",
	})
	return l, w, nil
}
