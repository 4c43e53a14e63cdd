// Package obslog wires process-wide structured logging: a zerolog
// global logger selecting console or JSON output, and a ring-buffer
// broadcaster so the dashboard collaborator can live-tail recent log
// lines (SPEC_FULL.md's ambient logging stack).
package obslog

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the global logger's format, level, and a fixed
// "component" field stamped on every entry.
type Config struct {
	Format    string // "console" for zerolog's console writer; any other value writes JSON
	Level     string
	Component string
}

var (
	mu          sync.RWMutex
	broadcaster = NewBroadcaster(DefaultBufferSize)
)

// Init builds the global zerolog logger from cfg, fanning output to both
// the selected writer and the ring-buffer broadcaster.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := selectWriter(cfg.Format)
	writer := zerolog.MultiLevelWriter(out, broadcaster)

	ctx := zerolog.New(writer).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	log.Logger = ctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(format) {
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		return os.Stderr
	}
}

// Broadcaster returns the process-wide ring-buffer broadcaster so the
// dashboard collaborator can Subscribe to live log lines.
func Broadcaster() *LogBroadcaster {
	return broadcaster
}
