// Package logging configures the global zerolog logger used by every command.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls log level, format and the optional run log directory
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Dir, when set, receives one JSON log file per command run
	Dir string `koanf:"dir"`
}

// Setup installs the global logger and returns a function that closes the run
// log file, if any
func Setup(cfg Config, stderr io.Writer, run string) (func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var console io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	case "json":
		console = stderr
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	closer := func() error { return nil }
	out := console
	if cfg.Dir != "" {
		file, err := openRunLog(cfg.Dir, run)
		if err != nil {
			return nil, err
		}
		out = zerolog.MultiLevelWriter(console, file)
		closer = file.Close
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func openRunLog(dir, run string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if run == "" {
		run = "lrmaint"
	}
	name := fmt.Sprintf("%s_%s.log", strings.ReplaceAll(run, " ", "_"), time.Now().Format("20060102_150405"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return file, nil
}
