// Package logging points the standard logger at stdout, a rotating file or
// both, according to the logging section of the configuration.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gotrs-io/shopdesk/internal/config"
)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

var nopCloser io.Closer = noopCloser{}

// Setup configures the process-wide logger. The returned closer flushes and
// closes the log file, if one was opened.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	w, closer, err := Writer(cfg)
	if err != nil {
		return nil, err
	}
	log.SetOutput(w)
	flags := log.LstdFlags
	if strings.EqualFold(cfg.Level, "debug") {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)
	return closer, nil
}

// Writer builds the destination described by cfg without installing it.
func Writer(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	switch output {
	case "", "stdout":
		return os.Stdout, nopCloser, nil
	case "stderr":
		return os.Stderr, nopCloser, nil
	case "file", "both":
	default:
		return nil, nil, fmt.Errorf("unknown logging output %q", cfg.Output)
	}

	if err := os.MkdirAll(cfg.File.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.File.Path, cfg.File.Filename),
		MaxSize:    cfg.File.MaxSize,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge,
		Compress:   cfg.File.Compress,
	}
	if output == "both" {
		return io.MultiWriter(os.Stdout, lj), lj, nil
	}
	return lj, lj, nil
}

// Debugf logs only when the configured level is debug.
func Debugf(format string, args ...any) {
	if c := config.Get(); c != nil && strings.EqualFold(c.Logging.Level, "debug") {
		log.Printf("[DEBUG] "+format, args...)
	}
}
