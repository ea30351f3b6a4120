// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netpro/netpro/internal/config"
)

var (
	mu      sync.Mutex
	rotated *lumberjack.Logger
)

// Init initializes the global logger based on configuration. Console output
// goes to stderr; stdout belongs to command output.
func Init(cfg config.LogConfig) error {
	writers := []io.Writer{os.Stderr}

	var file *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		file = w
		writers = append(writers, w)
	}

	handler, err := newHandler(io.MultiWriter(writers...), cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	mu.Lock()
	prev := rotated
	rotated = file
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Close releases the rotated log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotated == nil {
		return nil
	}
	err := rotated.Close()
	rotated = nil
	return err
}

func newHandler(w io.Writer, cfg config.LogConfig) (slog.Handler, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
