package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes how the process loggers should behave.
type Config struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	AddSource   bool        `json:"add_source" yaml:"add_source"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig controls where task lifecycle records are written.
// When disabled, audit records go to the main logger.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

var (
	mu            sync.Mutex
	level         = new(slog.LevelVar)
	defaultLogger atomic.Pointer[slog.Logger]
	auditLogger   atomic.Pointer[slog.Logger]
	closers       []io.Closer
)

// Init replaces the global loggers. Outputs opened by a previous Init are closed.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var opened []io.Closer
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	base := slog.New(handler)

	audit := base.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		writer, err := buildAuditWriter(cfg.Audit)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, writer)
		audit = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	previous := closers
	closers = opened
	defaultLogger.Store(base)
	auditLogger.Store(audit)
	closeAll(previous)
	return nil
}

// SetLevel changes the minimum level of the main logger at runtime.
func SetLevel(raw string) {
	level.Set(ParseLevel(raw))
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions, opened *[]io.Closer) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*opened = append(*opened, closer)
		}
		writers = append(writers, writer)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func buildAuditWriter(cfg AuditConfig) (*rotatingWriter, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	return newRotatingWriter(rotateOptions{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAgeDays: cfg.MaxAgeDays,
	})
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

// ParseLevel maps a level name onto slog.Level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the main logger, falling back to JSON on stdout before Init.
func L() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	fallback := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	if defaultLogger.CompareAndSwap(nil, fallback) {
		return fallback
	}
	return defaultLogger.Load()
}

// Audit returns the logger used for task lifecycle records.
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes every file opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll(closers)
	closers = nil
	return err
}

func closeAll(list []io.Closer) error {
	var err error
	for _, closer := range list {
		err = errors.Join(err, closer.Close())
	}
	return err
}
