package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

type rotateOptions struct {
	path       string
	maxBytes   int64
	maxBackups int
	maxAgeDays int
}

// rotatingWriter appends to a single file and moves it aside once it grows
// past maxBytes. Backups are named <base>-<timestamp><ext> next to the file.
type rotatingWriter struct {
	mu     sync.Mutex
	opts   rotateOptions
	file   *os.File
	size   int64
	now    func() time.Time
	maxAge time.Duration
}

func newRotatingWriter(opts rotateOptions) (*rotatingWriter, error) {
	if opts.path == "" {
		return nil, errors.New("path is required")
	}
	if opts.maxBytes <= 0 {
		opts.maxBytes = 100 * 1024 * 1024
	}
	if opts.maxBackups <= 0 {
		opts.maxBackups = 7
	}
	if opts.maxAgeDays <= 0 {
		opts.maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(opts.path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		opts:   opts,
		now:    time.Now,
		maxAge: time.Duration(opts.maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.opts.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.opts.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) backupName(at time.Time) string {
	ext := filepath.Ext(w.opts.path)
	base := strings.TrimSuffix(w.opts.path, ext)
	return fmt.Sprintf("%s-%s%s", base, at.UTC().Format(backupTimeFormat), ext)
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0
	if err := os.Rename(w.opts.path, w.backupName(w.now())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

// prune drops backups beyond maxBackups and any older than maxAge.
func (w *rotatingWriter) prune() {
	ext := filepath.Ext(w.opts.path)
	pattern := strings.TrimSuffix(w.opts.path, ext) + "-*" + ext
	backups, err := filepath.Glob(pattern)
	if err != nil || len(backups) == 0 {
		return
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	cutoff := w.now().Add(-w.maxAge)
	for i, path := range backups {
		if i >= w.opts.maxBackups {
			_ = os.Remove(path)
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
