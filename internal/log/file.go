package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileHandler writes logs to a file and rotates it by size. Handlers derived
// through WithAttrs and WithGroup share the file and its lock.
type FileHandler struct {
	state *fileState
	// derive replays the WithAttrs and WithGroup calls, in order, on each
	// formatter.
	derive []func(slog.Handler) slog.Handler
}

type fileState struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int
	size       int64
	format     string
	level      slog.Level
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	return &FileHandler{state: &fileState{
		file:       file,
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
		size:       info.Size(),
		format:     cfg.Format,
		level:      level,
	}}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.state.level
}

// Handle writes the record to the file, rotating first if the file is full.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	cw := &countingWriter{w: s.file}
	err := h.formatter(cw).Handle(ctx, r)
	s.size += cw.n
	return err
}

func (h *FileHandler) formatter(w io.Writer) slog.Handler {
	var inner slog.Handler = newConsoleHandler(w, h.state.format, h.state.level)
	for _, fn := range h.derive {
		inner = fn(inner)
	}
	return inner
}

func (h *FileHandler) with(fn func(slog.Handler) slog.Handler) *FileHandler {
	derive := append(append([]func(slog.Handler) slog.Handler{}, h.derive...), fn)
	return &FileHandler{state: h.state, derive: derive}
}

// WithAttrs returns a handler on the same file with the given attributes.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) })
}

// WithGroup returns a handler on the same file that nests later attributes
// under name.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) })
}

// rotate renames the current file with a timestamp suffix and opens a fresh one.
func (s *fileState) rotate() error {
	s.file.Close()

	backupPath := s.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(s.path, backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	s.cleanOldBackups()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create new log file: %w", err)
	}
	s.file = file
	s.size = 0
	return nil
}

// cleanOldBackups removes backups beyond maxBackups or older than maxAge.
func (s *fileState) cleanOldBackups() {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	for _, p := range matches {
		if fi, err := os.Stat(p); err == nil {
			backups = append(backups, backup{p, fi.ModTime()})
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mod.After(backups[j].mod)
	})

	cutoff := time.Now().AddDate(0, 0, -s.maxAge)
	for i, b := range backups {
		if i >= s.maxBackups || b.mod.Before(cutoff) {
			os.Remove(b.path)
		}
	}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
