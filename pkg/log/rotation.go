// Log file rotation for stepdrive
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotatingFileWriter implements io.Writer with size-based file rotation.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation. Default 10.
	MaxSize int

	// MaxBackups is the number of rotated files to keep. Default 5.
	MaxBackups int
}

// NewRotatingFileWriter creates a new rotating file writer.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log: filename is required")
	}

	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) openFile() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log: create log directory: %w", err)
	}

	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat log file: %w", err)
	}

	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log: rotate: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	rotated := fmt.Sprintf("%s.%s%s", base, time.Now().Format("20060102-150405"), ext)
	if err := os.Rename(w.filename, rotated); err != nil {
		_ = w.openFile()
		return err
	}

	w.pruneBackups()
	return w.openFile()
}

// pruneBackups removes the oldest rotated files beyond maxBackups.
func (w *RotatingFileWriter) pruneBackups() {
	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if name != base && isRotatedFile(name, prefix, ext) {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

// isRotatedFile reports whether name looks like prefix.YYYYMMDD-HHMMSS.ext
func isRotatedFile(name, prefix, ext string) bool {
	if !strings.HasPrefix(name, prefix+".") || !strings.HasSuffix(name, ext) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"."), ext)
	if len(stamp) != 15 || stamp[8] != '-' {
		return false
	}
	_, err1 := strconv.Atoi(stamp[:8])
	_, err2 := strconv.Atoi(stamp[9:])
	return err1 == nil && err2 == nil
}

// Close closes the rotating file writer.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Filename returns the current log filename.
func (w *RotatingFileWriter) Filename() string {
	return w.filename
}

// NewConsoleAndFileLogger creates a logger that writes to console (stderr
// when nil) and a rotating file. Colors are disabled because both sinks
// receive the same bytes.
func NewConsoleAndFileLogger(prefix string, console io.Writer, config RotationConfig) (*Logger, *RotatingFileWriter, error) {
	fileWriter, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stderr
	}

	logger := New(prefix)
	logger.SetWriter(io.MultiWriter(console, fileWriter))
	logger.SetColorize(false)
	return logger, fileWriter, nil
}
