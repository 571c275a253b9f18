// Package logging builds the component loggers used across diario. Every
// component writes through a *log.Logger with a bracketed prefix such as
// "[sync] " to a shared destination: stderr, or a rotating log file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	File       string // Rotating log file; empty logs to stderr
	MaxSizeMB  int    // Rotate after this many megabytes (default: 10)
	MaxBackups int    // Rotated files to keep (default: 3)
	Debug      bool   // Enables Debugf output
}

var (
	mu     sync.RWMutex
	out    io.Writer = os.Stderr
	debug  bool
	closer io.Closer
)

// Setup directs every logger created afterwards to the destination in opts.
// It returns the writer in use; Close releases a log file.
func Setup(opts Options) (io.Writer, error) {
	var w io.Writer = os.Stderr
	var c io.Closer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		w, c = lj, lj
	}

	mu.Lock()
	prev := closer
	out, debug, closer = w, opts.Debug, c
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return w, nil
}

// Close flushes and closes the log file, if any, and reverts to stderr.
func Close() error {
	mu.Lock()
	c := closer
	out, closer = os.Stderr, nil
	mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

// Writer returns the current destination.
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return out
}

// New returns a logger for component, prefixed "[component] ".
func New(component string) *log.Logger {
	return log.New(Writer(), "["+component+"] ", log.LstdFlags)
}

// NewBackground returns a logger for components working behind a command.
// It writes to a configured log file, but to stderr only when debug output
// is enabled.
func NewBackground(component string) *log.Logger {
	mu.RLock()
	w, toFile, on := out, closer != nil, debug
	mu.RUnlock()
	if !toFile && !on {
		w = io.Discard
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// Debugf logs through l when debug output is enabled.
func Debugf(l *log.Logger, format string, args ...any) {
	mu.RLock()
	on := debug
	mu.RUnlock()
	if on {
		l.Printf("DEBUG: "+format, args...)
	}
}

// DebugEnabled reports whether debug output is enabled.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debug
}
