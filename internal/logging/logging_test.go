package logging

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "diario.log")

	if _, err := Setup(Options{File: path, Debug: true}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	defer Close()

	l := New("sync")
	l.Printf("Bound to identity %s", "u1")
	Debugf(l, "loading %s", "students")

	if err := Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "[sync] ") || !strings.Contains(got, "Bound to identity u1") {
		t.Errorf("missing log line in %q", got)
	}
	if !strings.Contains(got, "DEBUG: loading students") {
		t.Errorf("missing debug line in %q", got)
	}
}

func TestDebugfDisabled(t *testing.T) {
	if _, err := Setup(Options{}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	defer Close()

	var buf bytes.Buffer
	l := log.New(&buf, "[test] ", 0)
	Debugf(l, "hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no debug output, got %q", buf.String())
	}
	if DebugEnabled() {
		t.Error("debug must be off")
	}
	if Writer() != os.Stderr {
		t.Error("expected stderr without a log file")
	}
}

func TestNewBackground(t *testing.T) {
	if _, err := Setup(Options{}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if w := NewBackground("sync").Writer(); w != io.Discard {
		t.Errorf("expected background logs discarded on stderr without debug, got %T", w)
	}

	if _, err := Setup(Options{Debug: true}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if w := NewBackground("sync").Writer(); w != os.Stderr {
		t.Errorf("expected stderr with debug on, got %T", w)
	}

	path := filepath.Join(t.TempDir(), "diario.log")
	if _, err := Setup(Options{File: path}); err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	defer Close()
	if w := NewBackground("sync").Writer(); w == io.Discard {
		t.Error("expected background logs in the log file")
	}
}
