package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReadSessionFile loads an identity from a session file.
// A missing file is the anonymous identity, not an error.
func ReadSessionFile(path string) (Identity, error) {
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Anonymous, nil
	}
	if err != nil {
		return Anonymous, fmt.Errorf("failed to read session file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Anonymous, fmt.Errorf("invalid session file %s: %w", path, err)
	}
	return id, nil
}

// WriteSessionFile stores id in path atomically via a temp file.
func WriteSessionFile(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// RemoveSessionFile signs out by deleting the session file.
func RemoveSessionFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// FileSession is a Source backed by a session file that a separate login
// command writes. The file's directory is watched with fsnotify so running
// processes follow sign-in and sign-out.
type FileSession struct {
	path     string
	debounce time.Duration
	logger   *log.Logger

	mu      sync.RWMutex
	current Identity
	w       watchers

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewFileSession reads the session file once. Call Start to follow changes.
// If logger is nil, a default logger writing to stderr is used.
func NewFileSession(path string, logger *log.Logger) (*FileSession, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	id, err := ReadSessionFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSession{
		path:     path,
		debounce: 50 * time.Millisecond,
		logger:   logger,
		current:  id,
	}, nil
}

// Current implements Source.
func (fs *FileSession) Current() Identity {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.current
}

// Watch implements Source.
func (fs *FileSession) Watch(fn func(Identity)) func() {
	return fs.w.add(fn)
}

// Start begins watching the session file's directory.
func (fs *FileSession) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("session watcher already running")
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: the file is replaced by rename and
	// may not exist yet.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	fs.watcher = watcher
	fs.done = make(chan struct{})
	fs.running = true
	fs.wg.Add(1)
	go fs.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (fs *FileSession) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)
	err := fs.watcher.Close()
	fs.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (fs *FileSession) processEvents() {
	defer fs.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-fs.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Writes arrive as bursts; reload once they settle.
			if timer == nil {
				timer = time.NewTimer(fs.debounce)
			} else {
				timer.Reset(fs.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			fs.reload()

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (fs *FileSession) reload() {
	id, err := ReadSessionFile(fs.path)
	if err != nil {
		fs.logger.Printf("WARNING: ignoring unreadable session file: %v", err)
		return
	}

	fs.mu.Lock()
	if fs.current == id {
		fs.mu.Unlock()
		return
	}
	fs.current = id
	fs.mu.Unlock()

	if id.Valid() {
		fs.logger.Printf("Signed in as %s", id.Subject)
	} else {
		fs.logger.Printf("Signed out")
	}
	fs.w.notify(id)
}
