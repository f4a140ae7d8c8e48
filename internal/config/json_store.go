package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/micro-nova/dspd/internal/models"
)

const (
	prefsFileName = "prefs.json"
	debounceDelay = 500 * time.Millisecond
)

// JSONStore is an atomic JSON file store with debounced writes.
type JSONStore struct {
	mu       sync.Mutex
	path     string
	timer    *time.Timer
	pending  *models.Prefs
	lastData []byte // bytes last read from or written to disk
}

// NewJSONStore creates a new JSON store in the given prefs directory.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{
		path: filepath.Join(dir, prefsFileName),
	}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the prefs from disk. Returns DefaultPrefs on ENOENT or parse errors.
func (s *JSONStore) Load() (*models.Prefs, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := models.DefaultPrefs()
			return &def, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.lastData = data
	s.mu.Unlock()

	prefs, err := decode(data)
	if err != nil {
		slog.Warn("config: corrupt prefs file, using defaults", "path", s.path, "err", err)
		def := models.DefaultPrefs()
		return &def, nil
	}
	return prefs, nil
}

func decode(data []byte) (*models.Prefs, error) {
	var prefs models.Prefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, err
	}
	migratePrefs(&prefs)
	return &prefs, nil
}

// Save schedules a debounced write of the prefs to disk.
// The actual write happens after 500ms of no further Save calls.
func (s *JSONStore) Save(prefs *models.Prefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := prefs.DeepCopy()
	s.pending = &cp

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		if err := s.Flush(); err != nil {
			slog.Error("config: failed to write prefs", "path", s.path, "err", err)
		}
	})
	return nil
}

// Flush forces an immediate write of any pending prefs.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	p := s.pending
	s.pending = nil
	if p == nil {
		return nil
	}
	return s.writeAtomicLocked(p)
}

func (s *JSONStore) writeAtomicLocked(prefs *models.Prefs) error {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	// Write to temp file, then rename (atomic on Linux)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	s.lastData = data
	return nil
}

// Watch calls fn whenever the prefs file is changed by another process, until
// ctx is done. Our own writes and edits made while a save is pending are ignored.
func (s *JSONStore) Watch(ctx context.Context, fn func(models.Prefs)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if p, changed := s.reloadExternal(); changed {
				slog.Info("config: prefs changed on disk, reloading", "path", s.path)
				fn(*p)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}

func (s *JSONStore) reloadExternal() (*models.Prefs, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil || bytes.Equal(data, s.lastData) {
		return nil, false
	}
	p, err := decode(data)
	if err != nil {
		// Probably caught mid-write; the next event will retry.
		slog.Debug("config: ignoring unparsable prefs", "err", err)
		return nil, false
	}
	s.lastData = data
	return p, true
}

var _ Store = (*JSONStore)(nil)
var _ Watcher = (*JSONStore)(nil)
