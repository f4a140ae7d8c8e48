package config

import (
	"sync"

	"github.com/micro-nova/dspd/internal/models"
)

// MemStore is an in-memory Store for tests that never writes to disk.
type MemStore struct {
	mu    sync.Mutex
	prefs *models.Prefs
	saves int
}

// NewMemStore returns a new in-memory store with nil prefs (defaults to DefaultPrefs on Load).
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns a copy of the stored prefs, or DefaultPrefs if none has been saved yet.
func (m *MemStore) Load() (*models.Prefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs == nil {
		def := models.DefaultPrefs()
		return &def, nil
	}
	cp := m.prefs.DeepCopy()
	return &cp, nil
}

// Save stores a deep copy of the given prefs in memory.
func (m *MemStore) Save(prefs *models.Prefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := prefs.DeepCopy()
	m.prefs = &cp
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Path returns ":memory:" to indicate this is an in-memory store.
func (m *MemStore) Path() string { return ":memory:" }

// Flush is a no-op for in-memory stores.
func (m *MemStore) Flush() error { return nil }

var _ Store = (*MemStore)(nil)
