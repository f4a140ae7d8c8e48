// Package config loads and saves the user's DSP preferences.
package config

import (
	"context"

	"github.com/micro-nova/dspd/internal/models"
)

// Store is the interface for persisting prefs.
type Store interface {
	// Load loads the current prefs. Returns DefaultPrefs if no file exists.
	Load() (*models.Prefs, error)

	// Save persists the prefs. Implementations may debounce rapid saves.
	Save(prefs *models.Prefs) error

	// Path returns the file path used by this store.
	Path() string

	// Flush forces an immediate write of any pending prefs.
	Flush() error
}

// Watcher is implemented by stores whose backing file can be edited by
// another process. fn is called with the reloaded prefs after each external change.
type Watcher interface {
	Watch(ctx context.Context, fn func(models.Prefs)) error
}
