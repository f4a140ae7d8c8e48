// Package repository is the single source of truth for the user's DSP
// preferences: configs, device associations, usage history, the enabled flag
// and the last known audio session.
//
// Every mutation goes through apply, which works on a deep copy, persists the
// result through the store and publishes it.
package repository

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/events"
	"github.com/micro-nova/dspd/internal/models"
)

// DefaultUsageWindow is how long config usages are remembered.
const DefaultUsageWindow = 28 * 24 * time.Hour

// Options configures a Repository.
type Options struct {
	UsageWindow time.Duration
	Now         func() time.Time // for tests
}

// Repository owns the prefs.
type Repository struct {
	store  config.Store
	window time.Duration
	now    func() time.Time
	bus    *events.Bus[models.Prefs]

	mu    sync.RWMutex
	prefs models.Prefs
}

// New loads the prefs from store.
func New(store config.Store, opts Options) (*Repository, error) {
	p, err := store.Load()
	if err != nil {
		return nil, err
	}
	if opts.UsageWindow <= 0 {
		opts.UsageWindow = DefaultUsageWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository{
		store:  store,
		window: opts.UsageWindow,
		now:    opts.Now,
		bus:    events.NewLatest[models.Prefs](),
		prefs:  *p,
	}, nil
}

// Prefs returns a deep copy of the current prefs.
func (r *Repository) Prefs() models.Prefs {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefs.DeepCopy()
}

// Subscribe returns a channel that receives the current prefs immediately and
// after every change.
func (r *Repository) Subscribe(id string) <-chan models.Prefs {
	ch := r.bus.Subscribe(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.bus.Publish(r.prefs.DeepCopy())
	return ch
}

// Unsubscribe removes a subscription.
func (r *Repository) Unsubscribe(id string) {
	r.bus.Unsubscribe(id)
}

// apply is the core mutation primitive. fn modifies a deep copy; if it
// succeeds the copy replaces the prefs, is saved (debounced) and published.
func (r *Repository) apply(fn func(*models.Prefs) error) (models.Prefs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.prefs.DeepCopy()
	if err := fn(&next); err != nil {
		return models.Prefs{}, err
	}

	r.prefs = next
	if err := r.store.Save(&r.prefs); err != nil {
		slog.Error("repository: save failed", "path", r.store.Path(), "err", err)
	}
	r.bus.Publish(r.prefs.DeepCopy())
	return r.prefs.DeepCopy(), nil
}

// Replace swaps in prefs reloaded from disk after an external edit. They are
// published but not saved again.
func (r *Repository) Replace(p models.Prefs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs = p.DeepCopy()
	r.bus.Publish(r.prefs.DeepCopy())
}

// Flush writes any pending save.
func (r *Repository) Flush() error {
	return r.store.Flush()
}

// appError converts an apply error for API callers.
func appError(err error) *models.AppError {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return models.ErrInternal(err.Error())
}

// Enabled reports the DSP enabled flag.
func (r *Repository) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefs.DSPEnabled
}

// SetEnabled sets the DSP enabled flag.
func (r *Repository) SetEnabled(enabled bool) error {
	_, err := r.apply(func(p *models.Prefs) error {
		p.DSPEnabled = enabled
		return nil
	})
	return err
}

// LastSessionID returns the last known audio session.
func (r *Repository) LastSessionID() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.prefs.LastAudioSessionID == nil {
		return 0, false
	}
	return *r.prefs.LastAudioSessionID, true
}

// SetLastSessionID records id as the last known audio session.
func (r *Repository) SetLastSessionID(id int) error {
	_, err := r.apply(func(p *models.Prefs) error {
		p.LastAudioSessionID = &id
		return nil
	})
	return err
}

// ClearLastSessionID forgets the last known session if it is id.
func (r *Repository) ClearLastSessionID(id int) error {
	r.mu.RLock()
	match := r.prefs.LastAudioSessionID != nil && *r.prefs.LastAudioSessionID == id
	r.mu.RUnlock()
	if !match {
		return nil
	}
	_, err := r.apply(func(p *models.Prefs) error {
		if p.LastAudioSessionID != nil && *p.LastAudioSessionID == id {
			p.LastAudioSessionID = nil
		}
		return nil
	})
	return err
}
