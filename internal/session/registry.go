// Package session tracks live audio-effect sessions and owns the effect
// handle attached to each of them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/events"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
)

// SignalKind is the kind of a session lifecycle signal.
type SignalKind int

const (
	Open SignalKind = iota + 1
	Close
)

func (k SignalKind) String() string {
	switch k {
	case Open:
		return "open"
	case Close:
		return "close"
	}
	return "unknown"
}

// Signal announces that a platform audio session opened or closed.
type Signal struct {
	Kind      SignalKind
	SessionID int
}

// Store persists the id of the most recently opened session so a session
// that was already open when the daemon starts can be recovered.
type Store interface {
	LastSessionID() (int, bool)
	SetLastSessionID(id int) error
	// ClearLastSessionID clears the stored id only if it equals id.
	ClearLastSessionID(id int) error
}

// Snapshot is an immutable view of the live sessions.
type Snapshot struct {
	handles map[int]*effect.Handle
}

// NewSnapshot builds a snapshot from handles, keyed by their session ids.
func NewSnapshot(handles ...*effect.Handle) Snapshot {
	m := make(map[int]*effect.Handle, len(handles))
	for _, h := range handles {
		m[h.SessionID()] = h
	}
	return Snapshot{handles: m}
}

// Len returns the number of live sessions.
func (s Snapshot) Len() int { return len(s.handles) }

// IDs returns the live session ids in ascending order.
func (s Snapshot) IDs() []int {
	ids := make([]int, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Handle returns the handle for a live session.
func (s Snapshot) Handle(id int) (*effect.Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// Handles returns the live handles ordered by session id.
func (s Snapshot) Handles() []*effect.Handle {
	out := make([]*effect.Handle, 0, len(s.handles))
	for _, id := range s.IDs() {
		out = append(out, s.handles[id])
	}
	return out
}

// Infos describes the live sessions for the status API.
func (s Snapshot) Infos() []models.SessionInfo {
	out := make([]models.SessionInfo, 0, len(s.handles))
	for _, id := range s.IDs() {
		out = append(out, models.SessionInfo{ID: id, NeedsResync: s.handles[id].NeedsResync()})
	}
	return out
}

// Registry is the sole owner of the live session map.
// Signals are processed one at a time in arrival order by Run.
type Registry struct {
	native  effect.Native
	store   Store
	policy  effect.RetryPolicy
	metrics *metrics.Metrics
	bus     *events.Bus[Snapshot]

	mu   sync.Mutex
	live map[int]*effect.Handle
	snap Snapshot
}

// New creates a registry. store and m may be nil.
func New(native effect.Native, store Store, policy effect.RetryPolicy, m *metrics.Metrics) *Registry {
	r := &Registry{
		native:  native,
		store:   store,
		policy:  policy,
		metrics: m,
		bus:     events.NewLatest[Snapshot](),
		live:    make(map[int]*effect.Handle),
	}
	r.snap = Snapshot{handles: map[int]*effect.Handle{}}

	onAttempt := policy.OnAttempt
	r.policy.OnAttempt = func(sid, attempt int, err error) {
		m.HandleAttempt(err)
		if onAttempt != nil {
			onAttempt(sid, attempt, err)
		}
	}
	return r
}

// Sessions returns the current snapshot.
func (r *Registry) Sessions() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every later one. Only the newest snapshot is kept for slow readers.
func (r *Registry) Subscribe(id string) <-chan Snapshot {
	ch := r.bus.Subscribe(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus.Publish(r.snap)
	return ch
}

// Unsubscribe removes a subscription.
func (r *Registry) Unsubscribe(id string) {
	r.bus.Unsubscribe(id)
}

// Run processes signals until ctx is done or signals is closed, then releases
// every live handle. The persisted last-known session is replayed as an open
// signal before any live signal.
func (r *Registry) Run(ctx context.Context, signals <-chan Signal) error {
	defer r.releaseAll(context.WithoutCancel(ctx))

	if r.store != nil {
		if id, ok := r.store.LastSessionID(); ok {
			slog.Info("session: replaying last known session", "session", id)
			r.handle(ctx, Signal{Kind: Open, SessionID: id})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			r.handle(ctx, sig)
		}
	}
}

func (r *Registry) handle(ctx context.Context, sig Signal) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("session: signal handling panicked", "signal", sig.Kind.String(), "session", sig.SessionID, "panic", v)
		}
	}()

	switch sig.Kind {
	case Open:
		r.open(ctx, sig.SessionID)
	case Close:
		r.close(ctx, sig.SessionID)
	default:
		slog.Warn("session: unknown signal", "kind", int(sig.Kind), "session", sig.SessionID)
	}
}

func (r *Registry) open(ctx context.Context, id int) {
	r.mu.Lock()
	_, exists := r.live[id]
	r.mu.Unlock()
	if exists {
		slog.Debug("session: already live", "session", id)
		return
	}

	h, err := effect.Acquire(ctx, r.native, id, r.policy)
	if err != nil {
		if !errors.Is(err, effect.ErrEffectUnavailable) {
			// Interrupted, not exhausted: the session may still be live on
			// the next start.
			slog.Info("session: open interrupted", "session", id, "err", err)
			return
		}
		r.metrics.SessionDropped()
		slog.Warn("session: dropping session", "session", id, "err", err)
		if r.store != nil {
			if err := r.store.ClearLastSessionID(id); err != nil {
				slog.Warn("session: clear last session failed", "session", id, "err", err)
			}
		}
		return
	}

	r.mu.Lock()
	r.live[id] = h
	r.publishLocked()
	r.mu.Unlock()
	slog.Info("session: opened", "session", id, "resync", h.NeedsResync())

	if r.store != nil {
		if err := r.store.SetLastSessionID(id); err != nil {
			slog.Warn("session: persist last session failed", "session", id, "err", err)
		}
	}
}

func (r *Registry) close(ctx context.Context, id int) {
	r.mu.Lock()
	h, ok := r.live[id]
	if ok {
		delete(r.live, id)
		r.publishLocked()
	}
	r.mu.Unlock()

	if ok {
		h.Release(ctx)
		slog.Info("session: closed", "session", id)
	}
	if r.store != nil {
		if err := r.store.ClearLastSessionID(id); err != nil {
			slog.Warn("session: clear last session failed", "session", id, "err", err)
		}
	}
}

func (r *Registry) releaseAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.live
	r.live = make(map[int]*effect.Handle)
	r.publishLocked()
	r.mu.Unlock()

	for id, h := range handles {
		h.Release(ctx)
		slog.Debug("session: released on shutdown", "session", id)
	}
}

// publishLocked replaces the snapshot with a copy of live. Caller holds mu.
func (r *Registry) publishLocked() {
	m := make(map[int]*effect.Handle, len(r.live))
	for id, h := range r.live {
		m[id] = h
	}
	r.snap = Snapshot{handles: m}
	r.metrics.SetSessionsLive(len(m))
	r.bus.Publish(r.snap)
}
