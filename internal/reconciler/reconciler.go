// Package reconciler keeps every live effect handle converged with the
// desired (enabled, config) pair.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/session"
)

const (
	defaultApplyTimeout = 10 * time.Second
	defaultConcurrency  = 8
)

// Options configures a Reconciler.
type Options struct {
	// ApplyTimeout bounds the application to one session.
	ApplyTimeout time.Duration
	// Concurrency caps the sessions written in parallel within a batch.
	Concurrency int
}

// Reconciler applies the latest combined state to every live session.
// Superseded batches are cancelled, never queued.
type Reconciler struct {
	opts    Options
	metrics *metrics.Metrics
}

// New creates a reconciler. m may be nil.
func New(opts Options, m *metrics.Metrics) *Reconciler {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Reconciler{opts: opts, metrics: m}
}

type desired struct {
	enabled  bool
	config   models.Config
	sessions session.Snapshot
}

type batch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *batch) stop() {
	if b == nil {
		return
	}
	b.cancel()
	<-b.done
}

// Run combines the latest value of each input and starts a batch whenever
// the combination changes, once every input has produced a value. The
// enabled flag only counts when it differs from the previous one.
//
// Run returns when ctx is cancelled or every input is closed, after the
// batch in flight has finished.
func (r *Reconciler) Run(ctx context.Context, enabled <-chan bool, configs <-chan models.Config, sessions <-chan session.Snapshot) error {
	var cur desired
	var haveE, haveC, haveS bool
	var inflight *batch
	defer func() { inflight.stop() }()

	for enabled != nil || configs != nil || sessions != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-enabled:
			if !ok {
				enabled = nil
				continue
			}
			if haveE && e == cur.enabled {
				continue
			}
			cur.enabled, haveE = e, true

		case c, ok := <-configs:
			if !ok {
				configs = nil
				continue
			}
			if haveC && c.Equal(cur.config) {
				continue
			}
			cur.config, haveC = c.Copy(), true

		case s, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			cur.sessions, haveS = s, true
		}

		if !haveE || !haveC || !haveS {
			continue
		}
		inflight.stop()
		inflight = r.start(ctx, cur)
	}
	return nil
}

func (r *Reconciler) start(parent context.Context, d desired) *batch {
	ctx, cancel := context.WithCancel(parent)
	b := &batch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		defer cancel()
		r.apply(ctx, d)
	}()
	return b
}

// apply writes d to every live session and waits for all of them. A failure
// on one session is logged and does not affect the others.
func (r *Reconciler) apply(ctx context.Context, d desired) {
	handles := d.sessions.Handles()
	if len(handles) == 0 {
		return
	}
	begin := time.Now()
	slog.Debug("reconciler: applying", "sessions", len(handles), "enabled", d.enabled, "config", d.config.ID)

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, h := range handles {
		g.Go(func() error {
			r.applyOne(ctx, h, d)
			return nil
		})
	}
	_ = g.Wait()

	cancelled := ctx.Err() != nil
	r.metrics.ReconcileBatch(time.Since(begin), cancelled)
	if cancelled {
		slog.Debug("reconciler: batch superseded", "sessions", len(handles))
	}
}

func (r *Reconciler) applyOne(ctx context.Context, h *effect.Handle, d desired) {
	if ctx.Err() != nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.ApplyTimeout)
	defer cancel()

	err := h.Apply(actx, d.enabled, d.config)
	switch {
	case err == nil:
	case errors.Is(err, effect.ErrReleased):
		slog.Debug("reconciler: session closed during apply", "session", h.SessionID())
	case ctx.Err() != nil:
		// superseded by a newer batch
	default:
		r.metrics.ApplyError()
		slog.Warn("reconciler: apply failed", "session", h.SessionID(), "err", err)
	}
}
