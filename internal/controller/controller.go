// Package controller wires the DSP daemon together: preferences, session
// registry, route resolver and reconciler. It is the single entry point the
// API talks to.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/events"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/reconciler"
	"github.com/micro-nova/dspd/internal/repository"
	"github.com/micro-nova/dspd/internal/route"
	"github.com/micro-nova/dspd/internal/session"
)

// ErrSignalsClosed is returned by Run when the session signal source ends,
// which happens when the effect bridge goes away.
var ErrSignalsClosed = errors.New("controller: session signal source closed")

// TriggerSource feeds route triggers until ctx is done.
type TriggerSource func(ctx context.Context, out chan<- route.Trigger) error

// Options holds the controller's collaborators.
type Options struct {
	Repo     *repository.Repository
	Native   effect.Native
	Resolver *route.Resolver

	// Signals carries session open/close signals from the platform. When nil
	// sessions can only be injected, which is what mock mode does.
	Signals <-chan session.Signal

	// Triggers feed the resolver, e.g. the headset watcher and BlueZ signals.
	Triggers []TriggerSource

	// Watcher reloads prefs edited by another process. Optional.
	Watcher config.Watcher

	Policy    effect.RetryPolicy
	Reconcile reconciler.Options
	Metrics   *metrics.Metrics
	Info      models.Info
}

// Controller owns the running components and the published State.
type Controller struct {
	repo       *repository.Repository
	registry   *session.Registry
	resolver   *route.Resolver
	reconciler *reconciler.Reconciler
	watcher    config.Watcher
	triggers   []TriggerSource
	external   <-chan session.Signal
	signals    chan session.Signal
	info       models.Info
	bus        *events.Bus[models.State]

	mu    sync.RWMutex
	state models.State
}

// New creates a controller. Nothing runs until Run is called.
func New(opts Options) (*Controller, error) {
	if opts.Repo == nil || opts.Native == nil || opts.Resolver == nil {
		return nil, errors.New("controller: repository, native engine and resolver are required")
	}
	c := &Controller{
		repo:       opts.Repo,
		registry:   session.New(opts.Native, opts.Repo, opts.Policy, opts.Metrics),
		resolver:   opts.Resolver,
		reconciler: reconciler.New(opts.Reconcile, opts.Metrics),
		watcher:    opts.Watcher,
		triggers:   opts.Triggers,
		external:   opts.Signals,
		signals:    make(chan session.Signal),
		info:       opts.Info,
		bus:        events.NewBus[models.State](),
	}
	p := c.repo.Prefs()
	c.state = models.State{
		Enabled:  p.DSPEnabled,
		Route:    models.Phone(),
		RouteID:  models.PhoneDeviceID,
		Config:   c.repo.DeviceConfig(models.PhoneDeviceID),
		Sessions: []models.SessionInfo{},
		Info:     opts.Info,
	}
	return c, nil
}

// State returns a deep copy of the current state.
func (c *Controller) State() models.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.DeepCopy()
}

// Subscribe returns a channel receiving every state change.
func (c *Controller) Subscribe(id string) <-chan models.State {
	return c.bus.Subscribe(id)
}

// Unsubscribe removes a state subscription.
func (c *Controller) Unsubscribe(id string) {
	c.bus.Unsubscribe(id)
}

// update mutates the state and publishes the result.
func (c *Controller) update(fn func(*models.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state.DeepCopy()
	fn(&next)
	c.state = next
	c.bus.Publish(c.state.DeepCopy())
}

// Run starts every component and blocks until ctx is done or a component
// fails. Shutdown is ordered: the reconciler stops first, then the registry
// releases every handle, then the route resolver drops the Bluetooth proxy,
// and finally pending prefs are flushed.
func (c *Controller) Run(ctx context.Context) error {
	c.prune(ctx)

	enabled := make(chan bool)
	configs := make(chan models.Config)
	sessions := make(chan session.Snapshot)
	triggers := make(chan route.Trigger, 8)

	// These three outlive the errgroup so they can be stopped in order.
	base := context.WithoutCancel(ctx)
	recCtx, stopReconciler := context.WithCancel(base)
	regCtx, stopRegistry := context.WithCancel(base)
	routeCtx, stopResolver := context.WithCancel(base)
	defer stopReconciler()
	defer stopRegistry()
	defer stopResolver()

	recDone := make(chan error, 1)
	regDone := make(chan error, 1)
	routeDone := make(chan error, 1)
	go func() { recDone <- c.reconciler.Run(recCtx, enabled, configs, sessions) }()
	go func() { regDone <- c.registry.Run(regCtx, c.signals) }()
	go func() { routeDone <- c.resolver.Run(routeCtx, triggers) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.derive(gctx, enabled, configs, sessions) })
	if c.external != nil {
		g.Go(func() error { return c.forward(gctx) })
	}
	for _, src := range c.triggers {
		g.Go(func() error {
			if err := src(gctx, triggers); err != nil && gctx.Err() == nil {
				slog.Warn("controller: route trigger source stopped", "err", err)
			}
			return nil
		})
	}
	if c.watcher != nil {
		g.Go(func() error {
			err := c.watcher.Watch(gctx, func(p models.Prefs) {
				slog.Info("controller: prefs changed on disk, reloading")
				c.repo.Replace(p)
			})
			if err != nil && gctx.Err() == nil {
				slog.Warn("controller: prefs watcher stopped", "err", err)
			}
			return nil
		})
	}

	slog.Info("controller: running", "mock", c.info.Mock)
	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}

	stopReconciler()
	<-recDone
	stopRegistry()
	<-regDone
	stopResolver()
	<-routeDone
	if ferr := c.repo.Flush(); ferr != nil {
		slog.Warn("controller: flushing prefs failed", "err", ferr)
	}
	slog.Info("controller: stopped")
	return err
}

// prune drops stale device associations and unused custom configs.
func (c *Controller) prune(ctx context.Context) {
	bonded, known := c.resolver.BondedKnown(ctx)
	if err := c.repo.Prune(bonded, known); err != nil {
		slog.Warn("controller: pruning prefs failed", "err", err)
	}
}

// forward copies platform signals onto the registry's input.
func (c *Controller) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-c.external:
			if !ok {
				return ErrSignalsClosed
			}
			select {
			case c.signals <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// derive turns prefs, route and session changes into the reconciler's
// inputs and keeps the published State current.
func (c *Controller) derive(ctx context.Context, enabled chan<- bool, configs chan<- models.Config, sessions chan<- session.Snapshot) error {
	const sub = "controller"
	prefsCh := c.repo.Subscribe(sub)
	routeCh := c.resolver.Subscribe(sub)
	sessCh := c.registry.Subscribe(sub)
	defer c.repo.Unsubscribe(sub)
	defer c.resolver.Unsubscribe(sub)
	defer c.registry.Unsubscribe(sub)

	var (
		dev       models.AudioDevice
		haveRoute bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-prefsCh:
			if !send(ctx, enabled, p.DSPEnabled) {
				return nil
			}
			c.update(func(s *models.State) { s.Enabled = p.DSPEnabled })

		case d := <-routeCh:
			dev, haveRoute = d, true
			c.update(func(s *models.State) {
				s.Route = d
				s.RouteID = d.ID()
			})

		case snap := <-sessCh:
			if !send(ctx, sessions, snap) {
				return nil
			}
			c.update(func(s *models.State) { s.Sessions = snap.Infos() })
			continue
		}

		if !haveRoute {
			continue
		}
		cfg := c.repo.DeviceConfig(dev.ID())
		if !send(ctx, configs, cfg) {
			return nil
		}
		c.update(func(s *models.State) { s.Config = cfg })
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
