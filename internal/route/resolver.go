// Package route works out which audio output device is currently in use.
package route

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/micro-nova/dspd/internal/events"
	"github.com/micro-nova/dspd/internal/lease"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
)

// Trigger is a reason to recompute the route.
type Trigger int

const (
	// TriggerRoute covers headset plug, Bluetooth connection, playing state
	// and active device changes.
	TriggerRoute Trigger = iota
	// TriggerBonded means the bonded device list changed.
	TriggerBonded
)

// Proxy is a connected Bluetooth A2DP profile proxy.
type Proxy interface {
	// ActiveDevice returns the address of the device A2DP routes to, playing
	// or paused, or "" if none.
	ActiveDevice(ctx context.Context) (string, error)
	Close() error
}

// Adapter is the Bluetooth stack as seen by the resolver.
type Adapter interface {
	BondedDevices(ctx context.Context) ([]models.AudioDevice, error)
	// A2DPActive reports whether A2DP is currently routing audio. It is cheap
	// and does not need a proxy.
	A2DPActive(ctx context.Context) (bool, error)
	Connect(ctx context.Context) (Proxy, error)
}

// WiredState reports whether a wired headset is plugged in.
type WiredState interface {
	Plugged() bool
}

// Options configures a Resolver.
type Options struct {
	ProxyIdle      time.Duration // idle window of the proxy lease
	ConnectTimeout time.Duration
	BondedTTL      time.Duration // how long the bonded list is cached
}

const (
	bondedKey        = "bonded"
	defaultBondedTTL = 30 * time.Second
)

// Pick applies the route precedence: a Bluetooth device that is both active
// and bonded, then a wired headset, then the phone speaker.
func Pick(activeAddress string, bonded []models.AudioDevice, wired bool) models.AudioDevice {
	if activeAddress != "" {
		for _, d := range bonded {
			if d.IsBluetooth() && strings.EqualFold(d.Address, activeAddress) {
				return d
			}
		}
	}
	if wired {
		return models.Aux()
	}
	return models.Phone()
}

// Resolver computes the current route and publishes it when it changes.
type Resolver struct {
	adapter Adapter
	wired   WiredState
	proxies *lease.Broker[Proxy]
	bonded  *cache.Cache
	metrics *metrics.Metrics
	bus     *events.Bus[models.AudioDevice]

	mu      sync.Mutex
	current models.AudioDevice
	known   bool
}

// NewResolver creates a resolver. adapter may be nil when Bluetooth is
// disabled; wired may be nil when there is no headset jack.
func NewResolver(adapter Adapter, wired WiredState, opts Options, m *metrics.Metrics) *Resolver {
	if opts.BondedTTL <= 0 {
		opts.BondedTTL = defaultBondedTTL
	}
	r := &Resolver{
		adapter: adapter,
		wired:   wired,
		// No janitor goroutine, expired entries are dropped on Get.
		bonded:  cache.New(opts.BondedTTL, 0),
		metrics: m,
		bus:     events.NewLatest[models.AudioDevice](),
	}
	if adapter != nil {
		r.proxies = lease.New(
			func(ctx context.Context) (Proxy, error) { return adapter.Connect(ctx) },
			func(p Proxy) {
				if err := p.Close(); err != nil {
					slog.Warn("route: closing bluetooth proxy failed", "err", err)
				}
			},
			lease.Options{
				Name:           "a2dp-proxy",
				Idle:           opts.ProxyIdle,
				ConnectTimeout: opts.ConnectTimeout,
				OnConnect:      m.ProxyConnect,
				OnDisconnect:   m.ProxyDisconnect,
			},
		)
	}
	return r
}

// Resolve computes the route now. Bluetooth failures fall through to the
// wired and phone routes and are never returned.
func (r *Resolver) Resolve(ctx context.Context) models.AudioDevice {
	wired := r.wired != nil && r.wired.Plugged()
	addr := r.activeAddress(ctx)
	var bonded []models.AudioDevice
	if addr != "" {
		bonded = r.BondedDevices(ctx)
	}
	return Pick(addr, bonded, wired)
}

func (r *Resolver) activeAddress(ctx context.Context) string {
	if r.adapter == nil {
		return ""
	}
	active, err := r.adapter.A2DPActive(ctx)
	if err != nil {
		slog.Debug("route: a2dp state query failed", "err", err)
		return ""
	}
	if !active {
		return ""
	}

	l, err := r.proxies.Acquire(ctx)
	if err != nil {
		slog.Debug("route: bluetooth proxy unavailable", "err", err)
		return ""
	}
	defer l.Release()

	addr, err := l.Value().ActiveDevice(ctx)
	if err != nil {
		slog.Debug("route: active device query failed", "err", err)
		return ""
	}
	return addr
}

// BondedDevices returns the bonded Bluetooth devices, cached for the
// configured TTL. A failed query returns nil and is not cached.
func (r *Resolver) BondedDevices(ctx context.Context) []models.AudioDevice {
	devs, _ := r.BondedKnown(ctx)
	return devs
}

// BondedKnown is BondedDevices but also reports whether the adapter answered,
// which pruning needs to tell "no devices" from "unknown".
func (r *Resolver) BondedKnown(ctx context.Context) ([]models.AudioDevice, bool) {
	if r.adapter == nil {
		return nil, false
	}
	if v, ok := r.bonded.Get(bondedKey); ok {
		return v.([]models.AudioDevice), true
	}
	devs, err := r.adapter.BondedDevices(ctx)
	if err != nil {
		slog.Warn("route: listing bonded devices failed", "err", err)
		return nil, false
	}
	r.bonded.SetDefault(bondedKey, devs)
	return devs, true
}

// InvalidateBonded drops the cached bonded list.
func (r *Resolver) InvalidateBonded() {
	r.bonded.Delete(bondedKey)
}

// Current returns the last published route.
func (r *Resolver) Current() (models.AudioDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.known
}

// Subscribe returns a channel of route changes. The current route, if known,
// is delivered immediately.
func (r *Resolver) Subscribe(id string) <-chan models.AudioDevice {
	ch := r.bus.Subscribe(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known {
		r.bus.Publish(r.current)
	}
	return ch
}

// Unsubscribe removes a subscription.
func (r *Resolver) Unsubscribe(id string) {
	r.bus.Unsubscribe(id)
}

// Run checks the route once immediately and again on every trigger until ctx
// is done. Triggers that pile up while a check runs are coalesced.
// The proxy lease is closed on return.
func (r *Resolver) Run(ctx context.Context, triggers <-chan Trigger) error {
	defer r.Close()

	r.recheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-triggers:
			if !ok {
				return nil
			}
			bonded := t == TriggerBonded
		drain:
			for {
				select {
				case t2, ok := <-triggers:
					if !ok {
						break drain
					}
					bonded = bonded || t2 == TriggerBonded
				default:
					break drain
				}
			}
			if bonded {
				r.InvalidateBonded()
			}
			r.recheck(ctx)
		}
	}
}

func (r *Resolver) recheck(ctx context.Context) {
	dev := r.Resolve(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known && r.current == dev {
		return
	}
	r.current = dev
	r.known = true
	r.metrics.RouteChanged(string(dev.Kind))
	slog.Info("route: changed", "device", dev.String(), "id", dev.ID())
	r.bus.Publish(dev)
}

// Close releases the Bluetooth proxy if it is still connected.
func (r *Resolver) Close() {
	if r.proxies != nil {
		r.proxies.Close()
	}
}
