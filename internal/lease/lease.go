// Package lease shares one expensive connection among concurrent users.
//
// A Broker connects lazily on the first Acquire, lets concurrent callers wait
// on the same in-flight connect, and disconnects only after the last lease has
// been released and an idle window has passed without a new Acquire.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdle is the idle window used when none is configured.
const DefaultIdle = time.Second

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("lease: broker closed")

// ConnectFunc opens the shared resource.
type ConnectFunc[T any] func(ctx context.Context) (T, error)

// DisconnectFunc closes the shared resource.
type DisconnectFunc[T any] func(v T)

// Options configures a Broker.
type Options struct {
	Name           string
	Idle           time.Duration
	ConnectTimeout time.Duration // 0 means no limit

	// Hooks for instrumentation, either may be nil.
	OnConnect    func(err error)
	OnDisconnect func()
}

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Broker reference-counts a single live resource.
type Broker[T any] struct {
	connect    ConnectFunc[T]
	disconnect DisconnectFunc[T]
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	refs     int
	live     bool
	val      T
	pending  *call[T]
	closing  chan struct{} // non-nil while a disconnect is running
	timer    *time.Timer
	gen      uint64
	closed   bool
	connects int
	disconns int
}

// New creates a broker. Nothing is connected until the first Acquire.
func New[T any](connect ConnectFunc[T], disconnect DisconnectFunc[T], opts Options) *Broker[T] {
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Name == "" {
		opts.Name = "resource"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker[T]{
		connect:    connect,
		disconnect: disconnect,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Lease is one reference to the shared resource.
type Lease[T any] struct {
	b    *Broker[T]
	val  T
	once sync.Once
}

// Value returns the leased resource.
func (l *Lease[T]) Value() T { return l.val }

// Release drops the reference. Calling it more than once is a no-op.
func (l *Lease[T]) Release() {
	l.once.Do(l.b.release)
}

// Acquire returns a lease on the resource, connecting if needed. Callers that
// arrive while a connect is in flight wait for that connect instead of
// starting another. A pending idle disconnect is cancelled.
func (b *Broker[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.refs++
	b.gen++
	b.stopTimerLocked()

	if b.live {
		l := &Lease[T]{b: b, val: b.val}
		b.mu.Unlock()
		return l, nil
	}

	c := b.pending
	if c == nil {
		c = &call[T]{done: make(chan struct{})}
		b.pending = c
		b.wg.Add(1)
		go b.dial(c, b.closing)
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		b.release()
		return nil, ctx.Err()
	case <-c.done:
	}
	if c.err != nil {
		b.release()
		return nil, c.err
	}
	return &Lease[T]{b: b, val: c.val}, nil
}

func (b *Broker[T]) dial(c *call[T], closing chan struct{}) {
	defer b.wg.Done()
	defer close(c.done)

	if closing != nil {
		select {
		case <-closing:
		case <-b.ctx.Done():
		}
	}

	ctx := b.ctx
	if b.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ConnectTimeout)
		defer cancel()
	}
	v, err := b.connect(ctx)
	if b.opts.OnConnect != nil {
		b.opts.OnConnect(err)
	}

	b.mu.Lock()
	b.pending = nil
	c.val, c.err = v, err
	if err != nil {
		b.mu.Unlock()
		slog.Warn("lease: connect failed", "name", b.opts.Name, "err", err)
		return
	}
	b.connects++
	if b.closed {
		b.mu.Unlock()
		b.doDisconnect(v)
		c.err = ErrClosed
		return
	}
	b.live = true
	b.val = v
	if b.refs == 0 {
		// Every waiter gave up; keep it for the idle window anyway.
		b.scheduleLocked()
	}
	b.mu.Unlock()
	slog.Debug("lease: connected", "name", b.opts.Name)
}

func (b *Broker[T]) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
	if b.refs == 0 && b.live && !b.closed {
		b.scheduleLocked()
	}
}

// scheduleLocked arms the idle teardown. Caller holds mu.
func (b *Broker[T]) scheduleLocked() {
	b.stopTimerLocked()
	b.gen++
	gen := b.gen
	b.wg.Add(1)
	b.timer = time.AfterFunc(b.opts.Idle, func() {
		defer b.wg.Done()
		b.mu.Lock()
		if b.gen != gen || b.refs > 0 || !b.live || b.closed {
			b.mu.Unlock()
			return
		}
		v := b.val
		var zero T
		b.val = zero
		b.live = false
		b.timer = nil
		closing := make(chan struct{})
		b.closing = closing
		b.mu.Unlock()

		b.doDisconnect(v)

		b.mu.Lock()
		if b.closing == closing {
			b.closing = nil
		}
		b.mu.Unlock()
		close(closing)
	})
}

func (b *Broker[T]) stopTimerLocked() {
	if b.timer != nil {
		if b.timer.Stop() {
			b.wg.Done()
		}
		b.timer = nil
	}
}

func (b *Broker[T]) doDisconnect(v T) {
	b.mu.Lock()
	b.disconns++
	b.mu.Unlock()
	b.disconnect(v)
	if b.opts.OnDisconnect != nil {
		b.opts.OnDisconnect()
	}
	slog.Debug("lease: disconnected", "name", b.opts.Name)
}

// Close disconnects the resource if live and waits for in-flight connects and
// teardowns. Outstanding leases stay valid to release but no new ones are handed out.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	v, had := b.val, b.live
	var zero T
	b.val = zero
	b.live = false
	b.mu.Unlock()

	b.cancel()
	if had {
		b.doDisconnect(v)
	}
	b.wg.Wait()
}

// Stats reports counters for tests and diagnostics.
type Stats struct {
	Refs        int
	Live        bool
	Connects    int
	Disconnects int
}

// Stats returns a snapshot of the broker's counters.
func (b *Broker[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Refs: b.refs, Live: b.live, Connects: b.connects, Disconnects: b.disconns}
}
