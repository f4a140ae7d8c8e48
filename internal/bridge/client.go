package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/session"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("bridge: closed")

const (
	defaultCallTimeout = 2 * time.Second
	defaultRateLimit   = 200 // calls per second
	defaultBurst       = 20
)

// Options configures a Client.
type Options struct {
	RateLimit   float64 // calls per second, 0 means the default, negative means unlimited
	Burst       int
	CallTimeout time.Duration
}

// Client implements effect.Native over the bridge socket and turns the
// engine's session events into session signals.
type Client struct {
	conn    net.Conn
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	nextTag uint32
	pending map[uint32]chan Frame
	err     error

	qmu     sync.Mutex
	queue   []session.Signal
	qnotify chan struct{}

	signals   chan session.Signal
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ effect.Native = (*Client)(nil)

// Dial connects to the bridge socket.
func Dial(ctx context.Context, socket string, opts Options, m *metrics.Metrics) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", socket, err)
	}
	return NewClient(conn, opts, m), nil
}

// NewClient starts a client on an established connection.
func NewClient(conn net.Conn, opts Options, m *metrics.Metrics) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	limit := rate.Limit(opts.RateLimit)
	switch {
	case opts.RateLimit == 0:
		limit = defaultRateLimit
	case opts.RateLimit < 0:
		limit = rate.Inf
	}

	c := &Client{
		conn:    conn,
		limiter: rate.NewLimiter(limit, opts.Burst),
		timeout: opts.CallTimeout,
		metrics: m,
		pending: make(map[uint32]chan Frame),
		qnotify: make(chan struct{}, 1),
		signals: make(chan session.Signal),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.pump()
	return c
}

// Signals returns the session open/close events sent by the engine. The
// channel is closed when the connection ends.
func (c *Client) Signals() <-chan session.Signal {
	return c.signals
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection and waits for the client's goroutines.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		pending := c.pending
		c.pending = make(map[uint32]chan Frame)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("bridge: connection lost", "err", err)
			}
			c.shutdown(fmt.Errorf("bridge: read: %w", err))
			return
		}

		switch f.Op {
		case OpReply:
			c.mu.Lock()
			ch, ok := c.pending[f.Tag]
			delete(c.pending, f.Tag)
			c.mu.Unlock()
			if ok {
				ch <- f
			} else {
				slog.Debug("bridge: reply for unknown tag", "tag", f.Tag)
			}
		case OpSessionOpen, OpSessionClose:
			id, ok := getInt32(f.Payload, 0)
			if !ok {
				slog.Warn("bridge: short session event", "op", f.Op.String())
				continue
			}
			kind := session.Open
			if f.Op == OpSessionClose {
				kind = session.Close
			}
			c.enqueue(session.Signal{Kind: kind, SessionID: int(id)})
		default:
			slog.Warn("bridge: unexpected frame", "op", f.Op.String())
		}
	}
}

// enqueue never blocks so replies keep flowing while the registry is busy
// constructing a handle.
func (c *Client) enqueue(s session.Signal) {
	c.qmu.Lock()
	c.queue = append(c.queue, s)
	c.qmu.Unlock()
	select {
	case c.qnotify <- struct{}{}:
	default:
	}
}

func (c *Client) pump() {
	defer c.wg.Done()
	defer close(c.signals)
	for {
		c.qmu.Lock()
		q := c.queue
		c.queue = nil
		c.qmu.Unlock()

		for _, s := range q {
			select {
			case c.signals <- s:
			case <-c.done:
				return
			}
		}

		select {
		case <-c.qnotify:
		case <-c.done:
			return
		}
	}
}

// call sends a request and waits for its reply.
func (c *Client) call(ctx context.Context, op Op, payload []byte) (status int32, body []byte, err error) {
	start := time.Now()
	defer func() { c.metrics.BridgeCall(op.String(), time.Since(start), err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("bridge: %s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	c.nextTag++
	if c.nextTag == 0 {
		c.nextTag = 1
	}
	tag := c.nextTag
	c.pending[tag] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	err = WriteFrame(c.conn, Frame{Op: op, Tag: tag, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(tag)
		return 0, nil, fmt.Errorf("bridge: %s: write: %w", op, err)
	}

	select {
	case <-ctx.Done():
		c.forget(tag)
		return 0, nil, &noReplyError{op: op, err: ctx.Err()}
	case f, ok := <-ch:
		if !ok {
			return 0, nil, &noReplyError{op: op, err: c.Err()}
		}
		st, ok := getInt32(f.Payload, 0)
		if !ok {
			return 0, nil, fmt.Errorf("bridge: %s: short reply", op)
		}
		return st, f.Payload[4:], nil
	}
}

// noReplyError means the request went out but no reply came back.
type noReplyError struct {
	op  Op
	err error
}

func (e *noReplyError) Error() string { return fmt.Sprintf("bridge: %s: no reply: %v", e.op, e.err) }
func (e *noReplyError) Unwrap() error { return e.err }

func (c *Client) forget(tag uint32) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
}

func statusErr(op Op, status int32, body []byte) error {
	if status == StatusOK {
		return nil
	}
	msg := string(body)
	if msg == "" {
		msg = "no detail"
	}
	return effect.NativeError(fmt.Sprintf("bridge: %s failed with status %d: %s", op, status, msg))
}

// Construct creates an effect for sessionID. A request that was sent but
// never answered is reported as a partial failure, since the engine may have
// created the effect anyway. Failures before the request is written are not.
func (c *Client) Construct(ctx context.Context, typ, impl uuid.UUID, priority, sessionID int) (int32, error) {
	p := make([]byte, 0, 40)
	p = append(p, typ[:]...)
	p = append(p, impl[:]...)
	p = putInt32(p, int32(priority))
	p = putInt32(p, int32(sessionID))

	status, body, err := c.call(ctx, OpConstruct, p)
	if err != nil {
		var nr *noReplyError
		if errors.As(err, &nr) {
			return 0, fmt.Errorf("%w: %w", effect.ErrPartialConstruct, err)
		}
		return 0, err
	}
	if err := statusErr(OpConstruct, status, body); err != nil {
		return 0, err
	}
	id, ok := getInt32(body, 0)
	if !ok {
		return 0, fmt.Errorf("bridge: construct: reply without effect id")
	}
	return id, nil
}

func (c *Client) Release(ctx context.Context, id int32) error {
	status, body, err := c.call(ctx, OpRelease, putInt32(nil, id))
	if err != nil {
		return err
	}
	return statusErr(OpRelease, status, body)
}

func (c *Client) SetEnabled(ctx context.Context, id int32, enabled bool) error {
	p := putInt32(make([]byte, 0, 5), id)
	if enabled {
		p = append(p, 1)
	} else {
		p = append(p, 0)
	}
	status, body, err := c.call(ctx, OpEnable, p)
	if err != nil {
		return err
	}
	return statusErr(OpEnable, status, body)
}

func (c *Client) SetParameter(ctx context.Context, id int32, param, value []byte) error {
	p := make([]byte, 0, 8+len(param)+len(value))
	p = putInt32(p, id)
	p = putInt32(p, int32(len(param)))
	p = append(p, param...)
	p = append(p, value...)
	status, body, err := c.call(ctx, OpSetParam, p)
	if err != nil {
		return err
	}
	return statusErr(OpSetParam, status, body)
}
