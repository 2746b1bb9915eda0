// Package transport provides the auto-reconnecting full-duplex channel to the
// telemetry source. One reconnect loop is shared by the WebSocket and gRPC
// dialers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"m2dash/internal/domain"
)

// Conn is one established connection. Read and Write carry whole text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens connections to the telemetry source.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Endpoint names the remote side for logs.
	Endpoint() string
}

// Options tune the reconnect loop.
type Options struct {
	FrameBuffer    int
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxFailures    uint32        // consecutive dial failures before the breaker opens
	OpenTimeout    time.Duration // how long the breaker stays open
}

func (o Options) withDefaults() Options {
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 250 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 10 * time.Second
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	return o
}

// Channel keeps one connection to the telemetry source alive. Run dials and
// redials; Send, Reconnect and Connected are safe from any goroutine.
type Channel struct {
	dialer  Dialer
	opts    Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[Conn]
	frames  chan []byte

	mu      sync.Mutex
	conn    Conn
	session string
	drop    context.CancelFunc

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Transport = (*Channel)(nil)

// NewChannel creates a channel over dialer. Nothing is dialed until Run.
func NewChannel(dialer Dialer, opts Options, logger *slog.Logger) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		dialer: dialer,
		opts:   opts,
		logger: logger.With("endpoint", dialer.Endpoint()),
		frames: make(chan []byte, opts.FrameBuffer),
		done:   make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "dial:" + dialer.Endpoint(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// Run dials and keeps redialing with exponential backoff until ctx is done
// or Close is called. Frames is closed when Run returns.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.frames)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if c.stopped(ctx) {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn("transport dial failed",
				"error", err,
				"retry_in", wait,
				"breaker", c.breaker.State().String(),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.serve(ctx, conn)
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) dial(ctx context.Context) (Conn, error) {
	conn, err := c.breaker.Execute(func() (Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
		return c.dialer.Dial(dctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("Channel.dial", domain.ErrTransportUnavailable, err.Error())
		}
		return nil, domain.NewDomainError("Channel.dial", domain.ErrTransportUnavailable, fmt.Sprintf("dial %s: %v", c.dialer.Endpoint(), err))
	}
	return conn, nil
}

// serve pumps frames from conn until it fails, Reconnect drops it, or the
// channel stops.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	connCtx, drop := context.WithCancel(ctx)
	session := newSessionID()

	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.drop = drop
	c.mu.Unlock()
	c.connected.Store(true)

	logger := c.logger.With("session", session)
	logger.Info("transport connected")

	stopWatch := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	go func() {
		select {
		case <-c.done:
			drop()
		case <-connCtx.Done():
		}
	}()

	var readErr error
	for {
		frame, err := conn.Read(connCtx)
		if err != nil {
			readErr = err
			break
		}
		select {
		case c.frames <- frame:
		case <-connCtx.Done():
		}
		if connCtx.Err() != nil {
			break
		}
	}

	c.connected.Store(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.drop = nil
	}
	c.mu.Unlock()
	drop()
	stopWatch()
	_ = conn.Close()

	if ctx.Err() == nil && readErr != nil && !errors.Is(readErr, context.Canceled) {
		logger.Warn("transport disconnected", "error", readErr)
	} else {
		logger.Info("transport disconnected")
	}
}

// Send writes one frame on the current connection. While disconnected it
// returns ErrTransportUnavailable. A failed write drops the connection so Run
// redials.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.NewDomainError("Channel.Send", domain.ErrTransportUnavailable, "not connected")
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, frame); err != nil {
		c.dropConn(conn)
		return domain.NewDomainError("Channel.Send", domain.ErrTransportUnavailable, err.Error())
	}
	return nil
}

// Frames delivers inbound frames in arrival order.
func (c *Channel) Frames() <-chan []byte { return c.frames }

// Reconnect drops the current connection; Run redials. It never blocks and
// is a no-op while no connection is established.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	drop := c.drop
	session := c.session
	c.mu.Unlock()
	if drop != nil {
		c.logger.Info("transport reconnect requested", "session", session)
		drop()
	}
}

func (c *Channel) dropConn(conn Conn) {
	c.mu.Lock()
	var drop context.CancelFunc
	if c.conn == conn {
		drop = c.drop
	}
	c.mu.Unlock()
	if drop != nil {
		drop()
	}
}

// Connected reports whether a connection is established.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Session returns the ULID of the current connection, or "" when disconnected.
func (c *Channel) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.session
}

// Close stops Run and drops the connection. Close is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Reconnect()
	})
	return nil
}

func newSessionID() string {
	t := time.Now()
	return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)).String()
}
