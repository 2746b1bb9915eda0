// Package m2sdk embeds the M2 link in another Go program.
//
// A Client owns an auto-reconnecting transport to the telemetry source and
// the link on top of it: event subscriptions, publishing, freeze, heartbeat
// and connection status.
//
// Example:
//
//	c, err := m2sdk.New("ws://car.local:8765/ws",
//	    m2sdk.WithHeartbeat(time.Second, 3*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	c.Subscribe("speed", func(ctx context.Context, env m2sdk.Envelope) error {
//	    var kmh float64
//	    return env.Bind(&kmh)
//	})
//	go c.Run(ctx)
//	_ = c.Publish(ctx, "horn", map[string]int{"level": 2})
package m2sdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"m2dash/internal/adapter/transport"
	"m2dash/internal/domain"
	"m2dash/internal/usecase/heartbeat"
	"m2dash/internal/usecase/link"
)

type (
	// Envelope is one named event and its JSON payload.
	Envelope = domain.Envelope
	// Handler receives envelopes. A returned error is logged and counted.
	Handler = domain.Handler
	// Subscription is the handle returned by Subscribe.
	Subscription = domain.Subscription
	// Status is the tracked connection state.
	Status = domain.StatusSnapshot
	// ConnectionEvent is the payload of the local "connection" event.
	ConnectionEvent = domain.ConnectionEvent
	// Metrics is a point-in-time copy of the link counters.
	Metrics = link.Metrics
)

// Reserved event names.
const (
	EventStatus     = domain.EventStatus
	EventConnection = domain.EventConnection
)

// Client is an embedded M2 link.
type Client struct {
	url              string
	grpcTarget       string
	grpcMethod       string
	frequency        time.Duration
	timeout          time.Duration
	clearOnReconnect bool
	frameBuffer      int
	backoffInitial   time.Duration
	backoffMax       time.Duration
	logger           *slog.Logger

	channel *transport.Channel
	link    *link.Link
}

// New creates a client for the WebSocket url, or for the gRPC target when
// WithGRPC is given. Nothing is dialed until Run.
func New(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:       url,
		frequency: time.Second,
		timeout:   3 * time.Second,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	var dialer transport.Dialer
	switch {
	case c.grpcTarget != "":
		dialer = transport.NewGRPCDialer(c.grpcTarget, c.grpcMethod)
	case c.url != "":
		dialer = transport.NewWebSocketDialer(c.url)
	default:
		return nil, domain.NewDomainError("m2sdk.New", domain.ErrInvalidInput, "a WebSocket URL or a gRPC target is required")
	}

	c.channel = transport.NewChannel(dialer, transport.Options{
		FrameBuffer:    c.frameBuffer,
		BackoffInitial: c.backoffInitial,
		BackoffMax:     c.backoffMax,
	}, c.logger)

	l, err := link.New(c.channel, link.Config{
		Heartbeat:                heartbeat.Config{Frequency: c.frequency, Timeout: c.timeout},
		ClearOverrideOnReconnect: c.clearOnReconnect,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.link = l
	return c, nil
}

// Run connects and serves until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.channel.Run(gctx)
	})
	g.Go(func() error {
		err := c.link.Run(gctx)
		if gctx.Err() != nil || errors.Is(err, domain.ErrTransportClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Subscribe registers handler for event.
func (c *Client) Subscribe(event string, handler Handler) Subscription {
	return c.link.Subscribe(event, handler)
}

// SubscribeAll registers handler for every envelope.
func (c *Client) SubscribeAll(handler Handler) Subscription {
	return c.link.SubscribeAll(handler)
}

// Publish sends event with data. It fails fast while disconnected.
func (c *Client) Publish(ctx context.Context, event string, data any) error {
	return c.link.Publish(ctx, event, data)
}

// Freeze holds inbound envelopes until Release.
func (c *Client) Freeze() { c.link.EngageFreeze() }

// Release delivers the held envelopes in order and returns how many.
func (c *Client) Release(ctx context.Context) int { return c.link.ReleaseFreeze(ctx) }

// Frozen reports whether inbound delivery is held.
func (c *Client) Frozen() bool { return c.link.Frozen() }

// Status returns the tracked connection state.
func (c *Client) Status() Status { return c.link.ConnectionStatus() }

// ForceOnline overrides the remote online flag.
func (c *Client) ForceOnline() { c.link.ForceOnline() }

// ForceOffline overrides the remote online flag.
func (c *Client) ForceOffline() { c.link.ForceOffline() }

// ClearOverride returns to the remote online flag.
func (c *Client) ClearOverride() { c.link.ClearOverride() }

// Connected reports whether the transport has a connection.
func (c *Client) Connected() bool { return c.channel.Connected() }

// Metrics returns the link counters.
func (c *Client) Metrics() Metrics { return c.link.Metrics() }

// Close stops the link and the transport.
func (c *Client) Close() error {
	c.link.Close()
	return c.channel.Close()
}
