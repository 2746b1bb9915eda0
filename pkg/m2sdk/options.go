package m2sdk

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithGRPC selects the gRPC transport. target is host:port; an empty method
// selects the default telemetry stream.
func WithGRPC(target, method string) Option {
	return func(c *Client) {
		c.grpcTarget = target
		c.grpcMethod = method
	}
}

// WithHeartbeat sets the probe frequency and the reply timeout.
func WithHeartbeat(frequency, timeout time.Duration) Option {
	return func(c *Client) {
		c.frequency = frequency
		c.timeout = timeout
	}
}

// WithClearOverrideOnReconnect drops a manual online/offline override when
// the heartbeat sees the channel come back.
func WithClearOverrideOnReconnect(enabled bool) Option {
	return func(c *Client) { c.clearOnReconnect = enabled }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithFrameBuffer sets how many inbound frames may wait for the event loop.
func WithFrameBuffer(n int) Option {
	return func(c *Client) { c.frameBuffer = n }
}

// WithBackoff sets the redial backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = maxInterval
	}
}
