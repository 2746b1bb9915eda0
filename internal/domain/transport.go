package domain

import "context"

// Transport is the long-lived, auto-reconnecting full-duplex channel to the
// telemetry source. It is owned by the surrounding application; the link only
// sends frames, reads frames and asks for a reconnect.
type Transport interface {
	// Send writes one text frame. Returns ErrTransportUnavailable while disconnected.
	Send(ctx context.Context, frame []byte) error
	// Frames delivers inbound text frames in arrival order. It is closed once
	// the transport has stopped for good.
	Frames() <-chan []byte
	// Reconnect drops the current connection and redials. It never blocks.
	Reconnect()
	// Connected reports whether a connection is currently established.
	Connected() bool
	// Close tears the transport down for good.
	Close() error
}
