package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reserved event names on the M2 channel.
const (
	EventPing   = "ping"   // core -> remote, no payload
	EventPong   = "pong"   // remote -> core, reply to ping
	EventStatus = "status" // remote -> core, [online, latency, rate]

	// EventConnection is dispatched locally (never sent on the wire) whenever the
	// heartbeat view of the channel flips between connected and disconnected.
	EventConnection = "connection"
)

// Envelope is the decoded unit of communication: an event name and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope, marshalling data when it is not already raw JSON.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = v
	case []byte:
		env.Data = json.RawMessage(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, NewDomainError("NewEnvelope", ErrInvalidInput, fmt.Sprintf("marshal %q payload: %v", event, err))
		}
		env.Data = raw
	}
	return env, nil
}

// HasData reports whether the envelope carries a payload.
func (e Envelope) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if !e.HasData() {
		return NewDomainError("Envelope.Bind", ErrInvalidInput, fmt.Sprintf("event %q has no payload", e.Event))
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return NewDomainError("Envelope.Bind", ErrInvalidInput, err.Error())
	}
	return nil
}

type replayKey struct{}

// WithReplay marks ctx as delivering envelopes that were held by a freeze
// and are being released late.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx was marked by WithReplay.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// Handler is invoked for every dispatched envelope it is subscribed to.
// A returned error is reported and isolated from sibling handlers.
type Handler func(ctx context.Context, env Envelope) error

// Subscription is the disposable handle returned by Subscribe.
type Subscription interface {
	// Event returns the subscribed event name, or "" for wildcard subscriptions.
	Event() string
	// Unsubscribe removes the handler. Calling it more than once is a no-op.
	Unsubscribe()
}

// EventBus routes envelopes to subscribers by event name.
type EventBus interface {
	// Subscribe registers a handler for a specific event name.
	Subscribe(event string, handler Handler) Subscription
	// SubscribeAll registers a handler that receives every envelope.
	SubscribeAll(handler Handler) Subscription
	// Unsubscribe removes a subscription. Idempotent.
	Unsubscribe(sub Subscription)
	// Dispatch synchronously delivers env to matching handlers in registration order.
	Dispatch(ctx context.Context, env Envelope) error
	// Close makes further dispatches no-ops.
	Close()
}
