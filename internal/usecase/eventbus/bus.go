package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"m2dash/internal/domain"
)

// subscription is the handle returned to subscribers. active is cleared on
// unsubscribe and checked right before every invocation, so a handler removed
// mid-dispatch is not called again.
type subscription struct {
	id      uint64
	event   string // "" for wildcard
	handler domain.Handler
	active  atomic.Bool
	bus     *Bus
}

func (s *subscription) Event() string { return s.event }

func (s *subscription) Unsubscribe() { s.bus.remove(s) }

// Bus is an in-process, goroutine-safe event dispatcher. Delivery is
// synchronous and in registration order; handlers never run under the bus lock.
type Bus struct {
	mu      sync.RWMutex
	typed   map[string][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[string][]*subscription),
		logger: logger,
	}
}

// Dispatch delivers env to the handlers subscribed to env.Event, then to the
// wildcard handlers. A failing or panicking handler does not stop the others;
// every failure is logged and returned joined, each wrapping ErrHandlerFailure.
func (b *Bus) Dispatch(ctx context.Context, env domain.Envelope) error {
	if b.closed.Load() {
		return nil
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.typed[env.Event])+len(b.allSubs))
	subs = append(subs, b.typed[env.Event]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if err := b.invoke(ctx, env, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(ctx context.Context, env domain.Envelope, sub *subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", env.Event,
				"subscription", sub.id,
				"panic", r,
			)
			err = domain.NewDomainError("Bus.Dispatch", domain.ErrHandlerFailure, fmt.Sprintf("event %q: panic: %v", env.Event, r))
		}
	}()

	if herr := sub.handler(ctx, env); herr != nil {
		b.logger.Warn("event handler failed",
			"event", env.Event,
			"subscription", sub.id,
			"error", herr,
		)
		return domain.NewDomainError("Bus.Dispatch", domain.ErrHandlerFailure, fmt.Sprintf("event %q: %v", env.Event, herr))
	}
	return nil
}

// Subscribe registers a handler for a specific event name.
func (b *Bus) Subscribe(event string, handler domain.Handler) domain.Subscription {
	sub := b.newSubscription(event, handler)

	b.mu.Lock()
	b.typed[event] = append(b.typed[event], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler that receives every envelope.
func (b *Bus) SubscribeAll(handler domain.Handler) domain.Subscription {
	sub := b.newSubscription("", handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub. Unknown or already removed handles are ignored.
func (b *Bus) Unsubscribe(sub domain.Subscription) {
	if s, ok := sub.(*subscription); ok && s.bus == b {
		b.remove(s)
	}
}

// Len returns the number of active subscriptions for event ("" counts wildcards).
func (b *Bus) Len(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if event == "" {
		return len(b.allSubs)
	}
	return len(b.typed[event])
}

// Count returns the total number of active subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.typed {
		n += len(subs)
	}
	return n
}

func (b *Bus) newSubscription(event string, handler domain.Handler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		event:   event,
		handler: handler,
		bus:     b,
	}
	sub.active.Store(true)
	return sub
}

func (b *Bus) remove(s *subscription) {
	if !s.active.Swap(false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s.event == "" {
		b.allSubs = without(b.allSubs, s)
		return
	}
	subs := without(b.typed[s.event], s)
	if len(subs) == 0 {
		delete(b.typed, s.event)
		return
	}
	b.typed[s.event] = subs
}

// without returns a new slice so snapshots taken by in-flight dispatches stay intact.
func without(subs []*subscription, s *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, cur := range subs {
		if cur != s {
			out = append(out, cur)
		}
	}
	return out
}

// Close makes later dispatches no-ops. Close is idempotent.
func (b *Bus) Close() {
	b.closed.Store(true)
}
