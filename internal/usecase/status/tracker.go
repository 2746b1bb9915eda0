// Package status interprets the remote status event and applies the
// operator's manual online/offline override.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"m2dash/internal/adapter/wire"
	"m2dash/internal/domain"
)

// Bus is the part of the dispatcher the tracker needs.
type Bus interface {
	Subscribe(event string, handler domain.Handler) domain.Subscription
	Dispatch(ctx context.Context, env domain.Envelope) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClearOverrideOnReconnect drops the manual override when the heartbeat
// goes from disconnected to connected.
func WithClearOverrideOnReconnect(enabled bool) Option {
	return func(t *Tracker) { t.clearOnReconnect = enabled }
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker holds the status snapshot. It also observes the heartbeat monitor
// and announces connectivity changes as local connection events.
type Tracker struct {
	bus              Bus
	logger           *slog.Logger
	now              func() time.Time
	clearOnReconnect bool

	mu           sync.Mutex
	snap         domain.StatusSnapshot
	remoteOnline bool
	sub          domain.Subscription
}

// New creates a tracker subscribed to status events on bus.
func New(bus Bus, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sub = bus.Subscribe(domain.EventStatus, t.handleStatus)
	return t
}

func (t *Tracker) handleStatus(_ context.Context, env domain.Envelope) error {
	report, err := wire.DecodeStatus(env.Data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Latency = report.Latency
	t.snap.Rate = report.Rate
	t.snap.UpdatedAt = t.now()
	t.remoteOnline = report.Online
	if !t.snap.ManualOverride {
		t.snap.Online = report.Online
	}
	return nil
}

// ForceOnline overrides the remote online flag with true.
func (t *Tracker) ForceOnline() { t.force(true) }

// ForceOffline overrides the remote online flag with false.
func (t *Tracker) ForceOffline() { t.force(false) }

func (t *Tracker) force(online bool) {
	t.mu.Lock()
	t.snap.ManualOverride = true
	t.snap.Online = online
	t.mu.Unlock()

	t.logger.Info("status override set", "online", online)
}

// ClearOverride drops the manual override; Online reverts to the last
// remote value.
func (t *Tracker) ClearOverride() {
	t.mu.Lock()
	was := t.snap.ManualOverride
	t.clearLocked()
	t.mu.Unlock()

	if was {
		t.logger.Info("status override cleared")
	}
}

func (t *Tracker) clearLocked() {
	t.snap.ManualOverride = false
	t.snap.Online = t.remoteOnline
}

// SetConnected records a heartbeat connectivity transition and dispatches a
// connection event with ctx on the caller's goroutine. It must not be called
// with a component lock held.
func (t *Tracker) SetConnected(ctx context.Context, connected bool) {
	t.mu.Lock()
	if t.snap.Connected == connected {
		t.mu.Unlock()
		return
	}
	t.snap.Connected = connected
	cleared := false
	if connected && t.clearOnReconnect && t.snap.ManualOverride {
		t.clearLocked()
		cleared = true
	}
	t.mu.Unlock()

	if cleared {
		t.logger.Info("status override cleared on reconnect")
	}
	if connected {
		t.logger.Info("connectivity restored")
	} else {
		t.logger.Warn("connectivity lost")
	}

	env, err := domain.NewEnvelope(domain.EventConnection, domain.ConnectionEvent{Connected: connected})
	if err != nil {
		return
	}
	_ = t.bus.Dispatch(ctx, env)
}

// SetRoundTrip records the latest heartbeat round trip.
func (t *Tracker) SetRoundTrip(rtt time.Duration) {
	t.mu.Lock()
	t.snap.RoundTrip = rtt
	t.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() domain.StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Close unsubscribes from status events.
func (t *Tracker) Close() {
	t.sub.Unsubscribe()
}
