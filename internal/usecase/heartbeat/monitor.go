// Package heartbeat detects a channel that is open but unresponsive by
// sending ping probes and expecting pong replies within a timeout.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"m2dash/internal/domain"
)

// Publisher sends an outbound event to the remote side.
type Publisher interface {
	Publish(ctx context.Context, event string, data any) error
}

// Reconnector forces the transport to drop and redial. It must not block.
type Reconnector interface {
	Reconnect()
}

// Subscriber registers the pong handler.
type Subscriber interface {
	Subscribe(event string, handler domain.Handler) domain.Subscription
}

// Observer is told about connectivity transitions and round-trip samples.
// SetConnected runs on the goroutine that called Tick or dispatched the pong.
type Observer interface {
	SetConnected(ctx context.Context, connected bool)
	SetRoundTrip(rtt time.Duration)
}

type nopObserver struct{}

func (nopObserver) SetConnected(context.Context, bool) {}
func (nopObserver) SetRoundTrip(time.Duration) {}

// Config holds the probe period and the reply timeout.
type Config struct {
	Frequency time.Duration
	Timeout   time.Duration
}

// Validate rejects non-positive durations.
func (c Config) Validate() error {
	if c.Frequency <= 0 {
		return domain.NewDomainError("heartbeat.Config", domain.ErrInvalidInput, fmt.Sprintf("frequency must be positive, got %s", c.Frequency))
	}
	if c.Timeout <= 0 {
		return domain.NewDomainError("heartbeat.Config", domain.ErrInvalidInput, fmt.Sprintf("timeout must be positive, got %s", c.Timeout))
	}
	return nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now. Used by tests to simulate suspension.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the ping/pong liveness probe. Tick is driven by the caller's
// event loop every Config.Frequency.
type Monitor struct {
	cfg         Config
	publisher   Publisher
	reconnector Reconnector
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	sentAt    time.Time // zero when no probe is outstanding
	lastCheck time.Time
	connected bool
	roundTrip time.Duration
	timeouts  int
	stopped   bool
	pongSub   domain.Subscription
}

// New validates cfg and subscribes the pong handler on sub.
func New(publisher Publisher, reconnector Reconnector, sub Subscriber, observer Observer, cfg Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:         cfg,
		publisher:   publisher,
		reconnector: reconnector,
		observer:    observer,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	m.pongSub = sub.Subscribe(domain.EventPong, m.handlePong)
	return m, nil
}

// Tick runs one heartbeat step.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var gap time.Duration
	if !m.lastCheck.IsZero() {
		gap = now.Sub(m.lastCheck)
	}
	m.lastCheck = now

	outstanding := !m.sentAt.IsZero()
	switch {
	case outstanding && gap > 2*m.cfg.Frequency:
		m.logger.Debug("heartbeat tick gap exceeds twice the period, re-probing", "gap", gap)
		outstanding = false
	case outstanding && now.Sub(m.sentAt) >= m.cfg.Timeout:
		m.timeoutLocked(ctx, now)
		return
	}

	if outstanding {
		m.mu.Unlock()
		return
	}
	m.sentAt = now
	m.mu.Unlock()

	if err := m.publisher.Publish(ctx, domain.EventPing, nil); err != nil {
		m.logger.Debug("heartbeat ping not sent", "error", err)
	}
}

// timeoutLocked declares the channel disconnected. Called with m.mu held;
// releases it before notifying collaborators.
func (m *Monitor) timeoutLocked(ctx context.Context, now time.Time) {
	waited := now.Sub(m.sentAt)
	wasConnected := m.connected
	m.sentAt = time.Time{}
	m.connected = false
	m.timeouts++
	m.mu.Unlock()

	m.logger.Warn("heartbeat timed out, reconnecting",
		"error", domain.ErrHeartbeatTimeout,
		"waited", waited,
		"timeout", m.cfg.Timeout,
	)
	if wasConnected {
		m.observer.SetConnected(ctx, false)
	}
	m.reconnector.Reconnect()
}

// handlePong treats any pong as proof of liveness. There is no probe id, so
// a pong released late by a freeze cannot be matched to the probe now
// outstanding; it clears the probe but yields no round-trip sample.
func (m *Monitor) handlePong(ctx context.Context, _ domain.Envelope) error {
	now := m.now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	becameConnected := !m.connected
	m.connected = true
	var rtt time.Duration
	sampled := !m.sentAt.IsZero() && !domain.IsReplay(ctx)
	if sampled {
		rtt = now.Sub(m.sentAt)
		m.roundTrip = rtt
	}
	m.sentAt = time.Time{}
	m.mu.Unlock()

	if becameConnected {
		m.logger.Info("heartbeat connected")
		m.observer.SetConnected(ctx, true)
	}
	if sampled {
		m.observer.SetRoundTrip(rtt)
	}
	return nil
}

// Stop unsubscribes the pong handler. Later ticks and pongs are ignored.
// Safe to call from within a handler and more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sub := m.pongSub
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Connected reports the heartbeat's view of the channel.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// RoundTrip returns the latest ping/pong round trip.
func (m *Monitor) RoundTrip() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roundTrip
}

// Outstanding reports whether a ping is awaiting its pong.
func (m *Monitor) Outstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.sentAt.IsZero()
}

// Timeouts returns the number of timeout episodes so far.
func (m *Monitor) Timeouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeouts
}

// Frequency returns the tick period the caller should drive Tick at.
func (m *Monitor) Frequency() time.Duration { return m.cfg.Frequency }
