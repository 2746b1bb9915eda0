// Package link composes the communication core: envelope codec, freeze
// gate, event dispatcher, heartbeat monitor and status tracker, driven by a
// single event loop over one transport.
package link

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"m2dash/internal/adapter/wire"
	"m2dash/internal/domain"
	"m2dash/internal/infra/tracer"
	"m2dash/internal/usecase/eventbus"
	"m2dash/internal/usecase/freeze"
	"m2dash/internal/usecase/heartbeat"
	"m2dash/internal/usecase/status"
)

// Config holds the link settings.
type Config struct {
	Heartbeat                heartbeat.Config
	ClearOverrideOnReconnect bool
	// ReportRate and ReportBurst bound how often malformed frames and
	// dropped publishes are logged. A zero rate logs every one.
	ReportRate  float64
	ReportBurst int
}

// Option configures a Link.
type Option func(*Link)

// WithClock replaces time.Now in the heartbeat monitor and status tracker.
func WithClock(now func() time.Time) Option {
	return func(l *Link) { l.now = now }
}

// Link is the public surface of the communication core. It does not own the
// transport: Close leaves it open.
type Link struct {
	transport domain.Transport
	bus       *eventbus.Bus
	gate      *freeze.Gate
	monitor   *heartbeat.Monitor
	tracker   *status.Tracker
	reporter  *reporter
	logger    *slog.Logger
	now       func() time.Time

	// calls carries work that must not overlap a handler the loop runs.
	calls     chan loopCall
	loopMu    sync.Mutex
	loopDone  chan struct{} // non-nil while Run is active
	newTicker func(time.Duration) (<-chan time.Time, func())

	counters  counters
	closeOnce sync.Once
}

type loopCall struct {
	ctx  context.Context
	fn   func(context.Context)
	done chan struct{}
}

// loopKey marks contexts handed out by a running loop, so a handler that
// calls back into the link does not wait on itself.
type loopKey struct{}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// New wires the core over transport. It fails with ErrInvalidInput when the
// heartbeat frequency or timeout is not positive.
func New(transport domain.Transport, cfg Config, logger *slog.Logger, opts ...Option) (*Link, error) {
	if transport == nil {
		return nil, domain.NewDomainError("link.New", domain.ErrInvalidInput, "transport is required")
	}
	if err := cfg.Heartbeat.Validate(); err != nil {
		return nil, err
	}

	l := &Link{
		transport: transport,
		logger:    logger,
		now:       time.Now,
		reporter:  newReporter(cfg.ReportRate, cfg.ReportBurst, logger),
		calls:     make(chan loopCall),
		newTicker: realTicker,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.bus = eventbus.New(logger)
	l.gate = freeze.New(countingSink{l}, logger)
	l.tracker = status.New(l.bus, logger,
		status.WithClearOverrideOnReconnect(cfg.ClearOverrideOnReconnect),
		status.WithClock(l.now),
	)

	mon, err := heartbeat.New(l, reconnector{l}, l.bus, l.tracker, cfg.Heartbeat, logger,
		heartbeat.WithClock(l.now))
	if err != nil {
		return nil, err
	}
	l.monitor = mon
	return l, nil
}

// countingSink forwards gated envelopes to the bus and counts handler failures.
type countingSink struct{ l *Link }

func (s countingSink) Dispatch(ctx context.Context, env domain.Envelope) error {
	err := s.l.bus.Dispatch(ctx, env)
	if err != nil {
		s.l.counters.handlerFailures.Add(uint64(countErrors(err)))
	}
	return err
}

func countErrors(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

type reconnector struct{ l *Link }

func (r reconnector) Reconnect() {
	r.l.counters.reconnects.Add(1)
	r.l.transport.Reconnect()
}

// Subscribe registers handler for inbound envelopes named event.
func (l *Link) Subscribe(event string, handler domain.Handler) domain.Subscription {
	return l.bus.Subscribe(event, handler)
}

// SubscribeAll registers handler for every inbound envelope.
func (l *Link) SubscribeAll(handler domain.Handler) domain.Subscription {
	return l.bus.SubscribeAll(handler)
}

// Unsubscribe removes sub. Removing an already removed handle is a no-op.
func (l *Link) Unsubscribe(sub domain.Subscription) {
	l.bus.Unsubscribe(sub)
}

// Publish encodes {event, data} and sends it. Nothing is awaited from the
// remote side. While the transport is down the frame is dropped and
// ErrTransportUnavailable is returned.
func (l *Link) Publish(ctx context.Context, event string, data any) (err error) {
	ctx, span := tracer.PublishSpan(ctx, event)
	defer func() { tracer.Finish(span, err) }()

	frame, err := wire.Encode(event, data)
	if err != nil {
		return err
	}
	if err := l.transport.Send(ctx, frame); err != nil {
		l.counters.publishFailures.Add(1)
		l.reporter.Report("publish dropped", err, "event", event)
		return domain.WrapOp("link.Publish", err)
	}
	l.counters.published.Add(1)
	return nil
}

// HandleFrame decodes one inbound frame and passes it through the freeze
// gate. A malformed frame is counted, reported and dropped.
func (l *Link) HandleFrame(ctx context.Context, frame []byte) (err error) {
	ctx, span := tracer.FrameSpan(ctx, len(frame))
	defer func() { tracer.Finish(span, err) }()

	l.counters.framesIn.Add(1)
	env, err := wire.Decode(frame)
	if err != nil {
		l.counters.malformed.Add(1)
		l.reporter.Report("malformed frame dropped", err, "bytes", len(frame))
		return err
	}

	tracer.AnnotateFrame(span, env.Event, l.gate.Frozen())
	l.gate.Accept(ctx, env)
	return nil
}

// Run is the link's event loop. Inbound frames, heartbeat ticks and freeze
// releases are handled one at a time on the calling goroutine until ctx is
// done or the transport's frame channel closes. Only one Run may be active.
func (l *Link) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	l.loopMu.Lock()
	if l.loopDone != nil {
		l.loopMu.Unlock()
		return domain.NewDomainError("link.Run", domain.ErrInvalidInput, "already running")
	}
	l.loopDone = stopped
	l.loopMu.Unlock()
	defer func() {
		l.loopMu.Lock()
		l.loopDone = nil
		l.loopMu.Unlock()
		close(stopped)
	}()

	ctx = context.WithValue(ctx, loopKey{}, l)
	ticks, stopTicker := l.newTicker(l.monitor.Frequency())
	defer stopTicker()

	frames := l.transport.Frames()
	l.logger.Info("link started", "heartbeat_frequency", l.monitor.Frequency())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return domain.NewDomainError("link.Run", domain.ErrTransportClosed, "frame channel closed")
			}
			_ = l.HandleFrame(ctx, frame)
		case <-ticks:
			l.monitor.Tick(ctx)
		case call := <-l.calls:
			call.fn(context.WithValue(call.ctx, loopKey{}, l))
			close(call.done)
		}
	}
}

// onLoop runs fn on the event loop and waits for it. Without an active loop,
// or when ctx already belongs to the loop, fn runs on the caller's goroutine.
// fn is skipped when ctx ends before the loop takes it.
func (l *Link) onLoop(ctx context.Context, fn func(context.Context)) {
	if ctx.Value(loopKey{}) == l {
		fn(ctx)
		return
	}
	l.loopMu.Lock()
	stopped := l.loopDone
	l.loopMu.Unlock()
	if stopped == nil {
		fn(ctx)
		return
	}

	call := loopCall{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- call:
		<-call.done
	case <-stopped:
		fn(ctx)
	case <-ctx.Done():
	}
}

// EngageFreeze starts holding inbound envelopes. It dispatches nothing, so
// it takes effect immediately from any goroutine.
func (l *Link) EngageFreeze() { l.gate.Engage() }

// ReleaseFreeze delivers every held envelope in arrival order on the event
// loop, never alongside another handler, and returns how many were
// delivered. It returns 0 if ctx ends before the loop gets to it.
func (l *Link) ReleaseFreeze(ctx context.Context) int {
	drained := 0
	l.onLoop(ctx, func(ctx context.Context) {
		ctx, span := tracer.DrainSpan(ctx, l.gate.Pending())
		drained = l.gate.Release(ctx)
		tracer.SetDrained(span, drained)
		tracer.Finish(span, nil)
	})
	return drained
}

// Frozen reports whether inbound envelopes are being held.
func (l *Link) Frozen() bool { return l.gate.Frozen() }

// Pending returns the number of held envelopes.
func (l *Link) Pending() int { return l.gate.Pending() }

// ConnectionStatus returns the current status snapshot.
func (l *Link) ConnectionStatus() domain.StatusSnapshot { return l.tracker.Snapshot() }

// ForceOnline overrides the remote online flag with true.
func (l *Link) ForceOnline() { l.tracker.ForceOnline() }

// ForceOffline overrides the remote online flag with false.
func (l *Link) ForceOffline() { l.tracker.ForceOffline() }

// ClearOverride reverts Online to the remote value.
func (l *Link) ClearOverride() { l.tracker.ClearOverride() }

// TransportConnected reports whether the transport has a live connection.
func (l *Link) TransportConnected() bool { return l.transport.Connected() }

// Metrics returns a copy of the link counters.
func (l *Link) Metrics() Metrics {
	return Metrics{
		FramesIn:          l.counters.framesIn.Load(),
		MalformedFrames:   l.counters.malformed.Load(),
		HandlerFailures:   l.counters.handlerFailures.Load(),
		Published:         l.counters.published.Load(),
		PublishFailures:   l.counters.publishFailures.Load(),
		HeartbeatTimeouts: uint64(l.monitor.Timeouts()),
		Reconnects:        l.counters.reconnects.Load(),
		Frozen:            l.gate.Frozen(),
		Pending:           l.gate.Pending(),
		Subscriptions:     l.bus.Count(),
	}
}

// Close stops the heartbeat, detaches the tracker and closes the dispatcher.
// The transport stays open. Close is idempotent.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.monitor.Stop()
		l.tracker.Close()
		l.bus.Close()
		l.logger.Info("link closed", "pending_dropped", l.gate.Pending())
	})
}
