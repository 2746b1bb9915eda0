package freeze

import (
	"context"
	"log/slog"
	"sync"

	"m2dash/internal/domain"
)

// State is the gate's delivery mode.
type State int

const (
	// Flowing dispatches inbound envelopes immediately.
	Flowing State = iota
	// Frozen holds inbound envelopes in arrival order until Release.
	Frozen
)

func (s State) String() string {
	if s == Frozen {
		return "frozen"
	}
	return "flowing"
}

// Sink receives envelopes that pass the gate.
type Sink interface {
	Dispatch(ctx context.Context, env domain.Envelope) error
}

// Gate sits in front of the dispatcher's inbound path. While frozen it
// queues envelopes; Release drains them in arrival order. Accept is expected
// to be called from a single goroutine (the link's event loop).
type Gate struct {
	mu       sync.Mutex
	state    State
	queue    []domain.Envelope
	draining bool

	sink   Sink
	logger *slog.Logger
}

// New creates a gate in the Flowing state.
func New(sink Sink, logger *slog.Logger) *Gate {
	return &Gate{sink: sink, logger: logger}
}

// Engage switches to Frozen. Engaging a frozen gate is a no-op.
func (g *Gate) Engage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Frozen {
		return
	}
	g.state = Frozen
	g.logger.Info("freeze engaged", "pending", len(g.queue))
}

// Release switches to Flowing and dispatches every queued envelope exactly
// once, oldest first, with a ctx marked by domain.WithReplay. It returns the
// number drained. A handler that calls Engage during the drain stops it; the
// rest stays queued.
func (g *Gate) Release(ctx context.Context) int {
	g.mu.Lock()
	if g.state != Frozen {
		g.mu.Unlock()
		return 0
	}
	g.state = Flowing
	if g.draining {
		// A drain further up the stack picks up the remaining queue.
		g.mu.Unlock()
		return 0
	}
	g.draining = true

	replay := domain.WithReplay(ctx)
	drained := 0
	for g.state == Flowing && len(g.queue) > 0 {
		env := g.queue[0]
		g.queue[0] = domain.Envelope{}
		g.queue = g.queue[1:]
		g.mu.Unlock()

		g.dispatch(replay, env)
		drained++

		g.mu.Lock()
	}
	g.draining = false
	if len(g.queue) == 0 {
		g.queue = nil
	}
	pending := len(g.queue)
	g.mu.Unlock()

	g.logger.Info("freeze released", "drained", drained, "pending", pending)
	return drained
}

// Accept dispatches env now when flowing, or queues it when frozen or while
// a drain is still emptying the queue.
func (g *Gate) Accept(ctx context.Context, env domain.Envelope) {
	g.mu.Lock()
	if g.state == Frozen || g.draining {
		g.queue = append(g.queue, env)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.dispatch(ctx, env)
}

// Frozen reports whether the gate is holding envelopes.
func (g *Gate) Frozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Frozen
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the number of queued envelopes.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Handler failures are already logged by the sink.
func (g *Gate) dispatch(ctx context.Context, env domain.Envelope) {
	_ = g.sink.Dispatch(ctx, env)
}
