package link

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m2dash/internal/domain"
	"m2dash/internal/usecase/heartbeat"
)

type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	connected  bool
	reconnects int
	closed     bool
	frames     chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, frames: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return domain.NewDomainError("fake.Send", domain.ErrTransportUnavailable, "")
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakeTransport) sentEvents(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, raw := range f.sent {
		var v struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &v))
		out = append(out, v.Event)
	}
	return out
}

func (f *fakeTransport) reconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{Heartbeat: heartbeat.Config{Frequency: time.Second, Timeout: 3 * time.Second}}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLink(t *testing.T) (*Link, *fakeTransport, *clock) {
	t.Helper()
	tr := newFakeTransport()
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l, err := New(tr, testConfig(), testLogger(), WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, tr, clk
}

func TestNewValidatesHeartbeat(t *testing.T) {
	_, err := New(newFakeTransport(), Config{Heartbeat: heartbeat.Config{Frequency: time.Second}}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(nil, testConfig(), testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPublishEncodesAndSends(t *testing.T) {
	l, tr, _ := newTestLink(t)

	require.NoError(t, l.Publish(context.Background(), "gear", map[string]int{"value": 4}))
	require.Len(t, tr.sent, 1)
	assert.JSONEq(t, `{"event":"gear","data":{"value":4}}`, string(tr.sent[0]))
	assert.Equal(t, uint64(1), l.Metrics().Published)
}

func TestPublishWhileDisconnectedIsTolerated(t *testing.T) {
	l, tr, _ := newTestLink(t)
	tr.setConnected(false)

	err := l.Publish(context.Background(), "gear", 3)
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, uint64(1), l.Metrics().PublishFailures)

	tr.setConnected(true)
	require.NoError(t, l.Publish(context.Background(), "gear", 3))
}

func TestPublishRejectsEmptyEvent(t *testing.T) {
	l, tr, _ := newTestLink(t)
	assert.ErrorIs(t, l.Publish(context.Background(), "", nil), domain.ErrInvalidInput)
	assert.Empty(t, tr.sent)
}

func TestHandleFrameDispatches(t *testing.T) {
	l, _, _ := newTestLink(t)

	var got []domain.Envelope
	l.Subscribe("speed", func(_ context.Context, env domain.Envelope) error {
		got = append(got, env)
		return nil
	})

	require.NoError(t, l.HandleFrame(context.Background(), []byte(`{"event":"speed","data":88}`)))
	require.Len(t, got, 1)
	assert.JSONEq(t, `88`, string(got[0].Data))
}

func TestMalformedFrameDoesNotDisturbPipeline(t *testing.T) {
	l, _, _ := newTestLink(t)

	var got []string
	l.SubscribeAll(func(_ context.Context, env domain.Envelope) error {
		got = append(got, env.Event)
		return nil
	})
	before := l.Metrics().Subscriptions

	err := l.HandleFrame(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
	err = l.HandleFrame(context.Background(), []byte(`{"data":1}`))
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	require.NoError(t, l.HandleFrame(context.Background(), []byte(`{"event":"rpm","data":3000}`)))
	assert.Equal(t, []string{"rpm"}, got)

	m := l.Metrics()
	assert.Equal(t, uint64(3), m.FramesIn)
	assert.Equal(t, uint64(2), m.MalformedFrames)
	assert.Equal(t, before, m.Subscriptions)
}

func TestFreezeThroughLink(t *testing.T) {
	l, _, _ := newTestLink(t)
	ctx := context.Background()

	var got []string
	l.SubscribeAll(func(_ context.Context, env domain.Envelope) error {
		got = append(got, env.Event)
		return nil
	})

	l.EngageFreeze()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, l.HandleFrame(ctx, []byte(`{"event":"`+name+`"}`)))
	}
	assert.Empty(t, got)
	assert.True(t, l.Frozen())
	assert.Equal(t, 3, l.Pending())

	assert.Equal(t, 3, l.ReleaseFreeze(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, l.ReleaseFreeze(ctx))
}

func TestHandlerFailuresCounted(t *testing.T) {
	l, _, _ := newTestLink(t)

	var second int
	l.Subscribe("x", func(_ context.Context, _ domain.Envelope) error { return errors.New("boom") })
	l.Subscribe("x", func(_ context.Context, _ domain.Envelope) error {
		second++
		return nil
	})

	require.NoError(t, l.HandleFrame(context.Background(), []byte(`{"event":"x"}`)))
	assert.Equal(t, 1, second)
	assert.Equal(t, uint64(1), l.Metrics().HandlerFailures)
}

func TestStatusAndOverride(t *testing.T) {
	l, _, _ := newTestLink(t)
	ctx := context.Background()

	require.NoError(t, l.HandleFrame(ctx, []byte(`{"event":"status","data":[true,25,4.5]}`)))
	snap := l.ConnectionStatus()
	assert.True(t, snap.Online)
	assert.Equal(t, 25*time.Millisecond, snap.Latency)

	l.ForceOffline()
	require.NoError(t, l.HandleFrame(ctx, []byte(`{"event":"status","data":[true,30,5]}`)))
	snap = l.ConnectionStatus()
	assert.False(t, snap.Online)
	assert.Equal(t, 30*time.Millisecond, snap.Latency)
	assert.Equal(t, 5.0, snap.Rate)

	l.ClearOverride()
	assert.True(t, l.ConnectionStatus().Online)

	l.ForceOnline()
	assert.True(t, l.ConnectionStatus().ManualOverride)
}

func TestHeartbeatThroughLink(t *testing.T) {
	l, tr, clk := newTestLink(t)
	ctx := context.Background()

	var conn []bool
	l.Subscribe(domain.EventConnection, func(_ context.Context, env domain.Envelope) error {
		var ev domain.ConnectionEvent
		if err := env.Bind(&ev); err != nil {
			return err
		}
		conn = append(conn, ev.Connected)
		return nil
	})

	l.monitor.Tick(ctx)
	assert.Equal(t, []string{domain.EventPing}, tr.sentEvents(t))
	assert.JSONEq(t, `{"event":"ping"}`, string(tr.sent[0]))

	clk.Advance(150 * time.Millisecond)
	require.NoError(t, l.HandleFrame(ctx, []byte(`{"event":"pong"}`)))
	snap := l.ConnectionStatus()
	assert.True(t, snap.Connected)
	assert.Equal(t, 150*time.Millisecond, snap.RoundTrip)

	clk.Advance(850 * time.Millisecond)
	l.monitor.Tick(ctx)
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		l.monitor.Tick(ctx)
	}
	assert.Equal(t, 1, tr.reconnectCalls())
	assert.False(t, l.ConnectionStatus().Connected)
	assert.Equal(t, []bool{true, false}, conn)

	m := l.Metrics()
	assert.Equal(t, uint64(1), m.HeartbeatTimeouts)
	assert.Equal(t, uint64(1), m.Reconnects)
}

func TestPongWhileFrozenIsHeld(t *testing.T) {
	l, _, clk := newTestLink(t)
	ctx := context.Background()

	l.monitor.Tick(ctx)
	l.EngageFreeze()
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, l.HandleFrame(ctx, []byte(`{"event":"pong"}`)))
	assert.False(t, l.ConnectionStatus().Connected)

	l.ReleaseFreeze(ctx)
	assert.True(t, l.ConnectionStatus().Connected)
}

func TestRunProcessesFramesAndStops(t *testing.T) {
	tr := newFakeTransport()
	cfg := Config{Heartbeat: heartbeat.Config{Frequency: 10 * time.Millisecond, Timeout: time.Second}}
	l, err := New(tr, cfg, testLogger())
	require.NoError(t, err)
	defer l.Close()

	got := make(chan string, 4)
	l.Subscribe("speed", func(_ context.Context, env domain.Envelope) error {
		got <- string(env.Data)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.frames <- []byte(`{"event":"speed","data":42}`)
	select {
	case v := <-got:
		assert.Equal(t, "42", v)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not dispatched")
	}

	assert.Eventually(t, func() bool {
		for _, e := range tr.sentEvents(t) {
			if e == domain.EventPing {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReturnsWhenTransportCloses(t *testing.T) {
	tr := newFakeTransport()
	l, err := New(tr, testConfig(), testLogger())
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	l, tr, _ := newTestLink(t)

	var calls int
	l.Subscribe("x", func(_ context.Context, _ domain.Envelope) error {
		calls++
		return nil
	})
	l.Close()
	l.Close()

	require.NoError(t, l.HandleFrame(context.Background(), []byte(`{"event":"x"}`)))
	assert.Equal(t, 0, calls)
	l.monitor.Tick(context.Background())
	assert.Empty(t, tr.sent)
	assert.False(t, tr.closed, "link does not own the transport")
}

func TestReporterSuppresses(t *testing.T) {
	r := newReporter(0.0001, 2, testLogger())
	assert.True(t, r.Report("x", domain.ErrMalformedEnvelope))
	assert.True(t, r.Report("x", domain.ErrMalformedEnvelope))
	assert.False(t, r.Report("x", domain.ErrMalformedEnvelope))
	assert.Equal(t, uint64(1), r.Suppressed())

	unlimited := newReporter(0, 0, testLogger())
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Report("x", domain.ErrMalformedEnvelope))
	}
}

// overlapCounter records the highest number of handlers running at once.
type overlapCounter struct {
	active, max atomic.Int32
}

func (c *overlapCounter) enter() {
	n := c.active.Add(1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (c *overlapCounter) leave() { c.active.Add(-1) }

func TestReleaseNeverOverlapsHeartbeatHandlers(t *testing.T) {
	l, tr, clk := newTestLink(t)
	ticks := make(chan time.Time)
	l.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }

	var overlap overlapCounter
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	l.Subscribe(domain.EventConnection, func(_ context.Context, env domain.Envelope) error {
		overlap.enter()
		defer overlap.leave()
		var ev domain.ConnectionEvent
		if err := env.Bind(&ev); err != nil {
			return err
		}
		if ev.Connected {
			record("connected")
		} else {
			record("disconnected")
		}
		return nil
	})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	l.Subscribe("x", func(_ context.Context, _ domain.Envelope) error {
		overlap.enter()
		defer overlap.leave()
		close(entered)
		<-unblock
		record("x")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ticks <- clk.Now()
	require.Eventually(t, func() bool { return len(tr.sentEvents(t)) == 1 }, 2*time.Second, time.Millisecond)
	tr.frames <- []byte(`{"event":"pong"}`)
	require.Eventually(t, func() bool { return l.ConnectionStatus().Connected }, 2*time.Second, time.Millisecond)

	l.EngageFreeze()
	tr.frames <- []byte(`{"event":"x"}`)
	require.Eventually(t, func() bool { return l.Pending() == 1 }, 2*time.Second, time.Millisecond)

	released := make(chan int, 1)
	go func() { released <- l.ReleaseFreeze(context.Background()) }()
	<-entered

	// Enough heartbeat time for a timeout. The loop is busy with the drain,
	// so none of these ticks may be taken.
	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		select {
		case ticks <- clk.Now():
			t.Fatal("loop took a tick while a drain was running")
		case <-time.After(20 * time.Millisecond):
		}
	}
	close(unblock)
	require.Equal(t, 1, <-released)

	ticks <- clk.Now()
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		ticks <- clk.Now()
	}
	require.Eventually(t, func() bool { return !l.ConnectionStatus().Connected }, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(1), overlap.max.Load())
	mu.Lock()
	assert.Equal(t, []string{"connected", "x", "disconnected"}, order)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReleaseFromHandlerOnLoop(t *testing.T) {
	l, tr, clk := newTestLink(t)
	ticks := make(chan time.Time)
	l.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }

	var held []string
	l.Subscribe("a", func(_ context.Context, env domain.Envelope) error {
		held = append(held, env.Event)
		return nil
	})
	released := make(chan int, 1)
	l.Subscribe(domain.EventConnection, func(ctx context.Context, env domain.Envelope) error {
		var ev domain.ConnectionEvent
		if err := env.Bind(&ev); err != nil {
			return err
		}
		if !ev.Connected {
			released <- l.ReleaseFreeze(ctx)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ticks <- clk.Now()
	tr.frames <- []byte(`{"event":"pong"}`)
	require.Eventually(t, func() bool { return l.ConnectionStatus().Connected }, 2*time.Second, time.Millisecond)

	l.EngageFreeze()
	tr.frames <- []byte(`{"event":"a"}`)
	require.Eventually(t, func() bool { return l.Pending() == 1 }, 2*time.Second, time.Millisecond)

	ticks <- clk.Now()
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		ticks <- clk.Now()
	}

	select {
	case n := <-released:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("release from a loop handler did not complete")
	}
	assert.Equal(t, []string{"a"}, held)
	assert.False(t, l.Frozen())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRejectsSecondLoop(t *testing.T) {
	l, _, _ := newTestLink(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		l.loopMu.Lock()
		defer l.loopMu.Unlock()
		return l.loopDone != nil
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Run(ctx), domain.ErrInvalidInput)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
