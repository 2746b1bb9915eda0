package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialRelay(t *testing.T, h http.Handler) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func waitClients(t *testing.T, r *Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("relay clients = %d, want %d", r.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayForwardsDispatchedEnvelopes(t *testing.T) {
	srv, l, _, h := newTestServer(t)
	ws := dialRelay(t, h)
	waitClients(t, srv.Relay(), 1)

	if err := l.HandleFrame(context.Background(), []byte(`{"event":"speed","data":88}`)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	if string(data) != `{"event":"speed","data":88}` {
		t.Errorf("frame = %s", data)
	}
}

func TestRelayHoldsFrozenEnvelopes(t *testing.T) {
	srv, l, _, h := newTestServer(t)
	ws := dialRelay(t, h)
	waitClients(t, srv.Relay(), 1)

	ctx := context.Background()
	l.EngageFreeze()
	_ = l.HandleFrame(ctx, []byte(`{"event":"speed","data":1}`))
	_ = l.HandleFrame(ctx, []byte(`{"event":"speed","data":2}`))
	if n := l.ReleaseFreeze(ctx); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, want := range []string{`{"event":"speed","data":1}`, `{"event":"speed","data":2}`} {
		_, data, err := ws.Read(readCtx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != want {
			t.Errorf("frame = %s, want %s", data, want)
		}
	}
}

func TestRelayPublishesClientFrames(t *testing.T) {
	srv, _, tr, h := newTestServer(t)
	ws := dialRelay(t, h)
	waitClients(t, srv.Relay(), 1)

	ctx := context.Background()
	for _, f := range []string{
		`not json`,
		`{"event":"connection","data":{"connected":false}}`,
		`{"event":"horn","data":{"level":1}}`,
	} {
		if err := ws.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sentFrames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client frame was not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent := tr.sentFrames()
	if len(sent) != 1 || sent[0] != `{"event":"horn","data":{"level":1}}` {
		t.Errorf("sent = %v", sent)
	}
}

func TestRelayStopDisconnectsClients(t *testing.T) {
	srv, l, _, h := newTestServer(t)
	ws := dialRelay(t, h)
	waitClients(t, srv.Relay(), 1)
	before := l.Metrics().Subscriptions

	srv.Relay().Stop()
	waitClients(t, srv.Relay(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Error("expected read error after relay stop")
	}
	if got := l.Metrics().Subscriptions; got != before-1 {
		t.Errorf("subscriptions after stop = %d, want %d", got, before-1)
	}
}

func TestRelayOriginPatterns(t *testing.T) {
	l, _ := newTestLink(t)
	r := NewRelay(l, []string{"http://dash.local:3000", "*"}, discardLogger())

	joined := strings.Join(r.originPatterns, " ")
	for _, want := range []string{"localhost:*", "dash.local:3000", "*"} {
		if !strings.Contains(joined, want) {
			t.Errorf("origin patterns %q missing %q", joined, want)
		}
	}
}
