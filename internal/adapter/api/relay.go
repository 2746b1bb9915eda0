package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"m2dash/internal/adapter/wire"
	"m2dash/internal/domain"
)

const relayQueueSize = 64

var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	`\[::1\]`, // patterns use path.Match syntax
	`\[::1\]:*`,
}

// relayClient tracks one browser connection.
type relayClient struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan []byte // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Relay mirrors every envelope the link dispatches to connected WebSocket
// clients as wire frames, and publishes wire frames the clients send.
type Relay struct {
	core           Core
	logger         *slog.Logger
	originPatterns []string

	clients sync.Map // id (uint64) -> *relayClient
	count   atomic.Int64
	nextID  atomic.Uint64

	mu  sync.Mutex
	sub domain.Subscription
}

// NewRelay creates a relay. Browsers on localhost are always accepted;
// allowedOrigins adds more.
func NewRelay(core Core, allowedOrigins []string, logger *slog.Logger) *Relay {
	patterns := append([]string(nil), localOrigins...)
	for _, o := range allowedOrigins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, o)
		}
	}
	return &Relay{core: core, logger: logger, originPatterns: patterns}
}

// Start subscribes the relay to every envelope. Calling it again is a no-op.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		r.sub = r.core.SubscribeAll(r.forward)
	}
}

// Stop unsubscribes and closes every client.
func (r *Relay) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	r.clients.Range(func(key, value any) bool {
		c := value.(*relayClient)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		r.clients.Delete(key)
		return true
	})
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int { return int(r.count.Load()) }

// forward runs on the dispatching goroutine and never blocks it.
func (r *Relay) forward(_ context.Context, env domain.Envelope) error {
	frame, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	r.clients.Range(func(_, value any) bool {
		c := value.(*relayClient)
		select {
		case c.sendCh <- frame:
		default:
			r.logger.Warn("relay: dropped envelope for slow client", "conn_id", c.id, "event", env.Event)
		}
		return true
	})
	return nil
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.originPatterns})
	if err != nil {
		r.logger.Warn("relay accept failed", "error", err)
		return
	}

	c := &relayClient{
		id:     r.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan []byte, relayQueueSize),
		done:   make(chan struct{}),
	}
	r.clients.Store(c.id, c)
	r.count.Add(1)
	r.logger.Info("relay client connected", "conn_id", c.id, "remote", req.RemoteAddr)

	go r.writeLoop(c)
	r.readLoop(req.Context(), c)

	c.close()
	r.clients.Delete(c.id)
	r.count.Add(-1)
	ws.Close(websocket.StatusNormalClosure, "")
	r.logger.Info("relay client disconnected", "conn_id", c.id)
}

func (r *Relay) readLoop(ctx context.Context, c *relayClient) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			r.logger.Warn("relay: malformed frame from client", "conn_id", c.id, "error", err)
			continue
		}
		if env.Event == domain.EventConnection {
			continue
		}
		if err := r.core.Publish(ctx, env.Event, env.Data); err != nil {
			r.logger.Warn("relay: publish failed", "conn_id", c.id, "event", env.Event, "error", err)
		}
	}
}

func (r *Relay) writeLoop(c *relayClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
