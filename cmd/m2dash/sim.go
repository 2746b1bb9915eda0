package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"nhooyr.io/websocket"

	"m2dash/internal/adapter/transport"
	"m2dash/internal/adapter/wire"
	"m2dash/internal/domain"
	"m2dash/internal/infra/config"
)

// frameConn is one simulator session's connection to a link.
type frameConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
}

// simulator is a stand-in telemetry source: it answers pings, reports
// status and emits one application signal.
type simulator struct {
	cfg    config.SimulatorConfig
	logger *slog.Logger
	start  time.Time
}

func newSimulator(cfg config.SimulatorConfig, logger *slog.Logger) *simulator {
	return &simulator{cfg: cfg, logger: logger, start: time.Now()}
}

// session serves one connection until ctx is done or a read or write fails.
func (s *simulator) session(ctx context.Context, conn frameConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	write := func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.Write(ctx, frame)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.readLoop(ctx, conn, write)
	}()

	// First report right away so a fresh link shows the remote state.
	if err := write(s.statusFrame()); err != nil {
		return err
	}

	statusTick := time.NewTicker(s.cfg.StatusInterval)
	defer statusTick.Stop()
	signalTick := time.NewTicker(s.cfg.SignalInterval)
	defer signalTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-statusTick.C:
			if err := write(s.statusFrame()); err != nil {
				return err
			}
		case now := <-signalTick.C:
			frame, err := wire.Encode(s.cfg.SignalEvent, s.signalValue(now))
			if err != nil {
				return err
			}
			if err := write(frame); err != nil {
				return err
			}
		}
	}
}

func (s *simulator) readLoop(ctx context.Context, conn frameConn, write func([]byte) error) error {
	pong, _ := wire.Encode(domain.EventPong, nil)
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := wire.Decode(raw)
		if err != nil {
			s.logger.Debug("sim: malformed frame", "error", err)
			continue
		}
		if env.Event == domain.EventPing {
			if !s.cfg.AnswerPings {
				continue
			}
			if err := write(pong); err != nil {
				return err
			}
			continue
		}
		s.logger.Info("sim received", "event", env.Event, "data", string(env.Data))
	}
}

func (s *simulator) statusFrame() []byte {
	latency := 10*time.Millisecond + time.Duration(time.Since(s.start).Milliseconds()%20)*time.Millisecond
	rate := float64(time.Second) / float64(s.cfg.SignalInterval)
	frame, _ := wire.EncodeEnvelope(domain.Envelope{
		Event: domain.EventStatus,
		Data:  wire.EncodeStatus(domain.StatusReport{Online: true, Latency: latency, Rate: rate}),
	})
	return frame
}

// signalValue sweeps between 20 and 120 with a 20 second period.
func (s *simulator) signalValue(now time.Time) float64 {
	phase := now.Sub(s.start).Seconds() / 20 * 2 * math.Pi
	return math.Round((70+50*math.Sin(phase))*10) / 10
}

type wsFrameConn struct{ c *websocket.Conn }

func (w wsFrameConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w wsFrameConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

// ServeHTTP accepts a WebSocket link session.
func (s *simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("sim: accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	s.logger.Info("sim: link connected", "remote", r.RemoteAddr)
	err = s.session(r.Context(), wsFrameConn{c})
	s.logger.Info("sim: link disconnected", "remote", r.RemoteAddr, "reason", err)
	c.Close(websocket.StatusNormalClosure, "")
}

type grpcFrameConn struct{ stream grpc.ServerStream }

func (g grpcFrameConn) Read(_ context.Context) ([]byte, error) {
	return transport.RecvFrame(g.stream)
}

func (g grpcFrameConn) Write(_ context.Context, frame []byte) error {
	return transport.SendFrame(g.stream, frame)
}

// Stream serves the telemetry bidi stream.
func (s *simulator) Stream(stream grpc.ServerStream) error {
	s.logger.Info("sim: grpc link connected")
	err := s.session(stream.Context(), grpcFrameConn{stream})
	s.logger.Info("sim: grpc link disconnected", "reason", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSimulator(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sim := newSimulator(cfg.Simulator, log)

	wsListener, err := net.Listen("tcp", cfg.Simulator.Addr)
	if err != nil {
		return fmt.Errorf("sim listen: %w", err)
	}
	var grpcListener net.Listener
	if cfg.Simulator.GRPCAddr != "" {
		grpcListener, err = net.Listen("tcp", cfg.Simulator.GRPCAddr)
		if err != nil {
			wsListener.Close()
			return fmt.Errorf("sim grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", sim)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	log.Info("sim: websocket listening", "addr", wsListener.Addr().String(), "path", "/ws")
	g.Go(func() error {
		if err := httpSrv.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if grpcListener != nil {
		grpcSrv := grpc.NewServer()
		transport.RegisterTelemetryServer(grpcSrv, sim)
		log.Info("sim: grpc listening", "addr", grpcListener.Addr().String(), "method", transport.TelemetryStreamMethod)
		g.Go(func() error {
			return grpcSrv.Serve(grpcListener)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.Stop()
			return nil
		})
	}

	if cfg.Transport.Discovery.MDNS {
		_, portStr, _ := net.SplitHostPort(wsListener.Addr().String())
		port, _ := strconv.Atoi(portStr)
		g.Go(func() error {
			return advertise(gctx, cfg.Transport.Discovery, "m2dash-sim", port, []string{"path=/ws", "proto=ws"}, log)
		})
	}

	return g.Wait()
}
