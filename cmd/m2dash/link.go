package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"m2dash/internal/adapter/api"
	"m2dash/internal/adapter/transport"
	"m2dash/internal/adapter/tui/monitor"
	"m2dash/internal/domain"
	"m2dash/internal/infra/config"
	"m2dash/internal/usecase/heartbeat"
	"m2dash/internal/usecase/link"
)

// app is the wired core: the channel to the telemetry source and the
// link on top of it.
type app struct {
	channel  *transport.Channel
	link     *link.Link
	endpoint string
}

// buildDialer picks the transport from the config. When discovery is on,
// a resolved endpoint replaces the configured URL or target.
func buildDialer(ctx context.Context, cfg config.TransportConfig, resolver transport.Resolver, log *slog.Logger) (transport.Dialer, error) {
	url, target := cfg.URL, cfg.GRPCTarget
	if cfg.Discovery.MDNS {
		ep, err := resolver.Resolve(ctx)
		switch {
		case err == nil:
			log.Info("telemetry source discovered", "instance", ep.Instance, "address", ep.Address())
			url, target = ep.WebSocketURL(), ep.Address()
		case url == "" && target == "":
			return nil, fmt.Errorf("discovery: %w", err)
		default:
			log.Warn("discovery failed, using configured endpoint", "error", err)
		}
	}

	switch cfg.Kind {
	case "grpc":
		if target == "" {
			return nil, domain.NewDomainError("buildDialer", domain.ErrInvalidInput, "grpc target is empty")
		}
		return transport.NewGRPCDialer(target, cfg.GRPCMethod), nil
	case "websocket", "":
		if url == "" {
			return nil, domain.NewDomainError("buildDialer", domain.ErrInvalidInput, "websocket url is empty")
		}
		return transport.NewWebSocketDialer(url), nil
	default:
		return nil, domain.NewDomainError("buildDialer", domain.ErrInvalidInput, "unknown transport kind "+cfg.Kind)
	}
}

func transportOptions(cfg config.TransportConfig) transport.Options {
	return transport.Options{
		FrameBuffer:    cfg.FrameBuffer,
		DialTimeout:    cfg.DialTimeout,
		BackoffInitial: cfg.Backoff.Initial,
		BackoffMax:     cfg.Backoff.Max,
		MaxFailures:    cfg.Breaker.MaxFailures,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
	}
}

func linkConfig(cfg config.LinkConfig) link.Config {
	return link.Config{
		Heartbeat: heartbeat.Config{
			Frequency: cfg.Heartbeat.Frequency,
			Timeout:   cfg.Heartbeat.Timeout,
		},
		ClearOverrideOnReconnect: cfg.ClearOverrideOnReconnect,
		ReportRate:               cfg.ErrorReportRate,
		ReportBurst:              cfg.ErrorReportBurst,
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	resolver := buildResolver(cfg.Transport.Discovery, log)
	dialer, err := buildDialer(ctx, cfg.Transport, resolver, log)
	if err != nil {
		return nil, err
	}

	ch := transport.NewChannel(dialer, transportOptions(cfg.Transport), log)
	l, err := link.New(ch, linkConfig(cfg.Link), log)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("link: %w", err)
	}
	return &app{channel: ch, link: l, endpoint: dialer.Endpoint()}, nil
}

// serve runs the channel, the link and (when enabled) the API until ctx is
// done or one of them fails. extra runs alongside and its return stops the
// rest.
func (rt *app) serve(ctx context.Context, cfg *config.Config, log *slog.Logger, extra func(context.Context) error) error {
	defer func() {
		rt.link.Close()
		_ = rt.channel.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.channel.Run(gctx)
	})
	g.Go(func() error {
		err := rt.link.Run(gctx)
		if gctx.Err() != nil || errors.Is(err, domain.ErrTransportClosed) {
			return nil
		}
		return err
	})

	if cfg.API.Enabled {
		srv := api.NewServer(rt.link, api.Options{
			Addr:           cfg.API.Addr,
			AllowedOrigins: cfg.API.AllowedOrigins,
			RequestsPerMin: cfg.API.RequestsPerMin,
			BurstSize:      cfg.API.BurstSize,
			TrustedProxies: cfg.API.TrustedProxies,
		}, log)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	if extra != nil {
		g.Go(func() error {
			if err := extra(gctx); err != nil {
				return err
			}
			return errStopped
		})
	}

	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var errStopped = errors.New("stopped")

func runLink(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	rt, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("m2dash starting", "version", version, "endpoint", rt.endpoint)
	return rt.serve(ctx, cfg, log, nil)
}

func runMonitor(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	rt, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("m2dash monitor starting", "version", version, "endpoint", rt.endpoint)
	return rt.serve(ctx, cfg, log, func(ctx context.Context) error {
		return monitor.Run(ctx, rt.link, rt.endpoint)
	})
}
