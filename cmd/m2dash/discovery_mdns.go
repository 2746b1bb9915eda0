//go:build mdns

package main

import (
	"context"
	"log/slog"

	"m2dash/internal/adapter/transport"
	"m2dash/internal/infra/config"
)

func buildResolver(cfg config.DiscoveryConfig, logger *slog.Logger) transport.Resolver {
	return transport.NewMDNSResolver(cfg.Service, cfg.Domain, cfg.Timeout, logger)
}

func advertise(ctx context.Context, cfg config.DiscoveryConfig, instance string, port int, txt []string, logger *slog.Logger) error {
	return transport.Advertise(ctx, instance, cfg.Service, cfg.Domain, port, txt, logger)
}
