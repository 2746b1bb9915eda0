//go:build !mdns

package main

import (
	"context"
	"log/slog"

	"m2dash/internal/adapter/transport"
	"m2dash/internal/infra/config"
)

func buildResolver(_ config.DiscoveryConfig, _ *slog.Logger) transport.Resolver {
	return transport.NewNoopResolver()
}

func advertise(ctx context.Context, _ config.DiscoveryConfig, _ string, _ int, _ []string, logger *slog.Logger) error {
	logger.Warn("mdns advertising requested but binary built without the mdns tag")
	<-ctx.Done()
	return nil
}
