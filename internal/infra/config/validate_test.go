package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func expectValidationError(t *testing.T, cfg *Config, substr string) {
	t.Helper()
	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(ve.Error(), substr) {
		t.Errorf("error %q does not mention %q", ve.Error(), substr)
	}
}

func TestValidateHeartbeatFrequency(t *testing.T) {
	cfg := Defaults()
	cfg.Link.Heartbeat.Frequency = 0
	expectValidationError(t, cfg, "link.heartbeat.frequency")
}

func TestValidateHeartbeatTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Link.Heartbeat.Timeout = -time.Second
	expectValidationError(t, cfg, "link.heartbeat.timeout")
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Link.Heartbeat.Frequency = 0
	cfg.Transport.Kind = "carrier-pigeon"
	cfg.API.Addr = "no-port"

	var ve *ValidationError
	if !errors.As(Validate(cfg), &ve) {
		t.Fatal("expected ValidationError")
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateTransportURLScheme(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.URL = "http://m2.local/ws"
	expectValidationError(t, cfg, "ws:// or wss://")
}

func TestValidateTransportURLOptionalWithMDNS(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.URL = ""
	cfg.Transport.Discovery.MDNS = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("mdns without url should validate: %v", err)
	}
}

func TestValidateGRPCMethod(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Kind = "grpc"
	cfg.Transport.GRPCMethod = "Stream"
	expectValidationError(t, cfg, "transport.grpc_method")
}

func TestValidateBackoff(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Backoff.Max = cfg.Transport.Backoff.Initial / 2
	expectValidationError(t, cfg, "transport.backoff")
}

func TestValidateBreaker(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Breaker.MaxFailures = 0
	expectValidationError(t, cfg, "transport.breaker.max_failures")
}

func TestValidateAPIDisabledSkipsAddr(t *testing.T) {
	cfg := Defaults()
	cfg.API.Enabled = false
	cfg.API.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled api should not require addr: %v", err)
	}
}

func TestValidateAPIBadHostPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Addr = "localhost"
	expectValidationError(t, cfg, "api.addr")
}

func TestValidateAPIRateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.API.BurstSize = 0
	expectValidationError(t, cfg, "api.burst_size")
}

func TestValidateSimulatorInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Simulator.StatusInterval = 0
	expectValidationError(t, cfg, "simulator.status_interval")
}

func TestValidateLoggerLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "loud"
	expectValidationError(t, cfg, "logger.level")
}
