package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLink(cfg, ve)
	validateTransport(cfg, ve)
	validateAPI(cfg, ve)
	validateSimulator(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLink(cfg *Config, ve *ValidationError) {
	hb := cfg.Link.Heartbeat
	if hb.Frequency <= 0 {
		ve.Add("link.heartbeat.frequency must be positive, got %s", hb.Frequency)
	}
	if hb.Timeout <= 0 {
		ve.Add("link.heartbeat.timeout must be positive, got %s", hb.Timeout)
	}
	if cfg.Link.ErrorReportRate < 0 {
		ve.Add("link.error_report_rate must not be negative")
	}
	if cfg.Link.ErrorReportBurst < 0 {
		ve.Add("link.error_report_burst must not be negative")
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	switch t.Kind {
	case "websocket":
		if t.URL == "" && !t.Discovery.MDNS {
			ve.Add("transport.url is required for the websocket transport")
			break
		}
		if t.URL != "" {
			u, err := url.Parse(t.URL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				ve.Add("transport.url %q must be a ws:// or wss:// URL", t.URL)
			}
		}
	case "grpc":
		if t.GRPCTarget == "" && !t.Discovery.MDNS {
			ve.Add("transport.grpc_target is required for the grpc transport")
		}
		if !strings.HasPrefix(t.GRPCMethod, "/") {
			ve.Add("transport.grpc_method %q must be a full method name like /pkg.Service/Method", t.GRPCMethod)
		}
	default:
		ve.Add("transport.kind %q is not supported (want websocket or grpc)", t.Kind)
	}
	if t.DialTimeout <= 0 {
		ve.Add("transport.dial_timeout must be positive")
	}
	if t.FrameBuffer < 1 {
		ve.Add("transport.frame_buffer must be at least 1")
	}
	if t.Backoff.Initial <= 0 || t.Backoff.Max < t.Backoff.Initial {
		ve.Add("transport.backoff requires 0 < initial <= max")
	}
	if t.Breaker.MaxFailures == 0 {
		ve.Add("transport.breaker.max_failures must be at least 1")
	}
	if t.Discovery.MDNS && t.Discovery.Service == "" {
		ve.Add("transport.discovery.service is required when mdns is enabled")
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	if !cfg.API.Enabled {
		return
	}
	if cfg.API.Addr == "" {
		ve.Add("api.addr is required when api is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.API.Addr); err != nil {
		ve.Add("api.addr %q is not a valid host:port", cfg.API.Addr)
	}
	if cfg.API.RequestsPerMin < 0 || cfg.API.BurstSize < 0 {
		ve.Add("api.requests_per_min and api.burst_size must not be negative")
	}
	if cfg.API.RequestsPerMin > 0 && cfg.API.BurstSize == 0 {
		ve.Add("api.burst_size must be positive when api.requests_per_min is set")
	}
}

func validateSimulator(cfg *Config, ve *ValidationError) {
	s := cfg.Simulator
	if s.Addr != "" {
		if _, _, err := net.SplitHostPort(s.Addr); err != nil {
			ve.Add("simulator.addr %q is not a valid host:port", s.Addr)
		}
	}
	if s.GRPCAddr != "" {
		if _, _, err := net.SplitHostPort(s.GRPCAddr); err != nil {
			ve.Add("simulator.grpc_addr %q is not a valid host:port", s.GRPCAddr)
		}
	}
	if s.StatusInterval <= 0 {
		ve.Add("simulator.status_interval must be positive")
	}
	if s.SignalInterval < 0 {
		ve.Add("simulator.signal_interval must not be negative")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
	if cfg.Logger.MaxSizeMB < 0 || cfg.Logger.MaxBackups < 0 || cfg.Logger.MaxAgeDays < 0 {
		ve.Add("logger rotation limits must not be negative")
	}
}
