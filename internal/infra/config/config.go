package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"m2dash/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Link      LinkConfig      `yaml:"link"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LinkConfig holds the communication core settings.
type LinkConfig struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	// ClearOverrideOnReconnect drops a manual online/offline override when
	// the heartbeat goes from disconnected to connected.
	ClearOverrideOnReconnect bool    `yaml:"clear_override_on_reconnect"`
	ErrorReportRate          float64 `yaml:"error_report_rate"` // malformed frame reports per second
	ErrorReportBurst         int     `yaml:"error_report_burst"`
}

// HeartbeatConfig holds the ping period and the pong timeout.
type HeartbeatConfig struct {
	Frequency time.Duration `yaml:"frequency"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TransportConfig selects and tunes the channel to the telemetry source.
type TransportConfig struct {
	Kind        string          `yaml:"kind"` // "websocket" or "grpc"
	URL         string          `yaml:"url"`  // websocket endpoint, e.g. ws://m2.local:8765/ws
	GRPCTarget  string          `yaml:"grpc_target"`
	GRPCMethod  string          `yaml:"grpc_method"`
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	FrameBuffer int             `yaml:"frame_buffer"`
	Backoff     BackoffConfig   `yaml:"backoff"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
}

// BackoffConfig holds the redial backoff bounds.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// BreakerConfig holds the dial circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DiscoveryConfig holds mDNS discovery settings.
// NOTE: mDNS also requires the binary to be built with the "mdns" build tag.
// Without it the noop resolver is used and the configured URL/target wins.
type DiscoveryConfig struct {
	MDNS    bool          `yaml:"mdns"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig holds the operator HTTP API settings.
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// SimulatorConfig holds settings for the stand-in telemetry source.
type SimulatorConfig struct {
	Addr           string        `yaml:"addr"`
	GRPCAddr       string        `yaml:"grpc_addr,omitempty"` // empty disables the gRPC listener
	StatusInterval time.Duration `yaml:"status_interval"`
	SignalInterval time.Duration `yaml:"signal_interval"`
	SignalEvent    string        `yaml:"signal_event"`
	AnswerPings    bool          `yaml:"answer_pings"`
}

// LoggerConfig holds logging settings. File outputs rotate by size.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultGRPCMethod is the bidi stream method the gRPC transport opens.
const DefaultGRPCMethod = "/m2.Telemetry/Stream"

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Link: LinkConfig{
			Heartbeat: HeartbeatConfig{
				Frequency: time.Second,
				Timeout:   3 * time.Second,
			},
			ErrorReportRate:  1,
			ErrorReportBurst: 5,
		},
		Transport: TransportConfig{
			Kind:        "websocket",
			URL:         "ws://127.0.0.1:8765/ws",
			GRPCTarget:  "127.0.0.1:8766",
			GRPCMethod:  DefaultGRPCMethod,
			DialTimeout: 5 * time.Second,
			FrameBuffer: 256,
			Backoff: BackoffConfig{
				Initial: 250 * time.Millisecond,
				Max:     10 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
			Discovery: DiscoveryConfig{
				Service: "_m2telemetry._tcp",
				Domain:  "local.",
				Timeout: 3 * time.Second,
			},
		},
		API: APIConfig{
			Enabled:        true,
			Addr:           "127.0.0.1:8080",
			RequestsPerMin: 600,
			BurstSize:      60,
		},
		Simulator: SimulatorConfig{
			Addr:           "127.0.0.1:8765",
			StatusInterval: time.Second,
			SignalInterval: 500 * time.Millisecond,
			SignalEvent:    "speed",
			AnswerPings:    true,
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse config: "+err.Error())
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse config (second pass): "+err.Error())
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps M2DASH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envDuration("M2DASH_HEARTBEAT_FREQUENCY"); ok {
		cfg.Link.Heartbeat.Frequency = v
	}
	if v, ok := envDuration("M2DASH_HEARTBEAT_TIMEOUT"); ok {
		cfg.Link.Heartbeat.Timeout = v
	}
	if v := os.Getenv("M2DASH_CLEAR_OVERRIDE_ON_RECONNECT"); v != "" {
		cfg.Link.ClearOverrideOnReconnect = parseBool(v)
	}
	if v := os.Getenv("M2DASH_TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("M2DASH_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("M2DASH_GRPC_TARGET"); v != "" {
		cfg.Transport.GRPCTarget = v
	}
	if v := os.Getenv("M2DASH_MDNS"); v != "" {
		cfg.Transport.Discovery.MDNS = parseBool(v)
	}
	if v := os.Getenv("M2DASH_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("M2DASH_API_ENABLED"); v != "" {
		cfg.API.Enabled = parseBool(v)
	}
	if v := os.Getenv("M2DASH_API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("M2DASH_SIM_ADDR"); v != "" {
		cfg.Simulator.Addr = v
	}
	if v := os.Getenv("M2DASH_SIM_GRPC_ADDR"); v != "" {
		cfg.Simulator.GRPCAddr = v
	}
	if v := os.Getenv("M2DASH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("M2DASH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("M2DASH_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("M2DASH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("M2DASH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are milliseconds.
		ms, nerr := strconv.Atoi(v)
		if nerr != nil {
			return 0, false
		}
		d = time.Duration(ms) * time.Millisecond
	}
	return d, true
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file is not writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
