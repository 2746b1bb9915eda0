package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"m2dash/internal/infra/config"
	"m2dash/internal/infra/logger"
	"m2dash/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "run":
		err = withApp(false, runLink)
	case "monitor":
		err = withApp(true, runMonitor)
	case "sim":
		err = withApp(false, runSimulator)
	case "version":
		fmt.Println("m2dash", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'm2dash --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`m2dash - M2 telemetry link

USAGE:
    m2dash [COMMAND] [FLAGS]

COMMANDS:
    run         Connect to the telemetry source and serve the operator API
    monitor     Connect and show the terminal monitor (API served alongside)
    sim         Run a stand-in telemetry source for local development
    version     Print the version

    (no command) - same as run

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./m2dash.yaml)

CONFIGURATION:
    Config file: ./m2dash.yaml (missing file means defaults)
    Environment: M2DASH_* variables override config, .env is loaded first

EXAMPLES:
    m2dash sim                                   # terminal 1
    m2dash monitor                               # terminal 2
    M2DASH_TRANSPORT_KIND=grpc m2dash run        # use the gRPC stream
    curl -X POST localhost:8080/api/v1/freeze    # hold inbound events`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("M2DASH_CONFIG"); p != "" {
		return p
	}
	return "m2dash.yaml"
}

// loadDotEnv reads .env into the environment. Variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// withApp loads config, sets up logging and tracing and runs fn until
// SIGINT or SIGTERM. A terminal UI owns stderr, so tui moves stderr logs
// to a file.
func withApp(tui bool, fn func(ctx context.Context, cfg *config.Config, log *slog.Logger) error) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if tui {
		cfg.Logger.Output = monitorLogOutput(cfg.Logger.Output)
		if cfg.Tracer.Exporter == "stdout" {
			cfg.Tracer.Enabled = false
		}
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	return fn(ctx, cfg, log)
}

// monitorLogOutput keeps file outputs and redirects terminal ones.
func monitorLogOutput(output string) string {
	switch strings.ToLower(output) {
	case "", "stderr", "stdout":
		return "m2dash.log"
	}
	return output
}
