// Agenthub is the session orchestration hub.
//
// It loads configuration, wires the session manager to the enabled
// adapters (local git, GitHub issues), optionally mirrors events to NATS and
// accepts commands from it, and serves the HTTP API until interrupted.
//
// Usage:
//
//	# Start with ~/.config/agenthub/config.yaml and the environment
//	agenthub
//
//	# Explicit config file
//	agenthub -config /etc/agenthub/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9191 GIT_ENABLED=true agenthub
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agenthub/internal/adapters/gitlocal"
	"github.com/fyrsmithlabs/agenthub/internal/adapters/tracker"
	"github.com/fyrsmithlabs/agenthub/internal/config"
	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/hooks"
	httpserver "github.com/fyrsmithlabs/agenthub/internal/http"
	"github.com/fyrsmithlabs/agenthub/internal/logging"
	"github.com/fyrsmithlabs/agenthub/internal/natsbus"
	"github.com/fyrsmithlabs/agenthub/internal/orchestrator"
	"github.com/fyrsmithlabs/agenthub/internal/ratelimit"
	"github.com/fyrsmithlabs/agenthub/internal/secrets"
	"github.com/fyrsmithlabs/agenthub/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  agenthub [-config FILE]   Start the hub\n")
			fmt.Fprintf(os.Stderr, "  agenthub version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("agenthub: %v", err)
	}
}

func printVersion() {
	fmt.Printf("agenthub by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds the hub from configuration and serves until ctx is cancelled,
// then shuts down in reverse dependency order: HTTP, NATS intake, the
// session manager, the NATS connection and telemetry.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	deps, err := initDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()
	logger := deps.logger

	logger.Info(ctx, "starting agenthub",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("nats", deps.nc != nil),
		zap.Int("adapters", len(deps.adapters)))

	mgr := orchestrator.NewManager(orchestrator.Options{
		Adapters:         deps.adapters,
		DefaultProfile:   cfg.Policy,
		GlobalLimits:     cfg.RateLimits,
		Limiter:          ratelimit.New(),
		Hooks:            deps.hooks,
		Scrubber:         deps.scrubber,
		Sink:             deps.sink,
		Logger:           logger.Named("orchestrator").Underlying(),
		Tracer:           deps.telemetry.Tracer("agenthub/orchestrator"),
		Metrics:          orchestrator.NewMetrics(),
		SubscriberBuffer: cfg.Sessions.SubscriberBuffer,
		Retention:        cfg.Sessions.Retention.Duration(),
	})

	var intake *natsbus.Intake
	if deps.nc != nil && cfg.NATS.AcceptCommands {
		intake = natsbus.NewIntake(deps.nc, cfg.NATS.SubjectPrefix, mgr, logger.Named("natsbus").Underlying())
		if err := intake.Start(); err != nil {
			_ = mgr.Close(context.Background())
			return err
		}
	}

	srv, err := httpserver.NewServer(mgr, logger.Named("http").Underlying(),
		&httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		httpserver.WithGatherer(prometheus.DefaultGatherer),
		httpserver.WithMeterProvider(deps.telemetry.MeterProvider()),
		httpserver.WithTelemetry(deps.telemetry))
	if err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error(context.Background(), "http server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if intake != nil {
		if err := intake.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("nats intake: %w", err))
		}
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session manager: %w", err))
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	logger.Info(context.Background(), "agenthub stopped")
	return errors.Join(errs...)
}

// dependencies holds everything the session manager is built from.
type dependencies struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	hooks     *hooks.HookManager
	scrubber  secrets.Scrubber
	adapters  []orchestrator.Adapter
	nc        *nats.Conn
	sink      eventlog.Sink
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.nc != nil {
		if err := d.nc.Drain(); err != nil {
			d.logger.Warn(ctx, "nats drain failed", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = d.logger.Sync()
}

// initDependencies builds logging, telemetry, hooks, the artifact scrubber,
// the enabled adapters and the NATS connection. On error everything built
// so far is released.
func initDependencies(ctx context.Context, cfg *config.Config) (d *dependencies, err error) {
	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	d = &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("observability", telCfg); err != nil {
		return d, err
	}
	d.telemetry, err = telemetry.New(ctx, telCfg, telemetry.WithLogger(logger.Named("telemetry").Underlying()))
	if err != nil {
		return d, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if logCfg.Output.OTEL {
		if lp := d.telemetry.LoggerProvider(); lp != nil {
			if d.logger, err = logging.NewLogger(logCfg, lp); err != nil {
				return d, fmt.Errorf("failed to initialize logger: %w", err)
			}
		}
	}

	hooksCfg := hooks.DefaultConfig()
	if err := cfg.Section("hooks", hooksCfg); err != nil {
		return d, err
	}
	if err := hooksCfg.Validate(); err != nil {
		return d, err
	}
	d.hooks = hooks.NewHookManager(hooksCfg)
	hookLogger := d.logger.Named("hooks").Underlying()
	for _, h := range []hooks.HookType{hooks.HookSessionStart, hooks.HookSessionEnd, hooks.HookStatusChanged} {
		d.hooks.RegisterHandler(h, hooks.LogHandler(hookLogger, h))
	}

	secretsCfg := secrets.DefaultConfig()
	if err := cfg.Section("secrets", secretsCfg); err != nil {
		return d, err
	}
	if d.scrubber, err = secrets.New(secretsCfg); err != nil {
		return d, fmt.Errorf("failed to initialize secret scrubber: %w", err)
	}

	if d.adapters, err = initAdapters(ctx, cfg, d.logger); err != nil {
		return d, err
	}
	if err := orchestrator.CheckProfile(cfg.Policy, d.adapters); err != nil {
		return d, fmt.Errorf("default policy: %w", err)
	}

	if cfg.NATS.Enabled {
		d.nc, err = natsbus.Connect(cfg.NATS, d.logger.Named("natsbus").Underlying())
		if err != nil {
			return d, err
		}
		if cfg.NATS.MirrorEvents {
			d.sink = natsbus.NewMirror(d.nc, cfg.NATS.SubjectPrefix, nil)
		}
	}
	return d, nil
}

func initAdapters(ctx context.Context, cfg *config.Config, logger *logging.Logger) ([]orchestrator.Adapter, error) {
	var adapters []orchestrator.Adapter
	if cfg.Git.Enabled {
		adapters = append(adapters, gitlocal.New(cfg.Git,
			gitlocal.WithLogger(logger.Named("gitlocal").Underlying())))
	}
	if cfg.GitHub.Enabled {
		a, err := tracker.New(ctx, cfg.GitHub,
			tracker.WithLogger(logger.Named("tracker").Underlying()))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize github tracker: %w", err)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
