// Package main — cmd/fusion/main.go
//
// Fusion server entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/fustor/fusion.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Build the consistency core: clock, session manager, tree,
//     arbitrator, audit/sentinel coordinators, ingest admission gate.
//  4. Register every configured pipe with the session manager.
//  5. Start the Prometheus metrics server.
//  6. Start the session expiry sweep ticker.
//  7. Start the HTTP API server.
//  8. Register SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. The HTTP server starts a graceful shutdown (10s limit); main does
//     not wait for in-flight requests to drain before returning.
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fustor/fustor/internal/arbitration"
	"github.com/fustor/fustor/internal/audit"
	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/config"
	"github.com/fustor/fustor/internal/fusionapi"
	"github.com/fustor/fustor/internal/observability"
	"github.com/fustor/fustor/internal/ratelimit"
	"github.com/fustor/fustor/internal/sentinel"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/tree"
)

func main() {
	configPath := flag.String("config", "/etc/fustor/fusion.yaml", "Path to fusion.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("fusion %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadFusion(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("fusion starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New(cfg.Clock.TrustWindow, cfg.Clock.RingSize)
	sessions := session.NewManager()
	tr := tree.New()
	arb := arbitration.New(arbitration.Config{
		HotWindow:    cfg.Arbitration.HotWindow,
		SuspectTTL:   cfg.Arbitration.SuspectTTL,
		TombstoneTTL: cfg.Arbitration.TombstoneTTL,
		TrustWindow:  cfg.Clock.TrustWindow,
	}, tr, clk, sessions)
	auditCoord := audit.New(arb, sessions)
	sentCoord := sentinel.New(arb, sessions)
	admission := ratelimit.NewAdmission(cfg.Ingest.QueueCapacity)
	metrics := observability.NewMetrics()

	for _, p := range cfg.Pipes {
		if !p.Enabled {
			continue
		}
		sessions.RegisterPipe(session.PipeConfig{
			PipeID:            p.PipeID,
			APIKey:            p.APIKey,
			Enabled:           p.Enabled,
			HeartbeatInterval: p.HeartbeatInterval,
			LeaderTimeout:     p.LeaderTimeout,
		})
		log.Info("pipe registered", zap.String("pipe_id", p.PipeID))
	}

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	sweepInterval := cfg.Session.ExpireSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 2 * time.Second
	}
	go runExpireSweep(ctx, sessions, sweepInterval)

	apiSrv := fusionapi.New(fusionapi.Config{
		ListenAddr:     cfg.HTTP.ListenAddr,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Sessions:       sessions,
		Arb:            arb,
		Audit:          auditCoord,
		Sentinel:       sentCoord,
		Tree:           tr,
		Metrics:        metrics,
		Admission:      admission,
		Log:            log,
	})
	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- apiSrv.Run(ctx) }()
	log.Info("http api server started", zap.String("addr", cfg.HTTP.ListenAddr))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.LoadFusion(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded values are only logged; the running
			// components keep the config they were started with.
			log.Info("config hot-reload successful",
				zap.Duration("new_hot_window", newCfg.Arbitration.HotWindow),
				zap.Duration("new_suspect_ttl", newCfg.Arbitration.SuspectTTL))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-srvErrCh:
		if err != nil {
			log.Error("http api server exited", zap.Error(err))
		}
	}

	cancel()
	log.Info("fusion shutdown complete")
}

func runExpireSweep(ctx context.Context, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.ExpireSweep()
		}
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
