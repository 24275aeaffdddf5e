// Package main — cmd/agent/main.go
//
// Agent daemon entrypoint for the "fs" schema driver.
//
// Startup sequence:
//  1. Load and validate config from /etc/fustor/agent.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the local bbolt acceleration cache.
//  4. Start the Prometheus metrics server.
//  5. Start the realtime inotify watcher ("message-first" policy: the
//     Pipe enters MESSAGE before any snapshot walk begins).
//  6. Create the Fusion session and begin consuming the realtime stream.
//  7. Launch the snapshot walk overlay.
//  8. Launch the audit-cycle and sentinel-poll tickers.
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown (drain, then close).
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

	"github.com/fustor/fustor/internal/agentcache"
	"github.com/fustor/fustor/internal/config"
	"github.com/fustor/fustor/internal/observability"
	"github.com/fustor/fustor/internal/pipe"
	"github.com/fustor/fustor/internal/sender"
	"github.com/fustor/fustor/internal/watcher"
	"github.com/fustor/fustor/internal/wire"
)

// defaultHeartbeatInterval is the Agent's heartbeat cadence. Unlike the
// timing knobs in AgentConfig, this is not operator-tunable: it must stay
// well under Fusion's configured leader_timeout for every pipe, and
// guessing a value that outlives a slow config round-trip is worse than
// a conservative fixed cadence.
const defaultHeartbeatInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "/etc/fustor/agent.yaml", "Path to agent.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("agent %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadAgent(*configPath)
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

	log.Info("agent starting",
		zap.String("version", config.Version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("pipe_id", cfg.PipeID),
		zap.String("watch_root", cfg.WatchRoot),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := agentcache.Open(cfg.CachePath)
	if err != nil {
		log.Fatal("agent cache open failed", zap.Error(err), zap.String("path", cfg.CachePath))
	}
	defer cache.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	w := watcher.New(cfg.WatchRoot, cfg.AgentID, cfg.WatchLimit)
	realtimeEvents, watchErrs, err := w.Start(ctx)
	if err != nil {
		log.Fatal("watcher start failed", zap.Error(err))
	}
	go func() {
		for err := range watchErrs {
			log.Warn("watcher error", zap.Error(err))
		}
	}()
	metrics.WatchCount.Set(float64(w.WatchCount()))

	snd := sender.New(sender.Config{
		BaseURL: cfg.FusionBaseURL,
		APIKey:  cfg.APIKey,
		PipeID:  cfg.PipeID,
		AgentID: cfg.AgentID,
	})

	p := pipe.New(pipe.Config{
		PipeID:  cfg.PipeID,
		AgentID: cfg.AgentID,
		Batch:   pipe.BatchConfig{Size: cfg.Batch.Size, IntervalMS: cfg.Batch.IntervalMS},
		Backoff: pipe.BackoffConfig{Base: cfg.Backoff.Base, Cap: cfg.Backoff.Cap, MaxAttempts: cfg.Backoff.MaxAttempts},
	}, snd)

	if err := p.Start(ctx); err != nil {
		log.Fatal("initial session creation failed", zap.Error(err))
	}
	log.Info("session established", zap.String("state", p.State().String()))

	go runRealtimeLoop(ctx, snd, realtimeEvents, metrics, log)
	go runHeartbeatLoop(ctx, snd, log)
	go runSnapshot(ctx, p, snd, w, cfg.WatchRoot, metrics, log)
	go runAuditLoop(ctx, p, snd, w, cache, cfg, log)
	go runSentinelLoop(ctx, snd, w, cfg.SentinelPollInterval, log)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			if _, err := config.LoadAgent(*configPath); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			p.MarkConfOutdated()
			log.Info("config hot-reload validated; pipe marked CONF_OUTDATED, running components keep the startup config")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := p.Drain(drainCtx, nil); err != nil {
		log.Warn("drain did not complete cleanly", zap.Error(err))
	}
	cancel()
	log.Info("agent shutdown complete")
}

func runRealtimeLoop(ctx context.Context, snd *sender.Sender, events <-chan wire.Event, metrics *observability.Metrics, log *zap.Logger) {
	batches := pipe.Batcher(ctx, events, pipe.BatchConfig{})
	for batch := range batches {
		metrics.BatchSize.Observe(float64(len(batch)))
		start := time.Now()
		if _, err := snd.SendBatch(ctx, batch, wire.SourceRealtime); err != nil {
			log.Warn("realtime batch send failed", zap.Error(err), zap.Int("size", len(batch)))
			continue
		}
		metrics.SendLatencySeconds.Observe(time.Since(start).Seconds())
	}
}

func runHeartbeatLoop(ctx context.Context, snd *sender.Sender, log *zap.Logger) {
	ticker := time.NewTicker(defaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := snd.Heartbeat(ctx); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func runSnapshot(ctx context.Context, p *pipe.Pipe, snd *sender.Sender, w *watcher.Watcher, root string, metrics *observability.Metrics, log *zap.Logger) {
	p.BeginSnapshot()
	defer p.EndSnapshot()

	events := w.SnapshotWalk(ctx, root)
	batches := pipe.Batcher(ctx, events, pipe.BatchConfig{})
	var total int
	for batch := range batches {
		if _, err := snd.SendBatch(ctx, batch, wire.SourceSnapshot); err != nil {
			log.Warn("snapshot batch send failed", zap.Error(err))
			continue
		}
		total += len(batch)
	}
	log.Info("snapshot walk complete", zap.Int("events", total))
}

func runAuditLoop(ctx context.Context, p *pipe.Pipe, snd *sender.Sender, w *watcher.Watcher, cache *agentcache.Cache, cfg *config.AgentConfig, log *zap.Logger) {
	interval := cfg.AuditInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOneAudit(ctx, p, snd, w, cache, cfg.WatchRoot, log)
		}
	}
}

func runOneAudit(ctx context.Context, p *pipe.Pipe, snd *sender.Sender, w *watcher.Watcher, cache *agentcache.Cache, root string, log *zap.Logger) {
	if err := p.BeginAudit(ctx); err != nil {
		log.Warn("audit_start failed", zap.Error(err))
		return
	}
	events := w.AuditWalk(ctx, root, cache)
	batches := pipe.Batcher(ctx, events, pipe.BatchConfig{})
	var total int
	for batch := range batches {
		if _, err := snd.SendBatch(ctx, batch, wire.SourceAudit); err != nil {
			log.Warn("audit batch send failed", zap.Error(err))
			continue
		}
		total += len(batch)
	}
	if err := p.EndAudit(ctx); err != nil {
		log.Warn("audit_end failed", zap.Error(err))
	}
	log.Info("audit cycle complete", zap.Int("events", total))
}

func runSentinelLoop(ctx context.Context, snd *sender.Sender, w *watcher.Watcher, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := snd.SentinelTasks(ctx)
			if err != nil {
				log.Warn("sentinel task fetch failed", zap.Error(err))
				continue
			}
			for _, t := range resp.Tasks {
				mtime, size, exists := w.Stat(t.Path)
				if err := snd.SentinelFeedback(ctx, t.Path, mtime, size, exists); err != nil {
					log.Warn("sentinel feedback failed", zap.Error(err), zap.String("path", t.Path))
				}
			}
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
