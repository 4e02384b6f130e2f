package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/threadvault/internal/config"
	"github.com/jkaninda/threadvault/internal/gateway/httpapi"
	"github.com/jkaninda/threadvault/internal/gateway/ws"
	"github.com/jkaninda/threadvault/internal/ratelimit"
	"github.com/jkaninda/threadvault/internal/scheduler"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP store API and WebSocket stream ingestion",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `threadvault --config path` and `threadvault serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	// Apply CLI overrides.
	if serveAddr != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateway.HTTP.ListenAddr = serveAddr
	}

	logger.Info("starting threadvault", slog.String("config", path), slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// WebSocket stream ingestion (optional).
	var wsServer *ws.Server
	if wsCfg := cfg.Gateway.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer = ws.NewServer(sc.Registry, wsCfg, sc.Obs.MetricsOrNil(), logger)
		logger.Debug("websocket server initialized", slog.String("path", wsCfg.WSPath()))
	}

	httpCfg := cfg.Gateway.HTTP
	var limiter *ratelimit.Limiter
	if httpCfg != nil {
		if rl := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		}); !rl.Unlimited() {
			limiter = rl
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		MaxRequestSize: httpCfg.MaxRequestSize(),
	}
	if httpCfg != nil {
		gwCfg.EnableDocs = httpCfg.EnableDocs
		gwCfg.APIKeys = httpCfg.APIKeys
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		gwCfg.Metrics = sc.Obs.Metrics
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}
	if len(gwCfg.APIKeys) == 0 {
		logger.Warn("no API keys configured; the store API accepts unauthenticated requests")
	}

	httpGW := httpapi.NewGateway(gwCfg, sc.Store, limiter, logger)
	if wsServer != nil {
		httpGW.WithHandler(cfg.Gateway.WebSocket.WSPath(), wsServer.Handler())
		httpGW.WithRuns(wsServer.Runs())
	}

	// Scheduled maintenance (optional).
	if mCfg := cfg.Maintenance; mCfg != nil && mCfg.Enabled {
		cancelScheduler, err := startMaintenance(ctx, sc, mCfg, wsServer, limiter)
		if err != nil {
			return err
		}
		defer cancelScheduler()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpGW.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpGW.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// startMaintenance registers the housekeeping jobs and starts the scheduler.
func startMaintenance(ctx context.Context, sc *SharedComponents, mCfg *config.MaintenanceConfig, wsServer *ws.Server, limiter *ratelimit.Limiter) (func(), error) {
	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(schedMetrics, sc.Logger)

	jobs := []scheduler.Job{
		scheduler.EvictIdleJob("evict_idle_threads", sc.Registry, mCfg.Schedule(), mCfg.IdleTTL()),
	}
	if wsServer != nil {
		jobs = append(jobs, scheduler.EvictIdleJob("evict_finished_runs", wsServer.Runs(), mCfg.Schedule(), mCfg.IdleTTL()))
	}
	if limiter != nil {
		jobs = append(jobs, scheduler.EvictIdleJob("evict_idle_rate_buckets", limiter, mCfg.Schedule(), mCfg.IdleTTL()))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}

	sc.Logger.Debug("maintenance scheduler initialized",
		slog.String("schedule", mCfg.Schedule()),
		slog.String("idle_ttl", mCfg.IdleTTL().String()),
		slog.Int("jobs", len(jobs)),
	)
	return sched.Start(ctx), nil
}
