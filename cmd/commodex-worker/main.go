package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commodex/internal/config"
	"commodex/internal/game"
	"commodex/internal/ledger"
	"commodex/internal/logging"
	"commodex/internal/metrics"
	"commodex/internal/notify"
	"commodex/internal/state"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadWorkerFromEnv()
	logger := logging.Must(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.WorkerConfig, logger *zap.Logger) error {
	l, err := ledger.Open(ctx, cfg.Ledger.Backend, cfg.Ledger.DatabaseURL, cfg.Ledger.RedisURL)
	if err != nil {
		return err
	}
	defer l.Close()

	// Players are connected to the API processes; settlement events reach
	// them through the relay when Redis is configured.
	var notifier game.Notifier
	if cfg.Ledger.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Ledger.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		notifier = notify.NewPublisher(rdb, notify.DefaultChannel, "worker-"+uuid.NewString(), logger.Named("relay"))
	} else {
		logger.Warn("REDIS_URL not set, settlement events will not reach players")
	}

	m := metrics.New()
	svc := game.NewService(l, state.NewStore(),
		game.WithNotifier(notifier),
		game.WithMetrics(m),
		game.WithLogger(logger.Named("game")),
		game.WithRetryPolicy(cfg.Ledger.Retry),
		game.WithEconomy(cfg.Economy),
	)
	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	policy, err := game.NewPolicy(cfg.Settlement.Mode, svc, cfg.Settlement.Tick, cfg.Settlement.GlobalEvery)
	if err != nil {
		return err
	}
	scheduler := game.NewScheduler(policy, svc, game.ReloadBeforeRun(svc))

	if cfg.RunOnce {
		report, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("worker run-once completed",
			zap.String("policy", report.Policy),
			zap.Int("settled", report.Settled),
			zap.Int("failed", report.Failed),
		)
		return nil
	}

	logger.Info("worker started",
		zap.String("policy", policy.Name()),
		zap.Duration("tick", cfg.Settlement.Tick),
		zap.Duration("global_every", cfg.Settlement.GlobalEvery),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker shutdown")
	return nil
}
