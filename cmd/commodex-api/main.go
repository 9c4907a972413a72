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

	"commodex/internal/api"
	"commodex/internal/auth"
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
	cfg, err := config.LoadAPIFromEnv()
	logger := logging.Must(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig, logger *zap.Logger) error {
	l, err := ledger.Open(ctx, cfg.Ledger.Backend, cfg.Ledger.DatabaseURL, cfg.Ledger.RedisURL)
	if err != nil {
		return err
	}
	defer l.Close()
	logger.Info("ledger ready", zap.String("backend", cfg.Ledger.Backend))

	m := metrics.New()
	hub := api.NewHub(logger.Named("hub"), m, cfg.AllowOrigins)

	var notifier game.Notifier = hub
	var relay *redis.Client
	origin := "api-" + uuid.NewString()
	if cfg.RelayEvents {
		opts, err := redis.ParseURL(cfg.Ledger.RedisURL)
		if err != nil {
			return err
		}
		relay = redis.NewClient(opts)
		defer relay.Close()
		notifier = game.MultiNotifier{hub, notify.NewPublisher(relay, notify.DefaultChannel, origin, logger.Named("relay"))}
	}

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
	scheduler := game.NewScheduler(policy, svc)
	global := scheduler
	if policy.Name() != game.PolicyGlobal {
		global = game.NewScheduler(game.NewGlobalScored(svc, cfg.Settlement.GlobalEvery), svc)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	server := api.New(cfg, logger.Named("http"), verifier, svc, hub, global, m)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("commodex api listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Settlement.Enabled {
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	if relay != nil {
		sub := notify.NewSubscriber(relay, notify.DefaultChannel, origin, hub, svc, logger.Named("relay"))
		g.Go(func() error { return sub.Run(gctx) })
	}
	return g.Wait()
}
