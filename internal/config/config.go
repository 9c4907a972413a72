package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"commodex/internal/game"
	"commodex/internal/ledger"
)

const (
	LedgerMemory   = ledger.BackendMemory
	LedgerPostgres = ledger.BackendPostgres
	LedgerRedis    = ledger.BackendRedis
)

// LedgerConfig selects and locates the ledger backend.
type LedgerConfig struct {
	Backend     string
	DatabaseURL string
	RedisURL    string
	Retry       ledger.RetryPolicy
}

type SettlementConfig struct {
	Mode        string
	Tick        time.Duration
	GlobalEvery time.Duration
	// Enabled runs the scheduler inside the API process.
	Enabled bool
}

type APIConfig struct {
	Addr         string
	LogLevel     string
	JWTSecret    string
	JWTIssuer    string
	RelayEvents  bool
	Ledger       LedgerConfig
	Settlement   SettlementConfig
	Economy      game.Economy
	AllowOrigins []string
}

type WorkerConfig struct {
	LogLevel string
	RunOnce  bool
	// MetricsAddr serves /metrics when set.
	MetricsAddr string
	Ledger      LedgerConfig
	Settlement  SettlementConfig
	Economy     game.Economy
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadDotEnv reads .env when present. A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("COMMODEX_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:         addr,
		LogLevel:     envDefault("COMMODEX_LOG_LEVEL", "info"),
		JWTSecret:    strings.TrimSpace(os.Getenv("COMMODEX_JWT_SECRET")),
		JWTIssuer:    strings.TrimSpace(os.Getenv("COMMODEX_JWT_ISSUER")),
		RelayEvents:  envBoolDefault("COMMODEX_RELAY_EVENTS", false),
		Ledger:       loadLedger(),
		Settlement:   loadSettlement(true),
		Economy:      loadEconomy(),
		AllowOrigins: splitList(envDefault("COMMODEX_ALLOW_ORIGINS", "*")),
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("COMMODEX_JWT_SECRET is required")
	}
	if cfg.RelayEvents && cfg.Ledger.RedisURL == "" {
		return cfg, errors.New("REDIS_URL is required when COMMODEX_RELAY_EVENTS is set")
	}
	return cfg, validateLedger(cfg.Ledger)
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		LogLevel:    envDefault("COMMODEX_LOG_LEVEL", "info"),
		RunOnce:     envBoolDefault("COMMODEX_WORKER_RUN_ONCE", false),
		MetricsAddr: strings.TrimSpace(os.Getenv("COMMODEX_WORKER_METRICS_ADDR")),
		Ledger:      loadLedger(),
		Settlement:  loadSettlement(false),
		Economy:     loadEconomy(),
	}
	if cfg.Ledger.Backend == LedgerMemory {
		return cfg, errors.New("the worker needs a shared ledger: set COMMODEX_LEDGER to postgres or redis")
	}
	return cfg, validateLedger(cfg.Ledger)
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CDX_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func loadLedger() LedgerConfig {
	retry := ledger.DefaultRetryPolicy()
	retry.Attempts = envIntDefault("COMMODEX_RETRY_ATTEMPTS", retry.Attempts)
	retry.BaseDelay = envDurationDefault("COMMODEX_RETRY_BASE_DELAY", retry.BaseDelay)
	retry.MaxDelay = envDurationDefault("COMMODEX_RETRY_MAX_DELAY", retry.MaxDelay)
	return LedgerConfig{
		Backend:     strings.ToLower(envDefault("COMMODEX_LEDGER", LedgerMemory)),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Retry:       retry,
	}
}

func validateLedger(cfg LedgerConfig) error {
	switch cfg.Backend {
	case LedgerMemory:
		return nil
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres ledger")
		}
		return nil
	case LedgerRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis ledger")
		}
		return nil
	}
	return errors.Errorf("unknown COMMODEX_LEDGER %q", cfg.Backend)
}

func loadSettlement(inAPI bool) SettlementConfig {
	return SettlementConfig{
		Mode:        strings.ToLower(envDefault("COMMODEX_SETTLEMENT_MODE", game.PolicyStaggered)),
		Tick:        envDurationDefault("COMMODEX_SETTLEMENT_TICK", 30*time.Second),
		GlobalEvery: envDurationDefault("COMMODEX_GLOBAL_SETTLEMENT_EVERY", 5*time.Minute),
		Enabled:     !inAPI || envBoolDefault("COMMODEX_API_RUN_SETTLEMENT", true),
	}
}

func loadEconomy() game.Economy {
	e := game.DefaultEconomy()
	e.StartingBalance = envDecimalDefault("COMMODEX_STARTING_BALANCE", e.StartingBalance)
	e.StartingCards = envIntDefault("COMMODEX_STARTING_CARDS", e.StartingCards)
	e.ProgressiveBase = envDecimalDefault("COMMODEX_PROGRESSIVE_BASE", e.ProgressiveBase)
	e.CardBase = envDecimalDefault("COMMODEX_CARD_BASE", e.CardBase)
	e.CardStep = envDecimalDefault("COMMODEX_CARD_STEP", e.CardStep)
	e.TopBonus.K = envIntDefault("COMMODEX_TOP_BONUS_K", e.TopBonus.K)
	e.TopBonus.Threshold = envDecimalDefault("COMMODEX_TOP_BONUS_THRESHOLD", e.TopBonus.Threshold)
	e.TopBonus.Multiplier = envDecimalDefault("COMMODEX_TOP_BONUS_MULTIPLIER", e.TopBonus.Multiplier)
	e.TopBonus.Flat = envDecimalDefault("COMMODEX_TOP_BONUS_FLAT", e.TopBonus.Flat)
	e.RefreshFee = envDecimalDefault("COMMODEX_REFRESH_FEE", e.RefreshFee)
	e.SettlementInterval = envDurationDefault("COMMODEX_SETTLEMENT_INTERVAL", e.SettlementInterval)
	e.SettlementRetry = envDurationDefault("COMMODEX_SETTLEMENT_RETRY", e.SettlementRetry)
	return e
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDecimalDefault(key string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
