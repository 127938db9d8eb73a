// internal/app/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"time"

	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// appConfigKeys defines the configuration keys for the coordination engine.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, postgres_dsn, etc.
//   - Environment variables: BUSCOORD_MONGO_URI, BUSCOORD_POSTGRES_DSN, etc.
//   - Command-line flags: --mongo_uri, --postgres_dsn, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI"},
	{Name: "mongo_database", Default: "buscoord", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size"},

	{Name: "postgres_dsn", Default: "host=localhost user=buscoord dbname=buscoord sslmode=disable", Desc: "Postgres DSN for the coordination store"},

	{Name: "lease_timeout", Default: "5m", Desc: "Trip-lock lease timeout (heartbeat window)"},
	{Name: "swap_accept_window", Default: "48h", Desc: "How long a pending swap request waits before expiring"},
	{Name: "retention", Default: "720h", Desc: "Retention for released locks, resolved swaps, and old logs"},

	{Name: "jwt_secret", Default: "dev-only-change-me-please-0123456789ABCDEF", Desc: "HMAC key for API tokens (must be strong in production)"},
	{Name: "cron_secret", Default: "", Desc: "Shared secret required by the /cron endpoints"},

	{Name: "run_schedulers", Default: false, Desc: "Run the reap/sweep/prune schedulers in-process instead of via /cron"},
	{Name: "reap_interval", Default: "1m", Desc: "In-process stale-lock reaper cadence"},
	{Name: "sweep_interval", Default: "5m", Desc: "In-process swap expiry/revert sweep cadence"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig handles .env files, config.yaml/json/toml,
// environment variables (WAFFLE_* for core, BUSCOORD_* for app), and
// command-line flags, merged with precedence flags > env > files > defaults.
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "BUSCOORD", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		PostgresDSN: appValues.String("postgres_dsn"),

		LeaseTimeout:     appValues.Duration("lease_timeout", 5*time.Minute),
		SwapAcceptWindow: appValues.Duration("swap_accept_window", 48*time.Hour),
		Retention:        appValues.Duration("retention", 30*24*time.Hour),

		JWTSecret:  appValues.String("jwt_secret"),
		CronSecret: appValues.String("cron_secret"),

		RunSchedulers: appValues.Bool("run_schedulers"),
		ReapInterval:  appValues.Duration("reap_interval", time.Minute),
		SweepInterval: appValues.Duration("sweep_interval", 5*time.Minute),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// Return nil to accept the loaded config, or an error to abort startup.
// Invariants that would otherwise surface as runtime failures — a malformed
// Mongo URI, a lease shorter than a heartbeat interval, a missing cron
// secret — are caught here before any connection is attempted.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
		logger.Error("invalid MongoDB URI", zap.Error(err))
		return fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	if appCfg.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required (coordination store)")
	}

	if appCfg.LeaseTimeout < 30*time.Second {
		return fmt.Errorf("lease_timeout %s is shorter than a realistic heartbeat interval", appCfg.LeaseTimeout)
	}

	if appCfg.CronSecret == "" {
		// Without a secret the cleanup endpoints would be open to anyone.
		return fmt.Errorf("cron_secret is required")
	}

	if coreCfg.Env == "prod" && appCfg.JWTSecret == "dev-only-change-me-please-0123456789ABCDEF" {
		return fmt.Errorf("jwt_secret must be changed from the development default in production")
	}

	return nil
}
