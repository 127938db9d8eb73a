// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/timeouts"
)

// Startup runs one-time application initialization after DB connections and
// schema setup are complete, but before the HTTP handler is built.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	// Operation timeouts can be tuned per deployment via env vars.
	timeouts.ConfigureFromEnv()

	logger.Info("coordination engine starting",
		zap.Duration("lease_timeout", appCfg.LeaseTimeout),
		zap.Duration("swap_accept_window", appCfg.SwapAcceptWindow),
		zap.Bool("run_schedulers", appCfg.RunSchedulers))
	return nil
}
