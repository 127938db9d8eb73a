// internal/app/bootstrap/shutdown.go
package bootstrap

import (
	"context"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Shutdown cleanly tears down the schedulers and both store connections.
func Shutdown(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if scheduler != nil {
		scheduler.Stop()
		scheduler = nil
	}

	if deps.PG != nil {
		if sqlDB, err := deps.PG.DB(); err == nil {
			logger.Info("closing coordination store connection")
			if err := sqlDB.Close(); err != nil {
				logger.Error("postgres close failed", zap.Error(err))
			}
		}
	}

	if deps.MongoClient != nil {
		logger.Info("disconnecting primary store client")
		if err := deps.MongoClient.Disconnect(ctx); err != nil {
			logger.Error("mongo disconnect failed", zap.Error(err))
			return err
		}
	}
	return nil
}
