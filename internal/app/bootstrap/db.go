// internal/app/bootstrap/db.go
package bootstrap

import (
	"context"
	"fmt"

	"github.com/dalemusser/waffle/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/transitcore/buscoord/internal/app/store/buses"
	"github.com/transitcore/buscoord/internal/app/store/driverstatus"
	"github.com/transitcore/buscoord/internal/app/store/reassignlogs"
	"github.com/transitcore/buscoord/internal/app/store/swaps"
	"github.com/transitcore/buscoord/internal/app/store/tempassign"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/timeouts"
)

// ConnectDB opens both backing stores and verifies they answer before the
// rest of startup proceeds.
func ConnectDB(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) (DBDeps, error) {
	opts := options.Client().
		ApplyURI(appCfg.MongoURI).
		SetMaxPoolSize(appCfg.MongoMaxPoolSize).
		SetMinPoolSize(appCfg.MongoMinPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return DBDeps{}, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.Ping())
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return DBDeps{}, fmt.Errorf("ping mongo: %w", err)
	}
	logger.Info("connected to primary store",
		zap.String("database", appCfg.MongoDatabase))

	pg, err := gorm.Open(postgres.Open(appCfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return DBDeps{}, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := pg.DB()
	if err != nil {
		return DBDeps{}, fmt.Errorf("postgres handle: %w", err)
	}
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return DBDeps{}, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to coordination store")

	return DBDeps{
		MongoClient:   client,
		MongoDatabase: client.Database(appCfg.MongoDatabase),
		PG:            pg,
	}, nil
}

// EnsureSchema creates the Mongo indexes and the Postgres tables (with their
// partial unique indexes) the engine's conditional writes depend on.
func EnsureSchema(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if err := buses.New(deps.MongoDatabase).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure bus indexes: %w", err)
	}
	if err := swaps.New(deps.MongoDatabase).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure swap indexes: %w", err)
	}
	if err := reassignlogs.New(deps.MongoDatabase).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure reassignment log indexes: %w", err)
	}

	if err := triplocks.New(deps.PG).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate trip_locks: %w", err)
	}
	if err := tempassign.New(deps.PG).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate temporary_assignments: %w", err)
	}
	if err := driverstatus.New(deps.PG).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate driver_statuses: %w", err)
	}

	logger.Info("schema ensured")
	return nil
}
