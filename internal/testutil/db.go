// Package testutil provides integration-test scaffolding: guarded
// connections to throwaway Mongo and Postgres databases, domain fixtures,
// and HTTP request helpers.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Env vars that opt a machine into the store integration tests. Unset, the
// tests skip instead of failing, so `go test ./...` stays green without
// local databases.
const (
	EnvMongoURI    = "BUSCOORD_TEST_MONGO_URI"
	EnvPostgresDSN = "BUSCOORD_TEST_POSTGRES_DSN"
)

// TestContext returns a context with a timeout generous enough for store
// round-trips against a local database.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// SetupTestDB connects to the test Mongo deployment and returns a fresh,
// uniquely named database that is dropped when the test finishes. Skips the
// test when BUSCOORD_TEST_MONGO_URI is not set.
func SetupTestDB(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv(EnvMongoURI)
	if uri == "" {
		t.Skipf("set %s to run Mongo integration tests", EnvMongoURI)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect to test mongo: %v", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		t.Fatalf("ping test mongo: %v", err)
	}

	db := client.Database(fmt.Sprintf("buscoord_test_%d", time.Now().UnixNano()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Drop(ctx); err != nil {
			t.Logf("drop test database: %v", err)
		}
		_ = client.Disconnect(ctx)
	})

	return db
}

// SetupTestPG connects to the test Postgres instance and returns a gorm
// handle with the coordination tables dropped, so each test migrates from a
// clean slate. Skips the test when BUSCOORD_TEST_POSTGRES_DSN is not set.
func SetupTestPG(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv(EnvPostgresDSN)
	if dsn == "" {
		t.Skipf("set %s to run Postgres integration tests", EnvPostgresDSN)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("connect to test postgres: %v", err)
	}

	for _, table := range []string{"trip_locks", "temporary_assignments", "driver_statuses"} {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			t.Fatalf("drop table %s: %v", table, err)
		}
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}
