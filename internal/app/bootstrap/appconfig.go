// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// WAFFLE's CoreConfig handles framework-level settings (HTTP ports, TLS,
// logging level, request limits); AppConfig is everything specific to the
// coordination engine: store connection strings, lease timing, sweep
// cadences, and the secrets that gate the API and cron surfaces.
type AppConfig struct {
	// Primary store (fleet documents: buses, swap requests, reassignment logs)
	MongoURI         string
	MongoDatabase    string
	MongoMaxPoolSize uint64
	MongoMinPoolSize uint64

	// Coordination store (trip leases, temporary assignments, driver status)
	PostgresDSN string

	// Trip-lease timing
	LeaseTimeout time.Duration // heartbeat window before a lock goes stale

	// Swap workflow
	SwapAcceptWindow time.Duration // how long a pending request waits before expiring

	// Retention for pruned records (released locks, resolved swaps, old logs)
	Retention time.Duration

	// Auth
	JWTSecret  string // HMAC key for driver/admin API tokens
	CronSecret string // shared secret for the /cron endpoints

	// In-process schedulers. Off by default: production deployments drive the
	// /cron endpoints from an external scheduler instead, so only one instance
	// runs the sweeps.
	RunSchedulers bool
	ReapInterval  time.Duration
	SweepInterval time.Duration
}
