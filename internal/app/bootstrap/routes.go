// internal/app/bootstrap/routes.go
package bootstrap

import (
	"net/http"
	"time"

	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	cronfeature "github.com/transitcore/buscoord/internal/app/features/cron"
	healthfeature "github.com/transitcore/buscoord/internal/app/features/health"
	reassignfeature "github.com/transitcore/buscoord/internal/app/features/reassignments"
	swapsfeature "github.com/transitcore/buscoord/internal/app/features/swaps"
	triplockfeature "github.com/transitcore/buscoord/internal/app/features/triplock"
	"github.com/transitcore/buscoord/internal/app/notify"
	"github.com/transitcore/buscoord/internal/app/realtime"
	busstore "github.com/transitcore/buscoord/internal/app/store/buses"
	docstore "github.com/transitcore/buscoord/internal/app/store/documents"
	"github.com/transitcore/buscoord/internal/app/store/driverstatus"
	logstore "github.com/transitcore/buscoord/internal/app/store/reassignlogs"
	swapstore "github.com/transitcore/buscoord/internal/app/store/swaps"
	"github.com/transitcore/buscoord/internal/app/store/tempassign"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/changelog"
	"github.com/transitcore/buscoord/internal/app/system/geo"
	"github.com/transitcore/buscoord/internal/app/system/locks"
	"github.com/transitcore/buscoord/internal/app/system/metrics"
	"github.com/transitcore/buscoord/internal/app/system/ratelimit"
	"github.com/transitcore/buscoord/internal/app/system/reaper"
	"github.com/transitcore/buscoord/internal/app/system/swapflow"
	"github.com/transitcore/buscoord/internal/app/system/tasks"
)

// scheduler is the optional in-process job runner, started by BuildHandler
// when run_schedulers is on and stopped from Shutdown.
var scheduler *tasks.Runner

// BuildHandler constructs the root HTTP handler for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// the Startup hook have completed. It builds the stores over both backing
// databases, the coordination engines on top of them, and mounts the feature
// routers: the driver-facing trip and swap APIs, the admin reassignment-log
// API, the scheduler-facing cron endpoints, and the operational surfaces
// (health, metrics, websocket feed).
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	// Stores.
	busSt := busstore.New(deps.MongoDatabase)
	swapSt := swapstore.New(deps.MongoDatabase)
	logSt := logstore.New(deps.MongoDatabase)
	docSt := docstore.New(deps.MongoDatabase)
	lockSt := triplocks.New(deps.PG)
	assignSt := tempassign.New(deps.PG)
	statusSt := driverstatus.New(deps.PG)

	// Realtime feed and driver notifications.
	hub := realtime.NewHub(logger)
	notifier := notify.NewLogNotifier(logger)

	// Engines.
	mgr := locks.NewManager(lockSt, busSt, statusSt, hub, geo.NewChecker(0, 0), appCfg.LeaseTimeout, logger)
	rp := reaper.New(lockSt, busSt, statusSt, hub, logger)
	flow := swapflow.NewWorkflow(swapSt, busSt, assignSt, lockSt, hub, notifier, appCfg.SwapAcceptWindow, logger)
	engine := changelog.NewEngine(logSt, docSt, logger)

	verifier := auth.NewVerifier(appCfg.JWTSecret)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	// Unauthenticated operational surfaces.
	healthHandler := healthfeature.NewHandler(deps.MongoClient, deps.PG, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))
	r.Handle("/metrics", promhttp.Handler())

	// Scheduler endpoints gate on the shared secret, not on a JWT.
	cronHandler := cronfeature.NewHandler(rp, flow, cronfeature.Pruners{
		Locks:   lockSt,
		Assigns: assignSt,
		Swaps:   swapSt,
		Logs:    logSt,
	}, appCfg.Retention, logger)
	r.Mount("/cron", cronfeature.Routes(cronHandler, appCfg.CronSecret))

	// Everything under /api and /ws carries a bearer token.
	r.Group(func(r chi.Router) {
		r.Use(verifier.Verify)

		// Heartbeats arrive every ~30s per driver; anything past this is a
		// client retry loop.
		tripLimiter := ratelimit.New(60, time.Minute)

		tripHandler := triplockfeature.NewHandler(mgr, logger)
		r.With(tripLimiter.Middleware).Mount("/api/trips", triplockfeature.Routes(tripHandler))

		swapHandler := swapsfeature.NewHandler(flow, swapSt, logger)
		r.Mount("/api/swaps", swapsfeature.Routes(swapHandler))

		reassignHandler := reassignfeature.NewHandler(engine, logger)
		r.Mount("/api/reassignments", reassignfeature.Routes(reassignHandler))

		r.Get("/ws", hub.ServeWS)
	})

	if appCfg.RunSchedulers {
		scheduler = tasks.NewRunner(logger,
			tasks.StaleLockReaperJob(rp, logger, appCfg.ReapInterval),
			tasks.SwapSweepJob(flow, logger, appCfg.SweepInterval),
			tasks.RetentionPruneJob(lockSt, assignSt, swapSt, logSt, logger, appCfg.Retention),
		)
		scheduler.Start()
	}

	return r, nil
}
