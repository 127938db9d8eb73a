// internal/app/system/tasks/jobs.go
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/store/reassignlogs"
	"github.com/transitcore/buscoord/internal/app/store/swaps"
	"github.com/transitcore/buscoord/internal/app/store/tempassign"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/reaper"
	"github.com/transitcore/buscoord/internal/app/system/swapflow"
)

// StaleLockReaperJob creates a job that reaps trip locks whose heartbeats have
// gone stale and reconciles orphaned bus mirrors.
func StaleLockReaperJob(rp *reaper.Reaper, logger *zap.Logger, interval time.Duration) Job {
	return Job{
		Name:     "stale-lock-reaper",
		Interval: interval,
		Run: func(ctx context.Context) error {
			sum, err := rp.Sweep(ctx)
			if sum.Reaped > 0 || sum.Reconciled > 0 {
				logger.Info("reaped stale trip locks",
					zap.Int("scanned", sum.Scanned),
					zap.Int("reaped", sum.Reaped),
					zap.Int("reconciled", sum.Reconciled))
			}
			return err
		},
	}
}

// SwapSweepJob creates a job that expires unanswered swap requests and reverts
// temporary assignments whose period has ended.
func SwapSweepJob(wf *swapflow.Workflow, logger *zap.Logger, interval time.Duration) Job {
	return Job{
		Name:     "swap-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			expSum, expErr := wf.ExpireSweep(ctx)
			revSum, revErr := wf.RevertSweep(ctx)
			if expSum.Expired > 0 || expSum.Cancelled > 0 || revSum.Reverted > 0 || revSum.Deferred > 0 {
				logger.Info("swept swap requests",
					zap.Int("expired", expSum.Expired),
					zap.Int("cancelled", expSum.Cancelled),
					zap.Int("reverted", revSum.Reverted),
					zap.Int("deferred", revSum.Deferred))
			}
			if expErr != nil {
				return expErr
			}
			return revErr
		},
	}
}

// RetentionPruneJob creates a job that deletes released locks, inactive
// assignments, resolved swap requests, and old reassignment logs past the
// retention window.
func RetentionPruneJob(
	locks *triplocks.Store,
	assigns *tempassign.Store,
	swapStore *swaps.Store,
	logs *reassignlogs.Store,
	logger *zap.Logger,
	retention time.Duration,
) Job {
	return Job{
		Name:     "retention-prune",
		Interval: 24 * time.Hour,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-retention)

			var firstErr error
			keep := func(err error) {
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}

			nLocks, err := locks.PruneReleased(ctx, cutoff)
			keep(err)
			nAssigns, err := assigns.PruneInactive(ctx, cutoff)
			keep(err)
			nSwaps, err := swapStore.PruneResolved(ctx, cutoff)
			keep(err)
			nLogs, err := logs.PruneOlderThan(ctx, cutoff)
			keep(err)

			if nLocks+nAssigns+nSwaps+nLogs > 0 {
				logger.Info("pruned expired coordination records",
					zap.Int64("locks", nLocks),
					zap.Int64("assignments", nAssigns),
					zap.Int64("swaps", nSwaps),
					zap.Int64("logs", nLogs),
					zap.Time("cutoff", cutoff))
			}
			return firstErr
		},
	}
}
