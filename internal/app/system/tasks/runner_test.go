package tasks_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/tasks"
)

func TestRunner_RunsJobsUntilStopped(t *testing.T) {
	var runs atomic.Int32

	runner := tasks.NewRunner(zap.NewNop(), tasks.Job{
		Name:     "test-job",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	runner.Start()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	runner.Stop()

	got := runs.Load()
	if got < 2 {
		t.Fatalf("expected at least 2 runs, got %d", got)
	}

	// No more ticks after Stop returns.
	time.Sleep(30 * time.Millisecond)
	if after := runs.Load(); after != got {
		t.Errorf("job ran after Stop: %d -> %d", got, after)
	}
}

func TestRunner_JobErrorDoesNotStopTheLoop(t *testing.T) {
	var runs atomic.Int32

	runner := tasks.NewRunner(zap.NewNop(), tasks.Job{
		Name:     "failing-job",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return context.DeadlineExceeded
		},
	})

	runner.Start()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	runner.Stop()

	if runs.Load() < 2 {
		t.Fatalf("expected the loop to keep running after an error, got %d runs", runs.Load())
	}
}
