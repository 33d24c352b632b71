package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// ClaimResult is the outcome of ClaimNextGap.
type ClaimResult = store.ClaimStatus

const (
	// NoMoreGaps: the run is finished, failed or aborted. Workers exit.
	NoMoreGaps = store.ClaimNoMoreGaps
	// NoGapAvailable: nothing is eligible now. Workers wait and retry.
	NoGapAvailable = store.ClaimNoGapAvailable
	// GapFound: the returned step is claimed and must be executed.
	GapFound = store.ClaimGapFound
)

// ClaimNextGap claims the lowest-id eligible gap step of a run for workerID.
//
// A gap step is eligible when it has not started, its parent has finished
// and its id is below the earliest unfinished main-loop step. The claim is a
// single store transaction; contention is retried with the scheduler's
// claim RetryPolicy.
func (s *Scheduler) ClaimNextGap(ctx context.Context, runID int64, workerID string) (ClaimResult, store.Step, error) {
	step, status, err := s.claimWithRetry(ctx, runID, 0)
	if err != nil {
		return NoGapAvailable, store.Step{}, err
	}
	if status == GapFound {
		s.emitClaim(runID, step, workerID)
	}
	return status, step, nil
}

func (s *Scheduler) claimWithRetry(ctx context.Context, runID, stepID int64) (store.Step, store.ClaimStatus, error) {
	policy := s.claimRetry
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		step, status, err := s.store.ClaimGap(ctx, runID, stepID, time.Time{})
		if err == nil {
			s.metrics.IncrementClaims(claimLabel(status))
			return step, status, nil
		}
		if !policy.retryable(err) {
			return store.Step{}, NoGapAvailable, fmt.Errorf("failed to claim gap step of run %d: %w", runID, err)
		}

		s.metrics.IncrementClaims("contention")
		lastErr = err
		if attempt+1 < policy.MaxAttempts {
			s.metrics.IncrementClaimRetries()
			if err := sleepCtx(ctx, computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, nil)); err != nil {
				return store.Step{}, NoGapAvailable, err
			}
		}
	}
	return store.Step{}, NoGapAvailable, &SchedulerError{
		Message: fmt.Sprintf("claim on run %d still contended after %d attempts", runID, policy.MaxAttempts),
		Code:    "STORE_CONTENTION",
		Err:     lastErr,
	}
}

func claimLabel(status store.ClaimStatus) string {
	switch status {
	case GapFound:
		return "found"
	case NoMoreGaps:
		return "no_more"
	default:
		return "none_available"
	}
}

func (s *Scheduler) emitClaim(runID int64, step store.Step, worker string) {
	s.emitter.Emit(emit.Event{
		RunID:   runID,
		StepID:  step.ID,
		Command: step.Command,
		Msg:     "gap_claimed",
		Meta:    map[string]interface{}{"worker": worker},
	})
}

// GapWorker repeatedly claims and executes gap steps of one run.
type GapWorker struct {
	ID    string
	RunID int64

	sched  *Scheduler
	logger *slog.Logger
}

// NewGapWorker creates a worker for runID. An empty id is replaced with a
// generated one.
func (s *Scheduler) NewGapWorker(runID int64, id string) *GapWorker {
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}
	return &GapWorker{
		ID:     id,
		RunID:  runID,
		sched:  s,
		logger: s.logger.With("run_id", runID, "worker", id),
	}
}

// Run claims and executes gap steps until the run is no longer active.
//
// A failing step marks the run Failed, so sibling workers stop on their next
// claim, and its error is returned. Store errors end this worker only.
func (w *GapWorker) Run(ctx context.Context) error {
	s := w.sched
	w.logger.InfoContext(ctx, "gap worker started")
	executed := 0
	for {
		status, step, err := s.ClaimNextGap(ctx, w.RunID, w.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "gap worker giving up", "error", err)
			return err
		}

		switch status {
		case NoMoreGaps:
			w.logger.InfoContext(ctx, "gap worker done", "executed", executed)
			return nil
		case NoGapAvailable:
			if err := s.waker.Wait(ctx, w.RunID); err != nil {
				return err
			}
		case GapFound:
			if err := s.executeStep(ctx, step, laneGap, w.ID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var se *StepError
				if errors.As(err, &se) {
					s.fail(ctx, w.RunID, err)
				} else {
					w.logger.ErrorContext(ctx, "gap worker giving up", "step_id", step.ID, "error", err)
				}
				return err
			}
			executed++
		}
	}
}

// RunGapWorkers runs n gap workers for runID concurrently and waits for all
// of them. One worker ending with an error does not stop the others; the
// first error is returned.
func (s *Scheduler) RunGapWorkers(ctx context.Context, runID int64, n int) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		w := s.NewGapWorker(runID, "")
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// workerErrors collects the errors of workers running beside a main loop.
type workerErrors struct {
	mu   sync.Mutex
	errs []error
}

func (w *workerErrors) add(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

// stepError returns the first collected step failure.
func (w *workerErrors) stepError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, err := range w.errs {
		var se *StepError
		if errors.As(err, &se) {
			return err
		}
	}
	return nil
}
