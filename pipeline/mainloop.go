package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// RunMainLoop executes the main-loop steps of a run in id order.
//
// The run moves to Started (recording this process's PID), steps that a
// crashed executor left half-done are reset, and the oldest unfinished
// main-loop step is executed until none remain. A step whose parent is an
// unfinished gap step waits for it, executing it inline when no worker has
// claimed it. Once the main loop is exhausted, the remaining gap steps are
// drained the same way and the run moves to Finished.
//
// The first failing step moves the run to Failed and its error is returned.
// A run stopped externally returns ErrRunAborted; a run failed by a gap
// worker returns ErrRunFailed. Cancelling ctx aborts the run.
func (s *Scheduler) RunMainLoop(ctx context.Context, runID int64) error {
	if err := s.beginMainLoop(ctx, runID); err != nil {
		return err
	}
	return s.mainLoop(ctx, runID)
}

func (s *Scheduler) beginMainLoop(ctx context.Context, runID int64) error {
	if _, err := s.transition(ctx, runID, store.StateStarted, os.Getpid()); err != nil {
		return err
	}
	if err := s.store.ResetUnfinishedMainLoop(ctx, runID); err != nil {
		s.fail(ctx, runID, err)
		return fmt.Errorf("failed to reset main-loop steps of run %d: %w", runID, err)
	}
	if err := s.store.ResetUnfinishedGaps(ctx, runID); err != nil {
		s.fail(ctx, runID, err)
		return fmt.Errorf("failed to reset gap steps of run %d: %w", runID, err)
	}
	return nil
}

func (s *Scheduler) mainLoop(ctx context.Context, runID int64) error {
	for {
		if err := s.checkActive(ctx, runID); err != nil {
			return s.halt(ctx, runID, err)
		}

		step, err := s.store.NextMainLoopStep(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			drained, err := s.drainGaps(ctx, runID)
			if err != nil {
				return s.halt(ctx, runID, err)
			}
			if drained {
				break
			}
			// A gap step appended main-loop work.
			continue
		}
		if err != nil {
			return s.halt(ctx, runID, fmt.Errorf("failed to load next main-loop step: %w", err))
		}

		if err := s.awaitParent(ctx, runID, step.ParentID); err != nil {
			return s.halt(ctx, runID, err)
		}
		if err := s.executeStep(ctx, step, laneMain, laneMain); err != nil {
			return s.halt(ctx, runID, err)
		}
	}

	if _, err := s.transition(ctx, runID, store.StateFinished, -1); err != nil {
		if active := s.checkActive(ctx, runID); active != nil {
			return active
		}
		return err
	}
	return nil
}

// halt ends the main loop with cause. A cancelled context aborts the run,
// an observed external state change is passed through and anything else
// fails the run.
func (s *Scheduler) halt(ctx context.Context, runID int64, cause error) error {
	switch {
	case errors.Is(cause, ErrRunAborted), errors.Is(cause, ErrRunFailed):
		return cause
	case ctx.Err() != nil:
		bg := context.WithoutCancel(ctx)
		if _, err := s.transition(bg, runID, store.StateAborted, -1); err != nil {
			s.logger.WarnContext(bg, "failed to abort cancelled run", "run_id", runID, "error", err)
		}
		return fmt.Errorf("%w: %w", ErrRunAborted, ctx.Err())
	default:
		s.fail(ctx, runID, cause)
		return cause
	}
}

// awaitParent returns once step parentID has finished. An unclaimed gap
// parent is claimed and executed inline, after its own ancestors.
func (s *Scheduler) awaitParent(ctx context.Context, runID, parentID int64) error {
	for parentID != 0 {
		parent, err := s.store.GetStep(ctx, runID, parentID)
		if err != nil {
			return fmt.Errorf("failed to load parent step %d: %w", parentID, err)
		}
		if parent.Finished() {
			return nil
		}
		if parent.MainLoop {
			return &SchedulerError{
				Message: fmt.Sprintf("main-loop step %d of run %d has not finished", parentID, runID),
				Code:    "PARENT_UNFINISHED",
			}
		}

		if !parent.Started() {
			if err := s.awaitParent(ctx, runID, parent.ParentID); err != nil {
				return err
			}
			step, status, err := s.claimWithRetry(ctx, runID, parentID)
			if err != nil {
				return err
			}
			switch status {
			case store.ClaimGapFound:
				s.emitClaim(runID, step, laneMain)
				return s.executeStep(ctx, step, laneGap, laneMain)
			case store.ClaimNoMoreGaps:
				return s.checkActive(ctx, runID)
			}
			// Lost the race to a worker: wait for it below.
		}

		if err := s.waker.Wait(ctx, runID); err != nil {
			return err
		}
		if err := s.checkActive(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// drainGaps executes or waits for every gap step still pending once the
// main loop is exhausted. It reports false, without error, when a gap step
// inserted new main-loop work in the meantime.
func (s *Scheduler) drainGaps(ctx context.Context, runID int64) (bool, error) {
	for {
		_, err := s.store.NextMainLoopStep(ctx, runID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("failed to load next main-loop step: %w", err)
		}

		pending, err := s.store.PendingGaps(ctx, runID)
		if err != nil {
			return false, fmt.Errorf("failed to count pending gaps: %w", err)
		}
		if pending == 0 {
			return true, nil
		}
		if err := s.checkActive(ctx, runID); err != nil {
			return false, err
		}

		step, status, err := s.claimWithRetry(ctx, runID, 0)
		if err != nil {
			return false, err
		}
		switch status {
		case store.ClaimGapFound:
			s.emitClaim(runID, step, laneMain)
			if err := s.executeStep(ctx, step, laneGap, laneMain); err != nil {
				return false, err
			}
		case store.ClaimNoMoreGaps:
			return false, s.checkActive(ctx, runID)
		default:
			if err := s.waker.Wait(ctx, runID); err != nil {
				return false, err
			}
		}
	}
}
