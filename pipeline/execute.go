package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

const (
	laneMain = "main"
	laneGap  = "gap"
)

// executeStep runs the handler of step and records its completion.
//
// worker identifies the executor in events and logs. The returned error is a
// *StepError wrapping the handler error or a *MissingFilesError; the run
// state is left for the caller to update.
func (s *Scheduler) executeStep(ctx context.Context, step store.Step, lane, worker string) error {
	// Bookkeeping must land even when ctx is cancelled mid-step.
	bg := context.WithoutCancel(ctx)

	if step.StartedAt == nil {
		if err := s.store.MarkStepStarted(bg, step.RunID, step.ID, time.Now()); err != nil {
			return fmt.Errorf("failed to mark step %d started: %w", step.ID, err)
		}
	}

	logger := s.logger.With("run_id", step.RunID, "step_id", step.ID, "command", step.Command)
	sc := &StepContext{
		RunID:     step.RunID,
		StepID:    step.ID,
		Command:   step.Command,
		Iteration: step.Iteration,
		Logger:    logger,
	}
	if step.PassContext {
		sc.sched = s
	}

	s.metrics.StepStarted(lane)
	defer s.metrics.StepDone(lane)
	s.emitter.Emit(emit.Event{
		RunID:   step.RunID,
		StepID:  step.ID,
		Command: step.Command,
		Msg:     "step_started",
		Meta:    map[string]interface{}{"lane": lane, "worker": worker},
	})
	logger.DebugContext(ctx, "step started", "lane", lane, "worker", worker)

	start := time.Now()
	err := s.registry.invoke(ctx, sc, step.Command, step.Params)
	if err == nil {
		if missing := missingFiles(step.VerifyFiles); len(missing) > 0 {
			err = &MissingFilesError{RunID: step.RunID, StepID: step.ID, Paths: missing}
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.RecordStepLatency(step.Command, lane, elapsed, "error")
		s.emitter.Emit(emit.Event{
			RunID:   step.RunID,
			StepID:  step.ID,
			Command: step.Command,
			Msg:     "step_failed",
			Meta: map[string]interface{}{
				"lane":        lane,
				"worker":      worker,
				"duration_ms": elapsed.Milliseconds(),
				"error":       err.Error(),
			},
		})
		logger.ErrorContext(ctx, "step failed", "lane", lane, "error", err)
		return &StepError{RunID: step.RunID, StepID: step.ID, Command: step.Command, Err: err}
	}

	if err := s.store.MarkStepFinished(bg, step.RunID, step.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark step %d finished: %w", step.ID, err)
	}
	s.metrics.RecordStepLatency(step.Command, lane, elapsed, "success")
	s.emitter.Emit(emit.Event{
		RunID:   step.RunID,
		StepID:  step.ID,
		Command: step.Command,
		Msg:     "step_finished",
		Meta: map[string]interface{}{
			"lane":        lane,
			"worker":      worker,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	logger.DebugContext(ctx, "step finished", "lane", lane, "duration", elapsed)

	if err := s.waker.Notify(bg, step.RunID); err != nil {
		logger.WarnContext(ctx, "failed to notify workers", "error", err)
	}
	return nil
}
