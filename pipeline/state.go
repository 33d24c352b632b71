package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// allowedTransitions lists, for each state, the states a run may move to.
//
// Terminal states go back to Saved when a run is relaunched. Failed and
// Aborted runs may also be restarted directly by the main loop.
var allowedTransitions = map[store.RunState]map[store.RunState]struct{}{
	store.StateSaved: {
		store.StateLaunched: {},
		store.StateStarted:  {},
		store.StateAborted:  {},
	},
	store.StateLaunched: {
		store.StateStarted: {},
		store.StateFailed:  {},
		store.StateAborted: {},
	},
	store.StateStarted: {
		store.StateFinished: {},
		store.StateFailed:   {},
		store.StateAborted:  {},
	},
	store.StateFinished: {
		store.StateSaved: {},
	},
	store.StateFailed: {
		store.StateSaved:   {},
		store.StateStarted: {},
	},
	store.StateAborted: {
		store.StateSaved:   {},
		store.StateStarted: {},
	},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to store.RunState) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// sourcesFor returns every state from which "to" is reachable, in state order.
func sourcesFor(to store.RunState) []store.RunState {
	var from []store.RunState
	for src, targets := range allowedTransitions {
		if _, ok := targets[to]; ok {
			from = append(from, src)
		}
	}
	sort.Slice(from, func(i, j int) bool { return from[i] < from[j] })
	return from
}

// transition atomically moves a run to state "to". pid is recorded when >= 0.
func (s *Scheduler) transition(ctx context.Context, runID int64, to store.RunState, pid int) (store.Run, error) {
	run, err := s.store.UpdateRunState(ctx, runID, to, pid, sourcesFor(to)...)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return run, &SchedulerError{
				Message: fmt.Sprintf("run %d cannot move from %s to %s", runID, run.State, to),
				Code:    "INVALID_TRANSITION",
				Err:     err,
			}
		}
		return run, fmt.Errorf("failed to update state of run %d: %w", runID, err)
	}

	s.metrics.IncrementRunTransitions(to.String())
	s.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   "run_state",
		Meta:  map[string]interface{}{"state": to.String()},
	})
	s.logger.InfoContext(ctx, "run state changed", "run_id", runID, "state", to.String())
	return run, nil
}

// fail marks a started run Failed. A run that has already left Started
// (aborted or failed by a sibling worker) is left untouched.
func (s *Scheduler) fail(ctx context.Context, runID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.store.UpdateRunState(ctx, runID, store.StateFailed, -1, store.StateStarted, store.StateLaunched)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			s.logger.ErrorContext(ctx, "failed to mark run failed", "run_id", runID, "error", err)
		}
		return
	}
	s.metrics.IncrementRunTransitions(store.StateFailed.String())
	s.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   "run_state",
		Meta:  map[string]interface{}{"state": store.StateFailed.String(), "error": cause.Error()},
	})
	s.logger.ErrorContext(ctx, "run failed", "run_id", runID, "error", cause)
}

// checkActive returns nil while the run is Started, and the error an executor
// should stop with otherwise.
func (s *Scheduler) checkActive(ctx context.Context, runID int64) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	switch run.State {
	case store.StateStarted:
		return nil
	case store.StateAborted:
		return ErrRunAborted
	case store.StateFailed:
		return ErrRunFailed
	default:
		return &SchedulerError{
			Message: fmt.Sprintf("run %d is %s", runID, run.State),
			Code:    "RUN_NOT_ACTIVE",
		}
	}
}
