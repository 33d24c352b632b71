package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// LaunchOptions configures Launch.
type LaunchOptions struct {
	// Mode selects resume (default) or restart.
	Mode Mode

	// Threads is the number of gap workers started beside the main loop.
	// With zero workers the main loop executes gap steps itself.
	Threads int
}

// Launch defines and executes a run in the calling process.
//
// A run left Started by a process that no longer exists is marked Failed
// first; one whose process is alive is rejected with RUN_ACTIVE. Terminal
// runs are reset to Saved. The run's protocol then registers its steps
// through a Differ in opts.Mode, and the main loop runs with opts.Threads
// gap workers beside it. The main loop's error is returned, or the
// failing worker's step error when a worker failed the run.
func (s *Scheduler) Launch(ctx context.Context, runID int64, opts LaunchOptions) error {
	run, protocol, err := s.prepare(ctx, runID)
	if err != nil {
		return err
	}
	if opts.Threads < 0 {
		return &ValidationError{Field: "threads", Message: "must not be negative"}
	}

	d, err := s.NewDiffer(ctx, runID, opts.Mode)
	if err != nil {
		return err
	}
	if err := protocol.Define(ctx, run, d); err != nil {
		err = fmt.Errorf("failed to define steps of run %d: %w", runID, err)
		if run.State == store.StateLaunched {
			s.fail(ctx, runID, err)
		}
		return err
	}
	reused, inserted := d.Stats()
	s.logger.InfoContext(ctx, "run defined", "run_id", runID, "mode", opts.Mode.String(),
		"reused", reused, "inserted", inserted)

	if err := s.beginMainLoop(ctx, runID); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		g     errgroup.Group
		werrs workerErrors
	)
	for i := 0; i < opts.Threads; i++ {
		w := s.NewGapWorker(runID, "")
		g.Go(func() error {
			werrs.add(w.Run(workerCtx))
			return nil
		})
	}
	mainErr := s.mainLoop(ctx, runID)
	// Running gap steps are never preempted. A finished run has none left and
	// its workers are only waiting; a failed or aborted run lets its workers
	// finish their current step and leave at the next claim.
	if mainErr == nil || s.checkActive(context.WithoutCancel(ctx), runID) == nil {
		cancel()
	}
	_ = g.Wait()

	if errors.Is(mainErr, ErrRunFailed) {
		if werr := werrs.stepError(); werr != nil {
			return werr
		}
	}
	return mainErr
}

// Enqueue hands a run to q for execution in another process. The run moves
// to Launched and the PID returned by q is recorded on it.
func (s *Scheduler) Enqueue(ctx context.Context, runID int64, q Queue) error {
	if _, _, err := s.prepare(ctx, runID); err != nil {
		return err
	}
	run, err := s.transition(ctx, runID, store.StateLaunched, 0)
	if err != nil {
		return err
	}

	pid, err := q.Submit(ctx, run)
	if err != nil {
		err = fmt.Errorf("failed to submit run %d: %w", runID, err)
		s.fail(ctx, runID, err)
		return err
	}
	// The child may already have started and recorded its own PID.
	if _, err := s.store.UpdateRunState(ctx, runID, store.StateLaunched, pid, store.StateLaunched); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("failed to record pid of run %d: %w", runID, err)
	}
	s.logger.InfoContext(ctx, "run enqueued", "run_id", runID, "pid", pid)
	return nil
}

// prepare resolves the run's protocol and brings the run into a launchable
// state.
func (s *Scheduler) prepare(ctx context.Context, runID int64) (store.Run, Protocol, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, nil, err
	}
	protocol, ok := s.protocols.Get(run.Protocol)
	if !ok {
		return store.Run{}, nil, &ValidationError{Field: "protocol", Message: run.Protocol, Err: ErrUnknownProtocol}
	}

	if run.State == store.StateStarted {
		if s.supervisor.Alive(run.PID) {
			return store.Run{}, nil, &SchedulerError{
				Message: fmt.Sprintf("run %d is already executing in process %d", runID, run.PID),
				Code:    "RUN_ACTIVE",
			}
		}
		s.logger.WarnContext(ctx, "run process is gone, marking failed", "run_id", runID, "pid", run.PID)
		s.fail(ctx, runID, fmt.Errorf("process %d of run %d is no longer running", run.PID, runID))
		if run, err = s.GetRun(ctx, runID); err != nil {
			return store.Run{}, nil, err
		}
	}

	if run.State.Terminal() {
		if run, err = s.transition(ctx, runID, store.StateSaved, 0); err != nil {
			return store.Run{}, nil, err
		}
	}
	return run, protocol, nil
}
