package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// DefaultPollInterval is how long a gap worker sleeps when nothing is eligible.
const DefaultPollInterval = time.Second

// Scheduler registers, resumes and executes runs.
//
// A Scheduler holds no per-run state in memory: every decision is taken from
// the store, so any number of schedulers in any number of processes may work
// on the same run as long as they share the store.
type Scheduler struct {
	store      store.Store
	registry   *Registry
	protocols  *ProtocolRegistry
	logger     *slog.Logger
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	supervisor ProcessSupervisor
	waker      Waker
	claimRetry RetryPolicy
}

// RunSpec describes a run to create.
type RunSpec struct {
	Protocol string `json:"protocol" validate:"required"`
	Name     string `json:"name" validate:"required,max=255"`
	Script   string `json:"script"`
	Comment  string `json:"comment"`
	Group    string `json:"group" validate:"max=255"`
}

// New creates a Scheduler over st, executing steps with the handlers in reg.
func New(st store.Store, reg *Registry, opts ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, &ValidationError{Field: "store", Message: "store is required"}
	}
	if reg == nil {
		return nil, &ValidationError{Field: "registry", Message: "handler registry is required"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		store:      st,
		registry:   reg,
		protocols:  cfg.protocols,
		logger:     cfg.logger,
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		supervisor: cfg.supervisor,
		waker:      cfg.waker,
		claimRetry: cfg.claimRetry,
	}
	if s.protocols == nil {
		s.protocols = NewProtocolRegistry()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "scheduler")
	if s.emitter == nil {
		s.emitter = emit.NewNullEmitter()
	}
	if s.supervisor == nil {
		s.supervisor = DefaultSupervisor()
	}
	if s.waker == nil {
		s.waker = &PollWaker{Interval: cfg.pollInterval}
	}
	return s, nil
}

// Store returns the store the scheduler works on.
func (s *Scheduler) Store() store.Store { return s.store }

// Registry returns the handler registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Protocols returns the protocol registry.
func (s *Scheduler) Protocols() *ProtocolRegistry { return s.protocols }

// CreateRun validates spec and registers a new run in the Saved state.
func (s *Scheduler) CreateRun(ctx context.Context, spec RunSpec) (store.Run, error) {
	if err := s.registry.validate.Struct(spec); err != nil {
		return store.Run{}, toValidationError(err)
	}
	if _, ok := s.protocols.Get(spec.Protocol); !ok {
		return store.Run{}, &ValidationError{Field: "protocol", Message: spec.Protocol, Err: ErrUnknownProtocol}
	}

	id, err := s.store.CreateRun(ctx, store.Run{
		Protocol: spec.Protocol,
		Name:     spec.Name,
		State:    store.StateSaved,
		Script:   spec.Script,
		Comment:  spec.Comment,
		Group:    spec.Group,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRun) {
			return store.Run{}, &ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("run %q already exists for protocol %s", spec.Name, spec.Protocol),
				Err:     err,
			}
		}
		return store.Run{}, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.InfoContext(ctx, "run created", "run_id", id, "protocol", spec.Protocol, "name", spec.Name)
	return s.store.GetRun(ctx, id)
}

// CopyRun creates a new Saved run with the protocol, script, comment and
// group of runID. Steps are not copied. An empty name defaults to
// "<name> (copy)".
func (s *Scheduler) CopyRun(ctx context.Context, runID int64, name string) (store.Run, error) {
	src, err := s.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, err
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	return s.CreateRun(ctx, RunSpec{
		Protocol: src.Protocol,
		Name:     name,
		Script:   src.Script,
		Comment:  src.Comment,
		Group:    src.Group,
	})
}

// GetRun returns the run record.
func (s *Scheduler) GetRun(ctx context.Context, runID int64) (store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, ordered by id.
func (s *Scheduler) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Steps returns the steps of a run ordered by id.
func (s *Scheduler) Steps(ctx context.Context, runID int64) ([]store.Step, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of run %d: %w", runID, err)
	}
	return steps, nil
}

// Progress returns the number of finished steps and the total step count.
func (s *Scheduler) Progress(ctx context.Context, runID int64) (done, total int, err error) {
	done, total, err = s.store.Progress(ctx, runID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute progress of run %d: %w", runID, err)
	}
	return done, total, nil
}

// StopRun marks the run Aborted and terminates the process group executing
// it. Running handlers are not preempted by the state change; executors stop
// before their next step.
func (s *Scheduler) StopRun(ctx context.Context, runID int64) error {
	run, err := s.transition(ctx, runID, store.StateAborted, -1)
	if err != nil {
		return err
	}
	if err := s.supervisor.Terminate(ctx, run); err != nil {
		return fmt.Errorf("failed to terminate process of run %d: %w", runID, err)
	}
	return nil
}

// DeleteRun removes a run and its steps. A run that is still executing in a
// live process must be stopped first.
func (s *Scheduler) DeleteRun(ctx context.Context, runID int64) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Active() && s.supervisor.Alive(run.PID) {
		return &SchedulerError{
			Message: fmt.Sprintf("run %d is %s in process %d", runID, run.State, run.PID),
			Code:    "RUN_ACTIVE",
		}
	}
	if err := s.store.DeleteRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to delete run %d: %w", runID, err)
	}
	s.logger.InfoContext(ctx, "run deleted", "run_id", runID)
	return nil
}

func toValidationError(err error) error {
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		return &ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed on %q", fe.Tag()),
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}
