// Package store provides durable persistence for runs and their steps.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or step does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRun is returned when a run with the same protocol and name already exists.
var ErrDuplicateRun = errors.New("run already exists")

// ErrInvalidTransition is returned when a run state update is attempted from a
// state that is not an allowed source for the requested target state.
var ErrInvalidTransition = errors.New("invalid run state transition")

// ErrClosed is returned by every operation on a store that has been closed.
var ErrClosed = errors.New("store is closed")

// Run is one registered, potentially resumable execution of a pipeline.
type Run struct {
	ID       int64    `json:"id"`
	Protocol string   `json:"protocol"`
	Name     string   `json:"name"`
	State    RunState `json:"state"`

	// Script identifies where the run's definition lives. It is owned by the
	// protocol and never interpreted by the store.
	Script  string `json:"script,omitempty"`
	Comment string `json:"comment,omitempty"`

	// Group is a free label used for listing and filtering only.
	Group string `json:"group,omitempty"`

	// PID is the process currently executing the run, 0 when none.
	PID int `json:"pid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one unit of work within a run.
//
// Params and VerifyFiles hold the canonical serialized form produced by the
// handler registry. The store compares and returns them verbatim.
type Step struct {
	RunID       int64
	ID          int64
	Command     string
	Params      []byte
	VerifyFiles []byte
	Iteration   int
	MainLoop    bool
	PassContext bool

	// ParentID references an earlier step of the same run. Zero means none.
	ParentID int64

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Finished reports whether the step has completed successfully.
func (s Step) Finished() bool { return s.FinishedAt != nil }

// Started reports whether the step has been claimed or started.
func (s Step) Started() bool { return s.StartedAt != nil }

// RunFilter narrows ListRuns. Empty fields match everything.
type RunFilter struct {
	Group    string
	Protocol string
}

// ClaimStatus is the outcome of a gap claim attempt.
type ClaimStatus int

const (
	// ClaimNoMoreGaps means the run is no longer active and the worker should exit.
	ClaimNoMoreGaps ClaimStatus = iota
	// ClaimNoGapAvailable means nothing is eligible right now; retry later.
	ClaimNoGapAvailable
	// ClaimGapFound means a step was claimed and must be executed by the caller.
	ClaimGapFound
)

// String returns the lowercase name of the claim status.
func (c ClaimStatus) String() string {
	switch c {
	case ClaimNoMoreGaps:
		return "no_more_gaps"
	case ClaimNoGapAvailable:
		return "no_gap_available"
	case ClaimGapFound:
		return "gap_found"
	default:
		return "unknown"
	}
}

// Store persists runs and steps.
//
// Every operation that must be atomic (state flips, step id assignment, tail
// truncation, gap claims) is executed in a single transaction by the
// implementation. Implementations must be safe for concurrent use; separate
// processes coordinate only through the underlying database.
//
// Implementations:
//   - MemStore: in-process, for tests and single-process tools
//   - SQLStore: SQLite (default), MySQL and PostgreSQL backends
type Store interface {
	// CreateRun inserts a new run and returns its id. The run is created in
	// the state given by r.State (Saved when zero). Returns ErrDuplicateRun
	// if (protocol, name) is taken.
	CreateRun(ctx context.Context, r Run) (int64, error)

	// GetRun returns ErrNotFound when the run does not exist.
	GetRun(ctx context.Context, runID int64) (Run, error)

	// ListRuns returns runs ordered by id.
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// UpdateRunState moves the run to state "to" if its current state is one
	// of "from" (any state when from is empty). Returns ErrInvalidTransition
	// otherwise. pid is recorded on the run when >= 0.
	UpdateRunState(ctx context.Context, runID int64, to RunState, pid int, from ...RunState) (Run, error)

	// DeleteRun removes the run and all of its steps.
	DeleteRun(ctx context.Context, runID int64) error

	// AppendStep assigns the next per-run step id and inserts the step.
	AppendStep(ctx context.Context, s Step) (int64, error)

	// GetStep returns ErrNotFound when the step does not exist.
	GetStep(ctx context.Context, runID, stepID int64) (Step, error)

	// ListSteps returns all steps of a run ordered by step id.
	ListSteps(ctx context.Context, runID int64) ([]Step, error)

	// TruncateSteps deletes every step with id >= fromStepID and rewinds the
	// run's id sequence so the next appended step receives fromStepID.
	TruncateSteps(ctx context.Context, runID, fromStepID int64) error

	// ClearSteps deletes every step of the run. The id sequence is kept, so
	// steps appended afterwards receive brand-new ids.
	ClearSteps(ctx context.Context, runID int64) error

	// ResetUnfinishedMainLoop clears StartedAt on main-loop steps that were
	// started but never finished.
	ResetUnfinishedMainLoop(ctx context.Context, runID int64) error

	// ResetUnfinishedGaps clears StartedAt on gap steps that were claimed
	// but never finished, so that a relaunch can claim them again.
	ResetUnfinishedGaps(ctx context.Context, runID int64) error

	// NextMainLoopStep returns the oldest main-loop step with FinishedAt unset,
	// or ErrNotFound when none remain.
	NextMainLoopStep(ctx context.Context, runID int64) (Step, error)

	// MarkStepStarted sets StartedAt. It fails with ErrNotFound when the step
	// does not exist.
	MarkStepStarted(ctx context.Context, runID, stepID int64, at time.Time) error

	// MarkStepFinished sets FinishedAt.
	MarkStepFinished(ctx context.Context, runID, stepID int64, at time.Time) error

	// ClaimGap atomically re-checks that the run is Started, selects the
	// lowest-id eligible gap step and sets its StartedAt.
	//
	// When stepID is non-zero only that step is considered, which lets the
	// main loop claim a specific gap parent it is waiting on. A zero "at"
	// stamps the claim with the store clock inside the transaction, after
	// the parent's completion has been observed.
	ClaimGap(ctx context.Context, runID, stepID int64, at time.Time) (Step, ClaimStatus, error)

	// PendingGaps counts gap steps that have not finished yet.
	PendingGaps(ctx context.Context, runID int64) (int, error)

	// Progress returns the number of finished steps and the total step count.
	Progress(ctx context.Context, runID int64) (done, total int, err error)

	// Close releases the underlying resources.
	Close() error
}
