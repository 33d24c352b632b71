package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// Mode selects how a Differ treats the steps a run already has.
type Mode int

const (
	// ModeResume keeps recorded steps that match what is registered again.
	ModeResume Mode = iota
	// ModeRestart deletes every recorded step before the first registration.
	ModeRestart
)

func (m Mode) String() string {
	if m == ModeRestart {
		return "restart"
	}
	return "resume"
}

// StepSpec describes one step to register.
type StepSpec struct {
	// Command names the registered handler.
	Command string

	// Params is the handler's parameter struct (or a pointer to it, or a
	// JSON-compatible value that decodes into it).
	Params any

	// VerifyFiles must all exist after the handler returns.
	VerifyFiles []string

	// ParentID is an earlier step that must finish first. Zero means none.
	ParentID int64

	// MainLoop steps run in sequence in the main loop; the others are gap
	// steps, executed by whichever worker claims them first.
	MainLoop bool

	// PassContext gives the handler access to scheduler operations.
	PassContext bool

	Iteration int
}

// Differ registers the steps of a run, reusing the run's recorded history.
//
// In resume mode each InsertStep is compared with the recorded step at the
// same position. The first mismatch (different command, parameters, verify
// files or structure, or a verify file missing on disk) deletes that step
// and everything after it; from then on every call inserts a new step.
//
// A Differ is used by a single goroutine while a protocol defines a run.
type Differ struct {
	sched    *Scheduler
	runID    int64
	mode     Mode
	history  []store.Step
	cursor   int
	diverged bool
	known    map[int64]struct{}
	reused   int
	inserted int
}

// NewDiffer prepares registration for runID. In restart mode the run's steps
// are deleted immediately; new steps get fresh ids.
func (s *Scheduler) NewDiffer(ctx context.Context, runID int64, mode Mode) (*Differ, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	d := &Differ{sched: s, runID: runID, mode: mode, known: make(map[int64]struct{})}
	if mode == ModeRestart {
		if err := s.store.ClearSteps(ctx, runID); err != nil {
			return nil, fmt.Errorf("failed to clear steps of run %d: %w", runID, err)
		}
		d.diverged = true
		return d, nil
	}

	history, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of run %d: %w", runID, err)
	}
	d.history = history
	return d, nil
}

// RunID returns the run being defined.
func (d *Differ) RunID() int64 { return d.runID }

// Diverged reports whether registration has stopped reusing history.
func (d *Differ) Diverged() bool { return d.diverged }

// Stats returns how many registrations reused a recorded step and how many
// inserted a new one.
func (d *Differ) Stats() (reused, inserted int) { return d.reused, d.inserted }

// InsertStep registers spec and returns its step id.
func (d *Differ) InsertStep(ctx context.Context, spec StepSpec) (int64, error) {
	enc, err := d.sched.encodeStep(d.runID, spec)
	if err != nil {
		return 0, err
	}
	// Only steps registered through this Differ can be parents. Ids left over
	// from a restart or a truncated history no longer exist.
	if spec.ParentID > 0 {
		if _, ok := d.known[spec.ParentID]; !ok {
			return 0, &ValidationError{
				Field:   "parent",
				Message: fmt.Sprintf("step %d does not exist in run %d", spec.ParentID, d.runID),
				Err:     store.ErrNotFound,
			}
		}
	}

	if !d.diverged {
		if d.cursor < len(d.history) {
			prev := d.history[d.cursor]
			reason := divergence(prev, enc)
			if reason == "" {
				d.cursor++
				d.known[prev.ID] = struct{}{}
				d.reused++
				return prev.ID, nil
			}
			if err := d.diverge(ctx, prev, reason); err != nil {
				return 0, err
			}
		}
		d.diverged = true
	}

	id, err := d.sched.store.AppendStep(ctx, enc)
	if err != nil {
		return 0, fmt.Errorf("failed to insert step: %w", err)
	}
	d.known[id] = struct{}{}
	d.inserted++
	d.sched.emitter.Emit(emit.Event{
		RunID:   d.runID,
		StepID:  id,
		Command: spec.Command,
		Msg:     "step_inserted",
		Meta:    map[string]interface{}{"main_loop": spec.MainLoop},
	})
	return id, nil
}

func (d *Differ) diverge(ctx context.Context, prev store.Step, reason string) error {
	if err := d.sched.store.TruncateSteps(ctx, d.runID, prev.ID); err != nil {
		return fmt.Errorf("failed to truncate run %d at step %d: %w", d.runID, prev.ID, err)
	}
	d.sched.metrics.IncrementDivergences()
	d.sched.emitter.Emit(emit.Event{
		RunID:   d.runID,
		StepID:  prev.ID,
		Command: prev.Command,
		Msg:     "step_diverged",
		Meta: map[string]interface{}{
			"reason":    reason,
			"discarded": len(d.history) - d.cursor,
		},
	})
	d.sched.logger.InfoContext(ctx, "run diverged from recorded steps",
		"run_id", d.runID, "step_id", prev.ID, "reason", reason)
	return nil
}

// divergence returns why prev cannot be reused for next, or "" when it can.
func divergence(prev, next store.Step) string {
	switch {
	case prev.Command != next.Command:
		return "command"
	case !bytes.Equal(prev.Params, next.Params):
		return "params"
	case !bytes.Equal(prev.VerifyFiles, next.VerifyFiles):
		return "verify_files"
	case prev.ParentID != next.ParentID,
		prev.MainLoop != next.MainLoop,
		prev.PassContext != next.PassContext,
		prev.Iteration != next.Iteration:
		return "structure"
	}
	if len(missingFiles(prev.VerifyFiles)) > 0 {
		return "missing_files"
	}
	return ""
}

// encodeStep validates spec and converts it to its stored form.
func (s *Scheduler) encodeStep(runID int64, spec StepSpec) (store.Step, error) {
	if spec.ParentID < 0 {
		return store.Step{}, &ValidationError{Field: "parent", Message: "must not be negative"}
	}
	params, err := s.registry.EncodeParams(spec.Command, spec.Params)
	if err != nil {
		return store.Step{}, err
	}
	verify, err := encodeVerifyFiles(spec.VerifyFiles)
	if err != nil {
		return store.Step{}, err
	}
	return store.Step{
		RunID:       runID,
		Command:     spec.Command,
		Params:      params,
		VerifyFiles: verify,
		Iteration:   spec.Iteration,
		MainLoop:    spec.MainLoop,
		PassContext: spec.PassContext,
		ParentID:    spec.ParentID,
	}, nil
}

// appendStep inserts a step into a run that is already executing. The step is
// never compared with history.
func (s *Scheduler) appendStep(ctx context.Context, runID int64, spec StepSpec) (int64, error) {
	enc, err := s.encodeStep(runID, spec)
	if err != nil {
		return 0, err
	}
	if spec.ParentID > 0 {
		if _, err := s.store.GetStep(ctx, runID, spec.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, &ValidationError{
					Field:   "parent",
					Message: fmt.Sprintf("step %d does not exist in run %d", spec.ParentID, runID),
					Err:     err,
				}
			}
			return 0, fmt.Errorf("failed to load parent step: %w", err)
		}
	}

	id, err := s.store.AppendStep(ctx, enc)
	if err != nil {
		return 0, fmt.Errorf("failed to insert step: %w", err)
	}
	s.emitter.Emit(emit.Event{
		RunID:   runID,
		StepID:  id,
		Command: spec.Command,
		Msg:     "step_inserted",
		Meta:    map[string]interface{}{"main_loop": spec.MainLoop},
	})
	if err := s.waker.Notify(ctx, runID); err != nil {
		s.logger.WarnContext(ctx, "failed to notify workers", "run_id", runID, "error", err)
	}
	return id, nil
}

// missingFiles returns the paths of a serialized verify list that do not exist.
func missingFiles(raw []byte) []string {
	paths, err := DecodeVerifyFiles(raw)
	if err != nil {
		return []string{string(raw)}
	}
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}
