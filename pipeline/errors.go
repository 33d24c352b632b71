// Package pipeline provides the protocol step scheduler: resumable step
// registration, the sequential main loop and concurrent gap workers.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand indicates a step references a command with no registered handler.
var ErrUnknownCommand = errors.New("unknown step command")

// ErrUnknownProtocol indicates a run references a protocol that is not registered.
var ErrUnknownProtocol = errors.New("unknown protocol")

// ErrRunAborted is returned by executors that observe a run stopped externally.
var ErrRunAborted = errors.New("run aborted")

// ErrRunFailed is returned by the main loop when a gap worker failed the run.
var ErrRunFailed = errors.New("run failed")

// ErrNoRunContext is returned when a handler registered without run context
// tries to use scheduler operations.
var ErrNoRunContext = errors.New("step was not registered with run context")

// ErrInvalidRetryPolicy indicates a RetryPolicy violates its constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// SchedulerError represents an error from Scheduler operations.
type SchedulerError struct {
	Message string
	Code    string
	Err     error
}

func (e *SchedulerError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// ValidationError reports a run or step that cannot be created or executed.
// Validation errors are raised before any step runs and are never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "validation failed for " + e.Field + ": " + e.Message
	}
	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StepError wraps a failure raised while executing a step.
type StepError struct {
	RunID   int64
	StepID  int64
	Command string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) of run %d failed: %v", e.StepID, e.Command, e.RunID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// MissingFilesError is raised when a handler returned successfully but some
// of the step's declared result files do not exist.
type MissingFilesError struct {
	RunID  int64
	StepID int64
	Paths  []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("missing result files for step %d of run %d: %s",
		e.StepID, e.RunID, strings.Join(e.Paths, ", "))
}
