package emit

import "time"

// Event represents an observability event emitted by the scheduler.
//
// Events cover:
//   - Run state changes ("run_state")
//   - Step registration and divergence ("step_inserted", "step_diverged")
//   - Gap claims ("gap_claimed")
//   - Step execution ("step_started", "step_finished", "step_failed")
//
// Events are emitted to an Emitter which can:
//   - Log through slog
//   - Send spans to OpenTelemetry
//   - Keep an in-memory history for inspection
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID int64

	// StepID is the per-run step id. Zero for run-level events.
	StepID int64

	// Command is the step's command name. Empty for run-level events.
	Command string

	// Msg is the event kind, e.g. "step_finished".
	Msg string

	// Time is when the event occurred. Emitters fill it in when zero.
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "lane": "main" or "gap"
	//   - "worker": gap worker id
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "state": new run state
	Meta map[string]interface{}
}

// timestamp returns the event time, defaulting to now.
func (e Event) timestamp() time.Time {
	if e.Time.IsZero() {
		return time.Now()
	}
	return e.Time
}
