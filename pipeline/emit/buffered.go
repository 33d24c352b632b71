package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run, so callers can
// inspect the history of a run after the fact.
//
// Useful for:
//   - Tests asserting on the sequence of scheduler events
//   - The HTTP API's per-run event listing
//
// Memory grows with the number of events; call Clear when a run is deleted.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int64][]Event // runID -> events
}

// HistoryFilter selects a subset of a run's events.
type HistoryFilter struct {
	Command string // Filter by command (empty = no filter)
	Msg     string // Filter by message (empty = no filter)
	StepID  int64  // Filter by step (0 = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[int64][]Event),
	}
}

// Emit stores the event.
func (b *BufferedEmitter) Emit(event Event) {
	event.Time = event.timestamp()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of all events recorded for a run, oldest first.
func (b *BufferedEmitter) GetHistory(runID int64) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the run's events matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID int64, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.Command != "" && event.Command != filter.Command {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.StepID != 0 && event.StepID != filter.StepID {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes the history of one run, or of every run when runID is 0.
func (b *BufferedEmitter) Clear(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == 0 {
		b.events = make(map[int64][]Event)
	} else {
		delete(b.events, runID)
	}
}
