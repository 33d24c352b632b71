package emit

// Emitter receives observability events from the scheduler.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down step execution
//   - Thread-safe: called concurrently from the main loop and gap workers
//   - Resilient: never fail or panic the caller
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
