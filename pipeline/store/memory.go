package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process tools where persistence isn't required
//
// MemStore is thread-safe. A single mutex serializes every operation, which
// gives claims the same exclusivity a database transaction gives SQLStore.
// Data is lost when the process terminates and separate processes cannot
// share it; use SQLStore for multi-process gap workers.
type MemStore struct {
	mu     sync.Mutex
	closed bool
	nextID int64
	runs   map[int64]*memRun
	now    func() time.Time
}

type memRun struct {
	run   Run
	seq   int64
	steps []Step // ordered by id
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs: make(map[int64]*memRun),
		now:  time.Now,
	}
}

func (m *MemStore) lookup(runID int64) (*memRun, error) {
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// CreateRun implements Store.
func (m *MemStore) CreateRun(_ context.Context, r Run) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	for _, existing := range m.runs {
		if existing.run.Protocol == r.Protocol && existing.run.Name == r.Name {
			return 0, ErrDuplicateRun
		}
	}

	m.nextID++
	now := m.now()
	r.ID = m.nextID
	r.CreatedAt = now
	r.UpdatedAt = now
	m.runs[r.ID] = &memRun{run: r}
	return r.ID, nil
}

// GetRun implements Store.
func (m *MemStore) GetRun(_ context.Context, runID int64) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	return r.run, nil
}

// ListRuns implements Store.
func (m *MemStore) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.Group != "" && r.run.Group != filter.Group {
			continue
		}
		if filter.Protocol != "" && r.run.Protocol != filter.Protocol {
			continue
		}
		runs = append(runs, r.run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// UpdateRunState implements Store.
func (m *MemStore) UpdateRunState(_ context.Context, runID int64, to RunState, pid int, from ...RunState) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	if !stateIn(r.run.State, from) {
		return r.run, ErrInvalidTransition
	}
	r.run.State = to
	if pid >= 0 {
		r.run.PID = pid
	}
	r.run.UpdatedAt = m.now()
	return r.run, nil
}

// DeleteRun implements Store.
func (m *MemStore) DeleteRun(_ context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(runID); err != nil {
		return err
	}
	delete(m.runs, runID)
	return nil
}

// AppendStep implements Store.
func (m *MemStore) AppendStep(_ context.Context, s Step) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(s.RunID)
	if err != nil {
		return 0, err
	}
	r.seq++
	s.ID = r.seq
	s.Params = cloneBytes(s.Params)
	s.VerifyFiles = cloneBytes(s.VerifyFiles)
	r.steps = append(r.steps, s)
	r.run.UpdatedAt = m.now()
	return s.ID, nil
}

// GetStep implements Store.
func (m *MemStore) GetStep(_ context.Context, runID, stepID int64) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return Step{}, err
	}
	i := r.index(stepID)
	if i < 0 {
		return Step{}, ErrNotFound
	}
	return copyStep(r.steps[i]), nil
}

// ListSteps implements Store.
func (m *MemStore) ListSteps(_ context.Context, runID int64) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, len(r.steps))
	for i, s := range r.steps {
		steps[i] = copyStep(s)
	}
	return steps, nil
}

// TruncateSteps implements Store.
func (m *MemStore) TruncateSteps(_ context.Context, runID, fromStepID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	kept := r.steps[:0]
	for _, s := range r.steps {
		if s.ID < fromStepID {
			kept = append(kept, s)
		}
	}
	r.steps = kept
	if fromStepID-1 < r.seq {
		r.seq = fromStepID - 1
	}
	r.run.UpdatedAt = m.now()
	return nil
}

// ClearSteps implements Store.
func (m *MemStore) ClearSteps(_ context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	r.steps = nil
	r.run.UpdatedAt = m.now()
	return nil
}

// ResetUnfinishedMainLoop implements Store.
func (m *MemStore) ResetUnfinishedMainLoop(_ context.Context, runID int64) error {
	return m.resetUnfinished(runID, true)
}

// ResetUnfinishedGaps implements Store.
func (m *MemStore) ResetUnfinishedGaps(_ context.Context, runID int64) error {
	return m.resetUnfinished(runID, false)
}

func (m *MemStore) resetUnfinished(runID int64, mainLoop bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	for i := range r.steps {
		if r.steps[i].MainLoop == mainLoop && r.steps[i].FinishedAt == nil {
			r.steps[i].StartedAt = nil
		}
	}
	return nil
}

// NextMainLoopStep implements Store.
func (m *MemStore) NextMainLoopStep(_ context.Context, runID int64) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return Step{}, err
	}
	for _, s := range r.steps {
		if s.MainLoop && s.FinishedAt == nil {
			return copyStep(s), nil
		}
	}
	return Step{}, ErrNotFound
}

// MarkStepStarted implements Store.
func (m *MemStore) MarkStepStarted(_ context.Context, runID, stepID int64, at time.Time) error {
	return m.mark(runID, stepID, func(s *Step) { s.StartedAt = &at })
}

// MarkStepFinished implements Store.
func (m *MemStore) MarkStepFinished(_ context.Context, runID, stepID int64, at time.Time) error {
	return m.mark(runID, stepID, func(s *Step) { s.FinishedAt = &at })
}

func (m *MemStore) mark(runID, stepID int64, fn func(*Step)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	i := r.index(stepID)
	if i < 0 {
		return ErrNotFound
	}
	fn(&r.steps[i])
	return nil
}

// ClaimGap implements Store.
func (m *MemStore) ClaimGap(_ context.Context, runID, stepID int64, at time.Time) (Step, ClaimStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return Step{}, ClaimNoMoreGaps, err
	}
	switch {
	case r.run.State.Terminal():
		return Step{}, ClaimNoMoreGaps, nil
	case r.run.State != StateStarted:
		return Step{}, ClaimNoGapAvailable, nil
	}

	bound := r.mainLoopBound()
	for i := range r.steps {
		s := &r.steps[i]
		if stepID != 0 && s.ID != stepID {
			continue
		}
		if s.ID >= bound {
			break
		}
		if s.MainLoop || s.StartedAt != nil || !r.parentFinished(*s) {
			continue
		}
		if at.IsZero() {
			at = m.now()
		}
		s.StartedAt = &at
		return copyStep(*s), ClaimGapFound, nil
	}
	return Step{}, ClaimNoGapAvailable, nil
}

// PendingGaps implements Store.
func (m *MemStore) PendingGaps(_ context.Context, runID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range r.steps {
		if !s.MainLoop && s.FinishedAt == nil {
			n++
		}
	}
	return n, nil
}

// Progress implements Store.
func (m *MemStore) Progress(_ context.Context, runID int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(runID)
	if err != nil {
		return 0, 0, err
	}
	done := 0
	for _, s := range r.steps {
		if s.FinishedAt != nil {
			done++
		}
	}
	return done, len(r.steps), nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (r *memRun) index(stepID int64) int {
	i := sort.Search(len(r.steps), func(i int) bool { return r.steps[i].ID >= stepID })
	if i < len(r.steps) && r.steps[i].ID == stepID {
		return i
	}
	return -1
}

// mainLoopBound is the id of the earliest unfinished main-loop step, or the
// largest possible id when every main-loop step has finished.
func (r *memRun) mainLoopBound() int64 {
	for _, s := range r.steps {
		if s.MainLoop && s.FinishedAt == nil {
			return s.ID
		}
	}
	return int64(^uint64(0) >> 1)
}

func (r *memRun) parentFinished(s Step) bool {
	if s.ParentID == 0 {
		return true
	}
	i := r.index(s.ParentID)
	return i >= 0 && r.steps[i].FinishedAt != nil
}

func copyStep(s Step) Step {
	s.Params = cloneBytes(s.Params)
	s.VerifyFiles = cloneBytes(s.VerifyFiles)
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
