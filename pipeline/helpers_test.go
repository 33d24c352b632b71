package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// recorder remembers the order in which steps executed.
type recorder struct {
	mu    sync.Mutex
	names []string
	hooks map[string]func(ctx context.Context, sc *pipeline.StepContext) error
}

func newRecorder() *recorder {
	return &recorder{hooks: make(map[string]func(context.Context, *pipeline.StepContext) error)}
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.executed() {
		if got == name {
			n++
		}
	}
	return n
}

// on registers a hook run before the named record step completes.
func (r *recorder) on(name string, fn func(ctx context.Context, sc *pipeline.StepContext) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = fn
}

func (r *recorder) hook(name string) func(context.Context, *pipeline.StepContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooks[name]
}

type RecordParams struct {
	Name string `json:"name" validate:"required"`
}

type TouchParams struct {
	Name  string   `json:"name" validate:"required"`
	Paths []string `json:"paths" validate:"required,min=1"`
}

type FailParams struct {
	Message string `json:"message"`
}

// newTestRegistry registers the commands used across scheduler tests:
//   - record: appends its name to rec, running any hook first
//   - touch: records and creates every path
//   - fail: always errors
//   - panic: always panics
func newTestRegistry(rec *recorder) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	pipeline.MustRegister(reg, "record", func(ctx context.Context, sc *pipeline.StepContext, p RecordParams) error {
		if fn := rec.hook(p.Name); fn != nil {
			if err := fn(ctx, sc); err != nil {
				return err
			}
		}
		rec.add(p.Name)
		return nil
	})
	pipeline.MustRegister(reg, "touch", func(_ context.Context, _ *pipeline.StepContext, p TouchParams) error {
		rec.add(p.Name)
		for _, path := range p.Paths {
			if err := os.WriteFile(path, []byte(p.Name), 0o600); err != nil {
				return err
			}
		}
		return nil
	})
	pipeline.MustRegister(reg, "fail", func(_ context.Context, _ *pipeline.StepContext, p FailParams) error {
		return errors.New(p.Message)
	})
	pipeline.MustRegister(reg, "panic", func(context.Context, *pipeline.StepContext, pipeline.NoParams) error {
		panic("handler exploded")
	})
	return reg
}

// stepList is a protocol whose step sequence can be changed between launches.
type stepList struct {
	mu    sync.Mutex
	specs []pipeline.StepSpec
	ids   []int64
}

func (l *stepList) set(specs ...pipeline.StepSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = specs
}

func (l *stepList) lastIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.ids...)
}

func (l *stepList) define(ctx context.Context, _ store.Run, d *pipeline.Differ) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = l.ids[:0]
	for _, spec := range l.specs {
		id, err := d.InsertStep(ctx, spec)
		if err != nil {
			return err
		}
		l.ids = append(l.ids, id)
	}
	return nil
}

type fixture struct {
	sched   *pipeline.Scheduler
	store   store.Store
	rec     *recorder
	steps   *stepList
	events  *emit.BufferedEmitter
	metrics *pipeline.PrometheusMetrics
}

type storeFactory func(t *testing.T) store.Store

func memStore(*testing.T) store.Store { return store.NewMemStore() }

func sqliteStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return st
}

// backends lists the stores every scheduler property is checked against.
var backends = []struct {
	name    string
	factory storeFactory
}{
	{"memory", memStore},
	{"sqlite", sqliteStore},
}

func newFixture(t *testing.T, factory storeFactory, opts ...pipeline.Option) *fixture {
	t.Helper()

	st := factory(t)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:   st,
		rec:     newRecorder(),
		steps:   &stepList{},
		events:  emit.NewBufferedEmitter(),
		metrics: newTestMetrics(),
	}

	protocols := pipeline.NewProtocolRegistry()
	protocols.MustRegister(pipeline.NewProtocol("test", f.steps.define))

	base := []pipeline.Option{
		pipeline.WithProtocols(protocols),
		pipeline.WithEmitter(f.events),
		pipeline.WithMetrics(f.metrics),
		pipeline.WithPollInterval(5 * time.Millisecond),
		pipeline.WithSupervisor(pipeline.NoopSupervisor{}),
	}
	sched, err := pipeline.New(st, newTestRegistry(f.rec), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.sched = sched
	return f
}

func (f *fixture) createRun(t *testing.T, name string) int64 {
	t.Helper()
	run, err := f.sched.CreateRun(context.Background(), pipeline.RunSpec{Protocol: "test", Name: name})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run.ID
}

func (f *fixture) state(t *testing.T, runID int64) store.RunState {
	t.Helper()
	run, err := f.sched.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return run.State
}

func (f *fixture) step(t *testing.T, runID, stepID int64) store.Step {
	t.Helper()
	s, err := f.store.GetStep(context.Background(), runID, stepID)
	if err != nil {
		t.Fatalf("GetStep(%d) failed: %v", stepID, err)
	}
	return s
}

func mainStep(name string) pipeline.StepSpec {
	return pipeline.StepSpec{Command: "record", Params: RecordParams{Name: name}, MainLoop: true}
}

func gapStep(name string, parent int64) pipeline.StepSpec {
	return pipeline.StepSpec{Command: "record", Params: RecordParams{Name: name}, ParentID: parent}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
