package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// storeFactory returns a fresh store for one test. The store is closed by the
// caller through t.Cleanup.
type storeFactory func(t *testing.T) store.Store

func newTestSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.OpenSQLite(context.Background(), dbPath, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return st
}

func newTestMySQLStore(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL test: Set TEST_MYSQL_DSN environment variable to run")
	}
	st, err := store.OpenMySQL(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("failed to open mysql store: %v", err)
	}
	return st
}

func newTestPostgresStore(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL test: Set TEST_POSTGRES_DSN environment variable to run")
	}
	st, err := store.OpenPostgres(context.Background(), store.PostgresConfig{DSN: dsn}, nil)
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	return st
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store { return store.NewMemStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLiteStore)
}

func TestMySQLStore(t *testing.T) {
	runStoreSuite(t, newTestMySQLStore)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, newTestPostgresStore)
}

// uniqueName keeps runs from colliding when a shared database is reused
// across test runs.
func uniqueName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func createRun(t *testing.T, st store.Store, state store.RunState) int64 {
	t.Helper()
	id, err := st.CreateRun(context.Background(), store.Run{
		Protocol: "test",
		Name:     uniqueName(t),
		State:    state,
		Group:    "g1",
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	t.Cleanup(func() { _ = st.DeleteRun(context.Background(), id) })
	return id
}

func appendStep(t *testing.T, st store.Store, runID int64, mainLoop bool, parent int64) int64 {
	t.Helper()
	id, err := st.AppendStep(context.Background(), store.Step{
		RunID:       runID,
		Command:     "noop",
		Params:      []byte(`{"n":1}`),
		VerifyFiles: []byte(`[]`),
		MainLoop:    mainLoop,
		ParentID:    parent,
	})
	if err != nil {
		t.Fatalf("AppendStep failed: %v", err)
	}
	return id
}

func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("run lifecycle", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()

		name := uniqueName(t)
		id, err := st.CreateRun(ctx, store.Run{Protocol: "test", Name: name, Script: "s.yaml", Comment: "c", Group: "lab"})
		if err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		defer func() { _ = st.DeleteRun(ctx, id) }()

		if _, err := st.CreateRun(ctx, store.Run{Protocol: "test", Name: name}); !errors.Is(err, store.ErrDuplicateRun) {
			t.Errorf("expected ErrDuplicateRun, got %v", err)
		}

		run, err := st.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Name != name || run.Script != "s.yaml" || run.Comment != "c" || run.Group != "lab" {
			t.Errorf("unexpected run: %+v", run)
		}
		if run.State != store.StateSaved {
			t.Errorf("expected Saved, got %v", run.State)
		}
		if run.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}

		runs, err := st.ListRuns(ctx, store.RunFilter{Group: "lab"})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		found := false
		for _, r := range runs {
			if r.Group != "lab" {
				t.Errorf("filter leaked run from group %q", r.Group)
			}
			if r.ID == id {
				found = true
			}
		}
		if !found {
			t.Error("created run missing from ListRuns")
		}

		if _, err := st.GetRun(ctx, id+100000); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("state transitions are conditional", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		id := createRun(t, st, store.StateSaved)

		run, err := st.UpdateRunState(ctx, id, store.StateStarted, 4242, store.StateSaved, store.StateLaunched)
		if err != nil {
			t.Fatalf("UpdateRunState failed: %v", err)
		}
		if run.State != store.StateStarted || run.PID != 4242 {
			t.Errorf("unexpected run after update: %+v", run)
		}

		_, err = st.UpdateRunState(ctx, id, store.StateStarted, -1, store.StateSaved)
		if !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}

		run, err = st.UpdateRunState(ctx, id, store.StateFinished, -1)
		if err != nil {
			t.Fatalf("unconditional update failed: %v", err)
		}
		if run.PID != 4242 {
			t.Errorf("pid should be kept when -1 is passed, got %d", run.PID)
		}
	})

	t.Run("step ids are contiguous per run", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runA := createRun(t, st, store.StateSaved)
		runB := createRun(t, st, store.StateSaved)

		for want := int64(1); want <= 5; want++ {
			if got := appendStep(t, st, runA, true, 0); got != want {
				t.Fatalf("run A: expected step id %d, got %d", want, got)
			}
		}
		if got := appendStep(t, st, runB, true, 0); got != 1 {
			t.Errorf("run B: sequence must be scoped per run, got %d", got)
		}

		if err := st.TruncateSteps(ctx, runA, 3); err != nil {
			t.Fatalf("TruncateSteps failed: %v", err)
		}
		steps, err := st.ListSteps(ctx, runA)
		if err != nil {
			t.Fatalf("ListSteps failed: %v", err)
		}
		if len(steps) != 2 {
			t.Fatalf("expected 2 steps after truncate, got %d", len(steps))
		}
		if got := appendStep(t, st, runA, true, 0); got != 3 {
			t.Errorf("expected truncated sequence to resume at 3, got %d", got)
		}

		if err := st.ClearSteps(ctx, runA); err != nil {
			t.Fatalf("ClearSteps failed: %v", err)
		}
		if got := appendStep(t, st, runA, true, 0); got != 4 {
			t.Errorf("expected cleared run to keep its sequence, got %d", got)
		}
	})

	t.Run("step payload round trip", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runID := createRun(t, st, store.StateSaved)

		parent := appendStep(t, st, runID, true, 0)
		id, err := st.AppendStep(ctx, store.Step{
			RunID:       runID,
			Command:     "touch",
			Params:      []byte(`{"paths":["a.txt"]}`),
			VerifyFiles: []byte(`["a.txt"]`),
			Iteration:   3,
			MainLoop:    false,
			PassContext: true,
			ParentID:    parent,
		})
		if err != nil {
			t.Fatalf("AppendStep failed: %v", err)
		}

		got, err := st.GetStep(ctx, runID, id)
		if err != nil {
			t.Fatalf("GetStep failed: %v", err)
		}
		if string(got.Params) != `{"paths":["a.txt"]}` || string(got.VerifyFiles) != `["a.txt"]` {
			t.Errorf("payload changed: %s %s", got.Params, got.VerifyFiles)
		}
		if got.Iteration != 3 || got.MainLoop || !got.PassContext || got.ParentID != parent {
			t.Errorf("flags changed: %+v", got)
		}
		if got.StartedAt != nil || got.FinishedAt != nil {
			t.Error("new step must have no timestamps")
		}

		started := time.Now()
		if err := st.MarkStepStarted(ctx, runID, id, started); err != nil {
			t.Fatalf("MarkStepStarted failed: %v", err)
		}
		if err := st.MarkStepFinished(ctx, runID, id, started.Add(time.Millisecond)); err != nil {
			t.Fatalf("MarkStepFinished failed: %v", err)
		}
		got, _ = st.GetStep(ctx, runID, id)
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt lost precision: %v vs %v", got.StartedAt, started)
		}
		if got.FinishedAt == nil || !got.FinishedAt.After(*got.StartedAt) {
			t.Errorf("FinishedAt not after StartedAt: %v", got.FinishedAt)
		}

		if err := st.MarkStepStarted(ctx, runID, 999, started); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing step, got %v", err)
		}
	})

	t.Run("main loop queries", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runID := createRun(t, st, store.StateSaved)

		a := appendStep(t, st, runID, true, 0)
		b := appendStep(t, st, runID, false, a)
		c := appendStep(t, st, runID, true, 0)

		next, err := st.NextMainLoopStep(ctx, runID)
		if err != nil || next.ID != a {
			t.Fatalf("expected step %d, got %d (%v)", a, next.ID, err)
		}

		now := time.Now()
		_ = st.MarkStepStarted(ctx, runID, a, now)
		_ = st.MarkStepFinished(ctx, runID, a, now)
		_ = st.MarkStepStarted(ctx, runID, c, now)

		if err := st.ResetUnfinishedMainLoop(ctx, runID); err != nil {
			t.Fatalf("ResetUnfinishedMainLoop failed: %v", err)
		}
		cs, _ := st.GetStep(ctx, runID, c)
		if cs.StartedAt != nil {
			t.Error("unfinished main-loop step should have StartedAt cleared")
		}
		as, _ := st.GetStep(ctx, runID, a)
		if as.StartedAt == nil {
			t.Error("finished step must keep StartedAt")
		}

		_ = st.MarkStepStarted(ctx, runID, b, now)
		if err := st.ResetUnfinishedMainLoop(ctx, runID); err != nil {
			t.Fatal(err)
		}
		if bs, _ := st.GetStep(ctx, runID, b); bs.StartedAt == nil {
			t.Error("main-loop reset must not touch gap steps")
		}
		if err := st.ResetUnfinishedGaps(ctx, runID); err != nil {
			t.Fatalf("ResetUnfinishedGaps failed: %v", err)
		}
		if bs, _ := st.GetStep(ctx, runID, b); bs.StartedAt != nil {
			t.Error("unfinished gap step should have StartedAt cleared")
		}

		next, err = st.NextMainLoopStep(ctx, runID)
		if err != nil || next.ID != c {
			t.Fatalf("expected step %d, got %d (%v)", c, next.ID, err)
		}
		_ = st.MarkStepFinished(ctx, runID, c, now)
		if _, err := st.NextMainLoopStep(ctx, runID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound when main loop is exhausted, got %v", err)
		}

		done, total, err := st.Progress(ctx, runID)
		if err != nil {
			t.Fatalf("Progress failed: %v", err)
		}
		if done != 2 || total != 3 {
			t.Errorf("expected progress 2/3, got %d/%d", done, total)
		}
		pending, err := st.PendingGaps(ctx, runID)
		if err != nil || pending != 1 {
			t.Errorf("expected 1 pending gap, got %d (%v)", pending, err)
		}
	})

	t.Run("gap eligibility", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runID := createRun(t, st, store.StateSaved)

		a := appendStep(t, st, runID, true, 0)
		b := appendStep(t, st, runID, false, a)
		c := appendStep(t, st, runID, true, 0)

		// Not started yet: nothing to hand out, but workers should keep waiting.
		_, status, err := st.ClaimGap(ctx, runID, 0, time.Now())
		if err != nil || status != store.ClaimNoGapAvailable {
			t.Fatalf("expected NoGapAvailable before start, got %v (%v)", status, err)
		}

		if _, err := st.UpdateRunState(ctx, runID, store.StateStarted, -1); err != nil {
			t.Fatal(err)
		}

		// Parent A unfinished.
		_, status, _ = st.ClaimGap(ctx, runID, 0, time.Now())
		if status != store.ClaimNoGapAvailable {
			t.Fatalf("B must wait for A, got %v", status)
		}

		now := time.Now()
		_ = st.MarkStepStarted(ctx, runID, a, now)
		_ = st.MarkStepFinished(ctx, runID, a, now)

		got, status, err := st.ClaimGap(ctx, runID, 0, time.Now())
		if err != nil || status != store.ClaimGapFound || got.ID != b {
			t.Fatalf("expected to claim B (%d), got %v %d (%v)", b, status, got.ID, err)
		}
		if got.StartedAt == nil {
			t.Error("claimed step must carry StartedAt")
		}

		_, status, _ = st.ClaimGap(ctx, runID, 0, time.Now())
		if status != store.ClaimNoGapAvailable {
			t.Errorf("B can only be claimed once, got %v", status)
		}

		_ = st.MarkStepFinished(ctx, runID, c, time.Now())
		if _, err := st.UpdateRunState(ctx, runID, store.StateFinished, -1); err != nil {
			t.Fatal(err)
		}
		_, status, _ = st.ClaimGap(ctx, runID, 0, time.Now())
		if status != store.ClaimNoMoreGaps {
			t.Errorf("expected NoMoreGaps after finish, got %v", status)
		}
	})

	t.Run("gap steps never pass the main loop", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runID := createRun(t, st, store.StateStarted)

		appendStep(t, st, runID, false, 0) // 1: eligible
		m := appendStep(t, st, runID, true, 0)
		late := appendStep(t, st, runID, false, 0) // 3: beyond the pending main step

		got, status, _ := st.ClaimGap(ctx, runID, 0, time.Now())
		if status != store.ClaimGapFound || got.ID != 1 {
			t.Fatalf("expected step 1, got %v %d", status, got.ID)
		}
		_, status, _ = st.ClaimGap(ctx, runID, late, time.Now())
		if status != store.ClaimNoGapAvailable {
			t.Fatalf("step %d is ahead of main-loop step %d, got %v", late, m, status)
		}

		_ = st.MarkStepFinished(ctx, runID, m, time.Now())
		got, status, _ = st.ClaimGap(ctx, runID, late, time.Now())
		if status != store.ClaimGapFound || got.ID != late {
			t.Fatalf("expected targeted claim of %d, got %v %d", late, status, got.ID)
		}
	})

	t.Run("concurrent claims are exclusive", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		runID := createRun(t, st, store.StateStarted)

		const gaps = 20
		for i := 0; i < gaps; i++ {
			appendStep(t, st, runID, false, 0)
		}
		appendStep(t, st, runID, true, 0)

		var (
			mu      sync.Mutex
			claimed = make(map[int64]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					s, status, err := st.ClaimGap(ctx, runID, 0, time.Now())
					if store.IsContention(err) {
						time.Sleep(5 * time.Millisecond)
						continue
					}
					if err != nil {
						t.Errorf("claim failed: %v", err)
						return
					}
					if status != store.ClaimGapFound {
						return
					}
					mu.Lock()
					claimed[s.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != gaps {
			t.Errorf("expected %d distinct claims, got %d", gaps, len(claimed))
		}
		for id, n := range claimed {
			if n != 1 {
				t.Errorf("step %d claimed %d times", id, n)
			}
		}
	})

	t.Run("delete cascades to steps", func(t *testing.T) {
		st := factory(t)
		defer st.Close()
		ctx := context.Background()
		id, err := st.CreateRun(ctx, store.Run{Protocol: "test", Name: uniqueName(t)})
		if err != nil {
			t.Fatal(err)
		}
		appendStep(t, st, id, true, 0)

		if err := st.DeleteRun(ctx, id); err != nil {
			t.Fatalf("DeleteRun failed: %v", err)
		}
		if _, err := st.GetStep(ctx, id, 1); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected steps to be deleted, got %v", err)
		}
		if err := st.DeleteRun(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("closed store", func(t *testing.T) {
		st := factory(t)
		if err := st.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := st.GetRun(context.Background(), 1); !errors.Is(err, store.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

// TestSQLiteClaimAcrossHandles claims gap steps through two handles on the
// same database file, the way workers in separate processes do. Every step
// must be claimed exactly once.
func TestSQLiteClaimAcrossHandles(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	handles := make([]store.Store, 2)
	for i := range handles {
		st, err := store.OpenSQLite(ctx, dbPath, nil)
		if err != nil {
			t.Fatalf("failed to open handle %d: %v", i, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		handles[i] = st
	}

	runID := createRun(t, handles[0], store.StateStarted)
	const total = 200
	for i := 0; i < total; i++ {
		appendStep(t, handles[0], runID, false, 0)
	}

	var (
		mu     sync.Mutex
		claims = make(map[int64]int)
		errs   []error
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		st := handles[w%len(handles)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				step, status, err := st.ClaimGap(ctx, runID, 0, time.Time{})
				if store.IsContention(err) {
					continue
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if status != store.ClaimGapFound {
					return
				}
				mu.Lock()
				claims[step.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("claim failed: %v", err)
	}
	if len(claims) != total {
		t.Errorf("claimed %d distinct steps, want %d", len(claims), total)
	}
	for id, n := range claims {
		if n != 1 {
			t.Errorf("step %d claimed %d times", id, n)
		}
	}
}
