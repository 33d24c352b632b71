package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

func newTestMetrics() *pipeline.PrometheusMetrics {
	return pipeline.NewPrometheusMetrics(prometheus.NewRegistry())
}

func TestMetricsRecordExecution(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := pipeline.NewPrometheusMetrics(registry)
	f := newFixture(t, memStore, pipeline.WithMetrics(metrics))
	ctx := context.Background()
	runID := f.createRun(t, "metrics")

	f.steps.set(mainStep("A"), gapStep("B", 1), mainStep("C"))
	if err := f.sched.Launch(ctx, runID, pipeline.LaunchOptions{}); err != nil {
		t.Fatal(err)
	}

	count, err := testutil.GatherAndCount(registry, "pipeline_step_latency_ms")
	if err != nil {
		t.Fatal(err)
	}
	// One series per (command, lane, status): record/main and record/gap.
	if count != 2 {
		t.Errorf("step_latency_ms series = %d, want 2", count)
	}

	// Relaunching with a changed last step diverges once.
	f.steps.set(mainStep("A"), gapStep("B", 1), mainStep("C-changed"))
	if err := f.sched.Launch(ctx, runID, pipeline.LaunchOptions{}); err != nil {
		t.Fatal(err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				values[key] = c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				values[key] = g.GetValue()
			}
		}
	}

	checks := map[string]float64{
		"pipeline_divergences_total":                    1,
		"pipeline_run_transitions_total,state=started":  2,
		"pipeline_run_transitions_total,state=finished": 2,
		"pipeline_run_transitions_total,state=saved":    1,
		"pipeline_inflight_steps,lane=main":             0,
	}
	for key, want := range checks {
		if got := values[key]; got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
	if values["pipeline_claims_total,result=found"] < 1 {
		t.Errorf("expected at least one found claim, got %v", values["pipeline_claims_total,result=found"])
	}
}

func TestMetricsDisable(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := pipeline.NewPrometheusMetrics(registry)
	metrics.Disable()
	metrics.IncrementDivergences()
	metrics.Enable()
	metrics.IncrementDivergences()
	metrics.StepStarted("gap")
	metrics.Reset()

	families, _ := registry.Gather()
	for _, mf := range families {
		if mf.GetName() == "pipeline_divergences_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("divergences = %v, want 1", v)
			}
		}
	}

	var nilMetrics *pipeline.PrometheusMetrics
	nilMetrics.IncrementRunTransitions("started") // must not panic
}

// contendedStore fails the first n claims with store contention.
type contendedStore struct {
	store.Store
	n int
}

func (c *contendedStore) ClaimGap(ctx context.Context, runID, stepID int64, at time.Time) (store.Step, store.ClaimStatus, error) {
	if c.n > 0 {
		c.n--
		return store.Step{}, store.ClaimNoGapAvailable, store.ErrContention
	}
	return c.Store.ClaimGap(ctx, runID, stepID, at)
}

func TestClaimRetriesContention(t *testing.T) {
	policy := pipeline.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	contended := &contendedStore{Store: store.NewMemStore(), n: 3}
	f := newFixture(t, func(*testing.T) store.Store { return contended }, pipeline.WithClaimRetry(policy))
	ctx := context.Background()
	runID := f.createRun(t, "contended")
	if _, err := f.store.UpdateRunState(ctx, runID, store.StateStarted, 0); err != nil {
		t.Fatal(err)
	}
	d, _ := f.sched.NewDiffer(ctx, runID, pipeline.ModeResume)
	if _, err := d.InsertStep(ctx, gapStep("g", 0)); err != nil {
		t.Fatal(err)
	}

	status, step, err := f.sched.ClaimNextGap(ctx, runID, "w1")
	if err != nil || status != pipeline.GapFound || step.ID != 1 {
		t.Fatalf("ClaimNextGap = %v %d %v, want found after retries", status, step.ID, err)
	}

	contended.n = 10
	_, _, err = f.sched.ClaimNextGap(ctx, runID, "w1")
	var se *pipeline.SchedulerError
	if !errors.As(err, &se) || se.Code != "STORE_CONTENTION" || !store.IsContention(err) {
		t.Errorf("expected STORE_CONTENTION, got %v", err)
	}
}

func TestGapWorkersWaitForStart(t *testing.T) {
	f := newFixture(t, memStore)
	ctx := context.Background()
	runID := f.createRun(t, "early-workers")

	d, _ := f.sched.NewDiffer(ctx, runID, pipeline.ModeResume)
	for _, spec := range []pipeline.StepSpec{mainStep("A"), gapStep("B", 1), gapStep("C", 1)} {
		if _, err := d.InsertStep(ctx, spec); err != nil {
			t.Fatal(err)
		}
	}

	// Workers started before the run wait instead of exiting.
	done := make(chan error, 1)
	go func() { done <- f.sched.RunGapWorkers(ctx, runID, 2) }()
	time.Sleep(20 * time.Millisecond)

	if err := f.sched.RunMainLoop(ctx, runID); err != nil {
		t.Fatalf("RunMainLoop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunGapWorkers failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gap workers did not exit after the run finished")
	}
	if f.rec.count("B") != 1 || f.rec.count("C") != 1 {
		t.Errorf("executions = %v", f.rec.executed())
	}
}
