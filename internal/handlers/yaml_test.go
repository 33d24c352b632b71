package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

func writePipeline(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(`
steps:
  - name: a
    command: touch
    params: {paths: [a]}
    verify: [a]
  - command: sleep
    params: {duration: 1ms}
    parent: a
    gap: true
    iter: 2
`))
	require.NoError(t, err)
	require.Len(t, f.Steps, 2)
	assert.Equal(t, "a", f.Steps[1].Parent)
	assert.True(t, f.Steps[1].Gap)
	assert.Equal(t, 2, f.Steps[1].Iter)
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "steps: []\n", "no steps"},
		{"no command", "steps:\n  - name: a\n", "command is required"},
		{"unknown parent", "steps:\n  - command: touch\n    parent: b\n", `parent "b"`},
		{"forward parent", "steps:\n  - command: touch\n    parent: b\n  - name: b\n    command: touch\n", `parent "b"`},
		{"duplicate", "steps:\n  - name: a\n    command: touch\n  - name: a\n    command: touch\n", "duplicate"},
		{"unknown field", "steps:\n  - command: touch\n    retries: 3\n", "retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestYAMLProtocolRunsAndResumes(t *testing.T) {
	sched := newScheduler(t)
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")

	script := writePipeline(t, dir, `
steps:
  - name: a
    command: touch
    params: {paths: [`+a+`]}
    verify: [`+a+`]
  - name: b
    command: touch
    params: {paths: [`+b+`]}
    verify: [`+b+`]
    parent: a
    gap: true
  - name: c
    command: touch
    params: {paths: [`+c+`]}
    verify: [`+c+`]
`)

	run, err := sched.CreateRun(ctx, pipeline.RunSpec{Protocol: YAMLProtocolName, Name: "files", Script: script})
	require.NoError(t, err)
	require.NoError(t, sched.Launch(ctx, run.ID, pipeline.LaunchOptions{Threads: 1}))

	for _, p := range []string{a, b, c} {
		assert.FileExists(t, p)
	}
	first, err := sched.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, first[0].ID, first[1].ParentID)

	// A second launch reuses every step.
	require.NoError(t, sched.Launch(ctx, run.ID, pipeline.LaunchOptions{}))
	second, err := sched.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, *first[i].FinishedAt, *second[i].FinishedAt)
	}

	// Removing b's output re-executes b and everything after it.
	require.NoError(t, os.Remove(b))
	require.NoError(t, sched.Launch(ctx, run.ID, pipeline.LaunchOptions{}))
	third, err := sched.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, third, 3)
	assert.Equal(t, first[0].ID, third[0].ID)
	assert.Equal(t, *first[0].FinishedAt, *third[0].FinishedAt)
	assert.NotEqual(t, *first[2].FinishedAt, *third[2].FinishedAt)
	assert.FileExists(t, b)
}

func TestYAMLProtocolRejectsUnknownCommand(t *testing.T) {
	sched := newScheduler(t)
	ctx := context.Background()
	script := writePipeline(t, t.TempDir(), "steps:\n  - command: teleport\n")

	run, err := sched.CreateRun(ctx, pipeline.RunSpec{Protocol: YAMLProtocolName, Name: "bad", Script: script})
	require.NoError(t, err)

	err = sched.Launch(ctx, run.ID, pipeline.LaunchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUnknownCommand)

	steps, err := sched.Steps(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	got, err := sched.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateSaved, got.State)
}

func TestYAMLProtocolNeedsScript(t *testing.T) {
	sched := newScheduler(t)
	ctx := context.Background()
	run, err := sched.CreateRun(ctx, pipeline.RunSpec{Protocol: YAMLProtocolName, Name: "noscript"})
	require.NoError(t, err)

	err = sched.Launch(ctx, run.ID, pipeline.LaunchOptions{})
	require.Error(t, err)
	assert.True(t, pipeline.IsValidationError(err))
}
