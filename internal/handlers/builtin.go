// Package handlers provides the step commands and protocols shipped with
// the pipeline binary.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/pipeline-go/pipeline"
)

// Duration is a time.Duration encoded as a Go duration string ("1m30s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %s is negative", s)
	}
	*d = Duration(v)
	return nil
}

// TouchParams lists files to create or refresh.
type TouchParams struct {
	Paths []string `json:"paths" validate:"required,min=1,dive,required"`
}

// SleepParams holds the time a sleep step waits.
type SleepParams struct {
	Duration Duration `json:"duration"`
}

// ExecParams describes an external program. It runs in the scheduler's
// process group, so stopping the run also stops the program.
type ExecParams struct {
	Program string   `json:"program" validate:"required"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// FailParams configures a step that always fails.
type FailParams struct {
	Message string `json:"message,omitempty"`
}

// FanoutParams makes a fanout step insert Count touch gap steps, one per
// file Dir/<Prefix><n>, each a child of the fanout step.
type FanoutParams struct {
	Dir    string `json:"dir" validate:"required"`
	Count  int    `json:"count" validate:"min=1,max=10000"`
	Prefix string `json:"prefix,omitempty"`
}

// ErrFailStep is the error returned by the fail command when no message is set.
var ErrFailStep = errors.New("step failed on purpose")

// RegisterBuiltins registers every command of this package.
func RegisterBuiltins(reg *pipeline.Registry) error {
	return errors.Join(
		pipeline.Register(reg, "touch", Touch),
		pipeline.Register(reg, "sleep", Sleep),
		pipeline.Register(reg, "exec", Exec),
		pipeline.Register(reg, "fail", Fail),
		pipeline.Register(reg, "fanout", Fanout),
		pipeline.Register(reg, "http", HTTP),
	)
}

// Touch creates each path (and its parent directories) or updates its
// modification time.
func Touch(ctx context.Context, sc *pipeline.StepContext, p TouchParams) error {
	now := time.Now()
	for _, path := range p.Paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to touch %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to touch %s: %w", path, err)
		}
		if err := os.Chtimes(path, now, now); err != nil {
			return fmt.Errorf("failed to touch %s: %w", path, err)
		}
		sc.Logger.DebugContext(ctx, "touched", "path", path)
	}
	return nil
}

// Sleep waits for the configured duration or until ctx is done.
func Sleep(ctx context.Context, _ *pipeline.StepContext, p SleepParams) error {
	t := time.NewTimer(time.Duration(p.Duration))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exec runs an external program and fails when it exits non-zero.
func Exec(ctx context.Context, sc *pipeline.StepContext, p ExecParams) error {
	cmd := exec.CommandContext(ctx, p.Program, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}

	sc.Logger.InfoContext(ctx, "executing", "program", p.Program, "args", p.Args)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		sc.Logger.DebugContext(ctx, "program output", "output", tail(string(out), 4096))
	}
	if err != nil {
		if msg := strings.TrimSpace(tail(string(out), 512)); msg != "" {
			return fmt.Errorf("%s: %w: %s", p.Program, err, msg)
		}
		return fmt.Errorf("%s: %w", p.Program, err)
	}
	return nil
}

// Fail always returns an error.
func Fail(_ context.Context, _ *pipeline.StepContext, p FailParams) error {
	if p.Message != "" {
		return errors.New(p.Message)
	}
	return ErrFailStep
}

// Fanout inserts touch gap steps while the run executes. It needs to be
// registered with PassContext.
func Fanout(ctx context.Context, sc *pipeline.StepContext, p FanoutParams) error {
	if !sc.HasRunContext() {
		return pipeline.ErrNoRunContext
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = "part-"
	}
	for i := 0; i < p.Count; i++ {
		path := filepath.Join(p.Dir, fmt.Sprintf("%s%d", prefix, i))
		_, err := sc.InsertStep(ctx, pipeline.StepSpec{
			Command:     "touch",
			Params:      TouchParams{Paths: []string{path}},
			VerifyFiles: []string{path},
			ParentID:    sc.StepID,
			Iteration:   i,
		})
		if err != nil {
			return fmt.Errorf("failed to insert part %d: %w", i, err)
		}
	}
	sc.Logger.InfoContext(ctx, "fanned out", "count", p.Count, "dir", p.Dir)
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
