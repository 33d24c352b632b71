package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// Queue executes runs outside the calling process.
type Queue interface {
	// Submit starts run elsewhere and returns the PID to record on it, or 0
	// when the executor has no local process.
	Submit(ctx context.Context, run store.Run) (pid int, err error)
}

// ExecQueue starts "<Executable> <Args...> run <id> <RunArgs...>" as a
// detached process in its own process group.
type ExecQueue struct {
	// Executable defaults to the running binary.
	Executable string

	// Args come before the run subcommand, e.g. global flags.
	Args []string

	// RunArgs come after the run id, e.g. "--restart".
	RunArgs []string

	// Output receives the child's stdout and stderr. Nil discards them.
	Output io.Writer
}

// Submit implements Queue.
func (q *ExecQueue) Submit(_ context.Context, run store.Run) (int, error) {
	exe := q.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("failed to locate executable: %w", err)
		}
	}

	args := append([]string{}, q.Args...)
	args = append(args, "run", strconv.FormatInt(run.ID, 10))
	args = append(args, q.RunArgs...)

	// Not CommandContext: the child must outlive the submitting request.
	cmd := exec.Command(exe, args...) // #nosec G204 -- arguments are built from flags and a numeric id
	cmd.Stdout = q.Output
	cmd.Stderr = q.Output
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
