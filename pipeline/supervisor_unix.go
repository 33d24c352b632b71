//go:build unix

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// ProcessGroupSupervisor signals the process group of a run's recorded PID:
// SIGTERM first, SIGKILL once Grace has passed.
//
// Runs executing inside the calling process are never signalled; their
// executors observe the Aborted state instead.
type ProcessGroupSupervisor struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// NewProcessGroupSupervisor creates a supervisor with the given grace period.
func NewProcessGroupSupervisor(grace time.Duration, logger *slog.Logger) *ProcessGroupSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessGroupSupervisor{Grace: grace, Logger: logger}
}

// DefaultSupervisor returns the supervisor used when none is configured.
func DefaultSupervisor() ProcessSupervisor {
	return NewSupervisor(5*time.Second, nil)
}

// NewSupervisor returns the platform supervisor with the given grace period.
func NewSupervisor(grace time.Duration, logger *slog.Logger) ProcessSupervisor {
	return NewProcessGroupSupervisor(grace, logger)
}

// Alive implements ProcessSupervisor.
func (p *ProcessGroupSupervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate implements ProcessSupervisor.
func (p *ProcessGroupSupervisor) Terminate(ctx context.Context, run store.Run) error {
	if run.PID <= 0 || run.PID == os.Getpid() || !p.Alive(run.PID) {
		return nil
	}

	pgid, err := unix.Getpgid(run.PID)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up process group of %d: %w", run.PID, err)
	}
	target := -pgid
	if pgid == unix.Getpgrp() {
		// Same group as us: signal the process alone.
		target = run.PID
	}

	p.Logger.InfoContext(ctx, "terminating run process", "run_id", run.ID, "pid", run.PID, "pgid", pgid)
	if err := signal(target, unix.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(p.Grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for p.Alive(run.PID) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if !p.Alive(run.PID) {
		return nil
	}

	p.Logger.WarnContext(ctx, "run process ignored SIGTERM, killing", "run_id", run.ID, "pid", run.PID)
	return signal(target, unix.SIGKILL)
}

func signal(target int, sig unix.Signal) error {
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to send %v to %d: %w", sig, target, err)
	}
	return nil
}

// detach puts cmd in a new process group so it can be signalled as a unit
// and survives the parent's terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
