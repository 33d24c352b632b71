//go:build !unix

package pipeline

import (
	"log/slog"
	"os/exec"
	"time"
)

// DefaultSupervisor returns the supervisor used when none is configured.
func DefaultSupervisor() ProcessSupervisor {
	return NoopSupervisor{}
}

// NewSupervisor returns the platform supervisor. Process groups are not
// available here, so runs are only stopped through their state.
func NewSupervisor(time.Duration, *slog.Logger) ProcessSupervisor {
	return NoopSupervisor{}
}

func detach(*exec.Cmd) {}
