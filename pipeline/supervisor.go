package pipeline

import (
	"context"
	"os"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// ProcessSupervisor terminates and inspects the OS processes executing runs.
type ProcessSupervisor interface {
	// Terminate stops the process group recorded on run. It is a no-op when
	// no live process is recorded.
	Terminate(ctx context.Context, run store.Run) error

	// Alive reports whether pid names a running process.
	Alive(pid int) bool
}

// NoopSupervisor never signals anything. Only the current process is
// reported alive.
type NoopSupervisor struct{}

// Terminate implements ProcessSupervisor.
func (NoopSupervisor) Terminate(context.Context, store.Run) error { return nil }

// Alive implements ProcessSupervisor.
func (NoopSupervisor) Alive(pid int) bool { return pid > 0 && pid == os.Getpid() }
