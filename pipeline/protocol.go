package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// Protocol defines the steps of a run.
//
// Define is called on every launch with a Differ positioned at the start of
// the run's history. It must register the same step sequence for the same
// inputs so that a resumed run skips the work it already did.
type Protocol interface {
	Name() string
	Define(ctx context.Context, run store.Run, d *Differ) error
}

// DefineFunc is the signature of Protocol.Define.
type DefineFunc func(ctx context.Context, run store.Run, d *Differ) error

type funcProtocol struct {
	name   string
	define DefineFunc
}

func (p *funcProtocol) Name() string { return p.name }

func (p *funcProtocol) Define(ctx context.Context, run store.Run, d *Differ) error {
	return p.define(ctx, run, d)
}

// NewProtocol adapts a function to the Protocol interface.
func NewProtocol(name string, define DefineFunc) Protocol {
	return &funcProtocol{name: name, define: define}
}

// ProtocolRegistry maps protocol names to protocols.
type ProtocolRegistry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

// NewProtocolRegistry creates an empty protocol registry.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{protocols: make(map[string]Protocol)}
}

// Register adds p. It fails if the name is empty or already taken.
func (r *ProtocolRegistry) Register(p Protocol) error {
	if p == nil || p.Name() == "" {
		return &SchedulerError{Message: "protocol name cannot be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.protocols[p.Name()]; exists {
		return &SchedulerError{
			Message: "duplicate protocol: " + p.Name(),
			Code:    "DUPLICATE_PROTOCOL",
		}
	}
	r.protocols[p.Name()] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (r *ProtocolRegistry) MustRegister(p Protocol) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the protocol registered under name.
func (r *ProtocolRegistry) Get(name string) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[name]
	return p, ok
}

// Names returns the registered protocol names in sorted order.
func (r *ProtocolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
