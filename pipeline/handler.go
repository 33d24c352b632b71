package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/pipeline-go/pipeline/store"
)

// HandlerFunc executes one step. P is the handler's parameter struct; the
// scheduler decodes the stored parameters into it before each call.
//
// Example:
//
//	type TouchParams struct {
//	    Paths []string `json:"paths" validate:"required,min=1"`
//	}
//
//	pipeline.MustRegister(reg, "touch", func(ctx context.Context, sc *pipeline.StepContext, p TouchParams) error {
//	    for _, path := range p.Paths {
//	        sc.Logger.Info("touching", "path", path)
//	        ...
//	    }
//	    return nil
//	})
type HandlerFunc[P any] func(ctx context.Context, sc *StepContext, params P) error

// NoParams is the parameter type for handlers that take none.
type NoParams struct{}

// StepContext is passed to every handler invocation.
//
// Logger is always set. Scheduler operations (InsertStep, Run) are only
// available when the step was registered with PassContext.
type StepContext struct {
	RunID     int64
	StepID    int64
	Command   string
	Iteration int
	Logger    *slog.Logger

	sched *Scheduler
}

// HasRunContext reports whether scheduler operations are available.
func (sc *StepContext) HasRunContext() bool { return sc.sched != nil }

// InsertStep appends a new step to the running run. Steps inserted this way
// are never compared against history; they always get a fresh id.
func (sc *StepContext) InsertStep(ctx context.Context, spec StepSpec) (int64, error) {
	if sc.sched == nil {
		return 0, ErrNoRunContext
	}
	return sc.sched.appendStep(ctx, sc.RunID, spec)
}

// Run returns the current record of the run this step belongs to.
func (sc *StepContext) Run(ctx context.Context) (store.Run, error) {
	if sc.sched == nil {
		return store.Run{}, ErrNoRunContext
	}
	return sc.sched.GetRun(ctx, sc.RunID)
}

type handlerEntry struct {
	command string
	encode  func(params any) ([]byte, error)
	invoke  func(ctx context.Context, sc *StepContext, raw []byte) error
}

// Registry maps step command names to typed handlers.
//
// Unknown commands are rejected when a step is inserted, before anything is
// persisted, rather than when the step is executed.
//
// Registry is safe for concurrent use. Handlers are normally registered once
// at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*handlerEntry
	validate *validator.Validate
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*handlerEntry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register binds command to fn. It fails if the command is empty or already registered.
func Register[P any](r *Registry, command string, fn HandlerFunc[P]) error {
	if command == "" {
		return &SchedulerError{Message: "command name cannot be empty"}
	}
	if fn == nil {
		return &SchedulerError{Message: "handler cannot be nil: " + command}
	}

	entry := &handlerEntry{command: command}
	entry.encode = func(params any) ([]byte, error) {
		p, err := coerceParams[P](params)
		if err != nil {
			return nil, &ValidationError{Field: "params", Message: fmt.Sprintf("%s: %v", command, err), Err: err}
		}
		if err := r.validateParams(p); err != nil {
			return nil, &ValidationError{Field: "params", Message: fmt.Sprintf("%s: %v", command, err), Err: err}
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for %s: %w", command, err)
		}
		return data, nil
	}
	entry.invoke = func(ctx context.Context, sc *StepContext, raw []byte) error {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("failed to decode params for %s: %w", command, err)
			}
		}
		return fn(ctx, sc, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[command]; exists {
		return &SchedulerError{
			Message: "duplicate command: " + command,
			Code:    "DUPLICATE_COMMAND",
		}
	}
	r.handlers[command] = entry
	return nil
}

// MustRegister is like Register but panics on error. Intended for init-time wiring.
func MustRegister[P any](r *Registry, command string, fn HandlerFunc[P]) {
	if err := Register(r, command, fn); err != nil {
		panic(err)
	}
}

// Commands returns the registered command names in sorted order.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether command is registered.
func (r *Registry) Has(command string) bool {
	_, ok := r.lookup(command)
	return ok
}

// EncodeParams converts params into the canonical serialized form stored with
// a step. params may be the handler's parameter struct, a pointer to it, or
// any JSON-compatible value (such as a map decoded from YAML) that decodes
// into it without unknown fields.
func (r *Registry) EncodeParams(command string, params any) ([]byte, error) {
	entry, ok := r.lookup(command)
	if !ok {
		return nil, &ValidationError{Field: "command", Message: command, Err: ErrUnknownCommand}
	}
	return entry.encode(params)
}

func (r *Registry) lookup(command string) (*handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handlers[command]
	return entry, ok
}

// invoke runs the handler for command. A panicking handler is reported as an error.
func (r *Registry) invoke(ctx context.Context, sc *StepContext, command string, raw []byte) (err error) {
	entry, ok := r.lookup(command)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", command, rec)
		}
	}()
	return entry.invoke(ctx, sc, raw)
}

func (r *Registry) validateParams(p any) error {
	v := reflect.ValueOf(p)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return r.validate.Struct(v.Interface())
}

func coerceParams[P any](params any) (P, error) {
	var zero P
	switch v := params.(type) {
	case nil:
		return zero, nil
	case P:
		return v, nil
	case *P:
		if v == nil {
			return zero, nil
		}
		return *v, nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return zero, fmt.Errorf("params are not serializable: %w", err)
	}
	var p P
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return zero, fmt.Errorf("params do not match %T: %w", zero, err)
	}
	return p, nil
}

// encodeVerifyFiles returns the canonical serialized form of a verify-file list.
func encodeVerifyFiles(paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify files: %w", err)
	}
	return data, nil
}

// DecodeVerifyFiles parses the serialized verify-file list of a step.
func DecodeVerifyFiles(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal(raw, &paths); err != nil {
		return nil, fmt.Errorf("failed to decode verify files: %w", err)
	}
	return paths, nil
}
