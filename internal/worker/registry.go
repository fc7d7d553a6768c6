// Package worker claims media jobs from the store and runs them through
// handlers registered per job type.
//
// Handlers are registered on a Registry before the Worker starts. Each Worker
// runs a single poll loop with at most one job in flight; a heartbeat
// goroutine keeps the job's lease fresh while its handler runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrRegistryFrozen is returned by Handle once the registry has been frozen.
var ErrRegistryFrozen = errors.New("worker: registry is frozen")

// HandlerFunc is the storage-boundary form of a handler: JSON in, JSON out.
// A non-nil error fails the attempt; wrap it with Permanent to skip retries.
// ctx carries the worker's values but is never cancelled: stopping a worker
// waits for the running handler instead of interrupting it.
type HandlerFunc func(ctx context.Context, input json.RawMessage, x *Exec) (json.RawMessage, error)

// Exec is the per-attempt execution context handed to a handler.
type Exec struct {
	JobID     int64
	AttemptNo int32
	WorkerID  string

	// Stdout and Stderr are captured and uploaded to the log sink when the
	// attempt finishes.
	Stdout io.Writer
	Stderr io.Writer

	// ScratchDir is private to this attempt and removed afterwards. Files
	// written under ArtifactsDir are uploaded before removal.
	ScratchDir   string
	ArtifactsDir string
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for jobType. Registering the same type twice is an
// error, as is registering after Freeze.
func (r *Registry) Handle(jobType string, h HandlerFunc) error {
	if jobType == "" {
		return errors.New("worker: empty job type")
	}
	if h == nil {
		return fmt.Errorf("worker: nil handler for %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", jobType, ErrRegistryFrozen)
	}
	if _, dup := r.handlers[jobType]; dup {
		return fmt.Errorf("worker: handler for %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Register adapts a typed handler to the registry. The job input is decoded
// into In; malformed input fails the attempt permanently with code
// invalid_input. The returned Out is encoded as the job result.
func Register[In, Out any](r *Registry, jobType string, fn func(ctx context.Context, in In, x *Exec) (Out, error)) error {
	return r.Handle(jobType, func(ctx context.Context, raw json.RawMessage, x *Exec) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, Permanent(WithCode(CodeInvalidInput, fmt.Errorf("decode %s input: %w", jobType, err)))
			}
		}
		out, err := fn(ctx, in, x)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, Permanent(WithCode(CodeInvalidResult, fmt.Errorf("encode %s result: %w", jobType, err)))
		}
		return b, nil
	})
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Has reports whether a handler is registered for jobType.
func (r *Registry) Has(jobType string) bool {
	_, ok := r.Lookup(jobType)
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Freeze rejects further registrations. Worker.Start calls it.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
