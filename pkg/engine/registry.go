package engine

import (
	"errors"
	"sort"
	"sync"
)

// ErrExecutionExists is returned when registering an execution id that is
// already tracked.
var ErrExecutionExists = errors.New("execution id already registered")

// Registry tracks all in-flight executions for the process. It is the only
// shared mutable structure between executions; each execution's own state is
// touched only by its run loop and by commands serialized on its mutex. The
// registry is constructed once per process and injected into the engine.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewRegistry creates an empty execution registry.
func NewRegistry() *Registry {
	return &Registry{
		executions: make(map[string]*Execution),
	}
}

// Register adds an execution. Exactly one execution may exist per id.
func (r *Registry) Register(exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[exec.ID()]; ok {
		return ErrExecutionExists
	}
	r.executions[exec.ID()] = exec
	return nil
}

// Get returns the execution for the given id.
func (r *Registry) Get(id string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	return exec, ok
}

// Remove deletes the execution for the given id and reports whether an entry
// was removed. Removal is the sole deletion path and only happens on terminal
// states or explicit stop.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[id]; !ok {
		return false
	}
	delete(r.executions, id)
	return true
}

// List returns the tracked executions ordered by id.
func (r *Registry) List() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Execution, 0, len(r.executions))
	for _, exec := range r.executions {
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of tracked executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}
