package taskrun

import (
	"encoding/json"
	"fmt"
)

// TaskFunc is the signature every built-in or loaded task implements. Go has
// no dynamic module loading equivalent to the original agent's on-disk task
// files, so tasks are registered by name at compile time instead of looked
// up on a filesystem path.
type TaskFunc func(ctx *Ctx, params json.RawMessage) error

// Registry maps task names to their implementation.
type Registry struct {
	tasks map[string]TaskFunc
}

// NewRegistry builds a registry pre-populated with the built-in tasks.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[string]TaskFunc)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a task implementation by name.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.tasks[name] = fn
}

// Lookup resolves a task name to its implementation.
func (r *Registry) Lookup(name string) (TaskFunc, error) {
	fn, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("taskrun: no task registered with name %q", name)
	}
	return fn, nil
}
