// Package queue holds the static registry of named task queues and their
// concurrency and logging policy, and resolves a task name to its queue.
package queue

import (
	"fmt"
	"time"

	"github.com/cuemby/cnagent/pkg/task"
)

// Registry resolves task names to their owning queue definition.
type Registry struct {
	queues   map[string]*task.QueueDefinition
	byTask   map[string]*task.QueueDefinition
}

// Default builds the built-in queue registry described in the agent's
// queue table: provisioner_tasks, image_tasks, nic_tasks, agents_tasks,
// and query_tasks, each with its own concurrency cap and expiry.
func Default() *Registry {
	defs := []*task.QueueDefinition{
		{
			Name:          "provisioner_tasks",
			Tasks:         []string{"vm_create", "vm_destroy", "vm_reboot", "vm_update", "vm_migrate"},
			MaxConcurrent: 4,
			LogParams:     true,
			Expires:       3600 * time.Second,
		},
		{
			Name:          "image_tasks",
			Tasks:         []string{"image_import", "image_create", "image_ensure_present"},
			MaxConcurrent: 2,
			LogParams:     false, // image/container build payloads are large
			Expires:       7200 * time.Second,
		},
		{
			Name:          "nic_tasks",
			Tasks:         []string{"nic_update"},
			MaxConcurrent: 4,
			LogParams:     true,
			Expires:       300 * time.Second,
		},
		{
			Name:          "agents_tasks",
			Tasks:         []string{"agent_install", "agent_uninstall"},
			MaxConcurrent: 1,
			LogParams:     true,
			Expires:       0,
		},
		{
			Name:          "query_tasks",
			Tasks:         []string{"ping", "echo", "sleep", "fail"},
			MaxConcurrent: 8,
			LogParams:     false,
			// No dispatch-staleness expiry for this queue, per the queue
			// table: query tasks are cheap and short-lived enough that a
			// request never goes stale before the runner can start it.
			Expires: 0,
		},
	}

	return newRegistry(defs)
}

func newRegistry(defs []*task.QueueDefinition) *Registry {
	r := &Registry{
		queues: make(map[string]*task.QueueDefinition),
		byTask: make(map[string]*task.QueueDefinition),
	}
	for _, d := range defs {
		r.queues[d.Name] = d
		for _, t := range d.Tasks {
			r.byTask[t] = d
		}
	}
	return r
}

// Lookup resolves a task name to its owning queue definition.
func (r *Registry) Lookup(taskName string) (*task.QueueDefinition, error) {
	d, ok := r.byTask[taskName]
	if !ok {
		return nil, fmt.Errorf("queue: no queue registered for task %q", taskName)
	}
	return d, nil
}

// Queue returns a named queue definition.
func (r *Registry) Queue(name string) (*task.QueueDefinition, bool) {
	d, ok := r.queues[name]
	return d, ok
}

// Names returns all registered queue names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	return names
}
