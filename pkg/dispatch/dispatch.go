// Package dispatch sits between the HTTP surface and the runner: it
// resolves a task's queue, enforces the queue's expiry window against the
// request's age, and maps runner outcomes onto HTTP status codes.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/cnagent/pkg/queue"
	"github.com/cuemby/cnagent/pkg/runner"
	"github.com/cuemby/cnagent/pkg/task"
)

// ErrExpired is returned when a request's age exceeds its queue's expiry.
var ErrExpired = errors.New("dispatch: request expired before it could be dispatched")

// Dispatcher wraps a Runner with queue-expiry enforcement.
type Dispatcher struct {
	runner *runner.Runner
	queues *queue.Registry
}

// New constructs a Dispatcher.
func New(r *runner.Runner, q *queue.Registry) *Dispatcher {
	return &Dispatcher{runner: r, queues: q}
}

// Dispatch resolves req's queue, rejects it if expired, and otherwise
// delegates to the runner.
func (d *Dispatcher) Dispatch(ctx context.Context, req task.Request) (*task.WorkerHandle, error) {
	qd, err := d.queues.Lookup(req.Task)
	if err != nil {
		return nil, err
	}

	if qd.Expires > 0 && !req.CreatedAt.IsZero() {
		if time.Since(req.CreatedAt) > qd.Expires {
			return nil, ErrExpired
		}
	}

	return d.runner.Dispatch(ctx, req)
}

// StatusCode maps a dispatch error (or nil, for success) onto the HTTP
// status code the surface should return.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, runner.ErrQueueSaturated):
		return http.StatusServiceUnavailable
	case isUnknownTask(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func isUnknownTask(err error) bool {
	// queue.Registry.Lookup returns a plain fmt.Errorf for unknown tasks;
	// it carries no sentinel, so the message is the only signal available.
	return err != nil && strings.Contains(err.Error(), "no queue registered for task")
}
