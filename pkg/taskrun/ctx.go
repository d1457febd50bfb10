package taskrun

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Ctx is the handle a TaskFunc uses to report progress, emit events, log,
// spawn subtasks, and finish. Every method writes a single JSON line to the
// underlying writer; a mutex keeps concurrent writers (e.g. a background
// goroutine logging while the main task body runs) from interleaving lines.
type Ctx struct {
	reqID string
	mu    sync.Mutex
	w     *bufio.Writer
}

// NewCtx wraps an io.Writer (normally os.Stdout) as a worker protocol Ctx.
func NewCtx(reqID string, w io.Writer) *Ctx {
	return &Ctx{reqID: reqID, w: bufio.NewWriter(w)}
}

func (c *Ctx) emit(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.w.Write(b)
	c.w.WriteByte('\n')
	c.w.Flush()
}

// Ready signals that the task has started and is ready to receive work.
func (c *Ctx) Ready() {
	c.emit(Message{Type: MsgReady})
}

// Progress reports a percent-complete value in [0, 100].
func (c *Ctx) Progress(pct int) {
	c.emit(Message{Type: MsgProgress, Value: pct})
}

// Event emits a named, arbitrarily-shaped application event.
func (c *Ctx) Event(name string, payload interface{}) {
	c.emit(Message{Type: MsgEvent, Name: name, Payload: mustJSON(payload)})
}

// ReportError emits a non-terminal, structured error: the task continues
// running (and is still expected to call Finish), but the outcome is
// recorded as failed with payload preserved verbatim for the caller — as
// opposed to Fatal, which ends the task immediately.
func (c *Ctx) ReportError(payload interface{}) {
	c.emit(Message{Type: MsgEvent, Name: "error", Payload: mustJSON(payload)})
}

// LogInfo logs an info-level line attributed to this task.
func (c *Ctx) LogInfo(format string, args ...interface{}) {
	c.emit(Message{Type: MsgLog, Level: "info", Message: fmt.Sprintf(format, args...)})
}

// LogWarn logs a warn-level line attributed to this task.
func (c *Ctx) LogWarn(format string, args ...interface{}) {
	c.emit(Message{Type: MsgLog, Level: "warn", Message: fmt.Sprintf(format, args...)})
}

// LogError logs an error-level line attributed to this task.
func (c *Ctx) LogError(format string, args ...interface{}) {
	c.emit(Message{Type: MsgLog, Level: "error", Message: fmt.Sprintf(format, args...)})
}

// LogTrace logs a trace-level line attributed to this task.
func (c *Ctx) LogTrace(format string, args ...interface{}) {
	c.emit(Message{Type: MsgLog, Level: "trace", Message: fmt.Sprintf(format, args...)})
}

// Subtask requests that the parent dispatch a new task on the given queue,
// without blocking the current task's completion on it.
func (c *Ctx) Subtask(queue, taskName string, params interface{}) {
	c.emit(Message{Type: MsgSubtask, Queue: queue, Task: taskName, Params: mustJSON(params)})
}

// Finish reports successful completion with a result payload.
func (c *Ctx) Finish(result interface{}) {
	c.emit(Message{Type: MsgFinish, Result: mustJSON(result)})
}

// Fatal reports task failure. extra may be nil.
func (c *Ctx) Fatal(msg string, extra interface{}) {
	var raw json.RawMessage
	if extra != nil {
		raw = mustJSON(extra)
	}
	c.emit(Message{Type: MsgException, Error: msg, Extra: raw})
}
