// Package runner is the task execution core: it forks one cnagent-worker
// process per dispatched task, speaks the worker's line-delimited JSON
// protocol over its stdin/stdout, enforces per-queue concurrency and
// timeouts, and retains a bounded history of recent task outcomes.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/cnagent/pkg/events"
	"github.com/cuemby/cnagent/pkg/log"
	"github.com/cuemby/cnagent/pkg/metrics"
	"github.com/cuemby/cnagent/pkg/queue"
	"github.com/cuemby/cnagent/pkg/task"
	"github.com/cuemby/cnagent/pkg/taskrun"
)

// ErrQueueSaturated is returned when a queue's concurrency cap is reached.
var ErrQueueSaturated = errors.New("runner: queue is at its concurrency limit")

// DefaultTimeout is the wall-clock limit applied to a task's worker when
// New is given no positive timeout.
const DefaultTimeout = 3600 * time.Second

// historyCap bounds the in-memory retention of completed task records.
const historyCap = 16

// maxMessageLen truncates any single history message field to this length.
const maxMessageLen = 1000

// Runner owns the fork/exec lifecycle and history for dispatched tasks.
type Runner struct {
	workerBin string
	logDir    string
	queues    *queue.Registry
	broker    *events.Broker
	timeout   time.Duration

	mu      sync.Mutex
	active  map[string]int // queue name -> in-flight count
	history []task.HistoryEntry
}

// New constructs a Runner. workerBin is the path to the cnagent-worker
// binary; logDir is where per-task log files are written. timeout is the
// agent-wide wall-clock limit applied to every dispatched task's worker
// process; a value <= 0 falls back to DefaultTimeout. This is deliberately
// independent of any queue's Expires, which bounds how long a request may
// sit undispatched, not how long its worker may run once started.
func New(workerBin, logDir string, queues *queue.Registry, broker *events.Broker, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		workerBin: workerBin,
		logDir:    logDir,
		queues:    queues,
		broker:    broker,
		timeout:   timeout,
		active:    make(map[string]int),
	}
}

// Dispatch runs req's task in a forked worker process, honoring the owning
// queue's concurrency cap and the runner's timeout. It blocks until the task reaches a
// terminal state or the timeout elapses.
func (r *Runner) Dispatch(ctx context.Context, req task.Request) (*task.WorkerHandle, error) {
	qd, err := r.queues.Lookup(req.Task)
	if err != nil {
		return nil, err
	}

	if !r.acquire(qd.Name, qd.MaxConcurrent) {
		metrics.QueueRejectedTotal.WithLabelValues(qd.Name).Inc()
		return nil, fmt.Errorf("%w: %s", ErrQueueSaturated, qd.Name)
	}
	defer r.release(qd.Name)

	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}

	metrics.TasksInFlight.WithLabelValues(qd.Name).Inc()
	defer metrics.TasksInFlight.WithLabelValues(qd.Name).Dec()
	metrics.TasksDispatchedTotal.WithLabelValues(qd.Name, req.Task).Inc()
	r.broker.Publish(events.Event{Kind: events.KindTaskDispatched, Task: req.Task, Queue: qd.Name, ReqID: req.ReqID})

	timer := metrics.NewTimer()
	handle, entry := r.run(ctx, req, qd, r.timeout)
	timer.ObserveDuration(metrics.TaskDurationSeconds.WithLabelValues(qd.Name, req.Task))

	outcome := "finished"
	evKind := events.KindTaskFinished
	if handle.Status == task.StatusFailed {
		outcome = "failed"
		evKind = events.KindTaskFailed
	}
	metrics.TasksFinishedTotal.WithLabelValues(qd.Name, req.Task, outcome).Inc()
	r.broker.Publish(events.Event{Kind: evKind, Task: req.Task, Queue: qd.Name, ReqID: req.ReqID})

	r.recordHistory(entry)

	return handle, nil
}

func (r *Runner) acquire(queueName string, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[queueName] >= max {
		return false
	}
	r.active[queueName]++
	return true
}

func (r *Runner) release(queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[queueName]--
}

func (r *Runner) run(ctx context.Context, req task.Request, qd *task.QueueDefinition, timeout time.Duration) (*task.WorkerHandle, task.HistoryEntry) {
	logger := log.WithTask(req.Task).With().Str("req_id", req.ReqID).Str("queue", qd.Name).Logger()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle := &task.WorkerHandle{
		ReqID:     req.ReqID,
		Task:      req.Task,
		Queue:     qd.Name,
		StartedAt: time.Now(),
		Status:    task.StatusActive,
	}

	entry := task.HistoryEntry{
		Task:      req.Task,
		Queue:     qd.Name,
		StartedAt: handle.StartedAt,
		Params:    renderParams(qd, req.Params),
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return failHandle(handle, &entry, fmt.Sprintf("encoding params: %v", err)), entry
	}

	startReq := taskrun.StartRequest{
		Action:    "start",
		ReqID:     req.ReqID,
		Task:      req.Task,
		Params:    paramsJSON,
		TasksPath: req.Task,
	}
	startLine, err := json.Marshal(startReq)
	if err != nil {
		return failHandle(handle, &entry, fmt.Sprintf("encoding start request: %v", err)), entry
	}

	cmd := exec.CommandContext(runCtx, r.workerBin, req.Task)
	cmd.Env = append(os.Environ(),
		"CNAGENT_REQ_ID="+req.ReqID,
		"CNAGENT_TASK="+req.Task,
		"CNAGENT_QUEUE="+qd.Name,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return failHandle(handle, &entry, fmt.Sprintf("opening stdin: %v", err)), entry
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failHandle(handle, &entry, fmt.Sprintf("opening stdout: %v", err)), entry
	}

	logFile, logPath, err := r.openLogFile(req, handle.StartedAt)
	if err == nil {
		defer logFile.Close()
		entry.Log = logPath
	} else {
		logger.Warn().Err(err).Msg("could not open task log file")
	}

	if err := cmd.Start(); err != nil {
		return failHandle(handle, &entry, fmt.Sprintf("starting worker: %v", err)), entry
	}
	handle.PID = cmd.Process.Pid
	entry.PID = handle.PID

	if _, err := stdin.Write(append(startLine, '\n')); err != nil {
		logger.Warn().Err(err).Msg("writing start request to worker stdin")
	}
	stdin.Close()

	result := r.readMessages(runCtx, stdout, logFile, handle, &entry)
	waitErr := cmd.Wait()

	handle.FinishedAt = time.Now()
	entry.FinishedAt = handle.FinishedAt

	if runCtx.Err() == context.DeadlineExceeded {
		elapsed := handle.FinishedAt.Sub(handle.StartedAt).Seconds()
		return failHandle(handle, &entry, fmt.Sprintf("task timed out after %.1f seconds (limit %s)", elapsed, timeout)), entry
	}
	if !result && waitErr != nil {
		return failHandle(handle, &entry, fmt.Sprintf("worker exited abnormally: %v", waitErr)), entry
	}

	return handle, entry
}

// readMessages reads protocol messages from the worker's stdout until EOF
// or a terminal message, updating handle and entry. It returns true if a
// finish or exception message was observed.
func (r *Runner) readMessages(ctx context.Context, stdout io.Reader, logFile *os.File, handle *task.WorkerHandle, entry *task.HistoryEntry) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	terminal := false
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}

		var msg taskrun.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			entry.Messages = appendTruncated(entry.Messages, "malformed message: "+line)
			continue
		}

		switch msg.Type {
		case taskrun.MsgReady:
			// no handle state change
		case taskrun.MsgProgress:
			handle.Progress = msg.Value
			entry.Messages = appendTruncated(entry.Messages, fmt.Sprintf("progress %d", msg.Value))
		case taskrun.MsgEvent:
			if msg.Name == "error" {
				// A non-crash, worker-reported error: the task continues
				// and will still emit finish, but the outcome is recorded
				// as failed with the structured payload preserved verbatim
				// for the HTTP caller.
				handle.Status = task.StatusFailed
				handle.Error = string(msg.Payload)
				handle.ErrorPayload = msg.Payload
				entry.Status = task.StatusFailed
				entry.ErrorCount++
			}
			entry.Messages = appendTruncated(entry.Messages, "event:"+msg.Name)
		case taskrun.MsgLog:
			entry.Messages = appendTruncated(entry.Messages, msg.Level+": "+msg.Message)
		case taskrun.MsgSubtask:
			entry.Messages = appendTruncated(entry.Messages, "subtask:"+msg.Queue+"/"+msg.Task)
			r.dispatchSubtask(msg)
		case taskrun.MsgException:
			handle.Status = task.StatusFailed
			handle.Error = msg.Error
			entry.Status = task.StatusFailed
			entry.ErrorCount++
			entry.Messages = appendTruncated(entry.Messages, "exception: "+msg.Error)
			terminal = true
		case taskrun.MsgFinish:
			var result map[string]interface{}
			json.Unmarshal(msg.Result, &result)
			handle.Result = result
			// A preceding "error" event already marked this failed; finish
			// only signals worker exit in that case and must not revert
			// the outcome back to finished.
			if handle.Status != task.StatusFailed {
				handle.Status = task.StatusFinished
				entry.Status = task.StatusFinished
			}
			entry.Messages = appendTruncated(entry.Messages, "finish")
			terminal = true
		}

		if terminal {
			break
		}
	}

	for scanner.Scan() {
		// drain any remaining output for the log file after a terminal
		// message, without interpreting it further
		if logFile != nil {
			fmt.Fprintln(logFile, scanner.Text())
		}
	}

	return terminal
}

// dispatchSubtask actually runs a worker-requested subtask: it decodes the
// nested params and dispatches it through the same Runner, independently of
// the parent's lifecycle and without blocking the parent's completion on
// it, per the worker protocol's Subtask semantics. The subtask's terminal
// outcome is recorded in its own HistoryEntry and published on the event
// broker exactly like any top-level dispatch; it is not relayed back over
// the parent worker's stdin, since the worker protocol has no channel for
// parent-to-child messages beyond the initial start line — see DESIGN.md.
func (r *Runner) dispatchSubtask(msg taskrun.Message) {
	var params map[string]interface{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			log.WithComponent("runner").Warn().Err(err).Str("subtask", msg.Task).Msg("subtask: malformed params, not dispatched")
			return
		}
	}

	req := task.Request{
		Task:      msg.Task,
		Params:    params,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now(),
	}

	go func() {
		if _, err := r.Dispatch(context.Background(), req); err != nil {
			log.WithComponent("runner").Warn().Err(err).Str("subtask", msg.Task).Str("queue", msg.Queue).Msg("subtask dispatch failed")
		}
	}()
}

func failHandle(handle *task.WorkerHandle, entry *task.HistoryEntry, msg string) *task.WorkerHandle {
	handle.Status = task.StatusFailed
	handle.Error = msg
	if handle.FinishedAt.IsZero() {
		handle.FinishedAt = time.Now()
	}
	entry.Status = task.StatusFailed
	entry.ErrorCount++
	entry.Messages = appendTruncated(entry.Messages, "exception: "+msg)
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = handle.FinishedAt
	}
	return handle
}

func (r *Runner) openLogFile(req task.Request, startedAt time.Time) (*os.File, string, error) {
	if r.logDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, "", err
	}
	name := fmt.Sprintf("%s-%d-%s.log", startedAt.UTC().Format("20060102T150405Z"), os.Getpid(), req.Task)
	path := filepath.Join(r.logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func (r *Runner) recordHistory(entry task.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entry)
	if len(r.history) > historyCap {
		evicted := len(r.history) - historyCap
		r.history = r.history[evicted:]
		metrics.HistoryEvictedTotal.Add(float64(evicted))
	}
}

// History returns a snapshot of the retained task history, most recent last.
func (r *Runner) History() []task.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]task.HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

func appendTruncated(msgs []string, s string) []string {
	return append(msgs, truncate(s, maxMessageLen))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// renderParams honors the queue's logParams policy: task classes with
// very large or sensitive payloads (e.g. image/container builds) suppress
// full request-body logging rather than writing it into history.
func renderParams(qd *task.QueueDefinition, params map[string]interface{}) string {
	if !qd.LogParams {
		return "[params suppressed]"
	}
	return truncate(paramsString(params), maxMessageLen)
}

func paramsString(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	var sb bytes.Buffer
	sb.Write(b)
	return strings.TrimSpace(sb.String())
}
