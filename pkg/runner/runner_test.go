package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cnagent/pkg/events"
	"github.com/cuemby/cnagent/pkg/queue"
	"github.com/cuemby/cnagent/pkg/task"
)

// fakeWorker writes an executable shell script that emits the given
// protocol lines to stdout and exits 0, standing in for cnagent-worker.
func fakeWorker(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")

	script := "#!/bin/sh\ncat >/dev/null\n"
	for _, l := range lines {
		script += fmt.Sprintf("echo '%s'\n", l)
	}
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestRunner(t *testing.T, workerBin string) *Runner {
	t.Helper()
	return newTestRunnerWithTimeout(t, workerBin, 10*time.Second)
}

func newTestRunnerWithTimeout(t *testing.T, workerBin string, timeout time.Duration) *Runner {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(workerBin, t.TempDir(), queue.Default(), broker, timeout)
}

func TestRunner_DispatchFinish(t *testing.T) {
	bin := fakeWorker(t,
		`{"type":"ready"}`,
		`{"type":"progress","value":50}`,
		`{"type":"finish","result":{"pong":true}}`,
	)
	r := newTestRunner(t, bin)

	req := task.Request{Task: "ping", ReqID: "r1"}
	handle, err := r.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, handle.Status)
	assert.Equal(t, 50, handle.Progress)

	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusFinished, hist[0].Status)
}

func TestRunner_DispatchException(t *testing.T) {
	bin := fakeWorker(t,
		`{"type":"ready"}`,
		`{"type":"exception","error":"boom"}`,
	)
	r := newTestRunner(t, bin)

	req := task.Request{Task: "ping", ReqID: "r2"}
	handle, err := r.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, handle.Status)
	assert.Equal(t, "boom", handle.Error)
}

func TestRunner_QueueSaturationRejects(t *testing.T) {
	bin := fakeWorker(t, `{"type":"finish","result":{}}`)
	r := newTestRunner(t, bin)

	// agents_tasks has maxConcurrent 1; hold its slot manually.
	r.mu.Lock()
	r.active["agents_tasks"] = 1
	r.mu.Unlock()

	_, err := r.Dispatch(context.Background(), task.Request{Task: "agent_install", ReqID: "r3"})
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

func TestRunner_UnknownTaskRejected(t *testing.T) {
	r := newTestRunner(t, "/bin/true")
	_, err := r.Dispatch(context.Background(), task.Request{Task: "nonexistent", ReqID: "r4"})
	assert.Error(t, err)
}

func TestRunner_SuppressesParamsWhenLogParamsFalse(t *testing.T) {
	bin := fakeWorker(t, `{"type":"finish","result":{"uuid":"img-1"}}`)
	r := newTestRunner(t, bin)

	_, err := r.Dispatch(context.Background(), task.Request{
		Task:   "image_import",
		ReqID:  "r6",
		Params: map[string]interface{}{"manifest": "a very large image manifest payload"},
	})
	require.NoError(t, err)

	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "[params suppressed]", hist[0].Params)
}

func TestRunner_MessageOrderPreserved(t *testing.T) {
	bin := fakeWorker(t,
		`{"type":"ready"}`,
		`{"type":"progress","value":10}`,
		`{"type":"progress","value":50}`,
		`{"type":"event","name":"X"}`,
		`{"type":"finish","result":{}}`,
	)
	r := newTestRunner(t, bin)

	_, err := r.Dispatch(context.Background(), task.Request{Task: "ping", ReqID: "r7"})
	require.NoError(t, err)

	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"progress 10", "progress 50", "event:X", "finish"}, hist[0].Messages)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, maxMessageLen+50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), maxMessageLen)
	assert.Len(t, got, maxMessageLen)
}

func TestRunner_HistoryEviction(t *testing.T) {
	bin := fakeWorker(t, `{"type":"finish","result":{}}`)
	r := newTestRunner(t, bin)

	for i := 0; i < historyCap+3; i++ {
		_, err := r.Dispatch(context.Background(), task.Request{Task: "ping", ReqID: fmt.Sprintf("h%d", i)})
		require.NoError(t, err)
	}

	hist := r.History()
	assert.Len(t, hist, historyCap)
}

func TestRunner_TimeoutProducesFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sleepworker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\nsleep 2\necho '{\"type\":\"finish\",\"result\":{}}'\n"), 0o755))

	// The Runner's own agent-wide timeout setting bounds the worker's
	// run, independent of the queue's dispatch-staleness expiry and of
	// whatever context the caller passes in.
	r := newTestRunnerWithTimeout(t, path, 100*time.Millisecond)

	handle, err := r.Dispatch(context.Background(), task.Request{Task: "sleep", ReqID: "r5"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, handle.Status)
	assert.Contains(t, handle.Error, "timed out")
}

func TestRunner_ErrorEventMarksFailedWithPayload(t *testing.T) {
	bin := fakeWorker(t,
		`{"type":"ready"}`,
		`{"type":"event","name":"error","payload":{"code":"EBAD"}}`,
		`{"type":"finish","result":{}}`,
	)
	r := newTestRunner(t, bin)

	handle, err := r.Dispatch(context.Background(), task.Request{Task: "ping", ReqID: "r8"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, handle.Status)
	require.NotNil(t, handle.ErrorPayload)
	assert.JSONEq(t, `{"code":"EBAD"}`, string(handle.ErrorPayload))

	hist := r.History()
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusFailed, hist[0].Status)
	assert.Equal(t, 1, hist[0].ErrorCount)
}

func TestRunner_SubtaskIsDispatched(t *testing.T) {
	// Only the parent (req_id r9) requests a subtask; the subtask's own
	// worker just finishes, so exactly one nested dispatch happens.
	bin := filepath.Join(t.TempDir(), "subtaskworker.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"type\":\"ready\"}'\n" +
		"if [ \"$CNAGENT_REQ_ID\" = r9 ]; then echo '{\"type\":\"subtask\",\"queue\":\"query_tasks\",\"task\":\"ping\",\"params\":{}}'; fi\n" +
		"echo '{\"type\":\"finish\",\"result\":{}}'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	r := newTestRunner(t, bin)

	_, err := r.Dispatch(context.Background(), task.Request{Task: "ping", ReqID: "r9"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(r.History()) == 2
	}, 2*time.Second, 10*time.Millisecond, "subtask was never dispatched")

	hist := r.History()
	var sawSubtaskMarker int
	pingEntries := 0
	for _, h := range hist {
		for _, m := range h.Messages {
			if m == "subtask:query_tasks/ping" {
				sawSubtaskMarker++
			}
		}
		if h.Task == "ping" {
			pingEntries++
		}
	}
	assert.Equal(t, 1, sawSubtaskMarker, "parent history should record the subtask marker once")
	assert.Equal(t, 2, pingEntries, "both parent and dispatched subtask should have their own history entry")
}
