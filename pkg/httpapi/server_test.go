package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cnagent/pkg/dispatch"
	"github.com/cuemby/cnagent/pkg/events"
	"github.com/cuemby/cnagent/pkg/queue"
	"github.com/cuemby/cnagent/pkg/runner"
)

func fakeWorkerBin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"type\":\"finish\",\"result\":{\"pong\":true}}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type wiredServer struct {
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
}

func queueWithFailingWorker(t *testing.T) wiredServer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "failworker.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"type\":\"exception\",\"error\":\"boom\"}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	q := queue.Default()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	r := runner.New(path, t.TempDir(), q, broker, 10*time.Second)
	d := dispatch.New(r, q)
	return wiredServer{dispatcher: d, runner: r}
}

func queueWithErrorEventWorker(t *testing.T) wiredServer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "errorworker.sh")
	script := "#!/bin/sh\ncat >/dev/null\n" +
		"echo '{\"type\":\"event\",\"name\":\"error\",\"payload\":{\"code\":\"EBAD\"}}'\n" +
		"echo '{\"type\":\"finish\",\"result\":{}}'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	q := queue.Default()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	r := runner.New(path, t.TempDir(), q, broker, 10*time.Second)
	d := dispatch.New(r, q)
	return wiredServer{dispatcher: d, runner: r}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	q := queue.Default()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	r := runner.New(fakeWorkerBin(t), t.TempDir(), q, broker, 10*time.Second)
	d := dispatch.New(r, q)
	return New(d, r)
}

func TestServer_DispatchPing(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"task":"ping","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["pong"])
}

func TestServer_DispatchFailureReturns500WithErrorPayload(t *testing.T) {
	q := queueWithFailingWorker(t)
	s := New(q.dispatcher, q.runner)

	body := strings.NewReader(`{"task":"ping","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "boom")
}

func TestServer_DispatchErrorEventReturns500WithStructuredPayload(t *testing.T) {
	q := queueWithErrorEventWorker(t)
	s := New(q.dispatcher, q.runner)

	body := strings.NewReader(`{"task":"ping","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":"EBAD"}`, w.Body.String())
}

func TestServer_DispatchUnknownTaskIs404(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"task":"bogus","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_PauseDrainsTraffic(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pause", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	body := strings.NewReader(`{"task":"ping","params":{}}`)
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks", body))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/resume", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_History(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"task":"ping","params":{}}`)
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/tasks", body))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}
