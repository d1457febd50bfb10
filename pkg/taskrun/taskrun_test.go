package taskrun

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Message {
	t.Helper()
	var msgs []Message
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m Message
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestCtx_PingTask(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewCtx("req-1", &buf)

	r := NewRegistry()
	fn, err := r.Lookup("ping")
	require.NoError(t, err)
	require.NoError(t, fn(ctx, nil))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgFinish, msgs[0].Type)
}

func TestCtx_EchoTask_ProgressBeforeFinish(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewCtx("req-2", &buf)

	r := NewRegistry()
	fn, err := r.Lookup("echo")
	require.NoError(t, err)
	require.NoError(t, fn(ctx, json.RawMessage(`{"hello":"world"}`)))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgProgress, msgs[0].Type)
	assert.Equal(t, MsgFinish, msgs[1].Type)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("does_not_exist")
	assert.Error(t, err)
}

func TestCtx_FailTask_ReportsErrorEventThenFinishes(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewCtx("req-4", &buf)

	r := NewRegistry()
	fn, err := r.Lookup("fail")
	require.NoError(t, err)
	require.NoError(t, fn(ctx, json.RawMessage(`{"code":"EBAD"}`)))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgEvent, msgs[0].Type)
	assert.Equal(t, "error", msgs[0].Name)
	assert.JSONEq(t, `{"code":"EBAD"}`, string(msgs[0].Payload))
	assert.Equal(t, MsgFinish, msgs[1].Type)
}

func TestCtx_Fatal(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewCtx("req-3", &buf)
	ctx.Fatal("boom", map[string]string{"detail": "x"})

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgException, msgs[0].Type)
	assert.Equal(t, "boom", msgs[0].Error)
}
