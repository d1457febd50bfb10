// Package taskrun implements the worker-side task execution protocol: the
// registry of task functions run inside the forked cnagent-worker process,
// and the line-delimited JSON message protocol it speaks to its parent over
// stdout.
package taskrun

import (
	"encoding/json"
	"fmt"
)

// MessageType tags the variant of a worker protocol message.
type MessageType string

const (
	MsgReady     MessageType = "ready"
	MsgProgress  MessageType = "progress"
	MsgEvent     MessageType = "event"
	MsgLog       MessageType = "log"
	MsgSubtask   MessageType = "subtask"
	MsgException MessageType = "exception"
	MsgFinish    MessageType = "finish"
)

// Message is the tagged-union envelope written to stdout, one per line.
type Message struct {
	Type MessageType `json:"type"`

	// progress
	Value int `json:"value,omitempty"`

	// event
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// subtask
	Queue  string          `json:"queue,omitempty"`
	Task   string          `json:"task,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// exception
	Error string          `json:"error,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`

	// finish
	Result json.RawMessage `json:"result,omitempty"`
}

// StartRequest is the first line read by the worker on stdin.
type StartRequest struct {
	Action    string          `json:"action"`
	ReqID     string          `json:"req_id"`
	Task      string          `json:"task"`
	Params    json.RawMessage `json:"params"`
	TasksPath string          `json:"taskspath"`
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always a plain map/struct produced by task code; a marshal
		// failure here means the task emitted something non-serializable.
		b, _ = json.Marshal(fmt.Sprintf("unmarshalable value: %v", err))
	}
	return b
}
