// Package controllerlink maintains cnagent's outbound connection to its
// controller: a single-lane serialized queue carrying agent inventory,
// heartbeats, status snapshots, and sysinfo updates, each with its own
// delivery semantics.
package controllerlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/cnagent/pkg/log"
	"github.com/cuemby/cnagent/pkg/metrics"
	"github.com/cuemby/cnagent/pkg/task"
)

// heartbeatInterval is how long heartbeatLoop waits after enqueuing a
// heartbeat before enqueuing the next one. The wait starts at enqueue time;
// it does not wait for the previous heartbeat's delivery to complete.
const heartbeatInterval = 5 * time.Second

// requestTimeout bounds a single outbound HTTP call to the controller.
const requestTimeout = 5 * time.Second

// roleUpdateHelper is the CNAGENT_ROLE value under which the agent must not
// register itself with the controller (it is acting as an update helper
// for another agent instance, not a first-class compute node).
const roleUpdateHelper = "update-helper"

// Client performs the actual HTTP calls to the controller. Defined as an
// interface so tests can substitute a fake without a live controller.
type Client interface {
	PostAgents(ctx context.Context, items []task.AgentInventoryItem) error
	PostHeartbeat(ctx context.Context) error
	PostStatus(ctx context.Context, snap task.SampleSnapshot) error
	PostSysinfo(ctx context.Context, info task.Sysinfo) (notFound bool, err error)
}

// HTTPClient is the real Client implementation, talking to cnapi over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a Client against the given cnapi base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *HTTPClient) PostAgents(ctx context.Context, items []task.AgentInventoryItem) error {
	resp, err := c.post(ctx, "/agents", items)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controllerlink: agents post returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) PostHeartbeat(ctx context.Context) error {
	resp, err := c.post(ctx, "/heartbeat", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controllerlink: heartbeat returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) PostStatus(ctx context.Context, snap task.SampleSnapshot) error {
	resp, err := c.post(ctx, "/status", snap)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controllerlink: status post returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) PostSysinfo(ctx context.Context, info task.Sysinfo) (bool, error) {
	resp, err := c.post(ctx, "/sysinfo", info)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return true, fmt.Errorf("controllerlink: sysinfo target not found")
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("controllerlink: sysinfo post returned %d", resp.StatusCode)
	}
	return false, nil
}

// Link owns the single-lane outbound queue to the controller.
type Link struct {
	client Client
	role   string

	queueCh chan task.ControllerQueueItem

	mu           sync.Mutex
	pendingState map[task.ControllerQueueKind]task.ControllerQueueItem

	stopCh chan struct{}
}

// New builds a Link against client. role is the CNAGENT_ROLE environment
// value; when it equals "update-helper" the link skips agent registration.
func New(client Client, role string) *Link {
	return &Link{
		client:       client,
		role:         role,
		queueCh:      make(chan task.ControllerQueueItem, 64),
		pendingState: make(map[task.ControllerQueueKind]task.ControllerQueueItem),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the link's background worker loop and, unless the agent is
// running as an update helper, posts the initial agent inventory and kicks
// off the self-rescheduling heartbeat.
func (l *Link) Start(ctx context.Context, inventory []task.AgentInventoryItem) {
	go l.worker(ctx)

	if l.role == roleUpdateHelper {
		log.WithComponent("controllerlink").Info().Msg("skipping agent registration: running as update helper")
		return
	}

	l.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindAgents, Payload: inventory})
	go l.heartbeatLoop(ctx)
}

// Stop halts the link's background goroutines.
func (l *Link) Stop() {
	close(l.stopCh)
}

// Enqueue submits an item to the outbound queue. Status items coalesce: a
// pending status replaces any not-yet-sent one instead of piling up.
func (l *Link) Enqueue(item task.ControllerQueueItem) {
	if item.Kind == task.ControllerKindStatus {
		l.mu.Lock()
		_, hadPending := l.pendingState[task.ControllerKindStatus]
		l.pendingState[task.ControllerKindStatus] = item
		l.mu.Unlock()
		if hadPending {
			return
		}
	}

	select {
	case l.queueCh <- item:
	case <-l.stopCh:
	}
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		l.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindHeartbeat})

		select {
		case <-time.After(heartbeatInterval):
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		}
	}
}

func (l *Link) worker(ctx context.Context) {
	for {
		select {
		case item := <-l.queueCh:
			l.deliver(ctx, item)
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		}
	}
}

func (l *Link) deliver(ctx context.Context, item task.ControllerQueueItem) {
	logger := log.WithComponent("controllerlink")

	switch item.Kind {
	case task.ControllerKindAgents:
		items, _ := item.Payload.([]task.AgentInventoryItem)
		err := l.client.PostAgents(ctx, items)
		l.observe("agents", err)
		if err != nil {
			logger.Warn().Err(err).Msg("agents inventory post failed")
		}

	case task.ControllerKindHeartbeat:
		// fire-and-forget: no retry, no backoff. A missed heartbeat is
		// made up for by the next scheduled one.
		err := l.client.PostHeartbeat(ctx)
		l.observe("heartbeat", err)
		if err != nil {
			logger.Debug().Err(err).Msg("heartbeat post failed")
		}

	case task.ControllerKindStatus:
		l.mu.Lock()
		if latest, ok := l.pendingState[task.ControllerKindStatus]; ok {
			item = latest
		}
		delete(l.pendingState, task.ControllerKindStatus)
		l.mu.Unlock()

		snap, _ := item.Payload.(task.SampleSnapshot)
		err := l.client.PostStatus(ctx, snap)
		l.observe("status", err)
		if err != nil {
			logger.Warn().Err(err).Msg("status post failed")
		}

	case task.ControllerKindSysinfo:
		info, _ := item.Payload.(task.Sysinfo)
		err := l.postSysinfoWithBackoff(ctx, info)
		l.observe("sysinfo", err)
		if err != nil {
			logger.Error().Err(err).Msg("sysinfo post exhausted retries")
		}
	}
}

// postSysinfoWithBackoff retries transient sysinfo failures with
// exponential backoff, treating a 404 (the controller does not know this
// node yet) as permanent rather than retryable.
func (l *Link) postSysinfoWithBackoff(ctx context.Context, info task.Sysinfo) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 120 * time.Second
	bo.Multiplier = 1.6
	bo.RandomizationFactor = 0.2

	return backoff.Retry(func() error {
		notFound, err := l.client.PostSysinfo(ctx, info)
		if err != nil {
			if notFound {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (l *Link) observe(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ControllerPostsTotal.WithLabelValues(kind, outcome).Inc()
}
