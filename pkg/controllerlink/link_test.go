package controllerlink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cnagent/pkg/task"
)

type fakeClient struct {
	mu          sync.Mutex
	agentsCalls int
	heartbeats  int
	statusCalls int
	sysinfoErrs []error
	sysinfoIdx  int
}

func (f *fakeClient) PostAgents(ctx context.Context, items []task.AgentInventoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentsCalls++
	return nil
}

func (f *fakeClient) PostHeartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeClient) PostStatus(ctx context.Context, snap task.SampleSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return nil
}

func (f *fakeClient) PostSysinfo(ctx context.Context, info task.Sysinfo) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sysinfoIdx < len(f.sysinfoErrs) {
		err := f.sysinfoErrs[f.sysinfoIdx]
		f.sysinfoIdx++
		return false, err
	}
	return false, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLink_RegistersAgentsAndHeartbeats(t *testing.T) {
	fc := &fakeClient{}
	l := New(fc, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Start(ctx, []task.AgentInventoryItem{{Name: "cnagent"}})
	defer l.Stop()

	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.agentsCalls == 1 && fc.heartbeats >= 1
	})
}

func TestLink_UpdateHelperSkipsRegistration(t *testing.T) {
	fc := &fakeClient{}
	l := New(fc, roleUpdateHelper)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Start(ctx, []task.AgentInventoryItem{{Name: "cnagent"}})
	defer l.Stop()

	time.Sleep(50 * time.Millisecond)
	fc.mu.Lock()
	assert.Equal(t, 0, fc.agentsCalls)
	assert.Equal(t, 0, fc.heartbeats)
	fc.mu.Unlock()
}

func TestLink_StatusCoalescesWhenOnePending(t *testing.T) {
	fc := &fakeClient{}
	l := New(fc, roleUpdateHelper)

	// manually mark a status item pending, as if it was enqueued but not
	// yet drained by the worker loop; a second enqueue should coalesce
	// into it rather than growing the channel.
	l.mu.Lock()
	l.pendingState[task.ControllerKindStatus] = task.ControllerQueueItem{Kind: task.ControllerKindStatus}
	l.mu.Unlock()

	l.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindStatus, Payload: task.SampleSnapshot{}})

	assert.Len(t, l.queueCh, 0, "coalesced status item should not add a second channel entry")

	l.mu.Lock()
	item := l.pendingState[task.ControllerKindStatus]
	l.mu.Unlock()
	snap, ok := item.Payload.(task.SampleSnapshot)
	assert.True(t, ok)
	assert.Equal(t, task.SampleSnapshot{}, snap)
}

type concurrencyTrackingClient struct {
	fakeClient
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (c *concurrencyTrackingClient) PostStatus(ctx context.Context, snap task.SampleSnapshot) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return c.fakeClient.PostStatus(ctx, snap)
}

// TestLink_OutboundDeliveryIsSerialized covers the serialization half of
// P4: while a burst of status items is delivered, at most one outbound call
// is ever in flight.
func TestLink_OutboundDeliveryIsSerialized(t *testing.T) {
	fc := &concurrencyTrackingClient{}
	l := New(fc, roleUpdateHelper)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.worker(ctx)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Enqueue(task.ControllerQueueItem{Kind: task.ControllerKindStatus, Payload: task.SampleSnapshot{}})
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.statusCalls >= 1
	})
	time.Sleep(50 * time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.LessOrEqual(t, fc.maxInFlight, 1)
}

func TestLink_SysinfoBackoffRetriesTransientError(t *testing.T) {
	fc := &fakeClient{sysinfoErrs: []error{context.DeadlineExceeded}}
	l := New(fc, roleUpdateHelper)

	err := l.postSysinfoWithBackoff(context.Background(), task.Sysinfo{})
	require.NoError(t, err) // first attempt fails, the retry returns nil
	assert.Equal(t, 1, fc.sysinfoIdx, "the one queued error was consumed")
}

type notFoundSysinfoClient struct {
	fakeClient
	calls int
}

func (c *notFoundSysinfoClient) PostSysinfo(ctx context.Context, info task.Sysinfo) (bool, error) {
	c.calls++
	return true, fmt.Errorf("controllerlink: sysinfo target not found")
}

// TestLink_SysinfoBackoffTreats404AsPermanent covers spec scenario 5: a 404
// from the controller's sysinfo endpoint must stop retrying immediately
// rather than burning through the backoff schedule.
func TestLink_SysinfoBackoffTreats404AsPermanent(t *testing.T) {
	fc := &notFoundSysinfoClient{}
	l := New(fc, roleUpdateHelper)

	err := l.postSysinfoWithBackoff(context.Background(), task.Sysinfo{})
	assert.Error(t, err)
	assert.Equal(t, 1, fc.calls, "a 404 must not be retried")
}

// TestLink_SysinfoItemIsDelivered covers the sysinfo controller-queue item
// kind end to end through deliver(), not just through the backoff helper
// directly.
func TestLink_SysinfoItemIsDelivered(t *testing.T) {
	fc := &fakeClient{}
	l := New(fc, roleUpdateHelper)

	l.deliver(context.Background(), task.ControllerQueueItem{
		Kind:    task.ControllerKindSysinfo,
		Payload: task.Sysinfo{"hostname": "node-1"},
	})

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, 0, fc.sysinfoIdx, "no errors queued, post should succeed on first try")
}
