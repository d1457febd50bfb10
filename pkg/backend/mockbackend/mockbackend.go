// Package mockbackend implements backend.Backend as a directory-tree
// simulator: each VM is a subdirectory containing a small state file, and
// an fsnotify watch on the root directory marks the backend dirty whenever
// a VM directory is created or removed, without the sampler having to poll.
// The watch is not recursive: rewriting an existing VM's state file (as
// RebootVM does) does not mark the backend dirty.
// This lets tests and local development exercise the status sampler's
// dirty-flag refresh logic without real hardware.
package mockbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/cuemby/cnagent/pkg/backend"
	"github.com/cuemby/cnagent/pkg/task"
)

type vmState struct {
	UUID  string `json:"uuid"`
	State string `json:"state"`
	Brand string `json:"brand"`

	QuotaBytes       uint64 `json:"quota_bytes"`
	QuotaUsedBytes   uint64 `json:"quota_used_bytes"`
	ZvolVolsizeBytes uint64 `json:"zvol_volsize_bytes"`
	ZvolUsedBytes    uint64 `json:"zvol_used_bytes"`
}

// Backend is the fsnotify-driven simulator implementation of backend.Backend.
type Backend struct {
	root    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	dirty    bool
	watchers []func()

	bootTime time.Time
}

// New creates a simulator backend rooted at dir, which must already exist.
// It starts a background fsnotify watch on dir that marks the backend dirty
// on any create, write, remove or rename of an entry directly inside dir;
// files inside VM subdirectories are not watched. Callers should call Close
// when done.
func New(dir string) (*Backend, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mockbackend: creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("mockbackend: watching %s: %w", dir, err)
	}

	b := &Backend{root: dir, watcher: watcher, bootTime: time.Now()}
	go b.watchLoop()
	return b, nil
}

// Close stops the background fsnotify watch.
func (b *Backend) Close() error {
	return b.watcher.Close()
}

func (b *Backend) watchLoop() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				b.markDirty()
			}
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (b *Backend) markDirty() {
	b.mu.Lock()
	b.dirty = true
	cbs := append([]func(){}, b.watchers...)
	b.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Dirty reports and clears whether the tree has changed since the last call.
func (b *Backend) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.dirty
	b.dirty = false
	return d
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) vmDir(id string) string {
	return filepath.Join(b.root, id)
}

func (b *Backend) ListVMs(ctx context.Context) ([]task.VmSummary, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("mockbackend: reading root: %w", err)
	}
	var vms []task.VmSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := b.readState(e.Name())
		if err != nil {
			continue
		}
		vms = append(vms, task.VmSummary{
			UUID:             st.UUID,
			State:            st.State,
			Brand:            st.Brand,
			QuotaBytes:       st.QuotaBytes,
			QuotaUsedBytes:   st.QuotaUsedBytes,
			ZvolVolsizeBytes: st.ZvolVolsizeBytes,
			ZvolUsedBytes:    st.ZvolUsedBytes,
		})
	}
	return vms, nil
}

func (b *Backend) readState(id string) (vmState, error) {
	data, err := os.ReadFile(filepath.Join(b.vmDir(id), "state.json"))
	if err != nil {
		return vmState{}, err
	}
	var st vmState
	if err := json.Unmarshal(data, &st); err != nil {
		return vmState{}, err
	}
	return st, nil
}

func (b *Backend) writeState(st vmState) error {
	dir := b.vmDir(st.UUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644)
}

func (b *Backend) PoolStats(ctx context.Context) ([]task.ZpoolStat, error) {
	return []task.ZpoolStat{{Name: "zones", Health: "ONLINE", SizeB: 100 << 30, AllocB: 10 << 30}}, nil
}

func (b *Backend) MemoryInfo(ctx context.Context) (task.MemoryInfo, error) {
	return task.MemoryInfo{TotalBytes: 16 << 30, AvailBytes: 8 << 30, UsedBytes: 8 << 30}, nil
}

// DiskUsage runs the disk-usage breakdown algorithm over vms, using the
// same pseudo-pool numbers PoolStats reports.
func (b *Backend) DiskUsage(ctx context.Context, vms []task.VmSummary) (task.DiskUsage, error) {
	return backend.ClassifyDiskUsage(vms, 100<<30, 10<<30, 0), nil
}

func (b *Backend) BootTime(ctx context.Context) (time.Time, error) {
	return b.bootTime, nil
}

// GetAgentConfig returns a bare-default config: the simulator has no agent
// config file of its own, and tests that need specific values construct
// task.AgentConfig directly rather than through this backend.
func (b *Backend) GetAgentConfig(ctx context.Context) (task.AgentConfig, error) {
	return task.AgentConfig{}, nil
}

// GetSdcConfig returns a fixed simulated data center identity.
func (b *Backend) GetSdcConfig(ctx context.Context) (task.SdcConfig, error) {
	return task.SdcConfig{Datacenter: "mock", DNSDomain: "mock.local"}, nil
}

// GetSysinfo reports the simulated VM inventory as the host-facts document,
// the simulator's stand-in for sysinfo(1M) output.
func (b *Backend) GetSysinfo(ctx context.Context) (task.Sysinfo, error) {
	vms, err := b.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	return task.Sysinfo{
		"backend":   "mock",
		"vm_count":  len(vms),
		"boot_time": b.bootTime,
	}, nil
}

// WatchSysinfo registers cb to run whenever the directory tree changes,
// piggybacking on the same fsnotify watch New already runs: a VM create or
// destroy changes ListVMs, and therefore GetSysinfo. In-place updates to a
// VM's state file are not seen by that watch.
func (b *Backend) WatchSysinfo(ctx context.Context, cb func()) error {
	b.mu.Lock()
	b.watchers = append(b.watchers, cb)
	b.mu.Unlock()
	return nil
}

// GetFirstAdminIP returns a fixed simulated admin IP.
func (b *Backend) GetFirstAdminIP(ctx context.Context) (string, error) {
	return "10.0.0.1", nil
}

// GetAgents reports cnagent itself as the sole installed agent.
func (b *Backend) GetAgents(ctx context.Context) ([]task.AgentInventoryItem, error) {
	return []task.AgentInventoryItem{{Name: "cnagent"}}, nil
}

// StartWatchers registers dirtyFn alongside the fsnotify watch New already
// started; it is additive, not a replacement, since the tree watch backs
// both Dirty() and this method.
func (b *Backend) StartWatchers(ctx context.Context, dirtyFn func()) error {
	b.mu.Lock()
	b.watchers = append(b.watchers, dirtyFn)
	b.mu.Unlock()
	return nil
}

// StopWatchers clears the callbacks registered by StartWatchers/WatchSysinfo.
// It does not stop the underlying fsnotify watch; use Close for that.
func (b *Backend) StopWatchers() error {
	b.mu.Lock()
	b.watchers = nil
	b.mu.Unlock()
	return nil
}

func (b *Backend) CreateVM(ctx context.Context, params map[string]interface{}) (string, error) {
	id := uuid.NewString()
	brand, _ := params["brand"].(string)
	if brand == "" {
		brand = "joyent"
	}
	st := vmState{UUID: id, State: "running", Brand: brand}
	if q, ok := params["quota_bytes"].(float64); ok {
		st.QuotaBytes = uint64(q)
	}
	if q, ok := params["zvol_volsize_bytes"].(float64); ok {
		st.ZvolVolsizeBytes = uint64(q)
	}
	if err := b.writeState(st); err != nil {
		return "", fmt.Errorf("mockbackend: create vm: %w", err)
	}
	return id, nil
}

func (b *Backend) DestroyVM(ctx context.Context, id string) error {
	if err := os.RemoveAll(b.vmDir(id)); err != nil {
		return fmt.Errorf("mockbackend: destroy vm: %w", err)
	}
	return nil
}

func (b *Backend) RebootVM(ctx context.Context, id string) error {
	st, err := b.readState(id)
	if err != nil {
		return fmt.Errorf("mockbackend: reboot vm: unknown vm %s", id)
	}
	st.State = "running"
	return b.writeState(st)
}

func (b *Backend) ImportImage(ctx context.Context, params map[string]interface{}) (string, error) {
	return uuid.NewString(), nil
}

func (b *Backend) UpdateNIC(ctx context.Context, vmUUID string, params map[string]interface{}) error {
	if _, err := b.readState(vmUUID); err != nil {
		return fmt.Errorf("mockbackend: update nic: unknown vm %s", vmUUID)
	}
	return nil
}
