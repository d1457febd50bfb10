// Package hypervisorbackend is a placeholder backend.Backend for a real
// SmartOS hypervisor (KVM/bhyve zone driving via vmadm/zoneadm). Actual
// hypervisor integration is a separate collaborator the agent talks to
// over its task protocol, not something this module implements; every
// method here returns an unsupported error so a caller gets a clear signal
// rather than silently no-op-ing.
package hypervisorbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cnagent/pkg/task"
)

// Backend is the stub hypervisor backend.
type Backend struct{}

// New constructs a stub hypervisor backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "hypervisor" }

func unsupported(op string) error {
	return fmt.Errorf("hypervisorbackend: %s: %w", op, errors.ErrUnsupported)
}

func (b *Backend) ListVMs(ctx context.Context) ([]task.VmSummary, error) {
	return nil, unsupported("list vms")
}

func (b *Backend) PoolStats(ctx context.Context) ([]task.ZpoolStat, error) {
	return nil, unsupported("pool stats")
}

func (b *Backend) MemoryInfo(ctx context.Context) (task.MemoryInfo, error) {
	return task.MemoryInfo{}, unsupported("memory info")
}

func (b *Backend) DiskUsage(ctx context.Context, vms []task.VmSummary) (task.DiskUsage, error) {
	return task.DiskUsage{}, unsupported("disk usage")
}

func (b *Backend) BootTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, unsupported("boot time")
}

func (b *Backend) CreateVM(ctx context.Context, params map[string]interface{}) (string, error) {
	return "", unsupported("create vm")
}

func (b *Backend) DestroyVM(ctx context.Context, uuid string) error {
	return unsupported("destroy vm")
}

func (b *Backend) RebootVM(ctx context.Context, uuid string) error {
	return unsupported("reboot vm")
}

func (b *Backend) ImportImage(ctx context.Context, params map[string]interface{}) (string, error) {
	return "", unsupported("import image")
}

func (b *Backend) UpdateNIC(ctx context.Context, vmUUID string, params map[string]interface{}) error {
	return unsupported("update nic")
}

func (b *Backend) GetAgentConfig(ctx context.Context) (task.AgentConfig, error) {
	return task.AgentConfig{}, unsupported("get agent config")
}

func (b *Backend) GetSdcConfig(ctx context.Context) (task.SdcConfig, error) {
	return task.SdcConfig{}, unsupported("get sdc config")
}

func (b *Backend) GetSysinfo(ctx context.Context) (task.Sysinfo, error) {
	return nil, unsupported("get sysinfo")
}

func (b *Backend) WatchSysinfo(ctx context.Context, cb func()) error {
	return unsupported("watch sysinfo")
}

func (b *Backend) GetFirstAdminIP(ctx context.Context) (string, error) {
	return "", unsupported("get first admin ip")
}

func (b *Backend) GetAgents(ctx context.Context) ([]task.AgentInventoryItem, error) {
	return nil, unsupported("get agents")
}

func (b *Backend) StartWatchers(ctx context.Context, dirtyFn func()) error {
	return unsupported("start watchers")
}

func (b *Backend) StopWatchers() error {
	return unsupported("stop watchers")
}
