// Package backend defines the pluggable host-capability abstraction that
// provisioning tasks and the status sampler run against. cnagent ships
// three implementations: linuxbackend (a real host via gopsutil),
// mockbackend (an fsnotify-driven directory simulator for testing), and
// hypervisorbackend (a stub for the hypervisor integration that is out of
// scope for this agent, per its charter as a controller-facing surface
// rather than a hypervisor driver).
package backend

import (
	"context"
	"time"

	"github.com/cuemby/cnagent/pkg/task"
)

// VmBackend is the provisioning-facing capability surface: create, destroy,
// and reboot VMs/zones, and manage their images and NICs.
type VmBackend interface {
	CreateVM(ctx context.Context, params map[string]interface{}) (uuid string, err error)
	DestroyVM(ctx context.Context, uuid string) error
	RebootVM(ctx context.Context, uuid string) error
	ImportImage(ctx context.Context, params map[string]interface{}) (uuid string, err error)
	UpdateNIC(ctx context.Context, vmUUID string, params map[string]interface{}) error
}

// Backend is the full capability surface cnagent needs at startup and while
// sampling: VM lifecycle, host inventory, and the controller-facing identity
// and sysinfo surface described in the agent's startup sequence.
type Backend interface {
	VmBackend

	ListVMs(ctx context.Context) ([]task.VmSummary, error)
	PoolStats(ctx context.Context) ([]task.ZpoolStat, error)
	MemoryInfo(ctx context.Context) (task.MemoryInfo, error)
	DiskUsage(ctx context.Context, vms []task.VmSummary) (task.DiskUsage, error)
	BootTime(ctx context.Context) (time.Time, error)

	// GetAgentConfig returns the on-disk agent configuration, read once at
	// startup alongside the sdc config and sysinfo.
	GetAgentConfig(ctx context.Context) (task.AgentConfig, error)
	// GetSdcConfig returns the data center identity used for controller
	// service discovery.
	GetSdcConfig(ctx context.Context) (task.SdcConfig, error)
	// GetSysinfo returns the current host-facts document posted to the
	// controller's sysinfo endpoint.
	GetSysinfo(ctx context.Context) (task.Sysinfo, error)
	// WatchSysinfo registers cb to be called whenever GetSysinfo's result
	// changes, so the caller can re-post it. It does not block.
	WatchSysinfo(ctx context.Context, cb func()) error
	// GetFirstAdminIP returns the first address on the host's admin
	// network, used for controller registration diagnostics.
	GetFirstAdminIP(ctx context.Context) (string, error)
	// GetAgents lists the agents installed alongside cnagent (itself
	// included), reported to the controller's agent inventory endpoint.
	GetAgents(ctx context.Context) ([]task.AgentInventoryItem, error)
	// StartWatchers begins whatever background watching this backend uses
	// to notice host state changes (e.g. a directory watch, a poll loop),
	// calling dirtyFn on each one. It is additive: a backend that already
	// watches something internally for its own purposes keeps doing so.
	StartWatchers(ctx context.Context, dirtyFn func()) error
	// StopWatchers stops everything StartWatchers started.
	StopWatchers() error

	// Name identifies the backend implementation, reported in logs.
	Name() string
}

// hardwareVirtBrands are VM brands backed by a KVM/bhyve dataset and zvol,
// as opposed to a plain zone whose quota is the zone's own dataset.
var hardwareVirtBrands = map[string]bool{
	"kvm":   true,
	"bhyve": true,
}

// ClassifyDiskUsage implements the disk-usage breakdown algorithm: classify
// each VM by brand, sum its backing-volume/quota bytes into the named
// counters, and derive system_used_bytes as whatever the pool has allocated
// beyond what's accounted for by VMs and installed images.
//
// cores_quota_* is always zero: no backend here models a "cores" dataset
// (an artifact of SmartOS's lx-branded "triton-cores" convention), so there
// is nothing to classify into it.
func ClassifyDiskUsage(vms []task.VmSummary, poolSizeBytes, poolAllocBytes, installedImagesUsedBytes uint64) task.DiskUsage {
	du := task.DiskUsage{
		InstalledImagesUsedByte: installedImagesUsedBytes,
		PoolSizeBytes:           poolSizeBytes,
		PoolAllocBytes:          poolAllocBytes,
	}

	for _, vm := range vms {
		if hardwareVirtBrands[vm.Brand] {
			du.KvmZvolUsedBytes += vm.ZvolUsedBytes
			du.KvmZvolVolsizeBytes += vm.ZvolVolsizeBytes
			du.KvmQuotaBytes += vm.QuotaBytes
			du.KvmQuotaUsedBytes += vm.QuotaUsedBytes
		} else {
			du.ZoneQuotaBytes += vm.QuotaBytes
			du.ZoneQuotaUsedBytes += vm.QuotaUsedBytes
		}
	}

	accounted := du.KvmZvolUsedBytes + du.KvmQuotaUsedBytes + du.ZoneQuotaUsedBytes +
		du.CoresQuotaUsedBytes + du.InstalledImagesUsedByte
	if poolAllocBytes > accounted {
		du.SystemUsedBytes = poolAllocBytes - accounted
	}

	return du
}
