// Package linuxbackend implements backend.Backend against a real Linux
// host using gopsutil, for development and testing off actual SmartOS
// hardware. It reports zero for the SmartOS zone/KVM-specific disk-usage
// counters that have no Linux equivalent (documented per-field below) and
// surfaces a single pseudo storage pool built from root filesystem usage.
package linuxbackend

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuemby/cnagent/pkg/backend"
	"github.com/cuemby/cnagent/pkg/config"
	"github.com/cuemby/cnagent/pkg/task"
)

// pollInterval is how often StartWatchers re-checks GetSysinfo for changes,
// since a generic Linux host has no fsnotify-able VM directory tree to watch
// the way mockbackend does.
const pollInterval = 30 * time.Second

// Backend is the gopsutil-backed implementation of backend.Backend.
type Backend struct {
	rootPath   string
	configPath string
}

// New constructs a Backend sampling the root filesystem for disk usage.
// configPath is the on-disk agent config file GetAgentConfig reads; it may
// be empty for callers (such as cnagent-worker) that only need VmBackend.
func New(configPath string) *Backend {
	return &Backend{rootPath: "/", configPath: configPath}
}

func (b *Backend) Name() string { return "linux" }

// ListVMs always returns an empty list: this backend has no hypervisor
// integration, so the host itself is the only "zone".
func (b *Backend) ListVMs(ctx context.Context) ([]task.VmSummary, error) {
	return []task.VmSummary{}, nil
}

// PoolStats synthesizes a single pseudo-pool from root filesystem usage,
// since a generic Linux host has no ZFS pools to report.
func (b *Backend) PoolStats(ctx context.Context) ([]task.ZpoolStat, error) {
	usage, err := disk.UsageWithContext(ctx, b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("linuxbackend: disk usage: %w", err)
	}
	health := "ONLINE"
	return []task.ZpoolStat{
		{
			Name:   "zones",
			Health: health,
			SizeB:  usage.Total,
			AllocB: usage.Used,
		},
	}, nil
}

func (b *Backend) MemoryInfo(ctx context.Context) (task.MemoryInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return task.MemoryInfo{}, fmt.Errorf("linuxbackend: memory info: %w", err)
	}
	return task.MemoryInfo{
		AvailBytes: vm.Available,
		TotalBytes: vm.Total,
		UsedBytes:  vm.Used,
	}, nil
}

// DiskUsage runs the disk-usage breakdown algorithm (backend.ClassifyDiskUsage)
// over vms, using root filesystem usage as the pseudo-pool's size/allocation.
// kvm_zvol_*, zone_quota_*, and cores_quota_* end up zero whenever vms
// carries no hardware-virt or zone brands, which is always true here since
// ListVMs never reports any: this backend has no zone/KVM dataset concept to
// source those counters from, a deliberate simplification for a generic
// Linux host rather than a silent gap.
func (b *Backend) DiskUsage(ctx context.Context, vms []task.VmSummary) (task.DiskUsage, error) {
	usage, err := disk.UsageWithContext(ctx, b.rootPath)
	if err != nil {
		return task.DiskUsage{}, fmt.Errorf("linuxbackend: disk usage: %w", err)
	}
	return backend.ClassifyDiskUsage(vms, usage.Total, usage.Used, 0), nil
}

func (b *Backend) BootTime(ctx context.Context) (time.Time, error) {
	secs, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("linuxbackend: boot time: %w", err)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// GetAgentConfig reads the on-disk agent config file via pkg/config.
func (b *Backend) GetAgentConfig(ctx context.Context) (task.AgentConfig, error) {
	if b.configPath == "" {
		return task.AgentConfig{}, fmt.Errorf("linuxbackend: no agent config path configured")
	}
	return config.Load(b.configPath)
}

// GetSdcConfig resolves the data center identity from the environment, the
// same source pkg/config.ResolveSdcConfig uses.
func (b *Backend) GetSdcConfig(ctx context.Context) (task.SdcConfig, error) {
	return config.ResolveSdcConfig()
}

// GetSysinfo reports a minimal host-facts document built from gopsutil's
// host.Info, the nearest real-host analogue of SmartOS's sysinfo(1M) output.
func (b *Backend) GetSysinfo(ctx context.Context) (task.Sysinfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("linuxbackend: sysinfo: %w", err)
	}
	return task.Sysinfo{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"uptime_seconds":   info.Uptime,
		"boot_time":        info.BootTime,
	}, nil
}

// WatchSysinfo polls GetSysinfo on pollInterval and calls cb whenever the
// result differs from the previous poll. There is no OS-level sysinfo
// change notification to hook into on a generic Linux host, so this is a
// diff-by-polling approximation shared in spirit with mockbackend's
// fsnotify-driven watch.
func (b *Backend) WatchSysinfo(ctx context.Context, cb func()) error {
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		last, _ := b.GetSysinfo(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := b.GetSysinfo(ctx)
				if err != nil {
					continue
				}
				if !reflect.DeepEqual(cur, last) {
					last = cur
					cb()
				}
			}
		}
	}()
	return nil
}

// GetFirstAdminIP returns the first non-loopback IPv4 address found on the
// host, standing in for SmartOS's admin-network NIC convention.
func (b *Backend) GetFirstAdminIP(ctx context.Context) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("linuxbackend: listing interface addrs: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("linuxbackend: no admin IP found")
}

// GetAgents reports cnagent itself as the sole installed agent: a generic
// Linux host has no sibling metering/firewaller agent installation to
// discover.
func (b *Backend) GetAgents(ctx context.Context) ([]task.AgentInventoryItem, error) {
	return []task.AgentInventoryItem{{Name: "cnagent"}}, nil
}

// StartWatchers launches WatchSysinfo's poll loop as the backend's sole
// source of dirty signals; it has no VM directory tree to watch.
func (b *Backend) StartWatchers(ctx context.Context, dirtyFn func()) error {
	return b.WatchSysinfo(ctx, dirtyFn)
}

// StopWatchers is a no-op: the poll loop started by StartWatchers exits on
// its own once the context passed to StartWatchers is canceled.
func (b *Backend) StopWatchers() error {
	return nil
}

// CreateVM, DestroyVM, RebootVM, ImportImage, and UpdateNIC are out of
// scope for the Linux sampling backend: it has no hypervisor to drive. Use
// hypervisorbackend for a real provisioning target.
func (b *Backend) CreateVM(ctx context.Context, params map[string]interface{}) (string, error) {
	return "", fmt.Errorf("linuxbackend: VM provisioning is not supported on this backend")
}

func (b *Backend) DestroyVM(ctx context.Context, uuid string) error {
	return fmt.Errorf("linuxbackend: VM provisioning is not supported on this backend")
}

func (b *Backend) RebootVM(ctx context.Context, uuid string) error {
	return fmt.Errorf("linuxbackend: VM provisioning is not supported on this backend")
}

func (b *Backend) ImportImage(ctx context.Context, params map[string]interface{}) (string, error) {
	return "", fmt.Errorf("linuxbackend: image import is not supported on this backend")
}

func (b *Backend) UpdateNIC(ctx context.Context, vmUUID string, params map[string]interface{}) error {
	return fmt.Errorf("linuxbackend: NIC update is not supported on this backend")
}
