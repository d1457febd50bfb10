// Package task defines the data model shared across the dispatcher,
// runner, controller link, and status sampler.
package task

import (
	"encoding/json"
	"time"
)

// Request is an incoming task dispatch request.
type Request struct {
	Task      string                 `json:"task"`
	Params    map[string]interface{} `json:"params"`
	ReqID     string                 `json:"req_id"`
	ReqHost   string                 `json:"req_host,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// QueueDefinition describes a named queue's membership and policy.
type QueueDefinition struct {
	Name          string
	Tasks         []string
	MaxConcurrent int
	LogParams     bool
	Expires       time.Duration
}

// Status is the lifecycle state of a dispatched task.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// WorkerHandle tracks a single in-flight or completed worker process.
type WorkerHandle struct {
	ReqID      string
	Task       string
	Queue      string
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status
	Progress   int
	Result     map[string]interface{}
	Error      string

	// ErrorPayload carries a worker-reported structured error body (an
	// `event` message named "error") verbatim, for callers that need more
	// than the flattened Error string — notably the HTTP surface, which
	// returns this directly as the 500 response body when present.
	ErrorPayload json.RawMessage
}

// HistoryEntry is a bounded-retention record of a completed or failed task,
// kept for operator inspection via the history endpoint.
type HistoryEntry struct {
	Task       string    `json:"task"`
	Queue      string    `json:"queue"`
	PID        int       `json:"pid"`
	Params     string    `json:"params"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status    `json:"status"`
	ErrorCount int       `json:"error_count"`
	Messages   []string  `json:"messages"`
	Log        string    `json:"log"`
}

// ControllerQueueKind tags the kind of an outbound controller message.
type ControllerQueueKind string

const (
	ControllerKindAgents    ControllerQueueKind = "agents"
	ControllerKindHeartbeat ControllerQueueKind = "heartbeat"
	ControllerKindStatus    ControllerQueueKind = "status"
	ControllerKindSysinfo   ControllerQueueKind = "sysinfo"
)

// ControllerQueueItem is a single item on the outbound controller link queue.
type ControllerQueueItem struct {
	Kind    ControllerQueueKind
	Payload interface{}
}

// DiskUsage carries the byte-counter breakdown reported in a status snapshot.
// Several of these fields are SmartOS zone/KVM concepts that a generic Linux
// backend cannot populate and reports as zero; see pkg/backend/linuxbackend.
type DiskUsage struct {
	KvmZvolUsedBytes        uint64 `json:"kvm_zvol_used_bytes"`
	KvmZvolVolsizeBytes     uint64 `json:"kvm_zvol_volsize_bytes"`
	KvmQuotaBytes           uint64 `json:"kvm_quota_bytes"`
	KvmQuotaUsedBytes       uint64 `json:"kvm_quota_used_bytes"`
	ZoneQuotaBytes          uint64 `json:"zone_quota_bytes"`
	ZoneQuotaUsedBytes      uint64 `json:"zone_quota_used_bytes"`
	CoresQuotaBytes         uint64 `json:"cores_quota_bytes"`
	CoresQuotaUsedBytes     uint64 `json:"cores_quota_used_bytes"`
	InstalledImagesUsedByte uint64 `json:"installed_images_used_bytes"`
	PoolSizeBytes           uint64 `json:"pool_size_bytes"`
	PoolAllocBytes          uint64 `json:"pool_alloc_bytes"`
	SystemUsedBytes         uint64 `json:"system_used_bytes"`
}

// MemoryInfo carries host memory utilization for a status snapshot.
type MemoryInfo struct {
	AvailBytes uint64 `json:"avail_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// ZpoolStat carries a single storage pool's health and capacity.
type ZpoolStat struct {
	Name   string `json:"name"`
	Health string `json:"health"`
	SizeB  uint64 `json:"size_bytes"`
	AllocB uint64 `json:"alloc_bytes"`
}

// VmSummary is a single VM/zone entry reported in a status snapshot. The
// Quota/Zvol fields feed the disk-usage breakdown algorithm
/// (pkg/backend.ClassifyDiskUsage): quota bytes are the VM's own zone (or,
// for hardware-virt brands, KVM dataset) quota; zvol bytes are the backing
// volume's declared size and actual usage, only meaningful for hardware-virt
// brands.
type VmSummary struct {
	UUID  string `json:"uuid"`
	State string `json:"state"`
	Brand string `json:"brand"`

	QuotaBytes       uint64 `json:"quota_bytes"`
	QuotaUsedBytes   uint64 `json:"quota_used_bytes"`
	ZvolVolsizeBytes uint64 `json:"zvol_volsize_bytes"`
	ZvolUsedBytes    uint64 `json:"zvol_used_bytes"`
}

// Sysinfo is the opaque current-host-facts document posted to the
// controller's sysinfo endpoint and returned by Backend.GetSysinfo.
type Sysinfo map[string]interface{}

// SampleSnapshot is the most recently published status sample.
type SampleSnapshot struct {
	VMs       []VmSummary `json:"vms"`
	ZpoolStat []ZpoolStat `json:"zpool_status"`
	Meminfo   MemoryInfo  `json:"meminfo"`
	Diskinfo  DiskUsage   `json:"diskinfo"`
	BootTime  time.Time   `json:"boot_time"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentInventoryItem describes one agent (cnagent itself, or a sibling
// agent such as a metering or firewaller agent) reported to the
// controller's agent inventory endpoint.
type AgentInventoryItem struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	UUID    string `json:"uuid"`
}

// AgentConfig is the on-disk agent configuration file.
type AgentConfig struct {
	NoRabbit    bool   `yaml:"no_rabbit"`
	FluentdHost string `yaml:"fluentd_host"`
	TaskLogDir  string `yaml:"tasklogdir"`
	CNAPI       struct {
		URL string `yaml:"url"`
	} `yaml:"cnapi"`

	// TaskTimeoutSeconds is the agent-wide wall-clock limit applied to a
	// dispatched task's worker process. Zero means "use the runner's
	// built-in default" (runner.DefaultTimeout).
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// SdcConfig describes the DNS-discoverable coordinates of the data center
// the agent is registering into.
type SdcConfig struct {
	Datacenter string
	DNSDomain  string
}

// ServiceHost resolves a service's DNS name within this data center, e.g.
// "cnapi.<datacenter>.<dns_domain>".
func (c SdcConfig) ServiceHost(service string) string {
	return service + "." + c.Datacenter + "." + c.DNSDomain
}
