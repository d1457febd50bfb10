// Package sampler implements the status sampler: a dirty-flag scheduler
// that refreshes a point-in-time snapshot of the host's VMs, storage,
// memory, and disk usage, throttled so a burst of dirtying events collapses
// into a single refresh rather than one per event.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cnagent/pkg/backend"
	"github.com/cuemby/cnagent/pkg/log"
	"github.com/cuemby/cnagent/pkg/metrics"
	"github.com/cuemby/cnagent/pkg/task"
)

// maxInterval forces a refresh at least this often even with no dirty signal.
const maxInterval = 60 * time.Second

// statusInterval is how often the scheduler checks the dirty flag.
const statusInterval = 500 * time.Millisecond

// postRefreshThrottle is the minimum spacing between two refreshes.
const postRefreshThrottle = 5 * time.Second

// maxConsecutiveSkipsBeforeError escalates repeated skip-because-busy to an
// error-level log, while the sampler keeps trying on its normal cadence.
const maxConsecutiveSkipsBeforeError = 10

// DirtySource reports whether something has changed since it was last asked.
type DirtySource interface {
	Dirty() bool
}

// Sampler runs the dirty-flag refresh loop and publishes snapshots.
type Sampler struct {
	backend backend.Backend
	sources []DirtySource
	onReady func(task.SampleSnapshot)

	mu              sync.Mutex
	refreshing      bool
	consecutiveSkip int
	lastRefresh     time.Time
	lastSnapshot    task.SampleSnapshot
}

// New builds a Sampler sampling b, treated dirty by any of sources, and
// invoking onReady with each successfully published snapshot.
func New(b backend.Backend, sources []DirtySource, onReady func(task.SampleSnapshot)) *Sampler {
	return &Sampler{backend: b, sources: sources, onReady: onReady}
}

// Run drives the dirty-flag scheduler until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shouldRefresh() {
				s.refreshOnce(ctx)
			}
		}
	}
}

func (s *Sampler) shouldRefresh() bool {
	s.mu.Lock()
	sinceLast := time.Since(s.lastRefresh)
	s.mu.Unlock()

	if sinceLast >= maxInterval {
		return true
	}
	if sinceLast < postRefreshThrottle {
		return false
	}

	for _, src := range s.sources {
		if src.Dirty() {
			return true
		}
	}
	return false
}

func (s *Sampler) refreshOnce(ctx context.Context) {
	s.mu.Lock()
	if s.refreshing {
		s.consecutiveSkip++
		skip := s.consecutiveSkip
		s.mu.Unlock()

		metrics.SamplerSkipsTotal.Inc()
		logger := log.WithComponent("sampler")
		if skip >= maxConsecutiveSkipsBeforeError {
			logger.Error().Int("consecutive_skips", skip).Msg("status refresh repeatedly skipped: previous refresh still in flight")
		} else {
			logger.Debug().Int("consecutive_skips", skip).Msg("status refresh skipped: previous refresh still in flight")
		}
		return
	}
	s.refreshing = true
	s.consecutiveSkip = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	snap, err := s.collect(ctx)
	logger := log.WithComponent("sampler")
	if err != nil {
		metrics.SamplerRefreshErrorsTotal.Inc()
		logger.Warn().Err(err).Msg("status refresh failed; will retry and stay dirty")
		// The sources' dirty flags were consumed by shouldRefresh; clearing
		// lastRefresh makes the next tick retry unconditionally.
		s.mu.Lock()
		s.lastRefresh = time.Time{}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.lastSnapshot = snap
	s.mu.Unlock()

	metrics.SamplerRefreshesTotal.Inc()
	if s.onReady != nil {
		s.onReady(snap)
	}
}

func (s *Sampler) collect(ctx context.Context) (task.SampleSnapshot, error) {
	vms, err := s.backend.ListVMs(ctx)
	if err != nil {
		return task.SampleSnapshot{}, err
	}
	pools, err := s.backend.PoolStats(ctx)
	if err != nil {
		return task.SampleSnapshot{}, err
	}
	mem, err := s.backend.MemoryInfo(ctx)
	if err != nil {
		return task.SampleSnapshot{}, err
	}
	disk, err := s.backend.DiskUsage(ctx, vms)
	if err != nil {
		return task.SampleSnapshot{}, err
	}
	boot, err := s.backend.BootTime(ctx)
	if err != nil {
		return task.SampleSnapshot{}, err
	}

	return task.SampleSnapshot{
		VMs:       vms,
		ZpoolStat: pools,
		Meminfo:   mem,
		Diskinfo:  disk,
		BootTime:  boot,
		Timestamp: time.Now(),
	}, nil
}

// Last returns the most recently published snapshot.
func (s *Sampler) Last() task.SampleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}
