// Package diagnostics captures host resource usage when the audio path
// runs into trouble, so an overflow warning carries the CPU and memory
// picture that caused it.
package diagnostics

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/davdef/airlift-node-sub001/internal/logger"
)

// DefaultSnapshotTTL bounds how often the host is actually sampled.
const DefaultSnapshotTTL = 2 * time.Second

const snapshotKey = "system"

// SystemSnapshot is a point-in-time view of host and process resources.
type SystemSnapshot struct {
	Taken           time.Time `json:"taken"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemUsedPercent  float64   `json:"mem_used_percent"`
	SwapUsedPercent float64   `json:"swap_used_percent"`
	GoAllocMiB      uint64    `json:"go_alloc_mib"`
	GoSysMiB        uint64    `json:"go_sys_mib"`
	NumGC           uint32    `json:"num_gc"`
	Goroutines      int       `json:"goroutines"`
}

// String formats the snapshot for a single log line or report.
func (s SystemSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cpu=%.1f%% mem=%.1f%% swap=%.1f%%", s.CPUPercent, s.MemUsedPercent, s.SwapUsedPercent)
	fmt.Fprintf(&b, " go_alloc=%dMiB go_sys=%dMiB gc=%d goroutines=%d", s.GoAllocMiB, s.GoSysMiB, s.NumGC, s.Goroutines)
	return b.String()
}

// Fields returns the snapshot as log fields.
func (s SystemSnapshot) Fields() []logger.Field {
	return []logger.Field{
		logger.Float64("cpu_percent", s.CPUPercent),
		logger.Float64("mem_used_percent", s.MemUsedPercent),
		logger.Float64("swap_used_percent", s.SwapUsedPercent),
		logger.Uint64("go_alloc_mib", s.GoAllocMiB),
		logger.Int("goroutines", s.Goroutines),
	}
}

// probes are the host queries; tests replace them.
type probes struct {
	cpuPercent  func() (float64, error)
	memPercent  func() (float64, error)
	swapPercent func() (float64, error)
}

func hostProbes() probes {
	return probes{
		cpuPercent: func() (float64, error) {
			// interval 0 compares against the previous call
			p, err := cpu.Percent(0, false)
			if err != nil || len(p) == 0 {
				return 0, err
			}
			return p[0], nil
		},
		memPercent: func() (float64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
		swapPercent: func() (float64, error) {
			v, err := mem.SwapMemory()
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
	}
}

// Collector samples the host. Results are cached for the TTL so an
// overflow storm does not turn into a syscall storm.
type Collector struct {
	probes probes
	cache  *cache.Cache
	now    func() time.Time
}

// NewCollector returns a collector caching snapshots for ttl. A ttl of
// zero uses DefaultSnapshotTTL.
func NewCollector(ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Collector{
		probes: hostProbes(),
		cache:  cache.New(ttl, 0),
		now:    time.Now,
	}
}

// Snapshot returns the cached snapshot or samples a fresh one. Probes that
// fail leave their value at zero.
func (c *Collector) Snapshot() SystemSnapshot {
	if v, ok := c.cache.Get(snapshotKey); ok {
		return v.(SystemSnapshot)
	}

	s := SystemSnapshot{Taken: c.now()}
	if v, err := c.probes.cpuPercent(); err == nil {
		s.CPUPercent = v
	}
	if v, err := c.probes.memPercent(); err == nil {
		s.MemUsedPercent = v
	}
	if v, err := c.probes.swapPercent(); err == nil {
		s.SwapUsedPercent = v
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.GoAllocMiB = bToMb(m.Alloc)
	s.GoSysMiB = bToMb(m.Sys)
	s.NumGC = m.NumGC
	s.Goroutines = runtime.NumGoroutine()

	c.cache.SetDefault(snapshotKey, s)
	return s
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

// HostInfo describes the machine the node runs on.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelArch      string `json:"kernel_arch"`
	CPUs            int    `json:"cpus"`
}

// Host returns static host details.
func Host() (HostInfo, error) {
	info, err := host.Info()
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelArch:      info.KernelArch,
		CPUs:            runtime.NumCPU(),
	}, nil
}
