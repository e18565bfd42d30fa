// Package monitor samples host and process resources for the info endpoint
// 这个包提供主机与进程资源采样
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostInfo describes the machine
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelArch      string `json:"kernelArch"`
	Uptime          uint64 `json:"uptime"` // seconds
}

// Snapshot is one resource sample
type Snapshot struct {
	Host        HostInfo  `json:"host"`
	CPUCount    int       `json:"cpuCount"`
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryTotal uint64    `json:"memoryTotal"`
	MemoryUsed  uint64    `json:"memoryUsed"`
	MemoryUsage float64   `json:"memoryUsage"` // percent
	LoadAverage []float64 `json:"loadAverage,omitempty"`

	// 本进程
	PID        int32     `json:"pid"`
	ProcessRSS uint64    `json:"processRss"`
	Goroutines int       `json:"goroutines"`
	Uptime     int64     `json:"uptime"` // seconds since the sampler was created
	SampledAt  time.Time `json:"sampledAt"`
}

// Sampler caches samples for a short period so that polling clients do not hammer the OS
type Sampler struct {
	mu        sync.Mutex
	ttl       time.Duration
	startTime time.Time
	last      *Snapshot
	host      *HostInfo
}

// NewSampler creates a sampler; ttl <= 0 disables caching
func NewSampler(ttl time.Duration) *Sampler {
	return &Sampler{ttl: ttl, startTime: time.Now()}
}

// Sample returns a fresh or cached snapshot.
// Individual probes that fail leave their fields zero.
func (s *Sampler) Sample(ctx context.Context) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && s.ttl > 0 && time.Since(s.last.SampledAt) < s.ttl {
		c := *s.last
		return &c
	}

	snap := &Snapshot{
		CPUCount:   runtime.NumCPU(),
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     int64(time.Since(s.startTime).Seconds()),
		SampledAt:  time.Now(),
	}

	// 主机信息基本不变，只取一次；运行时间每次刷新
	if s.host == nil {
		if info, err := host.InfoWithContext(ctx); err == nil {
			s.host = &HostInfo{
				Hostname:        info.Hostname,
				OS:              info.OS,
				Platform:        info.Platform,
				PlatformVersion: info.PlatformVersion,
				KernelArch:      info.KernelArch,
			}
		}
	}
	if s.host != nil {
		snap.Host = *s.host
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		snap.Host.Uptime = uptime
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryUsage = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if p, err := process.NewProcessWithContext(ctx, snap.PID); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			snap.ProcessRSS = mi.RSS
		}
	}

	s.last = snap
	c := *snap
	return &c
}
