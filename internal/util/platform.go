package util

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo identifies the machine the bridge runs on. It is attached to
// status reports and MQTT status messages.
type HostInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	BootTime     uint64 `json:"boot_time"`
	PID          int    `json:"pid"`
}

// GetHostInfo gathers static host information. Fields gopsutil cannot
// determine are left empty.
func GetHostInfo() HostInfo {
	info := HostInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		PID:          os.Getpid(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if h, err := host.Info(); err == nil {
		info.Platform = h.Platform + " " + h.PlatformVersion
		info.BootTime = h.BootTime
	}
	if m, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = m.Total / (1024 * 1024)
	}
	return info
}

// ResourceUsage is a point-in-time load sample.
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// GetResourceUsage samples CPU, memory and the usage of the filesystem
// holding path.
func GetResourceUsage(path string) ResourceUsage {
	usage := ResourceUsage{SampledAt: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		usage.CPUPercent = pct[0]
	}
	if m, err := mem.VirtualMemory(); err == nil {
		usage.MemoryPercent = m.UsedPercent
	}
	if path == "" {
		path = "."
	}
	if d, err := disk.Usage(path); err == nil {
		usage.DiskPercent = d.UsedPercent
	}
	return usage
}
