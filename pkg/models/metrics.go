// Package models contains the domain entities shared across the agent:
// metric samples, rules, alerts, issues, plugins, chat sessions, approvals
// and audit entries.
package models

import "time"

// MetricSample is one immutable snapshot of the host at a point in time.
// Produced by the collector, consumed by the rule engine. Samples are kept
// in memory only as long as the rate/sustained windows need them.
type MetricSample struct {
	Timestamp       time.Time            `json:"timestamp"`
	CPU             CPUMetrics           `json:"cpu"`
	Memory          MemoryMetrics        `json:"memory"`
	Disk            DiskMetrics          `json:"disk"`
	Network         NetworkMetrics       `json:"network"`
	Processes       ProcessMetrics       `json:"processes"`
	FileDescriptors *FileDescriptorUsage `json:"file_descriptors,omitempty"`
}

// CPUMetrics groups CPU load and utilisation figures.
type CPUMetrics struct {
	Usage  float64  `json:"usage"` // percent, all cores combined
	Load1  float64  `json:"load1"`
	Load5  float64  `json:"load5"`
	Load15 float64  `json:"load15"`
	TempC  *float64 `json:"temp_c,omitempty"`
	IOWait *float64 `json:"iowait,omitempty"`
}

// MemoryMetrics groups memory and swap utilisation.
type MemoryMetrics struct {
	UsedPercent      float64 `json:"used_percent"`
	SwapPercent      float64 `json:"swap_percent"`
	AvailablePercent float64 `json:"available_percent"`
}

// DiskMount is the usage of a single mounted filesystem.
type DiskMount struct {
	Mountpoint  string  `json:"mountpoint"`
	Filesystem  string  `json:"filesystem"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskMetrics groups per-mount usage and aggregate I/O rates.
type DiskMetrics struct {
	Mounts      []DiskMount `json:"mounts"`
	IOReadRate  float64     `json:"io_read_rate"`  // bytes/s
	IOWriteRate float64     `json:"io_write_rate"` // bytes/s
}

// NetworkMetrics groups aggregate interface rates derived from counters.
type NetworkMetrics struct {
	RxRate    float64 `json:"rx_rate"`    // bytes/s
	TxRate    float64 `json:"tx_rate"`    // bytes/s
	ErrorRate float64 `json:"error_rate"` // errors/s
}

// ProcessInfo is a single entry in the top-CPU / top-memory process lists.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// ProcessMetrics groups process-table counts and the top consumers.
type ProcessMetrics struct {
	Running  int           `json:"running"`
	Sleeping int           `json:"sleeping"`
	Blocked  int           `json:"blocked"`
	Zombie   int           `json:"zombie"`
	Total    int           `json:"total"`
	TopCPU   []ProcessInfo `json:"top_cpu"`
	TopMem   []ProcessInfo `json:"top_mem"`
}

// FileDescriptorUsage reports system-wide file descriptor pressure.
type FileDescriptorUsage struct {
	UsedPercent float64 `json:"used_percent"`
}

// MaxDiskUsedPercent returns the highest used-percent across real
// filesystems. Pseudo-filesystems (tmpfs, devtmpfs, overlay) are excluded
// by the collector before the sample is built, so all mounts count.
func (d DiskMetrics) MaxDiskUsedPercent() float64 {
	var max float64
	for _, m := range d.Mounts {
		if m.UsedPercent > max {
			max = m.UsedPercent
		}
	}
	return max
}

// TotalUsedBytes returns the summed used bytes across all mounts.
func (d DiskMetrics) TotalUsedBytes() uint64 {
	var total uint64
	for _, m := range d.Mounts {
		total += m.UsedBytes
	}
	return total
}
