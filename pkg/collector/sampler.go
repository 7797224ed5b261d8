package collector

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/goshops-com/opsagent/pkg/models"
)

const topProcessCount = 5

// pseudoFilesystems are excluded from disk usage: they report memory, not
// disk.
var pseudoFilesystems = map[string]bool{
	"tmpfs":    true,
	"devtmpfs": true,
	"overlay":  true,
	"squashfs": true,
}

// sampler produces MetricSamples. Rates need the previous counters, so the
// sampler is stateful; the first sample reports zero rates.
type sampler struct {
	prevAt        time.Time
	prevNetRx     uint64
	prevNetTx     uint64
	prevNetErr    uint64
	prevDiskRead  uint64
	prevDiskWrite uint64
}

func newSampler() *sampler {
	return &sampler{}
}

// sample builds one complete MetricSample. A failure in any core subsystem
// aborts the sample; optional readings (temperature, iowait, file
// descriptors) degrade to absent.
func (s *sampler) sample(ctx context.Context) (*models.MetricSample, error) {
	now := time.Now().UTC()
	out := &models.MetricSample{Timestamp: now}

	if err := s.collectCPU(ctx, out); err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	if err := s.collectMemory(ctx, out); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if err := s.collectDisk(ctx, now, out); err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	if err := s.collectNetwork(ctx, now, out); err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	if err := s.collectProcesses(ctx, out); err != nil {
		return nil, fmt.Errorf("processes: %w", err)
	}
	out.FileDescriptors = collectFileDescriptors()

	s.prevAt = now
	return out, nil
}

func (s *sampler) collectCPU(ctx context.Context, out *models.MetricSample) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return err
	}
	if len(percents) > 0 {
		out.CPU.Usage = percents[0]
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return err
	}
	out.CPU.Load1 = avg.Load1
	out.CPU.Load5 = avg.Load5
	out.CPU.Load15 = avg.Load15

	// Temperature is best-effort: most VMs expose no sensors.
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if strings.Contains(t.SensorKey, "coretemp") ||
				strings.Contains(t.SensorKey, "cpu") ||
				strings.Contains(t.SensorKey, "k10temp") {
				temp := t.Temperature
				out.CPU.TempC = &temp
				break
			}
		}
	}
	return nil
}

func (s *sampler) collectMemory(ctx context.Context, out *models.MetricSample) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	out.Memory.UsedPercent = vm.UsedPercent
	if vm.Total > 0 {
		out.Memory.AvailablePercent = float64(vm.Available) / float64(vm.Total) * 100
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	out.Memory.SwapPercent = swap.UsedPercent
	return nil
}

func (s *sampler) collectDisk(ctx context.Context, now time.Time, out *models.MetricSample) error {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, p := range partitions {
		if pseudoFilesystems[p.Fstype] || seen[p.Mountpoint] {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		seen[p.Mountpoint] = true
		out.Disk.Mounts = append(out.Disk.Mounts, models.DiskMount{
			Mountpoint:  p.Mountpoint,
			Filesystem:  p.Fstype,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}

	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		// I/O counters are unavailable in some containers; usage alone
		// still makes a valid sample.
		return nil
	}
	var read, write uint64
	for _, c := range counters {
		read += c.ReadBytes
		write += c.WriteBytes
	}
	if !s.prevAt.IsZero() {
		elapsed := now.Sub(s.prevAt).Seconds()
		if elapsed > 0 && read >= s.prevDiskRead && write >= s.prevDiskWrite {
			out.Disk.IOReadRate = float64(read-s.prevDiskRead) / elapsed
			out.Disk.IOWriteRate = float64(write-s.prevDiskWrite) / elapsed
		}
	}
	s.prevDiskRead = read
	s.prevDiskWrite = write
	return nil
}

func (s *sampler) collectNetwork(ctx context.Context, now time.Time, out *models.MetricSample) error {
	counters, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return err
	}
	if len(counters) == 0 {
		return nil
	}
	total := counters[0]
	errCount := total.Errin + total.Errout + total.Dropin + total.Dropout

	if !s.prevAt.IsZero() {
		elapsed := now.Sub(s.prevAt).Seconds()
		if elapsed > 0 && total.BytesRecv >= s.prevNetRx && total.BytesSent >= s.prevNetTx {
			out.Network.RxRate = float64(total.BytesRecv-s.prevNetRx) / elapsed
			out.Network.TxRate = float64(total.BytesSent-s.prevNetTx) / elapsed
			if errCount >= s.prevNetErr {
				out.Network.ErrorRate = float64(errCount-s.prevNetErr) / elapsed
			}
		}
	}
	s.prevNetRx = total.BytesRecv
	s.prevNetTx = total.BytesSent
	s.prevNetErr = errCount
	return nil
}

func (s *sampler) collectProcesses(ctx context.Context, out *models.MetricSample) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}

	var infos []models.ProcessInfo
	for _, p := range procs {
		out.Processes.Total++
		statuses, err := p.StatusWithContext(ctx)
		if err == nil && len(statuses) > 0 {
			switch statuses[0] {
			case process.Running:
				out.Processes.Running++
			case process.Sleep, process.Idle:
				out.Processes.Sleeping++
			case process.Blocked:
				out.Processes.Blocked++
			case process.Zombie:
				out.Processes.Zombie++
			}
		}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, models.ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: float64(memPct),
		})
	}

	out.Processes.TopCPU = topBy(infos, func(a, b models.ProcessInfo) bool {
		return a.CPUPercent > b.CPUPercent
	})
	out.Processes.TopMem = topBy(infos, func(a, b models.ProcessInfo) bool {
		return a.MemPercent > b.MemPercent
	})
	return nil
}

func topBy(infos []models.ProcessInfo, less func(a, b models.ProcessInfo) bool) []models.ProcessInfo {
	sorted := make([]models.ProcessInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > topProcessCount {
		sorted = sorted[:topProcessCount]
	}
	return sorted
}

// collectFileDescriptors reads system-wide descriptor pressure from
// /proc/sys/fs/file-nr (allocated, free, max). Absent on non-Linux hosts.
func collectFileDescriptors() *models.FileDescriptorUsage {
	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return nil
	}
	used, err1 := strconv.ParseFloat(fields[0], 64)
	max, err2 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || max == 0 {
		return nil
	}
	return &models.FileDescriptorUsage{UsedPercent: used / max * 100}
}
