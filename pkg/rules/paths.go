package rules

import (
	"github.com/goshops-com/opsagent/pkg/models"
)

// resolvePath walks a dotted metric path through a sample. Returns nil for
// unknown paths so that rules written against newer samples are skipped
// silently.
func resolvePath(sample *models.MetricSample, path string) *float64 {
	switch path {
	case "cpu.usage":
		return &sample.CPU.Usage
	case "cpu.load1":
		return &sample.CPU.Load1
	case "cpu.load5":
		return &sample.CPU.Load5
	case "cpu.load15":
		return &sample.CPU.Load15
	case "cpu.temp":
		return sample.CPU.TempC
	case "cpu.iowait":
		return sample.CPU.IOWait
	case "memory.usedPercent":
		return &sample.Memory.UsedPercent
	case "memory.swapPercent":
		return &sample.Memory.SwapPercent
	case "memory.availablePercent":
		return &sample.Memory.AvailablePercent
	case "disk.maxUsedPercent":
		v := sample.Disk.MaxDiskUsedPercent()
		return &v
	case "disk.totalUsed":
		v := float64(sample.Disk.TotalUsedBytes())
		return &v
	case "disk.ioReadRate":
		return &sample.Disk.IOReadRate
	case "disk.ioWriteRate":
		return &sample.Disk.IOWriteRate
	case "network.rxRate":
		return &sample.Network.RxRate
	case "network.txRate":
		return &sample.Network.TxRate
	case "network.errorRate":
		return &sample.Network.ErrorRate
	case "processes.zombie":
		v := float64(sample.Processes.Zombie)
		return &v
	case "processes.total":
		v := float64(sample.Processes.Total)
		return &v
	case "fileDescriptors.usedPercent":
		if sample.FileDescriptors == nil {
			return nil
		}
		return &sample.FileDescriptors.UsedPercent
	default:
		return nil
	}
}
