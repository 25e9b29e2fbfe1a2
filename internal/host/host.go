package host

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of the machine the daemon runs on, served
// alongside the container stream for dashboard context.
type Snapshot struct {
	Hostname       string  `json:"hostname"`
	UptimeSec      uint64  `json:"uptimeSec"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemUsedBytes   uint64  `json:"memUsedBytes"`
	MemTotalBytes  uint64  `json:"memTotalBytes"`
	MemPercent     float64 `json:"memPercent"`
	DiskUsedBytes  uint64  `json:"diskUsedBytes"`
	DiskTotalBytes uint64  `json:"diskTotalBytes"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
}

// Collect gathers a best-effort snapshot. Individual probe failures leave
// their fields zero rather than failing the whole snapshot.
func Collect(ctx context.Context) Snapshot {
	var s Snapshot
	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Hostname = info.Hostname
		s.UptimeSec = info.Uptime
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemUsedBytes = vm.Used
		s.MemTotalBytes = vm.Total
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		s.DiskUsedBytes = du.Used
		s.DiskTotalBytes = du.Total
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1, s.Load5, s.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	return s
}
