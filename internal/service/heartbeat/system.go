package heartbeat

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is the host health snapshot attached to heartbeats.
type SystemStats struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemUsedPercent float64 `json:"memUsedPercent"`
	DiskFreeBytes  uint64  `json:"diskFreeBytes"`
	UptimeSec      uint64  `json:"uptimeSec"`
}

// StatsCollector gathers a SystemStats snapshot.
type StatsCollector func(ctx context.Context) SystemStats

// HostStats returns a collector reading host counters; diskPath selects the volume
// whose free space is reported. Fields that cannot be read stay zero.
func HostStats(diskPath string) StatsCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return func(ctx context.Context) SystemStats {
		var s SystemStats

		if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
			s.CPUPercent = pct[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			s.MemUsedPercent = vm.UsedPercent
		}
		if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
			s.DiskFreeBytes = du.Free
		}
		if up, err := host.UptimeWithContext(ctx); err == nil {
			s.UptimeSec = up
		}
		return s
	}
}
