package rqd

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gprocess "github.com/shirou/gopsutil/v4/process"
)

// MachineStats is one pass of machine-level stats collection: enough
// to fill a RenderHost on every report.
type MachineStats struct {
	Hostname          string
	TotalMemoryKB     int64
	FreeMemoryKB      int64
	TotalSwapKB       int64
	FreeSwapKB        int64
	TempStorageKB     int64
	TempStorageFreeKB int64
	Load              int32 // 1-minute load average, truncated
	NumSockets        int32
	CoresPerSocket    int32
	BootTime          int64 // epoch seconds
}

// CollectMachineStats gathers host-level stats via gopsutil. tempPath is
// the filesystem path whose free space stands in for temp storage.
func CollectMachineStats(ctx context.Context, tempPath string, topo Topology) (MachineStats, error) {
	var stats MachineStats

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.Hostname = info.Hostname
	stats.BootTime = int64(info.BootTime)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		stats.TotalMemoryKB = int64(vm.Total) / 1024
		stats.FreeMemoryKB = int64(vm.Available) / 1024
	}

	sm, err := mem.SwapMemoryWithContext(ctx)
	if err == nil {
		stats.TotalSwapKB = int64(sm.Total) / 1024
		stats.FreeSwapKB = int64(sm.Free) / 1024
	}

	if tempPath != "" {
		du, err := disk.UsageWithContext(ctx, tempPath)
		if err == nil {
			stats.TempStorageKB = int64(du.Total) / 1024
			stats.TempStorageFreeKB = int64(du.Free) / 1024
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load = int32(avg.Load1)
	}

	stats.NumSockets = int32(topo.Sockets)
	stats.CoresPerSocket = int32(topo.CoresPerSocket)

	return stats, nil
}

// ProcessStats is the per-running-frame measurement,
// aggregated over the frame's whole process lineage.
type ProcessStats struct {
	MaxRSS           int64
	RSS              int64
	MaxVSize         int64
	VSize            int64
	MaxUsedGPUMemory int64
	UsedGPUMemory    int64
	LastLogUpdate    time.Time
}

// Accumulate folds a fresh same-frame sample into stats, keeping the
// max_* fields monotonically non-decreasing.
func (s *ProcessStats) Accumulate(rss, vsize int64) {
	s.RSS = rss
	s.VSize = vsize
	if rss > s.MaxRSS {
		s.MaxRSS = rss
	}
	if vsize > s.MaxVSize {
		s.MaxVSize = vsize
	}
}

// CollectProcessStats sums RSS/VSize across pid and its descendants,
// returning (rss, vsize, alive). alive is false once the lineage has fully
// exited, which is how the monitor loop detects a finished frame.
func CollectProcessStats(ctx context.Context, pid int32) (rss, vsize int64, alive bool) {
	lineage := ProcLineage(pid)
	if len(lineage) == 0 {
		return 0, 0, false
	}
	for _, p := range lineage {
		proc, err := gprocess.NewProcess(p)
		if err != nil {
			continue
		}
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rss += int64(mi.RSS)
			vsize += int64(mi.VMS)
			alive = true
		}
	}
	return rss, vsize, alive
}

// ProcLineage returns pid and every descendant pid still alive, used by
// both the stats collector and the kill monitor's force_kill(lineage) path.
func ProcLineage(pid int32) []int32 {
	proc, err := gprocess.NewProcess(pid)
	if err != nil {
		return nil
	}
	if ok, _ := proc.IsRunning(); !ok {
		return nil
	}
	lineage := []int32{pid}
	children, err := proc.Children()
	if err != nil {
		return lineage
	}
	for _, c := range children {
		lineage = append(lineage, ProcLineage(c.Pid)...)
	}
	return lineage
}

// IsAlive reports whether pid currently exists and is running, used by
// RecoverSnapshots to decide whether a recovered frame should be
// reattached or discarded.
func IsAlive(pid int32) bool {
	proc, err := gprocess.NewProcess(pid)
	if err != nil {
		return false
	}
	ok, _ := proc.IsRunning()
	return ok
}

// CPUTopology probes the host's socket/core/thread layout via gopsutil,
// used to build the agent's CoreReservoir at startup.
func CPUTopology(ctx context.Context) (Topology, error) {
	info, err := cpu.InfoWithContext(ctx)
	if err != nil || len(info) == 0 {
		return Topology{Sockets: 1, CoresPerSocket: 1, ThreadsPerCore: 1}, err
	}

	sockets := map[string]int{}
	for _, c := range info {
		sockets[c.PhysicalID]++
	}
	numSockets := len(sockets)
	if numSockets == 0 {
		numSockets = 1
	}
	coresPerSocket := int(info[0].Cores)
	if coresPerSocket == 0 {
		coresPerSocket = len(info) / numSockets
		if coresPerSocket == 0 {
			coresPerSocket = 1
		}
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	threadsPerCore := 1
	if err == nil && coresPerSocket > 0 && numSockets > 0 {
		perSocketLogical := logical / numSockets
		if coresPerSocket > 0 {
			threadsPerCore = perSocketLogical / coresPerSocket
		}
		if threadsPerCore < 1 {
			threadsPerCore = 1
		}
	}

	return Topology{Sockets: numSockets, CoresPerSocket: coresPerSocket, ThreadsPerCore: threadsPerCore}, nil
}
