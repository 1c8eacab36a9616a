package rqd

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/rpc"
)

// MonitorConfig collects the agent-machine periodic-loop
// tunables.
type MonitorConfig struct {
	MonitorInterval       time.Duration
	TempPath              string
	Hostname              string
	Facility              string
	CustomTags            []string
	NimbyMode             bool
	MemoryOOMMargin       float64 // memory_oom_margin_percentage
	KillMonitorInterval   time.Duration
	KillMonitorTimeout    time.Duration
	ForceKillAfterTimeout bool
	SnapshotDir           string
}

// Monitor runs the machine-monitor-and-reporting loop and the
// kill-monitor watchdog for one agent host.
type Monitor struct {
	cfg     MonitorConfig
	manager *FrameManager
	cores   *CoreReservoir
	gpus    *GPUReservoir
	runner  ProcessRunner
	reports *rpc.ReportingClient
	nimby   *Nimby
	topo    Topology

	statsMu      sync.Mutex
	processStats map[string]*ProcessStats // by resource_id, guarded by statsMu
	killedAt     map[string]time.Time     // by resource_id, kill monitor state
	killForced   map[string]bool
	oomKilled    map[string]bool // by resource_id, set when PlanEvictions chose this frame

	lockMu       sync.Mutex
	manualLocked int32 // cores withheld from scheduling by lock_cores/unlock_cores
	allLocked    bool  // cores withheld from scheduling by lock_all/unlock_all
}

// LockCores records n more cores as locked in the host reports sent to the
// scheduler (the lock_cores RPC). The core reservoir is not changed, so a
// spawn on this agent can still reserve those cores.
func (m *Monitor) LockCores(n int32) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	m.manualLocked += n
}

// UnlockCores returns n previously locked cores to the idle pool.
func (m *Monitor) UnlockCores(n int32) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	m.manualLocked -= n
	if m.manualLocked < 0 {
		m.manualLocked = 0
	}
}

// LockAll withholds every core on the host from scheduling.
func (m *Monitor) LockAll() {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	m.allLocked = true
}

// UnlockAll releases a prior LockAll.
func (m *Monitor) UnlockAll() {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	m.allLocked = false
}

func (m *Monitor) lockedCores() int32 {
	m.lockMu.Lock()
	locked, all := m.manualLocked, m.allLocked
	m.lockMu.Unlock()
	if all {
		return m.cores.Detail(0).TotalCores
	}
	return locked
}

// NewMonitor wires a Monitor over an already-populated FrameManager and
// reservoirs.
func NewMonitor(cfg MonitorConfig, manager *FrameManager, cores *CoreReservoir, gpus *GPUReservoir, runner ProcessRunner, reports *rpc.ReportingClient, nimby *Nimby, topo Topology) *Monitor {
	return &Monitor{
		cfg:          cfg,
		manager:      manager,
		cores:        cores,
		gpus:         gpus,
		runner:       runner,
		reports:      reports,
		nimby:        nimby,
		topo:         topo,
		processStats: make(map[string]*ProcessStats),
		killedAt:     make(map[string]time.Time),
		killForced:   make(map[string]bool),
		oomKilled:    make(map[string]bool),
	}
}

// Run sends the one-time startup report, then ticks the monitor loop and the
// kill-monitor watchdog until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.reports.ReportRqdStartup(ctx, &rpc.BootReport{Host: m.renderHost()}); err != nil {
		metrics.AgentReportFailures.WithLabelValues(string(errs.KindOf(err))).Inc()
		log.Logger.Error().Err(err).Msg("report_rqd_startup failed")
	}

	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	monitorTicker := time.NewTicker(interval)
	defer monitorTicker.Stop()

	killInterval := m.cfg.KillMonitorInterval
	if killInterval <= 0 {
		killInterval = interval
	}
	killTicker := time.NewTicker(killInterval)
	defer killTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-monitorTicker.C:
			m.tick(ctx)
		case <-killTicker.C:
			m.tickKillMonitor(ctx)
		}
	}
}

// tick is one monitor-loop pass: refresh stats, reap exited frames,
// push a HostReport.
func (m *Monitor) tick(ctx context.Context) {
	frames := m.manager.All()

	var infos []rpc.RunningFrameInfo
	for _, f := range frames {
		if f.State != FrameRunning {
			continue
		}

		raw, done, err := m.runner.Wait(ctx, f)
		if err != nil {
			log.Logger.Warn().Err(err).Str("resource_id", f.ResourceID).Msg("wait on frame process failed")
		}
		if done {
			m.reapFrame(ctx, f, raw)
			continue
		}

		m.statsMu.Lock()
		stats := m.processStats[f.ResourceID]
		if stats == nil {
			stats = &ProcessStats{}
			m.processStats[f.ResourceID] = stats
		}
		m.statsMu.Unlock()
		rss, vsize, alive := CollectProcessStats(ctx, f.PID)
		if !alive {
			// lineage fully gone but the runner hasn't surfaced an exit yet;
			// treat as a clean exit with status 0 so the frame doesn't get
			// stuck RUNNING forever.
			m.reapFrame(ctx, f, 0)
			continue
		}
		m.statsMu.Lock()
		stats.Accumulate(rss, vsize)
		stats.LastLogUpdate = time.Now()
		info := m.runningFrameInfo(f, stats)
		m.statsMu.Unlock()
		infos = append(infos, info)
	}

	metrics.AgentFramesRunning.Set(float64(len(infos)))
	metrics.AgentCoresIdle.Set(float64(m.cores.Detail(0).IdleCores))
	metrics.AgentGPUMemoryIdleBytes.Set(float64(m.gpus.IdleMemory()))

	m.planAndRunEvictions(ctx, frames)

	report := m.hostReport(infos)
	metrics.AgentCoresLocked.Set(float64(report.Cores.LockedCores))
	if err := m.reports.ReportStatus(ctx, report); err != nil {
		metrics.AgentReportFailures.WithLabelValues(string(errs.KindOf(err))).Inc()
		log.Logger.Error().Err(err).Msg("report_status failed")
	}
}

// hostReport assembles a HostReport around an already-collected frame info
// list.
func (m *Monitor) hostReport(infos []rpc.RunningFrameInfo) *rpc.HostReport {
	lockedCores := m.lockedCores()
	if m.nimby != nil && m.nimby.Engaged() {
		lockedCores = m.cores.Detail(0).TotalCores
	}
	coreDetail := m.cores.Detail(lockedCores)

	return &rpc.HostReport{
		Host:          m.renderHost(),
		RunningFrames: infos,
		Cores: rpc.CoreDetail{
			TotalCores:  coreDetail.TotalCores,
			IdleCores:   coreDetail.IdleCores,
			LockedCores: coreDetail.LockedCores,
			BookedCores: coreDetail.BookedCores,
		},
	}
}

// buildHostReport answers the report_status RPC on demand: current frames
// with their last-sampled stats, no reaping.
func (m *Monitor) buildHostReport(ctx context.Context) *rpc.HostReport {
	var infos []rpc.RunningFrameInfo
	for _, f := range m.manager.All() {
		if f.State != FrameRunning {
			continue
		}
		m.statsMu.Lock()
		stats := m.processStats[f.ResourceID]
		if stats == nil {
			stats = &ProcessStats{}
		}
		info := m.runningFrameInfo(f, stats)
		m.statsMu.Unlock()
		infos = append(infos, info)
	}
	return m.hostReport(infos)
}

// reapFrame handles one exited frame: decode, release,
// report completion, drop the snapshot and in-memory bookkeeping.
func (m *Monitor) reapFrame(ctx context.Context, f *RunningFrame, raw int32) {
	f.Exit(raw)
	m.manager.Remove(f.FrameID)
	m.statsMu.Lock()
	delete(m.processStats, f.ResourceID)
	m.statsMu.Unlock()
	delete(m.killedAt, f.ResourceID)
	delete(m.killForced, f.ResourceID)

	info := rpc.RunningFrameInfo{
		ResourceID: f.ResourceID,
		JobID:      f.JobID,
		JobName:    f.JobName,
		FrameID:    f.FrameID,
		FrameName:  f.FrameName,
		LayerID:    f.LayerID,
		NumCores:   f.NumCores,
		NumGPUs:    f.NumGPUs,
	}
	if m.oomKilled[f.ResourceID] {
		info.Attributes = map[string]string{"kill_reason": oomKillReason}
		delete(m.oomKilled, f.ResourceID)
	}

	completion := &rpc.FrameCompleteReport{
		Host:       m.cfg.Hostname,
		Frame:      info,
		ExitStatus: f.ExitStatus,
		ExitSignal: f.ExitSignal,
		RunTime:    f.RunTime(),
	}
	if err := m.reports.ReportRunningFrameCompletion(ctx, completion); err != nil {
		metrics.AgentReportFailures.WithLabelValues(string(errs.KindOf(err))).Inc()
		log.Logger.Error().Err(err).Str("resource_id", f.ResourceID).Msg("report_running_frame_completion failed")
	}
	if m.cfg.SnapshotDir != "" {
		RemoveSnapshot(m.cfg.SnapshotDir, f.ResourceID)
	}
}

func (m *Monitor) runningFrameInfo(f *RunningFrame, stats *ProcessStats) rpc.RunningFrameInfo {
	return rpc.RunningFrameInfo{
		ResourceID:       f.ResourceID,
		JobID:            f.JobID,
		JobName:          f.JobName,
		FrameID:          f.FrameID,
		FrameName:        f.FrameName,
		LayerID:          f.LayerID,
		NumCores:         f.NumCores,
		StartTime:        f.StartTime.UnixMilli(),
		NumGPUs:          f.NumGPUs,
		MaxRSS:           stats.MaxRSS,
		RSS:              stats.RSS,
		MaxVsize:         stats.MaxVSize,
		Vsize:            stats.VSize,
		MaxUsedGPUMemory: stats.MaxUsedGPUMemory,
		UsedGPUMemory:    stats.UsedGPUMemory,
		LluTime:          stats.LastLogUpdate.Unix(),
	}
}

// planAndRunEvictions gathers candidates over their soft
// limit, score them, and kill the chosen prefix with the OOM reason.
func (m *Monitor) planAndRunEvictions(ctx context.Context, frames []*RunningFrame) {
	if m.cfg.MemoryOOMMargin <= 0 {
		return
	}
	mach, err := CollectMachineStats(ctx, m.cfg.TempPath, m.topo)
	if err != nil || mach.TotalMemoryKB <= 0 {
		return
	}
	totalBytes := mach.TotalMemoryKB * 1024
	usedBytes := totalBytes - mach.FreeMemoryKB*1024
	usedPercent := float64(usedBytes) / float64(totalBytes) * 100

	var candidates []OOMCandidate
	for _, f := range frames {
		if f.State != FrameRunning {
			continue
		}
		m.statsMu.Lock()
		stats := m.processStats[f.ResourceID]
		m.statsMu.Unlock()
		if stats == nil {
			continue
		}
		candidates = append(candidates, OOMCandidate{
			Frame:    f,
			Consumed: stats.RSS,
			Duration: f.RunTime().Seconds(),
		})
	}

	chosen := PlanEvictions(totalBytes, usedPercent, m.cfg.MemoryOOMMargin, candidates)
	for _, f := range chosen {
		var freed int64
		m.statsMu.Lock()
		if stats := m.processStats[f.ResourceID]; stats != nil {
			freed = stats.RSS
		}
		m.statsMu.Unlock()
		if err := m.manager.Kill(ctx, f.FrameID, false); err != nil {
			log.Logger.Warn().Err(err).Str("frame_id", f.FrameID).Msg("oom eviction kill failed")
			continue
		}
		metrics.OOMEvictionsTotal.Inc()
		metrics.OOMFreedBytes.Add(float64(freed))
		m.killedAt[f.ResourceID] = time.Now()
		m.oomKilled[f.ResourceID] = true
	}
}

// tickKillMonitor is the kill-monitor watchdog: escalates a
// requested kill toward a force kill once kill_monitor_timeout elapses.
func (m *Monitor) tickKillMonitor(ctx context.Context) {
	for _, f := range m.manager.All() {
		if !f.KillRequested || f.State != FrameRunning {
			continue
		}

		lineage := ProcLineage(f.PID)
		if len(lineage) == 0 {
			continue
		}

		since, tracked := m.killedAt[f.ResourceID]
		if !tracked {
			m.killedAt[f.ResourceID] = time.Now()
			continue
		}
		if time.Since(since) < m.cfg.KillMonitorTimeout {
			continue
		}
		if !m.cfg.ForceKillAfterTimeout {
			log.Logger.Warn().Str("resource_id", f.ResourceID).Msg("kill monitor giving up: force kill disabled")
			delete(m.killedAt, f.ResourceID)
			continue
		}

		if !m.killForced[f.ResourceID] {
			m.killForced[f.ResourceID] = true
			if err := m.runner.Kill(ctx, f, true); err != nil {
				log.Logger.Warn().Err(err).Str("resource_id", f.ResourceID).Msg("session-level force kill failed")
			}
			continue
		}

		forceKillLineage(lineage)
		delete(m.killedAt, f.ResourceID)
		delete(m.killForced, f.ResourceID)
	}
}

// renderHost builds the agent's self-description for a report, folding in
// machine stats collected synchronously.
func (m *Monitor) renderHost() rpc.RenderHost {
	mach, _ := CollectMachineStats(context.Background(), m.cfg.TempPath, m.topo)
	state := string(HardwareUp)

	nimbyLocked := false
	if m.nimby != nil {
		nimbyLocked = m.nimby.Engaged()
	}

	return rpc.RenderHost{
		Name:         m.cfg.Hostname,
		NimbyEnabled: m.cfg.NimbyMode,
		NimbyLocked:  nimbyLocked,
		Facility:     m.cfg.Facility,
		NumProcs:     mach.NumSockets,
		CoresPerProc: mach.CoresPerSocket,
		TotalMemKB:   mach.TotalMemoryKB,
		FreeMemKB:    mach.FreeMemoryKB,
		TotalSwapKB:  mach.TotalSwapKB,
		FreeSwapKB:   mach.FreeSwapKB,
		TotalMcpKB:   mach.TempStorageKB,
		FreeMcpKB:    mach.TempStorageFreeKB,
		Load:         mach.Load,
		BootTime:     mach.BootTime,
		Tags:         m.cfg.CustomTags,
		State:        state,
		NumGPUs:      int32(m.gpus.IdleCount()),
		FreeGPUMemKB: m.gpus.IdleMemory() / 1024,
	}
}
