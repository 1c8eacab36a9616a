package rqd

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/rpc"
)

// HardwareState is the agent's own view of its machine health, checked by
// the FrameManager gate before accepting a spawn.
type HardwareState string

const (
	HardwareUp        HardwareState = "Up"
	HardwareDown      HardwareState = "Down"
	HardwareRebooting HardwareState = "Rebooting"
)

// Nimby tracks the not-in-my-backyard workstation lock: engaged when the
// machine is a desktop that should not run farm work while someone is
// using it.
type Nimby struct {
	mu      sync.Mutex
	engaged bool
}

// Engaged reports whether NIMBY currently blocks new frames.
func (n *Nimby) Engaged() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engaged
}

// SetEngaged is called by the desktop-idle watcher to flip the lock.
func (n *Nimby) SetEngaged(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engaged = v
}

// ProcessRunner spawns and kills the OS-level (or containerized) process
// backing a RunningFrame. process.go and container.go each provide one.
type ProcessRunner interface {
	Spawn(ctx context.Context, frame *RunningFrame) (pid int32, err error)
	Kill(ctx context.Context, frame *RunningFrame, force bool) error
	// Wait reports whether frame's process/container has exited since the
	// last call: done=false means still running, done=true carries the raw
	// (undecoded) exit status for RunningFrame.Exit to interpret.
	Wait(ctx context.Context, frame *RunningFrame) (rawExitStatus int32, done bool, err error)
}

// UserCreator provisions the OS user account a frame should run as, when
// the agent's policy requires a dedicated account per frame.
type UserCreator interface {
	EnsureUser(username string, uid, gid int32) error
}

// Config collects the FrameManager's runner tunables.
type Config struct {
	CoreMultiplier     int32
	CreateUserPerFrame bool
	SnapshotDir        string
}

// FrameManager is the gatekeeper for spawn(RunFrame): it validates
// preconditions, reserves cores and GPUs, hands off to a ProcessRunner, and
// owns the live set of RunningFrames this agent is responsible for.
type FrameManager struct {
	mu sync.Mutex

	cfg    Config
	cores  *CoreReservoir
	gpus   *GPUReservoir
	runner ProcessRunner
	users  UserCreator
	nimby  *Nimby

	hardware func() HardwareState

	frames map[string]*RunningFrame // by frame_id
}

// NewFrameManager wires a FrameManager over the given reservoirs and
// runner. hardware reports the current HardwareState; nimby may be nil if
// NIMBY locking isn't in use on this host.
func NewFrameManager(cfg Config, cores *CoreReservoir, gpus *GPUReservoir, runner ProcessRunner, users UserCreator, nimby *Nimby, hardware func() HardwareState) *FrameManager {
	if nimby == nil {
		nimby = &Nimby{}
	}
	return &FrameManager{
		cfg:      cfg,
		cores:    cores,
		gpus:     gpus,
		runner:   runner,
		users:    users,
		nimby:    nimby,
		hardware: hardware,
		frames:   make(map[string]*RunningFrame),
	}
}

// Spawn validates req against the acceptance preconditions, reserves resources,
// and launches the frame. On any error after a reservation is made, that
// reservation is released before returning.
func (m *FrameManager) Spawn(ctx context.Context, req *rpc.RunFrame) (*RunningFrame, error) {
	m.mu.Lock()
	if _, exists := m.frames[req.FrameID]; exists {
		m.mu.Unlock()
		return nil, errs.New(errs.KindAlreadyExist, fmt.Sprintf("frame %s already running", req.FrameID))
	}
	m.mu.Unlock()

	if req.UID < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "uid must be > 0 when supplied")
	}
	if req.NumCores <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "num_cores must be positive")
	}
	multiplier := m.cfg.CoreMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	if req.NumCores%multiplier != 0 {
		return nil, errs.New(errs.KindInvalidArgument, "num_cores must be a multiple of the core multiplier")
	}
	if m.hardware != nil && m.hardware() != HardwareUp {
		return nil, errs.New(errs.KindInvalidHardwareState, "host hardware state is not Up")
	}
	if m.nimby.Engaged() && !req.IgnoreNimby {
		return nil, errs.New(errs.KindNimbyLocked, "nimby lock engaged")
	}

	numCores := (req.NumCores + multiplier - 1) / multiplier

	threadIDs, err := m.cores.Reserve(req.ResourceID, int(numCores))
	if err != nil {
		return nil, err
	}

	var gpuDevices []int
	if req.NumGPUs > 0 {
		gpuDevices, err = m.gpus.Reserve(req.ResourceID, int(req.NumGPUs), 0)
		if err != nil {
			m.cores.Release(req.ResourceID)
			return nil, err
		}
	}

	if m.cfg.CreateUserPerFrame && m.users != nil && req.UserName != "" {
		if err := m.users.EnsureUser(req.UserName, req.UID, req.GID); err != nil {
			m.cores.Release(req.ResourceID)
			if len(gpuDevices) > 0 {
				m.gpus.Release(req.ResourceID, 0)
			}
			return nil, errs.Wrap(errs.KindAborted, "create frame user", err)
		}
	}

	frame := &RunningFrame{
		ResourceID:      req.ResourceID,
		JobID:           req.JobID,
		JobName:         req.JobName,
		FrameID:         req.FrameID,
		FrameName:       req.FrameName,
		LayerID:         req.LayerID,
		Command:         req.Command,
		Environment:     req.Environment,
		UID:             req.UID,
		GID:             req.GID,
		OS:              req.OS,
		IgnoreNimby:     req.IgnoreNimby,
		NumCores:        numCores,
		ThreadIDs:       threadIDs,
		NumGPUs:         req.NumGPUs,
		GPUDeviceIDs:    gpuDevices,
		SoftMemoryLimit: req.SoftMemoryLimit,
		HardMemoryLimit: req.HardMemoryLimit,
		LogPath:         req.LogDir,
		State:           FrameCreated,
	}

	pid, err := m.runner.Spawn(ctx, frame)
	if err != nil {
		m.releaseReservations(frame)
		return nil, errs.Wrap(errs.KindAborted, "spawn frame process", err)
	}
	if err := frame.Spawn(pid); err != nil {
		m.releaseReservations(frame)
		return nil, err
	}

	m.mu.Lock()
	m.frames[frame.FrameID] = frame
	m.mu.Unlock()

	if m.cfg.SnapshotDir != "" {
		if err := WriteSnapshot(m.cfg.SnapshotDir, frame); err != nil {
			log.Logger.Error().Err(err).Str("resource_id", frame.ResourceID).Msg("failed to write frame snapshot")
		}
	}

	return frame, nil
}

func (m *FrameManager) releaseReservations(frame *RunningFrame) {
	if err := m.cores.Release(frame.ResourceID); err != nil {
		log.Logger.Debug().Err(err).Str("resource_id", frame.ResourceID).Msg("core release skipped")
	}
	if len(frame.GPUDeviceIDs) > 0 {
		m.gpus.Release(frame.ResourceID, 0)
	}
}

// Get returns the running frame by frame_id, if any.
func (m *FrameManager) Get(frameID string) (*RunningFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[frameID]
	return f, ok
}

// All returns a snapshot slice of every frame this manager currently
// tracks, for the monitor loop's reporting pass.
func (m *FrameManager) All() []*RunningFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RunningFrame, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f)
	}
	return out
}

// Remove drops frameID from the live set and releases its cores/gpus,
// called once the monitor loop has reaped its exit status.
func (m *FrameManager) Remove(frameID string) (*RunningFrame, bool) {
	m.mu.Lock()
	f, ok := m.frames[frameID]
	if ok {
		delete(m.frames, frameID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	m.releaseReservations(f)
	return f, true
}

// Register reinstates a recovered frame into the live set without
// re-spawning it, used by recover_snapshots at startup.
func (m *FrameManager) Register(frame *RunningFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[frame.FrameID] = frame
}

// Kill requests termination of frameID's process, delegating the actual
// signal delivery to the runner. Not present in the live set is a no-op
// error via ReservationNotFound since there's nothing to kill.
func (m *FrameManager) Kill(ctx context.Context, frameID string, force bool) error {
	m.mu.Lock()
	f, ok := m.frames[frameID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.KindReservationNotFound, fmt.Sprintf("frame %s is not running here", frameID))
	}
	f.KillRequested = true
	return m.runner.Kill(ctx, f, force)
}
