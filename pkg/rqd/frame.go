package rqd

import (
	"time"

	"github.com/cuemby/cueflow/pkg/errs"
)

// FrameState is a RunningFrame's position in its lifecycle:
//
//	Created --spawn--> Running --exit--> Finished
//	   |                  |                 |
//	   +-- fail_start ----+      kill ------+
type FrameState string

const (
	FrameCreated  FrameState = "CREATED"
	FrameRunning  FrameState = "RUNNING"
	FrameFinished FrameState = "FINISHED"
)

// RunningFrame is the agent's live record of one launched frame: the
// request it was spawned from, the resources it holds, and its process
// lineage.
type RunningFrame struct {
	ResourceID string
	JobID      string
	JobName    string
	FrameID    string
	FrameName  string
	LayerID    string

	Command     string
	Environment map[string]string
	UID         int32
	GID         int32
	OS          string
	IgnoreNimby bool

	NumCores        int32 // whole cores granted
	ThreadIDs       []int32
	NumGPUs         int32
	GPUDeviceIDs    []int
	SoftMemoryLimit int64
	HardMemoryLimit int64

	LogPath string

	State     FrameState
	PID       int32
	Lineage   []int32 // pids in the process group, including PID
	StartTime time.Time

	ExitStatus int32
	ExitSignal int32

	KillRequested bool

	ContainerID string // non-empty when running as a container
}

// Spawn transitions a Created frame to Running once its process has been
// launched and its pid captured.
func (f *RunningFrame) Spawn(pid int32) error {
	if f.State != FrameCreated {
		return errs.New(errs.KindAborted, "spawn called on a frame not in Created state")
	}
	f.State = FrameRunning
	f.PID = pid
	f.Lineage = []int32{pid}
	f.StartTime = time.Now()
	return nil
}

// FailStart transitions a Created frame directly to Finished when the
// process could not be launched at all (never produced a pid).
func (f *RunningFrame) FailStart(exitStatus int32) {
	f.State = FrameFinished
	f.ExitStatus = exitStatus
	f.ExitSignal = 0
}

// Exit transitions a Running frame to Finished, decoding a >128 raw exit
// status into (status=1, signal=raw-128) per the containerized-variant
// rule, applied uniformly since the same convention holds for a signalled
// non-containerized process.
func (f *RunningFrame) Exit(raw int32) {
	f.State = FrameFinished
	if raw > 128 {
		f.ExitSignal = raw - 128
		f.ExitStatus = 1
		return
	}
	f.ExitStatus = raw
	f.ExitSignal = 0
}

// RunTime reports elapsed wall time since Spawn, zero before the frame has
// started.
func (f *RunningFrame) RunTime() time.Duration {
	if f.StartTime.IsZero() {
		return 0
	}
	return time.Since(f.StartTime)
}
