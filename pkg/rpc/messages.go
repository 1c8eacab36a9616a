// Package rpc is the wire layer between the scheduler and its execution
// agents: message types, a gob-based grpc codec (protobuf is explicitly
// out of scope), hand-written service descriptors for both RPC directions,
// a retrying client for agent-side reporting, and an endpoint pool.
package rpc

import "time"

// RunFrame is the scheduler->agent launch payload.
type RunFrame struct {
	ResourceID      string
	JobID           string
	JobName         string
	FrameID         string
	FrameName       string
	LayerID         string
	Command         string
	UserName        string
	UID             int32 // 0 means unset
	GID             int32
	LogDir          string
	Show            string
	Shot            string
	Environment     map[string]string
	NumCores        int32 // with core multiplier
	NumGPUs         int32
	SoftMemoryLimit int64 // bytes
	HardMemoryLimit int64 // bytes
	OS              string
	IgnoreNimby     bool
	LokiURL         string
	Attributes      map[string]string
	Children        []string // optional lineage resource_ids
}

// ChildProcStat is one entry of a RunningFrameInfo's process lineage.
type ChildProcStat struct {
	PID   int32
	RSS   int64
	Vsize int64
}

// RunningFrameInfo is reported inside a HostReport for each frame the agent
// currently has running.
type RunningFrameInfo struct {
	ResourceID       string
	JobID            string
	JobName          string
	FrameID          string
	FrameName        string
	LayerID          string
	NumCores         int32
	StartTime        int64 // epoch ms
	NumGPUs          int32
	MaxRSS           int64
	RSS              int64
	MaxVsize         int64
	Vsize            int64
	MaxUsedGPUMemory int64
	UsedGPUMemory    int64
	LluTime          int64 // last-log-update, epoch seconds
	Children         []ChildProcStat
	Attributes       map[string]string
}

// CoreDetail is the agent's core accounting, reported alongside every
// HostReport.
type CoreDetail struct {
	TotalCores     int32
	IdleCores      int32
	LockedCores    int32
	BookedCores    int32
	ReservedByShow map[string]int32
}

// RenderHost is the agent's machine-level self-description.
type RenderHost struct {
	Name          string
	NimbyEnabled  bool
	NimbyLocked   bool
	Facility      string
	NumProcs      int32
	CoresPerProc  int32
	TotalMemKB    int64
	FreeMemKB     int64
	TotalSwapKB   int64
	FreeSwapKB    int64
	TotalMcpKB    int64
	FreeMcpKB     int64
	Load          int32
	BootTime      int64 // epoch seconds
	Tags          []string
	State         string // Up, Down, Rebooting
	Attributes    map[string]string
	NumGPUs       int32
	FreeGPUMemKB  int64
	TotalGPUMemKB int64
}

// HostReport is the agent's periodic status push to the scheduler.
type HostReport struct {
	Host          RenderHost
	RunningFrames []RunningFrameInfo
	Cores         CoreDetail
}

// FrameCompleteReport notifies the scheduler a frame process exited.
type FrameCompleteReport struct {
	Host       string
	Frame      RunningFrameInfo
	ExitStatus int32
	ExitSignal int32
	RunTime    time.Duration
}

// BootReport is sent once by the agent on startup.
type BootReport struct {
	Host RenderHost
}

// KillRequest is the payload of kill_running_frame.
type KillRequest struct {
	FrameID string
	Message string
}

// LockCoresRequest is the payload of lock_cores/unlock_cores.
type LockCoresRequest struct {
	NumCores int32
}

// Ack is the empty acknowledgement most agent endpoints return.
type Ack struct{}

// Status wraps a HostReport-shaped response for report_status.
type Status struct {
	Report HostReport
}

// ResourceIDRequest is the payload of get_running_frame_status.
type ResourceIDRequest struct {
	ResourceID string
}
