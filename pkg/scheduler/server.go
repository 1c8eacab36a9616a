package scheduler

import (
	"context"
	"time"

	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

// Server implements rpc.SchedulerServer: the agent-facing half of the
// gRPC contract, folding each agent's periodic reports into the
// global host store and the job database.
type Server struct {
	db     jobdb.Store
	global *hostcache.GlobalStore
}

// NewServer builds a Server. global is the same GlobalStore shared with the
// Cache used by the matcher, so a HostReport is immediately visible to the
// next dispatch cycle.
func NewServer(db jobdb.Store, global *hostcache.GlobalStore) *Server {
	return &Server{db: db, global: global}
}

func (s *Server) ReportRqdStartup(ctx context.Context, in *rpc.BootReport) (*rpc.Ack, error) {
	s.applyHostReport(ctx, rpc.HostReport{Host: in.Host})
	log.Logger.Info().Str("host", in.Host.Name).Msg("agent startup reported")
	return &rpc.Ack{}, nil
}

func (s *Server) ReportRunningFrameCompletion(ctx context.Context, in *rpc.FrameCompleteReport) (*rpc.Ack, error) {
	state := types.FrameStateSucceeded
	if in.ExitStatus != 0 || in.ExitSignal != 0 {
		state = types.FrameStateDead
	}
	if err := s.db.CompleteFrame(ctx, in.Frame.FrameID, state); err != nil {
		log.Logger.Error().Err(err).Str("frame_id", in.Frame.FrameID).Msg("complete frame failed")
		return nil, err
	}
	return &rpc.Ack{}, nil
}

func (s *Server) ReportStatus(ctx context.Context, in *rpc.HostReport) (*rpc.Ack, error) {
	s.applyHostReport(ctx, *in)
	return &rpc.Ack{}, nil
}

// applyHostReport turns a wire-level RenderHost/CoreDetail pair into the
// scheduler's types.Host view, upserting it into the global store
// authoritatively (a fresh first-party report always wins) and best-effort
// persisting the idle counters the dispatcher's next refetch will read.
func (s *Server) applyHostReport(ctx context.Context, report rpc.HostReport) {
	host := types.Host{
		ID:            report.Host.Name,
		Name:          report.Host.Name,
		TotalCores:    types.Cores(report.Cores.TotalCores),
		IdleCores:     types.Cores(report.Cores.IdleCores),
		TotalMemory:   types.Bytes(report.Host.TotalMemKB) * 1024,
		IdleMemory:    types.Bytes(report.Host.FreeMemKB) * 1024,
		TotalGPUs:     int(report.Host.NumGPUs),
		IdleGPUs:      int(report.Host.NumGPUs),
		IdleGPUMemory: types.Bytes(report.Host.FreeGPUMemKB) * 1024,
		Tags:          report.Host.Tags,
		LockState:     lockStateFor(report.Host),
		LastUpdated:   time.Now(),
	}

	s.global.Insert(host, true)

	if err := s.db.UpdateHostResources(ctx, host.ID, host.IdleCores, host.IdleMemory, host.IdleGPUs, host.IdleGPUMemory); err != nil {
		log.Logger.Debug().Err(err).Str("host", host.Name).Msg("update host resources failed (host not yet provisioned?)")
	}
}

func lockStateFor(h rpc.RenderHost) types.HostLockState {
	switch {
	case h.NimbyLocked:
		return types.HostLockLocked
	case h.State == "Rebooting":
		return types.HostLockRebooting
	case h.State == "Down":
		return types.HostLockLocked
	default:
		return types.HostLockOpen
	}
}

var _ rpc.SchedulerServer = (*Server)(nil)
