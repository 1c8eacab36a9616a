package rqd

import (
	"context"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/rpc"
)

// Server implements rpc.AgentServer: the scheduler-facing half of the
// gRPC contract, translating each call into a FrameManager or
// Monitor operation.
type Server struct {
	manager *FrameManager
	monitor *Monitor
	hw      func() HardwareState
	setHW   func(HardwareState)
}

// NewServer builds a Server around an already-running FrameManager/Monitor
// pair. getHW/setHW expose the agent's HardwareState so shutdown_now and
// reboot_if_idle can flip it; both may be nil on a host that never changes
// state.
func NewServer(manager *FrameManager, monitor *Monitor, getHW func() HardwareState, setHW func(HardwareState)) *Server {
	return &Server{manager: manager, monitor: monitor, hw: getHW, setHW: setHW}
}

func (s *Server) LaunchFrame(ctx context.Context, in *rpc.RunFrame) (*rpc.Ack, error) {
	if _, err := s.manager.Spawn(ctx, in); err != nil {
		return nil, err
	}
	return &rpc.Ack{}, nil
}

func (s *Server) KillRunningFrame(ctx context.Context, in *rpc.KillRequest) (*rpc.Ack, error) {
	if err := s.manager.Kill(ctx, in.FrameID, false); err != nil {
		return nil, err
	}
	return &rpc.Ack{}, nil
}

func (s *Server) GetRunningFrameStatus(ctx context.Context, in *rpc.ResourceIDRequest) (*rpc.RunningFrameInfo, error) {
	for _, f := range s.manager.All() {
		if f.ResourceID == in.ResourceID {
			info := s.monitor.runningFrameInfo(f, &ProcessStats{})
			return &info, nil
		}
	}
	return nil, errs.New(errs.KindReservationNotFound, "resource_id not running here: "+in.ResourceID)
}

func (s *Server) LockCores(ctx context.Context, in *rpc.LockCoresRequest) (*rpc.Ack, error) {
	s.monitor.LockCores(in.NumCores)
	return &rpc.Ack{}, nil
}

func (s *Server) UnlockCores(ctx context.Context, in *rpc.LockCoresRequest) (*rpc.Ack, error) {
	s.monitor.UnlockCores(in.NumCores)
	return &rpc.Ack{}, nil
}

func (s *Server) LockAll(ctx context.Context, in *rpc.Ack) (*rpc.Ack, error) {
	s.monitor.LockAll()
	return &rpc.Ack{}, nil
}

func (s *Server) UnlockAll(ctx context.Context, in *rpc.Ack) (*rpc.Ack, error) {
	s.monitor.UnlockAll()
	return &rpc.Ack{}, nil
}

func (s *Server) ReportStatus(ctx context.Context, in *rpc.Ack) (*rpc.Status, error) {
	return &rpc.Status{Report: *s.monitor.buildHostReport(ctx)}, nil
}

func (s *Server) ShutdownNow(ctx context.Context, in *rpc.Ack) (*rpc.Ack, error) {
	if s.setHW != nil {
		s.setHW(HardwareDown)
	}
	return &rpc.Ack{}, nil
}

func (s *Server) RebootIfIdle(ctx context.Context, in *rpc.Ack) (*rpc.Ack, error) {
	if len(s.manager.All()) > 0 {
		return nil, errs.New(errs.KindAborted, "host has running frames, reboot refused")
	}
	if s.setHW != nil {
		s.setHW(HardwareRebooting)
	}
	return &rpc.Ack{}, nil
}

var _ rpc.AgentServer = (*Server)(nil)
