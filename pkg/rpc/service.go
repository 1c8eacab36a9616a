package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// AgentServer is implemented by the execution agent: the scheduler-facing
// endpoints the scheduler calls on every agent.
type AgentServer interface {
	LaunchFrame(context.Context, *RunFrame) (*Ack, error)
	KillRunningFrame(context.Context, *KillRequest) (*Ack, error)
	GetRunningFrameStatus(context.Context, *ResourceIDRequest) (*RunningFrameInfo, error)
	LockCores(context.Context, *LockCoresRequest) (*Ack, error)
	UnlockCores(context.Context, *LockCoresRequest) (*Ack, error)
	LockAll(context.Context, *Ack) (*Ack, error)
	UnlockAll(context.Context, *Ack) (*Ack, error)
	ReportStatus(context.Context, *Ack) (*Status, error)
	ShutdownNow(context.Context, *Ack) (*Ack, error)
	RebootIfIdle(context.Context, *Ack) (*Ack, error)
}

// SchedulerServer is implemented by the scheduler: the agent-facing
// endpoints every agent calls on the scheduler.
type SchedulerServer interface {
	ReportRqdStartup(context.Context, *BootReport) (*Ack, error)
	ReportRunningFrameCompletion(context.Context, *FrameCompleteReport) (*Ack, error)
	ReportStatus(context.Context, *HostReport) (*Ack, error)
}

func decodeAndRun(dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor, info *grpc.UnaryServerInfo, in interface{}, handler func(ctx context.Context, req interface{}) (interface{}, error)) (func(ctx context.Context) (interface{}, error), error) {
	if err := dec(in); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (interface{}, error) {
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, info, handler)
	}, nil
}

// --- AgentService ---

func _AgentService_LaunchFrame_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunFrame)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/LaunchFrame"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).LaunchFrame(ctx, req.(*RunFrame))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_KillRunningFrame_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(KillRequest)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/KillRunningFrame"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).KillRunningFrame(ctx, req.(*KillRequest))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_GetRunningFrameStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ResourceIDRequest)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/GetRunningFrameStatus"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).GetRunningFrameStatus(ctx, req.(*ResourceIDRequest))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_LockCores_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockCoresRequest)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/LockCores"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).LockCores(ctx, req.(*LockCoresRequest))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_UnlockCores_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockCoresRequest)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/UnlockCores"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).UnlockCores(ctx, req.(*LockCoresRequest))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_LockAll_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Ack)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/LockAll"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).LockAll(ctx, req.(*Ack))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_UnlockAll_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Ack)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/UnlockAll"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).UnlockAll(ctx, req.(*Ack))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_ReportStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Ack)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/ReportStatus"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).ReportStatus(ctx, req.(*Ack))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_ShutdownNow_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Ack)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/ShutdownNow"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).ShutdownNow(ctx, req.(*Ack))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _AgentService_RebootIfIdle_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Ack)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.AgentService/RebootIfIdle"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).RebootIfIdle(ctx, req.(*Ack))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

// AgentServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// ServiceDesc for the agent's scheduler-facing RPC surface.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "cueflow.rpc.AgentService",
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LaunchFrame", Handler: _AgentService_LaunchFrame_Handler},
		{MethodName: "KillRunningFrame", Handler: _AgentService_KillRunningFrame_Handler},
		{MethodName: "GetRunningFrameStatus", Handler: _AgentService_GetRunningFrameStatus_Handler},
		{MethodName: "LockCores", Handler: _AgentService_LockCores_Handler},
		{MethodName: "UnlockCores", Handler: _AgentService_UnlockCores_Handler},
		{MethodName: "LockAll", Handler: _AgentService_LockAll_Handler},
		{MethodName: "UnlockAll", Handler: _AgentService_UnlockAll_Handler},
		{MethodName: "ReportStatus", Handler: _AgentService_ReportStatus_Handler},
		{MethodName: "ShutdownNow", Handler: _AgentService_ShutdownNow_Handler},
		{MethodName: "RebootIfIdle", Handler: _AgentService_RebootIfIdle_Handler},
	},
	Metadata: "cueflow/rpc/agent.proto",
}

// RegisterAgentServiceServer attaches an AgentServer implementation to a
// *grpc.Server.
func RegisterAgentServiceServer(s *grpc.Server, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

// --- SchedulerService ---

func _SchedulerService_ReportRqdStartup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BootReport)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.SchedulerService/ReportRqdStartup"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).ReportRqdStartup(ctx, req.(*BootReport))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _SchedulerService_ReportRunningFrameCompletion_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FrameCompleteReport)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.SchedulerService/ReportRunningFrameCompletion"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).ReportRunningFrameCompletion(ctx, req.(*FrameCompleteReport))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

func _SchedulerService_ReportStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HostReport)
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cueflow.rpc.SchedulerService/ReportStatus"}
	run, err := decodeAndRun(dec, interceptor, info, in, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).ReportStatus(ctx, req.(*HostReport))
	})
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

// SchedulerServiceDesc is the hand-written ServiceDesc for the scheduler's
// agent-facing RPC surface.
var SchedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: "cueflow.rpc.SchedulerService",
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportRqdStartup", Handler: _SchedulerService_ReportRqdStartup_Handler},
		{MethodName: "ReportRunningFrameCompletion", Handler: _SchedulerService_ReportRunningFrameCompletion_Handler},
		{MethodName: "ReportStatus", Handler: _SchedulerService_ReportStatus_Handler},
	},
	Metadata: "cueflow/rpc/scheduler.proto",
}

// RegisterSchedulerServiceServer attaches a SchedulerServer implementation
// to a *grpc.Server.
func RegisterSchedulerServiceServer(s *grpc.Server, srv SchedulerServer) {
	s.RegisterService(&SchedulerServiceDesc, srv)
}
