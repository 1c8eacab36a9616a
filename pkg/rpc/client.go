package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// defaultCallOptions forces every call made through this package's clients
// onto the gob codec registered in codec.go.
var defaultCallOptions = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

// AgentServiceClient is the scheduler's handle to one agent's RPC surface.
type AgentServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentServiceClient wraps an established connection.
func NewAgentServiceClient(cc grpc.ClientConnInterface) *AgentServiceClient {
	return &AgentServiceClient{cc: cc}
}

func (c *AgentServiceClient) LaunchFrame(ctx context.Context, in *RunFrame) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/LaunchFrame", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) KillRunningFrame(ctx context.Context, in *KillRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/KillRunningFrame", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) GetRunningFrameStatus(ctx context.Context, in *ResourceIDRequest) (*RunningFrameInfo, error) {
	out := new(RunningFrameInfo)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/GetRunningFrameStatus", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) LockCores(ctx context.Context, in *LockCoresRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/LockCores", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) UnlockCores(ctx context.Context, in *LockCoresRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/UnlockCores", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) LockAll(ctx context.Context) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/LockAll", &Ack{}, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) UnlockAll(ctx context.Context) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/UnlockAll", &Ack{}, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) ReportStatus(ctx context.Context) (*Status, error) {
	out := new(Status)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/ReportStatus", &Ack{}, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) ShutdownNow(ctx context.Context) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/ShutdownNow", &Ack{}, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentServiceClient) RebootIfIdle(ctx context.Context) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.AgentService/RebootIfIdle", &Ack{}, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

// SchedulerServiceClient is the agent's handle to the scheduler's RPC
// surface, used by the reporting loop.
type SchedulerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSchedulerServiceClient wraps an established connection.
func NewSchedulerServiceClient(cc grpc.ClientConnInterface) *SchedulerServiceClient {
	return &SchedulerServiceClient{cc: cc}
}

func (c *SchedulerServiceClient) ReportRqdStartup(ctx context.Context, in *BootReport) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.SchedulerService/ReportRqdStartup", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerServiceClient) ReportRunningFrameCompletion(ctx context.Context, in *FrameCompleteReport) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.SchedulerService/ReportRunningFrameCompletion", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerServiceClient) ReportStatus(ctx context.Context, in *HostReport) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/cueflow.rpc.SchedulerService/ReportStatus", in, out, defaultCallOptions...); err != nil {
		return nil, err
	}
	return out, nil
}
