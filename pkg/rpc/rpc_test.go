package rpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func TestGobCodec_RoundTrip(t *testing.T) {
	c := gobCodec{}
	in := &RunFrame{JobID: "job-1", FrameID: "frame-1", NumCores: 400, Environment: map[string]string{"CUE_JOB": "job-1"}}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(RunFrame)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in.JobID, out.JobID)
	assert.Equal(t, in.NumCores, out.NumCores)
	assert.Equal(t, in.Environment, out.Environment)
}

type stubAgentServer struct {
	lastLaunch *RunFrame
}

func (s *stubAgentServer) LaunchFrame(ctx context.Context, in *RunFrame) (*Ack, error) {
	s.lastLaunch = in
	return &Ack{}, nil
}
func (s *stubAgentServer) KillRunningFrame(context.Context, *KillRequest) (*Ack, error) {
	return &Ack{}, nil
}
func (s *stubAgentServer) GetRunningFrameStatus(context.Context, *ResourceIDRequest) (*RunningFrameInfo, error) {
	return &RunningFrameInfo{}, nil
}
func (s *stubAgentServer) LockCores(context.Context, *LockCoresRequest) (*Ack, error) {
	return &Ack{}, nil
}
func (s *stubAgentServer) UnlockCores(context.Context, *LockCoresRequest) (*Ack, error) {
	return &Ack{}, nil
}
func (s *stubAgentServer) LockAll(context.Context, *Ack) (*Ack, error)         { return &Ack{}, nil }
func (s *stubAgentServer) UnlockAll(context.Context, *Ack) (*Ack, error)       { return &Ack{}, nil }
func (s *stubAgentServer) ReportStatus(context.Context, *Ack) (*Status, error) { return &Status{}, nil }
func (s *stubAgentServer) ShutdownNow(context.Context, *Ack) (*Ack, error)     { return &Ack{}, nil }
func (s *stubAgentServer) RebootIfIdle(context.Context, *Ack) (*Ack, error)    { return &Ack{}, nil }

func startAgentServer(t *testing.T, srv AgentServer) (*AgentServiceClient, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	RegisterAgentServiceServer(grpcServer, srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	return NewAgentServiceClient(conn), func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	}
}

func TestAgentServiceClient_LaunchFrame_EndToEnd(t *testing.T) {
	stub := &stubAgentServer{}
	client, cleanup := startAgentServer(t, stub)
	defer cleanup()

	ack, err := client.LaunchFrame(context.Background(), &RunFrame{JobID: "job-1", FrameID: "frame-1", NumCores: 200})
	require.NoError(t, err)
	assert.NotNil(t, ack)
	require.NotNil(t, stub.lastLaunch)
	assert.Equal(t, "job-1", stub.lastLaunch.JobID)
}

type flakyScheduler struct {
	calls     int32
	failTimes int32
}

func (f *flakyScheduler) ReportRqdStartup(context.Context, *BootReport) (*Ack, error) {
	return &Ack{}, nil
}
func (f *flakyScheduler) ReportRunningFrameCompletion(context.Context, *FrameCompleteReport) (*Ack, error) {
	return &Ack{}, nil
}
func (f *flakyScheduler) ReportStatus(ctx context.Context, in *HostReport) (*Ack, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return nil, status.Error(codes.Unavailable, "service unavailable")
	}
	return &Ack{}, nil
}

func startSchedulerServer(t *testing.T, srv SchedulerServer) (*SchedulerServiceClient, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	RegisterSchedulerServiceServer(grpcServer, srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	return NewSchedulerServiceClient(conn), func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	}
}

// TestReportingClient_RetriesUntilSuccess checks the backoff sequence: two
// failures followed by success, with an unbounded attempts policy.
func TestReportingClient_RetriesUntilSuccess(t *testing.T) {
	flaky := &flakyScheduler{failTimes: 2}
	client, cleanup := startSchedulerServer(t, flaky)
	defer cleanup()

	cfg := RetryConfig{Attempts: 0, DelayMin: 2 * time.Millisecond, DelayMax: 20 * time.Millisecond, JitterPercent: 0}
	rc := NewReportingClient(client, cfg)

	err := rc.ReportStatus(context.Background(), &HostReport{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}

// TestReportingClient_RespectsAttemptBound checks the call bound: a policy of
// attempts=k issues at most k+1 underlying calls, surfacing the error if
// the upstream never recovers within that budget.
func TestReportingClient_RespectsAttemptBound(t *testing.T) {
	flaky := &flakyScheduler{failTimes: 100}
	client, cleanup := startSchedulerServer(t, flaky)
	defer cleanup()

	cfg := RetryConfig{Attempts: 2, DelayMin: time.Millisecond, DelayMax: 5 * time.Millisecond, JitterPercent: 0}
	rc := NewReportingClient(client, cfg)

	err := rc.ReportStatus(context.Background(), &HostReport{})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls), "attempts=2 retries means 3 total calls")
}
