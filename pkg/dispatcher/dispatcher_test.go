package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

func fourCoreAutoHost() types.Host {
	return types.Host{
		ID:          "host-4",
		Name:        "host-4",
		OS:          "linux",
		TotalCores:  4,
		IdleCores:   4,
		TotalMemory: 8 * types.GB,
		IdleMemory:  8 * types.GB,
		ThreadMode:  types.ThreadModeAuto,
		LockState:   types.HostLockOpen,
	}
}

func threadableLayer() types.Layer {
	return types.Layer{
		ID:              "layer-1",
		JobID:           "job-1",
		Name:            "render",
		Tags:            []string{"general"},
		MinCores:        2,
		MinMemory:       2 * types.GB,
		Threadable:      true,
		OS:              "linux",
		Range:           "1-10",
		ChunkSize:       1,
		CommandTemplate: "render -frame #FRAME# -zframe #ZFRAME#",
	}
}

func newFixture(t *testing.T, host types.Host, layer types.Layer, frameNumber int) *jobdb.MemStore {
	t.Helper()
	db := jobdb.NewMemStore()
	db.Hosts[host.ID] = host

	frame := &types.Frame{ID: "frame-5", LayerID: layer.ID, Number: frameNumber, State: types.FrameStateWaiting, Version: 0}
	db.Frames[frame.ID] = frame
	db.LayerFrames[layer.ID] = []string{frame.ID}

	return db
}

type stubAgent struct {
	launched *rpc.RunFrame
}

func (s *stubAgent) LaunchFrame(ctx context.Context, in *rpc.RunFrame) (*rpc.Ack, error) {
	s.launched = in
	return &rpc.Ack{}, nil
}

// TestReserveCores_MemoryBalanced: 4 idle cores / 8 GiB idle on a
// thread_mode=Auto host, a threadable non-selfish layer with
// min_cores=2/min_memory=2GiB and a 1 GiB stranded threshold. With
// idle_memory(8GiB) - min_memory(2GiB) = 6GiB comfortably above the
// threshold, the balanced-cores formula applies:
// round(2GiB / (4/8GiB)) = 4, clamped up from the requested floor of 2.
func TestReserveCores_MemoryBalanced(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	d := New(DefaultConfig(), nil, nil, nil)

	cores, err := d.reserveCores(host, layer, types.Frame{ID: "frame-5", Number: 5})
	require.NoError(t, err)
	assert.Equal(t, types.Cores(4), cores)
}

func TestReserveCores_StrandedMemoryReservesAllIdle(t *testing.T) {
	host := fourCoreAutoHost()
	host.IdleMemory = 2*types.GB + types.GB/2 // idle - min_memory(2GiB) = 0.5GiB <= 1GiB threshold
	layer := threadableLayer()
	d := New(DefaultConfig(), nil, nil, nil)

	cores, err := d.reserveCores(host, layer, types.Frame{Number: 5})
	require.NoError(t, err)
	assert.Equal(t, host.IdleCores, cores)
}

func TestReserveCores_ThreadModeAllReservesAllIdle(t *testing.T) {
	host := fourCoreAutoHost()
	host.ThreadMode = types.ThreadModeAll
	layer := threadableLayer()
	d := New(DefaultConfig(), nil, nil, nil)

	cores, err := d.reserveCores(host, layer, types.Frame{Number: 5})
	require.NoError(t, err)
	assert.Equal(t, host.IdleCores, cores)
}

func TestReserveCores_ExtinguishedWhenOverIdle(t *testing.T) {
	host := fourCoreAutoHost()
	host.IdleCores = 0
	layer := threadableLayer()
	d := New(DefaultConfig(), nil, nil, nil)

	_, err := d.reserveCores(host, layer, types.Frame{Number: 5})
	require.Error(t, err)
}

func TestBuildRunFrame_TemplateAndFrameSpec(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	d := New(DefaultConfig(), nil, nil, nil)

	run := d.buildRunFrame(layer, types.Frame{ID: "frame-5", Number: 5}, host, 4, "5", 5)
	assert.Equal(t, "render -frame 5 -zframe 0005", run.Command)
	assert.Equal(t, "5", run.Environment["CUE_IFRAME"])
	assert.Equal(t, "0005", run.Environment["CUE_ZFRAME"])
	assert.Equal(t, int32(400), run.NumCores) // 4 cores * CoreMultiplier(100)
}

// TestDispatch_EndToEnd drives the full loop through a fake
// AgentLauncher: frame 5 is reserved, transitioned WAITING->RUNNING, and
// launched exactly once.
func TestDispatch_EndToEnd(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	db := newFixture(t, host, layer, 5)
	agent := &stubAgent{}

	d := New(DefaultConfig(), db, NewStaticAgentDialer(agent), nil)
	result, err := d.Dispatch(context.Background(), layer, host)
	require.NoError(t, err)

	require.NotNil(t, agent.launched)
	assert.Equal(t, "frame-5", agent.launched.FrameID)
	assert.Equal(t, 0, result.RemainingFrames)
	assert.Equal(t, host.TotalCores-4, result.UpdatedHost.IdleCores)

	frame := db.Frames["frame-5"]
	assert.Equal(t, types.FrameStateRunning, frame.State)
	assert.Equal(t, int64(1), frame.Version)
}

// TestAdvisoryLock_ReleasedAfterDispatch checks the lock is released on the
// normal exit path.
func TestAdvisoryLock_ReleasedAfterDispatch(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	db := newFixture(t, host, layer, 5)

	d := New(DefaultConfig(), db, NewStaticAgentDialer(&stubAgent{}), nil)
	_, err := d.Dispatch(context.Background(), layer, host)
	require.NoError(t, err)

	acquired, lockErr := db.TryAdvisoryLock(context.Background(), host.ID)
	require.NoError(t, lockErr)
	assert.True(t, acquired, "advisory lock must be released after Dispatch returns")
	_ = db.AdvisoryUnlock(context.Background(), host.ID)
}

// TestAdvisoryLock_ReleasedOnPanic checks the deferred unlock runs even
// when the dispatch body panics mid-frame.
func TestAdvisoryLock_ReleasedOnPanic(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	db := newFixture(t, host, layer, 5)

	d := New(DefaultConfig(), db, panicDialer{}, nil)

	func() {
		defer func() { _ = recover() }()
		_, _ = d.Dispatch(context.Background(), layer, host)
	}()

	acquired, lockErr := db.TryAdvisoryLock(context.Background(), host.ID)
	require.NoError(t, lockErr)
	assert.True(t, acquired, "advisory lock must be released even when Dispatch panics")
}

type panicDialer struct{}

func (panicDialer) AgentFor(context.Context, types.Host) (AgentLauncher, error) {
	panic("simulated agent dial panic")
}

// TestDispatch_HostLockHeldByAnotherScheduler: a concurrent advisory lock holder causes Dispatch to abort without
// touching the frame.
func TestDispatch_HostLockHeldByAnotherScheduler(t *testing.T) {
	host := fourCoreAutoHost()
	layer := threadableLayer()
	db := newFixture(t, host, layer, 5)

	acquired, err := db.TryAdvisoryLock(context.Background(), host.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	d := New(DefaultConfig(), db, NewStaticAgentDialer(&stubAgent{}), nil)
	_, dispatchErr := d.Dispatch(context.Background(), layer, host)
	require.Error(t, dispatchErr)

	frame := db.Frames["frame-5"]
	assert.Equal(t, types.FrameStateWaiting, frame.State)
}
