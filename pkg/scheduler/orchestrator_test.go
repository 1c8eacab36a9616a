package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/dispatcher"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

type recordingAgent struct {
	launched []*rpc.RunFrame
}

func (a *recordingAgent) LaunchFrame(ctx context.Context, in *rpc.RunFrame) (*rpc.Ack, error) {
	a.launched = append(a.launched, in)
	return &rpc.Ack{}, nil
}

func TestScheduler_Run_DispatchesAWaitingFrameEndToEnd(t *testing.T) {
	db := jobdb.NewMemStore()
	db.Facilities["fac-1"] = "fac-1"
	db.Shows["show-1"] = "show-1"
	db.AllocClusters = []jobdb.AllocCluster{{Tag: "general", ShowID: "show-1", FacilityID: "fac-1"}}
	db.PendingJobs["show-1/fac-1/general"] = []jobdb.PendingJob{{JobID: "job-1", Priority: 1}}
	db.Layers["job-1"] = []jobdb.LayerWithFrames{{
		Layer:         types.Layer{ID: "layer-1", JobID: "job-1", Name: "render", Tags: []string{"general"}, MinCores: 2, MinMemory: 1 * types.GB, Range: "1-1", ChunkSize: 1},
		WaitingFrames: []string{"frame-1"},
	}}
	db.Frames["frame-1"] = &types.Frame{ID: "frame-1", LayerID: "layer-1", Number: 1, State: types.FrameStateWaiting}
	db.LayerFrames["layer-1"] = []string{"frame-1"}
	db.Hosts["host-1"] = types.Host{
		ID: "host-1", Name: "host-1", OS: "linux",
		TotalCores: 4, IdleCores: 4, TotalMemory: 8 * types.GB, IdleMemory: 8 * types.GB,
		ThreadMode: types.ThreadModeAll, LockState: types.HostLockOpen, Tags: []string{"general"},
	}

	agent := &recordingAgent{}
	cfg := DefaultConfig()
	cfg.Matcher.BasePermitDuration = 5 * time.Millisecond
	cfg.ClusterFeed.NoneSleepingBackoff = time.Millisecond
	cfg.ClusterFeed.AllSleepingBackoff = time.Millisecond

	sched := New(cfg, db, dispatcher.NewStaticAgentDialer(agent))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	require.Len(t, agent.launched, 1)
	assert.Equal(t, "frame-1", agent.launched[0].FrameID)
	assert.Equal(t, types.FrameStateRunning, db.Frames["frame-1"].State)
}
