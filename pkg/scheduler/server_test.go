package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

func TestServer_ReportStatus_UpsertsGlobalHostStore(t *testing.T) {
	db := jobdb.NewMemStore()
	db.Hosts["render-01"] = types.Host{ID: "render-01", Name: "render-01"}
	global := hostcache.NewGlobalStore(0)
	srv := NewServer(db, global)

	_, err := srv.ReportStatus(context.Background(), &rpc.HostReport{
		Host: rpc.RenderHost{
			Name:       "render-01",
			Tags:       []string{"general"},
			TotalMemKB: 8 * 1024 * 1024,
			FreeMemKB:  4 * 1024 * 1024,
			State:      "Up",
		},
		Cores: rpc.CoreDetail{TotalCores: 8, IdleCores: 6},
	})
	require.NoError(t, err)

	host, ok := global.Get("render-01")
	require.True(t, ok)
	assert.Equal(t, types.Cores(6), host.IdleCores)
	assert.Equal(t, types.HostLockOpen, host.LockState)
}

func TestServer_ReportStatus_NimbyLockedHostIsNotDispatchable(t *testing.T) {
	db := jobdb.NewMemStore()
	global := hostcache.NewGlobalStore(0)
	srv := NewServer(db, global)

	_, err := srv.ReportStatus(context.Background(), &rpc.HostReport{
		Host: rpc.RenderHost{Name: "desktop-01", NimbyLocked: true, State: "Up"},
	})
	require.NoError(t, err)

	host, ok := global.Get("desktop-01")
	require.True(t, ok)
	assert.False(t, host.Dispatchable())
}

func TestServer_ReportRunningFrameCompletion_MarksFrameSucceeded(t *testing.T) {
	db := jobdb.NewMemStore()
	db.Frames["frame-1"] = &types.Frame{ID: "frame-1", State: types.FrameStateRunning}
	global := hostcache.NewGlobalStore(0)
	srv := NewServer(db, global)

	_, err := srv.ReportRunningFrameCompletion(context.Background(), &rpc.FrameCompleteReport{
		Host:       "render-01",
		Frame:      rpc.RunningFrameInfo{FrameID: "frame-1"},
		ExitStatus: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, types.FrameStateSucceeded, db.Frames["frame-1"].State)
}

func TestServer_ReportRunningFrameCompletion_NonZeroExitMarksDead(t *testing.T) {
	db := jobdb.NewMemStore()
	db.Frames["frame-1"] = &types.Frame{ID: "frame-1", State: types.FrameStateRunning}
	global := hostcache.NewGlobalStore(0)
	srv := NewServer(db, global)

	_, err := srv.ReportRunningFrameCompletion(context.Background(), &rpc.FrameCompleteReport{
		Frame:      rpc.RunningFrameInfo{FrameID: "frame-1"},
		ExitStatus: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, types.FrameStateDead, db.Frames["frame-1"].State)
}
