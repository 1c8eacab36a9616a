package jobdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/types"
)

// TestUpdateFrameStarted_OptimisticConcurrency: two dispatchers race to
// flip the same WAITING frame; only the one with the matching version
// succeeds, and version increases monotonically.
func TestUpdateFrameStarted_OptimisticConcurrency(t *testing.T) {
	store := NewMemStore()
	store.Frames["frame-1"] = &types.Frame{
		ID:      "frame-1",
		State:   types.FrameStateWaiting,
		Version: 3,
	}

	rowsA, err := store.UpdateFrameStarted(context.Background(), FrameStart{
		FrameID: "frame-1", HostName: "host-a", ExpectedVersion: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rowsA)

	rowsB, err := store.UpdateFrameStarted(context.Background(), FrameStart{
		FrameID: "frame-1", HostName: "host-b", ExpectedVersion: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rowsB)

	f := store.Frames["frame-1"]
	assert.Equal(t, types.FrameStateRunning, f.State)
	assert.Equal(t, "host-a", f.HostName)
	assert.Equal(t, int64(4), f.Version)
}

func TestAdvisoryLock_MutualExclusion(t *testing.T) {
	store := NewMemStore()

	acquired, err := store.TryAdvisoryLock(context.Background(), "host-1")
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.TryAdvisoryLock(context.Background(), "host-1")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.AdvisoryUnlock(context.Background(), "host-1"))

	acquired, err = store.TryAdvisoryLock(context.Background(), "host-1")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestQueryPendingJobs_OrderedByPriorityDescending(t *testing.T) {
	store := NewMemStore()
	store.PendingJobs["show-1/fac-1/general"] = []PendingJob{
		{JobID: "low", Priority: 1},
		{JobID: "high", Priority: 100},
		{JobID: "mid", Priority: 50},
	}

	jobs, err := store.QueryPendingJobs(context.Background(), "show-1", "fac-1", "general", types.CoreMultiplier)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "high", jobs[0].JobID)
	assert.Equal(t, "mid", jobs[1].JobID)
	assert.Equal(t, "low", jobs[2].JobID)
}
