package jobfetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

func TestForAllocCluster_OrderedByPriority(t *testing.T) {
	store := jobdb.NewMemStore()
	store.PendingJobs["show-1/fac-1/general"] = []jobdb.PendingJob{
		{JobID: "low", Priority: 1},
		{JobID: "high", Priority: 100},
	}
	f := New(store, types.CoreMultiplier)

	jobs, err := f.ForAllocCluster(context.Background(), "show-1", "fac-1", "general")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "high", jobs[0].JobID)
}

func TestForCluster_DispatchesByTagType(t *testing.T) {
	store := jobdb.NewMemStore()
	store.PendingJobs["show-1/fac-1/general"] = []jobdb.PendingJob{{JobID: "j1", Priority: 5}}
	f := New(store, types.CoreMultiplier)

	alloc := types.Cluster{ShowID: "show-1", FacilityID: "fac-1", Tag: "general", TagType: types.ClusterTagAlloc}
	jobs, err := f.ForCluster(context.Background(), alloc)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].JobID)
}

func TestForTagSet_MatchesSuffix(t *testing.T) {
	store := jobdb.NewMemStore()
	store.PendingJobs["show-1/fac-1/desk17"] = []jobdb.PendingJob{{JobID: "j2", Priority: 1}}
	f := New(store, types.CoreMultiplier)

	jobs, err := f.ForTagSet(context.Background(), []string{"desk17"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j2", jobs[0].JobID)
}
