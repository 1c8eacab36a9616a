package clusterfeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

func TestLoadAll_PartitionsAllocAndChunksManual(t *testing.T) {
	store := jobdb.NewMemStore()
	store.AllocClusters = []jobdb.AllocCluster{
		{Tag: "general", ShowID: "show-1", FacilityID: "fac-1"},
	}
	for i := 0; i < 250; i++ {
		store.NonAllocClusters = append(store.NonAllocClusters, jobdb.NonAllocCluster{
			Tag: string(rune('a' + i%26)), Type: types.ClusterTagManual,
		})
	}

	cfg := DefaultConfig()
	cfg.ManualChunkSize = 100
	f, err := LoadAll(context.Background(), store, cfg)
	require.NoError(t, err)

	assert.Equal(t, 1+3, f.Len(), "1 alloc cluster plus 3 manual chunks of <=100 distinct tags")
}

func TestLoadAll_IgnoreTags(t *testing.T) {
	store := jobdb.NewMemStore()
	store.AllocClusters = []jobdb.AllocCluster{
		{Tag: "general", ShowID: "show-1", FacilityID: "fac-1"},
		{Tag: "skip-me", ShowID: "show-1", FacilityID: "fac-1"},
	}
	cfg := DefaultConfig()
	cfg.IgnoreTags = []string{"skip-me"}
	f, err := LoadAll(context.Background(), store, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
}

func TestStream_VisitsEveryClusterPerRotation(t *testing.T) {
	store := jobdb.NewMemStore()
	store.AllocClusters = []jobdb.AllocCluster{
		{Tag: "a", ShowID: "show-1", FacilityID: "fac-1"},
		{Tag: "b", ShowID: "show-1", FacilityID: "fac-1"},
	}
	cfg := DefaultConfig()
	cfg.NoneSleepingBackoff = time.Millisecond
	f, err := LoadAll(context.Background(), store, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	cc := f.Stream(ctx, func(c types.Cluster) {
		mu.Lock()
		seen[c.Key()]++
		mu.Unlock()
	})
	defer cc.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["fac-1/show-1/a"] > 2 && seen["fac-1/show-1/b"] > 2
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestStream_SleepSkipsUntilDeadline(t *testing.T) {
	store := jobdb.NewMemStore()
	store.AllocClusters = []jobdb.AllocCluster{
		{Tag: "a", ShowID: "show-1", FacilityID: "fac-1"},
	}
	cfg := DefaultConfig()
	cfg.NoneSleepingBackoff = time.Millisecond
	cfg.AllSleepingBackoff = 5 * time.Millisecond
	f, err := LoadAll(context.Background(), store, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	visits := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cc := f.Stream(ctx, func(c types.Cluster) {
		mu.Lock()
		visits++
		mu.Unlock()
	})
	defer cc.Stop()

	cc.Sleep("fac-1/show-1/a", time.Second)
	time.Sleep(20 * time.Millisecond) // let the sleep request drain

	mu.Lock()
	before := visits
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := visits
	mu.Unlock()
	assert.Equal(t, before, after, "a sleeping cluster should not be re-visited before its deadline")
}
