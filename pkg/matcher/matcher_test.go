package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

type fakeDispatcher struct {
	result DispatchResult
	err    error
	calls  int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, layer types.Layer, host types.Host) (DispatchResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestCache(t *testing.T, host types.Host, cluster types.Cluster) *hostcache.Cache {
	t.Helper()
	cfg := hostcache.DefaultConfig()
	store := jobdb.NewMemStore()
	global := hostcache.NewGlobalStore(cfg.HostStalenessThreshold)
	c := hostcache.New(cfg, store, global)
	c.CheckIn(cluster.Key(), host) // seeds the group via the public API
	return c
}

func TestMatchLayer_DispatchesAndStops(t *testing.T) {
	cluster := types.Cluster{ShowID: "show-1", FacilityID: "fac-1", Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-1", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	cache := newTestCache(t, host, cluster)

	disp := &fakeDispatcher{result: DispatchResult{UpdatedHost: host, RemainingFrames: 0}}
	m := New(DefaultConfig(), cache, jobdb.NewMemStore(), disp)

	lf := jobdb.LayerWithFrames{
		Layer:         types.Layer{ID: "layer-1", Tags: []string{"general"}, MinCores: 2, DispatchOrder: 0},
		WaitingFrames: []string{"f1"},
	}
	err := m.matchLayer(context.Background(), cluster, lf)
	require.NoError(t, err)
	assert.Equal(t, 1, disp.calls)
}

func TestMatchLayer_RetriesUpToAttemptLimit(t *testing.T) {
	cluster := types.Cluster{ShowID: "show-1", FacilityID: "fac-1", Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-1", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	cache := newTestCache(t, host, cluster)

	disp := &fakeDispatcher{result: DispatchResult{UpdatedHost: host, RemainingFrames: 3}}
	cfg := DefaultConfig()
	cfg.HostCandidateAttemptsPerLayer = 2
	cfg.BasePermitDuration = time.Millisecond
	m := New(cfg, cache, jobdb.NewMemStore(), disp)

	lf := jobdb.LayerWithFrames{
		Layer:         types.Layer{ID: "layer-1", Tags: []string{"general"}, MinCores: 2, DispatchOrder: 0},
		WaitingFrames: []string{"f1", "f2", "f3"},
	}
	err := m.matchLayer(context.Background(), cluster, lf)
	require.NoError(t, err)
	assert.Equal(t, 2, disp.calls, "should stop after host_candidate_attempts_per_layer attempts")
}

func TestMatchLayer_SkipsNonIntersectingTags(t *testing.T) {
	cluster := types.Cluster{ShowID: "show-1", FacilityID: "fac-1", Tag: "general", TagType: types.ClusterTagAlloc}
	m := New(DefaultConfig(), nil, jobdb.NewMemStore(), &fakeDispatcher{})

	lf := jobdb.LayerWithFrames{
		Layer:         types.Layer{ID: "layer-1", Tags: []string{"other"}},
		WaitingFrames: []string{"f1"},
	}
	err := m.matchLayer(context.Background(), cluster, lf)
	assert.NoError(t, err)
}

func TestHandleDispatchError_FrameNoLongerAvailableReturnsHost(t *testing.T) {
	cluster := types.Cluster{Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-1"}
	cache := hostcache.New(hostcache.DefaultConfig(), jobdb.NewMemStore(), hostcache.NewGlobalStore(time.Minute))
	m := &Matcher{cache: cache}

	err := m.handleDispatchError(cluster.Key(), host, errs.New(errs.KindFrameNoLongerAvailable, "stale"))
	require.NoError(t, err)
}

func TestHandleDispatchError_GenericErrorPropagates(t *testing.T) {
	cache := hostcache.New(hostcache.DefaultConfig(), jobdb.NewMemStore(), hostcache.NewGlobalStore(time.Minute))
	m := &Matcher{cache: cache}
	err := m.handleDispatchError("k", types.Host{ID: "h"}, errs.New(errs.KindDbFailure, "boom"))
	assert.Error(t, err)
}
