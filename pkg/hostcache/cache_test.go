package hostcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

func noopValidator(types.Host) bool { return true }

// TestCheckOut_TagPriority checks that a host reachable through
// both a MANUAL cluster and an ALLOC cluster is always taken from the MANUAL
// group first.
func TestCheckOut_TagPriority(t *testing.T) {
	cfg := DefaultConfig()
	store := jobdb.NewMemStore()
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	manual := types.Cluster{Tag: "desk17", TagType: types.ClusterTagManual}
	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}

	host := types.Host{ID: "host-1", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	c.groupFor(manual.Key()).Put(host)
	c.groupFor(alloc.Key()).Put(host)

	key, got, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc, manual}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.NoError(t, err)
	assert.Equal(t, manual.Key(), key)
	assert.Equal(t, host.ID, got.ID)

	// The ALLOC group must still hold the host: it was only removed from
	// the group it was actually taken from.
	assert.Equal(t, 1, c.groupFor(alloc.Key()).Len())
}

// TestCheckOut_Miss exercises the no-candidate path (invariant: exhaustion
// surfaces NoCandidateAvailable rather than blocking).
func TestCheckOut_Miss(t *testing.T) {
	cfg := DefaultConfig()
	store := jobdb.NewMemStore()
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}
	_, _, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.Error(t, err)
}

// TestCheckOut_RefetchesOnMiss verifies a group miss falls through to the
// database before giving up.
func TestCheckOut_RefetchesOnMiss(t *testing.T) {
	cfg := DefaultConfig()
	store := jobdb.NewMemStore()
	store.Hosts["host-2"] = types.Host{
		ID: "host-2", IdleCores: 8, IdleMemory: 16 * types.GB,
		LockState: types.HostLockOpen, Tags: []string{"general"}, LastUpdated: time.Now(),
	}
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}
	key, got, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.NoError(t, err)
	assert.Equal(t, alloc.Key(), key)
	assert.Equal(t, "host-2", got.ID)
}

// TestCheckIn_Reservation verifies a check_in clears the reservation and
// makes the host immediately available again.
func TestCheckIn_Reservation(t *testing.T) {
	cfg := DefaultConfig()
	store := jobdb.NewMemStore()
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-3", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	c.groupFor(alloc.Key()).Put(host)

	key, got, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.NoError(t, err)

	_, _, err = c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.Error(t, err, "host should be reserved, not available, until check_in")

	c.CheckIn(key, got)
	_, got2, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.NoError(t, err)
	assert.Equal(t, host.ID, got2.ID)
}

// TestInvalidate_ForgetsHostEverywhere: an invalidated host disappears from
// its groups, the global store, and the reservation table.
func TestInvalidate_ForgetsHostEverywhere(t *testing.T) {
	cfg := DefaultConfig()
	store := jobdb.NewMemStore()
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-5", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	c.groupFor(alloc.Key()).Put(host)
	global.Insert(host, true)

	c.Invalidate(host.ID)

	assert.Equal(t, 0, c.groupFor(alloc.Key()).Len())
	_, ok := global.Get(host.ID)
	assert.False(t, ok)

	_, _, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 1, Memory: types.GB}, noopValidator)
	require.Error(t, err)
}

// TestReservation_CheckoutTimeout checks that a host not checked
// back in within the checkout timeout is re-admitted to its group.
func TestReservation_CheckoutTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckoutTimeout = 30 * time.Millisecond
	store := jobdb.NewMemStore()
	global := NewGlobalStore(cfg.HostStalenessThreshold)
	c := New(cfg, store, global)

	alloc := types.Cluster{FacilityID: "fac-1", ShowID: "show-1", Tag: "general", TagType: types.ClusterTagAlloc}
	host := types.Host{ID: "host-4", IdleCores: 8, IdleMemory: 16 * types.GB, LockState: types.HostLockOpen, LastUpdated: time.Now()}
	c.groupFor(alloc.Key()).Put(host)

	_, _, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, err := c.CheckOut(context.Background(), "show-1", "fac-1", []types.Cluster{alloc}, Request{Cores: 4, Memory: 8 * types.GB}, noopValidator)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "host should be re-admitted after checkout timeout elapses")
}
