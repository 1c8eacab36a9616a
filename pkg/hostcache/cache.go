package hostcache

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/types"
)

// Config collects the host cache tunables.
type Config struct {
	ConcurrentGroups       int
	MemoryKeyDivisor       types.Bytes
	CheckoutTimeout        time.Duration
	MonitoringInterval     time.Duration
	CleanUpInterval        time.Duration
	GroupIdleTimeout       time.Duration
	ConcurrentFetchPermit  int64
	HostStalenessThreshold time.Duration
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrentGroups:       64,
		MemoryKeyDivisor:       2 * types.GB,
		CheckoutTimeout:        12 * time.Second,
		MonitoringInterval:     30 * time.Second,
		CleanUpInterval:        time.Minute,
		GroupIdleTimeout:       10 * time.Minute,
		ConcurrentFetchPermit:  8,
		HostStalenessThreshold: 2 * time.Minute,
	}
}

// Request is a check_out resource floor.
type Request struct {
	Cores  types.Cores
	Memory types.Bytes
}

// reservation is the bookkeeping the reservation table holds per checked
// out host.
type reservation struct {
	clusterKey string
	host       types.Host
}

// Cache is the scheduler's ClusterKey -> Group mapping plus the shared
// global store, reservation table, and fetch semaphore.
type Cache struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]*Group

	global       *GlobalStore
	reservations *gocache.Cache
	fetchSem     *semaphore.Weighted
	db           jobdb.Store

	fetchMu     sync.Mutex
	lastFetches map[string]fetchParams // cluster key -> how to re-run its fetch
}

// fetchParams remembers how a group was last fetched so the refresh timer
// can re-run the same query without a live checkout providing the context.
type fetchParams struct {
	showID     string
	facilityID string
	cluster    types.Cluster
}

// New builds a Cache backed by db for group-miss re-fetches and by global
// for cross-group host identity.
func New(cfg Config, db jobdb.Store, global *GlobalStore) *Cache {
	c := &Cache{
		cfg:         cfg,
		groups:      make(map[string]*Group),
		global:      global,
		db:          db,
		fetchSem:    semaphore.NewWeighted(cfg.ConcurrentFetchPermit),
		lastFetches: make(map[string]fetchParams),
	}
	c.reservations = gocache.New(cfg.CheckoutTimeout, cfg.CheckoutTimeout/2)
	c.reservations.OnEvicted(func(hostID string, v interface{}) {
		r, ok := v.(reservation)
		if !ok {
			return
		}
		// Runs when the checkout timeout elapses without a check_in, and also
		// when CheckIn or Invalidate deletes the reservation: either way the
		// checked-out snapshot is re-admitted to its group.
		c.groupFor(r.clusterKey).Put(r.host)
	})
	return c
}

func (c *Cache) groupFor(clusterKey string) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[clusterKey]
	if !ok {
		g = NewGroup(c.cfg.MemoryKeyDivisor)
		c.groups[clusterKey] = g
		metrics.HostCacheGroupsActive.Set(float64(len(c.groups)))
	}
	return g
}

// Stats implements metrics.StatsSource.
func (c *Cache) Stats() metrics.HostStoreStats {
	c.mu.Lock()
	n := len(c.groups)
	c.mu.Unlock()
	return metrics.HostStoreStats{HostCount: c.global.Len(), GroupCount: n}
}

// CheckOut hands out a host for dispatch: candidates are tried in strict tag
// priority MANUAL > HOSTNAME > ALLOC; within a group the smallest
// satisfying host wins. On a full miss across all groups, each group is
// re-fetched from the database at most once (bounded by ConcurrentFetchPermit
// concurrent fetches) and retried.
func (c *Cache) CheckOut(ctx context.Context, showID, facilityID string, candidates []types.Cluster, req Request, validator func(types.Host) bool) (string, types.Host, error) {
	sorted := append([]types.Cluster(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TagType.Priority() < sorted[j].TagType.Priority() })

	// A reserved host must not be handed out through any other group it
	// also belongs to while its checkout is live.
	unreserved := func(h types.Host) bool {
		if _, reserved := c.reservations.Get(h.ID); reserved {
			return false
		}
		return validator == nil || validator(h)
	}

	if key, host, ok := c.tryAll(sorted, req, unreserved); ok {
		metrics.HostCacheHits.Inc()
		c.reserve(key, host)
		return key, host, nil
	}

	metrics.HostCacheMisses.Inc()
	for _, cl := range sorted {
		if err := c.refetch(ctx, showID, facilityID, cl); err != nil {
			log.Logger.Warn().Err(err).Str("cluster", cl.Key()).Msg("host cache refetch failed")
		}
	}

	if key, host, ok := c.tryAll(sorted, req, unreserved); ok {
		c.reserve(key, host)
		return key, host, nil
	}

	metrics.HostCacheNoCandidates.Inc()
	return "", types.Host{}, errs.New(errs.KindNoCandidateAvailable, "no host satisfies the request")
}

func (c *Cache) tryAll(candidates []types.Cluster, req Request, validator func(types.Host) bool) (string, types.Host, bool) {
	for _, cl := range candidates {
		key := cl.Key()
		if h, ok := c.groupFor(key).TakeSmallestSatisfying(req.Cores, req.Memory, validator); ok {
			return key, h, true
		}
	}
	return "", types.Host{}, false
}

func (c *Cache) reserve(clusterKey string, host types.Host) {
	c.reservations.Set(host.ID, reservation{clusterKey: clusterKey, host: host}, c.cfg.CheckoutTimeout)
}

func (c *Cache) refetch(ctx context.Context, showID, facilityID string, cl types.Cluster) error {
	if err := c.fetchSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.fetchSem.Release(1)

	c.fetchMu.Lock()
	c.lastFetches[cl.Key()] = fetchParams{showID: showID, facilityID: facilityID, cluster: cl}
	c.fetchMu.Unlock()

	hosts, err := c.db.FetchHostsByShowFacilityTag(ctx, showID, facilityID, cl.Tag)
	if err != nil {
		return errs.Wrap(errs.KindFailedToQueryHostCache, "refetch "+cl.Key(), err)
	}
	group := c.groupFor(cl.Key())
	for _, h := range hosts {
		if _, reserved := c.reservations.Get(h.ID); reserved {
			continue
		}
		// The host's idle resources may have moved it to a different index
		// bucket since the last fetch; drop any stale copy first.
		group.RemoveByID(h.ID)
		group.Put(h)
		c.global.Insert(h, true)
	}
	return nil
}

// CheckIn returns a (possibly modified) host to its originating group, and
// always clears the reservation.
func (c *Cache) CheckIn(clusterKey string, host types.Host) {
	c.reservations.Delete(host.ID)
	// The delete re-admitted the checked-out snapshot; replace that copy
	// with the returned host instead of indexing both.
	g := c.groupFor(clusterKey)
	g.RemoveByID(host.ID)
	g.Put(host)
	c.global.Insert(host, false)
}

// Invalidate forgets a host globally: it is not returned to any group and
// is dropped from the global store. Used when an agent report shows the
// host is no longer a candidate (e.g. locked, rebooting).
func (c *Cache) Invalidate(hostID string) {
	c.reservations.Delete(hostID)
	c.global.Remove(hostID)
	c.mu.Lock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()
	for _, g := range groups {
		g.RemoveByID(hostID)
	}
}

// GroupCount reports the number of cluster groups currently held, for
// metrics and tests.
func (c *Cache) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// StartIdleGroupEviction runs until ctx is done, periodically dropping
// cluster groups that currently hold no hosts and have not been queried
// for longer than GroupIdleTimeout.
// Cluster feed iteration naturally recreates a group the next time its
// cluster is visited.
func (c *Cache) StartIdleGroupEviction(ctx context.Context) {
	interval := c.cfg.CleanUpInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapIdleGroups()
		}
	}
}

func (c *Cache) reapIdleGroups() {
	c.mu.Lock()
	reaped := make([]string, 0)
	for key, g := range c.groups {
		if g.IdleSince(c.cfg.GroupIdleTimeout) {
			delete(c.groups, key)
			reaped = append(reaped, key)
		}
	}
	metrics.HostCacheGroupsActive.Set(float64(len(c.groups)))
	c.mu.Unlock()

	c.fetchMu.Lock()
	for _, key := range reaped {
		delete(c.lastFetches, key)
	}
	c.fetchMu.Unlock()
}

// StartGroupRefresh runs until ctx is done, periodically re-fetching every
// group still considered active (its fetch parameters are remembered and it
// hasn't been reaped), so host rows mutated by other schedulers or by agent
// reports converge into the cache even without a checkout miss.
func (c *Cache) StartGroupRefresh(ctx context.Context) {
	interval := c.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshActiveGroups(ctx)
		}
	}
}

func (c *Cache) refreshActiveGroups(ctx context.Context) {
	c.fetchMu.Lock()
	params := make([]fetchParams, 0, len(c.lastFetches))
	for _, p := range c.lastFetches {
		params = append(params, p)
	}
	c.fetchMu.Unlock()

	for _, p := range params {
		if err := c.refetch(ctx, p.showID, p.facilityID, p.cluster); err != nil {
			log.Logger.Warn().Err(err).Str("cluster", p.cluster.Key()).Msg("periodic group refresh failed")
		}
	}
}
