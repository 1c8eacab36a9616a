// Package clusterfeed produces the never-ending round-robin stream of
// Cluster tokens the scheduler's worker pool consumes as units of "a scope
// to search for bookable work" (ALLOC tags per show/facility, plus chunked
// MANUAL/HOSTNAME tags).
package clusterfeed

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/types"
)

// Config collects the scheduler-queue tunables that
// govern feed pacing and chunking.
type Config struct {
	ManualChunkSize           int
	HostnameChunkSize         int
	EmptyCyclesBeforeQuitting int // 0 = never quit
	AllSleepingBackoff        time.Duration
	SomeSleepingBackoff       time.Duration
	NoneSleepingBackoff       time.Duration
	IgnoreTags                []string
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		ManualChunkSize:           100,
		HostnameChunkSize:         300,
		EmptyCyclesBeforeQuitting: 0,
		AllSleepingBackoff:        5 * time.Second,
		SomeSleepingBackoff:       100 * time.Millisecond,
		NoneSleepingBackoff:       10 * time.Millisecond,
	}
}

// entry wraps a Cluster token with the feed's sleep bookkeeping.
type entry struct {
	cluster    types.Cluster
	sleepUntil time.Time
}

func (e *entry) sleeping(now time.Time) bool {
	return now.Before(e.sleepUntil)
}

// ControlChannel lets a caller mutate the feed's pacing while it streams.
type ControlChannel struct {
	sleep chan sleepRequest
	stop  chan struct{}
}

type sleepRequest struct {
	key      string
	duration time.Duration
}

// Sleep marks the named cluster as skipped until duration has elapsed; it
// is reaped lazily the next time the feed's rotation reaches it.
func (cc *ControlChannel) Sleep(clusterKey string, duration time.Duration) {
	cc.sleep <- sleepRequest{key: clusterKey, duration: duration}
}

// Stop terminates the stream.
func (cc *ControlChannel) Stop() {
	close(cc.stop)
}

// Feed is a loaded, round-robin universe of clusters.
type Feed struct {
	cfg     Config
	entries []*entry
	byKey   map[string]*entry
}

func ignored(tag string, ignoreTags []string) bool {
	for _, t := range ignoreTags {
		if t == tag {
			return true
		}
	}
	return false
}

// LoadAll reads the current universe of (tag, show, facility) tuples from
// db, partitions ALLOC tags one-per-cluster, MANUAL tags into chunks of
// cfg.ManualChunkSize and HOSTNAME tags into chunks of
// cfg.HostnameChunkSize, and returns a feed ready to stream.
func LoadAll(ctx context.Context, db jobdb.Store, cfg Config) (*Feed, error) {
	allocs, err := db.FetchAllocClusters(ctx)
	if err != nil {
		return nil, err
	}
	nonAllocs, err := db.FetchNonAllocClusters(ctx)
	if err != nil {
		return nil, err
	}

	f := &Feed{cfg: cfg, byKey: make(map[string]*entry)}

	for _, a := range allocs {
		if ignored(a.Tag, cfg.IgnoreTags) {
			continue
		}
		f.add(types.Cluster{FacilityID: a.FacilityID, ShowID: a.ShowID, Tag: a.Tag, TagType: types.ClusterTagAlloc})
	}

	byType := map[types.ClusterTagType][]string{}
	for _, na := range nonAllocs {
		if ignored(na.Tag, cfg.IgnoreTags) {
			continue
		}
		byType[na.Type] = append(byType[na.Type], na.Tag)
	}
	for tagType, tags := range byType {
		chunkSize := cfg.ManualChunkSize
		if tagType == types.ClusterTagHostname && cfg.HostnameChunkSize > 0 {
			chunkSize = cfg.HostnameChunkSize
		}
		if chunkSize <= 0 {
			chunkSize = 100
		}
		sort.Strings(tags)
		for start := 0; start < len(tags); start += chunkSize {
			end := start + chunkSize
			if end > len(tags) {
				end = len(tags)
			}
			// A chunk is represented as one Cluster token whose Tag is the
			// first tag in the chunk; the matcher treats the chunk's tag
			// list (not modeled here) as the job-fetcher's tag-set query
			// input. Chunking only amortizes database round trips, so the
			// feed's identity uses the chunk's first tag as its cache key.
			f.add(types.Cluster{Tag: tags[start], TagType: tagType})
		}
	}

	return f, nil
}

func (f *Feed) add(c types.Cluster) {
	e := &entry{cluster: c}
	f.entries = append(f.entries, e)
	f.byKey[c.Key()] = e
}

// Len reports the number of clusters in the feed.
func (f *Feed) Len() int { return len(f.entries) }

// Stream emits clusters to sink with backpressure (the call to sink blocks
// the feed until it returns) until ctx is done or Stop is called on the
// returned control channel. The rotation backoff policy governs pacing
// between rotations.
func (f *Feed) Stream(ctx context.Context, sink func(types.Cluster)) *ControlChannel {
	cc := &ControlChannel{
		sleep: make(chan sleepRequest, 64),
		stop:  make(chan struct{}),
	}
	go f.run(ctx, sink, cc)
	return cc
}

func (f *Feed) run(ctx context.Context, sink func(types.Cluster), cc *ControlChannel) {
	emptyCycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.stop:
			return
		default:
		}

		drainSleeps(cc, f.byKey)

		now := time.Now()
		visited, sleepingCount := 0, 0
		for _, e := range f.entries {
			select {
			case <-ctx.Done():
				return
			case <-cc.stop:
				return
			default:
			}
			if e.sleeping(now) {
				sleepingCount++
				continue
			}
			sink(e.cluster)
			visited++
		}

		metrics.ClustersVisited.Inc()
		metrics.ClustersSleeping.Set(float64(sleepingCount))

		switch {
		case len(f.entries) == 0 || sleepingCount == len(f.entries):
			emptyCycles++
			if f.cfg.EmptyCyclesBeforeQuitting > 0 && emptyCycles >= f.cfg.EmptyCyclesBeforeQuitting {
				log.Logger.Info().Int("empty_cycles", emptyCycles).Msg("cluster feed quitting: all clusters sleeping")
				return
			}
			sleepFor(ctx, f.cfg.AllSleepingBackoff)
		case sleepingCount > 0:
			emptyCycles = 0
			sleepFor(ctx, f.cfg.SomeSleepingBackoff)
		default:
			emptyCycles = 0
			sleepFor(ctx, f.cfg.NoneSleepingBackoff)
		}
	}
}

func drainSleeps(cc *ControlChannel, byKey map[string]*entry) {
	for {
		select {
		case req := <-cc.sleep:
			if e, ok := byKey[req.key]; ok {
				e.sleepUntil = time.Now().Add(req.duration)
			}
		default:
			return
		}
	}
}

func sleepFor(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
