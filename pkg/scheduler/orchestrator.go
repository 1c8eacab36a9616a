package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/cueflow/pkg/clusterfeed"
	"github.com/cuemby/cueflow/pkg/dispatcher"
	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/jobfetcher"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/matcher"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/types"
)

// Scheduler is the top-level cuebot process: a cluster feed fanning out,
// with bounded concurrency, into the per-job match-and-dispatch pipeline.
type Scheduler struct {
	cfg Config

	db     jobdb.Store
	global *hostcache.GlobalStore
	cache  *hostcache.Cache
	fetch  *jobfetcher.Fetcher
	match  *matcher.Matcher
	dial   *grpcAgentDialer

	sem *semaphore.Weighted
}

// New wires a Scheduler around db and an already-constructed AgentDialer
// (tests pass dispatcher.NewStaticAgentDialer; production passes the
// grpcAgentDialer built by NewAgentDialer).
func New(cfg Config, db jobdb.Store, agents dispatcher.AgentDialer) *Scheduler {
	global := hostcache.NewGlobalStore(cfg.HostCache.HostStalenessThreshold)
	cache := hostcache.New(cfg.HostCache, db, global)

	subs := NewSubscriptionGate(db)
	disp := dispatcher.New(cfg.Dispatcher, db, agents, subs)
	match := matcher.New(cfg.Matcher, cache, db, disp)

	s := &Scheduler{
		cfg:    cfg,
		db:     db,
		global: global,
		cache:  cache,
		fetch:  jobfetcher.New(db, cfg.CoreMultiplier),
		match:  match,
		sem:    semaphore.NewWeighted(int64(maxInt(cfg.WorkerThreads, 1))),
	}
	if d, ok := agents.(*grpcAgentDialer); ok {
		s.dial = d
	}
	return s
}

// GlobalHostStore exposes the shared host store, e.g. for the gRPC server
// that ingests agent reports.
func (s *Scheduler) GlobalHostStore() *hostcache.GlobalStore { return s.global }

// Stats implements metrics.StatsSource over the host cache.
func (s *Scheduler) Stats() metrics.HostStoreStats { return s.cache.Stats() }

// Run loads the cluster universe and streams it forever, dispatching each
// cluster's pending jobs with bounded concurrency. It returns only when ctx
// is cancelled. If the feed stops on its own after EmptyCyclesBeforeQuitting
// empty rotations, no more clusters are dispatched, but Run keeps waiting
// for ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	feed, err := clusterfeed.LoadAll(ctx, s.db, s.cfg.ClusterFeed)
	if err != nil {
		return err
	}
	log.Logger.Info().Int("clusters", feed.Len()).Msg("cluster feed loaded")

	go s.cache.StartIdleGroupEviction(ctx)
	go s.cache.StartGroupRefresh(ctx)

	cc := feed.Stream(ctx, func(cluster types.Cluster) {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer s.sem.Release(1)
			s.processCluster(ctx, cluster)
		}()
	})
	<-ctx.Done()
	cc.Stop()
	if s.dial != nil {
		s.dial.Close()
	}
	return ctx.Err()
}

func (s *Scheduler) processCluster(ctx context.Context, cluster types.Cluster) {
	jobs, err := s.fetch.ForCluster(ctx, cluster)
	if err != nil {
		log.Logger.Warn().Err(err).Str("cluster", cluster.Key()).Msg("job fetch failed")
		return
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.match.MatchJob(ctx, cluster, job.JobID); err != nil {
			log.Logger.Debug().Err(err).Str("job_id", job.JobID).Msg("job match ended")
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
