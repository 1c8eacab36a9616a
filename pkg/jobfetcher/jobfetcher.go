// Package jobfetcher answers, for a given Cluster, "what pending jobs can
// be worked right now" — a stateless query re-executed every pass.
package jobfetcher

import (
	"context"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/types"
)

// Fetcher wraps a jobdb.Store with the two pending-job query shapes.
type Fetcher struct {
	db             jobdb.Store
	coreMultiplier int32
}

// New returns a Fetcher that scales core-count filters by coreMultiplier.
func New(db jobdb.Store, coreMultiplier int32) *Fetcher {
	return &Fetcher{db: db, coreMultiplier: coreMultiplier}
}

// ForAllocCluster answers an ALLOC cluster's query shape: jobs of the given
// show/facility whose tag set includes tag, ordered by priority descending.
// Eligibility (active show, subscription headroom, folder limits, waiting
// frames) is enforced by the store's query itself.
func (f *Fetcher) ForAllocCluster(ctx context.Context, showID, facilityID, tag string) ([]jobdb.PendingJob, error) {
	jobs, err := f.db.QueryPendingJobs(ctx, showID, facilityID, tag, f.coreMultiplier)
	if err != nil {
		return nil, err
	}
	metrics.JobsConsideredTotal.Add(float64(len(jobs)))
	return jobs, nil
}

// ForTagSet answers a MANUAL/HOSTNAME cluster's query shape: jobs matching
// any tag in tags, regardless of show or facility.
func (f *Fetcher) ForTagSet(ctx context.Context, tags []string) ([]jobdb.PendingJob, error) {
	jobs, err := f.db.QueryPendingJobsByTags(ctx, tags, f.coreMultiplier)
	if err != nil {
		return nil, err
	}
	metrics.JobsConsideredTotal.Add(float64(len(jobs)))
	return jobs, nil
}

// ForCluster dispatches to the right query shape for c's tag type.
func (f *Fetcher) ForCluster(ctx context.Context, c types.Cluster) ([]jobdb.PendingJob, error) {
	if c.TagType == types.ClusterTagAlloc {
		return f.ForAllocCluster(ctx, c.ShowID, c.FacilityID, c.Tag)
	}
	return f.ForTagSet(ctx, []string{c.Tag})
}
