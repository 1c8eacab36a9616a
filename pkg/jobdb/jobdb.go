// Package jobdb is the scheduler's view of the relational job database: an
// opaque store exposing the query contract a dispatch pipeline needs,
// rather than a full ORM over the schema.
package jobdb

import (
	"context"

	"github.com/cuemby/cueflow/pkg/types"
)

// PendingJob is a row from query_pending_jobs / query_pending_jobs_by_tags.
type PendingJob struct {
	JobID    string
	Priority int
}

// LayerWithFrames is a row from query_layers: a layer plus the ids of its
// currently WAITING frames.
type LayerWithFrames struct {
	Layer         types.Layer
	WaitingFrames []string
}

// AllocCluster is a row from fetch_alloc_clusters.
type AllocCluster struct {
	Tag        string
	ShowID     string
	FacilityID string
}

// NonAllocCluster is a row from fetch_non_alloc_clusters.
type NonAllocCluster struct {
	Tag  string
	Type types.ClusterTagType
}

// ProcInsert captures the fields of a VirtualProc persisted as a `proc` row
// on successful dispatch.
type ProcInsert struct {
	ProcID        string
	HostID        string
	FrameID       string
	CoresReserved types.ScaledCores
	MemReserved   types.Bytes
	GPUsReserved  int
	IsLocal       bool
}

// FrameStart is the optimistic-concurrency UPDATE that flips a frame
// WAITING to RUNNING.
type FrameStart struct {
	FrameID         string
	HostName        string
	CoresReserved   types.ScaledCores
	MemReserved     types.Bytes
	GPUsReserved    int
	GPUMemReserved  types.Bytes
	ExpectedVersion int64
}

// Store is the query surface the scheduler's dispatch pipeline depends on.
// It is implemented by *PostgresStore in production and by an in-memory
// fake in tests.
type Store interface {
	GetFacilityIDByName(ctx context.Context, name string) (string, error)
	GetShowIDByName(ctx context.Context, name string) (string, error)

	FetchAllocClusters(ctx context.Context) ([]AllocCluster, error)
	FetchNonAllocClusters(ctx context.Context) ([]NonAllocCluster, error)

	QueryPendingJobs(ctx context.Context, showID, facilityID, tag string, coreMultiplier int32) ([]PendingJob, error)
	QueryPendingJobsByTags(ctx context.Context, tags []string, coreMultiplier int32) ([]PendingJob, error)

	QueryLayers(ctx context.Context, jobID string, tags []string) ([]LayerWithFrames, error)
	QueryDispatchFrames(ctx context.Context, layerID string, limit int) ([]types.Frame, error)

	FetchHostsByShowFacilityTag(ctx context.Context, showID, facilityID, tag string) ([]types.Host, error)

	// TryAdvisoryLock attempts pg_try_advisory_lock(hashtext(hostID)),
	// returning acquired=false rather than blocking when another session
	// already holds it.
	TryAdvisoryLock(ctx context.Context, hostID string) (acquired bool, err error)
	AdvisoryUnlock(ctx context.Context, hostID string) error

	UpdateHostResources(ctx context.Context, hostID string, idleCores types.Cores, idleMem types.Bytes, idleGPUs int, idleGPUMem types.Bytes) error
	InsertProc(ctx context.Context, proc ProcInsert) error

	// UpdateFrameStarted applies the WAITING->RUNNING transition. rowsAffected
	// is 0 when the optimistic-concurrency predicate (state='WAITING' AND
	// version=$old) missed — the caller maps that to errs.KindFrameNoLongerAvailable.
	UpdateFrameStarted(ctx context.Context, fs FrameStart) (rowsAffected int, err error)

	// ReserveSubscriptionCores atomically books cores against the named
	// allocation's subscription for showID, refusing (ok=false) rather than
	// going over burst.
	ReserveSubscriptionCores(ctx context.Context, showID, allocationName string, cores types.Cores) (ok bool, err error)

	// CompleteFrame applies the RUNNING->terminal transition reported by a
	// FrameCompleteReport.
	CompleteFrame(ctx context.Context, frameID string, state types.FrameState) error
}
