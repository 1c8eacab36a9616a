/*
Package types defines the core data structures shared by the scheduler and
the execution agent.

This package holds the domain model: facilities, shows, allocations and
subscriptions; the job/layer/frame work hierarchy; hosts and the
virtual-proc reservations the scheduler grants them; and the
scheduler-internal Cluster token used to iterate the search space. It does
not hold agent-internal types (RunningFrame, CoreReservation) — those live
in pkg/rqd next to the code that owns their fields.

# Core counts are a typed distinction

Cores (whole logical cores) and ScaledCores (the job database's
core-multiplier representation) are distinct types on purpose. The
multiplier is a deployment-time constant (CoreMultiplier, typically 100);
keeping the two as separate Go types means a stray cores-vs-cores*100
comparison is a compile error instead of a 100x dispatch bug. Convert
explicitly with Cores.Scale / ScaledCores.Unscale.

# Usage

Building a Layer and checking tag intersection:

	layer := types.Layer{
		ID:         "layer-1",
		JobID:      job.ID,
		Tags:       []string{"general"},
		MinCores:   2,
		MinMemory:  2 * types.GB,
		Threadable: true,
		Range:      "1-100",
		ChunkSize:  1,
	}
	if layer.IntersectsTags([]string{cluster.Tag}) { ... }

Checking subscription headroom before booking:

	if sub.Headroom() < requested {
		return errs.New(errs.KindAllocationOverBurst, sub.AllocationID)
	}

# Thread safety

Values in this package carry no synchronization of their own. Host and
Frame snapshots are owned by exactly one cache group or one dispatch
transaction at a time (see pkg/hostcache, pkg/dispatcher); callers that
hold a Host across goroutines must not mutate it without checking it out
through the cache first.
*/
package types
