package jobdb

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/types"
)

// MemStore is an in-memory Store used by scheduler-side tests (matcher,
// dispatcher) that need the optimistic-concurrency and advisory-lock
// semantics of the real job database without a live Postgres instance.
type MemStore struct {
	mu sync.Mutex

	Facilities map[string]string // name -> id
	Shows      map[string]string // name -> id

	AllocClusters    []AllocCluster
	NonAllocClusters []NonAllocCluster

	PendingJobs map[string][]PendingJob      // key: showID+"/"+facilityID+"/"+tag
	Layers      map[string][]LayerWithFrames // key: jobID
	Frames      map[string]*types.Frame      // key: frameID
	LayerFrames map[string][]string          // key: layerID -> frame ids, in dispatch order

	Hosts map[string]types.Host // key: hostID

	Subscriptions map[string]*types.Subscription // key: showID+"/"+allocationName

	locks map[string]bool
	Procs []ProcInsert
}

// NewMemStore returns an empty MemStore ready for test fixtures to populate.
func NewMemStore() *MemStore {
	return &MemStore{
		Facilities:    map[string]string{},
		Shows:         map[string]string{},
		PendingJobs:   map[string][]PendingJob{},
		Layers:        map[string][]LayerWithFrames{},
		Frames:        map[string]*types.Frame{},
		LayerFrames:   map[string][]string{},
		Hosts:         map[string]types.Host{},
		Subscriptions: map[string]*types.Subscription{},
		locks:         map[string]bool{},
	}
}

func (m *MemStore) GetFacilityIDByName(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.Facilities[name]; ok {
		return id, nil
	}
	return "", errs.New(errs.KindDbFailure, "facility not found: "+name)
}

func (m *MemStore) GetShowIDByName(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.Shows[name]; ok {
		return id, nil
	}
	return "", errs.New(errs.KindDbFailure, "show not found: "+name)
}

func (m *MemStore) FetchAllocClusters(ctx context.Context) ([]AllocCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AllocCluster(nil), m.AllocClusters...), nil
}

func (m *MemStore) FetchNonAllocClusters(ctx context.Context) ([]NonAllocCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NonAllocCluster(nil), m.NonAllocClusters...), nil
}

func (m *MemStore) QueryPendingJobs(ctx context.Context, showID, facilityID, tag string, coreMultiplier int32) ([]PendingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := append([]PendingJob(nil), m.PendingJobs[showID+"/"+facilityID+"/"+tag]...)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Priority > jobs[j].Priority })
	return jobs, nil
}

func (m *MemStore) QueryPendingJobsByTags(ctx context.Context, tags []string, coreMultiplier int32) ([]PendingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var jobs []PendingJob
	for _, tag := range tags {
		for key, list := range m.PendingJobs {
			if len(key) >= len(tag) && key[len(key)-len(tag):] == tag {
				for _, j := range list {
					if !seen[j.JobID] {
						seen[j.JobID] = true
						jobs = append(jobs, j)
					}
				}
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Priority > jobs[j].Priority })
	return jobs, nil
}

func (m *MemStore) QueryLayers(ctx context.Context, jobID string, tags []string) ([]LayerWithFrames, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LayerWithFrames
	for _, lf := range m.Layers[jobID] {
		if lf.Layer.IntersectsTags(tags) && len(lf.WaitingFrames) > 0 {
			out = append(out, lf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer.DispatchOrder < out[j].Layer.DispatchOrder })
	return out, nil
}

func (m *MemStore) QueryDispatchFrames(ctx context.Context, layerID string, limit int) ([]types.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Frame
	for _, id := range m.LayerFrames[layerID] {
		f, ok := m.Frames[id]
		if !ok || f.State != types.FrameStateWaiting {
			continue
		}
		out = append(out, *f)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) FetchHostsByShowFacilityTag(ctx context.Context, showID, facilityID, tag string) ([]types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Host
	for _, h := range m.Hosts {
		if h.Dispatchable() && h.HasTag(tag) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemStore) TryAdvisoryLock(ctx context.Context, hostID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[hostID] {
		return false, nil
	}
	m.locks[hostID] = true
	return true, nil
}

func (m *MemStore) AdvisoryUnlock(ctx context.Context, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, hostID)
	return nil
}

func (m *MemStore) UpdateHostResources(ctx context.Context, hostID string, idleCores types.Cores, idleMem types.Bytes, idleGPUs int, idleGPUMem types.Bytes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.Hosts[hostID]
	if !ok {
		return errs.New(errs.KindDbFailure, "host not found: "+hostID)
	}
	h.IdleCores, h.IdleMemory, h.IdleGPUs, h.IdleGPUMemory = idleCores, idleMem, idleGPUs, idleGPUMem
	m.Hosts[hostID] = h
	return nil
}

func (m *MemStore) InsertProc(ctx context.Context, p ProcInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Procs = append(m.Procs, p)
	return nil
}

func (m *MemStore) UpdateFrameStarted(ctx context.Context, fs FrameStart) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.Frames[fs.FrameID]
	if !ok {
		return 0, errs.New(errs.KindDbFailure, "frame not found: "+fs.FrameID)
	}
	if f.State != types.FrameStateWaiting || f.Version != fs.ExpectedVersion {
		return 0, nil
	}
	f.State = types.FrameStateRunning
	f.HostName = fs.HostName
	f.CoresReserved = fs.CoresReserved.Unscale(types.CoreMultiplier)
	f.MemReserved = fs.MemReserved
	f.GPUsReserved = fs.GPUsReserved
	f.GPUMemReserved = fs.GPUMemReserved
	f.Version++
	return 1, nil
}

func (m *MemStore) ReserveSubscriptionCores(ctx context.Context, showID, allocationName string, cores types.Cores) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[showID+"/"+allocationName]
	if !ok {
		return false, errs.New(errs.KindDbFailure, "subscription not found: "+showID+"/"+allocationName)
	}
	if sub.Headroom() < cores {
		return false, nil
	}
	sub.BookedCores += cores
	return true, nil
}

func (m *MemStore) CompleteFrame(ctx context.Context, frameID string, state types.FrameState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.Frames[frameID]
	if !ok {
		return errs.New(errs.KindDbFailure, "frame not found: "+frameID)
	}
	f.State = state
	f.Version++
	return nil
}

var _ Store = (*MemStore)(nil)
