package hostcache

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cuemby/cueflow/pkg/types"
)

// memoryBucket clusters hosts with similar idle memory so the index's
// second level stays small; MemoryKeyDivisor is the configured quotient
// (e.g. 2 GiB).
func memoryBucket(idle types.Bytes, divisor types.Bytes) int64 {
	if divisor <= 0 {
		divisor = types.GB
	}
	return int64(idle / divisor)
}

// Group is the two-level index of one cluster's candidate hosts:
// core_count -> memory_bucket -> host_id -> Host.
type Group struct {
	mu               sync.Mutex
	index            map[types.Cores]map[int64]map[string]types.Host
	memoryKeyDivisor types.Bytes
	lastQueried      time.Time // touched on every TakeSmallestSatisfying call
}

// NewGroup returns an empty group.
func NewGroup(memoryKeyDivisor types.Bytes) *Group {
	return &Group{
		index:            make(map[types.Cores]map[int64]map[string]types.Host),
		memoryKeyDivisor: memoryKeyDivisor,
		lastQueried:      time.Now(),
	}
}

// Put inserts or overwrites a host in the index, keyed by its current idle
// resources.
func (g *Group) Put(h types.Host) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.put(h)
}

func (g *Group) put(h types.Host) {
	byMem := g.index[h.IdleCores]
	if byMem == nil {
		byMem = make(map[int64]map[string]types.Host)
		g.index[h.IdleCores] = byMem
	}
	bucket := memoryBucket(h.IdleMemory, g.memoryKeyDivisor)
	byHost := byMem[bucket]
	if byHost == nil {
		byHost = make(map[string]types.Host)
		byMem[bucket] = byHost
	}
	byHost[h.ID] = h
}

// Remove deletes a host from the index by id and its last-known idle
// resources (needed to find its bucket).
func (g *Group) Remove(h types.Host) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byMem := g.index[h.IdleCores]
	if byMem == nil {
		return
	}
	bucket := memoryBucket(h.IdleMemory, g.memoryKeyDivisor)
	byHost := byMem[bucket]
	if byHost == nil {
		return
	}
	delete(byHost, h.ID)
}

// RemoveByID deletes a host from the index wherever it is bucketed, for
// callers that no longer know its last-indexed idle resources.
func (g *Group) RemoveByID(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, byMem := range g.index {
		for _, byHost := range byMem {
			if _, ok := byHost[id]; ok {
				delete(byHost, id)
				return true
			}
		}
	}
	return false
}

// TakeSmallestSatisfying removes and returns the smallest-capacity host
// (by core count, then by memory bucket) that satisfies cores/mem and
// passes validator.
func (g *Group) TakeSmallestSatisfying(cores types.Cores, mem types.Bytes, validator func(types.Host) bool) (types.Host, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastQueried = time.Now()

	coreKeys := lo.Filter(lo.Keys(g.index), func(c types.Cores, _ int) bool { return c >= cores })
	slices.Sort(coreKeys)

	wantBucket := memoryBucket(mem, g.memoryKeyDivisor)
	for _, c := range coreKeys {
		byMem := g.index[c]
		bucketKeys := lo.Filter(lo.Keys(byMem), func(b int64, _ int) bool { return b >= wantBucket })
		slices.Sort(bucketKeys)
		for _, b := range bucketKeys {
			byHost := byMem[b]
			for id, h := range byHost {
				if h.IdleCores < cores || h.IdleMemory < mem {
					continue
				}
				if validator != nil && !validator(h) {
					continue
				}
				delete(byHost, id)
				return h, true
			}
		}
	}
	return types.Host{}, false
}

// IdleSince reports whether the group has gone unqueried for longer than d
// and currently holds no hosts, making it safe for the refresh timer to
// drop.
func (g *Group) IdleSince(d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.lastQueried) < d {
		return false
	}
	for _, byMem := range g.index {
		for _, byHost := range byMem {
			if len(byHost) > 0 {
				return false
			}
		}
	}
	return true
}

// Len reports the number of hosts currently indexed.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, byMem := range g.index {
		for _, byHost := range byMem {
			n += len(byHost)
		}
	}
	return n
}
