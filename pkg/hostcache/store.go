// Package hostcache holds the scheduler's per-cluster caches of candidate
// hosts and the process-wide global host store they share identity with.
package hostcache

import (
	"sync"
	"time"

	"github.com/cuemby/cueflow/pkg/types"
)

// entry is the store's bookkeeping envelope around a Host snapshot.
type entry struct {
	host      types.Host
	updatedAt time.Time
}

// GlobalStore maps host_id -> Host for conflict-free cross-group identity.
// Writes are timestamp-based optimistic concurrency: a
// non-authoritative write loses to a stored row that is already newer.
// Reads evict entries older than StalenessThreshold.
type GlobalStore struct {
	mu                 sync.RWMutex
	hosts              map[string]entry
	StalenessThreshold time.Duration
}

// NewGlobalStore returns a store with the given staleness threshold
// (typically around 2 minutes).
func NewGlobalStore(stalenessThreshold time.Duration) *GlobalStore {
	return &GlobalStore{
		hosts:              make(map[string]entry),
		StalenessThreshold: stalenessThreshold,
	}
}

// Insert writes host, obeying timestamp-based optimistic concurrency: when
// authoritative is false, the write is rejected if the stored entry's
// updatedAt is already newer than host.LastUpdated.
func (s *GlobalStore) Insert(host types.Host, authoritative bool) (accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.hosts[host.ID]
	if ok && !authoritative && existing.updatedAt.After(host.LastUpdated) {
		return false
	}
	s.hosts[host.ID] = entry{host: host, updatedAt: host.LastUpdated}
	return true
}

// Get returns the host, or (zero, false) if absent or stale. A stale entry
// is evicted as a side effect of the lookup.
func (s *GlobalStore) Get(id string) (types.Host, bool) {
	s.mu.RLock()
	e, ok := s.hosts[id]
	s.mu.RUnlock()
	if !ok {
		return types.Host{}, false
	}
	if s.StalenessThreshold > 0 && time.Since(e.updatedAt) > s.StalenessThreshold {
		s.mu.Lock()
		delete(s.hosts, id)
		s.mu.Unlock()
		return types.Host{}, false
	}
	return e.host, true
}

// AtomicRemoveIfValid removes id iff the stored entry's timestamp still
// equals expectedTS and predicate(host) holds. A stale entry (older than
// StalenessThreshold) is always removed, regardless of predicate.
func (s *GlobalStore) AtomicRemoveIfValid(id string, expectedTS time.Time, predicate func(types.Host) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.hosts[id]
	if !ok {
		return false
	}
	if s.StalenessThreshold > 0 && time.Since(e.updatedAt) > s.StalenessThreshold {
		delete(s.hosts, id)
		return true
	}
	if !e.updatedAt.Equal(expectedTS) {
		return false
	}
	if predicate != nil && !predicate(e.host) {
		return false
	}
	delete(s.hosts, id)
	return true
}

// Remove unconditionally forgets id.
func (s *GlobalStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, id)
}

// Len reports the number of hosts currently tracked, ignoring staleness.
func (s *GlobalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}
