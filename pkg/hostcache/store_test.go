package hostcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/types"
)

func TestGlobalStore_InsertRejectsStaleNonAuthoritative(t *testing.T) {
	s := NewGlobalStore(time.Minute)
	newer := time.Now()
	older := newer.Add(-time.Second)

	assert.True(t, s.Insert(types.Host{ID: "h1", LastUpdated: newer}, false))
	assert.False(t, s.Insert(types.Host{ID: "h1", LastUpdated: older}, false),
		"a non-authoritative write older than the stored entry must lose")

	h, ok := s.Get("h1")
	require.True(t, ok)
	assert.Equal(t, newer.Unix(), h.LastUpdated.Unix())
}

func TestGlobalStore_InsertAuthoritativeAlwaysWins(t *testing.T) {
	s := NewGlobalStore(time.Minute)
	newer := time.Now()
	older := newer.Add(-time.Second)

	s.Insert(types.Host{ID: "h1", LastUpdated: newer}, false)
	assert.True(t, s.Insert(types.Host{ID: "h1", LastUpdated: older}, true))
}

func TestGlobalStore_GetEvictsStale(t *testing.T) {
	s := NewGlobalStore(10 * time.Millisecond)
	s.Insert(types.Host{ID: "h1", LastUpdated: time.Now()}, true)

	require.Eventually(t, func() bool {
		_, ok := s.Get("h1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, s.Len())
}

func TestGlobalStore_AtomicRemoveIfValid(t *testing.T) {
	s := NewGlobalStore(time.Minute)
	ts := time.Now()
	s.Insert(types.Host{ID: "h1", LastUpdated: ts}, true)

	assert.False(t, s.AtomicRemoveIfValid("h1", ts.Add(time.Second), nil), "mismatched timestamp must not remove")
	assert.True(t, s.AtomicRemoveIfValid("h1", ts, func(h types.Host) bool { return true }))
	assert.Equal(t, 0, s.Len())
}
