package hostcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/types"
)

func TestGroup_TakeSmallestSatisfying(t *testing.T) {
	g := NewGroup(2 * types.GB)
	big := types.Host{ID: "big", IdleCores: 16, IdleMemory: 32 * types.GB}
	small := types.Host{ID: "small", IdleCores: 4, IdleMemory: 8 * types.GB}
	g.Put(big)
	g.Put(small)

	h, ok := g.TakeSmallestSatisfying(2, 4*types.GB, nil)
	require.True(t, ok)
	assert.Equal(t, "small", h.ID, "the smallest satisfying host should win over a larger one")
	assert.Equal(t, 1, g.Len())
}

func TestGroup_TakeSmallestSatisfying_NoneSatisfy(t *testing.T) {
	g := NewGroup(2 * types.GB)
	g.Put(types.Host{ID: "h1", IdleCores: 2, IdleMemory: 4 * types.GB})

	_, ok := g.TakeSmallestSatisfying(8, 16*types.GB, nil)
	assert.False(t, ok)
}

func TestGroup_TakeSmallestSatisfying_ValidatorRejects(t *testing.T) {
	g := NewGroup(2 * types.GB)
	g.Put(types.Host{ID: "h1", IdleCores: 8, IdleMemory: 16 * types.GB})

	_, ok := g.TakeSmallestSatisfying(4, 8*types.GB, func(types.Host) bool { return false })
	assert.False(t, ok)
}

func TestGroup_Remove(t *testing.T) {
	g := NewGroup(2 * types.GB)
	h := types.Host{ID: "h1", IdleCores: 4, IdleMemory: 8 * types.GB}
	g.Put(h)
	g.Remove(h)
	assert.Equal(t, 0, g.Len())
}

func TestGroup_IdleSince(t *testing.T) {
	g := NewGroup(2 * types.GB)
	assert.False(t, g.IdleSince(time.Hour), "freshly created group should not be idle yet")

	require.Eventually(t, func() bool {
		return g.IdleSince(5 * time.Millisecond)
	}, time.Second, 5*time.Millisecond)
}
