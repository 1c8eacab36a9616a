package rqd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = int64(1) << 30

func oomCandidate(id string, consumed, softLimit int64, duration float64) OOMCandidate {
	return OOMCandidate{
		Frame: &RunningFrame{
			ResourceID:      id,
			FrameID:         id,
			SoftMemoryLimit: softLimit,
			State:           FrameRunning,
		},
		Consumed: consumed,
		Duration: duration,
	}
}

// TestPlanEvictions_KillsHighestScoredPrefix: 100 GiB total at 98% used
// against a 96% margin leaves 7 GiB to free (target level is margin-5).
// Three frames over their soft limits — A consuming 60 GiB (soft 50),
// B 10 GiB (soft 1), C 15 GiB (soft 10), all equally new — score
// A > B > C under the 10/7/12 weighting, and A alone covers the 7 GiB,
// so only A is chosen.
func TestPlanEvictions_KillsHighestScoredPrefix(t *testing.T) {
	candidates := []OOMCandidate{
		oomCandidate("frame-a", 60*gib, 50*gib, 0),
		oomCandidate("frame-b", 10*gib, 1*gib, 0),
		oomCandidate("frame-c", 15*gib, 10*gib, 0),
	}

	chosen := PlanEvictions(100*gib, 98, 96, candidates)
	require.Len(t, chosen, 1)
	assert.Equal(t, "frame-a", chosen[0].FrameID)
}

// TestPlanEvictions_ChosenPrefixCoversMemoryToFree: when no single frame
// covers the deficit, the prefix grows (in score order) until the
// cumulative consumed memory reaches memory_to_free.
func TestPlanEvictions_ChosenPrefixCoversMemoryToFree(t *testing.T) {
	candidates := []OOMCandidate{
		oomCandidate("frame-a", 3*gib, 2*gib, 0),
		oomCandidate("frame-b", 3*gib, 2*gib, 0),
		oomCandidate("frame-c", 3*gib, 2*gib, 0),
	}

	// 100 GiB at 98% vs margin 96 => 7 GiB to free; 3 GiB frames need all
	// three to cover it.
	chosen := PlanEvictions(100*gib, 98, 96, candidates)
	require.Len(t, chosen, 3)
	assert.GreaterOrEqual(t, int64(len(chosen))*3*gib, 7*gib)
}

// TestPlanEvictions_BelowThresholdReturnsNil: usage at or under the margin
// must evict nothing, regardless of how far over their soft limits the
// frames are.
func TestPlanEvictions_BelowThresholdReturnsNil(t *testing.T) {
	candidates := []OOMCandidate{
		oomCandidate("frame-a", 60*gib, 1*gib, 0),
	}

	assert.Nil(t, PlanEvictions(100*gib, 90, 96, candidates))
	assert.Nil(t, PlanEvictions(100*gib, 96, 96, candidates))
}

// TestPlanEvictions_SkipsFramesWithinSoftLimit: frames at or under their
// soft limit are never candidates, even under pressure.
func TestPlanEvictions_SkipsFramesWithinSoftLimit(t *testing.T) {
	candidates := []OOMCandidate{
		oomCandidate("frame-a", 40*gib, 50*gib, 0),
		oomCandidate("frame-b", 10*gib, 10*gib, 0),
	}

	assert.Nil(t, PlanEvictions(100*gib, 98, 96, candidates))
}

// TestPlanEvictions_PrefersNewerFrames: with equal memory shape, the
// duration term (weight 12) ranks the newer frame first.
func TestPlanEvictions_PrefersNewerFrames(t *testing.T) {
	candidates := []OOMCandidate{
		oomCandidate("frame-old", 4*gib, 2*gib, 3600),
		oomCandidate("frame-new", 4*gib, 2*gib, 60),
	}

	// 100 GiB at 96.5% vs margin 96 => 5.5 GiB to free; both frames are
	// needed, but the newer one must come first.
	chosen := PlanEvictions(100*gib, 96.5, 96, candidates)
	require.Len(t, chosen, 2)
	assert.Equal(t, "frame-new", chosen[0].FrameID)
}
