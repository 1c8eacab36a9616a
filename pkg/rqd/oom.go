package rqd

import (
	"sort"

	"github.com/cuemby/cueflow/pkg/log"
)

// OOMCandidate pairs a running frame with its currently-measured memory
// consumption, as collected by the machine monitor's per-frame stats pass.
type OOMCandidate struct {
	Frame    *RunningFrame
	Consumed int64 // current resident memory, bytes
	Duration float64
}

// oomScored is a candidate with its three raw pressure scores computed,
// carried alongside so the normalization pass can divide by each score's
// max across the whole set.
type oomScored struct {
	candidate    OOMCandidate
	memoryImpact float64
	overboard    float64
	durationRate float64
	total        float64
}

// PlanEvictions implements the OOM-pressure eviction policy. Below
// the margin threshold it returns nil. Above it, it scores every candidate
// currently over its soft memory limit, ranks them, and returns the
// smallest prefix (by descending score) whose cumulative consumed memory
// meets or exceeds memory_to_free.
func PlanEvictions(totalMemoryBytes int64, usedPercent, marginPercent float64, candidates []OOMCandidate) []*RunningFrame {
	if usedPercent <= marginPercent {
		return nil
	}
	if totalMemoryBytes <= 0 {
		return nil
	}

	targetLevel := float64(totalMemoryBytes) * (marginPercent - 5) / 100
	currentUsed := float64(totalMemoryBytes) * usedPercent / 100
	memoryToFree := currentUsed - targetLevel
	if memoryToFree <= 0 {
		return nil
	}

	var over []OOMCandidate
	for _, c := range candidates {
		if c.Frame.SoftMemoryLimit > 0 && c.Consumed > c.Frame.SoftMemoryLimit {
			over = append(over, c)
		}
	}
	if len(over) == 0 {
		return nil
	}

	var sumConsumed int64
	var maxDuration float64
	for _, c := range over {
		sumConsumed += c.Consumed
		if c.Duration > maxDuration {
			maxDuration = c.Duration
		}
	}

	scored := make([]oomScored, len(over))
	var maxMemoryImpact, maxOverboard, maxDurationRate float64
	for i, c := range over {
		memoryImpact := 0.0
		if sumConsumed > 0 {
			memoryImpact = float64(c.Consumed) / float64(sumConsumed)
		}
		overboard := float64(c.Consumed-c.Frame.SoftMemoryLimit) / float64(c.Frame.SoftMemoryLimit)

		var durationRate float64
		if maxDuration > 0 {
			durationRate = (maxDuration - c.Duration) / maxDuration
		} else {
			// every candidate is equally "new": no duration signal to
			// differentiate on, so each gets the same raw score and the
			// normalization pass below leaves them all at 1.
			durationRate = 1
		}

		scored[i] = oomScored{candidate: c, memoryImpact: memoryImpact, overboard: overboard, durationRate: durationRate}
		if memoryImpact > maxMemoryImpact {
			maxMemoryImpact = memoryImpact
		}
		if overboard > maxOverboard {
			maxOverboard = overboard
		}
		if durationRate > maxDurationRate {
			maxDurationRate = durationRate
		}
	}

	for i := range scored {
		mi := normalize(scored[i].memoryImpact, maxMemoryImpact)
		ob := normalize(scored[i].overboard, maxOverboard)
		dr := normalize(scored[i].durationRate, maxDurationRate)
		scored[i].total = 10*mi + 7*ob + 12*dr
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].total > scored[j].total })

	var chosen []*RunningFrame
	var freed int64
	for _, s := range scored {
		chosen = append(chosen, s.candidate.Frame)
		freed += s.candidate.Consumed
		if float64(freed) >= memoryToFree {
			break
		}
	}

	log.Logger.Warn().
		Int("candidates", len(over)).
		Int("chosen", len(chosen)).
		Float64("memory_to_free_bytes", memoryToFree).
		Msg("oom pressure eviction triggered")

	return chosen
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

// oomKillReason is the dedicated reason string attached to a frame
// completion report when the kill originated from OOM pressure, letting
// the scheduler attribute the death distinctly from an operator kill.
const oomKillReason = "Frame killed by rqd: OOM pressure eviction"
