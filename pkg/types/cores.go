package types

import "fmt"

// CoreMultiplier is the configured factor the job database uses to turn
// whole cores into its integer column representation (OpenCue's historical
// default is 100).
const CoreMultiplier = 100

// Cores is a whole logical core count, the unit the scheduling policy and
// the agent's thread-affinity bookkeeping reason in.
type Cores int32

// ScaledCores is the core-multiplier representation used on the wire and in
// the job database (cores * CoreMultiplier). Keeping this a distinct type
// prevents a whole-core value from being compared or added to a scaled one
// without an explicit conversion.
type ScaledCores int32

// Scale converts a whole core count to its multiplied representation.
func (c Cores) Scale(multiplier int32) ScaledCores {
	return ScaledCores(int32(c) * multiplier)
}

// Unscale converts a multiplied core count back to whole cores, rounding
// down. Callers that need a remainder check should do so before calling.
func (s ScaledCores) Unscale(multiplier int32) Cores {
	if multiplier == 0 {
		return 0
	}
	return Cores(int32(s) / multiplier)
}

// IsWhole reports whether s represents an integral number of cores at the
// given multiplier, i.e. it has no fractional remainder.
func (s ScaledCores) IsWhole(multiplier int32) bool {
	if multiplier == 0 {
		return s == 0
	}
	return int32(s)%multiplier == 0
}

func (c Cores) String() string       { return fmt.Sprintf("%dcores", int32(c)) }
func (s ScaledCores) String() string { return fmt.Sprintf("%dcores*mult", int32(s)) }

// Bytes is a memory/disk size in bytes. Kept as its own type so call sites
// that shuffle KB/MB conversions from RPC messages or /proc parsing can't
// silently lose the unit.
type Bytes int64

const (
	KB Bytes = 1 << 10
	MB Bytes = 1 << 20
	GB Bytes = 1 << 30
)
