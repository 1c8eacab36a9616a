package rqd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunningFrame_ExitDecode pins the raw-exit-status decode shared by
// both process runners: anything above 128 is a signal death and must
// decode to (status=1, signal=raw-128) — never read back as a plain exit
// code, and never left uninitialized.
func TestRunningFrame_ExitDecode(t *testing.T) {
	tests := []struct {
		name       string
		raw        int32
		wantStatus int32
		wantSignal int32
	}{
		{name: "clean exit", raw: 0, wantStatus: 0, wantSignal: 0},
		{name: "plain failure", raw: 1, wantStatus: 1, wantSignal: 0},
		{name: "highest non-signal status", raw: 128, wantStatus: 128, wantSignal: 0},
		{name: "sigterm", raw: 143, wantStatus: 1, wantSignal: 15},
		{name: "sigkill", raw: 137, wantStatus: 1, wantSignal: 9},
		{name: "sighup", raw: 129, wantStatus: 1, wantSignal: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &RunningFrame{State: FrameRunning}
			f.Exit(tt.raw)

			assert.Equal(t, FrameFinished, f.State)
			assert.Equal(t, tt.wantStatus, f.ExitStatus)
			assert.Equal(t, tt.wantSignal, f.ExitSignal)
		})
	}
}

func TestRunningFrame_SpawnTransition(t *testing.T) {
	f := &RunningFrame{State: FrameCreated}
	require.NoError(t, f.Spawn(4321))

	assert.Equal(t, FrameRunning, f.State)
	assert.Equal(t, int32(4321), f.PID)
	assert.Equal(t, []int32{4321}, f.Lineage)
	assert.False(t, f.StartTime.IsZero())

	assert.Error(t, f.Spawn(4322), "spawn on an already-running frame must fail")
}

func TestRunningFrame_FailStart(t *testing.T) {
	f := &RunningFrame{State: FrameCreated}
	f.FailStart(127)

	assert.Equal(t, FrameFinished, f.State)
	assert.Equal(t, int32(127), f.ExitStatus)
	assert.Equal(t, int32(0), f.ExitSignal)
	assert.Equal(t, int32(0), f.PID, "a frame that never started has no pid")
}
