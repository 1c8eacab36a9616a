package rqd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/errs"
)

func fullyPopulatedFrame() *RunningFrame {
	// time.Unix strips the monotonic clock reading, which the snapshot
	// format cannot carry; a wall-clock-only value round-trips exactly.
	started := time.Unix(0, time.Now().UnixNano())
	return &RunningFrame{
		ResourceID:      "res-42",
		JobID:           "job-1",
		JobName:         "show_shot_comp",
		FrameID:         "frame-9",
		FrameName:       "0009-comp",
		LayerID:         "layer-3",
		Command:         "render -frame 9",
		Environment:     map[string]string{"CUE_IFRAME": "9", "CUE_ZFRAME": "0009"},
		UID:             1200,
		GID:             1200,
		OS:              "linux",
		IgnoreNimby:     true,
		NumCores:        4,
		ThreadIDs:       []int32{0, 1, 8, 9},
		NumGPUs:         2,
		GPUDeviceIDs:    []int{0, 1},
		SoftMemoryLimit: 4 << 30,
		HardMemoryLimit: 8 << 30,
		LogPath:         "/var/log/rqd/show_shot_comp.0009-comp.rqlog",
		State:           FrameRunning,
		PID:             4321,
		Lineage:         []int32{4321, 4322},
		StartTime:       started,
		ExitStatus:      0,
		ExitSignal:      0,
		KillRequested:   false,
		ContainerID:     "frame_show_shot_comp_res-42",
	}
}

// TestSnapshot_RoundTrip writes a fully-populated frame and reads it back,
// expecting every serialized field to survive unchanged.
func TestSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	frame := fullyPopulatedFrame()

	require.NoError(t, WriteSnapshot(dir, frame))

	got, err := ReadSnapshot(filepath.Join(dir, frame.ResourceID+".bin"))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

// TestSnapshot_RoundTripZeroValues: optional fields left at their zero
// values (no gpus, no container, empty environment) must round-trip too.
func TestSnapshot_RoundTripZeroValues(t *testing.T) {
	dir := t.TempDir()
	frame := &RunningFrame{
		ResourceID:  "res-sparse",
		FrameID:     "frame-1",
		Command:     "true",
		Environment: map[string]string{},
		NumCores:    1,
		State:       FrameCreated,
	}

	require.NoError(t, WriteSnapshot(dir, frame))

	got, err := ReadSnapshot(filepath.Join(dir, frame.ResourceID+".bin"))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

// TestSnapshot_OverwriteReplacesPrior: a second write for the same
// resource_id atomically replaces the first.
func TestSnapshot_OverwriteReplacesPrior(t *testing.T) {
	dir := t.TempDir()
	frame := fullyPopulatedFrame()

	require.NoError(t, WriteSnapshot(dir, frame))
	frame.State = FrameFinished
	frame.ExitStatus = 1
	require.NoError(t, WriteSnapshot(dir, frame))

	got, err := ReadSnapshot(filepath.Join(dir, frame.ResourceID+".bin"))
	require.NoError(t, err)
	assert.Equal(t, FrameFinished, got.State)
	assert.Equal(t, int32(1), got.ExitStatus)
}

// TestSnapshot_CorruptFileIsInvalid: a malformed record stream surfaces
// SnapshotInvalid rather than a partial frame.
func TestSnapshot_CorruptFileIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "res-bad.bin")
	// A key length claiming more bytes than the file holds.
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 'x'}, 0644))

	_, err := ReadSnapshot(path)
	require.Error(t, err)
	assert.Equal(t, errs.KindSnapshotInvalid, errs.KindOf(err))
}

// TestSnapshot_MissingResourceIDIsInvalid: an otherwise well-formed stream
// without a resource_id cannot be recovered.
func TestSnapshot_MissingResourceIDIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "res-empty.bin")
	// Just the zero-length-key terminator.
	require.NoError(t, os.WriteFile(path, []byte{0, 0}, 0644))

	_, err := ReadSnapshot(path)
	require.Error(t, err)
	assert.Equal(t, errs.KindSnapshotInvalid, errs.KindOf(err))
}

func TestRemoveSnapshot(t *testing.T) {
	dir := t.TempDir()
	frame := fullyPopulatedFrame()
	require.NoError(t, WriteSnapshot(dir, frame))

	RemoveSnapshot(dir, frame.ResourceID)
	_, err := os.Stat(filepath.Join(dir, frame.ResourceID+".bin"))
	assert.True(t, os.IsNotExist(err))
}
