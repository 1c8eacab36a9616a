package rqd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEntrypoint_WrapsWithTasksetWhenAffinityGranted(t *testing.T) {
	frame := &RunningFrame{
		ResourceID: "res-1",
		Command:    "render -frame 1",
		ThreadIDs:  []int32{0, 1, 8, 9},
	}
	script := BuildEntrypoint(frame, "/tmp/res-1.exit", false)

	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	if strings.Contains(script, "taskset") {
		assert.Contains(t, script, "taskset -c 0,1,8,9 render -frame 1")
	}
	assert.Contains(t, script, "echo $CHILD_PID")
	assert.Contains(t, script, "/tmp/res-1.exit")
	assert.Contains(t, script, "trap 'forward TERM' TERM")
}

func TestBuildEntrypoint_WrapsWithSuWhenUIDSet(t *testing.T) {
	frame := &RunningFrame{
		ResourceID: "res-2",
		Command:    "render -frame 1",
		UID:        500,
		GID:        500,
	}
	script := BuildEntrypoint(frame, "/tmp/res-2.exit", false)
	assert.Contains(t, script, "useradd -u 500 -g 500 -M frame_res-2")
	assert.Contains(t, script, "su -s /bin/sh -c")
}

func TestThreadList(t *testing.T) {
	assert.Equal(t, "0,1,2", threadList([]int32{0, 1, 2}))
}
