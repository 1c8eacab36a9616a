package rqd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/errs"
)

// TestCoreReservoir_SocketAffinity exercises a 3 sockets x 4 cores x
// 2 threads. A 4-core request is satisfied entirely from one socket (all 8
// threads returned); a second 4-core request lands on another socket; a
// third request for 5 cores fails since no remaining socket has 5 free
// cores and spanning is not permitted by default.
func TestCoreReservoir_SocketAffinity(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 3, CoresPerSocket: 4, ThreadsPerCore: 2})

	threads1, err := r.Reserve("res-1", 4)
	require.NoError(t, err)
	assert.Len(t, threads1, 8)

	socket1 := r.socketOf[r.reservations["res-1"].CoreIDs[0]]
	for _, coreID := range r.reservations["res-1"].CoreIDs {
		assert.Equal(t, socket1, r.socketOf[coreID], "all cores of one reservation must share a socket")
	}

	threads2, err := r.Reserve("res-2", 4)
	require.NoError(t, err)
	assert.Len(t, threads2, 8)
	socket2 := r.socketOf[r.reservations["res-2"].CoreIDs[0]]
	assert.NotEqual(t, socket1, socket2, "second reservation must land on a different socket")

	_, err = r.Reserve("res-3", 5)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotEnoughResourcesAvailable, errs.KindOf(err))
}

func TestCoreReservoir_SpanningAllowed(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 3, CoresPerSocket: 4, ThreadsPerCore: 2})
	r.AllowSpanning(true)

	_, err := r.Reserve("res-1", 4)
	require.NoError(t, err)
	_, err = r.Reserve("res-2", 2)
	require.NoError(t, err)

	threads3, err := r.Reserve("res-3", 5)
	require.NoError(t, err)
	assert.Len(t, threads3, 10)
}

func TestCoreReservoir_ReleaseReturnsCoresToPool(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 1})

	_, err := r.Reserve("res-1", 4)
	require.NoError(t, err)

	_, err = r.Reserve("res-2", 1)
	require.Error(t, err)

	require.NoError(t, r.Release("res-1"))

	threads, err := r.Reserve("res-2", 4)
	require.NoError(t, err)
	assert.Len(t, threads, 4)
}

func TestCoreReservoir_DoubleReleaseReportsNotFound(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1})

	_, err := r.Reserve("res-1", 2)
	require.NoError(t, err)

	require.NoError(t, r.Release("res-1"))

	err = r.Release("res-1")
	require.Error(t, err)
	assert.Equal(t, errs.KindReservationNotFound, errs.KindOf(err))

	threads, err := r.Reserve("res-2", 2)
	require.NoError(t, err)
	assert.Len(t, threads, 2, "double release must not free cores twice")
}

func TestCoreReservoir_ReserveThreadIDs(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 2})

	err := r.ReserveThreadIDs("recovered", []int32{0, 1})
	require.NoError(t, err)

	detail := r.Detail(0)
	assert.Equal(t, int32(2), detail.TotalCores)
	assert.Equal(t, int32(1), detail.IdleCores)
	assert.Equal(t, int32(1), detail.BookedCores)
}

func TestCoreReservoir_ReserveThreadIDs_UnknownThread(t *testing.T) {
	r := NewCoreReservoir(Topology{Sockets: 1, CoresPerSocket: 1, ThreadsPerCore: 1})

	err := r.ReserveThreadIDs("recovered", []int32{99})
	require.Error(t, err)
	assert.Equal(t, errs.KindSnapshotInvalid, errs.KindOf(err))
}

func TestGPUReservoir_ReserveAndRelease(t *testing.T) {
	g := NewGPUReservoir(2, 8<<30)

	devices, err := g.Reserve("res-1", 1, 4<<30)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 1, g.IdleCount())

	_, err = g.Reserve("res-2", 2, 1<<30)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotEnoughResourcesAvailable, errs.KindOf(err))

	g.Release("res-1", 4<<30)
	assert.Equal(t, 2, g.IdleCount())
	assert.Equal(t, int64(16<<30), g.IdleMemory())
}
