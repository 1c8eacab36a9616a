// Package rqd is the execution agent: resource reservation, frame process
// lifecycle, the FrameManager gatekeeper, the machine monitor, and the
// reporting client that together turn a RunFrame launch request into a
// running OS process or container and a stream of status reports back to
// the scheduler.
package rqd

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/cueflow/pkg/errs"
)

// CoreReservation is the agent-internal record of one frame's cores: the
// set of thread_ids granted, keyed by the requester's resource_id.
type CoreReservation struct {
	ResourceID string
	ThreadIDs  []int32
	CoreIDs    []string
}

// Topology describes a host's socket/core/thread layout, as reported by
// the collect_stats path.
type Topology struct {
	Sockets        int
	CoresPerSocket int
	ThreadsPerCore int
}

// CoreReservoir is the agent's in-memory core bookkeeping: sockets
// grouping cores grouping threads, with reservations tracked by resource_id
// so they can be released atomically and recovered from a snapshot by
// thread_ids after a restart.
type CoreReservoir struct {
	mu sync.Mutex

	threadsByCore map[string][]int32 // core unique id -> thread ids
	coresBySocket map[int32][]string // socket id -> core unique ids
	threadLookup  map[int32]coreLocation
	socketOf      map[string]int32 // core unique id -> socket id

	free         map[string]bool // core unique id -> free
	reservations map[string]CoreReservation

	allowSpanning bool
}

type coreLocation struct {
	SocketID int32
	CoreID   string
}

// NewCoreReservoir builds a reservoir from a simple uniform topology:
// sockets sockets, each with coresPerSocket cores, each core exposing
// threadsPerCore hyperthreads. Core unique ids are "<socket>-<core>".
func NewCoreReservoir(topo Topology) *CoreReservoir {
	r := &CoreReservoir{
		threadsByCore: make(map[string][]int32),
		coresBySocket: make(map[int32][]string),
		threadLookup:  make(map[int32]coreLocation),
		socketOf:      make(map[string]int32),
		free:          make(map[string]bool),
		reservations:  make(map[string]CoreReservation),
	}

	threadID := int32(0)
	for socket := 0; socket < topo.Sockets; socket++ {
		socketID := int32(socket)
		for core := 0; core < topo.CoresPerSocket; core++ {
			coreID := coreUniqueID(socketID, int32(core))
			r.coresBySocket[socketID] = append(r.coresBySocket[socketID], coreID)
			r.socketOf[coreID] = socketID
			r.free[coreID] = true
			for t := 0; t < topo.ThreadsPerCore; t++ {
				r.threadsByCore[coreID] = append(r.threadsByCore[coreID], threadID)
				r.threadLookup[threadID] = coreLocation{SocketID: socketID, CoreID: coreID}
				threadID++
			}
		}
	}
	return r
}

// AllowSpanning permits Reserve to satisfy a request by drawing cores from
// more than one socket when no single socket has enough free cores.
// Disabled by default, so a
// request exceeding the best socket's free count fails outright.
func (r *CoreReservoir) AllowSpanning(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowSpanning = allow
}

func coreUniqueID(socket, core int32) string {
	return strconv.Itoa(int(socket)) + "-" + strconv.Itoa(int(core))
}

// freeCoresBySocket returns each socket's free core ids, for internal use
// while holding r.mu.
func (r *CoreReservoir) freeCoresBySocket() map[int32][]string {
	out := make(map[int32][]string, len(r.coresBySocket))
	for socket, cores := range r.coresBySocket {
		for _, c := range cores {
			if r.free[c] {
				out[socket] = append(out[socket], c)
			}
		}
	}
	return out
}

// Reserve chooses n free cores preferring the socket with the most free
// cores, records the reservation under resourceID, and returns the
// concrete thread_ids granted. Fails with KindNotEnoughResourcesAvailable
// if no single socket (or, with spanning allowed, the reservoir as a
// whole) can satisfy the request.
func (r *CoreReservoir) Reserve(resourceID string, n int) ([]int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "reserve requires a positive core count")
	}

	bySocket := r.freeCoresBySocket()
	var bestSocket int32
	bestFree := -1
	for socket, cores := range bySocket {
		if len(cores) > bestFree {
			bestFree = len(cores)
			bestSocket = socket
		}
	}

	var chosen []string
	if bestFree >= n {
		cores := bySocket[bestSocket]
		sort.Strings(cores)
		chosen = cores[:n]
	} else if r.allowSpanning {
		var all []string
		for _, cores := range bySocket {
			all = append(all, cores...)
		}
		if len(all) < n {
			return nil, errs.New(errs.KindNotEnoughResourcesAvailable, "insufficient free cores")
		}
		sort.Strings(all)
		chosen = all[:n]
	} else {
		return nil, errs.New(errs.KindNotEnoughResourcesAvailable, "no single socket has enough free cores")
	}

	var threadIDs []int32
	for _, coreID := range chosen {
		r.free[coreID] = false
		threadIDs = append(threadIDs, r.threadsByCore[coreID]...)
	}

	r.reservations[resourceID] = CoreReservation{ResourceID: resourceID, ThreadIDs: threadIDs, CoreIDs: chosen}
	return threadIDs, nil
}

// ReserveThreadIDs re-establishes a reservation by explicit thread_ids,
// used during snapshot recovery where the exact cores granted
// before restart must be taken back rather than re-chosen.
func (r *CoreReservoir) ReserveThreadIDs(resourceID string, threadIDs []int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	coreSet := make(map[string]bool)
	for _, tid := range threadIDs {
		loc, ok := r.threadLookup[tid]
		if !ok {
			return errs.New(errs.KindSnapshotInvalid, "unknown thread id in recovered reservation")
		}
		coreSet[loc.CoreID] = true
	}

	var cores []string
	for coreID := range coreSet {
		cores = append(cores, coreID)
	}
	sort.Strings(cores)
	for _, coreID := range cores {
		r.free[coreID] = false
	}
	r.reservations[resourceID] = CoreReservation{ResourceID: resourceID, ThreadIDs: threadIDs, CoreIDs: cores}
	return nil
}

// Release returns resourceID's reserved cores to the free pool. A second
// release for the same resourceID leaves the pool untouched and reports
// KindReservationNotFound, which callers log and ignore (the kill/exit race
// means release is routinely attempted twice).
func (r *CoreReservoir) Release(resourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[resourceID]
	if !ok {
		return errs.New(errs.KindReservationNotFound, resourceID)
	}
	for _, coreID := range res.CoreIDs {
		r.free[coreID] = true
	}
	delete(r.reservations, resourceID)
	return nil
}

// Detail reports the agent's core-count accounting for the periodic
// HostReport: total, idle, locked, and booked cores. It reports no
// per-show breakdown of booked cores; the reservoir does not track which
// show a reservation belongs to.
func (r *CoreReservoir) Detail(lockedCores int32) CoreDetail {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := int32(len(r.socketOf))
	idle := int32(0)
	for _, free := range r.free {
		if free {
			idle++
		}
	}
	booked := total - idle - lockedCores
	if booked < 0 {
		booked = 0
	}
	return CoreDetail{
		TotalCores:  total,
		IdleCores:   idle,
		LockedCores: lockedCores,
		BookedCores: booked,
	}
}

// CoreDetail is the reservoir's own core-count accounting, kept separate
// from the wire type rpc.CoreDetail. The monitor loop converts it at the
// reporting boundary.
type CoreDetail struct {
	TotalCores  int32
	IdleCores   int32
	LockedCores int32
	BookedCores int32
}

// GPUReservoir is the agent's GPU accounting: a simple device
// counter plus per-device memory usage, exposed only as aggregates.
type GPUReservoir struct {
	mu sync.Mutex

	deviceMemoryTotal map[int]int64
	deviceMemoryIdle  map[int]int64
	deviceReservedBy  map[int]string // device id -> resource id, "" if free

	reservations map[string][]int // resource id -> device ids
}

// NewGPUReservoir builds a reservoir over numDevices identical devices
// each with memPerDevice bytes of memory.
func NewGPUReservoir(numDevices int, memPerDevice int64) *GPUReservoir {
	g := &GPUReservoir{
		deviceMemoryTotal: make(map[int]int64, numDevices),
		deviceMemoryIdle:  make(map[int]int64, numDevices),
		deviceReservedBy:  make(map[int]string, numDevices),
		reservations:      make(map[string][]int),
	}
	for i := 0; i < numDevices; i++ {
		g.deviceMemoryTotal[i] = memPerDevice
		g.deviceMemoryIdle[i] = memPerDevice
		g.deviceReservedBy[i] = ""
	}
	return g
}

// Reserve grants count free devices to resourceID, each required to have
// at least memPerDevice idle memory. Fails NotEnoughResourcesAvailable if
// fewer than count devices qualify.
func (g *GPUReservoir) Reserve(resourceID string, count int, memPerDevice int64) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if count == 0 {
		return nil, nil
	}

	var devices []int
	for id := 0; id < len(g.deviceMemoryTotal); id++ {
		if g.deviceReservedBy[id] == "" && g.deviceMemoryIdle[id] >= memPerDevice {
			devices = append(devices, id)
			if len(devices) == count {
				break
			}
		}
	}
	if len(devices) < count {
		return nil, errs.New(errs.KindNotEnoughResourcesAvailable, "insufficient free gpu devices")
	}

	for _, id := range devices {
		g.deviceReservedBy[id] = resourceID
		g.deviceMemoryIdle[id] -= memPerDevice
	}
	g.reservations[resourceID] = devices
	return devices, nil
}

// Release returns resourceID's reserved devices and their memory to the
// free pool.
func (g *GPUReservoir) Release(resourceID string, memPerDevice int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	devices, ok := g.reservations[resourceID]
	if !ok {
		return
	}
	for _, id := range devices {
		g.deviceReservedBy[id] = ""
		g.deviceMemoryIdle[id] += memPerDevice
	}
	delete(g.reservations, resourceID)
}

// IdleMemory returns the aggregate idle memory across all devices.
func (g *GPUReservoir) IdleMemory() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sum int64
	for _, m := range g.deviceMemoryIdle {
		sum += m
	}
	return sum
}

// IdleCount returns how many devices are currently unreserved.
func (g *GPUReservoir) IdleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, owner := range g.deviceReservedBy {
		if owner == "" {
			n++
		}
	}
	return n
}
