// Package dispatcher converts a (layer, host) pair matched by pkg/matcher
// into launched frames: the per-host advisory lock, the core/memory/gpu
// reservation math, frame-range expansion, the atomic WAITING->RUNNING
// transition, and the gRPC launch call.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/framerange"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/matcher"
	"github.com/cuemby/cueflow/pkg/metrics"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

// Config collects the scheduler-queue tunables the dispatcher consumes.
type Config struct {
	DispatchFramesPerLayerLimit int
	CoreMultiplier              int32
	MemoryStrandedThreshold     types.Bytes
	LokiURL                     string
	SelfishServices             []string
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		DispatchFramesPerLayerLimit: 20,
		CoreMultiplier:              types.CoreMultiplier,
		MemoryStrandedThreshold:     1 * types.GB,
	}
}

// AgentLauncher is the narrow slice of AgentServiceClient the dispatcher
// needs, so tests can fake it without a live gRPC connection.
type AgentLauncher interface {
	LaunchFrame(ctx context.Context, in *rpc.RunFrame) (*rpc.Ack, error)
}

// AgentDialer resolves a host to a live AgentLauncher, establishing or
// reusing a gRPC channel to the host's agent on the configured port.
type AgentDialer interface {
	AgentFor(ctx context.Context, host types.Host) (AgentLauncher, error)
}

// SubscriptionGate is the subscription capacity
// projection that can refuse a host's allocation as over burst.
type SubscriptionGate interface {
	// Reserve attempts to book cores against the show's subscription in
	// host's allocation, returning false if doing so would exceed burst.
	Reserve(ctx context.Context, showID, allocationName string, cores types.Cores) (bool, error)
}

// Dispatcher implements matcher.Dispatcher against a real job database and
// agent RPC surface.
type Dispatcher struct {
	cfg    Config
	db     jobdb.Store
	agents AgentDialer
	subs   SubscriptionGate
}

// New builds a Dispatcher.
func New(cfg Config, db jobdb.Store, agents AgentDialer, subs SubscriptionGate) *Dispatcher {
	return &Dispatcher{cfg: cfg, db: db, agents: agents, subs: subs}
}

var _ matcher.Dispatcher = (*Dispatcher)(nil)

// Dispatch acquires the host's advisory lock, places as many of the
// layer's waiting frames on host as resources allow, and releases the lock
// on every exit path including a panic.
func (d *Dispatcher) Dispatch(ctx context.Context, layer types.Layer, host types.Host) (result matcher.DispatchResult, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	acquired, lockErr := d.db.TryAdvisoryLock(ctx, host.ID)
	if lockErr != nil {
		return matcher.DispatchResult{}, errs.Wrap(errs.KindDbFailure, "advisory lock", lockErr)
	}
	if !acquired {
		return matcher.DispatchResult{}, errs.New(errs.KindHostLock, host.Name)
	}
	// The unlock must go through even when ctx was cancelled mid-dispatch:
	// a pg advisory lock is session-scoped and a pooled session that keeps
	// it would wedge this host for every scheduler.
	unlockCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			_ = d.db.AdvisoryUnlock(unlockCtx, host.ID)
			panic(r)
		}
		if unlockErr := d.db.AdvisoryUnlock(unlockCtx, host.ID); unlockErr != nil {
			log.Logger.Error().Err(unlockErr).Str("host_id", host.ID).Msg("advisory unlock failed")
		}
	}()

	frames, err := d.db.QueryDispatchFrames(ctx, layer.ID, d.cfg.DispatchFramesPerLayerLimit)
	if err != nil {
		return matcher.DispatchResult{}, errs.Wrap(errs.KindDbFailure, "query dispatch frames", err)
	}

	working := host
	dispatched := 0
	for _, frame := range frames {
		cores, memErr := d.reserveCores(working, layer, frame)
		if memErr != nil {
			// The inputs are the same for every remaining frame of this
			// layer, so the failure would repeat; stop here.
			metrics.FramesDispatchFailed.WithLabelValues(string(errs.KindOf(memErr))).Inc()
			break
		}

		if !d.checkResources(working, layer, cores) {
			metrics.FramesDispatchFailed.WithLabelValues(string(errs.KindHostResourcesExtinguished)).Inc()
			break
		}

		// MANUAL/HOSTNAME hosts carry no allocation; only allocation-backed
		// hosts are subject to the subscription burst projection.
		if d.subs != nil && working.AllocationName != "" {
			ok, subErr := d.subs.Reserve(ctx, layer.ShowID, working.AllocationName, cores)
			if subErr != nil {
				return matcher.DispatchResult{}, errs.Wrap(errs.KindDbFailure, "subscription projection", subErr)
			}
			if !ok {
				return matcher.DispatchResult{UpdatedHost: working, RemainingFrames: len(frames) - dispatched, AllocationExhausted: true},
					errs.New(errs.KindAllocationOverBurst, working.AllocationName)
			}
		}

		spec, chunkEnd, rangeErr := framerange.PrepareChunkSpec(layer.Range, layer.ChunkSize, frame.Number)
		if rangeErr != nil {
			return matcher.DispatchResult{}, errs.Wrap(errs.KindFailedToStartOnDb, "frame range expansion", rangeErr)
		}

		run := d.buildRunFrame(layer, frame, working, cores, spec, chunkEnd)

		scaledCores := cores.Scale(d.cfg.CoreMultiplier)
		affected, startErr := d.db.UpdateFrameStarted(ctx, jobdb.FrameStart{
			FrameID:         frame.ID,
			HostName:        working.Name,
			CoresReserved:   scaledCores,
			MemReserved:     layer.MinMemory,
			GPUsReserved:    layer.MinGPUs,
			GPUMemReserved:  layer.MinGPUMemory,
			ExpectedVersion: frame.Version,
		})
		if startErr != nil {
			return matcher.DispatchResult{}, errs.Wrap(errs.KindDbFailure, "update frame started", startErr)
		}
		if affected == 0 {
			metrics.FramesDispatchFailed.WithLabelValues(string(errs.KindFrameNoLongerAvailable)).Inc()
			continue
		}

		if err := d.db.InsertProc(ctx, jobdb.ProcInsert{
			ProcID:        uuid.NewString(),
			HostID:        working.ID,
			FrameID:       frame.ID,
			CoresReserved: scaledCores,
			MemReserved:   layer.MinMemory,
			GPUsReserved:  layer.MinGPUs,
			IsLocal:       false,
		}); err != nil {
			return matcher.DispatchResult{}, errs.Wrap(errs.KindFailedToStartOnDb, "insert proc", err)
		}

		if err := d.launch(ctx, working, run); err != nil {
			log.Logger.Error().Err(err).Str("frame_id", frame.ID).Msg("launch rpc failed after db commit")
			return matcher.DispatchResult{UpdatedHost: working, RemainingFrames: len(frames) - dispatched - 1},
				errs.Wrap(errs.KindFailureAfterDispatch, frame.ID, err)
		}

		working = subtractReservation(working, cores, layer.MinMemory, layer.MinGPUs, layer.MinGPUMemory)
		dispatched++
		metrics.FramesDispatched.Inc()
	}

	return matcher.DispatchResult{UpdatedHost: working, RemainingFrames: len(frames) - dispatched}, nil
}

func (d *Dispatcher) launch(ctx context.Context, host types.Host, run *rpc.RunFrame) error {
	client, err := d.agents.AgentFor(ctx, host)
	if err != nil {
		return errs.Wrap(errs.KindFailureGrpcConnection, host.Name, err)
	}
	_, err = client.LaunchFrame(ctx, run)
	if err != nil {
		return errs.Wrap(errs.KindGrpcFailure, host.Name, err)
	}
	return nil
}

// reserveCores computes how many whole cores to grant a frame on a host.
func (d *Dispatcher) reserveCores(host types.Host, layer types.Layer, frame types.Frame) (types.Cores, error) {
	requested := layer.MinCores
	total := host.TotalCores

	var cores types.Cores
	switch {
	case requested < 0:
		cores = total + requested
	case requested == 0:
		cores = host.IdleCores
	case host.ThreadMode == types.ThreadModeAll:
		cores = host.IdleCores
	case host.ThreadMode == types.ThreadModeVariable && layer.Threadable && requested <= 2:
		cores = 2
	case (host.ThreadMode == types.ThreadModeAuto || host.ThreadMode == types.ThreadModeVariable) && layer.Threadable:
		selfish := layer.IsSelfish(d.cfg.SelfishServices)
		stranded := host.IdleMemory-layer.MinMemory <= d.cfg.MemoryStrandedThreshold
		if selfish || stranded {
			cores = host.IdleCores
		} else {
			cores = balancedCores(layer.MinMemory, total, host.TotalMemory, requested, layer.CoresMax)
		}
	default:
		cores = requested
	}

	if cores <= 0 || cores > host.IdleCores || host.IdleCores > host.TotalCores {
		return 0, errs.New(errs.KindHostResourcesExtinguished, fmt.Sprintf("cores_reserved=%d idle=%d total=%d", cores, host.IdleCores, host.TotalCores))
	}
	return cores, nil
}

// balancedCores computes round(min_memory / (total_cores/total_memory)),
// clamped up to requested and down to coresMax (when positive). Per the
// worked example (min_memory=2GiB, total=8GiB/4cores => 4 cores), the ratio
// is evaluated in GiB-scaled terms rather than raw bytes.
func balancedCores(minMemory types.Bytes, totalCores types.Cores, totalMemory types.Bytes, requested, coresMax types.Cores) types.Cores {
	if totalCores <= 0 || totalMemory <= 0 {
		return requested
	}
	minGiB := float64(minMemory) / float64(types.GB)
	totalGiB := float64(totalMemory) / float64(types.GB)
	ratio := float64(totalCores) / totalGiB
	balanced := types.Cores(math.Round(minGiB / ratio))
	if balanced < requested {
		balanced = requested
	}
	if coresMax > 0 && balanced > coresMax {
		balanced = coresMax
	}
	return balanced
}

func (d *Dispatcher) checkResources(host types.Host, layer types.Layer, cores types.Cores) bool {
	if host.IdleMemory < layer.MinMemory {
		return false
	}
	if layer.MinGPUs > 0 && host.IdleGPUs < layer.MinGPUs {
		return false
	}
	if layer.MinGPUMemory > 0 && host.IdleGPUMemory < layer.MinGPUMemory {
		return false
	}
	return cores <= host.IdleCores
}

func subtractReservation(host types.Host, cores types.Cores, mem types.Bytes, gpus int, gpuMem types.Bytes) types.Host {
	host.IdleCores -= cores
	host.IdleMemory -= mem
	host.IdleGPUs -= gpus
	host.IdleGPUMemory -= gpuMem
	return host
}

func (d *Dispatcher) buildRunFrame(layer types.Layer, frame types.Frame, host types.Host, cores types.Cores, spec string, chunkEnd int) *rpc.RunFrame {
	env := map[string]string{
		"CUE_JOB":     layer.JobID,
		"CUE_LAYER":   layer.Name,
		"CUE_FRAME":   frame.ID,
		"CUE_IFRAME":  strconv.Itoa(frame.Number),
		"CUE_ZFRAME":  framerange.ZeroPad(frame.Number),
		"CUE_THREADS": strconv.Itoa(int(cores)),
		"CUE_MEMORY":  strconv.FormatInt(int64(layer.MinMemory), 10),
	}

	command := expandTemplate(layer.CommandTemplate, templateTokens{
		frame:      frame.Number,
		layer:      layer.Name,
		job:        layer.JobID,
		frameStart: frame.Number,
		frameEnd:   chunkEnd,
		frameChunk: layer.ChunkSize,
		frameSpec:  spec,
	})

	return &rpc.RunFrame{
		ResourceID:      uuid.NewString(),
		JobID:           layer.JobID,
		FrameID:         frame.ID,
		FrameName:       fmt.Sprintf("%04d-%s", frame.Number, layer.Name),
		LayerID:         layer.ID,
		Command:         command,
		Environment:     env,
		NumCores:        int32(cores.Scale(d.cfg.CoreMultiplier)),
		NumGPUs:         int32(layer.MinGPUs),
		SoftMemoryLimit: int64(layer.MinMemory),
		HardMemoryLimit: int64(layer.MinMemory),
		OS:              layer.OS,
		LokiURL:         d.cfg.LokiURL,
		Attributes:      map[string]string{},
	}
}

type templateTokens struct {
	frame      int
	layer      string
	job        string
	frameStart int
	frameEnd   int
	frameChunk int
	frameSpec  string
}

// expandTemplate substitutes the command template tokens.
func expandTemplate(tmpl string, t templateTokens) string {
	r := strings.NewReplacer(
		"#FRAME#", strconv.Itoa(t.frame),
		"#ZFRAME#", framerange.ZeroPad(t.frame),
		"#IFRAME#", strconv.Itoa(t.frame),
		"#FRAME_START#", strconv.Itoa(t.frameStart),
		"#FRAME_END#", strconv.Itoa(t.frameEnd),
		"#FRAME_CHUNK#", strconv.Itoa(t.frameChunk),
		"#LAYER#", t.layer,
		"#JOB#", t.job,
		"#FRAMESPEC#", t.frameSpec,
	)
	return r.Replace(tmpl)
}

// staticAgentDialer is a fixed-endpoint AgentDialer used in places (tests,
// single-agent setups) where a real per-host connection pool is overkill.
type staticAgentDialer struct {
	client AgentLauncher
}

// NewStaticAgentDialer always returns client regardless of host.
func NewStaticAgentDialer(client AgentLauncher) AgentDialer {
	return staticAgentDialer{client: client}
}

func (s staticAgentDialer) AgentFor(context.Context, types.Host) (AgentLauncher, error) {
	return s.client, nil
}
