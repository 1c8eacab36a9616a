// Package matcher implements the per-cluster, per-job dispatch loop: pick
// eligible layers in dispatch order, check out a candidate host for each,
// hand the (layer, host) pair to a Dispatcher, and react to its outcome.
package matcher

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/types"
)

// Config collects the scheduler-queue tunables the matcher consumes.
type Config struct {
	HostCandidateAttemptsPerLayer int
	DispatchFramesPerLayerLimit   int
	BasePermitDuration            time.Duration
	JobBackoffDuration            time.Duration
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		HostCandidateAttemptsPerLayer: 3,
		DispatchFramesPerLayerLimit:   20,
		BasePermitDuration:            2 * time.Second,
		JobBackoffDuration:            10 * time.Second,
	}
}

// DispatchResult is what the Dispatcher reports back after converting a
// (layer, host) pair into launched frames.
type DispatchResult struct {
	UpdatedHost         types.Host
	RemainingFrames     int
	AllocationExhausted bool // for the caller to pause this show/facility scope
}

// Dispatcher is the Matcher's collaborator, implemented by pkg/dispatcher.
// Matcher only depends on this narrow interface so it never imports the
// gRPC/RPC stack.
type Dispatcher interface {
	Dispatch(ctx context.Context, layer types.Layer, host types.Host) (DispatchResult, error)
}

// Matcher runs the per-cluster match loop.
type Matcher struct {
	cfg   Config
	cache *hostcache.Cache
	db    jobdb.Store
	disp  Dispatcher

	permits *gocache.Cache // layer_id -> struct{}
}

// New builds a Matcher around a host cache, job database, and dispatcher.
func New(cfg Config, cache *hostcache.Cache, db jobdb.Store, disp Dispatcher) *Matcher {
	return &Matcher{
		cfg:     cfg,
		cache:   cache,
		db:      db,
		disp:    disp,
		permits: gocache.New(cfg.BasePermitDuration, cfg.BasePermitDuration),
	}
}

func (m *Matcher) permitDuration(waitingFrames int) time.Duration {
	limit := m.cfg.DispatchFramesPerLayerLimit
	if limit <= 0 {
		limit = 1
	}
	units := int(math.Ceil(float64(waitingFrames) / float64(limit)))
	if units < 1 {
		units = 1
	}
	return m.cfg.BasePermitDuration * time.Duration(units)
}

// tryAcquirePermit returns true if it took out a fresh permit for layerID,
// false if another task already holds a live one.
func (m *Matcher) tryAcquirePermit(layerID string, waitingFrames int) bool {
	token := uuid.NewString()
	err := m.permits.Add(layerID, token, m.permitDuration(waitingFrames))
	return err == nil
}

func (m *Matcher) releasePermit(layerID string) {
	m.permits.Delete(layerID)
}

// MatchJob runs the match loop for one (cluster, job) pair:
// query eligible layers, attempt to dispatch each in order.
func (m *Matcher) MatchJob(ctx context.Context, cluster types.Cluster, jobID string) error {
	layers, err := m.db.QueryLayers(ctx, jobID, clusterTags(cluster))
	if err != nil {
		return err
	}

	tags := clusterTags(cluster)
	eligible := lo.Filter(layers, func(lf jobdb.LayerWithFrames, _ int) bool {
		return lf.Layer.IntersectsTags(tags) && len(lf.WaitingFrames) > 0
	})

	for _, lf := range eligible {
		if err := m.matchLayer(ctx, cluster, lf); err != nil {
			log.Logger.Debug().Err(err).Str("layer_id", lf.Layer.ID).Msg("layer match ended")
		}
	}
	return nil
}

func clusterTags(c types.Cluster) []string { return []string{c.Tag} }

func (m *Matcher) matchLayer(ctx context.Context, cluster types.Cluster, lf jobdb.LayerWithFrames) error {
	layer := lf.Layer
	if !layer.IntersectsTags(clusterTags(cluster)) || len(lf.WaitingFrames) == 0 {
		return nil
	}

	for attempt := 0; attempt < m.cfg.HostCandidateAttemptsPerLayer; attempt++ {
		if !m.tryAcquirePermit(layer.ID, len(lf.WaitingFrames)) {
			return nil // another task is already working this layer
		}

		validator := func(h types.Host) bool {
			return h.OS == layer.OS || layer.OS == ""
		}
		req := hostcache.Request{Cores: layer.MinCores, Memory: layer.MinMemory}
		clusterKey, host, err := m.cache.CheckOut(ctx, cluster.ShowID, cluster.FacilityID, []types.Cluster{cluster}, req, validator)
		if err != nil {
			m.releasePermit(layer.ID)
			if errs.Is(err, errs.KindNoCandidateAvailable) {
				return nil
			}
			return err
		}

		result, err := m.disp.Dispatch(ctx, layer, host)
		m.releasePermit(layer.ID)

		if err != nil {
			return m.handleDispatchError(clusterKey, host, err)
		}

		m.cache.CheckIn(clusterKey, result.UpdatedHost)
		if result.RemainingFrames == 0 {
			return nil
		}
		if result.AllocationExhausted {
			return nil
		}
	}
	return nil
}

// handleDispatchError maps each dispatch error kind to a decision: most errors
// return the host to the cache and abort the layer; resource-exhaustion
// errors just abort; allocation-over-burst keeps the host checked out of
// scope for a while rather than returning it immediately.
func (m *Matcher) handleDispatchError(clusterKey string, host types.Host, err error) error {
	switch errs.KindOf(err) {
	case errs.KindAllocationOverBurst:
		log.Logger.Info().Str("host_id", host.ID).Msg("allocation over burst, holding host out of scope")
		return nil
	case errs.KindHostResourcesExtinguished, errs.KindNotEnoughResourcesAvailable:
		return nil
	case errs.KindFrameNoLongerAvailable:
		m.cache.CheckIn(clusterKey, host)
		return nil
	default:
		m.cache.CheckIn(clusterKey, host)
		return err
	}
}
