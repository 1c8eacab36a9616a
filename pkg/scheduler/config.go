// Package scheduler wires the per-package dispatch pipeline
// (clusterfeed/jobfetcher/matcher/dispatcher/hostcache/jobdb) into a single
// runnable process: the cuebot side of the render farm control plane.
package scheduler

import (
	"time"

	"github.com/cuemby/cueflow/pkg/clusterfeed"
	"github.com/cuemby/cueflow/pkg/dispatcher"
	"github.com/cuemby/cueflow/pkg/hostcache"
	"github.com/cuemby/cueflow/pkg/matcher"
	"github.com/cuemby/cueflow/pkg/types"
)

// Config collects every scheduler-queue and host-cache
// tunable, one field per subsystem's own Config plus the orchestrator's
// own worker-pool knobs.
type Config struct {
	ClusterFeed clusterfeed.Config
	HostCache   hostcache.Config
	Matcher     matcher.Config
	Dispatcher  dispatcher.Config

	// WorkerThreads bounds the number of clusters processed concurrently.
	WorkerThreads int

	// AgentPort is the fixed gRPC port every rqd agent listens on; hosts
	// carry no port field of their own.
	AgentPort int

	// AgentDialTimeout bounds how long AgentFor waits to establish a new
	// connection to a host's agent.
	AgentDialTimeout time.Duration

	CoreMultiplier int32

	SelfishServices []string
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		ClusterFeed:      clusterfeed.DefaultConfig(),
		HostCache:        hostcache.DefaultConfig(),
		Matcher:          matcher.DefaultConfig(),
		Dispatcher:       dispatcher.DefaultConfig(),
		WorkerThreads:    8,
		AgentPort:        8282,
		AgentDialTimeout: 5 * time.Second,
		CoreMultiplier:   types.CoreMultiplier,
	}
}
