package metrics

import "time"

// HostStoreStats is the minimal snapshot pkg/hostcache exposes so this
// package can poll it without importing it back (metrics sits below
// hostcache in the dependency order).
type HostStoreStats struct {
	HostCount  int
	GroupCount int
}

// StatsSource is implemented by the scheduler's host cache
// (hostcache.Cache) and by the scheduler itself, which delegates to it.
type StatsSource interface {
	Stats() HostStoreStats
}

// Collector periodically snapshots a StatsSource into the package-level
// gauges. cuebot constructs one around its scheduler at startup.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a collector that polls source every interval tick
// once Start is called.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop at a 15s interval on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	stats := c.source.Stats()
	HostStoreSize.Set(float64(stats.HostCount))
	HostCacheGroupsActive.Set(float64(stats.GroupCount))
}
