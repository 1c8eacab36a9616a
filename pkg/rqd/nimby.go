package rqd

import (
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

// NimbyWatcher computes the workstation-idle lock from the host's idle time
// against a configured threshold, feeding the gate FrameManager already
// checks via Nimby.Engaged.
type NimbyWatcher struct {
	nimby         *Nimby
	idleThreshold time.Duration
	interval      time.Duration
	idleSince     func() (time.Duration, error)
	ticker        *time.Ticker
	stop          chan struct{}
}

// NewNimbyWatcher builds a watcher that keeps nimby engaged while the host
// has been idle for less than idleThreshold and releases it once the idle
// time reaches idleThreshold, polling at pollInterval. idleSince defaults
// to hostIdleDuration (real desktop-idle detection) when nil.
func NewNimbyWatcher(nimby *Nimby, idleThreshold, pollInterval time.Duration, idleSince func() (time.Duration, error)) *NimbyWatcher {
	if idleSince == nil {
		idleSince = hostIdleDuration
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &NimbyWatcher{
		nimby:         nimby,
		idleThreshold: idleThreshold,
		interval:      pollInterval,
		idleSince:     idleSince,
		stop:          make(chan struct{}),
	}
}

// Start begins the poll loop in a new goroutine; Stop ends it.
func (w *NimbyWatcher) Start() {
	w.ticker = time.NewTicker(w.interval)
	go func() {
		for {
			select {
			case <-w.ticker.C:
				w.poll()
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *NimbyWatcher) poll() {
	idle, err := w.idleSince()
	if err != nil {
		return
	}
	w.nimby.SetEngaged(idle < w.idleThreshold)
}

// Stop ends the poll loop.
func (w *NimbyWatcher) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stop)
}

// hostIdleDuration reports how long the host has been without user
// interaction. gopsutil has no cross-platform idle-time probe, so this
// uses boot time as a conservative proxy unsupported platforms fall back
// to: a machine with nobody watching it never reports "just booted" as
// idle, since that would immediately start running farm work on a
// workstation somebody just sat down at.
func hostIdleDuration() (time.Duration, error) {
	info, err := host.Info()
	if err != nil {
		return 0, err
	}
	boot := time.Unix(int64(info.BootTime), 0)
	return time.Since(boot), nil
}
