package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestTimerDuration tests that a timer measures at least the elapsed wall time.
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	if timer.start.IsZero() {
		t.Fatal("NewTimer() start time is zero")
	}

	sleep := 50 * time.Millisecond
	time.Sleep(sleep)

	d := timer.Duration()
	if d < sleep {
		t.Errorf("Timer.Duration() = %v, want >= %v", d, sleep)
	}
}

// TestTimerObserveDispatchLatency times a fake dispatch and records it into a
// histogram shaped like DispatchLatency.
func TestTimerObserveDispatchLatency(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_dispatch_latency_seconds",
		Help:    "Test dispatch latency histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(hist)

	if timer.Duration() == 0 {
		t.Error("Timer.ObserveDuration() recorded zero duration")
	}
}

// TestTimerObserveDurationVec records into a labeled histogram the way the
// dispatcher records per-error-kind timings.
func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_dispatch_by_kind_seconds",
			Help:    "Test labeled dispatch histogram",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(vec, "frame_no_longer_available")

	if timer.Duration() == 0 {
		t.Error("Timer.ObserveDurationVec() recorded zero duration")
	}
}

// TestTimerMonotonic tests that repeated Duration reads increase.
func TestTimerMonotonic(t *testing.T) {
	timer := NewTimer()

	var last time.Duration
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		d := timer.Duration()
		if d <= last {
			t.Errorf("iteration %d: Duration not increasing: last=%v current=%v", i, last, d)
		}
		last = d
	}
}

// TestIndependentTimers tests that two concurrent dispatch timers do not
// share state.
func TestIndependentTimers(t *testing.T) {
	earlier := NewTimer()
	time.Sleep(20 * time.Millisecond)
	later := NewTimer()
	time.Sleep(20 * time.Millisecond)

	if earlier.Duration() <= later.Duration() {
		t.Errorf("earlier timer should show the longer duration: earlier=%v later=%v",
			earlier.Duration(), later.Duration())
	}
}
