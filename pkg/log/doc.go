/*
Package log provides structured logging for the scheduler and the execution
agent using zerolog.

The package wraps zerolog behind a global logger initialized once at process
start. All logs are JSON-structured (or human-readable console output during
development), carry timestamps, and support filtering by severity. Scoped
helpers attach the identifiers that matter when debugging a dispatch: job,
frame, host, cluster key.

# Architecture

	┌──────────────────── LOGGING SYSTEM ─────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                   │          │
	│  │  - Zerolog instance                        │          │
	│  │  - Initialized via log.Init()              │          │
	│  │  - Thread-safe for concurrent use          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                    │          │
	│  │  - Level: debug/info/warn/error            │          │
	│  │  - Format: JSON or console (human)         │          │
	│  │  - Output: stdout, file, or custom writer  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Scoped Loggers                     │          │
	│  │  - WithComponent("dispatcher")             │          │
	│  │  - WithJobID("job-abc123")                 │          │
	│  │  - WithFrameID("frame-0042")               │          │
	│  │  - WithHostID("host-render-17")            │          │
	│  │  - WithClusterKey("fac1/show2/general")    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                      │          │
	│  │                                            │          │
	│  │  JSON Format:                              │          │
	│  │  {                                         │          │
	│  │    "level": "info",                        │          │
	│  │    "component": "dispatcher",              │          │
	│  │    "frame_id": "frame-0042",               │          │
	│  │    "time": "2026-07-12T10:30:00Z",         │          │
	│  │    "message": "frame dispatched"           │          │
	│  │  }                                         │          │
	│  │                                            │          │
	│  │  Console Format:                           │          │
	│  │  2026-07-12T10:30:00Z INF frame dispatched │          │
	│  │    component=dispatcher                    │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Usage

Initialize the logger once in main, before any other package logs:

	import "github.com/cuemby/cueflow/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then log through the package-level helpers or a scoped child logger:

	log.Info("scheduler started")

	logger := log.WithComponent("matcher")
	logger.Info().
		Str("layer_id", layer.ID).
		Int("attempts", attempts).
		Msg("no candidate host for layer")

Dispatch-path code should scope its logger by the identity it is working on,
so a single frame's lifecycle can be followed across scheduler and agent logs:

	logger := log.WithFrameID(frame.ID)
	logger.Info().Str("host", host.Name).Msg("launching frame")

# Levels

Debug is for per-frame, per-iteration detail (cache probes, permit checks);
it is too noisy for production fleets. Info covers state transitions worth
keeping: dispatches, completions, evictions, report retries exhausted. Warn
marks recoverable anomalies (stale snapshot deleted, release for an unknown
reservation). Error is reserved for failures that need operator attention.

The level is set globally through Config.Level; messages below it are
dropped before field evaluation, so scoped loggers on hot paths are cheap.
*/
package log
