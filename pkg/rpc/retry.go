package rpc

import (
	"context"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/metrics"
)

// RetryConfig collects the agent's RPC backoff tunables.
type RetryConfig struct {
	Attempts      uint // retries on top of the first call; 0 means unbounded
	DelayMin      time.Duration
	DelayMax      time.Duration
	JitterPercent int
}

// DefaultRetryConfig returns production-reasonable defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 0, DelayMin: 10 * time.Millisecond, DelayMax: 5 * time.Second, JitterPercent: 20}
}

// unboundedRoundAttempts bounds one retry.Do round when the caller asked for
// unlimited retries; rounds are chained by ReportingClient.do. Doubling from
// DelayMin this many times saturates any sane DelayMax, so the restart of
// the backoff curve between rounds is invisible in practice.
const unboundedRoundAttempts = 16

func (c RetryConfig) options(ctx context.Context, attempts uint) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		// retry-go counts attempts as TOTAL calls, so a policy of k retries
		// passes k+1 here.
		retry.Attempts(attempts),
		retry.Delay(c.DelayMin),
		retry.MaxDelay(c.DelayMax),
		retry.DelayType(jitterDelay(c.JitterPercent)),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			metrics.AgentReportRetries.Inc()
			log.Logger.Warn().Uint("attempt", n).Err(err).Msg("rpc reporting call retrying")
		}),
	}
}

// retryable decides which failures the middleware absorbs: transport-level
// errors (no gRPC status attached) and the 5xx-equivalent status codes.
// Everything else, including domain errors carried as RPC statuses, is
// surfaced to the caller on the first attempt.
func retryable(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.Unavailable, codes.Internal, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// jitterDelay returns a retry.DelayTypeFunc applying exponential backoff
// with +/- pct% uniform jitter. retry-go caps the result at config.MaxDelay;
// nothing raises it back to config.Delay, so a jittered delay can fall below
// it.
func jitterDelay(pct int) retry.DelayTypeFunc {
	if pct <= 0 {
		return retry.BackOffDelay
	}
	return func(n uint, err error, config *retry.Config) time.Duration {
		backoff := retry.BackOffDelay(n, err, config)
		delta := int64(backoff) * int64(pct) / 100
		if delta <= 0 {
			return backoff
		}
		return backoff - time.Duration(delta) + time.Duration(rand.Int63n(2*delta+1))
	}
}

// ReportingClient wraps a SchedulerServiceClient with the retry/backoff
// middleware: retryable transport errors are retried here. Under an
// unbounded policy they reach the reporting loop only once ctx ends; a
// bounded policy returns the last error after its attempts are used up.
type ReportingClient struct {
	client *SchedulerServiceClient
	cfg    RetryConfig
}

// NewReportingClient builds a retrying wrapper around client.
func NewReportingClient(client *SchedulerServiceClient, cfg RetryConfig) *ReportingClient {
	return &ReportingClient{client: client, cfg: cfg}
}

// do runs call under the retry policy. retry-go has no unlimited-attempts
// mode, so Attempts==0 is emulated by chaining bounded rounds for as long
// as the last failure is still a retryable one and ctx is live.
func (r *ReportingClient) do(ctx context.Context, call func() error) error {
	if r.cfg.Attempts > 0 {
		return retry.Do(call, r.cfg.options(ctx, r.cfg.Attempts+1)...)
	}
	for {
		err := retry.Do(call, r.cfg.options(ctx, unboundedRoundAttempts)...)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
}

func (r *ReportingClient) ReportRqdStartup(ctx context.Context, in *BootReport) error {
	return r.do(ctx, func() error {
		_, err := r.client.ReportRqdStartup(ctx, in)
		return err
	})
}

func (r *ReportingClient) ReportRunningFrameCompletion(ctx context.Context, in *FrameCompleteReport) error {
	return r.do(ctx, func() error {
		_, err := r.client.ReportRunningFrameCompletion(ctx, in)
		return err
	})
}

func (r *ReportingClient) ReportStatus(ctx context.Context, in *HostReport) error {
	return r.do(ctx, func() error {
		_, err := r.client.ReportStatus(ctx, in)
		return err
	})
}
