package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/cueflow/pkg/errs"
)

// PoolConfig collects the agent's scheduler-endpoint-pool tunables.
type PoolConfig struct {
	Endpoints              []string
	ConnectionExpiresAfter time.Duration
}

// EndpointPool hands out a connection to one of several scheduler
// endpoints, selected at random, periodically recycled so a restarted
// scheduler behind a load balancer is eventually picked up.
type EndpointPool struct {
	cfg  PoolConfig
	rand *rand.Rand

	mu       sync.Mutex
	conn     *grpc.ClientConn
	endpoint string
	dialedAt time.Time
}

// NewEndpointPool builds a pool over cfg.Endpoints. At least one endpoint
// is required.
func NewEndpointPool(cfg PoolConfig) (*EndpointPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "endpoint pool requires at least one endpoint")
	}
	return &EndpointPool{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

// Conn returns a live connection, dialing or redialing as needed: a fresh
// endpoint is chosen if there is no connection yet, or if more than one
// endpoint is configured and the current connection has exceeded
// ConnectionExpiresAfter.
func (p *EndpointPool) Conn(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recycle := p.cfg.ConnectionExpiresAfter > 0 && len(p.cfg.Endpoints) > 1
	if p.conn != nil && (!recycle || time.Since(p.dialedAt) < p.cfg.ConnectionExpiresAfter) {
		return p.conn, nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}

	endpoint := p.cfg.Endpoints[p.rand.Intn(len(p.cfg.Endpoints))]
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errs.Wrap(errs.KindFailureGrpcConnection, fmt.Sprintf("dial %s", endpoint), err)
	}
	p.conn, p.endpoint, p.dialedAt = conn, endpoint, time.Now()
	return conn, nil
}

// Close releases the pool's held connection, if any.
func (p *EndpointPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// CurrentEndpoint reports which endpoint the pool is presently connected
// to, for logging/metrics.
func (p *EndpointPool) CurrentEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}
