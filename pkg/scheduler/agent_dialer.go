package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/cueflow/pkg/dispatcher"
	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/rpc"
	"github.com/cuemby/cueflow/pkg/types"
)

// grpcAgentDialer resolves a host to its rqd agent over gRPC, dialing
// host.Name on a fixed configured port and caching the connection: hosts
// carry no port field of their own, so every agent in the fleet is
// expected to listen on the same port.
type grpcAgentDialer struct {
	port        int
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // host.Name -> conn
}

// NewAgentDialer builds a dispatcher.AgentDialer that dials each host's rqd
// agent on port, reusing connections across dispatch calls.
func NewAgentDialer(port int, dialTimeout time.Duration) *grpcAgentDialer {
	return &grpcAgentDialer{
		port:        port,
		dialTimeout: dialTimeout,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (d *grpcAgentDialer) AgentFor(ctx context.Context, host types.Host) (dispatcher.AgentLauncher, error) {
	d.mu.Lock()
	conn, ok := d.conns[host.Name]
	d.mu.Unlock()
	if ok && conn.GetState().String() != "SHUTDOWN" {
		return rpc.NewAgentServiceClient(conn), nil
	}

	addr := fmt.Sprintf("%s:%d", host.Name, d.port)
	newConn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errs.Wrap(errs.KindFailureGrpcConnection, addr, err)
	}
	// Kick off the connection attempt now rather than deferring it to the
	// first RPC, so a dead agent surfaces here instead of as a mysterious
	// RPC-level timeout deeper in the dispatcher.
	newConn.Connect()
	if d.dialTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
		for state := newConn.GetState(); state != connectivity.Ready; state = newConn.GetState() {
			if state == connectivity.Idle {
				newConn.Connect()
			}
			if !newConn.WaitForStateChange(waitCtx, state) {
				_ = newConn.Close()
				return nil, errs.Wrap(errs.KindFailureGrpcConnection, addr, waitCtx.Err())
			}
		}
	}

	d.mu.Lock()
	if old, exists := d.conns[host.Name]; exists {
		_ = old.Close()
	}
	d.conns[host.Name] = newConn
	d.mu.Unlock()

	return rpc.NewAgentServiceClient(newConn), nil
}

// Close tears down every cached connection.
func (d *grpcAgentDialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = make(map[string]*grpc.ClientConn)
}

var _ dispatcher.AgentDialer = (*grpcAgentDialer)(nil)
