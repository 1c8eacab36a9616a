package scheduler

import (
	"context"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

// dbSubscriptionGate implements dispatcher.SubscriptionGate directly against
// the job database, so the burst check the dispatcher runs under the
// host's advisory lock is the same transactional view as
// every other dispatch write.
type dbSubscriptionGate struct {
	db jobdb.Store
}

// NewSubscriptionGate builds a dispatcher.SubscriptionGate backed by db.
func NewSubscriptionGate(db jobdb.Store) *dbSubscriptionGate {
	return &dbSubscriptionGate{db: db}
}

func (g *dbSubscriptionGate) Reserve(ctx context.Context, showID, allocationName string, cores types.Cores) (bool, error) {
	return g.db.ReserveSubscriptionCores(ctx, showID, allocationName, cores)
}
