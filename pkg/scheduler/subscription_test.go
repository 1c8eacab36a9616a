package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cueflow/pkg/jobdb"
	"github.com/cuemby/cueflow/pkg/types"
)

func TestSubscriptionGate_ReserveDelegatesToStore(t *testing.T) {
	db := jobdb.NewMemStore()
	db.Subscriptions["show-1/general"] = &types.Subscription{
		ShowID: "show-1", Size: 10, Burst: 20, BookedCores: 18,
	}
	gate := NewSubscriptionGate(db)

	ok, err := gate.Reserve(context.Background(), "show-1", "general", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Reserve(context.Background(), "show-1", "general", 1)
	require.NoError(t, err)
	assert.False(t, ok, "subscription is now fully booked against burst")
}

func TestSubscriptionGate_UnknownSubscriptionErrors(t *testing.T) {
	db := jobdb.NewMemStore()
	gate := NewSubscriptionGate(db)

	_, err := gate.Reserve(context.Background(), "show-1", "nope", 1)
	assert.Error(t, err)
}
