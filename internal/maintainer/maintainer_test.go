package maintainer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Maintainer, primary.Store, *index.Store, *cache.Coordinator) {
	t.Helper()
	dir := t.TempDir()

	orders, err := primary.OpenNormalized(filepath.Join(dir, "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orders.Close() })

	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	c := cache.New(16, time.Minute)
	ex := primary.ExtractorFor(orders.Backend(), zerolog.Nop())
	return New(orders, idx, c, ex, zerolog.Nop()), orders, idx, c
}

func agentOrder(id int64, agentID string) *primary.Order {
	return &primary.Order{
		ID:        id,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:    primary.StatusCompleted,
		Total:     decimal.RequireFromString("49.99"),
		Meta: map[string]string{
			primary.MetaAgentOrder:       "yes",
			primary.MetaAgentID:          agentID,
			primary.MetaPaymentTimestamp: "2026-08-01T12:05:00Z",
		},
	}
}

func TestUpsertMirrorsOrder(t *testing.T) {
	m, _, idx, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, agentOrder(1, "AGT-1")))

	rec, ok, err := idx.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "AGT-1", rec.AgentID)
	assert.Equal(t, int64(4999), rec.TotalCents)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC), rec.PaymentTimestamp.UTC())
}

func TestUpsertIsIdempotent(t *testing.T) {
	m, _, idx, _ := newFixture(t)
	ctx := context.Background()

	o := agentOrder(1, "AGT-1")
	require.NoError(t, m.Upsert(ctx, o))
	require.NoError(t, m.Upsert(ctx, o))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertFallsBackToCreatedAt(t *testing.T) {
	m, _, idx, _ := newFixture(t)
	ctx := context.Background()

	o := agentOrder(2, "AGT-1")
	delete(o.Meta, primary.MetaPaymentTimestamp)
	require.NoError(t, m.Upsert(ctx, o))

	rec, ok, err := idx.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, o.CreatedAt, rec.PaymentTimestamp.UTC())
}

func TestUpsertWithoutAgentDegradesToRemove(t *testing.T) {
	m, _, idx, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, agentOrder(1, "AGT-1")))

	// Agent fields stripped: the row must go away.
	o := agentOrder(1, "AGT-1")
	o.Meta = map[string]string{}
	require.NoError(t, m.Upsert(ctx, o))

	_, ok, err := idx.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertInvalidatesCache(t *testing.T) {
	m, _, _, c := newFixture(t)

	c.Set(cache.GroupAggregates, "sig", "stale", time.Minute)
	require.NoError(t, m.Upsert(context.Background(), agentOrder(1, "AGT-1")))

	_, ok := c.Get(cache.GroupAggregates, "sig")
	assert.False(t, ok)
}

func TestHandleMutation(t *testing.T) {
	m, orders, idx, _ := newFixture(t)
	ctx := context.Background()
	orders.OnMutation(m.HandleMutation)

	o := agentOrder(1, "AGT-1")
	require.NoError(t, orders.CreateOrder(ctx, o))

	_, ok, err := idx.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "create hook indexes the order")

	require.NoError(t, orders.DeleteOrder(ctx, 1))
	_, ok, err = idx.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "delete hook removes the row")
}
