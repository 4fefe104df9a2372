package agentindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, backend Backend) *Engine {
	t.Helper()
	dir := t.TempDir()
	eng, err := Open(Options{
		Backend:     backend,
		PrimaryPath: filepath.Join(dir, "orders.db"),
		IndexPath:   filepath.Join(dir, "index.db"),
		Logger:      zerolog.Nop(),
		Inline:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// createAgentOrder writes through the primary store so the mutation
// hook indexes the order, the way host-platform writes arrive.
func createAgentOrder(t *testing.T, e *Engine, id int64, agentID, total, paidAt string, extra map[string]string) {
	t.Helper()
	meta := map[string]string{
		primary.MetaAgentOrder:       "yes",
		primary.MetaAgentID:          agentID,
		primary.MetaPaymentTimestamp: paidAt,
	}
	for k, v := range extra {
		meta[k] = v
	}
	paid, err := time.Parse(time.RFC3339, paidAt)
	require.NoError(t, err)
	require.NoError(t, e.orders.CreateOrder(context.Background(), &primary.Order{
		ID:        id,
		CreatedAt: paid.Add(-5 * time.Minute),
		Status:    primary.StatusCompleted,
		Total:     decimal.RequireFromString(total),
		Meta:      meta,
	}))
}

// newIndexRow builds an index record with a recent payment timestamp,
// for writing behind the maintainer's back in drift scenarios.
func newIndexRow(orderID int64, agentID string, cents int64) index.Record {
	return index.Record{
		OrderID:          orderID,
		AgentID:          agentID,
		TotalCents:       cents,
		PaymentTimestamp: time.Now().UTC().Add(-30 * time.Minute),
	}
}

func TestAgentStatisticsEndToEnd(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)

	createAgentOrder(t, e, 1, "AGT-1", "50.00", recent, nil)
	createAgentOrder(t, e, 2, "AGT-1", "30.00", recent, nil)

	stats, err := e.AgentStatistics(ctx, api.PeriodMonth)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalOrders)
	assert.True(t, stats.TotalRevenue.Equal(decimal.RequireFromString("80.00")), stats.TotalRevenue.String())
	assert.Equal(t, int64(1), stats.UniqueAgents)
	assert.True(t, stats.AvgOrderValue.Equal(decimal.RequireFromString("40.00")))
	require.NotEmpty(t, stats.TopAgents)
	assert.Equal(t, "AGT-1", stats.TopAgents[0].AgentID)
}

func TestAgentStatisticsServedFromCache(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	createAgentOrder(t, e, 1, "AGT-1", "10.00", recent, nil)

	first, err := e.AgentStatistics(ctx, api.PeriodDay)
	require.NoError(t, err)

	// Write behind the cache's back: a cached read must not see it yet.
	require.NoError(t, e.idx.Upsert(ctx, newIndexRow(77, "AGT-2", 500)))
	cached, err := e.AgentStatistics(ctx, api.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, first.TotalOrders, cached.TotalOrders)

	// An indexed mutation invalidates the group and the next read is fresh.
	createAgentOrder(t, e, 2, "AGT-3", "5.00", recent, nil)
	fresh, err := e.AgentStatistics(ctx, api.PeriodDay)
	require.NoError(t, err)
	assert.Greater(t, fresh.TotalOrders, first.TotalOrders)
}

func TestAgentOrdersListing(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	now := time.Now().UTC()

	createAgentOrder(t, e, 1, "AGT-1", "50.00", now.Add(-1*time.Hour).Format(time.RFC3339), nil)
	createAgentOrder(t, e, 2, "AGT-1", "30.00", now.Add(-2*time.Hour).Format(time.RFC3339), nil)
	createAgentOrder(t, e, 3, "AGT-2", "20.00", now.Add(-3*time.Hour).Format(time.RFC3339), nil)

	orders, err := e.AgentOrders(ctx, api.OrderFilter{AgentID: "AGT-1"}, api.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(1), orders[0].ID, "newest payment first")
	assert.Equal(t, "AGT-1", orders[0].AgentID)
	assert.True(t, orders[0].Total.Equal(decimal.RequireFromString("50.00")))

	// Orders deleted after indexing are skipped, not errors.
	require.NoError(t, e.orders.DeleteOrder(ctx, 3))
	require.NoError(t, e.idx.Upsert(ctx, newIndexRow(3, "AGT-2", 2000)))
	orders, err = e.AgentOrders(ctx, api.OrderFilter{AgentID: "AGT-2"}, api.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMandateUsageStatsAppliesPolicy(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	createAgentOrder(t, e, 1, "AGT-1", "10.00", recent, map[string]string{
		primary.MetaMandateToken: "SUB-alpha",
	})
	createAgentOrder(t, e, 2, "AGT-2", "20.00", recent, map[string]string{
		primary.MetaMandateToken: "SUB-alpha",
	})

	stats, err := e.MandateUsageStats(ctx, api.PeriodDay, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "SUB-alpha", stats[0].MandateToken)
	assert.Equal(t, "Subscription", stats[0].Category)
	assert.Equal(t, int64(2), stats[0].UsageCount)
	assert.Equal(t, int64(2), stats[0].UniqueAgents)
	assert.Zero(t, stats[0].RiskScore, "small recent mandate is low risk")
}

func TestAgentPerformanceAppliesScore(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	createAgentOrder(t, e, 1, "AGT-1", "60.00", recent, nil)
	createAgentOrder(t, e, 2, "AGT-2", "40.00", recent, nil)

	p, err := e.AgentPerformance(ctx, "AGT-1", api.PeriodWeek)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalOrders)
	assert.InDelta(t, 20, p.OrderValueDiff, 0.01, "20% above the 50.00 population average")
	assert.InDelta(t, 100, p.PerformanceScore, 1e-9, "above-average value clamps at the ceiling")
}

func TestReindexHealsDrift(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	createAgentOrder(t, e, 1, "AGT-1", "10.00", recent, nil)

	// Simulate drift: the index row disappears.
	require.NoError(t, e.idx.Delete(ctx, 1))

	n, err := e.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := e.idx.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrationThroughFacade(t *testing.T) {
	e := openTestEngine(t, Legacy)
	ctx := context.Background()

	require.NoError(t, e.orders.CreateOrder(ctx, &primary.Order{
		ID:        1,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		Status:    primary.StatusCompleted,
		Total:     decimal.RequireFromString("25.00"),
		Meta: map[string]string{
			primary.MetaAgentOrder:  "yes",
			primary.LegacyAgentAttr: `{"agent":{"id":"AGT-1","paid_at":"2026-08-01T12:00:00Z"}}`,
		},
	}))

	assert.Equal(t, api.MigrationNotStarted, e.MigrationStatus().State)
	require.NoError(t, e.StartMigration(ctx))

	st := e.MigrationStatus()
	assert.Equal(t, api.MigrationCompleted, st.State)
	assert.Equal(t, int64(1), st.ProcessedCount)

	res, err := e.VerifyMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Verified)

	require.NoError(t, e.RollbackMigration(ctx))
	assert.Equal(t, api.MigrationNotStarted, e.MigrationStatus().State)
}

func TestWarmCache(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	createAgentOrder(t, e, 1, "AGT-1", "10.00", recent, nil)

	require.NoError(t, e.WarmCache(ctx))

	hits, _ := e.cache.Stats()
	_, err := e.AgentStatistics(ctx, api.PeriodWeek)
	require.NoError(t, err)
	after, _ := e.cache.Stats()
	assert.Greater(t, after, hits, "warmed entries serve subsequent reads")
}

func TestHealthCheckThroughFacade(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	createAgentOrder(t, e, 1, "AGT-1", "10.00", recent, nil)

	issues, err := e.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.True(t, e.LastHealthSnapshot().Healthy)
}

func TestQueryToolingThroughFacade(t *testing.T) {
	e := openTestEngine(t, Normalized)
	ctx := context.Background()

	rewritten := e.RewriteQuery(ctx, `SELECT * FROM agent_order_index WHERE agent_id = 'x'`)
	assert.Contains(t, rewritten, "INDEXED BY")

	a := e.AnalyzeQuery(ctx, `SELECT * FROM agent_order_index WHERE agent_id = 'x'`)
	assert.True(t, a.UsesIndex)

	// Analyzer failures degrade to an empty analysis, never an error.
	broken := e.AnalyzeQuery(ctx, `SELECT FROM WHERE`)
	assert.Equal(t, `SELECT FROM WHERE`, broken.Query)
	assert.False(t, broken.UsesIndex)
}
