package queryopt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOptimizer(t *testing.T) (*Optimizer, *index.Store) {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return New(idx.DB(), zerolog.Nop()), idx
}

func TestRewriteAppliesHint(t *testing.T) {
	o, _ := newOptimizer(t)
	ctx := context.Background()

	got := o.Rewrite(ctx, `SELECT * FROM agent_order_index WHERE agent_id = 'AGT-1'`)
	assert.Contains(t, got, "INDEXED BY idx_aoi_agent_id")

	got = o.Rewrite(ctx, `SELECT * FROM agent_order_index WHERE payment_timestamp > '2026-01-01'`)
	assert.Contains(t, got, "INDEXED BY idx_aoi_payment_timestamp")

	got = o.Rewrite(ctx, `SELECT * FROM agent_order_index WHERE transaction_type IN ('a','b')`)
	assert.Contains(t, got, "INDEXED BY idx_aoi_transaction_type")
}

func TestRewriteLeavesQueriesAlone(t *testing.T) {
	o, _ := newOptimizer(t)
	ctx := context.Background()

	cases := map[string]string{
		"not a select":   `DELETE FROM agent_order_index WHERE agent_id = 'x'`,
		"other table":    `SELECT * FROM perf_samples WHERE agent_id = 'x'`,
		"no predicate":   `SELECT COUNT(*) FROM agent_order_index`,
		"already hinted": `SELECT * FROM agent_order_index INDEXED BY idx_aoi_agent_id WHERE agent_id = 'x'`,
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, q, o.Rewrite(ctx, q))
		})
	}
}

func TestRewrittenQueryReturnsSameRows(t *testing.T) {
	o, idx := newOptimizer(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		agent := "AGT-1"
		if i%2 == 0 {
			agent = "AGT-2"
		}
		require.NoError(t, idx.Upsert(ctx, index.Record{
			OrderID: i, AgentID: agent,
			PaymentTimestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		}))
	}

	q := `SELECT COUNT(*) FROM agent_order_index WHERE agent_id = 'AGT-1'`
	rewritten := o.Rewrite(ctx, q)
	require.NotEqual(t, q, rewritten)

	var plain, hinted int64
	require.NoError(t, idx.DB().QueryRowContext(ctx, q).Scan(&plain))
	require.NoError(t, idx.DB().QueryRowContext(ctx, rewritten).Scan(&hinted))
	assert.Equal(t, plain, hinted)
	assert.Equal(t, int64(5), plain)
}

func TestAnalyze(t *testing.T) {
	o, idx := newOptimizer(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, index.Record{OrderID: 1, AgentID: "AGT-1"}))

	t.Run("indexed lookup", func(t *testing.T) {
		a, err := o.Analyze(ctx, `SELECT * FROM agent_order_index WHERE agent_id = 'AGT-1'`)
		require.NoError(t, err)
		assert.True(t, a.UsesIndex)
		assert.Empty(t, a.Warnings)
	})

	t.Run("full scan", func(t *testing.T) {
		a, err := o.Analyze(ctx, `SELECT * FROM agent_order_index WHERE total_amount_cents > 100`)
		require.NoError(t, err)
		assert.False(t, a.UsesIndex)
		assert.NotEmpty(t, a.Warnings)
	})

	t.Run("not a select", func(t *testing.T) {
		a, err := o.Analyze(ctx, `UPDATE agent_order_index SET agent_id = 'x'`)
		require.NoError(t, err)
		assert.NotEmpty(t, a.Warnings)
	})

	t.Run("invalid sql", func(t *testing.T) {
		_, err := o.Analyze(ctx, `SELECT FROM WHERE`)
		assert.Error(t, err)
	})
}
