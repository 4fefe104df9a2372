package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/config"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	subjects []string
}

func (c *captureNotifier) Notify(subject, body string) {
	c.subjects = append(c.subjects, subject)
}

type fixture struct {
	orders   *primary.NormalizedStore
	idx      *index.Store
	cache    *cache.Coordinator
	notifier *captureNotifier
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	orders, err := primary.OpenNormalized(filepath.Join(dir, "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orders.Close() })

	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	c := cache.New(16, time.Minute)
	n := &captureNotifier{}
	m, err := NewMonitor(orders, idx, c, n, config.Default(), zerolog.Nop())
	require.NoError(t, err)
	return &fixture{orders: orders, idx: idx, cache: c, notifier: n, monitor: m}
}

func (f *fixture) addAgentOrder(t *testing.T, id int64, indexed bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.orders.CreateOrder(ctx, &primary.Order{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Status:    primary.StatusCompleted,
		Total:     decimal.RequireFromString("10.00"),
		Meta: map[string]string{
			primary.MetaAgentOrder: "yes",
			primary.MetaAgentID:    "AGT-1",
		},
	}))
	if indexed {
		require.NoError(t, f.idx.Upsert(ctx, index.Record{
			OrderID: id, AgentID: "AGT-1", TotalCents: 1000,
			PaymentTimestamp: time.Now().UTC(),
		}))
	}
}

func TestHealthyBaselineOnEmptyStore(t *testing.T) {
	f := newFixture(t)

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues, "a freshly provisioned store has no findings")
	assert.True(t, f.monitor.LastSnapshot().Healthy)
}

func TestHealthyBaseline(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)

	snap := f.monitor.LastSnapshot()
	assert.True(t, snap.Healthy)
	assert.False(t, snap.CheckedAt.IsZero())
	assert.Empty(t, f.notifier.subjects)
}

func TestConsistencyMissingIndexRow(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)
	f.addAgentOrder(t, 2, false) // agent order never indexed

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, api.SeverityError, issues[0].Severity)
	assert.Equal(t, "consistency", issues[0].Check)
	assert.Contains(t, issues[0].Message, "1 agent orders have no index row")

	assert.False(t, f.monitor.LastSnapshot().Healthy)
}

func TestConsistencyOrphanedIndexRow(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)
	require.NoError(t, f.idx.Upsert(context.Background(), index.Record{
		OrderID: 99, AgentID: "AGT-GONE",
	}))

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, api.SeverityWarning, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "1 index rows")
}

func TestLowCacheHitRate(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)

	// All misses, past the traffic floor.
	for i := 0; i < minCacheTraffic; i++ {
		f.cache.Get(cache.GroupAggregates, "never-set")
	}

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, api.SeverityPerformance, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "cache hit rate")
}

func TestColdCacheIsNotAFinding(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)
	f.cache.Get(cache.GroupAggregates, "one-miss")

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestSlowOperationSurfaces(t *testing.T) {
	f := newFixture(t)
	f.addAgentOrder(t, 1, true)

	// Insert a sample far over the threshold directly; Track is exercised
	// separately.
	require.NoError(t, f.monitor.insertSample(context.Background(), Sample{
		Operation: "agent_statistics",
		Duration:  5 * time.Second,
		Backend:   "normalized",
		CreatedAt: time.Now().UTC(),
	}))

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, api.SeverityPerformance, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "latency")
}

func TestSchemaCheckNotifiesCritical(t *testing.T) {
	f := newFixture(t)
	_, err := f.idx.DB().Exec(`DROP TABLE perf_samples`)
	require.NoError(t, err)

	issues, err := f.monitor.RunCheck(context.Background())
	require.NoError(t, err)

	var critical int
	for _, issue := range issues {
		if issue.Severity == api.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
	assert.Contains(t, f.notifier.subjects[0], "Critical")
}

func TestTrackRecordsSamples(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.monitor.Track(ctx, "test_op")
	done()

	avg, n, err := f.monitor.recentAvg(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.GreaterOrEqual(t, avg, time.Duration(0))
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitor.insertSample(ctx, Sample{
		Operation: "old", Duration: time.Millisecond, Backend: "normalized",
		CreatedAt: time.Now().AddDate(0, 0, -60),
	}))
	require.NoError(t, f.monitor.insertSample(ctx, Sample{
		Operation: "fresh", Duration: time.Millisecond, Backend: "normalized",
		CreatedAt: time.Now(),
	}))

	n, err := f.monitor.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, remaining, err := f.monitor.recentAvg(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestMetricsRegistry(t *testing.T) {
	f := newFixture(t)
	done := f.monitor.Track(context.Background(), "op")
	done()

	families, err := f.monitor.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	assert.True(t, names["agentindex_operation_duration_seconds"])
	assert.True(t, names["agentindex_cache_hit_ratio"])
}
