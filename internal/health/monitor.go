// Package health runs the periodic and on-demand checks over both
// stores: schema presence, index presence, referential consistency and
// recent performance. Findings are surfaced, never auto-repaired.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/config"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/notify"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrSchemaMissing reports a required table or index that does not
// exist. Critical: dependent operations stay blocked until an operator
// resolves it.
var ErrSchemaMissing = errors.New("required schema object missing")

// ErrConsistency reports drift between the primary store and the index.
var ErrConsistency = errors.New("consistency violation")

// perfWindow bounds the "recent" latency check.
const perfWindow = 24 * time.Hour

// minCacheTraffic is the floor of lookups before the hit-rate check
// fires; a cold cache is not a finding.
const minCacheTraffic = 20

// Monitor runs the health checks and owns the performance-sample log.
type Monitor struct {
	orders   primary.Store
	idx      *index.Store
	db       *sql.DB // index store handle; also hosts perf_samples
	cacheSt  cache.Store
	notifier notify.Notifier
	cfg      *config.Config
	backend  string
	log      zerolog.Logger

	registry   *prometheus.Registry
	opDuration *prometheus.HistogramVec

	slowThreshold time.Duration

	mu   sync.Mutex
	last api.HealthSnapshot
}

// NewMonitor wires a monitor. The perf_samples table is created on the
// index store's database.
func NewMonitor(orders primary.Store, idx *index.Store, c cache.Store,
	n notify.Notifier, cfg *config.Config, log zerolog.Logger) (*Monitor, error) {
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	m := &Monitor{
		orders:        orders,
		idx:           idx,
		db:            idx.DB(),
		cacheSt:       c,
		notifier:      n,
		cfg:           cfg,
		backend:       string(orders.Backend()),
		log:           log,
		slowThreshold: cfg.SlowOpThreshold(),
	}
	if _, err := m.db.Exec(samplesSchema); err != nil {
		return nil, fmt.Errorf("create perf_samples schema: %w", err)
	}
	m.initMetrics(func() float64 {
		hits, misses := c.Stats()
		if hits+misses == 0 {
			return 0
		}
		return float64(hits) / float64(hits+misses)
	})
	return m, nil
}

// RunCheck executes every check and stores the snapshot (overwriting
// the previous one). Critical findings trigger an immediate
// notification. Check errors are surfaced, never silently retried.
func (m *Monitor) RunCheck(ctx context.Context) ([]api.Issue, error) {
	var issues []api.Issue

	schemaIssues, err := m.checkSchema(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, schemaIssues...)
	if len(schemaIssues) > 0 {
		// Consistency and performance queries would fail against the
		// missing objects; report what we know and stop.
		return m.finish(issues), nil
	}

	indexIssues, err := m.checkIndexes(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, indexIssues...)

	consistencyIssues, err := m.checkConsistency(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, consistencyIssues...)

	perfIssues, err := m.checkPerformance(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, perfIssues...)

	return m.finish(issues), nil
}

// finish stores the snapshot and notifies on critical findings.
func (m *Monitor) finish(issues []api.Issue) []api.Issue {
	snap := api.HealthSnapshot{
		CheckedAt: time.Now(),
		Healthy:   len(issues) == 0,
		Issues:    issues,
	}
	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	for _, issue := range issues {
		if issue.Severity == api.SeverityCritical {
			m.notifier.Notify("Critical health issue: "+issue.Check, issue.Message)
		}
	}
	m.log.Info().Int("issues", len(issues)).Bool("healthy", snap.Healthy).Msg("health check complete")
	return issues
}

// LastSnapshot returns the most recent check result.
func (m *Monitor) LastSnapshot() api.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// RunPeriodic re-checks on the interval until the context ends.
func (m *Monitor) RunPeriodic(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.RunCheck(ctx); err != nil {
				m.log.Error().Err(err).Msg("periodic health check failed")
			}
		}
	}
}

func (m *Monitor) primaryTables() []string {
	if m.orders.Backend() == primary.BackendLegacy {
		return []string{"records", "record_attributes"}
	}
	return []string{"orders", "order_meta"}
}

func (m *Monitor) primaryDB() *sql.DB {
	switch s := m.orders.(type) {
	case *primary.LegacyStore:
		return s.DB()
	case *primary.NormalizedStore:
		return s.DB()
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func indexExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func (m *Monitor) checkSchema(ctx context.Context) ([]api.Issue, error) {
	var issues []api.Issue

	if pdb := m.primaryDB(); pdb != nil {
		for _, table := range m.primaryTables() {
			ok, err := tableExists(ctx, pdb, table)
			if err != nil {
				return nil, fmt.Errorf("schema check: %w", err)
			}
			if !ok {
				issues = append(issues, api.Issue{
					Severity:       api.SeverityCritical,
					Check:          "schema",
					Message:        fmt.Sprintf("primary store table %s does not exist", table),
					Recommendation: "run the host platform's database provisioning",
				})
			}
		}
	}

	for _, table := range []string{index.TableName, "perf_samples"} {
		ok, err := tableExists(ctx, m.db, table)
		if err != nil {
			return nil, fmt.Errorf("schema check: %w", err)
		}
		if !ok {
			issues = append(issues, api.Issue{
				Severity:       api.SeverityCritical,
				Check:          "schema",
				Message:        fmt.Sprintf("index store table %s does not exist", table),
				Recommendation: "reopen the index store to recreate its schema",
			})
		}
	}
	return issues, nil
}

func (m *Monitor) checkIndexes(ctx context.Context) ([]api.Issue, error) {
	var issues []api.Issue

	for _, name := range index.SecondaryIndexes {
		ok, err := indexExists(ctx, m.db, name)
		if err != nil {
			return nil, fmt.Errorf("index check: %w", err)
		}
		if !ok {
			issues = append(issues, api.Issue{
				Severity:       api.SeverityWarning,
				Check:          "indexes",
				Message:        fmt.Sprintf("missing index %s on %s", name, index.TableName),
				Recommendation: "reopen the index store to recreate its indexes",
			})
		}
	}

	if pdb := m.primaryDB(); pdb != nil {
		metaIndex := "idx_order_meta_key"
		if m.orders.Backend() == primary.BackendLegacy {
			metaIndex = "idx_record_attributes_name"
		}
		ok, err := indexExists(ctx, pdb, metaIndex)
		if err != nil {
			return nil, fmt.Errorf("index check: %w", err)
		}
		if !ok {
			issues = append(issues, api.Issue{
				Severity:       api.SeverityWarning,
				Check:          "indexes",
				Message:        fmt.Sprintf("missing index %s on the primary metadata table", metaIndex),
				Recommendation: "add the metadata key index to speed up agent-field lookups",
			})
		}
	}
	return issues, nil
}

// checkConsistency diffs the agent-flagged order ids in the primary
// store against the index rows. Roaring bitmaps keep the diff cheap for
// large populations.
func (m *Monitor) checkConsistency(ctx context.Context) ([]api.Issue, error) {
	agentOrders, err := m.orders.ListOrders(ctx, primary.ListFilter{AgentOnly: true})
	if err != nil {
		return nil, fmt.Errorf("consistency check: list agent orders: %w", err)
	}
	primaryIDs := roaring.New()
	for _, o := range agentOrders {
		primaryIDs.Add(uint32(o.ID))
	}

	indexIDs, err := m.idx.OrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency check: list index rows: %w", err)
	}

	var issues []api.Issue
	if orphaned := roaring.AndNot(indexIDs, primaryIDs); !orphaned.IsEmpty() {
		issues = append(issues, api.Issue{
			Severity: api.SeverityWarning,
			Check:    "consistency",
			Message: fmt.Sprintf("%d index rows reference orders that are missing or no longer agent-flagged",
				orphaned.GetCardinality()),
			Recommendation: "reindex the affected orders to drop the stale rows",
		})
	}
	if missing := roaring.AndNot(primaryIDs, indexIDs); !missing.IsEmpty() {
		issues = append(issues, api.Issue{
			Severity: api.SeverityError,
			Check:    "consistency",
			Message: fmt.Sprintf("%d agent orders have no index row",
				missing.GetCardinality()),
			Recommendation: "reindex the affected orders to restore the missing rows",
		})
	}
	return issues, nil
}

func (m *Monitor) checkPerformance(ctx context.Context) ([]api.Issue, error) {
	var issues []api.Issue

	avg, n, err := m.recentAvg(ctx, time.Now().Add(-perfWindow))
	if err != nil {
		return nil, err
	}
	if n > 0 && avg > m.slowThreshold {
		issues = append(issues, api.Issue{
			Severity: api.SeverityPerformance,
			Check:    "performance",
			Message: fmt.Sprintf("average operation latency %s over the last 24h exceeds the %s threshold",
				avg.Round(time.Millisecond), m.slowThreshold),
			Recommendation: "investigate query optimization opportunities",
		})
	}

	hits, misses := m.cacheSt.Stats()
	if total := hits + misses; total >= minCacheTraffic {
		rate := float64(hits) / float64(total)
		if rate < m.cfg.MinCacheHitRate {
			issues = append(issues, api.Issue{
				Severity:       api.SeverityPerformance,
				Check:          "performance",
				Message:        fmt.Sprintf("low cache hit rate: %.1f%%", rate*100),
				Recommendation: "review caching strategy and invalidation volume",
			})
		}
	}
	return issues, nil
}
