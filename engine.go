// Package agentindex is the agent-order indexing and migration engine:
// a denormalized analytics index over a host commerce platform's order
// store, with cache coordination, batched migration between storage
// representations, query optimization hints and health monitoring.
//
// The engine is a library: dashboards, reports and the bundled CLI call
// it in-process. It owns the index store and the metadata fields it
// writes on orders; the orders themselves belong to the host.
package agentindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/config"
	"github.com/agentic-commerce/agentindex/internal/health"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/maintainer"
	"github.com/agentic-commerce/agentindex/internal/migrate"
	"github.com/agentic-commerce/agentindex/internal/notify"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/agentic-commerce/agentindex/internal/queryopt"
	"github.com/agentic-commerce/agentindex/internal/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Backend selects the primary-store schema variant.
type Backend string

const (
	Legacy     Backend = Backend(primary.BackendLegacy)
	Normalized Backend = Backend(primary.BackendNormalized)
)

// Options configures Open.
type Options struct {
	// Backend and PrimaryPath locate the host platform's order store.
	Backend     Backend
	PrimaryPath string
	// IndexPath locates the engine-owned index store.
	IndexPath string

	// ConfigPath points at an optional HCL policy file.
	ConfigPath string

	Logger   zerolog.Logger
	Notifier notify.Notifier

	// Inline disables the background task queue; batches and warms
	// then run synchronously on the calling goroutine.
	Inline bool
}

// Engine wires the components and is the public surface of the module.
type Engine struct {
	cfg       *config.Config
	log       zerolog.Logger
	orders    primary.Store
	idx       *index.Store
	cache     *cache.Coordinator
	extractor primary.Extractor
	maint     *maintainer.Maintainer
	migrator  *migrate.Engine
	optimizer *queryopt.Optimizer
	monitor   *health.Monitor
	queue     *sched.Async // nil when Inline
}

// Open builds an engine over existing (or fresh) store files.
func Open(opts Options) (*Engine, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	var (
		orders primary.Store
		err    error
	)
	switch opts.Backend {
	case Legacy:
		orders, err = primary.OpenLegacy(opts.PrimaryPath)
	case Normalized, "":
		orders, err = primary.OpenNormalized(opts.PrimaryPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(opts.IndexPath)
	if err != nil {
		_ = orders.Close()
		return nil, err
	}
	return newEngine(cfg, orders, idx, opts)
}

func newEngine(cfg *config.Config, orders primary.Store, idx *index.Store, opts Options) (*Engine, error) {
	log := opts.Logger
	e := &Engine{
		cfg:    cfg,
		log:    log,
		orders: orders,
		idx:    idx,
		cache:  cache.New(cfg.CacheSize, cfg.CacheTTL()),
	}
	e.extractor = primary.ExtractorFor(orders.Backend(), log)
	e.maint = maintainer.New(orders, idx, e.cache, e.extractor, log)
	orders.OnMutation(e.maint.HandleMutation)

	if !opts.Inline {
		e.queue = sched.NewAsync(log)
	}
	var queue sched.Queue
	if e.queue != nil {
		queue = e.queue
	}
	e.migrator = migrate.New(orders, e.maint, e.extractor, e.cache, queue,
		opts.Notifier, cfg.BatchSize, log)
	e.optimizer = queryopt.New(idx.DB(), log)

	monitor, err := health.NewMonitor(orders, idx, e.cache, opts.Notifier, cfg, log)
	if err != nil {
		_ = orders.Close()
		_ = idx.Close()
		return nil, err
	}
	e.monitor = monitor
	monitor.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentindex",
		Name:      "migration_processed_orders",
		Help:      "Orders processed by the current or last migration run.",
	}, func() float64 {
		return float64(e.migrator.Status().ProcessedCount)
	}))
	return e, nil
}

// Close flushes background work and closes both stores.
func (e *Engine) Close() error {
	if e.queue != nil {
		e.queue.Close()
	}
	err := e.idx.Close()
	if cErr := e.orders.Close(); err == nil {
		err = cErr
	}
	return err
}

// AgentStatistics returns the aggregate view for the period, cached
// under the aggregates group. An empty index yields zero values, not an
// error.
func (e *Engine) AgentStatistics(ctx context.Context, period api.Period) (api.Statistics, error) {
	done := e.monitor.Track(ctx, "agent_statistics")
	defer done()

	sig := cache.Signature("agent_statistics", string(period))
	if v, ok := e.cache.Get(cache.GroupAggregates, sig); ok {
		if stats, ok := v.(api.Statistics); ok {
			return stats, nil
		}
	}
	stats, err := e.idx.Statistics(ctx, period.Cutoff(time.Now()))
	if err != nil {
		return stats, err
	}
	e.cache.Set(cache.GroupAggregates, sig, stats, e.cfg.CacheTTL())
	return stats, nil
}

// TopAgents ranks agents over the last 30 days by revenue or order
// count.
func (e *Engine) TopAgents(ctx context.Context, limit int, metric api.TopAgentMetric) ([]api.AgentSummary, error) {
	done := e.monitor.Track(ctx, "top_agents")
	defer done()

	if limit <= 0 {
		limit = 10
	}
	sig := cache.Signature("top_agents", strconv.Itoa(limit), string(metric))
	if v, ok := e.cache.Get(cache.GroupAggregates, sig); ok {
		if agents, ok := v.([]api.AgentSummary); ok {
			return agents, nil
		}
	}
	agents, err := e.idx.TopAgents(ctx, time.Now().AddDate(0, 0, -30), limit, metric)
	if err != nil {
		return nil, err
	}
	e.cache.Set(cache.GroupAggregates, sig, agents, e.cfg.CacheTTL())
	return agents, nil
}

// MandateUsageStats aggregates per-mandate usage and applies the
// category and risk-score policy.
func (e *Engine) MandateUsageStats(ctx context.Context, period api.Period, limit int) ([]api.MandateStats, error) {
	done := e.monitor.Track(ctx, "mandate_usage")
	defer done()

	if limit <= 0 {
		limit = 10
	}
	sig := cache.Signature("mandate_usage", string(period), strconv.Itoa(limit))
	if v, ok := e.cache.Get(cache.GroupAggregates, sig); ok {
		if stats, ok := v.([]api.MandateStats); ok {
			return stats, nil
		}
	}
	stats, err := e.idx.MandateUsage(ctx, period.Cutoff(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	for i := range stats {
		stats[i].Category = categorizeMandate(stats[i].MandateToken)
		stats[i].RiskScore = mandateRisk(e.cfg.Scoring, &stats[i], time.Now())
	}
	e.cache.Set(cache.GroupAggregates, sig, stats, e.cfg.CacheTTL())
	return stats, nil
}

// AgentPerformance aggregates one agent against the population and
// applies the performance-score policy.
func (e *Engine) AgentPerformance(ctx context.Context, agentID string, period api.Period) (api.AgentPerformance, error) {
	done := e.monitor.Track(ctx, "agent_performance")
	defer done()

	p, err := e.idx.AgentPerformance(ctx, agentID, period.Cutoff(time.Now()))
	if err != nil {
		return p, err
	}
	p.PerformanceScore = performanceScore(e.cfg.Scoring, &p)
	return p, nil
}

// AgentOrders lists agent orders matching the filter, newest payment
// first, resolved to full order views from the primary store. Orders
// deleted between index read and resolution are skipped, not errors.
func (e *Engine) AgentOrders(ctx context.Context, f api.OrderFilter, page api.Page) ([]api.Order, error) {
	done := e.monitor.Track(ctx, "agent_orders")
	defer done()

	if page.Limit <= 0 {
		page.Limit = 10
	}
	ids, err := e.idx.SelectOrderIDs(ctx, f, page)
	if err != nil {
		return nil, err
	}
	out := make([]api.Order, 0, len(ids))
	for _, id := range ids {
		o, err := e.orders.GetOrder(ctx, id)
		if errors.Is(err, primary.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, e.orderView(o))
	}
	return out, nil
}

func (e *Engine) orderView(o *primary.Order) api.Order {
	fields := e.extractor.Extract(o)
	return api.Order{
		ID:               o.ID,
		CreatedAt:        o.CreatedAt,
		Status:           o.Status,
		Total:            o.Total,
		AgentID:          fields.AgentID,
		MandateToken:     fields.MandateToken,
		TransactionType:  fields.TransactionType,
		TransactionID:    fields.TransactionID,
		PaymentTimestamp: fields.PaymentTimestamp,
		ProcessingTime:   fields.ProcessingTime,
	}
}

// Reindex re-runs index maintenance for the given orders (or every
// agent order when none are given). Missing orders degrade to row
// removal.
func (e *Engine) Reindex(ctx context.Context, orderIDs ...int64) (int, error) {
	done := e.monitor.Track(ctx, "reindex")
	defer done()

	if len(orderIDs) == 0 {
		orders, err := e.orders.ListOrders(ctx, primary.ListFilter{AgentOnly: true})
		if err != nil {
			return 0, err
		}
		for _, o := range orders {
			orderIDs = append(orderIDs, o.ID)
		}
	}
	n := 0
	for _, id := range orderIDs {
		o, err := e.orders.GetOrder(ctx, id)
		if errors.Is(err, primary.ErrNotFound) {
			if err := e.maint.Remove(ctx, id); err != nil {
				return n, err
			}
			n++
			continue
		}
		if err != nil {
			return n, err
		}
		if err := e.maint.Upsert(ctx, o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// WarmCache preloads the statistics periods and default top-agent list.
// Fire-and-forget callers should schedule it through the task queue.
func (e *Engine) WarmCache(ctx context.Context) error {
	done := e.monitor.Track(ctx, "warm_cache")
	defer done()

	for _, p := range []api.Period{api.PeriodDay, api.PeriodWeek, api.PeriodMonth} {
		if _, err := e.AgentStatistics(ctx, p); err != nil {
			return fmt.Errorf("warm %s statistics: %w", p, err)
		}
	}
	_, err := e.TopAgents(ctx, 10, api.ByRevenue)
	return err
}

// ScheduleCacheWarm queues a cache warm on the background task queue,
// running it inline when no queue is available. Warm failures are
// logged, never surfaced — a cold cache self-heals on the next read.
func (e *Engine) ScheduleCacheWarm(ctx context.Context) {
	var queue sched.Queue
	if e.queue != nil {
		queue = e.queue
	}
	sched.Run(ctx, queue, e.log, "warm-cache", func(ctx context.Context) {
		if err := e.WarmCache(ctx); err != nil {
			e.log.Warn().Err(err).Msg("cache warm failed")
		}
	})
}

// StartMigration begins the background migration sweep.
func (e *Engine) StartMigration(ctx context.Context) error {
	return e.migrator.Start(ctx)
}

// RunMigrationBatch processes one batch synchronously, for CLI-driven
// migration. Returns the number of orders processed in the batch.
func (e *Engine) RunMigrationBatch(ctx context.Context) (int, error) {
	return e.migrator.RunBatch(ctx)
}

// MigrationStatus snapshots the shared job state.
func (e *Engine) MigrationStatus() api.MigrationStatus {
	return e.migrator.Status()
}

// HaltMigration stops the sweep between batches. In-flight batch items
// run to completion.
func (e *Engine) HaltMigration() {
	e.migrator.Job().Halt()
}

// RollbackMigration reverts every migrated order. Destructive; callers
// must confirm explicitly before invoking.
func (e *Engine) RollbackMigration(ctx context.Context) error {
	return e.migrator.Rollback(ctx)
}

// VerifyMigration re-checks all migrated orders.
func (e *Engine) VerifyMigration(ctx context.Context) (api.VerifyResult, error) {
	return e.migrator.Verify(ctx)
}

// RunHealthCheck executes all health checks and returns the findings.
func (e *Engine) RunHealthCheck(ctx context.Context) ([]api.Issue, error) {
	done := e.monitor.Track(ctx, "health_check")
	defer done()
	return e.monitor.RunCheck(ctx)
}

// LastHealthSnapshot returns the most recent health-check result.
func (e *Engine) LastHealthSnapshot() api.HealthSnapshot {
	return e.monitor.LastSnapshot()
}

// RunPeriodicHealthChecks blocks, re-checking on the interval until the
// context ends.
func (e *Engine) RunPeriodicHealthChecks(ctx context.Context, interval time.Duration) {
	e.monitor.RunPeriodic(ctx, interval)
}

// PruneSamples applies the configured performance-sample retention.
func (e *Engine) PruneSamples(ctx context.Context) (int64, error) {
	retention := time.Duration(e.cfg.SampleRetentionDays) * 24 * time.Hour
	return e.monitor.Prune(ctx, retention)
}

// RewriteQuery applies provably-equivalent index hints to a SELECT
// against the index store. Advisory: on any doubt the query comes back
// unchanged.
func (e *Engine) RewriteQuery(ctx context.Context, query string) string {
	return e.optimizer.Rewrite(ctx, query)
}

// AnalyzeQuery produces a diagnostic analysis. Analyzer failures are
// logged and swallowed — this path never blocks normal operation.
func (e *Engine) AnalyzeQuery(ctx context.Context, query string) api.Analysis {
	a, err := e.optimizer.Analyze(ctx, query)
	if err != nil {
		e.log.Debug().Str("query", query).Err(err).Msg("query analysis failed")
		return api.Analysis{Query: query}
	}
	return a
}

// MetricsRegistry exposes the Prometheus registry for scraping.
func (e *Engine) MetricsRegistry() *prometheus.Registry {
	return e.monitor.Registry()
}

// WaitForBackgroundTasks blocks until queued work (migration batches,
// cache warms) finishes. Mainly for tests and CLI shutdown.
func (e *Engine) WaitForBackgroundTasks() {
	if e.queue != nil {
		e.queue.Wait()
	}
}
