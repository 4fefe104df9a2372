// Package migrate converts legacy-format agent orders into the
// normalized representation in bounded, idempotent, resumable batches.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/maintainer"
	"github.com/agentic-commerce/agentindex/internal/notify"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/agentic-commerce/agentindex/internal/sched"
	"github.com/rs/zerolog"
)

// ErrVerification reports a migrated order that failed post-write
// validation. Recorded per order; never aborts a batch.
var ErrVerification = errors.New("migration verification failed")

// ErrAlreadyRunning reports a Start while a sweep is in flight.
var ErrAlreadyRunning = errors.New("migration already in progress")

// requiredMeta must be present on every verified migrated order.
var requiredMeta = []string{
	primary.MetaAgentOrder,
	primary.MetaAgentID,
	primary.MetaMigrationState,
}

// Engine drives the migration sweep.
type Engine struct {
	orders    primary.Store
	maint     *maintainer.Maintainer
	extractor primary.Extractor
	cache     cache.Store
	queue     sched.Queue
	notifier  notify.Notifier
	job       *Job
	batchSize int
	log       zerolog.Logger
}

// New wires a migration engine. queue may be nil; batches then run
// inline.
func New(orders primary.Store, maint *maintainer.Maintainer, ex primary.Extractor,
	c cache.Store, q sched.Queue, n notify.Notifier, batchSize int, log zerolog.Logger) *Engine {
	if batchSize < 1 {
		batchSize = 50
	}
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	return &Engine{
		orders: orders, maint: maint, extractor: ex, cache: c,
		queue: q, notifier: n, job: NewJob(), batchSize: batchSize, log: log,
	}
}

// Job exposes the shared job state (for external halt and status).
func (e *Engine) Job() *Job { return e.job }

// Status returns the current job snapshot.
func (e *Engine) Status() api.MigrationStatus { return e.job.Status() }

// Start begins a sweep. Previously failed orders re-enter the
// population: their markers are cleared so this run retries them.
func (e *Engine) Start(ctx context.Context) error {
	if !e.job.Begin() {
		return ErrAlreadyRunning
	}
	if err := e.resetFailed(ctx); err != nil {
		e.job.Halt()
		return err
	}
	e.log.Info().Int("batch_size", e.batchSize).Msg("migration started")
	sched.Run(ctx, e.queue, e.log, "migrate-batch", e.runBatch)
	return nil
}

func (e *Engine) resetFailed(ctx context.Context) error {
	failed, err := e.orders.ListOrders(ctx, primary.ListFilter{
		AgentOnly:  true,
		MetaEquals: map[string]string{primary.MetaMigrationState: primary.MarkerFailed},
	})
	if err != nil {
		return fmt.Errorf("list failed orders: %w", err)
	}
	for _, o := range failed {
		if err := e.orders.DeleteMeta(ctx, o.ID, primary.MetaMigrationState); err != nil {
			return fmt.Errorf("reset failed marker on order %d: %w", o.ID, err)
		}
	}
	return nil
}

// RunBatch processes one batch synchronously. Exposed for CLI-driven
// runs and tests; the background sweep calls it through the queue.
func (e *Engine) RunBatch(ctx context.Context) (int, error) {
	batch, err := e.orders.ListOrders(ctx, primary.ListFilter{
		AgentOnly:  true,
		MetaAbsent: []string{primary.MetaMigrationState},
		Limit:      e.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("select batch: %w", err)
	}
	if len(batch) == 0 {
		e.complete(ctx)
		return 0, nil
	}

	processed := 0
	for _, o := range batch {
		claimed, err := e.migrateOne(ctx, o)
		if !claimed {
			// Another runner holds this order; not ours to count.
			continue
		}
		processed++
		if err != nil {
			e.job.RecordError(o.ID, err.Error())
			e.log.Error().Int64("order_id", o.ID).Err(err).Msg("order migration failed")
			if mErr := e.orders.PutMeta(ctx, o.ID, primary.MetaMigrationState, primary.MarkerFailed); mErr != nil {
				e.log.Error().Int64("order_id", o.ID).Err(mErr).Msg("failed to record failure marker")
			}
		}
	}
	e.job.AddProcessed(int64(processed))
	return processed, nil
}

func (e *Engine) runBatch(ctx context.Context) {
	if _, err := e.RunBatch(ctx); err != nil {
		e.log.Error().Err(err).Msg("migration batch failed")
		return
	}
	if !e.job.Running() {
		// Completed, or halted externally between batches.
		return
	}
	sched.Run(ctx, e.queue, e.log, "migrate-batch", e.runBatch)
}

// migrateOne converts a single order. claimed is false when another
// runner won the marker race; err is per-order and never aborts the
// batch.
func (e *Engine) migrateOne(ctx context.Context, o *primary.Order) (claimed bool, err error) {
	ok, err := e.orders.CompareAndSwapMeta(ctx, o.ID, primary.MetaMigrationState, "", primary.MarkerMigrating)
	if err != nil {
		return true, fmt.Errorf("claim order: %w", err)
	}
	if !ok {
		return false, nil
	}

	fields := e.extractor.Extract(o)
	if fields.AgentID == "" {
		return true, fmt.Errorf("%w: no agent id extractable", ErrVerification)
	}

	for k, v := range fields.CanonicalMeta(o) {
		if err := e.orders.PutMeta(ctx, o.ID, k, v); err != nil {
			return true, fmt.Errorf("write %s: %w", k, err)
		}
	}
	if err := e.orders.PutMeta(ctx, o.ID, primary.MetaMigratedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return true, fmt.Errorf("write migrated_at: %w", err)
	}
	if _, err := e.orders.CompareAndSwapMeta(ctx, o.ID, primary.MetaMigrationState,
		primary.MarkerMigrating, primary.MarkerMigrated); err != nil {
		return true, fmt.Errorf("set migrated marker: %w", err)
	}

	// Re-read and verify: the write must be observable, not assumed.
	fresh, err := e.orders.GetOrder(ctx, o.ID)
	if err != nil {
		return true, fmt.Errorf("re-read: %w", err)
	}
	if err := verifyOrder(fresh); err != nil {
		return true, err
	}
	if err := e.maint.Upsert(ctx, fresh); err != nil {
		return true, fmt.Errorf("index update: %w", err)
	}
	e.log.Debug().Int64("order_id", o.ID).Str("agent_id", fields.AgentID).Msg("order migrated")
	return true, nil
}

func verifyOrder(o *primary.Order) error {
	for _, key := range requiredMeta {
		if o.Meta[key] == "" {
			return fmt.Errorf("%w: missing %s", ErrVerification, key)
		}
	}
	if o.Meta[primary.MetaMigrationState] != primary.MarkerMigrated {
		return fmt.Errorf("%w: marker is %q", ErrVerification, o.Meta[primary.MetaMigrationState])
	}
	return nil
}

func (e *Engine) complete(ctx context.Context) {
	if !e.job.Complete() {
		return
	}
	res, err := e.Verify(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("post-migration verification failed")
	}
	e.cache.InvalidateGroup(cache.GroupAggregates)

	st := e.job.Status()
	e.log.Info().Int64("processed", st.ProcessedCount).
		Int64("verified", res.Verified).Int64("total", res.Total).
		Msg("migration completed")
	e.notifier.Notify("Agent order migration complete",
		fmt.Sprintf("orders processed: %d, verified: %d/%d", st.ProcessedCount, res.Verified, res.Total))
}

// Verify re-checks every migrated order and reports the ids that fail.
func (e *Engine) Verify(ctx context.Context) (api.VerifyResult, error) {
	var res api.VerifyResult
	migrated, err := e.orders.ListOrders(ctx, primary.ListFilter{
		MetaEquals: map[string]string{primary.MetaMigrationState: primary.MarkerMigrated},
	})
	if err != nil {
		return res, fmt.Errorf("list migrated orders: %w", err)
	}
	res.Total = int64(len(migrated))
	for _, o := range migrated {
		if err := verifyOrder(o); err != nil {
			res.Errors = append(res.Errors, o.ID)
			continue
		}
		res.Verified++
	}
	return res, nil
}

// Rollback reverts every migrated order: markers come off, and
// normalized fields written by the migration are removed when the
// legacy payload still exists to re-derive them. Destructive and never
// automatic — callers confirm before invoking.
func (e *Engine) Rollback(ctx context.Context) error {
	if e.job.Running() {
		return ErrAlreadyRunning
	}
	migrated, err := e.orders.ListOrders(ctx, primary.ListFilter{
		MetaEquals: map[string]string{primary.MetaMigrationState: primary.MarkerMigrated},
	})
	if err != nil {
		return fmt.Errorf("list migrated orders: %w", err)
	}
	for _, o := range migrated {
		for _, key := range []string{primary.MetaMigrationState, primary.MetaMigratedAt} {
			if err := e.orders.DeleteMeta(ctx, o.ID, key); err != nil {
				return fmt.Errorf("rollback order %d: %w", o.ID, err)
			}
		}
		if o.Meta[primary.LegacyAgentAttr] != "" {
			for _, key := range []string{
				primary.MetaAgentID, primary.MetaMandateToken,
				primary.MetaTransactionType, primary.MetaTransactionID,
				primary.MetaPaymentTimestamp, primary.MetaProcessingTime,
			} {
				if err := e.orders.DeleteMeta(ctx, o.ID, key); err != nil {
					return fmt.Errorf("rollback order %d: %w", o.ID, err)
				}
			}
		}
	}
	e.job.Reset()
	e.cache.InvalidateGroup(cache.GroupAggregates)
	e.log.Info().Int("orders", len(migrated)).Msg("migration rolled back")
	return nil
}
