// Package maintainer keeps the index store consistent with the primary
// store. It observes order mutations, extracts agent fields regardless
// of backend, and upserts or deletes the corresponding index row.
package maintainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentic-commerce/agentindex/internal/cache"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/agentic-commerce/agentindex/internal/primary"
	"github.com/rs/zerolog"
)

// Maintainer mirrors agent-relevant order fields into the index store.
// Upsert and Remove are idempotent: delivery is at-least-once, and every
// write overwrites the full row, so duplicates are harmless.
type Maintainer struct {
	orders    primary.Store
	idx       *index.Store
	cache     cache.Store
	extractor primary.Extractor
	log       zerolog.Logger
}

// New wires a maintainer. The extractor must match the store's backend;
// use primary.ExtractorFor.
func New(orders primary.Store, idx *index.Store, c cache.Store, ex primary.Extractor, log zerolog.Logger) *Maintainer {
	return &Maintainer{orders: orders, idx: idx, cache: c, extractor: ex, log: log}
}

// Upsert mirrors one order into the index. An order without an agent id
// degrades to Remove: the index invariant is that a row exists iff the
// order is currently agent-flagged. Errors are returned, never
// swallowed — the caller owns retry.
func (m *Maintainer) Upsert(ctx context.Context, o *primary.Order) error {
	fields := m.extractor.Extract(o)
	if fields.AgentID == "" {
		return m.Remove(ctx, o.ID)
	}

	ts := fields.PaymentTimestamp
	if ts.IsZero() {
		ts = o.CreatedAt
	}
	rec := index.Record{
		OrderID:          o.ID,
		AgentID:          fields.AgentID,
		MandateToken:     fields.MandateToken,
		TransactionType:  fields.TransactionType,
		TransactionID:    fields.TransactionID,
		PaymentTimestamp: ts,
		TotalCents:       o.Total.Shift(2).Round(0).IntPart(),
		ProcessingTime:   fields.ProcessingTime,
	}
	if err := m.idx.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("maintain order %d: %w", o.ID, err)
	}
	m.cache.InvalidateGroup(cache.GroupAggregates)
	m.log.Debug().Int64("order_id", o.ID).Str("agent_id", fields.AgentID).Msg("index row upserted")
	return nil
}

// Remove drops an order's index row. Idempotent.
func (m *Maintainer) Remove(ctx context.Context, orderID int64) error {
	if err := m.idx.Delete(ctx, orderID); err != nil {
		return fmt.Errorf("remove order %d: %w", orderID, err)
	}
	m.cache.InvalidateGroup(cache.GroupAggregates)
	m.log.Debug().Int64("order_id", orderID).Msg("index row removed")
	return nil
}

// HandleMutation is the primary-store hook. Index write failures are
// logged here because hooks cannot return errors; the row heals on the
// next write for the order, and the health monitor reports the drift
// in the meantime.
func (m *Maintainer) HandleMutation(kind primary.MutationKind, orderID int64) {
	ctx := context.Background()
	var err error
	switch kind {
	case primary.OrderDeleted, primary.OrderTrashed:
		err = m.Remove(ctx, orderID)
	default:
		var o *primary.Order
		o, err = m.orders.GetOrder(ctx, orderID)
		if errors.Is(err, primary.ErrNotFound) {
			err = m.Remove(ctx, orderID)
		} else if err == nil {
			err = m.Upsert(ctx, o)
		}
	}
	if err != nil {
		m.log.Error().Str("kind", string(kind)).Int64("order_id", orderID).Err(err).
			Msg("index maintenance failed")
	}
}
