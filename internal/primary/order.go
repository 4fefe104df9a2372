// Package primary models the host platform's order storage. The engine
// treats orders as the unit of truth: it never creates or deletes them,
// and writes only the metadata fields it owns.
package primary

import (
	"time"

	"github.com/shopspring/decimal"
)

// Canonical metadata keys. The normalized representation stores agent
// fields under these names; the legacy representation packs them into a
// serialized payload that the extractor unpacks.
const (
	MetaAgentOrder       = "agent_order" // "yes" flags an agent order
	MetaAgentID          = "agent_id"
	MetaMandateToken     = "mandate_token"
	MetaTransactionType  = "transaction_type"
	MetaTransactionID    = "transaction_id"
	MetaPaymentTimestamp = "payment_timestamp" // RFC3339
	MetaProcessingTime   = "processing_time"   // seconds
	MetaAuditTrail       = "audit_trail"

	// MetaMigrationState is the migration marker: absent for unmigrated
	// orders, then "migrating", "migrated" or "failed".
	MetaMigrationState = "migration_state"
	MetaMigratedAt     = "migrated_at"

	// LegacyAgentAttr is the legacy backend's packed agent payload.
	LegacyAgentAttr = "agent_payload"
)

// Migration marker values.
const (
	MarkerMigrating = "migrating"
	MarkerMigrated  = "migrated"
	MarkerFailed    = "failed"
)

// Order statuses the engine cares about. Terminal statuses close the
// processing-time window.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusRefunded  = "refunded"
	StatusCancelled = "cancelled"
)

// Order is the host platform's order object. Identifier is unique and
// immutable once assigned.
type Order struct {
	ID          int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Total       decimal.Decimal
	Meta        map[string]string
}

// IsAgentOrder reports whether the order is currently flagged as
// agent-originated.
func (o *Order) IsAgentOrder() bool {
	return o.Meta[MetaAgentOrder] == "yes" || o.Meta[MetaAgentID] != ""
}

// Terminal reports whether the order reached a terminal state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// ProcessingTime derives completion minus creation. Zero until the order
// is terminal with a completion timestamp.
func (o *Order) ProcessingTime() time.Duration {
	if o.CompletedAt == nil || !o.Terminal() {
		return 0
	}
	d := o.CompletedAt.Sub(o.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}
