package primary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNormalizedExtractor(t *testing.T) {
	ex := ExtractorFor(BackendNormalized, zerolog.Nop())

	o := &Order{
		ID:        1,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:    StatusCompleted,
		Meta: map[string]string{
			MetaAgentID:          "AGT-1",
			MetaMandateToken:     "SUB-abc",
			MetaTransactionType:  "purchase",
			MetaTransactionID:    "TX-9",
			MetaPaymentTimestamp: "2026-08-01T12:05:00Z",
			MetaProcessingTime:   "42",
		},
	}
	f := ex.Extract(o)
	assert.Equal(t, "AGT-1", f.AgentID)
	assert.Equal(t, "SUB-abc", f.MandateToken)
	assert.Equal(t, "purchase", f.TransactionType)
	assert.Equal(t, "TX-9", f.TransactionID)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC), f.PaymentTimestamp.UTC())
	assert.Equal(t, 42*time.Second, f.ProcessingTime)
}

func TestNormalizedExtractorMalformedValues(t *testing.T) {
	ex := ExtractorFor(BackendNormalized, zerolog.Nop())

	completed := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)
	o := &Order{
		ID:          2,
		CreatedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt: &completed,
		Status:      StatusCompleted,
		Meta: map[string]string{
			MetaAgentID:          "AGT-1",
			MetaPaymentTimestamp: "not-a-timestamp",
			MetaProcessingTime:   "not-a-number",
		},
	}
	f := ex.Extract(o)
	assert.Equal(t, "AGT-1", f.AgentID)
	assert.True(t, f.PaymentTimestamp.IsZero(), "malformed timestamp is dropped")
	// Malformed processing time falls back to the derived window.
	assert.Equal(t, time.Minute, f.ProcessingTime)
}

func TestLegacyExtractorUnpacksPayload(t *testing.T) {
	ex := ExtractorFor(BackendLegacy, zerolog.Nop())

	o := &Order{
		ID:        3,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:    StatusPending,
		Meta: map[string]string{
			LegacyAgentAttr: `{"agent":{"id":"AGT-7","mandate":{"token":"REC-xyz"},` +
				`"transaction":{"type":"refill","id":"TX-3"},"paid_at":"2026-08-01T13:00:00Z"}}`,
		},
	}
	f := ex.Extract(o)
	assert.Equal(t, "AGT-7", f.AgentID)
	assert.Equal(t, "REC-xyz", f.MandateToken)
	assert.Equal(t, "refill", f.TransactionType)
	assert.Equal(t, "TX-3", f.TransactionID)
	assert.Equal(t, time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC), f.PaymentTimestamp.UTC())
}

func TestLegacyExtractorPrefersCanonicalKeys(t *testing.T) {
	ex := ExtractorFor(BackendLegacy, zerolog.Nop())

	o := &Order{
		ID: 4,
		Meta: map[string]string{
			MetaAgentID:     "AGT-CANONICAL",
			LegacyAgentAttr: `{"agent":{"id":"AGT-STALE"}}`,
		},
	}
	assert.Equal(t, "AGT-CANONICAL", ex.Extract(o).AgentID)
}

func TestLegacyExtractorMalformedPayload(t *testing.T) {
	ex := ExtractorFor(BackendLegacy, zerolog.Nop())

	o := &Order{ID: 5, Meta: map[string]string{LegacyAgentAttr: `{"agent":`}}
	assert.Empty(t, ex.Extract(o).AgentID)

	empty := &Order{ID: 6, Meta: map[string]string{}}
	assert.Empty(t, ex.Extract(empty).AgentID)
}

func TestCanonicalMeta(t *testing.T) {
	completed := time.Date(2026, 8, 1, 12, 2, 0, 0, time.UTC)
	o := &Order{
		CreatedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt: &completed,
		Status:      StatusCompleted,
	}
	f := Fields{
		AgentID:          "AGT-1",
		MandateToken:     "SUB-abc",
		PaymentTimestamp: time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC),
	}
	m := f.CanonicalMeta(o)
	assert.Equal(t, "yes", m[MetaAgentOrder])
	assert.Equal(t, "AGT-1", m[MetaAgentID])
	assert.Equal(t, "SUB-abc", m[MetaMandateToken])
	assert.Equal(t, "2026-08-01T12:01:00Z", m[MetaPaymentTimestamp])
	assert.Equal(t, "120", m[MetaProcessingTime])
	assert.NotContains(t, m, MetaTransactionType, "empty fields are omitted")
}
