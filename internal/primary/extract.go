package primary

import (
	"strconv"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/rs/zerolog"
)

// Fields is the validated agent-field snapshot extracted from an order.
// It is the engine's typed boundary over the host's loose metadata map:
// malformed values are logged and dropped here, never propagated.
type Fields struct {
	AgentID          string
	MandateToken     string
	TransactionType  string
	TransactionID    string
	PaymentTimestamp time.Time
	ProcessingTime   time.Duration
}

// Extractor pulls agent fields out of an order regardless of which
// schema variant produced it. One variant is selected at startup based
// on the store's backend.
type Extractor interface {
	Extract(o *Order) Fields
}

// ExtractorFor selects the extractor matching a backend.
func ExtractorFor(b Backend, log zerolog.Logger) Extractor {
	if b == BackendLegacy {
		return &LegacyExtractor{log: log}
	}
	return &NormalizedExtractor{log: log}
}

// NormalizedExtractor reads the canonical metadata keys directly.
type NormalizedExtractor struct {
	log zerolog.Logger
}

func (e *NormalizedExtractor) Extract(o *Order) Fields {
	f := Fields{
		AgentID:         o.Meta[MetaAgentID],
		MandateToken:    o.Meta[MetaMandateToken],
		TransactionType: o.Meta[MetaTransactionType],
		TransactionID:   o.Meta[MetaTransactionID],
	}
	f.PaymentTimestamp = parseTimestamp(o, e.log)
	f.ProcessingTime = parseProcessing(o, e.log)
	return f
}

// Legacy payload paths. The legacy schema packs agent fields into one
// JSON attribute; these JSONPaths unpack it.
var (
	legacyPathAgentID   = jp.MustParseString("$.agent.id")
	legacyPathMandate   = jp.MustParseString("$.agent.mandate.token")
	legacyPathTransType = jp.MustParseString("$.agent.transaction.type")
	legacyPathTransID   = jp.MustParseString("$.agent.transaction.id")
	legacyPathPaidAt    = jp.MustParseString("$.agent.paid_at")
)

// LegacyExtractor understands both representations: canonical keys win
// when present (the order was already migrated), otherwise the packed
// payload is unpacked. This keeps extraction transparent across a
// half-migrated population.
type LegacyExtractor struct {
	log zerolog.Logger
}

func (e *LegacyExtractor) Extract(o *Order) Fields {
	if o.Meta[MetaAgentID] != "" {
		n := NormalizedExtractor{log: e.log}
		return n.Extract(o)
	}

	payload := o.Meta[LegacyAgentAttr]
	if payload == "" {
		return Fields{}
	}
	doc, err := oj.ParseString(payload)
	if err != nil {
		e.log.Warn().Int64("order_id", o.ID).Err(err).Msg("malformed legacy agent payload")
		return Fields{}
	}

	f := Fields{
		AgentID:         firstString(legacyPathAgentID, doc),
		MandateToken:    firstString(legacyPathMandate, doc),
		TransactionType: firstString(legacyPathTransType, doc),
		TransactionID:   firstString(legacyPathTransID, doc),
	}
	if raw := firstString(legacyPathPaidAt, doc); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			e.log.Warn().Int64("order_id", o.ID).Str("paid_at", raw).
				Msg("malformed legacy payment timestamp")
		} else {
			f.PaymentTimestamp = t
		}
	}
	f.ProcessingTime = o.ProcessingTime()
	return f
}

// CanonicalMeta renders extracted fields as the canonical key set the
// migration writes. The agent flag is included so migrated orders stay
// selectable by the agent filter.
func (f Fields) CanonicalMeta(o *Order) map[string]string {
	m := map[string]string{
		MetaAgentOrder: "yes",
		MetaAgentID:    f.AgentID,
	}
	if f.MandateToken != "" {
		m[MetaMandateToken] = f.MandateToken
	}
	if f.TransactionType != "" {
		m[MetaTransactionType] = f.TransactionType
	}
	if f.TransactionID != "" {
		m[MetaTransactionID] = f.TransactionID
	}
	if !f.PaymentTimestamp.IsZero() {
		m[MetaPaymentTimestamp] = f.PaymentTimestamp.UTC().Format(time.RFC3339)
	}
	if pt := o.ProcessingTime(); pt > 0 {
		m[MetaProcessingTime] = strconv.FormatInt(int64(pt.Seconds()), 10)
	}
	return m
}

func firstString(path jp.Expr, doc any) string {
	res := path.Get(doc)
	if len(res) == 0 {
		return ""
	}
	s, ok := res[0].(string)
	if !ok {
		return ""
	}
	return s
}

func parseTimestamp(o *Order, log zerolog.Logger) time.Time {
	raw := o.Meta[MetaPaymentTimestamp]
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Warn().Int64("order_id", o.ID).Str("payment_timestamp", raw).
			Msg("malformed payment timestamp")
		return time.Time{}
	}
	return t
}

func parseProcessing(o *Order, log zerolog.Logger) time.Duration {
	if raw := o.Meta[MetaProcessingTime]; raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Warn().Int64("order_id", o.ID).Str("processing_time", raw).
				Msg("malformed processing time")
		} else {
			return time.Duration(secs) * time.Second
		}
	}
	return o.ProcessingTime()
}
