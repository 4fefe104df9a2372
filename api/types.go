package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the read view of an agent order handed to collaborators.
// The host platform owns the order itself; this view carries the core
// fields plus the extracted agent fields.
type Order struct {
	ID               int64           `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	Status           string          `json:"status"`
	Total            decimal.Decimal `json:"total"`
	AgentID          string          `json:"agent_id"`
	MandateToken     string          `json:"mandate_token,omitempty"`
	TransactionType  string          `json:"transaction_type,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	PaymentTimestamp time.Time       `json:"payment_timestamp,omitzero"`
	ProcessingTime   time.Duration   `json:"processing_time,omitempty"`
}

// Period selects the time window for aggregate queries.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Cutoff returns the start of the window ending at now.
// Unknown periods fall back to a month, the dashboard default.
func (p Period) Cutoff(now time.Time) time.Time {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodYear:
		return now.AddDate(-1, 0, 0)
	default:
		return now.AddDate(0, -1, 0)
	}
}

// Statistics is the aggregate view over agent orders in a period.
type Statistics struct {
	TotalOrders   int64             `json:"total_orders"`
	TotalRevenue  decimal.Decimal   `json:"total_revenue"`
	UniqueAgents  int64             `json:"unique_agents"`
	AvgOrderValue decimal.Decimal   `json:"avg_order_value"`
	TopAgents     []AgentSummary    `json:"top_agents"`
	// HourlyDistribution maps hour-of-day ("00".."23") to order count.
	HourlyDistribution map[string]int64 `json:"hourly_distribution"`
	// MandateBreakdown maps a mandate-token prefix to order count.
	MandateBreakdown map[string]int64 `json:"mandate_breakdown"`
}

// AgentSummary is one agent's aggregate line in a top-agents list.
type AgentSummary struct {
	AgentID       string          `json:"agent_id"`
	OrderCount    int64           `json:"order_count"`
	TotalRevenue  decimal.Decimal `json:"total_revenue"`
	AvgOrderValue decimal.Decimal `json:"avg_order_value"`
	LastOrderAt   time.Time       `json:"last_order_at"`
}

// TopAgentMetric selects the ordering of a top-agents query.
type TopAgentMetric string

const (
	ByRevenue TopAgentMetric = "revenue"
	ByOrders  TopAgentMetric = "orders"
)

// MandateStats is one mandate token's usage line.
type MandateStats struct {
	MandateToken string          `json:"mandate_token"`
	UsageCount   int64           `json:"usage_count"`
	TotalValue   decimal.Decimal `json:"total_value"`
	AvgValue     decimal.Decimal `json:"avg_value"`
	UniqueAgents int64           `json:"unique_agents"`
	LastUsedAt   time.Time       `json:"last_used_at"`
	Category     string          `json:"category"`
	RiskScore    int             `json:"risk_score"`
}

// AgentPerformance aggregates one agent against the population.
type AgentPerformance struct {
	AgentID           string          `json:"agent_id"`
	TotalOrders       int64           `json:"total_orders"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	AvgOrderValue     decimal.Decimal `json:"avg_order_value"`
	MinOrderValue     decimal.Decimal `json:"min_order_value"`
	MaxOrderValue     decimal.Decimal `json:"max_order_value"`
	AvgProcessingTime time.Duration   `json:"avg_processing_time"`
	UniqueMandates    int64           `json:"unique_mandates"`
	TransactionTypes  int64           `json:"transaction_types"`
	TimeSeries        []TimePoint     `json:"time_series"`
	// OrderValueDiff and ProcessingTimeDiff are percentage deltas
	// against the population average over the same window.
	OrderValueDiff     float64 `json:"order_value_diff"`
	ProcessingTimeDiff float64 `json:"processing_time_diff"`
	PerformanceScore   float64 `json:"performance_score"`
}

// TimePoint is one day in an agent's revenue time series.
type TimePoint struct {
	Date    string          `json:"date"` // YYYY-MM-DD
	Orders  int64           `json:"orders"`
	Revenue decimal.Decimal `json:"revenue"`
}

// OrderFilter narrows an agent-order listing. Zero values mean "any".
type OrderFilter struct {
	AgentID         string
	MandateToken    string
	TransactionType string
	Status          string
	PaidAfter       time.Time
	PaidBefore      time.Time
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
}

// Page bounds an order listing. Zero Limit means the engine default.
type Page struct {
	Limit  int
	Offset int
}

// MigrationState is the lifecycle of the whole migration job.
type MigrationState string

const (
	MigrationNotStarted MigrationState = "not_started"
	MigrationInProgress MigrationState = "in_progress"
	MigrationCompleted  MigrationState = "completed"
)

// MigrationStatus is the externally visible job snapshot.
type MigrationStatus struct {
	State          MigrationState    `json:"state"`
	JobID          string            `json:"job_id,omitempty"`
	ProcessedCount int64             `json:"processed_count"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	CompletedAt    time.Time         `json:"completed_at,omitzero"`
	Errors         map[int64]string  `json:"errors,omitempty"`
}

// VerifyResult summarizes a post-migration integrity pass.
type VerifyResult struct {
	Total    int64   `json:"total"`
	Verified int64   `json:"verified"`
	Errors   []int64 `json:"errors"` // order ids that failed verification
}

// Severity ranks a health issue.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityPerformance Severity = "performance"
)

// Issue is one finding from a health check.
type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// HealthSnapshot is the latest health-check result. Each run overwrites
// the previous snapshot; history lives only in the performance samples.
type HealthSnapshot struct {
	CheckedAt time.Time `json:"checked_at"`
	Healthy   bool      `json:"healthy"`
	Issues    []Issue   `json:"issues"`
}

// Analysis is the diagnostic output of the query analyzer.
type Analysis struct {
	Query         string   `json:"query"`
	EstimatedRows int64    `json:"estimated_rows"`
	UsesIndex     bool     `json:"uses_index"`
	Warnings      []string `json:"warnings"`
}
