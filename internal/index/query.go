package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/shopspring/decimal"
)

// topAgentsInStats bounds the top-agent list embedded in Statistics.
const topAgentsInStats = 5

// Statistics aggregates the window starting at since. An empty index
// degrades to zero values, never an error.
func (s *Store) Statistics(ctx context.Context, since time.Time) (api.Statistics, error) {
	stats := api.Statistics{
		TotalRevenue:       decimal.Zero,
		AvgOrderValue:      decimal.Zero,
		HourlyDistribution: make(map[string]int64),
		MandateBreakdown:   make(map[string]int64),
	}
	cutoff := since.UTC().Format(time.RFC3339)

	var revenueCents int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_amount_cents), 0), COUNT(DISTINCT agent_id)
		FROM agent_order_index
		WHERE payment_timestamp > ?`, cutoff).
		Scan(&stats.TotalOrders, &revenueCents, &stats.UniqueAgents)
	if err != nil {
		return stats, fmt.Errorf("statistics totals: %w", err)
	}
	stats.TotalRevenue = decimal.New(revenueCents, -2)
	if stats.TotalOrders > 0 {
		stats.AvgOrderValue = stats.TotalRevenue.
			Div(decimal.NewFromInt(stats.TotalOrders)).Round(2)
	}

	if stats.TopAgents, err = s.TopAgents(ctx, since, topAgentsInStats, api.ByRevenue); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%H', payment_timestamp), COUNT(*)
		FROM agent_order_index
		WHERE payment_timestamp > ?
		GROUP BY 1`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("hourly distribution: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			hour sql.NullString
			n    int64
		)
		if err := rows.Scan(&hour, &n); err != nil {
			return stats, err
		}
		if hour.Valid {
			stats.HourlyDistribution[hour.String] = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT substr(mandate_token, 1, 3), COUNT(*)
		FROM agent_order_index
		WHERE payment_timestamp > ? AND mandate_token != ''
		GROUP BY 1`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("mandate breakdown: %w", err)
	}
	defer func() { _ = mrows.Close() }()
	for mrows.Next() {
		var (
			prefix string
			n      int64
		)
		if err := mrows.Scan(&prefix, &n); err != nil {
			return stats, err
		}
		stats.MandateBreakdown[prefix] = n
	}
	return stats, mrows.Err()
}

// TopAgents ranks agents active since the cutoff by the given metric.
func (s *Store) TopAgents(ctx context.Context, since time.Time, limit int, metric api.TopAgentMetric) ([]api.AgentSummary, error) {
	orderBy := "SUM(total_amount_cents)"
	if metric == api.ByOrders {
		orderBy = "COUNT(*)"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*), SUM(total_amount_cents),
		       COALESCE(MAX(payment_timestamp), '')
		FROM agent_order_index
		WHERE payment_timestamp > ?
		GROUP BY agent_id
		ORDER BY `+orderBy+` DESC
		LIMIT ?`, since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("top agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []api.AgentSummary
	for rows.Next() {
		var (
			a     api.AgentSummary
			cents int64
			last  string
		)
		if err := rows.Scan(&a.AgentID, &a.OrderCount, &cents, &last); err != nil {
			return nil, err
		}
		a.TotalRevenue = decimal.New(cents, -2)
		if a.OrderCount > 0 {
			a.AvgOrderValue = a.TotalRevenue.
				Div(decimal.NewFromInt(a.OrderCount)).Round(2)
		}
		if last != "" {
			if a.LastOrderAt, err = time.Parse(time.RFC3339, last); err != nil {
				return nil, fmt.Errorf("agent %s last order: %w", a.AgentID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MandateUsage aggregates per-mandate usage since the cutoff, ordered
// by usage count. Category and risk score are policy and filled in by
// the caller.
func (s *Store) MandateUsage(ctx context.Context, since time.Time, limit int) ([]api.MandateStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mandate_token, COUNT(*), SUM(total_amount_cents),
		       COUNT(DISTINCT agent_id), COALESCE(MAX(payment_timestamp), '')
		FROM agent_order_index
		WHERE payment_timestamp > ? AND mandate_token != ''
		GROUP BY mandate_token
		ORDER BY COUNT(*) DESC
		LIMIT ?`, since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("mandate usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []api.MandateStats
	for rows.Next() {
		var (
			m     api.MandateStats
			cents int64
			last  string
		)
		if err := rows.Scan(&m.MandateToken, &m.UsageCount, &cents, &m.UniqueAgents, &last); err != nil {
			return nil, err
		}
		m.TotalValue = decimal.New(cents, -2)
		if m.UsageCount > 0 {
			m.AvgValue = m.TotalValue.
				Div(decimal.NewFromInt(m.UsageCount)).Round(2)
		}
		if last != "" {
			if m.LastUsedAt, err = time.Parse(time.RFC3339, last); err != nil {
				return nil, fmt.Errorf("mandate %s last used: %w", m.MandateToken, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AgentPerformance aggregates one agent against the population over the
// same window. The performance score is policy and filled in by the
// caller.
func (s *Store) AgentPerformance(ctx context.Context, agentID string, since time.Time) (api.AgentPerformance, error) {
	cutoff := since.UTC().Format(time.RFC3339)
	p := api.AgentPerformance{AgentID: agentID}

	var (
		sumCents, minCents, maxCents int64
		avgSecs                      float64
		avgCents                     float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_amount_cents), 0),
		       COALESCE(AVG(total_amount_cents), 0),
		       COALESCE(MIN(total_amount_cents), 0), COALESCE(MAX(total_amount_cents), 0),
		       COALESCE(AVG(processing_time_secs), 0),
		       COUNT(DISTINCT mandate_token), COUNT(DISTINCT transaction_type)
		FROM agent_order_index
		WHERE agent_id = ? AND payment_timestamp > ?`, agentID, cutoff).
		Scan(&p.TotalOrders, &sumCents, &avgCents, &minCents, &maxCents,
			&avgSecs, &p.UniqueMandates, &p.TransactionTypes)
	if err != nil {
		return p, fmt.Errorf("agent performance %s: %w", agentID, err)
	}
	p.TotalRevenue = decimal.New(sumCents, -2)
	p.AvgOrderValue = decimal.NewFromFloat(avgCents / 100).Round(2)
	p.MinOrderValue = decimal.New(minCents, -2)
	p.MaxOrderValue = decimal.New(maxCents, -2)
	p.AvgProcessingTime = time.Duration(avgSecs * float64(time.Second))

	rows, err := s.db.QueryContext(ctx, `
		SELECT date(payment_timestamp), COUNT(*), SUM(total_amount_cents)
		FROM agent_order_index
		WHERE agent_id = ? AND payment_timestamp > ?
		GROUP BY 1
		ORDER BY 1 ASC`, agentID, cutoff)
	if err != nil {
		return p, fmt.Errorf("agent time series %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			tp    api.TimePoint
			cents int64
		)
		if err := rows.Scan(&tp.Date, &tp.Orders, &cents); err != nil {
			return p, err
		}
		tp.Revenue = decimal.New(cents, -2)
		p.TimeSeries = append(p.TimeSeries, tp)
	}
	if err := rows.Err(); err != nil {
		return p, err
	}

	var popAvgCents, popAvgSecs float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(total_amount_cents), 0), COALESCE(AVG(processing_time_secs), 0)
		FROM agent_order_index
		WHERE payment_timestamp > ?`, cutoff).Scan(&popAvgCents, &popAvgSecs)
	if err != nil {
		return p, fmt.Errorf("population averages: %w", err)
	}
	if popAvgCents > 0 {
		p.OrderValueDiff = (avgCents - popAvgCents) / popAvgCents * 100
	}
	if popAvgSecs > 0 {
		p.ProcessingTimeDiff = (avgSecs - popAvgSecs) / popAvgSecs * 100
	}
	return p, nil
}

// SelectOrderIDs resolves a filtered, paginated id list, newest payment
// first. Callers fetch the full orders from the primary store.
func (s *Store) SelectOrderIDs(ctx context.Context, f api.OrderFilter, page api.Page) ([]int64, error) {
	var (
		where = []string{"1=1"}
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.MandateToken != "" {
		where = append(where, "mandate_token = ?")
		args = append(args, f.MandateToken)
	}
	if f.TransactionType != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, f.TransactionType)
	}
	if !f.PaidAfter.IsZero() {
		where = append(where, "payment_timestamp > ?")
		args = append(args, f.PaidAfter.UTC().Format(time.RFC3339))
	}
	if !f.PaidBefore.IsZero() {
		where = append(where, "payment_timestamp < ?")
		args = append(args, f.PaidBefore.UTC().Format(time.RFC3339))
	}
	if f.MinAmount.IsPositive() {
		where = append(where, "total_amount_cents >= ?")
		args = append(args, f.MinAmount.Shift(2).Round(0).IntPart())
	}
	if f.MaxAmount.IsPositive() {
		where = append(where, "total_amount_cents <= ?")
		args = append(args, f.MaxAmount.Shift(2).Round(0).IntPart())
	}

	q := `SELECT order_id FROM agent_order_index WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY payment_timestamp DESC, order_id DESC`
	if page.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select order ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
