package agentindex

import (
	"strings"
	"time"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/config"
)

// performanceScore grades an agent against the population. The baseline
// is 100; being above or below the population average moves the score
// within each dimension's weight, and sustained order volume adds up to
// the count weight. Clamped to [0, 100].
func performanceScore(p *config.ScoringPolicy, perf *api.AgentPerformance) float64 {
	score := 100.0

	// Above-average order value helps, below-average hurts, capped at
	// the dimension weight either way.
	valueRatio := 1 + perf.OrderValueDiff/100
	score += clamp((valueRatio-1)*p.OrderValueWeight, -p.OrderValueWeight, p.OrderValueWeight)

	// Faster-than-average processing helps; the diff is positive when
	// the agent is slower.
	timeRatio := 1 + perf.ProcessingTimeDiff/100
	score += clamp((1-timeRatio)*p.ProcessingTimeWeight, -p.ProcessingTimeWeight, p.ProcessingTimeWeight)

	count := float64(perf.TotalOrders) / p.OrderCountDivisor
	if count > p.OrderCountWeight {
		count = p.OrderCountWeight
	}
	score += count

	return clamp(score, 0, 100)
}

// mandateRisk scores a mandate's blast radius: heavy usage, high value,
// wide agent spread and staleness each add points, capped at 100.
func mandateRisk(p *config.ScoringPolicy, m *api.MandateStats, now time.Time) int {
	risk := 0
	if m.UsageCount > p.HighUsageCount {
		risk += p.HighUsageRisk
	}
	if m.TotalValue.Shift(2).Round(0).IntPart() > p.HighValueCents {
		risk += p.HighValueRisk
	}
	if m.UniqueAgents > p.ManyAgentsCount {
		risk += p.ManyAgentsRisk
	}
	if !m.LastUsedAt.IsZero() {
		staleDays := now.Sub(m.LastUsedAt).Hours() / 24
		if staleDays > p.StaleAfterDays {
			risk += p.StaleRisk
		}
	}
	if risk > 100 {
		risk = 100
	}
	return risk
}

// mandateCategories maps the token prefix convention to a display
// category. Unknown prefixes read as Standard.
var mandateCategories = map[string]string{
	"SUB": "Subscription",
	"ONE": "One-time",
	"REC": "Recurring",
	"LIM": "Limited",
}

func categorizeMandate(token string) string {
	if len(token) >= 3 {
		if c, ok := mandateCategories[strings.ToUpper(token[:3])]; ok {
			return c
		}
	}
	return "Standard"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
