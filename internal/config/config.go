// Package config holds the engine's tunable policy. Scoring weights are
// deliberately configuration, not contract: deployments tune them without
// code changes.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root engine configuration, loadable from HCL.
type Config struct {
	// BatchSize bounds one migration batch.
	BatchSize int `hcl:"batch_size,optional"`

	// CacheTTL bounds aggregate-cache entries, in seconds. Kept short:
	// a missed invalidation must age out in minutes, not hours.
	CacheTTLSeconds int `hcl:"cache_ttl_seconds,optional"`
	// CacheSize bounds the number of live cache entries.
	CacheSize int `hcl:"cache_size,optional"`

	// SlowOpThresholdMS flags operations slower than this in health checks.
	SlowOpThresholdMS int `hcl:"slow_op_threshold_ms,optional"`
	// MinCacheHitRate is the floor below which the health monitor
	// reports a performance issue (0..1).
	MinCacheHitRate float64 `hcl:"min_cache_hit_rate,optional"`
	// SampleRetentionDays prunes performance samples older than this.
	SampleRetentionDays int `hcl:"sample_retention_days,optional"`

	Scoring *ScoringPolicy `hcl:"scoring,block"`
}

// ScoringPolicy carries the heuristic weights for agent performance and
// mandate risk scores.
type ScoringPolicy struct {
	// Performance score: contribution caps per dimension. The baseline
	// score is 100; dimensions push it up or down within their weight.
	OrderValueWeight     float64 `hcl:"order_value_weight,optional"`
	ProcessingTimeWeight float64 `hcl:"processing_time_weight,optional"`
	OrderCountWeight     float64 `hcl:"order_count_weight,optional"`
	// OrderCountDivisor converts raw order count into score points
	// before the OrderCountWeight cap applies.
	OrderCountDivisor float64 `hcl:"order_count_divisor,optional"`

	// Mandate risk: additive points per triggered signal, capped at 100.
	HighUsageCount  int64   `hcl:"high_usage_count,optional"`
	HighUsageRisk   int     `hcl:"high_usage_risk,optional"`
	HighValueCents  int64   `hcl:"high_value_cents,optional"`
	HighValueRisk   int     `hcl:"high_value_risk,optional"`
	ManyAgentsCount int64   `hcl:"many_agents_count,optional"`
	ManyAgentsRisk  int     `hcl:"many_agents_risk,optional"`
	StaleAfterDays  float64 `hcl:"stale_after_days,optional"`
	StaleRisk       int     `hcl:"stale_risk,optional"`
}

// Default returns the built-in policy.
func Default() *Config {
	return &Config{
		BatchSize:           50,
		CacheTTLSeconds:     300,
		CacheSize:           1024,
		SlowOpThresholdMS:   1000,
		MinCacheHitRate:     0.5,
		SampleRetentionDays: 30,
		Scoring: &ScoringPolicy{
			OrderValueWeight:     40,
			ProcessingTimeWeight: 30,
			OrderCountWeight:     30,
			OrderCountDivisor:    10,
			HighUsageCount:       100,
			HighUsageRisk:        20,
			HighValueCents:       1_000_000, // 10,000.00
			HighValueRisk:        30,
			ManyAgentsCount:      50,
			ManyAgentsRisk:       25,
			StaleAfterDays:       30,
			StaleRisk:            25,
		},
	}
}

// Load reads an HCL file over the defaults. Absent attributes keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	var file Config
	if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.merge(&file)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.CacheTTLSeconds > 0 {
		c.CacheTTLSeconds = o.CacheTTLSeconds
	}
	if o.CacheSize > 0 {
		c.CacheSize = o.CacheSize
	}
	if o.SlowOpThresholdMS > 0 {
		c.SlowOpThresholdMS = o.SlowOpThresholdMS
	}
	if o.MinCacheHitRate > 0 {
		c.MinCacheHitRate = o.MinCacheHitRate
	}
	if o.SampleRetentionDays > 0 {
		c.SampleRetentionDays = o.SampleRetentionDays
	}
	if o.Scoring != nil {
		s := c.Scoring
		m := o.Scoring
		if m.OrderValueWeight > 0 {
			s.OrderValueWeight = m.OrderValueWeight
		}
		if m.ProcessingTimeWeight > 0 {
			s.ProcessingTimeWeight = m.ProcessingTimeWeight
		}
		if m.OrderCountWeight > 0 {
			s.OrderCountWeight = m.OrderCountWeight
		}
		if m.OrderCountDivisor > 0 {
			s.OrderCountDivisor = m.OrderCountDivisor
		}
		if m.HighUsageCount > 0 {
			s.HighUsageCount = m.HighUsageCount
		}
		if m.HighUsageRisk > 0 {
			s.HighUsageRisk = m.HighUsageRisk
		}
		if m.HighValueCents > 0 {
			s.HighValueCents = m.HighValueCents
		}
		if m.HighValueRisk > 0 {
			s.HighValueRisk = m.HighValueRisk
		}
		if m.ManyAgentsCount > 0 {
			s.ManyAgentsCount = m.ManyAgentsCount
		}
		if m.ManyAgentsRisk > 0 {
			s.ManyAgentsRisk = m.ManyAgentsRisk
		}
		if m.StaleAfterDays > 0 {
			s.StaleAfterDays = m.StaleAfterDays
		}
		if m.StaleRisk > 0 {
			s.StaleRisk = m.StaleRisk
		}
	}
}

func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MinCacheHitRate < 0 || c.MinCacheHitRate > 1 {
		return fmt.Errorf("min_cache_hit_rate must be in [0,1], got %g", c.MinCacheHitRate)
	}
	return nil
}

// CacheTTL returns the configured TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SlowOpThreshold returns the slow-operation threshold as a duration.
func (c *Config) SlowOpThreshold() time.Duration {
	return time.Duration(c.SlowOpThresholdMS) * time.Millisecond
}
