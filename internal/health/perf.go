package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const samplesSchema = `
CREATE TABLE IF NOT EXISTS perf_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	duration_ms REAL NOT NULL,
	backend TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_perf_samples_created ON perf_samples(created_at);
`

// Sample is one append-only performance log entry. Never mutated after
// insert; pruned by retention policy.
type Sample struct {
	Operation string
	Duration  time.Duration
	Backend   string
	Context   string
	CreatedAt time.Time
}

// Track times one operation: call the returned func when it finishes.
// The sample lands in the append-only log and the Prometheus histogram;
// operations over the slow threshold are logged immediately.
func (m *Monitor) Track(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		m.opDuration.WithLabelValues(operation, m.backend).Observe(d.Seconds())
		if d > m.slowThreshold {
			m.log.Warn().Str("operation", operation).Dur("duration", d).
				Msg("slow operation")
		}
		if err := m.insertSample(ctx, Sample{
			Operation: operation,
			Duration:  d,
			Backend:   m.backend,
			CreatedAt: time.Now(),
		}); err != nil {
			m.log.Error().Str("operation", operation).Err(err).Msg("performance sample write failed")
		}
	}
}

func (m *Monitor) insertSample(ctx context.Context, s Sample) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO perf_samples (operation, duration_ms, backend, context, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.Operation, float64(s.Duration)/float64(time.Millisecond),
		s.Backend, s.Context, s.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// recentAvg returns the mean duration and count of samples newer than
// the cutoff.
func (m *Monitor) recentAvg(ctx context.Context, since time.Time) (time.Duration, int64, error) {
	var (
		avgMS sql.NullFloat64
		n     int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms), COUNT(*) FROM perf_samples WHERE created_at > ?`,
		since.UTC().Format(time.RFC3339)).Scan(&avgMS, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("recent samples: %w", err)
	}
	if !avgMS.Valid {
		return 0, 0, nil
	}
	return time.Duration(avgMS.Float64 * float64(time.Millisecond)), n, nil
}

// Prune removes samples older than the retention window. Returns the
// number deleted.
func (m *Monitor) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM perf_samples WHERE created_at <= ?`,
		time.Now().Add(-retention).UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// Registry exposes the monitor's Prometheus registry for scraping or
// debug dumps.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

func (m *Monitor) initMetrics(hitRate func() float64) {
	m.registry = prometheus.NewRegistry()
	m.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentindex",
		Name:      "operation_duration_seconds",
		Help:      "Duration of engine operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "backend"})
	m.registry.MustRegister(m.opDuration)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentindex",
		Name:      "cache_hit_ratio",
		Help:      "Lifetime aggregate-cache hit ratio.",
	}, hitRate))
}
