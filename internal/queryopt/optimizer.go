// Package queryopt rewrites and analyzes read queries against the
// index store. Rewriting is conservative: a hint is applied only when
// the statement provably stays equivalent — pattern matched, index
// confirmed present, and the rewritten plan still compiles. Everything
// here is advisory; failures never block a query.
package queryopt

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/agentic-commerce/agentindex/api"
	"github.com/agentic-commerce/agentindex/internal/index"
	"github.com/rs/zerolog"
)

// hint binds a predicate pattern to the index that serves it.
type hint struct {
	name    string
	pattern *regexp.Regexp
	index   string
}

var defaultHints = []hint{
	{"agent_id_lookup", regexp.MustCompile(`(?i)\bagent_id\s*(=|IN\b)`), "idx_aoi_agent_id"},
	{"mandate_token_search", regexp.MustCompile(`(?i)\bmandate_token\s*(=|IN\b)`), "idx_aoi_mandate_token"},
	{"payment_range", regexp.MustCompile(`(?i)\bpayment_timestamp\s*(>|<|>=|<=|BETWEEN\b)`), "idx_aoi_payment_timestamp"},
	{"transaction_type_lookup", regexp.MustCompile(`(?i)\btransaction_type\s*(=|IN\b)`), "idx_aoi_transaction_type"},
}

var fromTable = regexp.MustCompile(`(?i)\bFROM\s+` + index.TableName + `\b`)

// Optimizer inspects queries against one database handle.
type Optimizer struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.Mutex
	indexes map[string]bool // known-present indexes, cached per process
}

// New builds an optimizer over the index store's handle.
func New(db *sql.DB, log zerolog.Logger) *Optimizer {
	return &Optimizer{db: db, log: log, indexes: make(map[string]bool)}
}

// Rewrite returns the query with an INDEXED BY hint when one provably
// applies, otherwise the query unchanged. Never changes semantics:
// INDEXED BY selects a plan, not a result set, and the rewritten
// statement is compiled before being returned.
func (o *Optimizer) Rewrite(ctx context.Context, query string) string {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return query
	}
	if !fromTable.MatchString(query) || strings.Contains(strings.ToUpper(query), "INDEXED BY") {
		return query
	}

	for _, h := range defaultHints {
		if !h.pattern.MatchString(query) {
			continue
		}
		if !o.hasIndex(ctx, h.index) {
			continue
		}
		rewritten := fromTable.ReplaceAllString(query,
			"FROM "+index.TableName+" INDEXED BY "+h.index)
		// INDEXED BY makes the statement an error if the planner
		// cannot use the index; compile it to prove applicability.
		stmt, err := o.db.PrepareContext(ctx, rewritten)
		if err != nil {
			o.log.Debug().Str("hint", h.name).Err(err).Msg("hint not applicable, skipped")
			return query
		}
		_ = stmt.Close()
		o.log.Debug().Str("hint", h.name).Msg("query hint applied")
		return rewritten
	}
	return query
}

func (o *Optimizer) hasIndex(ctx context.Context, name string) bool {
	o.mu.Lock()
	known, ok := o.indexes[name]
	o.mu.Unlock()
	if ok {
		return known
	}

	var found int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&found)
	present := err == nil && found > 0
	if err != nil {
		o.log.Debug().Str("index", name).Err(err).Msg("index lookup failed")
		return false
	}
	o.mu.Lock()
	o.indexes[name] = present
	o.mu.Unlock()
	return present
}

// Analyze explains a query and reports index usage, scan warnings and
// a row estimate. Read-only and diagnostic; the caller logs and
// swallows any error.
func (o *Optimizer) Analyze(ctx context.Context, query string) (api.Analysis, error) {
	a := api.Analysis{Query: query}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		a.Warnings = append(a.Warnings, "not a SELECT statement; nothing to analyze")
		return a, nil
	}

	rows, err := o.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return a, fmt.Errorf("explain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			return a, err
		}
		upper := strings.ToUpper(detail)
		if strings.Contains(upper, "USING INDEX") || strings.Contains(upper, "USING COVERING INDEX") ||
			strings.Contains(upper, "PRIMARY KEY") {
			a.UsesIndex = true
		}
		if strings.HasPrefix(upper, "SCAN") && !strings.Contains(upper, "USING") {
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("table scan detected (%s); consider adding an index", strings.TrimSpace(detail)))
		}
		if strings.Contains(upper, "TEMP B-TREE") {
			a.Warnings = append(a.Warnings, "query builds a temporary b-tree; consider optimizing ORDER BY or GROUP BY")
		}
	}
	if err := rows.Err(); err != nil {
		return a, err
	}

	a.EstimatedRows = o.estimateRows(ctx)
	if a.EstimatedRows > 1000 && !a.UsesIndex {
		a.Warnings = append(a.Warnings, "large result set without index usage; performance may be impacted")
	}
	return a, nil
}

// estimateRows reads the planner statistics for the index table. Zero
// when ANALYZE has never run.
func (o *Optimizer) estimateRows(ctx context.Context) int64 {
	var stat string
	err := o.db.QueryRowContext(ctx,
		`SELECT stat FROM sqlite_stat1 WHERE tbl = ? LIMIT 1`, index.TableName).Scan(&stat)
	if err != nil {
		// sqlite_stat1 may not exist at all; fall back to a count.
		var n int64
		if cErr := o.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+index.TableName).Scan(&n); cErr == nil {
			return n
		}
		return 0
	}
	first := strings.Fields(stat)
	if len(first) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(first[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
