// Package index maintains the denormalized agent-order index: one row
// per agent-originated order, shaped for the analytics queries the
// primary store cannot serve efficiently.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	_ "modernc.org/sqlite"
)

// ErrUnavailable reports a failed index write. Transient: callers must
// retry or queue; the triggering event must not be dropped.
var ErrUnavailable = errors.New("index storage unavailable")

// TableName is the index table, exported for the optimizer and health
// monitor.
const TableName = "agent_order_index"

// SecondaryIndexes lists the indexes the health monitor requires on the
// index table.
var SecondaryIndexes = []string{
	"idx_aoi_agent_id",
	"idx_aoi_transaction_type",
	"idx_aoi_payment_timestamp",
	"idx_aoi_mandate_token",
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_order_index (
	order_id INTEGER PRIMARY KEY,
	agent_id TEXT NOT NULL,
	mandate_token TEXT NOT NULL DEFAULT '',
	transaction_type TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT '',
	payment_timestamp TEXT NOT NULL DEFAULT '',
	total_amount_cents INTEGER NOT NULL DEFAULT 0,
	processing_time_secs INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_aoi_agent_id ON agent_order_index(agent_id);
CREATE INDEX IF NOT EXISTS idx_aoi_transaction_type ON agent_order_index(transaction_type);
CREATE INDEX IF NOT EXISTS idx_aoi_payment_timestamp ON agent_order_index(payment_timestamp);
CREATE INDEX IF NOT EXISTS idx_aoi_mandate_token ON agent_order_index(mandate_token);
`

// Record is one index row. Amounts are integer cents so SQL aggregates
// stay exact.
type Record struct {
	OrderID          int64
	AgentID          string
	MandateToken     string
	TransactionType  string
	TransactionID    string
	PaymentTimestamp time.Time
	TotalCents       int64
	ProcessingTime   time.Duration
}

// Store owns the agent_order_index table.
type Store struct {
	db *sql.DB
}

// Open opens (creating the schema if needed) an index store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the optimizer and health monitor.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Upsert writes a full row, overwriting any previous one. Idempotent:
// repeated calls for the same record leave the same state, and
// last-write-wins under duplicate delivery.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	ts := ""
	if !r.PaymentTimestamp.IsZero() {
		ts = r.PaymentTimestamp.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_order_index
			(order_id, agent_id, mandate_token, transaction_type, transaction_id,
			 payment_timestamp, total_amount_cents, processing_time_secs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OrderID, r.AgentID, r.MandateToken, r.TransactionType, r.TransactionID,
		ts, r.TotalCents, int64(r.ProcessingTime.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: upsert order %d: %v", ErrUnavailable, r.OrderID, err)
	}
	return nil
}

// Delete removes an order's row. Idempotent; deleting a missing row is
// not an error.
func (s *Store) Delete(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_order_index WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("%w: delete order %d: %v", ErrUnavailable, orderID, err)
	}
	return nil
}

// Get fetches one row. The second return is false when no row exists.
func (s *Store) Get(ctx context.Context, orderID int64) (Record, bool, error) {
	var (
		r    Record
		ts   string
		secs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, agent_id, mandate_token, transaction_type, transaction_id,
		       payment_timestamp, total_amount_cents, processing_time_secs
		FROM agent_order_index WHERE order_id = ?`, orderID).
		Scan(&r.OrderID, &r.AgentID, &r.MandateToken, &r.TransactionType,
			&r.TransactionID, &ts, &r.TotalCents, &secs)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.ProcessingTime = time.Duration(secs) * time.Second
	if ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Record{}, false, fmt.Errorf("order %d payment_timestamp: %w", orderID, err)
		}
		r.PaymentTimestamp = t
	}
	return r, true, nil
}

// Count returns the number of indexed orders.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_order_index`).Scan(&n)
	return n, err
}

// OrderIDs returns the full id set as a bitmap, for the health
// monitor's consistency diff against the primary store.
func (s *Store) OrderIDs(ctx context.Context) (*roaring.Bitmap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id FROM agent_order_index`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	bm := roaring.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		bm.Add(uint32(id))
	}
	return bm, rows.Err()
}
