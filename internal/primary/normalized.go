package primary

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// NormalizedStore is the relational order-table schema: typed columns on
// an orders table plus a meta table of plain key/value rows.
type NormalizedStore struct {
	db *sql.DB
	hooks
}

const normalizedSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	total_cents INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS order_meta (
	order_id INTEGER NOT NULL,
	meta_key TEXT NOT NULL,
	meta_value TEXT NOT NULL,
	PRIMARY KEY (order_id, meta_key)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_order_meta_key ON order_meta(meta_key);
`

// OpenNormalized opens (creating if needed) a normalized store at path.
func OpenNormalized(path string) (*NormalizedStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Concurrent request handlers share this file.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(normalizedSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create normalized schema: %w", err)
	}
	return &NormalizedStore{db: db}, nil
}

// DB exposes the underlying handle for the health monitor and query
// analyzer. Read-only use.
func (s *NormalizedStore) DB() *sql.DB { return s.db }

func (s *NormalizedStore) Backend() Backend { return BackendNormalized }

func (s *NormalizedStore) Close() error { return s.db.Close() }

func (s *NormalizedStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, completed_at, status, total_cents FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.Meta, err = s.loadMeta(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *NormalizedStore) loadMeta(ctx context.Context, id int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT meta_key, meta_value FROM order_meta WHERE order_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *NormalizedStore) ListOrders(ctx context.Context, f ListFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentOnly {
		where = append(where, `EXISTS (SELECT 1 FROM order_meta m WHERE m.order_id = o.id
			AND m.meta_key = ? AND m.meta_value = 'yes')`)
		args = append(args, MetaAgentOrder)
	}
	for k, v := range f.MetaEquals {
		where = append(where, `EXISTS (SELECT 1 FROM order_meta m WHERE m.order_id = o.id
			AND m.meta_key = ? AND m.meta_value = ?)`)
		args = append(args, k, v)
	}
	for _, k := range f.MetaAbsent {
		where = append(where, `NOT EXISTS (SELECT 1 FROM order_meta m WHERE m.order_id = o.id
			AND m.meta_key = ?)`)
		args = append(args, k)
	}
	if len(f.IDs) > 0 {
		where = append(where, `o.id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.AfterID > 0 {
		where = append(where, `o.id > ?`)
		args = append(args, f.AfterID)
	}

	q := `SELECT o.id, o.created_at, o.completed_at, o.status, o.total_cents FROM orders o`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY o.id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if o.Meta, err = s.loadMeta(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *NormalizedStore) CreateOrder(ctx context.Context, o *Order) error {
	completed := timePtrString(o.CompletedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, created_at, completed_at, status, total_cents) VALUES (?, ?, ?, ?, ?)`,
		orderIDArg(o.ID), o.CreatedAt.UTC().Format(time.RFC3339), completed, o.Status, centsOf(o.Total))
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if o.ID == 0 {
		if o.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	for k, v := range o.Meta {
		if err := s.putMetaQuiet(ctx, o.ID, k, v); err != nil {
			return err
		}
	}
	s.fire(OrderCreated, o.ID)
	return nil
}

func (s *NormalizedStore) UpdateOrder(ctx context.Context, o *Order) error {
	completed := timePtrString(o.CompletedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET created_at = ?, completed_at = ?, status = ?, total_cents = ? WHERE id = ?`,
		o.CreatedAt.UTC().Format(time.RFC3339), completed, o.Status, centsOf(o.Total), o.ID)
	if err != nil {
		return fmt.Errorf("update order %d: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d: %w", o.ID, ErrNotFound)
	}
	s.fire(OrderUpdated, o.ID)
	return nil
}

func (s *NormalizedStore) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM order_meta WHERE order_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id); err != nil {
		return err
	}
	s.fire(OrderDeleted, id)
	return nil
}

func (s *NormalizedStore) putMetaQuiet(ctx context.Context, id int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_meta (order_id, meta_key, meta_value) VALUES (?, ?, ?)`,
		id, key, value)
	return err
}

func (s *NormalizedStore) PutMeta(ctx context.Context, id int64, key, value string) error {
	if err := s.putMetaQuiet(ctx, id, key, value); err != nil {
		return fmt.Errorf("put meta %s on order %d: %w", key, id, err)
	}
	s.fire(OrderUpdated, id)
	return nil
}

func (s *NormalizedStore) DeleteMeta(ctx context.Context, id int64, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM order_meta WHERE order_id = ? AND meta_key = ?`, id, key); err != nil {
		return fmt.Errorf("delete meta %s on order %d: %w", key, id, err)
	}
	s.fire(OrderUpdated, id)
	return nil
}

func (s *NormalizedStore) CompareAndSwapMeta(ctx context.Context, id int64, key, old, new string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == "" {
		// Swap-from-absent: the insert loses if any row exists.
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO order_meta (order_id, meta_key, meta_value) VALUES (?, ?, ?)`,
			id, key, new)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE order_meta SET meta_value = ? WHERE order_id = ? AND meta_key = ? AND meta_value = ?`,
			new, id, key, old)
	}
	if err != nil {
		return false, fmt.Errorf("cas meta %s on order %d: %w", key, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	s.fire(OrderUpdated, id)
	return true, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*Order, error) {
	var (
		o         Order
		created   string
		completed sql.NullString
		cents     int64
	)
	if err := r.Scan(&o.ID, &created, &completed, &o.Status, &cents); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("order %d created_at: %w", o.ID, err)
	}
	o.CreatedAt = t
	if completed.Valid && completed.String != "" {
		ct, err := time.Parse(time.RFC3339, completed.String)
		if err != nil {
			return nil, fmt.Errorf("order %d completed_at: %w", o.ID, err)
		}
		o.CompletedAt = &ct
	}
	o.Total = decimal.New(cents, -2)
	return &o, nil
}

func centsOf(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// orderIDArg maps a zero id to nil so sqlite assigns the next rowid.
func orderIDArg(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
