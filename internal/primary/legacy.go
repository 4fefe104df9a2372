package primary

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// LegacyStore is the key-value attribute schema: orders are generic
// content records, and everything beyond id and creation time — status,
// total, agent fields — lives in attribute rows. Agent fields arrive
// packed in a single serialized payload attribute; the legacy extractor
// unpacks them.
type LegacyStore struct {
	db *sql.DB
	hooks
}

// Attribute names the legacy schema reserves for core order fields.
// They are surfaced as Order fields, not Meta entries.
const (
	legacyAttrStatus     = "status"
	legacyAttrTotalCents = "total_cents"
	legacyAttrCompleted  = "completed_at"
)

const legacySchema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY,
	record_type TEXT NOT NULL DEFAULT 'order',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS record_attributes (
	record_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (record_id, name)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_record_attributes_name ON record_attributes(name);
`

// OpenLegacy opens (creating if needed) a legacy store at path.
func OpenLegacy(path string) (*LegacyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(legacySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create legacy schema: %w", err)
	}
	return &LegacyStore{db: db}, nil
}

// DB exposes the underlying handle for the health monitor and query
// analyzer. Read-only use.
func (s *LegacyStore) DB() *sql.DB { return s.db }

func (s *LegacyStore) Backend() Backend { return BackendLegacy }

func (s *LegacyStore) Close() error { return s.db.Close() }

func (s *LegacyStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM records WHERE id = ? AND record_type = 'order'`, id).Scan(&created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.assemble(ctx, id, created)
}

func (s *LegacyStore) assemble(ctx context.Context, id int64, created string) (*Order, error) {
	createdAt, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("order %d created_at: %w", id, err)
	}
	o := &Order{ID: id, CreatedAt: createdAt, Status: StatusPending, Meta: make(map[string]string)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM record_attributes WHERE record_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		switch name {
		case legacyAttrStatus:
			o.Status = value
		case legacyAttrTotalCents:
			cents, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("order %d total: %w", id, err)
			}
			o.Total = decimal.New(cents, -2)
		case legacyAttrCompleted:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("order %d completed_at: %w", id, err)
			}
			o.CompletedAt = &t
		default:
			o.Meta[name] = value
		}
	}
	return o, rows.Err()
}

func (s *LegacyStore) ListOrders(ctx context.Context, f ListFilter) ([]*Order, error) {
	var (
		where = []string{`r.record_type = 'order'`}
		args  []any
	)
	if f.AgentOnly {
		where = append(where, `EXISTS (SELECT 1 FROM record_attributes a WHERE a.record_id = r.id
			AND a.name = ? AND a.value = 'yes')`)
		args = append(args, MetaAgentOrder)
	}
	for k, v := range f.MetaEquals {
		where = append(where, `EXISTS (SELECT 1 FROM record_attributes a WHERE a.record_id = r.id
			AND a.name = ? AND a.value = ?)`)
		args = append(args, k, v)
	}
	for _, k := range f.MetaAbsent {
		where = append(where, `NOT EXISTS (SELECT 1 FROM record_attributes a WHERE a.record_id = r.id
			AND a.name = ?)`)
		args = append(args, k)
	}
	if len(f.IDs) > 0 {
		where = append(where, `r.id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.AfterID > 0 {
		where = append(where, `r.id > ?`)
		args = append(args, f.AfterID)
	}

	q := `SELECT r.id, r.created_at FROM records r WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY r.id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type stub struct {
		id      int64
		created string
	}
	var stubs []stub
	for rows.Next() {
		var st stub
		if err := rows.Scan(&st.id, &st.created); err != nil {
			return nil, err
		}
		stubs = append(stubs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Order, 0, len(stubs))
	for _, st := range stubs {
		o, err := s.assemble(ctx, st.id, st.created)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *LegacyStore) CreateOrder(ctx context.Context, o *Order) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, record_type, created_at) VALUES (?, 'order', ?)`,
		orderIDArg(o.ID), o.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if o.ID == 0 {
		if o.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	if err := s.writeCore(ctx, o); err != nil {
		return err
	}
	for k, v := range o.Meta {
		if err := s.putAttr(ctx, o.ID, k, v); err != nil {
			return err
		}
	}
	s.fire(OrderCreated, o.ID)
	return nil
}

func (s *LegacyStore) UpdateOrder(ctx context.Context, o *Order) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE id = ? AND record_type = 'order'`, o.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order %d: %w", o.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := s.writeCore(ctx, o); err != nil {
		return err
	}
	s.fire(OrderUpdated, o.ID)
	return nil
}

func (s *LegacyStore) writeCore(ctx context.Context, o *Order) error {
	if err := s.putAttr(ctx, o.ID, legacyAttrStatus, o.Status); err != nil {
		return err
	}
	if err := s.putAttr(ctx, o.ID, legacyAttrTotalCents, strconv.FormatInt(centsOf(o.Total), 10)); err != nil {
		return err
	}
	if o.CompletedAt != nil {
		return s.putAttr(ctx, o.ID, legacyAttrCompleted, o.CompletedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *LegacyStore) DeleteOrder(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM record_attributes WHERE record_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return err
	}
	s.fire(OrderDeleted, id)
	return nil
}

func (s *LegacyStore) putAttr(ctx context.Context, id int64, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO record_attributes (record_id, name, value) VALUES (?, ?, ?)`,
		id, name, value)
	return err
}

func (s *LegacyStore) PutMeta(ctx context.Context, id int64, key, value string) error {
	if err := s.putAttr(ctx, id, key, value); err != nil {
		return fmt.Errorf("put attribute %s on order %d: %w", key, id, err)
	}
	s.fire(OrderUpdated, id)
	return nil
}

func (s *LegacyStore) DeleteMeta(ctx context.Context, id int64, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM record_attributes WHERE record_id = ? AND name = ?`, id, key); err != nil {
		return fmt.Errorf("delete attribute %s on order %d: %w", key, id, err)
	}
	s.fire(OrderUpdated, id)
	return nil
}

func (s *LegacyStore) CompareAndSwapMeta(ctx context.Context, id int64, key, old, new string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == "" {
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_attributes (record_id, name, value) VALUES (?, ?, ?)`,
			id, key, new)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE record_attributes SET value = ? WHERE record_id = ? AND name = ? AND value = ?`,
			new, id, key, old)
	}
	if err != nil {
		return false, fmt.Errorf("cas attribute %s on order %d: %w", key, id, err)
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
