package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// columns maps known metadata keys to their table columns, in KnownKeys order.
var columns = []struct {
	key    string
	column string
}{
	{KeyOwner, "owner_id"},
	{KeyType, "type"},
	{KeyStatus, "status"},
	{KeyCreatedAt, "created_at"},
	{KeyCloseAt, "close_at"},
	{KeyClosedAt, "closed_at"},
	{KeyDeleteAt, "delete_at"},
	{KeyLastActivityAt, "last_activity_at"},
}

const selectColumns = `channel_id, owner_id, type, status, created_at, close_at,
	closed_at, delete_at, last_activity_at, extra`

// SQLiteStore implements Store using SQLite. Known keys live in their own
// columns; foreign keys are kept in encoded form in the extra column.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	// One connection serializes writers; merges run in a transaction on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			channel_id       TEXT PRIMARY KEY,
			owner_id         TEXT,
			type             TEXT,
			status           TEXT,
			created_at       TEXT,
			close_at         TEXT,
			closed_at        TEXT,
			delete_at        TEXT,
			last_activity_at TEXT,
			extra            TEXT NOT NULL DEFAULT '',
			updated_at       INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_owner_status ON tickets(owner_id, status);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Get(ctx context.Context, channelID string) (Metadata, error) {
	return s.get(ctx, s.db, channelID)
}

func (s *SQLiteStore) Put(ctx context.Context, channelID string, m Metadata) error {
	return s.put(ctx, s.db, channelID, m)
}

func (s *SQLiteStore) Merge(ctx context.Context, channelID string, kv Metadata) (Metadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("ticket store: merge: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, channelID)
	if err != nil {
		return Metadata{}, err
	}
	merged := current.Merge(kv)
	if err := s.put(ctx, tx, channelID, merged); err != nil {
		return Metadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return Metadata{}, fmt.Errorf("ticket store: merge commit: %w", err)
	}
	return merged, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := "SELECT " + selectColumns + " FROM tickets WHERE owner_id IS NOT NULL AND owner_id != ''"
	var args []any
	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY CAST(created_at AS INTEGER), channel_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("ticket store: delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func (s *SQLiteStore) get(ctx context.Context, q querier, channelID string) (Metadata, error) {
	row := q.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tickets WHERE channel_id = ?", channelID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, fmt.Errorf("ticket %q: %w", channelID, ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("ticket store: get: %w", err)
	}
	return r.Meta, nil
}

func (s *SQLiteStore) put(ctx context.Context, q querier, channelID string, m Metadata) error {
	args := []any{channelID}
	for _, c := range columns {
		if v, ok := m.Get(c.key); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	args = append(args, foreign(m).String(), s.now().UnixMilli())

	_, err := q.ExecContext(ctx, `
		INSERT INTO tickets (channel_id, owner_id, type, status, created_at, close_at,
			closed_at, delete_at, last_activity_at, extra, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			owner_id=excluded.owner_id, type=excluded.type, status=excluded.status,
			created_at=excluded.created_at, close_at=excluded.close_at, closed_at=excluded.closed_at,
			delete_at=excluded.delete_at, last_activity_at=excluded.last_activity_at,
			extra=excluded.extra, updated_at=excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

// foreign returns the pairs of m that have no column of their own.
func foreign(m Metadata) Metadata {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c.key] = true
	}
	var out Metadata
	for _, k := range m.Keys() {
		if !known[k] {
			out.Set(k, m.Value(k))
		}
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (Record, error) {
	var r Record
	values := make([]sql.NullString, len(columns))
	var extra string

	dest := []any{&r.ChannelID}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &extra)
	if err := s.Scan(dest...); err != nil {
		return Record{}, err
	}

	for i, c := range columns {
		if values[i].Valid {
			r.Meta.Set(c.key, values[i].String)
		}
	}
	r.Meta = r.Meta.Merge(ParseMetadata(extra))
	return r, nil
}
