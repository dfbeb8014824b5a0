package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// appendLockKey is the Postgres advisory lock taken by every append.
const appendLockKey int64 = 0x6c617474696365

// Dialect selects SQL flavour differences between supported databases.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists events through database/sql. It supports SQLite
// (modernc.org/sqlite) and Postgres (pgx stdlib driver).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	// mu serializes appends from this process so the timestamp clamp and
	// unique-key check observe a stable head.
	mu sync.Mutex
}

// NewSQLStore wraps an open database handle. Call Init before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQL opens and initializes a store for the given dialect and DSN.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	store := NewSQLStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func driverName(dialect Dialect) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("eventlog: unsupported sql dialect %q", dialect)
	}
}

func (s *SQLStore) schema() []string {
	positionColumn := "position INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		positionColumn = "position BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
	` + positionColumn + `,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	ts_ms BIGINT NOT NULL,
	workflow_version TEXT NOT NULL DEFAULT '',
	event_source TEXT NOT NULL,
	tags TEXT NOT NULL,
	data TEXT NOT NULL,
	unique_key TEXT UNIQUE
)`,
		`CREATE INDEX IF NOT EXISTS events_ts_idx ON events (ts_ms)`,
		`CREATE INDEX IF NOT EXISTS events_type_idx ON events (type)`,
		`CREATE TABLE IF NOT EXISTS event_tags (
	tag_key TEXT NOT NULL,
	tag_value TEXT NOT NULL,
	position BIGINT NOT NULL,
	PRIMARY KEY (tag_key, tag_value, position)
)`,
	}
}

// Init creates the tables and indexes if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("init", err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, ev Event, uniqueKey string) (Event, error) {
	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: encode tags: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, storageErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		// BIGSERIAL positions are handed out at insert but become visible at
		// commit. Holding this lock until commit keeps appends from other
		// processes from committing out of position order.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return Event{}, storageErr("append lock", err)
		}
	}

	if uniqueKey != "" {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM events WHERE unique_key = ?`), uniqueKey).Scan(&exists)
		switch {
		case err == nil:
			return Event{}, ErrDuplicateKey
		case !errors.Is(err, sql.ErrNoRows):
			return Event{}, storageErr("append", err)
		}
	}

	var lastMillis int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ts_ms), 0) FROM events`).Scan(&lastMillis); err != nil {
		return Event{}, storageErr("append", err)
	}
	stored := ev.Clone()
	if ts := stored.Timestamp.UnixMilli(); ts < lastMillis {
		stored.Timestamp = time.UnixMilli(lastMillis).UTC()
	}

	var key any
	if uniqueKey != "" {
		key = uniqueKey
	}
	insert := s.rebind(`INSERT INTO events (id, type, ts_ms, workflow_version, event_source, tags, data, unique_key)
VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING position`)
	err = tx.QueryRowContext(ctx, insert,
		stored.ID, stored.Type, stored.Timestamp.UnixMilli(), stored.Metadata.WorkflowVersion,
		string(stored.Metadata.EventSource), string(tagsJSON), string(stored.Data), key,
	).Scan(&stored.Position)
	if err != nil {
		if uniqueKey != "" && isUniqueViolation(err) {
			return Event{}, ErrDuplicateKey
		}
		return Event{}, storageErr("append", err)
	}
	tagInsert := s.rebind(`INSERT INTO event_tags (tag_key, tag_value, position) VALUES (?, ?, ?)`)
	for _, k := range stored.Tags.Keys() {
		if _, err := tx.ExecContext(ctx, tagInsert, k, stored.Tags[k], stored.Position); err != nil {
			return Event{}, storageErr("append tags", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Event{}, storageErr("commit", err)
	}
	return stored, nil
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	query, args := s.buildQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			tsMillis int64
			source   string
			tagsJSON string
			data     string
		)
		if err := rows.Scan(&ev.Position, &ev.ID, &ev.Type, &tsMillis, &ev.Metadata.WorkflowVersion, &source, &tagsJSON, &data); err != nil {
			return nil, storageErr("scan", err)
		}
		ev.Timestamp = time.UnixMilli(tsMillis).UTC()
		ev.Metadata.EventSource = Origin(source)
		ev.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
			return nil, fmt.Errorf("eventlog: decode tags of %s: %w", ev.ID, err)
		}
		if ev.Tags == nil {
			ev.Tags = Tags{}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", err)
	}
	return out, nil
}

const selectColumns = `e.position, e.id, e.type, e.ts_ms, e.workflow_version, e.event_source, e.tags, e.data`

// buildQuery drives the first tag constraint through the tag index and checks
// the remaining ones with EXISTS probes on the same index.
func (s *SQLStore) buildQuery(f Filter) (string, []any) {
	var (
		b     strings.Builder
		args  []any
		where []string
	)
	keys := Tags(f.Tags).Keys()
	if len(keys) > 0 {
		b.WriteString(`SELECT ` + selectColumns + ` FROM event_tags t0 JOIN events e ON e.position = t0.position`)
		where = append(where, `t0.tag_key = ?`, `t0.tag_value = ?`)
		args = append(args, keys[0], f.Tags[keys[0]])
		for _, k := range keys[1:] {
			where = append(where, `EXISTS (SELECT 1 FROM event_tags t WHERE t.position = e.position AND t.tag_key = ? AND t.tag_value = ?)`)
			args = append(args, k, f.Tags[k])
		}
	} else {
		b.WriteString(`SELECT ` + selectColumns + ` FROM events e`)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		where = append(where, `e.type IN (`+strings.Join(marks, ", ")+`)`)
	}
	if !f.Since.IsZero() {
		where = append(where, `e.ts_ms >= ?`)
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, `e.ts_ms <= ?`)
		args = append(args, f.Until.UnixMilli())
	}
	if f.AfterPosition > 0 {
		where = append(where, `e.position > ?`)
		args = append(args, f.AfterPosition)
	}
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, ` AND `))
	}
	b.WriteString(` ORDER BY e.position`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	return s.rebind(b.String()), args
}

func (s *SQLStore) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&head); err != nil {
		return 0, storageErr("head", err)
	}
	return head, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
