package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQL(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTripsEventsAndTagIndex(t *testing.T) {
	store := openSQLite(t)
	log, err := New(store)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, mustEvent(t, "ISSUE.OPENED", Tags{"issue": "42"}))
	require.NoError(t, err)
	_, err = log.Append(ctx, mustEvent(t, "PR.CREATED", Tags{"issue": "42", "pr": "9"}))
	require.NoError(t, err)
	_, err = log.Append(ctx, mustEvent(t, "ISSUE.OPENED", Tags{"issue": "43"}))
	require.NoError(t, err)

	got, err := log.Query(ctx, ByTag("issue", "42"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Position)
	assert.Equal(t, "PR.CREATED", got[1].Type)
	assert.Equal(t, Tags{"issue": "42", "pr": "9"}, got[1].Tags)
	assert.JSONEq(t, `{"n":2}`, string(got[1].Data))

	got, err = log.Query(ctx, Filter{Tags: map[string]string{"issue": "42", "pr": "9"}, Types: []string{"PR.CREATED"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	head, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestSQLiteStoreEnforcesUniqueKeysAndMonotonicTime(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	later := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	earlier := later.Add(-time.Second)

	first := mustEvent(t, "TRIGGER.ACTIVATED", Tags{"run": "r1"})
	first.ID, first.Timestamp = "01A", later
	stored, err := store.Append(ctx, first, "r1/scan")
	require.NoError(t, err)
	assert.True(t, later.Equal(stored.Timestamp))

	dup := mustEvent(t, "TRIGGER.ACTIVATED", Tags{"run": "r1"})
	dup.ID, dup.Timestamp = "01B", later
	_, err = store.Append(ctx, dup, "r1/scan")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	back := mustEvent(t, "RUN.TICKED", Tags{"run": "r1"})
	back.ID, back.Timestamp = "01C", earlier
	stored, err = store.Append(ctx, back, "")
	require.NoError(t, err)
	assert.True(t, later.Equal(stored.Timestamp), "earlier timestamp clamps to head")
}

func TestSQLStoreWrapsDriverFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db, DialectSQLite)
	ctx := context.Background()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	_, err = store.Append(ctx, mustEvent(t, "RUN.STARTED", Tags{"run": "r1"}), "")
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	mock.ExpectQuery("SELECT .* FROM events e").WillReturnError(errors.New("disk I/O error"))
	_, err = store.Query(ctx, Filter{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendWritesEventAndTagsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db, DialectPostgres)

	ev := mustEvent(t, "RUN.STARTED", Tags{"run": "r1", "issue": "42"})
	ev.ID, ev.Timestamp = "01ABC", time.UnixMilli(5000).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(appendLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(ts_ms), 0) FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1000)))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO events`)).
		WithArgs("01ABC", "RUN.STARTED", int64(5000), "", "system", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(int64(17)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_tags (tag_key, tag_value, position) VALUES ($1, $2, $3)`)).
		WithArgs("issue", "42", int64(17)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_tags`)).
		WithArgs("run", "r1", int64(17)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := store.Append(context.Background(), ev, "")
	require.NoError(t, err)
	assert.Equal(t, int64(17), stored.Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendFailsWhenTheAppendLockIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(appendLockKey).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err = store.Append(context.Background(), mustEvent(t, "RUN.STARTED", Tags{"run": "r1"}), "")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreQueryUsesTagIndex(t *testing.T) {
	store := NewSQLStore(nil, DialectPostgres)
	query, args := store.buildQuery(Filter{
		Tags:  map[string]string{"run": "r1", "issue": "42"},
		Types: []string{"A.B"},
		Limit: 10,
	})
	assert.Contains(t, query, "FROM event_tags t0 JOIN events e")
	assert.Contains(t, query, "t0.tag_key = $1 AND t0.tag_value = $2")
	assert.Contains(t, query, "LIMIT $6")
	assert.Equal(t, []any{"issue", "42", "run", "r1", "A.B", 10}, args)
}
