package auditlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loginTable = map[string]SQLTable{
	"login": {Table: "logins", Columns: map[string]string{"user": "user_name", "id": "event_ref"}},
}

func loginRecord(id, user string) BufferedRecord {
	return BufferedRecord{Topic: "login", Event: NewEvent("login", map[string]any{"id": id, "user": user})}
}

func newMockSQLSink(t *testing.T, driver string) (*SQLSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	s, err := NewSQLSink(db, driver, loginTable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestSQLSink_Templates(t *testing.T) {
	s, _ := newMockSQLSink(t, DriverSQLite)
	assert.Equal(t, "INSERT INTO logins (event_ref, user_name) VALUES (?, ?)", s.templateFor("login").query)
	assert.Equal(t, "INSERT INTO audit_events (event_id, topic, event_time, payload) VALUES (?, ?, ?, ?)",
		s.templateFor("anything").query)

	pg, _ := newMockSQLSink(t, DriverPostgres)
	assert.Equal(t, "INSERT INTO logins (event_ref, user_name) VALUES ($1, $2)", pg.templateFor("login").query)
}

func TestSQLSink_RejectsBadIdentifiers(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLSink(db, DriverSQLite, map[string]SQLTable{
		"x": {Table: "logins; DROP TABLE y", Columns: map[string]string{"a": "a"}},
	})
	assert.Error(t, err)
	_, err = NewSQLSink(db, DriverSQLite, map[string]SQLTable{
		"x": {Table: "t", Columns: map[string]string{"a": "1a"}},
	})
	assert.Error(t, err)
	_, err = NewSQLSink(db, "mysql", nil)
	assert.Error(t, err)
}

func TestSQLSink_OneTransactionPerGroup(t *testing.T) {
	s, mock := newMockSQLSink(t, DriverSQLite)
	q := "INSERT INTO logins (event_ref, user_name) VALUES (?, ?)"

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q)
	prep.ExpectExec().WithArgs("1", "alice").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("2", "bob").WillReturnResult(sqlmock.NewResult(2, 1))
	prep.ExpectExec().WithArgs("3", "carol").WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	res := s.Flush(context.Background(), Batch{Records: []BufferedRecord{
		loginRecord("1", "alice"),
		loginRecord("2", "bob"),
		loginRecord("3", "carol"),
	}})
	require.NoError(t, res.Err)
	assert.Empty(t, res.Retry)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, s.db.Stats().OpenConnections, "healthy connection returns to the pool")
}

func TestSQLSink_FailedGroupIsRetriedAlone(t *testing.T) {
	s, mock := newMockSQLSink(t, DriverSQLite)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO logins (event_ref, user_name) VALUES (?, ?)")
	prep.ExpectExec().WithArgs("1", "alice").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	fallback := mock.ExpectPrepare("INSERT INTO audit_events (event_id, topic, event_time, payload) VALUES (?, ?, ?, ?)")
	fallback.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "logout", sqlmock.AnyArg(), `{"user":"alice"}`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	logout := BufferedRecord{Topic: "logout", Event: NewEvent("logout", map[string]any{"user": "alice"})}
	res := s.Flush(context.Background(), Batch{Records: []BufferedRecord{loginRecord("1", "alice"), logout}})

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "audit_events")
	require.Len(t, res.Retry, 1)
	assert.Equal(t, logout.Event.ID, res.Retry[0].Event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, s.db.Stats().OpenConnections, "failed connection is discarded")
}

func TestSQLSink_UnencodableRecordRejected(t *testing.T) {
	s, mock := newMockSQLSink(t, DriverSQLite)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_events (event_id, topic, event_time, payload) VALUES (?, ?, ?, ?)")
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "logout", sqlmock.AnyArg(), `{"user":"alice"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	bad := BufferedRecord{Topic: "logout", Event: NewEvent("logout", map[string]any{"f": func() {}})}
	good := BufferedRecord{Topic: "logout", Event: NewEvent("logout", map[string]any{"user": "alice"})}
	res := s.Flush(context.Background(), Batch{Records: []BufferedRecord{bad, good}})

	require.Error(t, res.Err)
	assert.Empty(t, res.Retry)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, bad.Event.ID, res.Rejected[0].Event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())

	res = s.Flush(context.Background(), Batch{Records: []BufferedRecord{bad}})
	assert.Len(t, res.Rejected, 1)
	assert.NoError(t, mock.ExpectationsWereMet(), "no transaction for a group with nothing to insert")
}

func TestSQLSink_BeginFailure(t *testing.T) {
	s, mock := newMockSQLSink(t, DriverSQLite)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	recs := []BufferedRecord{loginRecord("1", "a"), loginRecord("2", "b")}
	res := s.Flush(context.Background(), Batch{Records: recs})
	assert.Error(t, res.Err)
	assert.Len(t, res.Retry, 2)
}

func TestSQLSink_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenSQLSink(SQLConfig{
		Driver:       DriverSQLite,
		DSN:          path,
		CreateTables: true,
		Tables:       loginTable,
	})
	require.NoError(t, err)
	defer s.Close()

	res := s.Flush(context.Background(), Batch{Records: []BufferedRecord{
		loginRecord("1", "alice"),
		{Topic: "logout", Event: NewEvent("logout", map[string]any{"user": "alice", "n": 2})},
		loginRecord("2", "bob"),
	}})
	require.NoError(t, res.Err)
	require.Empty(t, res.Retry)

	rows, err := s.db.Query("SELECT event_ref, user_name FROM logins ORDER BY event_ref")
	require.NoError(t, err)
	defer rows.Close()
	var got [][2]string
	for rows.Next() {
		var r [2]string
		require.NoError(t, rows.Scan(&r[0], &r[1]))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][2]string{{"1", "alice"}, {"2", "bob"}}, got)

	var topic, payload string
	require.NoError(t, s.db.QueryRow("SELECT topic, payload FROM audit_events").Scan(&topic, &payload))
	assert.Equal(t, "logout", topic)
	assert.JSONEq(t, `{"user":"alice","n":2}`, payload)
}
