package auditlog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // Import PostgreSQL driver for database/sql
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// Database drivers accepted by the SQL sink.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultEventTable receives topics without a table mapping.
const DefaultEventTable = "audit_events"

// SQLConfig configures the SQL sink.
type SQLConfig struct {
	Driver       string              `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	DSN          string              `yaml:"dsn" validate:"required"`
	CreateTables bool                `yaml:"create_tables"`
	Tables       map[string]SQLTable `yaml:"tables" validate:"dive"`
}

// SQLTable maps a topic to a table. Columns maps flattened field names to
// column names.
type SQLTable struct {
	Table   string            `yaml:"table" validate:"required"`
	Columns map[string]string `yaml:"columns" validate:"required,min=1"`
}

// sqlTemplate is one INSERT statement and the values feeding it.
type sqlTemplate struct {
	table   string
	columns []string
	fields  []string // nil for the default table
	query   string
}

// SQLSink inserts batches into relational tables. Records sharing an
// INSERT template are written through one prepared statement inside one
// transaction; a failing template group is rolled back and handed back
// for retry while the other groups commit independently.
type SQLSink struct {
	db        *sql.DB
	driver    string
	templates map[string]sqlTemplate
	fallback  sqlTemplate
	logger    *zap.Logger
}

// OpenSQLSink opens the database named by cfg and optionally creates the
// mapped tables.
func OpenSQLSink(cfg SQLConfig, opts ...Option) (*SQLSink, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.Driver == DriverSQLite {
		for _, p := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=FULL;",
			"PRAGMA busy_timeout=5000;",
		} {
			if _, err := db.Exec(p); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set %s: %w", p, err)
			}
		}
	}
	s, err := NewSQLSink(db, cfg.Driver, cfg.Tables, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.CreateTables {
		if err := s.CreateTables(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSQLSink wraps an open database.
func NewSQLSink(db *sql.DB, driverName string, tables map[string]SQLTable, opts ...Option) (*SQLSink, error) {
	if driverName != DriverSQLite && driverName != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}
	o := buildOptions(opts)
	s := &SQLSink{
		db:        db,
		driver:    driverName,
		templates: make(map[string]sqlTemplate, len(tables)),
		logger:    o.logger.With(zap.String("sink", "sql")),
	}
	for topic, t := range tables {
		if err := validIdentifier(t.Table); err != nil {
			return nil, fmt.Errorf("topic %s: %w", topic, err)
		}
		fields := make([]string, 0, len(t.Columns))
		for f := range t.Columns {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		cols := make([]string, len(fields))
		for i, f := range fields {
			if err := validIdentifier(t.Columns[f]); err != nil {
				return nil, fmt.Errorf("topic %s: %w", topic, err)
			}
			cols[i] = t.Columns[f]
		}
		s.templates[topic] = s.template(t.Table, cols, fields)
	}
	s.fallback = s.template(DefaultEventTable, []string{"event_id", "topic", "event_time", "payload"}, nil)
	return s, nil
}

func (s *SQLSink) template(table string, cols, fields []string) sqlTemplate {
	ph := make([]string, len(cols))
	for i := range cols {
		if s.driver == DriverPostgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return sqlTemplate{
		table:   table,
		columns: cols,
		fields:  fields,
		query: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(ph, ", ")),
	}
}

func validIdentifier(name string) error {
	if name == "" {
		return errors.New("empty sql identifier")
	}
	for i, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("invalid sql identifier %q", name)
		}
	}
	return nil
}

func (s *SQLSink) templateFor(topic string) sqlTemplate {
	if t, ok := s.templates[topic]; ok {
		return t
	}
	return s.fallback
}

// CreateTables creates the mapped tables and the default table.
func (s *SQLSink) CreateTables(ctx context.Context) error {
	seen := map[string]bool{}
	all := []sqlTemplate{s.fallback}
	for _, t := range s.templates {
		all = append(all, t)
	}
	for _, t := range all {
		if seen[t.table] {
			continue
		}
		seen[t.table] = true
		defs := make([]string, len(t.columns))
		for i, c := range t.columns {
			defs[i] = c + " TEXT"
		}
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.table, strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", t.table, err)
		}
	}
	return nil
}

func (s *SQLSink) args(t sqlTemplate, rec BufferedRecord) ([]any, error) {
	if t.fields == nil {
		payload, err := json.Marshal(rec.Event.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return []any{rec.Event.ID, rec.Topic, rec.Event.Time.UTC().Format(time.RFC3339Nano), string(payload)}, nil
	}
	cells, bad := rec.Event.Flatten()
	if len(bad) > 0 {
		s.logger.Warn("unrenderable fields written empty",
			zap.String("topic", rec.Topic), zap.Strings("fields", bad))
	}
	out := make([]any, len(t.fields))
	for i, f := range t.fields {
		out[i] = cells[f]
	}
	return out, nil
}

// Flush writes batch grouped by INSERT template. Records whose values
// cannot be encoded are rejected before the group's transaction starts.
func (s *SQLSink) Flush(ctx context.Context, batch Batch) Result {
	var res Result
	groups := batch.GroupBy(func(r BufferedRecord) string { return s.templateFor(r.Topic).query })
	for _, g := range groups {
		t := s.templateFor(g.Records[0].Topic)
		var (
			recs []BufferedRecord
			rows [][]any
		)
		for _, rec := range g.Records {
			args, err := s.args(t, rec)
			if err != nil {
				s.logger.Error("rejecting record", zap.String("id", rec.Event.ID), zap.Error(err))
				res.Rejected = append(res.Rejected, rec)
				res.Err = errors.Join(res.Err, fmt.Errorf("%s: record %s: %w", t.table, rec.Event.ID, err))
				continue
			}
			recs = append(recs, rec)
			rows = append(rows, args)
		}
		if len(rows) == 0 {
			continue
		}
		if err := s.flushGroup(ctx, t, rows); err != nil {
			s.logger.Warn("sql group failed, rolled back",
				zap.String("table", t.table), zap.Int("records", len(recs)), zap.Error(err))
			res.Retry = append(res.Retry, recs...)
			res.Err = errors.Join(res.Err, fmt.Errorf("%s: %w", t.table, err))
		}
	}
	return res
}

// flushGroup inserts rows in one transaction. A connection that failed
// mid-transaction is discarded instead of going back to the pool.
func (s *SQLSink) flushGroup(ctx context.Context, t sqlTemplate, rows [][]any) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, t.query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, args := range rows {
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLSink) Close() error { return s.db.Close() }
