package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/billease/data-sync/store"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite "github.com/mattn/go-sqlite3"
)

// DefaultFileName is the database file used when Config.Path is empty. It is
// resolved next to the running executable.
const DefaultFileName = "pos.db"

type Config struct {
	Path string
	// Migrations, when set, holds the application's schema files
	// (golang-migrate naming) and is applied on Init.
	Migrations fs.FS
}

type SQLiteStore struct {
	config  Config
	opts    store.Options
	builder *store.SQLBuilder

	mu sync.RWMutex
	db *sql.DB
}

var _ store.Translator = (*SQLiteStore)(nil)

func NewSQLiteStore(config Config, opts ...store.Option) *SQLiteStore {
	return &SQLiteStore{
		config:  config,
		opts:    store.NewOptions(opts...),
		builder: store.NewSQLBuilder(Dialect{}),
	}
}

func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(filepath.Dir(exe), DefaultFileName)
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(path string) string {
	params := "_foreign_keys=1&_busy_timeout=5000"
	if !isMemory(path) {
		params += "&_journal_mode=WAL"
	}
	if path == ":memory:" {
		path = "file::memory:"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	path := s.config.Path
	if path == "" {
		path = DefaultPath()
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return fmt.Errorf("%w: failed to open sqlite3 database %s: %w", store.ErrConnection, path, err)
	}
	// An in-memory database lives only as long as its connection.
	if isMemory(path) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: failed to open sqlite3 database %s: %w", store.ErrConnection, path, err)
	}

	if s.config.Migrations != nil {
		if err := migrateUp(db, s.config.Migrations); err != nil {
			db.Close()
			return err
		}
	}

	s.db = db
	s.opts.Logger.Info("local store initialized", zap.String("path", path))
	return nil
}

func migrateUp(db *sql.DB, migrations fs.FS) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) Type() store.Backend {
	return store.BackendLocal
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// conn returns the transaction carried by ctx when it belongs to this store,
// the database otherwise.
func (s *SQLiteStore) conn(ctx context.Context) (querier, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, store.ErrNotInitialized
	}
	if tx, ok := store.TxFromContext(ctx); ok {
		if ltx, ok := tx.(*localTx); ok && ltx.owner == s {
			return ltx.tx, nil
		}
	}
	return db, nil
}

func (s *SQLiteStore) query(ctx context.Context, st store.Statement) ([]store.Record, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, st.SQL, bindArgs(st.Args)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func (s *SQLiteStore) Select(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	st, err := s.builder.Select(table, q)
	if err != nil {
		return nil, err
	}
	records, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", table, err)
	}
	return records, nil
}

func (s *SQLiteStore) SelectOne(ctx context.Context, table string, q store.Query) (store.Record, error) {
	records, err := s.Select(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *SQLiteStore) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	st, err := s.builder.Insert(table, store.PrepareInsert(rec, s.opts.Now()))
	if err != nil {
		return nil, err
	}
	records, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("failed to insert into %s: no row returned", table)
	}
	return records[0], nil
}

func (s *SQLiteStore) Update(ctx context.Context, table string, rec store.Record, filter store.Filter) ([]store.Record, error) {
	st, err := s.builder.Update(table, store.PrepareUpdate(rec, s.opts.Now()), filter)
	if err != nil {
		return nil, err
	}
	records, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", table, err)
	}
	return records, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: record has no id", store.ErrInvalidQuery)
	}
	st, err := s.builder.Update(table, rec, store.NewFilter(store.Eq(store.FieldID, id)))
	if err != nil {
		return nil, err
	}
	records, err := s.query(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to replace %s in %s: %w", id, table, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("failed to replace %s in %s: record not found", id, table)
	}
	return records[0], nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table string, filter store.Filter) (int64, error) {
	st, err := s.builder.Delete(table, filter)
	if err != nil {
		return 0, err
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, st.SQL, bindArgs(st.Args)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, classify(err))
	}
	return res.RowsAffected()
}

var returningClause = regexp.MustCompile(`(?i)\bRETURNING\b`)

// isReadStatement decides from the statement's shape whether it yields rows.
func isReadStatement(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "VALUES", "EXPLAIN":
		return true
	case "PRAGMA":
		return !strings.Contains(q, "=")
	}
	return returningClause.MatchString(q)
}

func (s *SQLiteStore) RawQuery(ctx context.Context, query string, args ...any) (*store.RawResult, error) {
	if isReadStatement(query) {
		records, err := s.query(ctx, store.Statement{SQL: query, Args: args})
		if err != nil {
			return nil, fmt.Errorf("failed to run query: %w", err)
		}
		return &store.RawResult{Rows: records}, nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.ExecContext(ctx, query, bindArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("failed to run statement: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read last insert id: %w", err)
	}
	return &store.RawResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

type localTx struct {
	id    string
	tx    *sql.Tx
	owner *SQLiteStore
}

func (t *localTx) ID() string { return t.id }

// BeginTransaction starts a real transaction. Calls made with a context from
// store.ContextWithTx run inside it. For in-memory databases the transaction
// holds the only connection, so calls made without it wait for Commit or
// Rollback.
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (store.Tx, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, store.ErrNotInitialized
	}
	// database/sql rolls a transaction back when its context ends; the
	// handle must stay open until the caller commits.
	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &localTx{id: uuid.NewString(), tx: tx, owner: s}, nil
}

func (s *SQLiteStore) handle(tx store.Tx) (*localTx, error) {
	ltx, ok := tx.(*localTx)
	if !ok || ltx.owner != s {
		return nil, store.ErrUnknownTx
	}
	return ltx, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, tx store.Tx) error {
	ltx, err := s.handle(tx)
	if err != nil {
		return err
	}
	if err := ltx.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("failed to commit transaction %s: %w", ltx.id, store.ErrTxDone)
		}
		return fmt.Errorf("failed to commit transaction %s: %w", ltx.id, classify(err))
	}
	return nil
}

func (s *SQLiteStore) Rollback(ctx context.Context, tx store.Tx) error {
	ltx, err := s.handle(tx)
	if err != nil {
		return err
	}
	if err := ltx.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("failed to roll back transaction %s: %w", ltx.id, store.ErrTxDone)
		}
		return fmt.Errorf("failed to roll back transaction %s: %w", ltx.id, err)
	}
	return nil
}

func classify(err error) error {
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite.ErrConstraint {
		return fmt.Errorf("%w: %w", store.ErrConstraintViolation, err)
	}
	return err
}

// bindArgs encodes values the driver cannot bind directly. Nested maps and
// lists are stored as JSON text.
func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = bindValue(a)
	}
	return out
}

func bindValue(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case []byte, string, time.Time:
		return v
	}
	kind := reflect.TypeOf(v).Kind()
	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array || kind == reflect.Struct {
		encoded, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(encoded)
	}
	return v
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	records := make([]store.Record, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record := make(store.Record, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				record[col] = string(v)
			case time.Time:
				record[col] = store.FormatTime(v)
			default:
				record[col] = v
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Dialect renders SQLite syntax: "?" placeholders and double-quoted
// identifiers. SQLite only accepts OFFSET after a LIMIT.
type Dialect struct{}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) LimitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	} else if offset > 0 {
		sb.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}
