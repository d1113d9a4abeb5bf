package postgres

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/billease/data-sync/store"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DefaultPageSize bounds a read that sets an offset without a limit.
const DefaultPageSize = 1000

const DefaultProbeTable = "companies"

type Config struct {
	URL        string
	AnonKey    string
	ServiceKey string
	// ProbeTable is read once on Init to verify the connection.
	ProbeTable string
	CACert     *x509.Certificate
	Migrations fs.FS
}

// Key returns the credential used to connect. The service key wins over the
// anonymous key.
func (c Config) Key() string {
	if c.ServiceKey != "" {
		return c.ServiceKey
	}
	return c.AnonKey
}

type PgStore struct {
	config  Config
	opts    store.Options
	builder *store.SQLBuilder

	mu sync.RWMutex
	db *pgxpool.Pool
}

var _ store.Translator = (*PgStore)(nil)

func NewPgStore(config Config, opts ...store.Option) *PgStore {
	if config.ProbeTable == "" {
		config.ProbeTable = DefaultProbeTable
	}
	return &PgStore{
		config:  config,
		opts:    store.NewOptions(opts...),
		builder: store.NewSQLBuilder(Dialect{}),
	}
}

func (s *PgStore) poolConfig() (*pgxpool.Config, error) {
	if s.config.URL == "" {
		return nil, fmt.Errorf("%w: remote database url is not configured", store.ErrConnection)
	}
	key := s.config.Key()
	if key == "" {
		return nil, fmt.Errorf("%w: remote credentials are not configured", store.ErrConnection)
	}
	cfg, err := pgxpool.ParseConfig(s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse remote database url: %w", store.ErrConnection, err)
	}
	cfg.ConnConfig.Password = key
	if s.config.CACert != nil {
		pool := x509.NewCertPool()
		pool.AddCert(s.config.CACert)
		host := cfg.ConnConfig.Host
		cfg.ConnConfig.TLSConfig = &tls.Config{RootCAs: pool, ServerName: host}
		cfg.ConnConfig.Fallbacks = nil
	}
	return cfg, nil
}

func (s *PgStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	cfg, err := s.poolConfig()
	if err != nil {
		return err
	}

	if s.config.Migrations != nil {
		if err := migrateUp(cfg.ConnConfig, s.config.Migrations); err != nil {
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: pgxpool.NewWithConfig(%v): %w", store.ErrConnection, cfg.ConnConfig.Host, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: failed to reach remote database: %w", store.ErrConnection, err)
	}

	// A missing probe table is not fatal: the schema may not be deployed yet.
	probe := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", Dialect{}.QuoteIdent(s.config.ProbeTable))
	rows, err := pool.Query(ctx, probe)
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UndefinedTable {
			pool.Close()
			return fmt.Errorf("failed to probe remote database: %w", classify(err))
		}
		s.opts.Logger.Warn("probe table is missing", zap.String("table", s.config.ProbeTable))
	}

	s.db = pool
	s.opts.Logger.Info("remote store initialized", zap.String("host", cfg.ConnConfig.Host))
	return nil
}

func migrateUp(connConfig *pgx.ConnConfig, migrations fs.FS) error {
	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("%w: failed to create migration driver %w", store.ErrConnection, err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "data-sync", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (s *PgStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

func (s *PgStore) Type() store.Backend {
	return store.BackendRemote
}

func (s *PgStore) pool() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotInitialized
	}
	return s.db, nil
}

func (s *PgStore) query(ctx context.Context, st store.Statement) ([]store.Record, error) {
	db, err := s.pool()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, classify(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(err)
	}
	records := make([]store.Record, len(maps))
	for i, m := range maps {
		record := make(store.Record, len(m))
		for k, v := range m {
			record[k] = normalize(v)
		}
		records[i] = record
	}
	return records, nil
}

func (s *PgStore) Select(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
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

func (s *PgStore) SelectOne(ctx context.Context, table string, q store.Query) (store.Record, error) {
	records, err := s.Select(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *PgStore) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
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

func (s *PgStore) Update(ctx context.Context, table string, rec store.Record, filter store.Filter) ([]store.Record, error) {
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

func (s *PgStore) Replace(ctx context.Context, table string, rec store.Record) (store.Record, error) {
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

func (s *PgStore) Delete(ctx context.Context, table string, filter store.Filter) (int64, error) {
	st, err := s.builder.Delete(table, filter)
	if err != nil {
		return 0, err
	}
	db, err := s.pool()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, st.SQL, st.Args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, classify(err))
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) RawQuery(context.Context, string, ...any) (*store.RawResult, error) {
	return nil, fmt.Errorf("%w: raw queries are not available on the remote store", store.ErrUnsupportedOperation)
}

// remoteTx is a placeholder handle. Every remote write commits on its own.
type remoteTx struct {
	id    string
	owner *PgStore
}

func (t *remoteTx) ID() string { return t.id }

func (s *PgStore) BeginTransaction(context.Context) (store.Tx, error) {
	if _, err := s.pool(); err != nil {
		return nil, err
	}
	return &remoteTx{id: uuid.NewString(), owner: s}, nil
}

func (s *PgStore) Commit(_ context.Context, tx store.Tx) error {
	if rtx, ok := tx.(*remoteTx); !ok || rtx.owner != s {
		return store.ErrUnknownTx
	}
	return nil
}

func (s *PgStore) Rollback(_ context.Context, tx store.Tx) error {
	if rtx, ok := tx.(*remoteTx); !ok || rtx.owner != s {
		return store.ErrUnknownTx
	}
	return nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			return fmt.Errorf("%w: %w", store.ErrConstraintViolation, err)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", store.ErrConnection, err)
	}
	if strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%w: %w", store.ErrConnection, err)
	}
	return err
}

func normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return store.FormatTime(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(t)
	}
	return v
}

// Dialect renders Postgres syntax: numbered placeholders and pgx-sanitized
// identifiers.
type Dialect struct{}

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (Dialect) LimitOffset(limit, offset int) string {
	if limit <= 0 && offset > 0 {
		limit = DefaultPageSize
	}
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}
