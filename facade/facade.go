package facade

import (
	"context"
	"fmt"
	"sync"

	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/store/postgres"
	"github.com/billease/data-sync/store/sqlite"
	"go.uber.org/zap"
)

type Config struct {
	Remote postgres.Config
	Local  sqlite.Config
}

// Facade owns at most one active translator and forwards every call to it.
// Code above the data layer depends on the Facade only, never on a backend.
type Facade struct {
	config    Config
	log       *zap.Logger
	storeOpts []store.Option

	mu     sync.RWMutex
	active store.Translator
}

type Option func(*Facade)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Facade) {
		f.log = logger
	}
}

// WithStoreOptions passes options through to the translator built on Init.
func WithStoreOptions(opts ...store.Option) Option {
	return func(f *Facade) {
		f.storeOpts = append(f.storeOpts, opts...)
	}
}

func New(config Config, opts ...Option) *Facade {
	f := &Facade{config: config, log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	f.storeOpts = append([]store.Option{store.WithLogger(f.log)}, f.storeOpts...)
	return f
}

func (f *Facade) newTranslator(backend store.Backend) (store.Translator, error) {
	switch backend {
	case store.BackendRemote:
		return postgres.NewPgStore(f.config.Remote, f.storeOpts...), nil
	case store.BackendLocal:
		return sqlite.NewSQLiteStore(f.config.Local, f.storeOpts...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// Init builds and initializes the translator for backend. Calling it again
// with the active backend does nothing; switching backends requires Close.
func (f *Facade) Init(ctx context.Context, backend store.Backend) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		if f.active.Type() == backend {
			return nil
		}
		return fmt.Errorf("%w: facade is using the %s backend", store.ErrAlreadyInitialized, f.active.Type())
	}

	t, err := f.newTranslator(backend)
	if err != nil {
		return err
	}
	if err := t.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", backend, err)
	}
	f.active = t
	f.log.Info("storage facade initialized", zap.String("backend", string(backend)))
	return nil
}

func (f *Facade) translator() (store.Translator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return nil, store.ErrNotInitialized
	}
	return f.active, nil
}

func (f *Facade) Select(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.Select(ctx, table, q)
}

func (f *Facade) SelectOne(ctx context.Context, table string, q store.Query) (store.Record, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.SelectOne(ctx, table, q)
}

func (f *Facade) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.Insert(ctx, table, rec)
}

func (f *Facade) Update(ctx context.Context, table string, rec store.Record, filter store.Filter) ([]store.Record, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.Update(ctx, table, rec, filter)
}

func (f *Facade) Delete(ctx context.Context, table string, filter store.Filter) (int64, error) {
	t, err := f.translator()
	if err != nil {
		return 0, err
	}
	return t.Delete(ctx, table, filter)
}

// Query runs a raw statement. The remote backend rejects it with
// store.ErrUnsupportedOperation.
func (f *Facade) Query(ctx context.Context, query string, args ...any) (*store.RawResult, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.RawQuery(ctx, query, args...)
}

func (f *Facade) BeginTransaction(ctx context.Context) (store.Tx, error) {
	t, err := f.translator()
	if err != nil {
		return nil, err
	}
	return t.BeginTransaction(ctx)
}

func (f *Facade) Commit(ctx context.Context, tx store.Tx) error {
	t, err := f.translator()
	if err != nil {
		return err
	}
	return t.Commit(ctx, tx)
}

func (f *Facade) Rollback(ctx context.Context, tx store.Tx) error {
	t, err := f.translator()
	if err != nil {
		return err
	}
	return t.Rollback(ctx, tx)
}

func (f *Facade) Type() (store.Backend, error) {
	t, err := f.translator()
	if err != nil {
		return "", err
	}
	return t.Type(), nil
}

// Close releases the active translator. The facade can be initialized again
// afterwards.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.Close()
	f.active = nil
	return err
}
