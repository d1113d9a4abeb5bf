package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/store/postgres"
	"github.com/billease/data-sync/store/sqlite"
	"go.uber.org/zap"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrMissingID      = errors.New("record has no id")
)

// Engine reconciles tables between the remote and the local store with
// last-write-wins on the record timestamp. It has no scheduler of its own;
// callers drive it directly or through a Scheduler.
type Engine struct {
	remote     store.Translator
	local      store.Translator
	log        *zap.Logger
	metrics    *Metrics
	probeTable string
	storeOpts  []store.Option
	queue      Queue

	online     atomic.Bool
	inProgress atomic.Bool
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithProbeTable sets the remote table read by CheckOnline.
func WithProbeTable(table string) Option {
	return func(e *Engine) {
		e.probeTable = table
	}
}

// WithStoreOptions is applied to the translators built by Open.
func WithStoreOptions(opts ...store.Option) Option {
	return func(e *Engine) {
		e.storeOpts = append(e.storeOpts, opts...)
	}
}

func New(remote, local store.Translator, opts ...Option) *Engine {
	e := &Engine{
		remote:     remote,
		local:      local,
		log:        zap.NewNop(),
		probeTable: postgres.DefaultProbeTable,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.online.Store(true)
	e.metrics.setOnline(true)
	return e
}

// Open builds both translators from their configurations and initializes
// them.
func Open(ctx context.Context, remote postgres.Config, local sqlite.Config, opts ...Option) (*Engine, error) {
	e := New(nil, nil, opts...)
	storeOpts := append([]store.Option{store.WithLogger(e.log)}, e.storeOpts...)
	e.remote = postgres.NewPgStore(remote, storeOpts...)
	e.local = sqlite.NewSQLiteStore(local, storeOpts...)
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Init initializes both stores and probes the remote one. The local store
// must come up; a remote that cannot be reached leaves the engine offline.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.local.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize local store: %w", err)
	}
	if err := e.remote.Init(ctx); err != nil {
		if !errors.Is(err, store.ErrConnection) {
			if closeErr := e.local.Close(); closeErr != nil {
				e.log.Warn("failed to close local store", zap.Error(closeErr))
			}
			return fmt.Errorf("failed to initialize remote store: %w", err)
		}
		e.log.Warn("remote store unreachable, starting offline", zap.Error(err))
		e.setOnline(false)
		return nil
	}
	e.CheckOnline(ctx)
	e.log.Info("sync engine initialized", zap.Bool("online", e.IsOnline()))
	return nil
}

func (e *Engine) Close() error {
	return errors.Join(e.remote.Close(), e.local.Close())
}

func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

func (e *Engine) setOnline(online bool) {
	if e.online.Swap(online) != online {
		e.log.Info("connectivity changed", zap.Bool("online", online))
	}
	e.metrics.setOnline(online)
}

// CheckOnline reads one row of the probe table from the remote store. Any
// failure, including an uninitialized remote, marks the engine offline.
func (e *Engine) CheckOnline(ctx context.Context) bool {
	_, err := e.remote.SelectOne(ctx, e.probeTable, store.NewQuery())
	if errors.Is(err, store.ErrNotInitialized) {
		if initErr := e.remote.Init(ctx); initErr == nil {
			_, err = e.remote.SelectOne(ctx, e.probeTable, store.NewQuery())
		}
	}
	if err != nil {
		e.log.Debug("remote probe failed", zap.Error(err))
	}
	e.setOnline(err == nil)
	return err == nil
}

// Pull copies newer remote records of table into the local store. Offline it
// returns an empty result without touching either store.
func (e *Engine) Pull(ctx context.Context, table string, opts store.Query) Result {
	if !e.IsOnline() {
		e.log.Warn("cannot pull: offline", zap.String("table", table))
		return newResult()
	}
	res, err := e.transfer(ctx, DirectionPull, table, opts)
	if err != nil {
		if errors.Is(err, store.ErrConnection) {
			e.setOnline(false)
		}
		e.log.Error("pull failed", zap.String("table", table), zap.Error(err))
		failed := newResult()
		failed.fail("", err)
		return failed
	}
	e.log.Info("pulled table", zap.String("table", table), zap.Int("synced", res.Synced), zap.Int("errors", len(res.Errors)))
	return res
}

// Push copies newer local records of table into the remote store. Offline,
// or when the pass as a whole fails, the push is queued for
// ProcessSyncQueue.
func (e *Engine) Push(ctx context.Context, table string, opts store.Query) Result {
	if !e.IsOnline() {
		e.enqueue(QueueEntry{Direction: DirectionPush, Table: table, Options: opts})
		e.log.Info("offline, push queued", zap.String("table", table))
		res := newResult()
		res.Queued = true
		return res
	}
	res, err := e.transfer(ctx, DirectionPush, table, opts)
	if err != nil {
		if errors.Is(err, store.ErrConnection) {
			e.setOnline(false)
		}
		e.enqueue(QueueEntry{Direction: DirectionPush, Table: table, Options: opts})
		e.log.Error("push failed, queued", zap.String("table", table), zap.Error(err))
		res.fail("", err)
		res.Queued = true
		return res
	}
	e.log.Info("pushed table", zap.String("table", table), zap.Int("synced", res.Synced), zap.Int("errors", len(res.Errors)))
	return res
}

// transfer runs one pass from the source to the destination store of dir.
// Record failures are collected in the result. A connection failure against
// the remote store aborts the pass and is returned with the partial result.
func (e *Engine) transfer(ctx context.Context, dir Direction, table string, opts store.Query) (Result, error) {
	src, dst := e.remote, e.local
	if dir == DirectionPush {
		src, dst = e.local, e.remote
	}
	if _, ok := opts.Order(); !ok {
		opts = opts.OrderBy(store.FieldUpdatedAt, store.Desc)
	}

	res := newResult()
	records, err := src.Select(ctx, table, opts)
	if err != nil {
		return res, fmt.Errorf("failed to read %s from %s store: %w", table, src.Type(), err)
	}

	for _, rec := range records {
		wrote, err := e.reconcile(ctx, dst, table, rec)
		if err != nil {
			if dst == e.remote && errors.Is(err, store.ErrConnection) {
				e.metrics.recordSynced(table, dir, res.Synced)
				return res, err
			}
			e.log.Warn("record failed to sync",
				zap.String("table", table),
				zap.String("direction", string(dir)),
				zap.String("id", rec.ID()),
				zap.Error(err))
			e.metrics.recordError(table, dir)
			res.fail(rec.ID(), err)
			continue
		}
		if wrote {
			res.Synced++
		}
	}
	e.metrics.recordSynced(table, dir, res.Synced)
	return res, nil
}

// reconcile writes rec into dst when dst has no record with its id, or when
// rec is at least as recent as dst's copy. It reports whether it wrote.
func (e *Engine) reconcile(ctx context.Context, dst store.Translator, table string, rec store.Record) (bool, error) {
	id := rec.ID()
	if id == "" {
		return false, ErrMissingID
	}
	existing, err := dst.SelectOne(ctx, table, store.NewQuery().Where(store.Eq(store.FieldID, id)))
	if err != nil {
		return false, err
	}
	if existing == nil {
		if _, err := dst.Insert(ctx, table, rec); err != nil {
			return false, err
		}
		return true, nil
	}

	srcTime, err := rec.Timestamp()
	if err != nil {
		return false, fmt.Errorf("failed to read source timestamp: %w", err)
	}
	dstTime, err := existing.Timestamp()
	if err != nil {
		return false, fmt.Errorf("failed to read destination timestamp: %w", err)
	}
	// Timestamps are stored with millisecond precision.
	srcTime, dstTime = srcTime.Truncate(time.Millisecond), dstTime.Truncate(time.Millisecond)
	if srcTime.Before(dstTime) {
		return false, nil
	}
	// Equal timestamps go to the source side, unless there is nothing to copy.
	if srcTime.Equal(dstTime) && store.SameFields(rec, existing) {
		return false, nil
	}
	if _, err := dst.Replace(ctx, table, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) enqueue(entry QueueEntry) {
	e.queue.Enqueue(entry)
	e.metrics.setQueueLength(e.queue.Len())
}

// ProcessSyncQueue replays every queued operation once. It does nothing while
// offline. Operations that fail again are queued again. It returns the
// number of operations that completed.
func (e *Engine) ProcessSyncQueue(ctx context.Context) int {
	if !e.IsOnline() || e.queue.Len() == 0 {
		return 0
	}
	entries := e.queue.Drain()
	e.log.Info("processing sync queue", zap.Int("entries", len(entries)))

	done := 0
	for _, entry := range entries {
		if entry.Direction != DirectionPush {
			e.log.Warn("dropping queued operation with unexpected direction",
				zap.String("direction", string(entry.Direction)), zap.String("table", entry.Table))
			continue
		}
		if res := e.Push(ctx, entry.Table, entry.Options); !res.Queued {
			done++
		}
	}
	e.metrics.setQueueLength(e.queue.Len())
	return done
}

// SyncAll refreshes connectivity, pulls then pushes each table in the given
// order and finally drains the retry queue. It refuses to start while
// another pass is running.
func (e *Engine) SyncAll(ctx context.Context, tables []string) (*Report, error) {
	if !e.inProgress.CompareAndSwap(false, true) {
		e.log.Warn("sync already in progress, skipping")
		return nil, ErrSyncInProgress
	}
	defer e.inProgress.Store(false)

	start := time.Now()
	online := e.CheckOnline(ctx)
	e.log.Info("starting full sync", zap.Strings("tables", tables), zap.Bool("online", online))

	report := &Report{Tables: make([]TableResult, 0, len(tables))}
	for _, table := range tables {
		pull := e.Pull(ctx, table, store.NewQuery())
		push := e.Push(ctx, table, store.NewQuery())
		report.Tables = append(report.Tables, TableResult{Table: table, Pull: pull, Push: push})
	}
	e.ProcessSyncQueue(ctx)

	e.metrics.observePass(time.Since(start))
	e.log.Info("full sync finished", zap.Duration("duration", time.Since(start)))
	return report, nil
}

func (e *Engine) QueueStatus() Status {
	return Status{
		Queued:         e.queue.Len(),
		IsOnline:       e.IsOnline(),
		SyncInProgress: e.inProgress.Load(),
	}
}

func (e *Engine) QueuedEntries() []QueueEntry {
	return e.queue.Entries()
}

func (e *Engine) ClearQueue() {
	e.queue.Clear()
	e.metrics.setQueueLength(0)
	e.log.Info("sync queue cleared")
}
