package syncer

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/store/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

// flakyStore stands in for the remote store. While down every call fails with
// a connection error.
type flakyStore struct {
	store.Translator
	down    atomic.Bool
	initErr error
}

func (f *flakyStore) Init(ctx context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	return f.Translator.Init(ctx)
}

func (f *flakyStore) fail() error {
	return fmt.Errorf("%w: network is down", store.ErrConnection)
}

func (f *flakyStore) Type() store.Backend { return store.BackendRemote }

func (f *flakyStore) Select(ctx context.Context, table string, q store.Query) ([]store.Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Translator.Select(ctx, table, q)
}

func (f *flakyStore) SelectOne(ctx context.Context, table string, q store.Query) (store.Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Translator.SelectOne(ctx, table, q)
}

func (f *flakyStore) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Translator.Insert(ctx, table, rec)
}

func (f *flakyStore) Replace(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	if f.down.Load() {
		return nil, f.fail()
	}
	return f.Translator.Replace(ctx, table, rec)
}

type fixture struct {
	remote *flakyStore
	local  *sqlite.SQLiteStore
	engine *Engine
}

func newSQLiteStore(t *testing.T, name string, clock *store.ManualClock) *sqlite.SQLiteStore {
	migrations, err := fs.Sub(testMigrations, "testdata/migrations")
	require.NoError(t, err, "failed to open migrations")
	s := sqlite.NewSQLiteStore(sqlite.Config{
		Path:       fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Migrations: migrations,
	}, store.WithClock(clock.Now))
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, name string, opts ...Option) *fixture {
	clock := store.NewManualClock(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
	remote := &flakyStore{Translator: newSQLiteStore(t, name+"remote", clock)}
	local := newSQLiteStore(t, name+"local", clock)
	engine := New(remote, local, opts...)
	require.NoError(t, engine.Init(context.Background()), "failed to init engine")
	require.True(t, engine.IsOnline())
	return &fixture{remote: remote, local: local, engine: engine}
}

func customer(id, name, updatedAt string) store.Record {
	return store.Record{
		store.FieldID:        id,
		"company":            "co1",
		"name":               name,
		store.FieldUpdatedAt: updatedAt,
	}
}

func (f *fixture) insert(t *testing.T, tr store.Translator, rec store.Record) {
	_, err := tr.Insert(context.Background(), "customers", rec)
	require.NoError(t, err, "failed to insert %v", rec.ID())
}

func (f *fixture) name(t *testing.T, tr store.Translator, id string) any {
	rec, err := tr.SelectOne(context.Background(), "customers", store.NewQuery().Where(store.Eq(store.FieldID, id)))
	require.NoError(t, err, "failed to call SelectOne")
	require.NotNil(t, rec, "record %s is missing", id)
	return rec["name"]
}

func TestPullNewerRemoteWins(t *testing.T) {
	f := newFixture(t, "pullnewer")
	f.insert(t, f.local, customer("c1", "Acme", "2025-01-01T00:00:00Z"))
	f.insert(t, f.remote, customer("c1", "Acme Corp", "2025-01-02T00:00:00Z"))

	res := f.engine.Pull(context.Background(), "customers", store.NewQuery())
	require.Equal(t, 1, res.Synced)
	require.Empty(t, res.Errors)
	require.False(t, res.Queued)
	require.Equal(t, "Acme Corp", f.name(t, f.local, "c1"))
}

func TestPullSkipsOlderRemote(t *testing.T) {
	f := newFixture(t, "pullolder")
	f.insert(t, f.local, customer("c1", "Local", "2025-01-03T00:00:00.000Z"))
	f.insert(t, f.remote, customer("c1", "Remote", "2025-01-02T00:00:00.000Z"))

	res := f.engine.Pull(context.Background(), "customers", store.NewQuery())
	require.Equal(t, 0, res.Synced)
	require.Equal(t, "Local", f.name(t, f.local, "c1"))
}

func TestPullInsertsMissing(t *testing.T) {
	f := newFixture(t, "pullmissing")
	f.insert(t, f.remote, customer("c1", "One", "2025-01-02T00:00:00.000Z"))
	f.insert(t, f.remote, customer("c2", "Two", "2025-01-03T00:00:00.000Z"))

	res := f.engine.Pull(context.Background(), "customers", store.NewQuery())
	require.Equal(t, 2, res.Synced)

	rec, err := f.local.SelectOne(context.Background(), "customers", store.NewQuery().Where(store.Eq(store.FieldID, "c2")))
	require.NoError(t, err)
	require.Equal(t, "2025-01-03T00:00:00.000Z", rec[store.FieldUpdatedAt], "pulled records keep the remote timestamp")
}

func TestTieBreakFavorsSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "tiebreak")
	ts := "2025-03-01T00:00:00.000Z"

	f.insert(t, f.local, customer("pulled", "Local", ts))
	f.insert(t, f.remote, customer("pulled", "Remote", ts))
	res := f.engine.Pull(ctx, "customers", store.NewQuery().Where(store.Eq(store.FieldID, "pulled")))
	require.Equal(t, 1, res.Synced)
	require.Equal(t, "Remote", f.name(t, f.local, "pulled"), "remote wins ties on pull")

	f.insert(t, f.local, customer("pushed", "Local", ts))
	f.insert(t, f.remote, customer("pushed", "Remote", ts))
	res = f.engine.Push(ctx, "customers", store.NewQuery().Where(store.Eq(store.FieldID, "pushed")))
	require.Equal(t, 1, res.Synced)
	require.Equal(t, "Local", f.name(t, f.remote, "pushed"), "local wins ties on push")
}

func TestRepeatedPassesConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "converge")
	for i := 1; i <= 3; i++ {
		f.insert(t, f.remote, customer(fmt.Sprintf("c%d", i), fmt.Sprintf("name %d", i), fmt.Sprintf("2025-01-0%dT00:00:00.000Z", i)))
	}

	require.Equal(t, 3, f.engine.Pull(ctx, "customers", store.NewQuery()).Synced)
	require.Equal(t, 0, f.engine.Pull(ctx, "customers", store.NewQuery()).Synced)
	require.Equal(t, 0, f.engine.Push(ctx, "customers", store.NewQuery()).Synced)

	report, err := f.engine.SyncAll(ctx, []string{"customers"})
	require.NoError(t, err)
	require.Equal(t, 0, report.Tables[0].Pull.Synced)
	require.Equal(t, 0, report.Tables[0].Push.Synced)
}

func TestSyncAllLastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "syncalllww")
	f.insert(t, f.local, customer("newer-local", "LocalNewer", "2025-02-02T00:00:00.000Z"))
	f.insert(t, f.remote, customer("newer-local", "RemoteOlder", "2025-02-01T00:00:00.000Z"))
	f.insert(t, f.local, customer("newer-remote", "LocalOlder", "2025-02-01T00:00:00.000Z"))
	f.insert(t, f.remote, customer("newer-remote", "RemoteNewer", "2025-02-02T00:00:00.000Z"))
	_, err := f.local.Insert(ctx, "companies", store.Record{store.FieldID: "co1", "name": "Company"})
	require.NoError(t, err)

	report, err := f.engine.SyncAll(ctx, []string{"companies", "customers"})
	require.NoError(t, err, "failed to call SyncAll")
	require.Len(t, report.Tables, 2)
	require.Equal(t, "companies", report.Tables[0].Table)
	require.Equal(t, "customers", report.Tables[1].Table)

	companies, ok := report.Table("companies")
	require.True(t, ok)
	require.Equal(t, 1, companies.Push.Synced)
	customers, ok := report.Table("customers")
	require.True(t, ok)
	require.Equal(t, 1, customers.Pull.Synced)
	require.Equal(t, 1, customers.Push.Synced)

	for _, tr := range []store.Translator{f.local, f.remote} {
		require.Equal(t, "LocalNewer", f.name(t, tr, "newer-local"))
		require.Equal(t, "RemoteNewer", f.name(t, tr, "newer-remote"))
	}
	require.Equal(t, Status{Queued: 0, IsOnline: true, SyncInProgress: false}, f.engine.QueueStatus())
}

func TestSyncAllInProgress(t *testing.T) {
	f := newFixture(t, "inprogress")
	f.engine.inProgress.Store(true)
	require.True(t, f.engine.QueueStatus().SyncInProgress)

	_, err := f.engine.SyncAll(context.Background(), []string{"customers"})
	require.ErrorIs(t, err, ErrSyncInProgress)

	f.engine.inProgress.Store(false)
	_, err = f.engine.SyncAll(context.Background(), []string{"customers"})
	require.NoError(t, err)
}

func TestOfflinePushIsQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "offlinepush")
	f.insert(t, f.local, customer("c1", "Offline", "2025-01-05T00:00:00.000Z"))

	f.remote.down.Store(true)
	require.False(t, f.engine.CheckOnline(ctx))

	res := f.engine.Push(ctx, "customers", store.NewQuery())
	require.Equal(t, 0, res.Synced)
	require.True(t, res.Queued)
	require.Equal(t, 1, f.engine.QueueStatus().Queued)

	f.engine.Push(ctx, "customers", store.NewQuery())
	require.Equal(t, 1, f.engine.QueueStatus().Queued, "an identical pending push is not queued twice")

	pulled := f.engine.Pull(ctx, "customers", store.NewQuery())
	require.Equal(t, newResult(), pulled, "pull is a no-op while offline")
	require.Equal(t, 1, f.engine.QueueStatus().Queued, "pulls are never queued")

	require.Equal(t, 0, f.engine.ProcessSyncQueue(ctx), "queue is kept while offline")
	require.Equal(t, 1, f.engine.QueueStatus().Queued)

	f.remote.down.Store(false)
	require.True(t, f.engine.CheckOnline(ctx))
	require.Equal(t, 1, f.engine.ProcessSyncQueue(ctx))
	require.Equal(t, 0, f.engine.QueueStatus().Queued)
	require.Equal(t, "Offline", f.name(t, f.remote, "c1"))
}

func TestPushLosesConnectionMidPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "midpass")
	f.insert(t, f.local, customer("c1", "One", "2025-01-05T00:00:00.000Z"))

	f.remote.down.Store(true)
	res := f.engine.Push(ctx, "customers", store.NewQuery())
	require.True(t, res.Queued)
	require.Len(t, res.Errors, 1)
	require.Empty(t, res.Errors[0].RecordID)
	require.False(t, f.engine.IsOnline(), "a connection error marks the engine offline")
	require.Equal(t, 1, f.engine.QueueStatus().Queued)

	f.engine.ClearQueue()
	require.Equal(t, 0, f.engine.QueueStatus().Queued)
}

func TestPullWholePassFailureIsNotQueued(t *testing.T) {
	f := newFixture(t, "pullfailure")
	res := f.engine.Pull(context.Background(), "invoices", store.NewQuery())
	require.Equal(t, 0, res.Synced)
	require.Len(t, res.Errors, 1)
	require.Empty(t, res.Errors[0].RecordID)
	require.False(t, res.Queued)
	require.Equal(t, 0, f.engine.QueueStatus().Queued)
	require.True(t, f.engine.IsOnline(), "a missing table is not a connectivity failure")
}

func TestRecordErrorsAreIsolated(t *testing.T) {
	f := newFixture(t, "isolation")
	f.insert(t, f.local, customer("bad", "Local", "2025-01-01T00:00:00.000Z"))
	f.insert(t, f.remote, customer("bad", "Remote", "not a timestamp"))
	f.insert(t, f.remote, customer("good", "Good", "2025-01-02T00:00:00.000Z"))

	res := f.engine.Pull(context.Background(), "customers", store.NewQuery())
	require.Equal(t, 1, res.Synced)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "bad", res.Errors[0].RecordID)
	require.Equal(t, "Good", f.name(t, f.local, "good"))
	require.Equal(t, "Local", f.name(t, f.local, "bad"))
}

func TestPullWithInSetFilter(t *testing.T) {
	f := newFixture(t, "pullinset")
	for tier := 1; tier <= 10; tier++ {
		rec := customer(fmt.Sprintf("c%d", tier), "n", "2025-01-02T00:00:00.000Z")
		rec["tier"] = tier
		f.insert(t, f.remote, rec)
	}

	res := f.engine.Pull(context.Background(), "customers", store.NewQuery().Where(store.In("tier", 2, 5, 9)))
	require.Equal(t, 3, res.Synced)

	records, err := f.local.Select(context.Background(), "customers", store.NewQuery().OrderBy("tier", store.Asc))
	require.NoError(t, err)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID()
	}
	require.Equal(t, []string{"c2", "c5", "c9"}, ids)
}

func TestInitWithUnreachableRemote(t *testing.T) {
	clock := store.NewManualClock(time.Now())
	remote := &flakyStore{Translator: newSQLiteStore(t, "unreachableremote", clock)}
	remote.down.Store(true)
	engine := New(remote, newSQLiteStore(t, "unreachablelocal", clock))
	require.NoError(t, engine.Init(context.Background()))
	require.False(t, engine.IsOnline())
}

func TestInitFailureClosesLocal(t *testing.T) {
	clock := store.NewManualClock(time.Now())
	remote := &flakyStore{
		Translator: newSQLiteStore(t, "brokenremote", clock),
		initErr:    errors.New("migration 2 failed"),
	}
	local := newSQLiteStore(t, "brokenlocal", clock)
	engine := New(remote, local)

	err := engine.Init(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrConnection)
	_, err = local.Select(context.Background(), "customers", store.NewQuery())
	require.ErrorIs(t, err, store.ErrNotInitialized, "the local store must be closed again")
}

func TestSubMillisecondTimestampsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "submillis")
	f.insert(t, f.local, customer("c1", "Acme", "2025-01-02T00:00:00.000400Z"))

	require.Equal(t, 1, f.engine.Push(ctx, "customers", store.NewQuery()).Synced)
	require.Equal(t, 0, f.engine.Push(ctx, "customers", store.NewQuery()).Synced)
	require.Equal(t, 0, f.engine.Pull(ctx, "customers", store.NewQuery()).Synced)
}

func TestQueuedPullIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "queuedpull")
	f.insert(t, f.remote, customer("c1", "Acme", "2025-01-02T00:00:00.000Z"))
	f.engine.queue.Enqueue(QueueEntry{Direction: DirectionPull, Table: "customers"})

	require.Zero(t, f.engine.ProcessSyncQueue(ctx))
	require.Zero(t, f.engine.QueueStatus().Queued)
	rec, err := f.local.SelectOne(ctx, "customers", store.NewQuery())
	require.NoError(t, err)
	require.Nil(t, rec, "only pushes are replayed from the queue")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, "metrics", WithMetrics(m))
	f.insert(t, f.remote, customer("c1", "One", "2025-01-02T00:00:00.000Z"))
	f.insert(t, f.remote, customer("c2", "Two", "2025-01-02T00:00:00.000Z"))

	f.engine.Pull(context.Background(), "customers", store.NewQuery())
	require.Equal(t, float64(2), testutil.ToFloat64(m.synced.WithLabelValues("customers", "pull")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.online))

	f.remote.down.Store(true)
	f.engine.Push(context.Background(), "customers", store.NewQuery())
	require.Equal(t, float64(0), testutil.ToFloat64(m.online))
	require.Equal(t, float64(1), testutil.ToFloat64(m.queued))
}
