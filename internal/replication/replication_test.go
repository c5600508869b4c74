package replication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/sqldb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func order(id string, status documents.OrderStatus) documents.Order {
	return documents.Order{
		ID:       id,
		SellerID: "alice",
		Amount:   decimal.NewFromInt(50),
		Price:    decimal.NewFromInt(2800),
		Status:   status,
	}
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// fakeRemote is an in-memory server collection: it keeps whatever copy is
// newer and returns the canonical copy of every pushed id.
type fakeRemote struct {
	store *docstore.MemoryStore[documents.Order]

	mu      sync.Mutex
	pullErr error
	pushErr error
	pulls   int
	pushes  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{store: docstore.NewMemoryStore[documents.Order](documents.CollectionOrders)}
}

func (f *fakeRemote) seed(t *testing.T, docs ...documents.Order) {
	t.Helper()
	for _, d := range docs {
		_, err := f.store.Upsert(context.Background(), d, docstore.PreferIncoming)
		require.NoError(t, err)
	}
}

func (f *fakeRemote) Pull(ctx context.Context, req PullRequest) (PullResult[documents.Order], error) {
	f.mu.Lock()
	f.pulls++
	err := f.pullErr
	f.mu.Unlock()
	if err != nil {
		return PullResult[documents.Order]{}, err
	}
	docs, err := f.store.Since(ctx, req.Checkpoint, req.MinUpdatedAt, req.BatchSize)
	return PullResult[documents.Order]{Docs: docs, Fetched: len(docs)}, err
}

func (f *fakeRemote) Push(ctx context.Context, docs []documents.Order) ([]documents.Order, error) {
	f.mu.Lock()
	f.pushes++
	err := f.pushErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]documents.Order, 0, len(docs))
	for _, d := range docs {
		if _, err := f.store.Upsert(ctx, d, docstore.PreferExisting); err != nil {
			return nil, err
		}
		canonical, err := f.store.Get(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, canonical)
	}
	return out, nil
}

type replica struct {
	store       *docstore.MemoryStore[documents.Order]
	checkpoints *MemoryCheckpoints
	rep         *Replicator[documents.Order]
}

func newReplica(remote Remote[documents.Order], clockMs int64) *replica {
	store := docstore.NewMemoryStore[documents.Order](documents.CollectionOrders, docstore.WithClock(fixedClock(clockMs)))
	cps := NewMemoryCheckpoints()
	return &replica{
		store:       store,
		checkpoints: cps,
		rep:         NewReplicator[documents.Order](store, remote, cps, testLogger()),
	}
}

func (r *replica) ids(t *testing.T) []string {
	t.Helper()
	all, err := r.store.FindAll(context.Background(), true)
	require.NoError(t, err)
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = d.ID
	}
	return out
}

func (r *replica) dirty(t *testing.T) int {
	t.Helper()
	d, err := r.store.Dirty(context.Background())
	require.NoError(t, err)
	return len(d)
}

func TestReplicator_PullsInBatchesAndPersistsCheckpoint(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(t,
		order("o1", documents.OrderCreated).WithMeta(100, false),
		order("o2", documents.OrderCreated).WithMeta(200, false),
		order("o3", documents.OrderCreated).WithMeta(300, false),
		order("o4", documents.OrderCreated).WithMeta(400, true),
		order("o5", documents.OrderCreated).WithMeta(500, false),
	)
	r := newReplica(remote, 1000)
	r.rep.WithBatchSize(2)

	var applied []string
	r.rep.OnApplied(func(o documents.Order) { applied = append(applied, o.ID) })

	require.NoError(t, r.rep.Cycle(ctx))

	assert.Equal(t, []string{"o1", "o2", "o3", "o4", "o5"}, r.ids(t))
	assert.Equal(t, []string{"o1", "o2", "o3", "o4", "o5"}, applied)
	assert.Equal(t, 3, remote.pulls, "2 + 2 + 1: the short batch ends the pull")

	cp, err := r.checkpoints.Load(ctx, documents.CollectionOrders)
	require.NoError(t, err)
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: 500, ID: "o5"}, cp)

	deleted, err := r.store.Get(ctx, "o4")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted, "deletions replicate")

	// Nothing new: one empty pull, nothing applied.
	applied = nil
	require.NoError(t, r.rep.Cycle(ctx))
	assert.Empty(t, applied)
	assert.Equal(t, 4, remote.pulls)
}

func TestReplicator_TwoReplicasConverge(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	a := newReplica(remote, 1000)
	b := newReplica(remote, 2000)

	_, err := a.store.Put(ctx, order("o1", documents.OrderCreated))
	require.NoError(t, err)
	_, err = b.store.Put(ctx, order("o2", documents.OrderCreated))
	require.NoError(t, err)

	require.NoError(t, a.rep.Cycle(ctx))
	require.NoError(t, b.rep.Cycle(ctx))
	require.NoError(t, a.rep.Cycle(ctx))

	assert.ElementsMatch(t, []string{"o1", "o2"}, a.ids(t))
	assert.ElementsMatch(t, []string{"o1", "o2"}, b.ids(t))
	assert.Zero(t, a.dirty(t))
	assert.Zero(t, b.dirty(t))

	for _, id := range []string{"o1", "o2"} {
		fromA, err := a.store.Get(ctx, id)
		require.NoError(t, err)
		fromB, err := b.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fromA.UpdatedAt, fromB.UpdatedAt, id)
	}
}

func TestReplicator_PushAdoptsNewerCanonicalCopy(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(t, order("o1", documents.OrderEscrowPending).WithMeta(150, false))

	r := newReplica(remote, 100)
	sent, err := r.store.Put(ctx, order("o1", documents.OrderCreated))
	require.NoError(t, err)
	require.Equal(t, int64(100), sent.UpdatedAt)

	adopted, err := r.rep.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)

	got, err := r.store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.UpdatedAt)
	assert.Equal(t, documents.OrderEscrowPending, got.Status)
	assert.Zero(t, r.dirty(t))

	server, err := remote.store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, documents.OrderEscrowPending, server.Status, "older push never overwrites")
}

func TestReplicator_NothingDirtyNothingPushed(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	r := newReplica(remote, 1000)

	_, err := r.store.Put(ctx, order("o1", documents.OrderCreated))
	require.NoError(t, err)

	require.NoError(t, r.rep.Cycle(ctx))
	require.NoError(t, r.rep.Cycle(ctx))
	assert.Equal(t, 1, remote.pushes)
	assert.Zero(t, r.dirty(t))
}

func TestReplicator_TransientFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(t, order("o1", documents.OrderCreated).WithMeta(100, false))
	r := newReplica(remote, 1000)

	_, err := r.store.Put(ctx, order("local", documents.OrderCreated))
	require.NoError(t, err)

	remote.pullErr = errors.New("connection refused")
	err = r.rep.Cycle(ctx)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Contains(t, err.Error(), "will retry")

	cp, _ := r.checkpoints.Load(ctx, documents.CollectionOrders)
	assert.True(t, cp.IsZero())
	assert.Equal(t, 1, r.dirty(t))
	assert.Zero(t, remote.pushes, "a failed pull aborts the cycle")

	remote.pullErr = nil
	remote.pushErr = errors.New("503")
	err = r.rep.Cycle(ctx)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 1, r.dirty(t), "dirty flags survive a failed push")

	cp, _ = r.checkpoints.Load(ctx, documents.CollectionOrders)
	assert.Equal(t, "o1", cp.ID, "the pull phase still committed")

	remote.pushErr = nil
	require.NoError(t, r.rep.Cycle(ctx))
	assert.Zero(t, r.dirty(t))
}

func TestReplicator_SkipsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	bad := order("bad", documents.OrderCreated)
	bad.Amount = decimal.Zero
	remote.seed(t, bad.WithMeta(100, false), order("good", documents.OrderCreated).WithMeta(200, false))

	r := newReplica(remote, 1000)
	require.NoError(t, r.rep.Cycle(ctx))

	assert.Equal(t, []string{"good"}, r.ids(t))
	cp, _ := r.checkpoints.Load(ctx, documents.CollectionOrders)
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: 200, ID: "good"}, cp)
}

func TestReplicator_MinUpdatedAt(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(t,
		order("old", documents.OrderCreated).WithMeta(100, false),
		order("new", documents.OrderCreated).WithMeta(900, false),
	)
	r := newReplica(remote, 1000)
	r.rep.WithMinUpdatedAt(500)

	require.NoError(t, r.rep.Cycle(ctx))
	assert.Equal(t, []string{"new"}, r.ids(t))
}

// replayRemote ignores the checkpoint and always returns the same batch.
type replayRemote struct{ batch []documents.Order }

func (r replayRemote) Pull(context.Context, PullRequest) (PullResult[documents.Order], error) {
	return PullResult[documents.Order]{Docs: r.batch}, nil
}

func (r replayRemote) Push(_ context.Context, docs []documents.Order) ([]documents.Order, error) {
	return docs, nil
}

func TestReplicator_RejectsOutOfOrderPull(t *testing.T) {
	r := newReplica(replayRemote{batch: []documents.Order{order("o1", documents.OrderCreated).WithMeta(100, false)}}, 1000)
	r.rep.WithBatchSize(1)

	err := r.rep.Cycle(context.Background())
	require.Error(t, err)
	assert.False(t, apperr.IsTransient(err))
	assert.Contains(t, err.Error(), "at or before checkpoint")

	cp, _ := r.checkpoints.Load(context.Background(), documents.CollectionOrders)
	assert.Equal(t, "o1", cp.ID, "the first batch was committed")
}

// lossyRemote pages through pages in order, the way a client that dropped
// undecodable documents sees the server.
type lossyRemote struct {
	pages []PullResult[documents.Order]
	calls int
}

func (l *lossyRemote) Pull(_ context.Context, req PullRequest) (PullResult[documents.Order], error) {
	for _, p := range l.pages {
		if req.Checkpoint.Before(p.Checkpoint.UpdatedAt, p.Checkpoint.ID) {
			l.calls++
			return p, nil
		}
	}
	l.calls++
	return PullResult[documents.Order]{Checkpoint: req.Checkpoint}, nil
}

func (l *lossyRemote) Push(_ context.Context, docs []documents.Order) ([]documents.Order, error) {
	return docs, nil
}

func TestReplicator_PullAdvancesPastDroppedDocuments(t *testing.T) {
	ctx := context.Background()
	remote := &lossyRemote{pages: []PullResult[documents.Order]{
		{Checkpoint: pagination.Checkpoint{UpdatedAt: 10, ID: "a"}, Fetched: 1},
		{Docs: []documents.Order{order("b", documents.OrderCreated).WithMeta(20, false)},
			Checkpoint: pagination.Checkpoint{UpdatedAt: 20, ID: "b"}, Fetched: 1},
	}}
	r := newReplica(remote, 1000)
	r.rep.WithBatchSize(1)

	require.NoError(t, r.rep.Cycle(ctx))
	assert.Equal(t, []string{"b"}, r.ids(t))
	cp, err := r.checkpoints.Load(ctx, documents.CollectionOrders)
	require.NoError(t, err)
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: 20, ID: "b"}, cp)

	calls := remote.calls
	require.NoError(t, r.rep.Cycle(ctx))
	assert.Equal(t, calls+1, remote.calls, "a caught-up replica pulls once per cycle")
}

// stuckRemote answers a full page but never moves its cursor.
type stuckRemote struct{ replayRemote }

func TestReplicator_RejectsStuckCheckpoint(t *testing.T) {
	r := newReplica(stuckRemote{}, 1000)
	r.rep.WithBatchSize(1)

	err := r.rep.Cycle(context.Background())
	require.Error(t, err)
	assert.False(t, apperr.IsTransient(err))
	assert.Contains(t, err.Error(), "without advancing")
}

func (stuckRemote) Pull(_ context.Context, req PullRequest) (PullResult[documents.Order], error) {
	return PullResult[documents.Order]{Checkpoint: req.Checkpoint, Fetched: 1}, nil
}

func TestSQLCheckpoints(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a := NewSQLCheckpoints(db, sqldb.SQLite, "rep_a")
	b := NewSQLCheckpoints(db, sqldb.SQLite, "rep_b")

	cp, err := a.Load(ctx, documents.CollectionOrders)
	require.NoError(t, err)
	assert.True(t, cp.IsZero())

	require.NoError(t, a.Save(ctx, documents.CollectionOrders, pagination.Checkpoint{UpdatedAt: 100, ID: "o1"}))
	require.NoError(t, a.Save(ctx, documents.CollectionOrders, pagination.Checkpoint{UpdatedAt: 200, ID: "o2"}))

	cp, err = a.Load(ctx, documents.CollectionOrders)
	require.NoError(t, err)
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: 200, ID: "o2"}, cp)

	cp, err = b.Load(ctx, documents.CollectionOrders)
	require.NoError(t, err)
	assert.True(t, cp.IsZero(), "checkpoints are scoped per replica")
}

type countingSyncer struct {
	name   string
	err    error
	cycles atomic.Int32
}

func (s *countingSyncer) Collection() string { return s.name }

func (s *countingSyncer) Cycle(context.Context) error {
	s.cycles.Add(1)
	return s.err
}

func TestEngine_SyncAll(t *testing.T) {
	e := NewEngine(time.Hour, testLogger())
	orders := &countingSyncer{name: documents.CollectionOrders}
	kyc := &countingSyncer{name: documents.CollectionKYC, err: apperr.Transient("pull kycDetails", errors.New("down"))}
	e.Register(orders)
	e.Register(kyc)

	assert.Equal(t, []string{documents.CollectionKYC, documents.CollectionOrders}, e.Collections())

	err := e.SyncAll(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, int32(1), orders.cycles.Load())
	assert.Equal(t, int32(1), kyc.cycles.Load())

	healthy, reason := e.Healthy()
	assert.False(t, healthy)
	assert.Contains(t, reason, documents.CollectionKYC)

	kyc.err = nil
	require.NoError(t, e.SyncAll(context.Background()))
	healthy, _ = e.Healthy()
	assert.True(t, healthy)

	err = e.Sync(context.Background(), "nope")
	assert.True(t, apperr.IsNotFound(err))
}

func TestEngine_TriggerRunsCycle(t *testing.T) {
	e := NewEngine(time.Hour, testLogger())
	orders := &countingSyncer{name: documents.CollectionOrders}
	e.Register(orders)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()

	// The initial cycle runs on start.
	require.Eventually(t, func() bool { return orders.cycles.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.Running())

	e.Trigger(documents.CollectionOrders)
	require.Eventually(t, func() bool { return orders.cycles.Load() == 2 }, time.Second, 5*time.Millisecond)

	e.Trigger("unknown")

	e.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.False(t, e.Running())
}

type recordingTriggerer struct {
	mu          sync.Mutex
	collections []string
	all         atomic.Int32
}

func (r *recordingTriggerer) Trigger(collection string) {
	r.mu.Lock()
	r.collections = append(r.collections, collection)
	r.mu.Unlock()
}

func (r *recordingTriggerer) TriggerAll() { r.all.Add(1) }

func (r *recordingTriggerer) triggered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.collections...)
}

func TestStreamListener_TriggersOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := realtime.NewHub(testLogger())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	target := &recordingTriggerer{}
	l, err := NewStreamListener(srv.URL, "rep_me", target, testLogger())
	require.NoError(t, err)
	go l.Run(ctx)

	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return target.all.Load() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(realtime.Change{Collection: documents.CollectionOrders, UpdatedAt: 100, Origin: "rep_me"})
	hub.Publish(realtime.Change{Collection: documents.CollectionKYC, UpdatedAt: 200, Origin: "rep_other"})

	require.Eventually(t, func() bool { return len(target.triggered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{documents.CollectionKYC}, target.triggered(), "own pushes are not echoed back")
}

func TestNewStreamListener_Schemes(t *testing.T) {
	l, err := NewStreamListener("https://sync.example.com/", "r", &recordingTriggerer{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/v1/replication/stream", l.url)

	_, err = NewStreamListener("ftp://sync.example.com", "r", &recordingTriggerer{}, testLogger())
	assert.Error(t, err)
}
