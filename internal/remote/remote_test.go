package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/replication"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ ms atomic.Int64 }

func newClock(ms int64) *clock {
	c := &clock{}
	c.ms.Store(ms)
	return c
}

func (c *clock) now() time.Time { return time.UnixMilli(c.ms.Load()) }

type recordingPublisher struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (p *recordingPublisher) Publish(c realtime.Change) {
	p.mu.Lock()
	p.changes = append(p.changes, c)
	p.mu.Unlock()
}

func (p *recordingPublisher) last() realtime.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changes[len(p.changes)-1]
}

func order(id string, status documents.OrderStatus) documents.Order {
	return documents.Order{
		ID:        id,
		SellerID:  "alice",
		Amount:    decimal.NewFromInt(50),
		Price:     decimal.NewFromInt(2800),
		Status:    status,
		CreatedAt: 1000,
	}
}

func newOrders(c *clock, pub Publisher) *Collection[documents.Order] {
	store := docstore.NewMemoryStore[documents.Order](documents.CollectionOrders)
	return NewCollection[documents.Order](store, pub, testLogger()).WithClock(c.now)
}

func TestCollection_PushStampsAndIsIdempotent(t *testing.T) {
	ctx := WithOrigin(context.Background(), "rep_a")
	c := newClock(1000)
	pub := &recordingPublisher{}
	coll := newOrders(c, pub)

	saved, err := coll.Push(ctx, []documents.Order{order("o1", documents.OrderCreated).WithMeta(100, false)})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, int64(1000), saved[0].UpdatedAt, "stamped with the server clock")

	change := pub.last()
	assert.Equal(t, documents.CollectionOrders, change.Collection)
	assert.Equal(t, "rep_a", change.Origin)
	assert.Equal(t, int64(1000), change.UpdatedAt)

	// Same document again: nothing changes, the canonical copy comes back.
	again, err := coll.Push(ctx, []documents.Order{order("o1", documents.OrderCreated).WithMeta(100, false)})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, saved[0].UpdatedAt, again[0].UpdatedAt)
	assert.Len(t, pub.changes, 1)

	all, err := coll.FindAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCollection_StampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	c := newClock(1000)
	coll := newOrders(c, nil)

	saved, err := coll.Push(ctx, []documents.Order{
		order("a", documents.OrderCreated).WithMeta(5000, false),
		order("b", documents.OrderCreated).WithMeta(10, false),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), saved[0].UpdatedAt, "a future timestamp is kept")
	assert.Equal(t, int64(5001), saved[1].UpdatedAt)

	put, err := coll.Put(ctx, order("c", documents.OrderCreated))
	require.NoError(t, err)
	assert.Equal(t, int64(5002), put.UpdatedAt)
}

func TestCollection_LatePushIsPulledByCaughtUpReplica(t *testing.T) {
	ctx := context.Background()
	c := newClock(1000)
	coll := newOrders(c, nil)

	_, err := coll.Push(ctx, []documents.Order{order("o1", documents.OrderCreated).WithMeta(900, false)})
	require.NoError(t, err)
	first, err := coll.Pull(ctx, replication.PullRequest{BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, first.Docs, 1)
	cp := first.Checkpoint
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: first.Docs[0].UpdatedAt, ID: "o1"}, cp)

	// A replica that was offline pushes a change made long ago.
	c.ms.Store(2000)
	_, err = coll.Push(ctx, []documents.Order{order("o0", documents.OrderCreated).WithMeta(50, false)})
	require.NoError(t, err)

	next, err := coll.Pull(ctx, replication.PullRequest{BatchSize: 10, Checkpoint: cp})
	require.NoError(t, err)
	require.Len(t, next.Docs, 1)
	assert.Equal(t, "o0", next.Docs[0].ID)

	empty, err := coll.Pull(ctx, replication.PullRequest{BatchSize: 10, Checkpoint: next.Checkpoint})
	require.NoError(t, err)
	assert.Empty(t, empty.Docs)
	assert.Equal(t, next.Checkpoint, empty.Checkpoint, "an empty page keeps the request checkpoint")
}

func TestCollection_PushRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	coll := newOrders(newClock(1000), nil)

	bad := order("bad", documents.OrderCreated)
	bad.Amount = decimal.Zero
	saved, err := coll.Push(ctx, []documents.Order{bad.WithMeta(10, false), order("ok", documents.OrderCreated).WithMeta(10, false)})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "ok", saved[0].ID)

	_, err = coll.Get(ctx, "bad")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestCollection_PutIfAndDelete(t *testing.T) {
	ctx := context.Background()
	c := newClock(1000)
	coll := newOrders(c, nil)

	created, err := coll.PutIf(ctx, order("o1", documents.OrderCreated), 0)
	require.NoError(t, err)

	_, err = coll.PutIf(ctx, order("o1", documents.OrderCreated), 0)
	assert.ErrorIs(t, err, docstore.ErrConflict)

	_, err = coll.PutIf(ctx, order("missing", documents.OrderCreated), 7)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	next := created
	next.Status = documents.OrderCancelled
	updated, err := coll.PutIf(ctx, next, created.UpdatedAt)
	require.NoError(t, err)
	assert.Greater(t, updated.UpdatedAt, created.UpdatedAt)

	deleted, err := coll.MarkDeleted(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Greater(t, deleted.UpdatedAt, updated.UpdatedAt)

	_, err = coll.FindByID(ctx, "o1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestCollection_ReplicasConvergeInProcess(t *testing.T) {
	ctx := context.Background()
	server := newOrders(newClock(5000), nil)

	newReplica := func(ms int64) (*docstore.MemoryStore[documents.Order], *replication.Replicator[documents.Order]) {
		store := docstore.NewMemoryStore[documents.Order](documents.CollectionOrders,
			docstore.WithClock(func() time.Time { return time.UnixMilli(ms) }))
		return store, replication.NewReplicator[documents.Order](store, server, replication.NewMemoryCheckpoints(), testLogger())
	}
	storeA, repA := newReplica(1000)
	storeB, repB := newReplica(2000)

	_, err := storeA.Put(ctx, order("o1", documents.OrderCreated))
	require.NoError(t, err)
	_, err = storeB.Put(ctx, order("o2", documents.OrderCreated))
	require.NoError(t, err)
	_, err = storeB.Put(ctx, order("o1", documents.OrderCancelled)) // concurrent edit of o1
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, repA.Cycle(ctx))
		require.NoError(t, repB.Cycle(ctx))
	}

	for _, id := range []string{"o1", "o2"} {
		want, err := server.Get(ctx, id)
		require.NoError(t, err)
		a, err := storeA.Get(ctx, id)
		require.NoError(t, err)
		b, err := storeB.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want.UpdatedAt, a.UpdatedAt, id)
		assert.Equal(t, want.UpdatedAt, b.UpdatedAt, id)
		assert.Equal(t, want.Status, a.Status, id)
		assert.Equal(t, want.Status, b.Status, id)
	}
	dirtyA, _ := storeA.Dirty(ctx)
	dirtyB, _ := storeB.Dirty(ctx)
	assert.Empty(t, dirtyA)
	assert.Empty(t, dirtyB)
}

func TestReference_ValidatorsAndKYC(t *testing.T) {
	ctx := context.Background()
	c := newClock(1000)
	validators := NewCollection[documents.Validator](docstore.NewMemoryStore[documents.Validator](documents.CollectionValidators), nil, testLogger()).WithClock(c.now)
	kyc := NewCollection[documents.KYCRecord](docstore.NewMemoryStore[documents.KYCRecord](documents.CollectionKYC), nil, testLogger()).WithClock(c.now)
	ref := NewReference(validators, kyc).WithClock(c.now)

	_, err := validators.Put(ctx, documents.Validator{ID: "v1", Name: "Victor", IsActive: true, Rating: 4.5})
	require.NoError(t, err)
	_, err = validators.Put(ctx, documents.Validator{ID: "v2", Name: "Vera", Rating: 3})
	require.NoError(t, err)

	v, err := ref.IncrementValidatorOrders(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.TotalOrders)

	_, err = ref.UpdateValidatorRating(ctx, "v1", 7)
	assert.True(t, apperr.IsValidation(err))

	_, err = ref.UpdateValidatorStatus(ctx, "nope", true)
	assert.True(t, apperr.IsNotFound(err))

	active, err := ref.Validators(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "v1", active[0].ID)

	stats, err := ref.ValidatorStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, ValidatorStatistics{TotalValidators: 2, ActiveValidators: 1, AverageRating: 3.75, TotalOrdersProcessed: 1}, stats)

	_, err = kyc.Put(ctx, documents.KYCRecord{UserID: "bob", Status: documents.KYCPending, RiskLevel: documents.RiskLow})
	require.NoError(t, err)

	c.ms.Store(9000)
	k, err := ref.UpdateKYCStatus(ctx, "bob", KYCUpdate{Status: documents.KYCApproved, VerifiedBy: "admin", Remarks: "ok", RiskLevel: documents.RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, documents.KYCApproved, k.Status)
	require.NotNil(t, k.VerificationDetails)
	assert.Equal(t, int64(9000), k.VerificationDetails.VerifiedAt)
	assert.Equal(t, "admin", k.VerificationDetails.VerifiedBy)

	_, err = ref.UpdateKYCStatus(ctx, "bob", KYCUpdate{Status: "maybe", VerifiedBy: "admin"})
	assert.True(t, apperr.IsValidation(err))

	kstats, err := ref.KYCStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, KYCStatistics{TotalUsers: 1, ApprovedUsers: 1, HighRiskUsers: 1}, kstats)
}

type fixture struct {
	router *gin.Engine
	orders *Collection[documents.Order]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	c := newClock(1000)
	ordersColl := newOrders(c, nil)
	validators := NewCollection[documents.Validator](docstore.NewMemoryStore[documents.Validator](documents.CollectionValidators), nil, testLogger()).WithClock(c.now)
	kyc := NewCollection[documents.KYCRecord](docstore.NewMemoryStore[documents.KYCRecord](documents.CollectionKYC), nil, testLogger()).WithClock(c.now)

	svc := orders.NewService(ordersColl, nil, nil).WithClock(c.now).WithLogger(testLogger())
	h := NewHandler(testLogger()).
		Register(ordersColl).
		Register(validators).
		Register(kyc).
		WithOrders(svc).
		WithReference(NewReference(validators, kyc).WithClock(c.now))

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	_, err := validators.Put(context.Background(), documents.Validator{ID: "v1", IsActive: true, Rating: 4})
	require.NoError(t, err)
	return fixture{router: r, orders: ordersColl}
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(realtime.ReplicaHeader, "rep_test")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHandler_PushThenPull(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/replication/orders/push", []any{
		order("o1", documents.OrderCreated).WithMeta(10, false),
		map[string]any{"id": 42},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pushed struct {
		Documents []documents.Order `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pushed))
	require.Len(t, pushed.Documents, 1, "the undecodable item is dropped")
	assert.Equal(t, int64(1000), pushed.Documents[0].UpdatedAt)

	w = f.do(t, http.MethodGet, "/v1/replication/orders/pull?batchSize=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pulled struct {
		Documents  []documents.Order `json:"documents"`
		Checkpoint string            `json:"checkpoint"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pulled))
	require.Len(t, pulled.Documents, 1)

	cp, err := pagination.Decode(pulled.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, pagination.Checkpoint{UpdatedAt: 1000, ID: "o1"}, cp)

	w = f.do(t, http.MethodGet, "/v1/replication/orders/pull?checkpoint="+pulled.Checkpoint, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"documents":[],"checkpoint":"`+pulled.Checkpoint+`"}`, w.Body.String())
}

func TestHandler_PullErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/replication/widgets/pull", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/replication/orders/pull?checkpoint=!!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/replication/orders/pull?batchSize=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/replication/orders/push", map[string]any{"not": "an array"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OrderStatusRPCs(t *testing.T) {
	f := newFixture(t)
	_, err := f.orders.Put(context.Background(), order("o1", documents.OrderCreated))
	require.NoError(t, err)
	_, err = f.orders.Put(context.Background(), order("o2", documents.OrderCompleted))
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/orders/o1/status", map[string]string{"status": "escrow_pending"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result[documents.Order]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Ok)
	assert.Equal(t, documents.OrderEscrowPending, res.Ok.Status)

	w = f.do(t, http.MethodPost, "/v1/orders/o2/status", map[string]string{"status": "cancelled"})
	assert.Equal(t, http.StatusConflict, w.Code)
	res = Result[documents.Order]{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Nil(t, res.Ok)
	assert.NotEmpty(t, res.Err)
	assert.Equal(t, apperr.KindStale, res.Kind)

	w = f.do(t, http.MethodPost, "/v1/orders/status", []StatusUpdate{
		{ID: "o1", Status: documents.OrderCancelled},
		{ID: "missing", Status: documents.OrderCancelled},
		{ID: "o1", Status: "bogus"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var batch []Result[documents.Order]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	require.Len(t, batch, 3)
	assert.NotNil(t, batch[0].Ok)
	assert.Equal(t, apperr.KindNotFound, batch[1].Kind)
	assert.Equal(t, apperr.KindValidation, batch[2].Kind)

	w = f.do(t, http.MethodGet, "/v1/orders?status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = f.do(t, http.MethodGet, "/v1/orders?userId=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = f.do(t, http.MethodGet, "/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/stats/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats orders.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.CompletedOrders)
}

func TestHandler_ValidatorAndKYCRPCs(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/validators/v1/increment-orders", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result[documents.Validator]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Ok)
	assert.Equal(t, int64(1), res.Ok.TotalOrders)

	w = f.do(t, http.MethodPost, "/v1/validators/v1/rating", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/validators/v1/status", map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/validators?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = f.do(t, http.MethodPost, "/v1/kyc/bob/status", KYCUpdate{Status: documents.KYCApproved, VerifiedBy: "admin"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	var kres Result[documents.KYCRecord]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &kres))
	assert.Equal(t, apperr.KindNotFound, kres.Kind)

	w = f.do(t, http.MethodGet, "/v1/kyc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
