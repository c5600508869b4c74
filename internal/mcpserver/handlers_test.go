package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/remote"
	"github.com/mbd888/escrowsync/internal/remoteclient"
	"github.com/mbd888/escrowsync/internal/retry"
)

// --- Test helpers ---

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// fakeBackend records calls and returns canned values.
type fakeBackend struct {
	Backend

	filter   orders.Filter
	order    documents.Order
	orders   []documents.Order
	err      error
	calls    []string
	kycField string
	kycValue string
	update   remote.KYCUpdate
}

func (f *fakeBackend) GetOrder(_ context.Context, id string) (documents.Order, error) {
	f.calls = append(f.calls, "GetOrder:"+id)
	return f.order, f.err
}

func (f *fakeBackend) ListOrders(_ context.Context, flt orders.Filter) ([]documents.Order, error) {
	f.filter = flt
	return f.orders, f.err
}

func (f *fakeBackend) UpdateValidatorRating(_ context.Context, id string, rating float64) (documents.Validator, error) {
	f.calls = append(f.calls, "rating")
	return documents.Validator{ID: id, Rating: rating, IsActive: true}, f.err
}

func (f *fakeBackend) UpdateValidatorStatus(_ context.Context, id string, active bool) (documents.Validator, error) {
	f.calls = append(f.calls, "status")
	return documents.Validator{ID: id, IsActive: active}, f.err
}

func (f *fakeBackend) UpdateValidatorResponseTime(_ context.Context, id, rt string) (documents.Validator, error) {
	f.calls = append(f.calls, "response:"+rt)
	return documents.Validator{ID: id, ResponseTime: rt}, f.err
}

func (f *fakeBackend) ListKYC(_ context.Context, field, value string) ([]documents.KYCRecord, error) {
	f.kycField, f.kycValue = field, value
	return []documents.KYCRecord{{UserID: "bob", Status: documents.KYCPending, RiskLevel: documents.RiskHigh}}, f.err
}

func (f *fakeBackend) UpdateKYCStatus(_ context.Context, userID string, u remote.KYCUpdate) (documents.KYCRecord, error) {
	f.update = u
	return documents.KYCRecord{UserID: userID, Status: u.Status, RiskLevel: u.RiskLevel,
		VerificationDetails: &documents.VerificationDetails{VerifiedBy: u.VerifiedBy, Remarks: u.Remarks}}, f.err
}

func sampleOrder(id string, status documents.OrderStatus) documents.Order {
	return documents.Order{
		ID:        id,
		SellerID:  "alice",
		BuyerID:   "bob",
		Amount:    decimal.NewFromInt(50),
		Price:     decimal.NewFromInt(2800),
		Status:    status,
		CreatedAt: 1_700_000_000_000,
		ExpiresAt: 1_700_000_300_000,
	}
}

// ============================================================
// Handler tests with a fake backend
// ============================================================

func TestHandleGetOrder_RequiresValidID(t *testing.T) {
	f := &fakeBackend{}
	h := NewHandlers(f)

	res, err := h.HandleGetOrder(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "order_id is required")

	res, err = h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "../x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, f.calls, "backend must not be called with bad input")
}

func TestHandleGetOrder_FormatsOrder(t *testing.T) {
	f := &fakeBackend{order: sampleOrder("ord_1", documents.OrderEscrowLocked)}
	res, err := NewHandlers(f).HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Order ord_1")
	assert.Contains(t, text, "escrow_locked")
	assert.Contains(t, text, "50 @ 2800")
	assert.Contains(t, text, "Expires:")
}

func TestHandleGetOrder_NotFound(t *testing.T) {
	f := &fakeBackend{err: apperr.NotFound("order", "ord_x")}
	res, err := NewHandlers(f).HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestHandleListOrders_BuildsFilterAndLimits(t *testing.T) {
	f := &fakeBackend{orders: []documents.Order{
		sampleOrder("ord_1", documents.OrderCreated),
		sampleOrder("ord_2", documents.OrderCreated),
		sampleOrder("ord_3", documents.OrderCreated),
	}}
	res, err := NewHandlers(f).HandleListOrders(context.Background(), makeRequest(map[string]any{
		"user_id": "bob",
		"from":    float64(1000),
		"limit":   float64(2),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, orders.Filter{UserID: "bob", From: 1000}, f.filter)
	text := resultText(t, res)
	assert.Contains(t, text, "Found 3 order(s)")
	assert.Contains(t, text, "... and 1 more")
	assert.NotContains(t, text, "ord_3")
}

func TestHandleListOrders_RejectsUnknownStatus(t *testing.T) {
	res, err := NewHandlers(&fakeBackend{}).HandleListOrders(context.Background(), makeRequest(map[string]any{"status": "frozen"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "status is not an order status")
}

func TestHandleUpdateValidator_AppliesEachField(t *testing.T) {
	f := &fakeBackend{}
	res, err := NewHandlers(f).HandleUpdateValidator(context.Background(), makeRequest(map[string]any{
		"validator_id":  "v1",
		"rating":        4.5,
		"is_active":     false,
		"response_time": "  5 min ",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, []string{"rating", "status", "response:5 min"}, f.calls)
	assert.Contains(t, resultText(t, res), "rating, status, response time")
}

func TestHandleUpdateValidator_NothingToUpdate(t *testing.T) {
	res, err := NewHandlers(&fakeBackend{}).HandleUpdateValidator(context.Background(), makeRequest(map[string]any{"validator_id": "v1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleListKYC_PrefersStatus(t *testing.T) {
	f := &fakeBackend{}
	h := NewHandlers(f)

	_, err := h.HandleListKYC(context.Background(), makeRequest(map[string]any{"risk_level": "high"}))
	require.NoError(t, err)
	assert.Equal(t, "riskLevel", f.kycField)
	assert.Equal(t, "high", f.kycValue)

	res, err := h.HandleListKYC(context.Background(), makeRequest(map[string]any{"status": "pending", "risk_level": "high"}))
	require.NoError(t, err)
	assert.Equal(t, "status", f.kycField)
	assert.Contains(t, resultText(t, res), "bob - pending (risk high)")

	res, err = h.HandleListKYC(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleUpdateKYCStatus_Validates(t *testing.T) {
	f := &fakeBackend{}
	h := NewHandlers(f)

	res, err := h.HandleUpdateKYCStatus(context.Background(), makeRequest(map[string]any{
		"user_id": "bob", "status": "maybe", "verified_by": "victor",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "status must be one of")

	res, err = h.HandleUpdateKYCStatus(context.Background(), makeRequest(map[string]any{
		"user_id": "bob", "status": "approved", "verified_by": "victor", "remarks": "ok\x00",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "ok", f.update.Remarks)
	assert.Contains(t, resultText(t, res), "Reviewed by: victor")
}

func TestToolError_Hints(t *testing.T) {
	res := toolError("update order status", &apperr.StaleStateError{Entity: "order", ID: "o1", Actual: "completed"})
	assert.Contains(t, resultText(t, res), "fetch it again")

	res = toolError("list orders", &apperr.TransientIOError{Op: "list", Err: io.ErrUnexpectedEOF})
	assert.Contains(t, resultText(t, res), "try again shortly")
}

// ============================================================
// End to end through the HTTP client
// ============================================================

func newRemoteHandlers(t *testing.T) (*Handlers, *remote.Collection[documents.Order]) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ordersColl := remote.NewCollection[documents.Order](docstore.NewMemoryStore[documents.Order](documents.CollectionOrders), nil, logger)
	validators := remote.NewCollection[documents.Validator](docstore.NewMemoryStore[documents.Validator](documents.CollectionValidators), nil, logger)
	kyc := remote.NewCollection[documents.KYCRecord](docstore.NewMemoryStore[documents.KYCRecord](documents.CollectionKYC), nil, logger)

	r := gin.New()
	remote.NewHandler(logger).
		Register(ordersColl).
		WithOrders(orders.NewService(ordersColl, nil, nil).WithLogger(logger)).
		WithReference(remote.NewReference(validators, kyc)).
		RegisterRoutes(r.Group("/v1"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	_, err := validators.Put(context.Background(), documents.Validator{ID: "v1", Name: "Victor", IsActive: true, Rating: 4})
	require.NoError(t, err)

	client := remoteclient.New(remoteclient.Config{BaseURL: ts.URL, ReplicaID: "mcp"}, logger).
		WithRetryPolicy(retry.Policy{MaxAttempts: 1})
	return NewHandlers(client), ordersColl
}

func TestHandlers_AgainstReferenceServer(t *testing.T) {
	ctx := context.Background()
	h, ordersColl := newRemoteHandlers(t)
	_, err := ordersColl.Put(ctx, sampleOrder("ord_1", documents.OrderCreated))
	require.NoError(t, err)

	res, err := h.HandleUpdateOrderStatus(ctx, makeRequest(map[string]any{"order_id": "ord_1", "status": "cancelled"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "cancelled")

	res, err = h.HandleUpdateOrderStatus(ctx, makeRequest(map[string]any{"order_id": "ord_1", "status": "completed"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "cancelled is terminal")

	res, err = h.HandleOrderStatistics(ctx, makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Total:     1")

	res, err = h.HandleListValidators(ctx, makeRequest(map[string]any{"active_only": true}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Victor (v1) - active")

	res, err = h.HandleGetKYC(ctx, makeRequest(map[string]any{"user_id": "nobody"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", ReplicaID: "mcp"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotNil(t, s)
}
