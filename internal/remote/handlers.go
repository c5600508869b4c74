package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/replication"
	"github.com/mbd888/escrowsync/internal/session"
)

const maxPushBytes = 8 << 20

// Result is the {ok: ...} | {err: "..."} envelope of the mutation RPCs.
// Kind carries the error class so clients can rebuild typed errors.
type Result[T any] struct {
	Ok   *T          `json:"ok,omitempty"`
	Err  string      `json:"err,omitempty"`
	Kind apperr.Kind `json:"kind,omitempty"`
}

func okResult[T any](v T) Result[T] { return Result[T]{Ok: &v} }

func errResult[T any](err error) Result[T] {
	return Result[T]{Err: err.Error(), Kind: apperr.KindOf(err)}
}

// StatusUpdate is one entry of a batch order status update.
type StatusUpdate struct {
	ID     string                `json:"id"`
	Status documents.OrderStatus `json:"status"`
}

// Handler serves the replication and RPC endpoints.
type Handler struct {
	endpoints map[string]Endpoint
	orders    *orders.Service
	reference *Reference
	hub       *realtime.Hub
	logger    *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{endpoints: make(map[string]Endpoint), logger: logger}
}

// Register exposes a collection over pull/push.
func (h *Handler) Register(e Endpoint) *Handler {
	h.endpoints[e.Collection()] = e
	return h
}

func (h *Handler) WithOrders(svc *orders.Service) *Handler {
	h.orders = svc
	return h
}

func (h *Handler) WithReference(r *Reference) *Handler {
	h.reference = r
	return h
}

func (h *Handler) WithStream(hub *realtime.Hub) *Handler {
	h.hub = hub
	return h
}

// RegisterRoutes mounts every endpoint under r (normally /v1).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.hub != nil {
		r.GET("/replication/stream", func(c *gin.Context) {
			h.hub.HandleWebSocket(c.Writer, c.Request)
		})
	}
	r.GET("/replication/:collection/pull", h.Pull)
	r.POST("/replication/:collection/push", h.Push)

	if h.orders != nil {
		r.GET("/orders", h.ListOrders)
		r.GET("/orders/:id", h.GetOrder)
		r.POST("/orders/:id/status", h.UpdateOrderStatus)
		r.POST("/orders/status", h.BatchUpdateOrderStatus)
		r.GET("/stats/orders", h.OrderStatistics)
	}

	if h.reference != nil {
		r.GET("/validators", h.ListValidators)
		r.POST("/validators/:id/increment-orders", h.IncrementValidatorOrders)
		r.POST("/validators/:id/rating", h.UpdateValidatorRating)
		r.POST("/validators/:id/status", h.UpdateValidatorStatus)
		r.POST("/validators/:id/response-time", h.UpdateValidatorResponseTime)
		r.GET("/stats/validators", h.ValidatorStatistics)

		r.GET("/kyc", h.ListKYC)
		r.GET("/kyc/:userId", h.GetKYC)
		r.POST("/kyc/:userId/status", h.UpdateKYCStatus)
		r.GET("/stats/kyc", h.KYCStatistics)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": string(apperr.KindOf(err)), "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func (h *Handler) endpoint(c *gin.Context) (Endpoint, bool) {
	name := c.Param("collection")
	e, ok := h.endpoints[name]
	if !ok {
		h.writeError(c, apperr.NotFound("collection", name))
	}
	return e, ok
}

// Pull handles GET /v1/replication/:collection/pull
func (h *Handler) Pull(c *gin.Context) {
	e, ok := h.endpoint(c)
	if !ok {
		return
	}

	var req replication.PullRequest
	if s := c.Query("batchSize"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "batchSize must be a non-negative integer")
			return
		}
		req.BatchSize = n
	}
	cp, err := pagination.Decode(c.Query("checkpoint"))
	if err != nil {
		badRequest(c, "invalid checkpoint")
		return
	}
	req.Checkpoint = cp
	if s := c.Query("minUpdatedAt"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "minUpdatedAt must be a non-negative integer")
			return
		}
		req.MinUpdatedAt = n
	}

	resp, err := e.pullPage(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Push handles POST /v1/replication/:collection/push
func (h *Handler) Push(c *gin.Context) {
	e, ok := h.endpoint(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPushBytes)
	var raw []json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		badRequest(c, "body must be a JSON array of documents")
		return
	}

	ctx := WithOrigin(c.Request.Context(), c.GetHeader(realtime.ReplicaHeader))
	saved, err := e.pushRaw(ctx, raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": saved})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders with one of ?status=, ?userId=,
// ?from=&to= or ?active=true. No filter lists every live order.
func (h *Handler) ListOrders(c *gin.Context) {
	f := orders.Filter{
		Status: documents.OrderStatus(c.Query("status")),
		UserID: c.Query("userId"),
		Active: c.Query("active") == "true",
	}
	if f.Status != "" && !f.Status.Valid() {
		badRequest(c, "unknown status "+string(f.Status))
		return
	}
	for key, dst := range map[string]*int64{"from": &f.From, "to": &f.To} {
		if s := c.Query(key); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 0 {
				badRequest(c, "from and to must be unix milliseconds")
				return
			}
			*dst = n
		}
	}

	list, err := h.orders.Find(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// UpdateOrderStatus handles POST /v1/orders/:id/status
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	var req struct {
		Status documents.OrderStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	o, err := h.transition(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), errResult[documents.Order](err))
		return
	}
	c.JSON(http.StatusOK, okResult(o))
}

// BatchUpdateOrderStatus handles POST /v1/orders/status. Each entry is
// applied independently; the response carries one Result per entry.
func (h *Handler) BatchUpdateOrderStatus(c *gin.Context) {
	var updates []StatusUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		badRequest(c, "body must be a JSON array of {id, status}")
		return
	}
	results := make([]Result[documents.Order], len(updates))
	for i, u := range updates {
		o, err := h.transition(c.Request.Context(), u.ID, u.Status)
		if err != nil {
			results[i] = errResult[documents.Order](err)
			continue
		}
		results[i] = okResult(o)
	}
	c.JSON(http.StatusOK, results)
}

func (h *Handler) transition(ctx context.Context, id string, to documents.OrderStatus) (documents.Order, error) {
	if !to.Valid() {
		return documents.Order{}, apperr.Invalid("status", "unknown status "+string(to))
	}
	return h.orders.Transition(ctx, session.System(), id, to)
}

// OrderStatistics handles GET /v1/stats/orders
func (h *Handler) OrderStatistics(c *gin.Context) {
	stats, err := h.orders.Statistics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListValidators handles GET /v1/validators?active=true&minRating=4
func (h *Handler) ListValidators(c *gin.Context) {
	var minRating float64
	if s := c.Query("minRating"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			badRequest(c, "minRating must be a number")
			return
		}
		minRating = v
	}
	list, err := h.reference.Validators(c.Request.Context(), c.Query("active") == "true", minRating)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validators": list, "count": len(list)})
}

func (h *Handler) validatorResult(c *gin.Context, v documents.Validator, err error) {
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), errResult[documents.Validator](err))
		return
	}
	c.JSON(http.StatusOK, okResult(v))
}

// IncrementValidatorOrders handles POST /v1/validators/:id/increment-orders
func (h *Handler) IncrementValidatorOrders(c *gin.Context) {
	v, err := h.reference.IncrementValidatorOrders(c.Request.Context(), c.Param("id"))
	h.validatorResult(c, v, err)
}

// UpdateValidatorRating handles POST /v1/validators/:id/rating
func (h *Handler) UpdateValidatorRating(c *gin.Context) {
	var req struct {
		Rating *float64 `json:"rating"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		badRequest(c, "rating is required")
		return
	}
	v, err := h.reference.UpdateValidatorRating(c.Request.Context(), c.Param("id"), *req.Rating)
	h.validatorResult(c, v, err)
}

// UpdateValidatorStatus handles POST /v1/validators/:id/status
func (h *Handler) UpdateValidatorStatus(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		badRequest(c, "isActive is required")
		return
	}
	v, err := h.reference.UpdateValidatorStatus(c.Request.Context(), c.Param("id"), *req.IsActive)
	h.validatorResult(c, v, err)
}

// UpdateValidatorResponseTime handles POST /v1/validators/:id/response-time
func (h *Handler) UpdateValidatorResponseTime(c *gin.Context) {
	var req struct {
		ResponseTime string `json:"responseTime"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	v, err := h.reference.UpdateValidatorResponseTime(c.Request.Context(), c.Param("id"), req.ResponseTime)
	h.validatorResult(c, v, err)
}

// ValidatorStatistics handles GET /v1/stats/validators
func (h *Handler) ValidatorStatistics(c *gin.Context) {
	stats, err := h.reference.ValidatorStatistics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetKYC handles GET /v1/kyc/:userId
func (h *Handler) GetKYC(c *gin.Context) {
	k, err := h.reference.GetKYC(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kyc": k})
}

// ListKYC handles GET /v1/kyc?status= or ?riskLevel=
func (h *Handler) ListKYC(c *gin.Context) {
	field, value := "status", c.Query("status")
	if value == "" {
		field, value = "riskLevel", c.Query("riskLevel")
	}
	if value == "" {
		badRequest(c, "status or riskLevel is required")
		return
	}
	list, err := h.reference.KYCByField(c.Request.Context(), field, value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kyc": list, "count": len(list)})
}

// UpdateKYCStatus handles POST /v1/kyc/:userId/status
func (h *Handler) UpdateKYCStatus(c *gin.Context) {
	var req KYCUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	k, err := h.reference.UpdateKYCStatus(c.Request.Context(), c.Param("userId"), req)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), errResult[documents.KYCRecord](err))
		return
	}
	c.JSON(http.StatusOK, okResult(k))
}

// KYCStatistics handles GET /v1/stats/kyc
func (h *Handler) KYCStatistics(c *gin.Context) {
	stats, err := h.reference.KYCStatistics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
