package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/remote"
	"github.com/mbd888/escrowsync/internal/validation"
)

const defaultListLimit = 20

// Backend is the slice of the reference server API the tools use.
// *remoteclient.Client implements it.
type Backend interface {
	GetOrder(ctx context.Context, id string) (documents.Order, error)
	ListOrders(ctx context.Context, f orders.Filter) ([]documents.Order, error)
	OrderStatistics(ctx context.Context) (orders.Statistics, error)
	UpdateOrderStatus(ctx context.Context, id string, status documents.OrderStatus) (documents.Order, error)

	ListValidators(ctx context.Context, activeOnly bool, minRating float64) ([]documents.Validator, error)
	UpdateValidatorRating(ctx context.Context, id string, rating float64) (documents.Validator, error)
	UpdateValidatorStatus(ctx context.Context, id string, active bool) (documents.Validator, error)
	UpdateValidatorResponseTime(ctx context.Context, id, responseTime string) (documents.Validator, error)
	ValidatorStatistics(ctx context.Context) (remote.ValidatorStatistics, error)

	GetKYC(ctx context.Context, userID string) (documents.KYCRecord, error)
	ListKYC(ctx context.Context, field, value string) ([]documents.KYCRecord, error)
	UpdateKYCStatus(ctx context.Context, userID string, u remote.KYCUpdate) (documents.KYCRecord, error)
	KYCStatistics(ctx context.Context) (remote.KYCStatistics, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	backend Backend
}

func NewHandlers(backend Backend) *Handlers {
	return &Handlers{backend: backend}
}

// toolError turns a backend failure into a tool-level error the model can
// read. Tool errors are results, not protocol errors.
func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("Failed to %s: %v", action, err)
	switch {
	case apperr.IsNotFound(err):
		msg = fmt.Sprintf("Failed to %s: not found (%v)", action, err)
	case apperr.IsStale(err):
		msg += "\nThe record changed state; fetch it again before retrying."
	case apperr.IsTransient(err):
		msg += "\nThe server is unreachable or busy; try again shortly."
	}
	return mcp.NewToolResultError(msg)
}

func invalid(errs validation.ValidationErrors) *mcp.CallToolResult {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Field + " " + e.Message
	}
	return mcp.NewToolResultError("Invalid arguments: " + strings.Join(parts, "; "))
}

// HandleGetOrder fetches one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if errs := validation.Validate(
		validation.Required("order_id", id),
		validation.ValidID("order_id", id),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	o, err := h.backend.GetOrder(ctx, id)
	if err != nil {
		return toolError("get order", err), nil
	}
	return mcp.NewToolResultText(formatOrder(o)), nil
}

// HandleListOrders lists orders by the first filter given.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	f := orders.Filter{
		Status: documents.OrderStatus(req.GetString("status", "")),
		UserID: req.GetString("user_id", ""),
		Active: argBool(args, "active"),
	}
	if v, ok := argFloat(args, "from"); ok {
		f.From = int64(v)
	}
	if v, ok := argFloat(args, "to"); ok {
		f.To = int64(v)
	}
	if errs := validation.Validate(
		validation.ValidID("user_id", f.UserID),
		func() *validation.ValidationError {
			if f.Status != "" && !f.Status.Valid() {
				return &validation.ValidationError{Field: "status", Message: "is not an order status"}
			}
			return nil
		},
	); len(errs) > 0 {
		return invalid(errs), nil
	}
	limit := defaultListLimit
	if v, ok := argFloat(args, "limit"); ok && v > 0 {
		limit = int(v)
	}

	list, err := h.backend.ListOrders(ctx, f)
	if err != nil {
		return toolError("list orders", err), nil
	}
	return mcp.NewToolResultText(formatOrderList(list, limit)), nil
}

func (h *Handlers) HandleOrderStatistics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.backend.OrderStatistics(ctx)
	if err != nil {
		return toolError("get order statistics", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Orders:\n  Total:     %d\n  Active:    %d\n  Completed: %d\n  Disputed:  %d\n",
		st.TotalOrders, st.ActiveOrders, st.CompletedOrders, st.DisputedOrders)), nil
}

// HandleUpdateOrderStatus applies an administrative transition.
func (h *Handlers) HandleUpdateOrderStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	status := documents.OrderStatus(req.GetString("status", ""))
	if errs := validation.Validate(
		validation.Required("order_id", id),
		validation.ValidID("order_id", id),
		validation.Required("status", string(status)),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	o, err := h.backend.UpdateOrderStatus(ctx, id, status)
	if err != nil {
		return toolError("update order status", err), nil
	}
	return mcp.NewToolResultText("Order updated.\n\n" + formatOrder(o)), nil
}

func (h *Handlers) HandleListValidators(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	minRating, _ := argFloat(args, "min_rating")

	list, err := h.backend.ListValidators(ctx, argBool(args, "active_only"), minRating)
	if err != nil {
		return toolError("list validators", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No validators found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d validator(s):\n\n", len(list))
	for i, v := range list {
		state := "active"
		if !v.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(&sb, "%d. %s (%s) - %s\n", i+1, v.Name, v.ID, state)
		fmt.Fprintf(&sb, "   Rating: %.1f  Orders: %d", v.Rating, v.TotalOrders)
		if v.ResponseTime != "" {
			fmt.Fprintf(&sb, "  Response: %s", v.ResponseTime)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleUpdateValidator applies each given field as its own RPC, in the
// order rating, status, response time, and stops at the first failure.
func (h *Handlers) HandleUpdateValidator(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id := req.GetString("validator_id", "")
	if errs := validation.Validate(
		validation.Required("validator_id", id),
		validation.ValidID("validator_id", id),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	var (
		v       documents.Validator
		err     error
		applied []string
	)
	if rating, ok := argFloat(args, "rating"); ok {
		if v, err = h.backend.UpdateValidatorRating(ctx, id, rating); err != nil {
			return toolError("update validator rating", err), nil
		}
		applied = append(applied, "rating")
	}
	if _, ok := args["is_active"]; ok {
		if v, err = h.backend.UpdateValidatorStatus(ctx, id, argBool(args, "is_active")); err != nil {
			return toolError("update validator status", err), nil
		}
		applied = append(applied, "status")
	}
	if rt := req.GetString("response_time", ""); rt != "" {
		rt = validation.SanitizeString(rt, 64)
		if v, err = h.backend.UpdateValidatorResponseTime(ctx, id, rt); err != nil {
			return toolError("update validator response time", err), nil
		}
		applied = append(applied, "response time")
	}
	if len(applied) == 0 {
		return mcp.NewToolResultError("Nothing to update: give rating, is_active or response_time"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Validator %s updated (%s).\n  Active: %t\n  Rating: %.1f\n  Response time: %s\n  Orders: %d\n",
		v.ID, strings.Join(applied, ", "), v.IsActive, v.Rating, v.ResponseTime, v.TotalOrders)), nil
}

func (h *Handlers) HandleValidatorStatistics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.backend.ValidatorStatistics(ctx)
	if err != nil {
		return toolError("get validator statistics", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Validators:\n  Total:  %d\n  Active: %d\n  Average rating: %.2f\n  Orders processed: %d\n",
		st.TotalValidators, st.ActiveValidators, st.AverageRating, st.TotalOrdersProcessed)), nil
}

func (h *Handlers) HandleGetKYC(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.ValidID("user_id", userID),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	k, err := h.backend.GetKYC(ctx, userID)
	if err != nil {
		return toolError("get KYC", err), nil
	}
	return mcp.NewToolResultText(formatKYC(k)), nil
}

// HandleListKYC lists by status, else by risk level.
func (h *Handlers) HandleListKYC(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	risk := req.GetString("risk_level", "")
	if errs := validation.Validate(
		validation.OneOf("status", status, "pending", "approved", "rejected"),
		validation.OneOf("risk_level", risk, "low", "medium", "high"),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	field, value := "status", status
	if status == "" {
		field, value = "riskLevel", risk
	}
	if value == "" {
		return mcp.NewToolResultError("Give status or risk_level"), nil
	}

	list, err := h.backend.ListKYC(ctx, field, value)
	if err != nil {
		return toolError("list KYC", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No KYC records found."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d KYC record(s):\n", len(list))
	for i, k := range list {
		fmt.Fprintf(&sb, "%d. %s - %s (risk %s)\n", i+1, k.UserID, k.Status, k.RiskLevel)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleUpdateKYCStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	u := remote.KYCUpdate{
		Status:     documents.KYCStatus(req.GetString("status", "")),
		VerifiedBy: req.GetString("verified_by", ""),
		Remarks:    validation.SanitizeString(req.GetString("remarks", ""), 1000),
		RiskLevel:  documents.RiskLevel(req.GetString("risk_level", "")),
	}
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.ValidID("user_id", userID),
		validation.Required("status", string(u.Status)),
		validation.OneOf("status", string(u.Status), "pending", "approved", "rejected"),
		validation.Required("verified_by", u.VerifiedBy),
		validation.ValidID("verified_by", u.VerifiedBy),
		validation.OneOf("risk_level", string(u.RiskLevel), "low", "medium", "high"),
	); len(errs) > 0 {
		return invalid(errs), nil
	}

	k, err := h.backend.UpdateKYCStatus(ctx, userID, u)
	if err != nil {
		return toolError("update KYC status", err), nil
	}
	return mcp.NewToolResultText("KYC updated.\n\n" + formatKYC(k)), nil
}

func (h *Handlers) HandleKYCStatistics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.backend.KYCStatistics(ctx)
	if err != nil {
		return toolError("get KYC statistics", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"KYC:\n  Users:     %d\n  Pending:   %d\n  Approved:  %d\n  Rejected:  %d\n  High risk: %d\n",
		st.TotalUsers, st.PendingVerifications, st.ApprovedUsers, st.RejectedUsers, st.HighRiskUsers)), nil
}

// --- formatting ---

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func formatOrder(o documents.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", o.ID)
	fmt.Fprintf(&sb, "  Status:  %s\n", o.Status)
	fmt.Fprintf(&sb, "  Amount:  %s @ %s\n", o.Amount.String(), o.Price.String())
	fmt.Fprintf(&sb, "  Seller:  %s\n", o.SellerID)
	if o.BuyerID != "" {
		fmt.Fprintf(&sb, "  Buyer:   %s\n", o.BuyerID)
	}
	if o.ValidatorID != "" {
		fmt.Fprintf(&sb, "  Validator: %s\n", o.ValidatorID)
	}
	if o.PaymentMethod.Name != "" {
		fmt.Fprintf(&sb, "  Payment: %s\n", o.PaymentMethod.Name)
	}
	fmt.Fprintf(&sb, "  Created: %s\n", formatTime(o.CreatedAt))
	if o.ExpiresAt != 0 && !o.Status.IsTerminal() {
		fmt.Fprintf(&sb, "  Expires: %s\n", formatTime(o.ExpiresAt))
	}
	if o.ProofRejections > 0 {
		fmt.Fprintf(&sb, "  Proof rejections: %d\n", o.ProofRejections)
	}
	return sb.String()
}

func formatOrderList(list []documents.Order, limit int) string {
	if len(list) == 0 {
		return "No orders found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n", len(list))
	for i, o := range list {
		if i == limit {
			fmt.Fprintf(&sb, "... and %d more\n", len(list)-limit)
			break
		}
		fmt.Fprintf(&sb, "%d. %s  %s  %s @ %s  seller=%s", i+1, o.ID, o.Status, o.Amount.String(), o.Price.String(), o.SellerID)
		if o.BuyerID != "" {
			fmt.Fprintf(&sb, " buyer=%s", o.BuyerID)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatKYC(k documents.KYCRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "KYC for %s\n", k.UserID)
	fmt.Fprintf(&sb, "  Status: %s\n", k.Status)
	fmt.Fprintf(&sb, "  Risk:   %s\n", k.RiskLevel)
	if d := k.VerificationDetails; d != nil {
		if d.VerifiedBy != "" {
			fmt.Fprintf(&sb, "  Reviewed by: %s at %s\n", d.VerifiedBy, formatTime(d.VerifiedAt))
		}
		if d.Remarks != "" {
			fmt.Fprintf(&sb, "  Remarks: %s\n", d.Remarks)
		}
	}
	return sb.String()
}

// argFloat reads a numeric argument. JSON numbers arrive as float64.
func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
