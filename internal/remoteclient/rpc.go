package remoteclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/remote"
)

const rpcKey = "rpc"

func result[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var res remote.Result[T]
	if err := c.do(ctx, rpcKey, false, http.MethodPost, path, nil, body, &res); err != nil {
		var zero T
		return zero, err
	}
	if res.Ok == nil {
		var zero T
		return zero, &apperr.RemoteError{Status: http.StatusOK, Kind: res.Kind, Message: res.Err}
	}
	return *res.Ok, nil
}

// UpdateOrderStatus calls updateOrderStatus.
func (c *Client) UpdateOrderStatus(ctx context.Context, id string, status documents.OrderStatus) (documents.Order, error) {
	return result[documents.Order](ctx, c, "/v1/orders/"+url.PathEscape(id)+"/status", map[string]string{"status": string(status)})
}

// BatchUpdateOrderStatus applies every update independently.
func (c *Client) BatchUpdateOrderStatus(ctx context.Context, updates []remote.StatusUpdate) ([]remote.Result[documents.Order], error) {
	var out []remote.Result[documents.Order]
	err := c.do(ctx, rpcKey, false, http.MethodPost, "/v1/orders/status", nil, updates, &out)
	return out, err
}

func (c *Client) GetOrder(ctx context.Context, id string) (documents.Order, error) {
	var body struct {
		Order documents.Order `json:"order"`
	}
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/orders/"+url.PathEscape(id), nil, nil, &body)
	return body.Order, err
}

func filterQuery(f orders.Filter) url.Values {
	q := url.Values{}
	switch {
	case f.Status != "":
		q.Set("status", string(f.Status))
	case f.UserID != "":
		q.Set("userId", f.UserID)
	case f.From > 0 || f.To > 0:
		q.Set("from", strconv.FormatInt(f.From, 10))
		if f.To > 0 {
			q.Set("to", strconv.FormatInt(f.To, 10))
		}
	case f.Active:
		q.Set("active", "true")
	}
	return q
}

func (c *Client) ListOrders(ctx context.Context, f orders.Filter) ([]documents.Order, error) {
	var body struct {
		Orders []documents.Order `json:"orders"`
	}
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/orders", filterQuery(f), nil, &body)
	return body.Orders, err
}

func (c *Client) OrderStatistics(ctx context.Context) (orders.Statistics, error) {
	var stats orders.Statistics
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/stats/orders", nil, nil, &stats)
	return stats, err
}

func (c *Client) ListValidators(ctx context.Context, activeOnly bool, minRating float64) ([]documents.Validator, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	if minRating > 0 {
		q.Set("minRating", strconv.FormatFloat(minRating, 'f', -1, 64))
	}
	var body struct {
		Validators []documents.Validator `json:"validators"`
	}
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/validators", q, nil, &body)
	return body.Validators, err
}

func (c *Client) IncrementValidatorOrders(ctx context.Context, id string) (documents.Validator, error) {
	return result[documents.Validator](ctx, c, "/v1/validators/"+url.PathEscape(id)+"/increment-orders", nil)
}

func (c *Client) UpdateValidatorRating(ctx context.Context, id string, rating float64) (documents.Validator, error) {
	return result[documents.Validator](ctx, c, "/v1/validators/"+url.PathEscape(id)+"/rating", map[string]float64{"rating": rating})
}

func (c *Client) UpdateValidatorStatus(ctx context.Context, id string, active bool) (documents.Validator, error) {
	return result[documents.Validator](ctx, c, "/v1/validators/"+url.PathEscape(id)+"/status", map[string]bool{"isActive": active})
}

func (c *Client) UpdateValidatorResponseTime(ctx context.Context, id, responseTime string) (documents.Validator, error) {
	return result[documents.Validator](ctx, c, "/v1/validators/"+url.PathEscape(id)+"/response-time", map[string]string{"responseTime": responseTime})
}

func (c *Client) ValidatorStatistics(ctx context.Context) (remote.ValidatorStatistics, error) {
	var stats remote.ValidatorStatistics
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/stats/validators", nil, nil, &stats)
	return stats, err
}

func (c *Client) UpdateKYCStatus(ctx context.Context, userID string, u remote.KYCUpdate) (documents.KYCRecord, error) {
	return result[documents.KYCRecord](ctx, c, "/v1/kyc/"+url.PathEscape(userID)+"/status", u)
}

func (c *Client) GetKYC(ctx context.Context, userID string) (documents.KYCRecord, error) {
	var body struct {
		KYC documents.KYCRecord `json:"kyc"`
	}
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/kyc/"+url.PathEscape(userID), nil, nil, &body)
	return body.KYC, err
}

// ListKYC lists records where field ("status" or "riskLevel") equals value.
func (c *Client) ListKYC(ctx context.Context, field, value string) ([]documents.KYCRecord, error) {
	q := url.Values{}
	q.Set(field, value)
	var body struct {
		KYC []documents.KYCRecord `json:"kyc"`
	}
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/kyc", q, nil, &body)
	return body.KYC, err
}

func (c *Client) KYCStatistics(ctx context.Context) (remote.KYCStatistics, error) {
	var stats remote.KYCStatistics
	err := c.do(ctx, rpcKey, true, http.MethodGet, "/v1/stats/kyc", nil, nil, &stats)
	return stats, err
}
