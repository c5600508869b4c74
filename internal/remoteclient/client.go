// Package remoteclient talks to the reference server over HTTP: the
// per-collection pull/push used by replication and the order, validator
// and KYC RPCs.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/retry"
)

// Config holds the connection settings for the reference server.
type Config struct {
	BaseURL   string        // e.g. "http://localhost:8080"
	ReplicaID string        // sent as X-Replica-ID
	Timeout   time.Duration // per request, default 30s
}

// Client is an HTTP client for the reference server. Calls are grouped by
// key (a collection name or "rpc") for circuit breaking.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	policy     retry.Policy
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		policy:     retry.DefaultPolicy(),
		logger:     logger,
	}
}

func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// BaseURL is the server root the client talks to.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// errorBody covers both error shapes the server returns:
// {"error": kind, "message": ...} and {"err": ..., "kind": ...}.
type errorBody struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Err     string      `json:"err"`
	Kind    apperr.Kind `json:"kind"`
}

func decodeError(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Err
	if msg == "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	kind := eb.Kind
	if kind == "" {
		kind = apperr.Kind(eb.Error)
	}
	switch kind {
	case apperr.KindTransient, apperr.KindStale, apperr.KindRateLimited,
		apperr.KindValidation, apperr.KindNotFound, apperr.KindForbidden:
	default:
		kind = ""
	}
	return &apperr.RemoteError{Status: status, Kind: kind, Message: msg}
}

// retryable reports whether a failed attempt is worth repeating and counts
// against the breaker: transport failures, 5xx and 429.
func retryable(err error) bool {
	var re *apperr.RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// do sends one request and decodes a 2xx JSON body into out. Idempotent
// calls are retried with backoff; every call goes through the breaker for
// key.
func (c *Client) do(ctx context.Context, key string, idempotent bool, method, path string, query url.Values, body, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	attempt := func(ctx context.Context) error {
		err := c.breaker.Do(key, retryable, func() error {
			return c.roundTrip(ctx, method, u, payload, out)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) || !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	}

	policy := c.policy
	if !idempotent {
		policy.MaxAttempts = 1
	}
	return retry.Do(ctx, policy, attempt)
}

func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ReplicaID != "" {
		req.Header.Set(realtime.ReplicaHeader, c.cfg.ReplicaID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
