package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code int
	}{
		{"transient", Transient("pull orders", errors.New("dial tcp: refused")), KindTransient, http.StatusServiceUnavailable},
		{"stale", &StaleStateError{Entity: "order", ID: "o1", Expected: []string{"created"}, Actual: "expired"}, KindStale, http.StatusConflict},
		{"rate limited", &RateLimitedError{Key: "seller", Reason: "hourly limit"}, KindRateLimited, http.StatusTooManyRequests},
		{"validation", Invalid("amount", "must be positive"), KindValidation, http.StatusBadRequest},
		{"not found", NotFound("order", "o1"), KindNotFound, http.StatusNotFound},
		{"forbidden", Forbidden("seller", "accept", "own order"), KindForbidden, http.StatusForbidden},
		{"plain", errors.New("boom"), "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			assert.Equal(t, tt.code, HTTPStatus(wrapped))
		})
	}
}

func TestTransient_NilPassthrough(t *testing.T) {
	assert.NoError(t, Transient("push", nil))
}

func TestStaleStateError_Message(t *testing.T) {
	err := &StaleStateError{Entity: "order", ID: "o1", Expected: []string{"escrow_locked", "payment_pending"}, Actual: "disputed"}
	assert.Contains(t, err.Error(), "escrow_locked, payment_pending")
	assert.Contains(t, err.Error(), `"disputed"`)
	assert.True(t, IsStale(err))
}

func TestRateLimitedError_RetryAfter(t *testing.T) {
	err := &RateLimitedError{Reason: "cooldown", RetryAfter: 1500 * time.Millisecond}
	assert.Contains(t, err.Error(), "retry after 2s")
	assert.True(t, IsRateLimited(err))
}

func TestRemoteError_CarriesKind(t *testing.T) {
	err := fmt.Errorf("update order: %w", &RemoteError{Status: 409, Kind: KindStale, Message: "order o1 is \"completed\""})
	assert.True(t, IsStale(err))
	assert.Equal(t, 409, HTTPStatus(err))

	// A transport failure around it is still transient.
	assert.True(t, IsTransient(Transient("push orders", &RemoteError{Status: 503, Kind: KindTransient})))
}
