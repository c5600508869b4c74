package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/mbd888/escrowsync/internal/apperr"
)

// PolicyConfig bounds how fast a seller's orders may move. A zero value
// disables that bound.
type PolicyConfig struct {
	AcceptsPerHour int64         `yaml:"acceptsPerHour"`
	AcceptsPerDay  int64         `yaml:"acceptsPerDay"`
	CreateCooldown time.Duration `yaml:"createCooldown"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		AcceptsPerHour: 10,
		AcceptsPerDay:  50,
		CreateCooldown: 30 * time.Second,
	}
}

// OrderPolicy enforces per-seller order limits. Accepted orders are counted
// in hourly and daily windows; order creation has a minimum cooldown.
type OrderPolicy struct {
	mu       sync.Mutex
	hourly   *limiter.Limiter
	daily    *limiter.Limiter
	cooldown *limiter.Limiter
}

func NewOrderPolicy(cfg PolicyConfig) *OrderPolicy {
	build := func(prefix string, period time.Duration, limit int64) *limiter.Limiter {
		if limit <= 0 || period <= 0 {
			return nil
		}
		store := memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          "escrowsync:" + prefix,
			CleanUpInterval: time.Minute,
		})
		return limiter.New(store, limiter.Rate{Period: period, Limit: limit})
	}
	return &OrderPolicy{
		hourly:   build("accept-hour", time.Hour, cfg.AcceptsPerHour),
		daily:    build("accept-day", 24*time.Hour, cfg.AcceptsPerDay),
		cooldown: build("create", cfg.CreateCooldown, 1),
	}
}

func (p *OrderPolicy) acceptWindows() []window {
	return []window{
		{"hourly acceptance limit", p.hourly},
		{"daily acceptance limit", p.daily},
	}
}

type window struct {
	name string
	lim  *limiter.Limiter
}

// AllowAccept reports whether sellerID has acceptance budget left in both
// windows. Nothing is counted; see RecordAccept.
func (p *OrderPolicy) AllowAccept(ctx context.Context, sellerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peek(ctx, sellerID, p.acceptWindows()...)
}

// RecordAccept counts one acceptance against sellerID in both windows.
func (p *OrderPolicy) RecordAccept(ctx context.Context, sellerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return count(ctx, sellerID, p.acceptWindows()...)
}

// AllowCreate enforces the cooldown between consecutive order creations.
func (p *OrderPolicy) AllowCreate(ctx context.Context, sellerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peek(ctx, sellerID, window{"order creation cooldown", p.cooldown})
}

// RecordCreate starts the creation cooldown for sellerID.
func (p *OrderPolicy) RecordCreate(ctx context.Context, sellerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return count(ctx, sellerID, window{"order creation cooldown", p.cooldown})
}

func peek(ctx context.Context, key string, windows ...window) error {
	for _, w := range windows {
		if w.lim == nil {
			continue
		}
		state, err := w.lim.Peek(ctx, key)
		if err != nil {
			return fmt.Errorf("peek %s: %w", w.name, err)
		}
		if state.Remaining <= 0 {
			return rejected(key, fmt.Sprintf("seller reached %s of %d", w.name, state.Limit), state)
		}
	}
	return nil
}

func count(ctx context.Context, key string, windows ...window) error {
	for _, w := range windows {
		if w.lim == nil {
			continue
		}
		if _, err := w.lim.Get(ctx, key); err != nil {
			return fmt.Errorf("count %s: %w", w.name, err)
		}
	}
	return nil
}

func rejected(key, reason string, state limiter.Context) error {
	retry := time.Until(time.Unix(state.Reset, 0))
	if retry < 0 {
		retry = 0
	}
	return &apperr.RateLimitedError{Key: key, Reason: reason, RetryAfter: retry}
}
