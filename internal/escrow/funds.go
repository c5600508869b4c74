package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrUnknownLock       = errors.New("escrow: no funds locked under reference")
)

// Funds moves value in and out of escrow. It is the custody collaborator
// the lifecycle engine calls; ref is the order id so every call is
// idempotent per order.
type Funds interface {
	Lock(ctx context.Context, owner string, amount decimal.Decimal, ref string) error
	Release(ctx context.Context, from, to string, amount decimal.Decimal, ref string) error
	Refund(ctx context.Context, owner string, amount decimal.Decimal, ref string) error
}

// MemoryFunds is an in-process custody ledger for development and tests.
type MemoryFunds struct {
	mu        sync.Mutex
	unbounded bool
	available map[string]decimal.Decimal
	locks     map[string]decimal.Decimal // ref -> locked amount
}

// FundsOption configures MemoryFunds.
type FundsOption func(*MemoryFunds)

// Unbounded lets any owner lock any amount, for demo replicas without a
// wallet behind them. An unbounded ledger also settles references it never
// locked: the lock may have been taken by another process or replica.
func Unbounded() FundsOption {
	return func(m *MemoryFunds) { m.unbounded = true }
}

func NewMemoryFunds(opts ...FundsOption) *MemoryFunds {
	m := &MemoryFunds{
		available: make(map[string]decimal.Decimal),
		locks:     make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Credit adds spendable balance to owner.
func (m *MemoryFunds) Credit(owner string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[owner] = m.available[owner].Add(amount)
}

func (m *MemoryFunds) Balance(owner string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[owner]
}

// Locked returns the amount held under ref.
func (m *MemoryFunds) Locked(ref string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt, ok := m.locks[ref]
	return amt, ok
}

func (m *MemoryFunds) Lock(_ context.Context, owner string, amount decimal.Decimal, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[ref]; ok {
		if held.Equal(amount) {
			return nil
		}
		return fmt.Errorf("escrow: reference %s already holds %s", ref, held)
	}
	if !m.unbounded {
		if m.available[owner].LessThan(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, owner, m.available[owner], amount)
		}
		m.available[owner] = m.available[owner].Sub(amount)
	}
	m.locks[ref] = amount
	return nil
}

func (m *MemoryFunds) Release(_ context.Context, _, to string, amount decimal.Decimal, ref string) error {
	return m.settle(to, amount, ref)
}

func (m *MemoryFunds) Refund(_ context.Context, owner string, amount decimal.Decimal, ref string) error {
	return m.settle(owner, amount, ref)
}

func (m *MemoryFunds) settle(to string, amount decimal.Decimal, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[ref]
	if !ok {
		if m.unbounded {
			return nil
		}
		return fmt.Errorf("%w %s", ErrUnknownLock, ref)
	}
	if !held.Equal(amount) {
		return fmt.Errorf("escrow: reference %s holds %s, not %s", ref, held, amount)
	}
	delete(m.locks, ref)
	if !m.unbounded {
		m.available[to] = m.available[to].Add(amount)
	}
	return nil
}
