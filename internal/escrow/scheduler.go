package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/metrics"
)

// Expirer forces an order whose deadline passed into expired. deadline is
// the expiresAt the timer was armed with; implementations must no-op (with
// a StaleStateError) if the order has moved on since.
type Expirer interface {
	Expire(ctx context.Context, orderID string, deadline int64) error
}

// OrderSource lists orders for Restore and the periodic sweep.
type OrderSource interface {
	FindAll(ctx context.Context, includeDeleted bool) ([]documents.Order, error)
}

type armed struct {
	timer    *time.Timer
	deadline int64
	gen      uint64
}

// Scheduler keeps one wall-clock timer per order in a timed state. Timers
// are in-memory only; the persisted expiresAt is the source of truth and
// Restore rebuilds the table after a restart.
type Scheduler struct {
	expirer  Expirer
	orders   OrderSource
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*armed
	gen    uint64

	stop    chan struct{}
	running atomic.Bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepInterval sets how often the scheduler reconciles against the
// store to pick up orders that arrived through replication.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. Call Restore once the store is open,
// then Start in a goroutine.
func NewScheduler(expirer Expirer, orders OrderSource, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		expirer:  expirer,
		orders:   orders,
		logger:   logger,
		interval: 30 * time.Second,
		timeout:  10 * time.Second,
		now:      time.Now,
		timers:   make(map[string]*armed),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe arms or disarms the timer for order according to its current
// state. The lifecycle engine calls it after every successful write.
func (s *Scheduler) Observe(order documents.Order) {
	if order.IsDeleted() || !order.Status.IsTimed() || order.ExpiresAt <= 0 {
		s.Disarm(order.ID)
		return
	}
	s.Arm(order.ID, order.ExpiresAt)
}

// Arm schedules expiry of orderID at deadline (Unix ms). Re-arming with the
// same deadline is a no-op; a different deadline replaces the timer.
func (s *Scheduler) Arm(orderID string, deadline int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.timers[orderID]; ok {
		if cur.deadline == deadline {
			return
		}
		cur.timer.Stop()
	}

	s.gen++
	gen := s.gen
	delay := time.Duration(max(0, deadline-s.now().UnixMilli())) * time.Millisecond
	s.timers[orderID] = &armed{
		deadline: deadline,
		gen:      gen,
		timer:    time.AfterFunc(delay, func() { s.fire(orderID, deadline, gen) }),
	}
	metrics.EscrowTimersArmed.Set(float64(len(s.timers)))
}

// Disarm cancels the timer for orderID if one is armed.
func (s *Scheduler) Disarm(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[orderID]; ok {
		cur.timer.Stop()
		delete(s.timers, orderID)
		metrics.EscrowTimersArmed.Set(float64(len(s.timers)))
	}
}

// DisarmAll cancels every timer.
func (s *Scheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, id)
	}
	metrics.EscrowTimersArmed.Set(0)
}

// Deadline returns the armed deadline for orderID.
func (s *Scheduler) Deadline(orderID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[orderID]
	if !ok {
		return 0, false
	}
	return cur.deadline, true
}

// Armed returns the number of armed timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(orderID string, deadline int64, gen uint64) {
	s.mu.Lock()
	cur, ok := s.timers[orderID]
	if !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, orderID)
	metrics.EscrowTimersArmed.Set(float64(len(s.timers)))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.expire(ctx, orderID, deadline)
}

func (s *Scheduler) expire(ctx context.Context, orderID string, deadline int64) {
	err := s.expirer.Expire(ctx, orderID, deadline)
	switch {
	case err == nil:
		metrics.EscrowExpiries.WithLabelValues("expired").Inc()
		s.logger.Info("order expired", "orderId", orderID, "deadline", deadline)
	case apperr.IsStale(err) || apperr.IsNotFound(err):
		// The order left its timed state before the deadline fired.
		metrics.EscrowExpiries.WithLabelValues("stale").Inc()
		s.logger.Debug("expiry skipped", "orderId", orderID, "reason", err)
	default:
		metrics.EscrowExpiries.WithLabelValues("error").Inc()
		s.logger.Warn("failed to expire order", "orderId", orderID, "error", err)
	}
}

// Restore rebuilds the timer table from persisted orders: overdue orders
// are expired immediately, the rest are armed at their stored expiresAt.
func (s *Scheduler) Restore(ctx context.Context) error {
	return s.reconcile(ctx)
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	orders, err := s.orders.FindAll(ctx, false)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	nowMs := s.now().UnixMilli()
	for _, o := range orders {
		if !o.Status.IsTimed() || o.ExpiresAt <= 0 {
			s.Disarm(o.ID)
			continue
		}
		if o.ExpiresAt <= nowMs {
			s.Disarm(o.ID)
			s.expire(ctx, o.ID, o.ExpiresAt)
			continue
		}
		s.Arm(o.ID, o.ExpiresAt)
	}
	return nil
}

// Running reports whether the sweep loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the periodic sweep until ctx is done or Stop is called.
// Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop ends the sweep loop. Armed timers keep running; call DisarmAll to
// cancel them too.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if err := s.reconcile(ctx); err != nil {
		s.logger.Warn("escrow sweep failed", "error", err)
	}
}
