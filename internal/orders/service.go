// Package orders implements the P2P order lifecycle: guarded status
// transitions, escrow funds movement and deadline bookkeeping.
//
// Every transition reads the order, checks the guard and writes with a
// compare-and-set on updatedAt. A concurrent pull, timer or user action
// between read and write surfaces as a StaleStateError and nothing is
// applied. Funds move before the write and are compensated if the write
// loses; releases, which cannot be undone, move after it.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
)

// Limiter is the seller rate-limit policy. Allow* only check the budget;
// Record* charge it and are called once the order write succeeded.
type Limiter interface {
	AllowCreate(ctx context.Context, sellerID string) error
	AllowAccept(ctx context.Context, sellerID string) error
	RecordCreate(ctx context.Context, sellerID string) error
	RecordAccept(ctx context.Context, sellerID string) error
}

// Observer is told about every order the service writes. The escrow
// scheduler and the replication trigger are observers.
type Observer interface {
	Observe(order documents.Order)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(documents.Order)

func (f ObserverFunc) Observe(o documents.Order) { f(o) }

const defaultMaxProofRejections = 3

// Service is the order lifecycle state machine.
type Service struct {
	orders  docstore.Store[documents.Order]
	escrows docstore.Store[documents.Escrow]
	funds   escrow.Funds
	tiers   *escrow.Tiers

	validators Validators
	limiter    Limiter
	observers  []Observer

	locks         *syncutil.KeyedMutex
	now           func() time.Time
	logger        *slog.Logger
	maxRejections int
}

// NewService creates the lifecycle engine over the orders store.
func NewService(orders docstore.Store[documents.Order], funds escrow.Funds, tiers *escrow.Tiers) *Service {
	if tiers == nil {
		tiers = escrow.DefaultTiers()
	}
	return &Service{
		orders:        orders,
		funds:         funds,
		tiers:         tiers,
		locks:         syncutil.NewKeyedMutex(0),
		now:           time.Now,
		logger:        slog.Default(),
		maxRejections: defaultMaxProofRejections,
	}
}

// WithEscrows records escrow documents alongside orders.
func (s *Service) WithEscrows(store docstore.Store[documents.Escrow]) *Service {
	s.escrows = store
	return s
}

func (s *Service) WithValidators(v Validators) *Service {
	s.validators = v
	return s
}

func (s *Service) WithLimiter(l Limiter) *Service {
	s.limiter = l
	return s
}

// WithObserver adds an observer notified after each successful write.
func (s *Service) WithObserver(o Observer) *Service {
	s.observers = append(s.observers, o)
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithMaxProofRejections sets how many rejected proofs send an order to
// dispute.
func (s *Service) WithMaxProofRejections(n int) *Service {
	if n > 0 {
		s.maxRejections = n
	}
	return s
}

// Tiers returns the deadline tiers in use.
func (s *Service) Tiers() *escrow.Tiers { return s.tiers }

// CreateRequest opens a sell order.
type CreateRequest struct {
	Amount        decimal.Decimal
	Price         decimal.Decimal
	PaymentMethod documents.PaymentMethod
}

// Create opens an order in "created" with the session user as seller.
func (s *Service) Create(ctx context.Context, sess session.Session, req CreateRequest) (order documents.Order, err error) {
	defer func() { s.record("create", err) }()

	if err := sess.Validate(); err != nil {
		return documents.Order{}, err
	}
	if sess.IsSystem() {
		return documents.Order{}, apperr.Forbidden(sess.UserID, "create order", "system sessions do not trade")
	}

	now := s.now()
	order = documents.Order{
		ID:            idgen.WithPrefix(idgen.PrefixOrder),
		SellerID:      sess.UserID,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        documents.OrderCreated,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now.UnixMilli(),
	}
	if err := order.Validate(); err != nil {
		return documents.Order{}, err
	}
	if s.limiter != nil {
		if err := s.limiter.AllowCreate(ctx, order.SellerID); err != nil {
			return documents.Order{}, err
		}
	}

	saved, err := s.orders.PutIf(ctx, order, 0)
	if err != nil {
		return documents.Order{}, fmt.Errorf("create order: %w", err)
	}
	if s.limiter != nil {
		if err := s.limiter.RecordCreate(ctx, saved.SellerID); err != nil {
			s.logger.Warn("failed to record order creation", "orderId", saved.ID, "seller", saved.SellerID, "error", err)
		}
	}
	s.logger.Info("order created", "orderId", saved.ID, "seller", saved.SellerID, "amount", saved.Amount.String())
	s.notify(saved)
	return saved, nil
}

// AcceptRequest optionally names the validator the buyer wants.
type AcceptRequest struct {
	ValidatorID string
}

// Accept takes a created order as buyer and assigns its verifier.
func (s *Service) Accept(ctx context.Context, sess session.Session, id string, req AcceptRequest) (documents.Order, error) {
	var validatorID string
	return s.run(ctx, sess, id, step{
		op:   "accept",
		from: []documents.OrderStatus{documents.OrderCreated},
		to:   documents.OrderEscrowPending,
		guard: func(ctx context.Context, o documents.Order) error {
			if sess.IsSystem() || o.SellerID == sess.UserID {
				return apperr.Forbidden(sess.UserID, "accept order", "sellers cannot accept their own orders")
			}
			if s.validators != nil {
				picked, err := s.validators.Pick(ctx, req.ValidatorID)
				if err != nil {
					return err
				}
				validatorID = picked
			} else if req.ValidatorID != "" {
				validatorID = req.ValidatorID
			}
			if s.limiter != nil {
				return s.limiter.AllowAccept(ctx, o.SellerID)
			}
			return nil
		},
		mutate: func(o *documents.Order, now time.Time) {
			o.BuyerID = sess.UserID
			o.ValidatorID = validatorID
			o.ExpiresAt = s.tiers.Deadline(o.Amount, now)
		},
		after: func(ctx context.Context, o documents.Order) {
			if s.limiter == nil {
				return
			}
			if err := s.limiter.RecordAccept(ctx, o.SellerID); err != nil {
				s.logger.Warn("failed to record acceptance", "orderId", o.ID, "seller", o.SellerID, "error", err)
			}
		},
	})
}

// LockEscrow moves the seller's funds into escrow and starts the payment
// deadline.
func (s *Service) LockEscrow(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:    "lock_escrow",
		from:  []documents.OrderStatus{documents.OrderEscrowPending},
		to:    documents.OrderEscrowLocked,
		guard: s.requireSeller(sess, "lock escrow"),
		mutate: func(o *documents.Order, now time.Time) {
			o.EscrowID = idgen.WithPrefix(idgen.PrefixEscrow)
			o.ExpiresAt = s.tiers.Deadline(o.Amount, now)
		},
		effect: func(ctx context.Context, o documents.Order) (func(context.Context) error, error) {
			if err := s.funds.Lock(ctx, o.SellerID, o.Amount, o.ID); err != nil {
				return nil, fmt.Errorf("lock escrow funds: %w", err)
			}
			return func(ctx context.Context) error {
				return s.funds.Refund(ctx, o.SellerID, o.Amount, o.ID)
			}, nil
		},
		after: func(ctx context.Context, o documents.Order) {
			s.putEscrow(ctx, escrow.NewRecord(o.EscrowID, o, s.now()))
		},
	})
}

// RequestPayment publishes payment instructions to the buyer and restarts
// the deadline. A zero method keeps the one given at creation.
func (s *Service) RequestPayment(ctx context.Context, sess session.Session, id string, method documents.PaymentMethod) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:    "request_payment",
		from:  []documents.OrderStatus{documents.OrderEscrowLocked},
		to:    documents.OrderPaymentPending,
		guard: s.requireSeller(sess, "request payment"),
		mutate: func(o *documents.Order, now time.Time) {
			if method != (documents.PaymentMethod{}) {
				o.PaymentMethod = method
			}
			o.ExpiresAt = s.tiers.Deadline(o.Amount, now)
		},
		after: s.renewEscrow,
	})
}

// MarkPaymentSubmitted records that the buyer sent proof. The deadline
// stops while the proof is under review.
func (s *Service) MarkPaymentSubmitted(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:   "submit_payment",
		from: []documents.OrderStatus{documents.OrderEscrowLocked, documents.OrderPaymentPending},
		to:   documents.OrderPaymentSubmitted,
		guard: func(_ context.Context, o documents.Order) error {
			if !sess.Is(o.BuyerID) {
				return apperr.Forbidden(sess.UserID, "submit payment", "only the buyer submits payment proof")
			}
			return nil
		},
	})
}

// ConfirmPayment accepts the buyer's proof, completes the order and
// releases escrow to the buyer. Calling it on a payment_verified order
// finishes an interrupted completion.
func (s *Service) ConfirmPayment(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return documents.Order{}, s.readErr(id, err)
	}
	if order.Status != documents.OrderPaymentVerified {
		if _, err := s.run(ctx, sess, id, step{
			op:    "verify_payment",
			from:  []documents.OrderStatus{documents.OrderPaymentSubmitted},
			to:    documents.OrderPaymentVerified,
			guard: s.requireVerifier(sess, "verify payment"),
		}); err != nil {
			return documents.Order{}, err
		}
	}
	return s.run(ctx, sess, id, step{
		op:    "complete",
		from:  []documents.OrderStatus{documents.OrderPaymentVerified},
		to:    documents.OrderCompleted,
		guard: s.requireVerifier(sess, "complete order"),
		after: s.releaseToBuyer,
	})
}

// RejectPayment sends a rejected proof back to the buyer with a fresh
// deadline. The order goes to dispute once the rejection limit is reached.
func (s *Service) RejectPayment(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	cur, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return documents.Order{}, s.readErr(id, err)
	}
	to := documents.OrderPaymentPending
	if cur.ProofRejections+1 >= s.maxRejections {
		to = documents.OrderDisputed
	}
	return s.run(ctx, sess, id, step{
		op:   "reject_payment",
		from: []documents.OrderStatus{documents.OrderPaymentSubmitted},
		to:   to,
		guard: func(ctx context.Context, o documents.Order) error {
			if o.ProofRejections != cur.ProofRejections {
				return s.stale(o, documents.OrderPaymentSubmitted)
			}
			return s.requireVerifier(sess, "reject payment")(ctx, o)
		},
		mutate: func(o *documents.Order, now time.Time) {
			o.ProofRejections++
			if to == documents.OrderPaymentPending {
				o.ExpiresAt = s.tiers.Deadline(o.Amount, now)
			}
		},
		after: func(ctx context.Context, o documents.Order) {
			if o.Status == documents.OrderPaymentPending {
				s.renewEscrow(ctx, o)
			}
		},
	})
}

// Dispute freezes an active order until it is resolved.
func (s *Service) Dispute(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:   "dispute",
		from: sources(documents.OrderDisputed),
		to:   documents.OrderDisputed,
		guard: func(_ context.Context, o documents.Order) error {
			if !o.IsParty(sess.UserID) {
				return apperr.Forbidden(sess.UserID, "dispute order", "only the buyer or seller may dispute")
			}
			return nil
		},
	})
}

// Cancel withdraws an order before funds are locked. The seller may cancel
// while it is open; once accepted either party may.
func (s *Service) Cancel(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:   "cancel",
		from: []documents.OrderStatus{documents.OrderCreated, documents.OrderEscrowPending},
		to:   documents.OrderCancelled,
		guard: func(_ context.Context, o documents.Order) error {
			if sess.Is(o.SellerID) || (o.Status == documents.OrderEscrowPending && sess.Is(o.BuyerID)) {
				return nil
			}
			return apperr.Forbidden(sess.UserID, "cancel order", "not a party allowed to cancel in "+string(o.Status))
		},
	})
}

// Refund returns locked funds to the seller before payment is submitted.
func (s *Service) Refund(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return s.run(ctx, sess, id, step{
		op:     "refund",
		from:   []documents.OrderStatus{documents.OrderEscrowLocked, documents.OrderPaymentPending},
		to:     documents.OrderRefunded,
		guard:  s.requireSeller(sess, "refund order"),
		effect: s.refundToSeller,
		after:  s.settleEscrow(documents.EscrowRefunded),
	})
}

// ResolveDispute settles a disputed order for the buyer (completed) or the
// seller (refunded). The assigned validator rules; orders without one are
// resolved by the system.
func (s *Service) ResolveDispute(ctx context.Context, sess session.Session, id string, outcome documents.OrderStatus) (documents.Order, error) {
	st := step{
		op:   "resolve_dispute",
		from: []documents.OrderStatus{documents.OrderDisputed},
		to:   outcome,
		guard: func(_ context.Context, o documents.Order) error {
			if o.ValidatorID != "" && sess.ActsForValidator(o.ValidatorID) {
				return nil
			}
			if o.ValidatorID == "" && sess.IsSystem() {
				return nil
			}
			return apperr.Forbidden(sess.UserID, "resolve dispute", "only the assigned validator rules on disputes")
		},
	}
	switch outcome {
	case documents.OrderCompleted:
		st.after = s.releaseToBuyer
	case documents.OrderRefunded:
		st.effect = s.refundToSeller
		st.after = s.settleEscrow(documents.EscrowRefunded)
	default:
		err := apperr.Invalid("outcome", "must be completed or refunded")
		s.record(st.op, err)
		return documents.Order{}, err
	}
	return s.run(ctx, sess, id, st)
}

// Expire forces an order whose deadline passed into expired, refunding any
// locked escrow. deadline must match the stored expiresAt, so a timer armed
// for an older deadline never fires against a renewed one.
func (s *Service) Expire(ctx context.Context, orderID string, deadline int64) error {
	sess := session.System()
	_, err := s.run(ctx, sess, orderID, step{
		op: "expire",
		from: []documents.OrderStatus{
			documents.OrderEscrowPending, documents.OrderEscrowLocked, documents.OrderPaymentPending,
		},
		to: documents.OrderExpired,
		guard: func(_ context.Context, o documents.Order) error {
			if o.ExpiresAt != deadline || o.ExpiresAt > s.now().UnixMilli() {
				return &apperr.StaleStateError{
					Entity: "order", ID: o.ID,
					Expected: []string{fmt.Sprintf("expiresAt<=%d", s.now().UnixMilli())},
					Actual:   fmt.Sprintf("expiresAt=%d", o.ExpiresAt),
				}
			}
			return nil
		},
		effect: s.refundToSeller,
		after:  s.settleEscrow(documents.EscrowRefunded),
	})
	return err
}

// Transition applies a bare status change checked only against the
// transition table. It is the administrative path used by the server's
// updateOrderStatus RPC and moves no funds.
func (s *Service) Transition(ctx context.Context, sess session.Session, id string, to documents.OrderStatus) (documents.Order, error) {
	if !sess.IsSystem() {
		err := apperr.Forbidden(sess.UserID, "set order status", "administrative transitions need the system session")
		s.record("transition", err)
		return documents.Order{}, err
	}
	if !to.Valid() {
		err := apperr.Invalid("status", "unknown status "+string(to))
		s.record("transition", err)
		return documents.Order{}, err
	}
	return s.run(ctx, sess, id, step{op: "transition", from: sources(to), to: to})
}

// step describes one guarded transition.
type step struct {
	op   string
	from []documents.OrderStatus
	to   documents.OrderStatus

	// guard runs against the stored order under the per-order lock.
	guard func(ctx context.Context, o documents.Order) error
	// mutate sets fields on the next version besides status.
	mutate func(o *documents.Order, now time.Time)
	// effect moves funds before the write and returns its compensation.
	effect func(ctx context.Context, o documents.Order) (func(context.Context) error, error)
	// after runs once the write succeeded. Failures are logged.
	after func(ctx context.Context, o documents.Order)
}

func (s *Service) run(ctx context.Context, sess session.Session, id string, st step) (saved documents.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders."+st.op, traces.OrderID(id), traces.Status(string(st.to)))
	defer func() {
		traces.End(span, err)
		s.record(st.op, err)
	}()

	if err := sess.Validate(); err != nil {
		return documents.Order{}, err
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return documents.Order{}, err
	}
	defer unlock()

	cur, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return documents.Order{}, s.readErr(id, err)
	}
	if !slices.Contains(st.from, cur.Status) || !CanTransition(cur.Status, st.to) {
		return documents.Order{}, s.stale(cur, st.from...)
	}
	if st.guard != nil {
		if err := st.guard(ctx, cur); err != nil {
			return documents.Order{}, err
		}
	}

	now := s.now()
	next := cur
	next.Status = st.to
	if st.mutate != nil {
		st.mutate(&next, now)
	}
	if err := next.Validate(); err != nil {
		return documents.Order{}, err
	}

	var undo func(context.Context) error
	if st.effect != nil {
		if undo, err = st.effect(ctx, next); err != nil {
			return documents.Order{}, err
		}
	}

	saved, err = s.orders.PutIf(ctx, next, cur.UpdatedAt)
	if err != nil {
		if undo != nil {
			if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
				metrics.CompensationFailures.Inc()
				s.logger.Error("CRITICAL: order write failed and funds compensation failed",
					"orderId", id, "op", st.op, "writeError", err, "error", uerr)
			}
		}
		if errors.Is(err, docstore.ErrConflict) {
			latest, _ := s.orders.Get(ctx, id)
			return documents.Order{}, s.stale(latest, cur.Status)
		}
		return documents.Order{}, s.readErr(id, err)
	}

	metrics.OrderTransitions.WithLabelValues(string(cur.Status), string(saved.Status)).Inc()
	s.logger.Info("order transition",
		"orderId", id, "op", st.op, "from", cur.Status, "to", saved.Status, "actor", sess.UserID)

	if st.after != nil {
		st.after(context.WithoutCancel(ctx), saved)
	}
	s.notify(saved)
	return saved, nil
}

func (s *Service) notify(o documents.Order) {
	for _, obs := range s.observers {
		obs.Observe(o)
	}
}

func (s *Service) record(op string, err error) {
	if err == nil {
		return
	}
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	metrics.OrderRejections.WithLabelValues(op, kind).Inc()
}

func (s *Service) stale(cur documents.Order, expected ...documents.OrderStatus) error {
	exp := make([]string, len(expected))
	for i, e := range expected {
		exp[i] = string(e)
	}
	return &apperr.StaleStateError{Entity: "order", ID: cur.ID, Expected: exp, Actual: string(cur.Status)}
}

func (s *Service) readErr(id string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound("order", id)
	}
	return err
}

func (s *Service) requireSeller(sess session.Session, action string) func(context.Context, documents.Order) error {
	return func(_ context.Context, o documents.Order) error {
		if !sess.Is(o.SellerID) {
			return apperr.Forbidden(sess.UserID, action, "only the seller may "+action)
		}
		return nil
	}
}

func (s *Service) requireVerifier(sess session.Session, action string) func(context.Context, documents.Order) error {
	return func(_ context.Context, o documents.Order) error {
		if o.ValidatorID != "" {
			if sess.ActsForValidator(o.ValidatorID) {
				return nil
			}
			return apperr.Forbidden(sess.UserID, action, "only validator "+o.ValidatorID+" may "+action)
		}
		if sess.Is(o.SellerID) {
			return nil
		}
		return apperr.Forbidden(sess.UserID, action, "only the seller may "+action)
	}
}

// refundToSeller returns locked funds. It is a no-op for orders that never
// reached escrow_locked.
func (s *Service) refundToSeller(ctx context.Context, o documents.Order) (func(context.Context) error, error) {
	if o.EscrowID == "" {
		return nil, nil
	}
	if err := s.funds.Refund(ctx, o.SellerID, o.Amount, o.ID); err != nil {
		return nil, fmt.Errorf("refund escrow funds: %w", err)
	}
	return func(ctx context.Context) error {
		return s.funds.Lock(ctx, o.SellerID, o.Amount, o.ID)
	}, nil
}

func (s *Service) releaseToBuyer(ctx context.Context, o documents.Order) {
	if o.EscrowID != "" {
		if err := s.funds.Release(ctx, o.SellerID, o.BuyerID, o.Amount, o.ID); err != nil {
			// The order is completed but funds are still held; needs manual release.
			metrics.CompensationFailures.Inc()
			s.logger.Error("CRITICAL: order completed but escrow release failed",
				"orderId", o.ID, "escrowId", o.EscrowID, "buyer", o.BuyerID, "amount", o.Amount.String(), "error", err)
		} else {
			s.settleEscrow(documents.EscrowReleased)(ctx, o)
		}
	}
	if o.ValidatorID != "" && s.validators != nil {
		if err := s.validators.IncrementOrders(ctx, o.ValidatorID); err != nil {
			s.logger.Warn("failed to increment validator orders", "validatorId", o.ValidatorID, "error", err)
		}
	}
}

func (s *Service) settleEscrow(status documents.EscrowStatus) func(context.Context, documents.Order) {
	return func(ctx context.Context, o documents.Order) {
		if s.escrows == nil || o.EscrowID == "" {
			return
		}
		rec, err := s.escrows.FindByID(ctx, o.EscrowID)
		if err != nil {
			s.logger.Warn("escrow record missing", "orderId", o.ID, "escrowId", o.EscrowID, "error", err)
			return
		}
		s.putEscrow(ctx, escrow.Settle(rec, status, s.now()))
	}
}

// renewEscrow copies the order's restarted deadline onto its escrow record.
func (s *Service) renewEscrow(ctx context.Context, o documents.Order) {
	if s.escrows == nil || o.EscrowID == "" {
		return
	}
	rec, err := s.escrows.FindByID(ctx, o.EscrowID)
	if err != nil {
		s.logger.Warn("escrow record missing", "orderId", o.ID, "escrowId", o.EscrowID, "error", err)
		return
	}
	rec.ExpiresAt = o.ExpiresAt
	s.putEscrow(ctx, rec)
}

func (s *Service) putEscrow(ctx context.Context, rec documents.Escrow) {
	if s.escrows == nil {
		return
	}
	if _, err := s.escrows.Put(ctx, rec); err != nil {
		s.logger.Warn("failed to write escrow record", "escrowId", rec.ID, "orderId", rec.OrderID, "error", err)
	}
}
