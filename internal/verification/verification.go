// Package verification runs the proof-of-payment workflow on top of the
// order lifecycle: the buyer submits proof, the designated verifier
// accepts or rejects it.
package verification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/session"
)

// Orders is the slice of the lifecycle engine the workflow drives.
type Orders interface {
	Get(ctx context.Context, id string) (documents.Order, error)
	MarkPaymentSubmitted(ctx context.Context, sess session.Session, id string) (documents.Order, error)
	ConfirmPayment(ctx context.Context, sess session.Session, id string) (documents.Order, error)
	RejectPayment(ctx context.Context, sess session.Session, id string) (documents.Order, error)
}

const maxProofLength = 4096

// Workflow coordinates PaymentVerification documents with order status.
type Workflow struct {
	orders Orders
	store  docstore.Store[documents.PaymentVerification]
	now    func() time.Time
	logger *slog.Logger
}

func NewWorkflow(orders Orders, store docstore.Store[documents.PaymentVerification], logger *slog.Logger) *Workflow {
	return &Workflow{orders: orders, store: store, now: time.Now, logger: logger}
}

func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Result pairs the order and its verification record after a step.
type Result struct {
	Order        documents.Order               `json:"order"`
	Verification documents.PaymentVerification `json:"verification"`
}

// SubmitProof records the buyer's proof as pending and moves the order to
// payment_submitted. The record is rolled back if the order has moved on.
func (w *Workflow) SubmitProof(ctx context.Context, sess session.Session, orderID, proof string) (Result, error) {
	proof = strings.TrimSpace(proof)
	switch {
	case proof == "":
		return Result{}, apperr.Invalid("proof", "required")
	case len(proof) > maxProofLength:
		return Result{}, apperr.Invalid("proof", "too long")
	}

	order, err := w.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.Status != documents.OrderEscrowLocked && order.Status != documents.OrderPaymentPending {
		return Result{}, &apperr.StaleStateError{
			Entity: "order", ID: orderID,
			Expected: []string{string(documents.OrderEscrowLocked), string(documents.OrderPaymentPending)},
			Actual:   string(order.Status),
		}
	}
	if !sess.Is(order.BuyerID) {
		return Result{}, apperr.Forbidden(sess.UserID, "submit payment proof", "only the buyer submits proof")
	}

	prev, prevErr := w.store.Get(ctx, orderID)
	existed := prevErr == nil
	if prevErr != nil && !errors.Is(prevErr, docstore.ErrNotFound) {
		return Result{}, prevErr
	}

	pv, err := w.store.Put(ctx, documents.PaymentVerification{
		OrderID:     orderID,
		Status:      documents.VerificationPending,
		Proof:       proof,
		SubmittedBy: sess.UserID,
		SubmittedAt: w.now().UnixMilli(),
	})
	if err != nil {
		return Result{}, err
	}

	order, err = w.orders.MarkPaymentSubmitted(ctx, sess, orderID)
	if err != nil {
		w.rollback(ctx, orderID, prev, existed)
		return Result{}, err
	}
	w.logger.Info("payment proof submitted", "orderId", orderID, "buyer", sess.UserID)
	return Result{Order: order, Verification: pv}, nil
}

func (w *Workflow) rollback(ctx context.Context, orderID string, prev documents.PaymentVerification, existed bool) {
	var err error
	if existed {
		_, err = w.store.Put(ctx, prev)
	} else {
		_, err = w.store.MarkDeleted(ctx, orderID)
	}
	if err != nil {
		w.logger.Warn("failed to roll back payment verification", "orderId", orderID, "error", err)
	}
}

// Verify rules on a pending proof. verified completes the order and
// releases escrow; rejected sends it back to the buyer, or to dispute once
// the rejection limit is reached.
func (w *Workflow) Verify(ctx context.Context, sess session.Session, orderID string, outcome documents.VerificationStatus, remarks string) (Result, error) {
	if outcome != documents.VerificationVerified && outcome != documents.VerificationRejected {
		return Result{}, apperr.Invalid("outcome", "must be verified or rejected")
	}

	pv, err := w.store.FindByID(ctx, orderID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Result{}, apperr.NotFound("payment verification", orderID)
	}
	if err != nil {
		return Result{}, err
	}
	if pv.Status != documents.VerificationPending {
		return Result{}, &apperr.StaleStateError{
			Entity: "payment verification", ID: orderID,
			Expected: []string{string(documents.VerificationPending)},
			Actual:   string(pv.Status),
		}
	}

	var order documents.Order
	if outcome == documents.VerificationVerified {
		order, err = w.orders.ConfirmPayment(ctx, sess, orderID)
	} else {
		order, err = w.orders.RejectPayment(ctx, sess, orderID)
	}
	if err != nil {
		return Result{}, err
	}

	pv.Status = outcome
	pv.VerifiedBy = sess.UserID
	pv.VerifiedAt = w.now().UnixMilli()
	pv.Remarks = remarks

	saved, err := w.store.Put(ctx, pv)
	if err != nil {
		// Retry once: the order already moved.
		if saved, err = w.store.Put(ctx, pv); err != nil {
			w.logger.Error("CRITICAL: order moved but verification record update failed",
				"orderId", orderID, "orderStatus", order.Status, "outcome", outcome, "error", err)
			return Result{Order: order}, err
		}
	}
	w.logger.Info("payment proof ruled", "orderId", orderID, "outcome", outcome, "orderStatus", order.Status, "verifier", sess.UserID)
	return Result{Order: order, Verification: saved}, nil
}

// Get returns the verification record for orderID.
func (w *Workflow) Get(ctx context.Context, orderID string) (documents.PaymentVerification, error) {
	pv, err := w.store.FindByID(ctx, orderID)
	if errors.Is(err, docstore.ErrNotFound) {
		return pv, apperr.NotFound("payment verification", orderID)
	}
	return pv, err
}
