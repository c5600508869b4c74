package replica

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/remote"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/verification"
)

func get[T documents.Replicable[T]](ctx context.Context, store docstore.Store[T], entity, id string) (T, error) {
	doc, err := store.FindByID(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return doc, apperr.NotFound(entity, id)
	}
	return doc, err
}

func (n *Node) touch(collection string) { n.engine.Trigger(collection) }

func save[T documents.Replicable[T]](ctx context.Context, n *Node, store docstore.Store[T], doc T) (T, error) {
	if v, ok := any(doc).(documents.Validatable); ok {
		if err := v.Validate(); err != nil {
			var zero T
			return zero, err
		}
	}
	saved, err := store.Put(ctx, doc)
	if err != nil {
		return saved, err
	}
	n.touch(store.Collection())
	return saved, nil
}

func remove[T documents.Replicable[T]](ctx context.Context, n *Node, store docstore.Store[T], entity, id string) error {
	_, err := store.MarkDeleted(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound(entity, id)
	}
	if err != nil {
		return err
	}
	n.touch(store.Collection())
	return nil
}

// Assets

func (n *Node) GetAsset(ctx context.Context, address string) (documents.Asset, error) {
	return get(ctx, n.assets, "asset", address)
}

// GetAssets lists live assets by sortIndex.
func (n *Node) GetAssets(ctx context.Context) ([]documents.Asset, error) {
	all, err := n.assets.FindAll(ctx, false)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(all, func(a, b documents.Asset) int {
		return cmp.Or(cmp.Compare(a.SortIndex, b.SortIndex), cmp.Compare(a.Address, b.Address))
	})
	return all, nil
}

func (n *Node) PutAsset(ctx context.Context, a documents.Asset) (documents.Asset, error) {
	return save(ctx, n, n.assets, a)
}

func (n *Node) DeleteAsset(ctx context.Context, address string) error {
	return remove(ctx, n, n.assets, "asset", address)
}

// Contacts

func (n *Node) GetContacts(ctx context.Context) ([]documents.Contact, error) {
	return n.contacts.FindAll(ctx, false)
}

func (n *Node) PutContact(ctx context.Context, c documents.Contact) (documents.Contact, error) {
	return save(ctx, n, n.contacts, c)
}

func (n *Node) DeleteContact(ctx context.Context, principal string) error {
	return remove(ctx, n, n.contacts, "contact", principal)
}

// Allowances

func (n *Node) GetAllowances(ctx context.Context) ([]documents.Allowance, error) {
	return n.allowances.FindAll(ctx, false)
}

func (n *Node) PutAllowance(ctx context.Context, a documents.Allowance) (documents.Allowance, error) {
	return save(ctx, n, n.allowances, a)
}

// GetValidators lists validators, optionally only active ones.
func (n *Node) GetValidators(ctx context.Context, activeOnly bool) ([]documents.Validator, error) {
	return n.reference.Validators(ctx, activeOnly, 0)
}

// Orders

func (n *Node) CreateOrder(ctx context.Context, sess session.Session, req orders.CreateRequest) (documents.Order, error) {
	return n.orders.Create(ctx, sess, req)
}

// AcceptOrder takes an order as buyer. validatorID may be empty to let the
// replica pick the verifier.
func (n *Node) AcceptOrder(ctx context.Context, sess session.Session, id, validatorID string) (documents.Order, error) {
	return n.orders.Accept(ctx, sess, id, orders.AcceptRequest{ValidatorID: validatorID})
}

func (n *Node) LockEscrow(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return n.orders.LockEscrow(ctx, sess, id)
}

func (n *Node) RequestPayment(ctx context.Context, sess session.Session, id string, method documents.PaymentMethod) (documents.Order, error) {
	return n.orders.RequestPayment(ctx, sess, id, method)
}

func (n *Node) CancelOrder(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return n.orders.Cancel(ctx, sess, id)
}

func (n *Node) DisputeOrder(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return n.orders.Dispute(ctx, sess, id)
}

// ResolveDispute closes a disputed order as completed or refunded.
func (n *Node) ResolveDispute(ctx context.Context, sess session.Session, id string, outcome documents.OrderStatus) (documents.Order, error) {
	return n.orders.ResolveDispute(ctx, sess, id, outcome)
}

func (n *Node) RefundOrder(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	return n.orders.Refund(ctx, sess, id)
}

func (n *Node) GetOrder(ctx context.Context, id string) (documents.Order, error) {
	return n.orders.Get(ctx, id)
}

func (n *Node) ListOrders(ctx context.Context, f orders.Filter) ([]documents.Order, error) {
	return n.orders.Find(ctx, f)
}

// OrderStatistics summarises the local order book.
func (n *Node) OrderStatistics(ctx context.Context) (orders.Statistics, error) {
	return n.orders.Statistics(ctx)
}

// Payment verification

func (n *Node) SubmitPaymentProof(ctx context.Context, sess session.Session, orderID, proof string) (verification.Result, error) {
	res, err := n.workflow.SubmitProof(ctx, sess, orderID, proof)
	n.touch(documents.CollectionPaymentVerifications)
	return res, err
}

// VerifyPayment rules on the pending proof for orderID.
func (n *Node) VerifyPayment(ctx context.Context, sess session.Session, orderID string, outcome documents.VerificationStatus, remarks string) (verification.Result, error) {
	res, err := n.workflow.Verify(ctx, sess, orderID, outcome, remarks)
	n.touch(documents.CollectionPaymentVerifications)
	return res, err
}

func (n *Node) GetPaymentVerification(ctx context.Context, orderID string) (documents.PaymentVerification, error) {
	return n.workflow.Get(ctx, orderID)
}

// KYC

// SubmitKYC files rec for the session user as pending. A resubmission
// replaces the previous file and clears its review.
func (n *Node) SubmitKYC(ctx context.Context, sess session.Session, rec documents.KYCRecord) (documents.KYCRecord, error) {
	if err := sess.Validate(); err != nil {
		return documents.KYCRecord{}, err
	}
	if sess.IsSystem() {
		return documents.KYCRecord{}, apperr.Forbidden(sess.UserID, "submit kyc", "system sessions have no identity")
	}
	rec.UserID = sess.UserID
	rec.Status = documents.KYCPending
	if rec.RiskLevel == "" {
		rec.RiskLevel = documents.RiskLow
	}
	rec.VerificationDetails = &documents.VerificationDetails{SubmittedAt: n.cfg.Now().UnixMilli()}
	return save(ctx, n, n.kyc, rec)
}

// UpdateKYCStatus records a review decision. Only validators and the system
// session review KYC files, and nobody reviews their own.
func (n *Node) UpdateKYCStatus(ctx context.Context, sess session.Session, userID string, status documents.KYCStatus, remarks string) (documents.KYCRecord, error) {
	if err := sess.Validate(); err != nil {
		return documents.KYCRecord{}, err
	}
	if sess.Role != session.RoleValidator && !sess.IsSystem() {
		return documents.KYCRecord{}, apperr.Forbidden(sess.UserID, "update kyc status", "only validators review KYC")
	}
	if sess.Is(userID) {
		return documents.KYCRecord{}, apperr.Forbidden(sess.UserID, "update kyc status", "cannot review own KYC")
	}
	k, err := n.reference.UpdateKYCStatus(ctx, userID, remote.KYCUpdate{
		Status:     status,
		VerifiedBy: sess.UserID,
		Remarks:    remarks,
	})
	if err != nil {
		return k, err
	}
	n.touch(documents.CollectionKYC)
	return k, nil
}

func (n *Node) GetKYC(ctx context.Context, userID string) (documents.KYCRecord, error) {
	return n.reference.GetKYC(ctx, userID)
}
