package verification

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/session"
)

var (
	seller = session.User("alice")
	buyer  = session.User("bob")
)

type fixture struct {
	wf     *Workflow
	orders *orders.Service
	pvs    docstore.Store[documents.PaymentVerification]
	funds  *escrow.MemoryFunds
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	funds := escrow.NewMemoryFunds(escrow.Unbounded())
	svc := orders.NewService(
		docstore.NewMemoryStore[documents.Order](documents.CollectionOrders),
		funds, escrow.DefaultTiers(),
	).WithLogger(logger)
	pvs := docstore.NewMemoryStore[documents.PaymentVerification](documents.CollectionPaymentVerifications)
	return fixture{wf: NewWorkflow(svc, pvs, logger), orders: svc, pvs: pvs, funds: funds}
}

func (f fixture) lockedOrder(t *testing.T) documents.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, seller, orders.CreateRequest{
		Amount: decimal.NewFromInt(50), Price: decimal.NewFromInt(2800),
	})
	require.NoError(t, err)
	_, err = f.orders.Accept(ctx, buyer, o.ID, orders.AcceptRequest{})
	require.NoError(t, err)
	o, err = f.orders.LockEscrow(ctx, seller, o.ID)
	require.NoError(t, err)
	return o
}

func TestSubmitProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.lockedOrder(t)

	_, err := f.wf.SubmitProof(ctx, buyer, o.ID, "   ")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.wf.SubmitProof(ctx, buyer, o.ID, strings.Repeat("x", maxProofLength+1))
	assert.True(t, apperr.IsValidation(err))
	_, err = f.wf.SubmitProof(ctx, seller, o.ID, "ref 123")
	assert.True(t, apperr.IsForbidden(err))

	res, err := f.wf.SubmitProof(ctx, buyer, o.ID, "GCash ref 123")
	require.NoError(t, err)
	assert.Equal(t, documents.OrderPaymentSubmitted, res.Order.Status)
	assert.Equal(t, documents.VerificationPending, res.Verification.Status)
	assert.Equal(t, "bob", res.Verification.SubmittedBy)

	_, err = f.wf.SubmitProof(ctx, buyer, o.ID, "again")
	assert.True(t, apperr.IsStale(err))
}

func TestVerify_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.lockedOrder(t)
	_, err := f.wf.SubmitProof(ctx, buyer, o.ID, "GCash ref 123")
	require.NoError(t, err)

	_, err = f.wf.Verify(ctx, buyer, o.ID, documents.VerificationVerified, "")
	assert.True(t, apperr.IsForbidden(err), "buyer cannot verify their own proof")
	pv, err := f.wf.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, documents.VerificationPending, pv.Status, "failed ruling leaves the record alone")

	res, err := f.wf.Verify(ctx, seller, o.ID, documents.VerificationVerified, "received")
	require.NoError(t, err)
	assert.Equal(t, documents.OrderCompleted, res.Order.Status)
	assert.Equal(t, documents.VerificationVerified, res.Verification.Status)
	assert.Equal(t, "received", res.Verification.Remarks)
	_, held := f.funds.Locked(o.ID)
	assert.False(t, held)

	_, err = f.wf.Verify(ctx, seller, o.ID, documents.VerificationRejected, "")
	assert.True(t, apperr.IsStale(err))
}

func TestVerify_RejectionsEndInDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.lockedOrder(t)

	var res Result
	for range 3 {
		_, err := f.wf.SubmitProof(ctx, buyer, o.ID, "blurry screenshot")
		require.NoError(t, err)
		res, err = f.wf.Verify(ctx, seller, o.ID, documents.VerificationRejected, "unreadable")
		require.NoError(t, err)
		assert.Equal(t, documents.VerificationRejected, res.Verification.Status)
	}
	assert.Equal(t, documents.OrderDisputed, res.Order.Status)
	assert.Equal(t, 3, res.Order.ProofRejections)
}

func TestVerify_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Verify(ctx, seller, "missing", documents.VerificationVerified, "")
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.wf.Verify(ctx, seller, "missing", documents.VerificationPending, "")
	assert.True(t, apperr.IsValidation(err))
}

func TestSubmitProof_RollsBackWhenOrderMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.lockedOrder(t)

	// The order moves under the workflow between its read and the transition.
	racing := &racingOrders{Orders: f.orders, before: func() {
		_, err := f.orders.Dispute(ctx, seller, o.ID)
		require.NoError(t, err)
	}}
	wf := NewWorkflow(racing, f.pvs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := wf.SubmitProof(ctx, buyer, o.ID, "GCash ref 123")
	assert.True(t, apperr.IsStale(err))

	_, err = f.wf.Get(ctx, o.ID)
	assert.True(t, apperr.IsNotFound(err), "new record is withdrawn")
}

type racingOrders struct {
	Orders
	before func()
}

func (r *racingOrders) MarkPaymentSubmitted(ctx context.Context, sess session.Session, id string) (documents.Order, error) {
	r.before()
	return r.Orders.MarkPaymentSubmitted(ctx, sess, id)
}
