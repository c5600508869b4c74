// Package escrow holds the funds side of an order: deadline tiers, the
// custody collaborator and the timeout scheduler that forces expiry.
//
// Flow:
//  1. Seller locks funds → escrow record "locked", deadline armed
//  2. Buyer pays off-platform and submits proof → deadline disarmed
//  3. Verifier accepts → funds released to buyer, record "released"
//  4. Deadline passes, seller refunds, or dispute resolves for the
//     seller → funds returned, record "refunded"
package escrow

import (
	"time"

	"github.com/mbd888/escrowsync/internal/documents"
)

// NewRecord builds the escrow document for order, locked at now with
// the order's current deadline.
func NewRecord(id string, order documents.Order, now time.Time) documents.Escrow {
	return documents.Escrow{
		ID:        id,
		OrderID:   order.ID,
		SellerID:  order.SellerID,
		BuyerID:   order.BuyerID,
		Amount:    order.Amount,
		Status:    documents.EscrowLocked,
		LockedAt:  now.UnixMilli(),
		ExpiresAt: order.ExpiresAt,
	}
}

// Settle returns rec moved to a final status.
func Settle(rec documents.Escrow, status documents.EscrowStatus, now time.Time) documents.Escrow {
	rec.Status = status
	rec.SettledAt = now.UnixMilli()
	return rec
}
