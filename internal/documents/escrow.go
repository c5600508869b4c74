package documents

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowsync/internal/apperr"
)

// EscrowStatus is the state of the funds held for an order.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Escrow records funds locked against an order.
type Escrow struct {
	Meta
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	SellerID  string          `json:"sellerId"`
	BuyerID   string          `json:"buyerId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    EscrowStatus    `json:"status"`
	LockedAt  int64           `json:"lockedAt"`
	ExpiresAt int64           `json:"expiresAt"`
	SettledAt int64           `json:"settledAt,omitempty"`
}

func (e Escrow) DocID() string { return e.ID }

func (e Escrow) WithMeta(updatedAt int64, deleted bool) Escrow {
	e.UpdatedAt, e.Deleted = updatedAt, deleted
	return e
}

func (e Escrow) Validate() error {
	switch {
	case e.ID == "":
		return apperr.Invalid("id", "required")
	case e.OrderID == "":
		return apperr.Invalid("orderId", "required")
	case !e.Amount.IsPositive():
		return apperr.Invalid("amount", "must be positive")
	}
	switch e.Status {
	case EscrowLocked, EscrowReleased, EscrowRefunded:
		return nil
	}
	return apperr.Invalid("status", "unknown escrow status "+string(e.Status))
}
