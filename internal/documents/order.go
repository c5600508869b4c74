package documents

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowsync/internal/apperr"
)

// OrderStatus is the lifecycle state of a P2P order.
type OrderStatus string

const (
	OrderCreated          OrderStatus = "created"
	OrderEscrowPending    OrderStatus = "escrow_pending"
	OrderEscrowLocked     OrderStatus = "escrow_locked"
	OrderPaymentPending   OrderStatus = "payment_pending"
	OrderPaymentSubmitted OrderStatus = "payment_submitted"
	OrderPaymentVerified  OrderStatus = "payment_verified"
	OrderCompleted        OrderStatus = "completed"
	OrderCancelled        OrderStatus = "cancelled"
	OrderDisputed         OrderStatus = "disputed"
	OrderExpired          OrderStatus = "expired"
	OrderRefunded         OrderStatus = "refunded"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderCreated, OrderEscrowPending, OrderEscrowLocked, OrderPaymentPending,
	OrderPaymentSubmitted, OrderPaymentVerified, OrderCompleted,
	OrderCancelled, OrderDisputed, OrderExpired, OrderRefunded,
}

// IsTerminal reports whether no further transitions leave s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderExpired, OrderRefunded:
		return true
	}
	return false
}

// IsTimed reports whether an order in s runs against a deadline and can
// be forced to expired when it passes.
func (s OrderStatus) IsTimed() bool {
	switch s {
	case OrderEscrowPending, OrderEscrowLocked, OrderPaymentPending:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// PaymentMethodDetails are the off-platform coordinates the buyer pays to.
type PaymentMethodDetails struct {
	AccountNumber string `json:"accountNumber,omitempty"`
	AccountName   string `json:"accountName,omitempty"`
	BankName      string `json:"bankName,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// PaymentMethod is how the buyer settles the fiat leg.
type PaymentMethod struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Type    string               `json:"type"`
	Details PaymentMethodDetails `json:"details"`
}

// Order is a peer-to-peer trade offer and its lifecycle state.
type Order struct {
	Meta
	ID              string          `json:"id"`
	SellerID        string          `json:"sellerId"`
	BuyerID         string          `json:"buyerId,omitempty"`
	ValidatorID     string          `json:"validatorId,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	Status          OrderStatus     `json:"status"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	CreatedAt       int64           `json:"createdAt"`
	ExpiresAt       int64           `json:"expiresAt"`
	EscrowID        string          `json:"escrowId,omitempty"`
	ProofRejections int             `json:"proofRejections,omitempty"`
}

func (o Order) DocID() string { return o.ID }

func (o Order) WithMeta(updatedAt int64, deleted bool) Order {
	o.UpdatedAt, o.Deleted = updatedAt, deleted
	return o
}

func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return apperr.Invalid("id", "required")
	case o.SellerID == "":
		return apperr.Invalid("sellerId", "required")
	case !o.Amount.IsPositive():
		return apperr.Invalid("amount", "must be positive")
	case !o.Price.IsPositive():
		return apperr.Invalid("price", "must be positive")
	case !o.Status.Valid():
		return apperr.Invalid("status", "unknown status "+string(o.Status))
	}
	return nil
}

// Total is the fiat value of the order.
func (o Order) Total() decimal.Decimal {
	return o.Amount.Mul(o.Price)
}

// Verifier returns the party allowed to rule on payment proofs.
func (o Order) Verifier() string {
	if o.ValidatorID != "" {
		return o.ValidatorID
	}
	return o.SellerID
}

// IsParty reports whether userID is the seller or buyer of the order.
func (o Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.SellerID || userID == o.BuyerID)
}
