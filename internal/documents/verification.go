package documents

import "github.com/mbd888/escrowsync/internal/apperr"

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// PaymentVerification is the proof-of-payment record for an order. There is
// at most one per order, so it is keyed by orderId.
type PaymentVerification struct {
	Meta
	OrderID     string             `json:"orderId"`
	Status      VerificationStatus `json:"status"`
	Proof       string             `json:"proof,omitempty"`
	SubmittedBy string             `json:"submittedBy,omitempty"`
	SubmittedAt int64              `json:"submittedAt,omitempty"`
	VerifiedAt  int64              `json:"verifiedAt,omitempty"`
	VerifiedBy  string             `json:"verifiedBy,omitempty"`
	Remarks     string             `json:"remarks,omitempty"`
}

func (v PaymentVerification) DocID() string { return v.OrderID }

func (v PaymentVerification) WithMeta(updatedAt int64, deleted bool) PaymentVerification {
	v.UpdatedAt, v.Deleted = updatedAt, deleted
	return v
}

func (v PaymentVerification) Validate() error {
	if v.OrderID == "" {
		return apperr.Invalid("orderId", "required")
	}
	switch v.Status {
	case VerificationPending, VerificationVerified, VerificationRejected:
		return nil
	}
	return apperr.Invalid("status", "unknown verification status "+string(v.Status))
}

// Validator is a third party who can verify payment proofs.
type Validator struct {
	Meta
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	IsActive     bool    `json:"isActive"`
	Rating       float64 `json:"rating"`
	ResponseTime string  `json:"responseTime"`
	TotalOrders  int64   `json:"totalOrders"`
	AvatarURL    string  `json:"avatarUrl,omitempty"`
}

func (v Validator) DocID() string { return v.ID }

func (v Validator) WithMeta(updatedAt int64, deleted bool) Validator {
	v.UpdatedAt, v.Deleted = updatedAt, deleted
	return v
}

func (v Validator) Validate() error {
	switch {
	case v.ID == "":
		return apperr.Invalid("id", "required")
	case v.Rating < 0 || v.Rating > 5:
		return apperr.Invalid("rating", "must be between 0 and 5")
	case v.TotalOrders < 0:
		return apperr.Invalid("totalOrders", "must not be negative")
	}
	return nil
}
