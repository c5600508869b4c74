package documents

import (
	"net/mail"

	"github.com/mbd888/escrowsync/internal/apperr"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

func (s KYCStatus) Valid() bool {
	return s == KYCPending || s == KYCApproved || s == KYCRejected
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

type PersonalInfo struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	DateOfBirth string `json:"dateOfBirth"`
	Nationality string `json:"nationality"`
}

type PostalAddress struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type IdentityDocument struct {
	Type               string `json:"type"`
	Number             string `json:"number"`
	ExpiryDate         string `json:"expiryDate"`
	FileURL            string `json:"fileUrl"`
	VerificationStatus string `json:"verificationStatus"`
}

type VerificationDetails struct {
	SubmittedAt int64  `json:"submittedAt"`
	VerifiedAt  int64  `json:"verifiedAt,omitempty"`
	VerifiedBy  string `json:"verifiedBy,omitempty"`
	Remarks     string `json:"remarks,omitempty"`
}

type BankAccount struct {
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
}

type BankDetails struct {
	BPI     *BankAccount `json:"bpi,omitempty"`
	GCash   string       `json:"gcash,omitempty"`
	PayMaya string       `json:"paymaya,omitempty"`
}

// KYCRecord is a user's identity verification file, keyed by userId.
type KYCRecord struct {
	Meta
	UserID              string               `json:"userId"`
	Status              KYCStatus            `json:"status"`
	PersonalInfo        PersonalInfo         `json:"personalInfo"`
	Address             PostalAddress        `json:"address"`
	Documents           []IdentityDocument   `json:"documents"`
	VerificationDetails *VerificationDetails `json:"verificationDetails,omitempty"`
	RiskLevel           RiskLevel            `json:"riskLevel"`
	BankDetails         *BankDetails         `json:"bankDetails,omitempty"`
}

func (k KYCRecord) DocID() string { return k.UserID }

func (k KYCRecord) WithMeta(updatedAt int64, deleted bool) KYCRecord {
	k.UpdatedAt, k.Deleted = updatedAt, deleted
	return k
}

func (k KYCRecord) Validate() error {
	switch {
	case k.UserID == "":
		return apperr.Invalid("userId", "required")
	case !k.Status.Valid():
		return apperr.Invalid("status", "unknown KYC status "+string(k.Status))
	case !k.RiskLevel.Valid():
		return apperr.Invalid("riskLevel", "unknown risk level "+string(k.RiskLevel))
	}
	if k.PersonalInfo.Email != "" {
		if _, err := mail.ParseAddress(k.PersonalInfo.Email); err != nil {
			return apperr.Invalid("personalInfo.email", "malformed address")
		}
	}
	return nil
}
