package remote

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
)

const maxMutateAttempts = 3

// Reference runs the validator and KYC RPCs against server state.
type Reference struct {
	validators docstore.Store[documents.Validator]
	kyc        docstore.Store[documents.KYCRecord]
	now        func() time.Time
}

func NewReference(validators docstore.Store[documents.Validator], kyc docstore.Store[documents.KYCRecord]) *Reference {
	return &Reference{validators: validators, kyc: kyc, now: time.Now}
}

func (r *Reference) WithClock(now func() time.Time) *Reference {
	r.now = now
	return r
}

// mutate applies fn to the live document id and writes it back guarded by
// the version it read, retrying lost races.
func mutate[T documents.Replicable[T]](ctx context.Context, store docstore.Store[T], entity, id string, fn func(T) (T, error)) (T, error) {
	var zero T
	for range maxMutateAttempts {
		cur, err := store.FindByID(ctx, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return zero, apperr.NotFound(entity, id)
		}
		if err != nil {
			return zero, err
		}
		next, err := fn(cur)
		if err != nil {
			return zero, err
		}
		if v, ok := any(next).(documents.Validatable); ok {
			if err := v.Validate(); err != nil {
				return zero, err
			}
		}
		saved, err := store.PutIf(ctx, next, cur.DocUpdatedAt())
		if errors.Is(err, docstore.ErrConflict) {
			continue
		}
		return saved, err
	}
	return zero, &apperr.StaleStateError{Entity: entity, ID: id, Actual: "changed concurrently"}
}

func (r *Reference) IncrementValidatorOrders(ctx context.Context, id string) (documents.Validator, error) {
	return mutate(ctx, r.validators, "validator", id, func(v documents.Validator) (documents.Validator, error) {
		v.TotalOrders++
		return v, nil
	})
}

func (r *Reference) UpdateValidatorRating(ctx context.Context, id string, rating float64) (documents.Validator, error) {
	return mutate(ctx, r.validators, "validator", id, func(v documents.Validator) (documents.Validator, error) {
		v.Rating = rating
		return v, nil
	})
}

func (r *Reference) UpdateValidatorStatus(ctx context.Context, id string, active bool) (documents.Validator, error) {
	return mutate(ctx, r.validators, "validator", id, func(v documents.Validator) (documents.Validator, error) {
		v.IsActive = active
		return v, nil
	})
}

func (r *Reference) UpdateValidatorResponseTime(ctx context.Context, id, responseTime string) (documents.Validator, error) {
	responseTime = strings.TrimSpace(responseTime)
	if responseTime == "" {
		return documents.Validator{}, apperr.Invalid("responseTime", "required")
	}
	return mutate(ctx, r.validators, "validator", id, func(v documents.Validator) (documents.Validator, error) {
		v.ResponseTime = responseTime
		return v, nil
	})
}

// Validators lists live validators, optionally only active ones with at
// least minRating.
func (r *Reference) Validators(ctx context.Context, activeOnly bool, minRating float64) ([]documents.Validator, error) {
	all, err := r.validators.FindAll(ctx, false)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(v documents.Validator) bool {
		return (activeOnly && !v.IsActive) || v.Rating < minRating
	}), nil
}

type ValidatorStatistics struct {
	TotalValidators      int     `json:"totalValidators"`
	ActiveValidators     int     `json:"activeValidators"`
	AverageRating        float64 `json:"averageRating"`
	TotalOrdersProcessed int64   `json:"totalOrdersProcessed"`
}

func (r *Reference) ValidatorStatistics(ctx context.Context) (ValidatorStatistics, error) {
	all, err := r.validators.FindAll(ctx, false)
	if err != nil {
		return ValidatorStatistics{}, err
	}
	var stats ValidatorStatistics
	var ratingSum float64
	for _, v := range all {
		stats.TotalValidators++
		if v.IsActive {
			stats.ActiveValidators++
		}
		ratingSum += v.Rating
		stats.TotalOrdersProcessed += v.TotalOrders
	}
	if stats.TotalValidators > 0 {
		stats.AverageRating = ratingSum / float64(stats.TotalValidators)
	}
	return stats, nil
}

// KYCUpdate is a reviewer's decision on a KYC file.
type KYCUpdate struct {
	Status     documents.KYCStatus `json:"status"`
	VerifiedBy string              `json:"verifiedBy"`
	Remarks    string              `json:"remarks,omitempty"`
	RiskLevel  documents.RiskLevel `json:"riskLevel,omitempty"`
}

func (u KYCUpdate) Validate() error {
	switch {
	case !u.Status.Valid():
		return apperr.Invalid("status", "unknown KYC status "+string(u.Status))
	case strings.TrimSpace(u.VerifiedBy) == "":
		return apperr.Invalid("verifiedBy", "required")
	case u.RiskLevel != "" && !u.RiskLevel.Valid():
		return apperr.Invalid("riskLevel", "unknown risk level "+string(u.RiskLevel))
	}
	return nil
}

// UpdateKYCStatus records a review decision. Moving back to pending clears
// the previous verification stamp.
func (r *Reference) UpdateKYCStatus(ctx context.Context, userID string, u KYCUpdate) (documents.KYCRecord, error) {
	if err := u.Validate(); err != nil {
		return documents.KYCRecord{}, err
	}
	return mutate(ctx, r.kyc, "kyc", userID, func(k documents.KYCRecord) (documents.KYCRecord, error) {
		details := documents.VerificationDetails{}
		if k.VerificationDetails != nil {
			details = *k.VerificationDetails
		}
		if details.SubmittedAt == 0 {
			details.SubmittedAt = k.UpdatedAt
		}
		if u.Status == documents.KYCPending {
			details.VerifiedAt, details.VerifiedBy = 0, ""
		} else {
			details.VerifiedAt = r.now().UnixMilli()
			details.VerifiedBy = u.VerifiedBy
		}
		details.Remarks = u.Remarks

		k.Status = u.Status
		k.VerificationDetails = &details
		if u.RiskLevel != "" {
			k.RiskLevel = u.RiskLevel
		}
		return k, nil
	})
}

func (r *Reference) GetKYC(ctx context.Context, userID string) (documents.KYCRecord, error) {
	k, err := r.kyc.FindByID(ctx, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return k, apperr.NotFound("kyc", userID)
	}
	return k, err
}

// KYCByField lists live KYC files whose status or riskLevel equals value.
func (r *Reference) KYCByField(ctx context.Context, field, value string) ([]documents.KYCRecord, error) {
	if field != "status" && field != "riskLevel" {
		return nil, apperr.Invalid("field", "must be status or riskLevel")
	}
	return r.kyc.FindByIndex(ctx, field, value)
}

type KYCStatistics struct {
	TotalUsers           int `json:"totalUsers"`
	PendingVerifications int `json:"pendingVerifications"`
	ApprovedUsers        int `json:"approvedUsers"`
	RejectedUsers        int `json:"rejectedUsers"`
	HighRiskUsers        int `json:"highRiskUsers"`
}

func (r *Reference) KYCStatistics(ctx context.Context) (KYCStatistics, error) {
	all, err := r.kyc.FindAll(ctx, false)
	if err != nil {
		return KYCStatistics{}, err
	}
	var stats KYCStatistics
	for _, k := range all {
		stats.TotalUsers++
		switch k.Status {
		case documents.KYCPending:
			stats.PendingVerifications++
		case documents.KYCApproved:
			stats.ApprovedUsers++
		case documents.KYCRejected:
			stats.RejectedUsers++
		}
		if k.RiskLevel == documents.RiskHigh {
			stats.HighRiskUsers++
		}
	}
	return stats, nil
}
