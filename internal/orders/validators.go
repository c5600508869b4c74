package orders

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
)

// Validators assigns verifiers to orders and keeps their counters.
type Validators interface {
	// Pick returns the validator for a new trade. preferred, when set,
	// must name an active validator. An empty result means the seller
	// verifies.
	Pick(ctx context.Context, preferred string) (string, error)
	IncrementOrders(ctx context.Context, validatorID string) error
}

// StoreValidators picks from the replicated validators collection.
type StoreValidators struct {
	store docstore.Store[documents.Validator]
}

func NewStoreValidators(store docstore.Store[documents.Validator]) *StoreValidators {
	return &StoreValidators{store: store}
}

func (v *StoreValidators) Pick(ctx context.Context, preferred string) (string, error) {
	if preferred != "" {
		val, err := v.store.FindByID(ctx, preferred)
		if errors.Is(err, docstore.ErrNotFound) {
			return "", apperr.NotFound("validator", preferred)
		}
		if err != nil {
			return "", err
		}
		if !val.IsActive {
			return "", apperr.Invalid("validatorId", "validator "+preferred+" is not active")
		}
		return val.ID, nil
	}

	all, err := v.store.FindAll(ctx, false)
	if err != nil {
		return "", err
	}
	active := slices.DeleteFunc(all, func(val documents.Validator) bool { return !val.IsActive })
	if len(active) == 0 {
		return "", nil
	}
	slices.SortFunc(active, rankValidators)
	return active[0].ID, nil
}

// rankValidators orders by rating (desc), then load (asc), then id.
func rankValidators(a, b documents.Validator) int {
	switch {
	case a.Rating > b.Rating:
		return -1
	case a.Rating < b.Rating:
		return 1
	case a.TotalOrders < b.TotalOrders:
		return -1
	case a.TotalOrders > b.TotalOrders:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func (v *StoreValidators) IncrementOrders(ctx context.Context, validatorID string) error {
	for range 3 {
		val, err := v.store.FindByID(ctx, validatorID)
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("validator", validatorID)
		}
		if err != nil {
			return err
		}
		val.TotalOrders++
		if _, err = v.store.PutIf(ctx, val, val.UpdatedAt); !errors.Is(err, docstore.ErrConflict) {
			return err
		}
	}
	return &apperr.StaleStateError{Entity: "validator", ID: validatorID, Actual: "changed concurrently"}
}
