package orders

import (
	"context"
	"math"
	"slices"

	"github.com/mbd888/escrowsync/internal/documents"
)

// Get returns a live order.
func (s *Service) Get(ctx context.Context, id string) (documents.Order, error) {
	o, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return documents.Order{}, s.readErr(id, err)
	}
	return o, nil
}

// List returns every live order ordered by (updatedAt, id).
func (s *Service) List(ctx context.Context) ([]documents.Order, error) {
	return s.orders.FindAll(ctx, false)
}

func (s *Service) ByStatus(ctx context.Context, status documents.OrderStatus) ([]documents.Order, error) {
	return s.orders.FindByIndex(ctx, "status", string(status))
}

// ByUser returns orders where userID is the seller or the buyer.
func (s *Service) ByUser(ctx context.Context, userID string) ([]documents.Order, error) {
	sold, err := s.orders.FindByIndex(ctx, "sellerId", userID)
	if err != nil {
		return nil, err
	}
	bought, err := s.orders.FindByIndex(ctx, "buyerId", userID)
	if err != nil {
		return nil, err
	}
	out := append(sold, bought...)
	slices.SortFunc(out, byCreated)
	return slices.CompactFunc(out, func(a, b documents.Order) bool { return a.ID == b.ID }), nil
}

// ByDateRange returns orders created within [from, to] (Unix ms).
func (s *Service) ByDateRange(ctx context.Context, from, to int64) ([]documents.Order, error) {
	all, err := s.orders.FindAll(ctx, false)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(o documents.Order) bool {
		return o.CreatedAt < from || o.CreatedAt > to
	})
	slices.SortFunc(out, byCreated)
	return out, nil
}

// Active returns orders still moving through the lifecycle.
func (s *Service) Active(ctx context.Context) ([]documents.Order, error) {
	all, err := s.orders.FindAll(ctx, false)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(o documents.Order) bool { return !isActive(o.Status) }), nil
}

// Filter selects orders. The first set field wins, in declaration order;
// an empty Filter lists every live order.
type Filter struct {
	Status documents.OrderStatus
	UserID string
	From   int64 // Unix ms, inclusive
	To     int64 // Unix ms, inclusive; 0 means no upper bound
	Active bool
}

func (s *Service) Find(ctx context.Context, f Filter) ([]documents.Order, error) {
	switch {
	case f.Status != "":
		return s.ByStatus(ctx, f.Status)
	case f.UserID != "":
		return s.ByUser(ctx, f.UserID)
	case f.From > 0 || f.To > 0:
		to := f.To
		if to <= 0 {
			to = math.MaxInt64
		}
		return s.ByDateRange(ctx, f.From, to)
	case f.Active:
		return s.Active(ctx)
	}
	return s.List(ctx)
}

// Statistics summarises the order book.
type Statistics struct {
	TotalOrders     int `json:"totalOrders"`
	ActiveOrders    int `json:"activeOrders"`
	CompletedOrders int `json:"completedOrders"`
	DisputedOrders  int `json:"disputedOrders"`
}

func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	all, err := s.orders.FindAll(ctx, false)
	if err != nil {
		return Statistics{}, err
	}
	var st Statistics
	for _, o := range all {
		st.TotalOrders++
		switch {
		case o.Status == documents.OrderCompleted:
			st.CompletedOrders++
		case o.Status == documents.OrderDisputed:
			st.DisputedOrders++
		case isActive(o.Status):
			st.ActiveOrders++
		}
	}
	return st, nil
}

func isActive(s documents.OrderStatus) bool {
	return !s.IsTerminal() && s != documents.OrderDisputed
}

func byCreated(a, b documents.Order) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
