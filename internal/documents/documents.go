// Package documents defines the replicated document types and the generic
// constraint every collection entry satisfies.
package documents

// Collection names. These are the wire names used by the replication RPCs
// and the collection column of the document table.
const (
	CollectionAssets               = "assets"
	CollectionContacts             = "contacts"
	CollectionAllowances           = "allowances"
	CollectionValidators           = "validators"
	CollectionOrders               = "orders"
	CollectionEscrows              = "escrows"
	CollectionPaymentVerifications = "paymentVerifications"
	CollectionKYC                  = "kycDetails"
)

// Collections lists every collection in registration order.
var Collections = []string{
	CollectionAssets,
	CollectionContacts,
	CollectionAllowances,
	CollectionValidators,
	CollectionOrders,
	CollectionEscrows,
	CollectionPaymentVerifications,
	CollectionKYC,
}

// Replicable is satisfied by every document that can live in a store and
// travel through replication. WithMeta returns a copy with the replication
// metadata replaced; it never mutates the receiver.
type Replicable[T any] interface {
	DocID() string
	DocUpdatedAt() int64
	IsDeleted() bool
	WithMeta(updatedAt int64, deleted bool) T
}

// Validatable documents can reject themselves before being applied.
type Validatable interface {
	Validate() error
}

// Meta is the replication metadata embedded in every document.
type Meta struct {
	UpdatedAt int64 `json:"updatedAt"`
	Deleted   bool  `json:"deleted"`
}

func (m Meta) DocUpdatedAt() int64 { return m.UpdatedAt }
func (m Meta) IsDeleted() bool     { return m.Deleted }
