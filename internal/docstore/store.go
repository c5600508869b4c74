// Package docstore persists replicated documents, one Store per collection.
//
// Every write path maintains the replication invariants: updatedAt never
// decreases for an id, deletion is a soft flag plus a timestamp bump, and
// local mutations are marked dirty until a push is acknowledged.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/pagination"
)

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrConflict = errors.New("docstore: document changed concurrently")
	ErrBadIndex = errors.New("docstore: invalid index field")
)

// Precedence decides who wins when an incoming document carries the same
// updatedAt as the stored copy.
type Precedence int

const (
	// PreferIncoming applies the incoming copy on a tie. Replicas use it
	// when applying pulled documents: the remote is authoritative.
	PreferIncoming Precedence = iota
	// PreferExisting keeps the stored copy on a tie. The server uses it
	// when applying pushes.
	PreferExisting
)

// Store is the per-collection persistence contract.
type Store[T documents.Replicable[T]] interface {
	Collection() string

	// Get returns the stored document including soft-deleted ones.
	Get(ctx context.Context, id string) (T, error)
	// FindByID is Get for user-facing reads: deleted documents are not found.
	FindByID(ctx context.Context, id string) (T, error)
	// FindAll lists documents ordered by (updatedAt, id).
	FindAll(ctx context.Context, includeDeleted bool) ([]T, error)
	// FindByIndex lists live documents whose JSON field (dot-separated
	// path) equals value.
	FindByIndex(ctx context.Context, field, value string) ([]T, error)

	// Upsert applies a remote-originated document verbatim when its
	// updatedAt beats the stored one. The stored dirty flag is cleared
	// when applied. Returns whether the document was written.
	Upsert(ctx context.Context, doc T, p Precedence) (bool, error)
	// Adopt applies the canonical copy returned for a push, but only if
	// the local document still carries sentUpdatedAt. Clears dirty.
	Adopt(ctx context.Context, doc T, sentUpdatedAt int64) (bool, error)

	// Put is the local mutation path. It stamps updatedAt = max(now, prev+1),
	// marks the document dirty and returns the stored copy.
	Put(ctx context.Context, doc T) (T, error)
	// PutIf is Put guarded by the caller's view of the stored updatedAt.
	// expectedUpdatedAt == 0 means the document must not exist yet.
	PutIf(ctx context.Context, doc T, expectedUpdatedAt int64) (T, error)
	// MarkDeleted soft-deletes id through Put.
	MarkDeleted(ctx context.Context, id string) (T, error)

	// Dirty lists documents with unacknowledged local changes.
	Dirty(ctx context.Context) ([]T, error)
	// ClearDirty clears the flag on id if its stored updatedAt <= upTo.
	ClearDirty(ctx context.Context, id string, upTo int64) error

	// Since returns up to limit documents (deleted included) ordered by
	// (updatedAt, id) strictly after cp and with updatedAt >= minUpdatedAt.
	Since(ctx context.Context, cp pagination.Checkpoint, minUpdatedAt int64, limit int) ([]T, error)
	// LastUpdatedAt is the highest updatedAt in the collection, 0 if empty.
	LastUpdatedAt(ctx context.Context) (int64, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the wall clock used for stamping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp returns the updatedAt for a local write over prev.
func stamp(nowMs, prev int64) int64 {
	return max(nowMs, prev+1)
}

// wins reports whether incoming replaces stored under precedence p.
func wins(incoming, stored int64, p Precedence) bool {
	if p == PreferIncoming {
		return incoming >= stored
	}
	return incoming > stored
}

var indexField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func indexPath(field string) ([]string, error) {
	if !indexField.MatchString(field) {
		return nil, fmt.Errorf("%w: %q", ErrBadIndex, field)
	}
	return strings.Split(field, "."), nil
}

func sortKey[T documents.Replicable[T]](a, b T) int {
	if a.DocUpdatedAt() != b.DocUpdatedAt() {
		if a.DocUpdatedAt() < b.DocUpdatedAt() {
			return -1
		}
		return 1
	}
	return strings.Compare(a.DocID(), b.DocID())
}
