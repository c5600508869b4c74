// Package replication keeps a replica's document stores converged with the
// remote server: pull remote changes past a checkpoint, then push local
// dirty documents and adopt the canonical copies the server returns.
package replication

import (
	"context"

	"github.com/mbd888/escrowsync/internal/pagination"
)

// PullRequest asks the remote for documents ordered by (updatedAt, id)
// strictly after Checkpoint and no older than MinUpdatedAt.
type PullRequest struct {
	BatchSize    int
	Checkpoint   pagination.Checkpoint
	MinUpdatedAt int64
}

// PullResult is one page of a pull. Fetched counts the documents the remote
// sent, including any the client could not decode and dropped from Docs.
// Checkpoint is the remote's cursor after the page.
type PullResult[T any] struct {
	Docs       []T
	Checkpoint pagination.Checkpoint
	Fetched    int
}

func (p PullResult[T]) size() int {
	return max(p.Fetched, len(p.Docs))
}

// Remote is the server side of one collection.
type Remote[T any] interface {
	// Pull returns at most req.BatchSize documents in (updatedAt, id) order.
	Pull(ctx context.Context, req PullRequest) (PullResult[T], error)
	// Push applies docs under server precedence and returns the canonical
	// copy of every document it holds for them.
	Push(ctx context.Context, docs []T) ([]T, error)
}
