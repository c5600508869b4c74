// Package remote is the reference replication server: the authoritative
// copy of every collection, its pull/push RPCs, the change stream and the
// order/validator/KYC RPCs that operate on server state directly.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/replication"
)

// MaxBatchSize caps a single pull response.
const MaxBatchSize = 500

// Publisher announces collection changes to connected replicas.
type Publisher interface {
	Publish(change realtime.Change)
}

type originKey struct{}

// WithOrigin tags ctx with the replica whose push is being applied, so the
// change notification skips it.
func WithOrigin(ctx context.Context, replicaID string) context.Context {
	return context.WithValue(ctx, originKey{}, replicaID)
}

func originFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}

// Collection is the server copy of one collection.
//
// Every write is restamped with max(incoming, last+1, now) under a
// per-collection lock, so updatedAt is strictly increasing in commit order.
// A replica whose checkpoint is past a late push's original timestamp still
// pulls it. Collection satisfies docstore.Store, which lets server-side
// services (orders, validators, KYC) write through the same stamping, and
// replication.Remote, which lets replicas run in-process against it.
type Collection[T documents.Replicable[T]] struct {
	docstore.Store[T]

	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	last   int64
	loaded bool
}

func NewCollection[T documents.Replicable[T]](store docstore.Store[T], publisher Publisher, logger *slog.Logger) *Collection[T] {
	return &Collection[T]{
		Store:     store,
		publisher: publisher,
		logger:    logger.With("collection", store.Collection()),
		now:       time.Now,
	}
}

func (c *Collection[T]) WithClock(now func() time.Time) *Collection[T] {
	c.now = now
	return c
}

// Pull serves a replica pull. The checkpoint is that of the last returned
// document, or the request checkpoint when the page is empty.
func (c *Collection[T]) Pull(ctx context.Context, req replication.PullRequest) (replication.PullResult[T], error) {
	size := req.BatchSize
	switch {
	case size <= 0:
		size = replication.DefaultBatchSize
	case size > MaxBatchSize:
		size = MaxBatchSize
	}
	docs, err := c.Store.Since(ctx, req.Checkpoint, req.MinUpdatedAt, size)
	if err != nil {
		return replication.PullResult[T]{}, err
	}
	res := replication.PullResult[T]{Docs: docs, Checkpoint: req.Checkpoint, Fetched: len(docs)}
	if n := len(docs); n > 0 {
		last := docs[n-1]
		res.Checkpoint = pagination.Checkpoint{UpdatedAt: last.DocUpdatedAt(), ID: last.DocID()}
	}
	return res, nil
}

// Push applies replica documents. A document replaces the stored copy only
// when its updatedAt is strictly newer; either way the canonical copy is
// returned. Invalid documents are rejected and answered with the stored
// copy when there is one.
func (c *Collection[T]) Push(ctx context.Context, docs []T) ([]T, error) {
	collection := c.Collection()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return nil, err
	}

	out := make([]T, 0, len(docs))
	written := 0
	for _, doc := range docs {
		cur, err := c.Store.Get(ctx, doc.DocID())
		exists := err == nil
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, err
		}

		if v, ok := any(doc).(documents.Validatable); ok {
			if verr := v.Validate(); verr != nil {
				metrics.ServerPushes.WithLabelValues(collection, "rejected").Inc()
				c.logger.Warn("rejecting invalid pushed document", "id", doc.DocID(), "error", verr)
				if exists {
					out = append(out, cur)
				}
				continue
			}
		}

		if exists && doc.DocUpdatedAt() <= cur.DocUpdatedAt() {
			metrics.ServerPushes.WithLabelValues(collection, "kept").Inc()
			out = append(out, cur)
			continue
		}

		saved, err := c.writeLocked(ctx, doc, doc.DocUpdatedAt())
		if err != nil {
			return nil, err
		}
		metrics.ServerPushes.WithLabelValues(collection, "applied").Inc()
		out = append(out, saved)
		written++
	}

	c.publish(ctx, written)
	return out, nil
}

// Upsert applies doc like a single-document push, honouring p on ties.
func (c *Collection[T]) Upsert(ctx context.Context, doc T, p docstore.Precedence) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return false, err
	}

	cur, err := c.Store.Get(ctx, doc.DocID())
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return false, err
	case doc.DocUpdatedAt() < cur.DocUpdatedAt(),
		doc.DocUpdatedAt() == cur.DocUpdatedAt() && p == docstore.PreferExisting:
		return false, nil
	}
	if _, err := c.writeLocked(ctx, doc, doc.DocUpdatedAt()); err != nil {
		return false, err
	}
	c.publish(ctx, 1)
	return true, nil
}

// Put writes doc as a server-side mutation.
func (c *Collection[T]) Put(ctx context.Context, doc T) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		var zero T
		return zero, err
	}

	var floor int64
	cur, err := c.Store.Get(ctx, doc.DocID())
	switch {
	case err == nil:
		floor = cur.DocUpdatedAt() + 1
	case !errors.Is(err, docstore.ErrNotFound):
		return cur, err
	}
	saved, err := c.writeLocked(ctx, doc, floor)
	if err == nil {
		c.publish(ctx, 1)
	}
	return saved, err
}

// PutIf is Put guarded by the caller's view of the stored updatedAt.
func (c *Collection[T]) PutIf(ctx context.Context, doc T, expectedUpdatedAt int64) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if err := c.loadLocked(ctx); err != nil {
		return zero, err
	}

	cur, err := c.Store.Get(ctx, doc.DocID())
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		if expectedUpdatedAt != 0 {
			return zero, docstore.ErrNotFound
		}
	case err != nil:
		return zero, err
	case cur.DocUpdatedAt() != expectedUpdatedAt:
		return zero, docstore.ErrConflict
	}

	saved, err := c.writeLocked(ctx, doc, expectedUpdatedAt+1)
	if err == nil {
		c.publish(ctx, 1)
	}
	return saved, err
}

// MarkDeleted soft-deletes id as a server-side mutation.
func (c *Collection[T]) MarkDeleted(ctx context.Context, id string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if err := c.loadLocked(ctx); err != nil {
		return zero, err
	}

	cur, err := c.Store.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	saved, err := c.writeLocked(ctx, cur.WithMeta(cur.DocUpdatedAt(), true), cur.DocUpdatedAt()+1)
	if err == nil {
		c.publish(ctx, 1)
	}
	return saved, err
}

func (c *Collection[T]) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	last, err := c.Store.LastUpdatedAt(ctx)
	if err != nil {
		return fmt.Errorf("load %s high-water mark: %w", c.Collection(), err)
	}
	c.last, c.loaded = last, true
	return nil
}

// writeLocked stores doc with the next server stamp, at least floor.
func (c *Collection[T]) writeLocked(ctx context.Context, doc T, floor int64) (T, error) {
	stamp := max(floor, c.last+1, c.now().UnixMilli())
	stamped := doc.WithMeta(stamp, doc.IsDeleted())
	ok, err := c.Store.Upsert(ctx, stamped, docstore.PreferExisting)
	if err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		// Someone wrote to the underlying store behind our back.
		var zero T
		c.loaded = false
		return zero, fmt.Errorf("%s/%s: %w", c.Collection(), doc.DocID(), docstore.ErrConflict)
	}
	c.last = stamp
	return stamped, nil
}

func (c *Collection[T]) publish(ctx context.Context, n int) {
	if n == 0 || c.publisher == nil {
		return
	}
	c.publisher.Publish(realtime.Change{
		Collection: c.Collection(),
		UpdatedAt:  c.last,
		Count:      n,
		Origin:     originFrom(ctx),
	})
}

// Endpoint is the type-erased view of a Collection used by the HTTP
// handlers.
type Endpoint interface {
	Collection() string
	pullPage(ctx context.Context, req replication.PullRequest) (PullResponse, error)
	pushRaw(ctx context.Context, raw []json.RawMessage) ([]any, error)
}

// PullResponse is the wire form of one pull batch.
type PullResponse struct {
	Documents  []any  `json:"documents"`
	Checkpoint string `json:"checkpoint"`
}

func (c *Collection[T]) pullPage(ctx context.Context, req replication.PullRequest) (PullResponse, error) {
	page, err := c.Pull(ctx, req)
	if err != nil {
		return PullResponse{}, err
	}
	resp := PullResponse{Documents: make([]any, len(page.Docs)), Checkpoint: page.Checkpoint.Encode()}
	for i, d := range page.Docs {
		resp.Documents[i] = d
	}
	return resp, nil
}

// pushRaw decodes items one by one; undecodable items are rejected
// without failing the batch.
func (c *Collection[T]) pushRaw(ctx context.Context, raw []json.RawMessage) ([]any, error) {
	docs := make([]T, 0, len(raw))
	for i, item := range raw {
		var doc T
		if err := json.Unmarshal(item, &doc); err != nil || doc.DocID() == "" {
			metrics.ServerPushes.WithLabelValues(c.Collection(), "rejected").Inc()
			c.logger.Warn("rejecting undecodable pushed document", "index", i, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	saved, err := c.Push(ctx, docs)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(saved))
	for i, d := range saved {
		out[i] = d
	}
	return out, nil
}
