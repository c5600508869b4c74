package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/traces"
)

const DefaultBatchSize = 100

// Replicator runs pull-then-push cycles for one collection. Cycles for the
// same collection never overlap.
type Replicator[T documents.Replicable[T]] struct {
	store       docstore.Store[T]
	remote      Remote[T]
	checkpoints CheckpointStore
	logger      *slog.Logger

	batchSize    int
	minUpdatedAt int64
	onApplied    []func(T)

	mu sync.Mutex
}

// NewReplicator wires a store to its remote.
func NewReplicator[T documents.Replicable[T]](store docstore.Store[T], remote Remote[T], checkpoints CheckpointStore, logger *slog.Logger) *Replicator[T] {
	return &Replicator[T]{
		store:       store,
		remote:      remote,
		checkpoints: checkpoints,
		logger:      logger.With("collection", store.Collection()),
		batchSize:   DefaultBatchSize,
	}
}

func (r *Replicator[T]) WithBatchSize(n int) *Replicator[T] {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithMinUpdatedAt skips remote documents older than ms on pull.
func (r *Replicator[T]) WithMinUpdatedAt(ms int64) *Replicator[T] {
	r.minUpdatedAt = ms
	return r
}

// OnApplied registers fn to run for every pulled or adopted document that
// changed the local store.
func (r *Replicator[T]) OnApplied(fn func(T)) *Replicator[T] {
	r.onApplied = append(r.onApplied, fn)
	return r
}

func (r *Replicator[T]) Collection() string { return r.store.Collection() }

// Cycle pulls until the remote has nothing newer, then pushes dirty
// documents. A remote failure aborts the cycle with a TransientIOError and
// leaves checkpoint and dirty flags as they were for the failed phase.
func (r *Replicator[T]) Cycle(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	collection := r.Collection()
	ctx, span := traces.StartSpan(ctx, "replication.cycle", traces.Collection(collection), traces.BatchSize(r.batchSize))
	start := time.Now()
	defer func() {
		traces.End(span, err)
		metrics.ReplicationCycleDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())
		result := "ok"
		switch {
		case apperr.IsTransient(err):
			result = "transient"
		case err != nil:
			result = "error"
		}
		metrics.ReplicationCycles.WithLabelValues(collection, result).Inc()
	}()

	if _, err := r.pull(ctx); err != nil {
		return err
	}
	_, err = r.push(ctx)
	return err
}

// Pull runs only the pull phase.
func (r *Replicator[T]) Pull(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull(ctx)
}

// Push runs only the push phase.
func (r *Replicator[T]) Push(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.push(ctx)
}

func (r *Replicator[T]) pull(ctx context.Context) (int, error) {
	collection := r.Collection()
	cp, err := r.checkpoints.Load(ctx, collection)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		page, err := r.remote.Pull(ctx, PullRequest{BatchSize: r.batchSize, Checkpoint: cp, MinUpdatedAt: r.minUpdatedAt})
		if err != nil {
			return applied, apperr.Transient("pull "+collection, err)
		}
		if page.size() == 0 {
			break
		}

		start := cp
		for _, doc := range page.Docs {
			if !cp.Before(doc.DocUpdatedAt(), doc.DocID()) {
				return applied, fmt.Errorf("pull %s: remote returned %s@%d at or before checkpoint %s",
					collection, doc.DocID(), doc.DocUpdatedAt(), cp)
			}
			ok, err := r.apply(ctx, doc)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
			cp = pagination.Checkpoint{UpdatedAt: doc.DocUpdatedAt(), ID: doc.DocID()}
		}
		// Documents dropped client side still move the remote cursor.
		if cp.Before(page.Checkpoint.UpdatedAt, page.Checkpoint.ID) {
			cp = page.Checkpoint
		}
		if cp == start {
			return applied, fmt.Errorf("pull %s: remote returned %d documents without advancing checkpoint %s",
				collection, page.size(), cp)
		}

		if err := r.checkpoints.Save(ctx, collection, cp); err != nil {
			return applied, err
		}
		metrics.ReplicationLag.WithLabelValues(collection).Set(time.Since(time.UnixMilli(cp.UpdatedAt)).Seconds())

		if page.size() < r.batchSize {
			break
		}
	}
	if applied > 0 {
		r.logger.Debug("pulled documents", "applied", applied, "checkpoint", cp.String())
	}
	return applied, nil
}

func (r *Replicator[T]) apply(ctx context.Context, doc T) (bool, error) {
	collection := r.Collection()
	if v, ok := any(doc).(documents.Validatable); ok {
		if err := v.Validate(); err != nil {
			metrics.ReplicatedDocuments.WithLabelValues(collection, "skipped").Inc()
			r.logger.Warn("skipping invalid remote document", "id", doc.DocID(), "error", err)
			return false, nil
		}
	}
	ok, err := r.store.Upsert(ctx, doc, docstore.PreferIncoming)
	if err != nil {
		return false, fmt.Errorf("apply %s/%s: %w", collection, doc.DocID(), err)
	}
	if ok {
		metrics.ReplicatedDocuments.WithLabelValues(collection, "pulled").Inc()
		r.notify(doc)
	}
	return ok, nil
}

func (r *Replicator[T]) push(ctx context.Context) (int, error) {
	collection := r.Collection()
	dirty, err := r.store.Dirty(ctx)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	sent := make(map[string]int64, len(dirty))
	for _, d := range dirty {
		sent[d.DocID()] = d.DocUpdatedAt()
	}

	canonical, err := r.remote.Push(ctx, dirty)
	if err != nil {
		return 0, apperr.Transient("push "+collection, err)
	}
	metrics.ReplicatedDocuments.WithLabelValues(collection, "pushed").Add(float64(len(dirty)))

	adopted := 0
	for _, doc := range canonical {
		sentAt, ok := sent[doc.DocID()]
		if !ok {
			continue
		}
		delete(sent, doc.DocID())
		if doc.DocUpdatedAt() < sentAt {
			r.logger.Warn("remote returned an older copy than pushed", "id", doc.DocID(),
				"sent", sentAt, "returned", doc.DocUpdatedAt())
			continue
		}
		ok, err := r.store.Adopt(ctx, doc, sentAt)
		if err != nil {
			return adopted, fmt.Errorf("adopt %s/%s: %w", collection, doc.DocID(), err)
		}
		if ok {
			adopted++
			metrics.ReplicatedDocuments.WithLabelValues(collection, "adopted").Inc()
			r.notify(doc)
		}
	}
	for id := range sent {
		r.logger.Warn("remote did not acknowledge pushed document", "id", id)
	}
	return adopted, nil
}

func (r *Replicator[T]) notify(doc T) {
	for _, fn := range r.onApplied {
		fn(doc)
	}
}
