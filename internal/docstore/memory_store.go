package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/pagination"
)

type memEntry struct {
	updatedAt int64
	deleted   bool
	dirty     bool
	body      []byte
}

// MemoryStore is an in-memory Store for tests and development. Documents
// are held encoded so callers never share mutable state with the store.
type MemoryStore[T documents.Replicable[T]] struct {
	collection string
	opts       options

	mu   sync.RWMutex
	docs map[string]*memEntry
}

// NewMemoryStore creates an empty store for collection.
func NewMemoryStore[T documents.Replicable[T]](collection string, opts ...Option) *MemoryStore[T] {
	return &MemoryStore[T]{
		collection: collection,
		opts:       buildOptions(opts),
		docs:       make(map[string]*memEntry),
	}
}

func (m *MemoryStore[T]) Collection() string { return m.collection }

func (m *MemoryStore[T]) decode(e *memEntry) (T, error) {
	var doc T
	if err := json.Unmarshal(e.body, &doc); err != nil {
		return doc, fmt.Errorf("decode %s document: %w", m.collection, err)
	}
	return doc.WithMeta(e.updatedAt, e.deleted), nil
}

func (m *MemoryStore[T]) write(doc T, dirty bool) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", m.collection, err)
	}
	m.docs[doc.DocID()] = &memEntry{
		updatedAt: doc.DocUpdatedAt(),
		deleted:   doc.IsDeleted(),
		dirty:     dirty,
		body:      body,
	}
	return nil
}

func (m *MemoryStore[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.docs[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return m.decode(e)
}

func (m *MemoryStore[T]) FindByID(ctx context.Context, id string) (T, error) {
	doc, err := m.Get(ctx, id)
	if err != nil {
		return doc, err
	}
	if doc.IsDeleted() {
		var zero T
		return zero, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryStore[T]) collect(keep func(*memEntry) (bool, error)) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]T, 0, len(m.docs))
	for _, e := range m.docs {
		ok, err := keep(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		doc, err := m.decode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	slices.SortFunc(out, sortKey[T])
	return out, nil
}

func (m *MemoryStore[T]) FindAll(_ context.Context, includeDeleted bool) ([]T, error) {
	return m.collect(func(e *memEntry) (bool, error) {
		return includeDeleted || !e.deleted, nil
	})
}

func (m *MemoryStore[T]) FindByIndex(_ context.Context, field, value string) ([]T, error) {
	path, err := indexPath(field)
	if err != nil {
		return nil, err
	}
	return m.collect(func(e *memEntry) (bool, error) {
		if e.deleted {
			return false, nil
		}
		got, ok, err := lookupJSON(e.body, path)
		if err != nil {
			return false, err
		}
		return ok && got == value, nil
	})
}

func (m *MemoryStore[T]) Upsert(_ context.Context, doc T, p Precedence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.docs[doc.DocID()]; ok && !wins(doc.DocUpdatedAt(), e.updatedAt, p) {
		return false, nil
	}
	if err := m.write(doc, false); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore[T]) Adopt(_ context.Context, doc T, sentUpdatedAt int64) (bool, error) {
	if doc.DocUpdatedAt() < sentUpdatedAt {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.docs[doc.DocID()]; ok && e.updatedAt != sentUpdatedAt {
		return false, nil
	}
	if err := m.write(doc, false); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore[T]) Put(_ context.Context, doc T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev int64
	if e, ok := m.docs[doc.DocID()]; ok {
		prev = e.updatedAt
	}
	return m.putLocked(doc, prev)
}

func (m *MemoryStore[T]) PutIf(_ context.Context, doc T, expectedUpdatedAt int64) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev int64
	e, ok := m.docs[doc.DocID()]
	if ok {
		prev = e.updatedAt
	}
	if !ok && expectedUpdatedAt != 0 {
		var zero T
		return zero, ErrNotFound
	}
	if prev != expectedUpdatedAt {
		var zero T
		return zero, ErrConflict
	}
	return m.putLocked(doc, prev)
}

func (m *MemoryStore[T]) putLocked(doc T, prev int64) (T, error) {
	stored := doc.WithMeta(stamp(m.opts.now().UnixMilli(), prev), doc.IsDeleted())
	if err := m.write(stored, true); err != nil {
		var zero T
		return zero, err
	}
	return stored, nil
}

func (m *MemoryStore[T]) MarkDeleted(_ context.Context, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	doc, err := m.decode(e)
	if err != nil {
		return doc, err
	}
	return m.putLocked(doc.WithMeta(e.updatedAt, true), e.updatedAt)
}

func (m *MemoryStore[T]) Dirty(_ context.Context) ([]T, error) {
	return m.collect(func(e *memEntry) (bool, error) { return e.dirty, nil })
}

func (m *MemoryStore[T]) ClearDirty(_ context.Context, id string, upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.docs[id]; ok && e.updatedAt <= upTo {
		e.dirty = false
	}
	return nil
}

func (m *MemoryStore[T]) Since(_ context.Context, cp pagination.Checkpoint, minUpdatedAt int64, limit int) ([]T, error) {
	out, err := m.collect(func(e *memEntry) (bool, error) {
		return e.updatedAt >= minUpdatedAt, nil
	})
	if err != nil {
		return nil, err
	}
	out = slices.DeleteFunc(out, func(d T) bool {
		return !cp.Before(d.DocUpdatedAt(), d.DocID())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore[T]) LastUpdatedAt(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last int64
	for _, e := range m.docs {
		last = max(last, e.updatedAt)
	}
	return last, nil
}

// lookupJSON walks path through a JSON object and renders the leaf the way
// Postgres' #>> operator does: strings unquoted, everything else as JSON.
func lookupJSON(body []byte, path []string) (string, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return "", false, fmt.Errorf("decode index body: %w", err)
	}
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false, nil
		}
		if cur, ok = obj[key]; !ok {
			return "", false, nil
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	case bool:
		if v {
			return "true", true, nil
		}
		return "false", true, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false, err
		}
		return string(raw), true, nil
	}
}
