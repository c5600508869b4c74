package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/sqldb"
)

// SQLStore persists one collection in the shared documents table. The
// replication columns (updated_at, deleted, dirty) are authoritative; the
// JSON body carries the rest of the document.
type SQLStore[T documents.Replicable[T]] struct {
	db         *sql.DB
	dialect    sqldb.Dialect
	collection string
	opts       options
}

// NewSQLiteStore creates a store backed by the device replica database
// opened with sqldb.OpenSQLite.
func NewSQLiteStore[T documents.Replicable[T]](db *sql.DB, collection string, opts ...Option) *SQLStore[T] {
	return &SQLStore[T]{db: db, dialect: sqldb.SQLite, collection: collection, opts: buildOptions(opts)}
}

// NewPostgresStore creates a store backed by the reference server database.
func NewPostgresStore[T documents.Replicable[T]](db *sql.DB, collection string, opts ...Option) *SQLStore[T] {
	return &SQLStore[T]{db: db, dialect: sqldb.Postgres, collection: collection, opts: buildOptions(opts)}
}

func (s *SQLStore[T]) Collection() string { return s.collection }

func (s *SQLStore[T]) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore[T]) nowMs() int64 { return s.opts.now().UnixMilli() }

const docColumns = `updated_at, deleted, body`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore[T]) scan(row rowScanner) (T, error) {
	var (
		doc       T
		updatedAt int64
		deleted   bool
		body      []byte
	)
	if err := row.Scan(&updatedAt, &deleted, &body); err != nil {
		return doc, err
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, fmt.Errorf("decode %s document: %w", s.collection, err)
	}
	return doc.WithMeta(updatedAt, deleted), nil
}

func (s *SQLStore[T]) list(ctx context.Context, where string, args ...any) ([]T, error) {
	query := s.q(`SELECT ` + docColumns + ` FROM documents WHERE collection = ? ` + where)
	rows, err := s.db.QueryContext(ctx, query, append([]any{s.collection}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		doc, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLStore[T]) encode(doc T) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s document: %w", s.collection, err)
	}
	return string(body), nil
}

func (s *SQLStore[T]) Get(ctx context.Context, id string) (T, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+docColumns+` FROM documents WHERE collection = ? AND id = ?`),
		s.collection, id)
	doc, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, ErrNotFound
	}
	return doc, err
}

func (s *SQLStore[T]) FindByID(ctx context.Context, id string) (T, error) {
	doc, err := s.Get(ctx, id)
	if err == nil && doc.IsDeleted() {
		var zero T
		return zero, ErrNotFound
	}
	return doc, err
}

func (s *SQLStore[T]) FindAll(ctx context.Context, includeDeleted bool) ([]T, error) {
	if includeDeleted {
		return s.list(ctx, `ORDER BY updated_at, id`)
	}
	return s.list(ctx, `AND NOT deleted ORDER BY updated_at, id`)
}

func (s *SQLStore[T]) FindByIndex(ctx context.Context, field, value string) ([]T, error) {
	path, err := indexPath(field)
	if err != nil {
		return nil, err
	}
	expr, arg := s.dialect.JSONText(path)
	return s.list(ctx, `AND NOT deleted AND `+expr+` = ? ORDER BY updated_at, id`, arg, value)
}

func (s *SQLStore[T]) Upsert(ctx context.Context, doc T, p Precedence) (bool, error) {
	body, err := s.encode(doc)
	if err != nil {
		return false, err
	}
	cmp := "<="
	if p == PreferExisting {
		cmp = "<"
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (collection, id, updated_at, deleted, dirty, body)
		VALUES (?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			dirty = FALSE,
			body = excluded.body
		WHERE documents.updated_at `+cmp+` excluded.updated_at`),
		s.collection, doc.DocID(), doc.DocUpdatedAt(), doc.IsDeleted(), body)
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", s.collection, doc.DocID(), err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore[T]) Adopt(ctx context.Context, doc T, sentUpdatedAt int64) (bool, error) {
	if doc.DocUpdatedAt() < sentUpdatedAt {
		return false, nil
	}
	body, err := s.encode(doc)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (collection, id, updated_at, deleted, dirty, body)
		VALUES (?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			dirty = FALSE,
			body = excluded.body
		WHERE documents.updated_at = ?`),
		s.collection, doc.DocID(), doc.DocUpdatedAt(), doc.IsDeleted(), body, sentUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("adopt %s/%s: %w", s.collection, doc.DocID(), err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore[T]) Put(ctx context.Context, doc T) (T, error) {
	body, err := s.encode(doc)
	if err != nil {
		return doc, err
	}
	var updatedAt int64
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO documents (collection, id, updated_at, deleted, dirty, body)
		VALUES (?, ?, ?, ?, TRUE, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			updated_at = `+s.dialect.Greatest()+`(excluded.updated_at, documents.updated_at + 1),
			deleted = excluded.deleted,
			dirty = TRUE,
			body = excluded.body
		RETURNING updated_at`),
		s.collection, doc.DocID(), s.nowMs(), doc.IsDeleted(), body).Scan(&updatedAt)
	if err != nil {
		return doc, fmt.Errorf("put %s/%s: %w", s.collection, doc.DocID(), err)
	}
	return doc.WithMeta(updatedAt, doc.IsDeleted()), nil
}

func (s *SQLStore[T]) PutIf(ctx context.Context, doc T, expectedUpdatedAt int64) (T, error) {
	body, err := s.encode(doc)
	if err != nil {
		return doc, err
	}

	var row *sql.Row
	if expectedUpdatedAt == 0 {
		row = s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO documents (collection, id, updated_at, deleted, dirty, body)
			VALUES (?, ?, ?, ?, TRUE, ?)
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING updated_at`),
			s.collection, doc.DocID(), s.nowMs(), doc.IsDeleted(), body)
	} else {
		row = s.db.QueryRowContext(ctx, s.q(`
			UPDATE documents SET
				updated_at = `+s.dialect.Greatest()+`(?, updated_at + 1),
				deleted = ?,
				dirty = TRUE,
				body = ?
			WHERE collection = ? AND id = ? AND updated_at = ?
			RETURNING updated_at`),
			s.nowMs(), doc.IsDeleted(), body, s.collection, doc.DocID(), expectedUpdatedAt)
	}

	var updatedAt int64
	err = row.Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if expectedUpdatedAt != 0 {
			if _, getErr := s.Get(ctx, doc.DocID()); errors.Is(getErr, ErrNotFound) {
				return doc, ErrNotFound
			}
		}
		return doc, ErrConflict
	}
	if err != nil {
		return doc, fmt.Errorf("put %s/%s: %w", s.collection, doc.DocID(), err)
	}
	return doc.WithMeta(updatedAt, doc.IsDeleted()), nil
}

func (s *SQLStore[T]) MarkDeleted(ctx context.Context, id string) (T, error) {
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE documents SET
			updated_at = `+s.dialect.Greatest()+`(?, updated_at + 1),
			deleted = TRUE,
			dirty = TRUE
		WHERE collection = ? AND id = ?
		RETURNING updated_at`),
		s.nowMs(), s.collection, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("delete %s/%s: %w", s.collection, id, err)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore[T]) Dirty(ctx context.Context) ([]T, error) {
	return s.list(ctx, `AND dirty ORDER BY updated_at, id`)
}

func (s *SQLStore[T]) ClearDirty(ctx context.Context, id string, upTo int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE documents SET dirty = FALSE WHERE collection = ? AND id = ? AND updated_at <= ?`),
		s.collection, id, upTo)
	if err != nil {
		return fmt.Errorf("clear dirty %s/%s: %w", s.collection, id, err)
	}
	return nil
}

func (s *SQLStore[T]) Since(ctx context.Context, cp pagination.Checkpoint, minUpdatedAt int64, limit int) ([]T, error) {
	return s.list(ctx, `
		AND updated_at >= ?
		AND (updated_at > ? OR (updated_at = ? AND id > ?))
		ORDER BY updated_at, id
		LIMIT ?`,
		minUpdatedAt, cp.UpdatedAt, cp.UpdatedAt, cp.ID, s.limitArg(limit))
}

// limitArg maps "no limit" to each dialect's spelling.
func (s *SQLStore[T]) limitArg(limit int) any {
	if limit > 0 {
		return limit
	}
	if s.dialect == sqldb.SQLite {
		return -1
	}
	return nil // LIMIT NULL is LIMIT ALL in Postgres
}

func (s *SQLStore[T]) LastUpdatedAt(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(updated_at), 0) FROM documents WHERE collection = ?`),
		s.collection).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last updated %s: %w", s.collection, err)
	}
	return last, nil
}
