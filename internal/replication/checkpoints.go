package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/sqldb"
)

// CheckpointStore persists the pull position of each collection.
type CheckpointStore interface {
	Load(ctx context.Context, collection string) (pagination.Checkpoint, error)
	Save(ctx context.Context, collection string, cp pagination.Checkpoint) error
}

// MemoryCheckpoints keeps checkpoints for the life of the process.
type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]pagination.Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]pagination.Checkpoint)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, collection string) (pagination.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cps[collection], nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, collection string, cp pagination.Checkpoint) error {
	m.mu.Lock()
	m.cps[collection] = cp
	m.mu.Unlock()
	return nil
}

// SQLCheckpoints stores checkpoints in the replication_checkpoints table,
// scoped to one replica id so several replicas can share a database in
// tests.
type SQLCheckpoints struct {
	db        *sql.DB
	dialect   sqldb.Dialect
	replicaID string
}

func NewSQLCheckpoints(db *sql.DB, dialect sqldb.Dialect, replicaID string) *SQLCheckpoints {
	return &SQLCheckpoints{db: db, dialect: dialect, replicaID: replicaID}
}

func (s *SQLCheckpoints) Load(ctx context.Context, collection string) (pagination.Checkpoint, error) {
	var cp pagination.Checkpoint
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT last_updated_at, last_id FROM replication_checkpoints
		WHERE replica_id = ? AND collection = ?`),
		s.replicaID, collection).Scan(&cp.UpdatedAt, &cp.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return pagination.Checkpoint{}, nil
	}
	if err != nil {
		return cp, fmt.Errorf("load checkpoint %s: %w", collection, err)
	}
	return cp, nil
}

func (s *SQLCheckpoints) Save(ctx context.Context, collection string, cp pagination.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO replication_checkpoints (replica_id, collection, last_updated_at, last_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (replica_id, collection) DO UPDATE SET
			last_updated_at = excluded.last_updated_at,
			last_id = excluded.last_id`),
		s.replicaID, collection, cp.UpdatedAt, cp.ID)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", collection, err)
	}
	return nil
}
