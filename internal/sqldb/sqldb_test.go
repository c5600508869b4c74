package sqldb

import (
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM documents WHERE collection = ? AND id = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM documents WHERE collection = $1 AND id = $2", Postgres.Rebind(q))
}

func TestJSONText(t *testing.T) {
	expr, arg := SQLite.JSONText([]string{"paymentMethod", "type"})
	assert.Contains(t, expr, "json_extract")
	assert.Equal(t, "$.paymentMethod.type", arg)

	expr, arg = Postgres.JSONText([]string{"status"})
	assert.Contains(t, expr, "#>>")
	assert.IsType(t, pq.Array([]string{}), arg)
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO documents (collection, id, updated_at, deleted, dirty, body) VALUES ('orders', 'o1', 1, 0, 1, '{}')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n))
	assert.Equal(t, 1, n)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
