package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/sqldb"
)

type fakeReporter struct {
	ok     bool
	detail string
}

func (f fakeReporter) Healthy() (bool, string) { return f.ok, f.detail }

func TestDB(t *testing.T) {
	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)

	check := DB("database", db)
	st := check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "database", st.Name)

	require.NoError(t, db.Close())
	st = check(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Detail)
}

func TestLoop(t *testing.T) {
	running := false
	check := Loop("escrow_sweep", func() bool { return running })

	assert.Equal(t, Status{Name: "escrow_sweep", Healthy: false, Detail: "not running"}, check(context.Background()))
	running = true
	assert.True(t, check(context.Background()).Healthy)
}

func TestFrom(t *testing.T) {
	r := NewRegistry()
	r.Register("replication", From("replication", fakeReporter{ok: false, detail: errors.New("orders: timeout").Error()}))
	r.Register("stream", Loop("stream", func() bool { return true }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "orders: timeout", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}
