package cli

import (
	"context"
	"errors"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/remoteclient"
	"github.com/mbd888/escrowsync/internal/replica"
	"github.com/mbd888/escrowsync/internal/sqldb"
)

// openNode opens the replica database and assembles a node over it. The
// returned close func releases the database.
func (o *RootOptions) openNode(withStream bool) (*replica.Node, func(), error) {
	cfg := o.cfg
	db, err := sqldb.OpenSQLite(cfg.ReplicaDBPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open replica database", err)
	}
	closeDB := func() { _ = db.Close() }

	tiers, err := cfg.Policy.EscrowTiers()
	if err != nil {
		closeDB()
		return nil, nil, WrapExitError(ExitCommandError, "escrow tiers", err)
	}

	var remotes replica.Remotes
	if !o.Offline {
		client := remoteclient.New(remoteclient.Config{
			BaseURL:   cfg.RemoteURL,
			ReplicaID: cfg.ReplicaID,
		}, o.logger)
		remotes = replica.HTTPRemotes(client)
	}

	node, err := replica.New(db, replica.Config{
		ReplicaID:          cfg.ReplicaID,
		SyncInterval:       cfg.SyncInterval,
		SweepInterval:      cfg.SweepInterval,
		BatchSize:          cfg.SyncBatchSize,
		Tiers:              tiers,
		Limiter:            ratelimit.NewOrderPolicy(cfg.Policy.Limits),
		MaxProofRejections: cfg.Policy.MaxProofRejections,
	}, remotes, o.logger)
	if err != nil {
		closeDB()
		return nil, nil, WrapExitError(ExitCommandError, "build replica", err)
	}
	if withStream && !o.Offline && cfg.StreamEnabled {
		if err := node.WithStream(cfg.RemoteURL); err != nil {
			closeDB()
			return nil, nil, WrapExitError(ExitCommandError, "change stream", err)
		}
	}
	return node, closeDB, nil
}

// withNode runs fn against a freshly opened node. One-shot commands restore
// escrow timers first so overdue orders expire before fn reads them. After
// a mutating fn the node pushes its changes; a failed push leaves them
// queued locally for the next sync.
func (o *RootOptions) withNode(ctx context.Context, mutates bool, fn func(*replica.Node) error) error {
	node, closeDB, err := o.openNode(false)
	if err != nil {
		return err
	}
	defer closeDB()
	defer node.Scheduler().DisarmAll()

	if err := node.Restore(ctx); err != nil {
		return WrapExitError(ExitFailure, "restore", err)
	}
	if err := fn(node); err != nil {
		return commandError(err)
	}
	if mutates && !o.Offline {
		if err := node.Sync(ctx); err != nil {
			o.logger.Warn("changes saved locally, push deferred to next sync", "error", err)
		}
	}
	return nil
}

// commandError maps domain errors onto exit codes.
func commandError(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if apperr.IsValidation(err) {
		return WrapExitError(ExitCommandError, "invalid input", err)
	}
	return WrapExitError(ExitFailure, string(kindLabel(err)), err)
}

func kindLabel(err error) apperr.Kind {
	if k := apperr.KindOf(err); k != "" {
		return k
	}
	return "failed"
}
