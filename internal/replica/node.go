// Package replica assembles a device replica: SQLite-backed stores for every
// collection, the replication engine, the order lifecycle with its escrow
// timers and payment verification, and the collaborator-facing API on top.
//
// Every mutation writes the local store first and then triggers a push for
// the touched collection; reads never wait for the network.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/docstore"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/remote"
	"github.com/mbd888/escrowsync/internal/remoteclient"
	"github.com/mbd888/escrowsync/internal/replication"
	"github.com/mbd888/escrowsync/internal/sqldb"
	"github.com/mbd888/escrowsync/internal/verification"
)

// Remotes holds the remote side of each collection. A nil entry leaves
// that collection local-only.
type Remotes struct {
	Assets               replication.Remote[documents.Asset]
	Contacts             replication.Remote[documents.Contact]
	Allowances           replication.Remote[documents.Allowance]
	Validators           replication.Remote[documents.Validator]
	Orders               replication.Remote[documents.Order]
	Escrows              replication.Remote[documents.Escrow]
	PaymentVerifications replication.Remote[documents.PaymentVerification]
	KYC                  replication.Remote[documents.KYCRecord]
}

// HTTPRemotes replicates every collection through the reference server c
// talks to.
func HTTPRemotes(c *remoteclient.Client) Remotes {
	return Remotes{
		Assets:               remoteclient.Collection[documents.Asset](c, documents.CollectionAssets),
		Contacts:             remoteclient.Collection[documents.Contact](c, documents.CollectionContacts),
		Allowances:           remoteclient.Collection[documents.Allowance](c, documents.CollectionAllowances),
		Validators:           remoteclient.Collection[documents.Validator](c, documents.CollectionValidators),
		Orders:               remoteclient.Collection[documents.Order](c, documents.CollectionOrders),
		Escrows:              remoteclient.Collection[documents.Escrow](c, documents.CollectionEscrows),
		PaymentVerifications: remoteclient.Collection[documents.PaymentVerification](c, documents.CollectionPaymentVerifications),
		KYC:                  remoteclient.Collection[documents.KYCRecord](c, documents.CollectionKYC),
	}
}

// Config wires a Node.
type Config struct {
	ReplicaID     string
	SyncInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int

	// MinUpdatedAt skips remote documents older than this on pull.
	MinUpdatedAt int64

	Tiers              *escrow.Tiers
	Limiter            orders.Limiter
	MaxProofRejections int

	// Funds is the custody collaborator. Nil uses an unbounded in-memory
	// ledger.
	Funds escrow.Funds

	Now func() time.Time
}

// Node is one device replica.
type Node struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger

	assets     docstore.Store[documents.Asset]
	contacts   docstore.Store[documents.Contact]
	allowances docstore.Store[documents.Allowance]
	validators docstore.Store[documents.Validator]
	orderStore docstore.Store[documents.Order]
	escrows    docstore.Store[documents.Escrow]
	proofs     docstore.Store[documents.PaymentVerification]
	kyc        docstore.Store[documents.KYCRecord]

	orders    *orders.Service
	workflow  *verification.Workflow
	reference *remote.Reference
	scheduler *escrow.Scheduler
	engine    *replication.Engine
	stream    *replication.StreamListener
}

// New builds a replica over db, an open SQLite database with the document
// schema applied.
func New(db *sql.DB, cfg Config, remotes Remotes, logger *slog.Logger) (*Node, error) {
	if cfg.ReplicaID == "" {
		return nil, errors.New("replica: ReplicaID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Funds == nil {
		cfg.Funds = escrow.NewMemoryFunds(escrow.Unbounded())
	}
	logger = logger.With("replica", cfg.ReplicaID)

	clock := docstore.WithClock(cfg.Now)
	n := &Node{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		assets:     docstore.NewSQLiteStore[documents.Asset](db, documents.CollectionAssets, clock),
		contacts:   docstore.NewSQLiteStore[documents.Contact](db, documents.CollectionContacts, clock),
		allowances: docstore.NewSQLiteStore[documents.Allowance](db, documents.CollectionAllowances, clock),
		validators: docstore.NewSQLiteStore[documents.Validator](db, documents.CollectionValidators, clock),
		orderStore: docstore.NewSQLiteStore[documents.Order](db, documents.CollectionOrders, clock),
		escrows:    docstore.NewSQLiteStore[documents.Escrow](db, documents.CollectionEscrows, clock),
		proofs:     docstore.NewSQLiteStore[documents.PaymentVerification](db, documents.CollectionPaymentVerifications, clock),
		kyc:        docstore.NewSQLiteStore[documents.KYCRecord](db, documents.CollectionKYC, clock),
		engine:     replication.NewEngine(cfg.SyncInterval, logger),
	}

	n.orders = orders.NewService(n.orderStore, cfg.Funds, cfg.Tiers).
		WithEscrows(n.escrows).
		WithValidators(orders.NewStoreValidators(n.validators)).
		WithMaxProofRejections(cfg.MaxProofRejections).
		WithLogger(logger).
		WithClock(cfg.Now)
	if cfg.Limiter != nil {
		n.orders.WithLimiter(cfg.Limiter)
	}
	n.scheduler = escrow.NewScheduler(n.orders, n.orderStore, logger,
		escrow.WithSweepInterval(cfg.SweepInterval),
		escrow.WithSchedulerClock(cfg.Now))
	n.orders.
		WithObserver(n.scheduler).
		WithObserver(orders.ObserverFunc(func(o documents.Order) {
			n.touch(documents.CollectionOrders)
			if o.EscrowID != "" {
				n.touch(documents.CollectionEscrows)
			}
			if o.Status == documents.OrderCompleted && o.ValidatorID != "" {
				n.touch(documents.CollectionValidators)
			}
		}))
	n.workflow = verification.NewWorkflow(n.orders, n.proofs, logger).WithClock(cfg.Now)
	n.reference = remote.NewReference(n.validators, n.kyc).WithClock(cfg.Now)

	checkpoints := replication.NewSQLCheckpoints(db, sqldb.SQLite, cfg.ReplicaID)
	register(n, n.assets, remotes.Assets, checkpoints)
	register(n, n.contacts, remotes.Contacts, checkpoints)
	register(n, n.allowances, remotes.Allowances, checkpoints)
	register(n, n.validators, remotes.Validators, checkpoints)
	if rep := register(n, n.orderStore, remotes.Orders, checkpoints); rep != nil {
		// Pulled orders arm or disarm their timers like local writes do.
		rep.OnApplied(n.scheduler.Observe)
	}
	register(n, n.escrows, remotes.Escrows, checkpoints)
	register(n, n.proofs, remotes.PaymentVerifications, checkpoints)
	register(n, n.kyc, remotes.KYC, checkpoints)

	return n, nil
}

func register[T documents.Replicable[T]](n *Node, store docstore.Store[T], r replication.Remote[T], checkpoints replication.CheckpointStore) *replication.Replicator[T] {
	if r == nil {
		return nil
	}
	rep := replication.NewReplicator[T](store, r, checkpoints, n.logger).
		WithBatchSize(n.cfg.BatchSize).
		WithMinUpdatedAt(n.cfg.MinUpdatedAt)
	n.engine.Register(rep)
	return rep
}

// WithStream makes the node listen for server change notifications.
func (n *Node) WithStream(serverURL string) error {
	l, err := replication.NewStreamListener(serverURL, n.cfg.ReplicaID, n.engine, n.logger)
	if err != nil {
		return fmt.Errorf("change stream: %w", err)
	}
	n.stream = l
	return nil
}

// Engine exposes the replication engine for one-shot syncs and health.
func (n *Node) Engine() *replication.Engine { return n.engine }

// Scheduler exposes the escrow timer table for health checks.
func (n *Node) Scheduler() *escrow.Scheduler { return n.scheduler }

// Health probes the local database and the last replication cycle of every
// collection.
func (n *Node) Health() *health.Registry {
	r := health.NewRegistry()
	r.Register("database", health.DB("database", n.db))
	r.Register("replication", health.From("replication", n.engine))
	return r
}

// Restore rebuilds escrow timers from persisted orders. Run calls it; use
// it directly for one-shot commands that do not start the loops.
func (n *Node) Restore(ctx context.Context) error {
	if err := n.scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("restore escrow timers: %w", err)
	}
	n.logger.Info("escrow timers restored", "armed", n.scheduler.Armed())
	return nil
}

// Run restores timers and runs replication, the escrow sweep and the change
// stream until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Restore(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.engine.Start(ctx)
		return nil
	})
	g.Go(func() error {
		n.scheduler.Start(ctx)
		return nil
	})
	if n.stream != nil {
		g.Go(func() error {
			n.stream.Run(ctx)
			return nil
		})
	}

	probes := n.Health()
	probes.Register("replication_loop", health.Loop("replication_loop", n.engine.Running))
	probes.Register("escrow_sweep", health.Loop("escrow_sweep", n.scheduler.Running))
	g.Go(func() error {
		n.watchHealth(ctx, probes)
		return nil
	})
	n.logger.Info("replica running", "collections", n.engine.Collections())

	err := g.Wait()
	n.scheduler.DisarmAll()
	return err
}

// watchHealth logs failing probes once per sync interval.
func (n *Node) watchHealth(ctx context.Context, probes *health.Registry) {
	interval := n.cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, statuses := probes.CheckAll(ctx); !ok {
				for _, st := range statuses {
					if !st.Healthy {
						n.logger.Warn("replica unhealthy", "check", st.Name, "detail", st.Detail)
					}
				}
			}
		}
	}
}

// Sync runs one replication cycle for every collection.
func (n *Node) Sync(ctx context.Context) error {
	return n.engine.SyncAll(ctx)
}
