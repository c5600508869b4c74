package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/replica"
	"github.com/mbd888/escrowsync/internal/traces"
)

// NewRunCommand creates the long-running replica command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replica until interrupted",
		Long: `Restore escrow timers, then replicate every collection on the sync
interval, sweep expired orders and follow the server change stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := traces.Init(ctx, "escrowsync-replica", rootOpts.cfg.OTLPEndpoint, rootOpts.logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "tracing", err)
			}
			defer func() { _ = shutdown(context.Background()) }()

			node, closeDB, err := rootOpts.openNode(true)
			if err != nil {
				return err
			}
			defer closeDB()

			rootOpts.logger.Info("replica starting",
				"replica", rootOpts.cfg.ReplicaID,
				"db", rootOpts.cfg.ReplicaDBPath,
				"remote", rootOpts.cfg.RemoteURL,
				"offline", rootOpts.Offline)
			if err := node.Run(ctx); err != nil {
				return WrapExitError(ExitFailure, "replica stopped", err)
			}
			return nil
		},
	}
}

// SyncResult reports a one-shot sync.
type SyncResult struct {
	ReplicaID   string   `json:"replicaId"`
	Collections []string `json:"collections"`
	Error       string   `json:"error,omitempty"`
}

// NewSyncCommand creates the one-shot replication command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sync",
		Short:         "Pull and push every collection once",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Offline {
				return NewExitError(ExitCommandError, "sync needs the reference server; drop --offline")
			}
			var res SyncResult
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				res = SyncResult{ReplicaID: rootOpts.cfg.ReplicaID, Collections: n.Engine().Collections()}
				if err := n.Sync(cmd.Context()); err != nil {
					res.Error = err.Error()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := emit(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
				if res.Error != "" {
					fmt.Fprintf(w, "sync incomplete: %s\n", res.Error)
					return
				}
				fmt.Fprintf(w, "synced %d collections\n", len(res.Collections))
			}); err != nil {
				return err
			}
			if res.Error != "" {
				return NewExitError(ExitFailure, "sync incomplete")
			}
			return nil
		},
	}
}

// StatusReport summarises the local replica.
type StatusReport struct {
	ReplicaID   string          `json:"replicaId"`
	Healthy     bool            `json:"healthy"`
	Checks      []health.Status `json:"checks"`
	ArmedTimers int             `json:"armedTimers"`
}

// NewStatusCommand reports replica health. Online it syncs first so the
// replication probe reflects the server's reachability.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Check the local database and replication health",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep StatusReport
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				if !rootOpts.Offline {
					_ = n.Sync(cmd.Context())
				}
				rep.ReplicaID = rootOpts.cfg.ReplicaID
				rep.ArmedTimers = n.Scheduler().Armed()
				rep.Healthy, rep.Checks = n.Health().CheckAll(cmd.Context())
				return nil
			})
			if err != nil {
				return err
			}
			if err := emit(cmd.OutOrStdout(), rootOpts.Format, rep, func(w io.Writer) {
				fmt.Fprintf(w, "replica %s: %d escrow timers armed\n", rep.ReplicaID, rep.ArmedTimers)
				for _, c := range rep.Checks {
					state := "ok"
					if !c.Healthy {
						state = "FAIL " + c.Detail
					}
					fmt.Fprintf(w, "  %-12s %s\n", c.Name, state)
				}
			}); err != nil {
				return err
			}
			if !rep.Healthy {
				return NewExitError(ExitFailure, "replica unhealthy")
			}
			return nil
		},
	}
}
