// Package cli implements the replica command line: a device node that
// trades, verifies payments and files KYC against its local store, and
// replicates with the reference server.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	DBPath    string
	ReplicaID string
	RemoteURL string
	Offline   bool

	// Acting identity for order, proof and KYC commands.
	User        string
	ValidatorID string

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the replica CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "escrowsync",
		Short: "escrowsync device replica",
		Long: `A local-first replica of the escrowsync P2P order book.

Every command reads and writes the local SQLite store first. Unless
--offline is given, changes are pushed to the reference server right
after the command and pulled again on the next sync.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "replica database path (default $REPLICA_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.ReplicaID, "replica-id", "", "replica id (default $REPLICA_ID)")
	cmd.PersistentFlags().StringVar(&opts.RemoteURL, "remote", "", "reference server URL (default $REMOTE_URL)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "do not contact the reference server")
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "acting user id")
	cmd.PersistentFlags().StringVar(&opts.ValidatorID, "validator", "", "act as this validator (with --user)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewOrdersCommand(opts))
	cmd.AddCommand(NewProofCommand(opts))
	cmd.AddCommand(NewKYCCommand(opts))
	cmd.AddCommand(NewValidatorsCommand(opts))
	cmd.AddCommand(NewAssetsCommand(opts))
	cmd.AddCommand(NewContactsCommand(opts))

	return cmd
}

// load reads the environment config and applies flag overrides.
func (o *RootOptions) load(stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DBPath != "" {
		cfg.ReplicaDBPath = o.DBPath
	}
	if o.ReplicaID != "" {
		cfg.ReplicaID = o.ReplicaID
	}
	if o.RemoteURL != "" {
		cfg.RemoteURL = o.RemoteURL
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	o.cfg = cfg

	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	} else if level == config.DefaultLogLevel {
		level = "warn"
	}
	o.logger = logging.NewWriter(stderr, level, cfg.LogFormat)
	return nil
}

// session builds the acting identity from --user and --validator.
func (o *RootOptions) session() (session.Session, error) {
	if o.User == "" {
		return session.Session{}, NewExitError(ExitCommandError, "--user is required for this command")
	}
	if o.ValidatorID != "" {
		return session.Validator(o.User, o.ValidatorID), nil
	}
	return session.User(o.User), nil
}
