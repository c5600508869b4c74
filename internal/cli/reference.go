package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/replica"
)

// NewValidatorsCommand lists the replicated validator roster.
func NewValidatorsCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "validators",
		Short: "List payment validators",
	}
	list := &cobra.Command{
		Use:           "list",
		Short:         "List validators from the local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []documents.Validator
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				out, err = n.GetValidators(cmd.Context(), !all)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, "no validators")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tRATING\tORDERS\tRESPONSE\tACTIVE")
				for _, v := range out {
					fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\t%s\t%t\n", v.ID, v.Name, v.Rating, v.TotalOrders, dash(v.ResponseTime), v.IsActive)
				}
				_ = tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive validators")
	cmd.AddCommand(list)
	return cmd
}

// NewAssetsCommand manages the replicated asset list.
func NewAssetsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Manage tradable assets",
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List assets by sort index",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []documents.Asset
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				out, err = n.GetAssets(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, "no assets")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ADDRESS\tSYMBOL\tNAME\tDECIMALS\tSTANDARDS")
				for _, a := range out {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Address, a.TokenSymbol, a.TokenName, dash(a.Decimal), strings.Join(a.SupportedStandards, ","))
				}
				_ = tw.Flush()
			})
		},
	}

	var a documents.Asset
	put := &cobra.Command{
		Use:           "put <address>",
		Short:         "Add or replace an asset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Address = args[0]
			var out documents.Asset
			err := rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				var err error
				out, err = n.PutAsset(cmd.Context(), a)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				fmt.Fprintf(w, "saved asset %s (%s)\n", out.Address, out.TokenSymbol)
			})
		},
	}
	put.Flags().StringVar(&a.TokenSymbol, "symbol", "", "token symbol")
	put.Flags().StringVar(&a.TokenName, "name", "", "token name")
	put.Flags().StringVar(&a.Decimal, "decimals", "", "token decimals")
	put.Flags().IntVar(&a.SortIndex, "sort", 0, "sort index")
	put.Flags().StringSliceVar(&a.SupportedStandards, "standards", nil, "supported token standards")

	remove := &cobra.Command{
		Use:           "remove <address>",
		Short:         "Delete an asset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				return n.DeleteAsset(cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted asset %s\n", args[0])
			})
		},
	}

	cmd.AddCommand(list, put, remove)
	return cmd
}

// NewContactsCommand manages the address book.
func NewContactsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage saved contacts",
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List contacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []documents.Contact
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				out, err = n.GetContacts(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, "no contacts")
					return
				}
				for _, c := range out {
					fmt.Fprintf(w, "%s  %s\n", c.Principal, c.Name)
				}
			})
		},
	}

	var c documents.Contact
	put := &cobra.Command{
		Use:           "put <principal>",
		Short:         "Add or rename a contact",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Principal = args[0]
			var out documents.Contact
			err := rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				var err error
				out, err = n.PutContact(cmd.Context(), c)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				fmt.Fprintf(w, "saved contact %s\n", out.Principal)
			})
		},
	}
	put.Flags().StringVar(&c.Name, "name", "", "display name")
	put.Flags().StringVar(&c.AccountIdentifier, "account", "", "account identifier")

	remove := &cobra.Command{
		Use:           "remove <principal>",
		Short:         "Delete a contact",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				return n.DeleteContact(cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted contact %s\n", args[0])
			})
		},
	}

	cmd.AddCommand(list, put, remove)
	return cmd
}
