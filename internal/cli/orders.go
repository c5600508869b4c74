package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/apperr"
	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/orders"
	"github.com/mbd888/escrowsync/internal/replica"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/validation"
)

// NewOrdersCommand groups the order book commands.
func NewOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orders",
		Aliases: []string{"order"},
		Short:   "Create, trade and inspect P2P orders",
	}
	cmd.AddCommand(newCreateOrderCommand(rootOpts))
	cmd.AddCommand(newAcceptOrderCommand(rootOpts))
	cmd.AddCommand(newOrderActionCommand(rootOpts, "lock", "Lock the seller's funds in escrow", (*replica.Node).LockEscrow))
	cmd.AddCommand(newRequestPaymentCommand(rootOpts))
	cmd.AddCommand(newOrderActionCommand(rootOpts, "cancel", "Cancel an order before funds are locked", (*replica.Node).CancelOrder))
	cmd.AddCommand(newOrderActionCommand(rootOpts, "dispute", "Open a dispute on an order", (*replica.Node).DisputeOrder))
	cmd.AddCommand(newResolveCommand(rootOpts))
	cmd.AddCommand(newOrderActionCommand(rootOpts, "refund", "Refund the seller's escrow", (*replica.Node).RefundOrder))
	cmd.AddCommand(newGetOrderCommand(rootOpts))
	cmd.AddCommand(newListOrdersCommand(rootOpts))
	cmd.AddCommand(newOrderStatsCommand(rootOpts))
	return cmd
}

type paymentMethodFlags struct {
	id, name, kind                   string
	accountNumber, accountName, bank string
	wallet                           string
}

func (f *paymentMethodFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "method-id", "", "payment method id")
	cmd.Flags().StringVar(&f.name, "method-name", "", "payment method name, e.g. GCash")
	cmd.Flags().StringVar(&f.kind, "method-type", "", "payment method type, e.g. ewallet or bank")
	cmd.Flags().StringVar(&f.accountNumber, "account-number", "", "receiving account number")
	cmd.Flags().StringVar(&f.accountName, "account-name", "", "receiving account name")
	cmd.Flags().StringVar(&f.bank, "bank", "", "receiving bank name")
	cmd.Flags().StringVar(&f.wallet, "wallet", "", "receiving wallet address")
}

func (f *paymentMethodFlags) method() documents.PaymentMethod {
	return documents.PaymentMethod{
		ID:   f.id,
		Name: f.name,
		Type: f.kind,
		Details: documents.PaymentMethodDetails{
			AccountNumber: f.accountNumber,
			AccountName:   f.accountName,
			BankName:      f.bank,
			WalletAddress: f.wallet,
		},
	}
}

// mutateOrder runs a session-scoped order mutation and prints the result.
func (o *RootOptions) mutateOrder(cmd *cobra.Command, fn func(context.Context, *replica.Node, session.Session) (documents.Order, error)) error {
	sess, err := o.session()
	if err != nil {
		return err
	}
	var out documents.Order
	err = o.withNode(cmd.Context(), true, func(n *replica.Node) error {
		out, err = fn(cmd.Context(), n, sess)
		return err
	})
	if err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), o.Format, out, func(w io.Writer) { printOrder(w, out) })
}

func newCreateOrderCommand(rootOpts *RootOptions) *cobra.Command {
	var amount, price string
	var pm paymentMethodFlags
	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Post a sell order",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := validation.Validate(
				validation.Required("amount", amount),
				validation.ValidAmount("amount", amount),
				validation.Required("price", price),
				validation.ValidAmount("price", price),
			); len(errs) > 0 {
				return WrapExitError(ExitCommandError, "invalid input", errs)
			}
			req := orders.CreateRequest{
				Amount:        decimal.RequireFromString(amount),
				Price:         decimal.RequireFromString(price),
				PaymentMethod: pm.method(),
			}
			return rootOpts.mutateOrder(cmd, func(ctx context.Context, n *replica.Node, s session.Session) (documents.Order, error) {
				return n.CreateOrder(ctx, s, req)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount of the asset to sell")
	cmd.Flags().StringVar(&price, "price", "", "unit price in fiat")
	pm.register(cmd)
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newAcceptOrderCommand(rootOpts *RootOptions) *cobra.Command {
	var verifier string
	cmd := &cobra.Command{
		Use:           "accept <order-id>",
		Short:         "Take an order as buyer",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.mutateOrder(cmd, func(ctx context.Context, n *replica.Node, s session.Session) (documents.Order, error) {
				return n.AcceptOrder(ctx, s, args[0], verifier)
			})
		},
	}
	cmd.Flags().StringVar(&verifier, "verifier", "", "validator to verify the payment (default: best rated active validator)")
	return cmd
}

type orderAction func(*replica.Node, context.Context, session.Session, string) (documents.Order, error)

func newOrderActionCommand(rootOpts *RootOptions, use, short string, action orderAction) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <order-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.mutateOrder(cmd, func(ctx context.Context, n *replica.Node, s session.Session) (documents.Order, error) {
				return action(n, ctx, s, args[0])
			})
		},
	}
}

func newRequestPaymentCommand(rootOpts *RootOptions) *cobra.Command {
	var pm paymentMethodFlags
	cmd := &cobra.Command{
		Use:           "request-payment <order-id>",
		Short:         "Ask the buyer to pay, optionally replacing the payment method",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.mutateOrder(cmd, func(ctx context.Context, n *replica.Node, s session.Session) (documents.Order, error) {
				return n.RequestPayment(ctx, s, args[0], pm.method())
			})
		},
	}
	pm.register(cmd)
	return cmd
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:           "resolve <order-id>",
		Short:         "Close a disputed order as completed or refunded",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := validation.Validate(
				validation.Required("outcome", outcome),
				validation.OneOf("outcome", outcome, string(documents.OrderCompleted), string(documents.OrderRefunded)),
			); len(errs) > 0 {
				return WrapExitError(ExitCommandError, "invalid input", errs)
			}
			return rootOpts.mutateOrder(cmd, func(ctx context.Context, n *replica.Node, s session.Session) (documents.Order, error) {
				return n.ResolveDispute(ctx, s, args[0], documents.OrderStatus(outcome))
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "completed or refunded")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func newGetOrderCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <order-id>",
		Short:         "Show one order from the local store",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out documents.Order
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				out, err = n.GetOrder(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) { printOrder(w, out) })
		},
	}
}

func newListOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status, userID string
		from, to       string
		active         bool
	)
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List orders from the local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := orders.Filter{Status: documents.OrderStatus(status), UserID: userID, Active: active}
			if f.Status != "" && !f.Status.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", status))
			}
			var err error
			if f.From, err = parseTime(from); err != nil {
				return WrapExitError(ExitCommandError, "--from", err)
			}
			if f.To, err = parseTime(to); err != nil {
				return WrapExitError(ExitCommandError, "--to", err)
			}

			var out []documents.Order
			err = rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				out, err = n.ListOrders(cmd.Context(), f)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) { printOrderTable(w, out) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only orders in this status")
	cmd.Flags().StringVar(&userID, "user-id", "", "only orders where this user is seller or buyer")
	cmd.Flags().StringVar(&from, "from", "", "created at or after (RFC 3339 or Unix ms)")
	cmd.Flags().StringVar(&to, "to", "", "created at or before (RFC 3339 or Unix ms)")
	cmd.Flags().BoolVar(&active, "active", false, "only orders still in progress")
	cmd.MarkFlagsMutuallyExclusive("status", "user-id", "active")
	return cmd
}

func newOrderStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Summarise the local order book",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st orders.Statistics
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				st, err = n.OrderStatistics(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, st, func(w io.Writer) {
				fmt.Fprintf(w, "total %d  active %d  completed %d  disputed %d\n",
					st.TotalOrders, st.ActiveOrders, st.CompletedOrders, st.DisputedOrders)
			})
		},
	}
}

// parseTime accepts RFC 3339 or Unix milliseconds. Empty is zero.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	ms, err := decimal.NewFromString(s)
	if err != nil || !ms.IsInteger() || ms.IsNegative() {
		return 0, apperr.Invalid("time", "must be RFC 3339 or Unix milliseconds")
	}
	return ms.IntPart(), nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func printOrder(w io.Writer, o documents.Order) {
	fmt.Fprintf(w, "Order %s\n", o.ID)
	fmt.Fprintf(w, "  status:    %s\n", o.Status)
	fmt.Fprintf(w, "  amount:    %s @ %s\n", o.Amount, o.Price)
	fmt.Fprintf(w, "  seller:    %s\n", o.SellerID)
	if o.BuyerID != "" {
		fmt.Fprintf(w, "  buyer:     %s\n", o.BuyerID)
	}
	if o.ValidatorID != "" {
		fmt.Fprintf(w, "  validator: %s\n", o.ValidatorID)
	}
	if o.PaymentMethod.Name != "" {
		fmt.Fprintf(w, "  payment:   %s (%s)\n", o.PaymentMethod.Name, o.PaymentMethod.Type)
	}
	if o.EscrowID != "" {
		fmt.Fprintf(w, "  escrow:    %s\n", o.EscrowID)
	}
	fmt.Fprintf(w, "  created:   %s\n", formatMillis(o.CreatedAt))
	if o.Status.IsTimed() {
		fmt.Fprintf(w, "  expires:   %s\n", formatMillis(o.ExpiresAt))
	}
}

func printOrderTable(w io.Writer, list []documents.Order) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no orders")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tPRICE\tSELLER\tBUYER\tCREATED")
	for _, o := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Status, o.Amount, o.Price, o.SellerID, dash(o.BuyerID), formatMillis(o.CreatedAt))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
