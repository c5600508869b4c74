package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/replica"
	"github.com/mbd888/escrowsync/internal/validation"
	"github.com/mbd888/escrowsync/internal/verification"
)

// maxProofLength bounds the proof text a buyer can attach.
const maxProofLength = 4096

// NewProofCommand groups payment proof commands.
func NewProofCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Submit and verify payment proofs",
	}
	cmd.AddCommand(newSubmitProofCommand(rootOpts))
	cmd.AddCommand(newVerifyProofCommand(rootOpts))
	cmd.AddCommand(newGetProofCommand(rootOpts))
	return cmd
}

func (o *RootOptions) runWorkflow(cmd *cobra.Command, fn func(*replica.Node) (verification.Result, error)) error {
	var res verification.Result
	err := o.withNode(cmd.Context(), true, func(n *replica.Node) error {
		var err error
		res, err = fn(n)
		return err
	})
	if err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), o.Format, res, func(w io.Writer) {
		printOrder(w, res.Order)
		printProof(w, res.Verification)
	})
}

func newSubmitProofCommand(rootOpts *RootOptions) *cobra.Command {
	var proof string
	cmd := &cobra.Command{
		Use:           "submit <order-id>",
		Short:         "Attach the buyer's payment proof",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			proof = validation.SanitizeString(proof, maxProofLength)
			if errs := validation.Validate(validation.Required("proof", proof)); len(errs) > 0 {
				return WrapExitError(ExitCommandError, "invalid input", errs)
			}
			sess, err := rootOpts.session()
			if err != nil {
				return err
			}
			return rootOpts.runWorkflow(cmd, func(n *replica.Node) (verification.Result, error) {
				return n.SubmitPaymentProof(cmd.Context(), sess, args[0], proof)
			})
		},
	}
	cmd.Flags().StringVar(&proof, "proof", "", "reference number or receipt text")
	return cmd
}

func newVerifyProofCommand(rootOpts *RootOptions) *cobra.Command {
	var outcome, remarks string
	cmd := &cobra.Command{
		Use:           "verify <order-id>",
		Short:         "Accept or reject the pending proof",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := validation.Validate(
				validation.Required("outcome", outcome),
				validation.OneOf("outcome", outcome,
					string(documents.VerificationVerified), string(documents.VerificationRejected)),
				validation.MaxLength("remarks", remarks, maxProofLength),
			); len(errs) > 0 {
				return WrapExitError(ExitCommandError, "invalid input", errs)
			}
			sess, err := rootOpts.session()
			if err != nil {
				return err
			}
			return rootOpts.runWorkflow(cmd, func(n *replica.Node) (verification.Result, error) {
				return n.VerifyPayment(cmd.Context(), sess, args[0], documents.VerificationStatus(outcome), remarks)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "verified or rejected")
	cmd.Flags().StringVar(&remarks, "remarks", "", "note for the parties")
	return cmd
}

func newGetProofCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <order-id>",
		Short:         "Show the payment verification for an order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pv documents.PaymentVerification
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				pv, err = n.GetPaymentVerification(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, pv, func(w io.Writer) { printProof(w, pv) })
		},
	}
}

func printProof(w io.Writer, pv documents.PaymentVerification) {
	fmt.Fprintf(w, "Proof for %s: %s\n", pv.OrderID, pv.Status)
	if pv.Proof != "" {
		fmt.Fprintf(w, "  proof:     %s\n", pv.Proof)
	}
	if pv.SubmittedBy != "" {
		fmt.Fprintf(w, "  submitted: %s by %s\n", formatMillis(pv.SubmittedAt), pv.SubmittedBy)
	}
	if pv.VerifiedBy != "" {
		fmt.Fprintf(w, "  verified:  %s by %s\n", formatMillis(pv.VerifiedAt), pv.VerifiedBy)
	}
	if pv.Remarks != "" {
		fmt.Fprintf(w, "  remarks:   %s\n", pv.Remarks)
	}
}
