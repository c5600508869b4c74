package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/escrowsync/internal/documents"
	"github.com/mbd888/escrowsync/internal/replica"
	"github.com/mbd888/escrowsync/internal/validation"
)

// NewKYCCommand groups identity verification commands.
func NewKYCCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kyc",
		Short: "File and review KYC records",
	}
	cmd.AddCommand(newSubmitKYCCommand(rootOpts))
	cmd.AddCommand(newReviewKYCCommand(rootOpts))
	cmd.AddCommand(newGetKYCCommand(rootOpts))
	return cmd
}

func newSubmitKYCCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		file string
		info documents.PersonalInfo
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File KYC for the acting user",
		Long: `File KYC for --user. Pass a full record as JSON with --file ("-" reads
stdin), or just the personal details with flags. Flags override the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.session()
			if err != nil {
				return err
			}
			var rec documents.KYCRecord
			if file != "" {
				if rec, err = readKYC(cmd.InOrStdin(), file); err != nil {
					return WrapExitError(ExitCommandError, "read kyc file", err)
				}
			}
			mergePersonalInfo(&rec.PersonalInfo, info)

			var out documents.KYCRecord
			err = rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				out, err = n.SubmitKYC(cmd.Context(), sess, rec)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) { printKYC(w, out) })
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "KYC record as JSON")
	cmd.Flags().StringVar(&info.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&info.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&info.Email, "email", "", "email address")
	cmd.Flags().StringVar(&info.PhoneNumber, "phone", "", "phone number")
	cmd.Flags().StringVar(&info.DateOfBirth, "dob", "", "date of birth")
	cmd.Flags().StringVar(&info.Nationality, "nationality", "", "nationality")
	return cmd
}

func readKYC(stdin io.Reader, path string) (documents.KYCRecord, error) {
	var rec documents.KYCRecord
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return rec, err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	err := dec.Decode(&rec)
	return rec, err
}

func mergePersonalInfo(dst *documents.PersonalInfo, src documents.PersonalInfo) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.FirstName, src.FirstName)
	set(&dst.LastName, src.LastName)
	set(&dst.Email, src.Email)
	set(&dst.PhoneNumber, src.PhoneNumber)
	set(&dst.DateOfBirth, src.DateOfBirth)
	set(&dst.Nationality, src.Nationality)
}

func newReviewKYCCommand(rootOpts *RootOptions) *cobra.Command {
	var status, remarks string
	cmd := &cobra.Command{
		Use:           "review <user-id>",
		Short:         "Approve or reject a user's KYC (validators only)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := validation.Validate(
				validation.ValidID("user-id", args[0]),
				validation.Required("status", status),
				validation.OneOf("status", status,
					string(documents.KYCPending), string(documents.KYCApproved), string(documents.KYCRejected)),
			); len(errs) > 0 {
				return WrapExitError(ExitCommandError, "invalid input", errs)
			}
			sess, err := rootOpts.session()
			if err != nil {
				return err
			}
			var out documents.KYCRecord
			err = rootOpts.withNode(cmd.Context(), true, func(n *replica.Node) error {
				out, err = n.UpdateKYCStatus(cmd.Context(), sess, args[0], documents.KYCStatus(status), remarks)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) { printKYC(w, out) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "approved, rejected or pending")
	cmd.Flags().StringVar(&remarks, "remarks", "", "review note")
	return cmd
}

func newGetKYCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get [user-id]",
		Short:         "Show a KYC record (default: the acting user)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := rootOpts.User
			if len(args) == 1 {
				userID = args[0]
			}
			if userID == "" {
				return NewExitError(ExitCommandError, "user id required: pass it or set --user")
			}
			var out documents.KYCRecord
			err := rootOpts.withNode(cmd.Context(), false, func(n *replica.Node) error {
				var err error
				out, err = n.GetKYC(cmd.Context(), userID)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) { printKYC(w, out) })
		},
	}
}

func printKYC(w io.Writer, k documents.KYCRecord) {
	fmt.Fprintf(w, "KYC %s: %s (risk %s)\n", k.UserID, k.Status, k.RiskLevel)
	if name := k.PersonalInfo.FirstName + " " + k.PersonalInfo.LastName; name != " " {
		fmt.Fprintf(w, "  name:      %s\n", name)
	}
	if k.PersonalInfo.Email != "" {
		fmt.Fprintf(w, "  email:     %s\n", k.PersonalInfo.Email)
	}
	if d := k.VerificationDetails; d != nil {
		fmt.Fprintf(w, "  submitted: %s\n", formatMillis(d.SubmittedAt))
		if d.VerifiedBy != "" {
			fmt.Fprintf(w, "  reviewed:  %s by %s\n", formatMillis(d.VerifiedAt), d.VerifiedBy)
		}
		if d.Remarks != "" {
			fmt.Fprintf(w, "  remarks:   %s\n", d.Remarks)
		}
	}
}
