package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var recipientCmd = &cobra.Command{
	Use:     "recipient",
	Aliases: []string{"recipients"},
	Short:   "Inspect notification recipients and their message caps",
}

var recipientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipient message counters",
	RunE:  runRecipientList,
}

var recipientUnblockCmd = &cobra.Command{
	Use:   "unblock <recipient>",
	Short: "Lift a recipient block and reset its counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientUnblock,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show the alert notification log",
	RunE:  runNotifications,
}

func init() {
	rootCmd.AddCommand(recipientCmd, notificationsCmd)
	recipientCmd.AddCommand(recipientListCmd, recipientUnblockCmd)

	recipientListCmd.Flags().Bool("blocked", false, "Only blocked recipients")
	notificationsCmd.Flags().IntP("limit", "l", 50, "Maximum rows")
}

func runRecipientList(cmd *cobra.Command, _ []string) error {
	blocked, _ := cmd.Flags().GetBool("blocked")
	return withApp(func(a *app) error {
		out, err := a.engine.ListRecipients(cmd.Context(), blocked)
		if err != nil {
			return fmt.Errorf("list recipients: %w", err)
		}
		if len(out) == 0 {
			fmt.Println("No recipients recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "RECIPIENT\tHOUR\tDAY\tBLOCKED\tUNTIL\tREASON\n")
		for _, r := range out {
			until := "-"
			if r.BlockedUntil != nil {
				until = r.BlockedUntil.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%s\t%s\n",
				r.Recipient, r.MessageCountHour, r.MessageCountDay, r.Blocked, until, orDash(r.BlockedReason),
			)
		}
		return w.Flush()
	})
}

func runRecipientUnblock(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if err := a.engine.UnblockRecipient(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Recipient %s unblocked.\n", args[0])
		return nil
	})
}

func runNotifications(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withApp(func(a *app) error {
		out, err := a.engine.ListNotifications(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("list notifications: %w", err)
		}
		if len(out) == 0 {
			fmt.Println("No notifications sent.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "CHANNEL\tRECIPIENT\tSTATUS\tCOST\tSUBJECT\tREASON\tAT\n")
		for _, n := range out {
			fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\t%s\t%s\n",
				n.Channel, orDash(n.Recipient), n.Status, n.CostUSD, n.Subject,
				orDash(n.Reason), n.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	})
}
