package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

var deliveryCmd = &cobra.Command{
	Use:     "delivery",
	Aliases: []string{"deliveries"},
	Short:   "Inspect and manage deliveries",
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deliveries",
	RunE:  runDeliveryList,
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveryGet,
}

var deliveryAttemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "Show the attempt history of a delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveryAttempts,
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-send a failed delivery as a new delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveryRetry,
}

var deliveryCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or retrying delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveryCancel,
}

var emitCmd = &cobra.Command{
	Use:   "emit <event-type>",
	Short: "Deliver an event to every subscribed endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmit,
}

func init() {
	rootCmd.AddCommand(deliveryCmd, emitCmd)
	deliveryCmd.AddCommand(deliveryListCmd, deliveryGetCmd, deliveryAttemptsCmd, deliveryRetryCmd, deliveryCancelCmd)

	deliveryListCmd.Flags().StringP("endpoint", "e", "", "Filter by endpoint ID")
	deliveryListCmd.Flags().StringSlice("status", nil, "Filter by status (pending, success, failed, retrying, cancelled)")
	deliveryListCmd.Flags().IntP("limit", "l", 50, "Maximum rows")

	emitCmd.Flags().StringP("payload", "p", "{}", "JSON payload")
	emitCmd.Flags().StringP("endpoint", "e", "", "Deliver to this endpoint only, ignoring subscriptions")
}

func runDeliveryList(cmd *cobra.Command, _ []string) error {
	endpointID, _ := cmd.Flags().GetString("endpoint")
	statuses, _ := cmd.Flags().GetStringSlice("status")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := model.DeliveryFilter{EndpointID: endpointID, Limit: limit}
	for _, s := range statuses {
		filter.Statuses = append(filter.Statuses, model.DeliveryStatus(s))
	}

	return withApp(func(a *app) error {
		out, err := a.engine.ListDeliveries(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("list deliveries: %w", err)
		}
		if len(out) == 0 {
			fmt.Println("No deliveries found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tENDPOINT\tEVENT\tSTATUS\tATTEMPTS\tHTTP\tERROR\tCREATED\n")
		for _, d := range out {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				d.ID, d.EndpointID, d.EventType, d.Status,
				d.AttemptCount, d.MaxAttempts, httpStatus(d.HTTPStatus),
				orDash(string(d.ErrorKind)), d.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	})
}

func runDeliveryGet(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		d, err := a.engine.GetDelivery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printDelivery(d)
		return nil
	})
}

func runDeliveryAttempts(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		attempts, err := a.engine.ListAttempts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Println("No attempts recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "#\tHTTP\tTIME (ms)\tKIND\tERROR\tAT\n")
		for _, at := range attempts {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
				at.AttemptNumber, httpStatus(at.HTTPStatus), at.ResponseTimeMs,
				orDash(string(at.ErrorKind)), orDash(at.ErrorMessage),
				at.AttemptedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	})
}

func runDeliveryRetry(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		d, err := a.engine.RetryDelivery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printDelivery(d)
		return nil
	})
}

func runDeliveryCancel(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		d, err := a.engine.CancelDelivery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Delivery %s cancelled.\n", d.ID)
		return nil
	})
}

func runEmit(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("payload")
	endpointID, _ := cmd.Flags().GetString("endpoint")
	if !json.Valid([]byte(raw)) {
		return &model.ConfigError{Field: "payload", Reason: "is not valid JSON"}
	}
	payload := json.RawMessage(raw)

	return withApp(func(a *app) error {
		if endpointID != "" {
			d, err := a.engine.Deliver(cmd.Context(), endpointID, args[0], payload)
			if err != nil {
				return err
			}
			printDelivery(d)
			return nil
		}

		out, err := a.engine.Emit(cmd.Context(), args[0], payload)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Printf("No endpoint subscribes to %s.\n", args[0])
			return nil
		}
		for i := range out {
			printDelivery(&out[i])
		}
		return nil
	})
}

func printDelivery(d *model.Delivery) {
	fmt.Printf("Delivery %s\n", d.ID)
	fmt.Printf("  Endpoint:  %s\n", d.EndpointID)
	fmt.Printf("  Event:     %s\n", d.EventType)
	fmt.Printf("  Status:    %s\n", d.Status)
	fmt.Printf("  Attempts:  %d/%d\n", d.AttemptCount, d.MaxAttempts)
	if d.HTTPStatus != 0 {
		fmt.Printf("  HTTP:      %d (%d ms)\n", d.HTTPStatus, d.ResponseTimeMs)
	}
	if d.ErrorMessage != "" {
		fmt.Printf("  Error:     %s [%s]\n", d.ErrorMessage, d.ErrorKind)
	}
	if d.NextRetryAt != nil {
		fmt.Printf("  Next try:  %s\n", d.NextRetryAt.Format(time.RFC3339))
	}
	if d.RetryOf != "" {
		fmt.Printf("  Retry of:  %s\n", d.RetryOf)
	}
}

func httpStatus(code int) string {
	if code == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", code)
}
