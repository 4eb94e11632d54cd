package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

var endpointCmd = &cobra.Command{
	Use:     "endpoint",
	Aliases: []string{"endpoints"},
	Short:   "Manage webhook endpoints",
}

var endpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a webhook endpoint",
	RunE:  runEndpointCreate,
}

var endpointUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an endpoint's settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointUpdate,
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints",
	RunE:  runEndpointList,
}

var endpointTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Send a signed test event to an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointTest,
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointCreateCmd, endpointUpdateCmd, endpointListCmd, endpointTestCmd)

	for _, c := range []*cobra.Command{endpointCreateCmd, endpointUpdateCmd} {
		f := c.Flags()
		f.StringP("name", "n", "", "Endpoint name")
		f.StringP("url", "u", "", "Destination URL")
		f.StringP("secret", "s", "", "Signing secret")
		f.String("service-type", "custom", "Service type (slack, discord, teams, custom)")
		f.String("channel", "", "Channel hint for chat services")
		f.StringSlice("events", nil, "Subscribed event types, e.g. order.*,invoice.paid (default: all)")
		f.Int("retries", 0, "Maximum attempts per delivery; 0 disables retries")
		f.StringSlice("allowlist", nil, "Allowed destination IPs or CIDRs (default: any)")
		f.Bool("disabled", false, "Create or leave the endpoint disabled")
	}
	_ = endpointCreateCmd.MarkFlagRequired("name")
	_ = endpointCreateCmd.MarkFlagRequired("url")
	_ = endpointCreateCmd.MarkFlagRequired("secret")
}

func applyEndpointFlags(cmd *cobra.Command, ep *model.Endpoint) {
	f := cmd.Flags()
	if f.Changed("name") {
		ep.Name, _ = f.GetString("name")
	}
	if f.Changed("url") {
		ep.URL, _ = f.GetString("url")
	}
	if f.Changed("secret") {
		ep.Secret, _ = f.GetString("secret")
	}
	if f.Changed("service-type") || ep.ServiceType == "" {
		st, _ := f.GetString("service-type")
		ep.ServiceType = model.ServiceType(st)
	}
	if f.Changed("channel") {
		ep.Channel, _ = f.GetString("channel")
	}
	if f.Changed("events") {
		ep.EventTypes, _ = f.GetStringSlice("events")
	}
	if f.Changed("retries") {
		n, _ := f.GetInt("retries")
		ep.Retry = model.RetryPolicy{Enabled: n > 0, MaxAttempts: n}
	}
	if f.Changed("allowlist") {
		ep.IPAllowlist, _ = f.GetStringSlice("allowlist")
	}
	if f.Changed("disabled") || ep.ID == "" {
		disabled, _ := f.GetBool("disabled")
		ep.Enabled = !disabled
	}
}

func runEndpointCreate(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		ep := &model.Endpoint{}
		applyEndpointFlags(cmd, ep)
		created, err := a.engine.CreateEndpoint(cmd.Context(), ep)
		if err != nil {
			return err
		}
		fmt.Printf("Endpoint created:\n")
		printEndpoint(created)
		return nil
	})
}

func runEndpointUpdate(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ep, err := a.engine.GetEndpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		applyEndpointFlags(cmd, ep)
		updated, err := a.engine.UpdateEndpoint(cmd.Context(), ep)
		if err != nil {
			return err
		}
		fmt.Printf("Endpoint updated:\n")
		printEndpoint(updated)
		return nil
	})
}

func printEndpoint(ep *model.Endpoint) {
	fmt.Printf("  ID:       %s\n", ep.ID)
	fmt.Printf("  Name:     %s\n", ep.Name)
	fmt.Printf("  URL:      %s\n", ep.URL)
	fmt.Printf("  Type:     %s\n", ep.ServiceType)
	fmt.Printf("  Enabled:  %t\n", ep.Enabled)
	fmt.Printf("  Events:   %s\n", orDash(strings.Join(ep.EventTypes, ",")))
	fmt.Printf("  Attempts: %d\n", ep.MaxAttempts())
}

func runEndpointList(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		eps, err := a.engine.ListEndpoints(cmd.Context())
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		if len(eps) == 0 {
			fmt.Println("No endpoints configured. Use 'dg endpoint create' to add one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tTYPE\tENABLED\tATTEMPTS\tLIMITS\tURL\n")
		for _, ep := range eps {
			limits := make([]string, 0, len(ep.RateLimits))
			for _, rl := range ep.RateLimits {
				if rl.Enabled {
					limits = append(limits, fmt.Sprintf("%d/%s", rl.MaxRequests, rl.Period))
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
				ep.ID, ep.Name, ep.ServiceType, ep.Enabled, ep.MaxAttempts(),
				orDash(strings.Join(limits, ",")), ep.URL,
			)
		}
		return w.Flush()
	})
}

func runEndpointTest(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		d, err := a.engine.TestEndpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printDelivery(d)
		if d.Status != model.StatusSuccess {
			return fmt.Errorf("test delivery %s", d.Status)
		}
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
