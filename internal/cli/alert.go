package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

var alertCmd = &cobra.Command{
	Use:     "alert",
	Aliases: []string{"alerts"},
	Short:   "Manage alert rules and triggered alerts",
}

var alertRuleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage alert rules",
}

var alertRuleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an alert rule",
	RunE:  runAlertRuleCreate,
}

var alertRuleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE:  runAlertRuleList,
}

var alertRuleEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], true) },
}

var alertRuleDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], false) },
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggered alerts",
	RunE:  runAlertList,
}

var alertResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve a triggered alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertResolve,
}

var alertEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate every enabled rule now",
	RunE:  runAlertEvaluate,
}

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(alertRuleCmd, alertListCmd, alertResolveCmd, alertEvaluateCmd)
	alertRuleCmd.AddCommand(alertRuleCreateCmd, alertRuleListCmd, alertRuleEnableCmd, alertRuleDisableCmd)

	f := alertRuleCreateCmd.Flags()
	f.StringP("name", "n", "", "Rule name")
	f.StringP("endpoint", "e", "", "Endpoint ID (default: all endpoints)")
	f.StringP("condition", "c", "", "Condition (failure_rate, response_time, consecutive_failures, total_failures)")
	f.Float64P("threshold", "t", 0, "Threshold value (percent, milliseconds or count)")
	f.IntP("window", "w", 15, "Time window in minutes")
	f.Bool("critical", false, "Mark the rule critical")
	f.StringSlice("channels", nil, "Notification channels (email, sms, slack, teams, discord, webhook)")
	_ = alertRuleCreateCmd.MarkFlagRequired("name")
	_ = alertRuleCreateCmd.MarkFlagRequired("condition")
	_ = alertRuleCreateCmd.MarkFlagRequired("threshold")

	alertListCmd.Flags().String("rule", "", "Filter by rule ID")
	alertListCmd.Flags().Bool("unresolved", false, "Only unresolved alerts")
	alertListCmd.Flags().IntP("limit", "l", 50, "Maximum rows")

	alertResolveCmd.Flags().String("by", os.Getenv("USER"), "Who resolved the alert")
	alertResolveCmd.Flags().String("notes", "", "Resolution notes")
}

func runAlertRuleCreate(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	endpointID, _ := f.GetString("endpoint")
	condition, _ := f.GetString("condition")
	threshold, _ := f.GetFloat64("threshold")
	window, _ := f.GetInt("window")
	critical, _ := f.GetBool("critical")
	channels, _ := f.GetStringSlice("channels")

	rule := &model.AlertRule{
		Name:          name,
		EndpointID:    endpointID,
		Condition:     model.ConditionType(condition),
		Threshold:     threshold,
		WindowMinutes: window,
		Critical:      critical,
		Enabled:       true,
	}
	for _, ch := range channels {
		rule.Channels = append(rule.Channels, model.Channel(ch))
	}

	return withApp(func(a *app) error {
		created, err := a.engine.CreateAlertRule(cmd.Context(), rule)
		if err != nil {
			return err
		}
		fmt.Printf("Alert rule created:\n")
		fmt.Printf("  ID:        %s\n", created.ID)
		fmt.Printf("  Name:      %s\n", created.Name)
		fmt.Printf("  Condition: %s >= %.2f over %dm\n", created.Condition, created.Threshold, created.WindowMinutes)
		fmt.Printf("  Endpoint:  %s\n", orDash(created.EndpointID))
		fmt.Printf("  Channels:  %s\n", orDash(joinChannels(created.Channels)))
		return nil
	})
}

func runAlertRuleList(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		rules, err := a.engine.ListAlertRules(cmd.Context())
		if err != nil {
			return fmt.Errorf("list alert rules: %w", err)
		}
		if len(rules) == 0 {
			fmt.Println("No alert rules configured. Use 'dg alert rule create' to add one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tCONDITION\tTHRESHOLD\tWINDOW\tENDPOINT\tCRITICAL\tENABLED\tCHANNELS\n")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%dm\t%s\t%t\t%t\t%s\n",
				r.ID, r.Name, r.Condition, r.Threshold, r.WindowMinutes,
				orDash(r.EndpointID), r.Critical, r.Enabled, orDash(joinChannels(r.Channels)),
			)
		}
		return w.Flush()
	})
}

func setRuleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withApp(func(a *app) error {
		rule, err := a.engine.SetAlertRuleEnabled(cmd.Context(), id, enabled)
		if err != nil {
			return err
		}
		state := "disabled"
		if rule.Enabled {
			state = "enabled"
		}
		fmt.Printf("Alert rule %s %s.\n", rule.Name, state)
		return nil
	})
}

func runAlertList(cmd *cobra.Command, _ []string) error {
	ruleID, _ := cmd.Flags().GetString("rule")
	unresolved, _ := cmd.Flags().GetBool("unresolved")
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(func(a *app) error {
		out, err := a.engine.ListAlertEvents(cmd.Context(), model.AlertEventFilter{
			RuleID:         ruleID,
			UnresolvedOnly: unresolved,
			Limit:          limit,
		})
		if err != nil {
			return fmt.Errorf("list alerts: %w", err)
		}
		printAlerts(out)
		return nil
	})
}

func printAlerts(out []model.AlertEvent) {
	if len(out) == 0 {
		fmt.Println("No alerts.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tRULE\tCONDITION\tTRIGGERED\tRESOLVED\n")
	for _, ev := range out {
		resolved := "-"
		if ev.ResolvedAt != nil {
			resolved = ev.ResolvedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.RuleID, ev.ConditionMet, ev.TriggeredAt.Format(time.RFC3339), resolved,
		)
	}
	w.Flush()
}

func runAlertResolve(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	notes, _ := cmd.Flags().GetString("notes")

	return withApp(func(a *app) error {
		ev, err := a.engine.ResolveAlert(cmd.Context(), args[0], by, notes)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %s resolved at %s.\n", ev.ID, ev.ResolvedAt.Format(time.RFC3339))
		return nil
	})
}

func runAlertEvaluate(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		fired, err := a.engine.EvaluateAlerts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d alert(s) triggered.\n", len(fired))
		printAlerts(fired)
		return nil
	})
}

func joinChannels(chs []model.Channel) string {
	s := make([]string, len(chs))
	for i, c := range chs {
		s[i] = string(c)
	}
	return strings.Join(s, ",")
}
