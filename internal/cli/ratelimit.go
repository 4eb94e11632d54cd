package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage endpoint rate limits",
}

var ratelimitSetCmd = &cobra.Command{
	Use:   "set <endpoint-id>",
	Short: "Replace an endpoint's rate-limit windows",
	Long: `Replace an endpoint's rate-limit windows, either from a named preset or
from explicit windows given as period=max pairs, e.g. --window minute=10,hour=200.
An empty window list removes all limits.`,
	Args: cobra.ExactArgs(1),
	RunE: runRatelimitSet,
}

var ratelimitPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in rate-limit presets",
	RunE:  runRatelimitPresets,
}

var ratelimitViolationsCmd = &cobra.Command{
	Use:   "violations <endpoint-id>",
	Short: "Show recent rate-limit violations for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runRatelimitViolations,
}

func init() {
	rootCmd.AddCommand(ratelimitCmd)
	ratelimitCmd.AddCommand(ratelimitSetCmd, ratelimitPresetsCmd, ratelimitViolationsCmd)

	ratelimitSetCmd.Flags().String("preset", "", "Preset name (see 'dg ratelimit presets')")
	ratelimitSetCmd.Flags().StringSlice("window", nil, "Window as period=max (minute, hour, day, week)")
	ratelimitViolationsCmd.Flags().IntP("limit", "l", 50, "Maximum rows")
}

// parseWindows turns period=max pairs into enabled windows.
func parseWindows(pairs []string) ([]model.RateLimitWindow, error) {
	windows := make([]model.RateLimitWindow, 0, len(pairs))
	for _, pair := range pairs {
		period, count, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &model.ConfigError{Field: "window", Reason: fmt.Sprintf("%q is not period=max", pair)}
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, &model.ConfigError{Field: "window", Reason: fmt.Sprintf("%q: max is not a number", pair)}
		}
		windows = append(windows, model.RateLimitWindow{
			Period:      model.WindowPeriod(strings.TrimSpace(period)),
			MaxRequests: n,
			Enabled:     true,
		})
	}
	return windows, nil
}

func runRatelimitSet(cmd *cobra.Command, args []string) error {
	preset, _ := cmd.Flags().GetString("preset")
	pairs, _ := cmd.Flags().GetStringSlice("window")
	windows, err := parseWindows(pairs)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		saved, err := a.engine.ConfigureRateLimits(cmd.Context(), args[0], windows, preset)
		if err != nil {
			return err
		}
		if len(saved) == 0 {
			fmt.Printf("Rate limits removed from %s.\n", args[0])
			return nil
		}
		fmt.Printf("Rate limits for %s:\n", args[0])
		printWindows(saved)
		return nil
	})
}

func runRatelimitPresets(_ *cobra.Command, _ []string) error {
	for _, name := range ratelimit.PresetNames() {
		windows, err := ratelimit.Preset(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n", name)
		printWindows(windows)
	}
	return nil
}

func printWindows(windows []model.RateLimitWindow) {
	for _, w := range windows {
		fmt.Printf("  %-7s %d\n", w.Period, w.MaxRequests)
	}
}

func runRatelimitViolations(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withApp(func(a *app) error {
		out, err := a.engine.ListViolations(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("No violations recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PERIOD\tLIMIT\tCOUNT\tAT\n")
		for _, v := range out {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", v.Period, v.Limit, v.Count, v.AttemptedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}
