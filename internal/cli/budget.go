package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Manage notification spending budgets",
}

var budgetSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a budget",
	RunE:  runBudgetSet,
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current budget status",
	RunE:  runBudgetStatus,
}

var budgetAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show budget threshold alerts",
	RunE:  runBudgetAlerts,
}

var budgetPricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Show notification prices",
	RunE:  runBudgetPricing,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetSetCmd, budgetStatusCmd, budgetAlertsCmd, budgetPricingCmd)

	budgetSetCmd.Flags().StringP("period", "P", "monthly", "Budget period (daily, monthly)")
	budgetSetCmd.Flags().Float64P("limit", "l", 0, "Spending limit in USD")
	budgetSetCmd.Flags().Float64("warning-at", 80, "Warning threshold percentage")
	budgetSetCmd.Flags().Float64("critical-at", 95, "Critical threshold percentage")
	_ = budgetSetCmd.MarkFlagRequired("limit")

	budgetAlertsCmd.Flags().IntP("limit", "l", 50, "Maximum rows")
}

func runBudgetSet(cmd *cobra.Command, _ []string) error {
	period, _ := cmd.Flags().GetString("period")
	limit, _ := cmd.Flags().GetFloat64("limit")
	warningAt, _ := cmd.Flags().GetFloat64("warning-at")
	criticalAt, _ := cmd.Flags().GetFloat64("critical-at")

	b := &model.Budget{
		Period:               model.BudgetPeriod(period),
		LimitUSD:             limit,
		WarningThresholdPct:  warningAt,
		CriticalThresholdPct: criticalAt,
	}

	return withApp(func(a *app) error {
		saved, err := a.engine.ConfigureBudget(cmd.Context(), b)
		if err != nil {
			return fmt.Errorf("set budget: %w", err)
		}

		fmt.Printf("Budget set:\n")
		fmt.Printf("  Period:      %s\n", saved.Period)
		fmt.Printf("  Limit:       $%.2f\n", saved.LimitUSD)
		fmt.Printf("  Spent:       $%.2f\n", saved.CurrentSpend)
		fmt.Printf("  Warning at:  %.0f%%\n", saved.WarningThresholdPct)
		fmt.Printf("  Critical at: %.0f%%\n", saved.CriticalThresholdPct)
		return nil
	})
}

func runBudgetStatus(cmd *cobra.Command, _ []string) error {
	return withApp(func(a *app) error {
		budgets, err := a.engine.ListBudgets(cmd.Context())
		if err != nil {
			return fmt.Errorf("list budgets: %w", err)
		}

		if len(budgets) == 0 {
			fmt.Println("No budgets configured. Use 'dg budget set' to create one.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PERIOD\tLIMIT\tSPENT\tREMAINING\tUSAGE\tWARN AT\tCRIT AT\tRESET\n")
		for _, b := range budgets {
			remaining := b.LimitUSD - b.CurrentSpend
			if remaining < 0 {
				remaining = 0
			}
			pct := b.UsagePct()

			status := ""
			switch {
			case pct >= 100:
				status = " [EXCEEDED]"
			case pct >= b.CriticalThresholdPct:
				status = " [CRITICAL]"
			case pct >= b.WarningThresholdPct:
				status = " [WARNING]"
			}

			fmt.Fprintf(w, "%s\t$%.2f\t$%.4f\t$%.4f\t%.1f%%%s\t%.0f%%\t%.0f%%\t%s\n",
				b.Period, b.LimitUSD, b.CurrentSpend, remaining, pct, status,
				b.WarningThresholdPct, b.CriticalThresholdPct, b.LastResetAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	})
}

func runBudgetAlerts(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withApp(func(a *app) error {
		out, err := a.engine.ListBudgetAlerts(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("list budget alerts: %w", err)
		}
		if len(out) == 0 {
			fmt.Println("No budget alerts.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PERIOD\tLEVEL\tSPEND\tLIMIT\tUSAGE\tAT\n")
		for _, al := range out {
			fmt.Fprintf(w, "%s\t%s\t$%.4f\t$%.2f\t%.1f%%\t%s\n",
				al.Period, al.Level, al.Spend, al.LimitUSD, al.Pct(), al.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	})
}

func runBudgetPricing(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := initPricing(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Email:       $%.4f per message\n", p.EmailUSD)
	fmt.Printf("SMS default: $%.4f per segment\n", p.DefaultSMSPerSeg)
	if len(p.Countries) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "COUNTRY\tPREFIX\tPER SEGMENT\n")
	for _, c := range p.Countries {
		fmt.Fprintf(w, "%s\t%s\t$%.4f\n", c.Country, c.Prefix, c.PerSegmentUSD)
	}
	return w.Flush()
}
