package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/Delivery-Guardian/internal/config"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build, schema and backend versions",
	Long: `Print the build version, the schema version this build migrates to and
the configured storage, rate-limit and event backends. With --check the store
is opened and the schema version it has applied is reported as well.`,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("check", false, "open the store and report its applied schema version")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		printVersion(out, nil, 0)
		return err
	}

	applied := 0
	if check, _ := cmd.Flags().GetBool("check"); check {
		store, err := storage.Open(cfg.Storage.Driver, storageDSN(cfg))
		if err != nil {
			printVersion(out, cfg, 0)
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if applied, err = store.AppliedVersion(ctx); err != nil {
			return err
		}
	}
	printVersion(out, cfg, applied)
	return nil
}

// printVersion writes the version report. applied is omitted when zero.
func printVersion(w io.Writer, cfg *config.Config, applied int) {
	fmt.Fprintf(w, "dg %s\n", Version)
	fmt.Fprintf(w, "schema:     v%d\n", storage.SchemaVersion())
	if cfg == nil {
		return
	}
	if applied > 0 {
		fmt.Fprintf(w, "applied:    v%d\n", applied)
	}
	fmt.Fprintf(w, "storage:    %s\n", cfg.Storage.Driver)
	fmt.Fprintf(w, "rate limit: %s\n", cfg.RateLimit.Backend)
	fmt.Fprintf(w, "events:     %s\n", cfg.Events.Backend)
}
