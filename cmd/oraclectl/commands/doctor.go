package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/doctor"
)

func NewDoctorCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local oracle installation",
		Long: `Run diagnostic checks against the local installation.

The doctor command checks:
- The config file loads and validates
- A signing wallet exists and its password can be found
- The persisted state file decodes and passes its checksum
- The oracle API answers health probes
- The file descriptor limit

Examples:
  oraclectl doctor                   # Run all checks
  oraclectl doctor -o json           # Output results as JSON
  oraclectl doctor --category keys   # Only check wallet and password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cat, err := doctor.ParseCategory(category)
			if err != nil {
				return fmt.Errorf("%w (valid: config, keys, state, network, system)", err)
			}

			path := ConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			// a broken config is reported by the config check itself
			cfg, _ := config.Load(path)
			if cfg != nil && KeystoreDir != "" {
				cfg.Daemon.KeystoreDir = config.ExpandPath(KeystoreDir)
			}

			checkers := doctor.DefaultCheckers(path, cfg, GetAPIEndpoint(), passwordEnv)
			opts := doctor.DoctorOptions{JSON: OutputFormat == "json", Category: cat}
			report, err := doctor.NewWithWriter(opts, cmd.OutOrStdout(), isTTY() && !opts.JSON, checkers...).Run(ctx)
			if err != nil {
				return fmt.Errorf("doctor check failed: %w", err)
			}

			// non-zero exit for scripts
			if !report.Summary.IsHealthy() {
				return fmt.Errorf("%d of %d checks failed", report.Summary.Failed, report.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Filter checks by category (config, keys, state, network, system)")
	return cmd
}
