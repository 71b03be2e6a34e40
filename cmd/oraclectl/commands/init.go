package commands

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/internal/config"
)

// NewInitCmd writes a daemon config file
func NewInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an oracled config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			path = config.ExpandPath(path)
			_, statErr := os.Stat(path)
			exists := statErr == nil

			cfg := config.DefaultConfig()
			overwrite := force
			confirm := true

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("Execution mode").
						Options(
							huh.NewOption("Devnet: simulated clock and tokens, free minting", config.ModeDevnet),
							huh.NewOption("Chain: follow a real chain's clock over RPC", config.ModeChain),
						).
						Value(&cfg.Host.Mode),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Chain RPC URL").
						Placeholder("https://rpc.example.org").
						Validate(func(s string) error {
							if s == "" {
								return fmt.Errorf("required in chain mode")
							}
							return nil
						}).
						Value(&cfg.Chain.RPCURL),
				).WithHideFunc(func() bool {
					return cfg.Host.Mode != config.ModeChain
				}),
				huh.NewGroup(
					huh.NewInput().
						Title("API listen address").
						Validate(func(s string) error {
							_, _, err := net.SplitHostPort(s)
							return err
						}).
						Value(&cfg.API.ListenAddr),
					huh.NewConfirm().
						Title("Require signed requests?").
						Description("EIP-191 wallet signatures on every state-changing call").
						Value(&cfg.API.RequireAuth),
					huh.NewInput().
						Title("Data directory").
						Value(&cfg.Daemon.DataDir),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Config file already exists. Overwrite?").
						Description(path).
						Affirmative("Overwrite").
						Negative("Keep existing").
						Value(&overwrite),
				).WithHideFunc(func() bool {
					return !exists || force
				}),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Write configuration?").
						Value(&confirm),
				),
			).WithTheme(huh.ThemeBase())

			if err := form.Run(); err != nil {
				return err
			}
			if !confirm || (exists && !overwrite) {
				Info("Nothing written")
				return nil
			}

			applyInitChoices(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			Success("Config written to " + path)
			fmt.Println(Hint("Start the oracle with: oracled -config " + path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config without asking")
	return cmd
}

// applyInitChoices derives the dependent settings from the form answers
func applyInitChoices(cfg *config.Config) {
	cfg.Daemon.DataDir = config.ExpandPath(cfg.Daemon.DataDir)
	cfg.Daemon.KeystoreDir = filepath.Join(cfg.Daemon.DataDir, "keystore")
	cfg.Store.Path = filepath.Join(cfg.Daemon.DataDir, "state", "oracle.json.gz")
	if cfg.Host.Mode == config.ModeChain {
		cfg.API.EnableDevnetRoutes = false
		cfg.API.AllowCallerHeader = false
	}
	if cfg.API.RequireAuth {
		cfg.API.AllowCallerHeader = false
	}
}
