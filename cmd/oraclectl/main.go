package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/cmd/oraclectl/commands"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "oraclectl",
		Short:         "Bond-escalation price oracle client",
		Long:          "Create, report, dispute and settle price reports on a bondoracle daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&commands.ConfigPath, "config", "", "Path to oracled config (default: ~/.bondoracle/config.yaml)")
	pf.StringVar(&commands.APIEndpoint, "api", "", "Oracle API URL (default: from config)")
	pf.StringVar(&commands.Caller, "caller", "", "Act as this address without signing (devnet only)")
	pf.StringVar(&commands.KeystoreDir, "keystore", "", "Wallet keystore directory (default: from config)")
	pf.StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json")
	pf.Int32Var(&commands.Decimals, "decimals", 0, "Token decimals used to parse and show amounts")

	rootCmd.AddCommand(commands.NewInitCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewCreateCmd())
	rootCmd.AddCommand(commands.NewReportCmd())
	rootCmd.AddCommand(commands.NewDisputeCmd())
	rootCmd.AddCommand(commands.NewQuoteCmd())
	rootCmd.AddCommand(commands.NewSettleCmd())
	rootCmd.AddCommand(commands.NewGetCmd())
	rootCmd.AddCommand(commands.NewHistoryCmd())
	rootCmd.AddCommand(commands.NewLedgerCmd())
	rootCmd.AddCommand(commands.NewWithdrawCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewDevnetCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewCompletionCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
