package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

// NewLedgerCmd shows claimable balances
func NewLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <address>",
		Short: "Show balances waiting to be withdrawn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseAddress("owner", args[0])
			if err != nil {
				return err
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			b, err := c.Ledger(ctx, owner)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(b)
			}
			rows := [][]string{}
			if b.Native != nil && b.Native.Sign() > 0 {
				rows = append(rows, []string{"native", FormatAmount(b.Native)})
			}
			tokens := make([]common.Address, 0, len(b.Tokens))
			for tok := range b.Tokens {
				tokens = append(tokens, tok)
			}
			sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
			for _, tok := range tokens {
				rows = append(rows, []string{tok.Hex(), FormatAmount(b.Tokens[tok])})
			}
			if len(rows) == 0 {
				Info("Nothing to withdraw for " + owner.Hex())
				return nil
			}
			fmt.Println(RenderTable([]string{"ASSET", "AMOUNT"}, rows))
			return nil
		},
	}
}

// NewWithdrawCmd claims a ledger balance
func NewWithdrawCmd() *cobra.Command {
	var token string
	var native bool

	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw a ledger balance to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if native == (token != "") {
				return fmt.Errorf("pass exactly one of --token or --native")
			}
			var tok common.Address
			if token != "" {
				var err error
				if tok, err = parseAddress("token", token); err != nil {
					return err
				}
			}
			c, err := newClient(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			w, err := c.Withdraw(ctx, tok, native)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(w)
			}
			if !w.Delivered {
				Warning(fmt.Sprintf("Transfer of %s failed; the balance stays claimable", FormatAmount(w.Amount)))
				return nil
			}
			Success(fmt.Sprintf("Withdrew %s", FormatAmount(w.Amount)))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token to withdraw")
	cmd.Flags().BoolVar(&native, "native", false, "Withdraw native value")
	return cmd
}
