package commands

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

// NewDevnetCmd groups commands that only work against a devnet oracle
func NewDevnetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Drive a devnet oracle's clock and token world",
	}
	cmd.AddCommand(newAdvanceCmd())
	cmd.AddCommand(newMintCmd())
	return cmd
}

func newAdvanceCmd() *cobra.Command {
	var seconds, blocks uint64

	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Move the devnet clock forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seconds == 0 && blocks == 0 {
				return fmt.Errorf("pass --seconds and/or --blocks")
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			at, err := c.Advance(ctx, seconds, blocks)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(at)
			}
			Success(fmt.Sprintf("Clock at timestamp %d, block %d", at.Timestamp, at.Block))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&seconds, "seconds", 0, "Seconds to add")
	cmd.Flags().Uint64Var(&blocks, "blocks", 0, "Blocks to add")
	return cmd
}

func newMintCmd() *cobra.Command {
	var token, amount string
	var native bool

	cmd := &cobra.Command{
		Use:   "mint <account>",
		Short: "Credit devnet tokens or native value to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := parseAddress("account", args[0])
			if err != nil {
				return err
			}
			if native == (token != "") {
				return fmt.Errorf("pass exactly one of --token or --native")
			}
			var tok common.Address
			if token != "" {
				if tok, err = parseAddress("token", token); err != nil {
					return err
				}
			}
			amt, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}

			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if _, err := c.Mint(ctx, tok, account, amt); err != nil {
				return err
			}

			asset := "native"
			if !native {
				asset = FormatAddress(tok.Hex())
			}
			if OutputFormat == "json" {
				return printJSON(map[string]string{"account": account.Hex(), "asset": asset, "amount": amt.String()})
			}
			Success(fmt.Sprintf("Minted %s %s to %s", FormatAmount(amt), asset, account.Hex()))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token to mint")
	cmd.Flags().BoolVar(&native, "native", false, "Mint native value")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount to mint")
	cmd.MarkFlagRequired("amount")
	return cmd
}
