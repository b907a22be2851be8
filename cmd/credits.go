package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var grantReason string

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up account wallets",
}

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show an account's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		bal, err := appInstance.Store.Balance(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], bal)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <account-id> <amount>",
	Short: "Deposit credits into an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int
		if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}

		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := appInstance.Store.Deposit(ctx, args[0], amount, grantReason); err != nil {
			return fmt.Errorf("failed to deposit credits: %w", err)
		}
		bal, err := appInstance.Store.Balance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Granted %d credits to %s (balance %d)\n", amount, args[0], bal)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(balanceCmd, grantCmd)
	grantCmd.Flags().StringVar(&grantReason, "reason", "manual grant", "Ledger reason for the deposit")
}
