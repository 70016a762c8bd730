package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands (require admin_token)",
}

var (
	agrOverdraft int64
	agrGrant     int64
	grantMemo    string
	requeueAgr   string
)

var adminCreateCmd = &cobra.Command{
	Use:   "create-agreement <name>",
	Short: "Create a service agreement and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a, key, err := c.CreateAgreement(ctx, args[0], agrOverdraft, agrGrant)
		if err != nil {
			return fmt.Errorf("create agreement: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(map[string]any{"agreement": a, "apiKey": key})
		}
		fmt.Printf("✓ Agreement created\n\n")
		fmt.Printf("  ID:        %s\n", a.ID)
		fmt.Printf("  Name:      %s\n", a.Name)
		fmt.Printf("  Overdraft: %d\n", a.OverdraftLimit)
		fmt.Printf("  API key:   %s\n\n", key)
		fmt.Println("The API key is shown once. Store it now.")
		return nil
	},
}

var adminGetCmd = &cobra.Command{
	Use:   "get-agreement <id>",
	Short: "Show a service agreement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a, err := c.GetAgreement(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get agreement: %w", err)
		}
		return printJSON(a)
	},
}

var adminGrantCmd = &cobra.Command{
	Use:   "grant <agreement-id> <amount>",
	Short: "Credit tokens to an agreement",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
			return fmt.Errorf("amount %q must be a positive integer", args[1])
		}
		c, err := adminClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		e, err := c.Grant(ctx, args[0], amount, grantMemo)
		if err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(e)
		}
		fmt.Printf("✓ Granted %d tokens (ledger index %d)\n", e.Delta, e.Index)
		return nil
	},
}

var adminVerifyCmd = &cobra.Command{
	Use:   "verify-ledger <agreement-id>",
	Short: "Verify an agreement's ledger hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.VerifyAgreementLedger(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("✓ ledger chain intact")
		return nil
	},
}

var adminRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return seals whose anchoring failed to the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		n, err := c.RequeueAnchoring(ctx, requeueAgr)
		if err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		fmt.Printf("✓ %d seal(s) requeued\n", n)
		return nil
	},
}

func init() {
	adminCreateCmd.Flags().Int64Var(&agrOverdraft, "overdraft", 0, "overdraft limit in tokens")
	adminCreateCmd.Flags().Int64Var(&agrGrant, "grant", 0, "initial token grant")
	adminGrantCmd.Flags().StringVar(&grantMemo, "memo", "", "ledger memo")
	adminRequeueCmd.Flags().StringVar(&requeueAgr, "agreement", "", "only this agreement (default all)")

	adminCmd.AddCommand(adminCreateCmd)
	adminCmd.AddCommand(adminGetCmd)
	adminCmd.AddCommand(adminGrantCmd)
	adminCmd.AddCommand(adminVerifyCmd)
	adminCmd.AddCommand(adminRequeueCmd)
}
