package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/evident-proof/evident/pkg/client"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics for the agreement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s, err := c.GetStatistics(ctx)
		if err != nil {
			return fmt.Errorf("get statistics: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(s)
		}

		fmt.Printf("Agreement: %s (at %s)\n\n", s.ServiceAgreementID, s.GeneratedAt.Format(time.RFC3339))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tTODAY\t7 DAYS\t30 DAYS\tALL TIME")
		for _, row := range []struct {
			name string
			wc   client.WindowCounts
		}{
			{"Seals stored", s.SealsStored},
			{"Certificates issued", s.CertificatesIssued},
			{"API calls", s.APICalls},
		} {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", row.name, row.wc.Today, row.wc.Last7Days, row.wc.Last30Days, row.wc.AllTime)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nBalance:   %d confirmed, %d pending\n", s.ConfirmedBalance, s.PendingBalance)
		fmt.Printf("Anchoring: %d pending, %d failed\n", s.SealsPendingAnchoring, s.SealsAnchoringFailed)
		fmt.Printf("Drafts:    %d\n", s.DraftCertificates)
		return nil
	},
}

var (
	ledgerLimit  int
	ledgerOffset int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the agreement's token ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		overview, err := c.Ledger(ctx)
		if err != nil {
			return fmt.Errorf("get ledger: %w", err)
		}
		entries, err := c.LedgerEntries(ctx, ledgerLimit, ledgerOffset)
		if err != nil {
			return fmt.Errorf("list ledger entries: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(map[string]any{"overview": overview, "entries": entries})
		}

		fmt.Printf("Balance: %d (pending %d), %d entries, root %s\n\n",
			overview.Balance, overview.PendingBalance, overview.Entries, overview.Root)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tDELTA\tREASON\tTIME\tMEMO")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%+d\t%s\t%s\t%s\n", e.Index, e.Delta, e.Reason, e.Timestamp.Format(time.RFC3339), e.Memo)
		}
		return w.Flush()
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := c.VerifyLedger(ctx); err != nil {
			return err
		}
		fmt.Println("✓ ledger chain intact")
		return nil
	},
}

func init() {
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "entries to show")
	ledgerCmd.Flags().IntVar(&ledgerOffset, "offset", 0, "entries to skip (newest first)")
	ledgerCmd.AddCommand(ledgerVerifyCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the service's dependency health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(apiURL)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		report, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		return printJSON(report)
	},
}
