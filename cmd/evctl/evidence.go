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

var (
	sealDispatch string
	sealWhere    string
	sealWhen     string
)

var sealCmd = &cobra.Command{
	Use:   "seal key=value [key=value ...]",
	Short: "Seal evidence for a dispatch",
	Long: `Seal submits evidence for one dispatch and prints the receipt.

  evctl seal --dispatch Dispatch001 --where Cloud "Email=enquiries@evident-proof.com" "Phone Number=+44 118 380 5520"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, err := parseEvidence(args)
		if err != nil {
			return err
		}
		when := time.Now().UTC()
		if sealWhen != "" {
			if when, err = time.Parse(time.RFC3339, sealWhen); err != nil {
				return fmt.Errorf("--when: %w", err)
			}
		}
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		r, err := c.SubmitEvidence(ctx, client.Submission{
			DispatchReference: sealDispatch,
			Where:             sealWhere,
			When:              when,
			Evidence:          evidence,
		})
		if err != nil {
			return fmt.Errorf("seal: %w", err)
		}
		return printReceipt(r)
	},
}

func init() {
	sealCmd.Flags().StringVar(&sealDispatch, "dispatch", "", "source system dispatch reference (required)")
	sealCmd.Flags().StringVar(&sealWhere, "where", "", "where the dispatch happened")
	sealCmd.Flags().StringVar(&sealWhen, "when", "", "when the dispatch happened, RFC 3339 (default now)")
	_ = sealCmd.MarkFlagRequired("dispatch")
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <id>",
	Short: "Show a receipt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		r, err := c.GetReceipt(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get receipt: %w", err)
		}
		return printReceipt(r)
	},
}

func printReceipt(r *client.Receipt) error {
	if outputFormat == "json" {
		return printJSON(r)
	}
	fmt.Printf("Receipt:  %s\n", r.ID)
	fmt.Printf("Dispatch: %s\n", r.Header.SourceSystemDispatchReference)
	fmt.Printf("When:     %s\n", r.Header.When.Format(time.RFC3339))
	if r.Header.Where != "" {
		fmt.Printf("Where:    %s\n", r.Header.Where)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBAND\tCOST\tANCHOR\tSEAL")
	for _, e := range r.Evidence {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Key, e.StorageBand, e.StorageCost, e.AnchorState, e.Seal)
	}
	return w.Flush()
}
