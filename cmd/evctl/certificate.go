package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/evident-proof/evident/pkg/client"
	"github.com/spf13/cobra"
)

var certificateCmd = &cobra.Command{
	Use:     "certificate",
	Aliases: []string{"cert"},
	Short:   "Request and fetch proof certificates",
}

var (
	certFile      string
	certReceipt   string
	certRequester string
	certFinal     bool
	certWait      time.Duration
	certKey       string
)

var certRequestCmd = &cobra.Command{
	Use:   "request [key=value ...]",
	Short: "Request a draft or final certificate",
	Long: `Request re-verifies evidence against its seals.

Either pass a full request body with --file (use - for stdin), or name one
receipt with --receipt and give the claimed values as key=value arguments:

  evctl cert request --receipt <id> --requester Auditor --final --wait 5m \
      "Email=enquiries@evident-proof.com"

With --wait, a final request refused because anchoring is still pending is
retried until it succeeds or the wait expires.`,
	RunE: runCertRequest,
}

func init() {
	certRequestCmd.Flags().StringVarP(&certFile, "file", "f", "", "JSON request body (- for stdin)")
	certRequestCmd.Flags().StringVar(&certReceipt, "receipt", "", "receipt id to verify")
	certRequestCmd.Flags().StringVar(&certRequester, "requester", "", "requester name")
	certRequestCmd.Flags().BoolVar(&certFinal, "final", false, "request a final certificate (charged)")
	certRequestCmd.Flags().DurationVar(&certWait, "wait", 0, "keep retrying while anchoring is pending")
	certRequestCmd.Flags().StringVar(&certKey, "idempotency-key", "", "client idempotency key")

	certificateCmd.AddCommand(certRequestCmd)
	certificateCmd.AddCommand(certGetCmd)
	certificateCmd.AddCommand(certFetchCmd)
}

func runCertRequest(cmd *cobra.Command, args []string) error {
	c, err := agreementClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+certWait)
	defer cancel()

	req, err := buildCertRequest(ctx, c, args)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(certWait)
	for {
		cert, err := c.RequestCertificate(ctx, req)
		if err == nil {
			return printCertificate(cert)
		}
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable || time.Now().After(deadline) {
			return fmt.Errorf("request certificate: %w", err)
		}
		delay := apiErr.RetryAfter
		if delay <= 0 {
			delay = 10 * time.Second
		}
		fmt.Fprintf(os.Stderr, "%s; retrying in %s\n", apiErr.Message, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func buildCertRequest(ctx context.Context, c *client.Client, args []string) (*client.CertificateRequest, error) {
	var req client.CertificateRequest
	switch {
	case certFile != "":
		var r io.Reader = os.Stdin
		if certFile != "-" {
			f, err := os.Open(certFile)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	case certReceipt != "":
		values, err := parseEvidence(args)
		if err != nil {
			return nil, err
		}
		receipt, err := c.GetReceipt(ctx, certReceipt)
		if err != nil {
			return nil, fmt.Errorf("get receipt: %w", err)
		}
		req.Receipts = []client.RequestReceipt{client.ReceiptRequest(receipt, values)}
	default:
		return nil, errors.New("one of --file or --receipt is required")
	}

	if certRequester != "" {
		req.RequesterName = certRequester
	}
	if certKey != "" {
		req.IdempotencyKey = certKey
	}
	switch {
	case certFinal:
		req.Status = client.StatusFinal
	case req.Status == "":
		req.Status = client.StatusDraft
	}
	return &req, nil
}

var certGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a certificate with the agreement credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agreementClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cert, err := c.GetCertificate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get certificate: %w", err)
		}
		return printCertificate(cert)
	},
}

var certFetchCmd = &cobra.Command{
	Use:   "fetch <certificate-url>",
	Short: "Fetch a certificate by its permanent URL (no credentials needed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(apiURL)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cert, err := c.FetchCertificateURL(ctx, args[0])
		if err != nil {
			return fmt.Errorf("fetch certificate: %w", err)
		}
		return printCertificate(cert)
	},
}

func printCertificate(cert *client.Certificate) error {
	if outputFormat == "json" {
		return printJSON(cert)
	}
	fmt.Printf("Certificate: %s (%s)\n", cert.ProofCertificateID, cert.Status)
	if cert.ProofCertificateURL != "" {
		fmt.Printf("URL:         %s\n", cert.ProofCertificateURL)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDISPATCH\tKEY\tSTATUS\tREASON")
	for _, d := range cert.MatchDetails {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.Order, d.SourceSystemDispatchReference, d.Key, d.MatchStatus, d.StatusReason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var charged int64
	for _, r := range cert.ReceiptsSent {
		charged += r.TokensCharged
	}
	if len(cert.ReceiptsSent) > 0 {
		fmt.Printf("\nReceipts: %d, tokens charged for sealing: %d\n", len(cert.ReceiptsSent), charged)
	}
	return nil
}
