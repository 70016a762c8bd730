// Package client is the Evident Go SDK.
//
// It wraps the sealing service's HTTP API: submit evidence, request proof
// certificates and read statistics. Every call returns a nil result on
// failure together with an error; callers that only care whether a result
// is present can test the result for nil.
//
// # Connecting
//
//	c, err := client.New("https://api.evident-proof.com",
//	    client.WithCredentials(agreementID, apiKey),
//	)
//
// # Sealing evidence
//
//	evidence := map[string]string{
//	    "Phone Number": "+44 (0) 118 380 5520",
//	    "Email":        "enquiries@evident-proof.com",
//	}
//	receipt, err := c.SubmitEvidence(ctx, client.Submission{
//	    DispatchReference: "Dispatch001",
//	    Where:             "Cloud",
//	    When:              time.Now(),
//	    Evidence:          evidence,
//	})
//
// # Requesting a certificate
//
//	cert, err := c.RequestCertificate(ctx, &client.CertificateRequest{
//	    RequesterName: "Auditor",
//	    Status:        client.StatusFinal,
//	    Receipts:      []client.RequestReceipt{client.ReceiptRequest(receipt, evidence)},
//	})
//
// A final request made before every referenced seal is anchored fails with
// an *APIError whose Retryable field is true; retry later. Retrying a final
// request with the same content returns the certificate already issued.
//
// # Operator calls
//
// WithAdminToken enables CreateAgreement, Grant and RequeueAnchoring.
package client
