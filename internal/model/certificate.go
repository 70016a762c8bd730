package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// CertificateStatus is the mutability state of a proof certificate.
type CertificateStatus string

const (
	CertificateDraft CertificateStatus = "draft"
	CertificateFinal CertificateStatus = "final"
)

// Valid reports whether s is draft or final.
func (s CertificateStatus) Valid() bool {
	return s == CertificateDraft || s == CertificateFinal
}

// MatchStatus is the per-item verdict of a certificate.
type MatchStatus string

const (
	MatchPass     MatchStatus = "Pass"
	MatchFail     MatchStatus = "Fail"
	MatchPending  MatchStatus = "Pending"
	MatchNotFound MatchStatus = "NotFound"
)

// Status reasons reported in MatchDetail.StatusReason.
const (
	ReasonNoPriorSeal     = "no prior seal for key"
	ReasonValueMismatch   = "value mismatch"
	ReasonAwaitingAnchor  = "awaiting anchoring"
	ReasonAnchoringFailed = "anchoring failed; awaiting operator requeue"
	ReasonInclusionBroken = "seal is not included in its anchored batch"
)

// RequestReceiptHeader references a previously issued receipt. ID is optional;
// matching is always by (SourceSystemDispatchReference, key).
type RequestReceiptHeader struct {
	ID                            *uuid.UUID `json:"id,omitempty"`
	SourceSystemDispatchReference string     `json:"sourceSystemDispatchReference"`
	When                          time.Time  `json:"when"`
	Where                         string     `json:"where"`
}

// RequestReceipt is one receipt's worth of evidence to re-verify.
type RequestReceipt struct {
	Header   RequestReceiptHeader `json:"header"`
	Evidence []EvidenceItem       `json:"evidence"`
}

// AdditionalData carries optional presentation attributes for a certificate.
// A nil field is absent.
type AdditionalData struct {
	ForTheAttentionOf        *string `json:"forTheAttentionOf,omitempty"`
	DeliveredTo              *string `json:"deliveredTo,omitempty"`
	RequestedBy              *string `json:"requestedBy,omitempty"`
	DataOwners               *string `json:"dataOwners,omitempty"`
	DataOwnersContact        *string `json:"dataOwnersContact,omitempty"`
	EventStatement           *string `json:"eventStatement,omitempty"`
	EventDefinitionStatement *string `json:"eventDefinitionStatement,omitempty"`
}

// MatchDetail is the verdict for one supplied evidence item. Order is the
// zero-based position in the flattened request.
type MatchDetail struct {
	SourceSystemDispatchReference string      `json:"sourceSystemDispatchReference"`
	Key                           string      `json:"key"`
	Value                         string      `json:"value"`
	MatchStatus                   MatchStatus `json:"matchStatus"`
	StatusReason                  string      `json:"statusReason,omitempty"`
	Timestamp                     time.Time   `json:"timestamp"`
	Order                         int         `json:"order"`
}

// TransactionalMetaData links a referenced seal to its anchoring transaction.
type TransactionalMetaData struct {
	SourceSystemDispatchReference string          `json:"sourceSystemDispatchReference"`
	EthereumTransactionID         *string         `json:"ethereumTransactionId"`
	Key                           string          `json:"key"`
	Seal                          hexutil.Bytes   `json:"seal"`
	InclusionProof                *InclusionProof `json:"inclusionProof,omitempty"`
}

// ReceiptSent summarises a receipt referenced by a certificate request.
type ReceiptSent struct {
	ID            uuid.UUID `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	TokensCharged Tokens    `json:"tokensCharged"`
}

// ProofCertificateResponse is the externally visible certificate.
type ProofCertificateResponse struct {
	ProofCertificateID    uuid.UUID               `json:"proofCertificateId"`
	ProofCertificateURL   string                  `json:"proofCertificateUrl,omitempty"`
	Status                CertificateStatus       `json:"status"`
	MatchDetails          []MatchDetail           `json:"matchDetails"`
	TransactionalMetaData []TransactionalMetaData `json:"transactionalMetaData"`
	ReceiptsSent          []ReceiptSent           `json:"receiptsSent"`
}

// Certificate is the stored form of a proof certificate.
type Certificate struct {
	ID                 uuid.UUID                 `json:"id"`
	ServiceAgreementID uuid.UUID                 `json:"serviceAgreementId"`
	RequesterName      string                    `json:"requesterName"`
	IdempotencyKey     string                    `json:"idempotencyKey"`
	ClientKey          string                    `json:"clientKey,omitempty"`
	ContentHash        string                    `json:"contentHash"`
	Status             CertificateStatus         `json:"status"`
	Receipts           []RequestReceipt          `json:"receipts"`
	AdditionalData     *AdditionalData           `json:"additionalData,omitempty"`
	Response           *ProofCertificateResponse `json:"response"`
	FeeCharged         Tokens                    `json:"feeCharged"`
	CreatedAt          time.Time                 `json:"createdAt"`
	UpdatedAt          time.Time                 `json:"updatedAt"`
	FinalizedAt        *time.Time                `json:"finalizedAt,omitempty"`
}

// Final reports whether the certificate is frozen.
func (c *Certificate) Final() bool { return c.Status == CertificateFinal }
