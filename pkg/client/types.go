package client

import (
	"time"
)

// Certificate statuses.
const (
	StatusDraft = "draft"
	StatusFinal = "final"
)

// Match statuses.
const (
	MatchPass     = "Pass"
	MatchFail     = "Fail"
	MatchPending  = "Pending"
	MatchNotFound = "NotFound"
)

// EvidenceItem is one key/value pair.
type EvidenceItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Submission is the payload of SubmitEvidence.
type Submission struct {
	DispatchReference string            `json:"dispatchReference"`
	Where             string            `json:"where,omitempty"`
	When              time.Time         `json:"when,omitempty"`
	Evidence          map[string]string `json:"evidence"`
}

// SealedEvidence is one sealed item of a receipt.
type SealedEvidence struct {
	ID                    string          `json:"id"`
	Key                   string          `json:"key"`
	Seal                  string          `json:"seal"`
	StorageBand           string          `json:"storageBand"`
	StorageCost           int64           `json:"storageCost"`
	Reward                int64           `json:"reward"`
	ReceiptID             string          `json:"receiptId"`
	DispatchReference     string          `json:"sourceSystemDispatchReference"`
	AnchorState           string          `json:"anchorState"`
	EthereumTransactionID *string         `json:"ethereumTransactionId,omitempty"`
	AnchoredAt            *time.Time      `json:"anchoredAt,omitempty"`
	InclusionProof        *InclusionProof `json:"inclusionProof,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// InclusionProof is the Merkle path from a seal's leaf to the root written
// by its anchoring transaction. Hashes are 0x-prefixed hex.
type InclusionProof struct {
	Root string       `json:"root"`
	Path []MerkleStep `json:"path"`
}

// MerkleStep is one sibling hash; Left marks a sibling on the left.
type MerkleStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left,omitempty"`
}

// ReceiptHeader identifies the dispatch a receipt belongs to.
type ReceiptHeader struct {
	SourceSystemDispatchReference string    `json:"sourceSystemDispatchReference"`
	When                          time.Time `json:"when"`
	Where                         string    `json:"where"`
}

// Receipt acknowledges a sealed submission.
type Receipt struct {
	ID                 string            `json:"id"`
	ServiceAgreementID string            `json:"serviceAgreementId"`
	Header             ReceiptHeader     `json:"header"`
	Evidence           []*SealedEvidence `json:"evidence"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// RequestReceiptHeader references a receipt in a certificate request. ID
// is optional.
type RequestReceiptHeader struct {
	ID                            string    `json:"id,omitempty"`
	SourceSystemDispatchReference string    `json:"sourceSystemDispatchReference"`
	When                          time.Time `json:"when"`
	Where                         string    `json:"where"`
}

// RequestReceipt is one receipt's evidence to re-verify.
type RequestReceipt struct {
	Header   RequestReceiptHeader `json:"header"`
	Evidence []EvidenceItem       `json:"evidence"`
}

// AdditionalData carries optional certificate attributes.
type AdditionalData struct {
	ForTheAttentionOf        *string `json:"forTheAttentionOf,omitempty"`
	DeliveredTo              *string `json:"deliveredTo,omitempty"`
	RequestedBy              *string `json:"requestedBy,omitempty"`
	DataOwners               *string `json:"dataOwners,omitempty"`
	DataOwnersContact        *string `json:"dataOwnersContact,omitempty"`
	EventStatement           *string `json:"eventStatement,omitempty"`
	EventDefinitionStatement *string `json:"eventDefinitionStatement,omitempty"`
}

// CertificateRequest is the payload of RequestCertificate.
type CertificateRequest struct {
	RequesterName  string           `json:"requesterName"`
	Receipts       []RequestReceipt `json:"receipts"`
	AdditionalData *AdditionalData  `json:"additionalData,omitempty"`
	Status         string           `json:"status"`
	// IdempotencyKey is an optional caller-chosen key.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// MatchDetail is the verdict for one requested item.
type MatchDetail struct {
	SourceSystemDispatchReference string    `json:"sourceSystemDispatchReference"`
	Key                           string    `json:"key"`
	Value                         string    `json:"value"`
	MatchStatus                   string    `json:"matchStatus"`
	StatusReason                  string    `json:"statusReason,omitempty"`
	Timestamp                     time.Time `json:"timestamp"`
	Order                         int       `json:"order"`
}

// TransactionalMetaData links a seal to its anchoring transaction.
type TransactionalMetaData struct {
	SourceSystemDispatchReference string          `json:"sourceSystemDispatchReference"`
	EthereumTransactionID         *string         `json:"ethereumTransactionId"`
	Key                           string          `json:"key"`
	Seal                          string          `json:"seal"`
	InclusionProof                *InclusionProof `json:"inclusionProof,omitempty"`
}

// ReceiptSent summarises a referenced receipt.
type ReceiptSent struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	TokensCharged int64     `json:"tokensCharged"`
}

// Certificate is a proof certificate.
type Certificate struct {
	ProofCertificateID    string                  `json:"proofCertificateId"`
	ProofCertificateURL   string                  `json:"proofCertificateUrl,omitempty"`
	Status                string                  `json:"status"`
	MatchDetails          []MatchDetail           `json:"matchDetails"`
	TransactionalMetaData []TransactionalMetaData `json:"transactionalMetaData"`
	ReceiptsSent          []ReceiptSent           `json:"receiptsSent"`
}

// AllPass reports whether every match detail passed.
func (c *Certificate) AllPass() bool {
	for _, d := range c.MatchDetails {
		if d.MatchStatus != MatchPass {
			return false
		}
	}
	return len(c.MatchDetails) > 0
}

// WindowCounts buckets a count into rolling windows.
type WindowCounts struct {
	Today      int64 `json:"today"`
	Last7Days  int64 `json:"last7Days"`
	Last30Days int64 `json:"last30Days"`
	AllTime    int64 `json:"allTime"`
}

// Statistics is an agreement's usage snapshot.
type Statistics struct {
	ServiceAgreementID    string       `json:"serviceAgreementId"`
	GeneratedAt           time.Time    `json:"generatedAt"`
	SealsStored           WindowCounts `json:"sealsStored"`
	CertificatesIssued    WindowCounts `json:"certificatesIssued"`
	APICalls              WindowCounts `json:"apiCalls"`
	ConfirmedBalance      int64        `json:"confirmedBalance"`
	PendingBalance        int64        `json:"pendingBalance"`
	SealsPendingAnchoring int64        `json:"sealsPendingAnchoring"`
	SealsAnchoringFailed  int64        `json:"sealsAnchoringFailed"`
	DraftCertificates     int64        `json:"draftCertificates"`
}

// LedgerOverview is the agreement's ledger summary.
type LedgerOverview struct {
	ServiceAgreementID string `json:"serviceAgreementId"`
	Balance            int64  `json:"balance"`
	PendingBalance     int64  `json:"pendingBalance"`
	Entries            int    `json:"entries"`
	Root               string `json:"root"`
}

// LedgerEntry is one ledger movement.
type LedgerEntry struct {
	Index         int64     `json:"index"`
	Delta         int64     `json:"delta"`
	Reason        string    `json:"reason"`
	ReceiptID     *string   `json:"receiptId,omitempty"`
	CertificateID *string   `json:"certificateId,omitempty"`
	Memo          string    `json:"memo,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	PrevHash      string    `json:"prevHash"`
	Hash          string    `json:"hash"`
}

// Agreement is a service agreement as returned to operators.
type Agreement struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OverdraftLimit int64     `json:"overdraftLimit"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ReceiptRequest builds a certificate request entry that re-verifies every
// key of r. Values are unknown to the receipt, so callers fill them in.
func ReceiptRequest(r *Receipt, values map[string]string) RequestReceipt {
	rr := RequestReceipt{Header: RequestReceiptHeader{
		ID:                            r.ID,
		SourceSystemDispatchReference: r.Header.SourceSystemDispatchReference,
		When:                          r.Header.When,
		Where:                         r.Header.Where,
	}}
	for _, e := range r.Evidence {
		rr.Evidence = append(rr.Evidence, EvidenceItem{Key: e.Key, Value: values[e.Key]})
	}
	return rr
}
