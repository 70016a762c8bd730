package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Tokens is a signed amount in the smallest ledger unit.
type Tokens int64

// StorageBand is the size/cost classification of a sealed evidence item.
type StorageBand string

const (
	BandSmall  StorageBand = "Small"
	BandMedium StorageBand = "Medium"
	BandLarge  StorageBand = "Large"
)

// Valid reports whether b is one of the known bands.
func (b StorageBand) Valid() bool {
	switch b {
	case BandSmall, BandMedium, BandLarge:
		return true
	}
	return false
}

// AnchorState tracks a seal's membership in the anchoring pipeline.
type AnchorState string

const (
	// AnchorQueued: waiting to be claimed by the anchoring worker.
	AnchorQueued AnchorState = "queued"
	// AnchorBatched: claimed into an in-flight batch.
	AnchorBatched AnchorState = "batched"
	// AnchorAnchored: the batch root is on the ledger; EthereumTransactionID is set.
	AnchorAnchored AnchorState = "anchored"
	// AnchorFailed: retries were exhausted; waits for an operator requeue.
	AnchorFailed AnchorState = "failed"
)

// EvidenceItem is a single key/value piece of evidence as supplied by a caller.
type EvidenceItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MerkleStep is one sibling hash on the path from a seal's leaf to its batch root.
type MerkleStep struct {
	Hash hexutil.Bytes `json:"hash"`
	// Left is true when the sibling sits to the left of the running hash.
	Left bool `json:"left,omitempty"`
}

// InclusionProof shows that a seal is a leaf of the Merkle root written to
// the ledger by its anchoring transaction.
type InclusionProof struct {
	Root hexutil.Bytes `json:"root"`
	Path []MerkleStep  `json:"path"`
}

// SealedEvidence is the stored commitment for one evidence item. Everything but
// the anchoring fields is immutable once written.
type SealedEvidence struct {
	ID                 uuid.UUID     `json:"id"`
	Key                string        `json:"key"`
	Seal               hexutil.Bytes `json:"seal"`
	StorageBand        StorageBand   `json:"storageBand"`
	StorageCost        Tokens        `json:"storageCost"`
	Reward             Tokens        `json:"reward"`
	ServiceAgreementID uuid.UUID     `json:"serviceAgreementId"`
	ReceiptID          uuid.UUID     `json:"receiptId"`
	DispatchReference  string        `json:"sourceSystemDispatchReference"`
	ValueSize          int           `json:"valueSize"`
	AnchorState        AnchorState   `json:"anchorState"`
	BatchID            *uuid.UUID    `json:"batchId,omitempty"`
	// EthereumTransactionID is nil until the seal's batch is confirmed, then set exactly once.
	EthereumTransactionID *string         `json:"ethereumTransactionId,omitempty"`
	AnchoredAt            *time.Time      `json:"anchoredAt,omitempty"`
	Inclusion             *InclusionProof `json:"inclusionProof,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// Confirmed reports whether the seal has been anchored.
func (s *SealedEvidence) Confirmed() bool {
	return s.EthereumTransactionID != nil && *s.EthereumTransactionID != ""
}

// NormalizeDispatchReference is the canonical form of a dispatch reference.
// Seals are computed and looked up under this form only.
func NormalizeDispatchReference(ref string) string {
	return strings.TrimSpace(ref)
}

// ReceiptHeader identifies the source-system dispatch a receipt belongs to.
type ReceiptHeader struct {
	SourceSystemDispatchReference string    `json:"sourceSystemDispatchReference"`
	When                          time.Time `json:"when"`
	Where                         string    `json:"where"`
}

// Receipt acknowledges the sealing of one evidence submission. It is never
// mutated after creation; the embedded seals may later gain anchoring fields.
type Receipt struct {
	ID                 uuid.UUID         `json:"id"`
	ServiceAgreementID uuid.UUID         `json:"serviceAgreementId"`
	Header             ReceiptHeader     `json:"header"`
	Evidence           []*SealedEvidence `json:"evidence"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// TokensCharged is the total storage cost of the receipt's evidence.
func (r *Receipt) TokensCharged() Tokens {
	var total Tokens
	for _, e := range r.Evidence {
		total += e.StorageCost
	}
	return total
}

// Anchored reports whether every seal on the receipt has been anchored.
func (r *Receipt) Anchored() bool {
	for _, e := range r.Evidence {
		if !e.Confirmed() {
			return false
		}
	}
	return true
}
