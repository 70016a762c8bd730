package model

import (
	"time"

	"github.com/google/uuid"
)

// LedgerReason classifies a ledger entry.
type LedgerReason string

const (
	ReasonSealStorage    LedgerReason = "SealStorage"
	ReasonSealReward     LedgerReason = "SealReward"
	ReasonCertificateFee LedgerReason = "CertificateFee"
	// ReasonAdjustment is used for operator top-ups and compensating entries.
	ReasonAdjustment LedgerReason = "Adjustment"
)

// Valid reports whether r is a known reason.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonSealStorage, ReasonSealReward, ReasonCertificateFee, ReasonAdjustment:
		return true
	}
	return false
}

// LedgerEntry is one append-only movement of tokens for a service agreement.
// Entries for an agreement form a hash chain starting at the genesis hash.
type LedgerEntry struct {
	Index              int64        `json:"index"`
	ServiceAgreementID uuid.UUID    `json:"serviceAgreementId"`
	Delta              Tokens       `json:"delta"`
	Reason             LedgerReason `json:"reason"`
	ReceiptID          *uuid.UUID   `json:"receiptId,omitempty"`
	CertificateID      *uuid.UUID   `json:"certificateId,omitempty"`
	Memo               string       `json:"memo,omitempty"`
	Timestamp          time.Time    `json:"timestamp"`
	PrevHash           string       `json:"prevHash"`
	Hash               string       `json:"hash"`
}
