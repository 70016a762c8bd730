// Package store persists seals, receipts, certificates, ledger entries and
// API call records. It is the only place shared mutable state lives; every
// engine reads and writes through a Store.
//
// Three backends implement Store:
//   - Memory: in-process maps, optionally made durable by a Journal
//     (OpenPebble journals every mutation to a pebble database and replays
//     it on open).
//   - Postgres: PostgreSQL via pgx; see migrations/.
package store

import (
	"context"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

// QueueStatus summarises seals waiting to be anchored.
type QueueStatus struct {
	Queued int
	// Oldest is the creation time of the oldest queued seal (zero when empty).
	Oldest time.Time
}

// Store is the full persistence capability set.
type Store interface {
	CreateAgreement(ctx context.Context, a *model.ServiceAgreement) error
	GetAgreement(ctx context.Context, id uuid.UUID) (*model.ServiceAgreement, error)

	// CreateReceipt writes the receipt, its seals (queued for anchoring) and
	// the ledger entries in one atomic step. A (agreement, dispatch, key) that
	// is already sealed fails the whole write with DuplicateEvidenceKeyError;
	// a net debit beyond the overdraft limit fails with InsufficientBalanceError.
	CreateReceipt(ctx context.Context, r *model.Receipt, entries []*model.LedgerEntry) error
	GetReceipt(ctx context.Context, agreementID, id uuid.UUID) (*model.Receipt, error)
	FindSeal(ctx context.Context, agreementID uuid.UUID, dispatchRef, key string) (*model.SealedEvidence, error)

	QueueStatus(ctx context.Context) (QueueStatus, error)
	// ClaimBatch moves up to limit queued seals (oldest first) into batchID.
	ClaimBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*model.SealedEvidence, error)
	// MarkAnchored sets txID, and the seal's inclusion proof from proofs, on
	// every seal of the batch. Seals that already carry a transaction id are
	// never changed.
	MarkAnchored(ctx context.Context, batchID uuid.UUID, txID string, at time.Time, proofs map[uuid.UUID]*model.InclusionProof) (int, error)
	MarkAnchoringFailed(ctx context.Context, batchID uuid.UUID) (int, error)
	// ReleaseBatches returns seals stranded in an in-flight batch to the queue.
	ReleaseBatches(ctx context.Context) (int, error)
	// RequeueFailed returns failed seals to the queue; agreementID nil means all.
	RequeueFailed(ctx context.Context, agreementID *uuid.UUID) (int, error)

	GetCertificate(ctx context.Context, agreementID, id uuid.UUID) (*model.Certificate, error)
	// FindCertificateByKey prefers a final certificate, then the latest draft.
	FindCertificateByKey(ctx context.Context, agreementID uuid.UUID, idempotencyKey string) (*model.Certificate, error)
	FindCertificateByClientKey(ctx context.Context, agreementID uuid.UUID, clientKey string) (*model.Certificate, error)
	// SaveDraft inserts or replaces a draft. Replacing a final certificate
	// fails with CertificateAlreadyFinalizedError.
	SaveDraft(ctx context.Context, c *model.Certificate) error
	// FinalizeCertificate appends fee (if non-nil) and stores c as final in one
	// atomic step. When a final certificate with the same idempotency key
	// already exists it is returned with created=false and nothing is written.
	FinalizeCertificate(ctx context.Context, c *model.Certificate, fee *model.LedgerEntry) (stored *model.Certificate, created bool, err error)

	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry, enforceOverdraft bool) error
	ListLedgerEntries(ctx context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error)
	LedgerChain(ctx context.Context, agreementID uuid.UUID) ([]*model.LedgerEntry, error)
	LedgerBalances(ctx context.Context, agreementID uuid.UUID) (confirmed, pending model.Tokens, err error)

	RecordAPICall(ctx context.Context, call model.APICall) error
	// Statistics computes every count from one consistent read.
	Statistics(ctx context.Context, agreementID uuid.UUID, win model.Windows) (*model.StatisticsSnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

func cloneSeal(s *model.SealedEvidence) *model.SealedEvidence {
	cp := *s
	cp.Seal = append([]byte(nil), s.Seal...)
	if s.BatchID != nil {
		id := *s.BatchID
		cp.BatchID = &id
	}
	if s.EthereumTransactionID != nil {
		tx := *s.EthereumTransactionID
		cp.EthereumTransactionID = &tx
	}
	if s.AnchoredAt != nil {
		at := *s.AnchoredAt
		cp.AnchoredAt = &at
	}
	cp.Inclusion = cloneInclusion(s.Inclusion)
	return &cp
}

func cloneInclusion(p *model.InclusionProof) *model.InclusionProof {
	if p == nil {
		return nil
	}
	cp := &model.InclusionProof{
		Root: append([]byte(nil), p.Root...),
		Path: make([]model.MerkleStep, len(p.Path)),
	}
	for i, step := range p.Path {
		cp.Path[i] = model.MerkleStep{Hash: append([]byte(nil), step.Hash...), Left: step.Left}
	}
	return cp
}

func cloneReceipt(r *model.Receipt) *model.Receipt {
	cp := *r
	cp.Evidence = make([]*model.SealedEvidence, len(r.Evidence))
	for i, e := range r.Evidence {
		cp.Evidence[i] = cloneSeal(e)
	}
	return &cp
}

func cloneCertificate(c *model.Certificate) *model.Certificate {
	cp := *c
	return &cp
}

// overdraftCheck returns InsufficientBalanceError when applying delta to
// pending would cross -limit. Credits are never refused.
func overdraftCheck(agreementID uuid.UUID, pending, delta, limit model.Tokens) error {
	if delta >= 0 {
		return nil
	}
	if pending+delta < -limit {
		return &model.InsufficientBalanceError{
			ServiceAgreementID: agreementID,
			Balance:            pending,
			Delta:              delta,
			OverdraftLimit:     limit,
		}
	}
	return nil
}
