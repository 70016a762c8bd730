// Package ledger implements the per-agreement token ledger.
//
// Entries are append-only and hash chained: every entry records the hash of
// its predecessor within the same service agreement, starting from
// GenesisHash, so any edit or deletion is detectable via Verify. Corrections
// are made with compensating Adjustment entries.
//
// An entry is confirmed when it references no receipt, or when every seal on
// its receipt has been anchored. Balance sums confirmed entries only;
// PendingBalance sums all of them. Confirmation is derived at query time;
// entries are never edited to record it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the persistence interface for the ledger.
// Every store.Store satisfies it.
type Repository interface {
	// AppendLedgerEntry links e onto the agreement's chain and persists it.
	// With enforceOverdraft, the append fails with InsufficientBalanceError
	// when the pending balance would drop below the agreement's overdraft limit.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry, enforceOverdraft bool) error
	ListLedgerEntries(ctx context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error)
	LedgerChain(ctx context.Context, agreementID uuid.UUID) ([]*model.LedgerEntry, error)
	LedgerBalances(ctx context.Context, agreementID uuid.UUID) (confirmed, pending model.Tokens, err error)
}

// Ledger is the token ledger service.
type Ledger struct {
	repo     Repository
	onAppend func()
	logger   *zap.Logger
}

// New creates a Ledger.
func New(repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// SetAppendRecorder configures a callback invoked after every append (metrics).
func (l *Ledger) SetAppendRecorder(fn func()) {
	l.onAppend = fn
}

// Credit appends a positive entry.
func (l *Ledger) Credit(ctx context.Context, agreementID uuid.UUID, amount model.Tokens, reason model.LedgerReason, memo string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, model.Invalid("amount", "credit amount must be positive")
	}
	return l.append(ctx, agreementID, amount, reason, memo, false)
}

// Debit appends a negative entry, refusing to exceed the overdraft limit.
func (l *Ledger) Debit(ctx context.Context, agreementID uuid.UUID, amount model.Tokens, reason model.LedgerReason, memo string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, model.Invalid("amount", "debit amount must be positive")
	}
	return l.append(ctx, agreementID, -amount, reason, memo, true)
}

func (l *Ledger) append(ctx context.Context, agreementID uuid.UUID, delta model.Tokens, reason model.LedgerReason, memo string, enforce bool) (*model.LedgerEntry, error) {
	if !reason.Valid() {
		return nil, model.Invalid("reason", "unknown ledger reason %q", reason)
	}
	e := &model.LedgerEntry{
		ServiceAgreementID: agreementID,
		Delta:              delta,
		Reason:             reason,
		Memo:               memo,
		Timestamp:          time.Now().UTC(),
	}
	if err := l.repo.AppendLedgerEntry(ctx, e, enforce); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	if l.onAppend != nil {
		l.onAppend()
	}
	l.logger.Debug("ledger entry appended",
		zap.String("agreement", agreementID.String()),
		zap.Int64("idx", e.Index),
		zap.String("reason", string(reason)),
		zap.Int64("delta", int64(delta)),
	)
	return e, nil
}

// Balance returns the sum of confirmed entries.
func (l *Ledger) Balance(ctx context.Context, agreementID uuid.UUID) (model.Tokens, error) {
	confirmed, _, err := l.repo.LedgerBalances(ctx, agreementID)
	return confirmed, err
}

// PendingBalance returns the sum of all entries, including those tied to
// unconfirmed anchoring.
func (l *Ledger) PendingBalance(ctx context.Context, agreementID uuid.UUID) (model.Tokens, error) {
	_, pending, err := l.repo.LedgerBalances(ctx, agreementID)
	return pending, err
}

// Entries returns a page of entries, newest first.
func (l *Ledger) Entries(ctx context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListLedgerEntries(ctx, agreementID, limit, offset)
}

// Verify walks the agreement's chain and checks hash consistency.
func (l *Ledger) Verify(ctx context.Context, agreementID uuid.UUID) error {
	entries, err := l.repo.LedgerChain(ctx, agreementID)
	if err != nil {
		return fmt.Errorf("load ledger chain: %w", err)
	}
	return VerifyChain(entries)
}

// Root returns the hash of the agreement's chain tip and the chain length.
func (l *Ledger) Root(ctx context.Context, agreementID uuid.UUID) (string, int, error) {
	entries, err := l.repo.LedgerChain(ctx, agreementID)
	if err != nil {
		return "", 0, fmt.Errorf("load ledger chain: %w", err)
	}
	if len(entries) == 0 {
		return GenesisHash, 0, nil
	}
	return entries[len(entries)-1].Hash, len(entries), nil
}
