// Package sealing turns evidence submissions into sealed, billed receipts.
package sealing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/evident-proof/evident/internal/seal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// receiptRepo is the persistence interface for the sealing engine.
// Every store.Store satisfies it.
type receiptRepo interface {
	CreateReceipt(ctx context.Context, r *model.Receipt, entries []*model.LedgerEntry) error
}

// Engine seals evidence and records the storage charge and reward.
type Engine struct {
	repo   receiptRepo
	sealer *seal.Sealer
	bands  seal.Bands
	tariff seal.Tariff
	logger *zap.Logger

	onSealed func()
	onSeal   func(band model.StorageBand)
	now      func() time.Time
}

// New creates an Engine.
func New(repo receiptRepo, sealer *seal.Sealer, bands seal.Bands, tariff seal.Tariff, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		sealer: sealer,
		bands:  bands,
		tariff: tariff,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetQueueNotifier configures a callback invoked after every stored receipt.
// The anchoring worker's Nudge is wired here; it must not block.
func (e *Engine) SetQueueNotifier(fn func()) {
	e.onSealed = fn
}

// SetSealRecorder configures a per-seal callback (metrics).
func (e *Engine) SetSealRecorder(fn func(band model.StorageBand)) {
	e.onSeal = fn
}

// Seal seals an unordered evidence map. Items are stored in key order.
func (e *Engine) Seal(ctx context.Context, agreementID uuid.UUID, header model.ReceiptHeader, evidence map[string]string) (*model.Receipt, error) {
	items := make([]model.EvidenceItem, 0, len(evidence))
	for k, v := range evidence {
		items = append(items, model.EvidenceItem{Key: k, Value: v})
	}
	return e.SealItems(ctx, agreementID, header, items)
}

// SealItems seals an evidence list, rejecting keys that appear more than
// once. Either every item is sealed and charged, or nothing is written.
func (e *Engine) SealItems(ctx context.Context, agreementID uuid.UUID, header model.ReceiptHeader, items []model.EvidenceItem) (*model.Receipt, error) {
	header.SourceSystemDispatchReference = model.NormalizeDispatchReference(header.SourceSystemDispatchReference)
	if header.SourceSystemDispatchReference == "" {
		return nil, model.Invalid("sourceSystemDispatchReference", "must not be empty")
	}
	if len(items) == 0 {
		return nil, model.Invalid("evidence", "at least one evidence item is required")
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Key == "" {
			return nil, model.Invalid("evidence", "evidence key must not be empty")
		}
		if _, dup := seen[it.Key]; dup {
			return nil, &model.DuplicateEvidenceKeyError{DispatchReference: header.SourceSystemDispatchReference, Key: it.Key}
		}
		seen[it.Key] = struct{}{}
	}

	sorted := make([]model.EvidenceItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	now := e.now()
	if header.When.IsZero() {
		header.When = now
	}
	header.When = header.When.UTC()

	r := &model.Receipt{
		ID:                 uuid.New(),
		ServiceAgreementID: agreementID,
		Header:             header,
		CreatedAt:          now,
	}
	var cost, reward model.Tokens
	for _, it := range sorted {
		commitment, err := e.sealer.Seal(agreementID, header.SourceSystemDispatchReference, it.Key, it.Value)
		if err != nil {
			return nil, fmt.Errorf("seal %q: %w", it.Key, err)
		}
		band := e.bands.For(len(it.Value))
		c, rw := e.tariff.Tariff(band)
		cost += c
		reward += rw
		r.Evidence = append(r.Evidence, &model.SealedEvidence{
			ID:                 uuid.New(),
			Key:                it.Key,
			Seal:               commitment,
			StorageBand:        band,
			StorageCost:        c,
			Reward:             rw,
			ServiceAgreementID: agreementID,
			ReceiptID:          r.ID,
			DispatchReference:  header.SourceSystemDispatchReference,
			ValueSize:          len(it.Value),
			AnchorState:        model.AnchorQueued,
			CreatedAt:          now,
		})
	}

	rid := r.ID
	var entries []*model.LedgerEntry
	if cost > 0 {
		entries = append(entries, &model.LedgerEntry{
			ServiceAgreementID: agreementID,
			Delta:              -cost,
			Reason:             model.ReasonSealStorage,
			ReceiptID:          &rid,
			Timestamp:          now,
		})
	}
	if reward > 0 {
		entries = append(entries, &model.LedgerEntry{
			ServiceAgreementID: agreementID,
			Delta:              reward,
			Reason:             model.ReasonSealReward,
			ReceiptID:          &rid,
			Timestamp:          now,
		})
	}

	if err := e.repo.CreateReceipt(ctx, r, entries); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}

	if e.onSeal != nil {
		for _, s := range r.Evidence {
			e.onSeal(s.StorageBand)
		}
	}
	if e.onSealed != nil {
		e.onSealed()
	}
	e.logger.Info("evidence sealed",
		zap.String("agreement", agreementID.String()),
		zap.String("receipt", r.ID.String()),
		zap.String("dispatch", header.SourceSystemDispatchReference),
		zap.Int("items", len(r.Evidence)),
		zap.Int64("cost", int64(cost)),
		zap.Int64("reward", int64(reward)),
	)
	return r, nil
}
