// Package stats computes per-agreement usage snapshots.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// snapshotRepo reads every statistic in one consistent view.
type snapshotRepo interface {
	Statistics(ctx context.Context, agreementID uuid.UUID, win model.Windows) (*model.StatisticsSnapshot, error)
}

// Aggregator produces StatisticsSnapshots.
type Aggregator struct {
	repo   snapshotRepo
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Aggregator.
func New(repo snapshotRepo, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the snapshot clock. Tests only.
func (a *Aggregator) SetClock(fn func() time.Time) {
	a.now = fn
}

// Snapshot returns the agreement's statistics as of now. Every window is
// derived from the same instant.
func (a *Aggregator) Snapshot(ctx context.Context, agreementID uuid.UUID) (*model.StatisticsSnapshot, error) {
	win := model.WindowsAt(a.now())
	snap, err := a.repo.Statistics(ctx, agreementID, win)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	snap.ServiceAgreementID = agreementID
	snap.GeneratedAt = win.Now
	a.logger.Debug("statistics snapshot",
		zap.String("agreement", agreementID.String()),
		zap.Int64("seals", snap.SealsStored.AllTime),
		zap.Int64("pending_anchoring", snap.SealsPendingAnchoring),
	)
	return snap, nil
}
