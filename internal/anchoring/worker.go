package anchoring

import (
	"context"
	"fmt"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/evident-proof/evident/internal/notify"
	"github.com/evident-proof/evident/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// queueRepo is the persistence interface for the worker.
// Every store.Store satisfies it.
type queueRepo interface {
	QueueStatus(ctx context.Context) (store.QueueStatus, error)
	ClaimBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*model.SealedEvidence, error)
	MarkAnchored(ctx context.Context, batchID uuid.UUID, txID string, at time.Time, proofs map[uuid.UUID]*model.InclusionProof) (int, error)
	MarkAnchoringFailed(ctx context.Context, batchID uuid.UUID) (int, error)
	ReleaseBatches(ctx context.Context) (int, error)
	RequeueFailed(ctx context.Context, agreementID *uuid.UUID) (int, error)
}

// Config controls batching and retry behaviour.
type Config struct {
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"interval"`
	MaxBatchAge    time.Duration `mapstructure:"max_batch_age"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      256,
		PollInterval:   10 * time.Second,
		MaxBatchAge:    time.Minute,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// Worker drains the anchoring queue in the background.
type Worker struct {
	repo     queueRepo
	anchorer Anchorer
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger

	nudge chan struct{}
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a Worker. Zero config fields fall back to DefaultConfig.
func NewWorker(repo queueRepo, anchorer Anchorer, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = def.MaxBatchAge
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Worker{
		repo:     repo,
		anchorer: anchorer,
		notifier: notify.NewLogNotifier(logger),
		cfg:      cfg,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// SetNotifier configures where exhausted batches are reported.
func (w *Worker) SetNotifier(n notify.Notifier) {
	w.notifier = n
}

// SetSleep replaces the backoff sleep (tests).
func (w *Worker) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	w.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Nudge asks the worker to look at the queue now. It never blocks.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// ReleaseStale returns seals stranded in batches by an earlier crash to the queue.
func (w *Worker) ReleaseStale(ctx context.Context) (int, error) {
	n, err := w.repo.ReleaseBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("release stale batches: %w", err)
	}
	if n > 0 {
		w.logger.Warn("released stale anchoring batches", zap.Int("seals", n))
	}
	return n, nil
}

// Requeue moves failed seals back to the queue (operator action).
// A nil agreementID requeues every agreement's failed seals.
func (w *Worker) Requeue(ctx context.Context, agreementID *uuid.UUID) (int, error) {
	n, err := w.repo.RequeueFailed(ctx, agreementID)
	if err != nil {
		return 0, fmt.Errorf("requeue failed seals: %w", err)
	}
	w.logger.Info("failed seals requeued", zap.Int("seals", n))
	if n > 0 {
		w.Nudge()
	}
	return n, nil
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.ReleaseStale(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("anchoring worker started",
		zap.String("anchorer", w.anchorer.Name()),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("interval", w.cfg.PollInterval),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("anchoring worker stopped")
			return nil
		case <-ticker.C:
		case <-w.nudge:
		}
		if err := w.drain(ctx, false); err != nil && ctx.Err() == nil {
			w.logger.Error("anchoring drain", zap.Error(err))
		}
	}
}

// Flush anchors everything currently queued, regardless of batch size or
// age. It returns the first batch failure.
func (w *Worker) Flush(ctx context.Context) error {
	return w.drain(ctx, true)
}

func (w *Worker) drain(ctx context.Context, force bool) error {
	for {
		st, err := w.repo.QueueStatus(ctx)
		if err != nil {
			return fmt.Errorf("queue status: %w", err)
		}
		queueDepth.Set(float64(st.Queued))
		if st.Queued == 0 {
			return nil
		}
		if !force && st.Queued < w.cfg.BatchSize && w.now().Sub(st.Oldest) < w.cfg.MaxBatchAge {
			return nil
		}
		if err := w.anchorBatch(ctx); err != nil {
			return err
		}
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

func (w *Worker) anchorBatch(ctx context.Context) error {
	batchID := uuid.New()
	seals, err := w.repo.ClaimBatch(ctx, batchID, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(seals) == 0 {
		return nil
	}

	leaves := make([][32]byte, len(seals))
	ids := make([]uuid.UUID, len(seals))
	for i, s := range seals {
		leaves[i] = LeafHash(s)
		ids[i] = s.ID
	}
	tree := BuildTree(leaves)
	root := tree.Root
	proofs := make(map[uuid.UUID]*model.InclusionProof, len(seals))
	for i, id := range ids {
		proofs[id] = tree.Inclusion(i)
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		txID, err := w.anchorer.Anchor(ctx, root)
		if err == nil {
			attemptDuration.WithLabelValues(w.anchorer.Name(), "success").Observe(time.Since(start).Seconds())
			// The root is on the ledger; record it even if we are shutting down.
			n, err := w.repo.MarkAnchored(context.WithoutCancel(ctx), batchID, txID, w.now(), proofs)
			if err != nil {
				return fmt.Errorf("mark batch %s anchored: %w", batchID, err)
			}
			batchesTotal.WithLabelValues("anchored").Inc()
			sealsAnchoredTotal.Add(float64(n))
			w.logger.Info("batch anchored",
				zap.String("batch", batchID.String()),
				zap.String("tx", txID),
				zap.Int("seals", n),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		attemptDuration.WithLabelValues(w.anchorer.Name(), "failure").Observe(time.Since(start).Seconds())
		lastErr = err
		if ctx.Err() != nil {
			// Left batched; ReleaseStale returns it to the queue on restart.
			return ctx.Err()
		}
		w.logger.Warn("anchoring attempt failed",
			zap.String("batch", batchID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.MaxAttempts),
			zap.Error(err),
		)
		if attempt < w.cfg.MaxAttempts {
			if err := w.sleep(ctx, w.backoff(attempt)); err != nil {
				return err
			}
		}
	}

	failure := &model.AnchoringFailure{BatchID: batchID, SealIDs: ids, Attempts: w.cfg.MaxAttempts, Err: lastErr}
	if _, err := w.repo.MarkAnchoringFailed(context.WithoutCancel(ctx), batchID); err != nil {
		return fmt.Errorf("mark batch %s failed: %w", batchID, err)
	}
	batchesTotal.WithLabelValues("failed").Inc()
	w.logger.Error("anchoring batch failed", zap.String("batch", batchID.String()), zap.Int("seals", len(ids)), zap.Error(lastErr))

	alert := notify.Alert{
		Kind:     failure.Code(),
		Severity: notify.SeverityCritical,
		Subject:  fmt.Sprintf("anchoring batch %s failed", batchID),
		Detail:   failure.Error(),
		Fields: map[string]string{
			"batch":    batchID.String(),
			"seals":    fmt.Sprint(len(ids)),
			"anchorer": w.anchorer.Name(),
		},
		At: w.now(),
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), alert); err != nil {
		w.logger.Error("operator alert delivery failed", zap.Error(err))
	}
	return failure
}
