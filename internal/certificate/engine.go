// Package certificate re-verifies previously sealed evidence and issues
// proof certificates.
//
// A certificate request lists receipts and their evidence. Every item is
// matched against the seal stored under (dispatch reference, key) and
// reported as Pass, Fail, Pending or NotFound in request order. Drafts are
// free and revisable; finalizing freezes the certificate, charges the fee
// once per idempotency key and issues a permanent URL.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evident-proof/evident/internal/anchoring"
	"github.com/evident-proof/evident/internal/model"
	"github.com/evident-proof/evident/internal/seal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// certRepo is the persistence interface for the certificate engine.
// Every store.Store satisfies it.
type certRepo interface {
	GetReceipt(ctx context.Context, agreementID, id uuid.UUID) (*model.Receipt, error)
	FindSeal(ctx context.Context, agreementID uuid.UUID, dispatchRef, key string) (*model.SealedEvidence, error)
	GetCertificate(ctx context.Context, agreementID, id uuid.UUID) (*model.Certificate, error)
	FindCertificateByKey(ctx context.Context, agreementID uuid.UUID, idempotencyKey string) (*model.Certificate, error)
	FindCertificateByClientKey(ctx context.Context, agreementID uuid.UUID, clientKey string) (*model.Certificate, error)
	SaveDraft(ctx context.Context, c *model.Certificate) error
	FinalizeCertificate(ctx context.Context, c *model.Certificate, fee *model.LedgerEntry) (*model.Certificate, bool, error)
}

// Fees is the certificate fee schedule: Base + PerItem × evidence items.
type Fees struct {
	Base    model.Tokens `mapstructure:"base"`
	PerItem model.Tokens `mapstructure:"per_item"`
}

// For returns the fee for a certificate covering items evidence items.
func (f Fees) For(items int) model.Tokens {
	return f.Base + f.PerItem*model.Tokens(items)
}

// Request is one certificate request.
type Request struct {
	ServiceAgreementID uuid.UUID
	RequesterName      string
	Receipts           []model.RequestReceipt
	AdditionalData     *model.AdditionalData
	Status             model.CertificateStatus
	// ClientKey is an optional caller-chosen idempotency key.
	ClientKey string
}

// Engine evaluates and issues certificates.
type Engine struct {
	repo   certRepo
	sealer *seal.Sealer
	fees   Fees
	urls   *URLSigner
	logger *zap.Logger

	onIssued func(status model.CertificateStatus, replay bool)
	now      func() time.Time
}

// New creates an Engine.
func New(repo certRepo, sealer *seal.Sealer, fees Fees, urls *URLSigner, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		sealer: sealer,
		fees:   fees,
		urls:   urls,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetIssueRecorder configures a callback invoked for every answered request (metrics).
func (e *Engine) SetIssueRecorder(fn func(status model.CertificateStatus, replay bool)) {
	e.onIssued = fn
}

// RequestCertificate evaluates req and stores the result as a draft or a
// final certificate. A final request whose idempotency key was already
// finalized returns the stored certificate without charging again.
func (e *Engine) RequestCertificate(ctx context.Context, req *Request) (*model.ProofCertificateResponse, error) {
	return e.process(ctx, req, nil)
}

// Revise replaces a draft's evidence set and re-evaluates it. req.Status may
// finalize the draft. Revising a final certificate fails with
// CertificateAlreadyFinalizedError.
func (e *Engine) Revise(ctx context.Context, certID uuid.UUID, req *Request) (*model.ProofCertificateResponse, error) {
	existing, err := e.repo.GetCertificate(ctx, req.ServiceAgreementID, certID)
	if err != nil {
		return nil, err
	}
	if existing.Final() {
		return nil, &model.CertificateAlreadyFinalizedError{CertificateID: certID}
	}
	return e.process(ctx, req, existing)
}

// Get returns a stored certificate's response.
func (e *Engine) Get(ctx context.Context, agreementID, certID uuid.UUID) (*model.ProofCertificateResponse, error) {
	c, err := e.repo.GetCertificate(ctx, agreementID, certID)
	if err != nil {
		return nil, err
	}
	return c.Response, nil
}

// GetByToken resolves a certificate URL token. Only final certificates are
// reachable this way.
func (e *Engine) GetByToken(ctx context.Context, certID uuid.UUID, token string) (*model.ProofCertificateResponse, error) {
	agreementID, tokenCert, err := e.urls.Verify(token)
	if err != nil || tokenCert != certID {
		return nil, &model.NotFoundError{Resource: "certificate", ID: certID.String()}
	}
	c, err := e.repo.GetCertificate(ctx, agreementID, certID)
	if err != nil {
		return nil, err
	}
	if !c.Final() {
		return nil, &model.NotFoundError{Resource: "certificate", ID: certID.String()}
	}
	return c.Response, nil
}

func validateRequest(req *Request) error {
	if strings.TrimSpace(req.RequesterName) == "" {
		return model.Invalid("requesterName", "must not be empty")
	}
	if req.Status == "" {
		req.Status = model.CertificateDraft
	}
	if !req.Status.Valid() {
		return model.Invalid("status", "must be %q or %q", model.CertificateDraft, model.CertificateFinal)
	}
	if len(req.Receipts) == 0 {
		return model.Invalid("receipts", "at least one receipt is required")
	}
	req.Receipts = normalizeReceipts(req.Receipts)
	items := 0
	for i, r := range req.Receipts {
		if r.Header.SourceSystemDispatchReference == "" {
			return model.Invalid(fmt.Sprintf("receipts[%d].header.sourceSystemDispatchReference", i), "must not be empty")
		}
		for j, it := range r.Evidence {
			if it.Key == "" {
				return model.Invalid(fmt.Sprintf("receipts[%d].evidence[%d].key", i, j), "must not be empty")
			}
		}
		items += len(r.Evidence)
	}
	if items == 0 {
		return model.Invalid("receipts", "at least one evidence item is required")
	}
	return nil
}

func (e *Engine) process(ctx context.Context, req *Request, revising *model.Certificate) (*model.ProofCertificateResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	receiptsHash, err := ReceiptsHash(req.Receipts)
	if err != nil {
		return nil, err
	}
	key := IdempotencyKey(req.ServiceAgreementID, receiptsHash, req.RequesterName)
	content, err := contentHash(req, receiptsHash)
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}

	if revising == nil && req.ClientKey != "" {
		prior, err := e.repo.FindCertificateByClientKey(ctx, req.ServiceAgreementID, req.ClientKey)
		switch {
		case err == nil && prior.ContentHash != content:
			return nil, &model.DuplicateSubmissionError{IdempotencyKey: req.ClientKey}
		case err == nil && prior.Final():
			return e.replay(prior), nil
		case err != nil && !model.IsNotFound(err):
			return nil, fmt.Errorf("lookup client key: %w", err)
		}
	}

	var draft *model.Certificate
	if revising != nil {
		draft = revising
	} else {
		existing, err := e.repo.FindCertificateByKey(ctx, req.ServiceAgreementID, key)
		switch {
		case err == nil && existing.Final():
			return e.replay(existing), nil
		case err == nil:
			draft = existing
		case !model.IsNotFound(err):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	now := e.now()
	resp, pending, items, err := e.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	c := &model.Certificate{
		ID:                 uuid.New(),
		ServiceAgreementID: req.ServiceAgreementID,
		RequesterName:      req.RequesterName,
		IdempotencyKey:     key,
		ClientKey:          req.ClientKey,
		ContentHash:        content,
		Status:             req.Status,
		Receipts:           req.Receipts,
		AdditionalData:     req.AdditionalData,
		Response:           resp,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if draft != nil {
		c.ID = draft.ID
		c.CreatedAt = draft.CreatedAt
		if c.ClientKey == "" {
			c.ClientKey = draft.ClientKey
		}
	}
	resp.ProofCertificateID = c.ID
	resp.Status = c.Status

	if c.Status == model.CertificateDraft {
		if err := e.repo.SaveDraft(ctx, c); err != nil {
			return nil, fmt.Errorf("save draft: %w", err)
		}
		e.record(c.Status, false)
		e.logger.Info("draft certificate saved",
			zap.String("agreement", c.ServiceAgreementID.String()),
			zap.String("certificate", c.ID.String()),
			zap.Int("items", items),
		)
		return resp, nil
	}

	if pending > 0 {
		return nil, &model.AnchoringPendingError{Pending: pending}
	}
	if err := ValidateAdditionalData(req.AdditionalData); err != nil {
		return nil, err
	}

	if resp.ProofCertificateURL, err = e.urls.URL(c.ServiceAgreementID, c.ID); err != nil {
		return nil, err
	}
	c.FinalizedAt = &now
	c.FeeCharged = e.fees.For(items)

	var fee *model.LedgerEntry
	if c.FeeCharged > 0 {
		cid := c.ID
		fee = &model.LedgerEntry{
			ServiceAgreementID: c.ServiceAgreementID,
			Delta:              -c.FeeCharged,
			Reason:             model.ReasonCertificateFee,
			CertificateID:      &cid,
			Timestamp:          now,
		}
	}
	stored, created, err := e.repo.FinalizeCertificate(ctx, c, fee)
	if err != nil {
		return nil, fmt.Errorf("finalize certificate: %w", err)
	}
	if !created {
		return e.replay(stored), nil
	}
	e.record(c.Status, false)
	e.logger.Info("certificate finalized",
		zap.String("agreement", c.ServiceAgreementID.String()),
		zap.String("certificate", c.ID.String()),
		zap.Int("items", items),
		zap.Int64("fee", int64(c.FeeCharged)),
	)
	return stored.Response, nil
}

func (e *Engine) replay(c *model.Certificate) *model.ProofCertificateResponse {
	e.record(c.Status, true)
	e.logger.Debug("certificate replayed",
		zap.String("agreement", c.ServiceAgreementID.String()),
		zap.String("certificate", c.ID.String()),
	)
	return c.Response
}

func (e *Engine) record(status model.CertificateStatus, replay bool) {
	if e.onIssued != nil {
		e.onIssued(status, replay)
	}
}

// evaluate matches every item and returns the response skeleton, the number
// of Pending items and the total item count.
func (e *Engine) evaluate(ctx context.Context, req *Request) (*model.ProofCertificateResponse, int, int, error) {
	resp := &model.ProofCertificateResponse{
		MatchDetails:          []model.MatchDetail{},
		TransactionalMetaData: []model.TransactionalMetaData{},
		ReceiptsSent:          []model.ReceiptSent{},
	}
	seenSeal := make(map[uuid.UUID]bool)
	pending, order := 0, 0
	evaluatedAt := e.now()

	for _, r := range req.Receipts {
		dispatch := r.Header.SourceSystemDispatchReference
		if r.Header.ID != nil {
			rc, err := e.repo.GetReceipt(ctx, req.ServiceAgreementID, *r.Header.ID)
			if err != nil {
				return nil, 0, 0, err
			}
			resp.ReceiptsSent = append(resp.ReceiptsSent, model.ReceiptSent{
				ID:            rc.ID,
				Timestamp:     rc.Header.When,
				TokensCharged: rc.TokensCharged(),
			})
		}

		for _, it := range r.Evidence {
			d := model.MatchDetail{
				SourceSystemDispatchReference: dispatch,
				Key:                           it.Key,
				Value:                         it.Value,
				Timestamp:                     evaluatedAt,
				Order:                         order,
			}
			order++

			s, err := e.repo.FindSeal(ctx, req.ServiceAgreementID, dispatch, it.Key)
			var nf *model.NotFoundError
			switch {
			case errors.As(err, &nf):
				d.MatchStatus = model.MatchNotFound
				d.StatusReason = model.ReasonNoPriorSeal
				resp.MatchDetails = append(resp.MatchDetails, d)
				continue
			case err != nil:
				return nil, 0, 0, fmt.Errorf("find seal %s/%s: %w", dispatch, it.Key, err)
			}

			d.Timestamp = s.CreatedAt
			if !seenSeal[s.ID] {
				seenSeal[s.ID] = true
				resp.TransactionalMetaData = append(resp.TransactionalMetaData, model.TransactionalMetaData{
					SourceSystemDispatchReference: dispatch,
					EthereumTransactionID:         s.EthereumTransactionID,
					Key:                           s.Key,
					Seal:                          s.Seal,
					InclusionProof:                s.Inclusion,
				})
			}

			if !s.Confirmed() {
				pending++
				d.MatchStatus = model.MatchPending
				d.StatusReason = model.ReasonAwaitingAnchor
				if s.AnchorState == model.AnchorFailed {
					d.StatusReason = model.ReasonAnchoringFailed
				}
				resp.MatchDetails = append(resp.MatchDetails, d)
				continue
			}

			// Seals anchored before proofs were recorded have none to check.
			if s.Inclusion != nil && !anchoring.VerifyInclusion(s) {
				d.MatchStatus = model.MatchFail
				d.StatusReason = model.ReasonInclusionBroken
				resp.MatchDetails = append(resp.MatchDetails, d)
				continue
			}

			ok, err := e.sealer.Matches(req.ServiceAgreementID, dispatch, it.Key, it.Value, s.Seal)
			if err != nil {
				return nil, 0, 0, fmt.Errorf("recompute seal: %w", err)
			}
			if ok {
				d.MatchStatus = model.MatchPass
			} else {
				d.MatchStatus = model.MatchFail
				d.StatusReason = model.ReasonValueMismatch
			}
			resp.MatchDetails = append(resp.MatchDetails, d)
		}
	}
	return resp, pending, order, nil
}
