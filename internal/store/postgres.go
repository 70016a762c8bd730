package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evident-proof/evident/internal/ledger"
	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Store backed by PostgreSQL. Writes for one service
// agreement are serialised with a transaction-scoped advisory lock, so the
// ledger chain tail and the overdraft check are read and extended atomically.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ConnectPostgres creates a pool for dsn with the given connection limit.
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgres(pool), nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockAgreement takes the per-agreement advisory lock for the current tx.
func lockAgreement(ctx context.Context, tx pgx.Tx, agreementID uuid.UUID) error {
	key := int64(binary.BigEndian.Uint64(agreementID[:8]))
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── agreements ───────────────────────────────────────────────────────────

func (p *Postgres) CreateAgreement(ctx context.Context, a *model.ServiceAgreement) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO service_agreements (id, name, api_key_hash, overdraft_limit, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Name, a.APIKeyHash, a.OverdraftLimit, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Invalid("id", "service agreement %s already exists", a.ID)
		}
		return fmt.Errorf("create agreement: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgreement(ctx context.Context, id uuid.UUID) (*model.ServiceAgreement, error) {
	return getAgreement(ctx, p.pool, id)
}

func getAgreement(ctx context.Context, q querier, id uuid.UUID) (*model.ServiceAgreement, error) {
	a := &model.ServiceAgreement{}
	err := q.QueryRow(ctx,
		`SELECT id, name, api_key_hash, overdraft_limit, created_at
		 FROM service_agreements WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.OverdraftLimit, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "service agreement", ID: id.String()}
		}
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	return a, nil
}

// ── ledger ───────────────────────────────────────────────────────────────

const ledgerCols = `idx, agreement_id, delta, reason, receipt_id, certificate_id, memo, ts, prev_hash, hash`

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{}
	if err := row.Scan(&e.Index, &e.ServiceAgreementID, &e.Delta, &e.Reason,
		&e.ReceiptID, &e.CertificateID, &e.Memo, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// appendEntries links and inserts entries for one agreement. The caller holds
// the agreement lock.
func appendEntries(ctx context.Context, tx pgx.Tx, entries []*model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var prev *model.LedgerEntry
	row := tx.QueryRow(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE agreement_id = $1 ORDER BY idx DESC LIMIT 1`,
		entries[0].ServiceAgreementID)
	tail, err := scanEntry(row)
	switch {
	case err == nil:
		prev = tail
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("read ledger tail: %w", err)
	}

	for _, e := range entries {
		ledger.Link(prev, e)
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (`+ledgerCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.Index, e.ServiceAgreementID, e.Delta, e.Reason, e.ReceiptID, e.CertificateID,
			e.Memo, e.Timestamp, e.PrevHash, e.Hash,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		prev = e
	}
	return nil
}

func pendingBalance(ctx context.Context, q querier, agreementID uuid.UUID) (model.Tokens, error) {
	var sum model.Tokens
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE agreement_id = $1`, agreementID,
	).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

// checkOverdraft verifies that adding net to the agreement keeps it within
// its overdraft limit. The caller holds the agreement lock.
func checkOverdraft(ctx context.Context, tx pgx.Tx, agreementID uuid.UUID, net model.Tokens) error {
	a, err := getAgreement(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if net >= 0 {
		return nil
	}
	pending, err := pendingBalance(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	return overdraftCheck(agreementID, pending, net, a.OverdraftLimit)
}

func (p *Postgres) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry, enforceOverdraft bool) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAgreement(ctx, tx, e.ServiceAgreementID); err != nil {
			return err
		}
		net := e.Delta
		if !enforceOverdraft {
			net = 0
		}
		if err := checkOverdraft(ctx, tx, e.ServiceAgreementID, net); err != nil {
			return err
		}
		return appendEntries(ctx, tx, []*model.LedgerEntry{e})
	})
}

func (p *Postgres) ListLedgerEntries(ctx context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	return p.queryEntries(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE agreement_id = $1
		 ORDER BY idx DESC LIMIT $2 OFFSET $3`, agreementID, limit, offset)
}

func (p *Postgres) LedgerChain(ctx context.Context, agreementID uuid.UUID) ([]*model.LedgerEntry, error) {
	return p.queryEntries(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE agreement_id = $1 ORDER BY idx ASC`, agreementID)
}

func (p *Postgres) queryEntries(ctx context.Context, sql string, args ...any) ([]*model.LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// balancesSQL sums every entry (pending) and the entries whose receipt, if
// any, has no unanchored seal left (confirmed).
const balancesSQL = `
	SELECT
		COALESCE(SUM(l.delta) FILTER (WHERE l.receipt_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM sealed_evidence s WHERE s.receipt_id = l.receipt_id AND s.eth_tx_id IS NULL
		)), 0),
		COALESCE(SUM(l.delta), 0)
	FROM ledger_entries l WHERE l.agreement_id = $1`

func (p *Postgres) LedgerBalances(ctx context.Context, agreementID uuid.UUID) (model.Tokens, model.Tokens, error) {
	var confirmed, pending model.Tokens
	if err := p.pool.QueryRow(ctx, balancesSQL, agreementID).Scan(&confirmed, &pending); err != nil {
		return 0, 0, fmt.Errorf("ledger balances: %w", err)
	}
	return confirmed, pending, nil
}

// ── receipts and seals ───────────────────────────────────────────────────

const sealCols = `id, agreement_id, receipt_id, dispatch_reference, key, seal, storage_band,
	storage_cost, reward, value_size, anchor_state, batch_id, eth_tx_id, anchored_at, inclusion_proof, created_at`

func scanSeal(row pgx.Row) (*model.SealedEvidence, error) {
	s := &model.SealedEvidence{}
	var raw, proof []byte
	if err := row.Scan(&s.ID, &s.ServiceAgreementID, &s.ReceiptID, &s.DispatchReference, &s.Key,
		&raw, &s.StorageBand, &s.StorageCost, &s.Reward, &s.ValueSize, &s.AnchorState,
		&s.BatchID, &s.EthereumTransactionID, &s.AnchoredAt, &proof, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Seal = raw
	if len(proof) > 0 && string(proof) != "null" {
		s.Inclusion = &model.InclusionProof{}
		if err := json.Unmarshal(proof, s.Inclusion); err != nil {
			return nil, fmt.Errorf("decode inclusion proof: %w", err)
		}
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if s.AnchoredAt != nil {
		at := s.AnchoredAt.UTC()
		s.AnchoredAt = &at
	}
	return s, nil
}

func collectSeals(rows pgx.Rows) ([]*model.SealedEvidence, error) {
	defer rows.Close()
	var out []*model.SealedEvidence
	for rows.Next() {
		s, err := scanSeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateReceipt(ctx context.Context, r *model.Receipt, entries []*model.LedgerEntry) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAgreement(ctx, tx, r.ServiceAgreementID); err != nil {
			return err
		}
		var net model.Tokens
		for _, e := range entries {
			net += e.Delta
		}
		if err := checkOverdraft(ctx, tx, r.ServiceAgreementID, net); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO receipts (id, agreement_id, dispatch_reference, when_at, where_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.ServiceAgreementID, r.Header.SourceSystemDispatchReference,
			r.Header.When, r.Header.Where, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}

		for i, s := range r.Evidence {
			s.AnchorState = model.AnchorQueued
			if _, err := tx.Exec(ctx,
				`INSERT INTO sealed_evidence (id, agreement_id, receipt_id, position, dispatch_reference, key, seal,
				     storage_band, storage_cost, reward, value_size, anchor_state, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				s.ID, s.ServiceAgreementID, r.ID, i, s.DispatchReference, s.Key, []byte(s.Seal),
				s.StorageBand, s.StorageCost, s.Reward, s.ValueSize, s.AnchorState, s.CreatedAt,
			); err != nil {
				if isUniqueViolation(err) {
					return &model.DuplicateEvidenceKeyError{DispatchReference: s.DispatchReference, Key: s.Key, AlreadySealed: true}
				}
				return fmt.Errorf("insert seal: %w", err)
			}
		}
		return appendEntries(ctx, tx, entries)
	})
}

func (p *Postgres) GetReceipt(ctx context.Context, agreementID, id uuid.UUID) (*model.Receipt, error) {
	r := &model.Receipt{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, agreement_id, dispatch_reference, when_at, where_at, created_at
		 FROM receipts WHERE id = $1 AND agreement_id = $2`, id, agreementID,
	).Scan(&r.ID, &r.ServiceAgreementID, &r.Header.SourceSystemDispatchReference,
		&r.Header.When, &r.Header.Where, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "receipt", ID: id.String()}
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.Header.When = r.Header.When.UTC()
	r.CreatedAt = r.CreatedAt.UTC()

	rows, err := p.pool.Query(ctx,
		`SELECT `+sealCols+` FROM sealed_evidence WHERE receipt_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query receipt seals: %w", err)
	}
	if r.Evidence, err = collectSeals(rows); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Postgres) FindSeal(ctx context.Context, agreementID uuid.UUID, dispatchRef, key string) (*model.SealedEvidence, error) {
	s, err := scanSeal(p.pool.QueryRow(ctx,
		`SELECT `+sealCols+` FROM sealed_evidence
		 WHERE agreement_id = $1 AND dispatch_reference = $2 AND key = $3`,
		agreementID, dispatchRef, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "seal", ID: dispatchRef + "/" + key}
		}
		return nil, fmt.Errorf("find seal: %w", err)
	}
	return s, nil
}

// ── anchoring queue ──────────────────────────────────────────────────────

func (p *Postgres) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	var oldest *time.Time
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM sealed_evidence WHERE anchor_state = 'queued'`,
	).Scan(&st.Queued, &oldest); err != nil {
		return st, fmt.Errorf("queue status: %w", err)
	}
	if oldest != nil {
		st.Oldest = oldest.UTC()
	}
	return st, nil
}

func (p *Postgres) ClaimBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*model.SealedEvidence, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE sealed_evidence SET anchor_state = 'batched', batch_id = $1
		 WHERE id IN (
		     SELECT id FROM sealed_evidence WHERE anchor_state = 'queued'
		     ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+sealCols, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	seals, err := collectSeals(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(seals, func(i, j int) bool {
		if !seals[i].CreatedAt.Equal(seals[j].CreatedAt) {
			return seals[i].CreatedAt.Before(seals[j].CreatedAt)
		}
		return seals[i].ID.String() < seals[j].ID.String()
	})
	return seals, nil
}

func (p *Postgres) exec(ctx context.Context, what, sql string, args ...any) (int, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) MarkAnchored(ctx context.Context, batchID uuid.UUID, txID string, at time.Time, proofs map[uuid.UUID]*model.InclusionProof) (int, error) {
	if txID == "" {
		return 0, model.Invalid("txID", "transaction id must not be empty")
	}
	byID := make(map[string]*model.InclusionProof, len(proofs))
	for id, proof := range proofs {
		byID[id.String()] = proof
	}
	doc, err := json.Marshal(byID)
	if err != nil {
		return 0, fmt.Errorf("encode inclusion proofs: %w", err)
	}
	return p.exec(ctx, "mark anchored",
		`UPDATE sealed_evidence SET anchor_state = 'anchored', eth_tx_id = $2, anchored_at = $3,
		        inclusion_proof = $4::jsonb -> id::text
		 WHERE batch_id = $1 AND anchor_state = 'batched' AND eth_tx_id IS NULL`,
		batchID, txID, at.UTC(), string(doc))
}

func (p *Postgres) MarkAnchoringFailed(ctx context.Context, batchID uuid.UUID) (int, error) {
	return p.exec(ctx, "mark anchoring failed",
		`UPDATE sealed_evidence SET anchor_state = 'failed'
		 WHERE batch_id = $1 AND anchor_state = 'batched'`, batchID)
}

func (p *Postgres) ReleaseBatches(ctx context.Context) (int, error) {
	return p.exec(ctx, "release batches",
		`UPDATE sealed_evidence SET anchor_state = 'queued', batch_id = NULL
		 WHERE anchor_state = 'batched' AND eth_tx_id IS NULL`)
}

func (p *Postgres) RequeueFailed(ctx context.Context, agreementID *uuid.UUID) (int, error) {
	return p.exec(ctx, "requeue failed",
		`UPDATE sealed_evidence SET anchor_state = 'queued', batch_id = NULL
		 WHERE anchor_state = 'failed' AND ($1::uuid IS NULL OR agreement_id = $1)`, agreementID)
}

// ── certificates ─────────────────────────────────────────────────────────

const certCols = `id, agreement_id, requester_name, idempotency_key, client_key, content_hash, status,
	receipts, additional_data, response, fee_charged, created_at, updated_at, finalized_at`

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	c := &model.Certificate{}
	var receipts, additional, response []byte
	if err := row.Scan(&c.ID, &c.ServiceAgreementID, &c.RequesterName, &c.IdempotencyKey, &c.ClientKey,
		&c.ContentHash, &c.Status, &receipts, &additional, &response, &c.FeeCharged,
		&c.CreatedAt, &c.UpdatedAt, &c.FinalizedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(receipts, &c.Receipts); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	if len(additional) > 0 && string(additional) != "null" {
		c.AdditionalData = &model.AdditionalData{}
		if err := json.Unmarshal(additional, c.AdditionalData); err != nil {
			return nil, fmt.Errorf("decode additional data: %w", err)
		}
	}
	c.Response = &model.ProofCertificateResponse{}
	if err := json.Unmarshal(response, c.Response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c, nil
}

func (p *Postgres) findCertificate(ctx context.Context, q querier, what, sql string, args ...any) (*model.Certificate, error) {
	c, err := scanCertificate(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "certificate", ID: what}
		}
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return c, nil
}

func (p *Postgres) GetCertificate(ctx context.Context, agreementID, id uuid.UUID) (*model.Certificate, error) {
	return p.findCertificate(ctx, p.pool, id.String(),
		`SELECT `+certCols+` FROM certificates WHERE id = $1 AND agreement_id = $2`, id, agreementID)
}

func (p *Postgres) FindCertificateByKey(ctx context.Context, agreementID uuid.UUID, idempotencyKey string) (*model.Certificate, error) {
	return p.findCertificate(ctx, p.pool, idempotencyKey,
		`SELECT `+certCols+` FROM certificates WHERE agreement_id = $1 AND idempotency_key = $2
		 ORDER BY (status = 'final') DESC, updated_at DESC LIMIT 1`, agreementID, idempotencyKey)
}

func (p *Postgres) FindCertificateByClientKey(ctx context.Context, agreementID uuid.UUID, clientKey string) (*model.Certificate, error) {
	if clientKey == "" {
		return nil, &model.NotFoundError{Resource: "certificate", ID: clientKey}
	}
	return p.findCertificate(ctx, p.pool, clientKey,
		`SELECT `+certCols+` FROM certificates WHERE agreement_id = $1 AND client_key = $2
		 ORDER BY (status = 'final') DESC, updated_at DESC LIMIT 1`, agreementID, clientKey)
}

func upsertCertificate(ctx context.Context, tx pgx.Tx, c *model.Certificate) error {
	receipts, err := json.Marshal(c.Receipts)
	if err != nil {
		return fmt.Errorf("encode receipts: %w", err)
	}
	var additional []byte
	if c.AdditionalData != nil {
		if additional, err = json.Marshal(c.AdditionalData); err != nil {
			return fmt.Errorf("encode additional data: %w", err)
		}
	}
	response, err := json.Marshal(c.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO certificates (`+certCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     requester_name = EXCLUDED.requester_name,
		     idempotency_key = EXCLUDED.idempotency_key,
		     client_key = EXCLUDED.client_key,
		     content_hash = EXCLUDED.content_hash,
		     status = EXCLUDED.status,
		     receipts = EXCLUDED.receipts,
		     additional_data = EXCLUDED.additional_data,
		     response = EXCLUDED.response,
		     fee_charged = EXCLUDED.fee_charged,
		     updated_at = EXCLUDED.updated_at,
		     finalized_at = EXCLUDED.finalized_at
		 WHERE certificates.status = 'draft'`,
		c.ID, c.ServiceAgreementID, c.RequesterName, c.IdempotencyKey, c.ClientKey, c.ContentHash,
		c.Status, receipts, additional, response, c.FeeCharged, c.CreatedAt, c.UpdatedAt, c.FinalizedAt)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}
	return nil
}

func (p *Postgres) SaveDraft(ctx context.Context, c *model.Certificate) error {
	if c.Final() {
		return model.Invalid("status", "SaveDraft called with a final certificate")
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAgreement(ctx, tx, c.ServiceAgreementID); err != nil {
			return err
		}
		var status model.CertificateStatus
		err := tx.QueryRow(ctx, `SELECT status FROM certificates WHERE id = $1`, c.ID).Scan(&status)
		switch {
		case err == nil && status == model.CertificateFinal:
			return &model.CertificateAlreadyFinalizedError{CertificateID: c.ID}
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("read certificate status: %w", err)
		}
		return upsertCertificate(ctx, tx, c)
	})
}

func (p *Postgres) FinalizeCertificate(ctx context.Context, c *model.Certificate, fee *model.LedgerEntry) (*model.Certificate, bool, error) {
	if !c.Final() {
		return nil, false, model.Invalid("status", "FinalizeCertificate called with a draft certificate")
	}
	var existing *model.Certificate
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockAgreement(ctx, tx, c.ServiceAgreementID); err != nil {
			return err
		}
		prior, err := p.findCertificate(ctx, tx, c.IdempotencyKey,
			`SELECT `+certCols+` FROM certificates
			 WHERE agreement_id = $1 AND idempotency_key = $2 AND status = 'final'`,
			c.ServiceAgreementID, c.IdempotencyKey)
		switch {
		case err == nil:
			existing = prior
			return nil
		case !model.IsNotFound(err):
			return err
		}

		var status model.CertificateStatus
		err = tx.QueryRow(ctx, `SELECT status FROM certificates WHERE id = $1`, c.ID).Scan(&status)
		switch {
		case err == nil && status == model.CertificateFinal:
			return &model.CertificateAlreadyFinalizedError{CertificateID: c.ID}
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("read certificate status: %w", err)
		}

		if fee != nil {
			if err := checkOverdraft(ctx, tx, fee.ServiceAgreementID, fee.Delta); err != nil {
				return err
			}
			if err := appendEntries(ctx, tx, []*model.LedgerEntry{fee}); err != nil {
				return err
			}
		}
		return upsertCertificate(ctx, tx, c)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return c, true, nil
}

// ── API calls and statistics ─────────────────────────────────────────────

func (p *Postgres) RecordAPICall(ctx context.Context, call model.APICall) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_calls (agreement_id, operation, at) VALUES ($1, $2, $3)`,
		call.ServiceAgreementID, call.Operation, call.At)
	if err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

func windowCounts(ctx context.Context, tx pgx.Tx, sql string, agreementID uuid.UUID, win model.Windows, dst *model.WindowCounts, extra ...any) error {
	args := []any{agreementID, win.Now, win.Today, win.Last7Days, win.Last30Days}
	dests := []any{&dst.Today, &dst.Last7Days, &dst.Last30Days, &dst.AllTime}
	return tx.QueryRow(ctx, sql, args...).Scan(append(dests, extra...)...)
}

func (p *Postgres) Statistics(ctx context.Context, agreementID uuid.UUID, win model.Windows) (*model.StatisticsSnapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	snap := &model.StatisticsSnapshot{ServiceAgreementID: agreementID, GeneratedAt: win.Now}

	if err := windowCounts(ctx, tx, `
		SELECT COUNT(*) FILTER (WHERE created_at >= $3),
		       COUNT(*) FILTER (WHERE created_at >= $4),
		       COUNT(*) FILTER (WHERE created_at >= $5),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE anchor_state IN ('queued', 'batched')),
		       COUNT(*) FILTER (WHERE anchor_state = 'failed')
		FROM sealed_evidence WHERE agreement_id = $1 AND created_at <= $2`,
		agreementID, win, &snap.SealsStored, &snap.SealsPendingAnchoring, &snap.SealsAnchoringFailed,
	); err != nil {
		return nil, fmt.Errorf("count seals: %w", err)
	}

	if err := windowCounts(ctx, tx, `
		SELECT COUNT(*) FILTER (WHERE status = 'final' AND finalized_at BETWEEN $3 AND $2),
		       COUNT(*) FILTER (WHERE status = 'final' AND finalized_at BETWEEN $4 AND $2),
		       COUNT(*) FILTER (WHERE status = 'final' AND finalized_at BETWEEN $5 AND $2),
		       COUNT(*) FILTER (WHERE status = 'final' AND finalized_at <= $2),
		       COUNT(*) FILTER (WHERE status = 'draft')
		FROM certificates WHERE agreement_id = $1`,
		agreementID, win, &snap.CertificatesIssued, &snap.DraftCertificates,
	); err != nil {
		return nil, fmt.Errorf("count certificates: %w", err)
	}

	if err := windowCounts(ctx, tx, `
		SELECT COUNT(*) FILTER (WHERE at >= $3),
		       COUNT(*) FILTER (WHERE at >= $4),
		       COUNT(*) FILTER (WHERE at >= $5),
		       COUNT(*)
		FROM api_calls WHERE agreement_id = $1 AND at <= $2`,
		agreementID, win, &snap.APICalls,
	); err != nil {
		return nil, fmt.Errorf("count api calls: %w", err)
	}

	if err := tx.QueryRow(ctx, balancesSQL, agreementID).Scan(&snap.ConfirmedBalance, &snap.PendingBalance); err != nil {
		return nil, fmt.Errorf("ledger balances: %w", err)
	}
	return snap, tx.Commit(ctx)
}
