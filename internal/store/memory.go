package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evident-proof/evident/internal/ledger"
	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

type sealKey struct {
	agreement uuid.UUID
	dispatch  string
	key       string
}

// Memory is an in-memory, thread-safe Store. Every mutation is validated
// under the write lock, written to the journal (when one is attached) and
// only then applied, so a journal replay rebuilds exactly the same state.
type Memory struct {
	mu      sync.RWMutex
	journal Journal

	agreements map[uuid.UUID]*model.ServiceAgreement
	receipts   map[uuid.UUID]*model.Receipt
	seals      map[uuid.UUID]*model.SealedEvidence
	sealIndex  map[sealKey]*model.SealedEvidence
	entries    map[uuid.UUID][]*model.LedgerEntry
	certs      map[uuid.UUID]*model.Certificate
	calls      map[uuid.UUID][]model.APICall
}

// NewMemory returns an empty, non-durable Memory store.
func NewMemory() *Memory {
	return &Memory{
		agreements: make(map[uuid.UUID]*model.ServiceAgreement),
		receipts:   make(map[uuid.UUID]*model.Receipt),
		seals:      make(map[uuid.UUID]*model.SealedEvidence),
		sealIndex:  make(map[sealKey]*model.SealedEvidence),
		entries:    make(map[uuid.UUID][]*model.LedgerEntry),
		certs:      make(map[uuid.UUID]*model.Certificate),
		calls:      make(map[uuid.UUID][]model.APICall),
	}
}

// NewJournaled returns a Memory store rebuilt from j and journaling to it.
func NewJournaled(j Journal) (*Memory, error) {
	m := NewMemory()
	if err := j.Replay(func(r *record) error {
		return m.apply(r)
	}); err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	m.journal = j
	return m, nil
}

// commit journals r and applies it. Callers hold m.mu.
func (m *Memory) commit(r *record) error {
	if m.journal != nil {
		if err := m.journal.Append(r); err != nil {
			return fmt.Errorf("journal %s: %w", r.Op, err)
		}
	}
	return m.apply(r)
}

func (m *Memory) apply(r *record) error {
	switch r.Op {
	case opAgreement:
		a := *r.Agreement
		a.APIKeyHash = r.APIKeyHash
		m.agreements[a.ID] = &a
	case opReceipt:
		rc := *r.Receipt
		rc.Evidence = make([]*model.SealedEvidence, len(r.Receipt.Evidence))
		for i, s := range r.Receipt.Evidence {
			cp := cloneSeal(s)
			m.seals[cp.ID] = cp
			m.sealIndex[sealKey{cp.ServiceAgreementID, cp.DispatchReference, cp.Key}] = cp
			rc.Evidence[i] = cp
		}
		m.receipts[rc.ID] = &rc
		for _, e := range r.Entries {
			m.appendEntry(e)
		}
	case opLedger:
		for _, e := range r.Entries {
			m.appendEntry(e)
		}
	case opClaim:
		for _, id := range r.SealIDs {
			s := m.seals[id]
			if s == nil {
				return fmt.Errorf("claim: unknown seal %s", id)
			}
			batch := r.BatchID
			s.AnchorState = model.AnchorBatched
			s.BatchID = &batch
		}
	case opAnchored:
		for _, s := range m.seals {
			if s.BatchID != nil && *s.BatchID == r.BatchID && s.AnchorState == model.AnchorBatched && s.EthereumTransactionID == nil {
				tx, at := r.TxID, r.At
				s.EthereumTransactionID = &tx
				s.AnchoredAt = &at
				s.AnchorState = model.AnchorAnchored
				s.Inclusion = cloneInclusion(r.Proofs[s.ID])
			}
		}
	case opFailed:
		for _, s := range m.seals {
			if s.BatchID != nil && *s.BatchID == r.BatchID && s.AnchorState == model.AnchorBatched {
				s.AnchorState = model.AnchorFailed
			}
		}
	case opRequeue:
		for _, id := range r.SealIDs {
			if s := m.seals[id]; s != nil && s.EthereumTransactionID == nil {
				s.AnchorState = model.AnchorQueued
				s.BatchID = nil
			}
		}
	case opDraft, opFinal:
		m.certs[r.Certificate.ID] = cloneCertificate(r.Certificate)
		for _, e := range r.Entries {
			m.appendEntry(e)
		}
	case opAPICall:
		m.calls[r.Call.ServiceAgreementID] = append(m.calls[r.Call.ServiceAgreementID], *r.Call)
	default:
		return fmt.Errorf("unknown journal op %q", r.Op)
	}
	return nil
}

func (m *Memory) appendEntry(e *model.LedgerEntry) {
	cp := *e
	m.entries[e.ServiceAgreementID] = append(m.entries[e.ServiceAgreementID], &cp)
}

// link chains e onto the agreement's tail without storing it.
func (m *Memory) link(e *model.LedgerEntry, pending []*model.LedgerEntry) {
	chain := m.entries[e.ServiceAgreementID]
	var prev *model.LedgerEntry
	if n := len(pending); n > 0 {
		prev = pending[n-1]
	} else if n := len(chain); n > 0 {
		prev = chain[n-1]
	}
	ledger.Link(prev, e)
}

func (m *Memory) pending(agreementID uuid.UUID) model.Tokens {
	var sum model.Tokens
	for _, e := range m.entries[agreementID] {
		sum += e.Delta
	}
	return sum
}

func (m *Memory) confirmed(e *model.LedgerEntry) bool {
	if e.ReceiptID == nil {
		return true
	}
	r, ok := m.receipts[*e.ReceiptID]
	return ok && r.Anchored()
}

func (m *Memory) CreateAgreement(_ context.Context, a *model.ServiceAgreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agreements[a.ID]; ok {
		return model.Invalid("id", "service agreement %s already exists", a.ID)
	}
	return m.commit(&record{Op: opAgreement, Agreement: a, APIKeyHash: a.APIKeyHash})
}

func (m *Memory) GetAgreement(_ context.Context, id uuid.UUID) (*model.ServiceAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, &model.NotFoundError{Resource: "service agreement", ID: id.String()}
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) CreateReceipt(_ context.Context, r *model.Receipt, entries []*model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agreements[r.ServiceAgreementID]
	if !ok {
		return &model.NotFoundError{Resource: "service agreement", ID: r.ServiceAgreementID.String()}
	}
	for _, s := range r.Evidence {
		if _, dup := m.sealIndex[sealKey{r.ServiceAgreementID, s.DispatchReference, s.Key}]; dup {
			return &model.DuplicateEvidenceKeyError{DispatchReference: s.DispatchReference, Key: s.Key, AlreadySealed: true}
		}
		s.AnchorState = model.AnchorQueued
	}

	var net model.Tokens
	for _, e := range entries {
		net += e.Delta
	}
	if err := overdraftCheck(a.ID, m.pending(a.ID), net, a.OverdraftLimit); err != nil {
		return err
	}
	for i, e := range entries {
		m.link(e, entries[:i])
	}
	return m.commit(&record{Op: opReceipt, Receipt: r, Entries: entries})
}

func (m *Memory) GetReceipt(_ context.Context, agreementID, id uuid.UUID) (*model.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok || r.ServiceAgreementID != agreementID {
		return nil, &model.NotFoundError{Resource: "receipt", ID: id.String()}
	}
	return cloneReceipt(r), nil
}

func (m *Memory) FindSeal(_ context.Context, agreementID uuid.UUID, dispatchRef, key string) (*model.SealedEvidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sealIndex[sealKey{agreementID, dispatchRef, key}]
	if !ok {
		return nil, &model.NotFoundError{Resource: "seal", ID: dispatchRef + "/" + key}
	}
	return cloneSeal(s), nil
}

func (m *Memory) queued() []*model.SealedEvidence {
	var out []*model.SealedEvidence
	for _, s := range m.seals {
		if s.AnchorState == model.AnchorQueued {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *Memory) QueueStatus(_ context.Context) (QueueStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queued()
	st := QueueStatus{Queued: len(q)}
	if len(q) > 0 {
		st.Oldest = q[0].CreatedAt
	}
	return st, nil
}

func (m *Memory) ClaimBatch(_ context.Context, batchID uuid.UUID, limit int) ([]*model.SealedEvidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queued()
	if limit > 0 && len(q) > limit {
		q = q[:limit]
	}
	if len(q) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(q))
	for i, s := range q {
		ids[i] = s.ID
	}
	if err := m.commit(&record{Op: opClaim, BatchID: batchID, SealIDs: ids}); err != nil {
		return nil, err
	}
	out := make([]*model.SealedEvidence, len(q))
	for i, s := range q {
		out[i] = cloneSeal(s)
	}
	return out, nil
}

func (m *Memory) countBatch(batchID uuid.UUID, unanchoredOnly bool) int {
	n := 0
	for _, s := range m.seals {
		if s.BatchID == nil || *s.BatchID != batchID || s.AnchorState != model.AnchorBatched {
			continue
		}
		if unanchoredOnly && s.EthereumTransactionID != nil {
			continue
		}
		n++
	}
	return n
}

func (m *Memory) MarkAnchored(_ context.Context, batchID uuid.UUID, txID string, at time.Time, proofs map[uuid.UUID]*model.InclusionProof) (int, error) {
	if txID == "" {
		return 0, model.Invalid("txID", "transaction id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.countBatch(batchID, true)
	if n == 0 {
		return 0, nil
	}
	return n, m.commit(&record{Op: opAnchored, BatchID: batchID, TxID: txID, At: at.UTC(), Proofs: proofs})
}

func (m *Memory) MarkAnchoringFailed(_ context.Context, batchID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.countBatch(batchID, false)
	if n == 0 {
		return 0, nil
	}
	return n, m.commit(&record{Op: opFailed, BatchID: batchID})
}

func (m *Memory) requeueWhere(match func(*model.SealedEvidence) bool) (int, error) {
	var ids []uuid.UUID
	for _, s := range m.seals {
		if match(s) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), m.commit(&record{Op: opRequeue, SealIDs: ids})
}

func (m *Memory) ReleaseBatches(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueWhere(func(s *model.SealedEvidence) bool {
		return s.AnchorState == model.AnchorBatched && s.EthereumTransactionID == nil
	})
}

func (m *Memory) RequeueFailed(_ context.Context, agreementID *uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueWhere(func(s *model.SealedEvidence) bool {
		if agreementID != nil && s.ServiceAgreementID != *agreementID {
			return false
		}
		return s.AnchorState == model.AnchorFailed
	})
}

func (m *Memory) GetCertificate(_ context.Context, agreementID, id uuid.UUID) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[id]
	if !ok || c.ServiceAgreementID != agreementID {
		return nil, &model.NotFoundError{Resource: "certificate", ID: id.String()}
	}
	return cloneCertificate(c), nil
}

func (m *Memory) findCert(agreementID uuid.UUID, match func(*model.Certificate) bool) *model.Certificate {
	var best *model.Certificate
	for _, c := range m.certs {
		if c.ServiceAgreementID != agreementID || !match(c) {
			continue
		}
		switch {
		case best == nil:
			best = c
		case c.Final() && !best.Final():
			best = c
		case c.Final() == best.Final() && c.UpdatedAt.After(best.UpdatedAt):
			best = c
		}
	}
	return best
}

func (m *Memory) FindCertificateByKey(_ context.Context, agreementID uuid.UUID, idempotencyKey string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.findCert(agreementID, func(c *model.Certificate) bool { return c.IdempotencyKey == idempotencyKey })
	if c == nil {
		return nil, &model.NotFoundError{Resource: "certificate", ID: idempotencyKey}
	}
	return cloneCertificate(c), nil
}

func (m *Memory) FindCertificateByClientKey(_ context.Context, agreementID uuid.UUID, clientKey string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.findCert(agreementID, func(c *model.Certificate) bool { return clientKey != "" && c.ClientKey == clientKey })
	if c == nil {
		return nil, &model.NotFoundError{Resource: "certificate", ID: clientKey}
	}
	return cloneCertificate(c), nil
}

func (m *Memory) SaveDraft(_ context.Context, c *model.Certificate) error {
	if c.Final() {
		return model.Invalid("status", "SaveDraft called with a final certificate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.certs[c.ID]; ok && old.Final() {
		return &model.CertificateAlreadyFinalizedError{CertificateID: c.ID}
	}
	return m.commit(&record{Op: opDraft, Certificate: c})
}

func (m *Memory) FinalizeCertificate(_ context.Context, c *model.Certificate, fee *model.LedgerEntry) (*model.Certificate, bool, error) {
	if !c.Final() {
		return nil, false, model.Invalid("status", "FinalizeCertificate called with a draft certificate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findCert(c.ServiceAgreementID, func(x *model.Certificate) bool {
		return x.Final() && x.IdempotencyKey == c.IdempotencyKey
	}); existing != nil {
		return cloneCertificate(existing), false, nil
	}
	if old, ok := m.certs[c.ID]; ok && old.Final() {
		return nil, false, &model.CertificateAlreadyFinalizedError{CertificateID: c.ID}
	}

	var entries []*model.LedgerEntry
	if fee != nil {
		a, ok := m.agreements[fee.ServiceAgreementID]
		if !ok {
			return nil, false, &model.NotFoundError{Resource: "service agreement", ID: fee.ServiceAgreementID.String()}
		}
		if err := overdraftCheck(a.ID, m.pending(a.ID), fee.Delta, a.OverdraftLimit); err != nil {
			return nil, false, err
		}
		m.link(fee, nil)
		entries = append(entries, fee)
	}
	if err := m.commit(&record{Op: opFinal, Certificate: c, Entries: entries}); err != nil {
		return nil, false, err
	}
	return cloneCertificate(c), true, nil
}

func (m *Memory) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry, enforceOverdraft bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[e.ServiceAgreementID]
	if !ok {
		return &model.NotFoundError{Resource: "service agreement", ID: e.ServiceAgreementID.String()}
	}
	if enforceOverdraft {
		if err := overdraftCheck(a.ID, m.pending(a.ID), e.Delta, a.OverdraftLimit); err != nil {
			return err
		}
	}
	m.link(e, nil)
	return m.commit(&record{Op: opLedger, Entries: []*model.LedgerEntry{e}})
}

func (m *Memory) ListLedgerEntries(_ context.Context, agreementID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.entries[agreementID]
	out := make([]*model.LedgerEntry, 0, limit)
	for i := len(chain) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *chain[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) LedgerChain(_ context.Context, agreementID uuid.UUID) ([]*model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.entries[agreementID]
	out := make([]*model.LedgerEntry, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) LedgerBalances(_ context.Context, agreementID uuid.UUID) (model.Tokens, model.Tokens, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	confirmed, pending := m.balances(agreementID)
	return confirmed, pending, nil
}

func (m *Memory) balances(agreementID uuid.UUID) (confirmed, pending model.Tokens) {
	for _, e := range m.entries[agreementID] {
		pending += e.Delta
		if m.confirmed(e) {
			confirmed += e.Delta
		}
	}
	return confirmed, pending
}

func (m *Memory) RecordAPICall(_ context.Context, call model.APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commit(&record{Op: opAPICall, Call: &call})
}

func (m *Memory) Statistics(_ context.Context, agreementID uuid.UUID, win model.Windows) (*model.StatisticsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &model.StatisticsSnapshot{ServiceAgreementID: agreementID, GeneratedAt: win.Now}
	for _, s := range m.seals {
		if s.ServiceAgreementID != agreementID || s.CreatedAt.After(win.Now) {
			continue
		}
		snap.SealsStored.Add(s.CreatedAt, win)
		switch s.AnchorState {
		case model.AnchorQueued, model.AnchorBatched:
			snap.SealsPendingAnchoring++
		case model.AnchorFailed:
			snap.SealsAnchoringFailed++
		}
	}
	for _, c := range m.certs {
		if c.ServiceAgreementID != agreementID {
			continue
		}
		if !c.Final() {
			snap.DraftCertificates++
			continue
		}
		if c.FinalizedAt != nil && !c.FinalizedAt.After(win.Now) {
			snap.CertificatesIssued.Add(*c.FinalizedAt, win)
		}
	}
	for _, call := range m.calls[agreementID] {
		if !call.At.After(win.Now) {
			snap.APICalls.Add(call.At, win)
		}
	}
	snap.ConfirmedBalance, snap.PendingBalance = m.balances(agreementID)
	return snap, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Close closes the attached journal, if any.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.journal == nil {
		return nil
	}
	err := m.journal.Close()
	m.journal = nil
	return err
}
