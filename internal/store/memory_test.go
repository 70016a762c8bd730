package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evident-proof/evident/internal/ledger"
	"github.com/evident-proof/evident/internal/model"
	"github.com/evident-proof/evident/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgreement(t *testing.T, s store.Store, overdraft model.Tokens) uuid.UUID {
	t.Helper()
	a := &model.ServiceAgreement{
		ID:             uuid.New(),
		Name:           "acme",
		APIKeyHash:     "hash",
		OverdraftLimit: overdraft,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateAgreement(context.Background(), a))
	return a.ID
}

func newReceipt(agreementID uuid.UUID, dispatch string, keys ...string) (*model.Receipt, []*model.LedgerEntry) {
	now := time.Now().UTC()
	r := &model.Receipt{
		ID:                 uuid.New(),
		ServiceAgreementID: agreementID,
		Header:             model.ReceiptHeader{SourceSystemDispatchReference: dispatch, When: now, Where: "Cloud"},
		CreatedAt:          now,
	}
	var cost, reward model.Tokens
	for i, k := range keys {
		r.Evidence = append(r.Evidence, &model.SealedEvidence{
			ID:                 uuid.New(),
			Key:                k,
			Seal:               []byte{1, 2, 3},
			StorageBand:        model.BandSmall,
			StorageCost:        10,
			Reward:             1,
			ServiceAgreementID: agreementID,
			ReceiptID:          r.ID,
			DispatchReference:  dispatch,
			ValueSize:          4,
			CreatedAt:          now.Add(time.Duration(i) * time.Microsecond),
		})
		cost += 10
		reward++
	}
	rid := r.ID
	entries := []*model.LedgerEntry{
		{ServiceAgreementID: agreementID, Delta: -cost, Reason: model.ReasonSealStorage, ReceiptID: &rid, Timestamp: now},
		{ServiceAgreementID: agreementID, Delta: reward, Reason: model.ReasonSealReward, ReceiptID: &rid, Timestamp: now},
	}
	return r, entries
}

func TestMemory_CreateReceiptAndFindSeal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 1000)

	r, entries := newReceipt(agr, "Dispatch001", "Name", "Fax Number")
	require.NoError(t, s.CreateReceipt(ctx, r, entries))

	got, err := s.GetReceipt(ctx, agr, r.ID)
	require.NoError(t, err)
	require.Len(t, got.Evidence, 2)
	assert.Equal(t, "Name", got.Evidence[0].Key)
	assert.Equal(t, model.AnchorQueued, got.Evidence[0].AnchorState)

	seal, err := s.FindSeal(ctx, agr, "Dispatch001", "Fax Number")
	require.NoError(t, err)
	assert.Equal(t, r.Evidence[1].ID, seal.ID)

	_, err = s.FindSeal(ctx, agr, "Dispatch002", "Name")
	assert.True(t, model.IsNotFound(err))

	_, err = s.GetReceipt(ctx, uuid.New(), r.ID)
	assert.True(t, model.IsNotFound(err), "receipt must not be visible to another agreement")
}

func TestMemory_DuplicateKeyRejectsWholeReceipt(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 1000)

	r1, e1 := newReceipt(agr, "D1", "Name")
	require.NoError(t, s.CreateReceipt(ctx, r1, e1))

	r2, e2 := newReceipt(agr, "D1", "Phone", "Name")
	err := s.CreateReceipt(ctx, r2, e2)
	var dup *model.DuplicateEvidenceKeyError
	require.ErrorAs(t, err, &dup)
	assert.True(t, dup.AlreadySealed)
	assert.Equal(t, "Name", dup.Key)

	_, err = s.FindSeal(ctx, agr, "D1", "Phone")
	assert.True(t, model.IsNotFound(err), "no partial write")

	chain, err := s.LedgerChain(ctx, agr)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestMemory_OverdraftRefused(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 15)

	r, entries := newReceipt(agr, "D1", "a", "b") // net -18
	err := s.CreateReceipt(ctx, r, entries)
	var ib *model.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, model.Tokens(-18), ib.Delta)

	_, pending, err := s.LedgerBalances(ctx, agr)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestMemory_ConcurrentSameKeyOneWins(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 10_000)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, e := newReceipt(agr, "D1", "Name")
			errs <- s.CreateReceipt(ctx, r, e)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		var dup *model.DuplicateEvidenceKeyError
		assert.True(t, errors.As(err, &dup), "unexpected error %v", err)
	}
	assert.Equal(t, 1, ok)

	chain, err := s.LedgerChain(ctx, agr)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyChain(chain))
}

func TestMemory_AnchoringLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 1000)

	r, entries := newReceipt(agr, "D1", "a", "b", "c")
	require.NoError(t, s.CreateReceipt(ctx, r, entries))

	st, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Queued)

	confirmed, pending, err := s.LedgerBalances(ctx, agr)
	require.NoError(t, err)
	assert.Zero(t, confirmed)
	assert.Equal(t, model.Tokens(-27), pending)

	batch := uuid.New()
	claimed, err := s.ClaimBatch(ctx, batch, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// A second claim only sees the remaining seal.
	other, err := s.ClaimBatch(ctx, uuid.New(), 10)
	require.NoError(t, err)
	require.Len(t, other, 1)

	n, err := s.MarkAnchored(ctx, batch, "0xabc", time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Write-once: anchoring the same batch again changes nothing.
	n, err = s.MarkAnchored(ctx, batch, "0xdef", time.Now(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.MarkAnchoringFailed(ctx, *other[0].BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetReceipt(ctx, agr, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Anchored())

	n, err = s.RequeueFailed(ctx, &agr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last := uuid.New()
	claimed, err = s.ClaimBatch(ctx, last, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = s.MarkAnchored(ctx, last, "0x123", time.Now(), nil)
	require.NoError(t, err)

	got, err = s.GetReceipt(ctx, agr, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Anchored())
	assert.Equal(t, "0xabc", *got.Evidence[0].EthereumTransactionID)

	confirmed, pending, err = s.LedgerBalances(ctx, agr)
	require.NoError(t, err)
	assert.Equal(t, pending, confirmed)
}

func TestMemory_ReleaseBatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 1000)
	r, entries := newReceipt(agr, "D1", "a")
	require.NoError(t, s.CreateReceipt(ctx, r, entries))

	_, err := s.ClaimBatch(ctx, uuid.New(), 10)
	require.NoError(t, err)
	n, err := s.ReleaseBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)
}

func newCertificate(agr uuid.UUID, key string, status model.CertificateStatus) *model.Certificate {
	now := time.Now().UTC()
	c := &model.Certificate{
		ID:                 uuid.New(),
		ServiceAgreementID: agr,
		RequesterName:      "auditor",
		IdempotencyKey:     key,
		ContentHash:        key,
		Status:             status,
		Response:           &model.ProofCertificateResponse{Status: status},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if status == model.CertificateFinal {
		c.FinalizedAt = &now
	}
	return c
}

func TestMemory_FinalizeCertificateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 100)

	fee := func() *model.LedgerEntry {
		return &model.LedgerEntry{ServiceAgreementID: agr, Delta: -5, Reason: model.ReasonCertificateFee, Timestamp: time.Now()}
	}

	first := newCertificate(agr, "k1", model.CertificateFinal)
	stored, created, err := s.FinalizeCertificate(ctx, first, fee())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	second := newCertificate(agr, "k1", model.CertificateFinal)
	stored, created, err = s.FinalizeCertificate(ctx, second, fee())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	_, pending, err := s.LedgerBalances(ctx, agr)
	require.NoError(t, err)
	assert.Equal(t, model.Tokens(-5), pending, "fee charged once")

	err = s.SaveDraft(ctx, &model.Certificate{ID: first.ID, ServiceAgreementID: agr, Status: model.CertificateDraft})
	var fin *model.CertificateAlreadyFinalizedError
	assert.ErrorAs(t, err, &fin)
}

func TestMemory_DraftPromotion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 100)

	d := newCertificate(agr, "k1", model.CertificateDraft)
	require.NoError(t, s.SaveDraft(ctx, d))

	got, err := s.FindCertificateByKey(ctx, agr, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.CertificateDraft, got.Status)

	f := *d
	now := time.Now().UTC()
	f.Status = model.CertificateFinal
	f.FinalizedAt = &now
	_, created, err := s.FinalizeCertificate(ctx, &f, nil)
	require.NoError(t, err)
	assert.True(t, created)

	got, err = s.GetCertificate(ctx, agr, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Final())

	snap, err := s.Statistics(ctx, agr, model.WindowsAt(time.Now().Add(time.Second)))
	require.NoError(t, err)
	assert.Zero(t, snap.DraftCertificates)
	assert.Equal(t, int64(1), snap.CertificatesIssued.Today)
}

func TestMemory_Statistics(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agr := newAgreement(t, s, 1000)

	for i := 0; i < 3; i++ {
		r, e := newReceipt(agr, fmt.Sprintf("D%d", i), "k")
		require.NoError(t, s.CreateReceipt(ctx, r, e))
	}
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, s.RecordAPICall(ctx, model.APICall{ServiceAgreementID: agr, Operation: model.OpSubmitEvidence, At: old}))
	require.NoError(t, s.RecordAPICall(ctx, model.APICall{ServiceAgreementID: agr, Operation: model.OpSubmitEvidence, At: time.Now()}))

	snap, err := s.Statistics(ctx, agr, model.WindowsAt(time.Now().Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.SealsStored.AllTime)
	assert.Equal(t, int64(3), snap.SealsPendingAnchoring)
	assert.Equal(t, int64(2), snap.APICalls.Last30Days)
	assert.Equal(t, int64(1), snap.APICalls.Last7Days)
	assert.Equal(t, model.Tokens(-27), snap.PendingBalance)
	assert.Zero(t, snap.ConfirmedBalance)
}
