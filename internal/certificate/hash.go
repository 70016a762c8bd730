package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

// sumObject hashes the JSON encoding of v.
func sumObject(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// normalizeReceipts returns a copy with canonical dispatch references and
// timestamps in UTC so equal instants hash equally.
func normalizeReceipts(receipts []model.RequestReceipt) []model.RequestReceipt {
	out := make([]model.RequestReceipt, len(receipts))
	for i, r := range receipts {
		out[i] = r
		out[i].Header.SourceSystemDispatchReference = model.NormalizeDispatchReference(r.Header.SourceSystemDispatchReference)
		out[i].Header.When = r.Header.When.UTC()
		out[i].Evidence = append([]model.EvidenceItem(nil), r.Evidence...)
	}
	return out
}

// ReceiptsHash is the canonical content hash of a receipts list.
func ReceiptsHash(receipts []model.RequestReceipt) (string, error) {
	h, err := sumObject(normalizeReceipts(receipts))
	if err != nil {
		return "", fmt.Errorf("hash receipts: %w", err)
	}
	return h, nil
}

// IdempotencyKey derives the finalization key from (agreement, receipts
// content hash, requester name).
func IdempotencyKey(agreementID uuid.UUID, receiptsHash, requesterName string) string {
	h := sha256.New()
	h.Write(agreementID[:])
	fmt.Fprintf(h, "|%d:%s|%d:%s", len(receiptsHash), receiptsHash, len(requesterName), requesterName)
	return hex.EncodeToString(h.Sum(nil))
}

// contentHash covers everything a client-supplied idempotency key protects.
// Status is excluded: a key first used for a draft may promote it to final.
func contentHash(req *Request, receiptsHash string) (string, error) {
	return sumObject(struct {
		Receipts       string                `json:"receipts"`
		RequesterName  string                `json:"requesterName"`
		AdditionalData *model.AdditionalData `json:"additionalData,omitempty"`
	}{receiptsHash, req.RequesterName, req.AdditionalData})
}
