package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first entry of every agreement's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashEntry computes the deterministic SHA-256 hash over an entry's fields.
// String fields are length-prefixed so no choice of Memo or Reason can
// shift bytes into a neighbouring field.
func HashEntry(e *model.LedgerEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d", e.Index, e.Delta)
	for _, field := range []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ServiceAgreementID.String(),
		string(e.Reason),
		optionalID(e.ReceiptID),
		optionalID(e.CertificateID),
		e.Memo,
		e.PrevHash,
	} {
		fmt.Fprintf(h, "|%d:%s", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Link chains e onto prev (nil for the first entry) by setting Index,
// PrevHash and Hash. Timestamp must already be set; it is normalised to UTC
// microseconds so the hash survives a round trip through PostgreSQL.
func Link(prev, e *model.LedgerEntry) {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if prev == nil {
		e.Index = 0
		e.PrevHash = GenesisHash
	} else {
		e.Index = prev.Index + 1
		e.PrevHash = prev.Hash
	}
	e.Hash = HashEntry(e)
}

// VerifyChain checks that entries (ordered by Index) form an intact chain.
func VerifyChain(entries []*model.LedgerEntry) error {
	var prev *model.LedgerEntry
	for _, curr := range entries {
		wantPrev, wantIdx := GenesisHash, int64(0)
		if prev != nil {
			wantPrev, wantIdx = prev.Hash, prev.Index+1
		}
		if curr.Index != wantIdx {
			return fmt.Errorf("ledger gap: expected index %d, got %d", wantIdx, curr.Index)
		}
		if curr.PrevHash != wantPrev {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != HashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return nil
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
