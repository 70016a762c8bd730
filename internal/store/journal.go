package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/evident-proof/evident/internal/model"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	opAgreement = "agreement"
	opReceipt   = "receipt"
	opLedger    = "ledger"
	opClaim     = "claim"
	opAnchored  = "anchored"
	opFailed    = "anchor_failed"
	opRequeue   = "requeue"
	opDraft     = "draft"
	opFinal     = "final"
	opAPICall   = "api_call"
)

// record is one journaled mutation of a Memory store.
type record struct {
	Op          string                              `json:"op"`
	Agreement   *model.ServiceAgreement             `json:"agreement,omitempty"`
	APIKeyHash  string                              `json:"apiKeyHash,omitempty"`
	Receipt     *model.Receipt                      `json:"receipt,omitempty"`
	Entries     []*model.LedgerEntry                `json:"entries,omitempty"`
	Certificate *model.Certificate                  `json:"certificate,omitempty"`
	BatchID     uuid.UUID                           `json:"batchId,omitempty"`
	SealIDs     []uuid.UUID                         `json:"sealIds,omitempty"`
	TxID        string                              `json:"txId,omitempty"`
	At          time.Time                           `json:"at,omitempty"`
	Call        *model.APICall                      `json:"call,omitempty"`
	Proofs      map[uuid.UUID]*model.InclusionProof `json:"proofs,omitempty"`
}

// Journal is an ordered, durable log of store mutations.
type Journal interface {
	Append(r *record) error
	// Replay calls fn for every record in append order.
	Replay(fn func(*record) error) error
	Close() error
}

// journalPrefix namespaces journal keys so the database can hold other data.
var journalPrefix = []byte("j/")

// PebbleJournal stores zstd-compressed JSON records in a pebble database,
// keyed by a big-endian sequence number. Every append is synced.
type PebbleJournal struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenPebbleJournal opens (or creates) a journal at path.
func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	j := &PebbleJournal{db: db, enc: enc, dec: dec}
	if err := j.loadSeq(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// OpenPebble opens a Memory store journaled to a pebble database at path.
func OpenPebble(path string) (*Memory, error) {
	j, err := OpenPebbleJournal(path)
	if err != nil {
		return nil, err
	}
	m, err := NewJournaled(j)
	if err != nil {
		j.Close()
		return nil, err
	}
	return m, nil
}

func journalKey(seq uint64) []byte {
	k := make([]byte, len(journalPrefix)+8)
	copy(k, journalPrefix)
	binary.BigEndian.PutUint64(k[len(journalPrefix):], seq)
	return k
}

func (j *PebbleJournal) loadSeq() error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: journalPrefix,
		UpperBound: prefixUpperBound(journalPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		k := iter.Key()
		if len(k) != len(journalPrefix)+8 {
			return fmt.Errorf("malformed journal key %x", k)
		}
		j.seq = binary.BigEndian.Uint64(k[len(journalPrefix):])
	}
	return iter.Error()
}

func (j *PebbleJournal) Append(r *record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(journalKey(j.seq+1), j.enc.EncodeAll(raw, nil), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	j.seq++
	return nil
}

func (j *PebbleJournal) Replay(fn func(*record) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: journalPrefix,
		UpperBound: prefixUpperBound(journalPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		raw, err := j.dec.DecodeAll(value, nil)
		if err != nil {
			return fmt.Errorf("decompress record %x: %w", iter.Key(), err)
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode record %x: %w", iter.Key(), err)
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len returns the number of records appended so far.
func (j *PebbleJournal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *PebbleJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	j.enc.Close()
	j.dec.Close()
	err := j.db.Close()
	j.db = nil
	if errors.Is(err, pebble.ErrClosed) {
		return nil
	}
	return err
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
