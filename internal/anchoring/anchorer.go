// Package anchoring batches sealed evidence into Merkle trees and records
// each batch root on an external ledger.
package anchoring

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
)

// Anchorer records a Merkle root on an external ledger and returns the
// transaction id once the record is final.
type Anchorer interface {
	Name() string
	Anchor(ctx context.Context, root [32]byte) (txID string, err error)
}

// LocalAnchorer is an in-process hash chain for development and tests.
// Each anchor's transaction id is 0x-hex BLAKE3(previous id ‖ root).
type LocalAnchorer struct {
	mu    sync.Mutex
	prev  [32]byte
	roots map[string][32]byte
}

// NewLocalAnchorer creates an empty LocalAnchorer.
func NewLocalAnchorer() *LocalAnchorer {
	return &LocalAnchorer{roots: make(map[string][32]byte)}
}

func (l *LocalAnchorer) Name() string { return "local" }

func (l *LocalAnchorer) Anchor(ctx context.Context, root [32]byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf [64]byte
	copy(buf[:32], l.prev[:])
	copy(buf[32:], root[:])
	l.prev = blake3.Sum256(buf[:])
	tx := hexutil.Encode(l.prev[:])
	l.roots[tx] = root
	return tx, nil
}

// Lookup returns the root recorded under txID.
func (l *LocalAnchorer) Lookup(txID string) ([32]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.roots[txID]
	return r, ok
}

// Len returns the number of anchors recorded.
func (l *LocalAnchorer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.roots)
}
