package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthereumConfig configures an EthereumAnchorer.
type EthereumConfig struct {
	URL string
	// From is a node-managed (unlocked) account that pays for the anchor.
	From common.Address
	// To receives the zero-value transaction; defaults to From.
	To               common.Address
	Gas              uint64
	MinConfirmations uint64
	PollInterval     time.Duration
	Timeout          time.Duration
}

// EthereumAnchorer writes Merkle roots as calldata of a zero-value
// transaction and waits for the configured number of confirmations.
//
// A transaction whose confirmation wait fails stays in flight for its root:
// the next Anchor call for the same root polls that transaction again and
// only sends a new one once the node no longer knows the old hash.
type EthereumAnchorer struct {
	client *rpc.Client
	cfg    EthereumConfig

	mu       sync.Mutex
	inflight map[[32]byte]common.Hash
}

// ErrReverted is returned when the anchoring transaction was mined with status 0.
var ErrReverted = errors.New("anchoring transaction reverted")

// DialEthereum connects to a JSON-RPC endpoint.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*EthereumAnchorer, error) {
	if cfg.From == (common.Address{}) {
		return nil, errors.New("ethereum anchorer: from address is required")
	}
	if cfg.To == (common.Address{}) {
		cfg.To = cfg.From
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return &EthereumAnchorer{client: client, cfg: cfg, inflight: make(map[[32]byte]common.Hash)}, nil
}

func (e *EthereumAnchorer) Name() string { return "ethereum" }

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Data  hexutil.Bytes   `json:"data"`
}

type txReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	Status      hexutil.Uint64 `json:"status"`
}

func (e *EthereumAnchorer) Anchor(ctx context.Context, root [32]byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	hash, ok, err := e.resume(ctx, root)
	if err != nil {
		return "", err
	}
	if !ok {
		if hash, err = e.send(ctx, root); err != nil {
			return "", err
		}
	}

	err = e.waitConfirmed(ctx, hash)
	if err == nil || errors.Is(err, ErrReverted) {
		e.forget(root)
	}
	if err != nil {
		return "", fmt.Errorf("tx %s: %w", hash.Hex(), err)
	}
	return hash.Hex(), nil
}

// resume returns the in-flight transaction for root when the node still
// knows it. A dropped transaction is forgotten so it can be re-sent.
func (e *EthereumAnchorer) resume(ctx context.Context, root [32]byte) (common.Hash, bool, error) {
	e.mu.Lock()
	hash, ok := e.inflight[root]
	e.mu.Unlock()
	if !ok {
		return common.Hash{}, false, nil
	}

	var tx json.RawMessage
	if err := e.client.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return common.Hash{}, false, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}
	if len(tx) == 0 || string(tx) == "null" {
		e.forget(root)
		return common.Hash{}, false, nil
	}
	return hash, true, nil
}

func (e *EthereumAnchorer) send(ctx context.Context, root [32]byte) (common.Hash, error) {
	args := sendTxArgs{
		From:  e.cfg.From,
		To:    e.cfg.To,
		Value: (*hexutil.Big)(common.Big0),
		Data:  root[:],
	}
	if e.cfg.Gas > 0 {
		gas := hexutil.Uint64(e.cfg.Gas)
		args.Gas = &gas
	}

	var hash common.Hash
	if err := e.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	e.mu.Lock()
	e.inflight[root] = hash
	e.mu.Unlock()
	return hash, nil
}

func (e *EthereumAnchorer) forget(root [32]byte) {
	e.mu.Lock()
	delete(e.inflight, root)
	e.mu.Unlock()
}

func (e *EthereumAnchorer) waitConfirmed(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var rcpt *txReceipt
		if err := e.client.CallContext(ctx, &rcpt, "eth_getTransactionReceipt", hash); err != nil {
			return fmt.Errorf("eth_getTransactionReceipt: %w", err)
		}
		if rcpt != nil {
			if rcpt.Status == 0 {
				return ErrReverted
			}
			head, err := e.BlockNumber(ctx)
			if err != nil {
				return err
			}
			if head >= uint64(rcpt.BlockNumber) && head-uint64(rcpt.BlockNumber)+1 >= e.cfg.MinConfirmations {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BlockNumber returns the node's head block. It doubles as a health probe.
func (e *EthereumAnchorer) BlockNumber(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := e.client.CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return uint64(head), nil
}

// Ping implements a health probe.
func (e *EthereumAnchorer) Ping(ctx context.Context) error {
	_, err := e.BlockNumber(ctx)
	return err
}

// Close closes the RPC client.
func (e *EthereumAnchorer) Close() {
	e.client.Close()
}
