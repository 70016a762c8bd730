package anchoring_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/evident-proof/evident/internal/anchoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

const testTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

// fakeNode serves just enough JSON-RPC to anchor one transaction.
func fakeNode(t *testing.T, status string, gotData *string) *httptest.Server {
	var receiptPolls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_sendTransaction":
			var args map[string]any
			_ = json.Unmarshal(req.Params[0], &args)
			if s, ok := args["data"].(string); ok {
				*gotData = s
			}
			result = testTxHash
		case "eth_getTransactionReceipt":
			if receiptPolls.Add(1) == 1 {
				result = nil
			} else {
				result = map[string]string{
					"transactionHash": testTxHash,
					"blockNumber":     "0x10",
					"status":          status,
				}
			}
		case "eth_blockNumber":
			result = "0x11"
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}) //nolint:errcheck
	}))
}

func TestEthereumAnchorer_AnchorWaitsForConfirmations(t *testing.T) {
	var data string
	srv := fakeNode(t, "0x1", &data)
	defer srv.Close()

	ctx := context.Background()
	a, err := anchoring.DialEthereum(ctx, anchoring.EthereumConfig{
		URL:              srv.URL,
		From:             common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		MinConfirmations: 2,
		PollInterval:     10 * time.Millisecond,
		Timeout:          5 * time.Second,
	})
	require.NoError(t, err)
	defer a.Close()

	root := [32]byte{1, 2, 3}
	tx, err := a.Anchor(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, testTxHash, tx)
	assert.Equal(t, hexutil.Encode(root[:]), strings.ToLower(data))

	require.NoError(t, a.Ping(ctx))
}

func TestEthereumAnchorer_Reverted(t *testing.T) {
	var data string
	srv := fakeNode(t, "0x0", &data)
	defer srv.Close()

	a, err := anchoring.DialEthereum(context.Background(), anchoring.EthereumConfig{
		URL:          srv.URL,
		From:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Anchor(context.Background(), [32]byte{9})
	assert.ErrorIs(t, err, anchoring.ErrReverted)
}

func TestDialEthereum_RequiresFrom(t *testing.T) {
	_, err := anchoring.DialEthereum(context.Background(), anchoring.EthereumConfig{URL: "http://127.0.0.1:1"})
	assert.Error(t, err)
}

// slowNode never mines until mined is set; known controls whether the node
// still reports the sent transaction.
type slowNode struct {
	sends atomic.Int32
	mined atomic.Bool
	known atomic.Bool
}

func (n *slowNode) serve(t *testing.T) *httptest.Server {
	n.known.Store(true)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_sendTransaction":
			n.sends.Add(1)
			result = testTxHash
		case "eth_getTransactionByHash":
			if n.known.Load() {
				result = map[string]string{"hash": testTxHash}
			}
		case "eth_getTransactionReceipt":
			if n.mined.Load() {
				result = map[string]string{
					"transactionHash": testTxHash,
					"blockNumber":     "0x10",
					"status":          "0x1",
				}
			}
		case "eth_blockNumber":
			result = "0x10"
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}) //nolint:errcheck
	}))
}

func dialSlow(t *testing.T, srv *httptest.Server) *anchoring.EthereumAnchorer {
	t.Helper()
	a, err := anchoring.DialEthereum(context.Background(), anchoring.EthereumConfig{
		URL:          srv.URL,
		From:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestEthereumAnchorer_RetryAfterTimeoutReusesTransaction(t *testing.T) {
	node := &slowNode{}
	srv := node.serve(t)
	defer srv.Close()
	a := dialSlow(t, srv)

	root := [32]byte{7}
	_, err := a.Anchor(context.Background(), root)
	require.Error(t, err)
	require.EqualValues(t, 1, node.sends.Load())

	node.mined.Store(true)
	tx, err := a.Anchor(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, testTxHash, tx)
	assert.EqualValues(t, 1, node.sends.Load(), "retry must poll the first transaction, not send another")
}

func TestEthereumAnchorer_ResendsDroppedTransaction(t *testing.T) {
	node := &slowNode{}
	srv := node.serve(t)
	defer srv.Close()
	a := dialSlow(t, srv)

	root := [32]byte{8}
	_, err := a.Anchor(context.Background(), root)
	require.Error(t, err)

	node.known.Store(false)
	node.mined.Store(true)
	_, err = a.Anchor(context.Background(), root)
	require.NoError(t, err)
	assert.EqualValues(t, 2, node.sends.Load())
}

func TestEthereumAnchorer_DistinctRootsSendSeparately(t *testing.T) {
	node := &slowNode{}
	srv := node.serve(t)
	defer srv.Close()
	a := dialSlow(t, srv)
	node.mined.Store(true)

	_, err := a.Anchor(context.Background(), [32]byte{1})
	require.NoError(t, err)
	_, err = a.Anchor(context.Background(), [32]byte{2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, node.sends.Load())
}
