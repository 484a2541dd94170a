package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/testutil"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// fakeNode answers a fixed set of JSON-RPC methods.
type fakeNode struct {
	mu    sync.Mutex
	calls []rpcRequest
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls = append(n.calls, req)
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_blockNumber":
		resp["result"] = "0x10"
	case "eth_getBalance":
		resp["result"] = "0xde0b6b3a7640000"
	case "eth_getTransactionCount":
		resp["result"] = "0x7"
	case "eth_chainId":
		resp["result"] = "0x1"
	case "eth_gasPrice":
		resp["result"] = "0x3b9aca00"
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

const vitalik = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"

func newInvoker(t *testing.T, url string, defs ...*types.Definition) *capability.Invoker {
	conn := &types.Connection{ID: "conn-eth", Name: "mainnet", Kind: types.ConnEthereum, Content: map[string]string{KeyRPCURL: url}}
	invoker := testutil.NewInvoker(nil, defs, []*types.Connection{conn})
	h := New(connection.NewResolver(invoker.Library(), nil), nil)
	t.Cleanup(h.Close)
	invoker.Registry().Register(types.KindEthereumQuery, h)
	return invoker
}

func TestHandler_Methods(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	tests := []struct {
		method string
		want   string
	}{
		{MethodBlockNumber, "16"},
		{MethodBalance, "1000000000000000000"},
		{MethodTransactionCount, "7"},
		{MethodChainID, "1"},
		{MethodGasPrice, "1000000000"},
	}
	var defs []*types.Definition
	for _, tt := range tests {
		defs = append(defs, testutil.NewDefinition(tt.method, types.KindEthereumQuery, SettingMethod, tt.method))
	}
	invoker := newInvoker(t, srv.URL, defs...)

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			out, err := invoker.InvokeByName(context.Background(), tt.method, types.PackPositional(vitalik))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestHandler_BalanceAtBlock(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	invoker := newInvoker(t, srv.URL, testutil.NewDefinition("balance", types.KindEthereumQuery,
		SettingMethod, MethodBalance, SettingAddress, "{{parameter1}}", SettingBlock, "{{parameter2}}"))

	_, err := invoker.InvokeByName(context.Background(), "balance", types.PackPositional(vitalik, "0x100"))
	require.NoError(t, err)

	node.mu.Lock()
	defer node.mu.Unlock()
	last := node.calls[len(node.calls)-1]
	require.Equal(t, "eth_getBalance", last.Method)
	assert.Equal(t, []any{"0xd8da6bf26964af9d7eed9e03e53415d37aa96045", "0x100"}, last.Params)
}

func TestHandler_Errors(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{})
	defer srv.Close()

	invoker := newInvoker(t, srv.URL,
		testutil.NewDefinition("balance", types.KindEthereumQuery, SettingMethod, MethodBalance),
		testutil.NewDefinition("logs", types.KindEthereumQuery, SettingMethod, "logs"),
		testutil.NewDefinition("block", types.KindEthereumQuery, SettingMethod, MethodBalance, SettingBlock, "soon"),
	)
	ctx := context.Background()

	_, err := invoker.InvokeByName(ctx, "balance", types.PackPositional("not-an-address"))
	testutil.AssertErrorCode(t, err, types.ErrConfig)
	_, err = invoker.InvokeByName(ctx, "logs", nil)
	testutil.AssertErrorCode(t, err, types.ErrConfig)
	_, err = invoker.InvokeByName(ctx, "block", types.PackPositional(vitalik))
	testutil.AssertErrorCode(t, err, types.ErrConfig)
}

func TestHandler_NodeErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	invoker := newInvoker(t, srv.URL, testutil.NewDefinition("height", types.KindEthereumQuery))
	_, err := invoker.InvokeByName(context.Background(), "height", nil)
	testutil.AssertErrorCode(t, err, types.ErrUpstream)
}
