package ethereum

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/connection"
	"github.com/BaSui01/capflow/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Setting codes read by the ethereum_query kind.
const (
	SettingMethod  = "Method"
	SettingAddress = "Address"
	SettingBlock   = "Block"
)

// Methods understood by the Method setting.
const (
	MethodBlockNumber      = "block_number"
	MethodBalance          = "balance"
	MethodChainID          = "chain_id"
	MethodTransactionCount = "transaction_count"
	MethodGasPrice         = "gas_price"
)

// KeyRPCURL is the node endpoint in the connection content.
const KeyRPCURL = "rpc_url"

// Handler implements capability.Handler for the ethereum_query kind.
type Handler struct {
	resolver *connection.Resolver
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// New creates the ethereum_query handler.
func New(resolver *connection.Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: resolver,
		logger:   logger.With(zap.String("component", "ethereum_query")),
		clients:  make(map[string]*ethclient.Client),
	}
}

// DoCall runs one read-only query. Amounts are returned in wei as decimal strings.
func (h *Handler) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	method := strings.ToLower(strings.TrimSpace(def.Content.ValueOr(SettingMethod, MethodBlockNumber)))

	var address common.Address
	if method == MethodBalance || method == MethodTransactionCount {
		raw := strings.TrimSpace(capability.Render(ctx, def.Content.ValueOr(SettingAddress, "{{"+types.ParameterName(1)+"}}"), params))
		if !common.IsHexAddress(raw) {
			return "", types.NewConfigError(SettingAddress, "invalid ethereum address "+strconv.Quote(raw))
		}
		address = common.HexToAddress(raw)
	}
	block, err := blockNumber(capability.Setting(ctx, def, SettingBlock, params))
	if err != nil {
		return "", err
	}

	conn, err := h.resolver.Resolve(ctx, []string{types.ConnEthereum}, def.ConnectionHint())
	if err != nil {
		return "", err
	}
	client, err := h.client(ctx, conn)
	if err != nil {
		return "", err
	}

	var out string
	switch method {
	case MethodBlockNumber:
		var n uint64
		if n, err = client.BlockNumber(ctx); err == nil {
			out = strconv.FormatUint(n, 10)
		}
	case MethodBalance:
		var wei *big.Int
		if wei, err = client.BalanceAt(ctx, address, block); err == nil {
			out = wei.String()
		}
	case MethodTransactionCount:
		var nonce uint64
		if nonce, err = client.NonceAt(ctx, address, block); err == nil {
			out = strconv.FormatUint(nonce, 10)
		}
	case MethodChainID:
		var id *big.Int
		if id, err = client.ChainID(ctx); err == nil {
			out = id.String()
		}
	case MethodGasPrice:
		var price *big.Int
		if price, err = client.SuggestGasPrice(ctx); err == nil {
			out = price.String()
		}
	default:
		return "", types.NewConfigError(SettingMethod, "unsupported method "+strconv.Quote(method))
	}
	if err != nil {
		h.logger.Warn("rpc call failed", zap.String("capability", def.Name), zap.String("method", method), zap.Error(err))
		return "", types.NewError(types.ErrUpstream, "ethereum "+method+" on "+conn.Name+" failed").WithCause(err).WithRetryable(true)
	}
	return out, nil
}

// Close closes every cached RPC client.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, c := range h.clients {
		c.Close()
		delete(h.clients, k)
	}
}

func (h *Handler) client(ctx context.Context, conn *types.Connection) (*ethclient.Client, error) {
	url, err := conn.Require(KeyRPCURL)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn.ID+"|"+url]; ok {
		return c, nil
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, types.NewError(types.ErrUpstream, "dial ethereum node "+conn.Name).WithCause(err).WithRetryable(true)
	}
	c := ethclient.NewClient(rpcClient)
	h.clients[conn.ID+"|"+url] = c
	return c, nil
}

// blockNumber parses the Block setting; empty or "latest" is nil.
func blockNumber(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "latest") {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 {
		return nil, types.NewConfigError(SettingBlock, "invalid block number "+strconv.Quote(s))
	}
	return n, nil
}
