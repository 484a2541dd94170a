// Package ethereum implements the ethereum_query capability: read-only JSON-RPC
// queries (block number, balance, nonce, chain id, gas price) via go-ethereum's ethclient.
package ethereum
