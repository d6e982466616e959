// Package commands holds the request and response messages of the
// btcquery.v1.NodeService procedures.
package commands

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/barebitcoin/btc-query/provider"
)

type DecodeRawTransactionRequest struct {
	RawTx string `json:"rawTx"`
}

type TransactionResponse struct {
	Transaction *provider.Transaction `json:"transaction"`
}

type IsUsedAddressRequest struct {
	Address string `json:"address"`
}

type IsUsedAddressResponse struct {
	Used bool `json:"used"`
}

type GetBalanceRequest struct {
	Addresses []string `json:"addresses"`
}

// GetBalanceResponse carries the balance in satoshis.
type GetBalanceResponse struct {
	Balance btcutil.Amount `json:"balance"`
}

type GetUnspentTransactionsRequest struct {
	Address string `json:"address"`
}

type GetUnspentTransactionsResponse struct {
	Utxos []provider.UTXO `json:"utxos"`
}

type GetTransactionHexRequest struct {
	Txid string `json:"txid"`
}

type HexResponse struct {
	Hex string `json:"hex"`
}

type GenerateBlockRequest struct {
	Blocks int `json:"blocks"`
}

type GenerateBlockResponse struct {
	BlockHashes []string `json:"blockHashes"`
}

type GetBlockByHashRequest struct {
	Hash      string `json:"hash"`
	IncludeTx bool   `json:"includeTx,omitempty"`
}

type GetBlockByNumberRequest struct {
	Height    int64 `json:"height"`
	IncludeTx bool  `json:"includeTx,omitempty"`
}

type BlockResponse struct {
	Block *provider.Block `json:"block"`
}

type GetBlockHeightRequest struct{}

type GetBlockHeightResponse struct {
	Height int64 `json:"height"`
}

type GetTransactionByHashRequest struct {
	Txid string `json:"txid"`
}

type GetRawTransactionByHashRequest struct {
	Txid string `json:"txid"`
}

type IsAddressUsedRequest struct {
	Address string `json:"address"`
}

type IsAddressUsedResponse struct {
	Used bool `json:"used"`
}

type SendRawTransactionRequest struct {
	RawTx string `json:"rawTx"`
}

type SendRawTransactionResponse struct {
	Txid string `json:"txid"`
}
