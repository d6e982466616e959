package provider

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
)

// Transaction is the normalized view of a transaction. Confirmations,
// BlockHash and BlockNumber are only set when the node's wallet knows
// the transaction.
type Transaction struct {
	// Hash is the txid.
	Hash string `json:"hash"`
	// Value is the sum of all outputs, in satoshis.
	Value btcutil.Amount `json:"value"`
	Raw   RawTransaction `json:"_raw"`

	Confirmations *int64 `json:"confirmations,omitempty"`
	BlockHash     string `json:"blockHash,omitempty"`
	BlockNumber   *int64 `json:"blockNumber,omitempty"`
}

// RawTransaction carries what the node handed back when decoding.
type RawTransaction struct {
	Hex string `json:"hex"`
	// Data is the verbatim decoderawtransaction result.
	Data json.RawMessage `json:"data"`
	// TxHash is the node's "hash" field, which differs from the txid
	// for segwit transactions.
	TxHash string `json:"txHash"`
}

// Block is the normalized view of a block.
type Block struct {
	Hash          string             `json:"hash"`
	Number        int64              `json:"number"`
	Timestamp     int64              `json:"timestamp"`
	Difficulty    float64            `json:"difficulty"`
	Size          int32              `json:"size"`
	ParentHash    string             `json:"parentHash"`
	Nonce         uint32             `json:"nonce"`
	Transactions  []BlockTransaction `json:"transactions"`
	Confirmations int64              `json:"confirmations"`
}

// BlockTransaction is an entry in a block's transaction list: either just
// the txid, or the resolved transaction.
type BlockTransaction struct {
	Hash string
	Tx   *Transaction
}

// Resolved reports whether the entry carries a full transaction.
func (b BlockTransaction) Resolved() bool {
	return b.Tx != nil
}

// MarshalJSON encodes unresolved entries as the bare txid string.
func (b BlockTransaction) MarshalJSON() ([]byte, error) {
	if b.Tx != nil {
		return json.Marshal(b.Tx)
	}
	return json.Marshal(b.Hash)
}

func (b *BlockTransaction) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty block transaction")
	}

	if bytes.Equal(data, []byte("null")) {
		*b = BlockTransaction{}
		return nil
	}

	if data[0] == '"' {
		b.Tx = nil
		return json.Unmarshal(data, &b.Hash)
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return err
	}
	b.Hash = tx.Hash
	b.Tx = &tx
	return nil
}

// UTXO is passed through as the node reports it.
type UTXO = btcjson.ListUnspentResult
