package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// decodedTransaction is the subset of decoderawtransaction we read. Output
// values stay json.Number so they can be converted to satoshis exactly.
type decodedTransaction struct {
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	Vout []struct {
		Value json.Number `json:"value"`
		N     uint32      `json:"n"`
	} `json:"vout"`
}

// value sums the outputs, truncating each one to whole satoshis before
// adding it.
func (d decodedTransaction) value() (btcutil.Amount, error) {
	var total btcutil.Amount
	for _, out := range d.Vout {
		sats, err := truncatedSatoshis(out.Value)
		if err != nil {
			return 0, fmt.Errorf("vout %d: %w", out.N, err)
		}
		total += sats
	}
	return total, nil
}

// truncatedSatoshis converts a BTC decimal as printed by the node into
// satoshis, dropping anything below one satoshi.
func truncatedSatoshis(btc json.Number) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(btc.String())
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", btc, err)
	}

	return btcutil.Amount(d.Shift(8).IntPart()), nil
}

// call performs a single RPC and decodes its result into T. Transport
// errors are handed back untouched.
func call[T any](ctx context.Context, rpc Transport, method string, params ...any) (T, error) {
	var out T
	raw, err := rpc.Call(ctx, method, params...)
	if err != nil {
		return out, err
	}

	if err := decode(method, raw, &out); err != nil {
		return out, err
	}

	return out, nil
}

func decode(method string, raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}
