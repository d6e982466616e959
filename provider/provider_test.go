package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/barebitcoin/btc-query/provider"
)

type mockTransport struct{ mock.Mock }

func (m *mockTransport) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	args := m.Called(method, params)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func (m *mockTransport) expect(method string, params []any, result string) *mock.Call {
	return m.On("Call", method, params).Return(json.RawMessage(result), nil)
}

func (m *mockTransport) fail(method string, params []any, err error) *mock.Call {
	return m.On("Call", method, params).Return(nil, err)
}

func newProvider(t *testing.T, opts ...provider.Option) (*provider.Provider, *mockTransport) {
	t.Helper()

	transport := new(mockTransport)
	t.Cleanup(func() { transport.AssertExpectations(t) })

	return provider.New(transport, opts...), transport
}

var errNotFound = &btcjson.RPCError{
	Code:    btcjson.ErrRPCInvalidAddressOrKey,
	Message: "Invalid or non-wallet transaction id",
}

const (
	rawTxHex    = "0200000001abcdef"
	decodedTx   = `{"txid":"aa11","hash":"bb22","vout":[{"value":0.29,"n":0},{"value":1.00000001,"n":1},{"value":0.123456789,"n":2}]}`
	reorderedTx = `{"txid":"aa11","hash":"bb22","vout":[{"value":0.123456789,"n":2},{"value":0.29,"n":0},{"value":1.00000001,"n":1}]}`
)

func TestDecodeRawTransaction(t *testing.T) {
	t.Run("sums outputs truncated to satoshis", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("decoderawtransaction", []any{rawTxHex}, decodedTx)

		tx, err := p.DecodeRawTransaction(context.Background(), rawTxHex)
		require.NoError(t, err)

		require.Equal(t, "aa11", tx.Hash)
		require.Equal(t, btcutil.Amount(29_000_000+100_000_001+12_345_678), tx.Value)
		require.Equal(t, rawTxHex, tx.Raw.Hex)
		require.Equal(t, "bb22", tx.Raw.TxHash)
		require.JSONEq(t, decodedTx, string(tx.Raw.Data))

		require.Nil(t, tx.Confirmations)
		require.Empty(t, tx.BlockHash)
		require.Nil(t, tx.BlockNumber)
	})

	t.Run("output order does not matter", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("decoderawtransaction", []any{rawTxHex}, decodedTx).Once()
		transport.expect("decoderawtransaction", []any{rawTxHex}, reorderedTx).Once()

		first, err := p.DecodeRawTransaction(context.Background(), rawTxHex)
		require.NoError(t, err)
		second, err := p.DecodeRawTransaction(context.Background(), rawTxHex)
		require.NoError(t, err)

		require.Equal(t, first.Value, second.Value)
	})

	t.Run("transaction without outputs", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("decoderawtransaction", []any{rawTxHex}, `{"txid":"aa","hash":"aa","vout":[]}`)

		tx, err := p.DecodeRawTransaction(context.Background(), rawTxHex)
		require.NoError(t, err)
		require.Zero(t, tx.Value)
	})

	t.Run("node errors propagate unchanged", func(t *testing.T) {
		p, transport := newProvider(t)
		rejected := &btcjson.RPCError{Code: btcjson.ErrRPCDeserialization, Message: "TX decode failed"}
		transport.fail("decoderawtransaction", []any{"zz"}, rejected)

		_, err := p.DecodeRawTransaction(context.Background(), "zz")
		require.ErrorIs(t, err, rejected)
	})

	t.Run("malformed response", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("decoderawtransaction", []any{rawTxHex}, `{"txid":"aa","vout":[{"value":"lots"}]}`)

		_, err := p.DecodeRawTransaction(context.Background(), rawTxHex)
		require.Error(t, err)
	})
}

func listUnspentParams(address string) []any {
	return []any{6, 9999999, []string{address}}
}

func TestGetUnspentTransactions(t *testing.T) {
	t.Run("restricts to the confirmation window", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("addr"),
			`[{"txid":"aa","vout":1,"address":"addr","amount":0.5,"confirmations":10,"spendable":true}]`)

		utxos, err := p.GetUnspentTransactions(context.Background(), "addr")
		require.NoError(t, err)
		require.Len(t, utxos, 1)
		require.Equal(t, "aa", utxos[0].TxID)
		require.Equal(t, uint32(1), utxos[0].Vout)
		require.Equal(t, "addr", utxos[0].Address)
		require.Equal(t, 0.5, utxos[0].Amount)
		require.Equal(t, int64(10), utxos[0].Confirmations)
	})

	t.Run("null result is an empty list", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("addr"), `null`)

		utxos, err := p.GetUnspentTransactions(context.Background(), "addr")
		require.NoError(t, err)
		require.NotNil(t, utxos)
		require.Empty(t, utxos)
	})
}

func TestIsUsedAddress(t *testing.T) {
	t.Run("no utxos", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("empty"), `[]`)

		used, err := p.IsUsedAddress(context.Background(), "empty")
		require.NoError(t, err)
		require.False(t, used)
	})

	t.Run("two utxos", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("funded"),
			`[{"txid":"aa","vout":0,"address":"funded","amount":0.1},{"txid":"bb","vout":3,"address":"funded","amount":0.2}]`)

		used, err := p.IsUsedAddress(context.Background(), "funded")
		require.NoError(t, err)
		require.True(t, used)
	})

	t.Run("errors propagate", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.fail("listunspent", listUnspentParams("x"), errNotFound)

		_, err := p.IsUsedAddress(context.Background(), "x")
		require.ErrorIs(t, err, errNotFound)
	})
}

func TestGetBalance(t *testing.T) {
	t.Run("sums utxos across addresses", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("a"),
			`[{"txid":"aa","vout":0,"address":"a","amount":0.1},{"txid":"bb","vout":0,"address":"a","amount":0.2}]`)
		transport.expect("listunspent", listUnspentParams("b"), `[]`)
		transport.expect("listunspent", listUnspentParams("c"),
			`[{"txid":"cc","vout":1,"address":"c","amount":0.00000001}]`)

		balance, err := p.GetBalance(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Equal(t, btcutil.Amount(30_000_001), balance)
	})

	t.Run("matches the per-address listing", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("a"),
			`[{"txid":"aa","vout":0,"address":"a","amount":0.29},{"txid":"bb","vout":0,"address":"a","amount":1.5}]`)

		utxos, err := p.GetUnspentTransactions(context.Background(), "a")
		require.NoError(t, err)

		var expected float64
		for _, utxo := range utxos {
			expected += utxo.Amount * 1e8
		}

		balance, err := p.GetBalance(context.Background(), []string{"a"})
		require.NoError(t, err)
		require.InDelta(t, expected, float64(balance), 0.5)
	})

	t.Run("one failing address fails the whole call", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("listunspent", listUnspentParams("a"),
			`[{"txid":"aa","vout":0,"address":"a","amount":0.1}]`).Maybe()
		transport.fail("listunspent", listUnspentParams("b"), errNotFound)

		balance, err := p.GetBalance(context.Background(), []string{"a", "b"})
		require.ErrorIs(t, err, errNotFound)
		require.Zero(t, balance)
	})

	t.Run("no addresses", func(t *testing.T) {
		p, _ := newProvider(t)

		balance, err := p.GetBalance(context.Background(), nil)
		require.NoError(t, err)
		require.Zero(t, balance)
	})
}

func TestGetTransactionHex(t *testing.T) {
	p, transport := newProvider(t)
	transport.expect("gettransaction", []any{"aa"}, `{"txid":"aa","hex":"0200ff","confirmations":3}`)

	hex, err := p.GetTransactionHex(context.Background(), "aa")
	require.NoError(t, err)
	require.Equal(t, "0200ff", hex)
}

func TestGenerateBlock(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("generate", []any{2}, `["h1","h2"]`)

		hashes, err := p.GenerateBlock(context.Background(), 2)
		require.NoError(t, err)
		require.Equal(t, []string{"h1", "h2"}, hashes)
	})

	t.Run("falls back to generatetoaddress", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.fail("generate", []any{1}, &btcjson.RPCError{
			Code:    btcjson.ErrRPCMethodNotFound.Code,
			Message: "generate has been replaced by the -generate cli option",
		})
		transport.expect("getnewaddress", []any(nil), `"bcrt1qminer"`)
		transport.expect("generatetoaddress", []any{1, "bcrt1qminer"}, `["h1"]`)

		hashes, err := p.GenerateBlock(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, []string{"h1"}, hashes)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.fail("generate", []any{1}, errNotFound)

		_, err := p.GenerateBlock(context.Background(), 1)
		require.ErrorIs(t, err, errNotFound)
	})
}

const blockHash = "000000000000000000024bead8df69990852c202db0e0097c1a12ea637d7e96d"

func blockJSON(txids ...string) string {
	raw, err := json.Marshal(map[string]any{
		"hash":              blockHash,
		"confirmations":     12,
		"size":              1234,
		"height":            800000,
		"time":              1690168629,
		"nonce":             106861918,
		"difficulty":        53911173001054.59,
		"previousblockhash": "00000000000000000002a0b5db2a7f8d9087464c2586b546be7bce8eb53b8187",
		"tx":                txids,
	})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func TestGetBlockByHash(t *testing.T) {
	t.Run("without transactions", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("getblock", []any{blockHash}, blockJSON("t1", "t2", "t3"))

		block, err := p.GetBlockByHash(context.Background(), blockHash, false)
		require.NoError(t, err)

		require.Equal(t, blockHash, block.Hash)
		require.Equal(t, int64(800000), block.Number)
		require.Equal(t, int64(1690168629), block.Timestamp)
		require.Equal(t, 53911173001054.59, block.Difficulty)
		require.Equal(t, int32(1234), block.Size)
		require.Equal(t, "00000000000000000002a0b5db2a7f8d9087464c2586b546be7bce8eb53b8187", block.ParentHash)
		require.Equal(t, uint32(106861918), block.Nonce)
		require.Equal(t, int64(12), block.Confirmations)

		require.Equal(t, []provider.BlockTransaction{{Hash: "t1"}, {Hash: "t2"}, {Hash: "t3"}}, block.Transactions)

		encoded, err := json.Marshal(block.Transactions)
		require.NoError(t, err)
		require.JSONEq(t, `["t1","t2","t3"]`, string(encoded))
	})

	t.Run("resolves transactions in block order", func(t *testing.T) {
		txids := []string{"t1", "t2", "t3", "t4"}

		// Later transactions resolve first.
		resolver := func(ctx context.Context, txid string) (*provider.Transaction, error) {
			for i, id := range txids {
				if id == txid {
					time.Sleep(time.Duration(len(txids)-i) * 5 * time.Millisecond)
				}
			}
			return &provider.Transaction{Hash: txid, Value: btcutil.Amount(len(txid))}, nil
		}

		p, transport := newProvider(t, provider.WithTxResolver(resolver))
		transport.expect("getblock", []any{blockHash}, blockJSON(txids...))

		block, err := p.GetBlockByHash(context.Background(), blockHash, true)
		require.NoError(t, err)
		require.Len(t, block.Transactions, len(txids))

		for i, entry := range block.Transactions {
			require.True(t, entry.Resolved())
			require.Equal(t, txids[i], entry.Hash)
			require.Equal(t, txids[i], entry.Tx.Hash)
		}
	})

	t.Run("default resolver decodes through the node", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("getblock", []any{blockHash}, blockJSON("aa11"))
		transport.expect("getrawtransaction", []any{"aa11"}, `"`+rawTxHex+`"`)
		transport.expect("decoderawtransaction", []any{rawTxHex}, decodedTx)

		block, err := p.GetBlockByHash(context.Background(), blockHash, true)
		require.NoError(t, err)
		require.Len(t, block.Transactions, 1)

		tx := block.Transactions[0].Tx
		require.NotNil(t, tx)
		require.Equal(t, "aa11", tx.Hash)
		require.Equal(t, rawTxHex, tx.Raw.Hex)

		encoded, err := json.Marshal(block)
		require.NoError(t, err)

		var decoded provider.Block
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		require.True(t, decoded.Transactions[0].Resolved())
		require.Equal(t, tx.Value, decoded.Transactions[0].Tx.Value)
	})

	t.Run("a failed resolution fails the block", func(t *testing.T) {
		resolver := func(ctx context.Context, txid string) (*provider.Transaction, error) {
			if txid == "t2" {
				return nil, errNotFound
			}
			return &provider.Transaction{Hash: txid}, nil
		}

		p, transport := newProvider(t, provider.WithTxResolver(resolver))
		transport.expect("getblock", []any{blockHash}, blockJSON("t1", "t2", "t3"))

		_, err := p.GetBlockByHash(context.Background(), blockHash, true)
		require.ErrorIs(t, err, errNotFound)
	})

	t.Run("fan out limit bounds concurrency", func(t *testing.T) {
		var (
			inFlight, peak atomic.Int32
			mu             sync.Mutex
			seen           []string
		)
		resolver := func(ctx context.Context, txid string) (*provider.Transaction, error) {
			now := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			seen = append(seen, txid)
			mu.Unlock()
			return &provider.Transaction{Hash: txid}, nil
		}

		p, transport := newProvider(t,
			provider.WithTxResolver(resolver),
			provider.WithFanOutLimit(2),
		)
		transport.expect("getblock", []any{blockHash}, blockJSON("t1", "t2", "t3", "t4", "t5"))

		_, err := p.GetBlockByHash(context.Background(), blockHash, true)
		require.NoError(t, err)
		require.LessOrEqual(t, peak.Load(), int32(2))
		require.Len(t, seen, 5)
	})

	t.Run("errors propagate", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.fail("getblock", []any{"nope"}, errNotFound)

		_, err := p.GetBlockByHash(context.Background(), "nope", false)
		require.ErrorIs(t, err, errNotFound)
	})
}

func TestGetBlockByNumber(t *testing.T) {
	for _, includeTx := range []bool{false, true} {
		p, transport := newProvider(t, provider.WithTxResolver(
			func(ctx context.Context, txid string) (*provider.Transaction, error) {
				return &provider.Transaction{Hash: txid}, nil
			},
		))
		transport.expect("getblockhash", []any{int64(800000)}, `"`+blockHash+`"`)
		transport.expect("getblock", []any{blockHash}, blockJSON("t1", "t2")).Twice()

		byNumber, err := p.GetBlockByNumber(context.Background(), 800000, includeTx)
		require.NoError(t, err)

		byHash, err := p.GetBlockByHash(context.Background(), blockHash, includeTx)
		require.NoError(t, err)

		require.Equal(t, byHash, byNumber)
	}
}

func TestGetBlockHeight(t *testing.T) {
	p, transport := newProvider(t)
	transport.expect("getblockcount", []any(nil), `812345`)

	height, err := p.GetBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(812345), height)
}

func TestGetTransactionByHash(t *testing.T) {
	setup := func(t *testing.T) (*provider.Provider, *mockTransport) {
		p, transport := newProvider(t)
		transport.expect("getrawtransaction", []any{"aa11"}, `"`+rawTxHex+`"`)
		transport.expect("decoderawtransaction", []any{rawTxHex}, decodedTx)
		return p, transport
	}

	t.Run("confirmed wallet transaction", func(t *testing.T) {
		p, transport := setup(t)
		transport.expect("gettransaction", []any{"aa11"},
			`{"txid":"aa11","confirmations":12,"blockhash":"`+blockHash+`","hex":"`+rawTxHex+`"}`)
		transport.expect("getblock", []any{blockHash}, blockJSON("aa11"))

		tx, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.NoError(t, err)

		require.Equal(t, "aa11", tx.Hash)
		require.NotNil(t, tx.Confirmations)
		require.Equal(t, int64(12), *tx.Confirmations)
		require.Equal(t, blockHash, tx.BlockHash)
		require.NotNil(t, tx.BlockNumber)
		require.Equal(t, int64(800000), *tx.BlockNumber)
	})

	t.Run("unconfirmed wallet transaction", func(t *testing.T) {
		p, transport := setup(t)
		transport.expect("gettransaction", []any{"aa11"}, `{"txid":"aa11","confirmations":0}`)

		tx, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.NoError(t, err)

		require.NotNil(t, tx.Confirmations)
		require.Zero(t, *tx.Confirmations)
		require.Empty(t, tx.BlockHash)
		require.Nil(t, tx.BlockNumber)
	})

	t.Run("unknown to the wallet", func(t *testing.T) {
		p, transport := setup(t)
		transport.fail("gettransaction", []any{"aa11"}, errNotFound)

		tx, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.NoError(t, err)

		require.Equal(t, "aa11", tx.Hash)
		require.Nil(t, tx.Confirmations)
		require.Empty(t, tx.BlockHash)
		require.Nil(t, tx.BlockNumber)

		encoded, err := json.Marshal(tx)
		require.NoError(t, err)

		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(encoded, &fields))
		require.NotContains(t, fields, "confirmations")
		require.NotContains(t, fields, "blockHash")
		require.NotContains(t, fields, "blockNumber")
	})

	t.Run("transport failure during enrichment is swallowed", func(t *testing.T) {
		p, transport := setup(t)
		transport.fail("gettransaction", []any{"aa11"}, errors.New("connection reset by peer"))

		tx, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.NoError(t, err)
		require.Nil(t, tx.Confirmations)
	})

	t.Run("failed block lookup drops the whole enrichment", func(t *testing.T) {
		p, transport := setup(t)
		transport.expect("gettransaction", []any{"aa11"},
			`{"txid":"aa11","confirmations":2,"blockhash":"`+blockHash+`"}`)
		transport.fail("getblock", []any{blockHash}, errNotFound)

		tx, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.NoError(t, err)
		require.Nil(t, tx.Confirmations)
		require.Empty(t, tx.BlockHash)
		require.Nil(t, tx.BlockNumber)
	})

	t.Run("raw lookup failure propagates", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.fail("getrawtransaction", []any{"aa11"}, errNotFound)

		_, err := p.GetTransactionByHash(context.Background(), "aa11")
		require.ErrorIs(t, err, errNotFound)
	})
}

func TestGetRawTransactionByHash(t *testing.T) {
	p, transport := newProvider(t)
	transport.expect("getrawtransaction", []any{"aa11"}, `"`+rawTxHex+`"`)

	raw, err := p.GetRawTransactionByHash(context.Background(), "aa11")
	require.NoError(t, err)
	require.Equal(t, rawTxHex, raw)
}

func TestIsAddressUsed(t *testing.T) {
	for _, tc := range []struct {
		received string
		used     bool
	}{
		{received: "0", used: false},
		{received: "0.00000000", used: false},
		{received: "0.00010000", used: true},
		{received: "21.5", used: true},
	} {
		p, transport := newProvider(t)
		transport.expect("getreceivedbyaddress", []any{"addr"}, tc.received)

		used, err := p.IsAddressUsed(context.Background(), "addr")
		require.NoError(t, err)
		require.Equal(t, tc.used, used, tc.received)
	}
}

func TestSendRawTransaction(t *testing.T) {
	t.Run("returns the txid", func(t *testing.T) {
		p, transport := newProvider(t)
		transport.expect("sendrawtransaction", []any{rawTxHex}, `"aa11"`)

		txid, err := p.SendRawTransaction(context.Background(), rawTxHex)
		require.NoError(t, err)
		require.Equal(t, "aa11", txid)
	})

	t.Run("rejections propagate", func(t *testing.T) {
		p, transport := newProvider(t)
		rejected := &btcjson.RPCError{Code: -26, Message: "min relay fee not met"}
		transport.fail("sendrawtransaction", []any{rawTxHex}, rejected)

		_, err := p.SendRawTransaction(context.Background(), rawTxHex)
		require.ErrorIs(t, err, rejected)
	})
}
