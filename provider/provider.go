// Package provider maps a Bitcoin Core node's JSON-RPC API onto a small,
// normalized set of block and transaction queries.
//
// The Provider holds no state between calls: every method re-queries the
// node through its Transport.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Confirmation window passed to listunspent.
const (
	minUnspentConf = 6
	maxUnspentConf = 9999999
)

// Transport performs a JSON-RPC call by method name with positional
// params, returning the raw result.
type Transport interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// TxResolver fetches a single transaction by txid. It's used to resolve
// block transaction lists.
type TxResolver func(ctx context.Context, txid string) (*Transaction, error)

type Option func(p *Provider)

// WithTxResolver overrides how block transactions are resolved when
// includeTx is set. The default fetches the raw transaction and decodes
// it through the node.
func WithTxResolver(resolver TxResolver) Option {
	return func(p *Provider) {
		p.resolveTx = resolver
	}
}

// WithFanOutLimit bounds the number of concurrent sub-requests issued by
// GetBalance and GetBlockByHash. Zero or negative means unbounded.
func WithFanOutLimit(limit int) Option {
	return func(p *Provider) {
		if limit <= 0 {
			limit = -1
		}
		p.fanOut = limit
	}
}

type Provider struct {
	rpc       Transport
	resolveTx TxResolver
	fanOut    int
}

func New(rpc Transport, opts ...Option) *Provider {
	p := &Provider{
		rpc:    rpc,
		fanOut: -1,
	}
	p.resolveTx = p.fetchTransaction

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Provider) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanOut)
	return g, ctx
}

// DecodeRawTransaction asks the node to decode a serialized transaction.
func (p *Provider) DecodeRawTransaction(ctx context.Context, rawTx string) (*Transaction, error) {
	const method = "decoderawtransaction"

	raw, err := p.rpc.Call(ctx, method, rawTx)
	if err != nil {
		return nil, err
	}

	var decoded decodedTransaction
	if err := decode(method, raw, &decoded); err != nil {
		return nil, err
	}

	value, err := decoded.value()
	if err != nil {
		return nil, err
	}

	return &Transaction{
		Hash:  decoded.TxID,
		Value: value,
		Raw: RawTransaction{
			Hex:    rawTx,
			Data:   raw,
			TxHash: decoded.Hash,
		},
	}, nil
}

// IsUsedAddress reports whether the address holds any UTXOs within the
// listunspent confirmation window.
func (p *Provider) IsUsedAddress(ctx context.Context, address string) (bool, error) {
	utxos, err := p.GetUnspentTransactions(ctx, address)
	if err != nil {
		return false, err
	}

	return len(utxos) != 0, nil
}

// GetBalance sums the UTXOs of all addresses. Lookups run concurrently;
// any failure fails the whole call.
func (p *Provider) GetBalance(ctx context.Context, addresses []string) (btcutil.Amount, error) {
	perAddress := make([][]UTXO, len(addresses))

	g, gctx := p.group(ctx)
	for i, address := range addresses {
		g.Go(func() error {
			utxos, err := p.GetUnspentTransactions(gctx, address)
			if err != nil {
				return err
			}
			perAddress[i] = utxos
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Accumulated as float satoshis, rounded once.
	sats := lo.SumBy(lo.Flatten(perAddress), func(utxo UTXO) float64 {
		return utxo.Amount * btcutil.SatoshiPerBitcoin
	})

	return btcutil.Amount(math.Round(sats)), nil
}

func (p *Provider) GetUnspentTransactions(ctx context.Context, address string) ([]UTXO, error) {
	utxos, err := call[[]UTXO](ctx, p.rpc, "listunspent",
		minUnspentConf, maxUnspentConf, []string{address},
	)
	if err != nil {
		return nil, err
	}

	if utxos == nil {
		utxos = []UTXO{}
	}

	return utxos, nil
}

// GetTransactionHex returns the serialized transaction from the node's
// wallet.
func (p *Provider) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	res, err := call[btcjson.GetTransactionResult](ctx, p.rpc, "gettransaction", txid)
	if err != nil {
		return "", err
	}

	return res.Hex, nil
}

// GenerateBlock mines blocks on a test network. Nodes that no longer
// ship the generate RPC are mined to a fresh wallet address instead.
func (p *Provider) GenerateBlock(ctx context.Context, blocks int) ([]string, error) {
	hashes, err := call[[]string](ctx, p.rpc, "generate", blocks)
	if !isMethodNotFound(err) {
		return hashes, err
	}

	zerolog.Ctx(ctx).Debug().Err(err).
		Msg("generate not available, falling back to generatetoaddress")

	address, err := call[string](ctx, p.rpc, "getnewaddress")
	if err != nil {
		return nil, err
	}

	return call[[]string](ctx, p.rpc, "generatetoaddress", blocks, address)
}

func isMethodNotFound(err error) bool {
	rpcErr := new(btcjson.RPCError)
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == btcjson.ErrRPCMethodNotFound.Code
}

// GetBlockByHash fetches a block. With includeTx set, every transaction is
// resolved concurrently; the result keeps the block's transaction order.
func (p *Provider) GetBlockByHash(ctx context.Context, hash string, includeTx bool) (*Block, error) {
	res, err := call[btcjson.GetBlockVerboseResult](ctx, p.rpc, "getblock", hash)
	if err != nil {
		return nil, err
	}

	block := &Block{
		Hash:          res.Hash,
		Number:        res.Height,
		Timestamp:     res.Time,
		Difficulty:    res.Difficulty,
		Size:          res.Size,
		ParentHash:    res.PreviousHash,
		Nonce:         res.Nonce,
		Confirmations: res.Confirmations,
		Transactions: lo.Map(res.Tx, func(txid string, _ int) BlockTransaction {
			return BlockTransaction{Hash: txid}
		}),
	}

	if !includeTx {
		return block, nil
	}

	g, gctx := p.group(ctx)
	for i, txid := range res.Tx {
		g.Go(func() error {
			tx, err := p.resolveTx(gctx, txid)
			if err != nil {
				return err
			}
			block.Transactions[i].Tx = tx
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return block, nil
}

func (p *Provider) GetBlockByNumber(ctx context.Context, height int64, includeTx bool) (*Block, error) {
	hash, err := call[string](ctx, p.rpc, "getblockhash", height)
	if err != nil {
		return nil, err
	}

	return p.GetBlockByHash(ctx, hash, includeTx)
}

func (p *Provider) GetBlockHeight(ctx context.Context) (int64, error) {
	return call[int64](ctx, p.rpc, "getblockcount")
}

// GetTransactionByHash fetches and decodes a transaction, then tries to
// add confirmation details from the node's wallet. The wallet only knows
// its own transactions, so a failed wallet lookup leaves the transaction
// without confirmations instead of failing the call.
func (p *Provider) GetTransactionByHash(ctx context.Context, txid string) (*Transaction, error) {
	tx, err := p.fetchTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	enrichment, err := p.walletEnrichment(ctx, txid)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).
			Str("txid", txid).
			Msg("wallet lookup failed, returning transaction without confirmations")
		return tx, nil
	}

	enrichment.apply(tx)
	return tx, nil
}

// fetchTransaction is the default TxResolver.
func (p *Provider) fetchTransaction(ctx context.Context, txid string) (*Transaction, error) {
	rawTx, err := p.GetRawTransactionByHash(ctx, txid)
	if err != nil {
		return nil, err
	}

	return p.DecodeRawTransaction(ctx, rawTx)
}

// walletEnrichment is the optional part of GetTransactionByHash.
type walletEnrichment struct {
	confirmations int64
	blockHash     string
	blockNumber   *int64
}

func (e walletEnrichment) apply(tx *Transaction) {
	tx.Confirmations = lo.ToPtr(e.confirmations)
	if e.blockNumber != nil {
		tx.BlockHash = e.blockHash
		tx.BlockNumber = e.blockNumber
	}
}

func (p *Provider) walletEnrichment(ctx context.Context, txid string) (walletEnrichment, error) {
	res, err := call[btcjson.GetTransactionResult](ctx, p.rpc, "gettransaction", txid)
	if err != nil {
		return walletEnrichment{}, err
	}

	enrichment := walletEnrichment{confirmations: res.Confirmations}
	if res.Confirmations <= 0 {
		return enrichment, nil
	}

	block, err := p.GetBlockByHash(ctx, res.BlockHash, false)
	if err != nil {
		return walletEnrichment{}, err
	}

	enrichment.blockHash = res.BlockHash
	enrichment.blockNumber = lo.ToPtr(block.Number)

	return enrichment, nil
}

func (p *Provider) GetRawTransactionByHash(ctx context.Context, txid string) (string, error) {
	return call[string](ctx, p.rpc, "getrawtransaction", txid)
}

// IsAddressUsed reports whether the address has ever received funds.
func (p *Provider) IsAddressUsed(ctx context.Context, address string) (bool, error) {
	received, err := call[float64](ctx, p.rpc, "getreceivedbyaddress", address)
	if err != nil {
		return false, err
	}

	return received > 0, nil
}

// SendRawTransaction broadcasts a signed transaction, returning its txid.
func (p *Provider) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	return call[string](ctx, p.rpc, "sendrawtransaction", rawTx)
}
