package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"connectrpc.com/connect"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/barebitcoin/btc-query/connectserver"
	"github.com/barebitcoin/btc-query/server/commands"
)

const procedurePrefix = "/" + ServiceName + "/"

func (n *NodeService) register() {
	s := n.server
	connectserver.Handle(s, procedurePrefix+"DecodeRawTransaction", n.DecodeRawTransaction)
	connectserver.Handle(s, procedurePrefix+"IsUsedAddress", n.IsUsedAddress)
	connectserver.Handle(s, procedurePrefix+"GetBalance", n.GetBalance)
	connectserver.Handle(s, procedurePrefix+"GetUnspentTransactions", n.GetUnspentTransactions)
	connectserver.Handle(s, procedurePrefix+"GetTransactionHex", n.GetTransactionHex)
	connectserver.Handle(s, procedurePrefix+"GenerateBlock", n.GenerateBlock)
	connectserver.Handle(s, procedurePrefix+"GetBlockByHash", n.GetBlockByHash)
	connectserver.Handle(s, procedurePrefix+"GetBlockByNumber", n.GetBlockByNumber)
	connectserver.Handle(s, procedurePrefix+"GetBlockHeight", n.GetBlockHeight)
	connectserver.Handle(s, procedurePrefix+"GetTransactionByHash", n.GetTransactionByHash)
	connectserver.Handle(s, procedurePrefix+"GetRawTransactionByHash", n.GetRawTransactionByHash)
	connectserver.Handle(s, procedurePrefix+"IsAddressUsed", n.IsAddressUsed)
	connectserver.Handle(s, procedurePrefix+"SendRawTransaction", n.SendRawTransaction)
}

func invalidArgument(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

func validateHash(field, value string) error {
	if value == "" {
		return invalidArgument("%q is a required argument", field)
	}

	if _, err := chainhash.NewHashFromStr(value); err != nil || len(value) != chainhash.MaxHashStringSize {
		return invalidArgument("invalid %s", field)
	}

	return nil
}

func validateRawTx(value string) error {
	if value == "" {
		return invalidArgument(`"rawTx" is a required argument`)
	}

	if _, err := hex.DecodeString(value); err != nil {
		return invalidArgument("rawTx is not valid hex")
	}

	return nil
}

func (n *NodeService) validateAddress(value string) error {
	if value == "" {
		return invalidArgument(`"address" is a required argument`)
	}

	address, err := btcutil.DecodeAddress(value, n.params)
	if err != nil {
		return invalidArgument("invalid bitcoin address: %s", value)
	}

	if !address.IsForNet(n.params) {
		return invalidArgument("address %s is not valid for %s", value, n.params.Name)
	}

	return nil
}

func (n *NodeService) DecodeRawTransaction(
	ctx context.Context, req *connect.Request[commands.DecodeRawTransactionRequest],
) (*connect.Response[commands.TransactionResponse], error) {
	if err := validateRawTx(req.Msg.RawTx); err != nil {
		return nil, err
	}

	tx, err := n.provider.DecodeRawTransaction(ctx, req.Msg.RawTx)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.TransactionResponse{Transaction: tx}), nil
}

func (n *NodeService) IsUsedAddress(
	ctx context.Context, req *connect.Request[commands.IsUsedAddressRequest],
) (*connect.Response[commands.IsUsedAddressResponse], error) {
	if err := n.validateAddress(req.Msg.Address); err != nil {
		return nil, err
	}

	used, err := n.provider.IsUsedAddress(ctx, req.Msg.Address)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.IsUsedAddressResponse{Used: used}), nil
}

func (n *NodeService) GetBalance(
	ctx context.Context, req *connect.Request[commands.GetBalanceRequest],
) (*connect.Response[commands.GetBalanceResponse], error) {
	if len(req.Msg.Addresses) == 0 {
		return nil, invalidArgument(`"addresses" must contain at least one address`)
	}

	for _, address := range req.Msg.Addresses {
		if err := n.validateAddress(address); err != nil {
			return nil, err
		}
	}

	balance, err := n.provider.GetBalance(ctx, req.Msg.Addresses)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.GetBalanceResponse{Balance: balance}), nil
}

func (n *NodeService) GetUnspentTransactions(
	ctx context.Context, req *connect.Request[commands.GetUnspentTransactionsRequest],
) (*connect.Response[commands.GetUnspentTransactionsResponse], error) {
	if err := n.validateAddress(req.Msg.Address); err != nil {
		return nil, err
	}

	utxos, err := n.provider.GetUnspentTransactions(ctx, req.Msg.Address)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.GetUnspentTransactionsResponse{Utxos: utxos}), nil
}

func (n *NodeService) GetTransactionHex(
	ctx context.Context, req *connect.Request[commands.GetTransactionHexRequest],
) (*connect.Response[commands.HexResponse], error) {
	if err := validateHash("txid", req.Msg.Txid); err != nil {
		return nil, err
	}

	txHex, err := n.provider.GetTransactionHex(ctx, req.Msg.Txid)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.HexResponse{Hex: txHex}), nil
}

func (n *NodeService) GenerateBlock(
	ctx context.Context, req *connect.Request[commands.GenerateBlockRequest],
) (*connect.Response[commands.GenerateBlockResponse], error) {
	if req.Msg.Blocks <= 0 {
		return nil, invalidArgument(`"blocks" must be positive`)
	}

	hashes, err := n.provider.GenerateBlock(ctx, req.Msg.Blocks)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.GenerateBlockResponse{BlockHashes: hashes}), nil
}

func (n *NodeService) GetBlockByHash(
	ctx context.Context, req *connect.Request[commands.GetBlockByHashRequest],
) (*connect.Response[commands.BlockResponse], error) {
	if err := validateHash("hash", req.Msg.Hash); err != nil {
		return nil, err
	}

	block, err := n.provider.GetBlockByHash(ctx, req.Msg.Hash, req.Msg.IncludeTx)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.BlockResponse{Block: block}), nil
}

func (n *NodeService) GetBlockByNumber(
	ctx context.Context, req *connect.Request[commands.GetBlockByNumberRequest],
) (*connect.Response[commands.BlockResponse], error) {
	if req.Msg.Height < 0 {
		return nil, invalidArgument(`"height" cannot be negative`)
	}

	block, err := n.provider.GetBlockByNumber(ctx, req.Msg.Height, req.Msg.IncludeTx)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.BlockResponse{Block: block}), nil
}

func (n *NodeService) GetBlockHeight(
	ctx context.Context, req *connect.Request[commands.GetBlockHeightRequest],
) (*connect.Response[commands.GetBlockHeightResponse], error) {
	height, err := n.provider.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.GetBlockHeightResponse{Height: height}), nil
}

func (n *NodeService) GetTransactionByHash(
	ctx context.Context, req *connect.Request[commands.GetTransactionByHashRequest],
) (*connect.Response[commands.TransactionResponse], error) {
	if err := validateHash("txid", req.Msg.Txid); err != nil {
		return nil, err
	}

	tx, err := n.provider.GetTransactionByHash(ctx, req.Msg.Txid)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.TransactionResponse{Transaction: tx}), nil
}

func (n *NodeService) GetRawTransactionByHash(
	ctx context.Context, req *connect.Request[commands.GetRawTransactionByHashRequest],
) (*connect.Response[commands.HexResponse], error) {
	if err := validateHash("txid", req.Msg.Txid); err != nil {
		return nil, err
	}

	txHex, err := n.provider.GetRawTransactionByHash(ctx, req.Msg.Txid)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.HexResponse{Hex: txHex}), nil
}

func (n *NodeService) IsAddressUsed(
	ctx context.Context, req *connect.Request[commands.IsAddressUsedRequest],
) (*connect.Response[commands.IsAddressUsedResponse], error) {
	if err := n.validateAddress(req.Msg.Address); err != nil {
		return nil, err
	}

	used, err := n.provider.IsAddressUsed(ctx, req.Msg.Address)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.IsAddressUsedResponse{Used: used}), nil
}

func (n *NodeService) SendRawTransaction(
	ctx context.Context, req *connect.Request[commands.SendRawTransactionRequest],
) (*connect.Response[commands.SendRawTransactionResponse], error) {
	if err := validateRawTx(req.Msg.RawTx); err != nil {
		return nil, err
	}

	txid, err := n.provider.SendRawTransaction(ctx, req.Msg.RawTx)
	if err != nil {
		return nil, err
	}

	return connect.NewResponse(&commands.SendRawTransactionResponse{Txid: txid}), nil
}
