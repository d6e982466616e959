package rpcclient

import "github.com/btcsuite/btcd/btcjson"

// Bitcoin Core error codes that btcjson doesn't define, or defines with
// btcd semantics. See src/rpc/protocol.h in Bitcoin Core.
const (
	ErrRPCWalletNotFound       btcjson.RPCErrorCode = -18
	ErrRPCWalletNotSpecified   btcjson.RPCErrorCode = -19
	ErrRPCVerifyRejected       btcjson.RPCErrorCode = -26
	ErrRPCVerifyAlreadyInChain btcjson.RPCErrorCode = -27
	ErrRPCInWarmup             btcjson.RPCErrorCode = -28
)
