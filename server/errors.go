package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-query/rpcclient"
)

// nodeErrorCodes maps Bitcoin Core error codes onto Connect codes.
var nodeErrorCodes = map[btcjson.RPCErrorCode]connect.Code{
	btcjson.ErrRPCInvalidAddressOrKey:    connect.CodeNotFound,
	btcjson.ErrRPCInvalidParameter:       connect.CodeInvalidArgument,
	btcjson.ErrRPCDeserialization:        connect.CodeInvalidArgument,
	btcjson.ErrRPCVerify:                 connect.CodeFailedPrecondition,
	rpcclient.ErrRPCVerifyRejected:       connect.CodeFailedPrecondition,
	rpcclient.ErrRPCVerifyAlreadyInChain: connect.CodeAlreadyExists,
	rpcclient.ErrRPCInWarmup:             connect.CodeUnavailable,
	rpcclient.ErrRPCWalletNotFound:       connect.CodeFailedPrecondition,
	rpcclient.ErrRPCWalletNotSpecified:   connect.CodeFailedPrecondition,
	btcjson.ErrRPCMethodNotFound.Code:    connect.CodeUnimplemented,
}

const walletHint = "start bitcoind with a single wallet loaded, or point --bitcoind.host at /wallet/<name>"

// nodeError converts errors from the node into Connect errors. Errors
// we don't know about are returned untouched.
func nodeError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, rpcclient.ErrInvalidAuth):
		return connect.NewError(connect.CodePermissionDenied, errors.New("bitcoind rejected our credentials"))

	case errors.Is(err, rpcclient.ErrClientShutdown):
		return connect.NewError(connect.CodeUnavailable, err)
	}

	statusErr := new(rpcclient.StatusError)
	if errors.As(err, &statusErr) && statusErr.Busy() {
		return connect.NewError(connect.CodeUnavailable, errors.New("bitcoind is overloaded, try again later"))
	}

	rpcErr := new(btcjson.RPCError)
	if !errors.As(err, &rpcErr) {
		return err
	}

	code, ok := nodeErrorCodes[rpcErr.Code]
	if !ok {
		zerolog.Ctx(ctx).Warn().Msgf("unknown btcjson error: %s", rpcErr)
		return err
	}

	msg := rpcErr.Message
	if rpcErr.Code == rpcclient.ErrRPCWalletNotSpecified {
		msg += ": " + walletHint
	}

	return connect.NewError(code, errors.New(msg))
}

func handleBtcJsonErrors() connect.Interceptor {
	return connect.UnaryInterceptorFunc(func(handler connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := handler(ctx, req)
			return resp, nodeError(ctx, err)
		}
	})
}
