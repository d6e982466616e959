package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-query/connectserver"
	"github.com/barebitcoin/btc-query/connectserver/logging"
	"github.com/barebitcoin/btc-query/provider"
	"github.com/barebitcoin/btc-query/rpcclient"
	"github.com/barebitcoin/btc-query/server/rpclog"
)

// ServiceName is the Connect service all node procedures live under.
const ServiceName = "btcquery.v1.NodeService"

// Config describes how to reach the node, and how to talk to it.
type Config struct {
	Host       string
	User       string
	Pass       string
	CookiePath string

	// Network is one of mainnet, testnet3, regtest or signet.
	Network string

	Timeout  time.Duration
	RetryMax int

	// Warmup bounds how long we wait for a node that is still starting up.
	Warmup time.Duration

	// FanOut limits concurrent node calls per operation. Zero means
	// DefaultFanOut.
	FanOut int

	// TLS connects over https, verifying against Certificates if set.
	TLS          bool
	Certificates []byte
	Proxy        string
}

// DefaultFanOut stays below the RPC work queue of a stock bitcoind
// (-rpcworkqueue=16). Requests past the queue are rejected with a 503.
const DefaultFanOut = 8

var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"signet":   &chaincfg.SigNetParams,
}

func networkParams(network string) (*chaincfg.Params, error) {
	if network == "" {
		return &chaincfg.MainNetParams, nil
	}

	params, ok := networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %q", network)
	}

	return params, nil
}

type NodeService struct {
	conf     Config
	params   *chaincfg.Params
	rpc      *rpcclient.Client
	provider *provider.Provider
	server   *connectserver.Server
}

func NewNodeService(ctx context.Context, conf Config) (*NodeService, error) {
	log := zerolog.Ctx(ctx)
	log.Info().
		Str("host", conf.Host).
		Str("user", conf.User).
		Str("network", conf.Network).
		Msg("connecting to bitcoind")

	params, err := networkParams(conf.Network)
	if err != nil {
		return nil, err
	}

	client, err := rpcclient.New(ctx, &rpcclient.ConnConfig{
		Host:         conf.Host,
		User:         conf.User,
		Pass:         conf.Pass,
		CookiePath:   conf.CookiePath,
		DisableTLS:   !conf.TLS,
		Certificates: conf.Certificates,
		Proxy:        conf.Proxy,
		Timeout:      conf.Timeout,
		RetryMax:     conf.RetryMax,
		Logger:       &rpclog.Logger{Logger: log},
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Msg("created RPC client")

	fanOut := conf.FanOut
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}

	node := &NodeService{
		conf:     conf,
		params:   params,
		rpc:      client,
		provider: provider.New(client, provider.WithFanOutLimit(fanOut)),
	}

	// Do a request, to verify we can reach Bitcoin Core
	info, err := node.waitForWarmup(ctx)
	switch {
	case errors.Is(err, rpcclient.ErrInvalidAuth):
		return nil, errors.New("invalid RPC client credentials")

	case err != nil:
		return nil, fmt.Errorf("could not get initial blockchain info: %w", err)
	}

	log.Debug().
		Str("chain", info.Chain).
		Int32("blocks", info.Blocks).
		Str("bestBlockHash", info.BestBlockHash).
		Msg("got bitcoind info")

	// Means a specific wallet was specified in the config. Verify
	// that it exists and is loaded.
	if strings.Contains(conf.Host, "/wallet/") {
		if err := node.ensureWallet(ctx); err != nil {
			return nil, err
		}
	}

	node.server = connectserver.New(
		logging.InterceptorConf{SlowThreshold: slowRequest},
		handleBtcJsonErrors(),
	)
	node.register()

	return node, nil
}

var warmupPollInterval = time.Second

// Requests slower than this are logged at info.
const slowRequest = 5 * time.Second

// waitForWarmup fetches the blockchain info, retrying for as long as the
// node reports that it is still warming up.
func (n *NodeService) waitForWarmup(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	log := zerolog.Ctx(ctx)

	warmup := n.conf.Warmup
	if warmup <= 0 {
		warmup = time.Minute
	}
	deadline := time.Now().Add(warmup)

	for {
		info, err := n.blockchainInfo(ctx)
		if rpcclient.ErrorCode(err) != rpcclient.ErrRPCInWarmup {
			return info, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("node still warming up after %s: %w", warmup, err)
		}

		log.Info().Err(err).Msg("bitcoind is warming up, waiting")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(warmupPollInterval):
		}
	}
}

func (n *NodeService) blockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	raw, err := n.rpc.Call(ctx, "getblockchaininfo")
	if err != nil {
		return nil, err
	}

	var info btcjson.GetBlockChainInfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("getblockchaininfo: decode result: %w", err)
	}

	return &info, nil
}

func (n *NodeService) ensureWallet(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	_, wallet, _ := strings.Cut(n.conf.Host, "/wallet/")
	log.Debug().
		Str("host", n.conf.Host).
		Str("wallet", wallet).
		Msg("bitcoind host contains wallet, verifying wallet exists")

	_, err := n.rpc.Call(ctx, "getwalletinfo")
	switch {
	// Great stuff, wallet exists
	case err == nil:
		return nil

	case rpcclient.ErrorCode(err) == rpcclient.ErrRPCWalletNotFound:
		log.Debug().Err(err).Msg("could not get wallet, trying loading")

		if _, err := n.rpc.Call(ctx, "loadwallet", wallet); err != nil {
			return fmt.Errorf("wallet %q does not exist or is not loaded: %w", wallet, err)
		}

		log.Info().Msgf("loaded wallet: %s", wallet)
		return nil

	default:
		return fmt.Errorf("get wallet info: %w", err)
	}
}

// Handler exposes the Connect procedures without binding a listener.
func (n *NodeService) Handler() http.Handler {
	return n.server.Handler()
}

func (n *NodeService) EnablePprof(ctx context.Context) {
	n.server.WithPprof(ctx)
}

func (n *NodeService) Listen(ctx context.Context, address string) error {
	zerolog.Ctx(ctx).Info().
		Str("address", address).
		Strs("services", n.server.Services()).
		Msg("connect: serving")

	return n.server.Serve(ctx, address)
}

func (n *NodeService) Shutdown(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Msg("stopping server")
	n.server.Shutdown(ctx)
	n.rpc.Shutdown(ctx)
}

func (n *NodeService) RunHealthChecks(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("health check: starting")

	ticker := time.NewTicker(time.Second * 5)
	defer ticker.Stop()

	// Do an initial check before the first tick.
	n.fetchHealthCheck(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("stopping health checks")
			return nil

		case <-ticker.C:
			n.fetchHealthCheck(ctx)
		}
	}
}

func (n *NodeService) fetchHealthCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	log := zerolog.Ctx(ctx)
	start := time.Now()
	height, err := n.provider.GetBlockHeight(ctx)
	if err != nil {
		n.server.SetHealthStatus(ServiceName, grpchealth.StatusNotServing)
		// Makes for noisy logs. You'll notice it anyways, when things start crashing!
		log.Info().Err(err).Msg("health check: could not fetch block count")
		return
	}

	n.server.SetHealthStatus(ServiceName, grpchealth.StatusServing)
	log.Trace().
		Int64("height", height).
		Msgf("health check: fetched block count, took %s", time.Since(start))
}
