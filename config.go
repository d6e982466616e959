package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-query/server"
)

type config struct {
	Listen string `long:"listen" env:"BTC_QUERY_LISTEN" default:"localhost:5080" description:"interface:port for the Connect server"`
	Pprof  bool   `long:"pprof" env:"BTC_QUERY_PPROF" description:"serve pprof data on localhost:6060"`

	Logging  loggingConfig  `group:"logging" namespace:"logging" env-namespace:"BTC_QUERY_LOGGING"`
	Bitcoind bitcoindConfig `group:"bitcoind" namespace:"bitcoind" env-namespace:"BTC_QUERY_BITCOIND"`
	Provider providerConfig `group:"provider" namespace:"provider" env-namespace:"BTC_QUERY_PROVIDER"`
}

type loggingConfig struct {
	JSON  bool   `long:"json" env:"JSON" description:"log JSON lines instead of human readable output"`
	Level string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error"`
}

type bitcoindConfig struct {
	User    string        `long:"user" env:"USER"`
	Pass    string        `long:"pass" env:"PASS"`
	Cookie  string        `long:"cookie" env:"COOKIE" description:"path to the bitcoind auth cookie, used when no password is set"`
	Host    string        `long:"host" env:"HOST" default:"localhost:8332" description:"may include a /wallet/<name> path"`
	Network string        `long:"network" env:"NETWORK" default:"mainnet" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"signet"`
	Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"timeout for a single HTTP request to bitcoind"`
	Retries int           `long:"retries" env:"RETRIES" default:"3" description:"number of retries on connection failures and full work queues"`
	Warmup  time.Duration `long:"warmup" env:"WARMUP" default:"1m" description:"how long to wait for bitcoind to finish warming up"`

	// bitcoind itself doesn't speak TLS, but a reverse proxy in front of it might.
	TLS     bool   `long:"tls" env:"TLS" description:"connect over https"`
	RPCCert string `long:"rpccert" env:"RPCCERT" description:"PEM certificate chain to verify the TLS connection against"`
	Proxy   string `long:"proxy" env:"PROXY" description:"proxy URL to connect through"`
}

type providerConfig struct {
	FanOut int `long:"fanout" env:"FANOUT" default:"8" description:"max concurrent node calls per request, keep below bitcoind's -rpcworkqueue"`
}

func (c *config) nodeConfig() (server.Config, error) {
	conf := server.Config{
		Host:       c.Bitcoind.Host,
		User:       c.Bitcoind.User,
		Pass:       c.Bitcoind.Pass,
		CookiePath: c.Bitcoind.Cookie,
		Network:    c.Bitcoind.Network,
		Timeout:    c.Bitcoind.Timeout,
		RetryMax:   c.Bitcoind.Retries,
		Warmup:     c.Bitcoind.Warmup,
		FanOut:     c.Provider.FanOut,
		TLS:        c.Bitcoind.TLS,
		Proxy:      c.Bitcoind.Proxy,
	}

	if c.Bitcoind.RPCCert != "" {
		certs, err := os.ReadFile(c.Bitcoind.RPCCert)
		if err != nil {
			return server.Config{}, fmt.Errorf("read rpc cert: %w", err)
		}
		conf.Certificates = certs
	}

	return conf, nil
}

func parseConfig(args []string) (*config, error) {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Bitcoind.Pass == "" && cfg.Bitcoind.Cookie == "" {
		return nil, errors.New("one of --bitcoind.pass or --bitcoind.cookie is required")
	}

	if cfg.Provider.FanOut < 1 {
		return nil, fmt.Errorf("--provider.fanout must be at least 1: %d", cfg.Provider.FanOut)
	}

	if cfg.Bitcoind.RPCCert != "" && !cfg.Bitcoind.TLS {
		return nil, errors.New("--bitcoind.rpccert requires --bitcoind.tls")
	}

	return &cfg, nil
}

func readConfig(ctx context.Context) (*config, error) {
	cfg, err := parseConfig(os.Args[1:])
	if flagErr := new(flags.Error); errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		return nil, err
	}

	if err := configureLogging(cfg); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("listen", cfg.Listen).
		Str("bitcoind.host", cfg.Bitcoind.Host).
		Str("bitcoind.network", cfg.Bitcoind.Network).
		Msg("read config")

	return cfg, nil
}
