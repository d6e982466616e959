package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/barebitcoin/btc-query/server"
)

func realMain(cfg *config) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		signal := <-sig
		zerolog.Ctx(ctx).Info().
			Stringer("signal", signal).
			Msg("received signal, canceling context")
		cancel(fmt.Errorf("received %s signal", signal))
	}()

	nodeConf, err := cfg.nodeConfig()
	if err != nil {
		return err
	}

	node, err := server.NewNodeService(ctx, nodeConf)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}

	if cfg.Pprof {
		node.EnablePprof(ctx)
	}

	errs := make(chan error)

	go func() {
		if err := node.Listen(ctx, cfg.Listen); err != nil {
			errs <- err
		}
	}()
	go func() {
		if err := node.RunHealthChecks(ctx); err != nil {
			errs <- fmt.Errorf("health checks: %w", err)
		}
	}()
	go func() {
		<-ctx.Done()
		node.Shutdown(ctx)

		errs <- context.Cause(ctx)
	}()

	return <-errs
}

func main() {
	ctx := context.Background()

	cfg, err := readConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read config: %s\n", err)
		os.Exit(1)
	}

	// important: this is only usable AFTER readConfig has been called
	log := zerolog.Ctx(ctx)

	if info, ok := debug.ReadBuildInfo(); ok {
		log.Info().
			Str("go", info.GoVersion).
			Str("vcs.sha", findSetting("vcs.revision", info.Settings)).
			Str("vcs.modified", findSetting("vcs.modified", info.Settings)).
			Msgf("starting %s", os.Args[0])
	}

	if err := realMain(cfg); err != nil {
		log.Fatal().Err(err).Msg("main: received error")
	}
	log.Info().Msgf("main: exiting with 0 code")
}

func findSetting(key string, settings []debug.BuildSetting) string {
	for _, setting := range settings {
		if setting.Key == key {
			return setting.Value
		}
	}

	return "unknown"
}
