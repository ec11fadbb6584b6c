// Command broker runs the stateless per-user relay described in
// spec.md §4.6: it serves the five HTTP+JSON endpoints of §6.2 and
// runs the directory GC tick in the background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/meshdb/syncd/internal/broker"
	"github.com/meshdb/syncd/internal/config"
	"github.com/meshdb/syncd/internal/flags"
	"github.com/meshdb/syncd/internal/logging"
)

var (
	devFlag = &cli.BoolFlag{
		Name:     "dev",
		Usage:    "human-readable console logging instead of JSON",
		Category: flags.LoggingCategory,
	}
)

var app = flags.NewApp("the syncd broker process")

func init() {
	app.Flags = []cli.Flag{devFlag}
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	fs := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	fs.Int("port", 0, "port to listen on (overrides PORT)")
	_ = fs.Parse(cliCtx.Args().Slice())

	cfg, err := config.LoadBrokerConfig(fs)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	log := logging.New(logging.Options{
		Development: cliCtx.Bool(devFlag.Name),
		Name:        "broker",
	})
	defer log.Sync()
	log.Infow("starting", "port", cfg.Port)

	server, router := broker.NewServer(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.RunGC(ctx, server.Directory(), log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("broker: %w", err)
	case <-sig:
		log.Infow("shutting down")
		return httpServer.Shutdown(context.Background())
	}
}
