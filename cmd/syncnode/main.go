// Command syncnode runs one node of the peer-to-peer document sync
// engine: it opens a durable store, starts the sync engine against a
// broker, and serves the application-facing Database API in process
// for embedding callers (spec.md §6.1); there is no network surface
// of its own beyond the broker client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/meshdb/syncd/internal/blockgraph"
	"github.com/meshdb/syncd/internal/config"
	"github.com/meshdb/syncd/internal/document"
	"github.com/meshdb/syncd/internal/flags"
	"github.com/meshdb/syncd/internal/generator"
	"github.com/meshdb/syncd/internal/logging"
	"github.com/meshdb/syncd/internal/nodeclient"
	"github.com/meshdb/syncd/internal/storage/leveldbstore"
	"github.com/meshdb/syncd/internal/syncengine"
	"github.com/meshdb/syncd/internal/update"
)

var (
	devFlag = &cli.BoolFlag{
		Name:     "dev",
		Usage:    "human-readable console logging instead of JSON",
		Category: flags.LoggingCategory,
	}
)

var app = flags.NewApp("the syncd node process")

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
	fs := pflag.NewFlagSet("syncnode", pflag.ContinueOnError)
	fs.String("node-id", "", "node identifier (overrides NODE_ID)")
	fs.String("user-id", "", "broker user partition to join (overrides USER_ID)")
	fs.Int("broker-port", 0, "broker port to dial (overrides BROKER_PORT)")
	fs.String("tick-interval", "", "check-in tick interval (overrides TICK_INTERVAL)")
	fs.String("output-dir", "", "data directory (overrides OUTPUT_DIR)")
	_ = fs.Parse(cliCtx.Args().Slice())

	cfg, err := config.LoadNodeConfig(fs)
	if err != nil {
		return fmt.Errorf("syncnode: %w", err)
	}

	log := logging.New(logging.Options{
		Development: cliCtx.Bool(devFlag.Name),
		OutputDir:   cfg.OutputDir,
		Name:        "syncnode",
	})
	defer log.Sync()
	log.Infow("starting", "nodeId", cfg.NodeID, "userId", cfg.UserID, "brokerUrl", cfg.BrokerURL, "tickInterval", cfg.TickInterval)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("syncnode: creating output dir: %w", err)
	}
	store, err := leveldbstore.Open(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("syncnode: opening storage: %w", err)
	}
	defer store.Close()

	graph := blockgraph.New(store, log)
	client := nodeclient.New(cfg.BrokerURL, cfg.UserID, cfg.NodeID, log)

	var engine *syncengine.Engine
	db := document.New(store, func(updates []update.Update) {
		if err := engine.CommitUpdates(context.Background(), updates); err != nil {
			log.Errorw("commit failed", "error", err)
		}
	})
	engine = syncengine.New(graph, syncengine.Config{
		SelfID:        cfg.NodeID,
		TickInterval:  cfg.TickInterval,
		CheckIn:       client.CheckIn,
		PushBlocks:    client.PushBlocks,
		RequestBlocks: client.RequestBlocks,
		PullBlocks:    client.PullBlocks,
		OnIncomingUpdates: func(ctx context.Context, updates []update.Update) error {
			return db.ApplyIncomingUpdates(ctx, updates)
		},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.StartSync(ctx); err != nil {
		return fmt.Errorf("syncnode: starting sync: %w", err)
	}
	defer engine.StopSync()

	if cfg.MaxGenerationTicks > 0 {
		gen := generator.New(db, cfg.NodeID, cfg.RandomSeed, cfg.MaxGenerationTicks, log)
		go gen.Run(ctx, cfg.TickInterval)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Infow("shutting down")
	return nil
}
