// Command coordinator runs the same peer daemon as cmd/node, plus the
// Task Worker's durable queue polling loop for DELETE_OBJECT,
// DELETE_BUCKET, and REBALANCE_SHARD tasks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/anvil/internal/app"
	"github.com/dreamware/anvil/internal/config"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "coordinator").Logger()

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Run an Anvil storage peer with the task worker attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			node, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			worker, err := node.NewTaskWorker()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return node.Run(gctx) })
			g.Go(func() error { return worker.Run(gctx) })
			if err := g.Wait(); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	config.BindFlags(root, viper.GetViper())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("coordinator exited")
	}
}
