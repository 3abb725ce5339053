// Command node runs one storage peer: membership gossiper, peer
// transport gRPC server, local shard store, and the ingest/read
// coordinators behind the client-facing HTTP API. Configuration is
// loaded through spf13/viper bound to spf13/cobra flags and ANVIL_-
// prefixed environment variables, in place of the teacher's
// getenv/mustGetenv pair.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/anvil/internal/app"
	"github.com/dreamware/anvil/internal/config"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "node").Logger()

	root := &cobra.Command{
		Use:   "node",
		Short: "Run one Anvil storage peer",
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

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return node.Run(ctx)
		},
	}

	config.BindFlags(root, viper.GetViper())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("node exited")
	}
}
