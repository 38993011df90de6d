package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/Priya8975/posting-relay/internal/config"
	"github.com/Priya8975/posting-relay/internal/store"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "relayctl",
	Short:        "Operate the posting relay",
	Long:         `Produce envelopes through the durable outbox, replay ingest failures and inspect alert state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(produceCmd, flushCmd, deadLettersCmd)
	rootCmd.AddCommand(replayCmd, evaluateCmd, summaryCmd, migrateCmd)
}

// setup loads configuration and builds a logger writing to stderr, leaving
// stdout for command output.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return cfg, logger, nil
}

type stores struct {
	pg    *store.PostgresStore
	redis *store.RedisStore
}

func (s *stores) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

// openStores connects to PostgreSQL and Redis. Both are required.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if err := cfg.RequireStores(); err != nil {
		return nil, err
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	redis, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		pg.Close()
		return nil, err
	}
	return &stores{pg: pg, redis: redis}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
