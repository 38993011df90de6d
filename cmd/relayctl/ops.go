package main

import (
	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/engine"
	"github.com/Priya8975/posting-relay/internal/ingest"
	"github.com/Priya8975/posting-relay/migrations"
	"github.com/spf13/cobra"
)

var (
	replayDryRun bool
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay-failures",
	Short: "Re-ingest unresolved ingest failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		s, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		events := engine.NewEventWindow(s.redis.Client(), logger, engine.DefaultRetention)
		consumer := ingest.NewConsumer(s.pg, s.pg, logger, ingest.WithEventRecorder(events))
		report, err := ingest.NewReplayer(consumer, s.pg, logger).ReplayBatch(cmd.Context(), ingest.ReplayOptions{
			DryRun: replayDryRun,
			Limit:  replayLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Sample every alert signal once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		s, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		dispatcher := alerting.NewDispatcher(cfg.DispatcherConfig(), logger,
			alerting.WithDeduper(alerting.NewRedisDeduper(s.redis.Client())),
			alerting.WithBreaker(engine.NewCircuitBreaker(s.redis.Client(), logger)),
		)
		monitor := alerting.NewMonitor(cfg.MonitorConfig(), s.pg, dispatcher, logger,
			alerting.WithFailureCounter(s.pg),
			alerting.WithEventLog(engine.NewEventWindow(s.redis.Client(), logger, engine.DefaultRetention)),
		)

		evals, err := monitor.EvaluateAll(cmd.Context())
		if printErr := printJSON(cmd.OutOrStdout(), evals); printErr != nil {
			return printErr
		}
		return err
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the operational summary without evaluating signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		s, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		events := engine.NewEventWindow(s.redis.Client(), logger, engine.DefaultRetention)
		summary, err := alerting.NewSummaryBuilder(s.pg, events, s.pg).Build(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		s, err := openStores(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		applied, err := s.pg.RunMigrations(cmd.Context(), migrations.FS)
		if err != nil {
			return err
		}
		logger.Info("database migrations applied", "applied", applied)
		if applied == nil {
			applied = []string{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "list the failures that would be replayed")
	replayCmd.Flags().IntVar(&replayLimit, "limit", ingest.DefaultReplayLimit, "maximum failures to replay")
}
