package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Priya8975/posting-relay/internal/outbox"
	"github.com/spf13/cobra"
)

var (
	produceFile string
	flushOnce   bool
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Send one envelope through the outbox",
	Long: `Reads a JSON envelope from --file or stdin, persists it to the outbox and
attempts one delivery. Undelivered envelopes stay queued for "relayctl flush".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		payload, err := readEnvelope(cmd.InOrStdin(), produceFile)
		if err != nil {
			return err
		}

		p, err := newProducer(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		result, err := p.outbox.EnqueueAndDeliver(cmd.Context(), payload)
		if err != nil {
			return err
		}
		p.sampleBacklog(cmd.Context())
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry due outbox records",
	Long:  `Runs the outbox retry loop until interrupted. With --once, runs a single pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := newProducer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		if flushOnce {
			report := p.outbox.FlushDue(ctx)
			p.sampleBacklog(ctx)
			return printJSON(cmd.OutOrStdout(), struct {
				outbox.FlushReport
				QueueSize   int `json:"queue_size"`
				DeadLetters int `json:"dead_letters"`
			}{report, p.outbox.QueueSize(), p.outbox.DeadLetterCount()})
		}

		p.flusher().Start(ctx)
		return nil
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered outbox records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		dead, err := outbox.NewFileStorage(cfg.Outbox.Path, cfg.Outbox.DeadPath).ReadDeadLetters()
		if err != nil {
			return err
		}
		if dead == nil {
			dead = []outbox.DeadLetter{}
		}
		return printJSON(cmd.OutOrStdout(), dead)
	},
}

func init() {
	produceCmd.Flags().StringVarP(&produceFile, "file", "f", "", "read the envelope from this file instead of stdin")
	flushCmd.Flags().BoolVar(&flushOnce, "once", false, "run a single flush pass and exit")
}

// readEnvelope decodes a JSON object from path, or from stdin when path is
// empty or "-".
func readEnvelope(stdin io.Reader, path string) (map[string]any, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("envelope must be a JSON object")
	}
	return payload, nil
}

