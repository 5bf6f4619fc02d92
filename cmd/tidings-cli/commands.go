package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/janovincze/tidings/internal/app"
	"github.com/janovincze/tidings/internal/config"
	"github.com/janovincze/tidings/internal/ingest"
	"github.com/janovincze/tidings/internal/ingest/deadletter"
	"github.com/janovincze/tidings/internal/ingest/queue"
	"github.com/janovincze/tidings/internal/ingest/scheduler"
	"github.com/janovincze/tidings/internal/ingest/source"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTimestamp(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources with their checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sources, err := config.LoadSources(cfg.SourcesFile)
			if err != nil {
				return err
			}
			store, err := app.OpenCheckpoints(cmd.Context(), cfg, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tKIND\tSCHEDULE\tRESUME\tEND\tCHECKPOINT")
			for _, sc := range sources {
				schedule := sc.Interval.String()
				switch {
				case sc.IsBackfill():
					schedule = "backfill"
				case sc.Cron != "":
					schedule = sc.Cron
				}
				kind := sc.Kind
				if kind == "" {
					kind = ingest.SourceKindArchive
				}

				cp, err := store.Load(cmd.Context(), sc.ID)
				if err != nil {
					return err
				}
				var last *int64
				if cp != nil {
					last = &cp.LastTimestamp
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", sc.ID, kind, schedule,
					formatTimestamp(sc.ResumeTimestamp), formatTimestamp(sc.EndTimestamp), formatTimestamp(last))
			}
			return w.Flush()
		},
	}
}

func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := app.OpenCheckpoints(cmd.Context(), cfg, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			cps, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "SOURCE\tLAST_TIMESTAMP\tTIME\tUPDATED")
			for _, cp := range cps {
				updated := "-"
				if !cp.UpdatedAt.IsZero() {
					updated = cp.UpdatedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cp.SourceID, cp.LastTimestamp, formatTimestamp(&cp.LastTimestamp), updated)
			}
			return w.Flush()
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <source>",
		Short: "Delete a source's checkpoint so the next run starts from its resume timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := app.OpenCheckpoints(cmd.Context(), cfg, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for %s reset\n", args[0])
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "backfill <source>",
		Short: "Run one extraction for a source and publish its new items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !dryRun && cfg.Broker.Backend == config.BackendMemory {
				return errors.New("backfill needs a durable broker: items published to the memory broker are lost when the command exits (use --dry-run to count them)")
			}
			sources, err := config.LoadSources(cfg.SourcesFile)
			if err != nil {
				return err
			}
			var sc *ingest.SourceConfig
			for i := range sources {
				if sources[i].ID == args[0] {
					sc = &sources[i]
				}
			}
			if sc == nil {
				return fmt.Errorf("source %s is not configured", args[0])
			}

			logger := quietLogger()
			store, err := app.OpenCheckpoints(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			var broker queue.Broker = queue.NewMemoryBroker(logger)
			if !dryRun {
				if broker, err = app.OpenBroker(ctx, cfg, logger); err != nil {
					return err
				}
			}
			defer broker.Close()
			if err := broker.Declare(ctx, cfg.Broker.RawQueue); err != nil {
				return err
			}

			extractor, err := source.NewWithFetcher(*sc, source.FetcherConfig{
				UserAgent:    cfg.Fetch.UserAgent,
				Timeout:      cfg.Fetch.Timeout,
				MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			}, logger)
			if err != nil {
				return err
			}
			sched := scheduler.New(store, broker, scheduler.Config{Queue: cfg.Broker.RawQueue}, logger)
			if err := sched.Register(*sc, extractor); err != nil {
				return err
			}

			res, err := sched.RunOnce(ctx, sc.ID)
			published := "published"
			if dryRun {
				published = "would_publish"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s: resume=%d %s=%d skipped=%d errors=%d duration=%s\n",
				res.SourceID, res.Resume, published, res.Published, res.Skipped, res.Errors, res.Duration.Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "extract into a throwaway in-memory queue and only report counts")
	return cmd
}

func newDeadLetterCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and manage dead-lettered messages",
	}

	var sourceID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, oldest first",
		RunE: withDeadLetters(func(ctx context.Context, w io.Writer, m deadletter.Manager, args []string) error {
			var entries []deadletter.Entry
			var err error
			if sourceID != "" {
				entries, err = m.ReadBySource(ctx, sourceID, limit)
			} else {
				entries, err = m.Read(ctx, limit)
			}
			if err != nil {
				return err
			}
			tw := table(w)
			fmt.Fprintln(tw, "ID\tSOURCE\tSTAGE\tTYPE\tCREATED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.SourceID, e.Stage, e.ErrorType,
					e.CreatedAt.UTC().Format(time.RFC3339), e.ErrorMessage)
			}
			return tw.Flush()
		}),
	}
	list.Flags().StringVar(&sourceID, "source", "", "only list entries for this source")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 = all)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: withDeadLetters(func(ctx context.Context, w io.Writer, m deadletter.Manager, args []string) error {
			if err := m.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(w, "deleted %s\n", args[0])
			return nil
		}),
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired dead-letter entries",
		RunE: withDeadLetters(func(ctx context.Context, w io.Writer, m deadletter.Manager, args []string) error {
			n, err := m.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "removed %d expired entries\n", n)
			return nil
		}),
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count dead-letter entries by source and error type",
		RunE: withDeadLetters(func(ctx context.Context, w io.Writer, m deadletter.Manager, args []string) error {
			sm, ok := m.(interface {
				Stats(ctx context.Context) (deadletter.Stats, error)
			})
			if !ok {
				n, err := m.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "total: %d\n", n)
				return nil
			}
			st, err := sm.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "total: %d\n", st.TotalCount)
			tw := table(w)
			for _, src := range slices.Sorted(maps.Keys(st.BySource)) {
				fmt.Fprintf(tw, "source\t%s\t%d\n", src, st.BySource[src])
			}
			for _, typ := range slices.Sorted(maps.Keys(st.ByErrorType)) {
				fmt.Fprintf(tw, "type\t%s\t%d\n", typ, st.ByErrorType[typ])
			}
			return tw.Flush()
		}),
	}

	dlq.AddCommand(list, del, cleanup, stats)
	return dlq
}

type deadLetterFunc func(ctx context.Context, w io.Writer, m deadletter.Manager, args []string) error

func withDeadLetters(fn deadLetterFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.DeadLetter.Enabled {
			return errors.New("dead-letter store is disabled (TIDINGS_DLQ_ENABLED=false)")
		}
		m, err := app.OpenDeadLetters(cmd.Context(), cfg, quietLogger())
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(cmd.Context(), cmd.OutOrStdout(), m, args)
	}
}
