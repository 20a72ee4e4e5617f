package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"IncidentEnricher/internal/app"
	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/logging"
	"IncidentEnricher/internal/usecase"
)

var (
	ingestRunID string
	sinceFlag   string
	dateFlag    string
)

var rootCmd = &cobra.Command{
	Use:           "incidentenricher",
	Short:         "Enrich ingested security news into geocoded incidents",
	Long:          `Classifies Bronze articles with an LLM, validates and geocodes them into Silver, promotes relevant incidents to Gold and keeps daily statistics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one batch of Bronze articles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sel := usecase.Selector{IngestRunID: ingestRunID}
		if sinceFlag != "" {
			since, err := parseTime(sinceFlag)
			if err != nil {
				return err
			}
			sel.Since = since
		}
		if sel.IngestRunID == "" && sel.Since.IsZero() {
			return fmt.Errorf("run: one of --ingest-run or --since is required")
		}

		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			summary, err := a.Run(ctx, sel)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute the daily statistics of one date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		date, err := time.Parse(time.DateOnly, dateFlag)
		if err != nil {
			return fmt.Errorf("aggregate: --date must be YYYY-MM-DD: %w", err)
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			stats, err := a.Aggregate(ctx, date)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var rebuildGoldCmd = &cobra.Command{
	Use:   "rebuild-gold",
	Short: "Rebuild Gold incidents from Silver and refresh every daily row",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			n, err := a.RebuildGold(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gold incidents: %d\n", n)
			return nil
		})
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the configured cron expression",
	Long:  `Runs until interrupted. SIGHUP reloads the taxonomy and filter documents.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if err := a.Reload(); err != nil {
							slog.Error("reload failed", "error", err)
						}
					}
				}
			}()
			return a.Schedule(ctx)
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&ingestRunID, "ingest-run", "", "Bronze ingestion run ID to process")
	runCmd.Flags().StringVar(&sinceFlag, "since", "", "process Bronze articles published at or after this date (YYYY-MM-DD or RFC3339)")
	aggregateCmd.Flags().StringVar(&dateFlag, "date", "", "calendar date to aggregate (YYYY-MM-DD)")
	_ = aggregateCmd.MarkFlagRequired("date")

	rootCmd.AddCommand(runCmd, aggregateCmd, rebuildGoldCmd, scheduleCmd)
}

func withApp(ctx context.Context, fn func(context.Context, *app.Application) error) error {
	cfg := config.Load()
	logger := logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	return fn(ctx, application)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC3339", v)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("application stopped", "error", err)
		os.Exit(1)
	}
}
