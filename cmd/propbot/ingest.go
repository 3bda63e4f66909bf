package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/propbot/propbot/internal/app"
	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/internal/ingestion/trigger"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/kafka"
	"github.com/propbot/propbot/pkg/metrics"
)

var (
	ingestSource string
	runsLimit    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch opportunities from the configured sources",
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingestion once",
	Long: `Run ingestion once and print each run's counters.

Examples:
  propbot ingest run                    # every enabled source, concurrently
  propbot ingest run --source sam.gov   # one source`,
	RunE: runIngest,
}

var ingestWorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute ingest requests queued on Kafka",
	RunE:  runIngestWorker,
}

var ingestRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingest runs",
	RunE:  runIngestRuns,
}

func init() {
	ingestRunCmd.Flags().StringVarP(&ingestSource, "source", "s", "", "source to ingest (grants.gov or sam.gov)")
	ingestRunsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "number of runs to show")
	ingestCmd.AddCommand(ingestRunCmd, ingestWorkerCmd, ingestRunsCmd)
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var sources []opportunity.Source
	if ingestSource != "" {
		s, err := opportunity.ParseSource(ingestSource)
		if err != nil {
			return err
		}
		sources = append(sources, s)
	}

	deps, err := app.Open(ctx, cfg, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	defer deps.Close()

	coord, stop := deps.Coordinator(ctx)
	results, runErr := coord.RunAll(ctx, sources...)
	stop()

	printResults(cmd.OutOrStdout(), results)
	return runErr
}

func runIngestWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("the worker needs kafka.brokers to be configured")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	deps, err := app.Open(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	coord, stop := deps.Coordinator(ctx)
	defer stop()

	worker := trigger.NewWorker(coord)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IngestRequests, worker.Handle)
	slog.Info("ingest worker started", "topic", cfg.Kafka.Topics.IngestRequests, "sources", coord.Sources())
	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("ingest worker stopped")
	return nil
}

func runIngestRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer deps.Close()

	runs, err := deps.Store.RecentRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTARTED\tSTATUS\tFETCHED\tINSERTED\tUPDATED\tEXPIRED\tFILTERED\tINVALID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.Source, r.StartedAt.Local().Format(time.DateTime), r.Status,
			r.Fetched, r.Inserted, r.Updated, r.FilteredExpired, r.FilteredCapability, r.RejectedInvalid)
	}
	return tw.Flush()
}

func printResults(w io.Writer, results []*ingestion.RunResult) {
	for _, res := range results {
		if res == nil {
			continue
		}
		c := res.Counters
		fmt.Fprintf(w, "%s run %d %s in %s: fetched=%d inserted=%d updated=%d expired=%d filtered=%d invalid=%d\n",
			res.Source, res.RunID, res.Status, res.Duration.Round(time.Millisecond),
			c.Fetched, c.Inserted, c.Updated, c.FilteredExpired, c.FilteredCapability, c.RejectedInvalid)
		if res.ErrorMessage != "" {
			fmt.Fprintf(w, "  error: %s\n", res.ErrorMessage)
		}
	}
}
