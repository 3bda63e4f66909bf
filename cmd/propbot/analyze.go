package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/propbot/propbot/internal/analysis"
	"github.com/propbot/propbot/pkg/sse"
)

var (
	analyzeServer     string
	analyzeSkipCached bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run fit analyses through the API server",
}

var analyzeBatchCmd = &cobra.Command{
	Use:   "batch ID...",
	Short: "Analyze opportunities in order and follow the progress stream",
	Long: `Start a batch analysis on the API server and print each progress event.

Examples:
  propbot analyze batch 350123 N1
  propbot analyze batch --skip-cached --server http://propbot:8080 350123`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		done, err := streamBatch(cmd.Context(), http.DefaultClient, analyzeServer, args, analyzeSkipCached, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if len(done.FailedIDs) > 0 {
			return fmt.Errorf("%d of %d analyses failed: %s", len(done.FailedIDs), done.Total, strings.Join(done.FailedIDs, ", "))
		}
		return nil
	},
}

func init() {
	analyzeBatchCmd.Flags().StringVar(&analyzeServer, "server", "http://localhost:8080", "API server base URL")
	analyzeBatchCmd.Flags().BoolVar(&analyzeSkipCached, "skip-cached", false, "keep existing analyses instead of recomputing them")
	analyzeCmd.AddCommand(analyzeBatchCmd)
	rootCmd.AddCommand(analyzeCmd)
}

// streamBatch posts a batch request and prints its events until the
// complete event, which it returns.
func streamBatch(ctx context.Context, client *http.Client, server string, ids []string, skipCached bool, out io.Writer) (*analysis.Event, error) {
	body, err := json.Marshal(map[string]any{"opportunity_ids": ids, "skip_cached": skipCached})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/api/v1/analyze/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return nil, fmt.Errorf("starting batch: HTTP %d: %s", resp.StatusCode, apiErr.Error)
	}

	r := sse.NewReader(resp.Body)
	for {
		var ev analysis.Event
		if err := r.NextJSON(&ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("stream ended before the batch completed")
			}
			return nil, err
		}
		switch ev.Type {
		case analysis.EventProgress:
			status := "ok"
			if ev.Error != "" {
				status = "failed: " + ev.Error
			}
			fmt.Fprintf(out, "[%d/%d] %s %s\n", ev.Analyzed, ev.Total, ev.CurrentID, status)
		case analysis.EventComplete:
			fmt.Fprintf(out, "batch %s complete: %d succeeded, %d failed, %d skipped\n",
				ev.BatchID, ev.Succeeded, len(ev.FailedIDs), ev.Skipped)
			for _, a := range ev.Results {
				fmt.Fprintf(out, "  %-20s score %2d  %s\n", a.OpportunityID, a.FitScore, a.RecommendedAction)
			}
			return &ev, nil
		}
	}
}
