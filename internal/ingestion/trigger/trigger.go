// Package trigger queues ingest runs through Kafka and executes queued
// requests in a worker.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/kafka"
)

const (
	// EventIngestRequested is the event-type header of queued requests.
	EventIngestRequested = "ingest.requested"

	maxRequestedByLength = 255
)

// ValidationError holds per-field validation failures of a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// Validate checks the source name and the requester label.
func Validate(req *ingestion.IngestRequest) error {
	errs := make(map[string]string)
	if req.Source != "" {
		if _, err := opportunity.ParseSource(req.Source); err != nil {
			errs["source"] = err.Error()
		}
	}
	if len(req.RequestedBy) > maxRequestedByLength {
		errs["requested_by"] = fmt.Sprintf("must be at most %d characters", maxRequestedByLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// EventPublisher writes one event to the request topic.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher queues ingest requests.
type Publisher struct {
	producer EventPublisher
	now      func() time.Time
	logger   *slog.Logger
}

func NewPublisher(producer EventPublisher) *Publisher {
	return &Publisher{
		producer: producer,
		now:      time.Now,
		logger:   slog.Default().With("component", "ingest-trigger"),
	}
}

// RequestIngest validates req, stamps it and publishes it keyed by source so
// requests for one source stay ordered on one partition.
func (p *Publisher) RequestIngest(ctx context.Context, req ingestion.IngestRequest) error {
	if err := Validate(&req); err != nil {
		return err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = p.now().UTC()
	}
	key := req.Source
	if key == "" {
		key = "all"
	}
	if err := p.producer.Publish(ctx, kafka.Event{Key: key, Value: req, Type: EventIngestRequested}); err != nil {
		return fmt.Errorf("queueing ingest request: %w", err)
	}
	p.logger.Info("ingest requested", "source", key, "requested_by", req.RequestedBy)
	return nil
}

// Runner executes ingest runs.
type Runner interface {
	RunIngest(ctx context.Context, source opportunity.Source) (*ingestion.RunResult, error)
	RunAll(ctx context.Context, sources ...opportunity.Source) ([]*ingestion.RunResult, error)
	Sources() []opportunity.Source
}

// Worker executes queued requests one at a time.
type Worker struct {
	runner Runner
	logger *slog.Logger
}

func NewWorker(runner Runner) *Worker {
	return &Worker{
		runner: runner,
		logger: slog.Default().With("component", "ingest-worker"),
	}
}

// Handle is a kafka.MessageHandler. Undecodable or invalid requests and
// failed runs are logged and acknowledged; a failed run is already recorded
// in its run row.
func (w *Worker) Handle(ctx context.Context, key, value []byte) error {
	req, err := kafka.DecodeJSON[ingestion.IngestRequest](value)
	if err != nil {
		w.logger.Error("dropping undecodable ingest request", "key", string(key), "error", err)
		return nil
	}
	if err := Validate(&req); err != nil {
		w.logger.Error("dropping invalid ingest request", "key", string(key), "error", err)
		return nil
	}

	log := w.logger.With("source", req.Source, "requested_by", req.RequestedBy)
	if !req.RequestedAt.IsZero() {
		log = log.With("queued_for", time.Since(req.RequestedAt).Round(time.Millisecond).String())
	}

	var results []*ingestion.RunResult
	if req.Source == "" {
		results, err = w.runner.RunAll(ctx, w.runner.Sources()...)
	} else {
		var res *ingestion.RunResult
		res, err = w.runner.RunIngest(ctx, opportunity.Source(req.Source))
		if res != nil {
			results = append(results, res)
		}
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		log.Info("queued run finished", "run_id", res.RunID, "run_source", res.Source,
			"status", res.Status, "fetched", res.Counters.Fetched,
			"inserted", res.Counters.Inserted, "updated", res.Counters.Updated)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("queued run failed", "error", err)
	}
	return nil
}
