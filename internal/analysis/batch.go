package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

// EventType tags batch stream events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// BatchOptions tunes AnalyzeBatch.
type BatchOptions struct {
	// SkipCached reports ids that already have an analysis as skipped
	// successes without calling the model.
	SkipCached bool `json:"skip_cached"`
}

// Event is one message of a batch stream. A progress event is sent after
// every id; a single complete event closes the stream.
type Event struct {
	Type      EventType               `json:"type"`
	BatchID   string                  `json:"batch_id"`
	Analyzed  int                     `json:"analyzed"`
	Total     int                     `json:"total"`
	CurrentID string                  `json:"current_id,omitempty"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Skipped   int                     `json:"skipped"`
	Error     string                  `json:"error,omitempty"`
	FailedIDs []string                `json:"failed_ids,omitempty"`
	Results   []*opportunity.Analysis `json:"results,omitempty"`
}

type progressPayload struct {
	Type      EventType `json:"type"`
	BatchID   string    `json:"batch_id"`
	Analyzed  int       `json:"analyzed"`
	Total     int       `json:"total"`
	CurrentID string    `json:"current_id"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

type completePayload struct {
	Type      EventType               `json:"type"`
	BatchID   string                  `json:"batch_id"`
	Total     int                     `json:"total"`
	Analyzed  int                     `json:"analyzed"`
	Succeeded int                     `json:"succeeded"`
	FailedIDs []string                `json:"failed_ids"`
	Skipped   int                     `json:"skipped"`
	Results   []*opportunity.Analysis `json:"results"`
}

// MarshalJSON writes only the fields that belong to the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventComplete {
		p := completePayload{
			Type:      e.Type,
			BatchID:   e.BatchID,
			Total:     e.Total,
			Analyzed:  e.Analyzed,
			Succeeded: e.Succeeded,
			FailedIDs: e.FailedIDs,
			Skipped:   e.Skipped,
			Results:   e.Results,
		}
		if p.FailedIDs == nil {
			p.FailedIDs = []string{}
		}
		if p.Results == nil {
			p.Results = []*opportunity.Analysis{}
		}
		return json.Marshal(p)
	}
	return json.Marshal(progressPayload{
		Type:      e.Type,
		BatchID:   e.BatchID,
		Analyzed:  e.Analyzed,
		Total:     e.Total,
		CurrentID: e.CurrentID,
		Succeeded: e.Succeeded,
		Failed:    e.Failed,
		Skipped:   e.Skipped,
		Error:     e.Error,
	})
}

// AnalyzeBatch validates ids and starts analyzing them in input order on a
// new goroutine. The returned channel carries one progress event per id
// followed by one complete event, then closes. A failed item is counted and
// the batch moves on. Cancelling ctx stops the batch before the next item
// and closes the channel without a complete event.
func (o *Orchestrator) AnalyzeBatch(ctx context.Context, ids []string, opts BatchOptions) (<-chan Event, error) {
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "opportunity_ids must not be empty")
	}
	if len(ids) > o.cfg.MaxBatchSize {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"batch of %d exceeds the limit of %d", len(ids), o.cfg.MaxBatchSize)
	}
	for _, id := range ids {
		if id == "" {
			return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "opportunity_ids must not contain empty ids")
		}
	}

	out := make(chan Event, o.cfg.EventBuffer)
	ids = append([]string(nil), ids...)
	go o.runBatch(ctx, o.newID(), ids, opts, out)
	return out, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, batchID string, ids []string, opts BatchOptions, out chan<- Event) {
	defer close(out)
	if o.metrics != nil {
		o.metrics.BatchStreamsActive.Inc()
		defer o.metrics.BatchStreamsActive.Dec()
	}
	log := o.logger.With("batch_id", batchID)
	log.Info("batch started", "total", len(ids), "skip_cached", opts.SkipCached)

	state := Event{BatchID: batchID, Total: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			log.Info("batch cancelled", "analyzed", state.Analyzed, "total", state.Total)
			return
		}

		a, skipped, err := o.batchItem(ctx, id, opts)
		if err != nil && ctx.Err() != nil {
			log.Info("batch cancelled", "analyzed", state.Analyzed, "total", state.Total)
			return
		}

		state.Analyzed++
		ev := Event{Type: EventProgress, CurrentID: id}
		switch {
		case err != nil:
			state.Failed++
			state.FailedIDs = append(state.FailedIDs, id)
			ev.Error = err.Error()
		case skipped:
			state.Succeeded++
			state.Skipped++
			state.Results = append(state.Results, a)
		default:
			state.Succeeded++
			state.Results = append(state.Results, a)
		}
		ev.BatchID, ev.Total = state.BatchID, state.Total
		ev.Analyzed, ev.Succeeded, ev.Failed, ev.Skipped = state.Analyzed, state.Succeeded, state.Failed, state.Skipped

		if !send(ctx, out, ev) {
			log.Info("batch consumer gone", "analyzed", state.Analyzed, "total", state.Total)
			return
		}
	}

	state.Type = EventComplete
	if send(ctx, out, state) {
		log.Info("batch completed", "succeeded", state.Succeeded, "failed", state.Failed, "skipped", state.Skipped)
	}
}

// batchItem analyzes one id, or returns the cached analysis when skipping.
func (o *Orchestrator) batchItem(ctx context.Context, id string, opts BatchOptions) (*opportunity.Analysis, bool, error) {
	if opts.SkipCached {
		cached, err := o.store.GetAnalysis(ctx, id)
		switch {
		case err == nil:
			if o.metrics != nil {
				o.metrics.AnalysesTotal.WithLabelValues("skipped").Inc()
			}
			return cached, true, nil
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, false, err
		}
	}
	a, err := o.Analyze(ctx, id)
	return a, false, err
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func newBatchID() string {
	return uuid.NewString()
}
