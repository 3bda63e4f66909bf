package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/propbot/propbot/internal/ingestion/normalizer"
	"github.com/propbot/propbot/internal/matcher"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/pkg/config"
	apperrors "github.com/propbot/propbot/pkg/errors"
	"github.com/propbot/propbot/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the coordinator needs.
type Store interface {
	StartRun(ctx context.Context, source opportunity.Source, startedAt time.Time) (int64, error)
	UpdateRunCounters(ctx context.Context, runID int64, c opportunity.RunCounters) error
	FinishRun(ctx context.Context, runID int64, status opportunity.RunStatus, c opportunity.RunCounters, errMsg string) error
	ActiveFilters(ctx context.Context) ([]opportunity.CapabilityFilter, error)
	UpsertOpportunity(ctx context.Context, o *opportunity.Opportunity) (opportunity.UpsertResult, error)
}

// Source is an upstream feed adapter. Fetch calls emit once per raw record
// in feed order and stops at the first error emit returns.
type Source interface {
	Name() opportunity.Source
	Fetch(ctx context.Context, emit func(opportunity.RawRecord) error) error
}

// Notifier receives change events for upserted opportunities. Notify must
// not block the run.
type Notifier interface {
	Notify(ev OpportunityEvent)
}

// Invalidator drops cached read results after a run changed the store.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Coordinator runs ingestion for its registered sources.
type Coordinator struct {
	store       Store
	sources     map[opportunity.Source]Source
	order       []opportunity.Source
	cfg         config.IngestConfig
	notifier    Notifier
	invalidator Invalidator
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

// NewCoordinator creates a Coordinator over the given sources.
func NewCoordinator(store Store, cfg config.IngestConfig, sources ...Source) *Coordinator {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 100
	}
	c := &Coordinator{
		store:   store,
		sources: make(map[opportunity.Source]Source, len(sources)),
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "ingest-coordinator"),
	}
	for _, s := range sources {
		if _, dup := c.sources[s.Name()]; !dup {
			c.order = append(c.order, s.Name())
		}
		c.sources[s.Name()] = s
	}
	return c
}

func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

func (c *Coordinator) WithInvalidator(i Invalidator) *Coordinator {
	c.invalidator = i
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Sources lists the registered sources in registration order.
func (c *Coordinator) Sources() []opportunity.Source {
	return append([]opportunity.Source(nil), c.order...)
}

// run carries the mutable state of one ingest run.
type run struct {
	id       int64
	source   opportunity.Source
	start    time.Time
	matcher  *matcher.Matcher
	counters opportunity.RunCounters
	sinceCP  int
	sinkErr  error
}

// RunIngest executes one run against source. The run row is created before
// any record is read and is finalized exactly once. On failure the returned
// result still carries the counters accumulated so far.
func (c *Coordinator) RunIngest(ctx context.Context, source opportunity.Source) (*RunResult, error) {
	src, ok := c.sources[source]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "source %q is not enabled", source)
	}

	r := &run{source: source, start: c.now().UTC()}
	id, err := c.store.StartRun(ctx, source, r.start)
	if err != nil {
		return nil, err
	}
	r.id = id
	log := c.logger.With("run_id", id, "source", source)
	log.Info("ingest run started")

	filters, err := c.store.ActiveFilters(ctx)
	if err != nil {
		return c.fail(ctx, r, err, log)
	}
	r.matcher = matcher.New(filters)
	if r.matcher.Empty() {
		log.Warn("no active capability filters, accepting every open record")
	}

	fetchErr := src.Fetch(ctx, func(raw opportunity.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.process(ctx, r, raw, log)
	})
	if fetchErr != nil {
		switch {
		case r.sinkErr != nil:
			return c.fail(ctx, r, r.sinkErr, log)
		case ctx.Err() != nil:
			return c.fail(ctx, r, fmt.Errorf("run cancelled: %w", ctx.Err()), log)
		default:
			return c.fail(ctx, r, apperrors.SourceUnavailable(string(source), fetchErr), log)
		}
	}

	if err := c.store.FinishRun(context.WithoutCancel(ctx), r.id, opportunity.RunCompleted, r.counters, ""); err != nil {
		return nil, err
	}
	res := c.result(r, opportunity.RunCompleted, "")
	c.observe(res)
	log.Info("ingest run completed",
		"fetched", r.counters.Fetched,
		"inserted", r.counters.Inserted,
		"updated", r.counters.Updated,
		"filtered_expired", r.counters.FilteredExpired,
		"filtered_capability", r.counters.FilteredCapability,
		"rejected_invalid", r.counters.RejectedInvalid,
		"duration", res.Duration,
	)

	if c.invalidator != nil && r.counters.Inserted+r.counters.Updated > 0 {
		if err := c.invalidator.Invalidate(ctx); err != nil {
			log.Warn("cache invalidation failed", "error", err)
		}
	}
	return res, nil
}

// process routes one raw record into exactly one counter bucket.
func (c *Coordinator) process(ctx context.Context, r *run, raw opportunity.RawRecord, log *slog.Logger) error {
	r.counters.Fetched++

	o, err := normalizer.Normalize(raw)
	switch {
	case err != nil:
		r.counters.RejectedInvalid++
		log.Debug("record rejected", "opportunity_id", raw.ID, "error", err)
	case normalizer.Expired(o.Deadline, r.start, c.cfg.DropMissingDeadline):
		r.counters.FilteredExpired++
	default:
		m := r.matcher.Match(o)
		if !m.Accept {
			r.counters.FilteredCapability++
			break
		}
		o.MatchedKeywords = m.MatchedKeywords
		o.MatchedNAICS = m.MatchedNAICS
		res, err := c.store.UpsertOpportunity(ctx, o)
		if err != nil {
			r.sinkErr = err
			return err
		}
		eventType := EventUpdated
		if res == opportunity.Inserted {
			r.counters.Inserted++
			eventType = EventInserted
		} else {
			r.counters.Updated++
		}
		if c.notifier != nil {
			c.notifier.Notify(OpportunityEvent{
				Type:            eventType,
				RunID:           r.id,
				OpportunityID:   o.OpportunityID,
				Source:          o.Source,
				Title:           o.Title,
				Agency:          o.Agency,
				Deadline:        o.Deadline,
				MatchedKeywords: o.MatchedKeywords,
				MatchedNAICS:    o.MatchedNAICS,
				OccurredAt:      c.now().UTC(),
			})
		}
	}

	r.sinceCP++
	if r.sinceCP >= c.cfg.FlushEvery {
		r.sinceCP = 0
		if err := c.store.UpdateRunCounters(ctx, r.id, r.counters); err != nil {
			r.sinkErr = err
			return err
		}
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, r *run, cause error, log *slog.Logger) (*RunResult, error) {
	msg := cause.Error()
	if err := c.store.FinishRun(context.WithoutCancel(ctx), r.id, opportunity.RunFailed, r.counters, msg); err != nil {
		log.Error("failed to finalize failed run", "error", err)
		return nil, errors.Join(cause, err)
	}
	res := c.result(r, opportunity.RunFailed, msg)
	c.observe(res)
	log.Error("ingest run failed", "error", cause, "fetched", r.counters.Fetched)
	return res, fmt.Errorf("ingest run %d (%s): %w", r.id, r.source, cause)
}

func (c *Coordinator) result(r *run, status opportunity.RunStatus, msg string) *RunResult {
	return &RunResult{
		RunID:        r.id,
		Source:       r.source,
		Status:       status,
		Counters:     r.counters,
		ErrorMessage: msg,
		Duration:     c.now().Sub(r.start),
	}
}

func (c *Coordinator) observe(res *RunResult) {
	if c.metrics == nil {
		return
	}
	src := string(res.Source)
	c.metrics.IngestRunsTotal.WithLabelValues(src, string(res.Status)).Inc()
	c.metrics.IngestRunDuration.WithLabelValues(src).Observe(res.Duration.Seconds())
	for outcome, n := range map[string]int{
		"inserted":   res.Counters.Inserted,
		"updated":    res.Counters.Updated,
		"expired":    res.Counters.FilteredExpired,
		"capability": res.Counters.FilteredCapability,
		"invalid":    res.Counters.RejectedInvalid,
	} {
		c.metrics.IngestRecordsTotal.WithLabelValues(src, outcome).Add(float64(n))
	}
}

// RunAll runs every given source concurrently, or every registered source
// when none is given. One source failing does not stop the others; the
// first error is returned alongside all results.
func (c *Coordinator) RunAll(ctx context.Context, sources ...opportunity.Source) ([]*RunResult, error) {
	if len(sources) == 0 {
		sources = c.Sources()
	}
	var g errgroup.Group
	results := make([]*RunResult, len(sources))
	for i, source := range sources {
		g.Go(func() error {
			res, err := c.RunIngest(ctx, source)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}
