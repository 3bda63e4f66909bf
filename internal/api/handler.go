// Package api serves the opportunity, search, analysis and ingest HTTP
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/propbot/propbot/internal/analysis"
	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/internal/ingestion/trigger"
	"github.com/propbot/propbot/internal/opportunity"
	"github.com/propbot/propbot/internal/search"
	"github.com/propbot/propbot/internal/sources/grants"
	"github.com/propbot/propbot/internal/store"
	apperrors "github.com/propbot/propbot/pkg/errors"
	"github.com/propbot/propbot/pkg/logger"
	"github.com/propbot/propbot/pkg/sse"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	defaultMinScore    = 7
	recommendLimit     = 100
	statsRecentRuns    = 5
	maxBodyBytes       = 1 << 20
)

// Store is the read side of the opportunity store.
type Store interface {
	GetOpportunity(ctx context.Context, id string) (*opportunity.Opportunity, error)
	ListOpportunities(ctx context.Context, p store.ListParams) ([]opportunity.Opportunity, error)
	Counts(ctx context.Context) (int, map[string]int, error)
	FilterCounts(ctx context.Context) (map[string]int, error)
	RecentRuns(ctx context.Context, limit int) ([]opportunity.IngestRun, error)
	Recommendations(ctx context.Context, minScore, limit int) ([]opportunity.Recommendation, error)
	GetProfile(ctx context.Context) (*opportunity.CompanyProfile, error)
}

// Searcher answers keyword searches, possibly from cache.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) (*store.SearchResult, bool, error)
}

// Analyzer runs fit analyses.
type Analyzer interface {
	Analyze(ctx context.Context, id string) (*opportunity.Analysis, error)
	GetCached(ctx context.Context, id string) (*opportunity.Analysis, error)
	AnalyzeBatch(ctx context.Context, ids []string, opts analysis.BatchOptions) (<-chan analysis.Event, error)
}

// Enricher implements fetch_details.
type Enricher interface {
	Enrich(ctx context.Context, o *opportunity.Opportunity) (*grants.Details, error)
}

// IngestRequester queues ingest runs.
type IngestRequester interface {
	RequestIngest(ctx context.Context, req ingestion.IngestRequest) error
}

type Handler struct {
	store         Store
	search        Searcher
	analyzer      Analyzer
	enricher      Enricher
	ingest        IngestRequester
	streamTimeout time.Duration
	logger        *slog.Logger
}

func New(st Store, searcher Searcher, analyzer Analyzer, streamTimeout time.Duration) *Handler {
	if streamTimeout <= 0 {
		streamTimeout = 30 * time.Minute
	}
	return &Handler{
		store:         st,
		search:        searcher,
		analyzer:      analyzer,
		streamTimeout: streamTimeout,
		logger:        slog.Default().With("component", "api-handler"),
	}
}

func (h *Handler) WithEnricher(e Enricher) *Handler {
	h.enricher = e
	return h
}

// WithIngestRequester enables POST /api/v1/ingest.
func (h *Handler) WithIngestRequester(r IngestRequester) *Handler {
	h.ingest = r
	return h
}

// Search groups keyword matches into grants, contracts and RFIs.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	q := search.NormalizeQuery(r.URL.Query().Get("q"))
	if q == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit, ok := h.intParam(w, r, "limit", defaultSearchLimit, 1, maxSearchLimit)
	if !ok {
		return
	}

	res, cached, err := h.search.Search(ctx, q, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.FromContext(ctx).Info("search completed",
		"query", q,
		"grants", len(res.Grants),
		"contracts", len(res.Contracts),
		"rfis", len(res.RFIs),
		"cache_hit", cached,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"grants":      res.Grants,
		"contracts":   res.Contracts,
		"rfis":        res.RFIs,
		"search_mode": "keyword",
	})
}

// ListOpportunities pages through stored opportunities, newest first.
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", store.DefaultListLimit, 1, store.MaxListLimit)
	if !ok {
		return
	}
	offset, ok := h.intParam(w, r, "offset", 0, 0, int(^uint32(0)>>1))
	if !ok {
		return
	}
	var source opportunity.Source
	if v := r.URL.Query().Get("source"); v != "" {
		s, err := opportunity.ParseSource(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		source = s
	}

	opps, err := h.store.ListOpportunities(r.Context(), store.ListParams{Limit: limit, Offset: offset, Source: source})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
		"limit":         limit,
		"offset":        offset,
	})
}

type opportunityResponse struct {
	*opportunity.Opportunity
	Details      *grants.Details `json:"details,omitempty"`
	DetailsError string          `json:"details_error,omitempty"`
}

// GetOpportunity returns one opportunity. With fetch_details=true a sam.gov
// description link is resolved and a grant gets its live details.
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	o, err := h.store.GetOpportunity(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := opportunityResponse{Opportunity: o}

	if fetch, _ := strconv.ParseBool(r.URL.Query().Get("fetch_details")); fetch && h.enricher != nil {
		details, err := h.enricher.Enrich(ctx, o)
		if err != nil {
			resp.DetailsError = "details unavailable from " + string(o.Source)
		}
		resp.Details = details
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Stats summarizes the store.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, bySource, err := h.store.Counts(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filters, err := h.store.FilterCounts(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.store.RecentRuns(ctx, statsRecentRuns)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":              total,
		"by_source":          bySource,
		"capability_filters": filters,
		"recent_ingest_runs": runs,
	})
}

type analysisResponse struct {
	OpportunityID string                `json:"opportunity_id"`
	Analysis      *opportunity.Analysis `json:"analysis"`
}

// Analyze recomputes the analysis of one opportunity.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.analyzer.Analyze(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, analysisResponse{OpportunityID: id, Analysis: a})
}

// GetAnalysis returns the stored analysis without calling the model.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.analyzer.GetCached(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, analysisResponse{OpportunityID: id, Analysis: a})
}

type batchRequest struct {
	OpportunityIDs []string `json:"opportunity_ids"`
	SkipCached     bool     `json:"skip_cached"`
}

// AnalyzeBatch streams batch progress as server-sent events. The stream
// ends after the complete event, when the stream timeout passes, or when
// the client goes away; the latter two stop the batch.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.streamTimeout)
	defer cancel()

	events, err := h.analyzer.AnalyzeBatch(ctx, req.OpportunityIDs, analysis.BatchOptions{SkipCached: req.SkipCached})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	stream := sse.NewWriter(w)
	if err := stream.SetWriteDeadline(time.Now().Add(h.streamTimeout)); err != nil {
		log.Warn("could not extend write deadline", "error", err)
	}
	sent := 0
	for ev := range events {
		if err := stream.Send(ev); err != nil {
			log.Info("batch client disconnected", "events_sent", sent, "error", err)
			cancel()
			return
		}
		sent++
	}
	if ctx.Err() != nil {
		log.Warn("batch stream ended early", "events_sent", sent, "reason", ctx.Err())
	}
}

// Recommendations lists analyzed opportunities scoring at least min_score.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	minScore, ok := h.intParam(w, r, "min_score", defaultMinScore, opportunity.MinFitScore, opportunity.MaxFitScore)
	if !ok {
		return
	}
	recs, err := h.store.Recommendations(r.Context(), minScore, recommendLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"recommendations": recs,
		"count":           len(recs),
		"min_score":       minScore,
	})
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProfile(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) IngestRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", 10, 1, 100)
	if !ok {
		return
	}
	runs, err := h.store.RecentRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// RequestIngest queues an ingest run for a worker. An empty body or source
// queues every source.
func (h *Handler) RequestIngest(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ingest queue is not configured")
		return
	}
	var req ingestion.IngestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api:" + logger.RequestID(r.Context())
	}

	if err := h.ingest.RequestIngest(r.Context(), req); err != nil {
		var verr *trigger.ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return
		}
		logger.FromContext(r.Context()).Error("queueing ingest failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "could not queue ingest run")
		return
	}
	source := req.Source
	if source == "" {
		source = "all"
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "source": source})
}

// intParam parses an optional integer query parameter within [lo, hi] and
// answers 400 otherwise.
func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		h.writeError(w, http.StatusBadRequest,
			name+" must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
		return 0, false
	}
	return n, true
}

// fail maps err to a status. Server-side failures are logged and their
// detail is not returned.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
